package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/sealdrop/internal/apiclient"
	"github.com/kenneth/sealdrop/internal/audit"
	"github.com/kenneth/sealdrop/internal/cache"
	"github.com/kenneth/sealdrop/internal/metadata"
	"github.com/kenneth/sealdrop/internal/middleware"
)

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), rr.Body.String())
	return v
}

func assertAPIError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	assert.Equal(t, status, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	resp := decode[apiclient.ErrorResponse](t, rr)
	assert.Equal(t, code, resp.Code)
}

func (s *testServer) initiate(t *testing.T, name string) apiclient.InitiateMultipartResponse {
	t.Helper()
	rr := s.do(t, http.MethodPost, apiclient.PathInitiateMultipart, apiclient.UploadTarget{FileName: name})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	return decode[apiclient.InitiateMultipartResponse](t, rr)
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rr.Body.String())
}

func TestHandleDirectUpload(t *testing.T) {
	s := newTestServer(t)
	s.handler.now = func() time.Time { return time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC) }

	rr := s.do(t, http.MethodPost, apiclient.PathDirectUpload, apiclient.UploadTarget{
		FileName:    "../../etc/report 2026.pdf",
		ContentType: "application/pdf",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[apiclient.DirectUploadResponse](t, rr)

	assert.Regexp(t, regexp.MustCompile(`^uploads/2026/10/16/[0-9a-f-]{36}/report_2026\.pdf$`), resp.Key)
	assert.Equal(t, s.backend.srv.URL+"/object/"+resp.Key, resp.URL)
}

func TestHandleDirectUpload_Validation(t *testing.T) {
	s := newTestServer(t)

	assertAPIError(t, s.do(t, http.MethodPost, apiclient.PathDirectUpload, "{not json"), http.StatusBadRequest, "MalformedJSON")
	assertAPIError(t, s.do(t, http.MethodPost, apiclient.PathDirectUpload, apiclient.UploadTarget{FileName: "  "}), http.StatusBadRequest, "InvalidRequest")

	s.backend.presignErr = errors.New("signer unavailable")
	rr := s.do(t, http.MethodPost, apiclient.PathDirectUpload, apiclient.UploadTarget{FileName: "a.txt"})
	assertAPIError(t, rr, http.StatusInternalServerError, "InternalError")
	assert.Equal(t, "Request failed", s.logs.LastEntry().Message)
}

func TestMultipartLifecycle(t *testing.T) {
	s := newTestServer(t)
	session := s.initiate(t, "big.bin")
	assert.Equal(t, "mpu-1", session.UploadID)
	require.NoError(t, s.files.CheckSession(session.UploadID, session.Key))

	rr := s.do(t, http.MethodPost, apiclient.PathPartURLs, apiclient.PartURLsRequest{
		UploadID:    session.UploadID,
		Key:         session.Key,
		PartNumbers: []int32{1, 2},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	urls := decode[apiclient.PartURLsResponse](t, rr)
	require.Len(t, urls.URLs, 2)
	assert.True(t, strings.HasSuffix(urls.URLs[2], "/part/mpu-1/2"))

	var parts []apiclient.CompletedPart
	for i, body := range []string{"hello ", "world"} {
		n := int32(i + 1)
		req, err := http.NewRequest(http.MethodPut, urls.URLs[n], strings.NewReader(body))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		parts = append(parts, apiclient.CompletedPart{PartNumber: n, ETag: etagOf([]byte(body))})
	}

	rr = s.do(t, http.MethodPost, apiclient.PathCompleteMultipart, apiclient.CompleteMultipartRequest{
		UploadID: session.UploadID,
		Key:      session.Key,
		Parts:    parts,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, decode[apiclient.CompleteMultipartResponse](t, rr).Location, session.Key)

	data, ok := s.backend.object(session.Key)
	require.True(t, ok)
	assert.Equal(t, "hello world", string(data))
	assert.ErrorIs(t, s.files.CheckSession(session.UploadID, session.Key), metadata.ErrNotFound)
}

func TestHandlePartURLs_Validation(t *testing.T) {
	s := newTestServer(t)
	session := s.initiate(t, "a.bin")

	tests := []struct {
		name   string
		req    apiclient.PartURLsRequest
		status int
		code   string
	}{
		{"missing upload id", apiclient.PartURLsRequest{Key: session.Key, PartNumbers: []int32{1}}, http.StatusBadRequest, "InvalidRequest"},
		{"foreign key", apiclient.PartURLsRequest{UploadID: session.UploadID, Key: "other/key", PartNumbers: []int32{1}}, http.StatusBadRequest, "InvalidRequest"},
		{"no parts", apiclient.PartURLsRequest{UploadID: session.UploadID, Key: session.Key}, http.StatusBadRequest, "InvalidPart"},
		{"part zero", apiclient.PartURLsRequest{UploadID: session.UploadID, Key: session.Key, PartNumbers: []int32{0}}, http.StatusBadRequest, "InvalidPart"},
		{"part too high", apiclient.PartURLsRequest{UploadID: session.UploadID, Key: session.Key, PartNumbers: []int32{MaxPartNumber + 1}}, http.StatusBadRequest, "InvalidPart"},
		{"duplicate", apiclient.PartURLsRequest{UploadID: session.UploadID, Key: session.Key, PartNumbers: []int32{1, 1}}, http.StatusBadRequest, "InvalidPart"},
		{"unknown session", apiclient.PartURLsRequest{UploadID: "nope", Key: session.Key, PartNumbers: []int32{1}}, http.StatusNotFound, "NoSuchUpload"},
		{"session for other key", apiclient.PartURLsRequest{UploadID: session.UploadID, Key: "uploads/x", PartNumbers: []int32{1}}, http.StatusNotFound, "NoSuchUpload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertAPIError(t, s.do(t, http.MethodPost, apiclient.PathPartURLs, tt.req), tt.status, tt.code)
		})
	}
}

func TestValidateParts(t *testing.T) {
	tests := []struct {
		name  string
		parts []apiclient.CompletedPart
		code  string
	}{
		{"empty", nil, "InvalidPart"},
		{"missing etag", []apiclient.CompletedPart{{PartNumber: 1, ETag: " "}}, "InvalidPart"},
		{"out of range", []apiclient.CompletedPart{{PartNumber: 10001, ETag: "e"}}, "InvalidPart"},
		{"unsorted", []apiclient.CompletedPart{{PartNumber: 2, ETag: "a"}, {PartNumber: 1, ETag: "b"}}, "InvalidPartOrder"},
		{"duplicate", []apiclient.CompletedPart{{PartNumber: 1, ETag: "a"}, {PartNumber: 1, ETag: "b"}}, "InvalidPartOrder"},
		{"valid", []apiclient.CompletedPart{{PartNumber: 1, ETag: "a"}, {PartNumber: 3, ETag: "b"}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateParts(tt.parts)
			if tt.code == "" {
				assert.NoError(t, err)
				return
			}
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.code, apiErr.Code)
		})
	}
}

func TestHandleCompleteMultipart_BackendRejectsPart(t *testing.T) {
	s := newTestServer(t)
	session := s.initiate(t, "a.bin")

	rr := s.do(t, http.MethodPost, apiclient.PathCompleteMultipart, apiclient.CompleteMultipartRequest{
		UploadID: session.UploadID,
		Key:      session.Key,
		Parts:    []apiclient.CompletedPart{{PartNumber: 1, ETag: "never-uploaded"}},
	})
	assertAPIError(t, rr, http.StatusBadRequest, "InvalidPart")
	assert.NoError(t, s.files.CheckSession(session.UploadID, session.Key), "session stays open for abort")
}

func TestHandleAbortMultipart(t *testing.T) {
	s := newTestServer(t)
	session := s.initiate(t, "a.bin")
	req := apiclient.AbortMultipartRequest{UploadID: session.UploadID, Key: session.Key}

	rr := s.do(t, http.MethodPost, apiclient.PathAbortMultipart, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, []string{session.UploadID}, s.backend.aborted)

	assertAPIError(t, s.do(t, http.MethodPost, apiclient.PathAbortMultipart, req), http.StatusNotFound, "NoSuchUpload")
}

func TestHandleAbortMultipart_AlreadyGoneUpstream(t *testing.T) {
	s := newTestServer(t)
	session := s.initiate(t, "a.bin")
	s.backend.abortErr = apiError("NoSuchUpload")

	rr := s.do(t, http.MethodPost, apiclient.PathAbortMultipart, apiclient.AbortMultipartRequest{UploadID: session.UploadID, Key: session.Key})
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.ErrorIs(t, s.files.CheckSession(session.UploadID, session.Key), metadata.ErrNotFound)
}

func TestFileRecords(t *testing.T) {
	s := newTestServer(t)
	key := s.initiate(t, "a.txt").Key

	rr := s.do(t, http.MethodPost, apiclient.PathFiles, apiclient.FileRecord{
		Name:        "a.txt",
		Key:         key,
		Size:        1234,
		ContentType: "text/plain",
		FolderID:    "docs",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	id := decode[apiclient.CreateFileResponse](t, rr).ID
	require.NotEmpty(t, id)

	rr = s.do(t, http.MethodGet, apiclient.PathFiles+"?folderId=docs", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	listed := decode[apiclient.ListFilesResponse](t, rr)
	require.Len(t, listed.Files, 1)
	assert.Equal(t, id, listed.Files[0].ID)
	assert.Equal(t, int64(1234), listed.Files[0].Size)

	rr = s.do(t, http.MethodGet, apiclient.PathFiles, nil)
	assert.JSONEq(t, `{"files":[]}`, rr.Body.String())

	rr = s.do(t, http.MethodGet, apiclient.PathFiles+"/"+id+"/download", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	dl := decode[apiclient.DownloadURLResponse](t, rr)
	assert.Equal(t, "a.txt", dl.Name)
	assert.Equal(t, s.backend.srv.URL+"/object/"+key, dl.DownloadURL)

	rr = s.do(t, http.MethodDelete, apiclient.PathFiles+"/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, []string{key}, s.backend.deleted)

	assertAPIError(t, s.do(t, http.MethodGet, apiclient.PathFiles+"/"+id+"/download", nil), http.StatusNotFound, "NoSuchFile")
	assertAPIError(t, s.do(t, http.MethodDelete, apiclient.PathFiles+"/"+id, nil), http.StatusNotFound, "NoSuchFile")
}

func TestAuditTrail(t *testing.T) {
	s := newTestServer(t)
	session := s.initiate(t, "a.bin")
	s.do(t, http.MethodPost, apiclient.PathAbortMultipart, apiclient.AbortMultipartRequest{UploadID: session.UploadID, Key: session.Key})

	key := s.initiate(t, "b.txt").Key
	rr := s.do(t, http.MethodPost, apiclient.PathFiles, apiclient.FileRecord{Name: "b.txt", Key: key})
	id := decode[apiclient.CreateFileResponse](t, rr).ID
	s.do(t, http.MethodGet, apiclient.PathFiles+"/"+id+"/download", nil)

	s.backend.deleteErr = apiError("AccessDenied")
	s.do(t, http.MethodDelete, apiclient.PathFiles+"/"+id, nil)

	var types []audit.EventType
	for _, e := range s.audit.Events() {
		types = append(types, e.Type)
		assert.Equal(t, "test-bucket", e.Bucket)
	}
	assert.Equal(t, []audit.EventType{
		audit.EventUploadInitiated,
		audit.EventUploadAborted,
		audit.EventUploadInitiated,
		audit.EventFileRecorded,
		audit.EventDownloadURLIssued,
		audit.EventFileDeleted,
	}, types)

	events := s.audit.Events()
	assert.Equal(t, session.UploadID, events[1].UploadID)
	assert.True(t, events[1].Success)
	assert.Equal(t, id, events[4].FileID)
	last := events[len(events)-1]
	assert.False(t, last.Success)
	assert.NotEmpty(t, last.Error)
}

func TestAuditTrail_RequestIdentity(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, apiclient.PathInitiateMultipart, strings.NewReader(`{"fileName":"a.bin"}`))
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	rr := httptest.NewRecorder()
	rr.Header().Set(middleware.RequestIDHeader, "req-42")
	s.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	events := s.audit.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "203.0.113.7", events[0].ClientIP)
	assert.Equal(t, "req-42", events[0].RequestID)
}

func TestDownloadURLCache(t *testing.T) {
	s := newTestServer(t)
	urls, err := cache.NewURLCache(10, time.Minute)
	require.NoError(t, err)
	WithURLCache(urls)(s.handler)

	key := s.initiate(t, "a.txt").Key
	rr := s.do(t, http.MethodPost, apiclient.PathFiles, apiclient.FileRecord{Name: "a.txt", Key: key})
	id := decode[apiclient.CreateFileResponse](t, rr).ID

	for i := 0; i < 3; i++ {
		rr = s.do(t, http.MethodGet, apiclient.PathFiles+"/"+id+"/download", nil)
		require.Equal(t, http.StatusOK, rr.Code)
	}
	assert.Equal(t, 1, s.backend.getPresigns)
	assert.Equal(t, int64(2), urls.Stats().Hits)

	rr = s.do(t, http.MethodDelete, apiclient.PathFiles+"/"+id, nil)
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Zero(t, urls.Stats().Items)
}

func TestHandleCreateFile_Validation(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name string
		rec  apiclient.FileRecord
	}{
		{"missing name", apiclient.FileRecord{Key: "uploads/a"}},
		{"foreign key", apiclient.FileRecord{Name: "a", Key: "secrets/a"}},
		{"negative size", apiclient.FileRecord{Name: "a", Key: "uploads/a", Size: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertAPIError(t, s.do(t, http.MethodPost, apiclient.PathFiles, tt.rec), http.StatusBadRequest, "InvalidRequest")
		})
	}
}

func TestSanitizeFileName(t *testing.T) {
	tests := map[string]string{
		"report.pdf":          "report.pdf",
		"../../etc/passwd":    "passwd",
		`C:\Users\me\a b.txt`: "a_b.txt",
		"héllo.txt":           "h_llo.txt",
		"..":                  "file",
		"":                    "file",
		".hidden":             "hidden",
	}
	for in, want := range tests {
		assert.Equal(t, want, sanitizeFileName(in), in)
	}
	assert.Len(t, sanitizeFileName(strings.Repeat("a", 300)+".txt"), maxFileNameLen)
}

func TestRequiresAuth(t *testing.T) {
	assert.False(t, RequiresAuth(httptest.NewRequest(http.MethodGet, "/health", nil)))
	assert.True(t, RequiresAuth(httptest.NewRequest(http.MethodGet, apiclient.PathFiles, nil)))
}
