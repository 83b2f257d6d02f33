package api

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/sealdrop/internal/audit"
	"github.com/kenneth/sealdrop/internal/metadata"
	"github.com/kenneth/sealdrop/internal/s3"
)

// fakeBackend implements s3.Client and serves the presigned URLs it hands
// out, so uploads can run end to end without a real bucket.
type fakeBackend struct {
	mu      sync.Mutex
	srv     *httptest.Server
	seq     int
	objects map[string][]byte
	uploads map[string]string // uploadID -> key
	parts   map[string]map[int32][]byte

	aborted []string
	deleted []string

	presignErr  error
	completeErr error
	abortErr    error
	deleteErr   error
	getPresigns int
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		objects: make(map[string][]byte),
		uploads: make(map[string]string),
		parts:   make(map[string]map[int32][]byte),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.srv.Close)
	return b
}

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func (b *fakeBackend) serve(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case strings.HasPrefix(r.URL.Path, "/object/"):
		key := strings.TrimPrefix(r.URL.Path, "/object/")
		switch r.Method {
		case http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			b.objects[key] = data
			w.Header().Set("ETag", strconv.Quote(etagOf(data)))
		case http.MethodGet:
			data, ok := b.objects[key]
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.Write(data)
		}
	case strings.HasPrefix(r.URL.Path, "/part/") && r.Method == http.MethodPut:
		uploadID, num, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/part/"), "/")
		n, err := strconv.Atoi(num)
		parts, ok := b.parts[uploadID]
		if err != nil || !ok {
			http.NotFound(w, r)
			return
		}
		data, _ := io.ReadAll(r.Body)
		parts[int32(n)] = data
		w.Header().Set("ETag", strconv.Quote(etagOf(data)))
	default:
		http.NotFound(w, r)
	}
}

func (b *fakeBackend) PresignPutObject(_ context.Context, key, _ string) (string, error) {
	if b.presignErr != nil {
		return "", b.presignErr
	}
	return b.srv.URL + "/object/" + key, nil
}

func (b *fakeBackend) PresignUploadPart(_ context.Context, _, uploadID string, partNumber int32) (string, error) {
	if b.presignErr != nil {
		return "", b.presignErr
	}
	return fmt.Sprintf("%s/part/%s/%d", b.srv.URL, uploadID, partNumber), nil
}

func (b *fakeBackend) PresignGetObject(_ context.Context, key, _ string) (string, error) {
	if b.presignErr != nil {
		return "", b.presignErr
	}
	b.mu.Lock()
	b.getPresigns++
	b.mu.Unlock()
	return b.srv.URL + "/object/" + key, nil
}

func (b *fakeBackend) CreateMultipartUpload(_ context.Context, key, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := fmt.Sprintf("mpu-%d", b.seq)
	b.uploads[id] = key
	b.parts[id] = make(map[int32][]byte)
	return id, nil
}

func (b *fakeBackend) CompleteMultipartUpload(_ context.Context, key, uploadID string, parts []s3.CompletedPart) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.completeErr != nil {
		return "", b.completeErr
	}
	stored, ok := b.parts[uploadID]
	if !ok || b.uploads[uploadID] != key {
		return "", apiError("NoSuchUpload")
	}
	var buf bytes.Buffer
	for _, p := range parts {
		data, ok := stored[p.PartNumber]
		if !ok || etagOf(data) != p.ETag {
			return "", apiError("InvalidPart")
		}
		buf.Write(data)
	}
	b.objects[key] = buf.Bytes()
	delete(b.parts, uploadID)
	delete(b.uploads, uploadID)
	return b.srv.URL + "/object/" + key, nil
}

func (b *fakeBackend) AbortMultipartUpload(_ context.Context, _, uploadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.abortErr != nil {
		return b.abortErr
	}
	b.aborted = append(b.aborted, uploadID)
	delete(b.parts, uploadID)
	delete(b.uploads, uploadID)
	return nil
}

func (b *fakeBackend) DeleteObject(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleteErr != nil {
		return b.deleteErr
	}
	b.deleted = append(b.deleted, key)
	delete(b.objects, key)
	return nil
}

func (b *fakeBackend) Bucket() string { return "test-bucket" }

func (b *fakeBackend) object(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	return data, ok
}

type testServer struct {
	backend *fakeBackend
	files   *metadata.Store
	handler *Handler
	router  *mux.Router
	logs    *test.Hook
	audit   audit.Logger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	files, err := metadata.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { files.Close() })

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	backend := newFakeBackend(t)
	auditLog := audit.NewLogger(100, nil)
	h := NewHandler(backend, files, logger, WithAuditLogger(auditLog))
	r := mux.NewRouter()
	h.RegisterRoutes(r)

	return &testServer{backend: backend, files: files, handler: h, router: r, logs: hook, audit: auditLog}
}

var _ s3.Client = (*fakeBackend)(nil)
