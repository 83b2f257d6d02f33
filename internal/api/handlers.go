package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/sealdrop/internal/apiclient"
	"github.com/kenneth/sealdrop/internal/audit"
	"github.com/kenneth/sealdrop/internal/cache"
	"github.com/kenneth/sealdrop/internal/metadata"
	"github.com/kenneth/sealdrop/internal/middleware"
	"github.com/kenneth/sealdrop/internal/s3"
)

const (
	// MaxPartNumber is the highest part number S3 accepts.
	MaxPartNumber = 10000

	keyPrefix       = "uploads/"
	maxRequestBytes = 1 << 20
	maxFileNameLen  = 255
)

// FileStore persists file records and open multipart sessions.
// *metadata.Store implements it.
type FileStore interface {
	PutFile(f metadata.File) (*metadata.File, error)
	GetFile(id string) (*metadata.File, error)
	ListFiles(folderID string) ([]metadata.File, error)
	DeleteFile(id string) (*metadata.File, error)

	PutSession(uploadID, key string) error
	CheckSession(uploadID, key string) error
	DeleteSession(uploadID string) error
}

// Handler serves the presigned URL API. It never sees object bytes.
type Handler struct {
	s3Client s3.Client
	files    FileStore
	logger   *logrus.Logger
	audit    audit.Logger
	urls     *cache.URLCache
	now      func() time.Time
}

// HandlerOption configures optional Handler behavior.
type HandlerOption func(*Handler)

// WithAuditLogger records file lifecycle events to l.
func WithAuditLogger(l audit.Logger) HandlerOption {
	return func(h *Handler) {
		h.audit = l
	}
}

// WithURLCache reuses presigned download URLs from c.
func WithURLCache(c *cache.URLCache) HandlerOption {
	return func(h *Handler) {
		h.urls = c
	}
}

// NewHandler creates a new API handler.
func NewHandler(s3Client s3.Client, files FileStore, logger *logrus.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		s3Client: s3Client,
		files:    files,
		logger:   logger,
		audit:    audit.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// record stamps an audit event with the request's identity and logs it.
func (h *Handler) record(w http.ResponseWriter, r *http.Request, event *audit.Event, err error) {
	event.Bucket = h.s3Client.Bucket()
	event.ClientIP = middleware.ClientIP(r)
	event.RequestID = w.Header().Get(middleware.RequestIDHeader)
	event.Success = err == nil
	if err != nil {
		event.Error = err.Error()
	}
	h.audit.Log(event)
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods("GET")

	r.HandleFunc(apiclient.PathDirectUpload, h.handleDirectUpload).Methods("POST")
	r.HandleFunc(apiclient.PathInitiateMultipart, h.handleInitiateMultipart).Methods("POST")
	r.HandleFunc(apiclient.PathPartURLs, h.handlePartURLs).Methods("POST")
	r.HandleFunc(apiclient.PathCompleteMultipart, h.handleCompleteMultipart).Methods("POST")
	r.HandleFunc(apiclient.PathAbortMultipart, h.handleAbortMultipart).Methods("POST")

	r.HandleFunc(apiclient.PathFiles, h.handleCreateFile).Methods("POST")
	r.HandleFunc(apiclient.PathFiles, h.handleListFiles).Methods("GET")
	r.HandleFunc(apiclient.PathFiles+"/{id}/download", h.handleDownloadURL).Methods("GET")
	r.HandleFunc(apiclient.PathFiles+"/{id}", h.handleDeleteFile).Methods("DELETE")
}

// RequiresAuth reports whether r must carry the bearer token. The health
// check is public.
func RequiresAuth(r *http.Request) bool {
	return r.URL.Path != "/health"
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return ErrMalformedJSON
	}
	return nil
}

// writeError translates err, logs it and writes the JSON error response.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, key string) {
	apiErr := TranslateError(err, key)
	entry := h.logger.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"code":   apiErr.Code,
	})
	if key != "" {
		entry = entry.WithField("object_key", key)
	}
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		entry.WithError(err).Error("Request failed")
	} else {
		entry.WithError(err).Debug("Request rejected")
	}
	apiErr.WriteJSON(w)
}

// sanitizeFileName reduces a client supplied name to a single safe path
// segment.
func sanitizeFileName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x80 && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	clean := strings.Trim(b.String(), ".")
	if len(clean) > maxFileNameLen {
		clean = clean[len(clean)-maxFileNameLen:]
	}
	if clean == "" {
		return "file"
	}
	return clean
}

// objectKey returns uploads/YYYY/MM/DD/<uuid>/<name>.
func (h *Handler) objectKey(fileName string) string {
	return fmt.Sprintf("%s%s/%s/%s",
		keyPrefix,
		h.now().UTC().Format("2006/01/02"),
		uuid.NewString(),
		sanitizeFileName(fileName),
	)
}

func validateTarget(target *apiclient.UploadTarget) error {
	if strings.TrimSpace(target.FileName) == "" {
		return invalidRequest("fileName is required")
	}
	if target.ContentType == "" {
		target.ContentType = "application/octet-stream"
	}
	return nil
}

func validateSession(uploadID, key string) error {
	if uploadID == "" {
		return invalidRequest("uploadId is required")
	}
	if !strings.HasPrefix(key, keyPrefix) {
		return invalidRequest("key %q is not an upload key", key)
	}
	return nil
}

func validatePartNumber(n int32) error {
	if n < 1 || n > MaxPartNumber {
		return invalidPart("part number %d out of range [1, %d]", n, MaxPartNumber)
	}
	return nil
}

// validateParts checks that parts are non-empty, strictly ascending and
// carry ETags.
func validateParts(parts []apiclient.CompletedPart) error {
	if len(parts) == 0 {
		return invalidPart("at least one part is required")
	}
	for i, p := range parts {
		if err := validatePartNumber(p.PartNumber); err != nil {
			return err
		}
		if strings.TrimSpace(p.ETag) == "" {
			return invalidPart("part %d has an empty ETag", p.PartNumber)
		}
		if i > 0 && p.PartNumber <= parts[i-1].PartNumber {
			return &APIError{
				Code:       "InvalidPartOrder",
				Message:    fmt.Sprintf("part %d listed after part %d", p.PartNumber, parts[i-1].PartNumber),
				HTTPStatus: http.StatusBadRequest,
			}
		}
	}
	return nil
}

// checkSession reports unknown and mismatched sessions as NoSuchUpload.
func (h *Handler) checkSession(uploadID, key string) error {
	err := h.files.CheckSession(uploadID, key)
	if errors.Is(err, metadata.ErrNotFound) || errors.Is(err, metadata.ErrSessionMismatch) {
		return ErrNoSuchUpload
	}
	return err
}

func (h *Handler) handleDirectUpload(w http.ResponseWriter, r *http.Request) {
	var target apiclient.UploadTarget
	if err := decodeJSON(w, r, &target); err != nil {
		h.writeError(w, r, err, "")
		return
	}
	if err := validateTarget(&target); err != nil {
		h.writeError(w, r, err, "")
		return
	}

	key := h.objectKey(target.FileName)
	url, err := h.s3Client.PresignPutObject(r.Context(), key, target.ContentType)
	if err != nil {
		h.writeError(w, r, err, key)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"object_key": key,
		"folder_id":  target.FolderID,
	}).Debug("Issued direct upload URL")
	writeJSON(w, http.StatusOK, apiclient.DirectUploadResponse{URL: url, Key: key})
}

func (h *Handler) handleInitiateMultipart(w http.ResponseWriter, r *http.Request) {
	var target apiclient.UploadTarget
	if err := decodeJSON(w, r, &target); err != nil {
		h.writeError(w, r, err, "")
		return
	}
	if err := validateTarget(&target); err != nil {
		h.writeError(w, r, err, "")
		return
	}

	ctx := r.Context()
	key := h.objectKey(target.FileName)
	uploadID, err := h.s3Client.CreateMultipartUpload(ctx, key, target.ContentType)
	if err != nil {
		h.writeError(w, r, err, key)
		return
	}
	if err := h.files.PutSession(uploadID, key); err != nil {
		if abortErr := h.s3Client.AbortMultipartUpload(ctx, key, uploadID); abortErr != nil {
			h.logger.WithError(abortErr).WithField("upload_id", uploadID).Warn("Failed to abort untracked multipart upload")
		}
		h.writeError(w, r, err, key)
		return
	}

	h.record(w, r, &audit.Event{Type: audit.EventUploadInitiated, Key: key, UploadID: uploadID}, nil)
	h.logger.WithFields(logrus.Fields{
		"object_key": key,
		"upload_id":  uploadID,
	}).Info("Initiated multipart upload")
	writeJSON(w, http.StatusOK, apiclient.InitiateMultipartResponse{UploadID: uploadID, Key: key})
}

func (h *Handler) handlePartURLs(w http.ResponseWriter, r *http.Request) {
	var req apiclient.PartURLsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err, "")
		return
	}
	if err := validateSession(req.UploadID, req.Key); err != nil {
		h.writeError(w, r, err, req.Key)
		return
	}
	if len(req.PartNumbers) == 0 {
		h.writeError(w, r, invalidPart("partNumbers is required"), req.Key)
		return
	}
	seen := make(map[int32]struct{}, len(req.PartNumbers))
	for _, n := range req.PartNumbers {
		if err := validatePartNumber(n); err != nil {
			h.writeError(w, r, err, req.Key)
			return
		}
		if _, dup := seen[n]; dup {
			h.writeError(w, r, invalidPart("duplicate part number %d", n), req.Key)
			return
		}
		seen[n] = struct{}{}
	}
	if err := h.checkSession(req.UploadID, req.Key); err != nil {
		h.writeError(w, r, err, req.Key)
		return
	}

	urls := make(map[int32]string, len(req.PartNumbers))
	for _, n := range req.PartNumbers {
		url, err := h.s3Client.PresignUploadPart(r.Context(), req.Key, req.UploadID, n)
		if err != nil {
			h.writeError(w, r, err, req.Key)
			return
		}
		urls[n] = url
	}
	writeJSON(w, http.StatusOK, apiclient.PartURLsResponse{URLs: urls})
}

func (h *Handler) handleCompleteMultipart(w http.ResponseWriter, r *http.Request) {
	var req apiclient.CompleteMultipartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err, "")
		return
	}
	if err := validateSession(req.UploadID, req.Key); err != nil {
		h.writeError(w, r, err, req.Key)
		return
	}
	if err := validateParts(req.Parts); err != nil {
		h.writeError(w, r, err, req.Key)
		return
	}
	if err := h.checkSession(req.UploadID, req.Key); err != nil {
		h.writeError(w, r, err, req.Key)
		return
	}

	parts := make([]s3.CompletedPart, len(req.Parts))
	for i, p := range req.Parts {
		parts[i] = s3.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag}
	}
	location, err := h.s3Client.CompleteMultipartUpload(r.Context(), req.Key, req.UploadID, parts)
	h.record(w, r, &audit.Event{Type: audit.EventUploadCompleted, Key: req.Key, UploadID: req.UploadID}, err)
	if err != nil {
		h.writeError(w, r, err, req.Key)
		return
	}
	if err := h.files.DeleteSession(req.UploadID); err != nil {
		h.logger.WithError(err).WithField("upload_id", req.UploadID).Warn("Failed to remove completed session")
	}

	h.logger.WithFields(logrus.Fields{
		"object_key":  req.Key,
		"upload_id":   req.UploadID,
		"total_parts": len(parts),
	}).Info("Completed multipart upload")
	writeJSON(w, http.StatusOK, apiclient.CompleteMultipartResponse{Location: location})
}

func (h *Handler) handleAbortMultipart(w http.ResponseWriter, r *http.Request) {
	var req apiclient.AbortMultipartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err, "")
		return
	}
	if err := validateSession(req.UploadID, req.Key); err != nil {
		h.writeError(w, r, err, req.Key)
		return
	}
	if err := h.checkSession(req.UploadID, req.Key); err != nil {
		h.writeError(w, r, err, req.Key)
		return
	}

	err := h.s3Client.AbortMultipartUpload(r.Context(), req.Key, req.UploadID)
	if err != nil && s3.ErrorCode(err) == "NoSuchUpload" {
		err = nil
	}
	h.record(w, r, &audit.Event{Type: audit.EventUploadAborted, Key: req.Key, UploadID: req.UploadID}, err)
	if err != nil {
		h.writeError(w, r, err, req.Key)
		return
	}
	if err := h.files.DeleteSession(req.UploadID); err != nil {
		h.logger.WithError(err).WithField("upload_id", req.UploadID).Warn("Failed to remove aborted session")
	}

	h.logger.WithFields(logrus.Fields{
		"object_key": req.Key,
		"upload_id":  req.UploadID,
	}).Info("Aborted multipart upload")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCreateFile(w http.ResponseWriter, r *http.Request) {
	var rec apiclient.FileRecord
	if err := decodeJSON(w, r, &rec); err != nil {
		h.writeError(w, r, err, "")
		return
	}
	switch {
	case strings.TrimSpace(rec.Name) == "":
		h.writeError(w, r, invalidRequest("name is required"), rec.Key)
		return
	case !strings.HasPrefix(rec.Key, keyPrefix):
		h.writeError(w, r, invalidRequest("key %q is not an upload key", rec.Key), rec.Key)
		return
	case rec.Size < 0:
		h.writeError(w, r, invalidRequest("size must not be negative"), rec.Key)
		return
	}

	f, err := h.files.PutFile(metadata.File{
		Name:        rec.Name,
		ObjectKey:   rec.Key,
		Size:        rec.Size,
		ContentType: rec.ContentType,
		FolderID:    rec.FolderID,
	})
	if err != nil {
		h.writeError(w, r, err, rec.Key)
		return
	}

	h.record(w, r, &audit.Event{Type: audit.EventFileRecorded, Key: f.ObjectKey, FileID: f.ID}, nil)
	h.logger.WithFields(logrus.Fields{
		"file_id":    f.ID,
		"object_key": f.ObjectKey,
		"size":       f.Size,
	}).Info("Recorded file")
	writeJSON(w, http.StatusCreated, apiclient.CreateFileResponse{ID: f.ID})
}

func (h *Handler) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.files.ListFiles(r.URL.Query().Get("folderId"))
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}

	resp := apiclient.ListFilesResponse{Files: make([]apiclient.FileInfo, 0, len(files))}
	for _, f := range files {
		resp.Files = append(resp.Files, apiclient.FileInfo{
			ID:          f.ID,
			Name:        f.Name,
			Key:         f.ObjectKey,
			Size:        f.Size,
			ContentType: f.ContentType,
			FolderID:    f.FolderID,
			CreatedAt:   f.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleDownloadURL(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	f, err := h.files.GetFile(id)
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}

	url, err := h.downloadURL(r, f)
	if err != nil {
		h.writeError(w, r, err, f.ObjectKey)
		return
	}
	h.record(w, r, &audit.Event{Type: audit.EventDownloadURLIssued, Key: f.ObjectKey, FileID: f.ID}, nil)
	writeJSON(w, http.StatusOK, apiclient.DownloadURLResponse{DownloadURL: url, Name: f.Name})
}

func (h *Handler) downloadURL(r *http.Request, f *metadata.File) (string, error) {
	if h.urls == nil {
		return h.s3Client.PresignGetObject(r.Context(), f.ObjectKey, f.Name)
	}
	if url, ok := h.urls.Get(urlCacheKey(f)); ok {
		return url, nil
	}
	url, err := h.s3Client.PresignGetObject(r.Context(), f.ObjectKey, f.Name)
	if err != nil {
		return "", err
	}
	h.urls.Set(urlCacheKey(f), url)
	return url, nil
}

// urlCacheKey includes the filename because it is signed into the URL.
func urlCacheKey(f *metadata.File) string {
	return f.ObjectKey + "\x00" + f.Name
}

func (h *Handler) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	f, err := h.files.GetFile(id)
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}
	if err := h.s3Client.DeleteObject(r.Context(), f.ObjectKey); err != nil {
		h.record(w, r, &audit.Event{Type: audit.EventFileDeleted, Key: f.ObjectKey, FileID: id}, err)
		h.writeError(w, r, err, f.ObjectKey)
		return
	}
	if _, err := h.files.DeleteFile(id); err != nil {
		h.writeError(w, r, err, f.ObjectKey)
		return
	}
	if h.urls != nil {
		h.urls.Delete(urlCacheKey(f))
	}

	h.record(w, r, &audit.Event{Type: audit.EventFileDeleted, Key: f.ObjectKey, FileID: id}, nil)
	h.logger.WithFields(logrus.Fields{
		"file_id":    id,
		"object_key": f.ObjectKey,
	}).Info("Deleted file")
	w.WriteHeader(http.StatusNoContent)
}
