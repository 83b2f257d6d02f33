package apiclient

import "time"

// Request and response bodies of the upload/download collaborator API. The
// reference server in internal/api speaks the same JSON.

// UploadTarget identifies the file being uploaded.
type UploadTarget struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	FolderID    string `json:"folderId,omitempty"`
}

// DirectUploadResponse is the presigned PUT for a single-request upload.
type DirectUploadResponse struct {
	URL string `json:"url"`
	Key string `json:"key"`
}

// InitiateMultipartResponse identifies a new multipart session.
type InitiateMultipartResponse struct {
	UploadID string `json:"uploadId"`
	Key      string `json:"key"`
}

// PartURLsRequest asks for presigned part URLs in bulk.
type PartURLsRequest struct {
	UploadID    string  `json:"uploadId"`
	Key         string  `json:"key"`
	PartNumbers []int32 `json:"partNumbers"`
}

// PartURLsResponse maps part numbers to presigned URLs. JSON object keys are
// the decimal part numbers.
type PartURLsResponse struct {
	URLs map[int32]string `json:"urls"`
}

// CompletedPart is one uploaded part of a multipart session.
type CompletedPart struct {
	PartNumber int32  `json:"PartNumber"`
	ETag       string `json:"ETag"`
}

// CompleteMultipartRequest finalizes a multipart session.
type CompleteMultipartRequest struct {
	UploadID string          `json:"uploadId"`
	Key      string          `json:"key"`
	Parts    []CompletedPart `json:"parts"`
}

// CompleteMultipartResponse carries the location of the stored object.
type CompleteMultipartResponse struct {
	Location string `json:"location"`
}

// AbortMultipartRequest discards a multipart session.
type AbortMultipartRequest struct {
	UploadID string `json:"uploadId"`
	Key      string `json:"key"`
}

// DownloadURLResponse is a short-lived download URL for a stored file.
type DownloadURLResponse struct {
	DownloadURL string `json:"download_url"`
	Name        string `json:"name"`
}

// FileRecord is the metadata persisted after a successful upload.
type FileRecord struct {
	Name        string `json:"name"`
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
	FolderID    string `json:"folderId,omitempty"`
}

// CreateFileResponse carries the id assigned to a new file record.
type CreateFileResponse struct {
	ID string `json:"id"`
}

// ErrorResponse is the JSON body of a failed API call.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FileInfo is a stored file as returned by the file listing.
type FileInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Key         string    `json:"key"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType"`
	FolderID    string    `json:"folderId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ListFilesResponse lists the files of one folder.
type ListFilesResponse struct {
	Files []FileInfo `json:"files"`
}
