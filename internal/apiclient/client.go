// Package apiclient talks to the API that issues presigned URLs, manages
// multipart sessions and stores file records.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// API is the narrow collaborator contract used by the transfer pipelines.
type API interface {
	DirectUploadURL(ctx context.Context, target UploadTarget) (*DirectUploadResponse, error)
	InitiateMultipart(ctx context.Context, target UploadTarget) (*InitiateMultipartResponse, error)
	PartURLs(ctx context.Context, req PartURLsRequest) (*PartURLsResponse, error)
	CompleteMultipart(ctx context.Context, req CompleteMultipartRequest) (*CompleteMultipartResponse, error)
	AbortMultipart(ctx context.Context, req AbortMultipartRequest) error
	DownloadURL(ctx context.Context, fileID string) (*DownloadURLResponse, error)
	CreateFile(ctx context.Context, record FileRecord) (*CreateFileResponse, error)
}

// Route paths served by the API.
const (
	PathDirectUpload      = "/api/uploads/direct"
	PathInitiateMultipart = "/api/uploads/multipart"
	PathPartURLs          = "/api/uploads/multipart/parts"
	PathCompleteMultipart = "/api/uploads/multipart/complete"
	PathAbortMultipart    = "/api/uploads/multipart/abort"
	PathFiles             = "/api/files"
)

// StatusError is returned when the API answers with a non-2xx status.
type StatusError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: API returned %d %s: %s", e.Op, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: API returned %d", e.Op, e.StatusCode)
}

// Client implements API over HTTP with JSON bodies.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends token as a bearer Authorization header.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API endpoint %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid API endpoint %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// DirectUploadURL requests a presigned PUT URL for a single-request upload.
func (c *Client) DirectUploadURL(ctx context.Context, target UploadTarget) (*DirectUploadResponse, error) {
	var out DirectUploadResponse
	if err := c.do(ctx, "get-direct-upload-url", http.MethodPost, PathDirectUpload, target, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InitiateMultipart starts a multipart session.
func (c *Client) InitiateMultipart(ctx context.Context, target UploadTarget) (*InitiateMultipartResponse, error) {
	var out InitiateMultipartResponse
	if err := c.do(ctx, "initiate-multipart", http.MethodPost, PathInitiateMultipart, target, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PartURLs requests presigned URLs for the given part numbers.
func (c *Client) PartURLs(ctx context.Context, req PartURLsRequest) (*PartURLsResponse, error) {
	var out PartURLsResponse
	if err := c.do(ctx, "get-part-urls", http.MethodPost, PathPartURLs, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompleteMultipart finalizes a multipart session.
func (c *Client) CompleteMultipart(ctx context.Context, req CompleteMultipartRequest) (*CompleteMultipartResponse, error) {
	var out CompleteMultipartResponse
	if err := c.do(ctx, "complete-multipart", http.MethodPost, PathCompleteMultipart, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AbortMultipart discards a multipart session and its uploaded parts.
func (c *Client) AbortMultipart(ctx context.Context, req AbortMultipartRequest) error {
	return c.do(ctx, "abort-multipart", http.MethodPost, PathAbortMultipart, req, nil)
}

// DownloadURL resolves a short-lived download URL for a file.
func (c *Client) DownloadURL(ctx context.Context, fileID string) (*DownloadURLResponse, error) {
	var out DownloadURLResponse
	path := PathFiles + "/" + url.PathEscape(fileID) + "/download"
	if err := c.do(ctx, "resolve-download-url", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateFile persists a file record after a successful upload.
func (c *Client) CreateFile(ctx context.Context, record FileRecord) (*CreateFileResponse, error) {
	var out CreateFileResponse
	if err := c.do(ctx, "create-file", http.MethodPost, PathFiles, record, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: failed to encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: failed to build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{Op: op, StatusCode: resp.StatusCode}
		var apiErr ErrorResponse
		if data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024)); len(data) > 0 {
			if json.Unmarshal(data, &apiErr) == nil {
				statusErr.Code = apiErr.Code
				statusErr.Message = apiErr.Message
			} else {
				statusErr.Message = strings.TrimSpace(string(data))
			}
		}
		return statusErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", op, err)
	}
	return nil
}

// ListFiles lists the files stored in folderID. An empty folderID lists the
// root folder.
func (c *Client) ListFiles(ctx context.Context, folderID string) ([]FileInfo, error) {
	path := PathFiles
	if folderID != "" {
		path += "?" + url.Values{"folderId": {folderID}}.Encode()
	}
	var out ListFilesResponse
	if err := c.do(ctx, "list-files", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

// DeleteFile removes a file record and its stored object.
func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	return c.do(ctx, "delete-file", http.MethodDelete, PathFiles+"/"+url.PathEscape(fileID), nil, nil)
}
