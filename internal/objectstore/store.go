// Package objectstore moves raw bytes to and from presigned object store URLs.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// ErrMissingETag is returned when a successful PUT carries no ETag header.
var ErrMissingETag = errors.New("ETag not returned from object store")

// Store uploads and downloads object bytes through presigned URLs.
type Store interface {
	// Put uploads body to url and returns the unquoted ETag.
	Put(ctx context.Context, url, contentType string, body []byte) (string, error)

	// Get downloads the object at url. onBytes, if non-nil, is called as
	// bytes arrive with the running total and the expected length (-1 when
	// the server sent no Content-Length).
	Get(ctx context.Context, url string, onBytes func(loaded, total int64)) ([]byte, error)
}

// StatusError is returned for non-2xx object store responses.
type StatusError struct {
	Method     string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("object store %s failed with status %d: %s", e.Method, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("object store %s failed with status %d", e.Method, e.StatusCode)
}

// HTTPStore implements Store over plain HTTP requests.
type HTTPStore struct {
	client *http.Client
}

// NewHTTPStore creates a store. A nil client uses http.DefaultClient.
func NewHTTPStore(client *http.Client) *HTTPStore {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPStore{client: client}
}

// NormalizeETag strips surrounding quotes from an ETag header value.
func NormalizeETag(etag string) string {
	return strings.Trim(strings.TrimSpace(etag), "\"")
}

// Put uploads body to url and returns the unquoted ETag.
func (s *HTTPStore) Put(ctx context.Context, url, contentType string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build PUT request: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("PUT request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", statusError(http.MethodPut, resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	etag := NormalizeETag(resp.Header.Get("ETag"))
	if etag == "" {
		return "", ErrMissingETag
	}
	return etag, nil
}

// Get downloads the object at url, reporting byte progress to onBytes.
func (s *HTTPStore) Get(ctx context.Context, url string, onBytes func(loaded, total int64)) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build GET request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(http.MethodGet, resp)
	}

	total := resp.ContentLength
	var buf bytes.Buffer
	if total > 0 {
		buf.Grow(int(total))
	}

	if onBytes == nil {
		if _, err := io.Copy(&buf, resp.Body); err != nil {
			return nil, fmt.Errorf("failed to read object body: %w", err)
		}
		return buf.Bytes(), nil
	}

	chunk := make([]byte, 256*1024)
	var loaded int64
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			loaded += int64(n)
			onBytes(loaded, total)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read object body: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func statusError(method string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{
		Method:     method,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}
