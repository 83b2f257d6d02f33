package transfer

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
)

// Source is a file to upload. Chunks are read concurrently with ReadAt.
type Source interface {
	io.ReaderAt
	Size() int64
	Name() string
	ContentType() string
}

// FileSource is a Source backed by a local file.
type FileSource struct {
	f           *os.File
	size        int64
	name        string
	contentType string
}

// OpenFileSource opens path for upload. The content type is guessed from the
// file extension.
func OpenFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &FileSource{
		f:           f,
		size:        info.Size(),
		name:        filepath.Base(path),
		contentType: contentTypeFor(path),
	}, nil
}

func contentTypeFor(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func (s *FileSource) ReadAt(p []byte, off int64) (int, error) { return s.f.ReadAt(p, off) }
func (s *FileSource) Size() int64                             { return s.size }
func (s *FileSource) Name() string                            { return s.name }
func (s *FileSource) ContentType() string                     { return s.contentType }

// Close closes the underlying file.
func (s *FileSource) Close() error {
	return s.f.Close()
}

type bytesSource struct {
	*bytes.Reader
	name        string
	contentType string
}

// NewBytesSource wraps an in-memory buffer as a Source.
func NewBytesSource(name, contentType string, data []byte) Source {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &bytesSource{Reader: bytes.NewReader(data), name: name, contentType: contentType}
}

func (s *bytesSource) Name() string        { return s.name }
func (s *bytesSource) ContentType() string { return s.contentType }
