package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketFiles    = []byte("files")
	bucketFolders  = []byte("folder_index")
	bucketSessions = []byte("multipart_sessions")
)

var (
	ErrNotFound        = errors.New("metadata: not found")
	ErrSessionMismatch = errors.New("metadata: upload id does not belong to key")
)

// File is a stored file record.
type File struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ObjectKey   string    `json:"object_key"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	FolderID    string    `json:"folder_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Session is an open multipart upload.
type Session struct {
	UploadID  string    `json:"upload_id"`
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists file records and multipart sessions in bbolt.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

// Open opens or creates the database at path. The parent directory is
// created if it does not exist.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("metadata: create directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("metadata: open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketFiles, bucketFolders, bucketSessions} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("metadata: create buckets: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func folderKey(folderID, fileID string) []byte {
	return []byte(folderID + "\x00" + fileID)
}

// PutFile stores a new record and returns it with its assigned ID and
// creation time.
func (s *Store) PutFile(f File) (*File, error) {
	f.ID = uuid.NewString()
	f.CreatedAt = s.now().UTC()

	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("metadata: encode file: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketFiles).Put([]byte(f.ID), data); err != nil {
			return fmt.Errorf("put file: %w", err)
		}
		if err := tx.Bucket(bucketFolders).Put(folderKey(f.FolderID, f.ID), nil); err != nil {
			return fmt.Errorf("put folder index: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	return &f, nil
}

// GetFile returns the record with the given ID.
func (s *Store) GetFile(id string) (*File, error) {
	var f File
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketFiles).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &f)
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ListFiles returns the records in a folder, oldest first. An empty
// folderID lists files stored without a folder.
func (s *Store) ListFiles(folderID string) ([]File, error) {
	var files []File
	prefix := []byte(folderID + "\x00")

	err := s.db.View(func(tx *bbolt.Tx) error {
		byID := tx.Bucket(bucketFiles)
		c := tx.Bucket(bucketFolders).Cursor()
		for k, _ := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, _ = c.Next() {
			data := byID.Get(k[len(prefix):])
			if data == nil {
				continue
			}
			var f File
			if err := json.Unmarshal(data, &f); err != nil {
				return fmt.Errorf("decode file %s: %w", k[len(prefix):], err)
			}
			files = append(files, f)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}

	sort.SliceStable(files, func(i, j int) bool { return files[i].CreatedAt.Before(files[j].CreatedAt) })
	return files, nil
}

// DeleteFile removes a record and returns it.
func (s *Store) DeleteFile(id string) (*File, error) {
	var f File
	err := s.db.Update(func(tx *bbolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		data := files.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		if err := files.Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketFolders).Delete(folderKey(f.FolderID, f.ID))
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// PutSession records an open multipart upload.
func (s *Store) PutSession(uploadID, key string) error {
	data, err := json.Marshal(Session{UploadID: uploadID, Key: key, CreatedAt: s.now().UTC()})
	if err != nil {
		return fmt.Errorf("metadata: encode session: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(uploadID), data)
	})
}

// CheckSession verifies that uploadID is open and belongs to key.
func (s *Store) CheckSession(uploadID, key string) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(uploadID))
		if data == nil {
			return ErrNotFound
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return err
		}
		if sess.Key != key {
			return ErrSessionMismatch
		}
		return nil
	})
}

// DeleteSession forgets a multipart upload. Unknown IDs are ignored.
func (s *Store) DeleteSession(uploadID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(uploadID))
	})
}

// StaleSessions returns sessions created before cutoff.
func (s *Store) StaleSessions(cutoff time.Time) ([]Session, error) {
	var stale []Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(_, v []byte) error {
			var sess Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			if sess.CreatedAt.Before(cutoff) {
				stale = append(stale, sess)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	return stale, nil
}
