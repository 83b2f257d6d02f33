package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kenneth/sealdrop/internal/apiclient"
	"github.com/kenneth/sealdrop/internal/objectstore"
	"github.com/kenneth/sealdrop/internal/workerpool"
)

const objectPrefix = "mem://object/"

func objectURL(key string) string { return objectPrefix + key }

func partURL(uploadID string, part int32) string {
	return fmt.Sprintf("mem://part/%s/%d", uploadID, part)
}

// memStore is an in-memory object store that records PUT concurrency.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	etags   map[string]string
	puts    int

	fail        map[string]error
	missingETag bool
	delay       func(url string) time.Duration
	// gate, when set, holds every PUT until it is closed.
	gate chan struct{}

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func newMemStore() *memStore {
	return &memStore{
		objects: make(map[string][]byte),
		etags:   make(map[string]string),
		fail:    make(map[string]error),
	}
}

func (s *memStore) Put(ctx context.Context, url, contentType string, body []byte) (string, error) {
	cur := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		peak := s.maxInflight.Load()
		if cur <= peak || s.maxInflight.CompareAndSwap(peak, cur) {
			break
		}
	}

	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.delay != nil {
		select {
		case <-time.After(s.delay(url)):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if err := s.fail[url]; err != nil {
		return "", err
	}
	sum := sha256.Sum256(body)
	etag := hex.EncodeToString(sum[:8])
	s.objects[url] = append([]byte(nil), body...)
	s.etags[url] = etag
	if s.missingETag {
		return "", objectstore.ErrMissingETag
	}
	return etag, nil
}

func (s *memStore) Get(ctx context.Context, url string, onBytes func(loaded, total int64)) ([]byte, error) {
	s.mu.Lock()
	data, ok := s.objects[url]
	s.mu.Unlock()
	if !ok {
		return nil, &objectstore.StatusError{Method: "GET", StatusCode: 404}
	}

	total := int64(len(data))
	if onBytes != nil {
		const steps = 8
		for i := int64(1); i <= steps; i++ {
			onBytes(total*i/steps, total)
		}
	}
	return append([]byte(nil), data...), nil
}

func (s *memStore) object(key string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects[objectURL(key)]
}

func (s *memStore) setObject(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectURL(key)] = data
}

// memAPI is an in-memory collaborator backed by a memStore.
type memAPI struct {
	store *memStore

	mu             sync.Mutex
	seq            int
	directCalls    int
	initiateCalls  int
	requestedParts []int32
	completed      []apiclient.CompletedPart
	aborted        []apiclient.AbortMultipartRequest
	records        map[string]apiclient.FileRecord

	initiateErr error
	partURLErr  error
	completeErr error
	abortErr    error
	createErr   error
	downloadErr error
}

func newMemAPI(store *memStore) *memAPI {
	return &memAPI{store: store, records: make(map[string]apiclient.FileRecord)}
}

func (a *memAPI) nextID(prefix string) string {
	a.seq++
	return fmt.Sprintf("%s-%d", prefix, a.seq)
}

func (a *memAPI) DirectUploadURL(_ context.Context, target apiclient.UploadTarget) (*apiclient.DirectUploadResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.directCalls++
	key := "uploads/" + a.nextID("direct") + "/" + target.FileName
	return &apiclient.DirectUploadResponse{URL: objectURL(key), Key: key}, nil
}

func (a *memAPI) InitiateMultipart(_ context.Context, target apiclient.UploadTarget) (*apiclient.InitiateMultipartResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initiateCalls++
	if a.initiateErr != nil {
		return nil, a.initiateErr
	}
	id := a.nextID("upload")
	return &apiclient.InitiateMultipartResponse{UploadID: id, Key: "uploads/" + id + "/" + target.FileName}, nil
}

func (a *memAPI) PartURLs(_ context.Context, req apiclient.PartURLsRequest) (*apiclient.PartURLsResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requestedParts = append(a.requestedParts, req.PartNumbers...)
	if a.partURLErr != nil {
		return nil, a.partURLErr
	}
	urls := make(map[int32]string, len(req.PartNumbers))
	for _, n := range req.PartNumbers {
		urls[n] = partURL(req.UploadID, n)
	}
	return &apiclient.PartURLsResponse{URLs: urls}, nil
}

func (a *memAPI) CompleteMultipart(_ context.Context, req apiclient.CompleteMultipartRequest) (*apiclient.CompleteMultipartResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completed = append([]apiclient.CompletedPart(nil), req.Parts...)
	if a.completeErr != nil {
		return nil, a.completeErr
	}

	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	var object []byte
	for _, p := range req.Parts {
		url := partURL(req.UploadID, p.PartNumber)
		if a.store.etags[url] != p.ETag {
			return nil, fmt.Errorf("etag mismatch for part %d", p.PartNumber)
		}
		object = append(object, a.store.objects[url]...)
	}
	a.store.objects[objectURL(req.Key)] = object
	return &apiclient.CompleteMultipartResponse{Location: "https://bucket.example/" + req.Key}, nil
}

func (a *memAPI) AbortMultipart(_ context.Context, req apiclient.AbortMultipartRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.aborted = append(a.aborted, req)
	return a.abortErr
}

func (a *memAPI) DownloadURL(_ context.Context, fileID string) (*apiclient.DownloadURLResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.downloadErr != nil {
		return nil, a.downloadErr
	}
	rec, ok := a.records[fileID]
	if !ok {
		return nil, &apiclient.StatusError{Op: "download-url", StatusCode: 404, Code: "NotFound"}
	}
	return &apiclient.DownloadURLResponse{DownloadURL: objectURL(rec.Key), Name: rec.Name}, nil
}

func (a *memAPI) CreateFile(_ context.Context, record apiclient.FileRecord) (*apiclient.CreateFileResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.createErr != nil {
		return nil, a.createErr
	}
	id := a.nextID("file")
	a.records[id] = record
	return &apiclient.CreateFileResponse{ID: id}, nil
}

func (a *memAPI) addRecord(id, name, key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records[id] = apiclient.FileRecord{Name: name, Key: key}
}

// spyExecutor forwards to a real pool and observes every submission.
type spyExecutor struct {
	pool     *workerpool.Pool
	onSubmit func(workerpool.Task)
	count    atomic.Int32
}

func (s *spyExecutor) Submit(t workerpool.Task) *workerpool.Future {
	s.count.Add(1)
	if s.onSubmit != nil {
		s.onSubmit(t)
	}
	return s.pool.Submit(t)
}

type harness struct {
	api        *memAPI
	store      *memStore
	pool       *workerpool.Pool
	uploader   *Uploader
	downloader *Downloader
}

func newHarness(t *testing.T, chunkSize int, exec func(*workerpool.Pool) Executor, limits Limits) *harness {
	t.Helper()

	store := newMemStore()
	api := newMemAPI(store)
	pool := workerpool.New(4)
	t.Cleanup(pool.Terminate)

	var executor Executor = pool
	if exec != nil {
		executor = exec(pool)
	}
	opts := Options{ChunkSize: chunkSize, Limits: limits}
	return &harness{
		api:        api,
		store:      store,
		pool:       pool,
		uploader:   NewUploader(api, store, executor, opts),
		downloader: NewDownloader(api, store, executor, opts),
	}
}

// partNumberOf extracts the part number from a part URL, or 0 for other URLs.
func partNumberOf(url string) int {
	if !strings.HasPrefix(url, "mem://part/") {
		return 0
	}
	n, err := strconv.Atoi(url[strings.LastIndex(url, "/")+1:])
	if err != nil {
		return 0
	}
	return n
}
