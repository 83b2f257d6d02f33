package transfer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kenneth/sealdrop/internal/apiclient"
	"github.com/kenneth/sealdrop/internal/crypto"
	"github.com/kenneth/sealdrop/internal/objectstore"
	"github.com/kenneth/sealdrop/internal/workerpool"
)

// abortTimeout bounds the best-effort abort issued after a failed multipart
// upload. The abort runs even when the caller's context is already done.
const abortTimeout = 30 * time.Second

// UploadRequest describes one file upload.
type UploadRequest struct {
	Source     Source
	Passphrase string
	FolderID   string
	// Progress receives part-level progress. Optional.
	Progress chan<- Progress
}

// UploadResult describes a stored file.
type UploadResult struct {
	FileID    string
	ObjectKey string
	Location  string
	Size      int64
	Parts     int
	Multipart bool
}

// Uploader encrypts files chunk by chunk and stores them through presigned
// URLs.
type Uploader struct {
	api   apiclient.API
	store objectstore.Store
	pool  Executor
	opts  Options
}

// NewUploader creates an Uploader. The pool is shared and owned by the caller.
func NewUploader(api apiclient.API, store objectstore.Store, pool Executor, opts Options) *Uploader {
	return &Uploader{
		api:   api,
		store: store,
		pool:  pool,
		opts:  opts.withDefaults(),
	}
}

// UploadFile encrypts and uploads req.Source and records it with the
// collaborator. Files smaller than the chunk size go through a single PUT,
// larger ones through a multipart session.
func (u *Uploader) UploadFile(ctx context.Context, req UploadRequest) (res *UploadResult, err error) {
	if req.Source == nil {
		return nil, fmt.Errorf("upload source is required")
	}

	size := req.Source.Size()
	multipart := size >= int64(u.opts.ChunkSize)
	parts := 1
	if multipart {
		parts = crypto.ChunkCount(size, u.opts.ChunkSize)
	}

	ctx, span := u.opts.Tracer.Start(ctx, "transfer.UploadFile",
		trace.WithAttributes(
			attribute.String("file.name", req.Source.Name()),
			attribute.Int64("file.size", size),
			attribute.Int("upload.parts", parts),
			attribute.Bool("upload.multipart", multipart),
		))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := u.opts.Logger.WithFields(logrus.Fields{
		"file":  req.Source.Name(),
		"size":  size,
		"parts": parts,
	})

	target := apiclient.UploadTarget{
		FileName:    req.Source.Name(),
		ContentType: req.Source.ContentType(),
		FolderID:    req.FolderID,
	}

	mode := "direct"
	if multipart {
		mode = "multipart"
		res, err = u.uploadMultipart(ctx, req, target, parts, log)
	} else {
		res, err = u.uploadDirect(ctx, req, target)
	}
	if u.opts.Metrics != nil {
		u.opts.Metrics.RecordTransfer("upload", mode, size, err)
	}
	if err != nil {
		log.WithError(err).Error("Upload failed")
		return nil, err
	}

	record, err := u.api.CreateFile(ctx, apiclient.FileRecord{
		Name:        req.Source.Name(),
		Key:         res.ObjectKey,
		Size:        size,
		ContentType: req.Source.ContentType(),
		FolderID:    req.FolderID,
	})
	if err != nil {
		err = &Error{Phase: PhaseRecordFile, Err: err}
		log.WithError(err).Error("Failed to record uploaded file")
		return nil, err
	}
	res.FileID = record.ID

	span.SetAttributes(attribute.String("file.id", res.FileID))
	log.WithFields(logrus.Fields{
		"file_id":  res.FileID,
		"key":      res.ObjectKey,
		"duration": time.Since(start),
	}).Info("Upload completed")

	return res, nil
}

func newFileKey(passphrase string) ([]byte, *crypto.Key, error) {
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, nil, &Error{Phase: PhaseKeyDerivation, Err: err}
	}
	key, err := crypto.DeriveKey(passphrase, salt)
	if err != nil {
		return nil, nil, &Error{Phase: PhaseKeyDerivation, Err: err}
	}
	return salt, key, nil
}

func (u *Uploader) uploadDirect(ctx context.Context, req UploadRequest, target apiclient.UploadTarget) (*UploadResult, error) {
	direct, err := u.api.DirectUploadURL(ctx, target)
	if err != nil {
		return nil, &Error{Phase: PhasePresignedURL, Err: err}
	}

	salt, key, err := newFileKey(req.Passphrase)
	if err != nil {
		return nil, err
	}
	defer key.Wipe()

	size := req.Source.Size()
	enc, err := u.pool.Submit(workerpool.EncryptTask{
		Part:   1,
		Key:    key,
		Source: req.Source,
		Length: int(size),
		Prefix: salt,
	}).Wait(ctx)
	if err != nil {
		return nil, &Error{Phase: PhaseChunkEncryption, PartNumber: 1, Err: err}
	}

	// A single PUT does not need the ETag, so its absence is tolerated here.
	if _, err := u.putPart(ctx, direct.URL, target.ContentType, enc.Data); err != nil && !errors.Is(err, objectstore.ErrMissingETag) {
		return nil, &Error{Phase: PhasePartUpload, PartNumber: 1, Err: err}
	}
	newProgressReporter(req.Progress, "upload").report(ctx, 1, 1)

	return &UploadResult{
		ObjectKey: direct.Key,
		Location:  direct.Key,
		Size:      size,
		Parts:     1,
	}, nil
}

func (u *Uploader) uploadMultipart(ctx context.Context, req UploadRequest, target apiclient.UploadTarget, total int, log *logrus.Entry) (*UploadResult, error) {
	session, err := u.api.InitiateMultipart(ctx, target)
	if err != nil {
		return nil, &Error{Phase: PhaseSessionInitiation, Err: err}
	}
	log = log.WithFields(logrus.Fields{
		"upload_id": session.UploadID,
		"key":       session.Key,
	})
	log.Debug("Multipart upload initiated")

	location, err := u.runMultipart(ctx, req, session, total, log)
	if err != nil {
		var terr *Error
		if errors.As(err, &terr) {
			terr.UploadID = session.UploadID
		}
		u.abort(ctx, session, log)
		return nil, err
	}

	return &UploadResult{
		ObjectKey: session.Key,
		Location:  location,
		Size:      req.Source.Size(),
		Parts:     total,
		Multipart: true,
	}, nil
}

func (u *Uploader) runMultipart(ctx context.Context, req UploadRequest, session *apiclient.InitiateMultipartResponse, total int, log *logrus.Entry) (string, error) {
	partNumbers := make([]int32, total)
	for i := range partNumbers {
		partNumbers[i] = int32(i + 1)
	}
	urls, err := u.api.PartURLs(ctx, apiclient.PartURLsRequest{
		UploadID:    session.UploadID,
		Key:         session.Key,
		PartNumbers: partNumbers,
	})
	if err != nil {
		return "", &Error{Phase: PhasePresignedURL, Err: err}
	}
	for _, n := range partNumbers {
		if urls.URLs[n] == "" {
			return "", &Error{Phase: PhasePresignedURL, PartNumber: int(n), Err: fmt.Errorf("no presigned URL returned")}
		}
	}

	salt, key, err := newFileKey(req.Passphrase)
	if err != nil {
		return "", err
	}
	defer key.Wipe()

	ranges := crypto.PlainRanges(req.Source.Size(), u.opts.ChunkSize)
	limits := u.opts.Limits
	progress := newProgressReporter(req.Progress, "upload")
	contentType := req.Source.ContentType()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limits.MaxConcurrentUploads)

	var (
		mu        sync.Mutex
		completed = make([]apiclient.CompletedPart, 0, total)
		uploaded  atomic.Int64
	)

	pending := make(map[int]*workerpool.Future, limits.MaxPrefetchChunks)
	nextToEncrypt := 1
	submit := func() {
		part := nextToEncrypt
		r := ranges[part-1]
		task := workerpool.EncryptTask{
			Part:   part,
			Key:    key,
			Source: req.Source,
			Offset: r.Offset,
			Length: int(r.Length),
		}
		if part == 1 {
			task.Prefix = salt
		}
		pending[part] = u.pool.Submit(task)
		nextToEncrypt++
	}
	for nextToEncrypt <= total && nextToEncrypt <= limits.MaxPrefetchChunks {
		submit()
	}

	var encErr error
	for part := 1; part <= total; part++ {
		fut := pending[part]
		delete(pending, part)

		enc, err := fut.Wait(gctx)
		if err != nil {
			// A failed sibling upload cancels gctx; g.Wait reports that error.
			if gctx.Err() == nil || ctx.Err() != nil {
				encErr = &Error{Phase: PhaseChunkEncryption, PartNumber: part, Err: err}
			}
			break
		}
		body, url := enc.Data, urls.URLs[int32(part)]
		// Go blocks until one of the MaxConcurrentUploads slots frees up.
		g.Go(func() error {
			etag, err := u.putPart(gctx, url, contentType, body)
			if err != nil {
				return &Error{Phase: PhasePartUpload, PartNumber: part, Err: err}
			}
			mu.Lock()
			completed = append(completed, apiclient.CompletedPart{PartNumber: int32(part), ETag: etag})
			mu.Unlock()

			progress.report(gctx, uploaded.Add(1), int64(total))
			log.WithField("part", part).Debug("Part uploaded")
			return nil
		})

		// Refill the prefetch window only once part has a slot, so at most
		// MaxPrefetchChunks+MaxConcurrentUploads ciphertexts are resident.
		if nextToEncrypt <= total {
			submit()
		}
	}

	waitErr := g.Wait()
	if encErr != nil {
		return "", encErr
	}
	if waitErr != nil {
		return "", waitErr
	}

	if len(completed) != total {
		return "", &Error{Phase: PhaseCompletion, Err: fmt.Errorf("uploaded %d of %d parts", len(completed), total)}
	}
	sort.Slice(completed, func(i, j int) bool { return completed[i].PartNumber < completed[j].PartNumber })

	done, err := u.api.CompleteMultipart(ctx, apiclient.CompleteMultipartRequest{
		UploadID: session.UploadID,
		Key:      session.Key,
		Parts:    completed,
	})
	if err != nil {
		return "", &Error{Phase: PhaseCompletion, Err: err}
	}
	return done.Location, nil
}

func (u *Uploader) putPart(ctx context.Context, url, contentType string, body []byte) (string, error) {
	m := u.opts.Metrics
	if m != nil {
		m.PartUploadStarted()
	}
	start := time.Now()
	etag, err := u.store.Put(ctx, url, contentType, body)
	if m != nil {
		m.PartUploadFinished(time.Since(start), err)
	}
	return etag, err
}

// abort cancels the multipart session. Failures are logged and never replace
// the error that caused the abort.
func (u *Uploader) abort(ctx context.Context, session *apiclient.InitiateMultipartResponse, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	err := u.api.AbortMultipart(ctx, apiclient.AbortMultipartRequest{
		UploadID: session.UploadID,
		Key:      session.Key,
	})
	if u.opts.Metrics != nil {
		u.opts.Metrics.RecordMultipartAbort(err)
	}
	if err != nil {
		log.WithError(err).Warn("Failed to abort multipart upload")
		return
	}
	log.Info("Multipart upload aborted")
}
