package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/sealdrop/internal/apiclient"
	"github.com/kenneth/sealdrop/internal/crypto"
	"github.com/kenneth/sealdrop/internal/objectstore"
	"github.com/kenneth/sealdrop/internal/workerpool"
)

// DownloadRequest describes one file download.
type DownloadRequest struct {
	FileID     string
	Passphrase string
	// Progress receives byte-level fetch progress. Optional.
	Progress chan<- Progress
}

// DownloadResult is a fetched and decrypted file.
type DownloadResult struct {
	Name string
	Data []byte
}

// SaveTo writes the file into dir and returns its path. The file appears
// under its final name only once fully written.
func (r *DownloadResult) SaveTo(dir string) (string, error) {
	name := filepath.Base(r.Name)
	if name == "." || name == ".." || name == string(filepath.Separator) || name == "" {
		name = "download"
	}

	tmp, err := os.CreateTemp(dir, "."+name+".*.part")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(r.Data); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to close %s: %w", name, err)
	}

	dest := filepath.Join(dir, name)
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to move %s into place: %w", name, err)
	}
	return dest, nil
}

// Downloader fetches stored files and decrypts them.
type Downloader struct {
	api   apiclient.API
	store objectstore.Store
	pool  Executor
	opts  Options
}

// NewDownloader creates a Downloader. The pool is shared and owned by the
// caller.
func NewDownloader(api apiclient.API, store objectstore.Store, pool Executor, opts Options) *Downloader {
	return &Downloader{
		api:   api,
		store: store,
		pool:  pool,
		opts:  opts.withDefaults(),
	}
}

// DownloadFile resolves, fetches and decrypts a stored file. On any failure
// no partial data is returned.
func (d *Downloader) DownloadFile(ctx context.Context, req DownloadRequest) (res *DownloadResult, err error) {
	ctx, span := d.opts.Tracer.Start(ctx, "transfer.DownloadFile",
		trace.WithAttributes(attribute.String("file.id", req.FileID)))
	start := time.Now()
	var fetched int64
	defer func() {
		if d.opts.Metrics != nil {
			d.opts.Metrics.RecordTransfer("download", "fetch", fetched, err)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := d.opts.Logger.WithField("file_id", req.FileID)

	info, err := d.api.DownloadURL(ctx, req.FileID)
	if err != nil {
		return nil, &Error{Phase: PhaseDownloadURL, Err: err}
	}

	progress := newProgressReporter(req.Progress, "download")
	data, err := d.store.Get(ctx, info.DownloadURL, func(loaded, total int64) {
		if total > 0 {
			progress.report(ctx, loaded, total)
		}
	})
	if err != nil {
		return nil, &Error{Phase: PhaseFetch, Err: err}
	}
	fetched = int64(len(data))
	span.SetAttributes(attribute.Int64("object.size", fetched))

	plain, err := d.Decrypt(ctx, data, req.Passphrase)
	if err != nil {
		log.WithError(err).Error("Download failed")
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"name":     info.Name,
		"size":     len(plain),
		"duration": time.Since(start),
	}).Info("Download completed")

	return &DownloadResult{Name: info.Name, Data: plain}, nil
}

// Decrypt opens a container. Objects too small to be a container are
// returned unchanged.
func (d *Downloader) Decrypt(ctx context.Context, data []byte, passphrase string) ([]byte, error) {
	salt, body, ok := crypto.SplitContainer(data)
	if !ok {
		d.opts.Logger.WithField("size", len(data)).Debug("Object below minimum container size, returning as stored")
		return data, nil
	}

	key, err := crypto.DeriveKey(passphrase, salt)
	if err != nil {
		return nil, &Error{Phase: PhaseKeyDerivation, Err: err}
	}
	defer key.Wipe()

	ranges, err := crypto.ChunkBoundaries(int64(len(body)), d.opts.ChunkSize)
	if err != nil {
		return nil, &Error{Phase: PhaseDecryption, Err: err}
	}

	futures := make([]*workerpool.Future, len(ranges))
	plainLen := 0
	for i, r := range ranges {
		futures[i] = d.pool.Submit(workerpool.DecryptTask{
			Index:  i,
			Key:    key,
			Framed: body[r.Offset:r.End()],
		})
		plainLen += int(r.Length) - crypto.ChunkOverhead
	}

	out := make([]byte, 0, plainLen)
	for i, fut := range futures {
		res, err := fut.Wait(ctx)
		if err != nil {
			return nil, &Error{Phase: PhaseDecryption, PartNumber: i + 1, Err: err}
		}
		out = append(out, res.Data...)
	}
	return out, nil
}
