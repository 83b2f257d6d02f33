package transfer

import (
	"io"
	"runtime"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/sealdrop/internal/crypto"
	"github.com/kenneth/sealdrop/internal/metrics"
	"github.com/kenneth/sealdrop/internal/workerpool"
)

const (
	// DefaultMaxPrefetchChunks is how many chunks may be encrypted ahead of
	// the part currently being handed to the uploader.
	DefaultMaxPrefetchChunks = 2

	// SlowConnectionUploads caps concurrent part uploads on slow links.
	SlowConnectionUploads = 4

	// MaxUploadConcurrency caps concurrent part uploads otherwise.
	MaxUploadConcurrency = 16

	tracerName = "github.com/kenneth/sealdrop/internal/transfer"
)

// Executor runs chunk tasks. *workerpool.Pool implements it.
type Executor interface {
	Submit(t workerpool.Task) *workerpool.Future
}

// Limits bounds the multipart pipeline.
type Limits struct {
	MaxPrefetchChunks    int
	MaxConcurrentUploads int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits(slowConnection bool) Limits {
	uploads := runtime.NumCPU() * 2
	if uploads > MaxUploadConcurrency {
		uploads = MaxUploadConcurrency
	}
	if slowConnection {
		uploads = SlowConnectionUploads
	}
	return Limits{
		MaxPrefetchChunks:    DefaultMaxPrefetchChunks,
		MaxConcurrentUploads: uploads,
	}
}

// Options configures an Uploader or Downloader.
type Options struct {
	// ChunkSize is the plaintext size of each chunk. Uploads and downloads
	// of the same file must agree on it.
	ChunkSize      int
	Limits         Limits
	SlowConnection bool
	Logger         *logrus.Logger
	Metrics        *metrics.Metrics
	Tracer         trace.Tracer
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = crypto.DefaultChunkSize
	}
	def := DefaultLimits(o.SlowConnection)
	if o.Limits.MaxPrefetchChunks <= 0 {
		o.Limits.MaxPrefetchChunks = def.MaxPrefetchChunks
	}
	if o.Limits.MaxConcurrentUploads <= 0 {
		o.Limits.MaxConcurrentUploads = def.MaxConcurrentUploads
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
		o.Logger.SetOutput(io.Discard)
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer(tracerName)
	}
	return o
}
