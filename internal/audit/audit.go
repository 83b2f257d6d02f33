package audit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventUploadInitiated is recorded when a multipart session is opened.
	EventUploadInitiated EventType = "upload_initiated"
	// EventUploadCompleted is recorded when a multipart upload is assembled.
	EventUploadCompleted EventType = "upload_completed"
	// EventUploadAborted is recorded when a multipart upload is cancelled.
	EventUploadAborted EventType = "upload_aborted"
	// EventFileRecorded is recorded when a file record is persisted.
	EventFileRecorded EventType = "file_recorded"
	// EventDownloadURLIssued is recorded when a download URL is presigned.
	EventDownloadURLIssued EventType = "download_url_issued"
	// EventFileDeleted is recorded when a file and its object are removed.
	EventFileDeleted EventType = "file_deleted"
	// EventSessionSwept is recorded when a stale upload session is aborted.
	EventSessionSwept EventType = "session_swept"
)

// Event is a single audit log entry.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"event_type"`
	Bucket    string    `json:"bucket,omitempty"`
	Key       string    `json:"key,omitempty"`
	FileID    string    `json:"file_id,omitempty"`
	UploadID  string    `json:"upload_id,omitempty"`
	ClientIP  string    `json:"client_ip,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// Logger records audit events.
type Logger interface {
	Log(event *Event)
	Events() []*Event
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *Event) error
}

type auditLogger struct {
	mu        sync.Mutex
	events    []*Event
	maxEvents int
	writer    EventWriter
	now       func() time.Time
}

// NewLogger creates an audit logger that keeps the last maxEvents events in
// memory and forwards every event to writer.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if maxEvents <= 0 {
		maxEvents = 1
	}
	return &auditLogger{
		events:    make([]*Event, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
		now:       time.Now,
	}
}

func (l *auditLogger) Log(event *Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}
	if l.writer != nil {
		// A failed write must not fail the request being audited.
		_ = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
}

// Events returns a copy of the buffered events, oldest first.
func (l *auditLogger) Events() []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*Event, len(l.events))
	copy(events, l.events)
	return events
}

// LogrusWriter writes audit events as structured log entries.
type LogrusWriter struct {
	logger *logrus.Logger
}

// NewLogrusWriter returns a writer that logs each event at info level, or
// warn level for failures.
func NewLogrusWriter(logger *logrus.Logger) *LogrusWriter {
	return &LogrusWriter{logger: logger}
}

func (w *LogrusWriter) WriteEvent(event *Event) error {
	fields := logrus.Fields{
		"audit":      true,
		"event_type": string(event.Type),
		"success":    event.Success,
	}
	for name, value := range map[string]string{
		"bucket":     event.Bucket,
		"key":        event.Key,
		"file_id":    event.FileID,
		"upload_id":  event.UploadID,
		"client_ip":  event.ClientIP,
		"request_id": event.RequestID,
		"error":      event.Error,
	} {
		if value != "" {
			fields[name] = value
		}
	}

	entry := w.logger.WithFields(fields).WithTime(event.Timestamp)
	if event.Success {
		entry.Info("audit event")
	} else {
		entry.Warn("audit event")
	}
	return nil
}

// Nop returns a logger that discards every event.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Log(*Event)       {}
func (nopLogger) Events() []*Event { return nil }
