package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/sealdrop/internal/config"
)

// RequestIDHeader carries the request ID assigned by LoggingMiddleware.
const RequestIDHeader = "X-Request-ID"

// LoggingMiddleware wraps handlers with access logging. Request IDs are
// taken from the incoming X-Request-ID header or generated.
func LoggingMiddleware(logger *logrus.Logger, cfg *config.LoggingConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)

			rw := newStatusRecorder(w)
			next.ServeHTTP(rw, r)

			// For PUT/POST, log request bytes; for everything else, response bytes
			bytesLogged := rw.bytesWritten
			if r.Method == http.MethodPut || r.Method == http.MethodPost {
				if size := requestSize(r); size > 0 {
					bytesLogged = size
				}
			}

			entry := createLogEntry(r, rw, time.Since(start), bytesLogged, requestID, cfg)

			switch cfg.AccessLogFormat {
			case "json":
				logJSON(logger, entry)
			case "clf":
				logCLF(logger, entry)
			default:
				logDefault(logger, entry)
			}
		})
	}
}

// requestSize returns the declared request body size, or 0 when unknown.
// r.ContentLength is authoritative; the header is read only when it is unset.
func requestSize(r *http.Request) int64 {
	if r.ContentLength > 0 {
		return r.ContentLength
	}
	size, err := strconv.ParseInt(r.Header.Get("Content-Length"), 10, 64)
	if err != nil {
		return 0
	}
	return size
}

// statusRecorder wraps http.ResponseWriter to capture the status code and
// body size.
type statusRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
	wroteHeader  bool
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// LogEntry is one access log record.
type LogEntry struct {
	Timestamp  string            `json:"timestamp"`
	RequestID  string            `json:"request_id"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Route      string            `json:"route,omitempty"`
	Query      string            `json:"query,omitempty"`
	RemoteAddr string            `json:"remote_addr"`
	UserAgent  string            `json:"user_agent,omitempty"`
	Status     int               `json:"status"`
	DurationMs int64             `json:"duration_ms"`
	Bytes      int64             `json:"bytes"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// routeTemplate returns the matched mux route template, or "" outside a
// router.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return ""
}

func createLogEntry(r *http.Request, rw *statusRecorder, duration time.Duration, bytesLogged int64, requestID string, cfg *config.LoggingConfig) *LogEntry {
	entry := &LogEntry{
		Timestamp:  time.Now().Format(time.RFC3339),
		RequestID:  requestID,
		Method:     r.Method,
		Path:       r.URL.Path,
		Route:      routeTemplate(r),
		Query:      r.URL.RawQuery,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		Status:     rw.statusCode,
		DurationMs: duration.Milliseconds(),
		Bytes:      bytesLogged,
	}

	// Headers only go into the structured format
	if cfg.AccessLogFormat == "json" {
		entry.Headers = make(map[string]string, len(r.Header))
		for name, values := range r.Header {
			lowerName := strings.ToLower(name)
			if shouldRedactHeader(lowerName, cfg.RedactHeaders) {
				entry.Headers[lowerName] = "[REDACTED]"
			} else {
				entry.Headers[lowerName] = strings.Join(values, ",")
			}
		}
	}

	return entry
}

func shouldRedactHeader(headerName string, redactHeaders []string) bool {
	for _, redact := range redactHeaders {
		if strings.EqualFold(redact, headerName) {
			return true
		}
	}
	return false
}

func (e *LogEntry) fields() logrus.Fields {
	fields := logrus.Fields{
		"request_id":  e.RequestID,
		"method":      e.Method,
		"path":        e.Path,
		"remote_addr": e.RemoteAddr,
		"status":      e.Status,
		"duration_ms": e.DurationMs,
		"bytes":       e.Bytes,
	}
	if e.Route != "" {
		fields["route"] = e.Route
	}
	if e.Query != "" {
		fields["query"] = e.Query
	}
	if e.UserAgent != "" {
		fields["user_agent"] = e.UserAgent
	}
	return fields
}

func logDefault(logger *logrus.Logger, entry *LogEntry) {
	logger.WithFields(entry.fields()).Info("HTTP request")
}

// logJSON adds the redacted request headers as a nested field. The logger's
// formatter decides the final encoding.
func logJSON(logger *logrus.Logger, entry *LogEntry) {
	fields := entry.fields()
	if len(entry.Headers) > 0 {
		fields["headers"] = entry.Headers
	}
	logger.WithFields(fields).Info("HTTP request")
}

// logCLF logs in Common Log Format.
func logCLF(logger *logrus.Logger, entry *LogEntry) {
	target := entry.Path
	if entry.Query != "" {
		target += "?" + entry.Query
	}
	clf := fmt.Sprintf(`%s - - [%s] "%s %s HTTP/1.1" %d %d`,
		entry.RemoteAddr,
		entry.Timestamp,
		entry.Method,
		target,
		entry.Status,
		entry.Bytes,
	)
	logger.WithField("clf", clf).Info("HTTP request")
}
