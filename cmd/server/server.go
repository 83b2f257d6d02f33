package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/sealdrop/internal/api"
	"github.com/kenneth/sealdrop/internal/audit"
	"github.com/kenneth/sealdrop/internal/cache"
	"github.com/kenneth/sealdrop/internal/config"
	"github.com/kenneth/sealdrop/internal/metadata"
	"github.com/kenneth/sealdrop/internal/metrics"
	"github.com/kenneth/sealdrop/internal/middleware"
	"github.com/kenneth/sealdrop/internal/s3"
)

const (
	sweepInterval   = time.Hour
	staleSessionAge = 24 * time.Hour
)

// newServerHandler wires the API routes and the middleware chain. The
// returned cleanup stops background helpers.
func newServerHandler(cfg *config.Config, s3Client s3.Client, files api.FileStore, auditLog audit.Logger, m *metrics.Metrics, logger *logrus.Logger) (http.Handler, func()) {
	router := mux.NewRouter()

	// Register metrics endpoint
	router.Handle("/metrics", m.Handler()).Methods("GET")

	// Register API routes
	opts := []api.HandlerOption{api.WithAuditLogger(auditLog)}
	if cfg.Server.URLCacheSize > 0 {
		// Reused URLs keep at least half of their signed lifetime.
		urls, err := cache.NewURLCache(cfg.Server.URLCacheSize, cfg.Server.URLExpiry/2)
		if err != nil {
			logger.WithError(err).Warn("Download URL cache disabled")
		} else {
			opts = append(opts, api.WithURLCache(urls))
		}
	}
	api.NewHandler(s3Client, files, logger, opts...).RegisterRoutes(router)

	// Route-aware middleware runs after mux has matched the route
	router.Use(
		mux.MiddlewareFunc(middleware.TracingMiddleware(cfg.Tracing.RedactSensitive)),
		mux.MiddlewareFunc(middleware.LoggingMiddleware(logger, &cfg.Logging)),
		mux.MiddlewareFunc(middleware.MetricsMiddleware(m)),
	)

	authed := middleware.BearerAuthMiddleware(cfg.Server.APIToken, logger)(router)
	var httpHandler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if api.RequiresAuth(r) && r.URL.Path != "/metrics" {
			authed.ServeHTTP(w, r)
			return
		}
		router.ServeHTTP(w, r)
	})

	cleanup := func() {}
	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window, logger)
		cleanup = rateLimiter.Stop
		httpHandler = middleware.RateLimitMiddleware(rateLimiter)(httpHandler)
		logger.WithFields(logrus.Fields{
			"limit":  cfg.RateLimit.Limit,
			"window": cfg.RateLimit.Window,
		}).Info("Rate limiting enabled")
	}

	httpHandler = middleware.SecurityHeadersMiddleware()(httpHandler)
	httpHandler = middleware.RecoveryMiddleware(logger)(httpHandler)
	return httpHandler, cleanup
}

// sessionStore is the part of the metadata store the sweeper needs.
type sessionStore interface {
	StaleSessions(cutoff time.Time) ([]metadata.Session, error)
	DeleteSession(uploadID string) error
}

// sweepStaleSessions aborts multipart uploads older than maxAge so their
// parts stop accruing storage. It returns the number of sessions removed.
func sweepStaleSessions(ctx context.Context, sessions sessionStore, s3Client s3.Client, auditLog audit.Logger, maxAge time.Duration, logger *logrus.Logger) int {
	stale, err := sessions.StaleSessions(time.Now().Add(-maxAge))
	if err != nil {
		logger.WithError(err).Error("Failed to list stale multipart sessions")
		return 0
	}

	removed := 0
	for _, sess := range stale {
		log := logger.WithFields(logrus.Fields{
			"upload_id":  sess.UploadID,
			"object_key": sess.Key,
		})
		err := s3Client.AbortMultipartUpload(ctx, sess.Key, sess.UploadID)
		if err != nil && s3.ErrorCode(err) == "NoSuchUpload" {
			err = nil
		}
		event := &audit.Event{
			Type:     audit.EventSessionSwept,
			Bucket:   s3Client.Bucket(),
			Key:      sess.Key,
			UploadID: sess.UploadID,
			Success:  err == nil,
		}
		if err != nil {
			event.Error = err.Error()
		}
		auditLog.Log(event)
		if err != nil {
			log.WithError(err).Warn("Failed to abort stale multipart upload")
			continue
		}
		if err := sessions.DeleteSession(sess.UploadID); err != nil {
			log.WithError(err).Warn("Failed to remove stale session")
			continue
		}
		log.Info("Aborted stale multipart upload")
		removed++
	}
	return removed
}

func runSessionSweeper(ctx context.Context, sessions sessionStore, s3Client s3.Client, auditLog audit.Logger, interval, maxAge time.Duration, logger *logrus.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepStaleSessions(ctx, sessions, s3Client, auditLog, maxAge, logger)
		}
	}
}
