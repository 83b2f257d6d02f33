//go:build integration

package test

import (
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/sealdrop/internal/api"
	"github.com/kenneth/sealdrop/internal/apiclient"
	"github.com/kenneth/sealdrop/internal/audit"
	"github.com/kenneth/sealdrop/internal/config"
	"github.com/kenneth/sealdrop/internal/metadata"
	"github.com/kenneth/sealdrop/internal/metrics"
	"github.com/kenneth/sealdrop/internal/middleware"
	"github.com/kenneth/sealdrop/internal/s3"
)

// TestServer is a running API server backed by a real bucket.
type TestServer struct {
	URL    string
	S3     s3.Client
	Audit  audit.Logger
	server *httptest.Server
}

// StartServer starts the API server against backend.
func StartServer(t *testing.T, backend config.BackendConfig) *TestServer {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())

	s3Client, err := s3.NewClient(&backend, 15*time.Minute, m)
	if err != nil {
		t.Fatalf("Failed to create S3 client: %v", err)
	}
	files, err := metadata.Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("Failed to open metadata store: %v", err)
	}
	t.Cleanup(func() { files.Close() })

	auditLog := audit.NewLogger(100, nil)
	router := mux.NewRouter()
	router.Handle("/metrics", m.Handler()).Methods("GET")
	api.NewHandler(s3Client, files, logger, api.WithAuditLogger(auditLog)).RegisterRoutes(router)
	router.Use(
		mux.MiddlewareFunc(middleware.LoggingMiddleware(logger, &config.LoggingConfig{AccessLogFormat: "default"})),
		mux.MiddlewareFunc(middleware.MetricsMiddleware(m)),
	)

	srv := httptest.NewServer(middleware.RecoveryMiddleware(logger)(router))
	t.Cleanup(srv.Close)

	return &TestServer{URL: srv.URL, S3: s3Client, Audit: auditLog, server: srv}
}

// Client returns an API client for the server.
func (s *TestServer) Client(t *testing.T) *apiclient.Client {
	t.Helper()
	client, err := apiclient.NewClient(s.URL)
	if err != nil {
		t.Fatalf("Failed to create API client: %v", err)
	}
	return client
}
