package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/sealdrop/internal/audit"
	"github.com/kenneth/sealdrop/internal/config"
	"github.com/kenneth/sealdrop/internal/metadata"
	"github.com/kenneth/sealdrop/internal/metrics"
	"github.com/kenneth/sealdrop/internal/s3"
	"github.com/kenneth/sealdrop/internal/tracing"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.ValidateServer(); err != nil {
		logger.WithError(err).Fatal("Invalid server configuration")
	}

	// Set log level from config
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
	}).Info("Starting sealdrop server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tracing
	if cfg.Tracing.ServiceVersion == "" {
		cfg.Tracing.ServiceVersion = version
	}
	shutdownTracing, err := tracing.Setup(ctx, &cfg.Tracing, os.Stdout)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Failed to flush traces")
		}
	}()

	// Initialize metrics
	m := metrics.NewMetrics()
	m.StartSystemMetricsCollector(ctx.Done())

	// Initialize S3 client
	s3Client, err := s3.NewClient(&cfg.Backend, cfg.Server.URLExpiry, m)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create S3 client")
	}

	files, err := metadata.Open(cfg.Server.MetadataPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open metadata store")
	}
	defer files.Close()

	auditLog := audit.Nop()
	if cfg.Audit.Enabled {
		auditLog = audit.NewLogger(cfg.Audit.MaxEvents, audit.NewLogrusWriter(logger))
		logger.WithField("max_events", cfg.Audit.MaxEvents).Info("Audit logging enabled")
	}

	handler, cleanup := newServerHandler(cfg, s3Client, files, auditLog, m, logger)
	defer cleanup()

	go runSessionSweeper(ctx, files, s3Client, auditLog, sweepInterval, staleSessionAge, logger)

	// Config hot reload: only the log level is applied live
	reloader, err := config.NewConfigReloader(configPath, cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("Config hot reload disabled")
	} else {
		reloader.SetOnReloadCallback(func(_, next *config.Config) error {
			lvl, err := logrus.ParseLevel(next.LogLevel)
			if err != nil {
				return err
			}
			logger.SetLevel(lvl)
			return nil
		})
		go reloader.Start()
		defer reloader.Stop()
	}

	// Create HTTP server
	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"addr":   cfg.Server.ListenAddr,
			"bucket": s3Client.Bucket(),
		}).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	} else {
		logger.Info("Server stopped gracefully")
	}
}
