// Command loadtest drives encrypted upload/download round trips against a
// running sealdrop server and tracks performance regressions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/sealdrop/internal/apiclient"
	"github.com/kenneth/sealdrop/internal/config"
	"github.com/kenneth/sealdrop/internal/metrics"
	"github.com/kenneth/sealdrop/internal/objectstore"
	"github.com/kenneth/sealdrop/internal/transfer"
	"github.com/kenneth/sealdrop/internal/workerpool"
)

func main() {
	var (
		configPath     = flag.String("config", os.Getenv("CONFIG_PATH"), "Client config file")
		duration       = flag.Duration("duration", 30*time.Second, "Test duration")
		workers        = flag.Int("workers", 4, "Number of concurrent round trips")
		fileSize       = flag.Int64("file-size", 48*1024*1024, "Plaintext size of each file in bytes")
		folderID       = flag.String("folder", "loadtest", "Folder id for uploaded files")
		baselineDir    = flag.String("baseline-dir", "testdata/baselines", "Directory for baseline files")
		threshold      = flag.Float64("threshold", 10.0, "Regression threshold percentage")
		prometheusURL  = flag.String("prometheus-url", "", "Prometheus URL for server-side metrics")
		verbose        = flag.Bool("verbose", false, "Enable verbose logging")
		updateBaseline = flag.Bool("update-baseline", false, "Update the baseline file instead of checking regression")
	)
	flag.Parse()

	// Setup logging
	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.ValidateClient(); err != nil {
		log.Fatalf("Invalid client configuration: %v", err)
	}

	passphrase := os.Getenv("SEALDROP_PASSPHRASE")
	if passphrase == "" {
		passphrase = "sealdrop-loadtest"
	}

	client, err := apiclient.NewClient(cfg.Client.APIEndpoint,
		apiclient.WithToken(cfg.Client.APIToken),
		apiclient.WithHTTPClient(&http.Client{Timeout: cfg.Client.HTTPTimeout}),
	)
	if err != nil {
		log.Fatalf("Failed to create API client: %v", err)
	}
	registry := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(registry)
	pool := workerpool.New(cfg.Client.Workers, workerpool.WithMetrics(m))
	defer pool.Terminate()

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.Client.HTTPTimeout
	store := objectstore.NewHTTPStore(&http.Client{Transport: transport})
	opts := transfer.Options{
		ChunkSize: cfg.Client.ChunkSize,
		Limits: transfer.Limits{
			MaxPrefetchChunks:    cfg.Client.MaxPrefetchChunks,
			MaxConcurrentUploads: cfg.Client.MaxConcurrentUploads,
		},
		SlowConnection: cfg.Client.SlowConnection,
		Logger:         logger,
		Metrics:        m,
	}
	pipes := pipelines{
		Uploader:   transfer.NewUploader(client, store, pool, opts),
		Downloader: transfer.NewDownloader(client, store, pool, opts),
	}

	fmt.Println("=== sealdrop Load Test Runner ===")
	fmt.Printf("API endpoint: %s\n", cfg.Client.APIEndpoint)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Workers: %d\n", *workers)
	fmt.Printf("File Size: %d bytes (chunk size %d)\n", *fileSize, cfg.Client.ChunkSize)
	fmt.Printf("Regression Threshold: %.1f%%\n\n", *threshold)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, err := RunLoadTest(ctx, LoadTestConfig{
		Workers:    *workers,
		Duration:   *duration,
		FileSize:   *fileSize,
		FolderID:   *folderID,
		Passphrase: passphrase,
	}, pipes, logger)
	if err != nil {
		log.Fatalf("Load test failed: %v", err)
	}
	PrintLoadTestResults(os.Stdout, results)

	if counters, err := GatherClientCounters(registry); err != nil {
		logger.WithError(err).Warn("Failed to gather client metrics")
	} else {
		PrintClientCounters(os.Stdout, counters)
	}

	if *prometheusURL != "" {
		promMetrics, err := QueryPrometheusMetrics(ctx, *prometheusURL, time.Now(), logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to query Prometheus metrics")
		} else {
			fmt.Println("--- Prometheus Metrics ---")
			for metric, value := range promMetrics {
				fmt.Printf("%s: %v\n", metric, value)
			}
			fmt.Println()
		}
	}

	baselineFile := filepath.Join(*baselineDir, "round_trip_baseline.json")
	if *updateBaseline {
		if err := saveBaselineMetrics(results, baselineFile); err != nil {
			log.Fatalf("Failed to save baseline: %v", err)
		}
		fmt.Printf("Baseline written to %s\n", baselineFile)
		return
	}

	regression, err := AnalyzeRegression(results, baselineFile, *threshold)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			fmt.Println("No baseline found, run with -update-baseline to create one")
			return
		}
		log.Fatalf("Regression analysis failed: %v", err)
	}
	PrintRegressionResult(os.Stdout, regression)

	if regression.SignificantRegression || results.Failed > 0 {
		fmt.Println("Load test FAILED")
		os.Exit(1)
	}
	fmt.Println("Load test passed")
}
