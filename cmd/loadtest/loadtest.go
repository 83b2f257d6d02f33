package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/api"
	"github.com/prometheus/client_golang/prometheus"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/sealdrop/internal/transfer"
)

// LoadTestConfig configures one load test run.
type LoadTestConfig struct {
	Workers    int
	Duration   time.Duration
	FileSize   int64
	FolderID   string
	Passphrase string
}

// transferClient is the pair of pipelines a load test drives.
type transferClient interface {
	UploadFile(ctx context.Context, req transfer.UploadRequest) (*transfer.UploadResult, error)
	DownloadFile(ctx context.Context, req transfer.DownloadRequest) (*transfer.DownloadResult, error)
}

type pipelines struct {
	*transfer.Uploader
	*transfer.Downloader
}

// LatencyStats summarizes the latencies of one operation.
type LatencyStats struct {
	Count int           `json:"count"`
	Avg   time.Duration `json:"avg"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
}

// LoadTestMetrics holds the results of a run for regression tracking.
type LoadTestMetrics struct {
	Timestamp      time.Time     `json:"timestamp"`
	TestName       string        `json:"test_name"`
	Duration       time.Duration `json:"duration"`
	FileSize       int64         `json:"file_size"`
	RoundTrips     int64         `json:"round_trips"`
	Successful     int64         `json:"successful"`
	Failed         int64         `json:"failed"`
	Mismatched     int64         `json:"mismatched"`
	Upload         LatencyStats  `json:"upload"`
	Download       LatencyStats  `json:"download"`
	BytesUploaded  int64         `json:"bytes_uploaded"`
	ThroughputMBps float64       `json:"throughput_mb_per_sec"`
	ErrorRate      float64       `json:"error_rate"`
}

// RegressionResult holds the result of regression analysis.
type RegressionResult struct {
	TestName              string
	UploadRegression      float64 // Percentage change in average upload latency
	DownloadRegression    float64 // Percentage change in average download latency
	ThroughputRegression  float64 // Percentage change in throughput
	ErrorRateRegression   float64 // Change in error rate, percentage points
	SignificantRegression bool
	Details               []string
}

var errMismatch = errors.New("downloaded plaintext differs from upload")

type collector struct {
	mu         sync.Mutex
	uploads    []time.Duration
	downloads  []time.Duration
	successful int64
	failed     int64
	mismatched int64
	bytes      int64
}

func (c *collector) record(up, down time.Duration, size int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if up > 0 {
		c.uploads = append(c.uploads, up)
	}
	if down > 0 {
		c.downloads = append(c.downloads, down)
	}
	switch {
	case err == nil:
		c.successful++
		c.bytes += size
	case errors.Is(err, errMismatch):
		c.mismatched++
		c.failed++
	default:
		c.failed++
	}
}

// RunLoadTest uploads and downloads random files from cfg.Workers
// goroutines until cfg.Duration elapses, verifying every round trip.
func RunLoadTest(ctx context.Context, cfg LoadTestConfig, client transferClient, logger *logrus.Logger) (*LoadTestMetrics, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workers must be positive")
	}
	if cfg.FileSize < 0 {
		return nil, fmt.Errorf("file size must not be negative")
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	c := &collector{}
	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; runCtx.Err() == nil; i++ {
				name := fmt.Sprintf("loadtest-%d-%d.bin", worker, i)
				up, down, err := roundTrip(runCtx, cfg, client, name)
				if err != nil && runCtx.Err() != nil {
					return
				}
				if err != nil {
					logger.WithError(err).WithField("file", name).Warn("Round trip failed")
				}
				c.record(up, down, cfg.FileSize, err)
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	m := &LoadTestMetrics{
		Timestamp:     start.UTC(),
		TestName:      "upload_download_round_trip",
		Duration:      elapsed,
		FileSize:      cfg.FileSize,
		RoundTrips:    c.successful + c.failed,
		Successful:    c.successful,
		Failed:        c.failed,
		Mismatched:    c.mismatched,
		Upload:        summarize(c.uploads),
		Download:      summarize(c.downloads),
		BytesUploaded: c.bytes,
	}
	if elapsed > 0 {
		m.ThroughputMBps = float64(c.bytes) / (1 << 20) / elapsed.Seconds()
	}
	if m.RoundTrips > 0 {
		m.ErrorRate = float64(m.Failed) / float64(m.RoundTrips)
	}
	return m, nil
}

func roundTrip(ctx context.Context, cfg LoadTestConfig, client transferClient, name string) (up, down time.Duration, err error) {
	plain := make([]byte, cfg.FileSize)
	if _, err := rand.Read(plain); err != nil {
		return 0, 0, err
	}

	t0 := time.Now()
	res, err := client.UploadFile(ctx, transfer.UploadRequest{
		Source:     transfer.NewBytesSource(name, "application/octet-stream", plain),
		Passphrase: cfg.Passphrase,
		FolderID:   cfg.FolderID,
	})
	up = time.Since(t0)
	if err != nil {
		return up, 0, fmt.Errorf("upload: %w", err)
	}

	t1 := time.Now()
	got, err := client.DownloadFile(ctx, transfer.DownloadRequest{FileID: res.FileID, Passphrase: cfg.Passphrase})
	down = time.Since(t1)
	if err != nil {
		return up, down, fmt.Errorf("download: %w", err)
	}
	if !bytes.Equal(got.Data, plain) {
		return up, down, errMismatch
	}
	return up, down, nil
}

func summarize(latencies []time.Duration) LatencyStats {
	if len(latencies) == 0 {
		return LatencyStats{}
	}
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, l := range sorted {
		total += l
	}
	return LatencyStats{
		Count: len(sorted),
		Avg:   total / time.Duration(len(sorted)),
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
	}
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}

func saveBaselineMetrics(metrics *LoadTestMetrics, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

func loadBaselineMetrics(filename string) (*LoadTestMetrics, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var metrics LoadTestMetrics
	if err := json.Unmarshal(data, &metrics); err != nil {
		return nil, err
	}
	return &metrics, nil
}

func percentChange(current, baseline float64) float64 {
	return (current - baseline) / baseline * 100
}

// AnalyzeRegression compares current metrics against the baseline file.
// Latency increases, throughput drops and error rate increases beyond
// threshold percent are significant.
func AnalyzeRegression(current *LoadTestMetrics, baselineFile string, threshold float64) (*RegressionResult, error) {
	baseline, err := loadBaselineMetrics(baselineFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load baseline metrics: %w", err)
	}

	result := &RegressionResult{TestName: current.TestName}

	if baseline.Upload.Avg > 0 {
		result.UploadRegression = percentChange(float64(current.Upload.Avg), float64(baseline.Upload.Avg))
		if result.UploadRegression > threshold {
			result.SignificantRegression = true
			result.Details = append(result.Details, fmt.Sprintf("Upload latency regression: %.2f%% (threshold: %.2f%%)", result.UploadRegression, threshold))
		}
	}
	if baseline.Download.Avg > 0 {
		result.DownloadRegression = percentChange(float64(current.Download.Avg), float64(baseline.Download.Avg))
		if result.DownloadRegression > threshold {
			result.SignificantRegression = true
			result.Details = append(result.Details, fmt.Sprintf("Download latency regression: %.2f%% (threshold: %.2f%%)", result.DownloadRegression, threshold))
		}
	}
	if baseline.ThroughputMBps > 0 {
		result.ThroughputRegression = percentChange(current.ThroughputMBps, baseline.ThroughputMBps)
		if -result.ThroughputRegression > threshold {
			result.SignificantRegression = true
			result.Details = append(result.Details, fmt.Sprintf("Throughput regression: %.2f%% (threshold: %.2f%%)", result.ThroughputRegression, threshold))
		}
	}

	errorRateChange := current.ErrorRate - baseline.ErrorRate
	result.ErrorRateRegression = errorRateChange * 100
	if errorRateChange > threshold/100 {
		result.SignificantRegression = true
		result.Details = append(result.Details, fmt.Sprintf("Error rate increased by %.2f percentage points", result.ErrorRateRegression))
	}

	return result, nil
}

// PrintLoadTestResults prints load test results to w.
func PrintLoadTestResults(w io.Writer, m *LoadTestMetrics) {
	fmt.Fprintf(w, "\n=== %s Results ===\n", m.TestName)
	fmt.Fprintf(w, "Timestamp: %s\n", m.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "Duration: %v\n", m.Duration)
	fmt.Fprintf(w, "File Size: %d\n", m.FileSize)
	fmt.Fprintf(w, "Round Trips: %d (ok %d, failed %d, mismatched %d)\n", m.RoundTrips, m.Successful, m.Failed, m.Mismatched)
	fmt.Fprintf(w, "Error Rate: %.2f%%\n", m.ErrorRate*100)
	fmt.Fprintf(w, "Throughput: %.2f MiB/s\n", m.ThroughputMBps)
	for _, op := range []struct {
		name  string
		stats LatencyStats
	}{{"Upload", m.Upload}, {"Download", m.Download}} {
		fmt.Fprintf(w, "%s latency: avg %v p50 %v p95 %v p99 %v min %v max %v\n",
			op.name, op.stats.Avg, op.stats.P50, op.stats.P95, op.stats.P99, op.stats.Min, op.stats.Max)
	}
	fmt.Fprintf(w, "==============================\n\n")
}

// PrintRegressionResult prints regression analysis results to w.
func PrintRegressionResult(w io.Writer, result *RegressionResult) {
	fmt.Fprintf(w, "\n=== Regression Analysis for %s ===\n", result.TestName)
	fmt.Fprintf(w, "Significant Regression: %t\n", result.SignificantRegression)
	fmt.Fprintf(w, "Upload Latency Change: %.2f%%\n", result.UploadRegression)
	fmt.Fprintf(w, "Download Latency Change: %.2f%%\n", result.DownloadRegression)
	fmt.Fprintf(w, "Throughput Change: %.2f%%\n", result.ThroughputRegression)
	fmt.Fprintf(w, "Error Rate Change: %.2f percentage points\n", result.ErrorRateRegression)
	for _, detail := range result.Details {
		fmt.Fprintf(w, "- %s\n", detail)
	}
	fmt.Fprintf(w, "=====================================\n\n")
}

// clientCounters are the pipeline counters reported after a run.
var clientCounters = []string{
	"transfers_total",
	"part_uploads_total",
	"multipart_aborts_total",
	"chunk_crypto_operations_total",
	"chunk_crypto_errors_total",
}

// GatherClientCounters flattens clientCounters from g into series names such
// as `part_uploads_total{result="error"}`.
func GatherClientCounters(g prometheus.Gatherer) (map[string]float64, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather client metrics: %w", err)
	}

	wanted := make(map[string]bool, len(clientCounters))
	for _, name := range clientCounters {
		wanted[name] = true
	}

	counters := make(map[string]float64)
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
			}
			counters[mf.GetName()+"{"+strings.Join(labels, ",")+"}"] = m.GetCounter().GetValue()
		}
	}
	return counters, nil
}

// PrintClientCounters prints counters sorted by series name.
func PrintClientCounters(w io.Writer, counters map[string]float64) {
	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(w, "--- Client Metrics ---\n")
	for _, name := range names {
		fmt.Fprintf(w, "%s: %v\n", name, counters[name])
	}
	fmt.Fprintln(w)
}

// serverQueries are evaluated against the Prometheus server scraping the
// sealdrop server during the run.
var serverQueries = map[string]string{
	"http_request_p95_seconds": `histogram_quantile(0.95, sum(rate(http_request_duration_seconds_bucket[5m])) by (le))`,
	"s3_operation_p95_seconds": `histogram_quantile(0.95, sum(rate(s3_operation_duration_seconds_bucket[5m])) by (le))`,
	"s3_errors_per_second":     `sum(rate(s3_operation_errors_total[5m]))`,
	"memory_alloc_bytes":       `avg_over_time(memory_alloc_bytes[5m])`,
	"goroutines":               `avg_over_time(goroutines_total[5m])`,
}

// QueryPrometheusMetrics evaluates serverQueries at end.
func QueryPrometheusMetrics(ctx context.Context, prometheusURL string, end time.Time, logger *logrus.Logger) (map[string]float64, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, err
	}
	v1api := v1.NewAPI(client)

	results := make(map[string]float64)
	for name, query := range serverQueries {
		value, warnings, err := v1api.Query(ctx, query, end)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", name, err)
		}
		if len(warnings) > 0 {
			logger.WithField("query", name).Warnf("Prometheus warnings: %v", warnings)
		}
		if vector, ok := value.(model.Vector); ok && len(vector) > 0 {
			v := float64(vector[0].Value)
			if !math.IsNaN(v) {
				results[name] = v
			}
		}
	}
	return results, nil
}
