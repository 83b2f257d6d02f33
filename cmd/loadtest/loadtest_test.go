package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/sealdrop/internal/metrics"
	"github.com/kenneth/sealdrop/internal/transfer"
)

// memTransfer stores plaintext in memory, optionally corrupting or failing
// some round trips.
type memTransfer struct {
	mu      sync.Mutex
	files   map[string][]byte
	corrupt bool
	failAll bool
}

func newMemTransfer() *memTransfer {
	return &memTransfer{files: make(map[string][]byte)}
}

func (m *memTransfer) UploadFile(ctx context.Context, req transfer.UploadRequest) (*transfer.UploadResult, error) {
	if m.failAll {
		return nil, errors.New("upload refused")
	}
	data := make([]byte, req.Source.Size())
	if _, err := req.Source.ReadAt(data, 0); err != nil && len(data) > 0 {
		return nil, err
	}
	select {
	case <-time.After(time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := fmt.Sprintf("file-%d", len(m.files)+1)
	m.files[id] = data
	return &transfer.UploadResult{FileID: id, Size: int64(len(data))}, nil
}

func (m *memTransfer) DownloadFile(ctx context.Context, req transfer.DownloadRequest) (*transfer.DownloadResult, error) {
	m.mu.Lock()
	data := append([]byte(nil), m.files[req.FileID]...)
	m.mu.Unlock()
	if m.corrupt && len(data) > 0 {
		data[0] ^= 0xff
	}
	return &transfer.DownloadResult{Name: req.FileID, Data: data}, nil
}

func TestRunLoadTest(t *testing.T) {
	client := newMemTransfer()
	m, err := RunLoadTest(context.Background(), LoadTestConfig{
		Workers:  3,
		Duration: 100 * time.Millisecond,
		FileSize: 512,
	}, client, nil)
	require.NoError(t, err)

	assert.Positive(t, m.Successful)
	assert.Zero(t, m.Failed)
	assert.Equal(t, m.Successful, m.RoundTrips)
	assert.Equal(t, m.Successful*512, m.BytesUploaded)
	assert.Equal(t, int(m.Successful), m.Download.Count)
	assert.GreaterOrEqual(t, m.Upload.Min, time.Millisecond)
	assert.LessOrEqual(t, m.Upload.P50, m.Upload.P95)
	assert.Positive(t, m.ThroughputMBps)
	assert.Zero(t, m.ErrorRate)
}

func TestRunLoadTest_DetectsMismatch(t *testing.T) {
	client := newMemTransfer()
	client.corrupt = true
	m, err := RunLoadTest(context.Background(), LoadTestConfig{Workers: 1, Duration: 30 * time.Millisecond, FileSize: 64}, client, nil)
	require.NoError(t, err)

	assert.Zero(t, m.Successful)
	assert.Positive(t, m.Mismatched)
	assert.Equal(t, m.Failed, m.Mismatched)
	assert.Equal(t, 1.0, m.ErrorRate)
}

func TestRunLoadTest_Failures(t *testing.T) {
	client := newMemTransfer()
	client.failAll = true
	m, err := RunLoadTest(context.Background(), LoadTestConfig{Workers: 2, Duration: 10 * time.Millisecond, FileSize: 1}, client, nil)
	require.NoError(t, err)
	assert.Positive(t, m.Failed)
	assert.Zero(t, m.Mismatched)
	assert.Empty(t, m.Download.Count)

	_, err = RunLoadTest(context.Background(), LoadTestConfig{Workers: 0}, client, nil)
	assert.Error(t, err)
}

func TestSummarize(t *testing.T) {
	var latencies []time.Duration
	for i := 100; i >= 1; i-- {
		latencies = append(latencies, time.Duration(i)*time.Millisecond)
	}
	s := summarize(latencies)
	assert.Equal(t, 100, s.Count)
	assert.Equal(t, time.Millisecond, s.Min)
	assert.Equal(t, 100*time.Millisecond, s.Max)
	assert.Equal(t, 50*time.Millisecond, s.P50)
	assert.Equal(t, 95*time.Millisecond, s.P95)
	assert.Equal(t, 50500*time.Microsecond, s.Avg)
	assert.Equal(t, 100*time.Millisecond, latencies[0], "input is not reordered")

	assert.Equal(t, LatencyStats{}, summarize(nil))
}

func TestAnalyzeRegression(t *testing.T) {
	baselineFile := filepath.Join(t.TempDir(), "baselines", "round_trip_baseline.json")
	baseline := &LoadTestMetrics{
		TestName:       "upload_download_round_trip",
		Upload:         LatencyStats{Avg: 100 * time.Millisecond},
		Download:       LatencyStats{Avg: 50 * time.Millisecond},
		ThroughputMBps: 100,
	}
	require.NoError(t, saveBaselineMetrics(baseline, baselineFile))

	tests := []struct {
		name        string
		current     LoadTestMetrics
		significant bool
	}{
		{"unchanged", *baseline, false},
		{"faster is fine", LoadTestMetrics{Upload: LatencyStats{Avg: 50 * time.Millisecond}, Download: LatencyStats{Avg: 20 * time.Millisecond}, ThroughputMBps: 200}, false},
		{"slower uploads", LoadTestMetrics{Upload: LatencyStats{Avg: 120 * time.Millisecond}, Download: LatencyStats{Avg: 50 * time.Millisecond}, ThroughputMBps: 100}, true},
		{"throughput drop", LoadTestMetrics{Upload: LatencyStats{Avg: 100 * time.Millisecond}, Download: LatencyStats{Avg: 50 * time.Millisecond}, ThroughputMBps: 80}, true},
		{"errors", LoadTestMetrics{Upload: LatencyStats{Avg: 100 * time.Millisecond}, Download: LatencyStats{Avg: 50 * time.Millisecond}, ThroughputMBps: 100, ErrorRate: 0.5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := AnalyzeRegression(&tt.current, baselineFile, 10)
			require.NoError(t, err)
			assert.Equal(t, tt.significant, result.SignificantRegression, result.Details)
			assert.Equal(t, tt.significant, len(result.Details) > 0)
		})
	}

	_, err := AnalyzeRegression(baseline, filepath.Join(t.TempDir(), "missing.json"), 10)
	assert.Error(t, err)
}

func TestGatherClientCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	m.PartUploadStarted()
	m.PartUploadFinished(time.Millisecond, nil)
	m.PartUploadStarted()
	m.PartUploadFinished(time.Millisecond, errors.New("reset"))
	m.RecordMultipartAbort(nil)
	m.RecordTransfer("upload", "multipart", 1024, errors.New("reset"))
	m.RecordHTTPRequest("GET", "/health", 200, time.Millisecond, 0)

	counters, err := GatherClientCounters(reg)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{
		`part_uploads_total{result="error"}`:                                  1,
		`part_uploads_total{result="success"}`:                                1,
		`multipart_aborts_total{result="success"}`:                            1,
		`transfers_total{direction="upload",mode="multipart",result="error"}`: 1,
	}, counters)

	var out bytes.Buffer
	PrintClientCounters(&out, counters)
	assert.Contains(t, out.String(), `multipart_aborts_total{result="success"}: 1`)
	assert.Less(t,
		strings.Index(out.String(), "multipart_aborts_total"),
		strings.Index(out.String(), "transfers_total"))
}
