//go:build integration

package test

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/kenneth/sealdrop/internal/config"
)

// MinIOTestServer manages a local MinIO server for testing.
type MinIOTestServer struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	cmd       *exec.Cmd
}

// StartMinIOServer starts MinIO in Docker, or from a local binary when Docker
// is missing. The test is skipped if neither is available.
func StartMinIOServer(t *testing.T) *MinIOTestServer {
	t.Helper()

	m := &MinIOTestServer{
		Endpoint:  "http://localhost:9000",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "sealdrop-test",
	}

	switch {
	case hasCommand("docker", "version"):
		m.startDocker(t)
	case hasCommand("minio", "--version"):
		m.startBinary(t)
	default:
		t.Skip("MinIO server not available. Install Docker or the MinIO binary for integration tests.")
	}

	if err := m.waitReady(30 * time.Second); err != nil {
		t.Fatalf("MinIO failed to start: %v", err)
	}
	if err := m.createBucket(context.Background()); err != nil {
		t.Fatalf("Failed to create test bucket: %v", err)
	}
	return m
}

func hasCommand(name string, args ...string) bool {
	return exec.Command(name, args...).Run() == nil
}

func (m *MinIOTestServer) startDocker(t *testing.T) {
	t.Helper()

	containerName := fmt.Sprintf("sealdrop-minio-%d", time.Now().UnixNano())
	cmd := exec.Command("docker", "run", "--rm", "-d",
		"-p", "9000:9000",
		"-e", "MINIO_ROOT_USER="+m.AccessKey,
		"-e", "MINIO_ROOT_PASSWORD="+m.SecretKey,
		"--name", containerName,
		"minio/minio:latest",
		"server", "/data",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to start MinIO container: %v: %s", err, out)
	}
	t.Cleanup(func() {
		_ = exec.Command("docker", "stop", containerName).Run()
	})
}

func (m *MinIOTestServer) startBinary(t *testing.T) {
	t.Helper()

	cmd := exec.Command("minio", "server", t.TempDir(), "--address", ":9000")
	cmd.Env = append(os.Environ(),
		"MINIO_ROOT_USER="+m.AccessKey,
		"MINIO_ROOT_PASSWORD="+m.SecretKey,
	)
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start MinIO: %v", err)
	}
	m.cmd = cmd
	t.Cleanup(func() {
		_ = m.cmd.Process.Kill()
		_ = m.cmd.Wait()
	})
}

func (m *MinIOTestServer) waitReady(timeout time.Duration) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			return fmt.Errorf("timeout waiting for MinIO")
		case <-ticker.C:
			resp, err := http.Get(m.Endpoint + "/minio/health/live")
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
		}
	}
}

func (m *MinIOTestServer) createBucket(ctx context.Context) error {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(m.AccessKey, m.SecretKey, "")),
	)
	if err != nil {
		return err
	}
	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		o.BaseEndpoint = aws.String(m.Endpoint)
		o.UsePathStyle = true
	})
	_, err = client.CreateBucket(ctx, &awss3.CreateBucketInput{Bucket: aws.String(m.Bucket)})
	return err
}

// BackendConfig returns the backend settings for this server.
func (m *MinIOTestServer) BackendConfig() config.BackendConfig {
	return config.BackendConfig{
		Endpoint:     m.Endpoint,
		Region:       "us-east-1",
		AccessKey:    m.AccessKey,
		SecretKey:    m.SecretKey,
		Bucket:       m.Bucket,
		UsePathStyle: true,
	}
}
