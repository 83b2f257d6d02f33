package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kenneth/sealdrop/internal/crypto"
)

// MinMultipartChunkSize is the smallest configurable chunk size. Every chunk
// but the last becomes a multipart part, and S3 rejects non-final parts below
// 5 MiB with EntityTooSmall.
const MinMultipartChunkSize = 5 * 1024 * 1024

// Config holds the complete application configuration. The client and the
// reference server read the same file; each validates its own section.
type Config struct {
	LogLevel  string          `yaml:"log_level" env:"LOG_LEVEL"`
	Client    ClientConfig    `yaml:"client"`
	Server    ServerConfig    `yaml:"server"`
	Backend   BackendConfig   `yaml:"backend"`
	Logging   LoggingConfig   `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Audit     AuditConfig     `yaml:"audit"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ClientConfig holds transfer client configuration.
type ClientConfig struct {
	APIEndpoint          string        `yaml:"api_endpoint" env:"API_ENDPOINT"`
	APIToken             string        `yaml:"api_token" env:"API_TOKEN"`
	ChunkSize            int           `yaml:"chunk_size" env:"CHUNK_SIZE"`                         // Plaintext bytes per encrypted chunk
	MaxPrefetchChunks    int           `yaml:"max_prefetch_chunks" env:"MAX_PREFETCH_CHUNKS"`       // Chunks encrypted ahead of the uploader
	MaxConcurrentUploads int           `yaml:"max_concurrent_uploads" env:"MAX_CONCURRENT_UPLOADS"` // 0 picks a default from slow_connection
	Workers              int           `yaml:"workers" env:"WORKERS"`                               // 0 means min(NumCPU, 8)
	SlowConnection       bool          `yaml:"slow_connection" env:"SLOW_CONNECTION"`
	HTTPTimeout          time.Duration `yaml:"http_timeout" env:"HTTP_TIMEOUT"`
}

// ServerConfig holds reference API server configuration.
type ServerConfig struct {
	ListenAddr        string        `yaml:"listen_addr" env:"LISTEN_ADDR"`
	APIToken          string        `yaml:"api_token" env:"SERVER_API_TOKEN"` // If set, requests must carry it as a bearer token
	URLExpiry         time.Duration `yaml:"url_expiry" env:"SERVER_URL_EXPIRY"`
	URLCacheSize      int           `yaml:"url_cache_size" env:"SERVER_URL_CACHE_SIZE"` // Download URLs kept for reuse, 0 disables
	MetadataPath      string        `yaml:"metadata_path" env:"SERVER_METADATA_PATH"`
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"SERVER_MAX_HEADER_BYTES"`
}

// BackendConfig holds S3 backend configuration.
type BackendConfig struct {
	Endpoint     string `yaml:"endpoint" env:"BACKEND_ENDPOINT"` // Empty for AWS, set for any S3-compatible endpoint
	Region       string `yaml:"region" env:"BACKEND_REGION"`
	AccessKey    string `yaml:"access_key" env:"BACKEND_ACCESS_KEY"`
	SecretKey    string `yaml:"secret_key" env:"BACKEND_SECRET_KEY"`
	Bucket       string `yaml:"bucket" env:"BACKEND_BUCKET"`
	UsePathStyle bool   `yaml:"use_path_style" env:"BACKEND_USE_PATH_STYLE"`
}

// LoggingConfig holds access log configuration.
type LoggingConfig struct {
	AccessLogFormat string   `yaml:"access_log_format" env:"LOGGING_ACCESS_LOG_FORMAT"` // default, json, clf
	RedactHeaders   []string `yaml:"redact_headers" env:"LOGGING_REDACT_HEADERS"`
}

// AuditConfig holds file lifecycle audit logging settings.
type AuditConfig struct {
	Enabled   bool `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int  `yaml:"max_events" env:"AUDIT_MAX_EVENTS"` // Events kept in memory
}

// RateLimitConfig holds per-client rate limiting for the API server.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limit   int           `yaml:"limit" env:"RATE_LIMIT_REQUESTS"`
	Window  time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled         bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName     string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion  string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter        string  `yaml:"exporter" env:"TRACING_EXPORTER"` // stdout, jaeger, otlp
	JaegerEndpoint  string  `yaml:"jaeger_endpoint" env:"TRACING_JAEGER_ENDPOINT"`
	OtlpEndpoint    string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	SamplingRatio   float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`
	RedactSensitive bool    `yaml:"redact_sensitive" env:"TRACING_REDACT_SENSITIVE"` // Redact sensitive headers in spans
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Client: ClientConfig{
			APIEndpoint:       "http://localhost:8080",
			ChunkSize:         crypto.DefaultChunkSize,
			MaxPrefetchChunks: 2,
			HTTPTimeout:       5 * time.Minute,
		},
		Server: ServerConfig{
			ListenAddr:        ":8080",
			URLExpiry:         15 * time.Minute,
			URLCacheSize:      1000,
			MetadataPath:      "sealdrop.db",
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1MB
		},
		Backend: BackendConfig{
			Region: "us-east-1",
		},
		Logging: LoggingConfig{
			AccessLogFormat: "default",
			RedactHeaders:   []string{"authorization", "x-amz-security-token"},
		},
		Audit: AuditConfig{
			MaxEvents: 1000,
		},
		RateLimit: RateLimitConfig{
			Limit:  600,
			Window: time.Minute,
		},
		Tracing: TracingConfig{
			ServiceName:     "sealdrop",
			ServiceVersion:  "dev",
			Exporter:        "stdout",
			SamplingRatio:   1.0,
			RedactSensitive: true,
		},
	}
}

// LoadConfig loads configuration from a file and environment variables.
// A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			*dst = n
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envList(name string, dst *[]string) {
	if v := os.Getenv(name); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		*dst = parts
	}
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	envString("LOG_LEVEL", &config.LogLevel)

	envString("API_ENDPOINT", &config.Client.APIEndpoint)
	envString("API_TOKEN", &config.Client.APIToken)
	envInt("CHUNK_SIZE", &config.Client.ChunkSize)
	envInt("MAX_PREFETCH_CHUNKS", &config.Client.MaxPrefetchChunks)
	envInt("MAX_CONCURRENT_UPLOADS", &config.Client.MaxConcurrentUploads)
	envInt("WORKERS", &config.Client.Workers)
	envBool("SLOW_CONNECTION", &config.Client.SlowConnection)
	envDuration("HTTP_TIMEOUT", &config.Client.HTTPTimeout)

	envString("LISTEN_ADDR", &config.Server.ListenAddr)
	envString("SERVER_API_TOKEN", &config.Server.APIToken)
	envDuration("SERVER_URL_EXPIRY", &config.Server.URLExpiry)
	envInt("SERVER_URL_CACHE_SIZE", &config.Server.URLCacheSize)
	envString("SERVER_METADATA_PATH", &config.Server.MetadataPath)
	envDuration("SERVER_READ_TIMEOUT", &config.Server.ReadTimeout)
	envDuration("SERVER_WRITE_TIMEOUT", &config.Server.WriteTimeout)
	envDuration("SERVER_IDLE_TIMEOUT", &config.Server.IdleTimeout)
	envDuration("SERVER_READ_HEADER_TIMEOUT", &config.Server.ReadHeaderTimeout)
	envInt("SERVER_MAX_HEADER_BYTES", &config.Server.MaxHeaderBytes)

	envString("BACKEND_ENDPOINT", &config.Backend.Endpoint)
	envString("BACKEND_REGION", &config.Backend.Region)
	envString("BACKEND_ACCESS_KEY", &config.Backend.AccessKey)
	envString("BACKEND_SECRET_KEY", &config.Backend.SecretKey)
	envString("BACKEND_BUCKET", &config.Backend.Bucket)
	envBool("BACKEND_USE_PATH_STYLE", &config.Backend.UsePathStyle)

	envString("LOGGING_ACCESS_LOG_FORMAT", &config.Logging.AccessLogFormat)
	envList("LOGGING_REDACT_HEADERS", &config.Logging.RedactHeaders)

	envBool("RATE_LIMIT_ENABLED", &config.RateLimit.Enabled)
	envInt("RATE_LIMIT_REQUESTS", &config.RateLimit.Limit)
	envDuration("RATE_LIMIT_WINDOW", &config.RateLimit.Window)

	envBool("AUDIT_ENABLED", &config.Audit.Enabled)
	envInt("AUDIT_MAX_EVENTS", &config.Audit.MaxEvents)

	envBool("TRACING_ENABLED", &config.Tracing.Enabled)
	envString("TRACING_SERVICE_NAME", &config.Tracing.ServiceName)
	envString("TRACING_SERVICE_VERSION", &config.Tracing.ServiceVersion)
	envString("TRACING_EXPORTER", &config.Tracing.Exporter)
	envString("TRACING_JAEGER_ENDPOINT", &config.Tracing.JaegerEndpoint)
	envString("TRACING_OTLP_ENDPOINT", &config.Tracing.OtlpEndpoint)
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}
	envBool("TRACING_REDACT_SENSITIVE", &config.Tracing.RedactSensitive)
}

// Validate checks the settings shared by the client and the server.
func (c *Config) Validate() error {
	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	if c.Client.ChunkSize < MinMultipartChunkSize || c.Client.ChunkSize > crypto.MaxChunkSize {
		return fmt.Errorf("client.chunk_size must be between %d and %d bytes", MinMultipartChunkSize, crypto.MaxChunkSize)
	}
	if c.Client.MaxPrefetchChunks < 1 {
		return fmt.Errorf("client.max_prefetch_chunks must be at least 1")
	}
	if c.Client.MaxConcurrentUploads < 0 {
		return fmt.Errorf("client.max_concurrent_uploads must not be negative")
	}
	if c.Client.Workers < 0 {
		return fmt.Errorf("client.workers must not be negative")
	}

	switch c.Logging.AccessLogFormat {
	case "", "default", "json", "clf":
	default:
		return fmt.Errorf("invalid logging.access_log_format: %s (must be default, json, or clf)", c.Logging.AccessLogFormat)
	}

	if c.Audit.Enabled && c.Audit.MaxEvents <= 0 {
		return fmt.Errorf("audit.max_events must be positive when audit logging is enabled")
	}
	if c.RateLimit.Enabled && (c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate_limit.limit and rate_limit.window must be positive when rate limiting is enabled")
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		validExporters := map[string]bool{
			"stdout": true,
			"jaeger": true,
			"otlp":   true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout, jaeger, or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "jaeger" && c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint is required when exporter is jaeger")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
		}
	}

	return nil
}

// ValidateClient checks the settings the transfer client needs.
func (c *Config) ValidateClient() error {
	if c.Client.APIEndpoint == "" {
		return fmt.Errorf("client.api_endpoint is required")
	}
	return nil
}

// ValidateServer checks the settings the reference API server needs.
func (c *Config) ValidateServer() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Server.URLExpiry <= 0 || c.Server.URLExpiry > 7*24*time.Hour {
		return fmt.Errorf("server.url_expiry must be between 1s and 168h")
	}
	if c.Server.URLCacheSize < 0 {
		return fmt.Errorf("server.url_cache_size must not be negative")
	}
	if c.Server.MetadataPath == "" {
		return fmt.Errorf("server.metadata_path is required")
	}
	if c.Backend.Bucket == "" {
		return fmt.Errorf("backend.bucket is required")
	}
	if c.Backend.AccessKey == "" {
		return fmt.Errorf("backend.access_key is required")
	}
	if c.Backend.SecretKey == "" {
		return fmt.Errorf("backend.secret_key is required")
	}
	return nil
}
