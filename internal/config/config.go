// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Metadata ("postgres" or "memory")
	MetadataBackend string
	DatabaseURL     string

	// Blob storage ("s3", "minio" or "local")
	BlobBackend      string
	S3Endpoint       string
	S3Bucket         string
	S3AccessKey      string
	S3SecretKey      string
	S3Region         string
	S3UseSSL         bool
	LocalStoragePath string

	// Links
	LinkTTL          time.Duration
	LinkRefreshAfter time.Duration

	// Download attempts per blob, 1 disables retries
	DownloadAttempts int

	// Uploads
	ChunkThreshold int
	MaxUploadSize  int64
	TempDir        string

	// Auth
	JWTSecret     string
	OIDCIssuerURL string
	OIDCClientID  string

	// Directory locks ("memory" or "redis")
	LockBackend string
	RedisURL    string
	LockTTL     time.Duration

	// Rate limiting (0 = unlimited)
	RequestsPerMinute int
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:       envOr("METRICS_ADDR", ":9090"),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		LogFormat:         envOr("LOG_FORMAT", "json"),
		MetadataBackend:   envOr("METADATA_BACKEND", "postgres"),
		DatabaseURL:       envOr("DATABASE_URL", ""),
		BlobBackend:       envOr("BLOB_BACKEND", "local"),
		S3Endpoint:        envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:          envOr("S3_BUCKET", "mycloud"),
		S3AccessKey:       envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:       envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:          envOr("S3_REGION", "us-east-1"),
		S3UseSSL:          envBool("S3_USE_SSL", false),
		LocalStoragePath:  envOr("LOCAL_STORAGE_PATH", "/data/blobs"),
		LinkTTL:           envDuration("LINK_TTL", 24*time.Hour),
		LinkRefreshAfter:  envDuration("LINK_REFRESH_AFTER", time.Hour),
		DownloadAttempts:  envInt("DOWNLOAD_ATTEMPTS", 3),
		ChunkThreshold:    envInt("CHUNK_THRESHOLD", 20*1024*1024), // 20MiB
		MaxUploadSize:     envInt64("MAX_UPLOAD_SIZE", 100*1024*1024),
		TempDir:           envOr("TEMP_DIR", os.TempDir()),
		JWTSecret:         envOr("JWT_SECRET", ""),
		OIDCIssuerURL:     envOr("OIDC_ISSUER_URL", ""),
		OIDCClientID:      envOr("OIDC_CLIENT_ID", ""),
		LockBackend:       envOr("LOCK_BACKEND", "memory"),
		RedisURL:          envOr("REDIS_URL", "redis://localhost:6379/0"),
		LockTTL:           envDuration("LOCK_TTL", 30*time.Second),
		RequestsPerMinute: envInt("REQUESTS_PER_MINUTE", 0),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.MetadataBackend {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown METADATA_BACKEND %q", c.MetadataBackend)
	}

	switch c.BlobBackend {
	case "s3", "minio", "local":
	default:
		return fmt.Errorf("unknown BLOB_BACKEND %q", c.BlobBackend)
	}

	switch c.LockBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown LOCK_BACKEND %q", c.LockBackend)
	}

	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.DownloadAttempts < 1 {
		return fmt.Errorf("DOWNLOAD_ATTEMPTS must be at least 1")
	}
	if c.ChunkThreshold <= 0 {
		return fmt.Errorf("CHUNK_THRESHOLD must be positive")
	}
	if c.LinkTTL < c.LinkRefreshAfter {
		return fmt.Errorf("LINK_TTL (%s) must not be shorter than LINK_REFRESH_AFTER (%s)", c.LinkTTL, c.LinkRefreshAfter)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
