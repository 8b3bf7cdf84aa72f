// Package config loads configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mitchellh/go-homedir"

	"github.com/fruitsalade/drivemirror/internal/mutation"
	"github.com/fruitsalade/drivemirror/internal/refresher"
)

// Backend names.
const (
	BackendDrive = "drive"
	BackendS3    = "s3"
	BackendLocal = "local"
)

// Config holds all mirror configuration.
type Config struct {
	// Mirror
	Backend             string
	ContextKey          string
	RootFolder          string
	FolderCopy          mutation.FolderCopyPolicy
	RefreshMode         refresher.Mode
	Busy                mutation.BusyPolicy
	ListConcurrency     int
	PrefetchConcurrency int
	RefreshInterval     time.Duration

	// Content cache
	CacheDir     string
	CacheMaxSize int64

	// Drive
	DriveAPIURL       string
	DriveUploadURL    string
	DriveAccessToken  string
	DriveClientID     string
	DriveClientSecret string
	DriveRefreshToken string
	DriveTokenURL     string
	UploadChunkSize   int64

	// S3 storage
	S3Endpoint   string
	S3Bucket     string
	S3AccessKey  string
	S3SecretKey  string
	S3Region     string
	S3UseSSL     bool
	S3ConfigFile string

	// Local directory
	LocalRoot string

	// Logging
	LogLevel  string
	LogFormat string

	// Observability
	MetricsAddr string
	NATSURL     string
	NATSSubject string
}

// Load reads configuration from environment variables with defaults,
// applies overrides in order and validates the result.
func Load(overrides ...func(*Config)) (*Config, error) {
	folderCopy, err := mutation.ParseFolderCopyPolicy(os.Getenv("MIRROR_FOLDER_COPY"))
	if err != nil {
		return nil, fmt.Errorf("MIRROR_FOLDER_COPY: %w", err)
	}
	mode, err := refresher.ParseMode(os.Getenv("MIRROR_REFRESH_MODE"))
	if err != nil {
		return nil, fmt.Errorf("MIRROR_REFRESH_MODE: %w", err)
	}
	busy, err := mutation.ParseBusyPolicy(os.Getenv("MIRROR_BUSY_POLICY"))
	if err != nil {
		return nil, fmt.Errorf("MIRROR_BUSY_POLICY: %w", err)
	}

	cfg := &Config{
		Backend:             envOr("MIRROR_BACKEND", BackendDrive),
		ContextKey:          envOr("MIRROR_CONTEXT_KEY", ""),
		RootFolder:          envOr("MIRROR_ROOT_FOLDER", "TexFlow"),
		FolderCopy:          folderCopy,
		RefreshMode:         mode,
		Busy:                busy,
		ListConcurrency:     envInt("MIRROR_LIST_CONCURRENCY", 8),
		PrefetchConcurrency: envInt("MIRROR_PREFETCH_CONCURRENCY", 4),
		RefreshInterval:     envDuration("MIRROR_REFRESH_INTERVAL", 5*time.Minute),
		CacheDir:            envOr("CACHE_DIR", "~/.cache/drivemirror"),
		CacheMaxSize:        envInt64("CACHE_MAX_SIZE", 512*1024*1024), // 0 = unlimited
		DriveAPIURL:         envOr("DRIVE_API_URL", ""),
		DriveUploadURL:      envOr("DRIVE_UPLOAD_URL", ""),
		DriveAccessToken:    envOr("DRIVE_ACCESS_TOKEN", ""),
		DriveClientID:       envOr("DRIVE_CLIENT_ID", ""),
		DriveClientSecret:   envOr("DRIVE_CLIENT_SECRET", ""),
		DriveRefreshToken:   envOr("DRIVE_REFRESH_TOKEN", ""),
		DriveTokenURL:       envOr("DRIVE_TOKEN_URL", "https://oauth2.googleapis.com/token"),
		UploadChunkSize:     envInt64("UPLOAD_CHUNK_SIZE", 0), // 0 = client default
		S3Endpoint:          envOr("S3_ENDPOINT", ""),
		S3Bucket:            envOr("S3_BUCKET", ""),
		S3AccessKey:         envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:         envOr("S3_SECRET_KEY", ""),
		S3Region:            envOr("S3_REGION", "us-east-1"),
		S3UseSSL:            envBool("S3_USE_SSL", true),
		S3ConfigFile:        envOr("S3_CONFIG_FILE", ""),
		LocalRoot:           envOr("LOCAL_ROOT", ""),
		LogLevel:            envOr("LOG_LEVEL", "info"),
		LogFormat:           envOr("LOG_FORMAT", "console"),
		MetricsAddr:         envOr("METRICS_ADDR", ""),
		NATSURL:             envOr("NATS_URL", ""),
		NATSSubject:         envOr("NATS_SUBJECT", "drivemirror.events"),
	}
	for _, o := range overrides {
		o(cfg)
	}

	if cfg.CacheDir, err = homedir.Expand(cfg.CacheDir); err != nil {
		return nil, fmt.Errorf("CACHE_DIR: %w", err)
	}
	if cfg.LocalRoot, err = homedir.Expand(cfg.LocalRoot); err != nil {
		return nil, fmt.Errorf("LOCAL_ROOT: %w", err)
	}
	if cfg.Backend == BackendS3 && cfg.S3AccessKey == "" {
		if err := cfg.applyS3File(); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyS3File fills missing S3 settings from an s3cmd style file, if one
// exists.
func (c *Config) applyS3File() error {
	s3cfg, err := LoadS3Config(c.S3ConfigFile)
	if err != nil {
		if c.S3ConfigFile == "" && errors.Is(err, ErrNoS3Config) {
			return nil
		}
		return err
	}
	c.S3AccessKey = s3cfg.AccessKey
	c.S3SecretKey = s3cfg.SecretKey
	if c.S3Endpoint == "" {
		c.S3Endpoint = s3cfg.HostBase
		c.S3UseSSL = s3cfg.UseHTTPS
	}
	if os.Getenv("S3_REGION") == "" && s3cfg.Region != "" {
		c.S3Region = s3cfg.Region
	}
	return nil
}

// Validate checks the settings the selected backend requires.
func (c *Config) Validate() error {
	if c.ContextKey == "" {
		return fmt.Errorf("MIRROR_CONTEXT_KEY is required")
	}
	if c.ListConcurrency <= 0 {
		return fmt.Errorf("MIRROR_LIST_CONCURRENCY must be positive")
	}
	switch c.Backend {
	case BackendDrive:
		if c.DriveAccessToken == "" && c.DriveRefreshToken == "" {
			return fmt.Errorf("DRIVE_ACCESS_TOKEN or DRIVE_REFRESH_TOKEN is required")
		}
		if c.DriveRefreshToken != "" && (c.DriveClientID == "" || c.DriveClientSecret == "") {
			return fmt.Errorf("DRIVE_CLIENT_ID and DRIVE_CLIENT_SECRET are required with DRIVE_REFRESH_TOKEN")
		}
	case BackendS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required")
		}
	case BackendLocal:
		if c.LocalRoot == "" {
			return fmt.Errorf("LOCAL_ROOT is required")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
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
