package publish

import (
	"fmt"
	"strconv"
	"time"

	"github.com/bitrise-io/go-artifactupload/publish/splitter"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
)

const (
	defaultNThreads          = 4
	defaultMaxAttempts       = 5
	defaultBaseDelay         = 500 * time.Millisecond
	defaultURLMaxChunkSize   = 100
	defaultMinPartSize       = 8 * 1024 * 1024
	defaultConnectionTimeout = 60 * time.Second
	defaultURLTTL            = 60 * time.Second
)

// Config controls a Publisher. The zero value is not usable, start from
// DefaultConfig or NewConfigFromEnv.
type Config struct {
	// PathPrefix is prepended to every normalized artifact path to form the
	// S3 object key.
	PathPrefix string

	// NThreads is the upload worker count. The HTTP connection pools are
	// sized to it.
	NThreads int

	// MaxAttempts and BaseDelay form the retry budget of every remote call.
	MaxAttempts int
	BaseDelay   time.Duration

	// PresignedURLMaxChunkSize caps how many object keys go into a single
	// broker batch request.
	PresignedURLMaxChunkSize int

	// MinPartSize is the multipart part size. Values below the S3 minimum
	// of 5 MB are raised to it.
	MinPartSize int64

	// MultipartThreshold is the file size at and above which multipart
	// upload is used. Never below MinPartSize.
	MultipartThreshold int64

	// MultipartEnabled gates multipart uploads entirely.
	MultipartEnabled bool

	ConnectionTimeout time.Duration

	// URLTTL is how long a batch of presigned URLs is served from cache.
	URLTTL time.Duration

	// ConsistencyCheckEnabled compares the local MD5 with the S3 ETag of
	// every PUT.
	ConsistencyCheckEnabled bool
}

// DefaultConfig returns the configuration used when nothing is customized.
func DefaultConfig() Config {
	return Config{
		NThreads:                 defaultNThreads,
		MaxAttempts:              defaultMaxAttempts,
		BaseDelay:                defaultBaseDelay,
		PresignedURLMaxChunkSize: defaultURLMaxChunkSize,
		MinPartSize:              defaultMinPartSize,
		MultipartThreshold:       2 * defaultMinPartSize,
		MultipartEnabled:         true,
		ConnectionTimeout:        defaultConnectionTimeout,
		URLTTL:                   defaultURLTTL,
		ConsistencyCheckEnabled:  true,
	}
}

// withDefaults fills unset fields and enforces the S3 floors.
func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.NThreads < 1 {
		c.NThreads = defaults.NThreads
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaults.BaseDelay
	}
	if c.PresignedURLMaxChunkSize < 1 {
		c.PresignedURLMaxChunkSize = defaults.PresignedURLMaxChunkSize
	}
	if c.MinPartSize < splitter.MinPartSize {
		c.MinPartSize = splitter.MinPartSize
	}
	if c.MultipartThreshold < c.MinPartSize {
		c.MultipartThreshold = c.MinPartSize
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = defaults.ConnectionTimeout
	}
	if c.URLTTL <= 0 {
		c.URLTTL = defaults.URLTTL
	}
	return c
}

// Environment variables recognized by NewConfigFromEnv.
const (
	envPathPrefix         = "ARTIFACT_UPLOAD_PATH_PREFIX"
	envNThreads           = "ARTIFACT_UPLOAD_NTHREADS"
	envMaxAttempts        = "ARTIFACT_UPLOAD_MAX_ATTEMPTS"
	envBaseDelay          = "ARTIFACT_UPLOAD_RETRY_BASE_DELAY"
	envURLMaxChunkSize    = "ARTIFACT_UPLOAD_URL_CHUNK_SIZE"
	envMinPartSize        = "ARTIFACT_UPLOAD_MIN_PART_SIZE"
	envMultipartThreshold = "ARTIFACT_UPLOAD_MULTIPART_THRESHOLD"
	envMultipartEnabled   = "ARTIFACT_UPLOAD_MULTIPART_ENABLED"
	envConnectionTimeout  = "ARTIFACT_UPLOAD_CONNECTION_TIMEOUT"
	envURLTTL             = "ARTIFACT_UPLOAD_URL_TTL"
	envConsistencyCheck   = "ARTIFACT_UPLOAD_CONSISTENCY_CHECK"
)

// NewConfigFromEnv builds a Config from the environment. Size values accept
// human-readable forms like "8MB", durations the usual "30s" notation.
// Unset variables keep their defaults.
func NewConfigFromEnv(envRepo env.Repository) (Config, error) {
	cfg := DefaultConfig()
	cfg.PathPrefix = envRepo.Get(envPathPrefix)

	var err error
	if cfg.NThreads, err = intFromEnv(envRepo, envNThreads, cfg.NThreads); err != nil {
		return Config{}, err
	}
	if cfg.MaxAttempts, err = intFromEnv(envRepo, envMaxAttempts, cfg.MaxAttempts); err != nil {
		return Config{}, err
	}
	if cfg.BaseDelay, err = durationFromEnv(envRepo, envBaseDelay, cfg.BaseDelay); err != nil {
		return Config{}, err
	}
	if cfg.PresignedURLMaxChunkSize, err = intFromEnv(envRepo, envURLMaxChunkSize, cfg.PresignedURLMaxChunkSize); err != nil {
		return Config{}, err
	}
	if cfg.MinPartSize, err = sizeFromEnv(envRepo, envMinPartSize, cfg.MinPartSize); err != nil {
		return Config{}, err
	}
	if cfg.MultipartThreshold, err = sizeFromEnv(envRepo, envMultipartThreshold, cfg.MultipartThreshold); err != nil {
		return Config{}, err
	}
	if cfg.MultipartEnabled, err = boolFromEnv(envRepo, envMultipartEnabled, cfg.MultipartEnabled); err != nil {
		return Config{}, err
	}
	if cfg.ConnectionTimeout, err = durationFromEnv(envRepo, envConnectionTimeout, cfg.ConnectionTimeout); err != nil {
		return Config{}, err
	}
	if cfg.URLTTL, err = durationFromEnv(envRepo, envURLTTL, cfg.URLTTL); err != nil {
		return Config{}, err
	}
	if cfg.ConsistencyCheckEnabled, err = boolFromEnv(envRepo, envConsistencyCheck, cfg.ConsistencyCheckEnabled); err != nil {
		return Config{}, err
	}

	return cfg.withDefaults(), nil
}

func intFromEnv(envRepo env.Repository, key string, fallback int) (int, error) {
	raw := envRepo.Get(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", key, raw, err)
	}
	return value, nil
}

func boolFromEnv(envRepo env.Repository, key string, fallback bool) (bool, error) {
	raw := envRepo.Get(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parse %s=%q: %w", key, raw, err)
	}
	return value, nil
}

func durationFromEnv(envRepo env.Repository, key string, fallback time.Duration) (time.Duration, error) {
	raw := envRepo.Get(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", key, raw, err)
	}
	return value, nil
}

func sizeFromEnv(envRepo env.Repository, key string, fallback int64) (int64, error) {
	raw := envRepo.Get(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := units.RAMInBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", key, raw, err)
	}
	return value, nil
}
