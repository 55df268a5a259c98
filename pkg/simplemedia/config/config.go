// Package config assembles a media pipeline from functional options and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/cleanup"
	"github.com/tendant/simple-media/pkg/simplemedia/ratelimit"
	"github.com/tendant/simple-media/pkg/simplemedia/transform"
	"github.com/tendant/simple-media/pkg/simplemedia/variants"
)

// Option applies configuration to a ServerConfig instance.
type Option func(*ServerConfig) error

// Load constructs a ServerConfig by applying the supplied options on top of library defaults.
func Load(opts ...Option) (*ServerConfig, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() ServerConfig {
	return ServerConfig{
		Port:         "8080",
		Environment:  "development",
		DatabaseType: "memory",
		Storage: StorageConfig{
			Type:   "memory",
			Config: map[string]interface{}{},
		},
		RateLimit: RateLimitConfig{
			Backend: "memory",
			Limit:   ratelimit.DefaultLimit,
			Window:  ratelimit.DefaultWindow,
		},
		Cleanup: cleanup.DefaultPolicy(),
		Variants: VariantConfig{
			Interval:       variants.DefaultInterval,
			Concurrency:    variants.DefaultConcurrency,
			PageSize:       variants.DefaultPageSize,
			FetchTimeout:   variants.DefaultFetchTimeout,
			WebPWidth:      variants.DefaultWebPWidth,
			JPEGQuality:    85,
			MaxPixels:      transform.DefaultMaxPixels,
			MaxSourceBytes: variants.DefaultMaxSourceBytes,
		},
		NATSSubjectPrefix:  "media",
		FieldConfigs:       simplemedia.StaticFieldConfigs{},
		EnableEventLogging: true,
	}
}

// ServerConfig represents the configuration of the media pipeline
type ServerConfig struct {
	Port        string
	Environment string // development, production, testing

	// Database configuration
	DatabaseURL  string
	DatabaseType string // "memory", "postgres"
	DBSchema     string // Postgres schema to use (empty keeps the server default)

	// Storage configuration
	Storage    StorageConfig
	CDNBaseURL string

	// Delegated uploads for the filesystem backend
	SignatureSecret string

	RateLimit RateLimitConfig
	RedisURL  string

	// Lifecycle events
	NATSURL            string
	NATSSubjectPrefix  string
	EnableEventLogging bool

	Cleanup      cleanup.Policy
	Variants     VariantConfig
	FieldConfigs simplemedia.StaticFieldConfigs

	AllowedOrigins []string
	EnableAdminAPI bool
}

// StorageConfig represents configuration for the object store
type StorageConfig struct {
	Type   string // "memory", "fs", "s3", "minio"
	Config map[string]interface{}
}

// RateLimitConfig configures the per-requester upload limit
type RateLimitConfig struct {
	Backend string // "memory", "redis", "none"
	Limit   int
	Window  time.Duration
}

// VariantConfig configures the variant worker
type VariantConfig struct {
	Interval     time.Duration // time between scheduled passes in serve
	Concurrency  int
	PageSize     int
	FetchTimeout time.Duration
	WebPWidth    int
	JPEGQuality  int

	// Sources over either limit are skipped without being decoded
	MaxPixels      int64
	MaxSourceBytes int64
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}

	if c.DatabaseType != "memory" && c.DatabaseType != "postgres" {
		return errors.New("database_type must be 'memory' or 'postgres'")
	}

	if c.DatabaseType == "postgres" && c.DatabaseURL == "" {
		return errors.New("database_url is required when using postgres")
	}

	switch c.Storage.Type {
	case "memory":
	case "fs":
		if getString(c.Storage.Config, "base_dir", "") == "" {
			return errors.New("base_dir is required for fs storage")
		}
	case "s3", "minio":
		if getString(c.Storage.Config, "bucket", "") == "" {
			return fmt.Errorf("bucket is required for %s storage", c.Storage.Type)
		}
		if c.Storage.Type == "minio" && getString(c.Storage.Config, "endpoint", "") == "" {
			return errors.New("endpoint is required for minio storage")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}

	switch c.RateLimit.Backend {
	case "memory", "none":
	case "redis":
		if c.RedisURL == "" {
			return errors.New("redis_url is required for the redis rate limiter")
		}
	default:
		return fmt.Errorf("unsupported rate limit backend: %s", c.RateLimit.Backend)
	}
	if c.RateLimit.Backend != "none" && (c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0) {
		return errors.New("rate limit and window must be positive")
	}

	if c.Cleanup.Interval <= 0 || c.Cleanup.OrphanAfter <= 0 || c.Cleanup.OrphanRetention <= 0 || c.Cleanup.UsedRetention <= 0 {
		return errors.New("cleanup interval and thresholds must be positive")
	}

	if c.Variants.Concurrency <= 0 {
		return errors.New("variant concurrency must be positive")
	}
	if c.Variants.Interval <= 0 || c.Variants.MaxPixels <= 0 || c.Variants.MaxSourceBytes <= 0 {
		return errors.New("variant interval and source limits must be positive")
	}

	return nil
}

func getString(config map[string]interface{}, key string, defaultValue string) string {
	if value, exists := config[key]; exists {
		if str, ok := value.(string); ok {
			return str
		}
	}
	return defaultValue
}

func getBool(config map[string]interface{}, key string, defaultValue bool) bool {
	if value, exists := config[key]; exists {
		if b, ok := value.(bool); ok {
			return b
		}
		if str, ok := value.(string); ok {
			if b, err := strconv.ParseBool(str); err == nil {
				return b
			}
		}
	}
	return defaultValue
}
