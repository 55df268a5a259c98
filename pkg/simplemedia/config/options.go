package config

import (
	"fmt"
	"time"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/cleanup"
)

// WithPort sets the server port
func WithPort(port string) Option {
	return func(c *ServerConfig) error {
		if port == "" {
			return fmt.Errorf("port cannot be empty")
		}
		c.Port = port
		return nil
	}
}

// WithEnvironment sets the environment (development, production, testing)
func WithEnvironment(env string) Option {
	return func(c *ServerConfig) error {
		if env == "" {
			return fmt.Errorf("environment cannot be empty")
		}
		c.Environment = env
		return nil
	}
}

// WithDatabase configures the database backend
func WithDatabase(dbType, url string) Option {
	return func(c *ServerConfig) error {
		if dbType != "memory" && dbType != "postgres" {
			return fmt.Errorf("database type must be 'memory' or 'postgres', got: %s", dbType)
		}
		if dbType == "postgres" && url == "" {
			return fmt.Errorf("database URL is required for postgres")
		}
		c.DatabaseType = dbType
		c.DatabaseURL = url
		return nil
	}
}

// WithDatabaseSchema sets the database schema (for Postgres)
func WithDatabaseSchema(schema string) Option {
	return func(c *ServerConfig) error {
		c.DBSchema = schema
		return nil
	}
}

// WithMemoryStorage selects the in-memory object store
func WithMemoryStorage() Option {
	return func(c *ServerConfig) error {
		c.Storage = StorageConfig{Type: "memory", Config: map[string]interface{}{}}
		return nil
	}
}

// WithFilesystemStorage selects the filesystem object store. A non-empty
// secretKey enables signed delegated uploads.
func WithFilesystemStorage(baseDir, urlPrefix, secretKey string) Option {
	return func(c *ServerConfig) error {
		if baseDir == "" {
			return fmt.Errorf("filesystem base directory cannot be empty")
		}
		c.Storage = StorageConfig{
			Type: "fs",
			Config: map[string]interface{}{
				"base_dir":   baseDir,
				"url_prefix": urlPrefix,
			},
		}
		if secretKey != "" {
			c.SignatureSecret = secretKey
		}
		return nil
	}
}

// WithS3Storage selects the S3 object store
func WithS3Storage(bucket, region string) Option {
	return func(c *ServerConfig) error {
		if bucket == "" {
			return fmt.Errorf("S3 bucket cannot be empty")
		}
		if region == "" {
			region = "us-east-1"
		}
		c.Storage = StorageConfig{
			Type: "s3",
			Config: map[string]interface{}{
				"bucket": bucket,
				"region": region,
			},
		}
		return nil
	}
}

// WithS3Credentials sets static credentials for S3 storage
func WithS3Credentials(accessKeyID, secretAccessKey string) Option {
	return func(c *ServerConfig) error {
		if c.Storage.Type != "s3" {
			return fmt.Errorf("S3 credentials require S3 storage, got: %s", c.Storage.Type)
		}
		c.Storage.Config["access_key_id"] = accessKeyID
		c.Storage.Config["secret_access_key"] = secretAccessKey
		return nil
	}
}

// WithS3Endpoint sets a custom S3 endpoint (LocalStack, R2, ...)
func WithS3Endpoint(endpoint string, usePathStyle bool) Option {
	return func(c *ServerConfig) error {
		if c.Storage.Type != "s3" {
			return fmt.Errorf("S3 endpoint requires S3 storage, got: %s", c.Storage.Type)
		}
		c.Storage.Config["endpoint"] = endpoint
		c.Storage.Config["use_path_style"] = usePathStyle
		return nil
	}
}

// WithS3Acceleration issues delegated upload URLs on the transfer acceleration endpoint
func WithS3Acceleration(enabled bool) Option {
	return func(c *ServerConfig) error {
		if c.Storage.Type != "s3" {
			return fmt.Errorf("S3 acceleration requires S3 storage, got: %s", c.Storage.Type)
		}
		c.Storage.Config["use_accelerate"] = enabled
		return nil
	}
}

// WithMinioStorage selects a MinIO object store
func WithMinioStorage(endpoint, bucket, accessKey, secretKey string, useSSL bool) Option {
	return func(c *ServerConfig) error {
		if endpoint == "" || bucket == "" {
			return fmt.Errorf("minio endpoint and bucket cannot be empty")
		}
		c.Storage = StorageConfig{
			Type: "minio",
			Config: map[string]interface{}{
				"endpoint":   endpoint,
				"bucket":     bucket,
				"access_key": accessKey,
				"secret_key": secretKey,
				"use_ssl":    useSSL,
			},
		}
		return nil
	}
}

// WithCDNBaseURL sets the public base URL returned for stored objects
func WithCDNBaseURL(url string) Option {
	return func(c *ServerConfig) error {
		c.CDNBaseURL = url
		if c.Storage.Config != nil && (c.Storage.Type == "s3" || c.Storage.Type == "minio") {
			c.Storage.Config["public_base_url"] = url
		}
		return nil
	}
}

// WithRateLimit configures the per-requester upload limit.
// backend is "memory", "redis" or "none".
func WithRateLimit(backend string, limit int, window time.Duration) Option {
	return func(c *ServerConfig) error {
		if backend != "memory" && backend != "redis" && backend != "none" {
			return fmt.Errorf("rate limit backend must be 'memory', 'redis' or 'none', got: %s", backend)
		}
		c.RateLimit.Backend = backend
		if limit > 0 {
			c.RateLimit.Limit = limit
		}
		if window > 0 {
			c.RateLimit.Window = window
		}
		return nil
	}
}

// WithRedis sets the Redis URL used by the redis rate limiter
func WithRedis(url string) Option {
	return func(c *ServerConfig) error {
		if url == "" {
			return fmt.Errorf("redis URL cannot be empty")
		}
		c.RedisURL = url
		return nil
	}
}

// WithNATS publishes lifecycle events to a NATS server
func WithNATS(url, subjectPrefix string) Option {
	return func(c *ServerConfig) error {
		if url == "" {
			return fmt.Errorf("NATS URL cannot be empty")
		}
		c.NATSURL = url
		if subjectPrefix != "" {
			c.NATSSubjectPrefix = subjectPrefix
		}
		return nil
	}
}

// WithEventLogging enables or disables debug logging of lifecycle events
func WithEventLogging(enabled bool) Option {
	return func(c *ServerConfig) error {
		c.EnableEventLogging = enabled
		return nil
	}
}

// WithCleanupPolicy overrides the cleanup thresholds. Zero fields keep their current value.
func WithCleanupPolicy(p cleanup.Policy) Option {
	return func(c *ServerConfig) error {
		if p.Interval < 0 || p.OrphanAfter < 0 || p.OrphanRetention < 0 || p.UsedRetention < 0 {
			return fmt.Errorf("cleanup durations cannot be negative")
		}
		if p.Interval > 0 {
			c.Cleanup.Interval = p.Interval
		}
		if p.OrphanAfter > 0 {
			c.Cleanup.OrphanAfter = p.OrphanAfter
		}
		if p.OrphanRetention > 0 {
			c.Cleanup.OrphanRetention = p.OrphanRetention
		}
		if p.UsedRetention > 0 {
			c.Cleanup.UsedRetention = p.UsedRetention
		}
		if p.DeleteTimeout > 0 {
			c.Cleanup.DeleteTimeout = p.DeleteTimeout
		}
		return nil
	}
}

// WithVariantWorker overrides the variant worker settings. Zero fields keep their current value.
func WithVariantWorker(v VariantConfig) Option {
	return func(c *ServerConfig) error {
		if v.Interval < 0 || v.FetchTimeout < 0 || v.MaxPixels < 0 || v.MaxSourceBytes < 0 {
			return fmt.Errorf("variant worker settings cannot be negative")
		}
		if v.Interval > 0 {
			c.Variants.Interval = v.Interval
		}
		if v.Concurrency > 0 {
			c.Variants.Concurrency = v.Concurrency
		}
		if v.MaxPixels > 0 {
			c.Variants.MaxPixels = v.MaxPixels
		}
		if v.MaxSourceBytes > 0 {
			c.Variants.MaxSourceBytes = v.MaxSourceBytes
		}
		if v.PageSize > 0 {
			c.Variants.PageSize = v.PageSize
		}
		if v.FetchTimeout > 0 {
			c.Variants.FetchTimeout = v.FetchTimeout
		}
		if v.WebPWidth > 0 {
			c.Variants.WebPWidth = v.WebPWidth
		}
		if v.JPEGQuality > 0 {
			if v.JPEGQuality > 100 {
				return fmt.Errorf("JPEG quality must be between 1 and 100, got: %d", v.JPEGQuality)
			}
			c.Variants.JPEGQuality = v.JPEGQuality
		}
		return nil
	}
}

// WithFieldConfig declares the upload policy of one form field.
// fieldName "*" applies to every field of the form.
func WithFieldConfig(formID, fieldName string, fc simplemedia.FieldConfig) Option {
	return func(c *ServerConfig) error {
		if formID == "" || fieldName == "" {
			return fmt.Errorf("form ID and field name cannot be empty")
		}
		if c.FieldConfigs == nil {
			c.FieldConfigs = simplemedia.StaticFieldConfigs{}
		}
		c.FieldConfigs[formID+"/"+fieldName] = fc
		return nil
	}
}

// WithAllowedOrigins sets the CORS origins of the HTTP surface
func WithAllowedOrigins(origins ...string) Option {
	return func(c *ServerConfig) error {
		c.AllowedOrigins = origins
		return nil
	}
}

// WithAdminAPI enables or disables the read-only /admin endpoints
func WithAdminAPI(enabled bool) Option {
	return func(c *ServerConfig) error {
		c.EnableAdminAPI = enabled
		return nil
	}
}
