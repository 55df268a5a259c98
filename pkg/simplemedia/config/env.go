package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

// WithEnv applies environment variable overrides using the provided prefix.
//
// Server:
//
//	PORT, ENVIRONMENT, ALLOWED_ORIGINS (comma separated)
//
// Database:
//
//	DATABASE_URL - "memory" (default) or "postgres://..."
//	DB_SCHEMA    - Postgres search_path
//
// Storage:
//
//	STORAGE_URL - one of:
//	  "memory://"                                       in-memory (default)
//	  "file:///path/to/data"                            filesystem
//	  "s3://bucket?region=us-east-1&endpoint=...&path_style=true&accelerate=true"
//	  "minio://host:9000/bucket?ssl=false"
//	CDN_BASE_URL, SIGNATURE_SECRET
//	AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY, AWS_REGION (unprefixed, for s3)
//	MINIO_ACCESS_KEY, MINIO_SECRET_KEY (for minio)
//
// Intake:
//
//	RATE_LIMIT_BACKEND (memory|redis|none), RATE_LIMIT, RATE_LIMIT_WINDOW, REDIS_URL
//	FIELD_CONFIG - JSON object keyed by "formId/fieldName"
//
// Background jobs:
//
//	CLEANUP_INTERVAL, ORPHAN_AFTER, ORPHAN_RETENTION, USED_RETENTION
//	VARIANT_INTERVAL, VARIANT_CONCURRENCY, VARIANT_PAGE_SIZE, VARIANT_MAX_PIXELS
//
// Events:
//
//	NATS_URL, NATS_SUBJECT_PREFIX, ENABLE_EVENT_LOGGING
//
// Operations:
//
//	ENABLE_ADMIN_API
func WithEnv(prefix string) Option {
	return func(c *ServerConfig) error {
		if v, ok := lookupEnv(prefix, "PORT"); ok && v != "" {
			c.Port = v
		}
		if v, ok := lookupEnv(prefix, "ENVIRONMENT"); ok && v != "" {
			c.Environment = v
		}
		if v, ok := lookupEnv(prefix, "ALLOWED_ORIGINS"); ok && v != "" {
			c.AllowedOrigins = splitList(v)
		}

		if err := applyDatabaseEnv(prefix, c); err != nil {
			return err
		}
		if err := applyStorageEnv(prefix, c); err != nil {
			return err
		}
		if err := applyIntakeEnv(prefix, c); err != nil {
			return err
		}
		if err := applyJobsEnv(prefix, c); err != nil {
			return err
		}

		if v, ok := lookupEnv(prefix, "NATS_URL"); ok && v != "" {
			c.NATSURL = v
		}
		if v, ok := lookupEnv(prefix, "NATS_SUBJECT_PREFIX"); ok && v != "" {
			c.NATSSubjectPrefix = v
		}
		if v, ok := lookupEnv(prefix, "ENABLE_EVENT_LOGGING"); ok && v != "" {
			enabled, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid ENABLE_EVENT_LOGGING: %w", err)
			}
			c.EnableEventLogging = enabled
		}
		if v, ok := lookupEnv(prefix, "ENABLE_ADMIN_API"); ok && v != "" {
			enabled, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid ENABLE_ADMIN_API: %w", err)
			}
			c.EnableAdminAPI = enabled
		}
		return nil
	}
}

// applyDatabaseEnv applies database configuration from environment
func applyDatabaseEnv(prefix string, c *ServerConfig) error {
	if v, ok := lookupEnv(prefix, "DB_SCHEMA"); ok {
		c.DBSchema = v
	}

	dbURL, hasURL := lookupEnv(prefix, "DATABASE_URL")
	if !hasURL || dbURL == "" || dbURL == "memory" {
		c.DatabaseType = "memory"
		c.DatabaseURL = ""
		return nil
	}

	if strings.HasPrefix(dbURL, "postgresql://") || strings.HasPrefix(dbURL, "postgres://") {
		c.DatabaseType = "postgres"
		c.DatabaseURL = dbURL
		return nil
	}
	return fmt.Errorf("unsupported DATABASE_URL format: %s (use 'memory' or 'postgres://...')", dbURL)
}

// applyStorageEnv applies storage configuration from environment
func applyStorageEnv(prefix string, c *ServerConfig) error {
	if v, ok := lookupEnv(prefix, "SIGNATURE_SECRET"); ok {
		c.SignatureSecret = v
	}

	storageURL, hasURL := lookupEnv(prefix, "STORAGE_URL")
	switch {
	case !hasURL || storageURL == "" || storageURL == "memory" || storageURL == "memory://":
		c.Storage = StorageConfig{Type: "memory", Config: map[string]interface{}{}}
	case strings.HasPrefix(storageURL, "file://"):
		if err := applyFilesystemStorage(storageURL, c); err != nil {
			return err
		}
	case strings.HasPrefix(storageURL, "s3://"):
		if err := applyS3Storage(storageURL, c); err != nil {
			return err
		}
	case strings.HasPrefix(storageURL, "minio://"):
		if err := applyMinioStorage(storageURL, c); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported STORAGE_URL format: %s (use 'memory://', 'file://...', 's3://...' or 'minio://...')", storageURL)
	}

	if v, ok := lookupEnv(prefix, "CDN_BASE_URL"); ok && v != "" {
		return WithCDNBaseURL(v)(c)
	}
	return nil
}

// applyFilesystemStorage configures filesystem storage from URL
// Format: file:///path/to/data
func applyFilesystemStorage(raw string, c *ServerConfig) error {
	path := strings.TrimPrefix(raw, "file://")
	if path == "" {
		return fmt.Errorf("filesystem path cannot be empty in STORAGE_URL")
	}
	c.Storage = StorageConfig{
		Type:   "fs",
		Config: map[string]interface{}{"base_dir": path},
	}
	return nil
}

// applyS3Storage configures S3 storage from URL
// Format: s3://bucket?region=us-east-1&endpoint=http://localhost:4566&path_style=true
func applyS3Storage(raw string, c *ServerConfig) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid STORAGE_URL: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("S3 bucket name cannot be empty in STORAGE_URL")
	}

	q := u.Query()
	region := q.Get("region")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	cfg := map[string]interface{}{
		"bucket": u.Host,
		"region": region,
	}
	if v := q.Get("endpoint"); v != "" {
		cfg["endpoint"] = v
	}
	if v := q.Get("path_style"); v != "" {
		cfg["use_path_style"] = v
	}
	if v := q.Get("accelerate"); v != "" {
		cfg["use_accelerate"] = v
	}
	if accessKey, ok := os.LookupEnv("AWS_ACCESS_KEY_ID"); ok && accessKey != "" {
		cfg["access_key_id"] = accessKey
	}
	if secretKey, ok := os.LookupEnv("AWS_SECRET_ACCESS_KEY"); ok && secretKey != "" {
		cfg["secret_access_key"] = secretKey
	}

	c.Storage = StorageConfig{Type: "s3", Config: cfg}
	return nil
}

// applyMinioStorage configures MinIO storage from URL
// Format: minio://host:9000/bucket?ssl=false
func applyMinioStorage(raw string, c *ServerConfig) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid STORAGE_URL: %w", err)
	}
	bucket := strings.Trim(u.Path, "/")
	if u.Host == "" || bucket == "" {
		return fmt.Errorf("minio STORAGE_URL needs a host and a bucket")
	}

	cfg := map[string]interface{}{
		"endpoint": u.Host,
		"bucket":   bucket,
		"use_ssl":  u.Query().Get("ssl") != "false",
	}
	if v, ok := os.LookupEnv("MINIO_ACCESS_KEY"); ok {
		cfg["access_key"] = v
	}
	if v, ok := os.LookupEnv("MINIO_SECRET_KEY"); ok {
		cfg["secret_key"] = v
	}

	c.Storage = StorageConfig{Type: "minio", Config: cfg}
	return nil
}

func applyIntakeEnv(prefix string, c *ServerConfig) error {
	if v, ok := lookupEnv(prefix, "RATE_LIMIT_BACKEND"); ok && v != "" {
		c.RateLimit.Backend = v
	}
	if n, ok, err := parseIntEnv(prefix, "RATE_LIMIT"); err != nil {
		return err
	} else if ok {
		c.RateLimit.Limit = n
	}
	if d, ok, err := parseDurationEnv(prefix, "RATE_LIMIT_WINDOW"); err != nil {
		return err
	} else if ok {
		c.RateLimit.Window = d
	}
	if v, ok := lookupEnv(prefix, "REDIS_URL"); ok && v != "" {
		c.RedisURL = v
	}

	if raw, ok := lookupEnv(prefix, "FIELD_CONFIG"); ok && raw != "" {
		var fields map[string]simplemedia.FieldConfig
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return fmt.Errorf("invalid JSON for %sFIELD_CONFIG: %w", prefix, err)
		}
		if c.FieldConfigs == nil {
			c.FieldConfigs = simplemedia.StaticFieldConfigs{}
		}
		for k, v := range fields {
			c.FieldConfigs[k] = v
		}
	}
	return nil
}

func applyJobsEnv(prefix string, c *ServerConfig) error {
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"CLEANUP_INTERVAL", &c.Cleanup.Interval},
		{"ORPHAN_AFTER", &c.Cleanup.OrphanAfter},
		{"ORPHAN_RETENTION", &c.Cleanup.OrphanRetention},
		{"USED_RETENTION", &c.Cleanup.UsedRetention},
		{"VARIANT_INTERVAL", &c.Variants.Interval},
	}
	for _, d := range durations {
		v, ok, err := parseDurationEnv(prefix, d.key)
		if err != nil {
			return err
		}
		if ok {
			*d.dst = v
		}
	}

	if n, ok, err := parseIntEnv(prefix, "VARIANT_CONCURRENCY"); err != nil {
		return err
	} else if ok {
		c.Variants.Concurrency = n
	}
	if n, ok, err := parseIntEnv(prefix, "VARIANT_PAGE_SIZE"); err != nil {
		return err
	} else if ok {
		c.Variants.PageSize = n
	}
	if n, ok, err := parseIntEnv(prefix, "VARIANT_MAX_PIXELS"); err != nil {
		return err
	} else if ok {
		c.Variants.MaxPixels = int64(n)
	}
	return nil
}

func lookupEnv(prefix, key string) (string, bool) {
	return os.LookupEnv(prefix + key)
}

func parseIntEnv(prefix, key string) (int, bool, error) {
	raw, ok := lookupEnv(prefix, key)
	if !ok || raw == "" {
		return 0, false, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("invalid integer for %s%s: %w", prefix, key, err)
	}
	return parsed, true, nil
}

func parseDurationEnv(prefix, key string) (time.Duration, bool, error) {
	raw, ok := lookupEnv(prefix, key)
	if !ok || raw == "" {
		return 0, false, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, fmt.Errorf("invalid duration for %s%s: %w", prefix, key, err)
	}
	return parsed, true, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
