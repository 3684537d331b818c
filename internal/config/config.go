package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	PostgresHost     string
	PostgresPort     string
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string

	RedisURL string

	// S3Endpoint empty means local-filesystem object storage.
	S3Endpoint       string
	S3Region         string
	S3AccessKey      string
	S3SecretKey      string
	BucketPrefix     string
	LocalStorageRoot string

	// PublicBaseURL prefixes signed URLs produced by the local driver.
	PublicBaseURL   string
	SignatureSecret string

	CORSOrigin string

	MaxUploadBytes int64
	SignedURLTTL   time.Duration
	ThumbCacheTTL  time.Duration
	LifecycleTTL   time.Duration
	LockTTL        time.Duration
}

func Load() *Config {
	return &Config{
		Port:              getEnv("PORT", "8080"),
		ReadTimeout:       getEnvDurationSeconds("HTTP_READ_TIMEOUT_SECONDS", 30),
		ReadHeaderTimeout: getEnvDurationSeconds("HTTP_READ_HEADER_TIMEOUT_SECONDS", 5),
		WriteTimeout:      getEnvDurationSeconds("HTTP_WRITE_TIMEOUT_SECONDS", 60),
		IdleTimeout:       getEnvDurationSeconds("HTTP_IDLE_TIMEOUT_SECONDS", 120),
		MaxHeaderBytes:    getEnvInt("HTTP_MAX_HEADER_BYTES", 1<<20),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDB:       getEnv("POSTGRES_DB", "atelier"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		S3Endpoint:       getEnv("S3_ENDPOINT", ""),
		S3Region:         getEnv("S3_REGION", "us-east-1"),
		S3AccessKey:      getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:      getEnv("S3_SECRET_KEY", ""),
		BucketPrefix:     getEnv("BUCKET_PREFIX", "atelier"),
		LocalStorageRoot: getEnv("LOCAL_STORAGE_ROOT", "./data"),

		PublicBaseURL:   getEnv("PUBLIC_BASE_URL", "http://localhost:"+getEnv("PORT", "8080")),
		SignatureSecret: getEnv("SIGNATURE_SECRET", ""),

		CORSOrigin: getEnv("CORS_ORIGIN", "*"),

		MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_BYTES", 10<<20)),
		SignedURLTTL:   getEnvDurationSeconds("SIGNED_URL_TTL_SECONDS", 3600),
		ThumbCacheTTL:  getEnvDurationSeconds("THUMB_CACHE_TTL_SECONDS", 3600),
		LifecycleTTL:   getEnvDurationSeconds("LIFECYCLE_TTL_SECONDS", 86400),
		LockTTL:        getEnvDurationSeconds("LOCK_TTL_SECONDS", 30),
	}
}

// PostgresDSN builds the pgx connection string from the POSTGRES_* parts.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		url.QueryEscape(c.PostgresUser),
		url.QueryEscape(c.PostgresPassword),
		c.PostgresHost, c.PostgresPort, c.PostgresDB)
}

// LocalMode reports whether the object store runs on the local filesystem.
func (c *Config) LocalMode() bool {
	return c.S3Endpoint == ""
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return defaultValue
	}

	return parsed
}

func getEnvDurationSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}
