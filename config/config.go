package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Role string // "api" or "worker"

	ListenAddr string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DatabaseURL string

	S3Bucket       string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3Endpoint     string
	S3UsePathStyle bool

	ConverterURL string

	WorkerConcurrency int
	ConversionTimeout int // seconds

	JobTTL              time.Duration
	AbandonGracePeriod  time.Duration
	CancellationLockTTL time.Duration
	PresignExpiry       time.Duration
	DownloadURLExpiry   time.Duration

	DefaultPartSize     int64
	DefaultInitialBatch int
	PresignWorkers      int
	MaxParts            int
}

func Load() *Config {
	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbName := getEnv("DB_DATABASE", "convertd")
	dbUser := getEnv("DB_USERNAME", "convertd")
	dbPassword := getEnv("DB_PASSWORD", "")
	dbSSLMode := getEnv("DB_SSLMODE", "disable")

	// lib/pq supports "key=value" connection strings and this avoids
	// URI escaping issues for special characters in passwords.
	var dbURL string
	if dbPassword != "" {
		dbURL = fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbPassword, dbSSLMode,
		)
	} else {
		dbURL = fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbSSLMode,
		)
	}

	return &Config{
		Role:       getEnv("SERVICE_ROLE", "api"),
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		DatabaseURL: dbURL,

		S3Bucket: getEnv("S3_BUCKET", "convertd"),
		// Prefer unified S3_* vars, fall back to legacy AWS_* vars for compatibility
		S3Region:       getEnvWithFallback("S3_REGION", "AWS_DEFAULT_REGION", "us-east-1"),
		S3AccessKey:    getEnvWithFallback("S3_KEY", "AWS_ACCESS_KEY_ID", ""),
		S3SecretKey:    getEnvWithFallback("S3_SECRET", "AWS_SECRET_ACCESS_KEY", ""),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3UsePathStyle: getEnvBool("S3_USE_PATH_STYLE_ENDPOINT", false),

		ConverterURL: getEnv("CONVERTER_URL", "http://converter:3000"),

		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 3),
		ConversionTimeout: getEnvInt("CONVERSION_TIMEOUT", 1800),

		JobTTL:              getEnvDuration("JOB_TTL", 24*time.Hour),
		AbandonGracePeriod:  getEnvDuration("ABANDON_GRACE_PERIOD", 60*time.Second),
		CancellationLockTTL: getEnvDuration("CANCELLATION_LOCK_TTL", 30*time.Second),
		PresignExpiry:       getEnvDuration("PRESIGN_EXPIRY", time.Hour),
		DownloadURLExpiry:   getEnvDuration("DOWNLOAD_URL_EXPIRY", 7*24*time.Hour),

		DefaultPartSize:     getEnvInt64("UPLOAD_PART_SIZE", 50*1024*1024),
		DefaultInitialBatch: getEnvInt("UPLOAD_INITIAL_BATCH", 20),
		PresignWorkers:      getEnvInt("PRESIGN_WORKERS", 10),
		MaxParts:            getEnvInt("UPLOAD_MAX_PARTS", 10000),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvWithFallback(primaryKey, secondaryKey, fallback string) string {
	if value := os.Getenv(primaryKey); value != "" {
		return value
	}
	if value := os.Getenv(secondaryKey); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}
