package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	WebRTC     WebRTCConfig
	AWS        AWSConfig
	Recording  RecordingConfig
	Docustream DocustreamConfig
	Log        LogConfig
}

// RecordingConfig holds capture engine settings.
type RecordingConfig struct {
	OutputDir         string // directory for assembled assets; empty = os.TempDir()
	PermissionTimeout time.Duration
	FilterTableFile   string // optional YAML environment filter overrides
	MaxSegmentBytes   int64
	IdleTTL           time.Duration
	MaxPerUser        int
}

// DocustreamConfig selects and tunes the container backend.
type DocustreamConfig struct {
	// BaseURL points at a remote Docustream API. Empty means this service
	// stores containers itself (Postgres + S3).
	BaseURL         string
	Timeout         time.Duration
	AsyncSubmission bool // default for POST /recordings/:id/submit without ?async
	MaxUploadBytes  int64
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level      string
	File       string // if set, logs are also written here with rotation
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// WebRTCConfig holds STUN/TURN ICE server URLs for WebRTC.
type WebRTCConfig struct {
	ICEUrls []string // e.g. stun:stun.l.google.com:19302 (comma-separated in env)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	RunWorker          bool   // run the submission worker in-process
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string // if set, used as-is (e.g. postgres://localhost:5432/docustream?sslmode=disable)
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and the audio bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	AudioBucket          string
	Endpoint             string
	PresignExpireMinutes int
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Remote reports whether containers live in a remote Docustream API.
func (c DocustreamConfig) Remote() bool { return c.BaseURL != "" }

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 120),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),
			RunWorker:          getEnvBool("RUN_WORKER", true),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			DBName:          getEnv("DB_NAME", "docustream"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxConns:        int32(getEnvInt("DB_MAX_CONNS", 0)),
			MaxConnLifetime: getEnvDuration("DB_MAX_CONN_LIFETIME", 0),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		WebRTC: WebRTCConfig{
			ICEUrls: splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			AudioBucket:          getEnv("AWS_S3_AUDIO_BUCKET", ""),
			Endpoint:             getEnv("AWS_S3_ENDPOINT", ""),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Recording: RecordingConfig{
			OutputDir:         getEnv("RECORDING_OUTPUT_DIR", ""),
			PermissionTimeout: getEnvDuration("RECORDING_PERMISSION_TIMEOUT", 60*time.Second),
			FilterTableFile:   getEnv("RECORDING_FILTER_TABLE", ""),
			MaxSegmentBytes:   int64(getEnvInt("RECORDING_MAX_SEGMENT_BYTES", 1<<20)),
			IdleTTL:           getEnvDuration("RECORDING_IDLE_TTL", 30*time.Minute),
			MaxPerUser:        getEnvInt("RECORDING_MAX_PER_USER", 4),
		},
		Docustream: DocustreamConfig{
			BaseURL:         strings.TrimRight(getEnv("DOCUSTREAM_API_URL", ""), "/"),
			Timeout:         getEnvDuration("DOCUSTREAM_API_TIMEOUT", 60*time.Second),
			AsyncSubmission: getEnvBool("DOCUSTREAM_ASYNC_SUBMISSION", false),
			MaxUploadBytes:  int64(getEnvInt("DOCUSTREAM_MAX_UPLOAD_BYTES", 512<<20)),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			File:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 14),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.JWT.ExpireHours <= 0 {
		return fmt.Errorf("JWT_EXPIRE_HOURS must be positive")
	}
	if c.Recording.PermissionTimeout <= 0 {
		return fmt.Errorf("RECORDING_PERMISSION_TIMEOUT must be positive")
	}
	if c.Recording.MaxSegmentBytes <= 0 {
		return fmt.Errorf("RECORDING_MAX_SEGMENT_BYTES must be positive")
	}
	return nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
