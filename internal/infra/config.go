package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents worker configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	QueueKey      string

	Workers       int
	AvgProcessing time.Duration
	PollInterval  time.Duration
	PollAttempts  int
	MaxRetries    int

	ContentBaseURL string
	ContentAPIKey  string
	PromptBaseURL  string
	PromptAPIKey   string
	GenBaseURL     string
	GenAPIKey      string
	DefaultModel   string

	StoragePath    string
	StorageBaseURL string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables and applies
// defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8090"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		QueueKey:      getEnv("QUEUE_KEY", "visualization:jobs:queue"),

		Workers:       getEnvInt("WORKERS", 4),
		AvgProcessing: time.Second * time.Duration(getEnvInt("AVG_PROCESSING_SECONDS", 45)),
		PollInterval:  time.Second * time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 5)),
		PollAttempts:  getEnvInt("POLL_MAX_ATTEMPTS", 60),
		MaxRetries:    getEnvInt("JOB_MAX_RETRIES", 3),

		ContentBaseURL: getEnv("CONTENT_BASE_URL", "http://localhost:8001"),
		ContentAPIKey:  os.Getenv("CONTENT_API_KEY"),
		PromptBaseURL:  getEnv("PROMPT_BASE_URL", "http://localhost:8003"),
		PromptAPIKey:   os.Getenv("PROMPT_API_KEY"),
		GenBaseURL:     getEnv("GEN_BASE_URL", "http://localhost:8002"),
		GenAPIKey:      os.Getenv("GEN_API_KEY"),
		DefaultModel:   getEnv("DEFAULT_MODEL", "dalle3"),

		StoragePath:    getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL: getEnv("STORAGE_BASE_URL", "http://localhost:8090/static"),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 60
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
