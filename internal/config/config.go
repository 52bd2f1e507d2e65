package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Fetch
	FetchTimeout       time.Duration
	FetchMaxSize       int64
	FetchMaxConcurrent int
	FetchInterval      time.Duration

	// Resolver
	ResolveMaxHops int
	ResolveTimeout time.Duration

	// Extractor
	PageFetchTimeout time.Duration
	ExcerptLength    int

	// Dedup
	UpsertMaxRetries int

	// Cleanup
	ItemRetentionDays int

	// Draft hand-off
	DraftWebhookURL string

	// Rate Limit
	RateLimitGeneral  int
	RateLimitNominate int

	// Server
	ServerPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.FetchMaxConcurrent = getEnvInt("FETCH_MAX_CONCURRENT", 10)
	cfg.FetchInterval = getEnvDuration("FETCH_INTERVAL", 5*time.Minute)
	cfg.ResolveMaxHops = getEnvInt("RESOLVE_MAX_HOPS", 10)
	cfg.ResolveTimeout = getEnvDuration("RESOLVE_TIMEOUT", 10*time.Second)
	cfg.PageFetchTimeout = getEnvDuration("PAGE_FETCH_TIMEOUT", 15*time.Second)
	cfg.ExcerptLength = getEnvInt("EXCERPT_LENGTH", 255)
	cfg.UpsertMaxRetries = getEnvInt("UPSERT_MAX_RETRIES", 5)
	cfg.ItemRetentionDays = getEnvInt("ITEM_RETENTION_DAYS", 180)
	cfg.DraftWebhookURL = getEnvString("DRAFT_WEBHOOK_URL", "")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitNominate = getEnvInt("RATE_LIMIT_NOMINATE", 30)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
