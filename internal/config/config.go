package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	// サーバー設定
	ServerPort string
	Env        string

	// CORS設定
	AllowedOrigins []string

	// メッセージストア設定
	StoreBackend string // "pebble", "mysql" or "memory"
	PebblePath   string

	// MariaDB接続設定 (StoreBackend=mysql のとき)
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// 認証設定
	JWTSecret string

	// アップロード設定
	UploadDir string

	// メッセージ保持設定
	RetentionEnabled bool
	RetentionCron    string
	RetentionMaxAge  time.Duration

	// WebSocket接続ごとのレート制限
	RateLimitRPS   float64
	RateLimitBurst int
}

// Load loads configuration from environment variables
func Load() Config {
	serverPort := getenv("SERVER_PORT", "8080")
	env := getenv("ENV", "development")

	allowedOrigins := getenv("ALLOWED_ORIGINS", "http://localhost:3000,http://127.0.0.1:3000")

	cfg := Config{
		ServerPort:     serverPort,
		Env:            env,
		AllowedOrigins: strings.Split(allowedOrigins, ","),

		StoreBackend: getenv("STORE_BACKEND", "pebble"),
		PebblePath:   getenv("PEBBLE_PATH", "data/messages"),

		DBHost:     getenv("DB_HOST", "localhost"),
		DBPort:     getenv("DB_PORT", "3306"),
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     os.Getenv("DB_NAME"),

		JWTSecret: getenv("JWT_SECRET", "development-secret"),

		UploadDir: getenv("UPLOAD_DIR", "data/uploads"),

		RetentionEnabled: getenv("RETENTION_ENABLED", "false") == "true",
		RetentionCron:    getenv("RETENTION_CRON", "0 2 * * *"),
		RetentionMaxAge:  parseDays(getenv("RETENTION_MAX_AGE_DAYS", "90")),

		RateLimitRPS:   parseFloat(getenv("RATE_LIMIT_RPS", "5"), 5),
		RateLimitBurst: parseInt(getenv("RATE_LIMIT_BURST", "10"), 10),
	}

	for i := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(cfg.AllowedOrigins[i])
	}

	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseInt(value string, fallback int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return fallback
}

func parseFloat(value string, fallback float64) float64 {
	if parsed, err := strconv.ParseFloat(value, 64); err == nil && parsed > 0 {
		return parsed
	}
	return fallback
}

func parseDays(value string) time.Duration {
	days := parseInt(value, 90)
	return time.Duration(days) * 24 * time.Hour
}
