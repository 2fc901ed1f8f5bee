// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// データバックエンドの種別
const (
	DataBackendREST     = "rest"
	DataBackendPostgres = "postgres"
)

// セッション保存先の種別
const (
	SessionBackendFile   = "file"
	SessionBackendRedis  = "redis"
	SessionBackendMemory = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Hosted platform
	PlatformURL     string        `env:"PLATFORM_URL" env-required:"true"`
	PlatformAnonKey string        `env:"PLATFORM_ANON_KEY" env-required:"true"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" env-default:"10s"`

	// Data
	DataBackend string `env:"DATA_BACKEND" env-default:"rest"`
	DatabaseURL string `env:"DATABASE_URL"`

	// Session
	SessionBackend       string        `env:"SESSION_BACKEND" env-default:"file"`
	SessionFile          string        `env:"SESSION_FILE"`
	SessionRefreshMargin time.Duration `env:"SESSION_REFRESH_MARGIN" env-default:"60s"`
	RedisAddr            string        `env:"REDIS_ADDR"`
	RedisPassword        string        `env:"REDIS_PASSWORD"`
	RedisDB              int           `env:"REDIS_DB" env-default:"0"`

	// Timers
	PresenceInterval    time.Duration `env:"PRESENCE_INTERVAL" env-default:"60s"`
	LeaderboardInterval time.Duration `env:"LEADERBOARD_INTERVAL" env-default:"60s"`
	LeaderboardLimit    int           `env:"LEADERBOARD_LIMIT" env-default:"10"`
	PresenceRetention   time.Duration `env:"PRESENCE_RETENTION" env-default:"24h"`

	// Diagnostics
	DiagnosticsWebhookURL   string   `env:"DIAGNOSTICS_WEBHOOK_URL"`
	DiagnosticsKafkaBrokers []string `env:"DIAGNOSTICS_KAFKA_BROKERS" env-separator:","`
	DiagnosticsKafkaTopic   string   `env:"DIAGNOSTICS_KAFKA_TOPIC" env-default:"yowx-diagnostics"`
	DiagnosticsQueueSize    int      `env:"DIAGNOSTICS_QUEUE_SIZE" env-default:"256"`
	DiagnosticsRatePerSec   float64  `env:"DIAGNOSTICS_RATE_PER_SEC" env-default:"0.5"`

	// Server
	ServerPort         string `env:"SERVER_PORT" env-default:"8080"`
	CORSAllowedOrigin  string `env:"CORS_ALLOWED_ORIGIN" env-default:"http://localhost:5173"`
	RateLimitPerMinute int    `env:"RATE_LIMIT_PER_MINUTE" env-default:"120"`

	// UI
	DefaultLanguage string `env:"DEFAULT_LANGUAGE" env-default:"en"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" env-default:"info"`
}

// Load は.envファイル（存在する場合）と環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や値の組み合わせが不正な場合はエラーを返す。
func Load() (*Config, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	// godotenvは既に設定済みの環境変数を上書きしない
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
	}

	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate はフィールド間の整合性を検証し、未指定のパスを補完する。
func (c *Config) validate() error {
	var problems []string

	if strings.TrimSpace(c.PlatformURL) == "" {
		problems = append(problems, "PLATFORM_URL must not be empty")
	} else if u, err := url.Parse(c.PlatformURL); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, fmt.Sprintf("PLATFORM_URL is not an absolute URL: %q", c.PlatformURL))
	}
	if strings.TrimSpace(c.PlatformAnonKey) == "" {
		problems = append(problems, "PLATFORM_ANON_KEY must not be empty")
	}

	switch c.DataBackend {
	case DataBackendREST:
	case DataBackendPostgres:
		if c.DatabaseURL == "" {
			problems = append(problems, "DATABASE_URL is required when DATA_BACKEND=postgres")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported DATA_BACKEND: %q", c.DataBackend))
	}

	switch c.SessionBackend {
	case SessionBackendFile:
		if c.SessionFile == "" {
			c.SessionFile = DefaultSessionFile()
		}
	case SessionBackendRedis:
		if c.RedisAddr == "" {
			problems = append(problems, "REDIS_ADDR is required when SESSION_BACKEND=redis")
		}
	case SessionBackendMemory:
	default:
		problems = append(problems, fmt.Sprintf("unsupported SESSION_BACKEND: %q", c.SessionBackend))
	}

	if c.RequestTimeout <= 0 {
		problems = append(problems, "REQUEST_TIMEOUT must be positive")
	}
	if c.PresenceInterval <= 0 || c.LeaderboardInterval <= 0 {
		problems = append(problems, "PRESENCE_INTERVAL and LEADERBOARD_INTERVAL must be positive")
	}
	if c.LeaderboardLimit <= 0 {
		problems = append(problems, "LEADERBOARD_LIMIT must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// DefaultSessionFile はセッション保存ファイルの既定パスを返す。
// XDG_CONFIG_HOMEが設定されていればその配下、なければ~/.config/yowx/session.json。
func DefaultSessionFile() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "yowx", "session.json")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "yowx", "session.json")
}
