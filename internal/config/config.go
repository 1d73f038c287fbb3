// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/net/publicsuffix"
)

// ProviderNames は汎用OAuth providerの環境変数プレフィックス（小文字にしたものがprovider key）。
var ProviderNames = []string{"GITHUB", "GOOGLE", "LINKEDIN", "SLACK", "DISCORD", "ATLASSIAN", "APPLE"}

// ProviderConfig はproviderごとのOAuthクライアント設定。
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// AppleConfig はApple client secretのJWT生成に使う鍵情報。
type AppleConfig struct {
	TeamID     string
	KeyID      string
	PrivateKey string // PKCS8 PEM
}

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Server
	AppEnv      string
	ServerPort  string
	MetricsPort string
	BaseURL     string
	FrontendURL string

	// Cookie / Session
	CookieSecure         bool
	CookieDomain         string
	SessionMaxAge        int // 秒
	SessionSweepInterval time.Duration

	// OAuth
	Providers      map[string]ProviderConfig // key: github, google, ...
	Apple          AppleConfig
	AdminUsernames []string

	// Outbound
	OutboundTimeout time.Duration

	// Events
	RedisURL      string
	EventsChannel string

	// Rate Limit
	RateLimitAuth int // req/min/IP

	// CORS
	CORSAllowedOrigins []string

	// Logging
	LogLevel string
}

// IsProduction はAPP_ENVがdevelopment以外かを返す。既定はproduction扱い。
func (c *Config) IsProduction() bool {
	return c.AppEnv != "development"
}

// Load は環境変数からConfigを読み込む。カレントディレクトリに.envがあれば先に読み込む。
// .envは既に設定済みの環境変数を上書きしない。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv は現在の環境変数だけからConfigを組み立てる。
func FromEnv() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BaseURL = strings.TrimRight(os.Getenv("BASE_URL"), "/")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid BASE_URL: %w", err)
	}

	// Optional fields with defaults
	cfg.AppEnv = strings.ToLower(getEnvString("APP_ENV", "production"))
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MetricsPort = getEnvString("METRICS_PORT", "9090")
	cfg.FrontendURL = strings.TrimRight(getEnvString("FRONTEND_URL", cfg.BaseURL), "/")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", DeriveCookieDomain(cfg.BaseURL))
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 604800)
	cfg.SessionSweepInterval = getEnvDuration("SESSION_SWEEP_INTERVAL", time.Hour)
	cfg.AdminUsernames = getEnvList("ADMIN_USERNAMES")
	cfg.OutboundTimeout = getEnvDuration("OUTBOUND_TIMEOUT", 10*time.Second)
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.EventsChannel = getEnvString("EVENTS_CHANNEL", "tsudoi.identity.linked")
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 60)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	cfg.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS")
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{cfg.FrontendURL}
	}

	cfg.Providers = make(map[string]ProviderConfig, len(ProviderNames))
	for _, name := range ProviderNames {
		cfg.Providers[strings.ToLower(name)] = ProviderConfig{
			ClientID:     os.Getenv(name + "_CLIENT_ID"),
			ClientSecret: os.Getenv(name + "_CLIENT_SECRET"),
			RedirectURL:  os.Getenv(name + "_REDIRECT_URL"),
		}
	}
	cfg.Apple = AppleConfig{
		TeamID:     os.Getenv("APPLE_TEAM_ID"),
		KeyID:      os.Getenv("APPLE_KEY_ID"),
		PrivateKey: strings.ReplaceAll(os.Getenv("APPLE_PRIVATE_KEY"), `\n`, "\n"),
	}

	return cfg, nil
}

// DeriveCookieDomain はBASE_URLのホストから共有Cookie用の登録可能ドメイン（eTLD+1）を求める。
// localhostやIPアドレスなど導出できない場合は空文字列を返し、ホスト限定Cookieになる。
func DeriveCookieDomain(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if host == "" || net.ParseIP(host) != nil {
		return ""
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return ""
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return ""
	}
	return domain
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

// getEnvList はカンマ区切りの値を空要素を除いて返す。
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
