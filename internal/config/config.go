package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port                  string
	DatabaseDSN           string
	JWTSecret             string
	Env                   string
	LogLevel              string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int
	// CookieSecure 控制 refresh cookie 的 Secure 标记，dev 下默认关闭。
	CookieSecure bool

	// 以下为客户端（chatctl）使用的配置。
	APIBaseURL         string
	RealtimeURL        string
	CredentialsPath    string
	HistoryLimit       int
	HTTPTimeoutSeconds int
	CoalesceRefresh    bool
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getenvInt 解析正整数，非法或非正值回退到默认值。
func getenvInt(key string, def int) int {
	n, err := strconv.Atoi(getenv(key, ""))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	b, err := strconv.ParseBool(getenv(key, ""))
	if err != nil {
		return def
	}
	return b
}

func Load() Config {
	env := getenv("APP_ENV", "dev")
	port := getenv("APP_PORT", "8080")
	origin := originFor(env, port)
	return Config{
		Port:                  port,
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=roomlink port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:             getenv("JWT_SECRET", defaultJWTSecret),
		Env:                   env,
		LogLevel:              getenv("LOG_LEVEL", "info"),
		AccessTokenTTLMinutes: getenvInt("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTokenTTLDays:   getenvInt("REFRESH_TOKEN_TTL_DAYS", 7),
		CookieSecure:          getenvBool("COOKIE_SECURE", env != "dev"),

		APIBaseURL:         getenv("API_BASE_URL", origin+"/api/v1"),
		RealtimeURL:        getenv("REALTIME_URL", wsOrigin(origin)+"/ws"),
		CredentialsPath:    getenv("CREDENTIALS_PATH", defaultCredentialsPath()),
		HistoryLimit:       getenvInt("CHAT_HISTORY_LIMIT", 100),
		HTTPTimeoutSeconds: getenvInt("HTTP_TIMEOUT_SECONDS", 15),
		CoalesceRefresh:    getenvBool("COALESCE_REFRESH", false),
	}
}

// originFor 选择 API 源：dev 直连本地后端，其它环境使用 APP_ORIGIN。
func originFor(env, port string) string {
	if env == "dev" {
		return getenv("APP_ORIGIN", "http://localhost:"+port)
	}
	return strings.TrimRight(getenv("APP_ORIGIN", "https://localhost"), "/")
}

func wsOrigin(httpOrigin string) string {
	switch {
	case strings.HasPrefix(httpOrigin, "https://"):
		return "wss://" + strings.TrimPrefix(httpOrigin, "https://")
	case strings.HasPrefix(httpOrigin, "http://"):
		return "ws://" + strings.TrimPrefix(httpOrigin, "http://")
	}
	return httpOrigin
}

func defaultCredentialsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "credentials.toml"
	}
	return filepath.Join(home, ".roomlink", "credentials.toml")
}

// Validate 校验服务端启动所需配置，非 dev 环境禁止使用默认密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: APP_PORT is empty")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("config: DATABASE_DSN is empty")
	}
	if cfg.JWTSecret == "" {
		return errors.New("config: JWT_SECRET is empty")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("config: default JWT_SECRET is not allowed outside dev")
	}
	return nil
}
