package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DataMode はデータサービスの接続方式を表す。
type DataMode string

const (
	// DataModeREST はホスト型バックエンドのREST API経由でデータを操作する。
	DataModeREST DataMode = "rest"
	// DataModePostgres はDATABASE_URLでPostgreSQLに直接接続してデータを操作する。
	DataModePostgres DataMode = "postgres"
	// DataModeMemory はプロセス内メモリにデータを保持する。ローカルでの動作確認用で、再起動で消える。
	DataModeMemory DataMode = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Backend
	BackendURL     string
	BackendAnonKey string
	// BackendUsable はCheckBackendの判定結果。起動時に1回だけ評価する。
	BackendUsable bool

	// Data
	DataMode    DataMode
	DatabaseURL string

	// Auth
	SessionFile     string
	AuthRefreshTick time.Duration
	SecretCode      string
	// GuardLoadingWait は保護されたページでセッション解決を待つ最大時間。
	GuardLoadingWait time.Duration

	// HTTP client
	HTTPTimeout time.Duration

	// Rate Limit (req/min)
	RateLimitGeneral int
	RateLimitAuth    int

	// Logging
	LogLevel slog.Level

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool

	// CORS
	// CORSAllowedOrigins はクロスオリジンでAPIを呼び出せるオリジン。
	CORSAllowedOrigins []string
}

// Load は環境変数からConfigを読み込む。
// バックエンド設定の欠落はエラーにせず、BackendUsable=falseの縮退モードとする。
// DATA_MODE=postgresでDATABASE_URLが未設定の場合のみエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.BackendURL = strings.TrimSpace(os.Getenv("BACKEND_URL"))
	cfg.BackendAnonKey = strings.TrimSpace(os.Getenv("BACKEND_ANON_KEY"))
	cfg.BackendUsable = CheckBackend(cfg.BackendURL, cfg.BackendAnonKey, slog.Default())

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	switch mode := DataMode(strings.ToLower(getEnvString("DATA_MODE", string(DataModeREST)))); mode {
	case DataModeREST, DataModePostgres, DataModeMemory:
		cfg.DataMode = mode
	default:
		return nil, fmt.Errorf("unsupported DATA_MODE: %q", mode)
	}
	if cfg.DataMode == DataModePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("required environment variables are not set: [DATABASE_URL]")
	}

	// SECRET_CODEは未設定でも起動する（検証エンドポイントが500を返す）
	cfg.SecretCode = os.Getenv("SECRET_CODE")

	// Optional fields with defaults
	cfg.SessionFile = getEnvString("SESSION_FILE", defaultSessionFile())
	cfg.AuthRefreshTick = getEnvDuration("AUTH_REFRESH_TICK", 30*time.Second)
	cfg.GuardLoadingWait = getEnvDuration("GUARD_LOADING_WAIT", 2*time.Second)
	cfg.HTTPTimeout = getEnvDuration("HTTP_TIMEOUT", 10*time.Second)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 10)
	cfg.LogLevel = getEnvLevel("LOG_LEVEL", slog.LevelInfo)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.BaseURL = getEnvString("BASE_URL", "http://localhost:"+cfg.ServerPort)
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", []string{cfg.BaseURL})

	return cfg, nil
}

// CheckBackend はバックエンドのエンドポイントURLとアクセスキーが利用可能かを判定する。
// URLはhttpまたはhttpsスキームの絶対URLであること、キーは空白除去後に空でないことが条件。
// 利用不可の場合は運用調査用にwarningログを1回だけ出力する。パニックはしない。
func CheckBackend(endpoint, key string, logger *slog.Logger) bool {
	reason := ""
	switch {
	case !isUsableURL(endpoint):
		reason = "backend URL must be an absolute http(s) URL"
	case strings.TrimSpace(key) == "":
		reason = "backend access key is empty"
	}
	if reason == "" {
		return true
	}

	if logger != nil {
		logger.Warn("backend credentials not configured",
			slog.String("reason", reason),
		)
	}
	return false
}

// isUsableURL はhttp/httpsの絶対URLかどうかを判定する。
func isUsableURL(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}

// defaultSessionFile はセッション保存先のデフォルトパスを返す。
func defaultSessionFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "fitlog", "session.json")
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvList はカンマ区切りの値を空白除去して返す。空の要素は捨てる。
func getEnvList(key string, defaultVal []string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
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

func getEnvLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return level
}
