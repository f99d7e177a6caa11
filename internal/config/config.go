package config

import (
	"os"
	"strconv"
	"time"
)

// SchedulingMode controls how the Token Manager treats sticky sessions.
type SchedulingMode string

const (
	ModeCacheFirst       SchedulingMode = "cache_first"
	ModeBalance          SchedulingMode = "balance"
	ModePerformanceFirst SchedulingMode = "performance_first"
)

type Config struct {
	// Server
	Host string
	Port int

	// Data directory layout (§6 on-disk layout)
	DataDir   string
	StaticDir string
	DBPath    string

	// Security
	EncryptionKey string
	StaticToken   string
	AuthMode      string // "none" | "static_key"

	// Upstream vendor endpoints (§6)
	UpstreamBaseURL  string // fixed base URL the internal envelope is POSTed to
	OAuthTokenURL    string
	UserinfoURL      string
	ProjectMetaURL   string // v1internal:loadCodeAssist
	QuotaURL         string // v1internal:fetchAvailableModels
	OAuthClientID    string
	OAuthClientSecret string

	// Outbound proxy (optional; scheme http(s):// or socks5://)
	UpstreamProxyEnabled bool
	UpstreamProxyURL     string

	// Scheduling (reloadable, §3 "Scheduling config")
	SchedulingMode  SchedulingMode
	MaxWaitSeconds  int
	StickySessionTTL time.Duration

	// Model name mappings (§6 config schema)
	AnthropicModelMapping map[string]string
	OpenAIModelMapping    map[string]string
	CustomModelMapping    map[string]string

	// Warm-up scheduler (§4.10)
	WarmupEnabled  bool
	WarmupInterval time.Duration

	// Token refresh
	TokenRefreshAdvance time.Duration
	RefreshTimeout      time.Duration

	// Request handling
	RequestTimeout    time.Duration
	MaxRequestBodyMB  int
	MaxRetryAccounts  int
	MaxCacheControls  int
	LogRetentionCount int

	// Logging
	LogLevel string
}

func Load() *Config {
	dataDir := envOr("DATA_DIR", "./data")
	return &Config{
		Host: envOr("BIND_ADDRESS", "0.0.0.0"),
		Port: envInt("PORT", 3000),

		DataDir:   dataDir,
		StaticDir: envOr("STATIC_DIR", "./static"),
		DBPath:    dataDir + "/antigravity.db",

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		StaticToken:   os.Getenv("API_KEY"),
		AuthMode:      envOr("AUTH_MODE", "static_key"),

		UpstreamBaseURL: envOr("UPSTREAM_BASE_URL", "https://cloudcode-pa.googleapis.com/v1internal"),
		OAuthTokenURL:   envOr("OAUTH_TOKEN_URL", "https://oauth2.googleapis.com/token"),
		UserinfoURL:     envOr("USERINFO_URL", "https://www.googleapis.com/oauth2/v2/userinfo"),
		ProjectMetaURL:  envOr("PROJECT_META_URL", "https://cloudcode-pa.googleapis.com/v1internal:loadCodeAssist"),
		QuotaURL:        envOr("QUOTA_URL", "https://cloudcode-pa.googleapis.com/v1internal:fetchAvailableModels"),

		OAuthClientID:     envOr("OAUTH_CLIENT_ID", "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"),
		OAuthClientSecret: envOr("OAUTH_CLIENT_SECRET", ""),

		UpstreamProxyEnabled: envBool("UPSTREAM_PROXY_ENABLED", false),
		UpstreamProxyURL:     os.Getenv("UPSTREAM_PROXY_URL"),

		SchedulingMode:   SchedulingMode(envOr("SCHEDULING_MODE", string(ModeCacheFirst))),
		MaxWaitSeconds:   envInt("MAX_WAIT_SECONDS", 30),
		StickySessionTTL: envDurationSeconds("STICKY_SESSION_TTL_SECONDS", 24*time.Hour),

		WarmupEnabled:  envBool("WARMUP_ENABLED", true),
		WarmupInterval: envDurationSeconds("WARMUP_INTERVAL_SECONDS", 10*time.Minute),

		TokenRefreshAdvance: envDurationSeconds("TOKEN_REFRESH_ADVANCE_SECONDS", 300*time.Second),
		RefreshTimeout:      envDurationSeconds("REFRESH_TIMEOUT_SECONDS", 15*time.Second),

		RequestTimeout:    envDurationSeconds("REQUEST_TIMEOUT_SECONDS", 120*time.Second),
		MaxRequestBodyMB:  envInt("REQUEST_MAX_SIZE_MB", 60),
		MaxRetryAccounts:  envInt("MAX_RETRY_ACCOUNTS", 3),
		MaxCacheControls:  envInt("MAX_CACHE_CONTROLS", 4),
		LogRetentionCount: envInt("LOG_RETENTION_COUNT", 5000),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return errMissing("ENCRYPTION_KEY")
	}
	if c.AuthMode == "static_key" && c.StaticToken == "" {
		return errMissing("API_KEY")
	}
	switch c.SchedulingMode {
	case ModeCacheFirst, ModeBalance, ModePerformanceFirst:
	default:
		return &configError{field: "SCHEDULING_MODE", detail: "must be one of cache_first|balance|performance_first"}
	}
	return nil
}

type configError struct {
	field  string
	detail string
}

func (e *configError) Error() string {
	if e.detail != "" {
		return "invalid config " + e.field + ": " + e.detail
	}
	return "missing required env: " + e.field
}

func errMissing(f string) error { return &configError{field: f} }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envDurationSeconds reads an integer number of seconds from the environment.
func envDurationSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
