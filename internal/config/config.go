package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// ErrMissingAccessToken is returned when no access token is configured.
var ErrMissingAccessToken = errors.New("ACCESS_TOKEN is required")

// AppConfig holds the daemon configuration
type AppConfig struct {
	BridgePort     string
	BridgeToken    string
	AllowedOrigins []string

	// BridgeRateLimit is requests per second per client; zero disables it.
	BridgeRateLimit float64
	BridgeRateBurst int

	APIBaseURL     string
	WebSocketURL   string
	AccessToken    string
	JWTSecret      string
	RequestTimeout time.Duration

	DatabaseURL string
	RedisURL    string
	RedisPrefix string
	E2EKey      string
	DisplayName string

	ReadReceiptDebounce time.Duration
	ReadReceiptCooldown time.Duration
	ReadReceiptSettle   time.Duration
	TypingIdleTimeout   time.Duration
	RetiredTempCapacity int

	ProbeInterval time.Duration
	ReconnectMin  time.Duration
	ReconnectMax  time.Duration

	LogLevel       string
	LogDevelopment bool
}

// LoadConfig loads configuration from environment variables.
// It first tries to load from a .env file if present. Warnings go to the
// global zap logger, so replace it before calling if they should be visible.
func LoadConfig(envPath ...string) (*AppConfig, error) {
	log := zap.S()

	envFile := ".env"
	if len(envPath) > 0 {
		envFile = envPath[0]
	}
	if err := godotenv.Load(envFile); err != nil {
		// Not fatal: production runs with real environment variables.
		log.Warnf("Config: could not load %s file: %v. Relying on environment variables.", envFile, err)
	}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		n, err := loadYAMLDefaults(path)
		if err != nil {
			return nil, fmt.Errorf("invalid CONFIG_FILE: %w", err)
		}
		log.Infof("Config: applied %d settings from %s", n, path)
	}

	apiBase := strings.TrimRight(getEnv("API_BASE_URL", "http://localhost:8080"), "/")
	wsURL, err := deriveWebSocketURL(apiBase)
	if err != nil {
		return nil, fmt.Errorf("invalid API_BASE_URL %q: %w", apiBase, err)
	}

	cfg := &AppConfig{
		BridgePort:     getEnv("BRIDGE_PORT", "8090"),
		BridgeToken:    getEnv("BRIDGE_TOKEN", ""),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),

		BridgeRateLimit: getFloat("BRIDGE_RATE_LIMIT", 20),
		BridgeRateBurst: getInt("BRIDGE_RATE_BURST", 40),

		APIBaseURL:     apiBase,
		WebSocketURL:   getEnv("WS_URL", wsURL),
		AccessToken:    getEnv("ACCESS_TOKEN", ""),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		RequestTimeout: getDuration("REQUEST_TIMEOUT", 15*time.Second),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		RedisPrefix: getEnv("REDIS_PREFIX", "chatsync:outbox"),
		E2EKey:      getEnv("E2E_KEY", ""),
		DisplayName: getEnv("DISPLAY_NAME", ""),

		ReadReceiptDebounce: getDuration("READ_RECEIPT_DEBOUNCE", 2*time.Second),
		ReadReceiptCooldown: getDuration("READ_RECEIPT_COOLDOWN", 2*time.Second),
		ReadReceiptSettle:   getDuration("READ_RECEIPT_SETTLE", 300*time.Millisecond),
		TypingIdleTimeout:   getDuration("TYPING_IDLE_TIMEOUT", 3*time.Second),
		RetiredTempCapacity: getInt("RETIRED_TEMP_CAPACITY", 1024),

		ProbeInterval: getDuration("PROBE_INTERVAL", 15*time.Second),
		ReconnectMin:  getDuration("RECONNECT_MIN", time.Second),
		ReconnectMax:  getDuration("RECONNECT_MAX", 30*time.Second),

		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogDevelopment: getBool("LOG_DEVELOPMENT", false),
	}

	if cfg.AccessToken == "" {
		return nil, ErrMissingAccessToken
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		log.Warnf("Config: RECONNECT_MAX %v is below RECONNECT_MIN %v, using RECONNECT_MIN", cfg.ReconnectMax, cfg.ReconnectMin)
		cfg.ReconnectMax = cfg.ReconnectMin
	}

	log.Infof("Config: loaded bridge_port=%s api=%s ws=%s outbox=%s e2e=%t",
		cfg.BridgePort, cfg.APIBaseURL, cfg.WebSocketURL, outboxKind(cfg.DatabaseURL, cfg.RedisURL), cfg.E2EKey != "")
	return cfg, nil
}

// getEnv reads an environment variable or returns a default value
func getEnv(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		zap.S().Warnf("Config: invalid %s value '%s', using default %v", key, raw, fallback)
		return fallback
	}
	return d
}

func getInt(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		zap.S().Warnf("Config: invalid %s value '%s', using default %d", key, raw, fallback)
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 {
		zap.S().Warnf("Config: invalid %s value '%s', using default %v", key, raw, fallback)
		return fallback
	}
	return f
}

func getBool(key string, fallback bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		zap.S().Warnf("Config: invalid %s value '%s', using default %t", key, raw, fallback)
		return fallback
	}
	return b
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// deriveWebSocketURL maps http(s)://host/prefix onto ws(s)://host/ws.
func deriveWebSocketURL(apiBase string) (string, error) {
	u, err := url.Parse(apiBase)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

// outboxKind names the outbox backend for logging without leaking credentials.
func outboxKind(dbURL, redisURL string) string {
	if dbURL == "" {
		if redisURL != "" {
			return "redis"
		}
		return "memory"
	}
	parts := strings.Split(dbURL, "@")
	if len(parts) > 1 {
		hostAndDB := strings.Split(parts[1], "/")
		if len(hostAndDB) > 0 {
			return "postgres://" + hostAndDB[0]
		}
	}
	return "postgres"
}
