package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrMissingAPIKey is returned by Load when no exchange rate API credential is configured.
var ErrMissingAPIKey = errors.New("EXCHANGE_RATE_API_KEY is not set")

// ExchangeRateAPI describes the upstream pair endpoint
type ExchangeRateAPI struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	Language string
}

// Config holds all configuration for the application
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	ExchangeRateAPI ExchangeRateAPI

	// Converter sessions
	SyncRequestTimeout   time.Duration
	DefaultLeftCurrency  string
	DefaultRightCurrency string
	MaxSessions          int
	// SessionIdleTTL expires sessions nobody touched for that long; zero disables expiry
	SessionIdleTTL       time.Duration

	// Reference strip
	ReferenceBaseCurrency     string
	ReferenceTargetCurrencies []string

	// Rate limiting
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration
	RateLimitBurst    int
	// TrustProxyHeaders makes the limiter key clients by X-Forwarded-For / X-Real-IP
	TrustProxyHeaders bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:      getEnv("PORT", "8081"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		ExchangeRateAPI: ExchangeRateAPI{
			BaseURL:  getEnv("EXCHANGE_RATE_API_BASE_URL", "https://v6.exchangerate-api.com/v6"),
			APIKey:   getEnv("EXCHANGE_RATE_API_KEY", ""),
			Timeout:  time.Duration(mustAtoi(getEnv("EXCHANGE_RATE_API_TIMEOUT", "30"), 30)) * time.Second,
			Language: getEnv("EXCHANGE_RATE_API_LANGUAGE", "en"),
		},

		SyncRequestTimeout:   time.Duration(mustAtoi(getEnv("SYNC_REQUEST_TIMEOUT", "10"), 10)) * time.Second,
		DefaultLeftCurrency:  strings.ToUpper(getEnv("DEFAULT_LEFT_CURRENCY", "UAH")),
		DefaultRightCurrency: strings.ToUpper(getEnv("DEFAULT_RIGHT_CURRENCY", "USD")),
		MaxSessions:          mustAtoi(getEnv("MAX_SESSIONS", "1000"), 1000),
		SessionIdleTTL:       time.Duration(mustAtoi(getEnv("SESSION_IDLE_TTL_SECONDS", "1800"), 1800)) * time.Second,

		ReferenceBaseCurrency:     strings.ToUpper(getEnv("REFERENCE_BASE_CURRENCY", "UAH")),
		ReferenceTargetCurrencies: splitList(getEnv("REFERENCE_TARGET_CURRENCIES", "USD,EUR")),

		RateLimitEnabled:  getEnv("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitRequests: mustAtoi(getEnv("RATE_LIMIT_REQUESTS", "100"), 100),
		RateLimitWindow:   time.Duration(mustAtoi(getEnv("RATE_LIMIT_WINDOW_SECONDS", "60"), 60)) * time.Second,
		RateLimitBurst:    mustAtoi(getEnv("RATE_LIMIT_BURST", "10"), 10),
		TrustProxyHeaders: getEnv("TRUST_PROXY_HEADERS", "false") == "true",
	}

	if cfg.ExchangeRateAPI.APIKey == "" {
		return cfg, ErrMissingAPIKey
	}

	return cfg, nil
}

// getEnv gets an environment variable with a fallback value
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func mustAtoi(s string, fallback int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return i
}

// splitList turns "usd, eur" into [USD EUR], dropping empty items
func splitList(s string) []string {
	items := []string{}
	for _, item := range strings.Split(s, ",") {
		item = strings.ToUpper(strings.TrimSpace(item))
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}
