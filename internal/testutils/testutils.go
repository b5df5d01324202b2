package testutils

import (
	"context"
	"io"
	"time"

	"github.com/dalfonso89/exchanger/internal/config"
	"github.com/dalfonso89/exchanger/internal/logger"
	"github.com/dalfonso89/exchanger/internal/models"
)

// MockAPIKey is the credential the mock pair server accepts
const MockAPIKey = "test-api-key"

// MockLogger creates a debug logger that writes nowhere
func MockLogger() logger.Logger {
	return logger.NewWithOutput("debug", "json", io.Discard)
}

// MockConfig creates a configuration for testing
func MockConfig() *config.Config {
	return MockConfigWithBaseURL("https://api.test.com/v6")
}

// MockConfigWithBaseURL creates a configuration pointing the rate client at baseURL
func MockConfigWithBaseURL(baseURL string) *config.Config {
	return &config.Config{
		Port:      "8081",
		LogLevel:  "debug",
		LogFormat: "json",

		ExchangeRateAPI: config.ExchangeRateAPI{
			BaseURL:  baseURL,
			APIKey:   MockAPIKey,
			Timeout:  5 * time.Second,
			Language: "en",
		},

		SyncRequestTimeout:   2 * time.Second,
		DefaultLeftCurrency:  "UAH",
		DefaultRightCurrency: "USD",
		MaxSessions:          10,
		SessionIdleTTL:       30 * time.Minute,

		ReferenceBaseCurrency:     "UAH",
		ReferenceTargetCurrencies: []string{"USD", "EUR"},

		RateLimitEnabled:  true,
		RateLimitRequests: 100,
		RateLimitWindow:   60 * time.Second,
		RateLimitBurst:    10,
		TrustProxyHeaders: false,
	}
}

// MockPairResponse creates a successful pair payload
func MockPairResponse(base, target models.CurrencyCode, rate float64) models.PairResponse {
	now := time.Now().UTC()
	return models.PairResponse{
		Result:             "success",
		Documentation:      "https://www.exchangerate-api.com/docs",
		TermsOfUse:         "https://www.exchangerate-api.com/terms",
		TimeLastUpdateUnix: now.Unix(),
		TimeLastUpdateUTC:  now.Format(time.RFC1123Z),
		TimeNextUpdateUnix: now.Add(24 * time.Hour).Unix(),
		TimeNextUpdateUTC:  now.Add(24 * time.Hour).Format(time.RFC1123Z),
		BaseCode:           string(base),
		TargetCode:         string(target),
		ConversionRate:     rate,
	}
}

// MockContextWithTimeout creates a context with timeout for testing
func MockContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
