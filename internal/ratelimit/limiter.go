package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dalfonso89/exchanger/internal/config"
	"github.com/dalfonso89/exchanger/internal/logger"
	"github.com/dalfonso89/exchanger/internal/models"
	"github.com/gin-gonic/gin"
)

// bucketIdleTTL is how long an untouched bucket survives cleanup
const bucketIdleTTL = 24 * time.Hour

// Limiter implements a token bucket rate limiter per client IP
type Limiter struct {
	enabled  bool
	requests int
	window   time.Duration
	burst    int
	logger   logger.Logger
	now      func() time.Time

	// trustProxy keys clients by forwarding headers instead of the peer address
	trustProxy bool

	clientBuckets map[string]*TokenBucket
	bucketsMutex  sync.Mutex

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

// TokenBucket holds the tokens of one client
type TokenBucket struct {
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastSeen   time.Time
	mu         sync.Mutex
}

// NewLimiter creates a new rate limiter and starts its cleanup goroutine
func NewLimiter(configuration *config.Config, log logger.Logger) *Limiter {
	rateLimiter := &Limiter{
		enabled:       configuration.RateLimitEnabled,
		requests:      configuration.RateLimitRequests,
		window:        configuration.RateLimitWindow,
		burst:         configuration.RateLimitBurst,
		trustProxy:    configuration.TrustProxyHeaders,
		logger:        log,
		now:           time.Now,
		clientBuckets: make(map[string]*TokenBucket),
		cleanupTicker: time.NewTicker(5 * time.Minute),
		stopCleanup:   make(chan struct{}),
	}

	go rateLimiter.cleanup()

	return rateLimiter
}

// Allow checks if a request from the given IP is allowed
func (rateLimiter *Limiter) Allow(clientIP string) bool {
	if !rateLimiter.enabled {
		return true
	}

	currentTime := rateLimiter.now()

	rateLimiter.bucketsMutex.Lock()
	tokenBucket, bucketExists := rateLimiter.clientBuckets[clientIP]
	if !bucketExists {
		tokenBucket = newTokenBucket(rateLimiter.burst, rateLimiter.requests, rateLimiter.window, currentTime)
		rateLimiter.clientBuckets[clientIP] = tokenBucket
	}
	rateLimiter.bucketsMutex.Unlock()

	return tokenBucket.take(currentTime)
}

// Middleware rejects requests over the limit with 429
func (rateLimiter *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := GetClientIP(c.Request, rateLimiter.trustProxy)

		if !rateLimiter.Allow(clientIP) {
			rateLimiter.logger.Warnf("Rate limit exceeded for IP: %s", clientIP)
			c.Header("X-RateLimit-Limit", strconv.Itoa(rateLimiter.requests))
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("X-RateLimit-Reset", strconv.FormatInt(rateLimiter.now().Add(rateLimiter.window).Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, models.ErrorResponse{
				Error:   "rate_limited",
				Message: "Rate limit exceeded",
				Code:    http.StatusTooManyRequests,
			})
			return
		}

		c.Next()
	}
}

// GetClientIP extracts the client IP from the request.
// Forwarding headers are honored only when trustProxy is set.
func GetClientIP(request *http.Request, trustProxy bool) string {
	if trustProxy {
		// X-Forwarded-For: client, proxy1, proxy2
		if xForwardedFor := request.Header.Get("X-Forwarded-For"); xForwardedFor != "" {
			first := strings.TrimSpace(strings.Split(xForwardedFor, ",")[0])
			if clientIP := parseHost(first); clientIP != "" {
				return clientIP
			}
		}

		if xRealIP := request.Header.Get("X-Real-IP"); xRealIP != "" {
			if clientIP := parseHost(strings.TrimSpace(xRealIP)); clientIP != "" {
				return clientIP
			}
		}
	}

	clientIP, _, parseError := net.SplitHostPort(request.RemoteAddr)
	if parseError != nil {
		return request.RemoteAddr
	}
	return clientIP
}

func parseHost(value string) string {
	if ip := net.ParseIP(value); ip != nil {
		return ip.String()
	}
	if host, _, err := net.SplitHostPort(value); err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip.String()
		}
	}
	return ""
}

// Len returns the number of tracked clients
func (rateLimiter *Limiter) Len() int {
	rateLimiter.bucketsMutex.Lock()
	defer rateLimiter.bucketsMutex.Unlock()
	return len(rateLimiter.clientBuckets)
}

func (rateLimiter *Limiter) cleanup() {
	for {
		select {
		case <-rateLimiter.cleanupTicker.C:
			rateLimiter.sweep(rateLimiter.now())
		case <-rateLimiter.stopCleanup:
			rateLimiter.cleanupTicker.Stop()
			return
		}
	}
}

// sweep removes buckets idle for longer than bucketIdleTTL
func (rateLimiter *Limiter) sweep(currentTime time.Time) {
	rateLimiter.bucketsMutex.Lock()
	defer rateLimiter.bucketsMutex.Unlock()

	for clientIP, tokenBucket := range rateLimiter.clientBuckets {
		tokenBucket.mu.Lock()
		idle := currentTime.Sub(tokenBucket.lastSeen) > bucketIdleTTL
		tokenBucket.mu.Unlock()
		if idle {
			delete(rateLimiter.clientBuckets, clientIP)
		}
	}
}

// Stop stops the cleanup goroutine
func (rateLimiter *Limiter) Stop() {
	rateLimiter.stopOnce.Do(func() {
		close(rateLimiter.stopCleanup)
	})
}

func newTokenBucket(burst, requests int, window time.Duration, now time.Time) *TokenBucket {
	refillRate := 0.0
	if window > 0 {
		refillRate = float64(requests) / window.Seconds()
	}
	return &TokenBucket{
		capacity:   float64(burst),
		tokens:     float64(burst),
		refillRate: refillRate,
		lastRefill: now,
		lastSeen:   now,
	}
}

func (tokenBucket *TokenBucket) take(currentTime time.Time) bool {
	tokenBucket.mu.Lock()
	defer tokenBucket.mu.Unlock()

	tokenBucket.lastSeen = currentTime
	if currentTime.After(tokenBucket.lastRefill) {
		elapsed := currentTime.Sub(tokenBucket.lastRefill).Seconds()
		tokenBucket.tokens = min(tokenBucket.capacity, tokenBucket.tokens+elapsed*tokenBucket.refillRate)
		tokenBucket.lastRefill = currentTime
	}

	if tokenBucket.tokens >= 1 {
		tokenBucket.tokens--
		return true
	}

	return false
}
