package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dalfonso89/exchanger/internal/converter"
	"github.com/dalfonso89/exchanger/internal/logger"
	"github.com/dalfonso89/exchanger/internal/middleware"
	"github.com/dalfonso89/exchanger/internal/models"
	"github.com/dalfonso89/exchanger/internal/notify"
	"github.com/dalfonso89/exchanger/internal/ratelimit"
	"github.com/dalfonso89/exchanger/internal/resource"
	"github.com/dalfonso89/exchanger/internal/session"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// RatesProvider is the facade the handlers read rates from
type RatesProvider interface {
	GetRate(ctx context.Context, base, target models.CurrencyCode) (models.RateQuote, error)
	ReferenceRates(ctx context.Context) ([]models.ReferenceRate, error)
}

// HandlerConfig holds the dependencies of the HTTP surface
type HandlerConfig struct {
	Logger      logger.Logger
	Rates       RatesProvider
	Sessions    *session.Store
	RateLimiter *ratelimit.Limiter
	Forbidden   *notify.Registry
	Gatherer    prometheus.Gatherer
	// WaitTimeout bounds PATCH ?wait=true; zero means the request context only
	WaitTimeout time.Duration
}

// Handlers contains all HTTP handlers
type Handlers struct {
	logger      logger.Logger
	rates       RatesProvider
	sessions    *session.Store
	rateLimiter *ratelimit.Limiter
	forbidden   *notify.Registry
	gatherer    prometheus.Gatherer
	waitTimeout time.Duration
	startTime   time.Time
}

// NewHandlers creates a new handlers instance
func NewHandlers(handlerConfig HandlerConfig) *Handlers {
	return &Handlers{
		logger:      handlerConfig.Logger,
		rates:       handlerConfig.Rates,
		sessions:    handlerConfig.Sessions,
		rateLimiter: handlerConfig.RateLimiter,
		forbidden:   handlerConfig.Forbidden,
		gatherer:    handlerConfig.Gatherer,
		waitTimeout: handlerConfig.WaitTimeout,
		startTime:   time.Now(),
	}
}

// SetupRoutes configures all the routes using Gin
func (handlers *Handlers) SetupRoutes() *gin.Engine {
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(handlers.logger))
	router.Use(middleware.Recovery(handlers.logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS())

	if handlers.rateLimiter != nil {
		router.Use(handlers.rateLimiter.Middleware())
	}

	router.GET("/health", handlers.HealthCheck)
	if handlers.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(handlers.gatherer, promhttp.HandlerOpts{})))
	}

	apiV1 := router.Group("/api/v1")
	{
		apiV1.GET("/currencies", handlers.GetCurrencies)
		apiV1.GET("/rates/:base/:target", handlers.GetRate)
		apiV1.GET("/reference-rates", handlers.GetReferenceRates)

		apiV1.POST("/sessions", handlers.CreateSession)
		apiV1.GET("/sessions/:id", handlers.GetSession)
		apiV1.PATCH("/sessions/:id/:side", handlers.EditSession)
		apiV1.DELETE("/sessions/:id", handlers.DeleteSession)
	}

	return router
}

// HealthCheck handles health check requests
func (handlers *Handlers) HealthCheck(context *gin.Context) {
	healthCheckResponse := models.HealthCheck{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   Version,
		Uptime:    time.Since(handlers.startTime).String(),
	}
	if handlers.sessions != nil {
		healthCheckResponse.ActiveSessions = handlers.sessions.Len()
	}
	if handlers.forbidden != nil && handlers.forbidden.Count() > 0 {
		last := handlers.forbidden.Last()
		healthCheckResponse.Status = "degraded"
		healthCheckResponse.UpstreamForbidden = true
		healthCheckResponse.LastForbiddenAt = &last
	}

	context.JSON(http.StatusOK, healthCheckResponse)
}

// GetCurrencies returns the supported currency set
func (handlers *Handlers) GetCurrencies(context *gin.Context) {
	context.JSON(http.StatusOK, gin.H{"currencies": models.SupportedCurrencies()})
}

// GetRate returns the rate converting base into target
func (handlers *Handlers) GetRate(context *gin.Context) {
	base, parseError := models.ParseCurrency(context.Param("base"))
	if parseError != nil {
		handlers.writeErrorResponse(context, http.StatusBadRequest, "invalid_currency", parseError.Error())
		return
	}
	target, parseError := models.ParseCurrency(context.Param("target"))
	if parseError != nil {
		handlers.writeErrorResponse(context, http.StatusBadRequest, "invalid_currency", parseError.Error())
		return
	}

	quote, fetchError := handlers.rates.GetRate(context.Request.Context(), base, target)
	if fetchError != nil {
		handlers.writeUpstreamError(context, fetchError)
		return
	}

	context.JSON(http.StatusOK, quote)
}

// GetReferenceRates returns the reference strip
func (handlers *Handlers) GetReferenceRates(context *gin.Context) {
	referenceRates, fetchError := handlers.rates.ReferenceRates(context.Request.Context())
	if fetchError != nil {
		handlers.writeUpstreamError(context, fetchError)
		return
	}

	context.JSON(http.StatusOK, gin.H{"rates": referenceRates})
}

type createSessionRequest struct {
	Left  string `json:"left"`
	Right string `json:"right"`
}

type sessionResponse struct {
	ID    string          `json:"id"`
	State converter.State `json:"state"`
}

// CreateSession starts a converter session
func (handlers *Handlers) CreateSession(context *gin.Context) {
	var request createSessionRequest
	if context.Request.ContentLength != 0 {
		if bindError := context.ShouldBindJSON(&request); bindError != nil {
			handlers.writeErrorResponse(context, http.StatusBadRequest, "invalid_body", bindError.Error())
			return
		}
	}

	left, right, parseError := parseOptionalPair(request.Left, request.Right)
	if parseError != nil {
		handlers.writeErrorResponse(context, http.StatusBadRequest, "invalid_currency", parseError.Error())
		return
	}

	sessionID, controller, createError := handlers.sessions.Create(left, right)
	if createError != nil {
		handlers.writeSessionError(context, createError)
		return
	}

	context.Header("Location", "/api/v1/sessions/"+sessionID)
	context.JSON(http.StatusCreated, sessionResponse{ID: sessionID, State: controller.State()})
}

// GetSession returns the current state of a session
func (handlers *Handlers) GetSession(context *gin.Context) {
	sessionID := context.Param("id")
	controller, getError := handlers.sessions.Get(sessionID)
	if getError != nil {
		handlers.writeSessionError(context, getError)
		return
	}

	context.JSON(http.StatusOK, sessionResponse{ID: sessionID, State: controller.State()})
}

// optionalAmount tells an absent amount apart from an explicit null
type optionalAmount struct {
	Present bool
	Value   *float64
}

func (amount *optionalAmount) UnmarshalJSON(data []byte) error {
	amount.Present = true
	if string(data) == "null" {
		amount.Value = nil
		return nil
	}
	var value float64
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	amount.Value = &value
	return nil
}

type editSessionRequest struct {
	Amount   optionalAmount `json:"amount"`
	Currency *string        `json:"currency"`
}

// EditSession applies a user edit to one side; ?wait=true blocks until the sync cycle settles
func (handlers *Handlers) EditSession(context *gin.Context) {
	sessionID := context.Param("id")
	controller, getError := handlers.sessions.Get(sessionID)
	if getError != nil {
		handlers.writeSessionError(context, getError)
		return
	}

	side, sideError := converter.ParseSide(context.Param("side"))
	if sideError != nil {
		handlers.writeErrorResponse(context, http.StatusBadRequest, "invalid_side", sideError.Error())
		return
	}

	var request editSessionRequest
	if bindError := context.ShouldBindJSON(&request); bindError != nil {
		handlers.writeErrorResponse(context, http.StatusBadRequest, "invalid_body", bindError.Error())
		return
	}
	if !request.Amount.Present && request.Currency == nil {
		handlers.writeErrorResponse(context, http.StatusBadRequest, "invalid_body", "amount or currency is required")
		return
	}

	editError := handlers.applyEdit(controller, side, request)
	if editError != nil {
		handlers.writeSessionError(context, editError)
		return
	}

	if wait, _ := strconv.ParseBool(context.Query("wait")); wait {
		waitContext := context.Request.Context()
		if handlers.waitTimeout > 0 {
			var cancel func()
			waitContext, cancel = contextWithTimeout(waitContext, handlers.waitTimeout)
			defer cancel()
		}
		if waitError := controller.Wait(waitContext); waitError != nil {
			handlers.logger.WithFields(logger.Fields{"session": sessionID}).Warnf("Wait for sync cycle ended: %v", waitError)
		}
	}

	context.JSON(http.StatusOK, sessionResponse{ID: sessionID, State: controller.State()})
}

func (handlers *Handlers) applyEdit(controller *converter.Controller, side converter.Side, request editSessionRequest) error {
	var currency models.CurrencyCode
	if request.Currency != nil {
		parsed, parseError := models.ParseCurrency(*request.Currency)
		if parseError != nil {
			return parseError
		}
		currency = parsed
	}

	switch {
	case request.Amount.Present && request.Currency != nil:
		return controller.Set(side, models.ConversionField{Amount: request.Amount.Value, Currency: currency})
	case request.Amount.Present:
		return controller.SetAmount(side, request.Amount.Value)
	default:
		return controller.SetCurrency(side, currency)
	}
}

// DeleteSession disposes a session
func (handlers *Handlers) DeleteSession(context *gin.Context) {
	if deleteError := handlers.sessions.Delete(context.Param("id")); deleteError != nil {
		handlers.writeSessionError(context, deleteError)
		return
	}

	context.Status(http.StatusNoContent)
}

func (handlers *Handlers) writeSessionError(context *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, converter.ErrClosed):
		handlers.writeErrorResponse(context, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, session.ErrLimitReached):
		handlers.writeErrorResponse(context, http.StatusTooManyRequests, "session_limit", err.Error())
	case errors.Is(err, models.ErrUnknownCurrency):
		handlers.writeErrorResponse(context, http.StatusBadRequest, "invalid_currency", err.Error())
	case errors.Is(err, converter.ErrInvalidAmount):
		handlers.writeErrorResponse(context, http.StatusBadRequest, "invalid_amount", err.Error())
	default:
		handlers.logger.Errorf("Session operation failed: %v", err)
		handlers.writeErrorResponse(context, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// writeUpstreamError maps a facade failure onto a gateway status
func (handlers *Handlers) writeUpstreamError(context *gin.Context, err error) {
	if errors.Is(err, models.ErrUnknownCurrency) {
		handlers.writeErrorResponse(context, http.StatusBadRequest, "invalid_currency", err.Error())
		return
	}

	kind := resource.Classify(err)
	handlers.logger.WithFields(logger.Fields{"kind": kind.String()}).Warnf("Upstream request failed: %v", err)

	statusCode := http.StatusBadGateway
	if kind == resource.KindCanceled {
		statusCode = http.StatusGatewayTimeout
	}
	handlers.writeErrorResponse(context, statusCode, kind.String(), err.Error())
}

// writeErrorResponse writes an error response using Gin context
func (handlers *Handlers) writeErrorResponse(context *gin.Context, statusCode int, errorCode, errorDetails string) {
	errorResponse := models.ErrorResponse{
		Error:   errorCode,
		Message: errorDetails,
		Code:    statusCode,
	}

	context.JSON(statusCode, errorResponse)
}

func parseOptionalPair(left, right string) (models.CurrencyCode, models.CurrencyCode, error) {
	var leftCode, rightCode models.CurrencyCode
	var err error
	if left != "" {
		if leftCode, err = models.ParseCurrency(left); err != nil {
			return "", "", err
		}
	}
	if right != "" {
		if rightCode, err = models.ParseCurrency(right); err != nil {
			return "", "", err
		}
	}
	return leftCode, rightCode, nil
}

// contextWithTimeout is used where a handler's gin parameter shadows the context package
func contextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, timeout)
}
