// Package resource is a typed JSON access layer over the rate service: it builds URLs
// under a credential-bearing endpoint, sends requests with default or per-call headers,
// and normalizes every response into either a decoded payload or one classified error.
package resource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dalfonso89/exchanger/internal/config"
	"github.com/dalfonso89/exchanger/internal/logger"
	"github.com/dalfonso89/exchanger/internal/metrics"
	"github.com/dalfonso89/exchanger/internal/models"
	"github.com/dalfonso89/exchanger/internal/notify"
)

// Notifier receives the out-of-band forbidden signal
type Notifier interface {
	NotifyForbidden(ev notify.ForbiddenEvent)
}

// ClientConfig holds the dependencies of a Client
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	Language   string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     logger.Logger
	Metrics    *metrics.Metrics
	Notifier   Notifier
}

// Client performs requests against the rate service. It holds no per-call state and is
// safe for concurrent use.
type Client struct {
	baseURL        string
	apiKey         string
	defaultHeaders http.Header
	httpClient     *http.Client
	logger         logger.Logger
	metrics        *metrics.Metrics
	notifier       Notifier
}

// NewClient creates a client from cfg
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpTransport := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		}
		httpClient = &http.Client{Timeout: cfg.Timeout, Transport: httpTransport}
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewWithOutput("error", "json", io.Discard)
	}

	language := cfg.Language
	if language == "" {
		language = "en"
	}

	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		defaultHeaders: DefaultHeaders(language),
		httpClient:     httpClient,
		logger:         log,
		metrics:        cfg.Metrics,
		notifier:       cfg.Notifier,
	}
}

// NewClientFromConfig wires a client for the configured exchange rate API
func NewClientFromConfig(api config.ExchangeRateAPI, log logger.Logger, m *metrics.Metrics, notifier Notifier) *Client {
	return NewClient(ClientConfig{
		BaseURL:  api.BaseURL,
		APIKey:   api.APIKey,
		Language: api.Language,
		Timeout:  api.Timeout,
		Logger:   log,
		Metrics:  m,
		Notifier: notifier,
	})
}

// DefaultHeaders returns the headers sent when a request does not replace them
func DefaultHeaders(language string) http.Header {
	header := http.Header{}
	header.Set("Accept", "application/json")
	header.Set("Content-Type", "application/json")
	header.Set("Content-Language", language)
	return header
}

// BuildURL joins the endpoint, the embedded credential and path, then appends the encoded query
func (c *Client) BuildURL(path string, query map[string]string) string {
	fullURL := c.endpoint() + "/" + strings.TrimLeft(path, "/")
	if qs := EncodeQuery(query); qs != "" {
		fullURL += "?" + qs
	}
	return fullURL
}

// Get fetches path and decodes the payload into out
func (c *Client) Get(ctx context.Context, path string, out interface{}) error {
	return c.Do(ctx, NewRequest(http.MethodGet, path), out)
}

// Post sends entity to path
func (c *Client) Post(ctx context.Context, path string, entity, out interface{}) error {
	return c.Do(ctx, NewRequest(http.MethodPost, path).WithBody(entity), out)
}

// Put sends entity to path
func (c *Client) Put(ctx context.Context, path string, entity, out interface{}) error {
	return c.Do(ctx, NewRequest(http.MethodPut, path).WithBody(entity), out)
}

// Delete removes path; entity, when non-nil, travels as the request body
func (c *Client) Delete(ctx context.Context, path string, entity, out interface{}) error {
	req := NewRequest(http.MethodDelete, path)
	if entity != nil {
		req = req.WithBody(entity)
	}
	return c.Do(ctx, req, out)
}

// Do sends req and decodes a successful payload into out (which may be nil)
func (c *Client) Do(ctx context.Context, req Request, out interface{}) error {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.hasBody {
		data, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", req.Path, err)
		}
		body = bytes.NewReader(data)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, method, c.BuildURL(req.Path, req.query), body)
	if err != nil {
		return fmt.Errorf("failed to create request %s %s: %w", method, req.Path, unwrapURLError(err))
	}
	httpRequest.Header = req.headers(c.defaultHeaders)

	log := c.logger.WithFields(logger.Fields{"method": method, "path": req.Path})
	startTime := time.Now()

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		outcome := metrics.OutcomeTransportError
		if ctx.Err() != nil {
			outcome = metrics.OutcomeCanceled
		}
		c.metrics.ObserveUpstream(method, outcome, time.Since(startTime))
		log.Debugf("Upstream request failed: %v", unwrapURLError(err))
		return &TransportError{Method: method, Path: req.Path, Cause: unwrapURLError(err)}
	}
	defer response.Body.Close()

	data, err := io.ReadAll(response.Body)
	if err != nil {
		c.metrics.ObserveUpstream(method, metrics.OutcomeTransportError, time.Since(startTime))
		return &TransportError{Method: method, Path: req.Path, Cause: fmt.Errorf("read response body: %w", err)}
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		transportErr := &TransportError{Method: method, Path: req.Path, StatusCode: response.StatusCode, Body: string(data)}
		if transportErr.Forbidden() {
			c.metrics.ObserveUpstream(method, metrics.OutcomeForbidden, time.Since(startTime))
			log.Warn("Upstream answered forbidden")
			c.notifyForbidden(method, req.Path)
		} else {
			c.metrics.ObserveUpstream(method, metrics.OutcomeTransportError, time.Since(startTime))
			log.Warnf("Upstream returned status %d", response.StatusCode)
		}
		return transportErr
	}

	if err := decodeEnvelope(req.Path, data, out); err != nil {
		outcome := metrics.OutcomeDomainError
		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) {
			outcome = metrics.OutcomeTransportError
		}
		c.metrics.ObserveUpstream(method, outcome, time.Since(startTime))
		log.Warnf("Upstream call failed: %v", err)
		return err
	}

	c.metrics.ObserveUpstream(method, metrics.OutcomeSuccess, time.Since(startTime))
	log.WithFields(logger.Fields{"latency": time.Since(startTime).String()}).Debug("Upstream call succeeded")
	return nil
}

// MaskedURL is BuildURL with the credential replaced, for logs and CLI output
func (c *Client) MaskedURL(path string, query map[string]string) string {
	fullURL := c.BuildURL(path, query)
	if c.apiKey == "" {
		return fullURL
	}
	return strings.Replace(fullURL, "/"+url.PathEscape(c.apiKey), "/***", 1)
}

func (c *Client) endpoint() string {
	if c.apiKey == "" {
		return c.baseURL
	}
	return c.baseURL + "/" + url.PathEscape(c.apiKey)
}

func (c *Client) notifyForbidden(method, path string) {
	if c.notifier == nil {
		return
	}
	c.notifier.NotifyForbidden(notify.ForbiddenEvent{Method: method, Path: path, At: time.Now()})
}

// decodeEnvelope fails with a DomainError when the body carries a logical error,
// otherwise decodes it into out
func decodeEnvelope(path string, data []byte, out interface{}) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}

	if trimmed[0] == '{' {
		var envelope models.Envelope
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return &DecodeError{Path: path, Cause: err}
		}
		if envelope.Errors != nil {
			return &DomainError{
				Code:        envelope.Errors.Code,
				Message:     envelope.Errors.Message,
				Details:     envelope.Errors.Details,
				Description: envelope.Errors.Description,
			}
		}
		if envelope.Result == "error" {
			return &DomainError{Code: envelope.ErrorType, Message: "request failed"}
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return &DecodeError{Path: path, Cause: err}
	}
	return nil
}

// unwrapURLError drops the *url.Error wrapper, whose message would repeat the credential-bearing URL
func unwrapURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}
