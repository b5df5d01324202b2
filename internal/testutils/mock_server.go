package testutils

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/dalfonso89/exchanger/internal/models"
)

// RecordedRequest is what the mock server saw for one call
type RecordedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   string
}

// MockPairServer emulates the rate service: GET /{key}/pair/{base}/{target}.
// Any other path under the key echoes the request back as JSON.
type MockPairServer struct {
	server *httptest.Server

	mu            sync.Mutex
	rates         map[string]float64
	status        int
	envelopeError *models.ErrorsPayload
	delay         time.Duration
	requests      []RecordedRequest
}

// NewMockPairServer starts a server preloaded with UAH->USD 0.024 and UAH->EUR 0.022
func NewMockPairServer() *MockPairServer {
	mock := &MockPairServer{rates: make(map[string]float64)}
	mock.SetRate(models.UAH, models.USD, 0.024)
	mock.SetRate(models.UAH, models.EUR, 0.022)
	mock.SetRate(models.USD, models.EUR, 0.92)

	mock.server = httptest.NewServer(http.HandlerFunc(mock.handler))
	return mock
}

// URL returns the base URL; the credential segment is appended by the client
func (m *MockPairServer) URL() string {
	return m.server.URL
}

// Close shuts the server down
func (m *MockPairServer) Close() {
	m.server.Close()
}

// SetRate sets the rate served for base->target
func (m *MockPairServer) SetRate(base, target models.CurrencyCode, rate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates[string(base)+"/"+string(target)] = rate
}

// SetStatus forces every response to carry status (0 restores normal behavior)
func (m *MockPairServer) SetStatus(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
}

// SetEnvelopeError makes every response a 200 carrying an errors envelope (nil restores)
func (m *MockPairServer) SetEnvelopeError(payload *models.ErrorsPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envelopeError = payload
}

// SetDelay delays every response
func (m *MockPairServer) SetDelay(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = delay
}

// Requests returns a copy of every recorded request
func (m *MockPairServer) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestCount returns how many requests were received
func (m *MockPairServer) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *MockPairServer) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	m.requests = append(m.requests, RecordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Header: r.Header.Clone(),
		Body:   string(body),
	})
	status := m.status
	envelopeError := m.envelopeError
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")

	prefix := "/" + MockAPIKey + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		writeJSON(w, http.StatusForbidden, map[string]string{"result": "error", "error-type": "invalid-key"})
		return
	}

	if status != 0 {
		writeJSON(w, status, map[string]string{"result": "error", "error-type": http.StatusText(status)})
		return
	}

	if envelopeError != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": false, "errors": envelopeError})
		return
	}

	segments := strings.Split(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if len(segments) == 3 && segments[0] == "pair" && r.Method == http.MethodGet {
		m.mu.Lock()
		rate, found := m.rates[segments[1]+"/"+segments[2]]
		m.mu.Unlock()
		if !found {
			writeJSON(w, http.StatusNotFound, map[string]string{"result": "error", "error-type": "unsupported-code"})
			return
		}
		writeJSON(w, http.StatusOK, MockPairResponse(models.CurrencyCode(segments[1]), models.CurrencyCode(segments[2]), rate))
		return
	}

	var decoded interface{}
	_ = json.Unmarshal(body, &decoded)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"method": r.Method,
		"path":   r.URL.Path,
		"query":  r.URL.RawQuery,
		"body":   decoded,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
