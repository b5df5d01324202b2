package resource

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dalfonso89/exchanger/internal/metrics"
	"github.com/dalfonso89/exchanger/internal/models"
	"github.com/dalfonso89/exchanger/internal/notify"
	"github.com/dalfonso89/exchanger/internal/testutils"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.ForbiddenEvent
}

func (n *recordingNotifier) NotifyForbidden(ev notify.ForbiddenEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func newTestClient(server *testutils.MockPairServer, notifier Notifier, m *metrics.Metrics) *Client {
	return NewClient(ClientConfig{
		BaseURL:  server.URL(),
		APIKey:   testutils.MockAPIKey,
		Language: "en",
		Timeout:  2 * time.Second,
		Logger:   testutils.MockLogger(),
		Metrics:  m,
		Notifier: notifier,
	})
}

func TestClient_BuildURL(t *testing.T) {
	client := NewClient(ClientConfig{BaseURL: "https://v6.exchangerate-api.com/v6/", APIKey: "k3y"})

	tests := []struct {
		name     string
		path     string
		query    map[string]string
		expected string
	}{
		{
			name:     "no parameters",
			path:     "pair/UAH/USD",
			expected: "https://v6.exchangerate-api.com/v6/k3y/pair/UAH/USD",
		},
		{
			name:     "leading slash in path",
			path:     "/pair/UAH/USD",
			expected: "https://v6.exchangerate-api.com/v6/k3y/pair/UAH/USD",
		},
		{
			name:     "empty mapping appends nothing",
			path:     "latest/USD",
			query:    map[string]string{},
			expected: "https://v6.exchangerate-api.com/v6/k3y/latest/USD",
		},
		{
			name:     "encoded parameters",
			path:     "search",
			query:    map[string]string{"q": "a b&c", "fields": "x,y"},
			expected: "https://v6.exchangerate-api.com/v6/k3y/search?fields=x%2Cy&q=a%20b%26c",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := client.BuildURL(tt.path, tt.query); got != tt.expected {
				t.Errorf("BuildURL() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestClient_MaskedURL(t *testing.T) {
	client := NewClient(ClientConfig{BaseURL: "https://host/v6", APIKey: "secret"})

	got := client.MaskedURL("pair/UAH/USD", nil)
	if strings.Contains(got, "secret") {
		t.Errorf("MaskedURL() leaked credential: %v", got)
	}
	if got != "https://host/v6/***/pair/UAH/USD" {
		t.Errorf("MaskedURL() = %v", got)
	}
}

func TestClient_Get_DecodesPayload(t *testing.T) {
	server := testutils.NewMockPairServer()
	defer server.Close()
	client := newTestClient(server, nil, nil)

	var pair models.PairResponse
	if err := client.Get(context.Background(), "pair/UAH/USD", &pair); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if pair.ConversionRate != 0.024 || pair.BaseCode != "UAH" || pair.TargetCode != "USD" {
		t.Errorf("Get() pair = %+v", pair)
	}
	if pair.Result != "success" || pair.TimeLastUpdateUnix == 0 {
		t.Errorf("Get() did not decode metadata: %+v", pair)
	}
}

func TestClient_DefaultHeaders(t *testing.T) {
	server := testutils.NewMockPairServer()
	defer server.Close()
	client := newTestClient(server, nil, nil)

	if err := client.Get(context.Background(), "pair/UAH/USD", nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	header := server.Requests()[0].Header
	for key, want := range map[string]string{
		"Accept":           "application/json",
		"Content-Type":     "application/json",
		"Content-Language": "en",
	} {
		if got := header.Get(key); got != want {
			t.Errorf("header %s = %q, want %q", key, got, want)
		}
	}
}

func TestClient_HeadersOverriddenPerCallOnly(t *testing.T) {
	server := testutils.NewMockPairServer()
	defer server.Close()
	client := newTestClient(server, nil, nil)
	ctx := context.Background()

	custom := http.Header{}
	custom.Set("Accept", "text/plain")
	if err := client.Do(ctx, NewRequest(http.MethodGet, "pair/UAH/USD").WithHeaders(custom), nil); err != nil {
		t.Fatalf("Do() with custom headers error = %v", err)
	}
	if err := client.Do(ctx, NewRequest(http.MethodGet, "pair/UAH/USD").WithHeader("Content-Language", "uk"), nil); err != nil {
		t.Fatalf("Do() with single header error = %v", err)
	}
	if err := client.Get(ctx, "pair/UAH/USD", nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	requests := server.Requests()
	if got := requests[0].Header.Get("Accept"); got != "text/plain" {
		t.Errorf("replaced Accept = %q, want text/plain", got)
	}
	if got := requests[0].Header.Get("Content-Language"); got != "" {
		t.Errorf("replaced headers still carry default Content-Language %q", got)
	}
	if got := requests[1].Header.Get("Content-Language"); got != "uk" {
		t.Errorf("overridden Content-Language = %q, want uk", got)
	}
	if got := requests[1].Header.Get("Accept"); got != "application/json" {
		t.Errorf("single override dropped default Accept: %q", got)
	}
	if got := requests[2].Header.Get("Accept"); got != "application/json" {
		t.Errorf("custom headers leaked into next call: Accept = %q", got)
	}
}

func TestClient_QueryDoesNotLeakBetweenCalls(t *testing.T) {
	server := testutils.NewMockPairServer()
	defer server.Close()
	client := newTestClient(server, nil, nil)
	ctx := context.Background()

	base := NewRequest(http.MethodGet, "echo")
	if err := client.Do(ctx, base.WithQuery("page", "2").WithFields("id", "name"), nil); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if err := client.Do(ctx, base, nil); err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	requests := server.Requests()
	if requests[0].Query != "fields=id%2Cname&page=2" {
		t.Errorf("first query = %q", requests[0].Query)
	}
	if requests[1].Query != "" {
		t.Errorf("second call inherited query %q", requests[1].Query)
	}
}

func TestClient_WriteVerbs(t *testing.T) {
	server := testutils.NewMockPairServer()
	defer server.Close()
	client := newTestClient(server, nil, nil)
	ctx := context.Background()

	type echo struct {
		Method string                 `json:"method"`
		Body   map[string]interface{} `json:"body"`
	}
	entity := map[string]interface{}{"id": 7, "name": "rate"}

	tests := []struct {
		name   string
		call   func(out interface{}) error
		method string
		body   bool
	}{
		{"post", func(out interface{}) error { return client.Post(ctx, "items/7", entity, out) }, http.MethodPost, true},
		{"put", func(out interface{}) error { return client.Put(ctx, "items/7", entity, out) }, http.MethodPut, true},
		{"delete with body", func(out interface{}) error { return client.Delete(ctx, "items/7", entity, out) }, http.MethodDelete, true},
		{"delete without body", func(out interface{}) error { return client.Delete(ctx, "items/7", nil, out) }, http.MethodDelete, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got echo
			if err := tt.call(&got); err != nil {
				t.Fatalf("call error = %v", err)
			}
			if got.Method != tt.method {
				t.Errorf("method = %v, want %v", got.Method, tt.method)
			}
			if tt.body && got.Body["name"] != "rate" {
				t.Errorf("body = %v, want entity echoed", got.Body)
			}
			if !tt.body && got.Body != nil {
				t.Errorf("body = %v, want none", got.Body)
			}
		})
	}
}

func TestClient_EnvelopeErrorFailsDespite200(t *testing.T) {
	server := testutils.NewMockPairServer()
	defer server.Close()
	server.SetEnvelopeError(&models.ErrorsPayload{Code: "quota", Message: "quota reached", Details: models.Details{"upgrade plan"}})

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	client := newTestClient(server, nil, m)

	var pair models.PairResponse
	err := client.Get(context.Background(), "pair/UAH/USD", &pair)

	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("Get() error = %v, want *DomainError", err)
	}
	if domainErr.Code != "quota" || domainErr.Message != "quota reached" || len(domainErr.Details) != 1 {
		t.Errorf("DomainError = %+v", domainErr)
	}
	if Classify(err) != KindDomain {
		t.Errorf("Classify() = %v, want domain", Classify(err))
	}
	if pair.ConversionRate != 0 {
		t.Errorf("payload decoded despite error envelope: %+v", pair)
	}
	if got := testutil.ToFloat64(m.UpstreamRequestsTotal.WithLabelValues("GET", metrics.OutcomeDomainError)); got != 1 {
		t.Errorf("domain error metric = %v, want 1", got)
	}
}

func TestClient_TransportError(t *testing.T) {
	server := testutils.NewMockPairServer()
	defer server.Close()
	notifier := &recordingNotifier{}
	client := newTestClient(server, notifier, nil)

	err := client.Get(context.Background(), "pair/UAH/XXX", nil)

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("Get() error = %v, want *TransportError", err)
	}
	if transportErr.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", transportErr.StatusCode)
	}
	if !strings.Contains(transportErr.Body, "unsupported-code") {
		t.Errorf("Body = %q, want upstream payload", transportErr.Body)
	}
	if errors.Is(err, ErrForbidden) {
		t.Errorf("404 matched ErrForbidden")
	}
	if notifier.count() != 0 {
		t.Errorf("non-403 triggered forbidden notification")
	}
	if strings.Contains(err.Error(), testutils.MockAPIKey) {
		t.Errorf("error message leaked credential: %v", err)
	}
}

func TestClient_ForbiddenNotifiesOncePerOccurrence(t *testing.T) {
	server := testutils.NewMockPairServer()
	defer server.Close()
	server.SetStatus(http.StatusForbidden)
	notifier := &recordingNotifier{}
	client := newTestClient(server, notifier, nil)

	for i := 1; i <= 2; i++ {
		err := client.Get(context.Background(), "pair/UAH/USD", nil)
		if !errors.Is(err, ErrForbidden) {
			t.Fatalf("Get() error = %v, want ErrForbidden", err)
		}
		if Classify(err) != KindForbidden {
			t.Errorf("Classify() = %v, want forbidden", Classify(err))
		}
		if notifier.count() != i {
			t.Errorf("after %d forbidden calls notifications = %d", i, notifier.count())
		}
	}

	if notifier.events[0].Path != "pair/UAH/USD" || notifier.events[0].Method != http.MethodGet {
		t.Errorf("event = %+v", notifier.events[0])
	}
}

func TestClient_ForbiddenNotifiesEvenWhenErrorIgnored(t *testing.T) {
	server := testutils.NewMockPairServer()
	defer server.Close()
	registry := notify.NewRegistry()
	client := NewClient(ClientConfig{
		BaseURL:  server.URL(),
		APIKey:   "wrong-key",
		Logger:   testutils.MockLogger(),
		Notifier: registry,
	})

	_ = client.Get(context.Background(), "pair/UAH/USD", nil)

	if registry.Count() != 1 {
		t.Errorf("registry Count() = %d, want 1", registry.Count())
	}
}

func TestClient_ConnectivityFailure(t *testing.T) {
	server := testutils.NewMockPairServer()
	url := server.URL()
	server.Close()

	client := NewClient(ClientConfig{BaseURL: url, APIKey: testutils.MockAPIKey, Timeout: time.Second})
	err := client.Get(context.Background(), "pair/UAH/USD", nil)

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("Get() error = %v, want *TransportError", err)
	}
	if transportErr.StatusCode != 0 || transportErr.Cause == nil {
		t.Errorf("TransportError = %+v, want cause and no status", transportErr)
	}
	if strings.Contains(err.Error(), testutils.MockAPIKey) {
		t.Errorf("error message leaked credential: %v", err)
	}
}

func TestClient_ContextCancellation(t *testing.T) {
	server := testutils.NewMockPairServer()
	defer server.Close()
	server.SetDelay(time.Second)
	client := newTestClient(server, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := client.Get(ctx, "pair/UAH/USD", nil)
	if Classify(err) != KindCanceled {
		t.Errorf("Classify(%v) = %v, want canceled", err, Classify(err))
	}
}

func TestClient_DecodeError(t *testing.T) {
	server := testutils.NewMockPairServer()
	defer server.Close()
	client := newTestClient(server, nil, nil)

	var wrongShape struct {
		Method int `json:"method"`
	}
	err := client.Get(context.Background(), "echo", &wrongShape)

	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("Get() error = %v, want *DecodeError", err)
	}
	var syntaxOrType *json.UnmarshalTypeError
	if !errors.As(err, &syntaxOrType) {
		t.Errorf("DecodeError does not unwrap to the json error: %v", err)
	}
}

func TestClient_ConcurrentCallsIndependent(t *testing.T) {
	server := testutils.NewMockPairServer()
	defer server.Close()
	client := newTestClient(server, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := NewRequest(http.MethodGet, "echo")
			if i%2 == 0 {
				req = req.WithQuery("n", "even")
			}
			if err := client.Do(context.Background(), req, nil); err != nil {
				t.Errorf("Do() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	withQuery := 0
	for _, req := range server.Requests() {
		switch req.Query {
		case "n=even":
			withQuery++
		case "":
		default:
			t.Errorf("unexpected query %q", req.Query)
		}
	}
	if withQuery != 10 {
		t.Errorf("requests with query = %d, want 10", withQuery)
	}
}
