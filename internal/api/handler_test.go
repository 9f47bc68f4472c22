package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tokengate/tokengate/internal/cost"
	"github.com/tokengate/tokengate/internal/domain"
	"github.com/tokengate/tokengate/internal/metering"
	"github.com/tokengate/tokengate/internal/provider"
	"github.com/tokengate/tokengate/internal/quota"
	"github.com/tokengate/tokengate/internal/ratelimit"
	"github.com/tokengate/tokengate/internal/relay"
	"github.com/tokengate/tokengate/internal/repository"
	"github.com/tokengate/tokengate/internal/router"
)

type stubProvider struct {
	id           string
	completion   *domain.Completion
	generateErr  error
	streamEvents []provider.Event
	streamErr    error
	embeddings   *domain.EmbeddingsResponse
	embedErr     error
}

func (p *stubProvider) ID() string {
	if p.id == "" {
		return "stub"
	}
	return p.id
}

func (p *stubProvider) Generate(ctx context.Context, req domain.ChatRequest) (*domain.Completion, error) {
	return p.completion, p.generateErr
}

func (p *stubProvider) Stream(ctx context.Context, req domain.ChatRequest) (<-chan provider.Event, <-chan error) {
	events := make(chan provider.Event)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errs)
		for _, ev := range p.streamEvents {
			events <- ev
		}
		if p.streamErr != nil {
			errs <- p.streamErr
		}
	}()
	return events, errs
}

func (p *stubProvider) Embeddings(ctx context.Context, req domain.EmbeddingsRequest) (*domain.EmbeddingsResponse, error) {
	return p.embeddings, p.embedErr
}

func (p *stubProvider) Models(ctx context.Context) ([]string, error) {
	return []string{"stub-model"}, nil
}

func (p *stubProvider) HealthCheck(ctx context.Context) error { return nil }

func scopes(ipCap int) map[ratelimit.Scope]ratelimit.ScopeConfig {
	return map[ratelimit.Scope]ratelimit.ScopeConfig{
		ratelimit.ScopeIP:   {Capacity: ipCap, Window: time.Minute},
		ratelimit.ScopeOrg:  {Capacity: 100, Window: time.Minute},
		ratelimit.ScopeUser: {Capacity: 100, Window: time.Minute},
	}
}

func newTestHandler(t *testing.T, store *repository.InMemoryStore, p provider.Provider, ipCap int) *Handler {
	t.Helper()

	limiter := ratelimit.New(ratelimit.NewMemoryStore(), scopes(ipCap))
	guard := quota.NewGuard(store, store, quota.AnonymousPlan(5000))
	rt := router.New(map[string]provider.Provider{p.ID(): p})
	calc := cost.NewCalculator()
	calc.SetPricing("stub", "gpt-4", cost.ModelPricing{InputPer1K: 0.03, OutputPer1K: 0.06})
	recorder := metering.NewRecorder(store, calc,
		filepath.Join(t.TempDir(), "fallback.jsonl"))

	return NewHandler(HandlerConfig{
		Limiter:  limiter,
		Guard:    guard,
		Router:   rt,
		Relay:    relay.New(time.Minute),
		Recorder: recorder,
	})
}

func seedRegisteredOrg(store *repository.InMemoryStore, orgID string, daily int64) {
	store.AddPlan("plan-pro", domain.Plan{
		Code:            "pro",
		DailyTokenLimit: daily,
		StorageLimitMB:  100,
	})
	store.AddSubscription(domain.Subscription{
		OrgID:       orgID,
		PlanID:      "plan-pro",
		Active:      true,
		PeriodStart: time.Now().Add(-24 * time.Hour),
		PeriodEnd:   time.Now().Add(24 * time.Hour),
	})
}

func chatRequest(t *testing.T, body string, headers map[string]string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.RemoteAddr = "203.0.113.7:51234"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

const validChatBody = `{"provider":"stub","model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`

func TestChatCompletionRecordsUsage(t *testing.T) {
	store := repository.NewInMemoryStore()
	seedRegisteredOrg(store, "org-1", 10000)

	p := &stubProvider{completion: &domain.Completion{
		Text:  "hello",
		Usage: &domain.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}}
	h := newTestHandler(t, store, p, 100)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, chatRequest(t, validChatBody, map[string]string{
		"X-Org-ID":  "org-1",
		"X-User-ID": "user-1",
	}))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp domain.Completion
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Text != "hello" {
		t.Errorf("text = %q", resp.Text)
	}

	events := store.Events()
	if len(events) != 1 {
		t.Fatalf("got %d usage events, want 1", len(events))
	}
	ev := events[0]
	if ev.OrgID != "org-1" || ev.UserID != "user-1" || ev.TotalTokens != 30 {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.CostUSD == 0 {
		t.Error("cost should be estimated for a priced provider/model pair")
	}
}

func TestChatCompletionAnonymousAdmitted(t *testing.T) {
	store := repository.NewInMemoryStore()
	p := &stubProvider{completion: &domain.Completion{Text: "ok"}}
	h := newTestHandler(t, store, p, 100)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, chatRequest(t, validChatBody, nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestChatCompletionNoActivePlan(t *testing.T) {
	store := repository.NewInMemoryStore()
	p := &stubProvider{}
	h := newTestHandler(t, store, p, 100)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, chatRequest(t, validChatBody, map[string]string{"X-Org-ID": "org-unknown"}))

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}
}

func TestChatCompletionDailyLimitExceeded(t *testing.T) {
	store := repository.NewInMemoryStore()
	seedRegisteredOrg(store, "org-1", 100)

	now := time.Now()
	store.Insert(context.Background(), domain.UsageEvent{
		OrgID:       "org-1",
		TS:          now,
		Day:         domain.DayFloor(now),
		TotalTokens: 100,
	})

	p := &stubProvider{}
	h := newTestHandler(t, store, p, 100)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, chatRequest(t, validChatBody, map[string]string{"X-Org-ID": "org-1"}))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
}

func TestChatCompletionUnknownProvider(t *testing.T) {
	store := repository.NewInMemoryStore()
	h := newTestHandler(t, store, &stubProvider{}, 100)

	body := `{"provider":"nope","model":"m","messages":[{"role":"user","content":"hi"}]}`
	w := httptest.NewRecorder()
	h.ServeHTTP(w, chatRequest(t, body, nil))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestChatCompletionEmptyMessages(t *testing.T) {
	store := repository.NewInMemoryStore()
	h := newTestHandler(t, store, &stubProvider{}, 100)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, chatRequest(t, `{"provider":"stub","model":"m","messages":[]}`, nil))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestChatCompletionProviderFailure(t *testing.T) {
	store := repository.NewInMemoryStore()
	p := &stubProvider{generateErr: errors.New("upstream exploded")}
	h := newTestHandler(t, store, p, 100)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, chatRequest(t, validChatBody, nil))

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if n := len(store.Events()); n != 0 {
		t.Errorf("got %d usage events after provider failure, want 0", n)
	}
}

func TestChatCompletionIPRateLimited(t *testing.T) {
	store := repository.NewInMemoryStore()
	p := &stubProvider{completion: &domain.Completion{Text: "ok"}}
	h := newTestHandler(t, store, p, 2)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, chatRequest(t, validChatBody, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, chatRequest(t, validChatBody, nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
}

func TestStreamingCompletion(t *testing.T) {
	store := repository.NewInMemoryStore()
	seedRegisteredOrg(store, "org-1", 10000)

	p := &stubProvider{streamEvents: []provider.Event{
		{Content: "hel"},
		{Content: "lo"},
		{Usage: &domain.Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12}},
	}}
	h := newTestHandler(t, store, p, 100)

	body := `{"provider":"stub","model":"gpt-4","messages":[{"role":"user","content":"hi"}],"stream":true}`
	w := httptest.NewRecorder()
	h.ServeHTTP(w, chatRequest(t, body, map[string]string{"X-Org-ID": "org-1"}))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	out := w.Body.String()
	if strings.Count(out, "event: token") != 2 {
		t.Errorf("want 2 token frames in output:\n%s", out)
	}
	if !strings.Contains(out, "event: done") {
		t.Errorf("missing done frame:\n%s", out)
	}

	events := store.Events()
	if len(events) != 1 {
		t.Fatalf("got %d usage events, want 1", len(events))
	}
	if events[0].TotalTokens != 12 {
		t.Errorf("total tokens = %d, want 12", events[0].TotalTokens)
	}
}

func TestStreamingUpstreamError(t *testing.T) {
	store := repository.NewInMemoryStore()
	p := &stubProvider{
		streamEvents: []provider.Event{{Content: "partial"}},
		streamErr:    errors.New("connection reset"),
	}
	h := newTestHandler(t, store, p, 100)

	body := `{"provider":"stub","model":"m","messages":[{"role":"user","content":"hi"}],"stream":true}`
	w := httptest.NewRecorder()
	h.ServeHTTP(w, chatRequest(t, body, nil))

	out := w.Body.String()
	if !strings.Contains(out, "event: error") {
		t.Errorf("missing error frame:\n%s", out)
	}
	if strings.Contains(out, "event: done") {
		t.Errorf("done frame after error:\n%s", out)
	}

	// The stream failed before any usage frame arrived; the event is
	// still recorded, with zero counts.
	events := store.Events()
	if len(events) != 1 {
		t.Fatalf("got %d usage events after stream failure, want 1", len(events))
	}
	if events[0].TotalTokens != 0 {
		t.Errorf("total tokens = %d, want 0", events[0].TotalTokens)
	}
}

// disconnectingProvider hangs up the request context mid-stream, after a
// token and a usage frame have been delivered. The channels are left open
// so the handler can only exit through the disconnect path.
type disconnectingProvider struct {
	cancel context.CancelFunc
}

func (p *disconnectingProvider) ID() string { return "stub" }

func (p *disconnectingProvider) Generate(ctx context.Context, req domain.ChatRequest) (*domain.Completion, error) {
	return nil, domain.ErrUnsupported
}

func (p *disconnectingProvider) Stream(ctx context.Context, req domain.ChatRequest) (<-chan provider.Event, <-chan error) {
	events := make(chan provider.Event)
	errs := make(chan error, 1)
	go func() {
		events <- provider.Event{Content: "par"}
		events <- provider.Event{Usage: &domain.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}}
		p.cancel()
	}()
	return events, errs
}

func (p *disconnectingProvider) Embeddings(ctx context.Context, req domain.EmbeddingsRequest) (*domain.EmbeddingsResponse, error) {
	return nil, domain.ErrUnsupported
}

func (p *disconnectingProvider) Models(ctx context.Context) ([]string, error) { return nil, nil }

func (p *disconnectingProvider) HealthCheck(ctx context.Context) error { return nil }

func TestStreamingClientDisconnectStillRecordsUsage(t *testing.T) {
	store := repository.NewInMemoryStore()
	p := &disconnectingProvider{}
	h := newTestHandler(t, store, p, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.cancel = cancel

	body := `{"provider":"stub","model":"m","messages":[{"role":"user","content":"hi"}],"stream":true}`
	w := httptest.NewRecorder()
	h.ServeHTTP(w, chatRequest(t, body, nil).WithContext(ctx))

	events := store.Events()
	if len(events) != 1 {
		t.Fatalf("got %d usage events after disconnect, want 1", len(events))
	}
	if events[0].TotalTokens != 5 {
		t.Errorf("total tokens = %d, want 5", events[0].TotalTokens)
	}
}

func TestEmbeddings(t *testing.T) {
	store := repository.NewInMemoryStore()
	p := &stubProvider{embeddings: &domain.EmbeddingsResponse{
		Vectors: [][]float64{{0.1, 0.2}},
	}}
	h := newTestHandler(t, store, p, 100)

	body := `{"provider":"stub","model":"embed","input":["hello"]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", strings.NewReader(body))
	req.RemoteAddr = "203.0.113.7:51234"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp domain.EmbeddingsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Vectors) != 1 {
		t.Errorf("got %d vectors, want 1", len(resp.Vectors))
	}
}

func TestEmbeddingsUnsupportedProvider(t *testing.T) {
	store := repository.NewInMemoryStore()
	p := &stubProvider{embedErr: domain.ErrUnsupported}
	h := newTestHandler(t, store, p, 100)

	body := `{"provider":"stub","model":"embed","input":["hello"]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", strings.NewReader(body))
	req.RemoteAddr = "203.0.113.7:51234"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestListModels(t *testing.T) {
	store := repository.NewInMemoryStore()
	h := newTestHandler(t, store, &stubProvider{}, 100)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Object string              `json:"object"`
		Data   map[string][]string `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Data["stub"]) != 1 || resp.Data["stub"][0] != "stub-model" {
		t.Errorf("models = %v", resp.Data)
	}
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		remoteAddr string
		forwarded  string
		want       string
	}{
		{remoteAddr: "198.51.100.4:1234", want: "198.51.100.4"},
		{remoteAddr: "198.51.100.4:1234", forwarded: "203.0.113.9", want: "203.0.113.9"},
		{remoteAddr: "198.51.100.4:1234", forwarded: "203.0.113.9, 10.0.0.1", want: "203.0.113.9"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tc.remoteAddr
		if tc.forwarded != "" {
			req.Header.Set("X-Forwarded-For", tc.forwarded)
		}
		if got := clientIP(req); got != tc.want {
			t.Errorf("clientIP(%q, %q) = %q, want %q", tc.remoteAddr, tc.forwarded, got, tc.want)
		}
	}
}

func TestHealthLive(t *testing.T) {
	store := repository.NewInMemoryStore()
	h := newTestHandler(t, store, &stubProvider{}, 100)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}
