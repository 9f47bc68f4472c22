// Package api exposes the HTTP surface: chat completions (blocking and
// streaming), embeddings, model listing, health, and metrics. Every chat
// and embeddings request passes the same admission pipeline: rate limits
// by IP, org, and user, then the quota guard.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tokengate/tokengate/internal/domain"
	"github.com/tokengate/tokengate/internal/metering"
	"github.com/tokengate/tokengate/internal/metrics"
	"github.com/tokengate/tokengate/internal/provider"
	"github.com/tokengate/tokengate/internal/quota"
	"github.com/tokengate/tokengate/internal/ratelimit"
	"github.com/tokengate/tokengate/internal/relay"
	"github.com/tokengate/tokengate/internal/router"
	"github.com/tokengate/tokengate/internal/telemetry"
)

type HandlerConfig struct {
	Limiter      *ratelimit.Limiter
	Guard        *quota.Guard
	Router       *router.Router
	Relay        *relay.Relay
	Recorder     *metering.Recorder
	Checkers     []HealthChecker
	CheckTimeout time.Duration
}

type Handler struct {
	limiter  *ratelimit.Limiter
	guard    *quota.Guard
	router   *router.Router
	relay    *relay.Relay
	recorder *metering.Recorder
	mux      *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	timeout := cfg.CheckTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	h := &Handler{
		limiter:  cfg.Limiter,
		guard:    cfg.Guard,
		router:   cfg.Router,
		relay:    cfg.Relay,
		recorder: cfg.Recorder,
		mux:      http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/chat/completions", h.handleChatCompletions)
	h.mux.HandleFunc("POST /v1/embeddings", h.handleEmbeddings)
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", readyHandler(cfg.Checkers, timeout))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// identity is the caller as resolved from request headers. An empty
// OrgID marks the request anonymous.
type identity struct {
	IP     string
	OrgID  string
	UserID string
}

func (id identity) anonymous() bool { return id.OrgID == "" }

func resolveIdentity(r *http.Request) identity {
	return identity{
		IP:     clientIP(r),
		OrgID:  r.Header.Get("X-Org-ID"),
		UserID: r.Header.Get("X-User-ID"),
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// admit runs the rate-limit scopes in order (ip, org, user) and then the
// quota guard. It writes the rejection response itself and reports
// whether the request may proceed.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request, id identity, requestID string) (*domain.Plan, quota.Policy, bool) {
	ctx := r.Context()

	type scopeCheck struct {
		scope    ratelimit.Scope
		key      string
		reason   string
		rejected error
	}
	checks := []scopeCheck{{ratelimit.ScopeIP, id.IP, "ip_rate_limited", domain.ErrIPRateLimited}}
	if id.OrgID != "" {
		checks = append(checks, scopeCheck{ratelimit.ScopeOrg, id.OrgID, "org_rate_limited", domain.ErrOrgRateLimited})
	}
	if id.UserID != "" {
		checks = append(checks, scopeCheck{ratelimit.ScopeUser, id.OrgID + ":" + id.UserID, "user_rate_limited", domain.ErrUserRateLimited})
	}

	for _, c := range checks {
		allowed, err := h.limiter.TryConsume(ctx, c.scope, c.key)
		if err != nil {
			slog.Error("rate limiter error", "scope", c.scope, "error", err, "request_id", requestID)
			writeError(w, http.StatusInternalServerError, "internal error")
			return nil, "", false
		}
		if !allowed {
			metrics.RecordRejection(c.reason)
			slog.Warn("rate limit exceeded",
				"scope", c.scope,
				"org_id", id.OrgID,
				"request_id", requestID,
			)
			writeError(w, http.StatusTooManyRequests, c.rejected.Error())
			return nil, "", false
		}
	}

	plan, policy, err := h.guard.Authorize(ctx, id.OrgID, id.anonymous())
	if err != nil {
		h.writeQuotaError(w, err, id, requestID)
		return nil, "", false
	}

	return plan, policy, true
}

func (h *Handler) writeQuotaError(w http.ResponseWriter, err error, id identity, requestID string) {
	switch {
	case errors.Is(err, domain.ErrNoActivePlan):
		metrics.RecordRejection("no_active_plan")
		writeError(w, http.StatusPaymentRequired, "no active plan")
	case errors.Is(err, domain.ErrDailyLimitExceeded):
		metrics.RecordRejection("daily_limit_exceeded")
		writeError(w, http.StatusTooManyRequests, "daily token limit exceeded")
	case errors.Is(err, domain.ErrStorageLimitExceeded):
		metrics.RecordRejection("storage_limit_exceeded")
		writeError(w, http.StatusRequestEntityTooLarge, "storage limit exceeded")
	default:
		slog.Error("quota check failed", "error", err, "org_id", id.OrgID, "request_id", requestID)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}

	ctx, span := telemetry.StartSpan(ctx, "chat.completions")
	defer span.End()

	id := resolveIdentity(r)

	plan, policy, ok := h.admit(w, r, id, requestID)
	if !ok {
		return
	}

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest.Error()+": malformed body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest.Error()+": messages must not be empty")
		return
	}

	p, err := h.router.Select(req.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx = quota.WithPlan(ctx, plan, policy)
	telemetry.AddRequestAttributes(span, id.OrgID, id.UserID, req.Provider, req.Model, requestID)
	w.Header().Set("X-Request-ID", requestID)

	if req.Stream {
		h.streamCompletion(ctx, w, p, req, id, requestID, start)
		return
	}

	completion, err := p.Generate(ctx, req)
	if err != nil {
		metrics.RecordProviderError(req.Provider, "generate")
		telemetry.AddErrorAttribute(span, err)
		slog.Error("provider request failed",
			"provider", req.Provider,
			"error", err,
			"request_id", requestID,
		)
		writeError(w, http.StatusBadGateway, domain.ErrProviderError.Error())
		return
	}

	if completion.Usage != nil {
		h.meter(ctx, req, id, *completion.Usage)
		telemetry.AddTokenAttributes(span, completion.Usage.PromptTokens, completion.Usage.CompletionTokens)
	}

	elapsed := time.Since(start)
	metrics.RecordRequest(id.OrgID, req.Provider, req.Model, "ok", elapsed.Seconds())
	slog.Info("request completed",
		"request_id", requestID,
		"org_id", id.OrgID,
		"provider", req.Provider,
		"model", req.Model,
		"latency_ms", elapsed.Milliseconds(),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(completion)
}

func (h *Handler) streamCompletion(ctx context.Context, w http.ResponseWriter, p provider.Provider, req domain.ChatRequest, id identity, requestID string, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	events, errs := p.Stream(ctx, req)
	result := h.relay.Run(ctx, flushWriter{w, flusher}, events, errs)

	// A usage event is recorded on every exit path, with whatever counts
	// the upstream reported before the stream ended. The record must
	// survive a client disconnect, so it runs outside the request context.
	usage := domain.Usage{}
	if result.Usage != nil {
		usage = *result.Usage
	}
	h.meter(context.WithoutCancel(ctx), req, id, usage)

	status := "ok"
	switch {
	case result.Disconnected:
		status = "disconnected"
	case result.Err != nil:
		status = "error"
		metrics.RecordProviderError(req.Provider, "stream")
	}

	elapsed := time.Since(start)
	metrics.RecordRequest(id.OrgID, req.Provider, req.Model, status, elapsed.Seconds())
	slog.Info("streaming request finished",
		"request_id", requestID,
		"org_id", id.OrgID,
		"provider", req.Provider,
		"model", req.Model,
		"status", status,
		"latency_ms", elapsed.Milliseconds(),
	)
}

type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) { return fw.w.Write(p) }
func (fw flushWriter) Flush()                      { fw.f.Flush() }

// meter records one usage event. Outcome handling lives in the recorder;
// request handling never fails on accounting problems.
func (h *Handler) meter(ctx context.Context, req domain.ChatRequest, id identity, usage domain.Usage) {
	ev := domain.UsageEvent{
		Provider:         req.Provider,
		Model:            req.Model,
		OrgID:            id.OrgID,
		UserID:           id.UserID,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
	}
	h.recorder.Record(ctx, ev)

	metrics.RecordTokens(id.OrgID, req.Provider, req.Model, usage.PromptTokens, usage.CompletionTokens)
}

func (h *Handler) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}

	id := resolveIdentity(r)

	plan, policy, ok := h.admit(w, r, id, requestID)
	if !ok {
		return
	}

	var req domain.EmbeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Input) == 0 {
		writeError(w, http.StatusBadRequest, "input must not be empty")
		return
	}

	p, err := h.router.Select(req.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx = quota.WithPlan(ctx, plan, policy)

	resp, err := p.Embeddings(ctx, req)
	if err != nil {
		if errors.Is(err, domain.ErrUnsupported) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		metrics.RecordProviderError(req.Provider, "embeddings")
		slog.Error("embeddings request failed",
			"provider", req.Provider,
			"error", err,
			"request_id", requestID,
		)
		writeError(w, http.StatusBadGateway, "provider request failed")
		return
	}

	w.Header().Set("X-Request-ID", requestID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	models := make(map[string][]string)
	for _, providerID := range h.router.List() {
		p, ok := h.router.Get(providerID)
		if !ok {
			continue
		}
		list, err := p.Models(ctx)
		if err != nil {
			slog.Warn("failed to list models", "provider", providerID, "error", err)
			continue
		}
		models[providerID] = list
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   models,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    status,
		},
	})
}
