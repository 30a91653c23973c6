package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/billbridge/internal/logging"
	"github.com/agentworkforce/billbridge/internal/notify"
	"github.com/agentworkforce/billbridge/internal/quota"
	"github.com/agentworkforce/billbridge/internal/reconcile"
	"github.com/agentworkforce/billbridge/internal/store"
	"github.com/agentworkforce/billbridge/internal/syncerr"
	"github.com/agentworkforce/billbridge/internal/webhook"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	SweepPageSize   int
	QuotaWindowDays int
}

type Syncer interface {
	SyncBatch(ctx context.Context, targets []reconcile.SyncTarget) []reconcile.SyncResult
	Sweep(ctx context.Context, tenantID string, pageSize int, locationID string) ([]reconcile.SyncResult, error)
}

type WebhookHandler interface {
	Handle(ctx context.Context, tenantID, signature string, payload []byte) (webhook.Receipt, error)
	Stats() webhook.Stats
}

type Notifier interface {
	Deliver(ctx context.Context, msg notify.Message) notify.Delivery
}

type QuotaChecker interface {
	Check(tenantID string, windowDays int) quota.Decision
}

// Deps are the components behind the routes. A nil dependency turns its
// routes into 503s.
type Deps struct {
	Sync     Syncer
	Webhooks WebhookHandler
	Notifier Notifier
	Fallback store.FallbackLog
	Quota    QuotaChecker
	Stream   http.Handler
}

type Server struct {
	deps        Deps
	cfg         ServerConfig
	schemas     requestSchemas
	rateLimiter *rateLimiter
	logger      zerolog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(deps Deps, cfg ServerConfig, logger zerolog.Logger) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.SweepPageSize <= 0 {
		cfg.SweepPageSize = reconcile.DefaultPageSize
	}
	if cfg.QuotaWindowDays <= 0 {
		cfg.QuotaWindowDays = quota.DefaultWindowDays
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		deps:        deps,
		cfg:         cfg,
		schemas:     mustCompileSchemas(),
		rateLimiter: limiter,
		logger:      logging.OrNop(logger),
	}
}

// ServeHTTP assigns a correlation id, routes and logs the request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	correlationID := strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
	if correlationID == "" {
		correlationID = newCorrelationID()
		r.Header.Set("X-Correlation-Id", correlationID)
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.route(rec, r)

	event := s.logger.Info()
	if rec.status >= 500 {
		event = s.logger.Error()
	}
	event.
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", rec.status).
		Dur("duration", time.Since(started)).
		Str("correlation_id", correlationID).
		Msg("http request")
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/dashboard" {
		s.handleDashboard(w, r)
		return
	}
	if r.URL.Path == "/v1/events/stream" && r.Method == http.MethodGet {
		s.handleEventStream(w, r)
		return
	}
	if r.URL.Path == "/v1/admin/webhooks" && r.Method == http.MethodGet {
		s.handleAdminWebhooks(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) == 4 && parts[0] == "v1" && parts[1] == "webhooks" && parts[2] == "billing" && parts[3] != "" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST", getCorrelationID(r))
			return
		}
		s.handleBillingWebhook(w, r, parts[3])
		return
	}

	if len(parts) != 4 || parts[0] != "v1" || parts[1] != "tenants" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	tenantID := parts[2]

	var requiredScope string
	var route string
	switch {
	case parts[3] == "sync" && r.Method == http.MethodPost:
		requiredScope = "sync:trigger"
		route = "sync"
	case parts[3] == "notify" && r.Method == http.MethodPost:
		requiredScope = "notify:send"
		route = "notify"
	case parts[3] == "fallback" && r.Method == http.MethodGet:
		requiredScope = "fallback:read"
		route = "fallback"
	case parts[3] == "quota" && r.Method == http.MethodGet:
		requiredScope = "quota:read"
		route = "quota"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	correlationID := getCorrelationID(r)
	if !s.authorize(w, r, tenantID, requiredScope, correlationID) {
		return
	}

	switch route {
	case "sync":
		s.handleSync(w, r, tenantID, correlationID)
	case "notify":
		s.handleNotify(w, r, tenantID, correlationID)
	case "fallback":
		s.handleFallback(w, r, tenantID, correlationID)
	case "quota":
		s.handleQuota(w, r, tenantID, correlationID)
	}
}

// authorize checks the bearer token (or an access_token query parameter for
// browser websocket clients) and applies the rate limit.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, tenantID, scope, correlationID string) bool {
	header := r.Header.Get("Authorization")
	if header == "" {
		if token := r.URL.Query().Get("access_token"); token != "" {
			header = "Bearer " + token
		}
	}
	claims, authErr := authorizeBearer(header, s.cfg.JWTSecret, tenantID, scope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return false
	}
	if s.rateLimiter != nil {
		key := tenantID + "|" + claims.Subject
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return false
		}
	}
	return true
}

func (s *Server) handleBillingWebhook(w http.ResponseWriter, r *http.Request, tenantID string) {
	correlationID := getCorrelationID(r)
	if s.deps.Webhooks == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "webhook processing is not configured", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	receipt, err := s.deps.Webhooks.Handle(r.Context(), tenantID, r.Header.Get("Billing-Signature"), body)
	if err != nil {
		switch {
		case errors.Is(err, syncerr.ErrConfiguration):
			writeError(w, http.StatusInternalServerError, "not_configured", err.Error(), correlationID)
		case errors.Is(err, syncerr.ErrSignature):
			writeError(w, http.StatusBadRequest, "invalid_signature", err.Error(), correlationID)
		default:
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"received":  true,
		"eventId":   receipt.EventID,
		"eventType": receipt.EventType,
		"ignored":   receipt.Ignored,
		"duplicate": receipt.Duplicate,
	})
}

type syncRequest struct {
	CustomerID string `json:"customerId"`
	InvoiceID  string `json:"invoiceId"`
	LocationID string `json:"locationId"`
	PageSize   int    `json:"pageSize"`
}

type syncResponse struct {
	Success bool                   `json:"success"`
	Synced  int                    `json:"synced"`
	Skipped int                    `json:"skipped"`
	Failed  int                    `json:"failed"`
	Results []reconcile.SyncResult `json:"results"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	if s.deps.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "sync is not configured", correlationID)
		return
	}
	var req syncRequest
	if !s.decodeValidatedBody(w, r, "sync.json", correlationID, &req) {
		return
	}

	var results []reconcile.SyncResult
	if req.CustomerID == "" && req.InvoiceID == "" {
		pageSize := req.PageSize
		if pageSize <= 0 {
			pageSize = s.cfg.SweepPageSize
		}
		var err error
		results, err = s.deps.Sync.Sweep(r.Context(), tenantID, pageSize, req.LocationID)
		if err != nil {
			s.writeSyncError(w, err, correlationID)
			return
		}
	} else {
		var targets []reconcile.SyncTarget
		if req.CustomerID != "" {
			targets = append(targets, reconcile.SyncTarget{Kind: reconcile.KindCustomer, BillingID: req.CustomerID, TenantID: tenantID, LocationID: req.LocationID})
		}
		if req.InvoiceID != "" {
			targets = append(targets, reconcile.SyncTarget{Kind: reconcile.KindInvoice, BillingID: req.InvoiceID, TenantID: tenantID, LocationID: req.LocationID})
		}
		results = s.deps.Sync.SyncBatch(r.Context(), targets)
	}

	if allConfigurationFailures(results) {
		s.writeSyncError(w, results[0].Err, correlationID)
		return
	}
	summary := reconcile.Summarize(results)
	if results == nil {
		results = []reconcile.SyncResult{}
	}
	writeJSON(w, http.StatusOK, syncResponse{
		Success: summary.Failed == 0,
		Synced:  summary.Synced,
		Skipped: summary.Skipped,
		Failed:  summary.Failed,
		Results: results,
	})
}

func (s *Server) writeSyncError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, syncerr.ErrConfiguration):
		writeError(w, http.StatusInternalServerError, "not_configured", err.Error(), correlationID)
	case errors.Is(err, syncerr.ErrValidation):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		writeError(w, http.StatusBadGateway, "provider_error", err.Error(), correlationID)
	}
}

// allConfigurationFailures is true when nothing could run because the tenant
// integration is not configured at all.
func allConfigurationFailures(results []reconcile.SyncResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, result := range results {
		if result.Outcome != reconcile.OutcomeFailed || !errors.Is(result.Err, syncerr.ErrConfiguration) {
			return false
		}
	}
	return true
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	if s.deps.Notifier == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "notifications are not configured", correlationID)
		return
	}
	var msg notify.Message
	if !s.decodeValidatedBody(w, r, "notify.json", correlationID, &msg) {
		return
	}
	msg.TenantID = tenantID
	delivery := s.deps.Notifier.Deliver(r.Context(), msg)
	writeJSON(w, http.StatusOK, delivery)
}

func (s *Server) handleFallback(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	if s.deps.Fallback == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "fallback store is not configured", correlationID)
		return
	}
	limit, err := parseOptionalBoundedInt(r.URL.Query().Get("limit"), 50, 1, 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", correlationID)
		return
	}
	entries, err := s.deps.Fallback.ListFallback(r.Context(), tenantID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	if entries == nil {
		entries = []store.FallbackEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenantId": tenantID,
		"entries":  entries,
	})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	if s.deps.Quota == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "quota guard is not configured", correlationID)
		return
	}
	windowDays, err := parseOptionalBoundedInt(r.URL.Query().Get("windowDays"), s.cfg.QuotaWindowDays, 1, 365)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "windowDays must be between 1 and 365", correlationID)
		return
	}
	decision := s.deps.Quota.Check(tenantID, windowDays)
	writeJSON(w, http.StatusOK, map[string]any{
		"tenantId":    tenantID,
		"allowed":     decision.Allowed,
		"budget":      decision.Budget,
		"currentCost": decision.CurrentCost,
		"remaining":   decision.Remaining,
		"windowDays":  decision.WindowDays,
	})
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenant"))
	scopeTenant := tenantID
	if scopeTenant == "" {
		scopeTenant = allTenants
	}
	if !s.authorize(w, r, scopeTenant, "events:read", correlationID) {
		return
	}
	if s.deps.Stream == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event stream is not configured", correlationID)
		return
	}
	s.deps.Stream.ServeHTTP(w, r)
}

func (s *Server) handleAdminWebhooks(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if !s.authorize(w, r, allTenants, "admin:read", correlationID) {
		return
	}
	if s.deps.Webhooks == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "webhook processing is not configured", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Webhooks.Stats())
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func newCorrelationID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

// decodeValidatedBody reads the body, checks it against the named schema and
// decodes it into dst.
func (s *Server) decodeValidatedBody(w http.ResponseWriter, r *http.Request, schema, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := s.schemas.validate(schema, body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error(), correlationID)
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed < min || parsed > max {
		return 0, fmt.Errorf("out of range")
	}
	return parsed, nil
}

// statusRecorder keeps the response status for the request log. Hijack is
// passed through so websocket upgrades still work.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
