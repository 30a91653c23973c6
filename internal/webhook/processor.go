// Package webhook turns signed billing deliveries into reconciliation calls.
//
// A delivery moves Received -> Verified -> Dispatched -> Done, or
// Received -> Rejected when the signature does not check out. Rejected
// deliveries are never dispatched; the provider's redelivery policy owns
// what happens next. Once verified, a delivery is acknowledged no matter how
// reconciliation turns out.
package webhook

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/billbridge/internal/billing"
	"github.com/agentworkforce/billbridge/internal/events"
	"github.com/agentworkforce/billbridge/internal/logging"
	"github.com/agentworkforce/billbridge/internal/reconcile"
	"github.com/agentworkforce/billbridge/internal/store"
	"github.com/agentworkforce/billbridge/internal/syncerr"
)

const (
	DefaultDedupWindow     = 72 * time.Hour
	DefaultDispatchTimeout = 30 * time.Second
)

type State string

const (
	StateReceived   State = "received"
	StateVerified   State = "verified"
	StateRejected   State = "rejected"
	StateDispatched State = "dispatched"
	StateDone       State = "done"
)

// Dispatcher is the reconciliation entry point a verified event is handed to.
type Dispatcher interface {
	SyncFromWebhook(ctx context.Context, tenantID string, kind reconcile.Kind, ev reconcile.WebhookEvent) reconcile.SyncResult
}

// SecretSource returns the signing secret for a tenant, or "" when none is
// configured.
type SecretSource interface {
	WebhookSecret(tenantID string) string
}

type Config struct {
	Tolerance       time.Duration
	DispatchTimeout time.Duration
	DedupWindow     time.Duration
}

// Receipt describes what happened to one delivery. Result is set only when
// the event reached the engine.
type Receipt struct {
	State     State                 `json:"state"`
	EventID   string                `json:"eventId,omitempty"`
	EventType string                `json:"eventType,omitempty"`
	Kind      reconcile.Kind        `json:"kind,omitempty"`
	Ignored   bool                  `json:"ignored,omitempty"`
	Duplicate bool                  `json:"duplicate,omitempty"`
	Result    *reconcile.SyncResult `json:"result,omitempty"`
}

type Stats struct {
	ReceivedTotal   uint64 `json:"receivedTotal"`
	RejectedTotal   uint64 `json:"rejectedTotal"`
	IgnoredTotal    uint64 `json:"ignoredTotal"`
	DedupedTotal    uint64 `json:"dedupedTotal"`
	DispatchedTotal uint64 `json:"dispatchedTotal"`
	FailedTotal     uint64 `json:"failedTotal"`
}

type Processor struct {
	secrets    SecretSource
	dispatcher Dispatcher
	processed  store.EventLog
	bus        *events.Bus
	cfg        Config
	logger     zerolog.Logger
	now        func() time.Time

	routesMu sync.RWMutex
	routes   map[string]reconcile.Kind

	received   atomic.Uint64
	rejected   atomic.Uint64
	ignored    atomic.Uint64
	deduped    atomic.Uint64
	dispatched atomic.Uint64
	failed     atomic.Uint64
}

// NewProcessor wires a processor. processed and bus may be nil: without an
// event log every redelivery is reconciled again, which is safe because
// reconciliation is idempotent.
func NewProcessor(secrets SecretSource, dispatcher Dispatcher, processed store.EventLog, bus *events.Bus, cfg Config, logger zerolog.Logger) *Processor {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = billing.DefaultTolerance
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultDispatchTimeout
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	return &Processor{
		secrets:    secrets,
		dispatcher: dispatcher,
		processed:  processed,
		bus:        bus,
		cfg:        cfg,
		logger:     logging.OrNop(logger),
		now:        time.Now,
		routes:     DefaultRoutes(),
	}
}

// DefaultRoutes is the event type dispatch table.
func DefaultRoutes() map[string]reconcile.Kind {
	return map[string]reconcile.Kind{
		"invoice.created":           reconcile.KindInvoice,
		"invoice.finalized":         reconcile.KindInvoice,
		"invoice.paid":              reconcile.KindInvoice,
		"invoice.payment_succeeded": reconcile.KindInvoice,
		"invoice.payment_failed":    reconcile.KindInvoice,
		"invoice.voided":            reconcile.KindInvoice,
		"customer.created":          reconcile.KindCustomer,
		"customer.updated":          reconcile.KindCustomer,
	}
}

// Route adds or replaces a dispatch table entry.
func (p *Processor) Route(eventType string, kind reconcile.Kind) {
	p.routesMu.Lock()
	p.routes[strings.TrimSpace(eventType)] = kind
	p.routesMu.Unlock()
}

func (p *Processor) route(eventType string) (reconcile.Kind, bool) {
	p.routesMu.RLock()
	defer p.routesMu.RUnlock()
	kind, ok := p.routes[eventType]
	return kind, ok
}

// Handle processes one raw delivery. The returned error is only ever a
// ConfigurationError (no secret), SignatureError or ValidationError; any
// reconciliation failure is carried in the receipt instead.
func (p *Processor) Handle(ctx context.Context, tenantID, signature string, payload []byte) (Receipt, error) {
	p.received.Add(1)
	receipt := Receipt{State: StateReceived}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		p.rejected.Add(1)
		receipt.State = StateRejected
		return receipt, &syncerr.ValidationError{Field: "tenantId", Message: "required"}
	}

	secret := ""
	if p.secrets != nil {
		secret = p.secrets.WebhookSecret(tenantID)
	}
	if secret == "" {
		p.rejected.Add(1)
		receipt.State = StateRejected
		p.logger.Error().Str("tenant", tenantID).Msg("webhook secret not configured")
		return receipt, &syncerr.ConfigurationError{TenantID: tenantID, Reason: "no webhook signing secret configured"}
	}
	receivedAt := p.now().UTC()
	if err := billing.VerifySignature(secret, signature, payload, p.cfg.Tolerance, receivedAt); err != nil {
		p.rejected.Add(1)
		receipt.State = StateRejected
		p.logger.Warn().Err(err).Str("tenant", tenantID).Msg("webhook rejected")
		return receipt, err
	}
	receipt.State = StateVerified

	event, err := billing.ParseEvent(payload)
	if err != nil {
		p.rejected.Add(1)
		receipt.State = StateRejected
		p.logger.Warn().Err(err).Str("tenant", tenantID).Msg("webhook payload unreadable")
		return receipt, err
	}
	receipt.EventID = event.ID
	receipt.EventType = event.Type

	kind, ok := p.route(event.Type)
	if !ok {
		p.ignored.Add(1)
		receipt.State = StateDone
		receipt.Ignored = true
		p.logger.Debug().Str("tenant", tenantID).Str("event_id", event.ID).Str("event_type", event.Type).Msg("webhook event type not handled")
		return receipt, nil
	}
	receipt.Kind = kind

	// The request may go away before reconciliation finishes; the work must
	// not.
	dispatchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.DispatchTimeout)
	defer cancel()

	if p.alreadyProcessed(dispatchCtx, tenantID, event.ID) {
		p.deduped.Add(1)
		receipt.State = StateDone
		receipt.Duplicate = true
		p.logger.Info().Str("tenant", tenantID).Str("event_id", event.ID).Msg("webhook event already processed")
		return receipt, nil
	}

	receipt.State = StateDispatched
	p.dispatched.Add(1)
	result := p.dispatcher.SyncFromWebhook(dispatchCtx, tenantID, kind, reconcile.WebhookEvent{
		ID:         event.ID,
		Type:       event.Type,
		ObjectID:   event.ObjectID(),
		Raw:        payload,
		ReceivedAt: receivedAt,
	})
	if result.Outcome == reconcile.OutcomeFailed {
		p.failed.Add(1)
	} else {
		p.markProcessed(dispatchCtx, tenantID, event.ID)
	}
	p.emit(dispatchCtx, tenantID, event, kind, result)

	receipt.State = StateDone
	receipt.Result = &result
	return receipt, nil
}

func (p *Processor) alreadyProcessed(ctx context.Context, tenantID, eventID string) bool {
	if p.processed == nil {
		return false
	}
	seen, err := p.processed.Seen(ctx, tenantID, eventID)
	if err != nil {
		p.logger.Warn().Err(err).Str("tenant", tenantID).Str("event_id", eventID).Msg("processed-event lookup failed")
		return false
	}
	return seen
}

func (p *Processor) markProcessed(ctx context.Context, tenantID, eventID string) {
	if p.processed == nil {
		return
	}
	if err := p.processed.MarkProcessed(ctx, tenantID, eventID, p.now().UTC()); err != nil {
		p.logger.Warn().Err(err).Str("tenant", tenantID).Str("event_id", eventID).Msg("processed-event write failed")
	}
}

func (p *Processor) emit(ctx context.Context, tenantID string, event billing.Event, kind reconcile.Kind, result reconcile.SyncResult) {
	outcome := events.Outcome{
		Source:    events.SourceWebhook,
		TenantID:  tenantID,
		EventID:   event.ID,
		EventType: event.Type,
		Kind:      string(kind),
		BillingID: result.Target.BillingID,
		Outcome:   string(result.Outcome),
		RemoteID:  result.RemoteID,
		Reason:    result.Reason,
	}
	if result.Err != nil {
		outcome.Error = result.Err.Error()
	}
	p.bus.Emit(ctx, outcome)
}

// Prune drops processed-event records older than the dedup window.
func (p *Processor) Prune(ctx context.Context) (int, error) {
	if p.processed == nil {
		return 0, nil
	}
	return p.processed.Prune(ctx, p.now().Add(-p.cfg.DedupWindow))
}

// RunPruner calls Prune every interval until ctx is done.
func (p *Processor) RunPruner(ctx context.Context, interval time.Duration) {
	if p.processed == nil {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := p.Prune(ctx)
			switch {
			case err != nil && !errors.Is(err, context.Canceled):
				p.logger.Warn().Err(err).Msg("processed-event prune failed")
			case removed > 0:
				p.logger.Debug().Int("removed", removed).Msg("processed-event records pruned")
			}
		}
	}
}

func (p *Processor) Stats() Stats {
	return Stats{
		ReceivedTotal:   p.received.Load(),
		RejectedTotal:   p.rejected.Load(),
		IgnoredTotal:    p.ignored.Load(),
		DedupedTotal:    p.deduped.Load(),
		DispatchedTotal: p.dispatched.Load(),
		FailedTotal:     p.failed.Load(),
	}
}
