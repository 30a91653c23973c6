package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/billbridge/internal/logging"
	"github.com/agentworkforce/billbridge/internal/store"
)

// Tracked is the caller-side half of idempotency: it fills a target's CRM id
// from the link store before syncing and records the remote id afterwards.
// Link store failures degrade to lookup-before-create and are only logged.
type Tracked struct {
	engine *Engine
	links  store.LinkStore
	logger zerolog.Logger
	now    func() time.Time
}

func NewTracked(engine *Engine, links store.LinkStore, logger zerolog.Logger) *Tracked {
	return &Tracked{
		engine: engine,
		links:  links,
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
}

func (t *Tracked) Engine() *Engine {
	return t.engine
}

func (t *Tracked) SyncOne(ctx context.Context, target SyncTarget) SyncResult {
	target = t.fill(ctx, target)
	result := t.engine.SyncOne(ctx, target)
	t.remember(ctx, result)
	return result
}

func (t *Tracked) SyncBatch(ctx context.Context, targets []SyncTarget) []SyncResult {
	results := make([]SyncResult, len(targets))
	for i, target := range targets {
		results[i] = t.SyncOne(ctx, target)
	}
	return results
}

func (t *Tracked) SyncFromWebhook(ctx context.Context, tenantID string, kind Kind, ev WebhookEvent) SyncResult {
	target := WebhookTarget(tenantID, kind, ev)
	if target.BillingID == "" {
		return t.engine.SyncFromWebhook(ctx, tenantID, kind, ev)
	}
	return t.SyncOne(ctx, target)
}

func (t *Tracked) Sweep(ctx context.Context, tenantID string, pageSize int, locationID string) ([]SyncResult, error) {
	targets, err := t.engine.SweepTargets(ctx, tenantID, pageSize, locationID)
	if err != nil {
		return nil, err
	}
	return t.SyncBatch(ctx, targets), nil
}

func (t *Tracked) fill(ctx context.Context, target SyncTarget) SyncTarget {
	if t.links == nil || target.CRMID != "" || target.TenantID == "" || target.BillingID == "" {
		return target
	}
	crmID, err := t.links.GetLink(ctx, target.TenantID, string(target.Kind), target.BillingID)
	switch {
	case err == nil:
		target.CRMID = crmID
	case !errors.Is(err, store.ErrNotFound):
		t.logger.Warn().Err(err).Str("tenant", target.TenantID).Str("billing_id", target.BillingID).Msg("link lookup failed")
	}
	return target
}

func (t *Tracked) remember(ctx context.Context, result SyncResult) {
	if t.links == nil || !result.OK() || result.RemoteID == "" || result.RemoteID == result.Target.CRMID {
		return
	}
	err := t.links.PutLink(ctx, store.Link{
		TenantID:  result.Target.TenantID,
		Kind:      string(result.Target.Kind),
		BillingID: result.Target.BillingID,
		CRMID:     result.RemoteID,
		UpdatedAt: t.now().UTC(),
	})
	if err != nil {
		t.logger.Warn().Err(err).Str("tenant", result.Target.TenantID).Str("billing_id", result.Target.BillingID).Msg("link write failed")
	}
}
