package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/billbridge/internal/assist"
	"github.com/agentworkforce/billbridge/internal/billing"
	"github.com/agentworkforce/billbridge/internal/config"
	"github.com/agentworkforce/billbridge/internal/crm"
	"github.com/agentworkforce/billbridge/internal/events"
	"github.com/agentworkforce/billbridge/internal/httpapi"
	"github.com/agentworkforce/billbridge/internal/identity"
	"github.com/agentworkforce/billbridge/internal/notify"
	"github.com/agentworkforce/billbridge/internal/quota"
	"github.com/agentworkforce/billbridge/internal/reconcile"
	"github.com/agentworkforce/billbridge/internal/store"
	"github.com/agentworkforce/billbridge/internal/webhook"
)

const providerTimeout = 20 * time.Second

// app is the fully wired process: every command builds one and closes it on
// exit.
type app struct {
	settings  config.Settings
	logger    zerolog.Logger
	backend   store.Backend
	resolver  *identity.Resolver
	guard     *quota.Guard
	hub       *events.Hub
	kafka     *events.KafkaSink
	bus       *events.Bus
	tracked   *reconcile.Tracked
	processor *webhook.Processor
	chain     *notify.Chain
}

func buildApp(ctx context.Context, settings config.Settings, logger zerolog.Logger) (*app, error) {
	tenants, err := config.LoadTenants(settings.TenantsFile)
	if err != nil {
		return nil, err
	}
	backend, err := store.BuildFromDSN(ctx, settings.StoreDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &app{
		settings: settings,
		logger:   logger,
		backend:  backend,
		hub:      events.NewHub(logger),
	}
	sinks := []events.Sink{events.NewLogSink(logger), a.hub}
	if len(settings.KafkaBrokers) > 0 {
		a.kafka, err = events.DialKafkaSink(settings.KafkaBrokers, settings.KafkaTopic)
		if err != nil {
			_ = backend.Close()
			return nil, fmt.Errorf("connect kafka: %w", err)
		}
		sinks = append(sinks, a.kafka)
	}
	a.bus = events.NewBus(logger, sinks...)

	providerConfig := settings.ProviderConfig(tenants)
	a.resolver = identity.NewResolver(providerConfig, logger)
	a.guard = quota.NewGuard(settings.QuotaDefaultBudget, tenantBudgets(tenants))

	httpClient := &http.Client{Timeout: providerTimeout}
	billingClient := billing.NewClient(billing.ClientOptions{
		BaseURL:    settings.BillingBaseURL,
		HTTPClient: httpClient,
	})
	crmClient := crm.NewClient(crm.ClientOptions{HTTPClient: httpClient})

	var opts []reconcile.Option
	if settings.AssistAPIKey != "" {
		completer := assist.NewChatClient(assist.ChatOptions{
			Endpoint:   settings.AssistEndpoint,
			APIKey:     settings.AssistAPIKey,
			Model:      settings.AssistModel,
			HTTPClient: httpClient,
		})
		opts = append(opts, reconcile.WithSummarizer(assist.NewSummarizer(completer, a.guard, settings.AssistCostPerCall, settings.QuotaWindowDays, logger)))
	}
	engine := reconcile.NewEngine(a.resolver, billingClient, crmClient, logger, opts...)
	a.tracked = reconcile.NewTracked(engine, backend, logger)

	a.processor = webhook.NewProcessor(a.resolver, a.tracked, backend, a.bus, webhook.Config{
		DispatchTimeout: settings.DispatchTimeout,
		DedupWindow:     settings.DedupWindow,
	}, logger)
	a.chain = notify.NewChain(a.resolver, crmClient, backend, a.bus, logger)
	return a, nil
}

func watchTenants(ctx context.Context, a *app) error {
	return config.WatchTenants(ctx, a.settings, a.logger, a.reconfigure)
}

// reconfigure swaps in a reloaded tenant registry.
func (a *app) reconfigure(cfg config.ProviderConfig) {
	a.resolver.Reconfigure(cfg)
	a.guard.SetBudgets(a.settings.QuotaDefaultBudget, tenantBudgets(cfg.Tenants))
}

func (a *app) handler() http.Handler {
	return httpapi.NewServer(httpapi.Deps{
		Sync:     a.tracked,
		Webhooks: a.processor,
		Notifier: a.chain,
		Fallback: a.backend,
		Quota:    a.guard,
		Stream:   a.hub,
	}, httpapi.ServerConfig{
		JWTSecret:       a.settings.APIJWTSecret,
		RateLimitMax:    a.settings.RateLimitMax,
		RateLimitWindow: a.settings.RateLimitWindow,
		MaxBodyBytes:    a.settings.MaxBodyBytes,
		SweepPageSize:   a.settings.SweepPageSize,
		QuotaWindowDays: a.settings.QuotaWindowDays,
	}, a.logger)
}

// publish sends results that no caller will see to the outcome bus.
func (a *app) publish(ctx context.Context, source string, results []reconcile.SyncResult) {
	for _, result := range results {
		outcome := events.Outcome{
			Source:    source,
			TenantID:  result.Target.TenantID,
			Kind:      string(result.Target.Kind),
			BillingID: result.Target.BillingID,
			Outcome:   string(result.Outcome),
			RemoteID:  result.RemoteID,
			Reason:    result.Reason,
		}
		if result.Err != nil {
			outcome.Error = result.Err.Error()
		}
		a.bus.Emit(ctx, outcome)
	}
}

func (a *app) Close() error {
	var errs []error
	if a.kafka != nil {
		errs = append(errs, a.kafka.Close())
	}
	if a.backend != nil {
		errs = append(errs, a.backend.Close())
	}
	return errors.Join(errs...)
}

// tenantBudgets collects per-tenant AI budgets. A zero budget in the tenants
// file means the tenant uses the process default.
func tenantBudgets(tenants map[string]config.TenantConfig) map[string]float64 {
	out := map[string]float64{}
	for id, tenant := range tenants {
		if tenant.AI.Budget > 0 {
			out[id] = tenant.AI.Budget
		}
	}
	return out
}
