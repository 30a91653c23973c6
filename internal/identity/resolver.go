// Package identity maps a tenant to its billing and CRM identifiers and
// resolves the CRM auth context, including API environment negotiation.
package identity

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/billbridge/internal/billing"
	"github.com/agentworkforce/billbridge/internal/config"
	"github.com/agentworkforce/billbridge/internal/crm"
	"github.com/agentworkforce/billbridge/internal/logging"
	"github.com/agentworkforce/billbridge/internal/syncerr"
)

// Capabilities are resolved once per identity and passed down so no
// component re-probes a provider to find out what it can do.
type Capabilities struct {
	BillingConfigured bool `json:"billingConfigured"`
	CRMConfigured     bool `json:"crmConfigured"`
	Opportunities     bool `json:"opportunities"`
	WorkflowTrigger   bool `json:"workflowTrigger"`
	DirectEmail       bool `json:"directEmail"`
}

// Step is one entry of the resolution trail. It is informational only.
type Step struct {
	Name    string `json:"name"`
	Outcome string `json:"outcome"`
	Detail  string `json:"detail,omitempty"`
}

type Identity struct {
	TenantID     string
	BusinessName string

	BillingAccountID string
	BillingAPIKey    string
	WebhookSecret    string
	BackfillMetadata bool

	CRMLocationID string
	CRMAuthHeader string
	APIBaseURL    string
	APIVersion    string
	Legacy        bool

	PipelineID     string
	StageIDs       map[string]string
	CustomFieldIDs map[string]string
	TriggerTag     string
	FromEmail      string

	Capabilities Capabilities
	Diagnostics  []Step
}

func (id Identity) Billing() billing.Account {
	return billing.Account{ID: id.BillingAccountID, APIKey: id.BillingAPIKey}
}

func (id Identity) CRM() crm.Scope {
	return crm.Scope{
		BaseURL:    id.APIBaseURL,
		APIVersion: id.APIVersion,
		AuthHeader: id.CRMAuthHeader,
		LocationID: id.CRMLocationID,
	}
}

// WithLocation returns a copy scoped to an explicit location id, used when a
// caller supplies one for a single request.
func (id Identity) WithLocation(locationID string) Identity {
	locationID = strings.TrimSpace(locationID)
	if locationID == "" {
		return id
	}
	id.CRMLocationID = locationID
	id.Diagnostics = append(append([]Step(nil), id.Diagnostics...), Step{Name: "location_id", Outcome: "override", Detail: "request"})
	return id
}

type Resolver struct {
	mu         sync.RWMutex
	cfg        config.ProviderConfig
	generation uint64
	cache      map[string]Identity
	logger     zerolog.Logger
}

func NewResolver(cfg config.ProviderConfig, logger zerolog.Logger) *Resolver {
	return &Resolver{
		cfg:    cfg,
		cache:  map[string]Identity{},
		logger: logging.OrNop(logger),
	}
}

// Resolve returns the identity for tenantID. Only successful resolutions are
// cached; a tenant without a CRM credential fails with a ConfigurationError
// on every call until the configuration changes. On failure the returned
// Identity carries only the diagnostics trail.
func (r *Resolver) Resolve(tenantID string) (Identity, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Identity{}, &syncerr.ValidationError{Field: "tenantId", Message: "required"}
	}
	r.mu.RLock()
	cached, ok := r.cache[tenantID]
	cfg, generation := r.cfg, r.generation
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	id, err := resolve(cfg, tenantID)
	if err != nil {
		r.logger.Warn().Str("tenant", tenantID).Err(err).Msg("identity resolution failed")
		return id, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// A Reconfigure that raced with this resolution wins; don't cache a
	// value computed from the old config.
	if r.generation == generation {
		if existing, ok := r.cache[tenantID]; ok {
			return existing, nil
		}
		r.cache[tenantID] = id
	}
	r.logger.Debug().Str("tenant", tenantID).Bool("legacy", id.Legacy).Str("location", id.CRMLocationID).Msg("identity resolved")
	return id, nil
}

// Reconfigure swaps the provider configuration and clears every cached
// identity in one step.
func (r *Resolver) Reconfigure(cfg config.ProviderConfig) {
	r.mu.Lock()
	r.cfg = cfg
	r.generation++
	r.cache = map[string]Identity{}
	r.mu.Unlock()
	r.logger.Info().Int("tenants", len(cfg.Tenants)).Msg("identity configuration replaced")
}

func (r *Resolver) Invalidate(tenantID string) {
	r.mu.Lock()
	delete(r.cache, tenantID)
	r.mu.Unlock()
}

// WebhookSecret returns the tenant's signing secret, falling back to the
// process default. It does not require a CRM credential.
func (r *Resolver) WebhookSecret(tenantID string) string {
	cfg := r.Config()
	tenant, _ := cfg.Tenant(strings.TrimSpace(tenantID))
	return strings.TrimSpace(firstNonEmpty(tenant.Billing.WebhookSecret, cfg.DefaultWebhookSecret))
}

func (r *Resolver) Config() config.ProviderConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

func resolve(cfg config.ProviderConfig, tenantID string) (Identity, error) {
	var steps []Step
	tenant, found := cfg.Tenant(tenantID)
	if found {
		steps = append(steps, Step{Name: "tenant_config", Outcome: "found"})
	} else {
		steps = append(steps, Step{Name: "tenant_config", Outcome: "missing", Detail: "using process defaults"})
	}

	id := Identity{
		TenantID:         tenantID,
		BusinessName:     tenant.BusinessName,
		BillingAccountID: tenant.Billing.AccountID,
		BillingAPIKey:    firstNonEmpty(tenant.Billing.APIKey, cfg.DefaultBillingAPIKey),
		WebhookSecret:    firstNonEmpty(tenant.Billing.WebhookSecret, cfg.DefaultWebhookSecret),
		BackfillMetadata: tenant.Billing.BackfillMetadata,
		PipelineID:       tenant.CRM.PipelineID,
		StageIDs:         copyMap(tenant.CRM.StageIDs),
		CustomFieldIDs:   copyMap(tenant.CRM.CustomFieldIDs),
		TriggerTag:       strings.TrimSpace(tenant.CRM.TriggerTag),
		FromEmail:        tenant.CRM.FromEmail,
	}
	if id.BillingAPIKey != "" {
		steps = append(steps, Step{Name: "billing_credentials", Outcome: "configured"})
	} else {
		steps = append(steps, Step{Name: "billing_credentials", Outcome: "missing"})
	}

	token := strings.TrimSpace(firstNonEmpty(tenant.CRM.Token, cfg.DefaultCRMToken))
	if token == "" {
		steps = append(steps, Step{Name: "crm_token", Outcome: "missing"})
		return Identity{Diagnostics: steps}, &syncerr.ConfigurationError{TenantID: tenantID, Reason: "no crm credential configured"}
	}
	tokenSource := "tenant"
	if tenant.CRM.Token == "" {
		tokenSource = "default"
	}
	steps = append(steps, Step{Name: "crm_token", Outcome: "found", Detail: tokenSource})

	kind, claims := classifyToken(token)
	switch kind {
	case tokenJWT, tokenPrivateIntegration:
		id.APIBaseURL = firstNonEmpty(cfg.CRMBaseURL, config.DefaultCRMBaseURL)
		id.APIVersion = firstNonEmpty(cfg.CRMAPIVersion, config.DefaultCRMAPIVersion)
	default:
		id.APIBaseURL = firstNonEmpty(cfg.CRMLegacyBaseURL, config.DefaultCRMLegacyBaseURL)
		id.Legacy = true
	}
	id.CRMAuthHeader = "Bearer " + token
	steps = append(steps, Step{Name: "api_environment", Outcome: string(kind), Detail: id.APIBaseURL})

	switch {
	case strings.TrimSpace(tenant.CRM.LocationID) != "":
		id.CRMLocationID = strings.TrimSpace(tenant.CRM.LocationID)
		steps = append(steps, Step{Name: "location_id", Outcome: "configured"})
	case claims != nil:
		if loc, key := locationFromClaims(claims); loc != "" {
			id.CRMLocationID = loc
			steps = append(steps, Step{Name: "location_id", Outcome: "token_claim", Detail: key})
		} else {
			steps = append(steps, Step{Name: "location_id", Outcome: "unset", Detail: "no location claim"})
		}
	default:
		steps = append(steps, Step{Name: "location_id", Outcome: "unset"})
	}

	id.Capabilities = Capabilities{
		BillingConfigured: id.BillingAPIKey != "",
		CRMConfigured:     true,
		Opportunities:     id.PipelineID != "",
		WorkflowTrigger:   id.TriggerTag != "",
		DirectEmail:       tenant.CRM.DirectEmail,
	}
	id.Diagnostics = steps
	return id, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
