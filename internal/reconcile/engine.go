package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/billbridge/internal/billing"
	"github.com/agentworkforce/billbridge/internal/crm"
	"github.com/agentworkforce/billbridge/internal/identity"
	"github.com/agentworkforce/billbridge/internal/logging"
	"github.com/agentworkforce/billbridge/internal/mapping"
	"github.com/agentworkforce/billbridge/internal/syncerr"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

type BillingAPI interface {
	GetCustomer(ctx context.Context, acct billing.Account, id string) (billing.Customer, error)
	GetInvoice(ctx context.Context, acct billing.Account, id string) (billing.Invoice, error)
	ListCustomers(ctx context.Context, acct billing.Account, limit int) ([]billing.Customer, error)
	ListInvoices(ctx context.Context, acct billing.Account, limit int) ([]billing.Invoice, error)
	UpdateCustomer(ctx context.Context, acct billing.Account, id string, patch billing.CustomerPatch) (billing.Customer, error)
}

type CRMAPI interface {
	FindContactByEmail(ctx context.Context, scope crm.Scope, email string) (crm.Contact, error)
	CreateContact(ctx context.Context, scope crm.Scope, write crm.Write) (crm.Contact, error)
	UpdateContact(ctx context.Context, scope crm.Scope, id string, write crm.Write) (crm.Contact, error)
	AddContactTags(ctx context.Context, scope crm.Scope, id string, tags []string) error
	FindOpportunity(ctx context.Context, scope crm.Scope, contactID, fieldID, billingInvoiceID string) (crm.Opportunity, error)
	CreateOpportunity(ctx context.Context, scope crm.Scope, contactID string, write crm.Write) (crm.Opportunity, error)
	UpdateOpportunity(ctx context.Context, scope crm.Scope, id string, write crm.Write) (crm.Opportunity, error)
}

type IdentitySource interface {
	Resolve(tenantID string) (identity.Identity, error)
}

// Summarizer is the optional AI-assist hook. ok=false means no summary,
// usually because the tenant's quota is spent.
type Summarizer interface {
	SummarizeInvoice(ctx context.Context, tenantID string, inv billing.Invoice) (summary string, ok bool, err error)
}

type Option func(*Engine)

func WithSummarizer(s Summarizer) Option {
	return func(e *Engine) {
		e.summarizer = s
	}
}

type Engine struct {
	identities IdentitySource
	billing    BillingAPI
	crm        CRMAPI
	summarizer Summarizer
	logger     zerolog.Logger
}

func NewEngine(identities IdentitySource, billingAPI BillingAPI, crmAPI CRMAPI, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		identities: identities,
		billing:    billingAPI,
		crm:        crmAPI,
		logger:     logging.OrNop(logger),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// SyncOne reconciles one billing entity into the CRM. Provider errors other
// than not-found come back as Failed and are never retried here.
func (e *Engine) SyncOne(ctx context.Context, target SyncTarget) SyncResult {
	target.TenantID = strings.TrimSpace(target.TenantID)
	target.BillingID = strings.TrimSpace(target.BillingID)
	target.CRMID = strings.TrimSpace(target.CRMID)
	if err := validateTarget(target); err != nil {
		return Failed(target, err)
	}

	id, err := e.identities.Resolve(target.TenantID)
	if err != nil {
		return e.finish(Failed(target, err))
	}
	id = id.WithLocation(target.LocationID)
	if !id.Capabilities.BillingConfigured {
		return e.finish(Failed(target, &syncerr.ConfigurationError{TenantID: target.TenantID, Reason: "no billing credential configured"}))
	}

	switch target.Kind {
	case KindCustomer:
		return e.finish(e.syncCustomer(ctx, id, target))
	default:
		return e.finish(e.syncInvoice(ctx, id, target))
	}
}

// SyncBatch runs targets sequentially. One item's failure never stops the
// batch and results[i] always belongs to targets[i].
func (e *Engine) SyncBatch(ctx context.Context, targets []SyncTarget) []SyncResult {
	results := make([]SyncResult, len(targets))
	for i, target := range targets {
		results[i] = e.SyncOne(ctx, target)
	}
	return results
}

// SyncFromWebhook syncs the entity a verified event points at. The payload
// object is only a pointer; the authoritative record is fetched again.
func (e *Engine) SyncFromWebhook(ctx context.Context, tenantID string, kind Kind, ev WebhookEvent) SyncResult {
	target := WebhookTarget(tenantID, kind, ev)
	if target.BillingID == "" {
		return Failed(target, &syncerr.ValidationError{Field: "data.object.id", Message: "required"})
	}
	return e.SyncOne(ctx, target)
}

// SweepTargets lists the most recent customers and invoices for a tenant,
// customers first so invoice syncs find their contacts.
func (e *Engine) SweepTargets(ctx context.Context, tenantID string, pageSize int, locationID string) ([]SyncTarget, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	id, err := e.identities.Resolve(tenantID)
	if err != nil {
		return nil, err
	}
	if !id.Capabilities.BillingConfigured {
		return nil, &syncerr.ConfigurationError{TenantID: tenantID, Reason: "no billing credential configured"}
	}
	acct := id.Billing()

	var (
		customers []billing.Customer
		invoices  []billing.Invoice
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		customers, err = e.billing.ListCustomers(gctx, acct, pageSize)
		return err
	})
	g.Go(func() error {
		var err error
		invoices, err = e.billing.ListInvoices(gctx, acct, pageSize)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("list billing entities: %w", err)
	}

	targets := make([]SyncTarget, 0, len(customers)+len(invoices))
	for _, c := range customers {
		targets = append(targets, SyncTarget{Kind: KindCustomer, BillingID: c.ID, TenantID: tenantID, LocationID: locationID})
	}
	for _, inv := range invoices {
		targets = append(targets, SyncTarget{Kind: KindInvoice, BillingID: inv.ID, TenantID: tenantID, LocationID: locationID})
	}
	return targets, nil
}

// Sweep is the bulk form of manual sync.
func (e *Engine) Sweep(ctx context.Context, tenantID string, pageSize int, locationID string) ([]SyncResult, error) {
	targets, err := e.SweepTargets(ctx, tenantID, pageSize, locationID)
	if err != nil {
		return nil, err
	}
	return e.SyncBatch(ctx, targets), nil
}

func (e *Engine) syncCustomer(ctx context.Context, id identity.Identity, target SyncTarget) SyncResult {
	customer, err := e.billing.GetCustomer(ctx, id.Billing(), target.BillingID)
	if err != nil {
		if errors.Is(err, syncerr.ErrNotFound) {
			return Skipped(target, ReasonDeleted)
		}
		return Failed(target, err)
	}
	if customer.Deleted {
		return Skipped(target, ReasonDeleted)
	}

	mapped := mapping.CustomerToContact(customer, mapperOptions(id))
	email, _ := mapped.Get("email")
	if email == "" && target.CRMID == "" {
		// without a natural key a create could never be matched again
		return Skipped(target, ReasonMissingEmail)
	}

	contactID, err := e.upsertContact(ctx, id.CRM(), target.CRMID, email, mapped.Write())
	if err != nil {
		return Failed(target, err)
	}
	if id.BackfillMetadata && customer.Metadata["crm_contact_id"] != contactID {
		e.backfill(ctx, id, customer.ID, contactID)
	}
	return Success(target, contactID)
}

// upsertContact updates by known id, falling back to lookup-by-email and
// finally create. A 404 on the known id is a stale anchor.
func (e *Engine) upsertContact(ctx context.Context, scope crm.Scope, knownID, email string, write crm.Write) (string, error) {
	if knownID != "" {
		_, err := e.crm.UpdateContact(ctx, scope, knownID, write)
		switch {
		case err == nil:
			return knownID, e.crm.AddContactTags(ctx, scope, knownID, write.Tags)
		case !errors.Is(err, syncerr.ErrNotFound):
			return "", err
		case email == "":
			return "", err
		}
		e.logger.Info().Str("crm_id", knownID).Msg("stale contact anchor; looking up by email")
	}

	existing, err := e.crm.FindContactByEmail(ctx, scope, email)
	switch {
	case err == nil:
		if _, err := e.crm.UpdateContact(ctx, scope, existing.ID, write); err != nil {
			return "", err
		}
		return existing.ID, e.crm.AddContactTags(ctx, scope, existing.ID, write.Tags)
	case !errors.Is(err, syncerr.ErrNotFound):
		return "", err
	}

	created, err := e.crm.CreateContact(ctx, scope, write)
	if err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", &syncerr.ProviderError{Provider: "crm", Op: "create contact", Message: "response carried no contact id"}
	}
	return created.ID, nil
}

func (e *Engine) syncInvoice(ctx context.Context, id identity.Identity, target SyncTarget) SyncResult {
	if !id.Capabilities.Opportunities {
		return Failed(target, &syncerr.ConfigurationError{TenantID: id.TenantID, Reason: "no opportunity pipeline configured"})
	}
	inv, err := e.billing.GetInvoice(ctx, id.Billing(), target.BillingID)
	if err != nil {
		if errors.Is(err, syncerr.ErrNotFound) {
			return Skipped(target, ReasonDeleted)
		}
		return Failed(target, err)
	}
	if inv.Deleted {
		return Skipped(target, ReasonDeleted)
	}

	customer, err := e.invoiceCustomer(ctx, id, inv)
	if err != nil {
		return Failed(target, err)
	}
	opts := mapperOptions(id)
	mapped := mapping.InvoiceToOpportunity(inv, opts)
	contact := mapping.CustomerToContact(customer, opts)
	email, _ := contact.Get("email")
	if email == "" && target.CRMID == "" {
		return Skipped(target, ReasonMissingEmail)
	}
	scope := id.CRM()

	// a known opportunity is updated in place even when the customer has
	// lost its email; only the contact link needs the natural key
	var contactID string
	if email != "" {
		contactID, err = e.linkedContact(ctx, scope, email, contact, mapped.Tags)
		if err != nil {
			return Failed(target, err)
		}
	}

	if e.summarizer != nil && opts.CustomFieldIDs[mapping.FieldAISummary] != "" {
		summary, ok, err := e.summarizer.SummarizeInvoice(ctx, id.TenantID, inv)
		switch {
		case err != nil:
			e.logger.Warn().Err(err).Str("tenant", id.TenantID).Str("billing_id", inv.ID).Msg("invoice summary failed")
		case ok:
			mapped.SetCustom(opts.CustomFieldIDs, mapping.FieldAISummary, summary)
		}
	}

	write := mapped.Write()
	write.Tags = nil
	oppID, err := e.upsertOpportunity(ctx, scope, target.CRMID, contactID, opts.CustomFieldIDs[mapping.FieldBillingInvoiceID], inv.ID, write)
	if err != nil {
		return Failed(target, err)
	}
	return Success(target, oppID)
}

// invoiceCustomer returns the invoice's customer, using the expanded object
// when present. A missing customer record degrades to the invoice's own
// customer_email and customer_name.
func (e *Engine) invoiceCustomer(ctx context.Context, id identity.Identity, inv billing.Invoice) (billing.Customer, error) {
	if inv.Customer != nil && !inv.Customer.Deleted {
		customer := *inv.Customer
		if customer.Email == "" {
			customer.Email = inv.CustomerEmail
		}
		return customer, nil
	}
	fallback := billing.Customer{ID: inv.CustomerID, Email: inv.CustomerEmail, Name: inv.CustomerName, Currency: inv.Currency}
	if inv.CustomerID == "" || inv.Customer != nil {
		return fallback, nil
	}
	customer, err := e.billing.GetCustomer(ctx, id.Billing(), inv.CustomerID)
	if err != nil {
		if errors.Is(err, syncerr.ErrNotFound) {
			return fallback, nil
		}
		return billing.Customer{}, err
	}
	if customer.Email == "" {
		customer.Email = inv.CustomerEmail
	}
	return customer, nil
}

// linkedContact finds the contact an opportunity hangs off, creating it
// through the customer mapping when absent. Invoice tags are appended.
func (e *Engine) linkedContact(ctx context.Context, scope crm.Scope, email string, contact mapping.Result, invoiceTags []string) (string, error) {
	existing, err := e.crm.FindContactByEmail(ctx, scope, email)
	switch {
	case err == nil:
		return existing.ID, e.crm.AddContactTags(ctx, scope, existing.ID, invoiceTags)
	case !errors.Is(err, syncerr.ErrNotFound):
		return "", err
	}
	for _, tag := range invoiceTags {
		contact.AddTag(tag)
	}
	created, err := e.crm.CreateContact(ctx, scope, contact.Write())
	if err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", &syncerr.ProviderError{Provider: "crm", Op: "create contact", Message: "response carried no contact id"}
	}
	return created.ID, nil
}

func (e *Engine) upsertOpportunity(ctx context.Context, scope crm.Scope, knownID, contactID, fieldID, invoiceID string, write crm.Write) (string, error) {
	if knownID != "" {
		_, err := e.crm.UpdateOpportunity(ctx, scope, knownID, write)
		if err == nil {
			return knownID, nil
		}
		if !errors.Is(err, syncerr.ErrNotFound) || contactID == "" {
			return "", err
		}
		e.logger.Info().Str("crm_id", knownID).Msg("stale opportunity anchor; looking up by invoice")
	}

	existing, err := e.crm.FindOpportunity(ctx, scope, contactID, fieldID, invoiceID)
	switch {
	case err == nil:
		if _, err := e.crm.UpdateOpportunity(ctx, scope, existing.ID, write); err != nil {
			return "", err
		}
		return existing.ID, nil
	case !errors.Is(err, syncerr.ErrNotFound):
		return "", err
	}

	created, err := e.crm.CreateOpportunity(ctx, scope, contactID, write)
	if err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", &syncerr.ProviderError{Provider: "crm", Op: "create opportunity", Message: "response carried no opportunity id"}
	}
	return created.ID, nil
}

// backfill writes the CRM contact id onto the billing customer. Failure is
// logged and never changes the sync result.
func (e *Engine) backfill(ctx context.Context, id identity.Identity, customerID, contactID string) {
	patch := mapping.CRMContactToBillingCustomerPatch(crm.Contact{ID: contactID})
	if patch.Empty() {
		return
	}
	if _, err := e.billing.UpdateCustomer(ctx, id.Billing(), customerID, patch); err != nil {
		e.logger.Warn().Err(err).Str("tenant", id.TenantID).Str("billing_id", customerID).Msg("billing metadata backfill failed")
	}
}

func (e *Engine) finish(result SyncResult) SyncResult {
	event := e.logger.Debug()
	if result.Outcome == OutcomeFailed {
		event = e.logger.Warn().Err(result.Err).Str("error_kind", syncerr.KindOf(result.Err))
	}
	event.
		Str("tenant", result.Target.TenantID).
		Str("kind", string(result.Target.Kind)).
		Str("billing_id", result.Target.BillingID).
		Str("crm_id", result.RemoteID).
		Str("outcome", string(result.Outcome)).
		Str("reason", result.Reason).
		Msg("sync finished")
	return result
}

func validateTarget(target SyncTarget) error {
	if target.TenantID == "" {
		return &syncerr.ValidationError{Field: "tenantId", Message: "required"}
	}
	if target.BillingID == "" {
		return &syncerr.ValidationError{Field: "billingId", Message: "required"}
	}
	if _, ok := ParseKind(string(target.Kind)); !ok {
		return &syncerr.ValidationError{Field: "kind", Message: fmt.Sprintf("unsupported kind %q", target.Kind)}
	}
	return nil
}

func mapperOptions(id identity.Identity) mapping.Options {
	return mapping.Options{
		CustomFieldIDs: id.CustomFieldIDs,
		PipelineID:     id.PipelineID,
		StageIDs:       id.StageIDs,
	}
}
