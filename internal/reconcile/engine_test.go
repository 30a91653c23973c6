package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/billbridge/internal/billing"
	"github.com/agentworkforce/billbridge/internal/config"
	"github.com/agentworkforce/billbridge/internal/identity"
	"github.com/agentworkforce/billbridge/internal/mapping"
	"github.com/agentworkforce/billbridge/internal/store"
	"github.com/agentworkforce/billbridge/internal/syncerr"
)

const tenant = "acme"

func testConfig(mutate func(*config.TenantConfig)) config.ProviderConfig {
	tc := config.TenantConfig{
		ID:           tenant,
		BusinessName: "Acme Agency",
		Billing:      config.BillingTenant{AccountID: "acct_1", APIKey: "sk_test"},
		CRM: config.CRMTenant{
			Token:      "pit-token",
			LocationID: "loc_1",
			PipelineID: "pipe_1",
			StageIDs:   map[string]string{"won": "stage_won", "open": "stage_open"},
			CustomFieldIDs: map[string]string{
				mapping.FieldBillingInvoiceID: "cf_inv",
				mapping.FieldAmountDue:        "cf_due",
			},
		},
	}
	if mutate != nil {
		mutate(&tc)
	}
	return config.ProviderConfig{
		CRMBaseURL:    "https://crm.example.test",
		CRMAPIVersion: "2021-07-28",
		Tenants:       map[string]config.TenantConfig{tenant: tc},
	}
}

type harness struct {
	billing *fakeBilling
	crm     *fakeCRM
	engine  *Engine
}

func newHarness(t *testing.T, cfg config.ProviderConfig, opts ...Option) *harness {
	t.Helper()
	b := newFakeBilling()
	c := newFakeCRM()
	return &harness{
		billing: b,
		crm:     c,
		engine:  NewEngine(identity.NewResolver(cfg, zerolog.Nop()), b, c, zerolog.Nop(), opts...),
	}
}

func customerTarget(id, crmID string) SyncTarget {
	return SyncTarget{Kind: KindCustomer, BillingID: id, CRMID: crmID, TenantID: tenant}
}

func invoiceTarget(id, crmID string) SyncTarget {
	return SyncTarget{Kind: KindInvoice, BillingID: id, CRMID: crmID, TenantID: tenant}
}

func TestSyncOneIsIdempotentWithKnownCRMID(t *testing.T) {
	h := newHarness(t, testConfig(nil))
	h.billing.customers["cus_1"] = billing.Customer{ID: "cus_1", Name: "Ada Lovelace", Email: "ada@example.com"}
	ctx := context.Background()

	first := h.engine.SyncOne(ctx, customerTarget("cus_1", ""))
	require.Equal(t, OutcomeSuccess, first.Outcome, "%v", first.Err)

	second := h.engine.SyncOne(ctx, customerTarget("cus_1", first.RemoteID))
	require.Equal(t, OutcomeSuccess, second.Outcome, "%v", second.Err)

	assert.Equal(t, first.RemoteID, second.RemoteID)
	assert.Equal(t, 1, h.crm.count("create_contact"))
	assert.Equal(t, 1, h.crm.count("update_contact"))
	// the second call goes straight to the anchor without a lookup
	assert.Equal(t, 1, h.crm.count("find_contact"))
}

func TestSyncOneReplayWithoutCRMIDDoesNotDuplicate(t *testing.T) {
	h := newHarness(t, testConfig(nil))
	h.billing.customers["cus_1"] = billing.Customer{ID: "cus_1", Name: "Ada Lovelace", Email: "Ada@Example.com"}
	ctx := context.Background()

	first := h.engine.SyncOne(ctx, customerTarget("cus_1", ""))
	second := h.engine.SyncOne(ctx, customerTarget("cus_1", ""))

	require.True(t, first.OK())
	require.True(t, second.OK())
	assert.Equal(t, first.RemoteID, second.RemoteID)
	assert.Equal(t, 1, h.crm.count("create_contact"))
	assert.Len(t, h.crm.contacts, 1)
}

func TestSyncBatchPreservesOrderAndIsolatesFailures(t *testing.T) {
	h := newHarness(t, testConfig(nil))
	h.billing.customers["cus_a"] = billing.Customer{ID: "cus_a", Email: "a@example.com"}
	h.billing.customers["cus_c"] = billing.Customer{ID: "cus_c", Email: "c@example.com"}
	h.billing.errs["cus_b"] = &syncerr.ProviderError{Provider: "billing", Op: "get customer", StatusCode: 500}

	results := h.engine.SyncBatch(context.Background(), []SyncTarget{
		customerTarget("cus_a", ""),
		customerTarget("cus_b", ""),
		customerTarget("cus_c", ""),
	})

	require.Len(t, results, 3)
	assert.Equal(t, OutcomeSuccess, results[0].Outcome)
	assert.Equal(t, OutcomeFailed, results[1].Outcome)
	assert.Equal(t, OutcomeSuccess, results[2].Outcome)
	for i, id := range []string{"cus_a", "cus_b", "cus_c"} {
		assert.Equal(t, id, results[i].Target.BillingID)
	}
	assert.ErrorIs(t, results[1].Err, syncerr.ErrProvider)
	assert.Equal(t, Summary{Synced: 2, Failed: 1}, Summarize(results))
}

func TestSyncOneSkipsDeletedSource(t *testing.T) {
	h := newHarness(t, testConfig(nil))
	h.billing.customers["cus_gone"] = billing.Customer{ID: "cus_gone", Deleted: true}

	missing := h.engine.SyncOne(context.Background(), customerTarget("cus_missing", ""))
	assert.Equal(t, OutcomeSkipped, missing.Outcome)
	assert.Equal(t, ReasonDeleted, missing.Reason)

	deleted := h.engine.SyncOne(context.Background(), customerTarget("cus_gone", ""))
	assert.Equal(t, ReasonDeleted, deleted.Reason)

	invoice := h.engine.SyncOne(context.Background(), invoiceTarget("in_missing", ""))
	assert.Equal(t, ReasonDeleted, invoice.Reason)
	assert.Zero(t, h.crm.total())
}

func TestSyncOneSkipsCustomerWithoutEmail(t *testing.T) {
	h := newHarness(t, testConfig(nil))
	h.billing.customers["cus_1"] = billing.Customer{ID: "cus_1", Name: "No Email"}

	result := h.engine.SyncOne(context.Background(), customerTarget("cus_1", ""))
	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.Equal(t, ReasonMissingEmail, result.Reason)
	assert.Zero(t, h.crm.total())
}

func TestSyncOneConfigurationFailureMakesNoProviderCalls(t *testing.T) {
	h := newHarness(t, testConfig(func(tc *config.TenantConfig) { tc.CRM.Token = "" }))

	result := h.engine.SyncOne(context.Background(), customerTarget("cus_1", ""))
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.ErrorIs(t, result.Err, syncerr.ErrConfiguration)
	assert.False(t, syncerr.Retryable(result.Err))
	assert.Zero(t, h.billing.total())
	assert.Zero(t, h.crm.total())

	noBilling := newHarness(t, testConfig(func(tc *config.TenantConfig) { tc.Billing.APIKey = "" }))
	result = noBilling.engine.SyncOne(context.Background(), customerTarget("cus_1", ""))
	assert.ErrorIs(t, result.Err, syncerr.ErrConfiguration)
	assert.Zero(t, noBilling.billing.total())
}

func TestSyncOneRejectsMalformedTargets(t *testing.T) {
	h := newHarness(t, testConfig(nil))
	for _, target := range []SyncTarget{
		{Kind: KindCustomer, BillingID: "cus_1"},
		{Kind: KindCustomer, TenantID: tenant},
		{Kind: "payment", BillingID: "pay_1", TenantID: tenant},
	} {
		result := h.engine.SyncOne(context.Background(), target)
		assert.ErrorIs(t, result.Err, syncerr.ErrValidation, "%+v", target)
	}
	assert.Zero(t, h.billing.total())
}

func TestSyncOneStaleAnchorFallsBackToLookup(t *testing.T) {
	h := newHarness(t, testConfig(nil))
	h.billing.customers["cus_1"] = billing.Customer{ID: "cus_1", Email: "ada@example.com"}

	result := h.engine.SyncOne(context.Background(), customerTarget("cus_1", "ct_deleted"))
	require.True(t, result.OK(), "%v", result.Err)
	assert.NotEqual(t, "ct_deleted", result.RemoteID)
	assert.Equal(t, 1, h.crm.count("find_contact"))
	assert.Equal(t, 1, h.crm.count("create_contact"))
}

func TestSyncOneDoesNotRetryProviderErrors(t *testing.T) {
	h := newHarness(t, testConfig(nil))
	h.billing.customers["cus_1"] = billing.Customer{ID: "cus_1", Email: "ada@example.com"}
	h.crm.failOps["create_contact"] = &syncerr.ProviderError{Provider: "crm", Op: "create contact", StatusCode: 422}

	result := h.engine.SyncOne(context.Background(), customerTarget("cus_1", ""))
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, 1, h.crm.count("create_contact"))
}

func TestSyncOneUsesResolvedScopeAndLocationOverride(t *testing.T) {
	h := newHarness(t, testConfig(nil))
	h.billing.customers["cus_1"] = billing.Customer{ID: "cus_1", Email: "ada@example.com"}

	target := customerTarget("cus_1", "")
	target.LocationID = "loc_override"
	require.True(t, h.engine.SyncOne(context.Background(), target).OK())
	assert.Equal(t, "loc_override", h.crm.lastScope.LocationID)
	assert.Equal(t, "Bearer pit-token", h.crm.lastScope.AuthHeader)
	assert.Equal(t, "2021-07-28", h.crm.lastScope.APIVersion)
}

func TestCustomerUpdateAppendsTags(t *testing.T) {
	h := newHarness(t, testConfig(nil))
	h.billing.customers["cus_1"] = billing.Customer{ID: "cus_1", Email: "ada@example.com", Delinquent: true}
	ctx := context.Background()

	first := h.engine.SyncOne(ctx, customerTarget("cus_1", ""))
	require.True(t, first.OK())
	second := h.engine.SyncOne(ctx, customerTarget("cus_1", first.RemoteID))
	require.True(t, second.OK())

	assert.Equal(t, 1, h.crm.count("add_tags"))
	assert.Contains(t, h.crm.tags[first.RemoteID], mapping.TagBillingDelinquent)
}

func TestBackfillWritesContactIDAndNeverFailsSync(t *testing.T) {
	h := newHarness(t, testConfig(func(tc *config.TenantConfig) { tc.Billing.BackfillMetadata = true }))
	h.billing.customers["cus_1"] = billing.Customer{ID: "cus_1", Email: "ada@example.com"}

	result := h.engine.SyncOne(context.Background(), customerTarget("cus_1", ""))
	require.True(t, result.OK())
	assert.Equal(t, map[string]string{"crm_contact_id": result.RemoteID}, h.billing.patches["cus_1"].Metadata)

	h.billing.customers["cus_2"] = billing.Customer{ID: "cus_2", Email: "bob@example.com"}
	h.billing.patchErr = errors.New("billing down")
	result = h.engine.SyncOne(context.Background(), customerTarget("cus_2", ""))
	assert.True(t, result.OK())
}

func TestInvoiceSyncCreatesContactAndOpportunityOnce(t *testing.T) {
	h := newHarness(t, testConfig(nil))
	h.billing.invoices["in_1"] = billing.Invoice{
		ID:         "in_1",
		Number:     "INV-1",
		Status:     "paid",
		Currency:   "usd",
		AmountDue:  183000,
		AmountPaid: 183000,
		CustomerID: "cus_1",
		Customer:   &billing.Customer{ID: "cus_1", Name: "Ada Lovelace", Email: "ada@example.com"},
	}
	ctx := context.Background()

	first := h.engine.SyncOne(ctx, invoiceTarget("in_1", ""))
	require.True(t, first.OK(), "%v", first.Err)
	second := h.engine.SyncOne(ctx, invoiceTarget("in_1", ""))
	require.True(t, second.OK(), "%v", second.Err)

	assert.Equal(t, first.RemoteID, second.RemoteID)
	assert.Equal(t, 1, h.crm.count("create_contact"))
	assert.Equal(t, 1, h.crm.count("create_opportunity"))
	assert.Equal(t, 1, h.crm.count("update_opportunity"))

	opp := h.crm.opps[first.RemoteID]
	assert.Equal(t, "1830.00", opp.MonetaryValue.String())
	assert.Equal(t, "won", opp.Status)
	assert.Equal(t, "stage_won", opp.PipelineStageID)
	due, _ := opp.CustomField("cf_due")
	assert.Equal(t, "1830.00", due)

	contactID := opp.ContactID
	assert.Contains(t, h.crm.tags[contactID], "invoice-paid")
	assert.Contains(t, h.crm.tags[contactID], mapping.TagBillingCustomer)
}

func seedOpenInvoice(h *harness) {
	h.billing.invoices["in_1"] = billing.Invoice{
		ID:         "in_1",
		Number:     "INV-1",
		Status:     "open",
		Currency:   "usd",
		AmountDue:  183000,
		CustomerID: "cus_1",
		Customer:   &billing.Customer{ID: "cus_1", Name: "Ada Lovelace", Email: "ada@example.com"},
	}
}

func TestInvoiceSyncWithKnownAnchorUpdatesInPlace(t *testing.T) {
	h := newHarness(t, testConfig(nil))
	seedOpenInvoice(h)
	ctx := context.Background()

	first := h.engine.SyncOne(ctx, invoiceTarget("in_1", ""))
	require.True(t, first.OK(), "%v", first.Err)
	second := h.engine.SyncOne(ctx, invoiceTarget("in_1", first.RemoteID))
	require.True(t, second.OK(), "%v", second.Err)

	assert.Equal(t, first.RemoteID, second.RemoteID)
	assert.Equal(t, 1, h.crm.count("create_opportunity"))
	assert.Equal(t, 1, h.crm.count("find_opportunity"))
	assert.Equal(t, 1, h.crm.count("update_opportunity"))
}

func TestInvoiceSyncStaleAnchorFallsBackToLookup(t *testing.T) {
	h := newHarness(t, testConfig(nil))
	seedOpenInvoice(h)
	ctx := context.Background()

	first := h.engine.SyncOne(ctx, invoiceTarget("in_1", ""))
	require.True(t, first.OK(), "%v", first.Err)
	second := h.engine.SyncOne(ctx, invoiceTarget("in_1", "opp_deleted"))
	require.True(t, second.OK(), "%v", second.Err)

	assert.Equal(t, first.RemoteID, second.RemoteID)
	assert.Equal(t, 1, h.crm.count("create_opportunity"))
	assert.Equal(t, 2, h.crm.count("find_opportunity"))
	assert.Equal(t, 2, h.crm.count("update_opportunity"))
}

func TestInvoiceSyncKnownAnchorWithoutEmailStillUpdates(t *testing.T) {
	h := newHarness(t, testConfig(nil))
	seedOpenInvoice(h)
	ctx := context.Background()

	first := h.engine.SyncOne(ctx, invoiceTarget("in_1", ""))
	require.True(t, first.OK(), "%v", first.Err)

	inv := h.billing.invoices["in_1"]
	inv.Status = "void"
	inv.Customer = &billing.Customer{ID: "cus_1", Name: "Ada Lovelace"}
	h.billing.invoices["in_1"] = inv

	second := h.engine.SyncOne(ctx, invoiceTarget("in_1", first.RemoteID))
	require.True(t, second.OK(), "%v", second.Err)
	assert.Equal(t, first.RemoteID, second.RemoteID)
	assert.Equal(t, "lost", h.crm.opps[first.RemoteID].Status)
	assert.Equal(t, 1, h.crm.count("find_contact"))
	assert.Equal(t, 1, h.crm.count("create_opportunity"))
}

func TestInvoiceSyncStaleAnchorWithoutEmailFails(t *testing.T) {
	h := newHarness(t, testConfig(nil))
	h.billing.invoices["in_1"] = billing.Invoice{ID: "in_1", Status: "open", Currency: "usd"}

	result := h.engine.SyncOne(context.Background(), invoiceTarget("in_1", "opp_deleted"))
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.ErrorIs(t, result.Err, syncerr.ErrNotFound)
	assert.Zero(t, h.crm.count("create_opportunity"))
	assert.Zero(t, h.crm.count("find_opportunity"))
}

func TestInvoiceSyncFetchesUnexpandedCustomer(t *testing.T) {
	h := newHarness(t, testConfig(nil))
	h.billing.customers["cus_1"] = billing.Customer{ID: "cus_1", Email: "ada@example.com"}
	h.billing.invoices["in_1"] = billing.Invoice{ID: "in_1", Status: "open", Currency: "usd", CustomerID: "cus_1"}

	result := h.engine.SyncOne(context.Background(), invoiceTarget("in_1", ""))
	require.True(t, result.OK(), "%v", result.Err)
	assert.Equal(t, 1, h.billing.count("get_customer"))
}

func TestInvoiceSyncWithoutPipelineIsConfigurationError(t *testing.T) {
	h := newHarness(t, testConfig(func(tc *config.TenantConfig) { tc.CRM.PipelineID = "" }))
	result := h.engine.SyncOne(context.Background(), invoiceTarget("in_1", ""))
	assert.ErrorIs(t, result.Err, syncerr.ErrConfiguration)
	assert.Zero(t, h.billing.total())
}

func TestInvoiceSyncWithoutAnyEmailIsSkipped(t *testing.T) {
	h := newHarness(t, testConfig(nil))
	h.billing.invoices["in_1"] = billing.Invoice{ID: "in_1", Status: "open", Currency: "usd"}
	result := h.engine.SyncOne(context.Background(), invoiceTarget("in_1", ""))
	assert.Equal(t, ReasonMissingEmail, result.Reason)
	assert.Zero(t, h.crm.total())
}

func TestInvoiceSyncAddsSummaryWhenConfigured(t *testing.T) {
	summarizer := &fakeSummarizer{summary: "Paid in full.", ok: true}
	h := newHarness(t, testConfig(func(tc *config.TenantConfig) {
		tc.CRM.CustomFieldIDs[mapping.FieldAISummary] = "cf_ai"
	}), WithSummarizer(summarizer))
	h.billing.invoices["in_1"] = billing.Invoice{ID: "in_1", Status: "paid", Currency: "usd", CustomerEmail: "ada@example.com"}

	result := h.engine.SyncOne(context.Background(), invoiceTarget("in_1", ""))
	require.True(t, result.OK(), "%v", result.Err)
	summary, ok := h.crm.opps[result.RemoteID].CustomField("cf_ai")
	assert.True(t, ok)
	assert.Equal(t, "Paid in full.", summary)

	summarizer.err = errors.New("model down")
	summarizer.ok = false
	h.billing.invoices["in_2"] = billing.Invoice{ID: "in_2", Status: "open", Currency: "usd", CustomerEmail: "ada@example.com"}
	assert.True(t, h.engine.SyncOne(context.Background(), invoiceTarget("in_2", "")).OK())
}

func TestSummarizerSkippedWithoutSummaryField(t *testing.T) {
	summarizer := &fakeSummarizer{summary: "x", ok: true}
	h := newHarness(t, testConfig(nil), WithSummarizer(summarizer))
	h.billing.invoices["in_1"] = billing.Invoice{ID: "in_1", Status: "open", Currency: "usd", CustomerEmail: "ada@example.com"}
	require.True(t, h.engine.SyncOne(context.Background(), invoiceTarget("in_1", "")).OK())
	assert.Zero(t, summarizer.calls)
}

func TestSyncFromWebhookRequiresObjectID(t *testing.T) {
	h := newHarness(t, testConfig(nil))
	result := h.engine.SyncFromWebhook(context.Background(), tenant, KindInvoice, WebhookEvent{ID: "evt_1", Type: "invoice.created"})
	assert.ErrorIs(t, result.Err, syncerr.ErrValidation)
	assert.Zero(t, h.billing.total())
}

func TestSweepSyncsCustomersBeforeInvoices(t *testing.T) {
	h := newHarness(t, testConfig(nil))
	h.billing.customers["cus_1"] = billing.Customer{ID: "cus_1", Email: "ada@example.com"}
	h.billing.customers["cus_2"] = billing.Customer{ID: "cus_2"}
	h.billing.invoices["in_1"] = billing.Invoice{ID: "in_1", Status: "open", Currency: "usd", CustomerEmail: "ada@example.com"}

	results, err := h.engine.Sweep(context.Background(), tenant, 10, "")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, KindCustomer, results[0].Target.Kind)
	assert.Equal(t, KindCustomer, results[1].Target.Kind)
	assert.Equal(t, KindInvoice, results[2].Target.Kind)
	assert.Equal(t, Summary{Synced: 2, Skipped: 1}, Summarize(results))
	// the invoice found the contact the customer pass created
	assert.Equal(t, 1, h.crm.count("create_contact"))
}

func TestSweepSurfacesListFailure(t *testing.T) {
	h := newHarness(t, testConfig(nil))
	h.billing.errs["list_customers"] = &syncerr.ProviderError{Provider: "billing", Op: "list customers", StatusCode: 503}
	_, err := h.engine.Sweep(context.Background(), tenant, 0, "")
	assert.ErrorIs(t, err, syncerr.ErrProvider)
}

func TestTrackedPersistsAndReusesAnchors(t *testing.T) {
	h := newHarness(t, testConfig(nil))
	h.billing.customers["cus_1"] = billing.Customer{ID: "cus_1", Email: "ada@example.com"}
	links := store.NewMemoryBackend()
	tracked := NewTracked(h.engine, links, zerolog.Nop())
	ctx := context.Background()

	first := tracked.SyncOne(ctx, customerTarget("cus_1", ""))
	require.True(t, first.OK())
	stored, err := links.GetLink(ctx, tenant, string(KindCustomer), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, first.RemoteID, stored)

	second := tracked.SyncFromWebhook(ctx, tenant, KindCustomer, WebhookEvent{ID: "evt_2", ObjectID: "cus_1"})
	require.True(t, second.OK())
	assert.Equal(t, first.RemoteID, second.Target.CRMID)
	assert.Equal(t, 1, h.crm.count("find_contact"))
}

func TestSyncResultJSON(t *testing.T) {
	data, err := json.Marshal(Failed(customerTarget("cus_1", ""), &syncerr.ConfigurationError{TenantID: tenant, Reason: "x"}))
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "failed", decoded["outcome"])
	assert.Equal(t, "configuration", decoded["errorKind"])
	assert.Equal(t, "cus_1", decoded["target"].(map[string]any)["billingId"])
}
