package mapping

import (
	"strings"
	"time"

	"github.com/agentworkforce/billbridge/internal/billing"
	"github.com/agentworkforce/billbridge/internal/crm"
)

const defaultSource = "billing"

// Logical custom-field keys. Tenants map them to CRM field ids.
const (
	FieldBillingCustomerID = "billing_customer_id"
	FieldBillingBalance    = "billing_balance"
	FieldBillingInvoiceID  = "billing_invoice_id"
	FieldInvoiceNumber     = "invoice_number"
	FieldAmountDue         = "amount_due"
	FieldAmountPaid        = "amount_paid"
	FieldInvoiceCurrency   = "invoice_currency"
	FieldDueDate           = "due_date"
	FieldHostedInvoiceURL  = "hosted_invoice_url"
	FieldInvoiceStatus     = "invoice_status"
	FieldAISummary         = "ai_summary"
)

const (
	TagBillingCustomer   = "billing-customer"
	TagBillingDelinquent = "billing-delinquent"
)

// Options carries the tenant's CRM layout. The zero value maps standard
// fields only.
type Options struct {
	CustomFieldIDs map[string]string
	PipelineID     string
	StageIDs       map[string]string
	Source         string
}

func (o Options) source() string {
	if o.Source != "" {
		return o.Source
	}
	return defaultSource
}

// CustomerToContact maps a billing customer onto CRM contact fields.
func CustomerToContact(c billing.Customer, opts Options) Result {
	var r Result
	first, last := splitName(c.Name)
	r.setIf("firstName", first)
	r.setIf("lastName", last)
	r.setIf("name", strings.TrimSpace(c.Name))
	r.setIf("email", normalizeEmail(c.Email))
	r.setIf("phone", strings.TrimSpace(c.Phone))
	r.setIf("companyName", firstNonEmpty(c.Metadata["company"], c.Metadata["company_name"]))
	if a := c.Address; a != nil {
		r.setIf("address1", joinNonEmpty(", ", a.Line1, a.Line2))
		r.setIf("city", a.City)
		r.setIf("state", a.State)
		r.setIf("postalCode", a.PostalCode)
		r.setIf("country", a.Country)
	}
	r.Set("source", opts.source())

	r.SetCustom(opts.CustomFieldIDs, FieldBillingCustomerID, c.ID)
	if c.Currency != "" {
		r.SetCustom(opts.CustomFieldIDs, FieldBillingBalance, FormatMinor(c.Balance, c.Currency))
	}

	r.AddTag(TagBillingCustomer)
	if c.Delinquent {
		r.AddTag(TagBillingDelinquent)
	}
	return r
}

// InvoiceToOpportunity maps a billing invoice onto an opportunity. Tags in the
// result belong on the linked contact.
func InvoiceToOpportunity(inv billing.Invoice, opts Options) Result {
	var r Result
	r.Set("name", OpportunityName(inv))
	r.setIf("pipelineId", opts.PipelineID)
	status := OpportunityStatus(inv.Status)
	r.setIf("pipelineStageId", firstNonEmpty(opts.StageIDs[inv.Status], opts.StageIDs[status]))
	r.Set("status", status)
	r.SetNumber("monetaryValue", FormatMinor(inv.AmountDue, inv.Currency))
	r.Set("source", opts.source())

	ids := opts.CustomFieldIDs
	r.SetCustom(ids, FieldBillingInvoiceID, inv.ID)
	r.SetCustom(ids, FieldInvoiceNumber, inv.Number)
	r.SetCustom(ids, FieldAmountDue, FormatMinor(inv.AmountDue, inv.Currency))
	r.SetCustom(ids, FieldAmountPaid, FormatMinor(inv.AmountPaid, inv.Currency))
	r.SetCustom(ids, FieldInvoiceCurrency, strings.ToUpper(inv.Currency))
	if inv.DueDate > 0 {
		r.SetCustom(ids, FieldDueDate, time.Unix(inv.DueDate, 0).UTC().Format("2006-01-02"))
	}
	r.SetCustom(ids, FieldHostedInvoiceURL, inv.HostedInvoiceURL)
	r.SetCustom(ids, FieldInvoiceStatus, inv.Status)

	if inv.Status != "" {
		r.AddTag("invoice-" + inv.Status)
	}
	return r
}

// OpportunityName embeds the billing id so an opportunity can be found by
// name when no invoice-id custom field is configured.
func OpportunityName(inv billing.Invoice) string {
	if inv.Number != "" {
		return "Invoice " + inv.Number + " [" + inv.ID + "]"
	}
	return "Invoice [" + inv.ID + "]"
}

// OpportunityStatus maps an invoice status onto the CRM's open/won/lost.
func OpportunityStatus(invoiceStatus string) string {
	switch invoiceStatus {
	case "paid":
		return "won"
	case "void", "uncollectible":
		return "lost"
	default:
		return "open"
	}
}

// CRMContactToBillingCustomerPatch maps a CRM contact back onto billing
// customer fields, tagging the customer with the contact id.
func CRMContactToBillingCustomerPatch(ct crm.Contact) billing.CustomerPatch {
	patch := billing.CustomerPatch{
		Name:  firstNonEmpty(strings.TrimSpace(ct.Name), joinNonEmpty(" ", ct.FirstName, ct.LastName)),
		Email: normalizeEmail(ct.Email),
		Phone: strings.TrimSpace(ct.Phone),
	}
	if ct.Address1 != "" || ct.City != "" || ct.State != "" || ct.PostalCode != "" || ct.Country != "" {
		patch.Address = &billing.Address{
			Line1:      ct.Address1,
			City:       ct.City,
			State:      ct.State,
			PostalCode: ct.PostalCode,
			Country:    ct.Country,
		}
	}
	if ct.ID != "" {
		patch.Metadata = map[string]string{"crm_contact_id": ct.ID}
	}
	return patch
}

func splitName(full string) (string, string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func joinNonEmpty(sep string, values ...string) string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return strings.Join(out, sep)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
