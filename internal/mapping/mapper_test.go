package mapping

import (
	"bytes"
	"fmt"
	"sort"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/billbridge/internal/billing"
	"github.com/agentworkforce/billbridge/internal/crm"
)

func render(r Result) []byte {
	var b bytes.Buffer
	b.WriteString("fields:\n")
	for _, f := range r.Fields {
		if f.Number {
			fmt.Fprintf(&b, "  %s=%s (number)\n", f.Key, f.Value)
		} else {
			fmt.Fprintf(&b, "  %s=%s\n", f.Key, f.Value)
		}
	}
	b.WriteString("tags:\n")
	for _, tag := range r.Tags {
		fmt.Fprintf(&b, "  %s\n", tag)
	}
	b.WriteString("custom:\n")
	ids := make([]string, 0, len(r.CustomFields))
	for id := range r.CustomFields {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(&b, "  %s=%s\n", id, r.CustomFields[id])
	}
	return b.Bytes()
}

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestCustomerToContactGolden(t *testing.T) {
	customer := billing.Customer{
		ID:       "cus_1",
		Name:     "Ada King Lovelace",
		Email:    " Ada@Example.com ",
		Phone:    "+44 20 7946 0000",
		Metadata: map[string]string{"company": "Analytical Engines Ltd"},
		Address: &billing.Address{
			Line1:      "12 St James's Square",
			Line2:      "Floor 2",
			City:       "London",
			PostalCode: "SW1Y 4JH",
			Country:    "GB",
		},
		Balance:    -500,
		Currency:   "gbp",
		Delinquent: true,
	}
	opts := Options{CustomFieldIDs: map[string]string{
		FieldBillingCustomerID: "cf_customer",
		FieldBillingBalance:    "cf_balance",
	}}
	newGoldie(t).Assert(t, "customer_full", render(CustomerToContact(customer, opts)))
}

func TestCustomerToContactOmitsMissingFields(t *testing.T) {
	newGoldie(t).Assert(t, "customer_minimal", render(CustomerToContact(billing.Customer{ID: "cus_min"}, Options{})))
}

func TestInvoiceToOpportunityGolden(t *testing.T) {
	invoice := billing.Invoice{
		ID:               "in_1",
		Number:           "INV-0042",
		Status:           "paid",
		Currency:         "usd",
		AmountDue:        183000,
		AmountPaid:       183000,
		DueDate:          1735689600,
		HostedInvoiceURL: "https://pay.example.test/in_1",
	}
	opts := Options{
		PipelineID: "pipe_1",
		StageIDs:   map[string]string{"won": "stage_won", "open": "stage_open"},
		CustomFieldIDs: map[string]string{
			FieldBillingInvoiceID: "cf_inv",
			FieldInvoiceNumber:    "cf_num",
			FieldAmountDue:        "cf_due",
			FieldAmountPaid:       "cf_paid",
			FieldInvoiceCurrency:  "cf_cur",
			FieldDueDate:          "cf_date",
			FieldHostedInvoiceURL: "cf_url",
			FieldInvoiceStatus:    "cf_status",
		},
	}
	newGoldie(t).Assert(t, "invoice_paid", render(InvoiceToOpportunity(invoice, opts)))
}

func TestMappingIsDeterministic(t *testing.T) {
	invoice := billing.Invoice{ID: "in_2", Status: "open", Currency: "eur", AmountDue: 999}
	opts := Options{CustomFieldIDs: map[string]string{FieldAmountDue: "cf_due"}}
	first := InvoiceToOpportunity(invoice, opts)
	second := InvoiceToOpportunity(invoice, opts)
	assert.Equal(t, first, second)
	assert.Equal(t, "9.99", first.CustomFields["cf_due"])
}

func TestOpportunityStatus(t *testing.T) {
	assert.Equal(t, "won", OpportunityStatus("paid"))
	assert.Equal(t, "lost", OpportunityStatus("void"))
	assert.Equal(t, "lost", OpportunityStatus("uncollectible"))
	assert.Equal(t, "open", OpportunityStatus("open"))
	assert.Equal(t, "open", OpportunityStatus("draft"))
}

func TestResultSetKeepsKeysUnique(t *testing.T) {
	var r Result
	r.Set("email", "a@example.com")
	r.Set("name", "A")
	r.Set("email", "b@example.com")
	require.Len(t, r.Fields, 2)
	got, ok := r.Get("email")
	require.True(t, ok)
	assert.Equal(t, "b@example.com", got)
	assert.Equal(t, "email", r.Fields[0].Key)

	r.AddTag("x")
	r.AddTag("x")
	r.AddTag("")
	assert.Equal(t, []string{"x"}, r.Tags)
}

func TestResultWriteCopiesIntoCRMShape(t *testing.T) {
	r := InvoiceToOpportunity(billing.Invoice{ID: "in_3", Currency: "usd", AmountDue: 100}, Options{})
	w := r.Write()
	require.Len(t, w.Fields, len(r.Fields))
	for _, f := range w.Fields {
		if f.Key == "monetaryValue" {
			assert.True(t, f.Number)
			assert.Equal(t, "1.00", f.Value)
		}
	}
}

func TestCRMContactToBillingCustomerPatch(t *testing.T) {
	patch := CRMContactToBillingCustomerPatch(crm.Contact{
		ID:        "ct_1",
		FirstName: "Ada",
		LastName:  "Lovelace",
		Email:     "ADA@example.com",
		City:      "London",
	})
	assert.Equal(t, "Ada Lovelace", patch.Name)
	assert.Equal(t, "ada@example.com", patch.Email)
	require.NotNil(t, patch.Address)
	assert.Equal(t, "London", patch.Address.City)
	assert.Equal(t, map[string]string{"crm_contact_id": "ct_1"}, patch.Metadata)

	empty := CRMContactToBillingCustomerPatch(crm.Contact{})
	assert.True(t, empty.Empty())
}
