package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/billbridge/internal/billing"
	"github.com/agentworkforce/billbridge/internal/crm"
	"github.com/agentworkforce/billbridge/internal/syncerr"
)

type fakeBilling struct {
	mu        sync.Mutex
	customers map[string]billing.Customer
	invoices  map[string]billing.Invoice
	errs      map[string]error
	patches   map[string]billing.CustomerPatch
	patchErr  error
	calls     map[string]int
}

func newFakeBilling() *fakeBilling {
	return &fakeBilling{
		customers: map[string]billing.Customer{},
		invoices:  map[string]billing.Invoice{},
		errs:      map[string]error{},
		patches:   map[string]billing.CustomerPatch{},
		calls:     map[string]int{},
	}
}

func (f *fakeBilling) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeBilling) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeBilling) GetCustomer(_ context.Context, _ billing.Account, id string) (billing.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["get_customer"]++
	if err := f.errs[id]; err != nil {
		return billing.Customer{}, err
	}
	c, ok := f.customers[id]
	if !ok {
		return billing.Customer{}, &syncerr.NotFoundError{Provider: "billing", Resource: "customer", ID: id}
	}
	return c, nil
}

func (f *fakeBilling) GetInvoice(_ context.Context, _ billing.Account, id string) (billing.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["get_invoice"]++
	if err := f.errs[id]; err != nil {
		return billing.Invoice{}, err
	}
	inv, ok := f.invoices[id]
	if !ok {
		return billing.Invoice{}, &syncerr.NotFoundError{Provider: "billing", Resource: "invoice", ID: id}
	}
	return inv, nil
}

func (f *fakeBilling) ListCustomers(_ context.Context, _ billing.Account, limit int) ([]billing.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["list_customers"]++
	if err := f.errs["list_customers"]; err != nil {
		return nil, err
	}
	out := make([]billing.Customer, 0, len(f.customers))
	for _, id := range sortedKeys(f.customers) {
		if len(out) == limit {
			break
		}
		out = append(out, f.customers[id])
	}
	return out, nil
}

func (f *fakeBilling) ListInvoices(_ context.Context, _ billing.Account, limit int) ([]billing.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["list_invoices"]++
	out := make([]billing.Invoice, 0, len(f.invoices))
	for _, id := range sortedKeys(f.invoices) {
		if len(out) == limit {
			break
		}
		out = append(out, f.invoices[id])
	}
	return out, nil
}

func (f *fakeBilling) UpdateCustomer(_ context.Context, _ billing.Account, id string, patch billing.CustomerPatch) (billing.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["update_customer"]++
	if f.patchErr != nil {
		return billing.Customer{}, f.patchErr
	}
	f.patches[id] = patch
	return f.customers[id], nil
}

// fakeCRM is an in-memory CRM that enforces nothing about uniqueness, so a
// missing lookup shows up as a duplicate create.
type fakeCRM struct {
	mu        sync.Mutex
	seq       int
	contacts  map[string]crm.Contact
	opps      map[string]crm.Opportunity
	tags      map[string][]string
	failOps   map[string]error
	calls     map[string]int
	lastScope crm.Scope
}

func newFakeCRM() *fakeCRM {
	return &fakeCRM{
		contacts: map[string]crm.Contact{},
		opps:     map[string]crm.Opportunity{},
		tags:     map[string][]string{},
		failOps:  map[string]error{},
		calls:    map[string]int{},
	}
}

func (f *fakeCRM) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeCRM) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeCRM) enter(op string, scope crm.Scope) error {
	f.calls[op]++
	f.lastScope = scope
	return f.failOps[op]
}

func (f *fakeCRM) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

func (f *fakeCRM) FindContactByEmail(_ context.Context, scope crm.Scope, email string) (crm.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("find_contact", scope); err != nil {
		return crm.Contact{}, err
	}
	for _, id := range sortedKeys(f.contacts) {
		if strings.EqualFold(f.contacts[id].Email, email) {
			return f.contacts[id], nil
		}
	}
	return crm.Contact{}, &syncerr.NotFoundError{Provider: "crm", Resource: "contact", ID: email}
}

func (f *fakeCRM) CreateContact(_ context.Context, scope crm.Scope, write crm.Write) (crm.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("create_contact", scope); err != nil {
		return crm.Contact{}, err
	}
	c := crm.Contact{ID: f.nextID("ct"), Email: fieldValue(write, "email"), Name: fieldValue(write, "name")}
	f.contacts[c.ID] = c
	f.tags[c.ID] = append(f.tags[c.ID], write.Tags...)
	return c, nil
}

func (f *fakeCRM) UpdateContact(_ context.Context, scope crm.Scope, id string, write crm.Write) (crm.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("update_contact", scope); err != nil {
		return crm.Contact{}, err
	}
	c, ok := f.contacts[id]
	if !ok {
		return crm.Contact{}, &syncerr.NotFoundError{Provider: "crm", Resource: "contact", ID: id}
	}
	if email := fieldValue(write, "email"); email != "" {
		c.Email = email
	}
	f.contacts[id] = c
	return c, nil
}

func (f *fakeCRM) AddContactTags(_ context.Context, scope crm.Scope, id string, tags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("add_tags", scope); err != nil {
		return err
	}
	f.tags[id] = append(f.tags[id], tags...)
	return nil
}

func (f *fakeCRM) FindOpportunity(_ context.Context, scope crm.Scope, contactID, fieldID, invoiceID string) (crm.Opportunity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("find_opportunity", scope); err != nil {
		return crm.Opportunity{}, err
	}
	for _, id := range sortedKeys(f.opps) {
		opp := f.opps[id]
		if opp.ContactID != contactID {
			continue
		}
		if value, ok := opp.CustomField(fieldID); ok && value == invoiceID {
			return opp, nil
		}
		if fieldID == "" && strings.Contains(opp.Name, invoiceID) {
			return opp, nil
		}
	}
	return crm.Opportunity{}, &syncerr.NotFoundError{Provider: "crm", Resource: "opportunity", ID: invoiceID}
}

func (f *fakeCRM) CreateOpportunity(_ context.Context, scope crm.Scope, contactID string, write crm.Write) (crm.Opportunity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("create_opportunity", scope); err != nil {
		return crm.Opportunity{}, err
	}
	opp := opportunityFrom(write)
	opp.ID = f.nextID("opp")
	opp.ContactID = contactID
	f.opps[opp.ID] = opp
	return opp, nil
}

func (f *fakeCRM) UpdateOpportunity(_ context.Context, scope crm.Scope, id string, write crm.Write) (crm.Opportunity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("update_opportunity", scope); err != nil {
		return crm.Opportunity{}, err
	}
	existing, ok := f.opps[id]
	if !ok {
		return crm.Opportunity{}, &syncerr.NotFoundError{Provider: "crm", Resource: "opportunity", ID: id}
	}
	opp := opportunityFrom(write)
	opp.ID = id
	opp.ContactID = existing.ContactID
	f.opps[id] = opp
	return opp, nil
}

func opportunityFrom(write crm.Write) crm.Opportunity {
	opp := crm.Opportunity{
		Name:            fieldValue(write, "name"),
		PipelineID:      fieldValue(write, "pipelineId"),
		PipelineStageID: fieldValue(write, "pipelineStageId"),
		Status:          fieldValue(write, "status"),
	}
	for _, f := range write.Fields {
		if f.Key == "monetaryValue" {
			opp.MonetaryValue = json.Number(f.Value)
		}
	}
	for _, id := range sortedKeys(write.CustomFields) {
		opp.CustomFields = append(opp.CustomFields, crm.CustomFieldValue{ID: id, Value: write.CustomFields[id]})
	}
	return opp
}

func fieldValue(write crm.Write, key string) string {
	for _, f := range write.Fields {
		if f.Key == key {
			return f.Value
		}
	}
	return ""
}

type fakeSummarizer struct {
	summary string
	ok      bool
	err     error
	calls   int
}

func (s *fakeSummarizer) SummarizeInvoice(context.Context, string, billing.Invoice) (string, bool, error) {
	s.calls++
	return s.summary, s.ok, s.err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
