package billing

import (
	"encoding/json"
	"fmt"
)

// Account scopes every billing call to one tenant's credentials.
type Account struct {
	ID     string
	APIKey string
}

type Address struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

type Customer struct {
	ID          string            `json:"id"`
	Name        string            `json:"name,omitempty"`
	Email       string            `json:"email,omitempty"`
	Phone       string            `json:"phone,omitempty"`
	Description string            `json:"description,omitempty"`
	Address     *Address          `json:"address,omitempty"`
	Balance     int64             `json:"balance,omitempty"`
	Currency    string            `json:"currency,omitempty"`
	Delinquent  bool              `json:"delinquent,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Created     int64             `json:"created,omitempty"`
	Deleted     bool              `json:"deleted,omitempty"`
}

// Invoice carries the customer either as a bare id or, when expanded, as a
// full object; CustomerID is always populated.
type Invoice struct {
	ID               string    `json:"id"`
	Number           string    `json:"number,omitempty"`
	Status           string    `json:"status,omitempty"`
	Currency         string    `json:"currency,omitempty"`
	CustomerID       string    `json:"-"`
	Customer         *Customer `json:"-"`
	CustomerEmail    string    `json:"customer_email,omitempty"`
	CustomerName     string    `json:"customer_name,omitempty"`
	Description      string    `json:"description,omitempty"`
	AmountDue        int64     `json:"amount_due"`
	AmountPaid       int64     `json:"amount_paid"`
	AmountRemaining  int64     `json:"amount_remaining"`
	Total            int64     `json:"total"`
	DueDate          int64     `json:"due_date,omitempty"`
	HostedInvoiceURL string    `json:"hosted_invoice_url,omitempty"`
	Created          int64     `json:"created,omitempty"`
	Deleted          bool      `json:"deleted,omitempty"`
}

type invoiceAlias Invoice

type invoiceWire struct {
	invoiceAlias
	Customer json.RawMessage `json:"customer,omitempty"`
}

func (inv *Invoice) UnmarshalJSON(data []byte) error {
	var wire invoiceWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*inv = Invoice(wire.invoiceAlias)
	raw := wire.Customer
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if raw[0] == '"' {
		return json.Unmarshal(raw, &inv.CustomerID)
	}
	var customer Customer
	if err := json.Unmarshal(raw, &customer); err != nil {
		return fmt.Errorf("decode invoice customer: %w", err)
	}
	inv.Customer = &customer
	inv.CustomerID = customer.ID
	return nil
}

func (inv Invoice) MarshalJSON() ([]byte, error) {
	wire := invoiceWire{invoiceAlias: invoiceAlias(inv)}
	var err error
	switch {
	case inv.Customer != nil:
		wire.Customer, err = json.Marshal(inv.Customer)
	case inv.CustomerID != "":
		wire.Customer, err = json.Marshal(inv.CustomerID)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(wire)
}

// Email returns the best known recipient for the invoice.
func (inv Invoice) Email() string {
	if inv.Customer != nil && inv.Customer.Email != "" {
		return inv.Customer.Email
	}
	return inv.CustomerEmail
}

// CustomerPatch is a partial customer update; empty fields are not sent.
type CustomerPatch struct {
	Name     string
	Email    string
	Phone    string
	Address  *Address
	Metadata map[string]string
}

func (p CustomerPatch) Empty() bool {
	return p.Name == "" && p.Email == "" && p.Phone == "" && p.Address == nil && len(p.Metadata) == 0
}

type listEnvelope[T any] struct {
	Data    []T  `json:"data"`
	HasMore bool `json:"has_more"`
}
