// Package billing is the Billing Provider client: customers, invoices and
// webhook signatures.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/billbridge/internal/httpclient"
	"github.com/agentworkforce/billbridge/internal/syncerr"
)

const providerName = "billing"

type ClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type Client struct {
	baseURL string
	http    *httpclient.Client
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "billbridge"
	}
	return &Client{
		baseURL: baseURL,
		http: httpclient.New(httpclient.Options{
			HTTPClient: opts.HTTPClient,
			UserAgent:  userAgent,
			MaxRetries: opts.MaxRetries,
			BaseDelay:  opts.BaseDelay,
			MaxDelay:   opts.MaxDelay,
		}),
	}
}

func (c *Client) GetCustomer(ctx context.Context, acct Account, id string) (Customer, error) {
	if strings.TrimSpace(id) == "" {
		return Customer{}, &syncerr.ValidationError{Field: "customerId", Message: "required"}
	}
	var customer Customer
	if err := c.get(ctx, acct, "retrieve customer", "customer", id, "/v1/customers/"+url.PathEscape(id), nil, &customer); err != nil {
		return Customer{}, err
	}
	if customer.Deleted {
		return Customer{}, &syncerr.NotFoundError{Provider: providerName, Resource: "customer", ID: id, Deleted: true}
	}
	return customer, nil
}

// GetInvoice retrieves an invoice with its customer expanded.
func (c *Client) GetInvoice(ctx context.Context, acct Account, id string) (Invoice, error) {
	if strings.TrimSpace(id) == "" {
		return Invoice{}, &syncerr.ValidationError{Field: "invoiceId", Message: "required"}
	}
	query := url.Values{"expand[]": {"customer"}}
	var invoice Invoice
	if err := c.get(ctx, acct, "retrieve invoice", "invoice", id, "/v1/invoices/"+url.PathEscape(id), query, &invoice); err != nil {
		return Invoice{}, err
	}
	if invoice.Deleted {
		return Invoice{}, &syncerr.NotFoundError{Provider: providerName, Resource: "invoice", ID: id, Deleted: true}
	}
	if invoice.Customer != nil && invoice.Customer.Deleted {
		invoice.Customer = nil
	}
	return invoice, nil
}

// ListCustomers returns the most recent customers, newest first.
func (c *Client) ListCustomers(ctx context.Context, acct Account, limit int) ([]Customer, error) {
	var page listEnvelope[Customer]
	query := url.Values{"limit": {strconv.Itoa(clampLimit(limit))}}
	if err := c.get(ctx, acct, "list customers", "customer", "", "/v1/customers", query, &page); err != nil {
		return nil, err
	}
	out := make([]Customer, 0, len(page.Data))
	for _, customer := range page.Data {
		if !customer.Deleted {
			out = append(out, customer)
		}
	}
	return out, nil
}

// ListInvoices returns the most recent invoices with customers expanded.
func (c *Client) ListInvoices(ctx context.Context, acct Account, limit int) ([]Invoice, error) {
	var page listEnvelope[Invoice]
	query := url.Values{
		"limit":    {strconv.Itoa(clampLimit(limit))},
		"expand[]": {"data.customer"},
	}
	if err := c.get(ctx, acct, "list invoices", "invoice", "", "/v1/invoices", query, &page); err != nil {
		return nil, err
	}
	return page.Data, nil
}

func (c *Client) UpdateCustomer(ctx context.Context, acct Account, id string, patch CustomerPatch) (Customer, error) {
	if strings.TrimSpace(id) == "" {
		return Customer{}, &syncerr.ValidationError{Field: "customerId", Message: "required"}
	}
	form := encodePatch(patch)
	resp, err := c.http.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		URL:    c.baseURL + "/v1/customers/" + url.PathEscape(id),
		Header: c.headers(acct, "application/x-www-form-urlencoded"),
		Body:   []byte(form.Encode()),
	})
	if err != nil {
		return Customer{}, &syncerr.ProviderError{Provider: providerName, Op: "update customer", Err: err}
	}
	if !resp.OK() {
		return Customer{}, responseError(resp, "update customer", "customer", id)
	}
	var customer Customer
	if err := json.Unmarshal(resp.Body, &customer); err != nil {
		return Customer{}, &syncerr.ProviderError{Provider: providerName, Op: "update customer", StatusCode: resp.StatusCode, Err: err}
	}
	return customer, nil
}

func (c *Client) get(ctx context.Context, acct Account, op, resource, id, path string, query url.Values, out any) error {
	if strings.TrimSpace(acct.APIKey) == "" {
		return &syncerr.ConfigurationError{Reason: "billing api key is not configured"}
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	resp, err := c.http.Do(ctx, httpclient.Request{
		Method: http.MethodGet,
		URL:    target,
		Header: c.headers(acct, ""),
	})
	if err != nil {
		return &syncerr.ProviderError{Provider: providerName, Op: op, Err: err}
	}
	if !resp.OK() {
		return responseError(resp, op, resource, id)
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return &syncerr.ProviderError{Provider: providerName, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) headers(acct Account, contentType string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+strings.TrimSpace(acct.APIKey))
	h.Set("Accept", "application/json")
	if acct.ID != "" {
		h.Set("Stripe-Account", acct.ID)
	}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return h
}

func responseError(resp httpclient.Response, op, resource, id string) error {
	var parsed struct {
		Error struct {
			Code    string `json:"code"`
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(resp.Body, &parsed)
	if resp.StatusCode == http.StatusNotFound || parsed.Error.Code == "resource_missing" {
		return &syncerr.NotFoundError{Provider: providerName, Resource: resource, ID: id}
	}
	message := strings.TrimSpace(parsed.Error.Message)
	if message == "" {
		message = strings.TrimSpace(string(resp.Body))
	}
	code := parsed.Error.Code
	if code == "" {
		code = parsed.Error.Type
	}
	return &syncerr.ProviderError{Provider: providerName, Op: op, StatusCode: resp.StatusCode, Code: code, Message: message}
}

func encodePatch(patch CustomerPatch) url.Values {
	form := url.Values{}
	setIf := func(key, value string) {
		if value != "" {
			form.Set(key, value)
		}
	}
	setIf("name", patch.Name)
	setIf("email", patch.Email)
	setIf("phone", patch.Phone)
	if a := patch.Address; a != nil {
		setIf("address[line1]", a.Line1)
		setIf("address[line2]", a.Line2)
		setIf("address[city]", a.City)
		setIf("address[state]", a.State)
		setIf("address[postal_code]", a.PostalCode)
		setIf("address[country]", a.Country)
	}
	keys := make([]string, 0, len(patch.Metadata))
	for key := range patch.Metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		form.Set("metadata["+key+"]", patch.Metadata[key])
	}
	return form
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 10
	}
	if limit > 100 {
		return 100
	}
	return limit
}
