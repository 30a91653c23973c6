// Package crm is the CRM Provider client. Every call is scoped by a Scope
// produced by the identity resolver.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentworkforce/billbridge/internal/httpclient"
	"github.com/agentworkforce/billbridge/internal/syncerr"
)

const providerName = "crm"

type ClientOptions struct {
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type Client struct {
	http *httpclient.Client
}

func NewClient(opts ClientOptions) *Client {
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "billbridge"
	}
	return &Client{http: httpclient.New(httpclient.Options{
		HTTPClient: opts.HTTPClient,
		UserAgent:  userAgent,
		MaxRetries: opts.MaxRetries,
		BaseDelay:  opts.BaseDelay,
		MaxDelay:   opts.MaxDelay,
	})}
}

// FindContactByEmail returns the contact with this email in the scope's
// location, or a *syncerr.NotFoundError.
func (c *Client) FindContactByEmail(ctx context.Context, scope Scope, email string) (Contact, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return Contact{}, &syncerr.ValidationError{Field: "email", Message: "required"}
	}
	query := url.Values{"email": {email}}
	if scope.LocationID != "" {
		query.Set("locationId", scope.LocationID)
	}
	var out struct {
		Contact *Contact `json:"contact"`
	}
	if err := c.do(ctx, scope, http.MethodGet, "/contacts/search/duplicate?"+query.Encode(), nil, "find contact", "contact", "", &out); err != nil {
		return Contact{}, err
	}
	if out.Contact == nil || out.Contact.ID == "" {
		return Contact{}, &syncerr.NotFoundError{Provider: providerName, Resource: "contact", ID: email}
	}
	return *out.Contact, nil
}

func (c *Client) CreateContact(ctx context.Context, scope Scope, write Write) (Contact, error) {
	extra := map[string]any{}
	if scope.LocationID != "" {
		extra["locationId"] = scope.LocationID
	}
	var out struct {
		Contact Contact `json:"contact"`
	}
	if err := c.do(ctx, scope, http.MethodPost, "/contacts/", write.body(extra, true), "create contact", "contact", "", &out); err != nil {
		return Contact{}, err
	}
	return out.Contact, nil
}

func (c *Client) UpdateContact(ctx context.Context, scope Scope, id string, write Write) (Contact, error) {
	if strings.TrimSpace(id) == "" {
		return Contact{}, &syncerr.ValidationError{Field: "contactId", Message: "required"}
	}
	var out struct {
		Contact Contact `json:"contact"`
	}
	if err := c.do(ctx, scope, http.MethodPut, "/contacts/"+url.PathEscape(id), write.body(nil, false), "update contact", "contact", id, &out); err != nil {
		return Contact{}, err
	}
	if out.Contact.ID == "" {
		out.Contact.ID = id
	}
	return out.Contact, nil
}

// AddContactTags appends tags; the provider keeps tags already present.
func (c *Client) AddContactTags(ctx context.Context, scope Scope, id string, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	body := map[string]any{"tags": tags}
	return c.do(ctx, scope, http.MethodPost, "/contacts/"+url.PathEscape(id)+"/tags", body, "add contact tags", "contact", id, nil)
}

// RemoveContactTags drops tags from a contact. Removing a tag the contact
// does not carry is not an error.
func (c *Client) RemoveContactTags(ctx context.Context, scope Scope, id string, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	body := map[string]any{"tags": tags}
	return c.do(ctx, scope, http.MethodDelete, "/contacts/"+url.PathEscape(id)+"/tags", body, "remove contact tags", "contact", id, nil)
}

// FindOpportunity looks up the contact's opportunity for a billing invoice.
// The match is on the custom field fieldID when set, else on the name.
func (c *Client) FindOpportunity(ctx context.Context, scope Scope, contactID, fieldID, billingInvoiceID string) (Opportunity, error) {
	query := url.Values{"contact_id": {contactID}, "q": {billingInvoiceID}}
	if scope.LocationID != "" {
		query.Set("location_id", scope.LocationID)
	}
	var out struct {
		Opportunities []Opportunity `json:"opportunities"`
	}
	if err := c.do(ctx, scope, http.MethodGet, "/opportunities/search?"+query.Encode(), nil, "find opportunity", "opportunity", "", &out); err != nil {
		return Opportunity{}, err
	}
	for _, opp := range out.Opportunities {
		if opp.ContactID != "" && opp.ContactID != contactID {
			continue
		}
		if fieldID != "" {
			if value, ok := opp.CustomField(fieldID); ok && value == billingInvoiceID {
				return opp, nil
			}
			continue
		}
		if strings.Contains(opp.Name, billingInvoiceID) {
			return opp, nil
		}
	}
	return Opportunity{}, &syncerr.NotFoundError{Provider: providerName, Resource: "opportunity", ID: billingInvoiceID}
}

func (c *Client) CreateOpportunity(ctx context.Context, scope Scope, contactID string, write Write) (Opportunity, error) {
	extra := map[string]any{"contactId": contactID}
	if scope.LocationID != "" {
		extra["locationId"] = scope.LocationID
	}
	var out struct {
		Opportunity Opportunity `json:"opportunity"`
	}
	if err := c.do(ctx, scope, http.MethodPost, "/opportunities/", write.body(extra, false), "create opportunity", "opportunity", "", &out); err != nil {
		return Opportunity{}, err
	}
	return out.Opportunity, nil
}

func (c *Client) UpdateOpportunity(ctx context.Context, scope Scope, id string, write Write) (Opportunity, error) {
	if strings.TrimSpace(id) == "" {
		return Opportunity{}, &syncerr.ValidationError{Field: "opportunityId", Message: "required"}
	}
	var out struct {
		Opportunity Opportunity `json:"opportunity"`
	}
	if err := c.do(ctx, scope, http.MethodPut, "/opportunities/"+url.PathEscape(id), write.body(nil, false), "update opportunity", "opportunity", id, &out); err != nil {
		return Opportunity{}, err
	}
	if out.Opportunity.ID == "" {
		out.Opportunity.ID = id
	}
	return out.Opportunity, nil
}

// SendEmail sends a transactional email through the conversations API.
func (c *Client) SendEmail(ctx context.Context, scope Scope, msg EmailMessage) (EmailReceipt, error) {
	if msg.ContactID == "" && msg.To == "" {
		return EmailReceipt{}, &syncerr.ValidationError{Field: "recipient", Message: "contact id or address required"}
	}
	body := map[string]any{
		"type":    "Email",
		"subject": msg.Subject,
		"html":    msg.HTML,
		"message": msg.Text,
	}
	if msg.ContactID != "" {
		body["contactId"] = msg.ContactID
	}
	if msg.To != "" {
		body["emailTo"] = msg.To
	}
	if msg.From != "" {
		body["emailFrom"] = msg.From
	}
	var receipt EmailReceipt
	if err := c.do(ctx, scope, http.MethodPost, "/conversations/messages", body, "send email", "message", "", &receipt); err != nil {
		return EmailReceipt{}, err
	}
	return receipt, nil
}

func (c *Client) do(ctx context.Context, scope Scope, method, path string, body any, op, resource, id string, out any) error {
	if strings.TrimSpace(scope.AuthHeader) == "" {
		return &syncerr.ConfigurationError{Reason: "crm auth header is not resolved"}
	}
	if strings.TrimSpace(scope.BaseURL) == "" {
		return &syncerr.ConfigurationError{Reason: "crm base url is not resolved"}
	}
	header := http.Header{}
	header.Set("Authorization", scope.AuthHeader)
	header.Set("Accept", "application/json")
	if scope.APIVersion != "" {
		header.Set("Version", scope.APIVersion)
	}
	var payload []byte
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode %s body: %w", op, err)
		}
		payload = buf.Bytes()
		header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(ctx, httpclient.Request{
		Method: method,
		URL:    strings.TrimRight(scope.BaseURL, "/") + path,
		Header: header,
		Body:   payload,
	})
	if err != nil {
		return &syncerr.ProviderError{Provider: providerName, Op: op, Err: err}
	}
	if !resp.OK() {
		return responseError(resp, op, resource, id)
	}
	if out == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return &syncerr.ProviderError{Provider: providerName, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func responseError(resp httpclient.Response, op, resource, id string) error {
	if resp.StatusCode == http.StatusNotFound {
		return &syncerr.NotFoundError{Provider: providerName, Resource: resource, ID: id}
	}
	var parsed map[string]any
	message := strings.TrimSpace(string(resp.Body))
	code := ""
	if json.Unmarshal(resp.Body, &parsed) == nil {
		switch m := parsed["message"].(type) {
		case string:
			message = m
		case []any:
			parts := make([]string, 0, len(m))
			for _, item := range m {
				parts = append(parts, fmt.Sprint(item))
			}
			message = strings.Join(parts, "; ")
		}
		if e, ok := parsed["error"].(string); ok {
			code = e
		}
	}
	return &syncerr.ProviderError{Provider: providerName, Op: op, StatusCode: resp.StatusCode, Code: code, Message: message}
}
