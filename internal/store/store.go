// Package store holds the small amount of durable state around the
// reconciliation core: the notification fallback log, billing-to-CRM links
// and processed webhook event ids.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotFound       = errors.New("not found")
	ErrNotImplemented = errors.New("not implemented")
)

// FallbackEntry is a rendered notification that no delivery strategy could
// send, kept for manual follow-up.
type FallbackEntry struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	InvoiceID string    `json:"invoiceId,omitempty"`
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	HTML      string    `json:"html"`
	Text      string    `json:"text"`
	Failures  []string  `json:"failures,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Link records the CRM id a billing entity was last synced to.
type Link struct {
	TenantID  string    `json:"tenantId"`
	Kind      string    `json:"kind"`
	BillingID string    `json:"billingId"`
	CRMID     string    `json:"crmId"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type FallbackLog interface {
	AppendFallback(ctx context.Context, entry FallbackEntry) error
	// ListFallback returns a tenant's entries, newest first.
	ListFallback(ctx context.Context, tenantID string, limit int) ([]FallbackEntry, error)
}

type LinkStore interface {
	// GetLink returns the CRM id or ErrNotFound.
	GetLink(ctx context.Context, tenantID, kind, billingID string) (string, error)
	PutLink(ctx context.Context, link Link) error
}

type EventLog interface {
	Seen(ctx context.Context, tenantID, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, tenantID, eventID string, at time.Time) error
	// Prune drops records processed before the cutoff and reports how many.
	Prune(ctx context.Context, before time.Time) (int, error)
}

type Backend interface {
	FallbackLog
	LinkStore
	EventLog
	Close() error
}

func validateEntry(entry FallbackEntry) error {
	if strings.TrimSpace(entry.ID) == "" || strings.TrimSpace(entry.TenantID) == "" {
		return ErrInvalidInput
	}
	return nil
}

func validateLink(link Link) error {
	if strings.TrimSpace(link.TenantID) == "" || strings.TrimSpace(link.Kind) == "" ||
		strings.TrimSpace(link.BillingID) == "" || strings.TrimSpace(link.CRMID) == "" {
		return ErrInvalidInput
	}
	return nil
}

func linkKey(tenantID, kind, billingID string) string {
	return tenantID + "\x00" + kind + "\x00" + billingID
}

func eventKey(tenantID, eventID string) string {
	return tenantID + "\x00" + eventID
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
