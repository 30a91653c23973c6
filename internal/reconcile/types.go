// Package reconcile keeps billing customers and invoices consistent with CRM
// contacts and opportunities. The engine is stateless across calls; the
// idempotency guarantee comes from lookup-before-create, not locking.
package reconcile

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/agentworkforce/billbridge/internal/syncerr"
)

type Kind string

const (
	KindCustomer Kind = "customer"
	KindInvoice  Kind = "invoice"
)

func ParseKind(s string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindCustomer:
		return KindCustomer, true
	case KindInvoice:
		return KindInvoice, true
	default:
		return "", false
	}
}

// SyncTarget identifies one reconciliation unit. CRMID is the idempotency
// anchor: empty until the first successful sync, stable afterwards.
type SyncTarget struct {
	Kind       Kind   `json:"kind"`
	BillingID  string `json:"billingId"`
	CRMID      string `json:"crmId,omitempty"`
	TenantID   string `json:"tenantId"`
	LocationID string `json:"locationId,omitempty"`
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Skip reasons.
const (
	ReasonDeleted      = "deleted"
	ReasonMissingEmail = "missing_email"
)

// SyncResult is exactly one of Success(RemoteID), Skipped(Reason) or
// Failed(Err).
type SyncResult struct {
	Target   SyncTarget
	Outcome  Outcome
	RemoteID string
	Reason   string
	Err      error
}

func Success(target SyncTarget, remoteID string) SyncResult {
	return SyncResult{Target: target, Outcome: OutcomeSuccess, RemoteID: remoteID}
}

func Skipped(target SyncTarget, reason string) SyncResult {
	return SyncResult{Target: target, Outcome: OutcomeSkipped, Reason: reason}
}

func Failed(target SyncTarget, err error) SyncResult {
	return SyncResult{Target: target, Outcome: OutcomeFailed, Err: err}
}

func (r SyncResult) OK() bool {
	return r.Outcome == OutcomeSuccess
}

func (r SyncResult) MarshalJSON() ([]byte, error) {
	wire := struct {
		Target    SyncTarget `json:"target"`
		Outcome   Outcome    `json:"outcome"`
		RemoteID  string     `json:"remoteId,omitempty"`
		Reason    string     `json:"reason,omitempty"`
		Error     string     `json:"error,omitempty"`
		ErrorKind string     `json:"errorKind,omitempty"`
	}{
		Target:   r.Target,
		Outcome:  r.Outcome,
		RemoteID: r.RemoteID,
		Reason:   r.Reason,
	}
	if r.Err != nil {
		wire.Error = r.Err.Error()
		wire.ErrorKind = syncerr.KindOf(r.Err)
	}
	return json.Marshal(wire)
}

// Summary counts a batch. Skipped items are neither synced nor failed.
type Summary struct {
	Synced  int `json:"synced"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

func Summarize(results []SyncResult) Summary {
	var s Summary
	for _, r := range results {
		switch r.Outcome {
		case OutcomeSuccess:
			s.Synced++
		case OutcomeSkipped:
			s.Skipped++
		default:
			s.Failed++
		}
	}
	return s
}

// WebhookEvent is a signature-verified delivery. It lives only for the
// processing call.
type WebhookEvent struct {
	ID         string
	Type       string
	ObjectID   string
	Raw        json.RawMessage
	ReceivedAt time.Time
}

// WebhookTarget derives the sync target a webhook event refers to.
func WebhookTarget(tenantID string, kind Kind, ev WebhookEvent) SyncTarget {
	return SyncTarget{Kind: kind, BillingID: strings.TrimSpace(ev.ObjectID), TenantID: tenantID}
}
