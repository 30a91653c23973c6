package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/billbridge/internal/crm"
	"github.com/agentworkforce/billbridge/internal/identity"
	"github.com/agentworkforce/billbridge/internal/logging"
	"github.com/agentworkforce/billbridge/internal/mapping"
	"github.com/agentworkforce/billbridge/internal/store"
	"github.com/agentworkforce/billbridge/internal/syncerr"
)

// Custom field keys the workflow trigger fills so a CRM automation can build
// the email itself.
const (
	FieldNotifySubject    = "notify_subject"
	FieldNotifyMessage    = "notify_message"
	FieldNotifyPaymentURL = "notify_payment_url"
)

type CRMAPI interface {
	FindContactByEmail(ctx context.Context, scope crm.Scope, email string) (crm.Contact, error)
	CreateContact(ctx context.Context, scope crm.Scope, write crm.Write) (crm.Contact, error)
	UpdateContact(ctx context.Context, scope crm.Scope, id string, write crm.Write) (crm.Contact, error)
	AddContactTags(ctx context.Context, scope crm.Scope, id string, tags []string) error
	RemoveContactTags(ctx context.Context, scope crm.Scope, id string, tags []string) error
	SendEmail(ctx context.Context, scope crm.Scope, msg crm.EmailMessage) (crm.EmailReceipt, error)
}

// WorkflowTrigger writes the message's structured fields onto the contact
// and adds the tenant's trigger tag. CRM automations fire on the tag being
// added, so a contact that already carries it has the tag removed first.
type WorkflowTrigger struct {
	crm CRMAPI
}

func NewWorkflowTrigger(crmAPI CRMAPI) *WorkflowTrigger {
	return &WorkflowTrigger{crm: crmAPI}
}

func (s *WorkflowTrigger) Name() string { return ProviderWorkflow }

func (s *WorkflowTrigger) Deliver(ctx context.Context, id identity.Identity, rendered Rendered, msg Message) (string, error) {
	if !id.Capabilities.WorkflowTrigger {
		return "", &syncerr.ConfigurationError{TenantID: id.TenantID, Reason: "no workflow trigger tag configured"}
	}
	if s.crm == nil {
		return "", &syncerr.ConfigurationError{TenantID: id.TenantID, Reason: "crm client not configured"}
	}
	if rendered.Recipient == "" {
		return "", &syncerr.ValidationError{Field: "recipientEmail", Message: "no recipient address"}
	}

	inv := msg.Invoice
	ids := id.CustomFieldIDs
	var r mapping.Result
	r.SetCustom(ids, mapping.FieldBillingInvoiceID, inv.ID)
	r.SetCustom(ids, mapping.FieldInvoiceNumber, invoiceNumber(inv))
	r.SetCustom(ids, mapping.FieldAmountDue, mapping.FormatMinor(inv.AmountDue, inv.Currency))
	r.SetCustom(ids, mapping.FieldHostedInvoiceURL, inv.HostedInvoiceURL)
	r.SetCustom(ids, FieldNotifySubject, rendered.Subject)
	r.SetCustom(ids, FieldNotifyMessage, strings.TrimSpace(msg.CustomMessage))
	r.SetCustom(ids, FieldNotifyPaymentURL, firstNonEmpty(msg.PaymentURL, inv.HostedInvoiceURL))

	scope := id.CRM()
	contact, err := s.crm.FindContactByEmail(ctx, scope, rendered.Recipient)
	switch {
	case err == nil:
		if len(r.CustomFields) > 0 {
			if _, err := s.crm.UpdateContact(ctx, scope, contact.ID, r.Write()); err != nil {
				return "", err
			}
		}
		if hasTag(contact.Tags, id.TriggerTag) {
			if err := s.crm.RemoveContactTags(ctx, scope, contact.ID, []string{id.TriggerTag}); err != nil {
				return "", fmt.Errorf("reset trigger tag: %w", err)
			}
		}
		if err := s.crm.AddContactTags(ctx, scope, contact.ID, []string{id.TriggerTag}); err != nil {
			return "", err
		}
		return contact.ID, nil
	case !errors.Is(err, syncerr.ErrNotFound):
		return "", err
	}

	r.Set("email", rendered.Recipient)
	if name := customerName(inv); name != "" {
		r.Set("name", name)
	}
	r.AddTag(id.TriggerTag)
	created, err := s.crm.CreateContact(ctx, scope, r.Write())
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

// DirectAPI sends the rendered bodies through the CRM's transactional email
// endpoint.
type DirectAPI struct {
	crm CRMAPI
}

func NewDirectAPI(crmAPI CRMAPI) *DirectAPI {
	return &DirectAPI{crm: crmAPI}
}

func (s *DirectAPI) Name() string { return ProviderAPI }

func (s *DirectAPI) Deliver(ctx context.Context, id identity.Identity, rendered Rendered, _ Message) (string, error) {
	if !id.Capabilities.DirectEmail {
		return "", &syncerr.ConfigurationError{TenantID: id.TenantID, Reason: "direct email is not enabled"}
	}
	if s.crm == nil {
		return "", &syncerr.ConfigurationError{TenantID: id.TenantID, Reason: "crm client not configured"}
	}
	if rendered.Recipient == "" {
		return "", &syncerr.ValidationError{Field: "recipientEmail", Message: "no recipient address"}
	}

	scope := id.CRM()
	email := crm.EmailMessage{
		From:    id.FromEmail,
		To:      rendered.Recipient,
		Subject: rendered.Subject,
		HTML:    rendered.HTML,
		Text:    rendered.Text,
	}
	contact, err := s.crm.FindContactByEmail(ctx, scope, rendered.Recipient)
	switch {
	case err == nil:
		email.ContactID = contact.ID
	case !errors.Is(err, syncerr.ErrNotFound):
		return "", err
	}
	receipt, err := s.crm.SendEmail(ctx, scope, email)
	if err != nil {
		return "", err
	}
	return firstNonEmpty(receipt.MessageID, receipt.EmailMessageID), nil
}

// FallbackStrategy durably records the rendered message. It cannot fail:
// a store error becomes a warning on the delivery.
type FallbackStrategy struct {
	log    store.FallbackLog
	logger zerolog.Logger
	now    func() time.Time
}

func NewFallbackStrategy(log store.FallbackLog, logger zerolog.Logger) *FallbackStrategy {
	return &FallbackStrategy{log: log, logger: logging.OrNop(logger), now: time.Now}
}

func (s *FallbackStrategy) Name() string { return ProviderFallback }

// Record appends the entry and returns its id plus a warning when the entry
// could not be persisted.
func (s *FallbackStrategy) Record(ctx context.Context, msg Message, rendered Rendered, failures []string) (string, string) {
	entryID := uuid.NewString()
	if id, err := uuid.NewV7(); err == nil {
		entryID = id.String()
	}
	entry := store.FallbackEntry{
		ID:        entryID,
		TenantID:  msg.TenantID,
		InvoiceID: msg.Invoice.ID,
		Recipient: rendered.Recipient,
		Subject:   rendered.Subject,
		HTML:      rendered.HTML,
		Text:      rendered.Text,
		Failures:  append([]string(nil), failures...),
		CreatedAt: s.now().UTC(),
	}
	logger := s.logger.With().Str("tenant", msg.TenantID).Str("fallback_id", entryID).Logger()
	if s.log == nil {
		logger.Warn().Str("recipient", entry.Recipient).Str("subject", entry.Subject).Msg("no fallback store configured; notification logged only")
		return entryID, "fallback store not configured; notification written to the service log"
	}
	if err := s.log.AppendFallback(ctx, entry); err != nil {
		logger.Error().Err(err).Str("recipient", entry.Recipient).Str("subject", entry.Subject).Msg("fallback store write failed; notification logged only")
		return entryID, "fallback store write failed: " + err.Error()
	}
	return entryID, ""
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if strings.EqualFold(strings.TrimSpace(t), tag) {
			return true
		}
	}
	return false
}
