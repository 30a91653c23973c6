// Package notify delivers invoice notifications through an ordered chain:
// a CRM workflow trigger, then the CRM's transactional email API, then a
// durable fallback log. Strategies run one at a time and the chain stops at
// the first success; the fallback log always reports success so a
// notification is never silently dropped.
package notify

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/billbridge/internal/billing"
	"github.com/agentworkforce/billbridge/internal/events"
	"github.com/agentworkforce/billbridge/internal/identity"
	"github.com/agentworkforce/billbridge/internal/logging"
	"github.com/agentworkforce/billbridge/internal/store"
)

const (
	ProviderWorkflow = "workflow"
	ProviderAPI      = "api"
	ProviderFallback = "fallback"
)

type Message struct {
	TenantID       string          `json:"tenantId"`
	Invoice        billing.Invoice `json:"invoice"`
	PaymentURL     string          `json:"paymentUrl,omitempty"`
	RecipientEmail string          `json:"recipientEmail,omitempty"`
	Subject        string          `json:"subject,omitempty"`
	CustomMessage  string          `json:"customMessage,omitempty"`
}

type DeliveryAttempt struct {
	Provider  string    `json:"provider"`
	Succeeded bool      `json:"succeeded"`
	Detail    string    `json:"detail,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Delivery is the chain's answer. Success is always true; the attempts and
// warnings carry whatever went wrong on the way.
type Delivery struct {
	Success   bool              `json:"success"`
	Provider  string            `json:"provider"`
	Recipient string            `json:"recipient,omitempty"`
	Subject   string            `json:"subject"`
	Attempts  []DeliveryAttempt `json:"attempts"`
	Warnings  []string          `json:"warnings,omitempty"`
}

// Strategy is one delivery mechanism. Deliver returns a short detail (a
// contact or message id) on success.
type Strategy interface {
	Name() string
	Deliver(ctx context.Context, id identity.Identity, rendered Rendered, msg Message) (string, error)
}

type IdentitySource interface {
	Resolve(tenantID string) (identity.Identity, error)
}

type Chain struct {
	identities IdentitySource
	strategies []Strategy
	fallback   *FallbackStrategy
	bus        *events.Bus
	logger     zerolog.Logger
	now        func() time.Time
}

// NewChain builds the standard workflow -> api -> fallback chain.
func NewChain(identities IdentitySource, crmAPI CRMAPI, fallback store.FallbackLog, bus *events.Bus, logger zerolog.Logger) *Chain {
	logger = logging.OrNop(logger)
	return NewChainWithStrategies(identities, []Strategy{
		NewWorkflowTrigger(crmAPI),
		NewDirectAPI(crmAPI),
	}, NewFallbackStrategy(fallback, logger), bus, logger)
}

// NewChainWithStrategies allows a custom ordered strategy list. The fallback
// always runs last.
func NewChainWithStrategies(identities IdentitySource, strategies []Strategy, fallback *FallbackStrategy, bus *events.Bus, logger zerolog.Logger) *Chain {
	if fallback == nil {
		fallback = NewFallbackStrategy(nil, logger)
	}
	return &Chain{
		identities: identities,
		strategies: strategies,
		fallback:   fallback,
		bus:        bus,
		logger:     logging.OrNop(logger),
		now:        time.Now,
	}
}

// Deliver never fails. A tenant that cannot be resolved goes straight to the
// fallback log with the resolution error recorded against each skipped
// strategy.
func (c *Chain) Deliver(ctx context.Context, msg Message) Delivery {
	msg.TenantID = strings.TrimSpace(msg.TenantID)
	logger := c.logger.With().Str("tenant", msg.TenantID).Str("billing_id", msg.Invoice.ID).Logger()

	id, resolveErr := c.resolve(msg.TenantID)
	rendered, renderErr := Render(msg, id.BusinessName)
	if renderErr != nil {
		// keep going with a bare message; the fallback still has to record something
		logger.Error().Err(renderErr).Msg("notification render failed")
		rendered = Rendered{Recipient: recipient(msg), Subject: firstNonEmpty(msg.Subject, "Invoice "+invoiceNumber(msg.Invoice))}
	}

	delivery := Delivery{Success: true, Recipient: rendered.Recipient, Subject: rendered.Subject}
	for _, strategy := range c.strategies {
		attempt := DeliveryAttempt{Provider: strategy.Name()}
		var err error
		switch {
		case resolveErr != nil:
			err = resolveErr
		case renderErr != nil:
			err = renderErr
		default:
			attempt.Detail, err = strategy.Deliver(ctx, id, rendered, msg)
		}
		attempt.At = c.now().UTC()
		if err == nil {
			attempt.Succeeded = true
			delivery.Attempts = append(delivery.Attempts, attempt)
			delivery.Provider = strategy.Name()
			logger.Info().Str("strategy", strategy.Name()).Msg("notification delivered")
			c.emit(ctx, msg, delivery, attempt)
			return delivery
		}
		attempt.Error = err.Error()
		delivery.Attempts = append(delivery.Attempts, attempt)
		logger.Warn().Err(err).Str("strategy", strategy.Name()).Msg("notification strategy failed")
	}

	failures := make([]string, 0, len(delivery.Attempts))
	for _, a := range delivery.Attempts {
		failures = append(failures, a.Provider+": "+a.Error)
	}
	attempt := DeliveryAttempt{Provider: c.fallback.Name(), Succeeded: true}
	detail, warning := c.fallback.Record(ctx, msg, rendered, failures)
	attempt.Detail = detail
	attempt.At = c.now().UTC()
	delivery.Attempts = append(delivery.Attempts, attempt)
	delivery.Provider = c.fallback.Name()
	delivery.Warnings = append(delivery.Warnings, failures...)
	if warning != "" {
		delivery.Warnings = append(delivery.Warnings, warning)
	}
	logger.Warn().Strs("failures", failures).Msg("notification recorded for manual follow-up")
	c.emit(ctx, msg, delivery, attempt)
	return delivery
}

func (c *Chain) resolve(tenantID string) (identity.Identity, error) {
	if c.identities == nil {
		return identity.Identity{TenantID: tenantID}, nil
	}
	id, err := c.identities.Resolve(tenantID)
	if err != nil {
		return identity.Identity{TenantID: tenantID}, err
	}
	return id, nil
}

func (c *Chain) emit(ctx context.Context, msg Message, delivery Delivery, last DeliveryAttempt) {
	outcome := events.Outcome{
		Source:    events.SourceNotify,
		TenantID:  msg.TenantID,
		Kind:      "invoice",
		BillingID: msg.Invoice.ID,
		Outcome:   "success",
		RemoteID:  last.Detail,
		Reason:    delivery.Provider,
	}
	if len(delivery.Warnings) > 0 {
		outcome.Error = strings.Join(delivery.Warnings, "; ")
	}
	c.bus.Emit(ctx, outcome)
}
