package assist

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/billbridge/internal/billing"
	"github.com/agentworkforce/billbridge/internal/logging"
	"github.com/agentworkforce/billbridge/internal/mapping"
	"github.com/agentworkforce/billbridge/internal/quota"
)

const maxSummaryLength = 500

// Summarizer writes a one-line invoice summary for the CRM, spending from
// the tenant's AI budget.
type Summarizer struct {
	completer  Completer
	guard      *quota.Guard
	costPerRun float64
	windowDays int
	logger     zerolog.Logger
	now        func() time.Time
}

func NewSummarizer(completer Completer, guard *quota.Guard, costPerRun float64, windowDays int, logger zerolog.Logger) *Summarizer {
	if windowDays <= 0 {
		windowDays = quota.DefaultWindowDays
	}
	return &Summarizer{
		completer:  completer,
		guard:      guard,
		costPerRun: costPerRun,
		windowDays: windowDays,
		logger:     logging.OrNop(logger),
		now:        time.Now,
	}
}

// SummarizeInvoice returns ok=false without calling the completer when the
// tenant has no budget left.
func (s *Summarizer) SummarizeInvoice(ctx context.Context, tenantID string, inv billing.Invoice) (string, bool, error) {
	if s == nil || s.completer == nil {
		return "", false, nil
	}
	if s.guard != nil {
		decision := s.guard.Check(tenantID, s.windowDays)
		if !decision.Allowed {
			s.logger.Debug().
				Str("tenant", tenantID).
				Float64("current_cost", decision.CurrentCost).
				Msg("assist skipped: quota exhausted")
			return "", false, nil
		}
	}

	summary, err := s.completer.Complete(ctx, invoicePrompt(inv))
	if err != nil {
		return "", false, err
	}
	if s.guard != nil {
		s.guard.Record(tenantID, s.costPerRun, s.now())
	}
	summary = strings.Join(strings.Fields(summary), " ")
	return truncate(summary, maxSummaryLength), summary != "", nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func invoicePrompt(inv billing.Invoice) []Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Invoice %s", mapping.OpportunityName(inv))
	fmt.Fprintf(&b, "\nStatus: %s", inv.Status)
	fmt.Fprintf(&b, "\nAmount due: %s", mapping.Display(inv.AmountDue, inv.Currency))
	fmt.Fprintf(&b, "\nAmount paid: %s", mapping.Display(inv.AmountPaid, inv.Currency))
	if inv.DueDate > 0 {
		fmt.Fprintf(&b, "\nDue: %s", time.Unix(inv.DueDate, 0).UTC().Format("2006-01-02"))
	}
	if inv.Description != "" {
		fmt.Fprintf(&b, "\nDescription: %s", inv.Description)
	}
	return []Message{
		{Role: "system", Content: "You summarize invoices for account managers in one plain sentence."},
		{Role: "user", Content: b.String()},
	}
}
