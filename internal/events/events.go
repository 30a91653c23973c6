// Package events carries typed background outcomes (webhook dispatches,
// sweeps, notifications) to observers that are not on the request path.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/billbridge/internal/logging"
)

const (
	SourceWebhook = "webhook"
	SourceSync    = "sync"
	SourceSweep   = "sweep"
	SourceNotify  = "notify"
)

// Outcome is one reconciliation or delivery result that finished outside a
// caller-visible response.
type Outcome struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	TenantID  string    `json:"tenantId"`
	EventID   string    `json:"eventId,omitempty"`
	EventType string    `json:"eventType,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	BillingID string    `json:"billingId,omitempty"`
	Outcome   string    `json:"outcome"`
	RemoteID  string    `json:"remoteId,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

type Sink interface {
	Publish(ctx context.Context, outcome Outcome) error
}

// Bus fans outcomes out to every sink. Sink failures are logged and never
// reach the emitter.
type Bus struct {
	sinks  []Sink
	logger zerolog.Logger
	now    func() time.Time
}

func NewBus(logger zerolog.Logger, sinks ...Sink) *Bus {
	filtered := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			filtered = append(filtered, sink)
		}
	}
	return &Bus{
		sinks:  filtered,
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
}

// Emit stamps the outcome with an id and time when missing and publishes it.
// A nil bus discards.
func (b *Bus) Emit(ctx context.Context, outcome Outcome) Outcome {
	if b == nil {
		return outcome
	}
	if outcome.ID == "" {
		if id, err := uuid.NewV7(); err == nil {
			outcome.ID = id.String()
		} else {
			outcome.ID = uuid.NewString()
		}
	}
	if outcome.At.IsZero() {
		outcome.At = b.now().UTC()
	}
	for _, sink := range b.sinks {
		if err := sink.Publish(ctx, outcome); err != nil {
			b.logger.Warn().
				Err(err).
				Str("tenant", outcome.TenantID).
				Str("outcome_id", outcome.ID).
				Msgf("outcome sink %T failed", sink)
		}
	}
	return outcome
}

// LogSink writes every outcome as a structured log line.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logging.OrNop(logger)}
}

func (s *LogSink) Publish(_ context.Context, outcome Outcome) error {
	event := s.logger.Info()
	if outcome.Error != "" {
		event = s.logger.Warn()
	}
	event.
		Str("source", outcome.Source).
		Str("tenant", outcome.TenantID).
		Str("event_id", outcome.EventID).
		Str("event_type", outcome.EventType).
		Str("kind", outcome.Kind).
		Str("billing_id", outcome.BillingID).
		Str("outcome", outcome.Outcome).
		Str("crm_id", outcome.RemoteID).
		Str("reason", outcome.Reason).
		Str("error", outcome.Error).
		Msg("background outcome")
	return nil
}
