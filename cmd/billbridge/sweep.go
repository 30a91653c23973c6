package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/billbridge/internal/events"
	"github.com/agentworkforce/billbridge/internal/reconcile"
)

type sweepConfig struct {
	tenants    []string
	locationID string
	pageSize   int
	interval   time.Duration
	jitter     float64
	timeout    time.Duration
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	var cfg sweepConfig
	var once bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reconcile the most recent customers and invoices of each tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.pageSize <= 0 {
				cfg.pageSize = opts.settings.SweepPageSize
			}
			if !cmd.Flags().Changed("interval") {
				cfg.interval = opts.settings.SweepInterval
			}
			if !cmd.Flags().Changed("jitter") {
				cfg.jitter = opts.settings.SweepJitter
			}
			if cfg.timeout <= 0 {
				cfg.timeout = 5 * time.Minute
			}
			a, err := buildApp(cmd.Context(), opts.settings, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if once || cfg.interval <= 0 {
				failed := runSweepOnce(cmd.Context(), a, cfg)
				if failed > 0 {
					return fmt.Errorf("sweep finished with %d failed item(s)", failed)
				}
				return nil
			}
			runSweepLoop(cmd.Context(), a, cfg, nil)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&cfg.tenants, "tenant", nil, "tenant to sweep (repeatable; default all configured tenants)")
	cmd.Flags().StringVar(&cfg.locationID, "location", "", "CRM location override")
	cmd.Flags().IntVar(&cfg.pageSize, "page-size", 0, "entities per kind per tenant (1-100)")
	cmd.Flags().DurationVar(&cfg.interval, "interval", 0, "repeat interval")
	cmd.Flags().Float64Var(&cfg.jitter, "jitter", 0, "interval jitter ratio (0.0-1.0)")
	cmd.Flags().DurationVar(&cfg.timeout, "timeout", 5*time.Minute, "per-cycle timeout")
	cmd.Flags().BoolVar(&once, "once", false, "run one sweep cycle and exit")
	return cmd
}

// runSweepLoop sweeps immediately and then on a jittered interval until ctx
// is done. sample supplies the jitter draw; nil means math/rand.
func runSweepLoop(ctx context.Context, a *app, cfg sweepConfig, sample func() float64) {
	if sample == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		sample = rng.Float64
	}
	cfg.jitter = clampJitterRatio(cfg.jitter)

	runSweepOnce(ctx, a, cfg)
	timer := time.NewTimer(jitteredIntervalWithSample(cfg.interval, cfg.jitter, sample()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Err(ctx.Err()).Msg("sweep loop stopping")
			return
		case <-timer.C:
			runSweepOnce(ctx, a, cfg)
			timer.Reset(jitteredIntervalWithSample(cfg.interval, cfg.jitter, sample()))
		}
	}
}

// runSweepOnce sweeps each tenant in turn and returns the number of failed
// items. One tenant's listing failure does not stop the others.
func runSweepOnce(ctx context.Context, a *app, cfg sweepConfig) int {
	tenants := cfg.tenants
	if len(tenants) == 0 {
		tenants = a.resolver.Config().TenantIDs()
	}
	failed := 0
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			break
		}
		cycleCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
		results, err := a.tracked.Sweep(cycleCtx, tenantID, cfg.pageSize, cfg.locationID)
		cancel()
		logger := a.logger.With().Str("tenant", tenantID).Logger()
		if err != nil {
			failed++
			logger.Error().Err(err).Msg("sweep listing failed")
			a.bus.Emit(ctx, events.Outcome{
				Source:   events.SourceSweep,
				TenantID: tenantID,
				Outcome:  string(reconcile.OutcomeFailed),
				Error:    err.Error(),
			})
			continue
		}
		a.publish(ctx, events.SourceSweep, results)
		summary := reconcile.Summarize(results)
		failed += summary.Failed
		logger.Info().
			Int("synced", summary.Synced).
			Int("skipped", summary.Skipped).
			Int("failed", summary.Failed).
			Msg("sweep cycle completed")
	}
	return failed
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
