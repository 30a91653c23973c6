package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/billbridge/internal/logging"
)

const (
	shutdownTimeout = 15 * time.Second
	pruneInterval   = time.Hour
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	var sweepInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver, operator API and background sweep",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings := opts.settings
			if addr != "" {
				settings.Addr = addr
			}
			if cmd.Flags().Changed("sweep-interval") {
				settings.SweepInterval = sweepInterval
			}
			// the server logs to stdout like any other service
			logger, err := logging.New(settings.Env, settings.LogLevel)
			if err != nil {
				return err
			}

			a, err := buildApp(cmd.Context(), settings, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			server := &http.Server{
				Addr:              settings.Addr,
				Handler:           a.handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				logger.Info().Str("addr", settings.Addr).Msg("billbridge listening")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				logger.Info().Msg("billbridge shutting down")
				return server.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				a.processor.RunPruner(ctx, pruneInterval)
				return nil
			})
			if settings.TenantsFile != "" {
				g.Go(func() error {
					if err := watchTenants(ctx, a); err != nil {
						logger.Warn().Err(err).Msg("tenants file watch disabled")
					}
					return nil
				})
			}
			if settings.SweepInterval > 0 {
				g.Go(func() error {
					runSweepLoop(ctx, a, sweepConfig{
						interval: settings.SweepInterval,
						jitter:   settings.SweepJitter,
						pageSize: settings.SweepPageSize,
						timeout:  settings.SweepInterval,
					}, nil)
					return nil
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides the addr setting)")
	cmd.Flags().DurationVar(&sweepInterval, "sweep-interval", 0, "background sweep interval (0 disables)")
	return cmd
}
