package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/billbridge/internal/config"
	"github.com/agentworkforce/billbridge/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	settings   config.Settings
	logger     zerolog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "billbridge",
		Short:         "Keep billing customers and invoices reconciled with CRM contacts and opportunities",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd.ErrOrStderr())
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default $BILLBRIDGE_CONFIG)")

	cmd.AddCommand(
		newServeCmd(opts),
		newSyncCmd(opts),
		newSweepCmd(opts),
		newFallbackCmd(opts),
	)
	return cmd
}

// load reads settings and builds the logger. Commands other than serve log
// to stderr so stdout stays machine readable.
func (o *rootOptions) load(stderr io.Writer) error {
	var err error
	if o.configPath != "" {
		o.settings, err = config.LoadFrom(o.configPath)
	} else {
		o.settings, err = config.Load()
	}
	if err != nil {
		return err
	}
	o.logger, err = logging.New(o.settings.Env, o.settings.LogLevel, stderr)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", o.settings.LogLevel, err)
	}
	return nil
}
