package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/billbridge/internal/events"
	"github.com/agentworkforce/billbridge/internal/reconcile"
)

func newSyncCmd(opts *rootOptions) *cobra.Command {
	var tenantID, customerID, invoiceID, locationID string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile one customer and/or invoice and print the results as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tenantID = strings.TrimSpace(tenantID)
			if tenantID == "" {
				return errors.New("--tenant is required")
			}
			var targets []reconcile.SyncTarget
			if customerID != "" {
				targets = append(targets, reconcile.SyncTarget{Kind: reconcile.KindCustomer, BillingID: customerID, TenantID: tenantID, LocationID: locationID})
			}
			if invoiceID != "" {
				targets = append(targets, reconcile.SyncTarget{Kind: reconcile.KindInvoice, BillingID: invoiceID, TenantID: tenantID, LocationID: locationID})
			}
			if len(targets) == 0 {
				return errors.New("at least one of --customer or --invoice is required")
			}

			a, err := buildApp(cmd.Context(), opts.settings, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			results := a.tracked.SyncBatch(cmd.Context(), targets)
			a.publish(cmd.Context(), events.SourceSync, results)
			summary := reconcile.Summarize(results)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(map[string]any{
				"success": summary.Failed == 0,
				"synced":  summary.Synced,
				"skipped": summary.Skipped,
				"failed":  summary.Failed,
				"results": results,
			}); err != nil {
				return err
			}
			if summary.Failed > 0 {
				return fmt.Errorf("%d of %d item(s) failed", summary.Failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&customerID, "customer", "", "billing customer id")
	cmd.Flags().StringVar(&invoiceID, "invoice", "", "billing invoice id")
	cmd.Flags().StringVar(&locationID, "location", "", "CRM location override")
	return cmd
}
