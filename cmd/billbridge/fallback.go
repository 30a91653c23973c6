package main

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/billbridge/internal/store"
)

func newFallbackCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fallback",
		Short: "Inspect notifications that no delivery provider could send",
	}

	var tenantID string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's undelivered notifications, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tenantID = strings.TrimSpace(tenantID)
			if tenantID == "" {
				return errors.New("--tenant is required")
			}
			backend, err := store.BuildFromDSN(cmd.Context(), opts.settings.StoreDSN)
			if err != nil {
				return err
			}
			defer backend.Close()

			entries, err := backend.ListFallback(cmd.Context(), tenantID, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		},
	}
	list.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	list.Flags().IntVar(&limit, "limit", 50, "maximum entries")
	cmd.AddCommand(list)
	return cmd
}
