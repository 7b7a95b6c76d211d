package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/plansync/pkg/billing"
)

func newSyncUserCommand() *cobra.Command {
	var providerName string
	cmd := &cobra.Command{
		Use:   "sync-user <user-id>",
		Short: "Re-apply a user's subscription from the billing provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			provider, err := a.RequireProvider(providerName)
			if err != nil {
				return err
			}
			plan, err := provider.SyncUser(cmd.Context(), args[0])
			if errors.Is(err, billing.ErrNoBillingAccount) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s has no subscription; effective plan %s\n", args[0], plan)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s synced; effective plan %s\n", args[0], plan)
			return nil
		},
	}
	cmd.Flags().StringVar(&providerName, "provider", "stripe", `billing provider to sync from: "stripe" or "revenuecat"`)
	return cmd
}

func newResetCreditsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-credits <user-id>",
		Short: "Reset a user's credit counter if the cycle has rolled over",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			reset, err := a.Manager.ResetIfDue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			view, err := a.Manager.View(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			state := "not due"
			if reset {
				state = "reset"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s; %d/%d credits used\n",
				args[0], state, view.CreditsUsed, view.CreditBudget)
			return nil
		},
	}
}
