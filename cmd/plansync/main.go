// Command plansync serves the billing API and provides operator tooling for
// entitlement records.
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/plansync/internal/app"
	"github.com/mihaimyh/plansync/pkg/config"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:          "plansync",
		Short:        "Subscription and entitlement synchronization",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default ./configs/config.yaml or ./config.yaml)")

	rootCmd.AddCommand(
		newServeCommand(),
		newTokenCommand(),
		newSyncUserCommand(),
		newResetCreditsCommand(),
		newWatchCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadApp reads configuration and builds the shared components.
func loadApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, os.Stderr)
}
