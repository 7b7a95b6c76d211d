package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mihaimyh/plansync/pkg/localcache/sqlite"
	"github.com/mihaimyh/plansync/pkg/reconcile"
	"github.com/mihaimyh/plansync/pkg/session"
)

func newWatchCommand() *cobra.Command {
	var email, displayName string

	cmd := &cobra.Command{
		Use:   "watch <user-id>",
		Short: "Reconcile a user's entitlement and print every update",
		Long: `Open a session for the user, load the cached snapshot, merge the durable
record and print the derived entitlement each time a change arrives.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			cache, err := sqlite.Open(a.Config.Cache.Path)
			if err != nil {
				return err
			}
			defer cache.Close()

			r, err := reconcile.New(reconcile.Config{
				Manager:    a.Manager,
				Cache:      cache,
				Subscriber: a.Bus,
				Logger:     a.Logger,
				Metrics:    a.Metrics,
			})
			if err != nil {
				return err
			}

			sess := session.New(ctx, uuid.NewString(), session.Identity{UserID: args[0], Email: email}, time.Time{})
			defer sess.Close()
			if err := r.Start(ctx, sess); err != nil {
				return err
			}
			defer r.Stop()

			<-r.Ready()
			if displayName != "" {
				if err := r.SetDisplayName(ctx, displayName); err != nil {
					return err
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			if err := enc.Encode(r.View()); err != nil {
				return err
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case view := <-r.Updates():
					if err := enc.Encode(view); err != nil {
						return err
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "user email (required)")
	cmd.Flags().StringVar(&displayName, "name", "", "display name to set once ready")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}
