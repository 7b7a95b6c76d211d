package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/plansync/pkg/session"
)

func newTokenCommand() *cobra.Command {
	var userID, email string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			sessions, err := a.RequireSessions()
			if err != nil {
				return err
			}
			token, claims, err := sessions.Issue(session.Identity{UserID: userID, Email: email})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			a.Log.Info().
				Str("user_id", userID).
				Time("expires_at", claims.ExpiresAt.Time).
				Msg("session token issued")
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (required)")
	cmd.Flags().StringVar(&email, "email", "", "user email (required)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}
