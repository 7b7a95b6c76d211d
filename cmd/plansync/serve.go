package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long:  `Serve the billing API, the Stripe webhook endpoint and Prometheus metrics until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			router, err := a.Router()
			if err != nil {
				return err
			}

			cfg := a.Config.Server
			srv := &http.Server{
				Addr:         cfg.Addr,
				Handler:      router,
				ReadTimeout:  cfg.ReadTimeout,
				WriteTimeout: cfg.WriteTimeout,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.Log.Info().
					Str("addr", cfg.Addr).
					Str("storage", a.Config.Storage.Backend).
					Str("notify", a.Config.Notify.Backend).
					Msg("server starting")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				a.Log.Info().Msg("shutting down server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})

			if err := g.Wait(); err != nil {
				a.Log.Error().Err(err).Msg("server stopped with error")
				return err
			}
			a.Log.Info().Msg("server exited gracefully")
			return nil
		},
	}
}
