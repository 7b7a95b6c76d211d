// Package app wires configuration into the running components shared by the
// plansync commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	gcpfirestore "cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/plansync/pkg/billing"
	billingprom "github.com/mihaimyh/plansync/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/plansync/pkg/billing/revenuecat"
	"github.com/mihaimyh/plansync/pkg/billing/stripe"
	"github.com/mihaimyh/plansync/pkg/config"
	"github.com/mihaimyh/plansync/pkg/entitlement"
	zerologadapter "github.com/mihaimyh/plansync/pkg/entitlement/logger/zerolog"
	entitlementprom "github.com/mihaimyh/plansync/pkg/entitlement/metrics/prometheus"
	"github.com/mihaimyh/plansync/pkg/notify"
	"github.com/mihaimyh/plansync/pkg/session"
	"github.com/mihaimyh/plansync/storage/firestore"
	"github.com/mihaimyh/plansync/storage/memory"
	"github.com/mihaimyh/plansync/storage/postgres"
	"github.com/mihaimyh/plansync/storage/redis"
	"github.com/mihaimyh/plansync/storage/tiered"
)

const metricsNamespace = "plansync"

// App holds the components built from a Config. Billing, RevenueCat and
// Sessions are nil when their secrets are not configured.
type App struct {
	Config   *config.Config
	Log      zerolog.Logger
	Logger   entitlement.Logger
	Registry *prometheus.Registry
	Metrics  entitlement.Metrics
	Bus      notify.Bus
	Store    entitlement.Store
	Manager  *entitlement.Manager
	Billing  *stripe.Provider
	Sessions *session.Manager

	RevenueCat *revenuecat.Provider

	redis   goredis.UniversalClient
	closers []func() error
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg config.LogConfig, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// New builds every component. Call Close to release connections.
func New(ctx context.Context, cfg *config.Config, out io.Writer) (*App, error) {
	a := &App{
		Config:   cfg,
		Log:      NewLogger(cfg.Log, out),
		Registry: prometheus.NewRegistry(),
	}
	a.Logger = zerologadapter.NewLogger(&a.Log)
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = entitlementprom.NewMetrics(a.Registry, metricsNamespace)

	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	if cfg.UsesRedis() {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("redis: %w", err)
		}
		a.redis = client
		a.closers = append(a.closers, client.Close)
	}

	if cfg.Notify.Backend == "redis" {
		a.Bus = notify.NewRedisBus(a.redis, a.Logger)
	} else {
		hub := notify.NewHub()
		a.Bus = hub
		a.closers = append(a.closers, hub.Close)
	}

	store, err := a.openStore(ctx, cfg.Storage.Backend)
	if err != nil {
		return err
	}
	if cfg.Storage.BreakerThreshold > 0 {
		cb := entitlement.NewCircuitBreaker(cfg.Storage.BreakerThreshold, cfg.Storage.BreakerReset,
			func(state entitlement.BreakerState) {
				a.Metrics.RecordCircuitBreakerStateChange(string(state))
				a.Log.Warn().Str("state", string(state)).Msg("storage circuit breaker changed state")
			})
		store = entitlement.NewBreakerStore(store, cb)
	}
	a.Store = notify.NewPublishingStore(store, a.Bus, a.Logger)

	a.Manager, err = entitlement.NewManager(a.Store, entitlement.Config{
		Logger:  a.Logger,
		Metrics: a.Metrics,
	})
	if err != nil {
		return err
	}

	var billingMetrics billing.Metrics
	if cfg.Stripe.SecretKey != "" || cfg.RevenueCat.WebhookSecret != "" {
		billingMetrics = billingprom.NewMetrics(a.Registry, metricsNamespace)
	}

	if cfg.Stripe.SecretKey != "" {
		a.Billing, err = stripe.NewProvider(stripe.Config{
			Config: billing.Config{
				Manager:       a.Manager,
				PriceMapping:  cfg.Stripe.Prices,
				WebhookSecret: cfg.Stripe.WebhookSecret,
				APIKey:        cfg.Stripe.SecretKey,
				SuccessURL:    cfg.Stripe.SuccessURL,
				CancelURL:     cfg.Stripe.CancelURL,
				ReturnURL:     cfg.Stripe.ReturnURL,
				Logger:        a.Logger,
				Metrics:       billingMetrics,
			},
			RateLimit:       cfg.Stripe.RateLimit,
			RateLimitWindow: cfg.Stripe.RateLimitWindow,
			TrustProxy:      cfg.Stripe.TrustProxy,
		})
		if err != nil {
			return fmt.Errorf("stripe: %w", err)
		}
	}

	if cfg.RevenueCat.WebhookSecret != "" {
		a.RevenueCat, err = revenuecat.NewProvider(revenuecat.Config{
			Config: billing.Config{
				Manager:       a.Manager,
				WebhookSecret: cfg.RevenueCat.WebhookSecret,
				APIKey:        cfg.RevenueCat.APIKey,
				Logger:        a.Logger,
				Metrics:       billingMetrics,
			},
			EntitlementMapping: cfg.RevenueCat.Entitlements,
			EnableHMAC:         cfg.RevenueCat.EnableHMAC,
			RateLimit:          cfg.RevenueCat.RateLimit,
			RateLimitWindow:    cfg.RevenueCat.RateLimitWindow,
			TrustProxy:         cfg.RevenueCat.TrustProxy,
		})
		if err != nil {
			return fmt.Errorf("revenuecat: %w", err)
		}
	}

	if cfg.Session.Secret != "" {
		var revocations session.RevocationList
		if cfg.Session.Revocations == "redis" {
			revocations = session.NewRedisRevocations(a.redis, cfg.Redis.KeyPrefix)
		}
		a.Sessions, err = session.NewManager(session.Config{
			Secret:      cfg.Session.Secret,
			Issuer:      cfg.Session.Issuer,
			TTL:         cfg.Session.TTL,
			Revocations: revocations,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// openStore opens one storage backend by name.
func (a *App) openStore(ctx context.Context, backend string) (entitlement.Store, error) {
	cfg := a.Config
	switch backend {
	case config.BackendMemory:
		return memory.New(), nil

	case config.BackendPostgres:
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.Postgres.DSN
		if cfg.Postgres.MaxConns > 0 {
			pgCfg.MaxConns = cfg.Postgres.MaxConns
		}
		store, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		return store, nil

	case config.BackendRedis:
		return redis.New(a.redis, redis.Config{KeyPrefix: cfg.Redis.KeyPrefix})

	case config.BackendFirestore:
		client, err := gcpfirestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("firestore: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return firestore.New(client, firestore.Config{EntitlementsCollection: cfg.Firestore.Collection})

	case config.BackendTiered:
		hotStore, err := a.openStore(ctx, cfg.Storage.TieredHot)
		if err != nil {
			return nil, err
		}
		hot, ok := hotStore.(tiered.Hot)
		if !ok {
			return nil, fmt.Errorf("storage: %q cannot be a tiered hot store", cfg.Storage.TieredHot)
		}
		cold, err := a.openStore(ctx, cfg.Storage.TieredCold)
		if err != nil {
			return nil, err
		}
		store, err := tiered.New(tiered.Config{
			Hot:  hot,
			Cold: cold,
			AsyncErrorHandler: func(err error) {
				a.Log.Error().Err(err).Msg("tiered storage sync failed")
			},
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil

	default:
		return nil, fmt.Errorf("storage: unknown backend %q", backend)
	}
}

// RequireBilling returns the Stripe provider or an error naming the missing setting.
func (a *App) RequireBilling() (*stripe.Provider, error) {
	if a.Billing == nil {
		return nil, fmt.Errorf("stripe.secret_key is not set: %w", billing.ErrProviderNotConfigured)
	}
	return a.Billing, nil
}

// RequireProvider returns the named billing provider, "stripe" or
// "revenuecat", or an error naming the missing setting.
func (a *App) RequireProvider(name string) (billing.Provider, error) {
	switch name {
	case "", "stripe":
		p, err := a.RequireBilling()
		if err != nil {
			return nil, err
		}
		return p, nil
	case "revenuecat":
		if a.RevenueCat == nil {
			return nil, fmt.Errorf("revenuecat.webhook_secret is not set: %w", billing.ErrProviderNotConfigured)
		}
		return a.RevenueCat, nil
	default:
		return nil, fmt.Errorf("unknown billing provider %q", name)
	}
}

// RequireSessions returns the session manager or an error naming the missing setting.
func (a *App) RequireSessions() (*session.Manager, error) {
	if a.Sessions == nil {
		return nil, errors.New("session.secret is not set")
	}
	return a.Sessions, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
