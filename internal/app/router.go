package app

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpmw "github.com/mihaimyh/plansync/middleware/http"
	"github.com/mihaimyh/plansync/pkg/api"
	"github.com/mihaimyh/plansync/pkg/crm"
	"github.com/mihaimyh/plansync/pkg/entitlement"
)

// maxCreditsPerRequest caps a single consumption through the API.
const maxCreditsPerRequest = 100

// Router builds the HTTP routes served by "plansync serve".
func (a *App) Router() (http.Handler, error) {
	provider, err := a.RequireBilling()
	if err != nil {
		return nil, err
	}
	sessions, err := a.RequireSessions()
	if err != nil {
		return nil, err
	}

	handler, err := api.NewHandler(api.Config{
		Manager:            a.Manager,
		Billing:            provider,
		GetIdentity:        api.FromSession,
		StrictPortalErrors: a.Config.Stripe.StrictPortalErrors,
		Logger:             a.Logger,
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle(a.Config.Server.MetricsPath, promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))

	// Webhooks authenticate with the processor signature, not a session.
	r.Method(http.MethodPost, "/webhooks/"+provider.Name(), provider.WebhookHandler())
	if a.RevenueCat != nil {
		r.Method(http.MethodPost, "/webhooks/"+a.RevenueCat.Name(), a.RevenueCat.WebhookHandler())
	}

	r.Group(func(r chi.Router) {
		r.Use(sessions.Middleware)

		r.Post("/api/billing/checkout", handler.Checkout)
		r.Post("/api/billing/portal", handler.Portal)
		r.Post("/api/billing/subscription", handler.UpdateSubscription)
		r.Get("/api/entitlement", handler.GetEntitlement)

		r.With(httpmw.Middleware(httpmw.Config{
			Manager:   a.Manager,
			GetUserID: httpmw.FromSession(),
			GetAmount: creditsFromQuery,
		})).Post("/api/credits/consume", a.consumed)

		r.With(httpmw.RequirePlan(a.Manager, crm.MinPlan, httpmw.FromSession())).
			Get("/api/pipeline/access", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			})
	})

	return r, nil
}

// creditsFromQuery reads ?amount=, defaulting to one credit.
func creditsFromQuery(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("amount")
	if raw == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxCreditsPerRequest {
		return 0, entitlement.ErrInvalidAmount
	}
	return n, nil
}

// consumed answers a successful consumption with the updated view.
func (a *App) consumed(w http.ResponseWriter, r *http.Request) {
	id, err := api.FromSession(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	view, err := a.Manager.View(r.Context(), id.UserID)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(view)
}

func (a *App) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.Log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}
