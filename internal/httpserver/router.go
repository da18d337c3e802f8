package httpserver

import (
	"net/http"

	"lv-marginbook/internal/accounts"
	"lv-marginbook/internal/auth"
	"lv-marginbook/internal/commission"
	"lv-marginbook/internal/health"
	"lv-marginbook/internal/ledger"
	"lv-marginbook/internal/marketdata"
	"lv-marginbook/internal/metrics"
	"lv-marginbook/internal/positions"

	"github.com/go-chi/chi/v5"
)

type RouterDeps struct {
	AccountsHandler   *accounts.Handler
	LedgerHandler     *ledger.Handler
	PositionsHandler  *positions.Handler
	CommissionHandler *commission.Handler
	MarketHandler     *marketdata.Handler
	HealthHandler     *health.Handler
	Verifier          *auth.Verifier
	InternalToken     string
	CORSOrigin        string
	Limiter           *RateLimiter
	WSHandler         http.Handler
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(cors(d.CORSOrigin))
	r.Use(SecurityHeaders)
	if d.Limiter != nil {
		r.Use(d.Limiter.Middleware)
	}
	r.Use(metrics.Middleware)

	r.Get("/health", d.HealthHandler.Live)
	r.Get("/health/ready", d.HealthHandler.Ready)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/quotes/{symbol}", d.MarketHandler.Quote)
		r.Get("/instruments/{symbol}", d.PositionsHandler.Instrument)
		if d.WSHandler != nil {
			r.Get("/ws", d.WSHandler.ServeHTTP)
		}

		r.Group(func(r chi.Router) {
			r.Use(WithAuth(d.Verifier))

			r.Get("/accounts", withActor(d.AccountsHandler.List))
			r.Post("/accounts", withActor(d.AccountsHandler.Create))
			r.Get("/accounts/{id}", withActor(d.AccountsHandler.Get))
			r.Get("/accounts/{id}/summary", withActor(d.AccountsHandler.Summary))
			r.Post("/accounts/{id}/withdraw", withActor(d.AccountsHandler.Withdraw))
			r.Post("/accounts/{id}/leverage", withActor(d.AccountsHandler.UpdateLeverage))
			r.Get("/accounts/{id}/ledger", withActor(d.LedgerHandler.Entries))
			r.Get("/accounts/{id}/reconcile", withActor(d.LedgerHandler.Reconcile))
			r.Get("/accounts/{id}/positions", withActor(d.PositionsHandler.List))
			r.Get("/accounts/{id}/history", withActor(d.PositionsHandler.History))

			r.Post("/positions", withActor(d.PositionsHandler.Open))
			r.Get("/positions/{id}", withActor(d.PositionsHandler.Get))
			r.Post("/positions/{id}/close", withActor(d.PositionsHandler.Close))
			r.Post("/positions/{id}/cancel", withActor(d.PositionsHandler.Cancel))

			r.Group(func(r chi.Router) {
				r.Use(RequireAdmin)
				r.Post("/accounts/{id}/deposit", withActor(d.AccountsHandler.Deposit))
				r.Route("/admin", func(r chi.Router) {
					r.Post("/accounts/{id}/adjust", withActor(d.LedgerHandler.Adjust))
					r.Post("/accounts/{id}/status", d.AccountsHandler.SetStatus)
					r.Post("/instruments/{symbol}", d.PositionsHandler.UpdateInstrument)
					r.Post("/ib-relationships", d.CommissionHandler.Link)
					r.Get("/commissions", d.CommissionHandler.Records)
				})
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(InternalAuth(d.InternalToken))
			r.Post("/internal/deposits", d.LedgerHandler.Deposit)
		})
	})
	return r
}

func cors(allowed string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowed != "" && allowed != "*" {
				origin = allowed
			} else if origin == "" {
				origin = "*"
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Internal-Token")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
