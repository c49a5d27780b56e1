/**
 * @description
 * This file sets up the HTTP router for the rewards service. Member routes sit
 * behind the Clerk session middleware; moderation, payout callbacks and venue
 * tooling sit behind the internal API key.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: routing and request middleware.
 * - github.com/go-chi/cors: CORS for the mobile and web clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the settings the router needs beyond the handlers.
type RouterConfig struct {
	Auth           AuthConfig
	Keys           *JWKSCache
	InternalAPIKey string
	AllowedOrigins []string
}

// NewRouter creates a new Chi router and registers the rewards routes.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	keys := cfg.Keys
	if keys == nil {
		keys = NewJWKSCache(cfg.Auth.JWKSURL)
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Device-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))

		r.Post("/checkins/override", h.handleOverrideCheckin)
		r.Post("/cashouts/{id}/review", h.handleReviewCashout)
		r.Post("/cashouts/{id}/approve", h.handleApproveCashout)
		r.Post("/cashouts/{id}/reject", h.handleRejectCashout)
		r.Post("/payouts/callback", h.handlePayoutCallback)
		r.Post("/redemptions/{id}/fulfill", h.handleFulfillRedemption)
		r.Post("/redemptions/{id}/void", h.handleVoidRedemption)
		r.Get("/risk/flags", h.handleListFlags)
		r.Post("/risk/flags/{id}/transition", h.handleTransitionFlag)
		r.Get("/users/{id}/activities", h.handleListUserActivities)
		r.Put("/users/{id}/suspension", h.handleSetSuspension)
		r.Post("/users/{id}/adjustments", h.handleAdjustBalance)
		r.Post("/ledger/entries/{id}/reverse", h.handleReverseEntry)
		r.Post("/venues/{id}/pin/rotate", h.handleRotateVenuePin)
	})

	r.Group(func(r chi.Router) {
		r.Use(ClerkAuthMiddleware(keys, cfg.Auth))

		r.Post("/checkins", h.handleCheckin)
		r.Post("/activities", h.handleActivity)
		r.Get("/wallet", h.handleGetWallet)

		r.Post("/cashouts", h.handleSubmitCashout)
		r.Get("/cashouts", h.handleListCashouts)
		r.Get("/cashouts/{id}", h.handleGetCashout)
		r.Delete("/cashouts/{id}", h.handleCancelCashout)

		r.Post("/rewards/{id}/redeem", h.handleRedeem)
		r.Get("/redemptions", h.handleListRedemptions)
	})

	return r
}
