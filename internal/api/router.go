/**
 * @description
 * This file sets up the HTTP router for the settlement-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for signature verification and internal auth.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/splitwell/settlement-service/internal/app"
	"github.com/splitwell/settlement-service/internal/config"
)

// SettlementRoutes creates and returns a new router for the settlement service.
func SettlementRoutes(h *SettlementHandlers, cfg *config.Config, limiter *app.RedisRateLimiter) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Processor-facing webhooks. Authenticated by HMAC signature, throttled
	// per source address.
	r.Group(func(r chi.Router) {
		r.Use(WebhookRateLimitMiddleware(limiter, cfg.WebhookRateLimitPerMinute))
		r.Use(WebhookSignatureMiddleware(cfg.WebhookSigningSecret))

		r.Post("/settlements/webhooks/observed-transactions", h.ObservedTransactionWebhookHandler)
		r.Post("/settlements/webhooks/transfer-status", h.TransferStatusWebhookHandler)
	})

	// Expense lifecycle, called by the gateway backend. The caller presents
	// the internal API key and forwards the acting user identity in x-user-id.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Use(UserIdentityMiddleware)

		r.Post("/settlements/expenses", h.CreateExpenseHandler)
		r.Get("/settlements/expenses/{expenseID}", h.GetExpenseHandler)
		r.Delete("/settlements/expenses/{expenseID}", h.DeactivateExpenseHandler)
		r.Post("/settlements/agreements/{agreementID}/accept", h.AcceptAgreementHandler)
		r.Post("/settlements/agreements/{agreementID}/decline", h.DeclineAgreementHandler)
		r.Post("/settlements/invites/{inviteID}/convert", h.ConvertInviteHandler)
	})

	// Internal maintenance endpoints for operators and sibling services.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))

		r.Post("/settlements/internal/run-due", h.RunDueSettlementsHandler)
		r.Post("/settlements/internal/reconcile-withheld", h.ReconcileWithheldHandler)
		r.Get("/settlements/internal/upcoming", h.UpcomingExpensesHandler)
		r.Delete("/settlements/internal/users/{userID}", h.RemoveUserDataHandler)
	})

	return r
}
