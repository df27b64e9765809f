/**
 * @description
 * HTTP router setup for the back-office service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/transfa/backoffice-service/internal/metrics"
)

// NewRouter creates a new Chi router and registers back-office routes.
// authMiddleware authenticates operators and clients; main passes ClerkAuthMiddleware.
func NewRouter(h *Handler, authMiddleware func(http.Handler) http.Handler, internalKey string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Backoffice service is healthy"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/internal/authentication", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Post("/challenges", h.handleBeginChallenge)
		r.Get("/clients/{clientID}/pending", h.handlePendingChallenge)
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		staff := RequireRole(RoleAdmin, RoleManager)

		r.Route("/fees", func(r chi.Router) {
			r.Get("/", h.handleListFees)
			r.Get("/active", h.handleListActiveFees)
			r.Get("/{id}", h.handleGetFee)
			r.With(staff).Post("/", h.handleCreateFee)
			r.With(staff).Put("/{id}", h.handleUpdateFee)
			r.With(staff).Patch("/{id}/activate", h.handleActivateFee)
			r.With(staff).Patch("/{id}/deactivate", h.handleDeactivateFee)
		})

		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.handleMakePayment)
			r.With(staff).Get("/", h.handleListPayments)
			r.Get("/{id}", h.handleGetPayment)
			r.Get("/account/{accountID}", h.handleListPaymentsByAccount)
			r.Get("/client/{clientID}", h.handleListPaymentsByClient)
		})

		r.Route("/devices", func(r chi.Router) {
			r.Post("/validate-code", h.handleValidateCode)
			r.Get("/client/{clientID}", h.handleGetDeviceByClient)
			r.Get("/{id}", h.handleGetDevice)
			r.With(staff).Get("/", h.handleListDevices)
			r.With(staff).Post("/", h.handleRegisterDevice)
			r.With(staff).Patch("/{id}/activate", h.handleActivateDevice)
			r.With(staff).Patch("/{id}/deactivate", h.handleDeactivateDevice)
		})
	})

	return r
}
