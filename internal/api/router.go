/**
 * @description
 * This file sets up the HTTP router for the identity-service using the `chi`
 * routing library. It defines all the API routes and applies necessary middleware.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: The routing library.
 * - github.com/go-chi/cors: CORS policy for the browser-based registration flow.
 */
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates and configures a new HTTP router.
func NewRouter(registration *RegistrationHandler, webhook *WebhookHandler, access *AccessTokenIssuer) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Provider-facing webhook. Signature-authenticated, not CORS-relevant.
	r.Post("/webhooks/didit", webhook.ServeHTTP)

	// Registration flow.
	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/start-registration", registration.StartRegistration)
		r.Post("/auth/complete-registration", registration.CompleteRegistration)
		r.Get("/didit/check-verification", registration.CheckVerification)
		r.Get("/didit/wait-verification", registration.WaitForVerification)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(access))
			r.Get("/profile", registration.GetProfile)
		})
	})

	return r
}
