/**
 * @description
 * This file contains the HTTP handler for processing incoming webhooks from
 * Didit. It is the primary entry point for verification decisions.
 *
 * Key features:
 * - Security: validates the HMAC signature of incoming webhooks over the raw,
 *   unparsed body.
 * - Parsing: decodes the JSON payload, tolerating every historical payload
 *   shape the provider has used.
 * - Reconciliation: hands the delivery to the registration service, which
 *   upserts the verification session idempotently. Didit retries deliveries
 *   on non-2xx responses, so the whole path must be safe to repeat.
 *
 * @dependencies
 * - The service's internal packages for domain models and the registration service.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/shebn/identity-service/internal/app"
	"github.com/shebn/identity-service/internal/domain"
)

// WebhookHandler processes incoming webhooks from Didit.
type WebhookHandler struct {
	service  *app.RegistrationService
	verifier *SignatureVerifier
	// allowUnverified accepts deliveries when no webhook secret is
	// configured. Off by default; every unverified acceptance is logged.
	allowUnverified bool
}

// NewWebhookHandler creates a new handler for the webhook endpoint.
func NewWebhookHandler(service *app.RegistrationService, verifier *SignatureVerifier, allowUnverified bool) *WebhookHandler {
	return &WebhookHandler{
		service:         service,
		verifier:        verifier,
		allowUnverified: allowUnverified,
	}
}

// ServeHTTP implements the http.Handler interface.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = fmt.Sprintf("req_%s", uuid.NewString())
	}

	log.Printf("[%s] Webhook request started from %s", requestID, r.RemoteAddr)

	// Read the raw body before anything touches it: the signature is computed
	// over the exact bytes on the wire.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("[%s] Error reading webhook body: %v", requestID, err)
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	if h.verifier.Configured() {
		if !h.verifier.Verify(body, r.Header.Get("x-didit-signature")) {
			log.Printf("[%s] Error: Invalid webhook signature", requestID)
			http.Error(w, "Invalid signature", http.StatusUnauthorized)
			return
		}
	} else if h.allowUnverified {
		log.Printf("[%s] WARNING: accepting webhook without signature verification (no secret configured)", requestID)
	} else {
		log.Printf("[%s] Rejecting webhook: no secret configured and unverified deliveries are not allowed", requestID)
		http.Error(w, "Signature verification unavailable", http.StatusUnauthorized)
		return
	}

	var event domain.DiditWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("[%s] Error decoding webhook JSON: %v", requestID, err)
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}

	sessionID := event.EffectiveSessionID()
	if sessionID == "" {
		log.Printf("[%s] Webhook missing session identifier. Raw payload: %s", requestID, string(body))
		http.Error(w, "Missing session_id", http.StatusBadRequest)
		return
	}

	log.Printf("[%s] Received webhook for session %s with status %q", requestID, sessionID, event.Status)

	session, err := h.service.ReconcileWebhook(r.Context(), event, body)
	if err != nil {
		// Never leak payload or store details to the caller; the provider
		// retries on 5xx and the upsert is idempotent.
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Printf("[%s] Failed to reconcile webhook for session %s: %v", requestID, sessionID, err)
		http.Error(w, "Internal server error during webhook processing", http.StatusInternalServerError)
		return
	}

	log.Printf("[%s] Webhook processed successfully in %v (session %s now %s)",
		requestID, time.Since(startTime), session.SessionID, session.Status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}
