/**
 * @description
 * HTTP handlers for the registration flow: starting a registration (provider
 * session creation), the client-facing verification status check, completing
 * a registration, and the authenticated profile read.
 *
 * @notes
 * - Gate rejections and provider failures produce distinct, explicit error
 *   messages: a rejected user must understand why, and a provider outage must
 *   read as "try again", not as a rejection.
 */
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/shebn/identity-service/internal/app"
	"github.com/shebn/identity-service/internal/domain"
	"github.com/shebn/identity-service/internal/store"
)

// RegistrationHandler serves the registration and status-check endpoints.
type RegistrationHandler struct {
	service *app.RegistrationService
	poller  *app.Poller
	access  *AccessTokenIssuer
}

// NewRegistrationHandler creates a new RegistrationHandler.
func NewRegistrationHandler(service *app.RegistrationService, poller *app.Poller, access *AccessTokenIssuer) *RegistrationHandler {
	return &RegistrationHandler{service: service, poller: poller, access: access}
}

// StartRegistration handles POST /api/auth/start-registration.
func (h *RegistrationHandler) StartRegistration(w http.ResponseWriter, r *http.Request) {
	var req domain.StartRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Email == "" || req.FullName == "" || req.Username == "" {
		writeError(w, http.StatusBadRequest, "email, full_name and user_name are required")
		return
	}

	resp, err := h.service.StartRegistration(r.Context(), req)
	if err != nil {
		if errors.Is(err, domain.ErrProviderUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "Verification service unavailable, please try again")
			return
		}
		log.Printf("start-registration failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Could not start registration")
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

// CheckVerification handles GET /api/didit/check-verification.
// Correlation: exact session_id match first, email fallback second.
func (h *RegistrationHandler) CheckVerification(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	email := r.URL.Query().Get("email")
	if sessionID == "" && email == "" {
		writeError(w, http.StatusBadRequest, "session_id or email is required")
		return
	}

	resp, err := h.service.CheckVerification(r.Context(), sessionID, email)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			// Not an error for the polling client: the session simply has no
			// observed state yet.
			writeJSON(w, http.StatusOK, domain.CheckVerificationResponse{
				Verified: false,
				Status:   "not_found",
			})
			return
		}
		log.Printf("check-verification failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Could not check verification status")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// WaitForVerification handles GET /api/didit/wait-verification. It blocks on
// the reconciliation poller until the session reaches a terminal outcome or
// the polling budget runs out; navigating away cancels the request context
// and stops the polling immediately.
func (h *RegistrationHandler) WaitForVerification(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	session, err := h.poller.WaitForDecision(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, app.ErrPollBudgetExhausted) {
			// Surface the timeout explicitly so the client can offer a manual
			// "check status" action rather than spinning forever.
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"verified": false,
				"status":   "timeout",
				"message":  "Verification is taking longer than expected. Check the status manually.",
			})
			return
		}
		if r.Context().Err() != nil {
			return // client went away
		}
		log.Printf("wait-verification failed for session %s: %v", sessionID, err)
		writeError(w, http.StatusInternalServerError, "Could not determine verification status")
		return
	}

	writeJSON(w, http.StatusOK, domain.CheckVerificationResponse{
		Verified:  session.Status == domain.StatusApproved,
		Status:    string(session.Status),
		SessionID: session.SessionID,
		Gender:    session.Identity.Gender,
	})
}

// CompleteRegistration handles POST /api/auth/complete-registration.
func (h *RegistrationHandler) CompleteRegistration(w http.ResponseWriter, r *http.Request) {
	var req domain.CompleteRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.RegistrationToken == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "registration_token and password are required")
		return
	}

	accountID, err := h.service.CompleteRegistration(r.Context(), req.RegistrationToken, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrGateRejected):
			// Distinct, explicit messaging: the user must understand this is
			// a policy rejection, not a technical failure.
			writeError(w, http.StatusForbidden, "Registration denied: the verified identity does not meet the gender requirement for this platform")
		case errors.Is(err, domain.ErrNotApproved):
			writeError(w, http.StatusConflict, "Verification is not approved yet. Complete the identity verification first.")
		case errors.Is(err, store.ErrDuplicateAccount):
			writeError(w, http.StatusConflict, "An account already exists for this email")
		case errors.Is(err, domain.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "No verification session found for this registration")
		case errors.Is(err, domain.ErrRegistrationExpired):
			writeError(w, http.StatusGone, "This registration attempt has expired. Please start over.")
		case errors.Is(err, domain.ErrProviderUnavailable):
			writeError(w, http.StatusServiceUnavailable, "Verification service unavailable, please try again")
		default:
			log.Printf("complete-registration failed: %v", err)
			writeError(w, http.StatusInternalServerError, "Could not complete registration")
		}
		return
	}

	accessToken, err := h.access.Issue(accountID)
	if err != nil {
		log.Printf("Failed to issue access token for account %s: %v", accountID, err)
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"account_id":   accountID,
		"access_token": accessToken,
		"status":       "registration_complete",
	})
}

// GetProfile handles GET /api/profile for an authenticated account. A missing
// profile row triggers the read-path linkage repair.
func (h *RegistrationHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	accountID := AccountIDFromContext(r.Context())
	if accountID == "" {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	profile, err := h.service.GetProfile(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, store.ErrProfileNotFound) {
			writeError(w, http.StatusNotFound, "Profile not found")
			return
		}
		log.Printf("get-profile failed for account %s: %v", accountID, err)
		writeError(w, http.StatusInternalServerError, "Could not load profile")
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
