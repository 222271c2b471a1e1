/**
 * @description
 * This file defines the account and profile domain models for the gated
 * registration flow, plus the request/response shapes of the registration
 * endpoints.
 *
 * @notes
 * - An account must never be created, nor have IsVerified set, unless an
 *   approved verification session passing the gender gate exists for the
 *   linked session ID. The registration service enforces this.
 */
package domain

import "time"

// VerificationState is the profile-level verification status surfaced to the
// rest of the platform.
type VerificationState string

const (
	VerificationPending  VerificationState = "pending"
	VerificationApproved VerificationState = "approved"
	VerificationRejected VerificationState = "rejected"
)

// Account is an authentication identity in the account store.
type Account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Profile is the platform profile linked to an account.
type Profile struct {
	AccountID          string            `json:"account_id"`
	FullName           string            `json:"full_name"`
	Username           string            `json:"user_name"`
	Email              string            `json:"email"`
	Gender             string            `json:"gender"`
	VerificationStatus VerificationState `json:"verification_status"`
	IsVerified         bool              `json:"is_verified"`
	// SessionID is the verification session that admitted this profile.
	SessionID string    `json:"session_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StartRegistrationRequest is the payload of POST /api/auth/start-registration.
type StartRegistrationRequest struct {
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Username string `json:"user_name"`
	Gender   string `json:"gender"`
}

// StartRegistrationResponse hands the client everything it needs to run the
// provider flow: where to verify, and the signed token that stands in for the
// pending registration until completion.
type StartRegistrationResponse struct {
	SessionID         string `json:"session_id"`
	VerificationURL   string `json:"verification_url"`
	RegistrationToken string `json:"registration_token"`
}

// CompleteRegistrationRequest is the payload of POST /api/auth/complete-registration.
type CompleteRegistrationRequest struct {
	RegistrationToken string `json:"registration_token"`
	Password          string `json:"password"`
}

// CheckVerificationResponse is the payload of GET /api/didit/check-verification.
type CheckVerificationResponse struct {
	Verified  bool   `json:"verified"`
	Status    string `json:"status"`
	SessionID string `json:"session_id,omitempty"`
	Gender    string `json:"gender,omitempty"`
}
