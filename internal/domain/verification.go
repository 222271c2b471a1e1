/**
 * @description
 * This file defines the core domain model for identity verification sessions.
 * A VerificationSession is the single source of truth for one KYC attempt with
 * the Didit provider, keyed by the provider-assigned session ID.
 *
 * @notes
 * - All writes to a session go through an idempotent upsert keyed on SessionID;
 *   the provider retries webhook deliveries, so there must never be more than
 *   one row per session.
 * - Terminal statuses (Approved, Declined) are sticky: a later delivery
 *   reporting a non-terminal status must not regress them unless the provider
 *   timestamp is strictly newer.
 */
package domain

import (
	"errors"
	"strings"
	"time"
)

// VerificationStatus is the normalized lifecycle status of a verification session.
type VerificationStatus string

const (
	StatusNotStarted VerificationStatus = "not_started"
	StatusPending    VerificationStatus = "pending"
	StatusApproved   VerificationStatus = "approved"
	StatusDeclined   VerificationStatus = "declined"
	StatusExpired    VerificationStatus = "expired"
	StatusError      VerificationStatus = "error"
)

// IsTerminal reports whether the status can no longer change through the
// normal verification flow.
func (s VerificationStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusDeclined
}

// NormalizeStatus maps the status strings Didit has used across API versions
// onto the internal enum. Unknown values map to StatusError rather than
// failing so that a payload with a new status string is still recorded.
func NormalizeStatus(raw string) VerificationStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "not started", "not_started", "notstarted", "":
		return StatusNotStarted
	case "pending", "in progress", "in_progress", "in review", "in_review", "kyc_pending":
		return StatusPending
	case "approved", "success", "verified":
		return StatusApproved
	case "declined", "rejected", "denied":
		return StatusDeclined
	case "expired", "abandoned":
		return StatusExpired
	default:
		return StatusError
	}
}

// VerificationSession represents one KYC attempt with the provider.
type VerificationSession struct {
	SessionID string             `json:"session_id"`
	Status    VerificationStatus `json:"status"`
	// RawPayload is the latest webhook or decision payload as delivered,
	// preserved verbatim for audit and replay.
	RawPayload []byte            `json:"raw_payload,omitempty"`
	Identity   ExtractedIdentity `json:"identity"`
	// Email is the registration email associated with the session, used as
	// the correlation fallback when a caller only knows the email.
	Email string `json:"email,omitempty"`
	// UserID is set once an account has been created for this session.
	UserID *string `json:"user_id,omitempty"`
	// ProviderUpdatedAt is the provider-reported timestamp of the payload,
	// used to order out-of-order deliveries.
	ProviderUpdatedAt time.Time `json:"provider_updated_at"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ExtractedIdentity is the projection of a provider payload into the identity
// attributes the platform cares about. Fields the payload did not carry are
// empty strings.
type ExtractedIdentity struct {
	FirstName      string `json:"first_name,omitempty"`
	LastName       string `json:"last_name,omitempty"`
	Gender         string `json:"gender,omitempty"`
	DocumentNumber string `json:"document_number,omitempty"`
	DateOfBirth    string `json:"date_of_birth,omitempty"`
	DateOfIssue    string `json:"date_of_issue,omitempty"`
	IssuingState   string `json:"issuing_state,omitempty"`
	DocumentType   string `json:"document_type,omitempty"`
}

// IsZero reports whether no identity attribute has been extracted.
func (e ExtractedIdentity) IsZero() bool {
	return e == ExtractedIdentity{}
}

// Merge returns e with empty fields filled in from prev. A partial update
// from the provider must never blank out attributes extracted earlier.
func (e ExtractedIdentity) Merge(prev ExtractedIdentity) ExtractedIdentity {
	merged := e
	if merged.FirstName == "" {
		merged.FirstName = prev.FirstName
	}
	if merged.LastName == "" {
		merged.LastName = prev.LastName
	}
	if merged.Gender == "" {
		merged.Gender = prev.Gender
	}
	if merged.DocumentNumber == "" {
		merged.DocumentNumber = prev.DocumentNumber
	}
	if merged.DateOfBirth == "" {
		merged.DateOfBirth = prev.DateOfBirth
	}
	if merged.DateOfIssue == "" {
		merged.DateOfIssue = prev.DateOfIssue
	}
	if merged.IssuingState == "" {
		merged.IssuingState = prev.IssuingState
	}
	if merged.DocumentType == "" {
		merged.DocumentType = prev.DocumentType
	}
	return merged
}

// Sentinel errors shared across the service layers.
var (
	// ErrSessionNotFound indicates neither the session ID nor the email
	// fallback matched a known verification session.
	ErrSessionNotFound = errors.New("verification session not found")
	// ErrGateRejected indicates the verified identity did not pass the
	// admission gate. This is terminal for the registration attempt.
	ErrGateRejected = errors.New("verified identity does not meet the admission requirement")
	// ErrNotApproved indicates the session exists but is not (yet) approved.
	ErrNotApproved = errors.New("verification session is not approved")
	// ErrProviderUnavailable indicates the verification provider could not be
	// reached or answered with a server error. Safe to retry.
	ErrProviderUnavailable = errors.New("verification provider unavailable")
	// ErrRegistrationExpired indicates the registration token presented by the
	// client is no longer valid and the flow must be restarted.
	ErrRegistrationExpired = errors.New("registration attempt has expired")
)
