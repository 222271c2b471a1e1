/**
 * @description
 * This file defines the Go structs that model the webhook payloads and API
 * responses from the Didit verification provider, along with the identity
 * extraction logic that projects them into ExtractedIdentity.
 *
 * @notes
 * - Didit's payload schema has shifted between integration versions: the
 *   current shape nests identity attributes under decision.id_verification,
 *   an older shape placed them under a flat `data` object alongside an
 *   `event_type` field, and the oldest deliveries carried them at the top
 *   level. Extraction tries all known shapes and degrades to empty fields
 *   rather than failing.
 */
package domain

import (
	"encoding/json"
	"time"
)

// DiditWebhookEvent represents the top-level structure of a webhook payload
// from Didit. Fields from every historical shape coexist here; absent ones
// are simply zero.
type DiditWebhookEvent struct {
	SessionID  string          `json:"session_id"`
	Status     string          `json:"status"`
	WorkflowID string          `json:"workflow_id,omitempty"`
	VendorData string          `json:"vendor_data,omitempty"`
	Timestamp  *time.Time      `json:"timestamp,omitempty"`
	CreatedAt  *time.Time      `json:"created_at,omitempty"`
	Decision   *DiditDecision  `json:"decision,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`

	// Legacy shape fields.
	EventType string           `json:"event_type,omitempty"`
	Data      *LegacyEventData `json:"data,omitempty"`

	// Oldest shape carried identity attributes at the top level.
	Gender    string `json:"gender,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Email     string `json:"email,omitempty"`
}

// DiditDecision holds the decision block of an Approved/Declined payload.
type DiditDecision struct {
	SessionID      string               `json:"session_id,omitempty"`
	Status         string               `json:"status,omitempty"`
	IDVerification *DiditIDVerification `json:"id_verification,omitempty"`
}

// DiditIDVerification carries the identity attributes extracted from the
// user's document by the provider.
type DiditIDVerification struct {
	Status         string `json:"status,omitempty"`
	FirstName      string `json:"first_name,omitempty"`
	LastName       string `json:"last_name,omitempty"`
	FullName       string `json:"full_name,omitempty"`
	Gender         string `json:"gender,omitempty"`
	DocumentNumber string `json:"document_number,omitempty"`
	DateOfBirth    string `json:"date_of_birth,omitempty"`
	DateOfIssue    string `json:"date_of_issue,omitempty"`
	IssuingState   string `json:"issuing_state,omitempty"`
	DocumentType   string `json:"document_type,omitempty"`
}

// LegacyEventData is the `data` object of the legacy `verification.completed`
// webhook shape. UserReference carried the caller-supplied correlation value.
type LegacyEventData struct {
	UserReference  string `json:"user_reference,omitempty"`
	Gender         string `json:"gender,omitempty"`
	FirstName      string `json:"first_name,omitempty"`
	LastName       string `json:"last_name,omitempty"`
	DocumentNumber string `json:"document_number,omitempty"`
	DateOfBirth    string `json:"date_of_birth,omitempty"`
	Status         string `json:"status,omitempty"`
}

// ExtractIdentity projects a webhook payload into an ExtractedIdentity,
// trying each known payload shape in order of recency.
func (e DiditWebhookEvent) ExtractIdentity() ExtractedIdentity {
	if e.Decision != nil && e.Decision.IDVerification != nil {
		idv := e.Decision.IDVerification
		return ExtractedIdentity{
			FirstName:      idv.FirstName,
			LastName:       idv.LastName,
			Gender:         idv.Gender,
			DocumentNumber: idv.DocumentNumber,
			DateOfBirth:    idv.DateOfBirth,
			DateOfIssue:    idv.DateOfIssue,
			IssuingState:   idv.IssuingState,
			DocumentType:   idv.DocumentType,
		}
	}

	if e.Data != nil {
		return ExtractedIdentity{
			FirstName:      e.Data.FirstName,
			LastName:       e.Data.LastName,
			Gender:         e.Data.Gender,
			DocumentNumber: e.Data.DocumentNumber,
			DateOfBirth:    e.Data.DateOfBirth,
		}
	}

	return ExtractedIdentity{
		FirstName: e.FirstName,
		LastName:  e.LastName,
		Gender:    e.Gender,
	}
}

// EffectiveStatus resolves the status of the delivery across payload shapes.
// The legacy `verification.completed` event carried no status field; its
// arrival itself signals a completed verification whose outcome is decided by
// the extracted attributes.
func (e DiditWebhookEvent) EffectiveStatus() VerificationStatus {
	if e.Status != "" {
		return NormalizeStatus(e.Status)
	}
	if e.Decision != nil && e.Decision.Status != "" {
		return NormalizeStatus(e.Decision.Status)
	}
	if e.EventType == "verification.completed" {
		return StatusApproved
	}
	if e.Data != nil && e.Data.Status != "" {
		return NormalizeStatus(e.Data.Status)
	}
	return StatusError
}

// EffectiveSessionID resolves the correlation key of the delivery. The legacy
// shape identified the session through data.user_reference.
func (e DiditWebhookEvent) EffectiveSessionID() string {
	if e.SessionID != "" {
		return e.SessionID
	}
	if e.Decision != nil && e.Decision.SessionID != "" {
		return e.Decision.SessionID
	}
	if e.Data != nil {
		return e.Data.UserReference
	}
	return ""
}

// ProviderTimestamp returns the provider-reported time of the payload, or the
// zero time when the payload carries none.
func (e DiditWebhookEvent) ProviderTimestamp() time.Time {
	if e.Timestamp != nil {
		return *e.Timestamp
	}
	if e.CreatedAt != nil {
		return *e.CreatedAt
	}
	return time.Time{}
}

// --- Didit API request/response structures ---

// DiditCreateSessionRequest is the request body for creating a verification
// session.
type DiditCreateSessionRequest struct {
	WorkflowID string `json:"workflow_id"`
	Callback   string `json:"callback,omitempty"`
	VendorData string `json:"vendor_data,omitempty"`
}

// DiditCreateSessionResponse is the response returned after creating a
// session. URL naming has varied between API versions, so all known variants
// are modeled.
type DiditCreateSessionResponse struct {
	SessionID       string `json:"session_id"`
	SessionToken    string `json:"session_token,omitempty"`
	URL             string `json:"url,omitempty"`
	VerificationURL string `json:"verification_url,omitempty"`
	Status          string `json:"status,omitempty"`
}

// DiditSessionDecisionResponse is the response of the session decision
// endpoint used by the status poll path.
type DiditSessionDecisionResponse struct {
	SessionID string         `json:"session_id"`
	Status    string         `json:"status"`
	Decision  *DiditDecision `json:"decision,omitempty"`
}
