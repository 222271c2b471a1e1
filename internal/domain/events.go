/**
 * @description
 * This file defines the internal event payloads published to RabbitMQ when
 * verification outcomes are observed. Downstream consumers (in-process today,
 * separate services later) use them to repair profile linkage and to notify
 * users.
 */
package domain

// Exchange and routing keys for verification events.
const (
	VerificationExchange = "verification_events"

	RoutingVerificationApproved  = "verification.approved"
	RoutingVerificationDeclined  = "verification.declined"
	RoutingRegistrationCompleted = "registration.completed"
	RoutingProfileLinkPending    = "registration.profile_link_pending"
)

// VerificationApprovedEvent is published when a session reaches Approved and
// the extracted identity passes the gender gate.
type VerificationApprovedEvent struct {
	SessionID string `json:"session_id"`
	Email     string `json:"email,omitempty"`
	Gender    string `json:"gender,omitempty"`
}

// VerificationDeclinedEvent is published when a session reaches a terminal
// non-approved outcome, or when an approved session fails the gender gate.
type VerificationDeclinedEvent struct {
	SessionID string  `json:"session_id"`
	Status    string  `json:"status"`
	Reason    *string `json:"reason,omitempty"`
}

// ProfileLinkPendingEvent is published when an account was created but the
// profile write failed. The linkage consumer retries the upsert until it
// succeeds so no account is left permanently unlinked.
type ProfileLinkPendingEvent struct {
	AccountID string  `json:"account_id"`
	SessionID string  `json:"session_id"`
	Profile   Profile `json:"profile"`
}

// RegistrationCompletedEvent is published once an account has been created
// and its profile linked.
type RegistrationCompletedEvent struct {
	AccountID string `json:"account_id"`
	SessionID string `json:"session_id"`
	Email     string `json:"email"`
}
