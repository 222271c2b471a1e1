/**
 * @description
 * This file contains the event handlers that process messages from the
 * RabbitMQ queues. The linkage handler is the repair mechanism for the
 * finalizer's failure mode: an account that exists without its profile row.
 *
 * @notes
 * - Handlers return a boolean indicating whether the message was successfully
 *   processed and should be acknowledged. Malformed payloads are acknowledged
 *   (they cannot be retried into correctness); store failures are requeued.
 */
package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/shebn/identity-service/internal/domain"
	"github.com/shebn/identity-service/internal/store"
)

// LinkageEventHandler re-attempts profile writes for accounts whose profile
// linkage failed during finalization.
type LinkageEventHandler struct {
	accounts  store.AccountRepository
	sessions  store.VerificationRepository
	publisher EventPublisher
}

// NewLinkageEventHandler creates a new instance of LinkageEventHandler.
func NewLinkageEventHandler(accounts store.AccountRepository, sessions store.VerificationRepository, publisher EventPublisher) *LinkageEventHandler {
	return &LinkageEventHandler{accounts: accounts, sessions: sessions, publisher: publisher}
}

// HandleProfileLinkPending processes a `registration.profile_link_pending`
// event by re-running the idempotent profile upsert.
func (h *LinkageEventHandler) HandleProfileLinkPending(body []byte) bool {
	var event domain.ProfileLinkPendingEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("Error unmarshaling profile_link_pending event: %v", err)
		return true // Acknowledge: malformed, cannot be retried.
	}
	if event.AccountID == "" {
		log.Printf("profile_link_pending event missing account_id, dropping")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// If the profile landed in the meantime (finalizer retry, read-path
	// repair), there is nothing left to do.
	if _, err := h.accounts.FindProfileByAccountID(ctx, event.AccountID); err == nil {
		log.Printf("Profile already present for account %s, linkage event is a no-op", event.AccountID)
		return true
	}

	if err := h.accounts.UpsertProfile(ctx, event.Profile); err != nil {
		log.Printf("Profile linkage retry failed for account %s: %v", event.AccountID, err)
		return false // Requeue: the account must not stay unlinked.
	}

	log.Printf("Profile linkage repaired for account %s (session %s)", event.AccountID, event.SessionID)

	if err := h.publisher.Publish(ctx, domain.VerificationExchange, domain.RoutingRegistrationCompleted, domain.RegistrationCompletedEvent{
		AccountID: event.AccountID,
		SessionID: event.SessionID,
		Email:     event.Profile.Email,
	}); err != nil {
		log.Printf("Failed to publish registration.completed after repair for account %s: %v", event.AccountID, err)
	}
	return true
}
