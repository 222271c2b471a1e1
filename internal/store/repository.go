/**
 * @description
 * This file defines the interfaces for the data access layer (repositories).
 * Defining interfaces allows for dependency injection and easy mocking in tests,
 * promoting a loosely coupled architecture.
 *
 * @notes
 * - Any component that needs to interact with the database should depend on these
 *   interfaces, not on the concrete PostgreSQL implementation.
 */
package store

import (
	"context"

	"github.com/shebn/identity-service/internal/domain"
)

// VerificationRepository defines the contract for verification session storage.
// All writes are idempotent upserts keyed on session ID.
type VerificationRepository interface {
	// Upsert records the latest observed state of a session. It creates the
	// row when the webhook arrives before any local record exists, never
	// regresses a terminal status to a non-terminal one unless the provider
	// timestamp is strictly newer, and merges identity attributes so a
	// partial payload cannot blank out earlier extractions.
	Upsert(ctx context.Context, session domain.VerificationSession) (domain.VerificationSession, error)
	// FindBySessionID returns the session or domain.ErrSessionNotFound.
	FindBySessionID(ctx context.Context, sessionID string) (*domain.VerificationSession, error)
	// FindLatestByEmail returns the most recently created session associated
	// with the email, or domain.ErrSessionNotFound.
	FindLatestByEmail(ctx context.Context, email string) (*domain.VerificationSession, error)
	// LinkUser sets the account ID on a session once an account exists for it.
	LinkUser(ctx context.Context, sessionID, userID string) error
	// FindByUserID returns the session linked to the account, or
	// domain.ErrSessionNotFound.
	FindByUserID(ctx context.Context, userID string) (*domain.VerificationSession, error)
	// FindStalePending returns sessions stuck in a non-terminal status for
	// longer than the given number of minutes, for the reconciliation sweep.
	FindStalePending(ctx context.Context, olderThanMinutes, limit int) ([]domain.VerificationSession, error)
	// AppendWebhookLog records an accepted webhook delivery for audit.
	AppendWebhookLog(ctx context.Context, sessionID, status string, payload []byte) error
}

// AccountRepository defines the contract for account and profile storage,
// the platform's account store collaborator.
type AccountRepository interface {
	// CreateAccount inserts a new account and returns its ID. A duplicate
	// email returns ErrDuplicateAccount; callers treat that as "already
	// created" and continue idempotently.
	CreateAccount(ctx context.Context, email, passwordHash string) (string, error)
	// FindAccountByEmail returns the account or domain.ErrSessionNotFound-style
	// pgx.ErrNoRows passthrough wrapped as ErrAccountNotFound.
	FindAccountByEmail(ctx context.Context, email string) (*domain.Account, error)
	// UpsertProfile creates the profile row for the account or updates it in
	// place when one already exists.
	UpsertProfile(ctx context.Context, profile domain.Profile) error
	// FindProfileByAccountID returns the profile or ErrProfileNotFound.
	FindProfileByAccountID(ctx context.Context, accountID string) (*domain.Profile, error)
}
