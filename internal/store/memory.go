/**
 * @description
 * In-memory implementations of the repository interfaces. They mirror the
 * PostgreSQL semantics (including the terminal-status guard and identity
 * merge of the verification upsert) and back the service-level tests without
 * a database.
 */
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shebn/identity-service/internal/domain"
)

// MemoryVerificationRepository is an in-memory VerificationRepository.
type MemoryVerificationRepository struct {
	mu       sync.Mutex
	sessions map[string]domain.VerificationSession
	logs     []webhookLogEntry
}

type webhookLogEntry struct {
	SessionID  string
	Status     string
	Payload    []byte
	ReceivedAt time.Time
}

// NewMemoryVerificationRepository creates an empty in-memory repository.
func NewMemoryVerificationRepository() *MemoryVerificationRepository {
	return &MemoryVerificationRepository{sessions: make(map[string]domain.VerificationSession)}
}

// Upsert applies the same invariants as the PostgreSQL implementation.
func (r *MemoryVerificationRepository) Upsert(_ context.Context, session domain.VerificationSession) (domain.VerificationSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	existing, ok := r.sessions[session.SessionID]
	if !ok {
		created := session
		created.CreatedAt = now
		created.UpdatedAt = now
		r.sessions[session.SessionID] = created
		return created, nil
	}

	merged := existing

	// Terminal statuses are sticky unless the incoming payload is strictly
	// newer. A zero stored timestamp is an unknown baseline, and nothing is
	// strictly newer than unknown.
	if existing.Status.IsTerminal() && !session.Status.IsTerminal() {
		if !session.ProviderUpdatedAt.IsZero() && !existing.ProviderUpdatedAt.IsZero() &&
			session.ProviderUpdatedAt.After(existing.ProviderUpdatedAt) {
			merged.Status = session.Status
		}
	} else {
		merged.Status = session.Status
	}

	if len(session.RawPayload) > 0 {
		merged.RawPayload = session.RawPayload
	}
	merged.Identity = session.Identity.Merge(existing.Identity)
	if session.Email != "" {
		merged.Email = session.Email
	}
	if session.ProviderUpdatedAt.After(merged.ProviderUpdatedAt) {
		merged.ProviderUpdatedAt = session.ProviderUpdatedAt
	}
	merged.UpdatedAt = now

	r.sessions[session.SessionID] = merged
	return merged, nil
}

// FindBySessionID returns the session for an exact ID match.
func (r *MemoryVerificationRepository) FindBySessionID(_ context.Context, sessionID string) (*domain.VerificationSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	copied := session
	return &copied, nil
}

// FindLatestByEmail returns the most recently created session for the email.
func (r *MemoryVerificationRepository) FindLatestByEmail(_ context.Context, email string) (*domain.VerificationSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matches []domain.VerificationSession
	for _, session := range r.sessions {
		if session.Email == email && email != "" {
			matches = append(matches, session)
		}
	}
	if len(matches) == 0 {
		return nil, domain.ErrSessionNotFound
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	copied := matches[0]
	return &copied, nil
}

// LinkUser sets the account ID on a session.
func (r *MemoryVerificationRepository) LinkUser(_ context.Context, sessionID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	session.UserID = &userID
	session.UpdatedAt = time.Now()
	r.sessions[sessionID] = session
	return nil
}

// FindByUserID returns the session linked to the account.
func (r *MemoryVerificationRepository) FindByUserID(_ context.Context, userID string) (*domain.VerificationSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, session := range r.sessions {
		if session.UserID != nil && *session.UserID == userID {
			copied := session
			return &copied, nil
		}
	}
	return nil, domain.ErrSessionNotFound
}

// FindStalePending returns non-terminal sessions older than the threshold.
func (r *MemoryVerificationRepository) FindStalePending(_ context.Context, olderThanMinutes, limit int) ([]domain.VerificationSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-time.Duration(olderThanMinutes) * time.Minute)
	var stale []domain.VerificationSession
	for _, session := range r.sessions {
		if (session.Status == domain.StatusNotStarted || session.Status == domain.StatusPending) && session.UpdatedAt.Before(cutoff) {
			stale = append(stale, session)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
	})
	if len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// AppendWebhookLog records an accepted webhook delivery.
func (r *MemoryVerificationRepository) AppendWebhookLog(_ context.Context, sessionID, status string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, webhookLogEntry{
		SessionID:  sessionID,
		Status:     status,
		Payload:    payload,
		ReceivedAt: time.Now(),
	})
	return nil
}

// SessionCount reports the number of stored sessions. Test helper.
func (r *MemoryVerificationRepository) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// WebhookLogCount reports the number of recorded webhook deliveries. Test helper.
func (r *MemoryVerificationRepository) WebhookLogCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.logs)
}

// MemoryAccountRepository is an in-memory AccountRepository.
type MemoryAccountRepository struct {
	mu       sync.Mutex
	accounts map[string]domain.Account // keyed by email
	profiles map[string]domain.Profile // keyed by account ID

	// FailProfileWrites makes UpsertProfile fail while > 0, decrementing on
	// each attempt. Lets tests exercise the linkage retry paths.
	FailProfileWrites int
}

// NewMemoryAccountRepository creates an empty in-memory repository.
func NewMemoryAccountRepository() *MemoryAccountRepository {
	return &MemoryAccountRepository{
		accounts: make(map[string]domain.Account),
		profiles: make(map[string]domain.Profile),
	}
}

// CreateAccount inserts an account, rejecting duplicate emails.
func (r *MemoryAccountRepository) CreateAccount(_ context.Context, email, passwordHash string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.accounts[email]; exists {
		return "", ErrDuplicateAccount
	}
	account := domain.Account{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
	}
	r.accounts[email] = account
	return account.ID, nil
}

// FindAccountByEmail returns the account for the email.
func (r *MemoryAccountRepository) FindAccountByEmail(_ context.Context, email string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[email]
	if !ok {
		return nil, ErrAccountNotFound
	}
	copied := account
	return &copied, nil
}

// UpsertProfile creates or replaces the profile for an account.
func (r *MemoryAccountRepository) UpsertProfile(_ context.Context, profile domain.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailProfileWrites > 0 {
		r.FailProfileWrites--
		return fmt.Errorf("simulated profile write failure")
	}
	now := time.Now()
	if existing, ok := r.profiles[profile.AccountID]; ok {
		profile.CreatedAt = existing.CreatedAt
	} else {
		profile.CreatedAt = now
	}
	profile.UpdatedAt = now
	r.profiles[profile.AccountID] = profile
	return nil
}

// FindProfileByAccountID returns the profile linked to an account.
func (r *MemoryAccountRepository) FindProfileByAccountID(_ context.Context, accountID string) (*domain.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	profile, ok := r.profiles[accountID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	copied := profile
	return &copied, nil
}

// AccountCount reports the number of stored accounts. Test helper.
func (r *MemoryAccountRepository) AccountCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.accounts)
}
