/**
 * @description
 * This file implements the PostgreSQL data access layer for verification
 * sessions. The upsert discipline here is what makes webhook processing safe
 * against provider retries, duplicate sends, and out-of-order delivery.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5/pgxpool: The PostgreSQL driver and connection pool manager.
 *
 * @notes
 * - The store does not rely on a native ON CONFLICT upsert so the invariants
 *   (terminal-status stickiness, identity merge) can live in the UPDATE
 *   statement itself. The pattern is: update by key; zero rows affected means
 *   insert; a unique-constraint violation on insert means a concurrent writer
 *   just inserted, so re-run the update.
 */
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shebn/identity-service/internal/domain"
)

const uniqueViolationCode = "23505"

// PostgresVerificationRepository is the PostgreSQL implementation of the
// VerificationRepository.
type PostgresVerificationRepository struct {
	db *pgxpool.Pool
}

// NewPostgresVerificationRepository creates a new instance of PostgresVerificationRepository.
func NewPostgresVerificationRepository(db *pgxpool.Pool) *PostgresVerificationRepository {
	return &PostgresVerificationRepository{db: db}
}

const sessionColumns = `
	session_id, status, raw_payload,
	first_name, last_name, gender, document_number, date_of_birth,
	date_of_issue, issuing_state, document_type,
	email, user_id, provider_updated_at, created_at, updated_at
`

// Upsert records the latest observed state of a session using the
// update-then-insert pattern. Safe to call concurrently for the same session.
func (r *PostgresVerificationRepository) Upsert(ctx context.Context, session domain.VerificationSession) (domain.VerificationSession, error) {
	for attempt := 0; attempt < 2; attempt++ {
		updated, err := r.tryUpdate(ctx, session)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return domain.VerificationSession{}, err
		}

		inserted, err := r.tryInsert(ctx, session)
		if err == nil {
			return inserted, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			// A concurrent delivery inserted the row first; re-run the update.
			log.Printf("Concurrent insert detected for session %s, retrying update", session.SessionID)
			continue
		}
		return domain.VerificationSession{}, err
	}
	return domain.VerificationSession{}, fmt.Errorf("upsert for session %s did not converge", session.SessionID)
}

func (r *PostgresVerificationRepository) tryUpdate(ctx context.Context, session domain.VerificationSession) (domain.VerificationSession, error) {
	// The CASE guard keeps terminal statuses sticky unless the incoming
	// payload carries a strictly newer provider timestamp. A NULL stored
	// timestamp means the baseline is unknown, so nothing counts as newer
	// than it. COALESCE/NULLIF merge identity attributes so partial payloads
	// never blank out fields.
	query := `
        UPDATE verification_sessions SET
            status = CASE
                WHEN status IN ('approved', 'declined')
                 AND $2 NOT IN ('approved', 'declined')
                 AND ($12::timestamptz IS NULL OR provider_updated_at IS NULL OR $12 <= provider_updated_at)
                THEN status
                ELSE $2
            END,
            raw_payload = COALESCE($3, raw_payload),
            first_name = COALESCE(NULLIF($4, ''), first_name),
            last_name = COALESCE(NULLIF($5, ''), last_name),
            gender = COALESCE(NULLIF($6, ''), gender),
            document_number = COALESCE(NULLIF($7, ''), document_number),
            date_of_birth = COALESCE(NULLIF($8, ''), date_of_birth),
            date_of_issue = COALESCE(NULLIF($9, ''), date_of_issue),
            issuing_state = COALESCE(NULLIF($10, ''), issuing_state),
            document_type = COALESCE(NULLIF($11, ''), document_type),
            email = COALESCE(NULLIF($13, ''), email),
            provider_updated_at = GREATEST(provider_updated_at, COALESCE($12, provider_updated_at)),
            updated_at = NOW()
        WHERE session_id = $1
        RETURNING ` + sessionColumns
	row := r.db.QueryRow(ctx, query,
		session.SessionID,
		string(session.Status),
		nullableBytes(session.RawPayload),
		session.Identity.FirstName,
		session.Identity.LastName,
		session.Identity.Gender,
		session.Identity.DocumentNumber,
		session.Identity.DateOfBirth,
		session.Identity.DateOfIssue,
		session.Identity.IssuingState,
		session.Identity.DocumentType,
		nullableTime(session.ProviderUpdatedAt),
		session.Email,
	)
	return scanSession(row)
}

func (r *PostgresVerificationRepository) tryInsert(ctx context.Context, session domain.VerificationSession) (domain.VerificationSession, error) {
	query := `
        INSERT INTO verification_sessions (
            session_id, status, raw_payload,
            first_name, last_name, gender, document_number, date_of_birth,
            date_of_issue, issuing_state, document_type,
            email, provider_updated_at, created_at, updated_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), $13, NOW(), NOW())
        RETURNING ` + sessionColumns
	row := r.db.QueryRow(ctx, query,
		session.SessionID,
		string(session.Status),
		nullableBytes(session.RawPayload),
		session.Identity.FirstName,
		session.Identity.LastName,
		session.Identity.Gender,
		session.Identity.DocumentNumber,
		session.Identity.DateOfBirth,
		session.Identity.DateOfIssue,
		session.Identity.IssuingState,
		session.Identity.DocumentType,
		session.Email,
		nullableTime(session.ProviderUpdatedAt),
	)
	return scanSession(row)
}

// FindBySessionID returns the session for an exact session ID match.
func (r *PostgresVerificationRepository) FindBySessionID(ctx context.Context, sessionID string) (*domain.VerificationSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM verification_sessions WHERE session_id = $1`
	session, err := scanSession(r.db.QueryRow(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		log.Printf("Error fetching verification session %s: %v", sessionID, err)
		return nil, err
	}
	return &session, nil
}

// FindLatestByEmail returns the most recently created session associated with
// the email. Used as the correlation fallback when a caller only knows the
// registration email.
func (r *PostgresVerificationRepository) FindLatestByEmail(ctx context.Context, email string) (*domain.VerificationSession, error) {
	query := `
        SELECT ` + sessionColumns + `
        FROM verification_sessions
        WHERE email = $1
        ORDER BY created_at DESC
        LIMIT 1`
	session, err := scanSession(r.db.QueryRow(ctx, query, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		log.Printf("Error fetching verification session by email: %v", err)
		return nil, err
	}
	return &session, nil
}

// LinkUser sets the account ID on the session once an account exists for it.
func (r *PostgresVerificationRepository) LinkUser(ctx context.Context, sessionID, userID string) error {
	query := `
        UPDATE verification_sessions
        SET user_id = $2, updated_at = NOW()
        WHERE session_id = $1
    `
	commandTag, err := r.db.Exec(ctx, query, sessionID, userID)
	if err != nil {
		log.Printf("Error linking user %s to session %s: %v", userID, sessionID, err)
		return err
	}
	if commandTag.RowsAffected() == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// FindByUserID returns the session linked to the given account.
func (r *PostgresVerificationRepository) FindByUserID(ctx context.Context, userID string) (*domain.VerificationSession, error) {
	query := `
        SELECT ` + sessionColumns + `
        FROM verification_sessions
        WHERE user_id = $1
        ORDER BY updated_at DESC
        LIMIT 1`
	session, err := scanSession(r.db.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		log.Printf("Error fetching verification session by user %s: %v", userID, err)
		return nil, err
	}
	return &session, nil
}

// FindStalePending returns non-terminal sessions that have not been updated
// for longer than olderThanMinutes, oldest first.
func (r *PostgresVerificationRepository) FindStalePending(ctx context.Context, olderThanMinutes, limit int) ([]domain.VerificationSession, error) {
	query := `
        SELECT ` + sessionColumns + `
        FROM verification_sessions
        WHERE status IN ('not_started', 'pending')
          AND updated_at < NOW() - make_interval(mins => $1)
        ORDER BY updated_at ASC
        LIMIT $2`
	rows, err := r.db.Query(ctx, query, olderThanMinutes, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.VerificationSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// AppendWebhookLog records an accepted webhook delivery for audit and replay.
func (r *PostgresVerificationRepository) AppendWebhookLog(ctx context.Context, sessionID, status string, payload []byte) error {
	query := `
        INSERT INTO webhook_logs (session_id, status, payload, received_at)
        VALUES ($1, $2, $3, NOW())
    `
	if _, err := r.db.Exec(ctx, query, sessionID, status, payload); err != nil {
		log.Printf("Error storing webhook log for session %s: %v", sessionID, err)
		return err
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.VerificationSession, error) {
	var (
		session           domain.VerificationSession
		status            string
		email             *string
		providerUpdatedAt *time.Time
	)
	err := row.Scan(
		&session.SessionID,
		&status,
		&session.RawPayload,
		&session.Identity.FirstName,
		&session.Identity.LastName,
		&session.Identity.Gender,
		&session.Identity.DocumentNumber,
		&session.Identity.DateOfBirth,
		&session.Identity.DateOfIssue,
		&session.Identity.IssuingState,
		&session.Identity.DocumentType,
		&email,
		&session.UserID,
		&providerUpdatedAt,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return domain.VerificationSession{}, err
	}
	session.Status = domain.VerificationStatus(status)
	if email != nil {
		session.Email = *email
	}
	if providerUpdatedAt != nil {
		session.ProviderUpdatedAt = *providerUpdatedAt
	}
	return session, nil
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
