/**
 * @description
 * This file implements the PostgreSQL data access layer for accounts and
 * profiles, the account store side of the gated registration flow.
 *
 * @notes
 * - CreateAccount surfaces duplicate emails as ErrDuplicateAccount so the
 *   registration service can treat a re-submitted completion idempotently
 *   instead of failing the user.
 * - UpsertProfile is an ON CONFLICT upsert keyed on account_id: retrying a
 *   failed profile linkage must update in place, never duplicate-insert.
 */
package store

import (
	"context"
	"errors"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shebn/identity-service/internal/domain"
)

// Errors returned by the account repository.
var (
	ErrDuplicateAccount = errors.New("an account already exists for this email")
	ErrAccountNotFound  = errors.New("account not found")
	ErrProfileNotFound  = errors.New("profile not found")
)

// PostgresAccountRepository is the PostgreSQL implementation of the AccountRepository.
type PostgresAccountRepository struct {
	db *pgxpool.Pool
}

// NewPostgresAccountRepository creates a new instance of PostgresAccountRepository.
func NewPostgresAccountRepository(db *pgxpool.Pool) *PostgresAccountRepository {
	return &PostgresAccountRepository{db: db}
}

// CreateAccount inserts a new account record and returns its UUID.
func (r *PostgresAccountRepository) CreateAccount(ctx context.Context, email, passwordHash string) (string, error) {
	query := `
        INSERT INTO accounts (email, password_hash)
        VALUES ($1, $2)
        RETURNING id
    `
	var accountID string
	err := r.db.QueryRow(ctx, query, email, passwordHash).Scan(&accountID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			log.Printf("Account creation hit unique constraint %s for email (already exists)", pgErr.ConstraintName)
			return "", ErrDuplicateAccount
		}
		log.Printf("Error inserting account into database: %v", err)
		return "", err
	}

	log.Printf("Successfully created account with ID: %s", accountID)
	return accountID, nil
}

// FindAccountByEmail returns the account for the given email.
func (r *PostgresAccountRepository) FindAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	query := `
        SELECT id, email, password_hash, created_at
        FROM accounts
        WHERE email = $1
    `
	var account domain.Account
	err := r.db.QueryRow(ctx, query, email).Scan(
		&account.ID,
		&account.Email,
		&account.PasswordHash,
		&account.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		log.Printf("Error fetching account by email: %v", err)
		return nil, err
	}
	return &account, nil
}

// UpsertProfile creates the profile row for the account or updates it in place.
func (r *PostgresAccountRepository) UpsertProfile(ctx context.Context, profile domain.Profile) error {
	query := `
        INSERT INTO profiles (
            account_id, full_name, user_name, email, gender,
            verification_status, is_verified, session_id, created_at, updated_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
        ON CONFLICT (account_id) DO UPDATE SET
            full_name = EXCLUDED.full_name,
            user_name = EXCLUDED.user_name,
            gender = EXCLUDED.gender,
            verification_status = EXCLUDED.verification_status,
            is_verified = EXCLUDED.is_verified,
            session_id = EXCLUDED.session_id,
            updated_at = NOW()
    `
	_, err := r.db.Exec(ctx, query,
		profile.AccountID,
		profile.FullName,
		profile.Username,
		profile.Email,
		profile.Gender,
		string(profile.VerificationStatus),
		profile.IsVerified,
		profile.SessionID,
	)
	if err != nil {
		log.Printf("Error upserting profile for account %s: %v", profile.AccountID, err)
		return err
	}
	return nil
}

// FindProfileByAccountID returns the profile linked to an account.
func (r *PostgresAccountRepository) FindProfileByAccountID(ctx context.Context, accountID string) (*domain.Profile, error) {
	query := `
        SELECT account_id, full_name, user_name, email, gender,
               verification_status, is_verified, COALESCE(session_id, ''),
               created_at, updated_at
        FROM profiles
        WHERE account_id = $1
    `
	var (
		profile domain.Profile
		status  string
	)
	err := r.db.QueryRow(ctx, query, accountID).Scan(
		&profile.AccountID,
		&profile.FullName,
		&profile.Username,
		&profile.Email,
		&profile.Gender,
		&status,
		&profile.IsVerified,
		&profile.SessionID,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		log.Printf("Error fetching profile for account %s: %v", accountID, err)
		return nil, err
	}
	profile.VerificationStatus = domain.VerificationState(status)
	return &profile, nil
}
