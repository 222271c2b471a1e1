/**
 * @description
 * This file contains the core application logic of the identity-service: the
 * registration service that ties together the verification provider, the
 * verification session store, the account store, and the event producer.
 *
 * Key responsibilities:
 * - Starting a registration: creating a provider session and handing the
 *   client its verification URL plus the signed registration token.
 * - Reconciling webhook deliveries and status polls into the idempotent
 *   session store, including session-id/email correlation.
 * - The registration finalizer: gate check, account creation, profile
 *   linkage, and the retry paths when linkage fails.
 *
 * @notes
 * - No distributed transaction spans the provider call and the store write.
 *   The design accepts eventual consistency and guards it with idempotency:
 *   every write here is safe to repeat.
 */
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/shebn/identity-service/internal/domain"
	"github.com/shebn/identity-service/internal/store"
)

// VerificationProvider is the collaborator interface over the Didit API.
type VerificationProvider interface {
	CreateSession(ctx context.Context, req domain.DiditCreateSessionRequest) (*domain.DiditCreateSessionResponse, error)
	GetSessionDecision(ctx context.Context, sessionID string) (*domain.DiditSessionDecisionResponse, error)
}

// SessionURLResolver turns a create-session response into the URL the client
// must visit. Separated so the service does not depend on the concrete client.
type SessionURLResolver func(resp *domain.DiditCreateSessionResponse) string

// EventPublisher publishes internal events to the message broker.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, payload interface{}) error
}

// RegistrationService orchestrates the gated registration flow.
type RegistrationService struct {
	sessions   store.VerificationRepository
	accounts   store.AccountRepository
	provider   VerificationProvider
	publisher  EventPublisher
	tokens     *TokenIssuer
	gate       domain.GenderGate
	resolveURL SessionURLResolver

	workflowID  string
	callbackURL string
}

// NewRegistrationService creates a new RegistrationService.
func NewRegistrationService(
	sessions store.VerificationRepository,
	accounts store.AccountRepository,
	provider VerificationProvider,
	publisher EventPublisher,
	tokens *TokenIssuer,
	gate domain.GenderGate,
	resolveURL SessionURLResolver,
	workflowID, callbackURL string,
) *RegistrationService {
	return &RegistrationService{
		sessions:    sessions,
		accounts:    accounts,
		provider:    provider,
		publisher:   publisher,
		tokens:      tokens,
		gate:        gate,
		resolveURL:  resolveURL,
		workflowID:  workflowID,
		callbackURL: callbackURL,
	}
}

// StartRegistration creates a verification session with the provider and
// returns the verification URL plus the registration token. Provider errors
// fail soft: nothing is committed and the user can retry.
func (s *RegistrationService) StartRegistration(ctx context.Context, req domain.StartRegistrationRequest) (*domain.StartRegistrationResponse, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.FullName == "" || req.Username == "" {
		return nil, errors.New("email, full_name and user_name are required")
	}

	sessionResp, err := s.provider.CreateSession(ctx, domain.DiditCreateSessionRequest{
		WorkflowID: s.workflowID,
		Callback:   s.callbackURL,
		VendorData: email,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create verification session: %w", err)
	}

	// Record the session locally so the email-fallback correlation works even
	// when the webhook payload carries no email. The upsert tolerates the
	// webhook having already arrived for this session.
	_, err = s.sessions.Upsert(ctx, domain.VerificationSession{
		SessionID: sessionResp.SessionID,
		Status:    domain.StatusNotStarted,
		Email:     email,
	})
	if err != nil {
		log.Printf("Failed to record verification session %s locally: %v", sessionResp.SessionID, err)
		return nil, err
	}

	token, err := s.tokens.Issue(PendingRegistration{
		SessionID: sessionResp.SessionID,
		Email:     email,
		FullName:  req.FullName,
		Username:  req.Username,
	})
	if err != nil {
		return nil, err
	}

	log.Printf("Started registration: session %s created for verification", sessionResp.SessionID)
	return &domain.StartRegistrationResponse{
		SessionID:         sessionResp.SessionID,
		VerificationURL:   s.resolveURL(sessionResp),
		RegistrationToken: token,
	}, nil
}

// ReconcileWebhook applies a webhook delivery to the session store and
// publishes the resulting verification event. Deliveries are idempotent:
// re-applying the same payload converges on the same row. A delivery for a
// session the service has never seen creates the row, since webhook order
// relative to session creation is not guaranteed.
func (s *RegistrationService) ReconcileWebhook(ctx context.Context, event domain.DiditWebhookEvent, rawPayload []byte) (*domain.VerificationSession, error) {
	sessionID := event.EffectiveSessionID()
	if sessionID == "" {
		return nil, errors.New("webhook payload carries no session identifier")
	}

	status := event.EffectiveStatus()
	identity := event.ExtractIdentity()

	email := strings.ToLower(strings.TrimSpace(event.Email))
	if email == "" && strings.Contains(event.VendorData, "@") {
		email = strings.ToLower(strings.TrimSpace(event.VendorData))
	}

	session, err := s.upsertWithRetry(ctx, domain.VerificationSession{
		SessionID:         sessionID,
		Status:            status,
		RawPayload:        rawPayload,
		Identity:          identity,
		Email:             email,
		ProviderUpdatedAt: event.ProviderTimestamp(),
	})
	if err != nil {
		return nil, err
	}

	if err := s.sessions.AppendWebhookLog(ctx, sessionID, string(status), rawPayload); err != nil {
		// The audit log is best effort; the session row is the source of truth.
		log.Printf("Webhook log append failed for session %s: %v", sessionID, err)
	}

	s.publishVerificationOutcome(ctx, session)
	return &session, nil
}

// ReconcilePoll applies a provider status poll result through the same upsert
// path the webhook uses, so both paths converge on identical state.
func (s *RegistrationService) ReconcilePoll(ctx context.Context, sessionID string) (*domain.VerificationSession, error) {
	decision, err := s.provider.GetSessionDecision(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	event := domain.DiditWebhookEvent{
		SessionID: decision.SessionID,
		Status:    decision.Status,
		Decision:  decision.Decision,
	}
	if event.SessionID == "" {
		event.SessionID = sessionID
	}
	rawPayload, _ := json.Marshal(decision)

	session, err := s.upsertWithRetry(ctx, domain.VerificationSession{
		SessionID:         event.EffectiveSessionID(),
		Status:            event.EffectiveStatus(),
		RawPayload:        rawPayload,
		Identity:          event.ExtractIdentity(),
		ProviderUpdatedAt: event.ProviderTimestamp(),
	})
	if err != nil {
		return nil, err
	}

	s.publishVerificationOutcome(ctx, session)
	return &session, nil
}

// ResolveSession correlates a caller-supplied identifier pair to a session:
// exact session-id match first, most recent session for the email second.
func (s *RegistrationService) ResolveSession(ctx context.Context, sessionID, email string) (*domain.VerificationSession, error) {
	if sessionID != "" {
		session, err := s.sessions.FindBySessionID(ctx, sessionID)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, domain.ErrSessionNotFound) {
			return nil, err
		}
	}
	if email != "" {
		return s.sessions.FindLatestByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	}
	return nil, domain.ErrSessionNotFound
}

// CheckVerification is the client-facing status check backing the
// registration page's polling loop.
func (s *RegistrationService) CheckVerification(ctx context.Context, sessionID, email string) (*domain.CheckVerificationResponse, error) {
	session, err := s.ResolveSession(ctx, sessionID, email)
	if err != nil {
		return nil, err
	}
	return &domain.CheckVerificationResponse{
		Verified:  session.Status == domain.StatusApproved,
		Status:    string(session.Status),
		SessionID: session.SessionID,
		Gender:    session.Identity.Gender,
	}, nil
}

// CompleteRegistration is the registration finalizer. It validates the
// registration token, requires an approved session passing the gender gate,
// creates the account, and links the profile.
func (s *RegistrationService) CompleteRegistration(ctx context.Context, tokenString, password string) (string, error) {
	if password == "" {
		return "", errors.New("password is required")
	}

	pending, err := s.tokens.Parse(tokenString)
	if err != nil {
		return "", err
	}

	session, err := s.ResolveSession(ctx, pending.SessionID, pending.Email)
	if err != nil {
		return "", err
	}

	if session.Status != domain.StatusApproved {
		return "", fmt.Errorf("%w: current status is %s", domain.ErrNotApproved, session.Status)
	}

	if !s.gate.Admit(session.Identity.Gender) {
		log.Printf("Gate rejected session %s (gender %q)", session.SessionID, session.Identity.Gender)
		return "", domain.ErrGateRejected
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}

	accountID, err := s.accounts.CreateAccount(ctx, pending.Email, string(hash))
	if err != nil {
		if !errors.Is(err, store.ErrDuplicateAccount) {
			return "", fmt.Errorf("failed to create account: %w", err)
		}
		// A re-submitted completion must not duplicate the account, but
		// reusing the existing one requires proof the caller owns it: either
		// this session was already linked to that account by an earlier
		// completion, or the submitted password matches its hash. Without
		// that check anyone who verified their own identity could claim an
		// account by registering with its email.
		existing, findErr := s.accounts.FindAccountByEmail(ctx, pending.Email)
		if findErr != nil {
			return "", fmt.Errorf("account exists but could not be loaded: %w", findErr)
		}
		alreadyLinked := session.UserID != nil && *session.UserID == existing.ID
		if !alreadyLinked {
			if bcrypt.CompareHashAndPassword([]byte(existing.PasswordHash), []byte(password)) != nil {
				log.Printf("Rejected completion for session %s: email already registered to another account", session.SessionID)
				return "", store.ErrDuplicateAccount
			}
		}
		accountID = existing.ID
		log.Printf("Completion re-submitted for session %s, reusing account %s", session.SessionID, accountID)
	}

	if err := s.sessions.LinkUser(ctx, session.SessionID, accountID); err != nil {
		log.Printf("Failed to link account %s to session %s: %v", accountID, session.SessionID, err)
	}

	profile := domain.Profile{
		AccountID:          accountID,
		FullName:           verifiedFullName(session.Identity, pending.FullName),
		Username:           pending.Username,
		Email:              pending.Email,
		Gender:             "female",
		VerificationStatus: domain.VerificationApproved,
		IsVerified:         true,
		SessionID:          session.SessionID,
	}

	if err := s.upsertProfileWithRetry(ctx, profile); err != nil {
		// The account exists but the profile is missing. Hand the linkage to
		// the repair consumer; it retries until the write lands.
		log.Printf("Profile linkage failed for account %s, deferring to repair consumer: %v", accountID, err)
		if pubErr := s.publisher.Publish(ctx, domain.VerificationExchange, domain.RoutingProfileLinkPending, domain.ProfileLinkPendingEvent{
			AccountID: accountID,
			SessionID: session.SessionID,
			Profile:   profile,
		}); pubErr != nil {
			log.Printf("CRITICAL: Account %s has no profile and the repair event could not be published. Manual intervention required.", accountID)
			return "", fmt.Errorf("account created but profile linkage failed: %w", err)
		}
		return accountID, nil
	}

	if err := s.publisher.Publish(ctx, domain.VerificationExchange, domain.RoutingRegistrationCompleted, domain.RegistrationCompletedEvent{
		AccountID: accountID,
		SessionID: session.SessionID,
		Email:     pending.Email,
	}); err != nil {
		log.Printf("Failed to publish registration.completed for account %s: %v", accountID, err)
	}

	log.Printf("Registration complete: account %s linked to session %s", accountID, session.SessionID)
	return accountID, nil
}

// GetProfile is the authenticated read path. When the profile row is missing
// for an existing account it re-attempts linkage from the verification
// session the account is linked to, so a failed finalizer write heals on the
// next read.
func (s *RegistrationService) GetProfile(ctx context.Context, accountID string) (*domain.Profile, error) {
	profile, err := s.accounts.FindProfileByAccountID(ctx, accountID)
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, store.ErrProfileNotFound) {
		return nil, err
	}

	repaired, repairErr := s.repairProfile(ctx, accountID)
	if repairErr != nil {
		log.Printf("Profile missing for account %s and repair failed: %v", accountID, repairErr)
		return nil, err
	}
	return repaired, nil
}

// repairProfile rebuilds a missing profile from the verification session the
// account was linked to during finalization. The username falls back to the
// email local part; the linkage consumer normally lands the original one
// before any read ever gets here.
func (s *RegistrationService) repairProfile(ctx context.Context, accountID string) (*domain.Profile, error) {
	session, err := s.sessions.FindByUserID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.StatusApproved || !s.gate.Admit(session.Identity.Gender) {
		return nil, domain.ErrNotApproved
	}

	username := session.Email
	if at := strings.Index(username, "@"); at > 0 {
		username = username[:at]
	}

	profile := domain.Profile{
		AccountID:          accountID,
		FullName:           verifiedFullName(session.Identity, username),
		Username:           username,
		Email:              session.Email,
		Gender:             "female",
		VerificationStatus: domain.VerificationApproved,
		IsVerified:         true,
		SessionID:          session.SessionID,
	}
	if err := s.accounts.UpsertProfile(ctx, profile); err != nil {
		return nil, err
	}
	log.Printf("Repaired missing profile for account %s from session %s", accountID, session.SessionID)
	return &profile, nil
}

func (s *RegistrationService) upsertWithRetry(ctx context.Context, session domain.VerificationSession) (domain.VerificationSession, error) {
	result, err := s.sessions.Upsert(ctx, session)
	if err == nil {
		return result, nil
	}
	// One short-backoff retry for transient store failures before the caller
	// surfaces a 5xx and the provider re-delivers.
	log.Printf("Session upsert failed for %s, retrying once: %v", session.SessionID, err)
	select {
	case <-ctx.Done():
		return domain.VerificationSession{}, ctx.Err()
	case <-time.After(200 * time.Millisecond):
	}
	return s.sessions.Upsert(ctx, session)
}

func (s *RegistrationService) upsertProfileWithRetry(ctx context.Context, profile domain.Profile) error {
	if err := s.accounts.UpsertProfile(ctx, profile); err == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(200 * time.Millisecond):
	}
	return s.accounts.UpsertProfile(ctx, profile)
}

// publishVerificationOutcome emits the internal event for a terminal
// verification outcome. Gate evaluation happens here so that an approved
// session failing the gate is surfaced as declined to downstream consumers.
func (s *RegistrationService) publishVerificationOutcome(ctx context.Context, session domain.VerificationSession) {
	switch session.Status {
	case domain.StatusApproved:
		if s.gate.Admit(session.Identity.Gender) {
			if err := s.publisher.Publish(ctx, domain.VerificationExchange, domain.RoutingVerificationApproved, domain.VerificationApprovedEvent{
				SessionID: session.SessionID,
				Email:     session.Email,
				Gender:    session.Identity.Gender,
			}); err != nil {
				log.Printf("Failed to publish verification.approved for session %s: %v", session.SessionID, err)
			}
			return
		}
		reason := "gender requirement not met"
		if err := s.publisher.Publish(ctx, domain.VerificationExchange, domain.RoutingVerificationDeclined, domain.VerificationDeclinedEvent{
			SessionID: session.SessionID,
			Status:    string(session.Status),
			Reason:    &reason,
		}); err != nil {
			log.Printf("Failed to publish verification.declined for session %s: %v", session.SessionID, err)
		}
	case domain.StatusDeclined, domain.StatusExpired:
		if err := s.publisher.Publish(ctx, domain.VerificationExchange, domain.RoutingVerificationDeclined, domain.VerificationDeclinedEvent{
			SessionID: session.SessionID,
			Status:    string(session.Status),
		}); err != nil {
			log.Printf("Failed to publish verification.declined for session %s: %v", session.SessionID, err)
		}
	}
}

// verifiedFullName prefers the document-extracted name over the form-supplied
// one, falling back when extraction was partial.
func verifiedFullName(identity domain.ExtractedIdentity, submitted string) string {
	if identity.FirstName != "" && identity.LastName != "" {
		return identity.FirstName + " " + identity.LastName
	}
	if identity.FirstName != "" {
		return identity.FirstName
	}
	return submitted
}
