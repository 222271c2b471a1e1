package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/shebn/identity-service/internal/domain"
	"github.com/shebn/identity-service/internal/store"
)

// fakeProvider is a scriptable VerificationProvider.
type fakeProvider struct {
	mu          sync.Mutex
	createResp  *domain.DiditCreateSessionResponse
	createErr   error
	decisions   map[string]*domain.DiditSessionDecisionResponse
	decisionErr error
	pollCount   int
}

func (f *fakeProvider) CreateSession(_ context.Context, _ domain.DiditCreateSessionRequest) (*domain.DiditCreateSessionResponse, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.createResp, nil
}

func (f *fakeProvider) GetSessionDecision(_ context.Context, sessionID string) (*domain.DiditSessionDecisionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollCount++
	if f.decisionErr != nil {
		return nil, f.decisionErr
	}
	decision, ok := f.decisions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return decision, nil
}

// fakePublisher records published events.
type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

type publishedEvent struct {
	Exchange   string
	RoutingKey string
	Payload    interface{}
}

func (f *fakePublisher) Publish(_ context.Context, exchange, routingKey string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, publishedEvent{Exchange: exchange, RoutingKey: routingKey, Payload: payload})
	return nil
}

func (f *fakePublisher) routingKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.events))
	for _, e := range f.events {
		keys = append(keys, e.RoutingKey)
	}
	return keys
}

type testEnv struct {
	service   *RegistrationService
	sessions  *store.MemoryVerificationRepository
	accounts  *store.MemoryAccountRepository
	provider  *fakeProvider
	publisher *fakePublisher
}

func newTestEnv(gate domain.GenderGate) *testEnv {
	sessions := store.NewMemoryVerificationRepository()
	accounts := store.NewMemoryAccountRepository()
	provider := &fakeProvider{
		createResp: &domain.DiditCreateSessionResponse{SessionID: "S1", URL: "https://verify.didit.me/session/S1"},
		decisions:  make(map[string]*domain.DiditSessionDecisionResponse),
	}
	publisher := &fakePublisher{}
	service := NewRegistrationService(
		sessions,
		accounts,
		provider,
		publisher,
		NewTokenIssuer("test-signing-secret"),
		gate,
		func(resp *domain.DiditCreateSessionResponse) string { return resp.URL },
		"wf-1",
		"https://shebn.example/webhooks/didit",
	)
	return &testEnv{service: service, sessions: sessions, accounts: accounts, provider: provider, publisher: publisher}
}

func approvedWebhook(sessionID, gender string) (domain.DiditWebhookEvent, []byte) {
	event := domain.DiditWebhookEvent{
		SessionID: sessionID,
		Status:    "Approved",
		Decision: &domain.DiditDecision{
			IDVerification: &domain.DiditIDVerification{
				FirstName:      "Ana",
				LastName:       "García",
				Gender:         gender,
				DocumentNumber: "X1234567",
				DateOfBirth:    "1995-04-12",
			},
		},
	}
	raw, _ := json.Marshal(event)
	return event, raw
}

// Scenario A: session created, webhook approves with gender F, status check
// reports verified, finalizer creates a verified account.
func TestRegistrationFlowApproved(t *testing.T) {
	env := newTestEnv(domain.GenderGate{})
	ctx := context.Background()

	start, err := env.service.StartRegistration(ctx, domain.StartRegistrationRequest{
		Email:    "ana@example.com",
		FullName: "Ana García",
		Username: "ana_g",
	})
	if err != nil {
		t.Fatalf("start registration: %v", err)
	}
	if start.SessionID != "S1" || start.RegistrationToken == "" {
		t.Fatalf("unexpected start response: %+v", start)
	}

	event, raw := approvedWebhook("S1", "F")
	if _, err := env.service.ReconcileWebhook(ctx, event, raw); err != nil {
		t.Fatalf("reconcile webhook: %v", err)
	}

	check, err := env.service.CheckVerification(ctx, "S1", "")
	if err != nil {
		t.Fatalf("check verification: %v", err)
	}
	if !check.Verified || check.Status != "approved" {
		t.Fatalf("expected verified approved, got %+v", check)
	}

	accountID, err := env.service.CompleteRegistration(ctx, start.RegistrationToken, "s3cure-password")
	if err != nil {
		t.Fatalf("complete registration: %v", err)
	}

	profile, err := env.accounts.FindProfileByAccountID(ctx, accountID)
	if err != nil {
		t.Fatalf("profile missing after completion: %v", err)
	}
	if !profile.IsVerified || profile.VerificationStatus != domain.VerificationApproved {
		t.Fatalf("profile not verified: %+v", profile)
	}
	if profile.SessionID != "S1" {
		t.Fatalf("profile not linked to session: %+v", profile)
	}
	if profile.FullName != "Ana García" {
		t.Fatalf("expected document name on profile, got %q", profile.FullName)
	}

	session, err := env.sessions.FindBySessionID(ctx, "S1")
	if err != nil {
		t.Fatalf("session lookup: %v", err)
	}
	if session.UserID == nil || *session.UserID != accountID {
		t.Fatalf("session not linked back to account: %+v", session)
	}
}

// Scenario B: an approved verification with a non-admitted gender is rejected
// by the gate and no account is created.
func TestRegistrationFlowGateRejected(t *testing.T) {
	env := newTestEnv(domain.GenderGate{})
	ctx := context.Background()

	start, err := env.service.StartRegistration(ctx, domain.StartRegistrationRequest{
		Email:    "sam@example.com",
		FullName: "Sam Doe",
		Username: "sam_d",
	})
	if err != nil {
		t.Fatalf("start registration: %v", err)
	}

	event, raw := approvedWebhook("S1", "M")
	if _, err := env.service.ReconcileWebhook(ctx, event, raw); err != nil {
		t.Fatalf("reconcile webhook: %v", err)
	}

	_, err = env.service.CompleteRegistration(ctx, start.RegistrationToken, "s3cure-password")
	if !errors.Is(err, domain.ErrGateRejected) {
		t.Fatalf("expected gate rejection, got %v", err)
	}
	if env.accounts.AccountCount() != 0 {
		t.Fatal("account created despite gate rejection")
	}

	// The declined outcome is surfaced to downstream consumers with a reason.
	var sawDeclined bool
	for _, key := range env.publisher.routingKeys() {
		if key == domain.RoutingVerificationDeclined {
			sawDeclined = true
		}
		if key == domain.RoutingVerificationApproved {
			t.Fatal("approved event published for a gate-rejected session")
		}
	}
	if !sawDeclined {
		t.Fatal("no declined event published for a gate-rejected session")
	}
}

// Scenario C: a webhook for a session never seen locally creates the row
// instead of being dropped.
func TestWebhookBeforeSessionCreation(t *testing.T) {
	env := newTestEnv(domain.GenderGate{})
	ctx := context.Background()

	event, raw := approvedWebhook("S2", "F")
	session, err := env.service.ReconcileWebhook(ctx, event, raw)
	if err != nil {
		t.Fatalf("reconcile webhook: %v", err)
	}
	if session.SessionID != "S2" || session.Status != domain.StatusApproved {
		t.Fatalf("unexpected session: %+v", session)
	}
	if env.sessions.SessionCount() != 1 {
		t.Fatalf("expected 1 session, got %d", env.sessions.SessionCount())
	}
}

// Scenario D: duplicate webhook deliveries converge on one row; duplicate
// completions converge on one account.
func TestDuplicateWebhookAndCompletionAreIdempotent(t *testing.T) {
	env := newTestEnv(domain.GenderGate{})
	ctx := context.Background()

	start, err := env.service.StartRegistration(ctx, domain.StartRegistrationRequest{
		Email:    "ana@example.com",
		FullName: "Ana García",
		Username: "ana_g",
	})
	if err != nil {
		t.Fatalf("start registration: %v", err)
	}

	event, raw := approvedWebhook("S1", "F")
	first, err := env.service.ReconcileWebhook(ctx, event, raw)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	second, err := env.service.ReconcileWebhook(ctx, event, raw)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if env.sessions.SessionCount() != 1 {
		t.Fatalf("duplicate delivery created extra rows: %d", env.sessions.SessionCount())
	}
	if first.Status != second.Status || second.Status != domain.StatusApproved {
		t.Fatalf("deliveries diverged: %s vs %s", first.Status, second.Status)
	}
	// Both deliveries are still recorded in the audit log.
	if env.sessions.WebhookLogCount() != 2 {
		t.Fatalf("expected 2 audit entries, got %d", env.sessions.WebhookLogCount())
	}

	firstAccount, err := env.service.CompleteRegistration(ctx, start.RegistrationToken, "s3cure-password")
	if err != nil {
		t.Fatalf("first completion: %v", err)
	}
	secondAccount, err := env.service.CompleteRegistration(ctx, start.RegistrationToken, "s3cure-password")
	if err != nil {
		t.Fatalf("second completion: %v", err)
	}
	if firstAccount != secondAccount {
		t.Fatalf("completions produced different accounts: %s vs %s", firstAccount, secondAccount)
	}
	if env.accounts.AccountCount() != 1 {
		t.Fatalf("expected 1 account, got %d", env.accounts.AccountCount())
	}
}

// Completing a registration against an email that already has an account
// must not hand out that account: a verified identity proves who the caller
// is, not that they own the account registered under the email.
func TestCompletionCannotClaimExistingAccount(t *testing.T) {
	env := newTestEnv(domain.GenderGate{})
	ctx := context.Background()

	victimHash, err := bcrypt.GenerateFromPassword([]byte("victim-password"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	victimID, err := env.accounts.CreateAccount(ctx, "ana@example.com", string(victimHash))
	if err != nil {
		t.Fatalf("create victim account: %v", err)
	}

	start, err := env.service.StartRegistration(ctx, domain.StartRegistrationRequest{
		Email:    "ana@example.com",
		FullName: "Ana García",
		Username: "ana_g",
	})
	if err != nil {
		t.Fatalf("start registration: %v", err)
	}
	event, raw := approvedWebhook("S1", "F")
	if _, err := env.service.ReconcileWebhook(ctx, event, raw); err != nil {
		t.Fatalf("reconcile webhook: %v", err)
	}

	_, err = env.service.CompleteRegistration(ctx, start.RegistrationToken, "attacker-password")
	if !errors.Is(err, store.ErrDuplicateAccount) {
		t.Fatalf("expected duplicate-account rejection, got %v", err)
	}

	// The rejected completion must not link the existing account to the
	// caller's session.
	session, err := env.sessions.FindBySessionID(ctx, "S1")
	if err != nil {
		t.Fatalf("session lookup: %v", err)
	}
	if session.UserID != nil {
		t.Fatalf("rejected completion linked session to account %s", *session.UserID)
	}

	// Supplying the account's actual password proves ownership and recovers
	// the idempotent-reuse path.
	accountID, err := env.service.CompleteRegistration(ctx, start.RegistrationToken, "victim-password")
	if err != nil {
		t.Fatalf("completion with matching password: %v", err)
	}
	if accountID != victimID {
		t.Fatalf("expected existing account %s, got %s", victimID, accountID)
	}
}

// A Pending delivery arriving after Approved must not regress the status
// unless the provider timestamp is strictly newer.
func TestStatusNoRegression(t *testing.T) {
	env := newTestEnv(domain.GenderGate{})
	ctx := context.Background()

	event, raw := approvedWebhook("S1", "F")
	now := time.Now()
	event.Timestamp = &now
	if _, err := env.service.ReconcileWebhook(ctx, event, raw); err != nil {
		t.Fatalf("approved delivery: %v", err)
	}

	stale := time.Now().Add(-time.Hour)
	pending := domain.DiditWebhookEvent{SessionID: "S1", Status: "In Progress", Timestamp: &stale}
	pendingRaw, _ := json.Marshal(pending)
	session, err := env.service.ReconcileWebhook(ctx, pending, pendingRaw)
	if err != nil {
		t.Fatalf("pending delivery: %v", err)
	}
	if session.Status != domain.StatusApproved {
		t.Fatalf("stale pending delivery regressed status to %s", session.Status)
	}
	// Identity extracted from the approved payload survives the partial update.
	if session.Identity.Gender != "F" || session.Identity.FirstName != "Ana" {
		t.Fatalf("partial update dropped identity fields: %+v", session.Identity)
	}

	newer := time.Now().Add(time.Hour)
	reopened := domain.DiditWebhookEvent{SessionID: "S1", Status: "In Progress", Timestamp: &newer}
	reopenedRaw, _ := json.Marshal(reopened)
	session, err = env.service.ReconcileWebhook(ctx, reopened, reopenedRaw)
	if err != nil {
		t.Fatalf("newer delivery: %v", err)
	}
	if session.Status != domain.StatusPending {
		t.Fatalf("strictly newer payload should win, got %s", session.Status)
	}
}

// When the approved row carries no provider timestamp at all, nothing counts
// as strictly newer than it: a Pending delivery with a timestamp must not
// demote it.
func TestStatusNoRegressionWithoutStoredTimestamp(t *testing.T) {
	env := newTestEnv(domain.GenderGate{})
	ctx := context.Background()

	// Approved delivery without any timestamp field.
	event, raw := approvedWebhook("S1", "F")
	if _, err := env.service.ReconcileWebhook(ctx, event, raw); err != nil {
		t.Fatalf("approved delivery: %v", err)
	}

	ts := time.Now()
	pending := domain.DiditWebhookEvent{SessionID: "S1", Status: "In Progress", Timestamp: &ts}
	pendingRaw, _ := json.Marshal(pending)
	session, err := env.service.ReconcileWebhook(ctx, pending, pendingRaw)
	if err != nil {
		t.Fatalf("pending delivery: %v", err)
	}
	if session.Status != domain.StatusApproved {
		t.Fatalf("pending delivery demoted an approved row with unknown baseline to %s", session.Status)
	}
}

// A webhook carrying only session_id and a client poll carrying only the
// email resolve to the same session once the session has been seen.
func TestCorrelationFallbackByEmail(t *testing.T) {
	env := newTestEnv(domain.GenderGate{})
	ctx := context.Background()

	if _, err := env.service.StartRegistration(ctx, domain.StartRegistrationRequest{
		Email:    "ana@example.com",
		FullName: "Ana García",
		Username: "ana_g",
	}); err != nil {
		t.Fatalf("start registration: %v", err)
	}

	event, raw := approvedWebhook("S1", "F")
	if _, err := env.service.ReconcileWebhook(ctx, event, raw); err != nil {
		t.Fatalf("reconcile webhook: %v", err)
	}

	bySession, err := env.service.ResolveSession(ctx, "S1", "")
	if err != nil {
		t.Fatalf("resolve by session id: %v", err)
	}
	byEmail, err := env.service.ResolveSession(ctx, "", "ana@example.com")
	if err != nil {
		t.Fatalf("resolve by email: %v", err)
	}
	if bySession.SessionID != byEmail.SessionID {
		t.Fatalf("correlation diverged: %s vs %s", bySession.SessionID, byEmail.SessionID)
	}

	if _, err := env.service.ResolveSession(ctx, "unknown", "nobody@example.com"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

// When the profile write keeps failing during finalization, the account is
// still returned and a linkage repair event carries the profile to the
// consumer, which lands it once the store recovers.
func TestProfileLinkageRepair(t *testing.T) {
	env := newTestEnv(domain.GenderGate{})
	ctx := context.Background()

	start, err := env.service.StartRegistration(ctx, domain.StartRegistrationRequest{
		Email:    "ana@example.com",
		FullName: "Ana García",
		Username: "ana_g",
	})
	if err != nil {
		t.Fatalf("start registration: %v", err)
	}

	event, raw := approvedWebhook("S1", "F")
	if _, err := env.service.ReconcileWebhook(ctx, event, raw); err != nil {
		t.Fatalf("reconcile webhook: %v", err)
	}

	// Both the initial write and its retry fail.
	env.accounts.FailProfileWrites = 2
	accountID, err := env.service.CompleteRegistration(ctx, start.RegistrationToken, "s3cure-password")
	if err != nil {
		t.Fatalf("completion should succeed with deferred linkage: %v", err)
	}
	if _, err := env.accounts.FindProfileByAccountID(ctx, accountID); !errors.Is(err, store.ErrProfileNotFound) {
		t.Fatalf("expected missing profile, got %v", err)
	}

	var repairPayload []byte
	for _, e := range env.publisher.events {
		if e.RoutingKey == domain.RoutingProfileLinkPending {
			repairPayload, _ = json.Marshal(e.Payload)
		}
	}
	if repairPayload == nil {
		t.Fatal("no linkage repair event published")
	}

	handler := NewLinkageEventHandler(env.accounts, env.sessions, env.publisher)
	if !handler.HandleProfileLinkPending(repairPayload) {
		t.Fatal("linkage handler should acknowledge after successful repair")
	}

	profile, err := env.accounts.FindProfileByAccountID(ctx, accountID)
	if err != nil {
		t.Fatalf("profile still missing after repair: %v", err)
	}
	if !profile.IsVerified {
		t.Fatalf("repaired profile not verified: %+v", profile)
	}
}

// The authenticated read path heals a missing profile from the linked session.
func TestGetProfileRepairsMissingRow(t *testing.T) {
	env := newTestEnv(domain.GenderGate{})
	ctx := context.Background()

	event, raw := approvedWebhook("S9", "F")
	if _, err := env.service.ReconcileWebhook(ctx, event, raw); err != nil {
		t.Fatalf("reconcile webhook: %v", err)
	}
	accountID, err := env.accounts.CreateAccount(ctx, "ana@example.com", "hash")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	// Session carries the email so the repaired profile can be rebuilt.
	if _, err := env.sessions.Upsert(ctx, domain.VerificationSession{SessionID: "S9", Status: domain.StatusApproved, Email: "ana@example.com"}); err != nil {
		t.Fatalf("record email: %v", err)
	}
	if err := env.sessions.LinkUser(ctx, "S9", accountID); err != nil {
		t.Fatalf("link user: %v", err)
	}

	profile, err := env.service.GetProfile(ctx, accountID)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if !profile.IsVerified || profile.SessionID != "S9" {
		t.Fatalf("unexpected repaired profile: %+v", profile)
	}
}

// Provider failures during session creation fail soft: no local state, no token.
func TestStartRegistrationProviderUnavailable(t *testing.T) {
	env := newTestEnv(domain.GenderGate{})
	env.provider.createErr = domain.ErrProviderUnavailable

	_, err := env.service.StartRegistration(context.Background(), domain.StartRegistrationRequest{
		Email:    "ana@example.com",
		FullName: "Ana García",
		Username: "ana_g",
	})
	if !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Fatalf("expected provider unavailable, got %v", err)
	}
	if env.sessions.SessionCount() != 0 {
		t.Fatal("partial state committed on provider failure")
	}
}
