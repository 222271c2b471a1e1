/**
 * @description
 * This file implements the reconciliation poller: the fallback path used
 * when webhook delivery is delayed or lost. Given a session ID, it asks the
 * provider for the session's decision at a fixed interval until a terminal
 * outcome is observed or the attempt budget runs out.
 *
 * @notes
 * - Every poll result goes through the same upsert path the webhook uses, so
 *   an answer observed by polling and a late-arriving webhook converge on the
 *   same state.
 * - The poller is cancellable: it stops issuing requests as soon as the
 *   caller's context is torn down.
 */
package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/shebn/identity-service/internal/domain"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultMaxAttempts  = 24 // two minutes at the default interval
)

// Poller drives the poll-based reconciliation of a single session.
type Poller struct {
	service  *RegistrationService
	interval time.Duration
	maxTries int
}

// NewPoller creates a Poller with the default interval and attempt budget.
func NewPoller(service *RegistrationService) *Poller {
	return &Poller{
		service:  service,
		interval: defaultPollInterval,
		maxTries: defaultMaxAttempts,
	}
}

// ErrPollBudgetExhausted indicates the session never reached a terminal
// status within the attempt budget. Callers surface a manual "check status"
// affordance instead of failing silently.
var ErrPollBudgetExhausted = errors.New("verification did not complete within the polling budget")

// WaitForDecision polls until the session reaches a terminal status, the
// context is cancelled, or the attempt budget is exhausted.
func (p *Poller) WaitForDecision(ctx context.Context, sessionID string) (*domain.VerificationSession, error) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= p.maxTries; attempt++ {
		session, err := p.service.ReconcilePoll(ctx, sessionID)
		if err != nil {
			// Provider hiccups and not-yet-known sessions are not fatal to
			// the loop; the next tick retries.
			if !errors.Is(err, domain.ErrProviderUnavailable) && !errors.Is(err, domain.ErrSessionNotFound) {
				return nil, err
			}
			log.Printf("Poll attempt %d for session %s: %v", attempt, sessionID, err)
		} else if session.Status.IsTerminal() || session.Status == domain.StatusExpired {
			return session, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
	return nil, ErrPollBudgetExhausted
}
