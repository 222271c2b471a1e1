/**
 * @description
 * Cron-scheduled reconciliation sweep. Sessions whose webhook never arrived
 * (or arrived while the service was down) sit in a non-terminal status; the
 * sweep polls the provider for each of them through the same upsert path the
 * webhook uses.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shebn/identity-service/internal/domain"
	"github.com/shebn/identity-service/internal/store"
)

const (
	staleAfterMinutes = 5
	sweepBatchSize    = 50
	sweepTimeout      = 2 * time.Minute
)

// Reconciler runs the stale-session sweep on a cron schedule.
type Reconciler struct {
	service  *RegistrationService
	sessions store.VerificationRepository
	logger   *slog.Logger
	cron     *cron.Cron
	schedule string
}

// NewReconciler creates a Reconciler for the given cron schedule expression.
func NewReconciler(service *RegistrationService, sessions store.VerificationRepository, logger *slog.Logger, schedule string) *Reconciler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Reconciler{
		service:  service,
		sessions: sessions,
		logger:   logger,
		cron:     c,
		schedule: schedule,
	}
}

// Start registers the sweep job and starts the cron scheduler.
func (r *Reconciler) Start() {
	if _, err := r.cron.AddFunc(r.schedule, r.SweepStaleSessions); err != nil {
		r.logger.Error("failed to schedule reconciliation sweep", "error", err)
		return
	}
	r.logger.Info("scheduled reconciliation sweep", "schedule", r.schedule)
	r.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (r *Reconciler) Stop() context.Context {
	return r.cron.Stop()
}

// SweepStaleSessions polls the provider for every session stuck in a
// non-terminal status for longer than the staleness threshold.
func (r *Reconciler) SweepStaleSessions() {
	r.logger.Info("starting stale session sweep")
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	stale, err := r.sessions.FindStalePending(ctx, staleAfterMinutes, sweepBatchSize)
	if err != nil {
		r.logger.Error("failed to list stale sessions", "error", err)
		return
	}
	if len(stale) == 0 {
		r.logger.Info("stale session sweep finished", "reconciled", 0)
		return
	}

	reconciled := 0
	for _, session := range stale {
		updated, err := r.service.ReconcilePoll(ctx, session.SessionID)
		if err != nil {
			if errors.Is(err, domain.ErrProviderUnavailable) {
				// No point hammering the provider while it is down.
				r.logger.Warn("provider unavailable during sweep, aborting", "session_id", session.SessionID)
				return
			}
			r.logger.Error("failed to reconcile session", "session_id", session.SessionID, "error", err)
			continue
		}
		if updated.Status != session.Status {
			reconciled++
			r.logger.Info("session reconciled by sweep",
				"session_id", session.SessionID,
				"from", string(session.Status),
				"to", string(updated.Status))
		}
	}
	r.logger.Info("stale session sweep finished", "reconciled", reconciled, "examined", len(stale))
}
