// Package scheduler runs the periodic reconciliation jobs: committing due
// seat changes, reclaiming orphaned personal-trial organizations, and firing
// license expiry warnings. Every job is idempotent, so overlapping or
// restarted runs converge on the same state.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seatwise/seatwise/internal/entitlement"
	"github.com/seatwise/seatwise/internal/notify"
	"github.com/seatwise/seatwise/internal/payment"
)

// Sweeper owns the cron-driven jobs.
type Sweeper struct {
	engine   *entitlement.Engine
	store    entitlement.Store
	payments payment.API
	expiry   *notify.ExpiryTrigger
	now      func() time.Time
}

func NewSweeper(engine *entitlement.Engine, store entitlement.Store, payments payment.API, expiry *notify.ExpiryTrigger) *Sweeper {
	return &Sweeper{
		engine:   engine,
		store:    store,
		payments: payments,
		expiry:   expiry,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock injects a clock for tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Report summarizes one ApplyDueChanges run.
type Report struct {
	Applied    int
	Failed     int
	Unassigned int
}

// ApplyDueChanges commits every scheduled seat change that has become due.
//
// Order matters: the provider call goes first, the local commit second. A
// failed provider call leaves the change scheduled, so the next sweep retries
// it; a crash after the provider call but before the local commit is healed
// the same way, because the provider-side quantity update is idempotent.
// One failing organization never blocks the rest of the batch.
func (s *Sweeper) ApplyDueChanges(ctx context.Context) Report {
	now := s.now()
	var report Report

	due, err := s.engine.DueScheduledChanges(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list due scheduled changes")
		report.Failed++
		return report
	}

	for _, pool := range due {
		newTotal := *pool.ScheduledTotalLicenses

		if pool.SubscriptionID != nil {
			if err := s.pushQuantity(ctx, *pool.SubscriptionID, pool.TotalLicenses, newTotal); err != nil {
				log.Error().Err(err).
					Str("org_id", pool.OrgID.String()).
					Int("new_total", newTotal).
					Msg("Provider update failed, change stays scheduled")
				report.Failed++
				continue
			}
		}

		unassigned, err := s.engine.ApplyDueChange(ctx, pool.OrgID, now)
		if err != nil {
			if errors.Is(err, entitlement.ErrNoScheduledChange) {
				// A concurrent sweep won the apply.
				continue
			}
			log.Error().Err(err).Str("org_id", pool.OrgID.String()).Msg("Failed to apply scheduled change")
			report.Failed++
			continue
		}

		report.Applied++
		report.Unassigned += len(unassigned)
		log.Info().
			Str("org_id", pool.OrgID.String()).
			Int("total_licenses", newTotal).
			Int("unassigned", len(unassigned)).
			Msg("Scheduled seat change applied")
	}

	return report
}

func (s *Sweeper) pushQuantity(ctx context.Context, subscriptionID string, oldTotal, newTotal int) error {
	if newTotal == 0 {
		return s.payments.CancelSubscription(ctx, subscriptionID)
	}
	mode := payment.FullNextBillingPeriod
	if newTotal > oldTotal {
		mode = payment.ProratedImmediately
	}
	return s.payments.UpdateSubscriptionQuantity(ctx, subscriptionID, newTotal, mode)
}

// CleanupOrphans reclaims personal-trial organizations with no active
// members.
func (s *Sweeper) CleanupOrphans(ctx context.Context) {
	deleted, err := s.engine.CleanupOrphans(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Orphan cleanup failed")
		return
	}
	if deleted > 0 {
		log.Info().Int("deleted", deleted).Msg("Orphaned personal-trial organizations removed")
	}
}

// SendExpiryWarnings fires the license expiry notifications. A sweeper
// built without an expiry trigger skips this step.
func (s *Sweeper) SendExpiryWarnings(ctx context.Context) {
	if s.expiry == nil {
		return
	}
	sent, err := s.expiry.Run(ctx, s.now())
	if err != nil {
		log.Error().Err(err).Msg("Expiry warning sweep failed")
		return
	}
	if sent > 0 {
		log.Info().Int("sent", sent).Msg("License expiry warnings sent")
	}
}

// RunDaily executes the full daily job in its fixed order.
func (s *Sweeper) RunDaily(ctx context.Context) {
	start := s.now()
	report := s.ApplyDueChanges(ctx)
	s.CleanupOrphans(ctx)
	s.SendExpiryWarnings(ctx)
	log.Info().
		Int("applied", report.Applied).
		Int("failed", report.Failed).
		Int("unassigned", report.Unassigned).
		Dur("duration", time.Since(start)).
		Msg("Daily reconciliation sweep finished")
}
