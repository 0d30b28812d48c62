package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/seatwise/seatwise/internal/entitlement"
)

// ExpirySender is the mail surface the trigger needs. *Mailer satisfies it.
type ExpirySender interface {
	SendExpiryWarning(ctx context.Context, email, orgName string, expiresAt time.Time)
}

// EmailDirectory resolves the addresses that receive organization-level
// notices.
type EmailDirectory interface {
	AdminEmails(ctx context.Context, orgID uuid.UUID) ([]string, error)
}

// ExpiryTrigger sends at most one expiry warning per license pool per day.
// The notification log insert is the dedupe fence: whichever sweep claims the
// (license, kind, day) row owns sending; crashed runs re-claim nothing and
// retried sends are suppressed.
type ExpiryTrigger struct {
	store  entitlement.Store
	emails EmailDirectory
	sender ExpirySender
	window time.Duration
}

func NewExpiryTrigger(store entitlement.Store, emails EmailDirectory, sender ExpirySender, warnDays int) *ExpiryTrigger {
	return &ExpiryTrigger{
		store:  store,
		emails: emails,
		sender: sender,
		window: time.Duration(warnDays) * 24 * time.Hour,
	}
}

// Run scans for pools expiring inside the warning window and notifies their
// organization admins. Returns the number of pools for which a warning went
// out in this run.
func (t *ExpiryTrigger) Run(ctx context.Context, now time.Time) (int, error) {
	pools, err := t.store.ListPoolsExpiringWithin(ctx, now, t.window)
	if err != nil {
		return 0, err
	}

	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	sent := 0
	for _, pool := range pools {
		claimed, err := t.store.MarkNotified(ctx, pool.ID, entitlement.NotificationExpiryWarning, day)
		if err != nil {
			log.Error().Err(err).Str("org_id", pool.OrgID.String()).Msg("Failed to claim expiry notification")
			continue
		}
		if !claimed {
			continue
		}

		org, err := t.store.GetOrg(ctx, pool.OrgID)
		if err != nil {
			log.Error().Err(err).Str("org_id", pool.OrgID.String()).Msg("Failed to load organization for expiry warning")
			continue
		}
		addrs, err := t.emails.AdminEmails(ctx, org.ID)
		if err != nil {
			log.Error().Err(err).Str("org_id", pool.OrgID.String()).Msg("Failed to resolve admin emails")
			continue
		}
		for _, addr := range addrs {
			t.sender.SendExpiryWarning(ctx, addr, org.Name, *pool.ExpiresAt)
		}
		sent++
	}
	return sent, nil
}
