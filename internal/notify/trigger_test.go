package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/seatwise/seatwise/internal/entitlement"
	"github.com/seatwise/seatwise/internal/entitlement/enttest"
	"github.com/stretchr/testify/require"
)

var triggerTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeDirectory struct {
	emails map[uuid.UUID][]string
}

func (d *fakeDirectory) AdminEmails(_ context.Context, orgID uuid.UUID) ([]string, error) {
	return d.emails[orgID], nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *recordingSender) SendExpiryWarning(_ context.Context, email, _ string, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, email)
}

func expiringOrg(t *testing.T, store *enttest.Store, expiresIn time.Duration) (uuid.UUID, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	engine := entitlement.NewEngineWithClock(store, 14, func() time.Time { return triggerTime })

	adminID := uuid.New()
	out, err := engine.HandlePurchaseCompleted(ctx, entitlement.PurchaseEvent{
		TransactionID: "txn-" + uuid.NewString(),
		UserID:        adminID,
		Email:         "admin@example.com",
		OrgName:       "Org " + uuid.NewString(),
		Quantity:      2,
		OccurredAt:    triggerTime.AddDate(-1, 0, 0).Add(expiresIn),
	})
	require.NoError(t, err)
	return out.Org.ID, adminID
}

func TestExpiryTriggerNotifiesAdminsOnce(t *testing.T) {
	store := enttest.New()
	orgID, _ := expiringOrg(t, store, 5*24*time.Hour)

	dir := &fakeDirectory{emails: map[uuid.UUID][]string{orgID: {"admin@example.com"}}}
	sender := &recordingSender{}
	trigger := NewExpiryTrigger(store, dir, sender, 7)

	sent, err := trigger.Run(context.Background(), triggerTime)
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.Equal(t, []string{"admin@example.com"}, sender.sent)

	// Same day, second sweep: the notification log suppresses a resend.
	sent, err = trigger.Run(context.Background(), triggerTime.Add(6*time.Hour))
	require.NoError(t, err)
	require.Zero(t, sent)
	require.Len(t, sender.sent, 1)

	// Next day it fires again while the pool is still inside the window.
	sent, err = trigger.Run(context.Background(), triggerTime.Add(24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, sent)
}

func TestExpiryTriggerSkipsPoolsOutsideWindow(t *testing.T) {
	store := enttest.New()
	orgID, _ := expiringOrg(t, store, 60*24*time.Hour)

	dir := &fakeDirectory{emails: map[uuid.UUID][]string{orgID: {"admin@example.com"}}}
	sender := &recordingSender{}
	trigger := NewExpiryTrigger(store, dir, sender, 7)

	sent, err := trigger.Run(context.Background(), triggerTime)
	require.NoError(t, err)
	require.Zero(t, sent)
	require.Empty(t, sender.sent)
}

func TestExpiryTriggerSkipsAlreadyExpired(t *testing.T) {
	store := enttest.New()
	orgID, _ := expiringOrg(t, store, -24*time.Hour)

	dir := &fakeDirectory{emails: map[uuid.UUID][]string{orgID: {"admin@example.com"}}}
	sender := &recordingSender{}
	trigger := NewExpiryTrigger(store, dir, sender, 7)

	sent, err := trigger.Run(context.Background(), triggerTime)
	require.NoError(t, err)
	require.Zero(t, sent)
}
