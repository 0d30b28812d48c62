package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/seatwise/seatwise/internal/entitlement"
	"github.com/seatwise/seatwise/internal/entitlement/enttest"
	"github.com/seatwise/seatwise/internal/payment"
	"github.com/stretchr/testify/require"
)

var sweepTime = time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)

type fakePayments struct {
	mu       sync.Mutex
	updates  map[string]int
	canceled []string
	fail     bool
}

func newFakePayments() *fakePayments {
	return &fakePayments{updates: make(map[string]int)}
}

func (f *fakePayments) GetSubscription(_ context.Context, id string) (*payment.Subscription, error) {
	return &payment.Subscription{ID: id, Status: "active"}, nil
}

func (f *fakePayments) UpdateSubscriptionQuantity(_ context.Context, id string, quantity int, _ payment.ProrationMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("provider unavailable")
	}
	f.updates[id] = quantity
	return nil
}

func (f *fakePayments) CancelSubscription(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("provider unavailable")
	}
	f.canceled = append(f.canceled, id)
	return nil
}

func newSweepFixture(t *testing.T) (*Sweeper, *entitlement.Engine, *enttest.Store, *fakePayments) {
	t.Helper()
	store := enttest.New()
	engine := entitlement.NewEngineWithClock(store, 14, func() time.Time { return sweepTime })
	payments := newFakePayments()
	sweeper := NewSweeper(engine, store, payments, nil).WithClock(func() time.Time { return sweepTime })
	return sweeper, engine, store, payments
}

func paidOrg(t *testing.T, engine *entitlement.Engine, seats int, subscriptionID string) (uuid.UUID, uuid.UUID) {
	t.Helper()
	adminID := uuid.New()
	out, err := engine.HandlePurchaseCompleted(context.Background(), entitlement.PurchaseEvent{
		TransactionID:  "txn-" + uuid.NewString(),
		SubscriptionID: subscriptionID,
		UserID:         adminID,
		Email:          "admin@example.com",
		OrgName:        "Org " + uuid.NewString(),
		Quantity:       seats,
		OccurredAt:     sweepTime.Add(-24 * time.Hour),
	})
	require.NoError(t, err)
	return out.Org.ID, adminID
}

func TestSweepAppliesDueChange(t *testing.T) {
	sweeper, engine, store, payments := newSweepFixture(t)
	ctx := context.Background()
	orgID, adminID := paidOrg(t, engine, 4, "sub-1")

	require.NoError(t, engine.ScheduleSeatChange(ctx, orgID, adminID, 6, sweepTime.Add(-time.Hour), "upgrade"))

	report := sweeper.ApplyDueChanges(ctx)
	require.Equal(t, 1, report.Applied)
	require.Zero(t, report.Failed)

	pool, err := store.GetPool(ctx, orgID)
	require.NoError(t, err)
	require.Equal(t, 6, pool.TotalLicenses)
	require.Nil(t, pool.ScheduledTotalLicenses)
	require.Equal(t, 6, payments.updates["sub-1"])
}

func TestSweepSkipsFutureChanges(t *testing.T) {
	sweeper, engine, store, _ := newSweepFixture(t)
	ctx := context.Background()
	orgID, adminID := paidOrg(t, engine, 4, "sub-1")

	require.NoError(t, engine.ScheduleSeatChange(ctx, orgID, adminID, 6, sweepTime.Add(time.Hour), ""))

	report := sweeper.ApplyDueChanges(ctx)
	require.Zero(t, report.Applied)

	pool, err := store.GetPool(ctx, orgID)
	require.NoError(t, err)
	require.Equal(t, 4, pool.TotalLicenses)
	require.NotNil(t, pool.ScheduledTotalLicenses)
}

func TestSweepProviderFailureLeavesChangeScheduled(t *testing.T) {
	sweeper, engine, store, payments := newSweepFixture(t)
	ctx := context.Background()
	orgID, adminID := paidOrg(t, engine, 4, "sub-1")

	require.NoError(t, engine.ScheduleSeatChange(ctx, orgID, adminID, 2, sweepTime.Add(-time.Hour), ""))

	payments.fail = true
	report := sweeper.ApplyDueChanges(ctx)
	require.Zero(t, report.Applied)
	require.Equal(t, 1, report.Failed)

	// Local state untouched; the next sweep retries.
	pool, err := store.GetPool(ctx, orgID)
	require.NoError(t, err)
	require.Equal(t, 4, pool.TotalLicenses)
	require.NotNil(t, pool.ScheduledTotalLicenses)

	payments.fail = false
	report = sweeper.ApplyDueChanges(ctx)
	require.Equal(t, 1, report.Applied)

	pool, err = store.GetPool(ctx, orgID)
	require.NoError(t, err)
	require.Equal(t, 2, pool.TotalLicenses)
}

func TestSweepFailureIsolation(t *testing.T) {
	sweeper, engine, store, _ := newSweepFixture(t)
	ctx := context.Background()

	// One org with a provider subscription that will fail, one without.
	failingOrg, failingAdmin := paidOrg(t, engine, 4, "sub-fail")
	okOrg, okAdmin := paidOrg(t, engine, 4, "")

	require.NoError(t, engine.ScheduleSeatChange(ctx, failingOrg, failingAdmin, 2, sweepTime.Add(-time.Hour), ""))
	require.NoError(t, engine.ScheduleSeatChange(ctx, okOrg, okAdmin, 5, sweepTime.Add(-time.Hour), ""))

	sweeper.payments.(*fakePayments).fail = true
	report := sweeper.ApplyDueChanges(ctx)
	require.Equal(t, 1, report.Applied, "the healthy org still gets its change")
	require.Equal(t, 1, report.Failed)

	pool, err := store.GetPool(ctx, okOrg)
	require.NoError(t, err)
	require.Equal(t, 5, pool.TotalLicenses)
}

func TestSweepCancelsSubscriptionOnZeroSeats(t *testing.T) {
	sweeper, engine, _, payments := newSweepFixture(t)
	ctx := context.Background()
	orgID, adminID := paidOrg(t, engine, 3, "sub-end")

	require.NoError(t, engine.ScheduleSeatChange(ctx, orgID, adminID, 0, sweepTime.Add(-time.Hour), "churn"))

	report := sweeper.ApplyDueChanges(ctx)
	require.Equal(t, 1, report.Applied)
	require.Equal(t, []string{"sub-end"}, payments.canceled)
}

func TestSweepReportsUnassignedMembers(t *testing.T) {
	sweeper, engine, store, _ := newSweepFixture(t)
	ctx := context.Background()
	orgID, adminID := paidOrg(t, engine, 3, "")

	_, plain, err := engine.IssueInvitation(ctx, orgID, adminID, "member@example.com", entitlement.RoleMember)
	require.NoError(t, err)
	_, err = engine.RedeemInvitation(ctx, plain, uuid.New(), "member@example.com")
	require.NoError(t, err)

	require.NoError(t, engine.ScheduleSeatChange(ctx, orgID, adminID, 1, sweepTime.Add(-time.Hour), ""))

	report := sweeper.ApplyDueChanges(ctx)
	require.Equal(t, 1, report.Applied)
	require.Equal(t, 1, report.Unassigned)

	pool, err := store.GetPool(ctx, orgID)
	require.NoError(t, err)
	require.Equal(t, 1, pool.TotalLicenses)
	require.Equal(t, 1, pool.UsedLicenses)
}

func TestSweepCleanupOrphans(t *testing.T) {
	sweeper, engine, store, _ := newSweepFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	trialOrg, err := engine.SignupDirect(ctx, userID, "solo@example.com", "")
	require.NoError(t, err)
	_, err = store.DeactivateMembership(ctx, trialOrg.ID, userID, sweepTime)
	require.NoError(t, err)

	sweeper.CleanupOrphans(ctx)

	_, err = store.GetOrg(ctx, trialOrg.ID)
	require.ErrorIs(t, err, entitlement.ErrOrgNotFound)
}
