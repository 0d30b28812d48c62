package entitlement_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/seatwise/seatwise/internal/entitlement"
	"github.com/seatwise/seatwise/internal/entitlement/enttest"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*entitlement.Engine, *enttest.Store) {
	t.Helper()
	store := enttest.New()
	engine := entitlement.NewEngineWithClock(store, 14, func() time.Time { return testTime })
	return engine, store
}

// requireSeatInvariant asserts used_licenses equals the number of ACTIVE,
// licensed memberships.
func requireSeatInvariant(t *testing.T, store *enttest.Store, orgID uuid.UUID) {
	t.Helper()
	ctx := context.Background()

	pool, err := store.GetPool(ctx, orgID)
	require.NoError(t, err)

	members, err := store.ListMembers(ctx, orgID)
	require.NoError(t, err)

	licensed := 0
	for _, m := range members {
		if m.Status == entitlement.StatusActive && m.HasLicense {
			licensed++
		}
	}
	require.Equal(t, licensed, pool.UsedLicenses, "used_licenses must equal licensed active members")
	require.GreaterOrEqual(t, pool.UsedLicenses, 0)
	require.LessOrEqual(t, pool.UsedLicenses, pool.TotalLicenses)
}

func TestSignupDirectCreatesPersonalTrial(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	userID := uuid.New()

	org, err := engine.SignupDirect(ctx, userID, "solo@example.com", "")
	require.NoError(t, err)
	require.True(t, org.IsTrial)
	require.True(t, org.IsPersonalTrial)
	require.Equal(t, "solo@example.com", org.Name)
	require.NotNil(t, org.TrialExpiresAt)
	require.Equal(t, testTime.Add(14*24*time.Hour), *org.TrialExpiresAt)

	m, err := store.GetMembership(ctx, org.ID, userID)
	require.NoError(t, err)
	require.Equal(t, entitlement.RoleAdmin, m.Role)
	require.Equal(t, entitlement.StatusActive, m.Status)
	require.True(t, m.HasLicense)

	pool, err := store.GetPool(ctx, org.ID)
	require.NoError(t, err)
	require.Equal(t, 1, pool.TotalLicenses)
	require.Equal(t, 1, pool.UsedLicenses)
	requireSeatInvariant(t, store, org.ID)
}

func TestSignupDirectNamedOrgAndFullPoolRejection(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	founder := uuid.New()
	org, err := engine.SignupDirect(ctx, founder, "founder@example.com", "Acme")
	require.NoError(t, err)
	require.True(t, org.IsTrial)
	require.False(t, org.IsPersonalTrial)

	// The trial pool has a single seat and the founder holds it.
	joiner := uuid.New()
	_, err = engine.SignupDirect(ctx, joiner, "joiner@example.com", "Acme")
	require.ErrorIs(t, err, entitlement.ErrNoAvailableLicenses)
	requireSeatInvariant(t, store, org.ID)
}

func TestSignupDirectRejectsSecondActiveMembership(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := engine.SignupDirect(ctx, userID, "one@example.com", "First Org")
	require.NoError(t, err)

	_, err = engine.SignupDirect(ctx, userID, "one@example.com", "Second Org")
	require.ErrorIs(t, err, entitlement.ErrAlreadyActiveMember)
}

func TestConfirmFirstSignInConsumesPendingOrgOnce(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, engine.StagePendingOrg(ctx, userID, "new@example.com", "Fresh Co"))

	org, err := engine.ConfirmFirstSignIn(ctx, userID, "new@example.com")
	require.NoError(t, err)
	require.NotNil(t, org)
	require.Equal(t, "Fresh Co", org.Name)

	// Replayed sign-in finds nothing to consume.
	again, err := engine.ConfirmFirstSignIn(ctx, userID, "new@example.com")
	require.NoError(t, err)
	require.Nil(t, again)
}

// purchaseOrg provisions a paid organization with the given seat count and
// returns it with its admin.
func purchaseOrg(t *testing.T, engine *entitlement.Engine, seats int) (*entitlement.Organization, uuid.UUID) {
	t.Helper()
	adminID := uuid.New()
	out, err := engine.HandlePurchaseCompleted(context.Background(), entitlement.PurchaseEvent{
		TransactionID: "txn-" + uuid.NewString(),
		UserID:        adminID,
		Email:         "admin-" + uuid.NewString() + "@example.com",
		OrgName:       "Org " + uuid.NewString(),
		Quantity:      seats,
		OccurredAt:    testTime,
	})
	require.NoError(t, err)
	return out.Org, adminID
}

func TestPurchaseCreatesPaidOrg(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	userID := uuid.New()

	out, err := engine.HandlePurchaseCompleted(ctx, entitlement.PurchaseEvent{
		TransactionID: "txn-1",
		UserID:        userID,
		Email:         "buyer@example.com",
		OrgName:       "Buyer Co",
		Quantity:      5,
		OccurredAt:    testTime,
	})
	require.NoError(t, err)
	require.True(t, out.CreatedOrg)
	require.False(t, out.AlreadyProcessed)
	require.False(t, out.Org.IsTrial)
	require.Equal(t, 5, out.Pool.TotalLicenses)
	require.Equal(t, 1, out.Pool.UsedLicenses)
	require.NotNil(t, out.Pool.ExpiresAt)
	require.Equal(t, testTime.AddDate(1, 0, 0), *out.Pool.ExpiresAt)

	m, err := store.GetMembership(ctx, out.Org.ID, userID)
	require.NoError(t, err)
	require.Equal(t, entitlement.RoleAdmin, m.Role)
	require.True(t, m.HasLicense)
	requireSeatInvariant(t, store, out.Org.ID)
}

func TestPurchaseReplayAddsNoSeats(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	userID := uuid.New()

	ev := entitlement.PurchaseEvent{
		TransactionID: "txn-dup",
		UserID:        userID,
		Email:         "buyer@example.com",
		OrgName:       "Dup Co",
		Quantity:      3,
		OccurredAt:    testTime,
	}

	first, err := engine.HandlePurchaseCompleted(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, 3, first.Pool.TotalLicenses)

	second, err := engine.HandlePurchaseCompleted(ctx, ev)
	require.NoError(t, err)
	require.True(t, second.AlreadyProcessed)
	require.Equal(t, 3, second.Pool.TotalLicenses)
	require.Equal(t, first.Pool.UsedLicenses, second.Pool.UsedLicenses)
	requireSeatInvariant(t, store, first.Org.ID)
}

func TestPurchaseRetiresPersonalTrial(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	userID := uuid.New()

	trialOrg, err := engine.SignupDirect(ctx, userID, "solo@example.com", "")
	require.NoError(t, err)
	require.True(t, trialOrg.IsPersonalTrial)

	out, err := engine.HandlePurchaseCompleted(ctx, entitlement.PurchaseEvent{
		TransactionID: "txn-upgrade",
		UserID:        userID,
		Email:         "solo@example.com",
		OrgName:       "Solo Team",
		Quantity:      2,
		OccurredAt:    testTime,
	})
	require.NoError(t, err)
	require.True(t, out.CreatedOrg)
	require.NotEqual(t, trialOrg.ID, out.Org.ID)

	// The personal-trial organization is gone, not converted.
	_, err = store.GetOrg(ctx, trialOrg.ID)
	require.ErrorIs(t, err, entitlement.ErrOrgNotFound)
	requireSeatInvariant(t, store, out.Org.ID)
}

func TestProratedPurchaseKeepsExpiry(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	userID := uuid.New()

	first, err := engine.HandlePurchaseCompleted(ctx, entitlement.PurchaseEvent{
		TransactionID: "txn-initial",
		UserID:        userID,
		Email:         "buyer@example.com",
		OrgName:       "Grow Co",
		Quantity:      4,
		OccurredAt:    testTime,
	})
	require.NoError(t, err)
	originalExpiry := *first.Pool.ExpiresAt

	later := testTime.Add(90 * 24 * time.Hour)
	second, err := engine.HandlePurchaseCompleted(ctx, entitlement.PurchaseEvent{
		TransactionID:  "txn-addon",
		UserID:         userID,
		OrganizationID: &first.Org.ID,
		Quantity:       2,
		Prorated:       true,
		OccurredAt:     later,
	})
	require.NoError(t, err)
	require.Equal(t, 6, second.Pool.TotalLicenses)
	require.Equal(t, originalExpiry, *second.Pool.ExpiresAt, "prorated purchase must not move the renewal date")
	requireSeatInvariant(t, store, first.Org.ID)
}

func TestNonProratedPurchaseExtendsExpiry(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	org, adminID := purchaseOrg(t, engine, 4)

	later := testTime.AddDate(1, 0, -10)
	out, err := engine.HandlePurchaseCompleted(ctx, entitlement.PurchaseEvent{
		TransactionID:  "txn-renewal",
		UserID:         adminID,
		OrganizationID: &org.ID,
		Quantity:       4,
		OccurredAt:     later,
	})
	require.NoError(t, err)
	require.Equal(t, later.AddDate(1, 0, 0), *out.Pool.ExpiresAt)
}

func TestInviteRoundTrip(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	org, adminID := purchaseOrg(t, engine, 3)

	m, plain, err := engine.IssueInvitation(ctx, org.ID, adminID, "newhire@example.com", entitlement.RoleMember)
	require.NoError(t, err)
	require.Equal(t, entitlement.StatusPending, m.Status)
	require.NotEmpty(t, plain)

	invitee := uuid.New()
	activated, err := engine.RedeemInvitation(ctx, plain, invitee, "newhire@example.com")
	require.NoError(t, err)
	require.Equal(t, entitlement.StatusActive, activated.Status)
	require.True(t, activated.HasLicense)
	require.Nil(t, activated.InviteExpiresAt)
	require.NotNil(t, activated.InviteTokenHash)

	// The consumed token keeps resolving to the membership: a replay of the
	// same redemption reports the invitation as used, not unknown.
	_, err = engine.RedeemInvitation(ctx, plain, invitee, "newhire@example.com")
	require.ErrorIs(t, err, entitlement.ErrInviteAlreadyUsed)

	pool, err := store.GetPool(ctx, org.ID)
	require.NoError(t, err)
	require.Equal(t, 2, pool.UsedLicenses)
	requireSeatInvariant(t, store, org.ID)
}

func TestInviteDoubleRedeemSingleWinner(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	org, adminID := purchaseOrg(t, engine, 3)

	_, plain, err := engine.IssueInvitation(ctx, org.ID, adminID, "newhire@example.com", entitlement.RoleMember)
	require.NoError(t, err)

	_, err = engine.RedeemInvitation(ctx, plain, uuid.New(), "newhire@example.com")
	require.NoError(t, err)

	_, err = engine.RedeemInvitation(ctx, plain, uuid.New(), "newhire@example.com")
	require.ErrorIs(t, err, entitlement.ErrInviteAlreadyUsed)
}

func TestInviteRedeemFullPoolLeavesTokenUnredeemed(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	org, adminID := purchaseOrg(t, engine, 1)

	m, plain, err := engine.IssueInvitation(ctx, org.ID, adminID, "late@example.com", entitlement.RoleMember)
	require.NoError(t, err)

	_, err = engine.RedeemInvitation(ctx, plain, uuid.New(), "late@example.com")
	require.ErrorIs(t, err, entitlement.ErrNoAvailableLicenses)

	// Token and membership untouched: redeemable again once a seat frees up.
	pending, err := store.GetMembershipByInviteHash(ctx, *m.InviteTokenHash)
	require.NoError(t, err)
	require.Equal(t, entitlement.StatusPending, pending.Status)
	requireSeatInvariant(t, store, org.ID)
}

func TestInviteEmailMismatch(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	org, adminID := purchaseOrg(t, engine, 3)

	_, plain, err := engine.IssueInvitation(ctx, org.ID, adminID, "right@example.com", entitlement.RoleMember)
	require.NoError(t, err)

	_, err = engine.RedeemInvitation(ctx, plain, uuid.New(), "wrong@example.com")
	require.ErrorIs(t, err, entitlement.ErrInviteEmailMismatch)
}

func TestInviteExpired(t *testing.T) {
	store := enttest.New()
	clock := testTime
	engine := entitlement.NewEngineWithClock(store, 14, func() time.Time { return clock })
	ctx := context.Background()

	adminID := uuid.New()
	out, err := engine.HandlePurchaseCompleted(ctx, entitlement.PurchaseEvent{
		TransactionID: "txn-exp",
		UserID:        adminID,
		Email:         "admin@example.com",
		OrgName:       "Exp Co",
		Quantity:      3,
		OccurredAt:    testTime,
	})
	require.NoError(t, err)

	_, plain, err := engine.IssueInvitation(ctx, out.Org.ID, adminID, "slow@example.com", entitlement.RoleMember)
	require.NoError(t, err)

	clock = testTime.Add(8 * 24 * time.Hour)
	_, err = engine.RedeemInvitation(ctx, plain, uuid.New(), "slow@example.com")
	require.ErrorIs(t, err, entitlement.ErrInviteExpired)
}

func TestInviteRequiresAdmin(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	org, adminID := purchaseOrg(t, engine, 3)

	_, plain, err := engine.IssueInvitation(ctx, org.ID, adminID, "member@example.com", entitlement.RoleMember)
	require.NoError(t, err)
	memberID := uuid.New()
	_, err = engine.RedeemInvitation(ctx, plain, memberID, "member@example.com")
	require.NoError(t, err)

	_, _, err = engine.IssueInvitation(ctx, org.ID, memberID, "another@example.com", entitlement.RoleMember)
	require.ErrorIs(t, err, entitlement.ErrNotAdmin)
}

func TestRevokeInvite(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	org, adminID := purchaseOrg(t, engine, 3)

	m, plain, err := engine.IssueInvitation(ctx, org.ID, adminID, "gone@example.com", entitlement.RoleMember)
	require.NoError(t, err)

	require.NoError(t, engine.RevokeInvitation(ctx, org.ID, adminID, m.ID))

	_, err = engine.RedeemInvitation(ctx, plain, uuid.New(), "gone@example.com")
	require.ErrorIs(t, err, entitlement.ErrInviteNotFound)

	// Revoking again reports the invite as gone.
	err = engine.RevokeInvitation(ctx, org.ID, adminID, m.ID)
	require.ErrorIs(t, err, entitlement.ErrInviteNotFound)
}

func TestRemoveMemberReleasesSeat(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	org, adminID := purchaseOrg(t, engine, 3)

	_, plain, err := engine.IssueInvitation(ctx, org.ID, adminID, "member@example.com", entitlement.RoleMember)
	require.NoError(t, err)
	memberID := uuid.New()
	_, err = engine.RedeemInvitation(ctx, plain, memberID, "member@example.com")
	require.NoError(t, err)

	require.NoError(t, engine.RemoveMember(ctx, org.ID, adminID, memberID))

	m, err := store.GetMembership(ctx, org.ID, memberID)
	require.NoError(t, err)
	require.Equal(t, entitlement.StatusInactive, m.Status)
	require.False(t, m.HasLicense)

	pool, err := store.GetPool(ctx, org.ID)
	require.NoError(t, err)
	require.Equal(t, 1, pool.UsedLicenses)
	requireSeatInvariant(t, store, org.ID)

	// Removing an already-inactive member changes nothing.
	require.NoError(t, engine.RemoveMember(ctx, org.ID, adminID, memberID))
	requireSeatInvariant(t, store, org.ID)
}

func TestRemoveOwnerRejected(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	org, adminID := purchaseOrg(t, engine, 3)

	err := engine.RemoveMember(ctx, org.ID, adminID, adminID)
	require.ErrorIs(t, err, entitlement.ErrCannotRemoveOwner)
}

func TestReactivateMember(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	org, adminID := purchaseOrg(t, engine, 3)

	_, plain, err := engine.IssueInvitation(ctx, org.ID, adminID, "member@example.com", entitlement.RoleMember)
	require.NoError(t, err)
	memberID := uuid.New()
	_, err = engine.RedeemInvitation(ctx, plain, memberID, "member@example.com")
	require.NoError(t, err)
	require.NoError(t, engine.RemoveMember(ctx, org.ID, adminID, memberID))

	require.NoError(t, engine.ReactivateMember(ctx, org.ID, adminID, memberID))

	m, err := store.GetMembership(ctx, org.ID, memberID)
	require.NoError(t, err)
	require.Equal(t, entitlement.StatusActive, m.Status)
	require.True(t, m.HasLicense)
	requireSeatInvariant(t, store, org.ID)

	// Already active.
	err = engine.ReactivateMember(ctx, org.ID, adminID, memberID)
	require.ErrorIs(t, err, entitlement.ErrMemberNotInactive)
}

func TestReactivateRejectedOnTrialOrg(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	founder := uuid.New()
	org, err := engine.SignupDirect(ctx, founder, "founder@example.com", "Trial Co")
	require.NoError(t, err)

	err = engine.ReactivateMember(ctx, org.ID, founder, uuid.New())
	require.ErrorIs(t, err, entitlement.ErrTrialOrg)
}

func TestScheduledReductionUnassignsNewestNonAdmins(t *testing.T) {
	store := enttest.New()
	clock := testTime
	engine := entitlement.NewEngineWithClock(store, 14, func() time.Time { return clock })
	ctx := context.Background()

	adminID := uuid.New()
	out, err := engine.HandlePurchaseCompleted(ctx, entitlement.PurchaseEvent{
		TransactionID: "txn-sched",
		UserID:        adminID,
		Email:         "admin@example.com",
		OrgName:       "Shrink Co",
		Quantity:      4,
		OccurredAt:    testTime,
	})
	require.NoError(t, err)
	org := out.Org

	seat := func(email string) uuid.UUID {
		clock = clock.Add(time.Hour)
		_, plain, err := engine.IssueInvitation(ctx, org.ID, adminID, email, entitlement.RoleMember)
		require.NoError(t, err)
		uid := uuid.New()
		_, err = engine.RedeemInvitation(ctx, plain, uid, email)
		require.NoError(t, err)
		return uid
	}
	oldest := seat("oldest@example.com")
	newest := seat("newest@example.com")

	effective := clock.Add(time.Hour)
	require.NoError(t, engine.ScheduleSeatChange(ctx, org.ID, adminID, 2, effective, ""))

	unassigned, err := engine.ApplyDueChange(ctx, org.ID, effective)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{newest}, unassigned, "newest regular member loses the seat first")

	kept, err := store.GetMembership(ctx, org.ID, oldest)
	require.NoError(t, err)
	require.True(t, kept.HasLicense)
	requireSeatInvariant(t, store, org.ID)
}

func TestScheduleSameQuantityRejected(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	org, adminID := purchaseOrg(t, engine, 4)

	err := engine.ScheduleSeatChange(ctx, org.ID, adminID, 4, testTime.Add(24*time.Hour), "")
	require.ErrorIs(t, err, entitlement.ErrSameQuantity)
}

func TestScheduledChangeRoundTrip(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	org, adminID := purchaseOrg(t, engine, 4)

	effective := testTime.Add(24 * time.Hour)
	require.NoError(t, engine.ScheduleSeatChange(ctx, org.ID, adminID, 2, effective, "downgrade"))

	// Not due yet.
	due, err := engine.DueScheduledChanges(ctx, testTime)
	require.NoError(t, err)
	require.Empty(t, due)

	due, err = engine.DueScheduledChanges(ctx, effective)
	require.NoError(t, err)
	require.Len(t, due, 1)

	_, err = engine.ApplyDueChange(ctx, org.ID, effective)
	require.NoError(t, err)

	pool, err := store.GetPool(ctx, org.ID)
	require.NoError(t, err)
	require.Equal(t, 2, pool.TotalLicenses)
	require.Nil(t, pool.ScheduledTotalLicenses)
	require.Nil(t, pool.ScheduledChangeAt)
	requireSeatInvariant(t, store, org.ID)

	// A second apply sees nothing due.
	_, err = engine.ApplyDueChange(ctx, org.ID, effective)
	require.ErrorIs(t, err, entitlement.ErrNoScheduledChange)
}

func TestScheduledReductionBelowOccupancy(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	org, adminID := purchaseOrg(t, engine, 4)

	// Seat two more members.
	var memberIDs []uuid.UUID
	for _, email := range []string{"m1@example.com", "m2@example.com"} {
		_, plain, err := engine.IssueInvitation(ctx, org.ID, adminID, email, entitlement.RoleMember)
		require.NoError(t, err)
		uid := uuid.New()
		_, err = engine.RedeemInvitation(ctx, plain, uid, email)
		require.NoError(t, err)
		memberIDs = append(memberIDs, uid)
	}

	effective := testTime.Add(time.Hour)
	require.NoError(t, engine.ScheduleSeatChange(ctx, org.ID, adminID, 1, effective, ""))

	unassigned, err := engine.ApplyDueChange(ctx, org.ID, effective)
	require.NoError(t, err)
	require.Len(t, unassigned, 2, "both regular members lose their seats, the owner keeps theirs")
	require.ElementsMatch(t, memberIDs, unassigned)

	pool, err := store.GetPool(ctx, org.ID)
	require.NoError(t, err)
	require.Equal(t, 1, pool.TotalLicenses)
	require.Equal(t, 1, pool.UsedLicenses)

	// Unassigned members stay active, just without a seat.
	for _, uid := range memberIDs {
		m, err := store.GetMembership(ctx, org.ID, uid)
		require.NoError(t, err)
		require.Equal(t, entitlement.StatusActive, m.Status)
		require.False(t, m.HasLicense)
	}
	requireSeatInvariant(t, store, org.ID)

	owner, err := store.GetMembership(ctx, org.ID, adminID)
	require.NoError(t, err)
	require.True(t, owner.HasLicense)
}

func TestCleanupOrphansReclaimsAbandonedPersonalTrials(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	userID := uuid.New()

	trialOrg, err := engine.SignupDirect(ctx, userID, "solo@example.com", "")
	require.NoError(t, err)

	// Simulate the crash window: the membership was retired but the org
	// delete never ran.
	_, err = store.DeactivateMembership(ctx, trialOrg.ID, userID, testTime)
	require.NoError(t, err)

	deleted, err := engine.CleanupOrphans(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	_, err = store.GetOrg(ctx, trialOrg.ID)
	require.ErrorIs(t, err, entitlement.ErrOrgNotFound)

	// A second sweep finds nothing.
	deleted, err = engine.CleanupOrphans(ctx)
	require.NoError(t, err)
	require.Zero(t, deleted)
}

func TestCleanupLeavesOccupiedOrgsAlone(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	org, err := engine.SignupDirect(ctx, uuid.New(), "solo@example.com", "")
	require.NoError(t, err)

	deleted, err := engine.CleanupOrphans(ctx)
	require.NoError(t, err)
	require.Zero(t, deleted)

	_, err = store.GetOrg(ctx, org.ID)
	require.NoError(t, err)
}

func TestPurchaseValidation(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.HandlePurchaseCompleted(ctx, entitlement.PurchaseEvent{
		UserID:   uuid.New(),
		Quantity: 1,
	})
	require.ErrorIs(t, err, entitlement.ErrInvalidArgument)

	_, err = engine.HandlePurchaseCompleted(ctx, entitlement.PurchaseEvent{
		TransactionID: "txn-x",
		Quantity:      1,
	})
	require.ErrorIs(t, err, entitlement.ErrInvalidArgument)

	_, err = engine.HandlePurchaseCompleted(ctx, entitlement.PurchaseEvent{
		TransactionID: "txn-x",
		UserID:        uuid.New(),
		Quantity:      0,
	})
	require.ErrorIs(t, err, entitlement.ErrInvalidArgument)
}
