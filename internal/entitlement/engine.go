package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/seatwise/seatwise/internal/token"
	"github.com/seatwise/seatwise/internal/validation"
)

// Engine is the reconciliation state machine. Every entry point that can move
// a membership or a seat counter funnels through here; the engine is the sole
// writer of Membership.status, Membership.has_license and the pool counters.
//
// Every operation is safe to execute twice for the same external event: each
// mutation is conditional on its precondition still holding in the store.
type Engine struct {
	store       Store
	trialPeriod time.Duration
	now         func() time.Time
}

// NewEngine creates a reconciliation engine.
func NewEngine(store Store, trialDays int) *Engine {
	return &Engine{
		store:       store,
		trialPeriod: time.Duration(trialDays) * 24 * time.Hour,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// NewEngineWithClock is NewEngine with an injected clock for tests.
func NewEngineWithClock(store Store, trialDays int, now func() time.Time) *Engine {
	e := NewEngine(store, trialDays)
	e.now = now
	return e
}

// SignupDirect handles a confirmed signup that carries no invitation token.
// The organization is found or created by name; an empty name yields a
// personal-trial organization standing in for "no organization yet".
//
// Creating a brand-new organization seats the founder on the implicit first
// seat. Joining an existing organization takes a free seat and fails with
// ErrNoAvailableLicenses when the pool is full.
func (e *Engine) SignupDirect(ctx context.Context, userID uuid.UUID, email, orgName string) (*Organization, error) {
	if err := e.requireNoActiveMembership(ctx, userID); err != nil {
		return nil, err
	}
	return e.findOrCreateOrgForUser(ctx, userID, email, orgName)
}

// ConfirmFirstSignIn consumes the user's PendingOrganization staging row on
// their first confirmed sign-in. Returns (nil, nil) when there is nothing to
// consume, which makes the operation a replay-safe no-op.
func (e *Engine) ConfirmFirstSignIn(ctx context.Context, userID uuid.UUID, email string) (*Organization, error) {
	pending, err := e.store.GetPendingOrgByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return nil, nil
	}

	org, err := e.findOrCreateOrgForUser(ctx, userID, email, pending.OrgName)
	if err != nil {
		return nil, err
	}

	// Delete-and-treat-missing-as-success keeps a retried sign-in from
	// consuming the row twice.
	if _, err := e.store.DeletePendingOrg(ctx, pending.ID); err != nil {
		return nil, fmt.Errorf("failed to consume pending organization: %w", err)
	}

	return org, nil
}

// IssueInvitation creates a PENDING membership carrying a hashed single-use
// token and returns the plaintext exactly once, for delivery by email. Only
// organization admins may invite. A previous open invitation for the same
// address is superseded.
func (e *Engine) IssueInvitation(ctx context.Context, orgID, actorUserID uuid.UUID, email string, role Role) (*Membership, string, error) {
	if !role.IsValid() {
		return nil, "", fmt.Errorf("%w: unknown role %q", ErrInvalidArgument, role)
	}
	email, err := validation.NormalizeEmail(email)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err := e.requireAdmin(ctx, orgID, actorUserID); err != nil {
		return nil, "", err
	}

	plain, hash, err := token.Generate()
	if err != nil {
		return nil, "", err
	}

	now := e.now()
	expiresAt := now.Add(token.PurposeInvitation.TTL())
	m := &Membership{
		ID:              uuid.New(),
		OrgID:           orgID,
		Role:            role,
		Status:          StatusPending,
		InviteEmail:     &email,
		InviteTokenHash: &hash,
		InviteSentAt:    &now,
		InviteExpiresAt: &expiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.CreatePendingInvite(ctx, m); err != nil {
		return nil, "", err
	}

	log.Info().
		Str("org_id", orgID.String()).
		Str("membership_id", m.ID.String()).
		Str("role", string(role)).
		Msg("Invitation issued")

	return m, plain, nil
}

// RedeemInvitation consumes an invitation token and activates the membership,
// occupying a seat. Concurrent redemptions of the same token race on the
// PENDING-status gate inside the store: exactly one wins, the rest observe
// ErrInviteAlreadyUsed. A full pool rejects with ErrNoAvailableLicenses and
// leaves both token and membership untouched.
func (e *Engine) RedeemInvitation(ctx context.Context, plainToken string, userID uuid.UUID, email string) (*Membership, error) {
	if !token.ValidateFormat(plainToken) {
		return nil, ErrInviteNotFound
	}

	m, err := e.store.GetMembershipByInviteHash(ctx, token.Hash(plainToken))
	if err != nil {
		return nil, err
	}
	if m.Status != StatusPending {
		return nil, ErrInviteAlreadyUsed
	}
	if m.InviteExpiresAt == nil || !m.InviteExpiresAt.After(e.now()) {
		return nil, ErrInviteExpired
	}
	if m.InviteEmail == nil || !strings.EqualFold(*m.InviteEmail, email) {
		return nil, ErrInviteEmailMismatch
	}
	if err := e.requireNoActiveMembership(ctx, userID); err != nil {
		return nil, err
	}

	if err := e.store.ActivateInvitedMembership(ctx, m.ID, userID, e.now()); err != nil {
		return nil, err
	}

	e.retirePersonalTrialOrg(ctx, userID, m.OrgID)

	return e.store.GetMembership(ctx, m.OrgID, userID)
}

// RevokeInvitation withdraws an unredeemed invitation. Admins only; a
// redeemed or unknown invitation yields ErrInviteNotFound.
func (e *Engine) RevokeInvitation(ctx context.Context, orgID, actorUserID, membershipID uuid.UUID) error {
	if err := e.requireAdmin(ctx, orgID, actorUserID); err != nil {
		return err
	}
	revoked, err := e.store.RevokePendingInvite(ctx, orgID, membershipID)
	if err != nil {
		return err
	}
	if !revoked {
		return ErrInviteNotFound
	}
	return nil
}

// RemoveMember marks the target membership INACTIVE and releases its seat.
// The membership row is kept for audit; the organization owner cannot be
// removed. Removing an already-inactive member is a no-op.
func (e *Engine) RemoveMember(ctx context.Context, orgID, actorUserID, targetUserID uuid.UUID) error {
	if err := e.requireAdmin(ctx, orgID, actorUserID); err != nil {
		return err
	}

	org, err := e.store.GetOrg(ctx, orgID)
	if err != nil {
		return err
	}
	if org.OwnerUserID == targetUserID {
		return ErrCannotRemoveOwner
	}

	m, err := e.store.DeactivateMembership(ctx, orgID, targetUserID, e.now())
	if err != nil {
		return err
	}

	log.Info().
		Str("org_id", orgID.String()).
		Str("user_id", targetUserID.String()).
		Str("previous_status", string(m.Status)).
		Msg("Member removed")

	return nil
}

// ReactivateMember flips an INACTIVE membership back to ACTIVE and licensed,
// taking a free seat. Not available while the organization is on trial.
func (e *Engine) ReactivateMember(ctx context.Context, orgID, actorUserID, targetUserID uuid.UUID) error {
	if err := e.requireAdmin(ctx, orgID, actorUserID); err != nil {
		return err
	}

	org, err := e.store.GetOrg(ctx, orgID)
	if err != nil {
		return err
	}
	if org.IsTrial {
		return ErrTrialOrg
	}

	return e.store.ReactivateMembership(ctx, orgID, targetUserID, e.now())
}

// PurchaseEvent is a validated "purchase completed" callback from the payment
// provider.
type PurchaseEvent struct {
	TransactionID  string
	SubscriptionID string
	UserID         uuid.UUID
	Email          string
	OrganizationID *uuid.UUID
	OrgName        string
	Quantity       int
	Prorated       bool
	OccurredAt     time.Time
}

// PurchaseOutcome reports what a purchase callback did.
type PurchaseOutcome struct {
	Org              *Organization
	Pool             *LicensePool
	CreatedOrg       bool
	AlreadyProcessed bool
}

// HandlePurchaseCompleted applies a purchase callback. Target resolution:
// explicit organization id, else the purchaser's existing active membership in
// a real organization, else a new paid organization. The renewal record's
// unique transaction id fences replays: a duplicate delivery adds no seats.
// Every other step is an idempotent upsert, so a crash-and-retry converges on
// the same state.
//
// Expiry rule: a prorated purchase (mid-cycle seat addition) leaves the pool's
// expiry untouched so all seats renew together; any other purchase sets it to
// one year after the event time.
func (e *Engine) HandlePurchaseCompleted(ctx context.Context, ev PurchaseEvent) (*PurchaseOutcome, error) {
	if ev.TransactionID == "" {
		return nil, fmt.Errorf("%w: missing transaction id", ErrInvalidArgument)
	}
	if ev.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidArgument)
	}
	if ev.Quantity < 1 {
		return nil, fmt.Errorf("%w: quantity must be at least 1", ErrInvalidArgument)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = e.now()
	}

	org, createdOrg, err := e.resolvePurchaseTarget(ctx, ev)
	if err != nil {
		return nil, err
	}

	pool, err := e.store.GetPool(ctx, org.ID)
	if errors.Is(err, ErrPoolNotFound) {
		pool = &LicensePool{
			ID:    uuid.New(),
			OrgID: org.ID,
		}
		if err := e.store.CreatePool(ctx, pool); err != nil {
			if !errors.Is(err, ErrPoolExists) {
				return nil, err
			}
			// Lost the creation race; the concurrent callback's pool wins.
			pool, err = e.store.GetPool(ctx, org.ID)
			if err != nil {
				return nil, err
			}
		}
	} else if err != nil {
		return nil, err
	}

	var setExpiresAt *time.Time
	if !ev.Prorated || pool.ExpiresAt == nil {
		t := ev.OccurredAt.AddDate(1, 0, 0)
		setExpiresAt = &t
	}

	rec := &RenewalRecord{
		ID:            uuid.New(),
		OrgID:         org.ID,
		TransactionID: ev.TransactionID,
		Quantity:      ev.Quantity,
		Prorated:      ev.Prorated,
		ExpiresAt:     setExpiresAt,
		ProcessedAt:   e.now(),
	}

	alreadyProcessed := false
	if err := e.store.InsertRenewalAndAddLicenses(ctx, rec, setExpiresAt); err != nil {
		if !errors.Is(err, ErrAlreadyProcessed) {
			return nil, err
		}
		alreadyProcessed = true
	}

	if err := e.store.SetOrgPaid(ctx, org.ID); err != nil {
		return nil, err
	}

	if ev.SubscriptionID != "" {
		if err := e.store.SetPoolSubscription(ctx, org.ID, ev.SubscriptionID); err != nil {
			return nil, err
		}
	}

	// Runs on replays too: the seat-add above is fenced, but a crash between
	// the fence and here must not leave the purchaser unlicensed.
	if _, err := e.store.EnsureActiveLicensed(ctx, org.ID, ev.UserID, RoleAdmin, e.now()); err != nil {
		return nil, err
	}

	e.retirePersonalTrialOrg(ctx, ev.UserID, org.ID)

	pool, err = e.store.GetPool(ctx, org.ID)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("org_id", org.ID.String()).
		Str("transaction_id", ev.TransactionID).
		Int("quantity", ev.Quantity).
		Bool("prorated", ev.Prorated).
		Bool("already_processed", alreadyProcessed).
		Int("total_licenses", pool.TotalLicenses).
		Int("used_licenses", pool.UsedLicenses).
		Msg("Purchase reconciled")

	return &PurchaseOutcome{
		Org:              org,
		Pool:             pool,
		CreatedOrg:       createdOrg,
		AlreadyProcessed: alreadyProcessed,
	}, nil
}

// ScheduleSeatChange records a deferred seat-count change to be applied by the
// daily sweep. Admins only; a quantity equal to the current total is rejected;
// a previously scheduled, not-yet-applied change is overwritten.
func (e *Engine) ScheduleSeatChange(ctx context.Context, orgID, actorUserID uuid.UUID, newTotal int, effectiveAt time.Time, note string) error {
	if newTotal < 0 {
		return fmt.Errorf("%w: quantity must not be negative", ErrInvalidArgument)
	}
	if err := e.requireAdmin(ctx, orgID, actorUserID); err != nil {
		return err
	}

	pool, err := e.store.GetPool(ctx, orgID)
	if err != nil {
		return err
	}
	if pool.TotalLicenses == newTotal {
		return ErrSameQuantity
	}

	return e.store.SetScheduledChange(ctx, orgID, newTotal, effectiveAt, note)
}

// DueScheduledChanges lists pools whose scheduled change has become due.
func (e *Engine) DueScheduledChanges(ctx context.Context, now time.Time) ([]LicensePool, error) {
	return e.store.ListDueScheduledChanges(ctx, now)
}

// ApplyDueChange commits one due scheduled change. When the new total is
// below the current occupancy, excess members are unlicensed first (regular
// members before admins, the owner never). ErrNoScheduledChange means a
// concurrent sweep already applied it; callers treat that as done.
func (e *Engine) ApplyDueChange(ctx context.Context, orgID uuid.UUID, now time.Time) ([]uuid.UUID, error) {
	return e.store.ApplyScheduledChange(ctx, orgID, now)
}

// CleanupOrphans reclaims personal-trial organizations left behind when a
// purchase or invitation moved their sole member elsewhere but crashed before
// the delete. The guard conditions are re-checked at delete time.
func (e *Engine) CleanupOrphans(ctx context.Context) (int, error) {
	ids, err := e.store.ListOrphanedPersonalTrialOrgs(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, id := range ids {
		ok, err := e.store.DeleteOrgIfOrphaned(ctx, id)
		if err != nil {
			log.Error().Err(err).Str("org_id", id.String()).Msg("Orphan cleanup failed for organization")
			continue
		}
		if ok {
			deleted++
		}
	}

	return deleted, nil
}

// ActiveMemberships lists the user's own active memberships.
func (e *Engine) ActiveMemberships(ctx context.Context, userID uuid.UUID) ([]Membership, error) {
	return e.store.ListActiveMembershipsForUser(ctx, userID)
}

// Members lists the organization's memberships for an admin caller.
func (e *Engine) Members(ctx context.Context, orgID, actorUserID uuid.UUID) ([]Membership, error) {
	if err := e.requireAdmin(ctx, orgID, actorUserID); err != nil {
		return nil, err
	}
	return e.store.ListMembers(ctx, orgID)
}

// Org returns the organization for an admin caller.
func (e *Engine) Org(ctx context.Context, orgID, actorUserID uuid.UUID) (*Organization, error) {
	if err := e.requireAdmin(ctx, orgID, actorUserID); err != nil {
		return nil, err
	}
	return e.store.GetOrg(ctx, orgID)
}

// Pool returns the organization's license pool for an admin caller.
func (e *Engine) Pool(ctx context.Context, orgID, actorUserID uuid.UUID) (*LicensePool, error) {
	if err := e.requireAdmin(ctx, orgID, actorUserID); err != nil {
		return nil, err
	}
	return e.store.GetPool(ctx, orgID)
}

// StagePendingOrg records the signup staging row consumed later by
// ConfirmFirstSignIn.
func (e *Engine) StagePendingOrg(ctx context.Context, userID uuid.UUID, email, orgName string) error {
	return e.store.UpsertPendingOrg(ctx, &PendingOrganization{
		ID:        uuid.New(),
		Email:     email,
		OrgName:   orgName,
		UserID:    &userID,
		CreatedAt: e.now(),
	})
}

func (e *Engine) requireAdmin(ctx context.Context, orgID, actorUserID uuid.UUID) error {
	m, err := e.store.GetMembership(ctx, orgID, actorUserID)
	if err != nil {
		if errors.Is(err, ErrMembershipNotFound) {
			log.Debug().
				Str("user_id", actorUserID.String()).
				Str("org_id", orgID.String()).
				Msg("Caller is not a member of organization")
			return ErrNotAdmin
		}
		return err
	}
	if m.Status != StatusActive || m.Role != RoleAdmin {
		log.Warn().
			Str("user_id", actorUserID.String()).
			Str("org_id", orgID.String()).
			Str("role", string(m.Role)).
			Str("status", string(m.Status)).
			Msg("Caller lacks admin permission")
		return ErrNotAdmin
	}
	return nil
}

// requireNoActiveMembership enforces the at-most-one-active-membership policy.
// Membership in a personal-trial organization doesn't count: that org is
// retired by the operation that moves the user to a real one.
func (e *Engine) requireNoActiveMembership(ctx context.Context, userID uuid.UUID) error {
	actives, err := e.store.ListActiveMembershipsForUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, m := range actives {
		org, err := e.store.GetOrg(ctx, m.OrgID)
		if err != nil {
			if errors.Is(err, ErrOrgNotFound) {
				continue
			}
			return err
		}
		if !org.IsPersonalTrial {
			return ErrAlreadyActiveMember
		}
	}
	return nil
}

// findOrCreateOrgForUser joins the user into the organization named name,
// creating it as a trial org when it doesn't exist. An empty name creates a
// personal-trial organization named after the email.
func (e *Engine) findOrCreateOrgForUser(ctx context.Context, userID uuid.UUID, email, name string) (*Organization, error) {
	personal := false
	if strings.TrimSpace(name) == "" {
		name = email
		personal = true
	}

	org, err := e.store.GetOrgByName(ctx, name)
	if err == nil {
		if _, err := e.store.EnsureActiveLicensed(ctx, org.ID, userID, RoleMember, e.now()); err != nil {
			return nil, err
		}
		return org, nil
	}
	if !errors.Is(err, ErrOrgNotFound) {
		return nil, err
	}

	org, err = e.createOrgWithFounder(ctx, userID, name, personal)
	if err == nil {
		return org, nil
	}
	if !errors.Is(err, ErrOrgNameTaken) {
		return nil, err
	}

	// Lost the creation race; join the winner's organization.
	org, err = e.store.GetOrgByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.EnsureActiveLicensed(ctx, org.ID, userID, RoleMember, e.now()); err != nil {
		return nil, err
	}
	return org, nil
}

func (e *Engine) createOrgWithFounder(ctx context.Context, userID uuid.UUID, name string, personal bool) (*Organization, error) {
	now := e.now()
	trialExpires := now.Add(e.trialPeriod)
	org := &Organization{
		ID:              uuid.New(),
		Name:            name,
		OwnerUserID:     userID,
		IsTrial:         true,
		TrialExpiresAt:  &trialExpires,
		IsPersonalTrial: personal,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	// The founder occupies the implicit first seat.
	pool := &LicensePool{
		ID:            uuid.New(),
		OrgID:         org.ID,
		TotalLicenses: 1,
		UsedLicenses:  1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.CreateOrgWithOwner(ctx, org, pool); err != nil {
		return nil, err
	}
	return org, nil
}

// resolvePurchaseTarget picks the organization a purchase lands on.
func (e *Engine) resolvePurchaseTarget(ctx context.Context, ev PurchaseEvent) (org *Organization, created bool, err error) {
	if ev.OrganizationID != nil {
		org, err = e.store.GetOrg(ctx, *ev.OrganizationID)
		return org, false, err
	}

	actives, err := e.store.ListActiveMembershipsForUser(ctx, ev.UserID)
	if err != nil {
		return nil, false, err
	}
	for _, m := range actives {
		candidate, err := e.store.GetOrg(ctx, m.OrgID)
		if err != nil {
			if errors.Is(err, ErrOrgNotFound) {
				continue
			}
			return nil, false, err
		}
		if !candidate.IsPersonalTrial {
			return candidate, false, nil
		}
	}

	name := strings.TrimSpace(ev.OrgName)
	if name == "" {
		name = ev.Email + " team"
	}

	if org, err = e.store.GetOrgByName(ctx, name); err == nil {
		return org, false, nil
	} else if !errors.Is(err, ErrOrgNotFound) {
		return nil, false, err
	}

	now := e.now()
	org = &Organization{
		ID:          uuid.New(),
		Name:        name,
		OwnerUserID: ev.UserID,
		IsTrial:     false,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	// The purchaser's membership starts unlicensed; the seat is taken after
	// the renewal adds capacity, keeping 0 <= used <= total at every step.
	pool := &LicensePool{
		ID:        uuid.New(),
		OrgID:     org.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateOrgWithOwner(ctx, org, pool); err != nil {
		if !errors.Is(err, ErrOrgNameTaken) {
			return nil, false, err
		}
		org, err = e.store.GetOrgByName(ctx, name)
		return org, false, err
	}
	return org, true, nil
}

// retirePersonalTrialOrg deactivates the user's membership in their
// personal-trial organization and deletes the org once empty. Failures are
// logged, not returned: the orphan-cleanup sweep reclaims whatever is left.
func (e *Engine) retirePersonalTrialOrg(ctx context.Context, userID, excludeOrgID uuid.UUID) {
	pOrg, err := e.store.GetPersonalTrialOrgForUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrOrgNotFound) {
			log.Error().Err(err).Str("user_id", userID.String()).Msg("Personal-trial org lookup failed")
		}
		return
	}
	if pOrg.ID == excludeOrgID {
		return
	}

	if _, err := e.store.DeactivateMembership(ctx, pOrg.ID, userID, e.now()); err != nil {
		log.Error().Err(err).Str("org_id", pOrg.ID.String()).Msg("Failed to retire personal-trial membership")
		return
	}
	if _, err := e.store.DeleteOrgIfOrphaned(ctx, pOrg.ID); err != nil {
		log.Error().Err(err).Str("org_id", pOrg.ID.String()).Msg("Failed to delete personal-trial organization")
	}
}
