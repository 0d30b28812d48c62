package entitlement

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the data-access contract for entitlement records. The engine is the
// only component that calls the mutating operations; everything else reads.
//
// Operations that touch both a membership and the seat counter are composite
// and must be atomic: either the whole transition applies or none of it does.
// Single-row mutations are conditional on their precondition still holding
// (unique constraints and guarded updates, not external locks), which is what
// makes every engine trigger safe to replay.
type Store interface {
	// Organizations

	GetOrg(ctx context.Context, orgID uuid.UUID) (*Organization, error)
	GetOrgByName(ctx context.Context, name string) (*Organization, error)

	// CreateOrgWithOwner atomically creates the organization, an ACTIVE
	// licensed ADMIN membership for the owner, and a one-seat pool with the
	// owner's implicit seat occupied. Returns ErrOrgNameTaken on a name
	// conflict.
	CreateOrgWithOwner(ctx context.Context, org *Organization, pool *LicensePool) error

	// SetOrgPaid clears the trial flags. Idempotent.
	SetOrgPaid(ctx context.Context, orgID uuid.UUID) error

	// GetPersonalTrialOrgForUser finds the personal-trial organization in
	// which the user holds an ACTIVE membership, or ErrOrgNotFound.
	GetPersonalTrialOrgForUser(ctx context.Context, userID uuid.UUID) (*Organization, error)

	// DeleteOrgIfOrphaned deletes the organization only if, at delete time,
	// it is still flagged personal-trial and has zero ACTIVE memberships.
	// Returns false when the guard fails or the org no longer exists.
	DeleteOrgIfOrphaned(ctx context.Context, orgID uuid.UUID) (bool, error)

	// ListOrphanedPersonalTrialOrgs returns ids of personal-trial orgs with
	// zero ACTIVE memberships.
	ListOrphanedPersonalTrialOrgs(ctx context.Context) ([]uuid.UUID, error)

	// Memberships

	GetMembership(ctx context.Context, orgID, userID uuid.UUID) (*Membership, error)
	GetMembershipByInviteHash(ctx context.Context, hash string) (*Membership, error)
	ListActiveMembershipsForUser(ctx context.Context, userID uuid.UUID) ([]Membership, error)
	ListMembers(ctx context.Context, orgID uuid.UUID) ([]Membership, error)

	// CreatePendingInvite inserts a PENDING membership carrying the invite
	// metadata, first revoking any open invite for the same address in the
	// org (the newest invitation wins).
	CreatePendingInvite(ctx context.Context, m *Membership) error

	// RevokePendingInvite deletes a PENDING membership. Returns false when
	// the membership is missing or no longer pending.
	RevokePendingInvite(ctx context.Context, orgID, membershipID uuid.UUID) (bool, error)

	// ActivateInvitedMembership flips a PENDING membership to ACTIVE,
	// licensed, bound to userID, clears the invite schedule fields, and
	// increments the seat counter, all in one transaction. The invite email
	// and token hash stay on the row so a later redemption of the same token
	// still resolves to it. The PENDING-status check is the single-winner
	// gate for concurrent redemptions: the loser observes
	// ErrInviteAlreadyUsed. A full pool yields ErrNoAvailableLicenses with no
	// state change.
	ActivateInvitedMembership(ctx context.Context, membershipID, userID uuid.UUID, now time.Time) error

	// EnsureActiveLicensed upserts an ACTIVE licensed membership for the user
	// (insert, and on unique-conflict update instead), occupying a seat if
	// the membership was not licensed before. ErrNoAvailableLicenses when
	// taking the seat would overfill the pool. Returns changed=false when
	// the membership was already ACTIVE and licensed, which makes the
	// operation a replay-safe no-op.
	EnsureActiveLicensed(ctx context.Context, orgID, userID uuid.UUID, role Role, now time.Time) (changed bool, err error)

	// DeactivateMembership marks an ACTIVE membership INACTIVE, releases its
	// seat, and recounts used_licenses in the same transaction. Deactivating
	// an already-INACTIVE membership is a no-op.
	DeactivateMembership(ctx context.Context, orgID, userID uuid.UUID, now time.Time) (*Membership, error)

	// ReactivateMembership flips an INACTIVE membership back to ACTIVE and
	// licensed, taking a free seat. ErrNoAvailableLicenses when the pool is
	// full; ErrMemberNotInactive when the membership is not INACTIVE.
	ReactivateMembership(ctx context.Context, orgID, userID uuid.UUID, now time.Time) error

	// License pools

	GetPool(ctx context.Context, orgID uuid.UUID) (*LicensePool, error)

	// CreatePool inserts an empty pool for the org. ErrPoolExists on conflict.
	CreatePool(ctx context.Context, pool *LicensePool) error

	// InsertRenewalAndAddLicenses appends the renewal record and adds its
	// quantity to the pool's total in one transaction. The UNIQUE transaction
	// id is the replay fence: a duplicate insert yields ErrAlreadyProcessed
	// and the pool is untouched. A non-nil setExpiresAt overwrites the pool's
	// expiry (the non-prorated purchase path); nil leaves it as is.
	InsertRenewalAndAddLicenses(ctx context.Context, rec *RenewalRecord, setExpiresAt *time.Time) error

	// SetPoolSubscription binds the provider subscription id to the pool.
	// Idempotent.
	SetPoolSubscription(ctx context.Context, orgID uuid.UUID, subscriptionID string) error

	// SetScheduledChange records a deferred seat-count change, overwriting
	// any previously scheduled, not-yet-applied change.
	SetScheduledChange(ctx context.Context, orgID uuid.UUID, newTotal int, effectiveAt time.Time, note string) error

	// ListDueScheduledChanges returns pools whose scheduled change has become
	// due at now.
	ListDueScheduledChanges(ctx context.Context, now time.Time) ([]LicensePool, error)

	// ApplyScheduledChange commits a due scheduled change: unlicenses excess
	// members (non-admins first, newest membership first, the owner never),
	// sets the new total, recounts used, and clears the scheduling fields in
	// one transaction. ErrNoScheduledChange when nothing is due (a concurrent
	// sweep already applied it).
	ApplyScheduledChange(ctx context.Context, orgID uuid.UUID, now time.Time) (unassigned []uuid.UUID, err error)

	// ListPoolsExpiringWithin returns pools whose expiry falls inside
	// (now, now+window].
	ListPoolsExpiringWithin(ctx context.Context, now time.Time, window time.Duration) ([]LicensePool, error)

	// Pending organizations

	// UpsertPendingOrg stages the record, replacing an earlier one for the
	// same email.
	UpsertPendingOrg(ctx context.Context, p *PendingOrganization) error

	// GetPendingOrgByEmail returns (nil, nil) when no staging record exists.
	GetPendingOrgByEmail(ctx context.Context, email string) (*PendingOrganization, error)

	// DeletePendingOrg removes the staging row. A missing row is success
	// (consumed-exactly-once under replay).
	DeletePendingOrg(ctx context.Context, id uuid.UUID) (deleted bool, err error)

	// Notification log

	// MarkNotified records that a notification of the given kind went out for
	// the license on the given day. Returns true when this call inserted the
	// record, meaning the caller owns sending the email; false means another
	// caller already did today.
	MarkNotified(ctx context.Context, licenseID uuid.UUID, kind NotificationKind, day time.Time) (bool, error)
}
