package entitlement

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Role represents a member's role within an organization
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
)

// IsValid reports whether the role is one of the known roles.
func (r Role) IsValid() bool {
	return r == RoleAdmin || r == RoleMember
}

// MembershipStatus is the lifecycle state of a (user, organization) pair:
// PENDING (invited, not redeemed) -> ACTIVE -> INACTIVE, with
// INACTIVE -> ACTIVE on reactivation.
type MembershipStatus string

const (
	StatusPending  MembershipStatus = "PENDING"
	StatusActive   MembershipStatus = "ACTIVE"
	StatusInactive MembershipStatus = "INACTIVE"
)

// Organization is either a trial or a paid account, never both. A
// personal-trial organization is an auto-created single-member stand-in for
// "no organization yet" and is garbage-collected once its member moves on.
type Organization struct {
	ID              uuid.UUID  `db:"id"`
	Name            string     `db:"name"`
	OwnerUserID     uuid.UUID  `db:"owner_user_id"`
	IsTrial         bool       `db:"is_trial"`
	TrialExpiresAt  *time.Time `db:"trial_expires_at"`
	IsPersonalTrial bool       `db:"is_personal_trial"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// Membership links a user to an organization. HasLicense is true if and only
// if the membership is ACTIVE and occupies one of the organization's seats.
// UserID is nil while an invitation is pending for an unregistered address.
type Membership struct {
	ID         uuid.UUID        `db:"id"`
	OrgID      uuid.UUID        `db:"org_id"`
	UserID     *uuid.UUID       `db:"user_id"`
	Role       Role             `db:"role"`
	Status     MembershipStatus `db:"status"`
	HasLicense bool             `db:"has_license"`

	InviteEmail     *string    `db:"invite_email"`
	InviteTokenHash *string    `db:"invite_token_hash"`
	InviteSentAt    *time.Time `db:"invite_sent_at"`
	InviteExpiresAt *time.Time `db:"invite_expires_at"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// LicensePool is the per-organization seat counter. UsedLicenses must always
// equal the number of ACTIVE, licensed memberships in the organization.
type LicensePool struct {
	ID            uuid.UUID  `db:"id"`
	OrgID         uuid.UUID  `db:"org_id"`
	TotalLicenses int        `db:"total_licenses"`
	UsedLicenses  int        `db:"used_licenses"`
	ExpiresAt     *time.Time `db:"expires_at"`

	ScheduledTotalLicenses *int       `db:"scheduled_total_licenses"`
	ScheduledChangeAt      *time.Time `db:"scheduled_change_at"`
	ScheduledChangeNote    *string    `db:"scheduled_change_note"`

	SubscriptionID *string `db:"subscription_id"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// FreeSeats returns the number of unoccupied seats in the pool.
func (p *LicensePool) FreeSeats() int {
	free := p.TotalLicenses - p.UsedLicenses
	if free < 0 {
		return 0
	}
	return free
}

// PendingOrganization is the staging record for a user who signed up but has
// not confirmed their email yet. Consumed exactly once at first confirmed
// sign-in, then deleted.
type PendingOrganization struct {
	ID        uuid.UUID  `db:"id"`
	Email     string     `db:"email"`
	OrgName   string     `db:"org_name"`
	UserID    *uuid.UUID `db:"user_id"`
	CreatedAt time.Time  `db:"created_at"`
}

// RenewalRecord is the append-only audit entry for a processed purchase. Its
// unique TransactionID doubles as the replay fence for webhook deliveries.
type RenewalRecord struct {
	ID            uuid.UUID  `db:"id"`
	OrgID         uuid.UUID  `db:"org_id"`
	TransactionID string     `db:"transaction_id"`
	Quantity      int        `db:"quantity"`
	Prorated      bool       `db:"prorated"`
	ExpiresAt     *time.Time `db:"expires_at"`
	ProcessedAt   time.Time  `db:"processed_at"`
}

// NotificationKind labels entries in the notification log.
type NotificationKind string

const (
	NotificationExpiryWarning NotificationKind = "license_expiry_warning"
)

var (
	// ErrOrgNotFound is returned when an organization is not found
	ErrOrgNotFound = errors.New("organization not found")

	// ErrOrgNameTaken is returned when an organization name already exists
	ErrOrgNameTaken = errors.New("organization name already exists")

	// ErrMembershipNotFound is returned when no membership exists for the pair
	ErrMembershipNotFound = errors.New("membership not found")

	// ErrPoolNotFound is returned when an organization has no license pool
	ErrPoolNotFound = errors.New("license pool not found")

	// ErrPoolExists is returned when creating a pool for an org that has one
	ErrPoolExists = errors.New("license pool already exists")

	// ErrNoAvailableLicenses is returned when every seat in the pool is taken
	ErrNoAvailableLicenses = errors.New("no available licenses")

	// ErrAlreadyActiveMember is returned when a user already holds an active
	// membership in another organization
	ErrAlreadyActiveMember = errors.New("user already has an active membership")

	// ErrNotAdmin is returned when the acting user lacks the admin role
	ErrNotAdmin = errors.New("caller is not an organization admin")

	// ErrInviteNotFound is returned when no pending invitation matches
	ErrInviteNotFound = errors.New("invitation not found")

	// ErrInviteExpired is returned when the invitation's window has passed
	ErrInviteExpired = errors.New("invitation expired")

	// ErrInviteAlreadyUsed is returned when the invitation was redeemed before
	ErrInviteAlreadyUsed = errors.New("invitation already used")

	// ErrInviteEmailMismatch is returned when the redeemer's email differs
	// from the invited address
	ErrInviteEmailMismatch = errors.New("invitation email does not match user")

	// ErrCannotRemoveOwner is returned when removal targets the org owner
	ErrCannotRemoveOwner = errors.New("cannot remove the organization owner")

	// ErrMemberNotInactive is returned when reactivation targets a membership
	// that is not inactive
	ErrMemberNotInactive = errors.New("membership is not inactive")

	// ErrSameQuantity rejects scheduling a change to the current seat total
	ErrSameQuantity = errors.New("scheduled quantity equals current total")

	// ErrNoScheduledChange is returned when no due scheduled change exists
	ErrNoScheduledChange = errors.New("no scheduled change is due")

	// ErrAlreadyProcessed signals that a purchase transaction was applied
	// before; callers treat it as success
	ErrAlreadyProcessed = errors.New("transaction already processed")

	// ErrTrialOrg rejects operations that require a paid organization
	ErrTrialOrg = errors.New("organization is on trial")

	// ErrInvalidArgument wraps caller input validation failures
	ErrInvalidArgument = errors.New("invalid argument")
)

// PreconditionCode maps a typed precondition failure to the stable code
// reported to callers. Returns "" for errors that are not precondition
// failures.
func PreconditionCode(err error) string {
	switch {
	case errors.Is(err, ErrNoAvailableLicenses):
		return "NO_AVAILABLE_LICENSES"
	case errors.Is(err, ErrInviteNotFound):
		return "INVITE_NOT_FOUND"
	case errors.Is(err, ErrInviteExpired):
		return "INVITE_EXPIRED"
	case errors.Is(err, ErrInviteAlreadyUsed):
		return "INVITE_ALREADY_USED"
	case errors.Is(err, ErrInviteEmailMismatch):
		return "INVITE_EMAIL_MISMATCH"
	case errors.Is(err, ErrAlreadyActiveMember):
		return "ALREADY_ACTIVE_MEMBER"
	case errors.Is(err, ErrOrgNotFound):
		return "ORG_NOT_FOUND"
	case errors.Is(err, ErrMembershipNotFound):
		return "MEMBER_NOT_FOUND"
	case errors.Is(err, ErrMemberNotInactive):
		return "MEMBER_NOT_INACTIVE"
	case errors.Is(err, ErrCannotRemoveOwner):
		return "CANNOT_REMOVE_OWNER"
	case errors.Is(err, ErrSameQuantity):
		return "QUANTITY_UNCHANGED"
	case errors.Is(err, ErrTrialOrg):
		return "TRIAL_ORG"
	}
	return ""
}
