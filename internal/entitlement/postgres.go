package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the Postgres-backed Store. Composite transitions run in a
// transaction with the pool row locked FOR UPDATE, so the seat counter and
// the membership rows can never drift apart.
type PGStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PGStore)(nil)

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const orgColumns = `id, name, owner_user_id, is_trial, trial_expires_at, is_personal_trial, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrg(row rowScanner) (*Organization, error) {
	var o Organization
	err := row.Scan(
		&o.ID,
		&o.Name,
		&o.OwnerUserID,
		&o.IsTrial,
		&o.TrialExpiresAt,
		&o.IsPersonalTrial,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *PGStore) GetOrg(ctx context.Context, orgID uuid.UUID) (*Organization, error) {
	org, err := scanOrg(s.pool.QueryRow(ctx, `
		SELECT `+orgColumns+`
		FROM orgs
		WHERE id = $1
	`, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrgNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return org, nil
}

func (s *PGStore) GetOrgByName(ctx context.Context, name string) (*Organization, error) {
	org, err := scanOrg(s.pool.QueryRow(ctx, `
		SELECT `+orgColumns+`
		FROM orgs
		WHERE name = $1
	`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrgNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization by name: %w", err)
	}
	return org, nil
}

func (s *PGStore) CreateOrgWithOwner(ctx context.Context, org *Organization, pool *LicensePool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx, `
		INSERT INTO orgs (id, name, owner_user_id, is_trial, trial_expires_at, is_personal_trial, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, org.ID, org.Name, org.OwnerUserID, org.IsTrial, org.TrialExpiresAt, org.IsPersonalTrial, org.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrOrgNameTaken
		}
		return fmt.Errorf("failed to create organization: %w", err)
	}

	// The owner's seat is occupied exactly when the pool starts with a used
	// seat; a purchase-created organization licenses the owner afterwards.
	licensed := pool.UsedLicenses > 0
	_, err = tx.Exec(ctx, `
		INSERT INTO org_memberships (org_id, user_id, role, status, has_license, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, org.ID, org.OwnerUserID, RoleAdmin, StatusActive, licensed, org.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create owner membership: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO license_pools (id, org_id, total_licenses, used_licenses, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, pool.ID, org.ID, pool.TotalLicenses, pool.UsedLicenses, pool.ExpiresAt, org.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create license pool: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PGStore) SetOrgPaid(ctx context.Context, orgID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orgs
		SET is_trial = FALSE, trial_expires_at = NULL, is_personal_trial = FALSE, updated_at = NOW()
		WHERE id = $1
	`, orgID)
	if err != nil {
		return fmt.Errorf("failed to mark organization paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrgNotFound
	}
	return nil
}

func (s *PGStore) GetPersonalTrialOrgForUser(ctx context.Context, userID uuid.UUID) (*Organization, error) {
	org, err := scanOrg(s.pool.QueryRow(ctx, `
		SELECT o.id, o.name, o.owner_user_id, o.is_trial, o.trial_expires_at, o.is_personal_trial, o.created_at, o.updated_at
		FROM orgs o
		INNER JOIN org_memberships m ON m.org_id = o.id
		WHERE m.user_id = $1
		  AND m.status = 'ACTIVE'
		  AND o.is_personal_trial
		LIMIT 1
	`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrgNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get personal-trial organization: %w", err)
	}
	return org, nil
}

func (s *PGStore) DeleteOrgIfOrphaned(ctx context.Context, orgID uuid.UUID) (bool, error) {
	// The guard re-checks inside the DELETE so a membership created between
	// listing and deleting keeps the org alive.
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM orgs
		WHERE id = $1
		  AND is_personal_trial
		  AND NOT EXISTS (
		    SELECT 1 FROM org_memberships
		    WHERE org_id = $1 AND status = 'ACTIVE'
		  )
	`, orgID)
	if err != nil {
		return false, fmt.Errorf("failed to delete orphaned organization: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGStore) ListOrphanedPersonalTrialOrgs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT o.id
		FROM orgs o
		WHERE o.is_personal_trial
		  AND NOT EXISTS (
		    SELECT 1 FROM org_memberships m
		    WHERE m.org_id = o.id AND m.status = 'ACTIVE'
		  )
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphaned organizations: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan organization id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const membershipColumns = `id, org_id, user_id, role, status, has_license, invite_email, invite_token_hash, invite_sent_at, invite_expires_at, created_at, updated_at`

func scanMembership(row rowScanner) (*Membership, error) {
	var m Membership
	err := row.Scan(
		&m.ID,
		&m.OrgID,
		&m.UserID,
		&m.Role,
		&m.Status,
		&m.HasLicense,
		&m.InviteEmail,
		&m.InviteTokenHash,
		&m.InviteSentAt,
		&m.InviteExpiresAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PGStore) GetMembership(ctx context.Context, orgID, userID uuid.UUID) (*Membership, error) {
	m, err := scanMembership(s.pool.QueryRow(ctx, `
		SELECT `+membershipColumns+`
		FROM org_memberships
		WHERE org_id = $1 AND user_id = $2
	`, orgID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMembershipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	return m, nil
}

func (s *PGStore) GetMembershipByInviteHash(ctx context.Context, hash string) (*Membership, error) {
	m, err := scanMembership(s.pool.QueryRow(ctx, `
		SELECT `+membershipColumns+`
		FROM org_memberships
		WHERE invite_token_hash = $1
	`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInviteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership by invite token: %w", err)
	}
	return m, nil
}

func (s *PGStore) listMemberships(ctx context.Context, query string, args ...any) ([]Membership, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *PGStore) ListActiveMembershipsForUser(ctx context.Context, userID uuid.UUID) ([]Membership, error) {
	return s.listMemberships(ctx, `
		SELECT `+membershipColumns+`
		FROM org_memberships
		WHERE user_id = $1 AND status = 'ACTIVE'
		ORDER BY created_at
	`, userID)
}

func (s *PGStore) ListMembers(ctx context.Context, orgID uuid.UUID) ([]Membership, error) {
	return s.listMemberships(ctx, `
		SELECT `+membershipColumns+`
		FROM org_memberships
		WHERE org_id = $1
		ORDER BY created_at
	`, orgID)
}

func (s *PGStore) CreatePendingInvite(ctx context.Context, m *Membership) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// The newest invitation for an address supersedes any open one.
	_, err = tx.Exec(ctx, `
		DELETE FROM org_memberships
		WHERE org_id = $1 AND invite_email = $2 AND status = 'PENDING'
	`, m.OrgID, m.InviteEmail)
	if err != nil {
		return fmt.Errorf("failed to revoke existing invites: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO org_memberships (
		  id, org_id, user_id, role, status, has_license,
		  invite_email, invite_token_hash, invite_sent_at, invite_expires_at,
		  created_at, updated_at
		)
		VALUES ($1, $2, NULL, $3, $4, FALSE, $5, $6, $7, $8, $9, $9)
	`, m.ID, m.OrgID, m.Role, StatusPending, m.InviteEmail, m.InviteTokenHash, m.InviteSentAt, m.InviteExpiresAt, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create invite: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PGStore) RevokePendingInvite(ctx context.Context, orgID, membershipID uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM org_memberships
		WHERE id = $1 AND org_id = $2 AND status = 'PENDING'
	`, membershipID, orgID)
	if err != nil {
		return false, fmt.Errorf("failed to revoke invite: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGStore) ActivateInvitedMembership(ctx context.Context, membershipID, userID uuid.UUID, now time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// PENDING is the single-winner gate: a concurrent redemption that
	// committed first leaves nothing for this one to lock.
	var orgID uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT org_id
		FROM org_memberships
		WHERE id = $1 AND status = 'PENDING'
		FOR UPDATE
	`, membershipID).Scan(&orgID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrInviteAlreadyUsed
	}
	if err != nil {
		return fmt.Errorf("failed to lock membership: %w", err)
	}

	var total, used int
	err = tx.QueryRow(ctx, `
		SELECT total_licenses, used_licenses
		FROM license_pools
		WHERE org_id = $1
		FOR UPDATE
	`, orgID).Scan(&total, &used)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrPoolNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock license pool: %w", err)
	}
	if used >= total {
		return ErrNoAvailableLicenses
	}

	// invite_email and invite_token_hash stay on the row: a replayed
	// redemption must still resolve the token to this membership and
	// observe its non-PENDING status.
	_, err = tx.Exec(ctx, `
		UPDATE org_memberships
		SET user_id = $2, status = $3, has_license = TRUE,
		    invite_sent_at = NULL, invite_expires_at = NULL,
		    updated_at = $4
		WHERE id = $1
	`, membershipID, userID, StatusActive, now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyActiveMember
		}
		return fmt.Errorf("failed to activate membership: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE license_pools
		SET used_licenses = used_licenses + 1, updated_at = $2
		WHERE org_id = $1
	`, orgID, now)
	if err != nil {
		return fmt.Errorf("failed to occupy seat: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PGStore) EnsureActiveLicensed(ctx context.Context, orgID, userID uuid.UUID, role Role, now time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var total, used int
	err = tx.QueryRow(ctx, `
		SELECT total_licenses, used_licenses
		FROM license_pools
		WHERE org_id = $1
		FOR UPDATE
	`, orgID).Scan(&total, &used)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrPoolNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock license pool: %w", err)
	}

	var (
		existingID     uuid.UUID
		existingRole   Role
		existingStatus MembershipStatus
		existingSeat   bool
	)
	err = tx.QueryRow(ctx, `
		SELECT id, role, status, has_license
		FROM org_memberships
		WHERE org_id = $1 AND user_id = $2
		FOR UPDATE
	`, orgID, userID).Scan(&existingID, &existingRole, &existingStatus, &existingSeat)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if used >= total {
			return false, ErrNoAvailableLicenses
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO org_memberships (org_id, user_id, role, status, has_license, created_at, updated_at)
			VALUES ($1, $2, $3, $4, TRUE, $5, $5)
		`, orgID, userID, role, StatusActive, now)
		if err != nil {
			return false, fmt.Errorf("failed to create membership: %w", err)
		}

	case err != nil:
		return false, fmt.Errorf("failed to lock membership: %w", err)

	default:
		// Roles only ratchet up: a purchase promotes the purchaser to admin,
		// nothing demotes an existing admin.
		newRole := existingRole
		if role == RoleAdmin {
			newRole = RoleAdmin
		}
		if existingStatus == StatusActive && existingSeat && newRole == existingRole {
			return false, nil
		}
		needSeat := !existingSeat
		if needSeat && used >= total {
			return false, ErrNoAvailableLicenses
		}
		_, err = tx.Exec(ctx, `
			UPDATE org_memberships
			SET role = $2, status = $3, has_license = TRUE,
			    invite_sent_at = NULL, invite_expires_at = NULL,
			    updated_at = $4
			WHERE id = $1
		`, existingID, newRole, StatusActive, now)
		if err != nil {
			return false, fmt.Errorf("failed to update membership: %w", err)
		}
		if !needSeat {
			if err := tx.Commit(ctx); err != nil {
				return false, fmt.Errorf("failed to commit transaction: %w", err)
			}
			return true, nil
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE license_pools
		SET used_licenses = used_licenses + 1, updated_at = $2
		WHERE org_id = $1
	`, orgID, now)
	if err != nil {
		return false, fmt.Errorf("failed to occupy seat: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

func (s *PGStore) DeactivateMembership(ctx context.Context, orgID, userID uuid.UUID, now time.Time) (*Membership, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	m, err := scanMembership(tx.QueryRow(ctx, `
		SELECT `+membershipColumns+`
		FROM org_memberships
		WHERE org_id = $1 AND user_id = $2
		FOR UPDATE
	`, orgID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMembershipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock membership: %w", err)
	}

	if m.Status == StatusInactive {
		return m, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE org_memberships
		SET status = $2, has_license = FALSE, updated_at = $3
		WHERE id = $1
	`, m.ID, StatusInactive, now)
	if err != nil {
		return nil, fmt.Errorf("failed to deactivate membership: %w", err)
	}

	// Recount instead of decrement: converges even if the counter had
	// drifted.
	_, err = tx.Exec(ctx, `
		UPDATE license_pools
		SET used_licenses = (
		      SELECT COUNT(*) FROM org_memberships
		      WHERE org_id = $1 AND status = 'ACTIVE' AND has_license
		    ),
		    updated_at = $2
		WHERE org_id = $1
	`, orgID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to release seat: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	m.Status = StatusInactive
	m.HasLicense = false
	m.UpdatedAt = now
	return m, nil
}

func (s *PGStore) ReactivateMembership(ctx context.Context, orgID, userID uuid.UUID, now time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var total, used int
	err = tx.QueryRow(ctx, `
		SELECT total_licenses, used_licenses
		FROM license_pools
		WHERE org_id = $1
		FOR UPDATE
	`, orgID).Scan(&total, &used)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrPoolNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock license pool: %w", err)
	}

	var membershipID uuid.UUID
	var status MembershipStatus
	err = tx.QueryRow(ctx, `
		SELECT id, status
		FROM org_memberships
		WHERE org_id = $1 AND user_id = $2
		FOR UPDATE
	`, orgID, userID).Scan(&membershipID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrMembershipNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock membership: %w", err)
	}
	if status != StatusInactive {
		return ErrMemberNotInactive
	}
	if used >= total {
		return ErrNoAvailableLicenses
	}

	_, err = tx.Exec(ctx, `
		UPDATE org_memberships
		SET status = $2, has_license = TRUE, updated_at = $3
		WHERE id = $1
	`, membershipID, StatusActive, now)
	if err != nil {
		return fmt.Errorf("failed to reactivate membership: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE license_pools
		SET used_licenses = used_licenses + 1, updated_at = $2
		WHERE org_id = $1
	`, orgID, now)
	if err != nil {
		return fmt.Errorf("failed to occupy seat: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const poolColumns = `id, org_id, total_licenses, used_licenses, expires_at, scheduled_total_licenses, scheduled_change_at, scheduled_change_note, subscription_id, created_at, updated_at`

func scanPool(row rowScanner) (*LicensePool, error) {
	var p LicensePool
	err := row.Scan(
		&p.ID,
		&p.OrgID,
		&p.TotalLicenses,
		&p.UsedLicenses,
		&p.ExpiresAt,
		&p.ScheduledTotalLicenses,
		&p.ScheduledChangeAt,
		&p.ScheduledChangeNote,
		&p.SubscriptionID,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PGStore) GetPool(ctx context.Context, orgID uuid.UUID) (*LicensePool, error) {
	p, err := scanPool(s.pool.QueryRow(ctx, `
		SELECT `+poolColumns+`
		FROM license_pools
		WHERE org_id = $1
	`, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPoolNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get license pool: %w", err)
	}
	return p, nil
}

func (s *PGStore) CreatePool(ctx context.Context, pool *LicensePool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO license_pools (id, org_id, total_licenses, used_licenses, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	`, pool.ID, pool.OrgID, pool.TotalLicenses, pool.UsedLicenses, pool.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPoolExists
		}
		return fmt.Errorf("failed to create license pool: %w", err)
	}
	return nil
}

func (s *PGStore) InsertRenewalAndAddLicenses(ctx context.Context, rec *RenewalRecord, setExpiresAt *time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx, `
		INSERT INTO renewal_history (id, org_id, transaction_id, quantity, prorated, expires_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ID, rec.OrgID, rec.TransactionID, rec.Quantity, rec.Prorated, rec.ExpiresAt, rec.ProcessedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyProcessed
		}
		return fmt.Errorf("failed to record renewal: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE license_pools
		SET total_licenses = total_licenses + $2,
		    expires_at = COALESCE($3, expires_at),
		    updated_at = $4
		WHERE org_id = $1
	`, rec.OrgID, rec.Quantity, setExpiresAt, rec.ProcessedAt)
	if err != nil {
		return fmt.Errorf("failed to add licenses: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPoolNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PGStore) SetPoolSubscription(ctx context.Context, orgID uuid.UUID, subscriptionID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE license_pools
		SET subscription_id = $2, updated_at = NOW()
		WHERE org_id = $1
	`, orgID, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to set subscription id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPoolNotFound
	}
	return nil
}

func (s *PGStore) SetScheduledChange(ctx context.Context, orgID uuid.UUID, newTotal int, effectiveAt time.Time, note string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE license_pools
		SET scheduled_total_licenses = $2,
		    scheduled_change_at = $3,
		    scheduled_change_note = NULLIF($4, ''),
		    updated_at = NOW()
		WHERE org_id = $1
	`, orgID, newTotal, effectiveAt, note)
	if err != nil {
		return fmt.Errorf("failed to schedule seat change: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPoolNotFound
	}
	return nil
}

func (s *PGStore) ListDueScheduledChanges(ctx context.Context, now time.Time) ([]LicensePool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+poolColumns+`
		FROM license_pools
		WHERE scheduled_total_licenses IS NOT NULL
		  AND scheduled_change_at <= $1
		ORDER BY scheduled_change_at
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due scheduled changes: %w", err)
	}
	defer rows.Close()

	var out []LicensePool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan license pool: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PGStore) ApplyScheduledChange(ctx context.Context, orgID uuid.UUID, now time.Time) ([]uuid.UUID, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var (
		scheduledTotal *int
		scheduledAt    *time.Time
		used           int
	)
	err = tx.QueryRow(ctx, `
		SELECT scheduled_total_licenses, scheduled_change_at, used_licenses
		FROM license_pools
		WHERE org_id = $1
		FOR UPDATE
	`, orgID).Scan(&scheduledTotal, &scheduledAt, &used)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPoolNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock license pool: %w", err)
	}
	if scheduledTotal == nil || scheduledAt == nil || scheduledAt.After(now) {
		return nil, ErrNoScheduledChange
	}
	newTotal := *scheduledTotal

	var ownerUserID uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT owner_user_id FROM orgs WHERE id = $1
	`, orgID).Scan(&ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to get organization owner: %w", err)
	}

	var unassigned []uuid.UUID
	if excess := used - newTotal; excess > 0 {
		// Reclaim seats from regular members before admins, newest first.
		// The owner keeps theirs regardless.
		rows, err := tx.Query(ctx, `
			SELECT id, user_id
			FROM org_memberships
			WHERE org_id = $1
			  AND status = 'ACTIVE'
			  AND has_license
			  AND (user_id IS NULL OR user_id <> $2)
			ORDER BY (role = 'ADMIN'), created_at DESC
			LIMIT $3
			FOR UPDATE
		`, orgID, ownerUserID, excess)
		if err != nil {
			return nil, fmt.Errorf("failed to select members to unlicense: %w", err)
		}

		var membershipIDs []uuid.UUID
		for rows.Next() {
			var mid uuid.UUID
			var uid *uuid.UUID
			if err := rows.Scan(&mid, &uid); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan membership: %w", err)
			}
			membershipIDs = append(membershipIDs, mid)
			if uid != nil {
				unassigned = append(unassigned, *uid)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to select members to unlicense: %w", err)
		}

		if len(membershipIDs) > 0 {
			_, err = tx.Exec(ctx, `
				UPDATE org_memberships
				SET has_license = FALSE, updated_at = $2
				WHERE id = ANY($1)
			`, membershipIDs, now)
			if err != nil {
				return nil, fmt.Errorf("failed to unlicense members: %w", err)
			}
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE license_pools
		SET total_licenses = $2,
		    used_licenses = (
		      SELECT COUNT(*) FROM org_memberships
		      WHERE org_id = $1 AND status = 'ACTIVE' AND has_license
		    ),
		    scheduled_total_licenses = NULL,
		    scheduled_change_at = NULL,
		    scheduled_change_note = NULL,
		    updated_at = $3
		WHERE org_id = $1
	`, orgID, newTotal, now)
	if err != nil {
		return nil, fmt.Errorf("failed to apply scheduled change: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return unassigned, nil
}

func (s *PGStore) ListPoolsExpiringWithin(ctx context.Context, now time.Time, window time.Duration) ([]LicensePool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+poolColumns+`
		FROM license_pools
		WHERE expires_at > $1 AND expires_at <= $2
		ORDER BY expires_at
	`, now, now.Add(window))
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring pools: %w", err)
	}
	defer rows.Close()

	var out []LicensePool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan license pool: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PGStore) UpsertPendingOrg(ctx context.Context, p *PendingOrganization) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pending_orgs (id, email, org_name, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (email) DO UPDATE
		SET org_name = EXCLUDED.org_name,
		    user_id = EXCLUDED.user_id,
		    created_at = EXCLUDED.created_at
	`, p.ID, p.Email, p.OrgName, p.UserID, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to stage pending organization: %w", err)
	}
	return nil
}

func (s *PGStore) GetPendingOrgByEmail(ctx context.Context, email string) (*PendingOrganization, error) {
	var p PendingOrganization
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, org_name, user_id, created_at
		FROM pending_orgs
		WHERE email = $1
	`, email).Scan(&p.ID, &p.Email, &p.OrgName, &p.UserID, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending organization: %w", err)
	}
	return &p, nil
}

func (s *PGStore) DeletePendingOrg(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM pending_orgs WHERE id = $1
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete pending organization: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGStore) MarkNotified(ctx context.Context, licenseID uuid.UUID, kind NotificationKind, day time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO notification_log (license_id, kind, sent_on)
		VALUES ($1, $2, $3)
		ON CONFLICT (license_id, kind, sent_on) DO NOTHING
	`, licenseID, kind, day)
	if err != nil {
		return false, fmt.Errorf("failed to record notification: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
