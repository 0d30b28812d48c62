// Package enttest provides an in-memory entitlement.Store for tests. It
// honors the same atomicity and precondition contracts as the Postgres store,
// including the single-winner gates, so engine behavior under replays and
// races can be exercised without a database.
package enttest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/seatwise/seatwise/internal/entitlement"
)

type Store struct {
	mu sync.Mutex

	orgs        map[uuid.UUID]*entitlement.Organization
	memberships map[uuid.UUID]*entitlement.Membership
	pools       map[uuid.UUID]*entitlement.LicensePool // keyed by org id
	pendingOrgs map[uuid.UUID]*entitlement.PendingOrganization
	renewals    map[string]*entitlement.RenewalRecord // keyed by transaction id
	notified    map[string]bool
}

var _ entitlement.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		orgs:        make(map[uuid.UUID]*entitlement.Organization),
		memberships: make(map[uuid.UUID]*entitlement.Membership),
		pools:       make(map[uuid.UUID]*entitlement.LicensePool),
		pendingOrgs: make(map[uuid.UUID]*entitlement.PendingOrganization),
		renewals:    make(map[string]*entitlement.RenewalRecord),
		notified:    make(map[string]bool),
	}
}

func copyOrg(o *entitlement.Organization) *entitlement.Organization {
	c := *o
	return &c
}

func copyMembership(m *entitlement.Membership) *entitlement.Membership {
	c := *m
	return &c
}

func copyPool(p *entitlement.LicensePool) *entitlement.LicensePool {
	c := *p
	return &c
}

func (s *Store) GetOrg(_ context.Context, orgID uuid.UUID) (*entitlement.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[orgID]
	if !ok {
		return nil, entitlement.ErrOrgNotFound
	}
	return copyOrg(o), nil
}

func (s *Store) GetOrgByName(_ context.Context, name string) (*entitlement.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orgs {
		if o.Name == name {
			return copyOrg(o), nil
		}
	}
	return nil, entitlement.ErrOrgNotFound
}

func (s *Store) CreateOrgWithOwner(_ context.Context, org *entitlement.Organization, pool *entitlement.LicensePool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orgs {
		if o.Name == org.Name {
			return entitlement.ErrOrgNameTaken
		}
	}
	s.orgs[org.ID] = copyOrg(org)

	owner := org.OwnerUserID
	m := &entitlement.Membership{
		ID:         uuid.New(),
		OrgID:      org.ID,
		UserID:     &owner,
		Role:       entitlement.RoleAdmin,
		Status:     entitlement.StatusActive,
		HasLicense: pool.UsedLicenses > 0,
		CreatedAt:  org.CreatedAt,
		UpdatedAt:  org.CreatedAt,
	}
	s.memberships[m.ID] = m

	p := copyPool(pool)
	p.OrgID = org.ID
	s.pools[org.ID] = p
	return nil
}

func (s *Store) SetOrgPaid(_ context.Context, orgID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[orgID]
	if !ok {
		return entitlement.ErrOrgNotFound
	}
	o.IsTrial = false
	o.TrialExpiresAt = nil
	o.IsPersonalTrial = false
	return nil
}

func (s *Store) GetPersonalTrialOrgForUser(_ context.Context, userID uuid.UUID) (*entitlement.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.memberships {
		if m.UserID == nil || *m.UserID != userID || m.Status != entitlement.StatusActive {
			continue
		}
		if o, ok := s.orgs[m.OrgID]; ok && o.IsPersonalTrial {
			return copyOrg(o), nil
		}
	}
	return nil, entitlement.ErrOrgNotFound
}

func (s *Store) DeleteOrgIfOrphaned(_ context.Context, orgID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[orgID]
	if !ok || !o.IsPersonalTrial {
		return false, nil
	}
	for _, m := range s.memberships {
		if m.OrgID == orgID && m.Status == entitlement.StatusActive {
			return false, nil
		}
	}
	delete(s.orgs, orgID)
	delete(s.pools, orgID)
	for id, m := range s.memberships {
		if m.OrgID == orgID {
			delete(s.memberships, id)
		}
	}
	return true, nil
}

func (s *Store) ListOrphanedPersonalTrialOrgs(_ context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, o := range s.orgs {
		if !o.IsPersonalTrial {
			continue
		}
		orphan := true
		for _, m := range s.memberships {
			if m.OrgID == id && m.Status == entitlement.StatusActive {
				orphan = false
				break
			}
		}
		if orphan {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *Store) findMembership(orgID, userID uuid.UUID) *entitlement.Membership {
	for _, m := range s.memberships {
		if m.OrgID == orgID && m.UserID != nil && *m.UserID == userID {
			return m
		}
	}
	return nil
}

func (s *Store) GetMembership(_ context.Context, orgID, userID uuid.UUID) (*entitlement.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.findMembership(orgID, userID); m != nil {
		return copyMembership(m), nil
	}
	return nil, entitlement.ErrMembershipNotFound
}

func (s *Store) GetMembershipByInviteHash(_ context.Context, hash string) (*entitlement.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.memberships {
		if m.InviteTokenHash != nil && *m.InviteTokenHash == hash {
			return copyMembership(m), nil
		}
	}
	return nil, entitlement.ErrInviteNotFound
}

func (s *Store) ListActiveMembershipsForUser(_ context.Context, userID uuid.UUID) ([]entitlement.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entitlement.Membership
	for _, m := range s.memberships {
		if m.UserID != nil && *m.UserID == userID && m.Status == entitlement.StatusActive {
			out = append(out, *copyMembership(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListMembers(_ context.Context, orgID uuid.UUID) ([]entitlement.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entitlement.Membership
	for _, m := range s.memberships {
		if m.OrgID == orgID {
			out = append(out, *copyMembership(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreatePendingInvite(_ context.Context, m *entitlement.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.memberships {
		if existing.OrgID == m.OrgID &&
			existing.Status == entitlement.StatusPending &&
			existing.InviteEmail != nil && m.InviteEmail != nil &&
			strings.EqualFold(*existing.InviteEmail, *m.InviteEmail) {
			delete(s.memberships, id)
		}
	}
	s.memberships[m.ID] = copyMembership(m)
	return nil
}

func (s *Store) RevokePendingInvite(_ context.Context, orgID, membershipID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[membershipID]
	if !ok || m.OrgID != orgID || m.Status != entitlement.StatusPending {
		return false, nil
	}
	delete(s.memberships, membershipID)
	return true, nil
}

func (s *Store) ActivateInvitedMembership(_ context.Context, membershipID, userID uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memberships[membershipID]
	if !ok || m.Status != entitlement.StatusPending {
		return entitlement.ErrInviteAlreadyUsed
	}
	p, ok := s.pools[m.OrgID]
	if !ok {
		return entitlement.ErrPoolNotFound
	}
	if p.UsedLicenses >= p.TotalLicenses {
		return entitlement.ErrNoAvailableLicenses
	}
	if s.findMembership(m.OrgID, userID) != nil {
		return entitlement.ErrAlreadyActiveMember
	}

	uid := userID
	m.UserID = &uid
	m.Status = entitlement.StatusActive
	m.HasLicense = true
	m.InviteSentAt = nil
	m.InviteExpiresAt = nil
	m.UpdatedAt = now
	p.UsedLicenses++
	p.UpdatedAt = now
	return nil
}

func (s *Store) EnsureActiveLicensed(_ context.Context, orgID, userID uuid.UUID, role entitlement.Role, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[orgID]
	if !ok {
		return false, entitlement.ErrPoolNotFound
	}

	m := s.findMembership(orgID, userID)
	if m == nil {
		if p.UsedLicenses >= p.TotalLicenses {
			return false, entitlement.ErrNoAvailableLicenses
		}
		uid := userID
		m := &entitlement.Membership{
			ID:         uuid.New(),
			OrgID:      orgID,
			UserID:     &uid,
			Role:       role,
			Status:     entitlement.StatusActive,
			HasLicense: true,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		s.memberships[m.ID] = m
		p.UsedLicenses++
		p.UpdatedAt = now
		return true, nil
	}

	newRole := m.Role
	if role == entitlement.RoleAdmin {
		newRole = entitlement.RoleAdmin
	}
	if m.Status == entitlement.StatusActive && m.HasLicense && newRole == m.Role {
		return false, nil
	}
	needSeat := !m.HasLicense
	if needSeat && p.UsedLicenses >= p.TotalLicenses {
		return false, entitlement.ErrNoAvailableLicenses
	}
	m.Role = newRole
	m.Status = entitlement.StatusActive
	m.HasLicense = true
	m.InviteSentAt = nil
	m.InviteExpiresAt = nil
	m.UpdatedAt = now
	if needSeat {
		p.UsedLicenses++
		p.UpdatedAt = now
	}
	return true, nil
}

func (s *Store) recountUsed(orgID uuid.UUID) {
	p, ok := s.pools[orgID]
	if !ok {
		return
	}
	used := 0
	for _, m := range s.memberships {
		if m.OrgID == orgID && m.Status == entitlement.StatusActive && m.HasLicense {
			used++
		}
	}
	p.UsedLicenses = used
}

func (s *Store) DeactivateMembership(_ context.Context, orgID, userID uuid.UUID, now time.Time) (*entitlement.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.findMembership(orgID, userID)
	if m == nil {
		return nil, entitlement.ErrMembershipNotFound
	}
	if m.Status == entitlement.StatusInactive {
		return copyMembership(m), nil
	}
	m.Status = entitlement.StatusInactive
	m.HasLicense = false
	m.UpdatedAt = now
	s.recountUsed(orgID)
	return copyMembership(m), nil
}

func (s *Store) ReactivateMembership(_ context.Context, orgID, userID uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[orgID]
	if !ok {
		return entitlement.ErrPoolNotFound
	}
	m := s.findMembership(orgID, userID)
	if m == nil {
		return entitlement.ErrMembershipNotFound
	}
	if m.Status != entitlement.StatusInactive {
		return entitlement.ErrMemberNotInactive
	}
	if p.UsedLicenses >= p.TotalLicenses {
		return entitlement.ErrNoAvailableLicenses
	}
	m.Status = entitlement.StatusActive
	m.HasLicense = true
	m.UpdatedAt = now
	p.UsedLicenses++
	p.UpdatedAt = now
	return nil
}

func (s *Store) GetPool(_ context.Context, orgID uuid.UUID) (*entitlement.LicensePool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[orgID]
	if !ok {
		return nil, entitlement.ErrPoolNotFound
	}
	return copyPool(p), nil
}

func (s *Store) CreatePool(_ context.Context, pool *entitlement.LicensePool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[pool.OrgID]; ok {
		return entitlement.ErrPoolExists
	}
	s.pools[pool.OrgID] = copyPool(pool)
	return nil
}

func (s *Store) InsertRenewalAndAddLicenses(_ context.Context, rec *entitlement.RenewalRecord, setExpiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.renewals[rec.TransactionID]; ok {
		return entitlement.ErrAlreadyProcessed
	}
	p, ok := s.pools[rec.OrgID]
	if !ok {
		return entitlement.ErrPoolNotFound
	}
	c := *rec
	s.renewals[rec.TransactionID] = &c
	p.TotalLicenses += rec.Quantity
	if setExpiresAt != nil {
		t := *setExpiresAt
		p.ExpiresAt = &t
	}
	p.UpdatedAt = rec.ProcessedAt
	return nil
}

func (s *Store) SetPoolSubscription(_ context.Context, orgID uuid.UUID, subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[orgID]
	if !ok {
		return entitlement.ErrPoolNotFound
	}
	p.SubscriptionID = &subscriptionID
	return nil
}

func (s *Store) SetScheduledChange(_ context.Context, orgID uuid.UUID, newTotal int, effectiveAt time.Time, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[orgID]
	if !ok {
		return entitlement.ErrPoolNotFound
	}
	p.ScheduledTotalLicenses = &newTotal
	t := effectiveAt
	p.ScheduledChangeAt = &t
	if note != "" {
		p.ScheduledChangeNote = &note
	} else {
		p.ScheduledChangeNote = nil
	}
	return nil
}

func (s *Store) ListDueScheduledChanges(_ context.Context, now time.Time) ([]entitlement.LicensePool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entitlement.LicensePool
	for _, p := range s.pools {
		if p.ScheduledTotalLicenses != nil && p.ScheduledChangeAt != nil && !p.ScheduledChangeAt.After(now) {
			out = append(out, *copyPool(p))
		}
	}
	return out, nil
}

func (s *Store) ApplyScheduledChange(_ context.Context, orgID uuid.UUID, now time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[orgID]
	if !ok {
		return nil, entitlement.ErrPoolNotFound
	}
	if p.ScheduledTotalLicenses == nil || p.ScheduledChangeAt == nil || p.ScheduledChangeAt.After(now) {
		return nil, entitlement.ErrNoScheduledChange
	}
	newTotal := *p.ScheduledTotalLicenses

	org, ok := s.orgs[orgID]
	if !ok {
		return nil, entitlement.ErrOrgNotFound
	}

	var unassigned []uuid.UUID
	if excess := p.UsedLicenses - newTotal; excess > 0 {
		var victims []*entitlement.Membership
		for _, m := range s.memberships {
			if m.OrgID == orgID && m.Status == entitlement.StatusActive && m.HasLicense {
				if m.UserID != nil && *m.UserID == org.OwnerUserID {
					continue
				}
				victims = append(victims, m)
			}
		}
		sort.Slice(victims, func(i, j int) bool {
			if (victims[i].Role == entitlement.RoleAdmin) != (victims[j].Role == entitlement.RoleAdmin) {
				return victims[i].Role != entitlement.RoleAdmin
			}
			return victims[i].CreatedAt.After(victims[j].CreatedAt)
		})
		if excess > len(victims) {
			excess = len(victims)
		}
		for _, m := range victims[:excess] {
			m.HasLicense = false
			m.UpdatedAt = now
			if m.UserID != nil {
				unassigned = append(unassigned, *m.UserID)
			}
		}
	}

	p.TotalLicenses = newTotal
	p.ScheduledTotalLicenses = nil
	p.ScheduledChangeAt = nil
	p.ScheduledChangeNote = nil
	p.UpdatedAt = now
	s.recountUsed(orgID)
	return unassigned, nil
}

func (s *Store) ListPoolsExpiringWithin(_ context.Context, now time.Time, window time.Duration) ([]entitlement.LicensePool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entitlement.LicensePool
	for _, p := range s.pools {
		if p.ExpiresAt != nil && p.ExpiresAt.After(now) && !p.ExpiresAt.After(now.Add(window)) {
			out = append(out, *copyPool(p))
		}
	}
	return out, nil
}

func (s *Store) UpsertPendingOrg(_ context.Context, pending *entitlement.PendingOrganization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.pendingOrgs {
		if strings.EqualFold(existing.Email, pending.Email) {
			delete(s.pendingOrgs, id)
		}
	}
	c := *pending
	s.pendingOrgs[pending.ID] = &c
	return nil
}

func (s *Store) GetPendingOrgByEmail(_ context.Context, email string) (*entitlement.PendingOrganization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pendingOrgs {
		if strings.EqualFold(p.Email, email) {
			c := *p
			return &c, nil
		}
	}
	return nil, nil
}

func (s *Store) DeletePendingOrg(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pendingOrgs[id]; !ok {
		return false, nil
	}
	delete(s.pendingOrgs, id)
	return true, nil
}

func (s *Store) MarkNotified(_ context.Context, licenseID uuid.UUID, kind entitlement.NotificationKind, day time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := licenseID.String() + "|" + string(kind) + "|" + day.Format("2006-01-02")
	if s.notified[key] {
		return false, nil
	}
	s.notified[key] = true
	return true, nil
}
