package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"guildpost.org/internal/ids"
)

// memStore is an in-memory Store used across the service tests. It honors
// the same guarded-update contracts as the SQL implementation.
type memStore struct {
	mu          sync.Mutex
	users       map[string]*User
	sessions    map[string]*Session
	tokens      map[string]*VerificationToken
	grants      map[string]*PlatformAdminGrant
	leads       map[string]map[string]*ModuleLeadGrant
	memberships map[string]*RegionMembership
}

func newMemStore() *memStore {
	return &memStore{
		users:       map[string]*User{},
		sessions:    map[string]*Session{},
		tokens:      map[string]*VerificationToken{},
		grants:      map[string]*PlatformAdminGrant{},
		leads:       map[string]map[string]*ModuleLeadGrant{},
		memberships: map[string]*RegionMembership{},
	}
}

func (m *memStore) Users(context.Context) UserStore                 { return (*memUsers)(m) }
func (m *memStore) Sessions(context.Context) SessionStore           { return (*memSessions)(m) }
func (m *memStore) VerificationTokens(context.Context) VerificationTokenStore {
	return (*memTokens)(m)
}
func (m *memStore) PlatformGrants(context.Context) PlatformGrantStore { return (*memGrants)(m) }
func (m *memStore) ModuleLeads(context.Context) ModuleLeadStore       { return (*memLeads)(m) }
func (m *memStore) Memberships(context.Context) MembershipStore       { return (*memMemberships)(m) }

type memUsers memStore

func (m *memUsers) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = ids.New()
	}
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return fmt.Errorf("%w: users_email_key", ErrConflict)
		}
		if u.Handle != "" && existing.Handle == u.Handle {
			return fmt.Errorf("%w: users_handle_key", ErrConflict)
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memUsers) Find(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memUsers) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	return nil
}

func (m *memUsers) MarkVerified(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	if u.EmailVerifiedAt == nil {
		u.EmailVerifiedAt = &at
	}
	return nil
}

func (m *memUsers) Deactivate(_ context.Context, userID string, purgeAfter time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.IsActive = false
	u.PurgeAfter = &purgeAfter
	return nil
}

func (m *memUsers) PurgeDue(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, u := range m.users {
		if !u.IsActive && u.PurgeAfter != nil && !u.PurgeAfter.After(now) {
			delete(m.users, id)
			n++
		}
	}
	return n, nil
}

type memSessions memStore

func (m *memSessions) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = ids.New()
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memSessions) Find(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessions) ListByUser(_ context.Context, userID string) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []*Session
	for _, s := range m.sessions {
		if s.UserID == userID && s.IsActive {
			cp := *s
			res = append(res, &cp)
		}
	}
	return res, nil
}

func (m *memSessions) Rotate(_ context.Context, id, oldHash, newHash string, now time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionInvalid
	}
	if s.IsActive && !s.ExpiresAt.After(now) {
		return nil, ErrSessionExpired
	}
	if !s.IsActive || s.RefreshHash != oldHash {
		return nil, ErrSessionInvalid
	}
	s.RefreshHash = newHash
	s.LastActiveAt = now
	cp := *s
	return &cp, nil
}

func (m *memSessions) Revoke(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.IsActive = false
	}
	return nil
}

func (m *memSessions) RevokeAllForUser(_ context.Context, userID, exceptID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.UserID == userID && s.ID != exceptID {
			s.IsActive = false
		}
	}
	return nil
}

type memTokens memStore

func (m *memTokens) Create(_ context.Context, t *VerificationToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = ids.New()
	}
	cp := *t
	m.tokens[t.ID] = &cp
	return nil
}

func (m *memTokens) Consume(_ context.Context, tokenHash string, purpose TokenPurpose, now time.Time) (*VerificationToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.TokenHash == tokenHash && t.Purpose == purpose && t.ConsumedAt == nil && t.ExpiresAt.After(now) {
			at := now
			t.ConsumedAt = &at
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrTokenInvalid
}

func (m *memTokens) InvalidateForUser(_ context.Context, userID string, purpose TokenPurpose) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.UserID == userID && t.Purpose == purpose && t.ConsumedAt == nil {
			at := time.Now().UTC()
			t.ConsumedAt = &at
		}
	}
	return nil
}

type memGrants memStore

func (m *memGrants) Upsert(_ context.Context, g *PlatformAdminGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	m.grants[g.UserID] = &cp
	return nil
}

func (m *memGrants) Find(_ context.Context, userID string) (*PlatformAdminGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *memGrants) List(_ context.Context) ([]*PlatformAdminGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []*PlatformAdminGrant
	for _, g := range m.grants {
		cp := *g
		res = append(res, &cp)
	}
	return res, nil
}

func (m *memGrants) Remove(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[userID]
	if !ok {
		return ErrNotFound
	}
	if g.Role == RoleSuperSuperAdmin {
		var n int
		for _, other := range m.grants {
			if other.Role == RoleSuperSuperAdmin {
				n++
			}
		}
		if n <= 1 {
			return fmt.Errorf("%w: cannot remove the last %s", ErrConflict, RoleSuperSuperAdmin)
		}
	}
	delete(m.grants, userID)
	return nil
}

func (m *memGrants) CountByRole(_ context.Context, role PlatformRole) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, g := range m.grants {
		if g.Role == role {
			n++
		}
	}
	return n, nil
}

type memLeads memStore

func (m *memLeads) Upsert(_ context.Context, g *ModuleLeadGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leads[g.UserID] == nil {
		m.leads[g.UserID] = map[string]*ModuleLeadGrant{}
	}
	cp := *g
	m.leads[g.UserID][g.Module] = &cp
	return nil
}

func (m *memLeads) Remove(_ context.Context, userID, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leads[userID], module)
	return nil
}

func (m *memLeads) ListByUser(_ context.Context, userID string) ([]*ModuleLeadGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []*ModuleLeadGrant
	for _, g := range m.leads[userID] {
		cp := *g
		res = append(res, &cp)
	}
	return res, nil
}

type memMemberships memStore

func (m *memMemberships) Create(_ context.Context, mem *RegionMembership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mem.ID == "" {
		mem.ID = ids.New()
	}
	for _, existing := range m.memberships {
		if existing.UserID == mem.UserID && existing.RegionID == mem.RegionID {
			return fmt.Errorf("%w: region_memberships_user_region_key", ErrConflict)
		}
	}
	cp := *mem
	m.memberships[mem.ID] = &cp
	return nil
}

func (m *memMemberships) Find(_ context.Context, id string) (*RegionMembership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.memberships[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *mem
	return &cp, nil
}

func (m *memMemberships) FindByUserRegion(_ context.Context, userID, regionID string) (*RegionMembership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mem := range m.memberships {
		if mem.UserID == userID && mem.RegionID == regionID {
			cp := *mem
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memMemberships) ListByUser(_ context.Context, userID string) ([]*RegionMembership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []*RegionMembership
	for _, mem := range m.memberships {
		if mem.UserID == userID {
			cp := *mem
			res = append(res, &cp)
		}
	}
	return res, nil
}

func (m *memMemberships) ListByRegion(_ context.Context, regionID string) ([]*RegionMembership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []*RegionMembership
	for _, mem := range m.memberships {
		if mem.RegionID == regionID {
			cp := *mem
			res = append(res, &cp)
		}
	}
	return res, nil
}

func (m *memMemberships) Transition(_ context.Context, id string, from, to MembershipStatus, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.memberships[id]
	if !ok || !mem.IsActive || mem.Status != from {
		return 0, nil
	}
	mem.Status = to
	mem.UpdatedAt = now
	return 1, nil
}

func (m *memMemberships) Reapply(_ context.Context, id string, role RegionRole, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.memberships[id]
	if !ok || (mem.Status != MembershipRejected && mem.IsActive) {
		return fmt.Errorf("%w: membership already exists", ErrConflict)
	}
	mem.Status = MembershipPending
	mem.Role = role
	mem.IsActive = true
	mem.UpdatedAt = now
	return nil
}

func (m *memMemberships) UpdateRole(_ context.Context, id string, role RegionRole, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.memberships[id]
	if !ok {
		return ErrNotFound
	}
	mem.Role = role
	mem.UpdatedAt = now
	return nil
}

func (m *memMemberships) SetPrimary(_ context.Context, userID, membershipID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.memberships[membershipID]
	if !ok || target.UserID != userID {
		return ErrNotFound
	}
	for _, mem := range m.memberships {
		if mem.UserID == userID {
			mem.IsPrimary = false
		}
	}
	target.IsPrimary = true
	target.UpdatedAt = now
	return nil
}

func (m *memMemberships) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.memberships, id)
	return nil
}

func (m *memMemberships) DeleteByRegion(_ context.Context, regionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, mem := range m.memberships {
		if mem.RegionID == regionID {
			delete(m.memberships, id)
			n++
		}
	}
	return n, nil
}
