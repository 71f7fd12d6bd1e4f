package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"guildpost.org/internal/auth"
	"guildpost.org/internal/ids"
)

// stubStore is an in-memory auth.Store for handler tests. It mirrors the
// guarded-update contracts of the SQL store for the paths the HTTP tests
// exercise.
type stubStore struct {
	mu          sync.Mutex
	users       map[string]*auth.User
	sessions    map[string]*auth.Session
	tokens      map[string]*auth.VerificationToken
	grants      map[string]*auth.PlatformAdminGrant
	leads       map[string]map[string]*auth.ModuleLeadGrant
	memberships map[string]*auth.RegionMembership
}

func newStubStore() *stubStore {
	return &stubStore{
		users:       map[string]*auth.User{},
		sessions:    map[string]*auth.Session{},
		tokens:      map[string]*auth.VerificationToken{},
		grants:      map[string]*auth.PlatformAdminGrant{},
		leads:       map[string]map[string]*auth.ModuleLeadGrant{},
		memberships: map[string]*auth.RegionMembership{},
	}
}

func (s *stubStore) Users(context.Context) auth.UserStore       { return (*stubUsers)(s) }
func (s *stubStore) Sessions(context.Context) auth.SessionStore { return (*stubSessions)(s) }
func (s *stubStore) VerificationTokens(context.Context) auth.VerificationTokenStore {
	return (*stubTokens)(s)
}
func (s *stubStore) PlatformGrants(context.Context) auth.PlatformGrantStore {
	return (*stubGrants)(s)
}
func (s *stubStore) ModuleLeads(context.Context) auth.ModuleLeadStore { return (*stubLeads)(s) }
func (s *stubStore) Memberships(context.Context) auth.MembershipStore {
	return (*stubMemberships)(s)
}

type stubUsers stubStore

func (s *stubUsers) Create(_ context.Context, u *auth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = ids.New()
	}
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return fmt.Errorf("%w: users_email_key", auth.ErrConflict)
		}
		if u.Handle != "" && existing.Handle == u.Handle {
			return fmt.Errorf("%w: users_handle_key", auth.ErrConflict)
		}
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *stubUsers) Find(_ context.Context, id string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *stubUsers) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (s *stubUsers) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	u.PasswordHash = passwordHash
	return nil
}

func (s *stubUsers) MarkVerified(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	if u.EmailVerifiedAt == nil {
		u.EmailVerifiedAt = &at
	}
	return nil
}

func (s *stubUsers) Deactivate(_ context.Context, userID string, purgeAfter time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	u.IsActive = false
	u.PurgeAfter = &purgeAfter
	return nil
}

func (s *stubUsers) PurgeDue(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, u := range s.users {
		if !u.IsActive && u.PurgeAfter != nil && !u.PurgeAfter.After(now) {
			delete(s.users, id)
			n++
		}
	}
	return n, nil
}

type stubSessions stubStore

func (s *stubSessions) Create(_ context.Context, sess *auth.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ID == "" {
		sess.ID = ids.New()
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *stubSessions) Find(_ context.Context, id string) (*auth.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *stubSessions) ListByUser(_ context.Context, userID string) ([]*auth.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*auth.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.IsActive {
			cp := *sess
			res = append(res, &cp)
		}
	}
	return res, nil
}

func (s *stubSessions) Rotate(_ context.Context, id, oldHash, newHash string, now time.Time) (*auth.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, auth.ErrSessionInvalid
	}
	if sess.IsActive && !sess.ExpiresAt.After(now) {
		return nil, auth.ErrSessionExpired
	}
	if !sess.IsActive || sess.RefreshHash != oldHash {
		return nil, auth.ErrSessionInvalid
	}
	sess.RefreshHash = newHash
	sess.LastActiveAt = now
	cp := *sess
	return &cp, nil
}

func (s *stubSessions) Revoke(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.IsActive = false
	}
	return nil
}

func (s *stubSessions) RevokeAllForUser(_ context.Context, userID, exceptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.ID != exceptID {
			sess.IsActive = false
		}
	}
	return nil
}

type stubTokens stubStore

func (s *stubTokens) Create(_ context.Context, t *auth.VerificationToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = ids.New()
	}
	cp := *t
	s.tokens[t.ID] = &cp
	return nil
}

func (s *stubTokens) Consume(_ context.Context, tokenHash string, purpose auth.TokenPurpose, now time.Time) (*auth.VerificationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.TokenHash == tokenHash && t.Purpose == purpose && t.ConsumedAt == nil && t.ExpiresAt.After(now) {
			at := now
			t.ConsumedAt = &at
			cp := *t
			return &cp, nil
		}
	}
	return nil, auth.ErrTokenInvalid
}

func (s *stubTokens) InvalidateForUser(_ context.Context, userID string, purpose auth.TokenPurpose) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.UserID == userID && t.Purpose == purpose && t.ConsumedAt == nil {
			at := time.Now().UTC()
			t.ConsumedAt = &at
		}
	}
	return nil
}

type stubGrants stubStore

func (s *stubGrants) Upsert(_ context.Context, g *auth.PlatformAdminGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *g
	s.grants[g.UserID] = &cp
	return nil
}

func (s *stubGrants) Find(_ context.Context, userID string) (*auth.PlatformAdminGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[userID]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *stubGrants) List(_ context.Context) ([]*auth.PlatformAdminGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*auth.PlatformAdminGrant
	for _, g := range s.grants {
		cp := *g
		res = append(res, &cp)
	}
	return res, nil
}

func (s *stubGrants) Remove(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[userID]
	if !ok {
		return auth.ErrNotFound
	}
	if g.Role == auth.RoleSuperSuperAdmin {
		var n int
		for _, other := range s.grants {
			if other.Role == auth.RoleSuperSuperAdmin {
				n++
			}
		}
		if n <= 1 {
			return fmt.Errorf("%w: cannot remove the last %s", auth.ErrConflict, auth.RoleSuperSuperAdmin)
		}
	}
	delete(s.grants, userID)
	return nil
}

func (s *stubGrants) CountByRole(_ context.Context, role auth.PlatformRole) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, g := range s.grants {
		if g.Role == role {
			n++
		}
	}
	return n, nil
}

type stubLeads stubStore

func (s *stubLeads) Upsert(_ context.Context, g *auth.ModuleLeadGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leads[g.UserID] == nil {
		s.leads[g.UserID] = map[string]*auth.ModuleLeadGrant{}
	}
	cp := *g
	s.leads[g.UserID][g.Module] = &cp
	return nil
}

func (s *stubLeads) Remove(_ context.Context, userID, module string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leads[userID], module)
	return nil
}

func (s *stubLeads) ListByUser(_ context.Context, userID string) ([]*auth.ModuleLeadGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*auth.ModuleLeadGrant
	for _, g := range s.leads[userID] {
		cp := *g
		res = append(res, &cp)
	}
	return res, nil
}

type stubMemberships stubStore

func (s *stubMemberships) Create(_ context.Context, m *auth.RegionMembership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = ids.New()
	}
	for _, existing := range s.memberships {
		if existing.UserID == m.UserID && existing.RegionID == m.RegionID {
			return fmt.Errorf("%w: region_memberships_user_region_key", auth.ErrConflict)
		}
	}
	cp := *m
	s.memberships[m.ID] = &cp
	return nil
}

func (s *stubMemberships) Find(_ context.Context, id string) (*auth.RegionMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *stubMemberships) FindByUserRegion(_ context.Context, userID, regionID string) (*auth.RegionMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.memberships {
		if m.UserID == userID && m.RegionID == regionID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (s *stubMemberships) ListByUser(_ context.Context, userID string) ([]*auth.RegionMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*auth.RegionMembership
	for _, m := range s.memberships {
		if m.UserID == userID {
			cp := *m
			res = append(res, &cp)
		}
	}
	return res, nil
}

func (s *stubMemberships) ListByRegion(_ context.Context, regionID string) ([]*auth.RegionMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*auth.RegionMembership
	for _, m := range s.memberships {
		if m.RegionID == regionID {
			cp := *m
			res = append(res, &cp)
		}
	}
	return res, nil
}

func (s *stubMemberships) Transition(_ context.Context, id string, from, to auth.MembershipStatus, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[id]
	if !ok || !m.IsActive || m.Status != from {
		return 0, nil
	}
	m.Status = to
	m.UpdatedAt = now
	return 1, nil
}

func (s *stubMemberships) Reapply(_ context.Context, id string, role auth.RegionRole, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[id]
	if !ok || (m.Status != auth.MembershipRejected && m.IsActive) {
		return fmt.Errorf("%w: membership already exists", auth.ErrConflict)
	}
	m.Status = auth.MembershipPending
	m.Role = role
	m.IsActive = true
	m.UpdatedAt = now
	return nil
}

func (s *stubMemberships) UpdateRole(_ context.Context, id string, role auth.RegionRole, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[id]
	if !ok {
		return auth.ErrNotFound
	}
	m.Role = role
	m.UpdatedAt = now
	return nil
}

func (s *stubMemberships) SetPrimary(_ context.Context, userID, membershipID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.memberships[membershipID]
	if !ok || target.UserID != userID {
		return auth.ErrNotFound
	}
	for _, m := range s.memberships {
		if m.UserID == userID {
			m.IsPrimary = false
		}
	}
	target.IsPrimary = true
	target.UpdatedAt = now
	return nil
}

func (s *stubMemberships) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memberships, id)
	return nil
}

func (s *stubMemberships) DeleteByRegion(_ context.Context, regionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, m := range s.memberships {
		if m.RegionID == regionID {
			delete(s.memberships, id)
			n++
		}
	}
	return n, nil
}

// --- Fixture wiring ---

type tokenNotifier struct {
	mu     sync.Mutex
	tokens map[string]string // purpose -> last raw token
}

func (n *tokenNotifier) DeliverToken(_ context.Context, _ string, purpose auth.TokenPurpose, raw string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.tokens == nil {
		n.tokens = map[string]string{}
	}
	n.tokens[string(purpose)] = raw
	return nil
}

func (n *tokenNotifier) last(purpose auth.TokenPurpose) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tokens[string(purpose)]
}

type testAPI struct {
	handler  http.Handler
	store    *stubStore
	notifier *tokenNotifier
}

func newTestAPI(t *testing.T, opts ...Option) *testAPI {
	t.Helper()
	store := newStubStore()
	tokens, err := auth.NewTokenManager("test-secret", "guildpost")
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	notifier := &tokenNotifier{}
	svc, err := auth.NewService(store, tokens, auth.NewHasher(2), auth.WithNotifier(notifier))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	api := New(svc, ReadyProbe{}, "test", opts...)
	return &testAPI{handler: api.Handler(), store: store, notifier: notifier}
}

func (ta *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ta.handler.ServeHTTP(rec, req)
	return rec
}

func (ta *testAPI) signup(t *testing.T, email, handle, password string) {
	t.Helper()
	rec := ta.do(t, http.MethodPost, "/v1/auth/signup", "", map[string]string{
		"email":    email,
		"handle":   handle,
		"password": password,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup status = %d, body %s", rec.Code, rec.Body.String())
	}
}

// login returns (accessToken, refreshToken).
func (ta *testAPI) login(t *testing.T, email, password string) (string, string) {
	t.Helper()
	rec := ta.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email":    email,
		"password": password,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Tokens struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.Tokens.AccessToken, resp.Tokens.RefreshToken
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) (code, msg, requestID string) {
	t.Helper()
	var resp struct {
		Error     string `json:"error"`
		Code      string `json:"code"`
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp.Code, resp.Error, resp.RequestID
}
