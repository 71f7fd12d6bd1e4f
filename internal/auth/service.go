package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"guildpost.org/internal/audit"
	"guildpost.org/internal/ids"
	"guildpost.org/internal/obs"
	"guildpost.org/internal/ratelimit"
)

const (
	moduleAuth       = "auth"
	moduleGrants     = "grants"
	moduleMembership = "membership"

	defaultVerifyTokenTTL    = 24 * time.Hour
	defaultResetTokenTTL     = 30 * time.Minute
	defaultDeactivationGrace = 30 * 24 * time.Hour
)

// ActionLimiter gates expensive credential operations. Implementations must
// make the increment-and-compare atomic across concurrent callers.
type ActionLimiter interface {
	Allow(ctx context.Context, action, identifier string) error
	Reset(ctx context.Context, action, identifier string) error
}

// Notifier delivers one-time tokens out-of-band. The raw token never appears
// in a response body; this is the only path it leaves the core on.
type Notifier interface {
	DeliverToken(ctx context.Context, email string, purpose TokenPurpose, rawToken string) error
}

// Service orchestrates the credential workflows over the store, the token
// manager, the hasher, the rate limiter and the audit sink.
type Service struct {
	store   Store
	tokens  *TokenManager
	hasher  *Hasher
	limiter ActionLimiter
	sink    audit.Sink
	notify  Notifier
	now     func() time.Time

	verifyTokenTTL    time.Duration
	resetTokenTTL     time.Duration
	deactivationGrace time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithLimiter installs the action rate limiter.
func WithLimiter(l ActionLimiter) ServiceOption {
	return func(s *Service) { s.limiter = l }
}

// WithAuditSink installs the audit sink.
func WithAuditSink(sink audit.Sink) ServiceOption {
	return func(s *Service) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithNotifier installs the out-of-band token deliverer.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) { s.notify = n }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithDeactivationGrace sets the delay before a deactivated account becomes
// eligible for hard deletion.
func WithDeactivationGrace(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.deactivationGrace = d
		}
	}
}

// WithVerifyTokenTTL sets the email-verification token lifetime.
func WithVerifyTokenTTL(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.verifyTokenTTL = d
		}
	}
}

// WithResetTokenTTL sets the password-reset token lifetime.
func WithResetTokenTTL(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.resetTokenTTL = d
		}
	}
}

// NewService constructs the identity core service.
func NewService(store Store, tokens *TokenManager, hasher *Hasher, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if tokens == nil {
		return nil, errors.New("auth: token manager is required")
	}
	if hasher == nil {
		return nil, errors.New("auth: hasher is required")
	}
	s := &Service{
		store:             store,
		tokens:            tokens,
		hasher:            hasher,
		sink:              audit.LogSink{},
		now:               time.Now,
		verifyTokenTTL:    defaultVerifyTokenTTL,
		resetTokenTTL:     defaultResetTokenTTL,
		deactivationGrace: defaultDeactivationGrace,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// allow consults the limiter, translating its sentinel into the core's
// error kind. Limiter outages fail closed: the expensive path is never
// reached without a counted attempt.
func (s *Service) allow(ctx context.Context, action, identifier string) error {
	if s.limiter == nil {
		return nil
	}
	if err := s.limiter.Allow(ctx, action, identifier); err != nil {
		if errors.Is(err, ratelimit.ErrLimited) {
			obs.AuthOutcome(action, "rate_limited")
			return ErrRateLimited
		}
		return err
	}
	return nil
}

func (s *Service) record(ctx context.Context, actorID, module, action string, sev audit.Severity, detail map[string]string) {
	s.sink.Record(ctx, audit.Entry{
		OccurredAt:  s.now().UTC(),
		ActorUserID: actorID,
		Module:      module,
		Action:      action,
		Severity:    sev,
		Detail:      detail,
	})
}

// SignupInput carries the signup request.
type SignupInput struct {
	Email    string
	Handle   string
	Password string
	IP       string
}

// Signup validates uniqueness, hashes the password and creates an
// unverified user together with its email-verification token. Nothing
// sensitive is returned: the raw token goes only to the notifier.
func (s *Service) Signup(ctx context.Context, in SignupInput) (*User, error) {
	email := normalizeEmail(in.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrValidation)
	}
	if len(in.Password) < 8 {
		return nil, fmt.Errorf("%w: password must be at least 8 characters", ErrValidation)
	}
	handle := strings.TrimSpace(in.Handle)

	if err := s.allow(ctx, ratelimit.ActionSignup, in.IP); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	user := &User{
		ID:           ids.New(),
		Email:        email,
		Handle:       handle,
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Users(ctx).Create(ctx, user); err != nil {
		obs.AuthOutcome("signup", "conflict")
		return nil, err
	}

	if err := s.issueVerificationToken(ctx, user, PurposeVerifyEmail, s.verifyTokenTTL); err != nil {
		return nil, err
	}

	obs.AuthOutcome("signup", "success")
	s.record(ctx, user.ID, moduleAuth, "auth.signup", audit.SeverityNormal, map[string]string{
		"email": email,
	})
	return user, nil
}

// LoginInput carries the login request.
type LoginInput struct {
	Email    string
	Password string
	Device   string
	IP       string
}

// Login verifies credentials and opens a session. A missing user and a
// wrong password are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, in LoginInput) (*User, TokenPair, error) {
	email := normalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		return nil, TokenPair{}, fmt.Errorf("%w: email and password are required", ErrValidation)
	}

	// Short-circuit before any store access or password compare.
	if err := s.allow(ctx, ratelimit.ActionLogin, email); err != nil {
		return nil, TokenPair{}, err
	}

	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.AuthOutcome("login", "failure")
			s.record(ctx, "", moduleAuth, "auth.login.failure", audit.SeverityNormal, map[string]string{
				"identifier": email,
			})
			return nil, TokenPair{}, ErrInvalidCredentials
		}
		return nil, TokenPair{}, err
	}

	ok, err := s.hasher.Verify(user.PasswordHash, in.Password)
	if err != nil || !ok {
		obs.AuthOutcome("login", "failure")
		s.record(ctx, user.ID, moduleAuth, "auth.login.failure", audit.SeverityNormal, map[string]string{
			"identifier": email,
		})
		return nil, TokenPair{}, ErrInvalidCredentials
	}
	if !user.IsActive {
		obs.AuthOutcome("login", "deactivated")
		s.record(ctx, user.ID, moduleAuth, "auth.login.deactivated", audit.SeverityNormal, nil)
		return nil, TokenPair{}, ErrAccountDeactivated
	}

	pair, err := s.openSession(ctx, user.ID, in.Device, in.IP)
	if err != nil {
		return nil, TokenPair{}, err
	}

	if s.limiter != nil {
		// Best-effort: a failed reset must not fail a successful login.
		if err := s.limiter.Reset(ctx, ratelimit.ActionLogin, email); err != nil {
			obs.LogRequest(map[string]any{"level": "warn", "msg": "login limiter reset failed"})
		}
	}

	obs.AuthOutcome("login", "success")
	s.record(ctx, user.ID, moduleAuth, "auth.login.success", audit.SeverityNormal, map[string]string{
		"session_id": pair.SessionID,
	})
	return user, pair, nil
}

// openSession creates the session row and its paired tokens. The session is
// only observable once both the row and the tokens exist.
func (s *Service) openSession(ctx context.Context, userID, device, ip string) (TokenPair, error) {
	secret, err := NewRefreshSecret()
	if err != nil {
		return TokenPair{}, err
	}
	now := s.now().UTC()
	sess := &Session{
		ID:           ids.New(),
		UserID:       userID,
		RefreshHash:  HashRefreshSecret(secret),
		Device:       strings.TrimSpace(device),
		IP:           strings.TrimSpace(ip),
		IsActive:     true,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(s.tokens.RefreshTTL()),
	}
	if err := s.store.Sessions(ctx).Create(ctx, sess); err != nil {
		return TokenPair{}, err
	}
	access, accessExp, err := s.tokens.SignAccess(userID, sess.ID)
	if err != nil {
		// Roll the half-created session back so no session exists without
		// its paired token.
		_ = s.store.Sessions(ctx).Revoke(ctx, sess.ID)
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     EncodeRefreshToken(sess.ID, secret),
		SessionID:        sess.ID,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: sess.ExpiresAt,
	}, nil
}

// Refresh exchanges a refresh credential for a new access token, rotating
// the refresh secret in place. The rotation is a single guarded update: two
// concurrent refreshes off one stale secret cannot both succeed, and a
// replayed prior token fails with ErrSessionInvalid.
func (s *Service) Refresh(ctx context.Context, rawRefresh string) (TokenPair, error) {
	sessionID, secret, err := SplitRefreshToken(rawRefresh)
	if err != nil {
		return TokenPair{}, ErrSessionInvalid
	}

	if err := s.allow(ctx, ratelimit.ActionRefresh, sessionID); err != nil {
		return TokenPair{}, err
	}

	nextSecret, err := NewRefreshSecret()
	if err != nil {
		return TokenPair{}, err
	}
	now := s.now().UTC()
	sess, err := s.store.Sessions(ctx).Rotate(ctx, sessionID, HashRefreshSecret(secret), HashRefreshSecret(nextSecret), now)
	if err != nil {
		if errors.Is(err, ErrSessionInvalid) || errors.Is(err, ErrSessionExpired) {
			obs.AuthOutcome("refresh", "rejected")
			return TokenPair{}, err
		}
		return TokenPair{}, err
	}

	access, accessExp, err := s.tokens.SignAccess(sess.UserID, sess.ID)
	if err != nil {
		return TokenPair{}, err
	}

	obs.AuthOutcome("refresh", "success")
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     EncodeRefreshToken(sess.ID, nextSecret),
		SessionID:        sess.ID,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: sess.ExpiresAt,
	}, nil
}

// VerifyAccess is the pure hot-path check: signature and expiry only, no
// store lookup. Revocation catches up with a session at refresh time or at
// its access token's natural expiry, whichever comes first.
func (s *Service) VerifyAccess(token string) (*Claims, error) {
	return s.tokens.VerifyAccess(token)
}

// ResolvePrincipal loads the user and all three grant layers for a verified
// claim set. It returns ErrTokenInvalid for a vanished user so stale tokens
// do not reveal whether an account ever existed.
func (s *Service) ResolvePrincipal(ctx context.Context, claims *Claims) (Principal, error) {
	user, err := s.store.Users(ctx).Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrTokenInvalid
		}
		return Principal{}, err
	}
	if !user.IsActive {
		return Principal{}, ErrAccountDeactivated
	}

	p := Principal{
		UserID:        user.ID,
		SessionID:     claims.SessionID,
		EmailVerified: user.EmailVerified(),
		ModuleLeads:   map[string]struct{}{},
		Memberships:   map[string]*RegionMembership{},
	}

	if grant, err := s.store.PlatformGrants(ctx).Find(ctx, user.ID); err == nil && grant != nil {
		p.PlatformRole = grant.Role
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return Principal{}, err
	}

	leads, err := s.store.ModuleLeads(ctx).ListByUser(ctx, user.ID)
	if err != nil {
		return Principal{}, err
	}
	for _, g := range leads {
		if g.IsActive {
			p.ModuleLeads[g.Module] = struct{}{}
		}
	}

	memberships, err := s.store.Memberships(ctx).ListByUser(ctx, user.ID)
	if err != nil {
		return Principal{}, err
	}
	for _, m := range memberships {
		p.Memberships[m.RegionID] = m
	}

	return p, nil
}

func (s *Service) issueVerificationToken(ctx context.Context, user *User, purpose TokenPurpose, ttl time.Duration) error {
	raw, err := NewVerificationSecret()
	if err != nil {
		return err
	}
	now := s.now().UTC()
	tok := &VerificationToken{
		ID:        ids.New(),
		UserID:    user.ID,
		Purpose:   purpose,
		TokenHash: HashVerificationToken(raw),
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := s.store.VerificationTokens(ctx).Create(ctx, tok); err != nil {
		return err
	}
	if s.notify != nil {
		// Delivery is best-effort; the token can be re-requested.
		if err := s.notify.DeliverToken(ctx, user.Email, purpose, raw); err != nil {
			obs.LogRequest(map[string]any{
				"level":   "warn",
				"msg":     "token delivery failed",
				"purpose": string(purpose),
			})
		}
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
