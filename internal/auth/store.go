package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the identity core.
type Store interface {
	Users(ctx context.Context) UserStore
	Sessions(ctx context.Context) SessionStore
	VerificationTokens(ctx context.Context) VerificationTokenStore
	PlatformGrants(ctx context.Context) PlatformGrantStore
	ModuleLeads(ctx context.Context) ModuleLeadStore
	Memberships(ctx context.Context) MembershipStore
}

// UserStore manages credential records.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	// MarkVerified flips the email-verified flag; it is a no-op when the
	// user is already verified.
	MarkVerified(ctx context.Context, userID string, at time.Time) error
	// Deactivate soft-disables the account and schedules hard deletion
	// after the grace period.
	Deactivate(ctx context.Context, userID string, purgeAfter time.Time) error
	// PurgeDue hard-deletes users whose grace period elapsed before now.
	PurgeDue(ctx context.Context, now time.Time) (int64, error)
}

// SessionStore is the source of truth for refresh-credential validity.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Find(ctx context.Context, id string) (*Session, error)
	ListByUser(ctx context.Context, userID string) ([]*Session, error)
	// Rotate swaps the refresh hash in a single guarded update and bumps
	// last_active_at. It returns ErrSessionInvalid when no active session
	// matches (id, oldHash) and ErrSessionExpired when the session exists
	// but is past its absolute lifetime.
	Rotate(ctx context.Context, id, oldHash, newHash string, now time.Time) (*Session, error)
	// Revoke permanently disables the session. Revoking an already-revoked
	// session is a no-op.
	Revoke(ctx context.Context, id string) error
	// RevokeAllForUser disables every active session of the user except
	// the optional exempt session id.
	RevokeAllForUser(ctx context.Context, userID, exceptID string) error
}

// VerificationTokenStore manages one-time tokens.
type VerificationTokenStore interface {
	Create(ctx context.Context, t *VerificationToken) error
	// Consume marks the token used and returns it, atomically. Unknown,
	// expired and already-consumed tokens all yield ErrTokenInvalid.
	Consume(ctx context.Context, tokenHash string, purpose TokenPurpose, now time.Time) (*VerificationToken, error)
	// InvalidateForUser voids outstanding tokens of the given purpose,
	// e.g. older reset tokens once a new one is requested.
	InvalidateForUser(ctx context.Context, userID string, purpose TokenPurpose) error
}

// PlatformGrantStore manages the small set of platform-admin rows.
type PlatformGrantStore interface {
	Upsert(ctx context.Context, g *PlatformAdminGrant) error
	Find(ctx context.Context, userID string) (*PlatformAdminGrant, error)
	List(ctx context.Context) ([]*PlatformAdminGrant, error)
	// Remove deletes the grant. Removing the last super_super_admin must
	// fail with ErrConflict; implementations guard this inside one
	// transaction.
	Remove(ctx context.Context, userID string) error
	CountByRole(ctx context.Context, role PlatformRole) (int, error)
}

// ModuleLeadStore manages per-module leadership grants.
type ModuleLeadStore interface {
	Upsert(ctx context.Context, g *ModuleLeadGrant) error
	Remove(ctx context.Context, userID, module string) error
	ListByUser(ctx context.Context, userID string) ([]*ModuleLeadGrant, error)
}

// MembershipStore manages region membership rows.
type MembershipStore interface {
	Create(ctx context.Context, m *RegionMembership) error
	Find(ctx context.Context, id string) (*RegionMembership, error)
	FindByUserRegion(ctx context.Context, userID, regionID string) (*RegionMembership, error)
	ListByUser(ctx context.Context, userID string) ([]*RegionMembership, error)
	ListByRegion(ctx context.Context, regionID string) ([]*RegionMembership, error)
	// Transition moves a membership from an expected status to a new one
	// in a single guarded update; it returns the number of rows changed so
	// callers can implement idempotent retries.
	Transition(ctx context.Context, id string, from, to MembershipStatus, now time.Time) (int64, error)
	// Reapply resets a rejected row back to pending with the requested role.
	Reapply(ctx context.Context, id string, role RegionRole, now time.Time) error
	UpdateRole(ctx context.Context, id string, role RegionRole, now time.Time) error
	// SetPrimary marks the membership primary and clears the flag on the
	// user's other memberships in the same statement batch.
	SetPrimary(ctx context.Context, userID, membershipID string, now time.Time) error
	Delete(ctx context.Context, id string) error
	// DeleteByRegion removes all memberships of a deleted region.
	DeleteByRegion(ctx context.Context, regionID string) (int64, error)
}
