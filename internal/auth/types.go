package auth

import "time"

// User is the identity record behind every credential.
// PasswordHash is empty for accounts that authenticate only through
// external federation.
type User struct {
	ID              string
	Email           string
	Handle          string
	PasswordHash    string
	IsActive        bool
	EmailVerifiedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	// PurgeAfter schedules deferred hard deletion; nil means no deletion
	// is pending. Deactivation is always soft and immediate.
	PurgeAfter *time.Time
}

// EmailVerified reports whether the user completed email verification.
func (u *User) EmailVerified() bool {
	return u != nil && u.EmailVerifiedAt != nil
}

// Session is the durable record backing one refresh credential.
// Only a SHA-256 hash of the refresh secret is ever stored.
type Session struct {
	ID           string
	UserID       string
	RefreshHash  string
	Device       string
	IP           string
	IsActive     bool
	CreatedAt    time.Time
	LastActiveAt time.Time
	ExpiresAt    time.Time
}

// TokenPurpose distinguishes one-time verification tokens.
type TokenPurpose string

const (
	PurposeVerifyEmail   TokenPurpose = "verify_email"
	PurposeResetPassword TokenPurpose = "reset_password"
)

// VerificationToken is a single-use, time-limited token tied to a user.
// Consuming it invalidates it atomically; expired and consumed tokens are
// indistinguishable from unknown ones to callers.
type VerificationToken struct {
	ID         string
	UserID     string
	Purpose    TokenPurpose
	TokenHash  string
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	CreatedAt  time.Time
}

// PlatformRole is a global administrative role.
type PlatformRole string

const (
	RoleSuperAdmin      PlatformRole = "super_admin"
	RoleSuperSuperAdmin PlatformRole = "super_super_admin"
)

// PlatformAdminGrant assigns a platform-wide role to a user.
type PlatformAdminGrant struct {
	UserID    string
	Role      PlatformRole
	CreatedAt time.Time
}

// ModuleLeadGrant gives a user administrative capability over one named
// feature area (e.g. "portal", "home", "grants").
type ModuleLeadGrant struct {
	UserID    string
	Module    string
	IsActive  bool
	CreatedAt time.Time
}

// RegionRole is a member's role inside one region.
type RegionRole string

const (
	RegionMember     RegionRole = "member"
	RegionAmbassador RegionRole = "ambassador"
	RegionCoLead     RegionRole = "co_lead"
	RegionLead       RegionRole = "lead"
)

// ValidRegionRole reports whether r names a known role.
func ValidRegionRole(r RegionRole) bool {
	switch r {
	case RegionMember, RegionAmbassador, RegionCoLead, RegionLead:
		return true
	}
	return false
}

// manages reports whether the role may drive membership transitions
// inside its own region.
func (r RegionRole) manages() bool {
	return r == RegionLead || r == RegionCoLead
}

// MembershipStatus tracks the application workflow.
type MembershipStatus string

const (
	MembershipPending  MembershipStatus = "pending"
	MembershipAccepted MembershipStatus = "accepted"
	MembershipRejected MembershipStatus = "rejected"
)

// RegionMembership is a user's role and status within one region.
// At most one row exists per (user, region) pair.
type RegionMembership struct {
	ID        string
	UserID    string
	RegionID  string
	Role      RegionRole
	Status    MembershipStatus
	IsPrimary bool
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Manages reports whether the membership grants region-management
// capability: it must be active, accepted and lead or co_lead.
func (m *RegionMembership) Manages() bool {
	return m != nil && m.IsActive && m.Status == MembershipAccepted && m.Role.manages()
}

// Member reports whether the membership grants member-level access.
func (m *RegionMembership) Member() bool {
	return m != nil && m.IsActive && m.Status == MembershipAccepted
}

// TokenPair carries a freshly issued access/refresh credential pair.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	SessionID        string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}
