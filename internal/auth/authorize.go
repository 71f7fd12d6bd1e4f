package auth

import "fmt"

// Capability names an action the resolver evaluates a principal against.
type Capability string

const (
	// Platform-scoped.
	CapManagePlatformGrants Capability = "platform.grants.manage"
	CapManageUsers          Capability = "platform.users.manage"
	CapRevokeAnySession     Capability = "platform.sessions.revoke"

	// Module-scoped.
	CapManageModuleContent Capability = "module.content.manage"

	// Region-scoped.
	CapManageRegionMembers Capability = "region.members.manage"
	CapViewRegionContent   Capability = "region.content.view"
)

// ScopeKind partitions capabilities into the three role layers.
type ScopeKind string

const (
	ScopePlatform ScopeKind = "platform"
	ScopeModule   ScopeKind = "module"
	ScopeRegion   ScopeKind = "region"
)

// Requirement is the (scope, capability) pair an endpoint declares.
type Requirement struct {
	Kind       ScopeKind
	Capability Capability
	// Module is set for module-scoped requirements.
	Module string
	// RegionID is set for region-scoped requirements.
	RegionID string
}

// PlatformScoped declares a platform-wide requirement.
func PlatformScoped(cap Capability) Requirement {
	return Requirement{Kind: ScopePlatform, Capability: cap}
}

// ModuleScoped declares a requirement on one named module.
func ModuleScoped(module string, cap Capability) Requirement {
	return Requirement{Kind: ScopeModule, Capability: cap, Module: module}
}

// RegionScoped declares a requirement inside one region.
func RegionScoped(regionID string, cap Capability) Requirement {
	return Requirement{Kind: ScopeRegion, Capability: cap, RegionID: regionID}
}

// Principal is the authenticated identity with its resolved grants, produced
// by verifying a request credential. It is passed explicitly through the
// call chain; nothing in the core reads identity from hidden state.
type Principal struct {
	UserID        string
	SessionID     string
	EmailVerified bool
	// PlatformRole is empty unless the user holds a PlatformAdminGrant.
	PlatformRole PlatformRole
	// ModuleLeads holds the modules with an active lead grant.
	ModuleLeads map[string]struct{}
	// Memberships indexes the user's region memberships by region id.
	Memberships map[string]*RegionMembership
}

// IsPlatformAdmin reports whether the principal holds either admin role.
func (p Principal) IsPlatformAdmin() bool {
	return p.PlatformRole == RoleSuperAdmin || p.PlatformRole == RoleSuperSuperAdmin
}

// LeadsModule reports whether the principal holds an active lead grant for
// the module.
func (p Principal) LeadsModule(module string) bool {
	_, ok := p.ModuleLeads[module]
	return ok
}

// MembershipIn returns the principal's membership row in the region, if any.
func (p Principal) MembershipIn(regionID string) *RegionMembership {
	return p.Memberships[regionID]
}

// Authorize resolves allow/deny for a requirement by composing the three
// role layers. Evaluation short-circuits at the first matching rule:
//
//  1. a platform admin is allowed any platform- or module-scoped capability
//     and region management capabilities in any region;
//  2. an active module lead is allowed module-scoped capabilities for that
//     module only;
//  3. an active accepted lead/co_lead is allowed region management
//     capabilities inside their own region only;
//  4. any active accepted membership is allowed member-level region
//     capabilities in that region;
//  5. everything else is denied.
//
// Platform role always wins; a region role never reaches outside its region
// and a module lead never grants region management (or vice versa).
func Authorize(p Principal, req Requirement) error {
	if p.UserID == "" {
		return ErrUnauthorized
	}

	if p.IsPlatformAdmin() {
		return nil
	}

	switch req.Kind {
	case ScopeModule:
		if p.LeadsModule(req.Module) {
			return nil
		}
	case ScopeRegion:
		m := p.MembershipIn(req.RegionID)
		switch req.Capability {
		case CapManageRegionMembers:
			if m.Manages() {
				return nil
			}
		case CapViewRegionContent:
			if m.Member() {
				return nil
			}
		}
	}

	return fmt.Errorf("%w: %s", ErrForbidden, req.Capability)
}
