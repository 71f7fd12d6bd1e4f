package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"guildpost.org/internal/audit"
)

// GrantPlatformRole assigns or changes a user's platform-wide role. Only a
// platform admin may call it.
func (s *Service) GrantPlatformRole(ctx context.Context, actor Principal, userID string, role PlatformRole) error {
	if err := Authorize(actor, PlatformScoped(CapManagePlatformGrants)); err != nil {
		return err
	}
	if role != RoleSuperAdmin && role != RoleSuperSuperAdmin {
		return fmt.Errorf("%w: unknown platform role %q", ErrValidation, role)
	}
	if _, err := s.store.Users(ctx).Find(ctx, userID); err != nil {
		return err
	}

	g := &PlatformAdminGrant{UserID: userID, Role: role, CreatedAt: s.now().UTC()}
	if err := s.store.PlatformGrants(ctx).Upsert(ctx, g); err != nil {
		return err
	}

	s.record(ctx, actor.UserID, moduleGrants, "grants.platform.upsert", audit.SeverityCritical, map[string]string{
		"target_user_id": userID,
		"role":           string(role),
	})
	return nil
}

// RevokePlatformRole removes a user's platform grant. The store guards the
// last super_super_admin: removing it fails with ErrConflict so the
// platform can never lock itself out.
func (s *Service) RevokePlatformRole(ctx context.Context, actor Principal, userID string) error {
	if err := Authorize(actor, PlatformScoped(CapManagePlatformGrants)); err != nil {
		return err
	}
	if err := s.store.PlatformGrants(ctx).Remove(ctx, userID); err != nil {
		// A blocked removal of the last owner is an attempted lockout and
		// must leave a trace.
		if errors.Is(err, ErrConflict) {
			s.record(ctx, actor.UserID, moduleGrants, "grants.platform.remove.blocked", audit.SeverityCritical, map[string]string{
				"target_user_id": userID,
			})
		}
		return err
	}

	s.record(ctx, actor.UserID, moduleGrants, "grants.platform.remove", audit.SeverityCritical, map[string]string{
		"target_user_id": userID,
	})
	return nil
}

// ListPlatformGrants returns all platform-admin rows.
func (s *Service) ListPlatformGrants(ctx context.Context, actor Principal) ([]*PlatformAdminGrant, error) {
	if err := Authorize(actor, PlatformScoped(CapManagePlatformGrants)); err != nil {
		return nil, err
	}
	return s.store.PlatformGrants(ctx).List(ctx)
}

// GrantModuleLead gives a user leadership of one named module. Re-granting
// an existing lead is a no-op upsert.
func (s *Service) GrantModuleLead(ctx context.Context, actor Principal, userID, module string) error {
	if err := Authorize(actor, PlatformScoped(CapManagePlatformGrants)); err != nil {
		return err
	}
	module = strings.TrimSpace(module)
	if module == "" {
		return fmt.Errorf("%w: module name is required", ErrValidation)
	}
	if _, err := s.store.Users(ctx).Find(ctx, userID); err != nil {
		return err
	}

	g := &ModuleLeadGrant{UserID: userID, Module: module, IsActive: true, CreatedAt: s.now().UTC()}
	if err := s.store.ModuleLeads(ctx).Upsert(ctx, g); err != nil {
		return err
	}

	s.record(ctx, actor.UserID, moduleGrants, "grants.module.upsert", audit.SeveritySensitive, map[string]string{
		"target_user_id": userID,
		"module":         module,
	})
	return nil
}

// RevokeModuleLead removes a user's lead grant for one module.
func (s *Service) RevokeModuleLead(ctx context.Context, actor Principal, userID, module string) error {
	if err := Authorize(actor, PlatformScoped(CapManagePlatformGrants)); err != nil {
		return err
	}
	if err := s.store.ModuleLeads(ctx).Remove(ctx, userID, module); err != nil {
		return err
	}

	s.record(ctx, actor.UserID, moduleGrants, "grants.module.remove", audit.SeveritySensitive, map[string]string{
		"target_user_id": userID,
		"module":         module,
	})
	return nil
}
