package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"guildpost.org/internal/audit"
	"guildpost.org/internal/ids"
)

// ApplyToRegion files a membership application for the acting user. A user
// holds at most one row per region: an open or accepted row blocks a new
// application with ErrConflict, while a rejected row is reset to pending so
// the user can try again.
func (s *Service) ApplyToRegion(ctx context.Context, actor Principal, regionID string, role RegionRole) (*RegionMembership, error) {
	if actor.UserID == "" {
		return nil, ErrUnauthorized
	}
	regionID = strings.TrimSpace(regionID)
	if regionID == "" {
		return nil, fmt.Errorf("%w: region id is required", ErrValidation)
	}
	if role == "" {
		role = RegionMember
	}
	if !ValidRegionRole(role) {
		return nil, fmt.Errorf("%w: unknown region role %q", ErrValidation, role)
	}

	now := s.now().UTC()
	existing, err := s.store.Memberships(ctx).FindByUserRegion(ctx, actor.UserID, regionID)
	switch {
	case err == nil:
		if existing.IsActive && existing.Status != MembershipRejected {
			return nil, fmt.Errorf("%w: membership already exists", ErrConflict)
		}
		if err := s.store.Memberships(ctx).Reapply(ctx, existing.ID, role, now); err != nil {
			return nil, err
		}
		existing.Role = role
		existing.Status = MembershipPending
		existing.IsActive = true
		existing.UpdatedAt = now
		s.record(ctx, actor.UserID, moduleMembership, "membership.reapply", audit.SeverityNormal, map[string]string{
			"region_id": regionID,
		})
		return existing, nil
	case errors.Is(err, ErrNotFound):
		// fall through to create
	default:
		return nil, err
	}

	m := &RegionMembership{
		ID:        ids.New(),
		UserID:    actor.UserID,
		RegionID:  regionID,
		Role:      role,
		Status:    MembershipPending,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Memberships(ctx).Create(ctx, m); err != nil {
		return nil, err
	}

	s.record(ctx, actor.UserID, moduleMembership, "membership.apply", audit.SeverityNormal, map[string]string{
		"region_id": regionID,
		"role":      string(role),
	})
	return m, nil
}

// AcceptMembership moves a pending application to accepted. Only managers
// of the membership's region (or platform admins) may call it. Accepting an
// already-accepted membership is a successful no-op.
func (s *Service) AcceptMembership(ctx context.Context, actor Principal, membershipID string) error {
	return s.transition(ctx, actor, membershipID, MembershipAccepted, "membership.accept")
}

// RejectMembership moves a pending application to rejected. Rejecting an
// already-rejected membership is a successful no-op.
func (s *Service) RejectMembership(ctx context.Context, actor Principal, membershipID string) error {
	return s.transition(ctx, actor, membershipID, MembershipRejected, "membership.reject")
}

func (s *Service) transition(ctx context.Context, actor Principal, membershipID string, to MembershipStatus, action string) error {
	m, err := s.store.Memberships(ctx).Find(ctx, membershipID)
	if err != nil {
		return err
	}
	if err := Authorize(actor, RegionScoped(m.RegionID, CapManageRegionMembers)); err != nil {
		return err
	}

	n, err := s.store.Memberships(ctx).Transition(ctx, membershipID, MembershipPending, to, s.now().UTC())
	if err != nil {
		return err
	}
	if n == 0 {
		// The guarded update matched nothing: either a lost race or a
		// retried request. Retries of the same decision succeed silently.
		cur, err := s.store.Memberships(ctx).Find(ctx, membershipID)
		if err != nil {
			return err
		}
		if cur.Status == to {
			return nil
		}
		return fmt.Errorf("%w: membership is %s", ErrConflict, cur.Status)
	}

	s.record(ctx, actor.UserID, moduleMembership, action, audit.SeverityNormal, map[string]string{
		"membership_id":  membershipID,
		"region_id":      m.RegionID,
		"target_user_id": m.UserID,
	})
	return nil
}

// ChangeMembershipRole sets a member's role within their region. Region
// managers and platform admins only.
func (s *Service) ChangeMembershipRole(ctx context.Context, actor Principal, membershipID string, role RegionRole) error {
	if !ValidRegionRole(role) {
		return fmt.Errorf("%w: unknown region role %q", ErrValidation, role)
	}
	m, err := s.store.Memberships(ctx).Find(ctx, membershipID)
	if err != nil {
		return err
	}
	if err := Authorize(actor, RegionScoped(m.RegionID, CapManageRegionMembers)); err != nil {
		return err
	}
	if err := s.store.Memberships(ctx).UpdateRole(ctx, membershipID, role, s.now().UTC()); err != nil {
		return err
	}

	s.record(ctx, actor.UserID, moduleMembership, "membership.role_change", audit.SeveritySensitive, map[string]string{
		"membership_id":  membershipID,
		"region_id":      m.RegionID,
		"target_user_id": m.UserID,
		"role":           string(role),
	})
	return nil
}

// RemoveMembership deletes a membership row. Members may leave on their
// own; removing someone else requires region management.
func (s *Service) RemoveMembership(ctx context.Context, actor Principal, membershipID string) error {
	m, err := s.store.Memberships(ctx).Find(ctx, membershipID)
	if err != nil {
		return err
	}
	if m.UserID != actor.UserID {
		if err := Authorize(actor, RegionScoped(m.RegionID, CapManageRegionMembers)); err != nil {
			return err
		}
	}
	if err := s.store.Memberships(ctx).Delete(ctx, membershipID); err != nil {
		return err
	}

	s.record(ctx, actor.UserID, moduleMembership, "membership.remove", audit.SeverityNormal, map[string]string{
		"membership_id":  membershipID,
		"region_id":      m.RegionID,
		"target_user_id": m.UserID,
	})
	return nil
}

// SetPrimaryRegion marks one of the caller's accepted memberships as their
// primary region, clearing the flag elsewhere.
func (s *Service) SetPrimaryRegion(ctx context.Context, actor Principal, membershipID string) error {
	m, err := s.store.Memberships(ctx).Find(ctx, membershipID)
	if err != nil {
		return err
	}
	if m.UserID != actor.UserID {
		return fmt.Errorf("%w: %s", ErrForbidden, "membership.primary")
	}
	if !m.Member() {
		return fmt.Errorf("%w: membership is not accepted", ErrConflict)
	}
	return s.store.Memberships(ctx).SetPrimary(ctx, actor.UserID, membershipID, s.now().UTC())
}

// ListMyMemberships returns the caller's memberships across all regions.
func (s *Service) ListMyMemberships(ctx context.Context, actor Principal) ([]*RegionMembership, error) {
	if actor.UserID == "" {
		return nil, ErrUnauthorized
	}
	return s.store.Memberships(ctx).ListByUser(ctx, actor.UserID)
}

// ListRegionMembers returns a region's membership rows. Managers see every
// row including pending applications; plain members see accepted rows only.
func (s *Service) ListRegionMembers(ctx context.Context, actor Principal, regionID string) ([]*RegionMembership, error) {
	if err := Authorize(actor, RegionScoped(regionID, CapViewRegionContent)); err != nil {
		return nil, err
	}
	rows, err := s.store.Memberships(ctx).ListByRegion(ctx, regionID)
	if err != nil {
		return nil, err
	}
	if Authorize(actor, RegionScoped(regionID, CapManageRegionMembers)) == nil {
		return rows, nil
	}
	accepted := rows[:0]
	for _, r := range rows {
		if r.Member() {
			accepted = append(accepted, r)
		}
	}
	return accepted, nil
}

// DeleteRegionMemberships removes every membership of a region, for use
// when a region itself is deleted. Platform admins only.
func (s *Service) DeleteRegionMemberships(ctx context.Context, actor Principal, regionID string) (int64, error) {
	if err := Authorize(actor, PlatformScoped(CapManageUsers)); err != nil {
		return 0, err
	}
	n, err := s.store.Memberships(ctx).DeleteByRegion(ctx, regionID)
	if err != nil {
		return 0, err
	}
	s.record(ctx, actor.UserID, moduleMembership, "membership.region_purge", audit.SeverityCritical, map[string]string{
		"region_id": regionID,
		"removed":   fmt.Sprintf("%d", n),
	})
	return n, nil
}
