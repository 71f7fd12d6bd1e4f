package auth

import (
	"context"

	"guildpost.org/internal/audit"
)

// ListSessions returns the sessions of a user. A caller may always list
// their own; listing another user's requires platform user management.
func (s *Service) ListSessions(ctx context.Context, actor Principal, userID string) ([]*Session, error) {
	if actor.UserID != userID {
		if err := Authorize(actor, PlatformScoped(CapManageUsers)); err != nil {
			return nil, err
		}
	}
	return s.store.Sessions(ctx).ListByUser(ctx, userID)
}

// RevokeSession permanently disables one session. Owners revoke their own
// freely; revoking someone else's requires the platform capability and is
// audited. Revoking an already-revoked session succeeds.
func (s *Service) RevokeSession(ctx context.Context, actor Principal, sessionID string) error {
	sess, err := s.store.Sessions(ctx).Find(ctx, sessionID)
	if err != nil {
		return err
	}

	if sess.UserID != actor.UserID {
		if err := Authorize(actor, PlatformScoped(CapRevokeAnySession)); err != nil {
			return err
		}
		if err := s.store.Sessions(ctx).Revoke(ctx, sessionID); err != nil {
			return err
		}
		s.record(ctx, actor.UserID, moduleAuth, "auth.session.revoke", audit.SeveritySensitive, map[string]string{
			"session_id":     sessionID,
			"target_user_id": sess.UserID,
		})
		return nil
	}

	return s.store.Sessions(ctx).Revoke(ctx, sessionID)
}

// Logout revokes the session behind a refresh credential. An unknown or
// already-revoked credential still succeeds: logout is idempotent.
func (s *Service) Logout(ctx context.Context, rawRefresh string) error {
	sessionID, _, err := SplitRefreshToken(rawRefresh)
	if err != nil {
		return nil
	}
	if err := s.store.Sessions(ctx).Revoke(ctx, sessionID); err != nil {
		return err
	}
	s.record(ctx, "", moduleAuth, "auth.logout", audit.SeverityNormal, map[string]string{
		"session_id": sessionID,
	})
	return nil
}
