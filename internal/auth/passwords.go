package auth

import (
	"context"
	"errors"
	"fmt"

	"guildpost.org/internal/audit"
	"guildpost.org/internal/obs"
	"guildpost.org/internal/ratelimit"
)

// ChangePasswordInput carries an authenticated password change.
type ChangePasswordInput struct {
	UserID          string
	CurrentPassword string
	NewPassword     string
	// KeepSessionID, when set, survives the revocation sweep so the caller
	// stays logged in on the device that made the change.
	KeepSessionID string
}

// ChangePassword re-proves the current password, installs the new hash and
// revokes every other session.
func (s *Service) ChangePassword(ctx context.Context, in ChangePasswordInput) error {
	if len(in.NewPassword) < 8 {
		return fmt.Errorf("%w: password must be at least 8 characters", ErrValidation)
	}

	user, err := s.store.Users(ctx).Find(ctx, in.UserID)
	if err != nil {
		return err
	}
	ok, err := s.hasher.Verify(user.PasswordHash, in.CurrentPassword)
	if err != nil || !ok {
		obs.AuthOutcome("password_change", "failure")
		return ErrInvalidCredentials
	}

	hash, err := s.hasher.Hash(in.NewPassword)
	if err != nil {
		return err
	}
	if err := s.store.Users(ctx).UpdatePassword(ctx, user.ID, hash); err != nil {
		return err
	}
	if err := s.store.Sessions(ctx).RevokeAllForUser(ctx, user.ID, in.KeepSessionID); err != nil {
		return err
	}

	obs.AuthOutcome("password_change", "success")
	s.record(ctx, user.ID, moduleAuth, "auth.password.change", audit.SeveritySensitive, map[string]string{
		"kept_session": in.KeepSessionID,
	})
	return nil
}

// RequestPasswordReset issues a reset token for the address if an account
// exists. It returns nil either way: callers must answer identically for
// known and unknown addresses.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrValidation)
	}

	if err := s.allow(ctx, ratelimit.ActionResetRequest, email); err != nil {
		return err
	}

	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if !user.IsActive {
		return nil
	}

	// A new request supersedes any outstanding reset token.
	if err := s.store.VerificationTokens(ctx).InvalidateForUser(ctx, user.ID, PurposeResetPassword); err != nil {
		return err
	}
	if err := s.issueVerificationToken(ctx, user, PurposeResetPassword, s.resetTokenTTL); err != nil {
		return err
	}

	s.record(ctx, user.ID, moduleAuth, "auth.password.reset_requested", audit.SeveritySensitive, nil)
	return nil
}

// CompletePasswordReset consumes a reset token, installs the new password
// and revokes every session of the account. The consume is atomic: a token
// used twice fails the second time.
func (s *Service) CompletePasswordReset(ctx context.Context, rawToken, newPassword string) error {
	if len(newPassword) < 8 {
		return fmt.Errorf("%w: password must be at least 8 characters", ErrValidation)
	}

	now := s.now().UTC()
	tok, err := s.store.VerificationTokens(ctx).Consume(ctx, HashVerificationToken(rawToken), PurposeResetPassword, now)
	if err != nil {
		obs.AuthOutcome("password_reset", "rejected")
		return err
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := s.store.Users(ctx).UpdatePassword(ctx, tok.UserID, hash); err != nil {
		return err
	}
	if err := s.store.Sessions(ctx).RevokeAllForUser(ctx, tok.UserID, ""); err != nil {
		return err
	}

	obs.AuthOutcome("password_reset", "success")
	s.record(ctx, tok.UserID, moduleAuth, "auth.password.reset_completed", audit.SeveritySensitive, nil)
	return nil
}

// VerifyEmail consumes a verification token and marks the account verified.
// Re-verifying an already verified account succeeds without change.
func (s *Service) VerifyEmail(ctx context.Context, rawToken string) error {
	now := s.now().UTC()
	tok, err := s.store.VerificationTokens(ctx).Consume(ctx, HashVerificationToken(rawToken), PurposeVerifyEmail, now)
	if err != nil {
		obs.AuthOutcome("verify_email", "rejected")
		return err
	}
	if err := s.store.Users(ctx).MarkVerified(ctx, tok.UserID, now); err != nil {
		return err
	}

	obs.AuthOutcome("verify_email", "success")
	s.record(ctx, tok.UserID, moduleAuth, "auth.email.verified", audit.SeverityNormal, nil)
	return nil
}

// ResendVerification issues a fresh verification token for an unverified
// account. Like reset requests, it never discloses whether the address has
// an account.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrValidation)
	}
	if err := s.allow(ctx, ratelimit.ActionResetRequest, email); err != nil {
		return err
	}

	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if !user.IsActive || user.EmailVerified() {
		return nil
	}

	if err := s.store.VerificationTokens(ctx).InvalidateForUser(ctx, user.ID, PurposeVerifyEmail); err != nil {
		return err
	}
	return s.issueVerificationToken(ctx, user, PurposeVerifyEmail, s.verifyTokenTTL)
}

// DeactivateUser soft-disables an account (self-service or admin) and
// revokes every session. Hard deletion happens later, after the grace
// period, via PurgeDeactivated.
func (s *Service) DeactivateUser(ctx context.Context, actor Principal, userID string) error {
	if actor.UserID != userID {
		if err := Authorize(actor, PlatformScoped(CapManageUsers)); err != nil {
			return err
		}
	}

	now := s.now().UTC()
	if err := s.store.Users(ctx).Deactivate(ctx, userID, now.Add(s.deactivationGrace)); err != nil {
		return err
	}
	if err := s.store.Sessions(ctx).RevokeAllForUser(ctx, userID, ""); err != nil {
		return err
	}

	s.record(ctx, actor.UserID, moduleAuth, "auth.user.deactivate", audit.SeverityCritical, map[string]string{
		"target_user_id": userID,
	})
	return nil
}

// PurgeDeactivated hard-deletes accounts whose deactivation grace period has
// elapsed. It is meant to run from a periodic job.
func (s *Service) PurgeDeactivated(ctx context.Context) (int64, error) {
	n, err := s.store.Users(ctx).PurgeDue(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.record(ctx, "", moduleAuth, "auth.user.purge", audit.SeverityCritical, map[string]string{
			"purged": fmt.Sprintf("%d", n),
		})
	}
	return n, nil
}
