package portalauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carewire/portalauth/audit"
	"github.com/carewire/portalauth/internal"
	"github.com/carewire/portalauth/internal/flowtoken"
	"github.com/carewire/portalauth/session"
)

// RequestPasswordReset emails a one-hour single-use reset token. Unknown
// emails return nil so the endpoint cannot probe for accounts; delivery
// failures surface because delivering the message is this flow's purpose.
func (s *Service) RequestPasswordReset(ctx context.Context, companyID, email, ip string) error {
	if s == nil {
		return ErrServiceNotReady
	}

	if err := s.checkRate(ctx, actionPasswordReset, ip, s.config.RateLimit.PasswordReset); err != nil {
		return err
	}
	s.bumpRate(ctx, actionPasswordReset, ip, s.config.RateLimit.PasswordReset)

	user, err := s.users.GetByEmail(ctx, companyID, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil
		}
		return wrapStore(err)
	}
	if statusGate(user) != nil {
		return nil
	}

	token, err := internal.GenerateToken(internal.FlowTokenBytes)
	if err != nil {
		return err
	}
	payload := flowtoken.Payload{
		UserID:    user.ID,
		CompanyID: user.CompanyID,
		Email:     user.Email,
	}
	if err := s.flowTokens.Save(ctx, flowtoken.PurposePasswordReset, token, payload, s.config.FlowTokens.ResetTTL); err != nil {
		return wrapCache(err)
	}

	s.metricInc(MetricPasswordResetRequested)
	return s.sendEmailStrict(ctx, Email{
		To:      user.Email,
		Subject: fmt.Sprintf("Reset your %s password", s.config.Issuer),
		Text:    fmt.Sprintf("Use this token to reset your password (valid for 1 hour): %s", token),
	})
}

// ResetPassword consumes a reset token, rehashes the credential, clears any
// lock state, and revokes every session of the user. Forcing
// re-authentication everywhere after a reset is a security invariant, not an
// option.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if s == nil {
		return ErrServiceNotReady
	}
	if len(newPassword) < s.config.Password.MinLength {
		return ErrWeakPassword
	}

	payload, err := s.flowTokens.Consume(ctx, flowtoken.PurposePasswordReset, token)
	if err != nil {
		return mapFlowTokenErr(err)
	}

	user, err := s.users.GetByID(ctx, payload.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrInvalidOrExpiredToken
		}
		return wrapStore(err)
	}

	hash, err := s.passwordHash.Hash(newPassword)
	if err != nil {
		return err
	}

	user.PasswordHash = hash
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	if user.Status == StatusLocked {
		user.Status = StatusActive
	}
	if err := s.users.Update(ctx, user); err != nil {
		return wrapStore(err)
	}

	if err := s.revokeAllSessions(ctx, user.ID, session.RevokedPasswordReset); err != nil {
		return err
	}

	s.sendEmail(ctx, Email{
		To:      user.Email,
		Subject: fmt.Sprintf("Your %s password was changed", s.config.Issuer),
		Text:    "Your password was reset. All devices have been signed out. If this was not you, contact support immediately.",
	})

	s.metricInc(MetricPasswordResetCompleted)
	s.recordAudit(ctx, audit.Entry{
		CompanyID:   user.CompanyID,
		UserID:      user.ID,
		UserEmail:   user.Email,
		Action:      audit.ActionPasswordChange,
		Module:      "portal_auth",
		Description: "password reset via emailed token; all sessions revoked",
		Success:     true,
	})
	return nil
}

// ChangePassword rotates the credential of an authenticated user after
// re-verifying the current password. Unlike ResetPassword it does not revoke
// other sessions; the caller proved possession of the current credential.
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	if s == nil {
		return ErrServiceNotReady
	}
	if len(newPassword) < s.config.Password.MinLength {
		return ErrWeakPassword
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrUserNotFound
		}
		return wrapStore(err)
	}

	ok, err := s.passwordHash.Verify(currentPassword, user.PasswordHash)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCredentials
	}

	hash, err := s.passwordHash.Hash(newPassword)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	user.UpdatedAt = time.Now().UTC()
	if err := s.users.Update(ctx, user); err != nil {
		return wrapStore(err)
	}

	s.metricInc(MetricPasswordChanged)
	s.recordAudit(ctx, audit.Entry{
		CompanyID:   user.CompanyID,
		UserID:      user.ID,
		UserEmail:   user.Email,
		Action:      audit.ActionPasswordChange,
		Module:      "portal_auth",
		Description: "password changed with current-password re-verification",
		Success:     true,
	})
	return nil
}
