package portalauth

import (
	"context"
	"errors"
	"time"

	"github.com/carewire/portalauth/audit"
	"github.com/carewire/portalauth/internal"
	"github.com/carewire/portalauth/internal/flowtoken"
)

// Enable2FA starts TOTP enrollment. The generated secret and backup codes
// are parked in Redis under the user ID until Confirm2FA proves the
// authenticator was provisioned; nothing touches the user row yet, so an
// abandoned enrollment simply expires.
func (s *Service) Enable2FA(ctx context.Context, userID string) (*TwoFactorSetup, error) {
	if s == nil {
		return nil, ErrServiceNotReady
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, wrapStore(err)
	}
	if user.TwoFactorEnabled {
		return nil, ErrTwoFactorAlreadyEnabled
	}
	if err := statusGate(user); err != nil {
		return nil, err
	}

	_, secret, err := internal.NewTOTPSecret()
	if err != nil {
		return nil, err
	}
	codes, hashes, err := internal.NewBackupCodes(s.config.TwoFactor.BackupCodeCount)
	if err != nil {
		return nil, err
	}

	payload := flowtoken.Payload{
		UserID:           user.ID,
		CompanyID:        user.CompanyID,
		Email:            user.Email,
		Secret:           secret,
		BackupCodeHashes: hashes,
	}
	// Keyed by user ID: starting enrollment again replaces the pending one.
	if err := s.flowTokens.Save(ctx, flowtoken.PurposeTwoFactorSetup, user.ID, payload, s.config.TwoFactor.SetupTTL); err != nil {
		return nil, wrapCache(err)
	}

	return &TwoFactorSetup{
		Secret:      secret,
		URI:         s.totp.ProvisionURI(secret, user.Email),
		BackupCodes: codes,
	}, nil
}

// Confirm2FA completes enrollment by verifying one code against the pending
// secret. Only then do the secret and backup-code hashes land on the user
// row.
func (s *Service) Confirm2FA(ctx context.Context, userID, code string) error {
	if s == nil {
		return ErrServiceNotReady
	}

	pending, err := s.flowTokens.Peek(ctx, flowtoken.PurposeTwoFactorSetup, userID)
	if err != nil {
		if errors.Is(err, flowtoken.ErrNotFound) {
			return ErrTwoFactorNotPending
		}
		return wrapCache(err)
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrUserNotFound
		}
		return wrapStore(err)
	}
	if user.TwoFactorEnabled {
		return ErrTwoFactorAlreadyEnabled
	}

	ok, err := s.totp.VerifyCode(pending.Secret, code, time.Now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidTwoFactorCode
	}

	user.TwoFactorEnabled = true
	user.TwoFactorSecret = pending.Secret
	user.BackupCodes = pending.BackupCodeHashes
	if err := s.users.Update(ctx, user); err != nil {
		return wrapStore(err)
	}

	if err := s.flowTokens.Delete(ctx, flowtoken.PurposeTwoFactorSetup, userID); err != nil {
		s.logger.Printf("stale 2fa enrollment cleanup failed for user %s: %v", userID, err)
	}

	s.recordAudit(ctx, audit.Entry{
		CompanyID:   user.CompanyID,
		UserID:      user.ID,
		UserEmail:   user.Email,
		Action:      audit.ActionUpdate,
		Module:      "portal_auth",
		ResourceID:  user.ID,
		Description: "two-factor authentication enabled",
		Success:     true,
	})
	return nil
}

// Disable2FA turns two-factor off after re-verifying the account password.
// The secret and remaining backup codes are discarded.
func (s *Service) Disable2FA(ctx context.Context, userID, password string) error {
	if s == nil {
		return ErrServiceNotReady
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrUserNotFound
		}
		return wrapStore(err)
	}
	if !user.TwoFactorEnabled {
		return ErrTwoFactorNotEnabled
	}

	ok, err := s.passwordHash.Verify(password, user.PasswordHash)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCredentials
	}

	user.TwoFactorEnabled = false
	user.TwoFactorSecret = ""
	user.BackupCodes = nil
	if err := s.users.Update(ctx, user); err != nil {
		return wrapStore(err)
	}

	s.recordAudit(ctx, audit.Entry{
		CompanyID:   user.CompanyID,
		UserID:      user.ID,
		UserEmail:   user.Email,
		Action:      audit.ActionUpdate,
		Module:      "portal_auth",
		ResourceID:  user.ID,
		Description: "two-factor authentication disabled",
		Success:     true,
	})
	return nil
}

// RegenerateBackupCodes replaces every remaining backup code with a fresh
// set, returned in plaintext exactly once. Requires password
// re-verification like Disable2FA.
func (s *Service) RegenerateBackupCodes(ctx context.Context, userID, password string) ([]string, error) {
	if s == nil {
		return nil, ErrServiceNotReady
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, wrapStore(err)
	}
	if !user.TwoFactorEnabled {
		return nil, ErrTwoFactorNotEnabled
	}

	ok, err := s.passwordHash.Verify(password, user.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	codes, hashes, err := internal.NewBackupCodes(s.config.TwoFactor.BackupCodeCount)
	if err != nil {
		return nil, err
	}
	user.BackupCodes = hashes
	if err := s.users.Update(ctx, user); err != nil {
		return nil, wrapStore(err)
	}
	return codes, nil
}
