package portalauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carewire/portalauth/audit"
	"github.com/carewire/portalauth/internal"
	"github.com/carewire/portalauth/internal/flowtoken"
)

// Login authenticates email and password within a tenant.
//
// Unknown users and wrong passwords fail identically with
// ErrInvalidCredentials. Five consecutive failures lock the account for the
// configured duration; an expired lock lifts itself on the next successful
// credential check. When the account has the second factor enabled, Login
// returns a partial response: empty access token, TwoFactorRequired set, and
// the short-lived challenge token in the RefreshToken field, to be presented
// to Verify2FA.
func (s *Service) Login(ctx context.Context, companyID string, creds Credentials, ip, userAgent string) (*AuthTokens, error) {
	if s == nil {
		return nil, ErrServiceNotReady
	}

	if err := s.checkRate(ctx, actionLogin, ip, s.config.RateLimit.Login); err != nil {
		if errors.Is(err, ErrRateLimitExceeded) {
			s.metricInc(MetricLoginRateLimited)
		}
		return nil, err
	}
	s.bumpRate(ctx, actionLogin, ip, s.config.RateLimit.Login)

	actor := s.auditActor(companyID, nil, ip, userAgent)
	actor.UserEmail = creds.Email

	user, err := s.users.GetByEmail(ctx, companyID, creds.Email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.metricInc(MetricLoginFailure)
			s.auditLogin(ctx, actor, false, "invalid credentials")
			return nil, ErrInvalidCredentials
		}
		return nil, wrapStore(err)
	}
	actor = s.auditActor(companyID, user, ip, userAgent)

	now := time.Now().UTC()
	if user.Locked(now) {
		s.metricInc(MetricLoginFailure)
		s.auditLogin(ctx, actor, false, "account locked")
		return nil, ErrAccountLocked
	}
	if err := statusGate(user); err != nil {
		s.metricInc(MetricLoginFailure)
		s.auditLogin(ctx, actor, false, err.Error())
		return nil, err
	}

	ok, err := s.passwordHash.Verify(creds.Password, user.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.failCredentialCheck(ctx, user, actor)
	}

	if !user.IsEmailVerified {
		s.metricInc(MetricLoginFailure)
		s.auditLogin(ctx, actor, false, "email not verified")
		return nil, ErrEmailNotVerified
	}

	if user.TwoFactorEnabled {
		return s.issueTwoFactorChallenge(ctx, user, actor)
	}

	if err := s.recordLoginMetadata(ctx, user, ip, userAgent); err != nil {
		return nil, err
	}
	tokens, err := s.createSession(ctx, user, ip, userAgent)
	if err != nil {
		return nil, err
	}

	s.metricInc(MetricLoginSuccess)
	s.auditLogin(ctx, actor, true, "")
	return tokens, nil
}

// failCredentialCheck increments the failure counter and applies the lock
// policy. The returned error is always ErrInvalidCredentials: lock onset is
// observable only on the next attempt.
func (s *Service) failCredentialCheck(ctx context.Context, user *PortalUser, actor audit.Actor) error {
	user.FailedLoginAttempts++
	if user.FailedLoginAttempts >= s.config.Lockout.MaxFailedLogins {
		until := time.Now().UTC().Add(s.config.Lockout.LockDuration)
		user.LockedUntil = &until
		user.Status = StatusLocked
		s.metricInc(MetricAccountLocked)
	}
	if err := s.users.Update(ctx, user); err != nil {
		return wrapStore(err)
	}

	s.metricInc(MetricLoginFailure)
	s.auditLogin(ctx, actor, false, "invalid credentials")
	return ErrInvalidCredentials
}

// issueTwoFactorChallenge stores the 5-minute challenge token and returns
// the partial login response.
func (s *Service) issueTwoFactorChallenge(ctx context.Context, user *PortalUser, actor audit.Actor) (*AuthTokens, error) {
	tempToken, err := internal.GenerateToken(internal.FlowTokenBytes)
	if err != nil {
		return nil, err
	}
	payload := flowtoken.Payload{
		UserID:    user.ID,
		CompanyID: user.CompanyID,
	}
	if err := s.flowTokens.Save(ctx, flowtoken.PurposeTwoFactorLogin, tempToken, payload, s.config.TwoFactor.ChallengeTTL); err != nil {
		return nil, wrapCache(err)
	}

	s.metricInc(MetricTwoFactorRequired)
	s.auditLogin(ctx, actor, false, "two-factor required")
	return &AuthTokens{
		AccessToken:       "",
		RefreshToken:      tempToken,
		TwoFactorRequired: true,
	}, nil
}

// Verify2FA completes a login challenge with a TOTP code, falling back to a
// single-use backup code when the primary code does not match. Failures
// count against the challenge; exhausting the budget or the 5-minute TTL
// invalidates the challenge token.
func (s *Service) Verify2FA(ctx context.Context, tempToken, code, ip, userAgent string) (*AuthTokens, error) {
	if s == nil {
		return nil, ErrServiceNotReady
	}

	payload, err := s.flowTokens.Peek(ctx, flowtoken.PurposeTwoFactorLogin, tempToken)
	if err != nil {
		return nil, mapFlowTokenErr(err)
	}

	user, err := s.users.GetByID(ctx, payload.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			_ = s.flowTokens.Delete(ctx, flowtoken.PurposeTwoFactorLogin, tempToken)
			return nil, ErrInvalidOrExpiredToken
		}
		return nil, wrapStore(err)
	}
	actor := s.auditActor(user.CompanyID, user, ip, userAgent)

	if err := statusGate(user); err != nil {
		_ = s.flowTokens.Delete(ctx, flowtoken.PurposeTwoFactorLogin, tempToken)
		s.auditLogin(ctx, actor, false, err.Error())
		return nil, err
	}
	if !user.TwoFactorEnabled || user.TwoFactorSecret == "" {
		_ = s.flowTokens.Delete(ctx, flowtoken.PurposeTwoFactorLogin, tempToken)
		return nil, ErrInvalidOrExpiredToken
	}

	matched, err := s.totp.VerifyCode(user.TwoFactorSecret, code, time.Now())
	if err != nil {
		return nil, err
	}
	if !matched {
		matched, err = s.consumeBackupCode(ctx, user, code)
		if err != nil {
			return nil, err
		}
	}
	if !matched {
		return nil, s.failTwoFactorAttempt(ctx, tempToken, actor)
	}

	// Single-use: the challenge is burned before tokens are issued.
	if _, err := s.flowTokens.Consume(ctx, flowtoken.PurposeTwoFactorLogin, tempToken); err != nil {
		return nil, mapFlowTokenErr(err)
	}

	if err := s.recordLoginMetadata(ctx, user, ip, userAgent); err != nil {
		return nil, err
	}
	tokens, err := s.createSession(ctx, user, ip, userAgent)
	if err != nil {
		return nil, err
	}

	s.metricInc(MetricTwoFactorSuccess)
	s.metricInc(MetricLoginSuccess)
	s.auditLogin(ctx, actor, true, "")
	return tokens, nil
}

func (s *Service) failTwoFactorAttempt(ctx context.Context, tempToken string, actor audit.Actor) error {
	s.metricInc(MetricTwoFactorFailure)

	exceeded, err := s.flowTokens.RecordFailure(ctx, flowtoken.PurposeTwoFactorLogin, tempToken, s.config.TwoFactor.MaxChallengeAttempts)
	if err != nil {
		if errors.Is(err, flowtoken.ErrNotFound) {
			return ErrInvalidOrExpiredToken
		}
		return wrapCache(err)
	}
	if exceeded {
		s.auditLogin(ctx, actor, false, "two-factor attempts exceeded")
		return ErrTwoFactorAttemptsExceeded
	}
	s.auditLogin(ctx, actor, false, "invalid two-factor code")
	return ErrInvalidTwoFactorCode
}

// consumeBackupCode checks code against the stored backup-code hashes and
// removes the matching one. Returns whether a code was consumed.
func (s *Service) consumeBackupCode(ctx context.Context, user *PortalUser, code string) (bool, error) {
	for i, hash := range user.BackupCodes {
		if internal.VerifyTokenHash(code, hash) {
			user.BackupCodes = append(user.BackupCodes[:i], user.BackupCodes[i+1:]...)
			if err := s.users.Update(ctx, user); err != nil {
				return false, wrapStore(err)
			}
			s.metricInc(MetricBackupCodeUsed)
			return true, nil
		}
	}
	return false, nil
}

// RequestPasswordlessLogin emails a 15-minute single-use login token.
// Unknown or ineligible emails return nil so the endpoint cannot probe for
// accounts.
func (s *Service) RequestPasswordlessLogin(ctx context.Context, companyID, email, ip string) error {
	if s == nil {
		return ErrServiceNotReady
	}

	if err := s.checkRate(ctx, actionPasswordlessRequest, ip, s.config.RateLimit.PasswordlessRequest); err != nil {
		return err
	}
	s.bumpRate(ctx, actionPasswordlessRequest, ip, s.config.RateLimit.PasswordlessRequest)

	user, err := s.users.GetByEmail(ctx, companyID, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil
		}
		return wrapStore(err)
	}
	if !user.IsEmailVerified || statusGate(user) != nil || user.Locked(time.Now().UTC()) {
		return nil
	}

	token, err := internal.GenerateToken(internal.FlowTokenBytes)
	if err != nil {
		return err
	}
	payload := flowtoken.Payload{UserID: user.ID, CompanyID: user.CompanyID}
	if err := s.flowTokens.Save(ctx, flowtoken.PurposePasswordless, token, payload, s.config.FlowTokens.PasswordlessTTL); err != nil {
		return wrapCache(err)
	}

	return s.sendEmailStrict(ctx, Email{
		To:      user.Email,
		Subject: fmt.Sprintf("Your %s sign-in link", s.config.Issuer),
		Text:    fmt.Sprintf("Use this token to sign in (valid for 15 minutes): %s", token),
	})
}

// PasswordlessLogin consumes a passwordless token and creates a session.
// Accounts with the second factor enabled still get the 2FA challenge.
func (s *Service) PasswordlessLogin(ctx context.Context, token, ip, userAgent string) (*AuthTokens, error) {
	if s == nil {
		return nil, ErrServiceNotReady
	}

	payload, err := s.flowTokens.Consume(ctx, flowtoken.PurposePasswordless, token)
	if err != nil {
		return nil, mapFlowTokenErr(err)
	}

	user, err := s.users.GetByID(ctx, payload.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidOrExpiredToken
		}
		return nil, wrapStore(err)
	}
	actor := s.auditActor(user.CompanyID, user, ip, userAgent)

	now := time.Now().UTC()
	if user.Locked(now) {
		s.auditLogin(ctx, actor, false, "account locked")
		return nil, ErrAccountLocked
	}
	if err := statusGate(user); err != nil {
		s.auditLogin(ctx, actor, false, err.Error())
		return nil, err
	}
	if !user.IsEmailVerified {
		return nil, ErrEmailNotVerified
	}

	if user.TwoFactorEnabled {
		return s.issueTwoFactorChallenge(ctx, user, actor)
	}

	if err := s.recordLoginMetadata(ctx, user, ip, userAgent); err != nil {
		return nil, err
	}
	tokens, err := s.createSession(ctx, user, ip, userAgent)
	if err != nil {
		return nil, err
	}

	s.metricInc(MetricLoginSuccess)
	s.auditLogin(ctx, actor, true, "")
	return tokens, nil
}
