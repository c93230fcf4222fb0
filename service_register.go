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

// Register creates a portal account for an existing clinical patient.
//
// The flow is rate-limited per IP before any store access. Registration is
// rejected when the patient record is absent, when the email or the patient
// is already bound to a portal account within the tenant, or when terms and
// privacy were not accepted. The verification email is best-effort: a
// delivery failure never aborts a completed registration.
//
// When Registration.AutoLogin is enabled (the default, matching the
// platform's original behavior) a full session pair is issued immediately,
// before the email is verified.
func (s *Service) Register(ctx context.Context, companyID string, input RegisterInput, ip string) (*RegisterResult, error) {
	if s == nil {
		return nil, ErrServiceNotReady
	}

	if err := s.checkRate(ctx, actionRegister, ip, s.config.RateLimit.Register); err != nil {
		return nil, err
	}
	s.bumpRate(ctx, actionRegister, ip, s.config.RateLimit.Register)

	if !input.AcceptsTerms || !input.AcceptsPrivacy {
		s.metricInc(MetricRegisterRejected)
		return nil, ErrTermsNotAccepted
	}
	if len(input.Password) < s.config.Password.MinLength {
		s.metricInc(MetricRegisterRejected)
		return nil, ErrWeakPassword
	}

	exists, err := s.patients.PatientExists(ctx, companyID, input.PatientID)
	if err != nil {
		return nil, wrapStore(err)
	}
	if !exists {
		s.metricInc(MetricRegisterRejected)
		return nil, ErrPatientNotFound
	}

	if _, err := s.users.GetByEmail(ctx, companyID, input.Email); err == nil {
		s.metricInc(MetricRegisterRejected)
		return nil, ErrDuplicateRegistration
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, wrapStore(err)
	}
	if _, err := s.users.GetByPatient(ctx, companyID, input.PatientID); err == nil {
		s.metricInc(MetricRegisterRejected)
		return nil, ErrDuplicateRegistration
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, wrapStore(err)
	}

	hash, err := s.passwordHash.Hash(input.Password)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	user := &PortalUser{
		ID:                newID(),
		CompanyID:         companyID,
		PatientID:         input.PatientID,
		Email:             input.Email,
		PasswordHash:      hash,
		Phone:             input.Phone,
		Status:            StatusPendingVerification,
		TermsAcceptedAt:   &now,
		PrivacyAcceptedAt: &now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, wrapStore(err)
	}

	if err := s.issueVerification(ctx, user, false); err != nil {
		// Token issuance shares the registration's best-effort stance; the
		// account exists, the user can request a resend.
		s.logger.Printf("verification issuance failed: user=%s err=%v", user.ID, err)
	}

	s.recordAudit(ctx, audit.Entry{
		CompanyID:  companyID,
		UserID:     user.ID,
		UserEmail:  user.Email,
		IPAddress:  ip,
		Action:     audit.ActionCreate,
		Module:     "portal_users",
		ResourceID: user.ID,
		PatientID:  user.PatientID,
		Success:    true,
	})
	s.metricInc(MetricRegisterSuccess)

	result := &RegisterResult{UserID: user.ID}
	if s.config.Registration.AutoLogin {
		tokens, err := s.createSession(ctx, user, ip, "")
		if err != nil {
			return nil, err
		}
		result.Tokens = tokens
	}
	return result, nil
}

// VerifyEmail consumes a verification token, marks the email verified and
// activates a pending account. Reuse of a consumed token fails with
// ErrInvalidOrExpiredToken like any other invalid token.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	if s == nil {
		return ErrServiceNotReady
	}

	payload, err := s.flowTokens.Consume(ctx, flowtoken.PurposeEmailVerification, token)
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

	user.IsEmailVerified = true
	if user.Status == StatusPendingVerification {
		user.Status = StatusActive
	}
	if err := s.users.Update(ctx, user); err != nil {
		return wrapStore(err)
	}

	s.sendEmail(ctx, Email{
		To:      user.Email,
		Subject: fmt.Sprintf("Welcome to %s", s.config.Issuer),
		Text:    "Your email address has been verified. You can now sign in to your patient portal.",
	})

	s.recordAudit(ctx, audit.Entry{
		CompanyID:  user.CompanyID,
		UserID:     user.ID,
		UserEmail:  user.Email,
		Action:     audit.ActionUpdate,
		Module:     "portal_users",
		ResourceID: user.ID,
		PatientID:  user.PatientID,
		ChangedFields: []string{
			"is_email_verified", "status",
		},
		Success: true,
	})
	return nil
}

// ResendVerification issues a fresh verification token for an unverified
// account. Unknown emails return nil so the endpoint cannot be used to probe
// for accounts; delivery failures do surface because delivering the message
// is this flow's entire purpose.
func (s *Service) ResendVerification(ctx context.Context, companyID, email, ip string) error {
	if s == nil {
		return ErrServiceNotReady
	}

	if err := s.checkRate(ctx, actionResendVerification, ip, s.config.RateLimit.ResendVerification); err != nil {
		return err
	}
	s.bumpRate(ctx, actionResendVerification, ip, s.config.RateLimit.ResendVerification)

	user, err := s.users.GetByEmail(ctx, companyID, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil
		}
		return wrapStore(err)
	}
	if user.IsEmailVerified {
		return nil
	}

	return s.issueVerification(ctx, user, true)
}

// issueVerification creates the 24h single-use token and sends the email,
// strictly or best-effort depending on the calling flow.
func (s *Service) issueVerification(ctx context.Context, user *PortalUser, strict bool) error {
	token, err := internal.GenerateToken(internal.FlowTokenBytes)
	if err != nil {
		return err
	}
	payload := flowtoken.Payload{
		UserID:    user.ID,
		CompanyID: user.CompanyID,
		Email:     user.Email,
	}
	if err := s.flowTokens.Save(ctx, flowtoken.PurposeEmailVerification, token, payload, s.config.FlowTokens.VerificationTTL); err != nil {
		return wrapCache(err)
	}

	email := Email{
		To:      user.Email,
		Subject: fmt.Sprintf("Verify your %s email address", s.config.Issuer),
		Text: fmt.Sprintf(
			"Use this token to verify your email address (valid for 24 hours): %s",
			token,
		),
	}
	if strict {
		return s.sendEmailStrict(ctx, email)
	}
	s.sendEmail(ctx, email)
	return nil
}
