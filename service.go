package portalauth

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/carewire/portalauth/audit"
	"github.com/carewire/portalauth/internal"
	"github.com/carewire/portalauth/internal/flowtoken"
	"github.com/carewire/portalauth/internal/rate"
	"github.com/carewire/portalauth/password"
	"github.com/carewire/portalauth/session"
)

// Rate-limited action names; they form the Redis counter keys together with
// the client IP.
const (
	actionRegister            = "register"
	actionLogin               = "login"
	actionPasswordReset       = "password_reset"
	actionResendVerification  = "resend_verification"
	actionPasswordlessRequest = "passwordless_request"
)

// Service orchestrates the portal identity flows over the durable stores,
// the Redis-backed ephemeral state, and the audit side channel.
//
// Service instances are configured during initialization via [Builder] and
// treated as immutable afterwards.
type Service struct {
	config       Config
	users        UserStore
	sessions     SessionStore
	sessionCache *session.Cache
	rateLimiter  *rate.Limiter
	flowTokens   *flowtoken.Store
	passwordHash *password.Hasher
	totp         *totpManager
	auditor      audit.Recorder
	email        EmailSender
	patients     PatientDirectory
	metrics      *Metrics
	logger       *log.Logger
}

// MetricsSnapshot copies the current service counters.
func (s *Service) MetricsSnapshot() MetricsSnapshot {
	if s == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}
	return s.metrics.Snapshot()
}

func (s *Service) metricInc(id MetricID) {
	if s != nil {
		s.metrics.inc(id)
	}
}

// checkRate maps limiter errors into the public taxonomy.
func (s *Service) checkRate(ctx context.Context, action, ip string, policy rate.Policy) error {
	err := s.rateLimiter.Check(ctx, action, ip, policy)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rate.ErrRateLimited):
		return ErrRateLimitExceeded
	default:
		return wrapCache(err)
	}
}

func (s *Service) bumpRate(ctx context.Context, action, ip string, policy rate.Policy) {
	if err := s.rateLimiter.Increment(ctx, action, ip, policy); err != nil {
		s.logger.Printf("rate counter increment failed: action=%s err=%v", action, err)
	}
}

// recordAudit emits one audit entry; the recorder contains its own failure
// handling, so this never influences the calling flow.
func (s *Service) recordAudit(ctx context.Context, entry audit.Entry) {
	if s.auditor == nil {
		return
	}
	_ = s.auditor.Record(ctx, entry)
}

func (s *Service) auditActor(companyID string, user *PortalUser, ip, userAgent string) audit.Actor {
	actor := audit.Actor{
		CompanyID: companyID,
		IPAddress: ip,
		UserAgent: userAgent,
	}
	if user != nil {
		actor.UserID = user.ID
		actor.UserEmail = user.Email
	}
	return actor
}

func (s *Service) auditLogin(ctx context.Context, actor audit.Actor, success bool, errorMessage string) {
	action := audit.ActionLogin
	if !success {
		action = audit.ActionLoginFailed
	}
	s.recordAudit(ctx, audit.Entry{
		CompanyID:    actor.CompanyID,
		UserID:       actor.UserID,
		UserEmail:    actor.UserEmail,
		IPAddress:    actor.IPAddress,
		UserAgent:    actor.UserAgent,
		Action:       action,
		Module:       "portal_auth",
		Success:      success,
		ErrorMessage: errorMessage,
	})
}

func (s *Service) auditLogout(ctx context.Context, sess *session.Session, description string) {
	s.recordAudit(ctx, audit.Entry{
		CompanyID:   sess.CompanyID,
		UserID:      sess.UserID,
		IPAddress:   sess.IPAddress,
		UserAgent:   sess.UserAgent,
		Action:      audit.ActionLogout,
		Module:      "portal_auth",
		Description: description,
		Success:     true,
	})
}

// sendEmail delivers best-effort: failures are logged and counted, never
// returned.
func (s *Service) sendEmail(ctx context.Context, email Email) {
	if s.email == nil {
		return
	}
	if err := s.email.Send(ctx, email); err != nil {
		s.metricInc(MetricEmailSendFailure)
		s.logger.Printf("email send failed: to=%s subject=%q err=%v", email.To, email.Subject, err)
	}
}

// sendEmailStrict is for flows whose entire purpose is delivering the
// message; the failure surfaces as ErrEmailDeliveryFailed.
func (s *Service) sendEmailStrict(ctx context.Context, email Email) error {
	if s.email == nil {
		return ErrEmailDeliveryFailed
	}
	if err := s.email.Send(ctx, email); err != nil {
		s.metricInc(MetricEmailSendFailure)
		return ErrEmailDeliveryFailed
	}
	return nil
}

// createSession issues a fresh token pair, persists the hashed session and
// primes the cache. The plaintext pair lives only in the returned AuthTokens.
func (s *Service) createSession(ctx context.Context, user *PortalUser, ip, userAgent string) (*AuthTokens, error) {
	now := time.Now().UTC()

	accessToken, err := internal.GenerateToken(internal.SessionTokenBytes)
	if err != nil {
		return nil, err
	}
	refreshToken, err := internal.GenerateToken(internal.SessionTokenBytes)
	if err != nil {
		return nil, err
	}

	sess := &session.Session{
		ID:               newID(),
		UserID:           user.ID,
		CompanyID:        user.CompanyID,
		AccessTokenHash:  internal.HashToken(accessToken),
		RefreshTokenHash: internal.HashToken(refreshToken),
		ExpiresAt:        now.Add(s.config.Session.AccessTTL),
		RefreshExpiresAt: now.Add(s.config.Session.RefreshTTL),
		IPAddress:        ip,
		UserAgent:        userAgent,
		DeviceType:       session.DeviceTypeFromUserAgent(userAgent),
		IsActive:         true,
		LastActivityAt:   now,
		CreatedAt:        now,
	}

	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, wrapStore(err)
	}
	// Cache priming is an optimization; a failure only costs a durable read
	// on the next validation.
	if err := s.sessionCache.Put(ctx, sess, now); err != nil {
		s.logger.Printf("session cache prime failed: session=%s err=%v", sess.ID, err)
	}

	s.metricInc(MetricSessionCreated)
	return &AuthTokens{
		SessionID:        sess.ID,
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		ExpiresAt:        sess.ExpiresAt,
		RefreshExpiresAt: sess.RefreshExpiresAt,
	}, nil
}

// recordLoginMetadata stamps the user row after a successful credential
// check: counters cleared, lock lifted, status active.
func (s *Service) recordLoginMetadata(ctx context.Context, user *PortalUser, ip, userAgent string) error {
	now := time.Now().UTC()
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	user.Status = StatusActive
	user.LastLoginAt = &now
	user.LastLoginIP = ip
	user.LastLoginUserAgent = userAgent
	if err := s.users.Update(ctx, user); err != nil {
		return wrapStore(err)
	}
	return nil
}

// revokeAllSessions kills every active session of a user in the durable
// store and evicts the matching cache entries so revocation is immediate.
func (s *Service) revokeAllSessions(ctx context.Context, userID, reason string) error {
	active, err := s.sessions.ListActiveByUser(ctx, userID)
	if err != nil {
		return wrapStore(err)
	}
	hashes := make([]string, 0, len(active))
	for _, sess := range active {
		hashes = append(hashes, sess.AccessTokenHash)
	}

	n, err := s.sessions.RevokeAllForUser(ctx, userID, reason, time.Now().UTC())
	if err != nil {
		return wrapStore(err)
	}
	for i := int64(0); i < n; i++ {
		s.metricInc(MetricSessionRevoked)
	}

	if err := s.sessionCache.DropAll(ctx, hashes); err != nil {
		s.logger.Printf("session cache eviction failed for user %s: %v", userID, err)
	}
	return nil
}

// statusGate translates terminal account states into their public errors.
// StatusLocked is handled separately because it auto-expires.
func statusGate(user *PortalUser) error {
	switch user.Status {
	case StatusSuspended:
		return ErrAccountSuspended
	case StatusDeactivated:
		return ErrAccountDeactivated
	default:
		return nil
	}
}

func wrapStore(err error) error {
	return errors.Join(ErrStoreUnavailable, err)
}

func wrapCache(err error) error {
	return errors.Join(ErrCacheUnavailable, err)
}

// mapFlowTokenErr collapses every flow-token failure mode into the uniform
// public error, so token state is never an oracle.
func mapFlowTokenErr(err error) error {
	if errors.Is(err, flowtoken.ErrNotFound) {
		return ErrInvalidOrExpiredToken
	}
	return wrapCache(err)
}
