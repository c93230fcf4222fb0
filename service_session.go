package portalauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carewire/portalauth/internal"
	"github.com/carewire/portalauth/session"
)

// ValidateSession resolves an access token to its live session, or (nil,
// nil) when the token does not map to one. An invalid token is not an
// error; only infrastructure failures are.
//
// The Redis cache answers the hash-to-session-ID question; the durable row
// always has the last word on whether the session is still good. A cache
// miss falls through to a store lookup and re-primes the cache.
func (s *Service) ValidateSession(ctx context.Context, accessToken string) (*session.Session, error) {
	if s == nil {
		return nil, ErrServiceNotReady
	}
	if accessToken == "" {
		return nil, nil
	}

	hash := internal.HashToken(accessToken)
	now := time.Now().UTC()

	var sess *session.Session
	sessionID, _, err := s.sessionCache.Lookup(ctx, hash)
	switch {
	case err == nil:
		sess, err = s.sessions.GetByID(ctx, sessionID)
	case errors.Is(err, session.ErrCacheMiss):
		sess, err = s.sessions.GetByAccessHash(ctx, hash)
	default:
		s.logger.Printf("session cache lookup failed: %v", err)
		sess, err = s.sessions.GetByAccessHash(ctx, hash)
	}
	if err != nil {
		if errors.Is(err, ErrSessionInvalid) {
			return nil, nil
		}
		return nil, wrapStore(err)
	}

	// The row is authoritative: a cached entry for a since-revoked session
	// must not resurrect it.
	if sess.AccessTokenHash != hash || !sess.Valid(now) {
		return nil, nil
	}

	if err := s.sessionCache.Put(ctx, sess, now); err != nil {
		s.logger.Printf("session cache refresh failed: %v", err)
	}

	if s.config.Session.SlidingActivity {
		sess.LastActivityAt = now
		if err := s.sessions.TouchActivity(ctx, sess.ID, now); err != nil {
			s.logger.Printf("session activity touch failed for %s: %v", sess.ID, err)
		}
	}
	return sess, nil
}

// RefreshToken exchanges a live refresh token for a brand-new session pair.
// Rotation is strict: the old session is revoked before the new tokens are
// returned, so a replayed refresh token dies with ErrSessionInvalid.
func (s *Service) RefreshToken(ctx context.Context, refreshToken, ip, userAgent string) (*AuthTokens, error) {
	if s == nil {
		return nil, ErrServiceNotReady
	}
	if refreshToken == "" {
		return nil, ErrSessionInvalid
	}

	hash := internal.HashToken(refreshToken)
	sess, err := s.sessions.GetByRefreshHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrSessionInvalid) {
			s.metricInc(MetricRefreshFailure)
			return nil, ErrSessionInvalid
		}
		return nil, wrapStore(err)
	}

	now := time.Now().UTC()
	if !sess.RefreshValid(now) {
		s.metricInc(MetricRefreshFailure)
		return nil, ErrSessionInvalid
	}

	user, err := s.users.GetByID(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.metricInc(MetricRefreshFailure)
			return nil, ErrSessionInvalid
		}
		return nil, wrapStore(err)
	}
	if user.Status != StatusActive {
		s.metricInc(MetricRefreshFailure)
		return nil, ErrSessionInvalid
	}

	if err := s.sessions.Revoke(ctx, sess.ID, session.RevokedRotated, now); err != nil {
		return nil, wrapStore(err)
	}
	if err := s.sessionCache.Drop(ctx, sess.AccessTokenHash); err != nil {
		s.logger.Printf("session cache eviction failed for %s: %v", sess.ID, err)
	}

	tokens, err := s.createSession(ctx, user, ip, userAgent)
	if err != nil {
		return nil, err
	}
	s.metricInc(MetricRefreshSuccess)
	return tokens, nil
}

// Logout revokes one session by ID. Revoking an already-dead or unknown
// session is a no-op; logout never fails for being late.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if s == nil {
		return ErrServiceNotReady
	}

	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionInvalid) {
			return nil
		}
		return wrapStore(err)
	}
	if !sess.IsActive {
		return nil
	}

	if err := s.sessions.Revoke(ctx, sess.ID, session.RevokedLogout, time.Now().UTC()); err != nil {
		return wrapStore(err)
	}
	if err := s.sessionCache.Drop(ctx, sess.AccessTokenHash); err != nil {
		s.logger.Printf("session cache eviction failed for %s: %v", sess.ID, err)
	}

	s.metricInc(MetricSessionRevoked)
	s.auditLogout(ctx, sess, "")
	return nil
}

// LogoutAll revokes every active session of the user and reports how many
// were closed.
func (s *Service) LogoutAll(ctx context.Context, userID string) (int64, error) {
	if s == nil {
		return 0, ErrServiceNotReady
	}

	active, err := s.sessions.ListActiveByUser(ctx, userID)
	if err != nil {
		return 0, wrapStore(err)
	}
	if len(active) == 0 {
		return 0, nil
	}
	hashes := make([]string, 0, len(active))
	for _, sess := range active {
		hashes = append(hashes, sess.AccessTokenHash)
	}

	n, err := s.sessions.RevokeAllForUser(ctx, userID, session.RevokedLogoutAll, time.Now().UTC())
	if err != nil {
		return 0, wrapStore(err)
	}
	if err := s.sessionCache.DropAll(ctx, hashes); err != nil {
		s.logger.Printf("session cache eviction failed for user %s: %v", userID, err)
	}

	for i := int64(0); i < n; i++ {
		s.metricInc(MetricSessionRevoked)
	}
	// One trail entry per revoked session, each attributed to the
	// device the session belonged to.
	for _, sess := range active {
		s.auditLogout(ctx, sess, fmt.Sprintf("logout-all revoked session %s", sess.ID))
	}
	return n, nil
}

// ListSessions returns the user's active sessions so the portal can render
// a "signed-in devices" view. Token hashes are blanked before the sessions
// leave the service.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]*session.Session, error) {
	if s == nil {
		return nil, ErrServiceNotReady
	}

	active, err := s.sessions.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, wrapStore(err)
	}
	out := make([]*session.Session, 0, len(active))
	for _, sess := range active {
		cp := *sess
		cp.AccessTokenHash = ""
		cp.RefreshTokenHash = ""
		out = append(out, &cp)
	}
	return out, nil
}
