package session

import (
	"strings"
	"time"
)

// Revocation reasons recorded on terminated sessions.
const (
	RevokedLogout        = "logout"
	RevokedLogoutAll     = "logout_all"
	RevokedPasswordReset = "password_reset"
	RevokedUserDisabled  = "user_disabled"
	RevokedRotated       = "token_rotated"
)

// Session is one authenticated device. Only token hashes are ever stored;
// the plaintext pair exists solely in the response that created it.
type Session struct {
	ID               string
	UserID           string
	CompanyID        string
	AccessTokenHash  string
	RefreshTokenHash string
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
	IPAddress        string
	UserAgent        string
	DeviceType       string
	IsActive         bool
	RevokedAt        *time.Time
	RevokedReason    string
	LastActivityAt   time.Time
	CreatedAt        time.Time
}

// Valid reports whether the session can authenticate an access token at now.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || !s.IsActive {
		return false
	}
	return now.Before(s.ExpiresAt)
}

// RefreshValid reports whether the refresh token is still usable at now.
// Refresh validity is independent of access-token expiry.
func (s *Session) RefreshValid(now time.Time) bool {
	if s == nil || !s.IsActive {
		return false
	}
	return now.Before(s.RefreshExpiresAt)
}

// Revoke marks the session terminated with a reason. Idempotent: an already
// revoked session keeps its original reason and timestamp.
func (s *Session) Revoke(reason string, at time.Time) {
	if s == nil || !s.IsActive && s.RevokedAt != nil {
		return
	}
	s.IsActive = false
	if s.RevokedAt == nil {
		t := at
		s.RevokedAt = &t
		s.RevokedReason = reason
	}
}

// DeviceTypeFromUserAgent buckets a user agent into mobile, tablet, desktop
// or unknown. Matching is deliberately coarse; the value is display metadata,
// not a security signal.
func DeviceTypeFromUserAgent(ua string) string {
	ua = strings.ToLower(ua)
	switch {
	case ua == "":
		return "unknown"
	case strings.Contains(ua, "ipad") || strings.Contains(ua, "tablet"):
		return "tablet"
	case strings.Contains(ua, "mobile") || strings.Contains(ua, "iphone") || strings.Contains(ua, "android"):
		return "mobile"
	case strings.Contains(ua, "mozilla") || strings.Contains(ua, "windows") ||
		strings.Contains(ua, "macintosh") || strings.Contains(ua, "x11"):
		return "desktop"
	default:
		return "unknown"
	}
}
