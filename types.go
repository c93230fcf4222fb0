package portalauth

import (
	"context"
	"time"

	"github.com/carewire/portalauth/session"
)

// UserStatus represents the lifecycle state of a portal account.
type UserStatus string

const (
	StatusPendingVerification UserStatus = "pending_verification"
	StatusActive              UserStatus = "active"
	StatusLocked              UserStatus = "locked"
	StatusSuspended           UserStatus = "suspended"
	StatusDeactivated         UserStatus = "deactivated"
)

// PortalUser is a portal identity tied 1:1 to a clinical patient record and
// scoped to one tenant. Accounts are never hard-deleted; they transition to
// StatusDeactivated instead.
type PortalUser struct {
	ID        string
	CompanyID string
	PatientID string

	Email        string
	PasswordHash string
	Phone        string

	IsEmailVerified bool
	IsPhoneVerified bool

	// TwoFactorEnabled implies TwoFactorSecret is non-empty. BackupCodes
	// holds SHA-256 hashes of the remaining single-use codes.
	TwoFactorEnabled bool
	TwoFactorSecret  string
	BackupCodes      []string

	Status              UserStatus
	FailedLoginAttempts int
	LockedUntil         *time.Time

	LastLoginAt        *time.Time
	LastLoginIP        string
	LastLoginUserAgent string

	TermsAcceptedAt   *time.Time
	PrivacyAcceptedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Locked reports whether the lock timestamp is still in the future. An
// elapsed LockedUntil auto-unlocks without a separate administrative step.
func (u *PortalUser) Locked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// UserStore is the durable persistence surface for portal users. Lookups
// that find nothing return ErrUserNotFound.
type UserStore interface {
	Create(ctx context.Context, user *PortalUser) error
	GetByID(ctx context.Context, id string) (*PortalUser, error)
	GetByEmail(ctx context.Context, companyID, email string) (*PortalUser, error)
	GetByPatient(ctx context.Context, companyID, patientID string) (*PortalUser, error)
	Update(ctx context.Context, user *PortalUser) error
}

// SessionStore is the durable persistence surface for sessions. Lookups that
// find nothing return ErrSessionInvalid.
type SessionStore interface {
	Create(ctx context.Context, s *session.Session) error
	GetByID(ctx context.Context, id string) (*session.Session, error)
	GetByAccessHash(ctx context.Context, accessTokenHash string) (*session.Session, error)
	GetByRefreshHash(ctx context.Context, refreshTokenHash string) (*session.Session, error)
	ListActiveByUser(ctx context.Context, userID string) ([]*session.Session, error)
	TouchActivity(ctx context.Context, id string, at time.Time) error
	Revoke(ctx context.Context, id, reason string, at time.Time) error
	RevokeAllForUser(ctx context.Context, userID, reason string, at time.Time) (int64, error)
}

// Email is an outbound message handed to the EmailSender collaborator.
type Email struct {
	To      string
	Subject string
	Text    string
}

// EmailSender delivers portal emails. Sends are best-effort for welcome,
// verification and reset mails triggered as side effects; only explicit
// resend flows surface delivery failures.
type EmailSender interface {
	Send(ctx context.Context, email Email) error
}

// PatientDirectory answers whether a clinical patient record exists within a
// tenant. Registration is rejected without one.
type PatientDirectory interface {
	PatientExists(ctx context.Context, companyID, patientID string) (bool, error)
}

// RegisterInput is the payload for Register.
type RegisterInput struct {
	PatientID      string
	Email          string
	Password       string
	Phone          string
	AcceptsTerms   bool
	AcceptsPrivacy bool
}

// Credentials is the payload for Login.
type Credentials struct {
	Email    string
	Password string
}

// AuthTokens is the plaintext token pair returned by flows that create or
// rotate a session. It is the only place plaintext tokens ever exist.
//
// When TwoFactorRequired is set, AccessToken is empty and RefreshToken
// carries the short-lived 2FA challenge token instead of a refresh token.
type AuthTokens struct {
	SessionID         string
	AccessToken       string
	RefreshToken      string
	ExpiresAt         time.Time
	RefreshExpiresAt  time.Time
	TwoFactorRequired bool
}

// RegisterResult reports the created account plus, when AutoLogin is
// enabled, the immediately issued session pair.
type RegisterResult struct {
	UserID string
	Tokens *AuthTokens
}

// TwoFactorSetup is returned by Enable2FA for the authenticator-app method:
// the raw secret, the otpauth provisioning URI, and the plaintext backup
// codes, shown exactly once.
type TwoFactorSetup struct {
	Secret      string
	URI         string
	BackupCodes []string
}
