package portalauth

import (
	"errors"
	"time"

	"github.com/carewire/portalauth/audit"
	"github.com/carewire/portalauth/internal/rate"
	"github.com/carewire/portalauth/password"
)

// Config carries every tunable of the portal auth service.
//
// Config instances are intended to be configured during initialization and
// then treated as immutable.
type Config struct {
	// Issuer appears in TOTP provisioning URIs and outbound emails.
	Issuer string

	Password     PasswordConfig
	Session      SessionConfig
	TwoFactor    TwoFactorConfig
	Lockout      LockoutConfig
	FlowTokens   FlowTokenConfig
	RateLimit    RateLimitConfig
	Registration RegistrationConfig
	Audit        audit.Config
}

// PasswordConfig sets credential hashing and policy.
type PasswordConfig struct {
	BcryptCost int
	MinLength  int
}

// SessionConfig sets token lifetimes and cache key layout.
type SessionConfig struct {
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	CachePrefix string
	// SlidingActivity updates LastActivityAt on every validated access.
	SlidingActivity bool
}

// TwoFactorConfig sets TOTP parameters and enrollment flow lifetimes. The
// TOTP parameters must stay at their RFC 6238 defaults (SHA1, 6 digits, 30s
// period, ±1 skew) for interoperability with standard authenticator apps.
type TwoFactorConfig struct {
	Digits               int
	Period               int
	Skew                 int
	SetupTTL             time.Duration
	ChallengeTTL         time.Duration
	MaxChallengeAttempts int
	BackupCodeCount      int
}

// LockoutConfig sets the consecutive-failure lock policy.
type LockoutConfig struct {
	MaxFailedLogins int
	LockDuration    time.Duration
}

// FlowTokenConfig sets the per-flow single-use token lifetimes.
type FlowTokenConfig struct {
	VerificationTTL time.Duration
	ResetTTL        time.Duration
	PasswordlessTTL time.Duration
	CachePrefix     string
}

// RateLimitConfig names the fixed-window attempt budgets applied before any
// credential comparison.
type RateLimitConfig struct {
	Prefix              string
	Register            rate.Policy
	Login               rate.Policy
	PasswordReset       rate.Policy
	ResendVerification  rate.Policy
	PasswordlessRequest rate.Policy
}

// RegistrationConfig gates registration behavior.
type RegistrationConfig struct {
	// AutoLogin issues a full session pair immediately on registration,
	// before the email is verified. Faithful to the platform's original
	// behavior; disable to require verification first.
	AutoLogin bool
}

// DefaultConfig returns the production defaults described in the platform's
// security baseline.
func DefaultConfig() Config {
	return Config{
		Issuer: "Patient Portal",
		Password: PasswordConfig{
			BcryptCost: password.DefaultCost,
			MinLength:  8,
		},
		Session: SessionConfig{
			AccessTTL:       30 * time.Minute,
			RefreshTTL:      30 * 24 * time.Hour,
			CachePrefix:     "psess",
			SlidingActivity: true,
		},
		TwoFactor: TwoFactorConfig{
			Digits:               6,
			Period:               30,
			Skew:                 1,
			SetupTTL:             10 * time.Minute,
			ChallengeTTL:         5 * time.Minute,
			MaxChallengeAttempts: 5,
			BackupCodeCount:      10,
		},
		Lockout: LockoutConfig{
			MaxFailedLogins: 5,
			LockDuration:    30 * time.Minute,
		},
		FlowTokens: FlowTokenConfig{
			VerificationTTL: 24 * time.Hour,
			ResetTTL:        time.Hour,
			PasswordlessTTL: 15 * time.Minute,
			CachePrefix:     "pft",
		},
		RateLimit: RateLimitConfig{
			Prefix:              "prl",
			Register:            rate.Policy{MaxAttempts: 5, Window: 15 * time.Minute},
			Login:               rate.Policy{MaxAttempts: 10, Window: 15 * time.Minute},
			PasswordReset:       rate.Policy{MaxAttempts: 3, Window: time.Hour},
			ResendVerification:  rate.Policy{MaxAttempts: 3, Window: time.Hour},
			PasswordlessRequest: rate.Policy{MaxAttempts: 3, Window: time.Hour},
		},
		Registration: RegistrationConfig{
			AutoLogin: true,
		},
		Audit: audit.Config{
			Retention: audit.DefaultRetention,
		},
	}
}

func validateConfig(cfg Config) error {
	if cfg.Session.AccessTTL <= 0 || cfg.Session.RefreshTTL <= 0 {
		return errors.New("session TTLs must be positive")
	}
	if cfg.Session.RefreshTTL < cfg.Session.AccessTTL {
		return errors.New("refresh TTL must be at least the access TTL")
	}
	if cfg.TwoFactor.Digits != 6 || cfg.TwoFactor.Period != 30 {
		return errors.New("totp parameters must stay at RFC defaults (6 digits, 30s period)")
	}
	if cfg.TwoFactor.Skew < 0 || cfg.TwoFactor.Skew > 2 {
		return errors.New("totp skew out of range")
	}
	if cfg.Lockout.MaxFailedLogins <= 0 || cfg.Lockout.LockDuration <= 0 {
		return errors.New("lockout policy must be positive")
	}
	if cfg.Password.MinLength < 8 {
		return errors.New("password minimum length below baseline")
	}
	for _, ttl := range []time.Duration{
		cfg.FlowTokens.VerificationTTL,
		cfg.FlowTokens.ResetTTL,
		cfg.FlowTokens.PasswordlessTTL,
		cfg.TwoFactor.SetupTTL,
		cfg.TwoFactor.ChallengeTTL,
	} {
		if ttl <= 0 {
			return errors.New("flow token TTLs must be positive")
		}
	}
	return nil
}
