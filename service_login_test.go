package portalauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/carewire/portalauth/audit"
	"github.com/carewire/portalauth/internal"
)

func totpCodeForSecret(t *testing.T, secretBase32 string, at time.Time) string {
	t.Helper()

	secret, err := decodeTOTPSecret(secretBase32)
	if err != nil {
		t.Fatalf("decode secret failed: %v", err)
	}
	return hotpCode(secret, at.Unix()/30, 6)
}

// seed2FAUser stores an active user with TOTP enabled and returns the user,
// the base32 secret, and the plaintext backup codes.
func (env *testEnv) seed2FAUser(t *testing.T, companyID, email, pass string) (*PortalUser, string, []string) {
	t.Helper()

	user := env.seedUser(t, companyID, email, pass)
	_, secret, err := internal.NewTOTPSecret()
	if err != nil {
		t.Fatalf("NewTOTPSecret failed: %v", err)
	}
	codes, hashes, err := internal.NewBackupCodes(4)
	if err != nil {
		t.Fatalf("NewBackupCodes failed: %v", err)
	}
	user.TwoFactorEnabled = true
	user.TwoFactorSecret = secret
	user.BackupCodes = hashes
	if err := env.users.Update(context.Background(), user); err != nil {
		t.Fatalf("seed 2FA user failed: %v", err)
	}
	return user, secret, codes
}

func TestLoginSuccess(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "clinic-1", "alice@example.com", "correct horse battery")

	tokens := env.login(t, user, "correct horse battery")
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatal("expected a full token pair")
	}
	if tokens.TwoFactorRequired {
		t.Fatal("2FA must not be required for this account")
	}
	if tokens.AccessToken == tokens.RefreshToken {
		t.Fatal("access and refresh tokens must differ")
	}

	stored := env.users.get(user.ID)
	if stored.LastLoginAt == nil || stored.LastLoginIP != "10.0.0.1" {
		t.Fatal("login metadata not recorded")
	}

	sess := env.sessions.get(tokens.SessionID)
	if sess == nil {
		t.Fatal("session not persisted")
	}
	if sess.AccessTokenHash == tokens.AccessToken {
		t.Fatal("session must store the token hash, not the token")
	}
	if sess.AccessTokenHash != internal.HashToken(tokens.AccessToken) {
		t.Fatal("stored hash does not match issued token")
	}

	if got := env.auditor.byAction(audit.ActionLogin); len(got) != 1 {
		t.Fatalf("LOGIN audit entries = %d, want 1", len(got))
	}
}

func TestLoginUniformFailures(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "clinic-1", "alice@example.com", "correct horse battery")
	ctx := context.Background()

	// Unknown account and wrong password are indistinguishable.
	_, errUnknown := env.svc.Login(ctx, "clinic-1", Credentials{Email: "nobody@example.com", Password: "whatever-pass"}, "10.0.0.1", "ua")
	_, errWrong := env.svc.Login(ctx, "clinic-1", Credentials{Email: "alice@example.com", Password: "wrong-password"}, "10.0.0.1", "ua")
	if !errors.Is(errUnknown, ErrInvalidCredentials) || !errors.Is(errWrong, ErrInvalidCredentials) {
		t.Fatalf("errors = (%v, %v), both must be ErrInvalidCredentials", errUnknown, errWrong)
	}

	// Tenant scoping: right email, wrong company.
	_, err := env.svc.Login(ctx, "clinic-2", Credentials{Email: "alice@example.com", Password: "correct horse battery"}, "10.0.0.1", "ua")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("cross-tenant error = %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginUnverifiedEmail(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "clinic-1", "alice@example.com", "correct horse battery")
	user.IsEmailVerified = false
	if err := env.users.Update(context.Background(), user); err != nil {
		t.Fatal(err)
	}

	_, err := env.svc.Login(context.Background(), "clinic-1", Credentials{Email: user.Email, Password: "correct horse battery"}, "10.0.0.1", "ua")
	if !errors.Is(err, ErrEmailNotVerified) {
		t.Fatalf("error = %v, want ErrEmailNotVerified", err)
	}
}

func TestLoginTerminalStatuses(t *testing.T) {
	tests := []struct {
		status  UserStatus
		wantErr error
	}{
		{StatusSuspended, ErrAccountSuspended},
		{StatusDeactivated, ErrAccountDeactivated},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			env := newTestEnv(t)
			user := env.seedUser(t, "clinic-1", "alice@example.com", "correct horse battery")
			user.Status = tt.status
			if err := env.users.Update(context.Background(), user); err != nil {
				t.Fatal(err)
			}

			_, err := env.svc.Login(context.Background(), "clinic-1", Credentials{Email: user.Email, Password: "correct horse battery"}, "10.0.0.1", "ua")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoginLockoutAfterRepeatedFailures(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "clinic-1", "alice@example.com", "correct horse battery")
	ctx := context.Background()

	for i := 0; i < env.svc.config.Lockout.MaxFailedLogins; i++ {
		_, err := env.svc.Login(ctx, "clinic-1", Credentials{Email: user.Email, Password: "wrong-password"}, "10.0.0.1", "ua")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("failure %d error = %v", i, err)
		}
	}

	stored := env.users.get(user.ID)
	if stored.Status != StatusLocked || stored.LockedUntil == nil {
		t.Fatalf("account not locked: status=%q lockedUntil=%v", stored.Status, stored.LockedUntil)
	}

	// The right password no longer helps while the lock holds.
	_, err := env.svc.Login(ctx, "clinic-1", Credentials{Email: user.Email, Password: "correct horse battery"}, "10.0.0.1", "ua")
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("locked error = %v, want ErrAccountLocked", err)
	}

	// Elapsing the lock window unlocks without administrative action.
	past := time.Now().UTC().Add(-time.Minute)
	stored.LockedUntil = &past
	if err := env.users.Update(ctx, stored); err != nil {
		t.Fatal(err)
	}
	tokens, err := env.svc.Login(ctx, "clinic-1", Credentials{Email: user.Email, Password: "correct horse battery"}, "10.0.0.1", "ua")
	if err != nil {
		t.Fatalf("post-expiry login failed: %v", err)
	}
	if tokens.AccessToken == "" {
		t.Fatal("expected tokens after auto-unlock")
	}

	after := env.users.get(user.ID)
	if after.FailedLoginAttempts != 0 || after.LockedUntil != nil || after.Status != StatusActive {
		t.Fatal("lock state not cleared on successful login")
	}
}

func TestLoginRateLimited(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.RateLimit.Login.MaxAttempts = 3
	})
	env.seedUser(t, "clinic-1", "alice@example.com", "correct horse battery")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = env.svc.Login(ctx, "clinic-1", Credentials{Email: "alice@example.com", Password: "wrong-password"}, "10.0.0.7", "ua")
	}
	_, err := env.svc.Login(ctx, "clinic-1", Credentials{Email: "alice@example.com", Password: "correct horse battery"}, "10.0.0.7", "ua")
	if !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("error = %v, want ErrRateLimitExceeded", err)
	}

	// The fixed window resets wholesale when it expires.
	env.mr.FastForward(env.svc.config.RateLimit.Login.Window + time.Second)
	if _, err := env.svc.Login(ctx, "clinic-1", Credentials{Email: "alice@example.com", Password: "correct horse battery"}, "10.0.0.7", "ua"); err != nil {
		t.Fatalf("post-window login failed: %v", err)
	}
}

func TestLoginTwoFactorChallengeRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	user, secret, _ := env.seed2FAUser(t, "clinic-1", "alice@example.com", "correct horse battery")
	ctx := context.Background()

	partial, err := env.svc.Login(ctx, "clinic-1", Credentials{Email: user.Email, Password: "correct horse battery"}, "10.0.0.1", "ua")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if !partial.TwoFactorRequired {
		t.Fatal("expected a 2FA challenge")
	}
	if partial.AccessToken != "" {
		t.Fatal("no access token before the second factor")
	}
	if partial.RefreshToken == "" {
		t.Fatal("expected the challenge token in RefreshToken")
	}
	if env.sessions.activeCount(user.ID) != 0 {
		t.Fatal("no session may exist before the second factor")
	}

	code := totpCodeForSecret(t, secret, time.Now().UTC())
	tokens, err := env.svc.Verify2FA(ctx, partial.RefreshToken, code, "10.0.0.1", "ua")
	if err != nil {
		t.Fatalf("Verify2FA failed: %v", err)
	}
	if tokens.AccessToken == "" || tokens.TwoFactorRequired {
		t.Fatal("expected a full session after the second factor")
	}

	// The challenge token is burned.
	if _, err := env.svc.Verify2FA(ctx, partial.RefreshToken, code, "10.0.0.1", "ua"); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("replayed challenge error = %v, want ErrInvalidOrExpiredToken", err)
	}
}

func TestVerify2FABackupCode(t *testing.T) {
	env := newTestEnv(t)
	user, _, codes := env.seed2FAUser(t, "clinic-1", "alice@example.com", "correct horse battery")
	ctx := context.Background()

	partial, err := env.svc.Login(ctx, "clinic-1", Credentials{Email: user.Email, Password: "correct horse battery"}, "10.0.0.1", "ua")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	tokens, err := env.svc.Verify2FA(ctx, partial.RefreshToken, codes[0], "10.0.0.1", "ua")
	if err != nil {
		t.Fatalf("Verify2FA with backup code failed: %v", err)
	}
	if tokens.AccessToken == "" {
		t.Fatal("expected a full session")
	}

	// The code is single-use: it is gone from the stored hashes.
	stored := env.users.get(user.ID)
	if len(stored.BackupCodes) != len(codes)-1 {
		t.Fatalf("backup codes remaining = %d, want %d", len(stored.BackupCodes), len(codes)-1)
	}
	for _, h := range stored.BackupCodes {
		if internal.VerifyTokenHash(codes[0], h) {
			t.Fatal("consumed backup code still present")
		}
	}
}

func TestVerify2FAAttemptsExhausted(t *testing.T) {
	env := newTestEnv(t)
	user, secret, _ := env.seed2FAUser(t, "clinic-1", "alice@example.com", "correct horse battery")
	ctx := context.Background()

	partial, err := env.svc.Login(ctx, "clinic-1", Credentials{Email: user.Email, Password: "correct horse battery"}, "10.0.0.1", "ua")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	max := env.svc.config.TwoFactor.MaxChallengeAttempts
	for i := 0; i < max-1; i++ {
		_, err := env.svc.Verify2FA(ctx, partial.RefreshToken, "000000", "10.0.0.1", "ua")
		if !errors.Is(err, ErrInvalidTwoFactorCode) {
			t.Fatalf("attempt %d error = %v, want ErrInvalidTwoFactorCode", i, err)
		}
	}
	if _, err := env.svc.Verify2FA(ctx, partial.RefreshToken, "000000", "10.0.0.1", "ua"); !errors.Is(err, ErrTwoFactorAttemptsExceeded) {
		t.Fatalf("final attempt error = %v, want ErrTwoFactorAttemptsExceeded", err)
	}

	// The challenge is dead even with the right code now.
	code := totpCodeForSecret(t, secret, time.Now().UTC())
	if _, err := env.svc.Verify2FA(ctx, partial.RefreshToken, code, "10.0.0.1", "ua"); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("post-exhaustion error = %v, want ErrInvalidOrExpiredToken", err)
	}
}

func TestPasswordlessLoginRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "clinic-1", "alice@example.com", "correct horse battery")
	ctx := context.Background()

	if err := env.svc.RequestPasswordlessLogin(ctx, "clinic-1", user.Email, "10.0.0.1"); err != nil {
		t.Fatalf("RequestPasswordlessLogin failed: %v", err)
	}
	mail, ok := env.email.last()
	if !ok {
		t.Fatal("no passwordless email")
	}
	token := tokenFromEmail(t, mail)

	tokens, err := env.svc.PasswordlessLogin(ctx, token, "10.0.0.1", "ua")
	if err != nil {
		t.Fatalf("PasswordlessLogin failed: %v", err)
	}
	if tokens.AccessToken == "" {
		t.Fatal("expected a full session")
	}

	// Single-use.
	if _, err := env.svc.PasswordlessLogin(ctx, token, "10.0.0.1", "ua"); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("reuse error = %v, want ErrInvalidOrExpiredToken", err)
	}
}

func TestPasswordlessRequestUnknownEmailSilent(t *testing.T) {
	env := newTestEnv(t)

	if err := env.svc.RequestPasswordlessLogin(context.Background(), "clinic-1", "nobody@example.com", "10.0.0.1"); err != nil {
		t.Fatalf("unknown email error = %v, want nil", err)
	}
	if env.email.count() != 0 {
		t.Fatal("unknown email must not trigger a send")
	}
}
