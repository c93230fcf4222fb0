package portalauth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestEnable2FAConfirmRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "clinic-1", "alice@example.com", "correct horse battery")
	ctx := context.Background()

	setup, err := env.svc.Enable2FA(ctx, user.ID)
	if err != nil {
		t.Fatalf("Enable2FA failed: %v", err)
	}
	if setup.Secret == "" {
		t.Fatal("expected a base32 secret")
	}
	if !strings.HasPrefix(setup.URI, "otpauth://totp/") {
		t.Fatalf("unexpected provisioning URI: %q", setup.URI)
	}
	if len(setup.BackupCodes) != env.svc.config.TwoFactor.BackupCodeCount {
		t.Fatalf("backup codes = %d, want %d", len(setup.BackupCodes), env.svc.config.TwoFactor.BackupCodeCount)
	}

	// Nothing lands on the user row until the code is confirmed.
	if stored := env.users.get(user.ID); stored.TwoFactorEnabled || stored.TwoFactorSecret != "" {
		t.Fatal("enrollment must stay pending until confirmed")
	}

	code := totpCodeForSecret(t, setup.Secret, time.Now().UTC())
	if err := env.svc.Confirm2FA(ctx, user.ID, code); err != nil {
		t.Fatalf("Confirm2FA failed: %v", err)
	}

	stored := env.users.get(user.ID)
	if !stored.TwoFactorEnabled || stored.TwoFactorSecret != setup.Secret {
		t.Fatal("confirmed enrollment must persist the secret")
	}
	if len(stored.BackupCodes) != len(setup.BackupCodes) {
		t.Fatal("backup code hashes must be persisted")
	}
	for _, h := range stored.BackupCodes {
		for _, c := range setup.BackupCodes {
			if h == c {
				t.Fatal("backup codes must be stored hashed")
			}
		}
	}

	// Confirming again is rejected: enrollment is done.
	if err := env.svc.Confirm2FA(ctx, user.ID, code); !errors.Is(err, ErrTwoFactorNotPending) {
		t.Fatalf("second confirm error = %v, want ErrTwoFactorNotPending", err)
	}
}

func TestConfirm2FAWrongCode(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "clinic-1", "alice@example.com", "correct horse battery")
	ctx := context.Background()

	if _, err := env.svc.Enable2FA(ctx, user.ID); err != nil {
		t.Fatalf("Enable2FA failed: %v", err)
	}

	if err := env.svc.Confirm2FA(ctx, user.ID, "000000"); !errors.Is(err, ErrInvalidTwoFactorCode) {
		t.Fatalf("error = %v, want ErrInvalidTwoFactorCode", err)
	}
	if stored := env.users.get(user.ID); stored.TwoFactorEnabled {
		t.Fatal("wrong code must not enable 2FA")
	}
}

func TestConfirm2FAWithoutPendingEnrollment(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "clinic-1", "alice@example.com", "correct horse battery")

	err := env.svc.Confirm2FA(context.Background(), user.ID, "123456")
	if !errors.Is(err, ErrTwoFactorNotPending) {
		t.Fatalf("error = %v, want ErrTwoFactorNotPending", err)
	}
}

func TestEnable2FAPendingEnrollmentExpires(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "clinic-1", "alice@example.com", "correct horse battery")
	ctx := context.Background()

	setup, err := env.svc.Enable2FA(ctx, user.ID)
	if err != nil {
		t.Fatalf("Enable2FA failed: %v", err)
	}

	env.mr.FastForward(env.svc.config.TwoFactor.SetupTTL + time.Minute)

	code := totpCodeForSecret(t, setup.Secret, time.Now().UTC())
	if err := env.svc.Confirm2FA(ctx, user.ID, code); !errors.Is(err, ErrTwoFactorNotPending) {
		t.Fatalf("expired enrollment error = %v, want ErrTwoFactorNotPending", err)
	}
}

func TestEnable2FARestartReplacesPending(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "clinic-1", "alice@example.com", "correct horse battery")
	ctx := context.Background()

	first, err := env.svc.Enable2FA(ctx, user.ID)
	if err != nil {
		t.Fatalf("first Enable2FA failed: %v", err)
	}
	second, err := env.svc.Enable2FA(ctx, user.ID)
	if err != nil {
		t.Fatalf("second Enable2FA failed: %v", err)
	}
	if first.Secret == second.Secret {
		t.Fatal("restarted enrollment must generate a fresh secret")
	}

	// Only the latest secret confirms.
	oldCode := totpCodeForSecret(t, first.Secret, time.Now().UTC())
	if err := env.svc.Confirm2FA(ctx, user.ID, oldCode); !errors.Is(err, ErrInvalidTwoFactorCode) {
		t.Fatalf("stale secret error = %v, want ErrInvalidTwoFactorCode", err)
	}
	newCode := totpCodeForSecret(t, second.Secret, time.Now().UTC())
	if err := env.svc.Confirm2FA(ctx, user.ID, newCode); err != nil {
		t.Fatalf("Confirm2FA failed: %v", err)
	}
}

func TestEnable2FAAlreadyEnabled(t *testing.T) {
	env := newTestEnv(t)
	user, _, _ := env.seed2FAUser(t, "clinic-1", "alice@example.com", "correct horse battery")

	if _, err := env.svc.Enable2FA(context.Background(), user.ID); !errors.Is(err, ErrTwoFactorAlreadyEnabled) {
		t.Fatalf("error = %v, want ErrTwoFactorAlreadyEnabled", err)
	}
}

func TestDisable2FA(t *testing.T) {
	env := newTestEnv(t)
	user, _, _ := env.seed2FAUser(t, "clinic-1", "alice@example.com", "correct horse battery")
	ctx := context.Background()

	// Password re-verification is mandatory.
	if err := env.svc.Disable2FA(ctx, user.ID, "not the password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password error = %v, want ErrInvalidCredentials", err)
	}

	if err := env.svc.Disable2FA(ctx, user.ID, "correct horse battery"); err != nil {
		t.Fatalf("Disable2FA failed: %v", err)
	}

	stored := env.users.get(user.ID)
	if stored.TwoFactorEnabled || stored.TwoFactorSecret != "" || stored.BackupCodes != nil {
		t.Fatal("disable must discard the secret and backup codes")
	}

	// Login no longer challenges.
	tokens := env.login(t, stored, "correct horse battery")
	if tokens.TwoFactorRequired {
		t.Fatal("disabled account must not be challenged")
	}

	if err := env.svc.Disable2FA(ctx, user.ID, "correct horse battery"); !errors.Is(err, ErrTwoFactorNotEnabled) {
		t.Fatalf("second disable error = %v, want ErrTwoFactorNotEnabled", err)
	}
}

func TestRegenerateBackupCodes(t *testing.T) {
	env := newTestEnv(t)
	user, _, oldCodes := env.seed2FAUser(t, "clinic-1", "alice@example.com", "correct horse battery")
	ctx := context.Background()

	if _, err := env.svc.RegenerateBackupCodes(ctx, user.ID, "not the password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password error = %v, want ErrInvalidCredentials", err)
	}

	newCodes, err := env.svc.RegenerateBackupCodes(ctx, user.ID, "correct horse battery")
	if err != nil {
		t.Fatalf("RegenerateBackupCodes failed: %v", err)
	}
	if len(newCodes) != env.svc.config.TwoFactor.BackupCodeCount {
		t.Fatalf("new codes = %d, want %d", len(newCodes), env.svc.config.TwoFactor.BackupCodeCount)
	}

	// The old set is fully invalidated.
	partial, err := env.svc.Login(ctx, "clinic-1", Credentials{Email: user.Email, Password: "correct horse battery"}, "10.0.0.1", "ua")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if _, err := env.svc.Verify2FA(ctx, partial.RefreshToken, oldCodes[0], "10.0.0.1", "ua"); !errors.Is(err, ErrInvalidTwoFactorCode) {
		t.Fatalf("old code error = %v, want ErrInvalidTwoFactorCode", err)
	}
	if _, err := env.svc.Verify2FA(ctx, partial.RefreshToken, newCodes[0], "10.0.0.1", "ua"); err != nil {
		t.Fatalf("new code Verify2FA failed: %v", err)
	}
}

func TestTwoFactorUnknownUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		name string
		call func() error
	}{
		{"Enable2FA", func() error { _, err := env.svc.Enable2FA(ctx, "nobody"); return err }},
		{"Confirm2FA", func() error { return env.svc.Confirm2FA(ctx, "nobody", "000000") }},
		{"Disable2FA", func() error { return env.svc.Disable2FA(ctx, "nobody", "pw") }},
		{"RegenerateBackupCodes", func() error {
			_, err := env.svc.RegenerateBackupCodes(ctx, "nobody", "pw")
			return err
		}},
	}
	for _, tc := range cases {
		err := tc.call()
		if errors.Is(err, ErrStoreUnavailable) {
			t.Errorf("%s: unknown user surfaced as a store failure: %v", tc.name, err)
		}
		if !errors.Is(err, ErrUserNotFound) && !errors.Is(err, ErrTwoFactorNotPending) {
			t.Errorf("%s: err = %v, want ErrUserNotFound", tc.name, err)
		}
	}
}
