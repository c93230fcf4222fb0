package portalauth

import "errors"

var (
	// ErrInvalidCredentials covers both unknown users and wrong passwords;
	// the two cases are never distinguished to callers.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked reports a temporary lock after repeated failures.
	ErrAccountLocked = errors.New("account locked")
	// ErrAccountSuspended reports an administratively suspended account.
	ErrAccountSuspended = errors.New("account suspended")
	// ErrAccountDeactivated reports a deactivated account; terminal for login.
	ErrAccountDeactivated = errors.New("account deactivated")
	// ErrEmailNotVerified blocks login until the verification flow completes.
	ErrEmailNotVerified = errors.New("email not verified")
	// ErrRateLimitExceeded reports an exhausted attempt budget for a flow.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrInvalidOrExpiredToken covers missing, expired and already-consumed
	// flow tokens uniformly, so token state is never an oracle.
	ErrInvalidOrExpiredToken = errors.New("invalid or expired token")
	// ErrTwoFactorRequired signals that login must continue via Verify2FA.
	ErrTwoFactorRequired = errors.New("two-factor verification required")
	// ErrInvalidTwoFactorCode reports a TOTP/backup code that matched nothing.
	ErrInvalidTwoFactorCode = errors.New("invalid two-factor code")
	// ErrTwoFactorAttemptsExceeded reports an exhausted 2FA challenge.
	ErrTwoFactorAttemptsExceeded = errors.New("two-factor attempts exceeded")
	// ErrTwoFactorNotPending reports a Confirm2FA without a live setup.
	ErrTwoFactorNotPending = errors.New("no pending two-factor setup")
	// ErrTwoFactorAlreadyEnabled rejects re-enrollment while enabled.
	ErrTwoFactorAlreadyEnabled = errors.New("two-factor already enabled")
	// ErrTwoFactorNotEnabled rejects disable/backup flows while disabled.
	ErrTwoFactorNotEnabled = errors.New("two-factor not enabled")
	// ErrWeakPassword reports a password below the configured minimum.
	ErrWeakPassword = errors.New("password does not meet requirements")
	// ErrDuplicateRegistration reports an email or patient already bound to a
	// portal account within the tenant.
	ErrDuplicateRegistration = errors.New("duplicate registration")
	// ErrPatientNotFound rejects registration without a clinical record.
	ErrPatientNotFound = errors.New("patient record not found")
	// ErrTermsNotAccepted rejects registration without consent.
	ErrTermsNotAccepted = errors.New("terms and privacy policy must be accepted")
	// ErrSessionInvalid reports an unusable session or refresh token.
	ErrSessionInvalid = errors.New("session invalid")
	// ErrAccessDenied reports an authorization failure.
	ErrAccessDenied = errors.New("access denied")
	// ErrUserNotFound is internal to flows that already know the account
	// exists; login paths translate it to ErrInvalidCredentials.
	ErrUserNotFound = errors.New("user not found")
	// ErrServiceNotReady reports use of a Service built without a required
	// dependency.
	ErrServiceNotReady = errors.New("service not ready")
	// ErrStoreUnavailable wraps durable-store infrastructure failures.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrCacheUnavailable wraps ephemeral-cache infrastructure failures.
	ErrCacheUnavailable = errors.New("cache unavailable")
	// ErrEmailDeliveryFailed surfaces only from flows whose entire purpose is
	// delivering the message (verification/reset resend).
	ErrEmailDeliveryFailed = errors.New("email delivery failed")
)
