// Command portald serves the patient-portal identity and audit API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/carewire/portalauth"
	"github.com/carewire/portalauth/audit"
	promexport "github.com/carewire/portalauth/metrics/export/prometheus"
	"github.com/carewire/portalauth/session"
	"github.com/carewire/portalauth/stores/postgres"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found")
	}

	dsn := envOr("DATABASE_URL", "postgres://localhost:5432/portal?sslmode=disable")
	redisAddr := envOr("REDIS_ADDR", "localhost:6379")
	listenAddr := envOr("LISTEN_ADDR", ":8084")

	db, err := postgres.Open(dsn)
	if err != nil {
		log.Fatal("postgres open failed: ", err)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	defer rdb.Close()

	auditSvc := audit.NewService(db.Audit(), audit.Config{}, log.Default())
	dispatcher := audit.NewDispatcher(auditSvc, 1024)
	defer dispatcher.Close()

	cfg := portalauth.DefaultConfig()
	cfg.Issuer = envOr("PORTAL_ISSUER", "CareWire Portal")

	svc, err := portalauth.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserStore(db.Users()).
		WithSessionStore(db.Sessions()).
		WithPatientDirectory(newPatientDirectory(db)).
		WithEmailSender(newEmailSender()).
		WithAuditRecorder(dispatcher).
		Build()
	if err != nil {
		log.Fatal("service build failed: ", err)
	}

	go retentionSweep(auditSvc, db)

	api := &server{svc: svc, audit: auditSvc}

	exporter := promexport.NewExporter(svc).
		WithDispatcher(dispatcher).
		WithAuditService(auditSvc)

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", exporter.Handler())

	r.Route("/api/portal", func(r chi.Router) {
		r.Post("/register", api.register)
		r.Post("/verify-email", api.verifyEmail)
		r.Post("/resend-verification", api.resendVerification)
		r.Post("/login", api.login)
		r.Post("/login/2fa", api.verify2FA)
		r.Post("/login/passwordless/request", api.requestPasswordless)
		r.Post("/login/passwordless", api.passwordlessLogin)
		r.Post("/password/forgot", api.forgotPassword)
		r.Post("/password/reset", api.resetPassword)
		r.Post("/session/refresh", api.refresh)

		r.Group(func(r chi.Router) {
			r.Use(api.requireSession)
			r.Post("/password/change", api.changePassword)
			r.Post("/2fa/enable", api.enable2FA)
			r.Post("/2fa/confirm", api.confirm2FA)
			r.Post("/2fa/disable", api.disable2FA)
			r.Post("/2fa/backup-codes", api.regenerateBackupCodes)
			r.Post("/logout", api.logout)
			r.Post("/logout-all", api.logoutAll)
			r.Get("/sessions", api.listSessions)
		})
	})

	log.Printf("portald listening on %s", listenAddr)
	if err := http.ListenAndServe(listenAddr, r); err != nil {
		log.Fatal(err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// retentionSweep runs the daily maintenance pass: prune audit entries past
// the retention horizon, drop sessions whose refresh window has lapsed, and
// reset lockouts whose timestamp already expired.
func retentionSweep(svc *audit.Service, db *postgres.DB) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		ctx := context.Background()
		now := time.Now().UTC()

		if n, err := svc.Cleanup(ctx); err != nil {
			log.Printf("audit retention sweep failed: %v", err)
		} else if n > 0 {
			log.Printf("audit retention sweep removed %d entries", n)
		}

		if n, err := db.Sessions().DeleteExpired(ctx, now); err != nil {
			log.Printf("expired session sweep failed: %v", err)
		} else if n > 0 {
			log.Printf("expired session sweep removed %d rows", n)
		}

		if n, err := db.Users().UnlockExpired(ctx, now); err != nil {
			log.Printf("lockout sweep failed: %v", err)
		} else if n > 0 {
			log.Printf("lockout sweep reopened %d accounts", n)
		}
	}
}

// patientDirectory answers existence checks from the clinical patients
// table.
type patientDirectory struct {
	db *postgres.DB
}

func newPatientDirectory(db *postgres.DB) *patientDirectory {
	return &patientDirectory{db: db}
}

func (d *patientDirectory) PatientExists(ctx context.Context, companyID, patientID string) (bool, error) {
	return d.db.PatientExists(ctx, companyID, patientID)
}

// logSender is the default mail transport for local development: it prints
// instead of delivering. Swap in a real provider via EMAIL_MODE.
type logSender struct{}

func newEmailSender() portalauth.EmailSender { return logSender{} }

func (logSender) Send(_ context.Context, email portalauth.Email) error {
	log.Printf("email to=%s subject=%q\n%s", email.To, email.Subject, email.Text)
	return nil
}

type server struct {
	svc   *portalauth.Service
	audit *audit.Service
}

type ctxKey int

const sessionKey ctxKey = 0

func (s *server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		sess, err := s.svc.ValidateSession(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		if sess == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or expired session"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey, sess)))
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, portalauth.ErrInvalidCredentials),
		errors.Is(err, portalauth.ErrInvalidOrExpiredToken),
		errors.Is(err, portalauth.ErrSessionInvalid),
		errors.Is(err, portalauth.ErrInvalidTwoFactorCode):
		status = http.StatusUnauthorized
	case errors.Is(err, portalauth.ErrAccountLocked),
		errors.Is(err, portalauth.ErrAccountSuspended),
		errors.Is(err, portalauth.ErrAccountDeactivated),
		errors.Is(err, portalauth.ErrEmailNotVerified),
		errors.Is(err, portalauth.ErrTwoFactorAttemptsExceeded),
		errors.Is(err, portalauth.ErrAccessDenied):
		status = http.StatusForbidden
	case errors.Is(err, portalauth.ErrRateLimitExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, portalauth.ErrDuplicateRegistration):
		status = http.StatusConflict
	case errors.Is(err, portalauth.ErrWeakPassword),
		errors.Is(err, portalauth.ErrTermsNotAccepted),
		errors.Is(err, portalauth.ErrPatientNotFound),
		errors.Is(err, portalauth.ErrTwoFactorNotPending),
		errors.Is(err, portalauth.ErrTwoFactorAlreadyEnabled),
		errors.Is(err, portalauth.ErrTwoFactorNotEnabled),
		errors.Is(err, portalauth.ErrUserNotFound):
		status = http.StatusBadRequest
	default:
		log.Printf("internal error: %v", err)
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func sessionFrom(r *http.Request) (userID, sessionID string) {
	sess, _ := r.Context().Value(sessionKey).(*session.Session)
	if sess == nil {
		return "", ""
	}
	return sess.UserID, sess.ID
}

func (s *server) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CompanyID      string `json:"company_id"`
		PatientID      string `json:"patient_id"`
		Email          string `json:"email"`
		Password       string `json:"password"`
		Phone          string `json:"phone"`
		AcceptsTerms   bool   `json:"accepts_terms"`
		AcceptsPrivacy bool   `json:"accepts_privacy"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request"})
		return
	}
	res, err := s.svc.Register(r.Context(), req.CompanyID, portalauth.RegisterInput{
		PatientID:      req.PatientID,
		Email:          req.Email,
		Password:       req.Password,
		Phone:          req.Phone,
		AcceptsTerms:   req.AcceptsTerms,
		AcceptsPrivacy: req.AcceptsPrivacy,
	}, clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *server) verifyEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request"})
		return
	}
	if err := s.svc.VerifyEmail(r.Context(), req.Token); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

func (s *server) resendVerification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CompanyID string `json:"company_id"`
		Email     string `json:"email"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request"})
		return
	}
	if err := s.svc.ResendVerification(r.Context(), req.CompanyID, req.Email, clientIP(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CompanyID string `json:"company_id"`
		Email     string `json:"email"`
		Password  string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request"})
		return
	}
	tokens, err := s.svc.Login(r.Context(), req.CompanyID, portalauth.Credentials{
		Email:    req.Email,
		Password: req.Password,
	}, clientIP(r), r.UserAgent())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (s *server) verify2FA(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
		Code  string `json:"code"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request"})
		return
	}
	tokens, err := s.svc.Verify2FA(r.Context(), req.Token, req.Code, clientIP(r), r.UserAgent())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (s *server) requestPasswordless(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CompanyID string `json:"company_id"`
		Email     string `json:"email"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request"})
		return
	}
	if err := s.svc.RequestPasswordlessLogin(r.Context(), req.CompanyID, req.Email, clientIP(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) passwordlessLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request"})
		return
	}
	tokens, err := s.svc.PasswordlessLogin(r.Context(), req.Token, clientIP(r), r.UserAgent())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (s *server) forgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CompanyID string `json:"company_id"`
		Email     string `json:"email"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request"})
		return
	}
	if err := s.svc.RequestPasswordReset(r.Context(), req.CompanyID, req.Email, clientIP(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"new_password"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request"})
		return
	}
	if err := s.svc.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
}

func (s *server) refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request"})
		return
	}
	tokens, err := s.svc.RefreshToken(r.Context(), req.RefreshToken, clientIP(r), r.UserAgent())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (s *server) changePassword(w http.ResponseWriter, r *http.Request) {
	userID, _ := sessionFrom(r)
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request"})
		return
	}
	if err := s.svc.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"changed": true})
}

func (s *server) enable2FA(w http.ResponseWriter, r *http.Request) {
	userID, _ := sessionFrom(r)
	setup, err := s.svc.Enable2FA(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, setup)
}

func (s *server) confirm2FA(w http.ResponseWriter, r *http.Request) {
	userID, _ := sessionFrom(r)
	var req struct {
		Code string `json:"code"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request"})
		return
	}
	if err := s.svc.Confirm2FA(r.Context(), userID, req.Code); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": true})
}

func (s *server) disable2FA(w http.ResponseWriter, r *http.Request) {
	userID, _ := sessionFrom(r)
	var req struct {
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request"})
		return
	}
	if err := s.svc.Disable2FA(r.Context(), userID, req.Password); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"disabled": true})
}

func (s *server) regenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	userID, _ := sessionFrom(r)
	var req struct {
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request"})
		return
	}
	codes, err := s.svc.RegenerateBackupCodes(r.Context(), userID, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"backup_codes": codes})
}

func (s *server) logout(w http.ResponseWriter, r *http.Request) {
	_, sessionID := sessionFrom(r)
	if err := s.svc.Logout(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) logoutAll(w http.ResponseWriter, r *http.Request) {
	userID, _ := sessionFrom(r)
	n, err := s.svc.LogoutAll(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"revoked": strconv.FormatInt(n, 10)})
}

func (s *server) listSessions(w http.ResponseWriter, r *http.Request) {
	userID, _ := sessionFrom(r)
	sessions, err := s.svc.ListSessions(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}
