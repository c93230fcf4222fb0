package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/carewire/portalauth"
)

var _ portalauth.UserStore = (*UserStore)(nil)

// UserStore persists portal users. Accounts are never hard-deleted; the
// status column carries the lifecycle instead.
type UserStore struct {
	db *sql.DB
}

const userColumns = `id, company_id, patient_id, email, password_hash, phone,
	is_email_verified, is_phone_verified,
	two_factor_enabled, two_factor_secret, backup_codes,
	status, failed_login_attempts, locked_until,
	last_login_at, last_login_ip, last_login_user_agent,
	terms_accepted_at, privacy_accepted_at,
	created_at, updated_at`

func (s *UserStore) Create(ctx context.Context, user *portalauth.PortalUser) error {
	codes, err := json.Marshal(user.BackupCodes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into portal_users(`+userColumns+`)
		values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		user.ID, user.CompanyID, user.PatientID, user.Email, user.PasswordHash, user.Phone,
		user.IsEmailVerified, user.IsPhoneVerified,
		user.TwoFactorEnabled, user.TwoFactorSecret, codes,
		user.Status, user.FailedLoginAttempts, nullTime(user.LockedUntil),
		nullTime(user.LastLoginAt), user.LastLoginIP, user.LastLoginUserAgent,
		nullTime(user.TermsAcceptedAt), nullTime(user.PrivacyAcceptedAt),
		user.CreatedAt, user.UpdatedAt,
	)
	return err
}

func (s *UserStore) GetByID(ctx context.Context, id string) (*portalauth.PortalUser, error) {
	return s.get(ctx, `select `+userColumns+` from portal_users where id=$1`, id)
}

func (s *UserStore) GetByEmail(ctx context.Context, companyID, email string) (*portalauth.PortalUser, error) {
	return s.get(ctx,
		`select `+userColumns+` from portal_users where company_id=$1 and lower(email)=lower($2)`,
		companyID, email)
}

func (s *UserStore) GetByPatient(ctx context.Context, companyID, patientID string) (*portalauth.PortalUser, error) {
	return s.get(ctx,
		`select `+userColumns+` from portal_users where company_id=$1 and patient_id=$2`,
		companyID, patientID)
}

func (s *UserStore) Update(ctx context.Context, user *portalauth.PortalUser) error {
	codes, err := json.Marshal(user.BackupCodes)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update portal_users set
			email=$2, password_hash=$3, phone=$4,
			is_email_verified=$5, is_phone_verified=$6,
			two_factor_enabled=$7, two_factor_secret=$8, backup_codes=$9,
			status=$10, failed_login_attempts=$11, locked_until=$12,
			last_login_at=$13, last_login_ip=$14, last_login_user_agent=$15,
			terms_accepted_at=$16, privacy_accepted_at=$17,
			updated_at=now()
		where id=$1`,
		user.ID,
		user.Email, user.PasswordHash, user.Phone,
		user.IsEmailVerified, user.IsPhoneVerified,
		user.TwoFactorEnabled, user.TwoFactorSecret, codes,
		user.Status, user.FailedLoginAttempts, nullTime(user.LockedUntil),
		nullTime(user.LastLoginAt), user.LastLoginIP, user.LastLoginUserAgent,
		nullTime(user.TermsAcceptedAt), nullTime(user.PrivacyAcceptedAt),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return portalauth.ErrUserNotFound
	}
	return nil
}

func (s *UserStore) get(ctx context.Context, query string, args ...any) (*portalauth.PortalUser, error) {
	row := s.db.QueryRowContext(ctx, query, args...)

	var (
		u           portalauth.PortalUser
		codes       []byte
		lockedUntil sql.NullTime
		lastLogin   sql.NullTime
		terms       sql.NullTime
		privacy     sql.NullTime
	)
	err := row.Scan(
		&u.ID, &u.CompanyID, &u.PatientID, &u.Email, &u.PasswordHash, &u.Phone,
		&u.IsEmailVerified, &u.IsPhoneVerified,
		&u.TwoFactorEnabled, &u.TwoFactorSecret, &codes,
		&u.Status, &u.FailedLoginAttempts, &lockedUntil,
		&lastLogin, &u.LastLoginIP, &u.LastLoginUserAgent,
		&terms, &privacy,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, portalauth.ErrUserNotFound
		}
		return nil, err
	}
	if len(codes) > 0 {
		if err := json.Unmarshal(codes, &u.BackupCodes); err != nil {
			return nil, err
		}
	}
	u.LockedUntil = timePtr(lockedUntil)
	u.LastLoginAt = timePtr(lastLogin)
	u.TermsAcceptedAt = timePtr(terms)
	u.PrivacyAcceptedAt = timePtr(privacy)
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return &u, nil
}

// touch helpers used by maintenance jobs.

// UnlockExpired clears elapsed locks in bulk. The service also auto-unlocks
// per login; this keeps reporting queries honest.
func (s *UserStore) UnlockExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update portal_users
		set status='active', locked_until=null, failed_login_attempts=0, updated_at=now()
		where status='locked' and locked_until is not null and locked_until <= $1`,
		now,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
