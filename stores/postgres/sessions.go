package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/carewire/portalauth"
	"github.com/carewire/portalauth/session"
)

var _ portalauth.SessionStore = (*SessionStore)(nil)

// SessionStore persists sessions. Only token hashes are stored; the
// plaintext tokens never reach this layer.
type SessionStore struct {
	db *sql.DB
}

const sessionColumns = `id, user_id, company_id,
	access_token_hash, refresh_token_hash,
	expires_at, refresh_expires_at,
	ip_address, user_agent, device_type,
	is_active, revoked_at, revoked_reason,
	last_activity_at, created_at`

func (s *SessionStore) Create(ctx context.Context, sess *session.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into portal_sessions(`+sessionColumns+`)
		values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		sess.ID, sess.UserID, sess.CompanyID,
		sess.AccessTokenHash, sess.RefreshTokenHash,
		sess.ExpiresAt, sess.RefreshExpiresAt,
		sess.IPAddress, sess.UserAgent, sess.DeviceType,
		sess.IsActive, nullTime(sess.RevokedAt), sess.RevokedReason,
		sess.LastActivityAt, sess.CreatedAt,
	)
	return err
}

func (s *SessionStore) GetByID(ctx context.Context, id string) (*session.Session, error) {
	return s.get(ctx, `select `+sessionColumns+` from portal_sessions where id=$1`, id)
}

func (s *SessionStore) GetByAccessHash(ctx context.Context, accessTokenHash string) (*session.Session, error) {
	return s.get(ctx,
		`select `+sessionColumns+` from portal_sessions where access_token_hash=$1`,
		accessTokenHash)
}

func (s *SessionStore) GetByRefreshHash(ctx context.Context, refreshTokenHash string) (*session.Session, error) {
	return s.get(ctx,
		`select `+sessionColumns+` from portal_sessions where refresh_token_hash=$1`,
		refreshTokenHash)
}

func (s *SessionStore) ListActiveByUser(ctx context.Context, userID string) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+sessionColumns+` from portal_sessions
		where user_id=$1 and is_active
		order by last_activity_at desc`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SessionStore) TouchActivity(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update portal_sessions set last_activity_at=$2 where id=$1`,
		id, at,
	)
	return err
}

func (s *SessionStore) Revoke(ctx context.Context, id, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update portal_sessions
		set is_active=false, revoked_at=$2, revoked_reason=$3
		where id=$1 and is_active`,
		id, at, reason,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return portalauth.ErrSessionInvalid
	}
	return nil
}

func (s *SessionStore) RevokeAllForUser(ctx context.Context, userID, reason string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update portal_sessions
		set is_active=false, revoked_at=$2, revoked_reason=$3
		where user_id=$1 and is_active`,
		userID, at, reason,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteExpired removes rows whose refresh window is long gone. Revoked rows
// are kept until then so audit investigations can correlate session IDs.
func (s *SessionStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from portal_sessions where refresh_expires_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var (
		sess      session.Session
		revokedAt sql.NullTime
		reason    sql.NullString
	)
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.CompanyID,
		&sess.AccessTokenHash, &sess.RefreshTokenHash,
		&sess.ExpiresAt, &sess.RefreshExpiresAt,
		&sess.IPAddress, &sess.UserAgent, &sess.DeviceType,
		&sess.IsActive, &revokedAt, &reason,
		&sess.LastActivityAt, &sess.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	sess.RevokedAt = timePtr(revokedAt)
	sess.RevokedReason = reason.String
	return &sess, nil
}

func (s *SessionStore) get(ctx context.Context, query string, args ...any) (*session.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, portalauth.ErrSessionInvalid
		}
		return nil, err
	}
	return sess, nil
}
