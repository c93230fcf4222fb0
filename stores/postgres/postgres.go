// Package postgres implements the durable user, session and audit stores on
// PostgreSQL through database/sql with the pgx stdlib driver.
package postgres

import (
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB wraps the shared connection pool behind the per-aggregate stores.
type DB struct {
	db *sql.DB
}

// Open connects to PostgreSQL and tunes the pool for portal traffic.
func Open(dsn string) (*DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &DB{db: db}, nil
}

// Wrap reuses an existing pool, e.g. one shared with the host application or
// a test double.
func Wrap(db *sql.DB) *DB { return &DB{db: db} }

func (d *DB) Close() error { return d.db.Close() }

// Users returns the portal-user store.
func (d *DB) Users() *UserStore { return &UserStore{db: d.db} }

// Sessions returns the session store.
func (d *DB) Sessions() *SessionStore { return &SessionStore{db: d.db} }

// Audit returns the audit-trail store.
func (d *DB) Audit() *AuditStore { return &AuditStore{db: d.db} }

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
