package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rollcall/internal/session"
	"rollcall/pkg/platform/sentinel"
)

// PostgresStore persists sessions in a single table with the roster as JSONB.
// Use the pgx stdlib driver to open the *sql.DB handle.
//
// Expected schema:
//
//	CREATE TABLE sessions (
//	    code          TEXT PRIMARY KEY,
//	    id            UUID NOT NULL,
//	    owner_id      TEXT NOT NULL,
//	    owner_chat_id TEXT NOT NULL,
//	    scope         TEXT NOT NULL,
//	    day           TEXT NOT NULL,
//	    lat           DOUBLE PRECISION NOT NULL,
//	    lon           DOUBLE PRECISION NOT NULL,
//	    radius_m      DOUBLE PRECISION NOT NULL,
//	    roster        JSONB NOT NULL,
//	    created_at    TIMESTAMPTZ NOT NULL,
//	    expires_at    TIMESTAMPTZ NOT NULL,
//	    status        TEXT NOT NULL
//	);
//	CREATE UNIQUE INDEX sessions_owner_day_active
//	    ON sessions (owner_id, scope, day) WHERE status = 'active';
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed session store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, sess *session.Session) error {
	roster, err := json.Marshal(sess.Roster)
	if err != nil {
		return fmt.Errorf("marshal roster: %w", err)
	}
	// DO NOTHING makes the insert the code reservation: a code already in
	// the table leaves zero rows affected and the creator draws again.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (code, id, owner_id, owner_chat_id, scope, day, lat, lon, radius_m, roster, created_at, expires_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (code) DO NOTHING`,
		sess.Code, sess.ID, sess.OwnerID, sess.OwnerChatID, sess.Scope, sess.Day,
		sess.Center.Lat, sess.Center.Lon, sess.RadiusMeters, roster,
		sess.CreatedAt, sess.ExpiresAt, string(sess.Status),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.Code, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.Code, err)
	}
	if affected == 0 {
		return fmt.Errorf("session code %s taken: %w", sess.Code, sentinel.ErrConflict)
	}
	return nil
}

func (s *PostgresStore) FindByCode(ctx context.Context, code string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT code, id, owner_id, owner_chat_id, scope, day, lat, lon, radius_m, roster, created_at, expires_at, status
		FROM sessions WHERE code = $1`, code)
	return scanSession(row)
}

func (s *PostgresStore) FindActiveByOwnerDay(ctx context.Context, ownerID, scope, day string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT code, id, owner_id, owner_chat_id, scope, day, lat, lon, radius_m, roster, created_at, expires_at, status
		FROM sessions WHERE owner_id = $1 AND scope = $2 AND day = $3 AND status = 'active'`,
		ownerID, scope, day)
	return scanSession(row)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, code string, from, to session.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = $1 WHERE code = $2 AND status = $3`,
		string(to), code, string(from))
	if err != nil {
		return fmt.Errorf("update session %s status: %w", code, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session %s status: %w", code, err)
	}
	if n == 0 {
		// Either the session is gone or another writer transitioned it first.
		if _, findErr := s.FindByCode(ctx, code); errors.Is(findErr, sentinel.ErrNotFound) {
			return sentinel.ErrNotFound
		}
		return sentinel.ErrInvalidState
	}
	return nil
}

func (s *PostgresStore) FindOverdueActive(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code FROM sessions WHERE status = 'active' AND expires_at <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("find overdue sessions: %w", err)
	}
	defer rows.Close()
	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("scan overdue session: %w", err)
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find overdue sessions: %w", err)
	}
	return codes, nil
}

func (s *PostgresStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE status <> 'active' AND expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	return int(n), nil
}

func scanSession(row *sql.Row) (*session.Session, error) {
	var (
		sess   session.Session
		roster []byte
		status string
	)
	err := row.Scan(&sess.Code, &sess.ID, &sess.OwnerID, &sess.OwnerChatID, &sess.Scope, &sess.Day,
		&sess.Center.Lat, &sess.Center.Lon, &sess.RadiusMeters, &roster,
		&sess.CreatedAt, &sess.ExpiresAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if err := json.Unmarshal(roster, &sess.Roster); err != nil {
		return nil, fmt.Errorf("unmarshal roster: %w", err)
	}
	sess.Status = session.Status(status)
	return &sess, nil
}
