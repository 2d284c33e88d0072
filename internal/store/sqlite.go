package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"caucode/internal/domain"
)

var ErrNotFound = errors.New("row not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  user_handle TEXT NOT NULL,
  token_hash TEXT NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  expires_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
CREATE TABLE IF NOT EXISTS verifications (
  id TEXT PRIMARY KEY,
  handle TEXT NOT NULL,
  code TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','verified','failed','expired')) DEFAULT 'pending',
  attempts INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  expires_at DATETIME NOT NULL,
  verified_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_verifications_pending ON verifications(status, expires_at);
CREATE TABLE IF NOT EXISTS profiles (
  handle TEXT PRIMARY KEY,
  verified INTEGER NOT NULL DEFAULT 0,
  tier INTEGER NOT NULL DEFAULT 0,
  rating INTEGER NOT NULL DEFAULT 0,
  solved_count INTEGER NOT NULL DEFAULT 0,
  class INTEGER NOT NULL DEFAULT 0,
  bio TEXT NOT NULL DEFAULT '',
  last_synced_at DATETIME,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_profiles_synced ON profiles(verified, last_synced_at);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	// Session operations
	CreateSession(ctx context.Context, s domain.Session) (string, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)

	// Verification operations
	CreateVerification(ctx context.Context, v domain.Verification) (string, error)
	GetVerification(ctx context.Context, id string) (domain.Verification, error)
	ListPendingVerifications(ctx context.Context, now time.Time) ([]domain.Verification, error)
	MarkVerified(ctx context.Context, id string, when time.Time) error
	RecordVerificationAttempt(ctx context.Context, id string, maxAttempts int) error
	ExpireVerifications(ctx context.Context, now time.Time) (int, error)

	// Profile operations
	UpsertProfile(ctx context.Context, p domain.Profile) error
	GetProfile(ctx context.Context, handle string) (domain.Profile, error)
	ListStaleProfiles(ctx context.Context, cutoff time.Time) ([]domain.Profile, error)
	CountProfiles(ctx context.Context) (int, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func (r *sqliteRepo) CreateSession(ctx context.Context, s domain.Session) (string, error) {
	id := s.ID
	if id == "" {
		id = "ses_" + uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO sessions (id,user_handle,token_hash,created_at,expires_at)
VALUES (?,?,?,CURRENT_TIMESTAMP,?)
`, id, s.UserHandle, s.TokenHash, s.ExpiresAt.UTC())
	return id, err
}

func (r *sqliteRepo) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, now.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) CreateVerification(ctx context.Context, v domain.Verification) (string, error) {
	id := v.ID
	if id == "" {
		id = "ver_" + uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO verifications (id,handle,code,status,attempts,created_at,expires_at)
VALUES (?,?,?,'pending',0,CURRENT_TIMESTAMP,?)
`, id, v.Handle, v.Code, v.ExpiresAt.UTC())
	return id, err
}

func (r *sqliteRepo) GetVerification(ctx context.Context, id string) (domain.Verification, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id,handle,code,status,attempts,created_at,expires_at,verified_at
FROM verifications WHERE id=?`, id)
	return scanVerification(row)
}

func (r *sqliteRepo) ListPendingVerifications(ctx context.Context, now time.Time) ([]domain.Verification, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,handle,code,status,attempts,created_at,expires_at,verified_at
FROM verifications
WHERE status='pending' AND expires_at > ?
ORDER BY created_at DESC`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Verification
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) MarkVerified(ctx context.Context, id string, when time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE verifications SET status='verified', verified_at=? WHERE id=? AND status='pending'`,
		when.UTC(), id)
	return err
}

// RecordVerificationAttempt counts one unsuccessful bio check. The row
// flips to failed once attempts reach maxAttempts.
func (r *sqliteRepo) RecordVerificationAttempt(ctx context.Context, id string, maxAttempts int) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE verifications
SET attempts = attempts + 1,
    status = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE 'pending' END
WHERE id = ? AND status = 'pending'
`, maxAttempts, id)
	return err
}

func (r *sqliteRepo) ExpireVerifications(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE verifications SET status='expired' WHERE status='pending' AND expires_at < ?`, now.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) UpsertProfile(ctx context.Context, p domain.Profile) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO profiles (handle,verified,tier,rating,solved_count,class,bio,last_synced_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP)
ON CONFLICT(handle) DO UPDATE SET
  verified=excluded.verified,
  tier=excluded.tier,
  rating=excluded.rating,
  solved_count=excluded.solved_count,
  class=excluded.class,
  bio=excluded.bio,
  last_synced_at=excluded.last_synced_at,
  updated_at=CURRENT_TIMESTAMP
`, p.Handle, p.Verified, p.Tier, p.Rating, p.SolvedCount, p.Class, p.Bio, nullTime(p.LastSyncedAt))
	return err
}

func (r *sqliteRepo) GetProfile(ctx context.Context, handle string) (domain.Profile, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT handle,verified,tier,rating,solved_count,class,bio,last_synced_at,updated_at
FROM profiles WHERE handle=?`, handle)

	var p domain.Profile
	var synced sql.NullTime
	err := row.Scan(&p.Handle, &p.Verified, &p.Tier, &p.Rating, &p.SolvedCount, &p.Class, &p.Bio, &synced, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Profile{}, ErrNotFound
	}
	if err != nil {
		return domain.Profile{}, err
	}
	if synced.Valid {
		t := synced.Time
		p.LastSyncedAt = &t
	}
	return p, nil
}

// ListStaleProfiles returns verified profiles never synced or last
// synced before the cutoff, the candidates for a bulk resync.
func (r *sqliteRepo) ListStaleProfiles(ctx context.Context, cutoff time.Time) ([]domain.Profile, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT handle,verified,tier,rating,solved_count,class,bio,last_synced_at,updated_at
FROM profiles
WHERE verified=1 AND (last_synced_at IS NULL OR last_synced_at < ?)
ORDER BY last_synced_at ASC`, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Profile
	for rows.Next() {
		var p domain.Profile
		var synced sql.NullTime
		if err := rows.Scan(&p.Handle, &p.Verified, &p.Tier, &p.Rating, &p.SolvedCount, &p.Class, &p.Bio, &synced, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if synced.Valid {
			t := synced.Time
			p.LastSyncedAt = &t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) CountProfiles(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM profiles`).Scan(&n)
	return n, err
}

type scanner interface{ Scan(dest ...any) error }

func scanVerification(row scanner) (domain.Verification, error) {
	var v domain.Verification
	var verifiedAt sql.NullTime
	err := row.Scan(&v.ID, &v.Handle, &v.Code, &v.Status, &v.Attempts, &v.CreatedAt, &v.ExpiresAt, &verifiedAt)
	if err == sql.ErrNoRows {
		return domain.Verification{}, ErrNotFound
	}
	if err != nil {
		return domain.Verification{}, err
	}
	if verifiedAt.Valid {
		t := verifiedAt.Time
		v.VerifiedAt = &t
	}
	return v, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
