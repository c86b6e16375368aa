package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// migrations are applied in order; the index+1 is the schema version.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS logins (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id       TEXT NOT NULL,
		username         TEXT NOT NULL,
		player_id        TEXT NOT NULL DEFAULT '',
		remote           TEXT NOT NULL,
		protocol_version INTEGER NOT NULL,
		at               INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_logins_at ON logins(at);
	CREATE INDEX IF NOT EXISTS idx_logins_username ON logins(username);`,

	`CREATE TABLE IF NOT EXISTS sessions (
		session_id     TEXT PRIMARY KEY,
		remote         TEXT NOT NULL,
		username       TEXT NOT NULL DEFAULT '',
		state          TEXT NOT NULL,
		reason         TEXT NOT NULL,
		duration_ms    INTEGER NOT NULL,
		bytes_up       INTEGER NOT NULL,
		bytes_down     INTEGER NOT NULL,
		frames_dropped INTEGER NOT NULL,
		closed_at      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_closed_at ON sessions(closed_at);`,
}

// SQLiteRecorder stores records in a local SQLite database.
type SQLiteRecorder struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	closed bool
}

// OpenSQLite opens or creates the database at path and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQLiteRecorder, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	// SQLite doesn't support concurrent writes
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		log.Warn().Err(err).Msg("failed to enable WAL mode")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	r := &SQLiteRecorder{db: db, path: path}
	if err := r.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Info().Str("path", path).Msg("session store opened")
	return r, nil
}

func (r *SQLiteRecorder) migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}

	var version int
	err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return err
	}

	for i := version; i < len(migrations); i++ {
		err := r.transaction(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, i+1)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		log.Debug().Int("version", i+1).Msg("applied store migration")
	}
	return nil
}

// SchemaVersion reports the applied migration count.
func (r *SQLiteRecorder) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	return version, err
}

func (r *SQLiteRecorder) transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r *SQLiteRecorder) RecordLogin(ctx context.Context, rec LoginRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO logins (session_id, username, player_id, remote, protocol_version, at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Username, rec.PlayerID, rec.Remote, rec.ProtocolVersion, rec.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}
	return nil
}

func (r *SQLiteRecorder) RecordSessionClosed(ctx context.Context, rec SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions
		 (session_id, remote, username, state, reason, duration_ms, bytes_up, bytes_down, frames_dropped, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Remote, rec.Username, rec.State, rec.Reason,
		rec.Duration.Milliseconds(), rec.BytesUp, rec.BytesDown, rec.FramesDropped, rec.ClosedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	return nil
}

func (r *SQLiteRecorder) RecentLogins(ctx context.Context, limit int) ([]LoginRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT session_id, username, player_id, remote, protocol_version, at
		 FROM logins ORDER BY at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query logins: %w", err)
	}
	defer rows.Close()

	var out []LoginRecord
	for rows.Next() {
		var rec LoginRecord
		var at int64
		if err := rows.Scan(&rec.SessionID, &rec.Username, &rec.PlayerID, &rec.Remote, &rec.ProtocolVersion, &at); err != nil {
			return nil, err
		}
		rec.At = time.UnixMilli(at).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecentSessions returns up to limit closed sessions, newest first.
func (r *SQLiteRecorder) RecentSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT session_id, remote, username, state, reason, duration_ms, bytes_up, bytes_down, frames_dropped, closed_at
		 FROM sessions ORDER BY closed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var durationMS, closedAt int64
		err := rows.Scan(&rec.SessionID, &rec.Remote, &rec.Username, &rec.State, &rec.Reason,
			&durationMS, &rec.BytesUp, &rec.BytesDown, &rec.FramesDropped, &closedAt)
		if err != nil {
			return nil, err
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.ClosedAt = time.UnixMilli(closedAt).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *SQLiteRecorder) Prune(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}

	cutoff := before.UnixMilli()
	var removed int64
	err := r.transaction(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM logins WHERE at < ?`,
			`DELETE FROM sessions WHERE closed_at < ?`,
		} {
			res, err := tx.ExecContext(ctx, q, cutoff)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			removed += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune store: %w", err)
	}
	return removed, nil
}

func (r *SQLiteRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.db.Close()
}
