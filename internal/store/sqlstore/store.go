// Package sqlstore is the relational Persisted Session Store (C3): it
// survives what Redis does not — session metadata and the final
// snapshot state a viewer can replay after the producer has gone away.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Store wraps a sql.DB connection to the SQLite database.
type Store struct {
	conn *sql.DB
}

// RecordStartInput carries the fields known at session creation time.
type RecordStartInput struct {
	SessionID   string
	UserID      string
	UserName    string
	SessionName string
	CWD         string
	IsEphemeral bool
	StartedAt   time.Time
}

// SessionRow is a row of relay_session, as read back by GetSnapshot and
// ListForUser.
type SessionRow struct {
	SessionID    string
	UserID       string
	UserName     string
	SessionName  string
	CWD          string
	IsEphemeral  bool
	StartedAt    time.Time
	LastActiveAt time.Time
	EndedAt      *time.Time
	ExpiresAt    *time.Time
	State        json.RawMessage // nil if no state row, or if the stored JSON was malformed
}

// Open creates a new Store and applies all pending migrations.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	migrationsFS, err := fs.Sub(MigrationFS, "migrations")
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrations sub-fs: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, migrationsFS)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Store{conn: conn}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// idleExpiry computes expiresAt for an ephemeral session from now plus
// the configured idle TTL. Non-ephemeral sessions never expire.
func idleExpiry(ephemeral bool, now time.Time, idleTTL time.Duration) *string {
	if !ephemeral {
		return nil
	}
	s := now.Add(idleTTL).UTC().Format(time.RFC3339Nano)
	return &s
}

// RecordStart inserts a new session row if one doesn't already exist for
// this id. Re-calling with the same id is a no-op (the row already
// reflects the producer's first handshake).
func (s *Store) RecordStart(ctx context.Context, in RecordStartInput, idleTTL time.Duration) error {
	now := time.Now().UTC()
	expiresAt := idleExpiry(in.IsEphemeral, now, idleTTL)
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO relay_session (session_id, user_id, user_name, session_name, cwd, is_ephemeral, started_at, last_active_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO NOTHING`,
		in.SessionID, in.UserID, in.UserName, in.SessionName, in.CWD, boolToInt(in.IsEphemeral),
		in.StartedAt.UTC().Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), expiresAt,
	)
	if err != nil {
		return fmt.Errorf("record start %s: %w", in.SessionID, err)
	}
	return nil
}

// Touch updates last_active_at, and for ephemeral sessions only, pushes
// expires_at forward by idleTTL. Non-ephemeral sessions' expires_at is
// never touched — the CASE expression below is the enforcement point.
func (s *Store) Touch(ctx context.Context, sessionID string, idleTTL time.Duration) error {
	now := time.Now().UTC()
	newExpiry := now.Add(idleTTL).UTC().Format(time.RFC3339Nano)
	_, err := s.conn.ExecContext(ctx, `
		UPDATE relay_session
		SET last_active_at = ?,
		    expires_at = CASE WHEN is_ephemeral = 1 THEN ? ELSE expires_at END
		WHERE session_id = ?`,
		now.Format(time.RFC3339Nano), newExpiry, sessionID,
	)
	if err != nil {
		return fmt.Errorf("touch %s: %w", sessionID, err)
	}
	return nil
}

// RecordState upserts the session's snapshot state and touches its
// metadata row.
func (s *Store) RecordState(ctx context.Context, sessionID string, state json.RawMessage, idleTTL time.Duration) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO relay_session_state (session_id, state_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at`,
		sessionID, string(state), now,
	); err != nil {
		return fmt.Errorf("record state %s: %w", sessionID, err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	return s.Touch(ctx, sessionID, idleTTL)
}

// RecordEnd marks a session as ended and applies the same idle
// push-forward as Touch.
func (s *Store) RecordEnd(ctx context.Context, sessionID string, idleTTL time.Duration) error {
	now := time.Now().UTC()
	newExpiry := now.Add(idleTTL).UTC().Format(time.RFC3339Nano)
	_, err := s.conn.ExecContext(ctx, `
		UPDATE relay_session
		SET ended_at = ?,
		    expires_at = CASE WHEN is_ephemeral = 1 THEN ? ELSE expires_at END
		WHERE session_id = ?`,
		now.Format(time.RFC3339Nano), newExpiry, sessionID,
	)
	if err != nil {
		return fmt.Errorf("record end %s: %w", sessionID, err)
	}
	return nil
}

// GetSnapshot reads a session's metadata left-joined with its state row,
// excluding sessions whose expires_at has already passed. Malformed
// stored JSON is silently treated as "no state" rather than an error.
func (s *Store) GetSnapshot(ctx context.Context, sessionID string) (*SessionRow, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT rs.session_id, rs.user_id, rs.user_name, rs.session_name, rs.cwd, rs.is_ephemeral,
		       rs.started_at, rs.last_active_at, rs.ended_at, rs.expires_at, rss.state_json
		FROM relay_session rs
		LEFT JOIN relay_session_state rss ON rss.session_id = rs.session_id
		WHERE rs.session_id = ?
		  AND (rs.expires_at IS NULL OR rs.expires_at > ?)`,
		sessionID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	out, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return out, err
}

// ListForUser returns a user's sessions newest-by-last-active-at first,
// excluding expired ones.
func (s *Store) ListForUser(ctx context.Context, userID string, limit int) ([]SessionRow, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT rs.session_id, rs.user_id, rs.user_name, rs.session_name, rs.cwd, rs.is_ephemeral,
		       rs.started_at, rs.last_active_at, rs.ended_at, rs.expires_at, rss.state_json
		FROM relay_session rs
		LEFT JOIN relay_session_state rss ON rss.session_id = rs.session_id
		WHERE rs.user_id = ?
		  AND (rs.expires_at IS NULL OR rs.expires_at > ?)
		ORDER BY rs.last_active_at DESC
		LIMIT ?`,
		userID, time.Now().UTC().Format(time.RFC3339Nano), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list for user %s: %w", userID, err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		row, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *row)
	}
	return out, rows.Err()
}

// PruneExpired deletes every session whose expires_at has passed, in a
// single transaction: state rows first (by subquery), then metadata
// rows, returning the ids removed. It never loads the full id set into
// memory up front and never iterates round-trips per id.
func (s *Store) PruneExpired(ctx context.Context) ([]string, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM relay_session_state
		WHERE session_id IN (SELECT session_id FROM relay_session WHERE expires_at IS NOT NULL AND expires_at <= ?)`,
		now,
	); err != nil {
		return nil, fmt.Errorf("prune expired state: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		DELETE FROM relay_session WHERE expires_at IS NOT NULL AND expires_at <= ? RETURNING session_id`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("prune expired sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSessionRow(r rowScanner) (*SessionRow, error) {
	var (
		row                               SessionRow
		isEphemeral                       int
		startedAt, lastActiveAt           string
		endedAt, expiresAt, stateJSON     sql.NullString
	)
	if err := r.Scan(&row.SessionID, &row.UserID, &row.UserName, &row.SessionName, &row.CWD,
		&isEphemeral, &startedAt, &lastActiveAt, &endedAt, &expiresAt, &stateJSON); err != nil {
		return nil, err
	}
	row.IsEphemeral = isEphemeral != 0
	row.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	row.LastActiveAt, _ = time.Parse(time.RFC3339Nano, lastActiveAt)
	if endedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, endedAt.String); err == nil {
			row.EndedAt = &t
		}
	}
	if expiresAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, expiresAt.String); err == nil {
			row.ExpiresAt = &t
		}
	}
	if stateJSON.Valid && json.Valid([]byte(stateJSON.String)) {
		row.State = json.RawMessage(stateJSON.String)
	}
	return &row, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
