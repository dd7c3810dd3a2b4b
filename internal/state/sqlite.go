package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps each record as a JSON document keyed by id, with the
// columns the queries filter on pulled out next to it.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", path+sep+"_pragma=synchronous(normal)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}
	s := &SQLiteStore{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_server_id ON sessions(server_id)`,
		`CREATE TABLE IF NOT EXISTS teams (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			uid TEXT PRIMARY KEY,
			doc TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (Session, error) {
	var v Session
	err := s.getDoc(ctx, `SELECT doc FROM sessions WHERE id = ?`, id, &v)
	return v, err
}

func (s *SQLiteStore) PutSession(ctx context.Context, v Session) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO sessions (id, server_id, created_at, doc) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET server_id = excluded.server_id, created_at = excluded.created_at, doc = excluded.doc`,
		v.ID, v.ServerID, v.CreatedAt.UnixNano(), string(doc))
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	return s.deleteRow(ctx, `DELETE FROM sessions WHERE id = ?`, id)
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]Session, error) {
	return s.listSessions(ctx, `SELECT doc FROM sessions ORDER BY created_at, id`)
}

func (s *SQLiteStore) ListSessionsByServer(ctx context.Context, serverID string) ([]Session, error) {
	return s.listSessions(ctx, `SELECT doc FROM sessions WHERE server_id = ? ORDER BY created_at, id`, serverID)
}

func (s *SQLiteStore) GetTeam(ctx context.Context, id string) (Team, error) {
	var v Team
	err := s.getDoc(ctx, `SELECT doc FROM teams WHERE id = ?`, id, &v)
	return v, err
}

func (s *SQLiteStore) PutTeam(ctx context.Context, v Team) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal team: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO teams (id, session_id, doc) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET session_id = excluded.session_id, doc = excluded.doc`,
		v.ID, v.SessionID, string(doc))
	if err != nil {
		return fmt.Errorf("put team: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteTeam(ctx context.Context, id string) error {
	return s.deleteRow(ctx, `DELETE FROM teams WHERE id = ?`, id)
}

func (s *SQLiteStore) GetUser(ctx context.Context, uid string) (User, error) {
	var v User
	err := s.getDoc(ctx, `SELECT doc FROM users WHERE uid = ?`, uid, &v)
	return v, err
}

func (s *SQLiteStore) PutUser(ctx context.Context, v User) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO users (uid, doc) VALUES (?, ?)
		ON CONFLICT(uid) DO UPDATE SET doc = excluded.doc`, v.UID, string(doc))
	if err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) getDoc(ctx context.Context, query, id string, dst any) error {
	var doc string
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal([]byte(doc), dst); err != nil {
		return fmt.Errorf("decode %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) deleteRow(ctx context.Context, query, id string) error {
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) listSessions(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var v Session
		if err := json.Unmarshal([]byte(doc), &v); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func ensureParentDir(path string) error {
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create sqlite dir: %w", err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
var _ Store = (*FileStore)(nil)

