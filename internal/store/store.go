// Package store persists ambient, non-canvas server state in SQLite:
// board metadata and a connection audit log. It never stores canvas
// history or draw bytes — that stays in-memory in internal/board, per
// spec.md's explicit non-goal on persistence.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrBoardNotFound is returned when no board metadata row exists for a name.
var ErrBoardNotFound = errors.New("store: board metadata not found")

// Store persists server state in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store: database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode = WAL`); err != nil {
		return fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		return fmt.Errorf("store: set busy_timeout: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS boards (
	name TEXT PRIMARY KEY,
	template_id INTEGER NOT NULL DEFAULT 0,
	created_at_unix_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conn_id TEXT NOT NULL,
	board_name TEXT NOT NULL DEFAULT '',
	event TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	ts_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_board ON audit_log(board_name, ts_unix_ms);
CREATE INDEX IF NOT EXISTS idx_audit_log_conn ON audit_log(conn_id, ts_unix_ms);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: run sqlite migrations: %w", err)
	}

	slog.Debug("sqlite migrations applied")
	return nil
}

// BoardRow is a persisted board metadata record.
type BoardRow struct {
	Name       string
	TemplateID uint64
	CreatedAt  time.Time
}

// CreateBoard records a newly created board's metadata. It is called
// alongside board.Registry.Create, not instead of it — this store never
// backs the live roster or history.
func (s *Store) CreateBoard(ctx context.Context, name string, templateID uint64) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("store: board name is required")
	}
	const q = `INSERT INTO boards (name, template_id, created_at_unix_ms) VALUES (?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, name, templateID, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: insert board metadata: %w", err)
	}
	slog.Debug("board metadata persisted", "board", name, "template_id", templateID)
	return nil
}

// BoardByName returns a board's persisted metadata.
func (s *Store) BoardByName(ctx context.Context, name string) (BoardRow, error) {
	const q = `SELECT name, template_id, created_at_unix_ms FROM boards WHERE name = ?`
	var row BoardRow
	var createdAtUnixMs int64
	err := s.db.QueryRowContext(ctx, q, name).Scan(&row.Name, &row.TemplateID, &createdAtUnixMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BoardRow{}, ErrBoardNotFound
		}
		return BoardRow{}, fmt.Errorf("store: query board metadata: %w", err)
	}
	row.CreatedAt = time.UnixMilli(createdAtUnixMs).UTC()
	return row, nil
}

// ListBoards returns every board's metadata, most recently created first.
func (s *Store) ListBoards(ctx context.Context) ([]BoardRow, error) {
	const q = `SELECT name, template_id, created_at_unix_ms FROM boards ORDER BY created_at_unix_ms DESC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: query boards: %w", err)
	}
	defer rows.Close()

	var out []BoardRow
	for rows.Next() {
		var row BoardRow
		var createdAtUnixMs int64
		if err := rows.Scan(&row.Name, &row.TemplateID, &createdAtUnixMs); err != nil {
			return nil, fmt.Errorf("store: scan board metadata: %w", err)
		}
		row.CreatedAt = time.UnixMilli(createdAtUnixMs).UTC()
		out = append(out, row)
	}
	return out, rows.Err()
}

// LogEvent appends one connection lifecycle event (internal/conn records
// auth, join and leave) to the audit log.
func (s *Store) LogEvent(ctx context.Context, connID, boardName, event, detail string) error {
	const q = `INSERT INTO audit_log (conn_id, board_name, event, detail, ts_unix_ms) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, connID, boardName, event, detail, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: insert audit log entry: %w", err)
	}
	return nil
}
