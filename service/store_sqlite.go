package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps every record in one entities table.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// a single connection serialises writers and keeps :memory: databases shared
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS entities (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		kind       TEXT NOT NULL,
		id         TEXT NOT NULL,
		data       BLOB NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (kind, id)
	);`)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, kind Kind, id string, record []byte) ([]byte, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var prior []byte
	err = tx.QueryRowContext(ctx, `SELECT data FROM entities WHERE kind = ? AND id = ?`, string(kind), id).Scan(&prior)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read %s %s: %w", kind, id, err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (kind, id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (kind, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		string(kind), id, record, now, now)
	if err != nil {
		return nil, fmt.Errorf("write %s %s: %w", kind, id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return prior, nil
}

func (s *SQLiteStore) Get(ctx context.Context, kind Kind, id string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM entities WHERE kind = ? AND id = ?`, string(kind), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", kind, id, err)
	}
	return data, nil
}

func (s *SQLiteStore) List(ctx context.Context, kind Kind) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM entities WHERE kind = ? ORDER BY seq`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer func() { _ = rows.Close() }()

	var out [][]byte
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, kind Kind, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE kind = ? AND id = ?`, string(kind), id)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", kind, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
