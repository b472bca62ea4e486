package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/glebarez/go-sqlite"
)

// NewSQLiteStorage opens the SQLite database at filename. An empty filename
// opens a private in-memory database.
func NewSQLiteStorage(filename string) (Storage, error) {
	if filename == "" {
		filename = ":memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", filename, err)
	}
	// One connection serializes writers and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)

	schema := []string{
		`CREATE TABLE IF NOT EXISTS stores (
			name TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			store TEXT NOT NULL,
			key TEXT NOT NULL,
			record BLOB NOT NULL,
			PRIMARY KEY (store, key)
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return &sqliteStorage{db: db}, nil
}

type sqliteStorage struct {
	db *sql.DB
}

type sqliteStore struct {
	db   *sql.DB
	name string
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := validateStoreName(name); err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO stores (name) VALUES (?)`, name); err != nil {
		return nil, err
	}
	return &sqliteStore{db: s.db, name: name}, nil
}

func (s *sqliteStorage) Has(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stores WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM stores ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM stores WHERE name = ?`, name)
	if err != nil {
		return false, err
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE store = ?`, name); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return removed > 0, nil
}

func (s *sqliteStorage) Close() error {
	return s.db.Close()
}

func (q *sqliteStore) Name() string { return q.name }

func (q *sqliteStore) Match(ctx context.Context, key Key) (*Response, error) {
	var raw []byte
	err := q.db.QueryRowContext(ctx,
		`SELECT record FROM entries WHERE store = ? AND key = ?`, q.name, key.String(),
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}
	return &rec.Response, nil
}

func (q *sqliteStore) Put(ctx context.Context, key Key, resp *Response) error {
	payload, err := encodeRecord(key, resp)
	if err != nil {
		return err
	}
	// The store row must still exist; a deleted store is never resurrected.
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO entries (store, key, record)
		SELECT name, ?, ? FROM stores WHERE name = ?
		ON CONFLICT (store, key) DO UPDATE SET record = excluded.record`,
		key.String(), payload, q.name,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrStoreNotFound, q.name)
	}
	return nil
}

func (q *sqliteStore) Delete(ctx context.Context, key Key) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM entries WHERE store = ? AND key = ?`, q.name, key.String())
	return err
}

func (q *sqliteStore) Keys(ctx context.Context) ([]Key, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT record FROM entries WHERE store = ?`, q.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			continue
		}
		keys = append(keys, rec.Key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortKeys(keys)
	return keys, nil
}
