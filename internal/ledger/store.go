package ledger

import (
	"context"
	"database/sql"
	"errors"

	_ "modernc.org/sqlite"
)

// Store owns the sqlite database shared by the order and portfolio
// ledgers plus a kv table for snapshots.
type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			order_id TEXT NOT NULL,
			price REAL NOT NULL,
			qty REAL NOT NULL,
			filled REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'open',
			exchange TEXT NOT NULL DEFAULT '',
			updated_at_ms INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (symbol, side, order_id)
		)`,
		`CREATE TABLE IF NOT EXISTS positions (
			symbol TEXT PRIMARY KEY,
			amount REAL NOT NULL,
			avg_price REAL NOT NULL,
			updated_at_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS profit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts_ms INTEGER NOT NULL,
			pair_id INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			buy_price REAL NOT NULL,
			sell_price REAL NOT NULL,
			qty REAL NOT NULL,
			profit REAL NOT NULL,
			exchange TEXT NOT NULL DEFAULT '',
			trading_mode TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS pair_profits (
			pair_id INTEGER PRIMARY KEY,
			symbol TEXT NOT NULL,
			profit_usdc REAL NOT NULL DEFAULT 0,
			profit_crypto REAL NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value BLOB NOT NULL)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}
