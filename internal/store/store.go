// Package store persists the daemon's state (jobs, destinations,
// subscriptions, users, counters) to a sqlite database. The in-memory
// structures stay authoritative at runtime; the database is rewritten when
// they are marked dirty and read back once at startup.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db    *sql.DB
	dirty atomic.Bool
}

func Open(ctx context.Context, dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// MarkDirty schedules a flush; safe from any goroutine. The registries'
// OnDirty hooks point here.
func (s *Store) MarkDirty() {
	if s != nil {
		s.dirty.Store(true)
	}
}

// TakeDirty reports and clears the dirty flag.
func (s *Store) TakeDirty() bool {
	if s == nil {
		return false
	}
	return s.dirty.Swap(false)
}

func (s *Store) WithTx(ctx context.Context, readOnly bool, fn func(tx *sql.Tx) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnly})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY,
			dest TEXT NOT NULL,
			username TEXT NOT NULL,
			name TEXT,
			priority INTEGER NOT NULL DEFAULT 50,
			state INTEGER NOT NULL,
			state_reasons TEXT,
			hold_until TEXT,
			created_at TIMESTAMP,
			processing_at TIMESTAMP,
			completed_at TIMESTAMP,
			doc_deadline TIMESTAMP,
			k_octets INTEGER NOT NULL DEFAULT 0,
			impressions INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			documents TEXT,
			attrs BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS printers (
			name TEXT PRIMARY KEY COLLATE NOCASE,
			is_class INTEGER NOT NULL DEFAULT 0,
			device_uri TEXT,
			ppd_name TEXT,
			info TEXT,
			location TEXT,
			geo_location TEXT,
			organization TEXT,
			accepting INTEGER NOT NULL DEFAULT 1,
			shared INTEGER NOT NULL DEFAULT 0,
			is_default INTEGER NOT NULL DEFAULT 0,
			state INTEGER NOT NULL DEFAULT 3,
			state_message TEXT,
			state_reasons TEXT,
			job_sheets TEXT,
			op_policy TEXT,
			error_policy TEXT,
			allow_users TEXT,
			deny_users TEXT,
			quota_period INTEGER NOT NULL DEFAULT 0,
			k_limit INTEGER NOT NULL DEFAULT 0,
			page_limit INTEGER NOT NULL DEFAULT 0,
			members TEXT,
			default_options TEXT,
			created_at TIMESTAMP,
			updated_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id INTEGER PRIMARY KEY,
			owner TEXT,
			events INTEGER NOT NULL,
			dest TEXT,
			job_id INTEGER NOT NULL DEFAULT 0,
			recipient TEXT,
			pull_method TEXT,
			user_data BLOB,
			lease_seconds INTEGER NOT NULL DEFAULT 0,
			expires_at TIMESTAMP,
			interval_seconds INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP,
			next_seq INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY COLLATE NOCASE,
			password_hash TEXT NOT NULL,
			groups TEXT,
			created_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_dest ON jobs(dest)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state)`,
	}
	return s.WithTx(ctx, false, func(tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

// Setting reads one settings value; missing keys return "".
func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.WithTx(ctx, true, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key)
		if err := row.Scan(&value); err != nil && err != sql.ErrNoRows {
			return err
		}
		return nil
	})
	return value, err
}

// SetSetting upserts one settings value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	return s.WithTx(ctx, false, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO settings (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
		return err
	})
}
