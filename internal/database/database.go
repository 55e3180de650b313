package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// DB is the sqlite document store for organizations, records and the
// durable task queue.
type DB struct {
	*sql.DB
	logger zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL", path)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	db := &DB{DB: sqlDB, logger: logger.With().Str("component", "database").Logger()}
	if err := db.ensureRecordRevisionColumn(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	db.logger.Info().Str("path", path).Msg("database initialized")
	return db, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS organizations (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            account_email TEXT NOT NULL DEFAULT '',
            calendar_id TEXT NOT NULL DEFAULT '',
            default_preference TEXT NOT NULL DEFAULT '',
            reminder_minutes TEXT NOT NULL DEFAULT '[]',
            telegram_chat_id INTEGER NOT NULL DEFAULT 0,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,
		`CREATE TABLE IF NOT EXISTS groups (
            id TEXT PRIMARY KEY,
            org_id TEXT NOT NULL REFERENCES organizations(id),
            name TEXT NOT NULL,
            calendar_preference TEXT
        )`,
		`CREATE TABLE IF NOT EXISTS records (
            id TEXT PRIMARY KEY,
            org_id TEXT NOT NULL REFERENCES organizations(id),
            first_name TEXT NOT NULL,
            last_name TEXT NOT NULL DEFAULT '',
            birth_date TEXT NOT NULL,
            after_sunset BOOLEAN NOT NULL DEFAULT 0,
            calendar_preference TEXT,
            archived BOOLEAN NOT NULL DEFAULT 0,
            notes TEXT NOT NULL DEFAULT '',
            event_map TEXT,
            sync_status TEXT,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,
		`CREATE TABLE IF NOT EXISTS record_groups (
            record_id TEXT NOT NULL REFERENCES records(id) ON DELETE CASCADE,
            group_id TEXT NOT NULL REFERENCES groups(id),
            position INTEGER NOT NULL DEFAULT 0,
            PRIMARY KEY (record_id, group_id)
        )`,
		`CREATE TABLE IF NOT EXISTS sub_items (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            record_id TEXT NOT NULL REFERENCES records(id) ON DELETE CASCADE,
            title TEXT NOT NULL,
            note TEXT NOT NULL DEFAULT ''
        )`,
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
            org_id TEXT PRIMARY KEY REFERENCES organizations(id),
            access_token TEXT NOT NULL,
            refresh_token TEXT NOT NULL DEFAULT '',
            token_type TEXT NOT NULL DEFAULT '',
            expiry DATETIME,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,
		`CREATE TABLE IF NOT EXISTS sync_queue (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            task_type TEXT NOT NULL,
            record_id TEXT NOT NULL DEFAULT '',
            payload TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT 'pending',
            retry_count INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            processed_at DATETIME,
            next_retry_at DATETIME
        )`,

		`CREATE INDEX IF NOT EXISTS idx_records_org_id ON records(org_id)`,
		`CREATE INDEX IF NOT EXISTS idx_groups_org_id ON groups(org_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sub_items_record_id ON sub_items(record_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status, next_retry_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// ensureRecordRevisionColumn adds the compare-and-swap counter to databases
// created before it existed.
func (db *DB) ensureRecordRevisionColumn() error {
	_, err := db.Exec(`ALTER TABLE records ADD COLUMN revision INTEGER NOT NULL DEFAULT 1`)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "duplicate column") {
		return fmt.Errorf("add revision column: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction and commits when it returns nil.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			db.logger.Warn().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	return tx.Commit()
}
