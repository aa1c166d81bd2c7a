// Package db owns the local SQLite file: the offline buffer, the status
// outbox, persisted geofences and the materialized reading history.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// tables the tracker cannot run without
var requiredTables = []string{
	"buffered_readings",
	"status_outbox",
	"geofences",
	"reading_history",
}

type Service struct {
	DB     *sql.DB
	DBPath string
}

type Config struct {
	DBPath      string
	AutoMigrate bool
	// BusyTimeoutMS bounds how long a writer waits on the file lock.
	BusyTimeoutMS int
}

func DefaultConfig() *Config {
	return &Config{
		DBPath:        "./data/tracker.db",
		AutoMigrate:   true,
		BusyTimeoutMS: 5000,
	}
}

func dsn(cfg *Config) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on&_synchronous=NORMAL",
		cfg.DBPath, cfg.BusyTimeoutMS)
}

// New opens the buffer database, creating its directory when needed, and
// brings the schema to the latest migration.
func New(cfg *Config) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; the buffer is a single-device store
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Service{DB: conn, DBPath: cfg.DBPath}
	if cfg.AutoMigrate {
		if err := s.MigrateUp(); err != nil {
			_ = conn.Close()
			return nil, err
		}
		if err := s.VerifySchema(); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	log.Printf("[DB] Opened %s", cfg.DBPath)
	return s, nil
}

func (s *Service) VerifySchema() error {
	const q = `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
	for _, table := range requiredTables {
		var n int
		if err := s.DB.QueryRow(q, table).Scan(&n); err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if n == 0 {
			return fmt.Errorf("required table missing: %s", table)
		}
	}
	return nil
}

func (s *Service) Close() error {
	if s.DB == nil {
		return nil
	}
	log.Println("[DB] Closing database")
	return s.DB.Close()
}

func (s *Service) GetDB() *sql.DB {
	return s.DB
}

func (s *Service) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	return Transaction(ctx, s.DB, fn)
}

// Transaction runs fn inside a transaction on conn. It rolls back when fn
// fails or panics.
func Transaction(ctx context.Context, conn *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %w, rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// HealthCheck pings the database file.
func (s *Service) HealthCheck() error {
	if s.DB == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.DB.Ping()
}
