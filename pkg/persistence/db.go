// Package persistence stores projects, their error analyses, feedback,
// transition history and usage records in SQLite.
package persistence

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"autocoder/pkg/logx"
)

// Store is a SQLite-backed project store. It is safe for concurrent use;
// SQLite serialises writers so the pool holds a single connection.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (creating if needed) the database at dbPath and migrates it to
// the current schema.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &Store{db: db, logger: logx.NewLogger("persistence")}
	s.logger.Info("Database initialized: %s", dbPath)
	return s, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
