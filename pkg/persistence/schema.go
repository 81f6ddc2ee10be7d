package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 2

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if currentVersion == 0 {
		return createSchema(db)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	if currentVersion > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", currentVersion, CurrentSchemaVersion)
	}
	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

// runMigrations applies database migrations from current version to target version.
func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

// runMigration applies a specific version migration.
func runMigration(db *sql.DB, version int) error {
	switch version {
	case 2:
		return migrateToVersion2(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion2 adds usage records reported to billing.
func migrateToVersion2(db *sql.DB) error {
	migrations := []string{usageRecordsTable, usageRecordsIndex}
	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("failed to execute migration: %s: %w", migration, err)
		}
	}
	return nil
}

const usageRecordsTable = `CREATE TABLE IF NOT EXISTS usage_records (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	agent_id TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT '',
	container_seconds REAL NOT NULL DEFAULT 0,
	cpu_seconds REAL NOT NULL DEFAULT 0,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	started_at TEXT NOT NULL,
	ended_at TEXT NOT NULL
)`

const usageRecordsIndex = "CREATE INDEX IF NOT EXISTS idx_usage_project ON usage_records(project_id)"

// createSchema creates all required tables and indices.
func createSchema(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK (status IN ('pending','discovery','mvp_development','healing','publishing',
				'completed','failed','cancelled','awaiting_secrets')),
			mode TEXT NOT NULL DEFAULT '',
			phase INTEGER NOT NULL DEFAULT 0,
			total_phases INTEGER NOT NULL DEFAULT 0,
			current_iteration INTEGER NOT NULL DEFAULT 0,
			max_iterations INTEGER NOT NULL,
			local_path TEXT NOT NULL DEFAULT '',
			mvp_plan TEXT NOT NULL DEFAULT '',
			keywords TEXT NOT NULL DEFAULT '[]',
			required_secrets TEXT NOT NULL DEFAULT '[]',
			error TEXT NOT NULL DEFAULT '',
			resume_status TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			completed_at TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS error_analyses (
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			error_key TEXT NOT NULL,
			error_type TEXT NOT NULL,
			file TEXT NOT NULL DEFAULT '',
			line INTEGER NOT NULL DEFAULT 0,
			col INTEGER NOT NULL DEFAULT 0,
			code TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			suggestion TEXT NOT NULL DEFAULT '',
			fix_attempts INTEGER NOT NULL DEFAULT 0,
			resolved INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (project_id, error_key)
		)`,

		`CREATE TABLE IF NOT EXISTS feedback (
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			text TEXT NOT NULL,
			created_at TEXT NOT NULL,
			consumed INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (project_id, seq)
		)`,

		`CREATE TABLE IF NOT EXISTS transitions (
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			at TEXT NOT NULL,
			PRIMARY KEY (project_id, seq)
		)`,

		usageRecordsTable,
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status)",
		"CREATE INDEX IF NOT EXISTS idx_projects_user ON projects(user_id)",
		"CREATE INDEX IF NOT EXISTS idx_error_analyses_resolved ON error_analyses(project_id, resolved)",
		usageRecordsIndex,
	}

	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	for _, ddl := range indices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// setSchemaVersion records the current schema version.
func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version)
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
