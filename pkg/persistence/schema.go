package persistence

import (
	"database/sql"
	"fmt"
)

// CurrentSchemaVersion is the schema version this binary expects. Bump it
// together with a new migrateToVersionN function.
const CurrentSchemaVersion = 2

// initializeSchemaWithMigrations brings the database to the current schema
// version. Idempotent.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := getSchemaVersion(db)
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
		return fmt.Errorf("database schema version %d is newer than supported %d",
			currentVersion, CurrentSchemaVersion)
	}
	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

// createSchema builds the full current schema in one pass for fresh
// databases.
func createSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			autonomy TEXT NOT NULL,
			state TEXT NOT NULL,
			graph_json TEXT NOT NULL,
			context_json TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS operations (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			intent_id TEXT NOT NULL DEFAULT '',
			op_json TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_operations_session ON operations(session_id)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			intent_id TEXT NOT NULL DEFAULT '',
			capability_id TEXT NOT NULL,
			status TEXT NOT NULL,
			granted_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_session ON approvals(session_id)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return setSchemaVersion(db, CurrentSchemaVersion)
}

// runMigrations applies migrations one version at a time, recording each
// step so a crash mid-upgrade resumes where it stopped.
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

func runMigration(db *sql.DB, version int) error {
	switch version {
	case 2:
		return migrateToVersion2(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion2 adds intent attribution to approvals, which version 1
// recorded only on operations.
func migrateToVersion2(db *sql.DB) error {
	if _, err := db.Exec("ALTER TABLE approvals ADD COLUMN intent_id TEXT NOT NULL DEFAULT ''"); err != nil {
		return fmt.Errorf("failed to add approvals.intent_id: %w", err)
	}
	return nil
}

func getSchemaVersion(db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}

	var version int
	if err := db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	if _, err := db.Exec("DELETE FROM schema_version"); err != nil {
		return fmt.Errorf("failed to clear schema version: %w", err)
	}
	if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}
