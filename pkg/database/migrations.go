package database

import (
	"database/sql"
	"fmt"
	"sort"
)

// Migration is one versioned schema step.
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// Migrations is the ordered schema history of the directory store.
var Migrations = []Migration{
	{
		Version:     "001",
		Description: "kv_and_hash_tables",
		SQL: `
			CREATE TABLE IF NOT EXISTS kv (
				key        TEXT PRIMARY KEY,
				value      BLOB NOT NULL,
				expires_at INTEGER
			);
			CREATE TABLE IF NOT EXISTS kv_hash (
				key   TEXT NOT NULL,
				field TEXT NOT NULL,
				value BLOB NOT NULL,
				PRIMARY KEY (key, field)
			);
		`,
	},
	{
		Version:     "002",
		Description: "expiry_index",
		SQL: `
			CREATE INDEX IF NOT EXISTS idx_kv_expires_at ON kv(expires_at) WHERE expires_at IS NOT NULL;
		`,
	},
}

// MigrationManager applies Migrations and tracks what has been applied.
type MigrationManager struct {
	db         *sql.DB
	migrations []Migration
}

// NewMigrationManager creates a migration manager over the built-in history.
func NewMigrationManager(db *sql.DB) *MigrationManager {
	return &MigrationManager{db: db, migrations: Migrations}
}

// ApplyMigrations applies all pending migrations, each in its own transaction.
func (m *MigrationManager) ApplyMigrations() error {
	if err := m.createMigrationTable(); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	applied, err := m.AppliedVersions()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	pending := make([]Migration, len(m.migrations))
	copy(pending, m.migrations)
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Version < pending[j].Version
	})

	for _, migration := range pending {
		if contains(applied, migration.Version) {
			continue
		}
		if err := m.applyMigration(migration); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}
	}
	return nil
}

// AppliedVersions returns applied migration versions in order.
func (m *MigrationManager) AppliedVersions() ([]string, error) {
	rows, err := m.db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var versions []string
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}
	return versions, rows.Err()
}

func (m *MigrationManager) createMigrationTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func (m *MigrationManager) applyMigration(migration Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", migration.Version); err != nil {
		return err
	}
	return tx.Commit()
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
