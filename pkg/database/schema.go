package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks that a database carries the directory store schema.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every structural check.
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	for _, table := range []string{"kv", "kv_hash", "schema_migrations"} {
		exists, err := v.objectExists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateTableStructure verifies column names and declared types.
func (v *SchemaValidator) ValidateTableStructure() error {
	if err := v.validateColumns("kv", map[string]string{
		"key":        "TEXT",
		"value":      "BLOB",
		"expires_at": "INTEGER",
	}); err != nil {
		return fmt.Errorf("kv table structure invalid: %w", err)
	}
	if err := v.validateColumns("kv_hash", map[string]string{
		"key":   "TEXT",
		"field": "TEXT",
		"value": "BLOB",
	}); err != nil {
		return fmt.Errorf("kv_hash table structure invalid: %w", err)
	}
	return nil
}

// ValidateIndexes verifies that the expiry index exists
func (v *SchemaValidator) ValidateIndexes() error {
	exists, err := v.objectExists("index", "idx_kv_expires_at")
	if err != nil {
		return fmt.Errorf("error checking index idx_kv_expires_at: %w", err)
	}
	if !exists {
		return fmt.Errorf("required index idx_kv_expires_at does not exist")
	}
	return nil
}

func (v *SchemaValidator) objectExists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid int
		var name, dataType string
		var notNull int
		var defaultValue interface{}
		var pk int

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}
	return nil
}
