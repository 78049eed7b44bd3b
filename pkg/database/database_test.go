package database

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "directory.db")
	return cfg
}

func TestConfig_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.DatabasePath != "./data/lingualink.db" {
		t.Errorf("Expected DatabasePath './data/lingualink.db', got %s", cfg.DatabasePath)
	}
	if cfg.MaxConnections != 10 {
		t.Errorf("Expected MaxConnections 10, got %d", cfg.MaxConnections)
	}
	if cfg.ConnMaxLifetime != time.Hour {
		t.Errorf("Expected ConnMaxLifetime 1 hour, got %v", cfg.ConnMaxLifetime)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty path", func(c *Config) { c.DatabasePath = "" }},
		{"zero connections", func(c *Config) { c.MaxConnections = 0 }},
		{"zero lifetime", func(c *Config) { c.ConnMaxLifetime = 0 }},
		{"zero idle time", func(c *Config) { c.ConnMaxIdleTime = 0 }},
		{"zero write timeout", func(c *Config) { c.WriteTimeout = 0 }},
		{"negative retry delay", func(c *Config) { c.RetryDelay = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestMigrationManager_ApplyMigrations(t *testing.T) {
	db, err := Open(openTestDB(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	mm := NewMigrationManager(db)
	if err := mm.ApplyMigrations(); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	// Second run is a no-op.
	if err := mm.ApplyMigrations(); err != nil {
		t.Fatalf("second ApplyMigrations: %v", err)
	}

	versions, err := mm.AppliedVersions()
	if err != nil {
		t.Fatalf("AppliedVersions: %v", err)
	}
	if len(versions) != len(Migrations) {
		t.Errorf("expected %d applied versions, got %v", len(Migrations), versions)
	}

	if err := NewSchemaValidator(db).Validate(); err != nil {
		t.Errorf("schema validation failed after migrations: %v", err)
	}
}

func TestSchemaValidator_MissingTables(t *testing.T) {
	db, err := Open(openTestDB(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if err := NewSchemaValidator(db).ValidateTablesExist(); err == nil {
		t.Error("expected error on empty database")
	}
}
