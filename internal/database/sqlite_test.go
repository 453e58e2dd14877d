package database

import (
	"path/filepath"
	"testing"

	"github.com/datesky/datesky-indexer/internal/profiles"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "datesky.db")
	db, err := Open(path, nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	return db
}

func TestOpenCreatesSchema(t *testing.T) {
	db := openTestDatabase(t)

	for _, table := range []string{"profiles", "profile_tags", "profile_intentions", "cursor", "db_migrations"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %s to exist", table)
		}
	}
}

func TestOpenEnforcesForeignKeys(t *testing.T) {
	db := openTestDatabase(t)

	orphan := profiles.ProfileTag{DID: "did:plc:orphan000000000000000000", Tag: "hiking"}
	if err := db.Create(&orphan).Error; err == nil {
		t.Fatalf("expected foreign key violation for orphan tag row")
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("", nil); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datesky.db")

	first, err := Open(path, nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := first.DB()
	if err != nil {
		t.Fatalf("failed to unwrap connection: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	second, err := Open(path, nil)
	if err != nil {
		t.Fatalf("failed to reopen database: %v", err)
	}

	var ledgerCount int64
	if err := second.Model(&migrationRecord{}).Count(&ledgerCount).Error; err != nil {
		t.Fatalf("failed to count ledger rows: %v", err)
	}
	if ledgerCount != 1 {
		t.Fatalf("expected migrations recorded exactly once, got %d rows", ledgerCount)
	}
}
