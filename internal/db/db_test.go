// Package db tests for database connection management.
package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kimhsiao/studysync/backend/internal/models"
)

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()

	db, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	// Verify database file was created
	if _, err := os.Stat(filepath.Join(tmpDir, FileName)); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	// Verify WAL mode is enabled
	var walMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&walMode); err != nil {
		t.Errorf("Failed to check WAL mode: %v", err)
	}
	if walMode != "wal" {
		t.Errorf("WAL mode not enabled, got: %s", walMode)
	}

	// Verify foreign keys are enabled
	var fkEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		t.Errorf("Failed to check foreign keys: %v", err)
	}
	if fkEnabled != 1 {
		t.Errorf("Foreign keys not enabled, got: %d", fkEnabled)
	}
}

// TestOpen_createsPartitions verifies every entity partition and the queue exist.
func TestOpen_createsPartitions(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	tables := []string{"sync_queue"}
	for _, e := range models.AllEntityTypes() {
		tables = append(tables, e.TableName())
	}

	for _, table := range tables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}

	var index string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name='idx_sync_queue_user_status'").Scan(&index)
	if err != nil {
		t.Errorf("user/status index not found: %v", err)
	}
}

// TestOpen_invalidDataDir verifies error when data directory cannot be created.
func TestOpen_invalidDataDir(t *testing.T) {
	invalidPath := "/dev/null/invalid_path/that/cannot/be/created"

	if _, err := Open(invalidPath); err == nil {
		t.Error("Open() with invalid path should return error")
	}
}

// TestDB_reopen verifies data and schema survive a reopen.
func TestDB_reopen(t *testing.T) {
	tmpDir := t.TempDir()

	db1, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("First Open() failed: %v", err)
	}

	_, err = db1.Exec("INSERT INTO cache_tasks (user_id, payload, updated_at) VALUES ('u1', '[\"A\"]', 1)")
	if err != nil {
		t.Fatalf("Failed to insert test data: %v", err)
	}
	if err := db1.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	db2, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("Second Open() failed: %v", err)
	}
	defer db2.Close()

	var payload string
	if err := db2.QueryRow("SELECT payload FROM cache_tasks WHERE user_id = 'u1'").Scan(&payload); err != nil {
		t.Errorf("Failed to query test data: %v", err)
	}
	if payload != `["A"]` {
		t.Errorf("Expected [\"A\"], got %q", payload)
	}
}

// TestClose verifies queries fail after close.
func TestClose(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	if err := db.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}

	var result int
	if err := db.QueryRow("SELECT 1").Scan(&result); err == nil {
		t.Error("Query on closed database should fail")
	}
}
