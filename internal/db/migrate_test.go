package db

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
)

// setupMigrationTestDB creates a test database without running migrations
func setupMigrationTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "migrate.db"))
	if err != nil {
		t.Fatalf("failed to open test DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// setupTestMigrations returns two small migrations as an fs.FS
func setupTestMigrations(t *testing.T) fs.FS {
	t.Helper()
	return fstest.MapFS{
		"000001_create_test_table.up.sql": {Data: []byte(`
			CREATE TABLE IF NOT EXISTS test_table (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL
			);
		`)},
		"000001_create_test_table.down.sql": {Data: []byte(`DROP TABLE IF EXISTS test_table;`)},
		"000002_add_test_column.up.sql": {Data: []byte(`
			ALTER TABLE test_table ADD COLUMN description TEXT;
		`)},
		"000002_add_test_column.down.sql": {Data: []byte(`
			ALTER TABLE test_table DROP COLUMN description;
		`)},
	}
}

func hasColumn(t *testing.T, db *DB, table, column string) bool {
	t.Helper()
	var ok bool
	err := db.QueryRow(`SELECT COUNT(*) > 0 FROM pragma_table_info(?) WHERE name=?`, table, column).Scan(&ok)
	if err != nil {
		t.Fatalf("failed to check %s.%s: %v", table, column, err)
	}
	return ok
}

func TestMigrateUp(t *testing.T) {
	db := setupMigrationTestDB(t)
	migrationsFS := setupTestMigrations(t)

	if err := db.MigrateUp(migrationsFS); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}

	version, dirty, err := db.MigrateVersion(migrationsFS)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2, got %d", version)
	}
	if dirty {
		t.Error("database should not be dirty after successful migration")
	}
	if !tableExists(t, db, "test_table") {
		t.Error("test_table should exist after migration")
	}
	if !hasColumn(t, db, "test_table", "description") {
		t.Error("description column should exist after second migration")
	}

	// Running again is a no-op.
	if err := db.MigrateUp(migrationsFS); err != nil {
		t.Errorf("second MigrateUp should succeed, got %v", err)
	}
}

func TestMigrateDown(t *testing.T) {
	db := setupMigrationTestDB(t)
	migrationsFS := setupTestMigrations(t)

	if err := db.MigrateUp(migrationsFS); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	if err := db.MigrateDown(migrationsFS); err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}

	version, dirty, err := db.MigrateVersion(migrationsFS)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 1 || dirty {
		t.Errorf("expected clean version 1, got %d (dirty %v)", version, dirty)
	}
	if hasColumn(t, db, "test_table", "description") {
		t.Error("description column should be gone after rollback")
	}
}

func TestMigrateVersion_NoMigrations(t *testing.T) {
	db := setupMigrationTestDB(t)

	version, dirty, err := db.MigrateVersion(setupTestMigrations(t))
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 0 || dirty {
		t.Errorf("expected version 0 clean, got %d (dirty %v)", version, dirty)
	}
}

func TestMigrateToAndForce(t *testing.T) {
	db := setupMigrationTestDB(t)
	migrationsFS := setupTestMigrations(t)

	if err := db.MigrateTo(migrationsFS, 1); err != nil {
		t.Fatalf("MigrateTo failed: %v", err)
	}
	if version, _, _ := db.MigrateVersion(migrationsFS); version != 1 {
		t.Errorf("expected version 1, got %d", version)
	}

	if err := db.MigrateForce(migrationsFS, 2); err != nil {
		t.Fatalf("MigrateForce failed: %v", err)
	}
	if version, _, _ := db.MigrateVersion(migrationsFS); version != 2 {
		t.Errorf("expected forced version 2, got %d", version)
	}
	// Forcing does not run the migration.
	if hasColumn(t, db, "test_table", "description") {
		t.Error("force should not apply the second migration")
	}
}

func TestBaselineAtVersion(t *testing.T) {
	db := setupMigrationTestDB(t)
	migrationsFS := setupTestMigrations(t)

	if err := db.BaselineAtVersion(1); err != nil {
		t.Fatalf("BaselineAtVersion failed: %v", err)
	}
	if version, _, _ := db.MigrateVersion(migrationsFS); version != 1 {
		t.Errorf("expected baseline version 1, got %d", version)
	}
	if err := db.BaselineAtVersion(2); err == nil {
		t.Error("second baseline should fail")
	}
}

func TestGetLatestMigrationVersion(t *testing.T) {
	v, err := GetLatestMigrationVersion(setupTestMigrations(t))
	if err != nil || v != 2 {
		t.Errorf("GetLatestMigrationVersion = %d, %v; want 2", v, err)
	}

	if _, err := GetLatestMigrationVersion(fstest.MapFS{}); err == nil {
		t.Error("expected error for empty migrations")
	}
	if _, err := GetLatestMigrationVersion(fstest.MapFS{"notes.up.sql": {}}); err == nil {
		t.Error("expected error for unnumbered migrations")
	}
}

func TestCheckAndPromptMigrations(t *testing.T) {
	db := setupMigrationTestDB(t)
	migrationsFS := setupTestMigrations(t)

	needed, err := db.CheckAndPromptMigrations(migrationsFS)
	if !needed || err == nil || !strings.Contains(err.Error(), "out of date") {
		t.Errorf("fresh database: needed=%v err=%v", needed, err)
	}

	if err := db.MigrateUp(migrationsFS); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	needed, err = db.CheckAndPromptMigrations(migrationsFS)
	if needed || err != nil {
		t.Errorf("migrated database: needed=%v err=%v", needed, err)
	}

	if err := db.MigrateForce(migrationsFS, 3); err != nil {
		t.Fatalf("MigrateForce failed: %v", err)
	}
	if needed, err := db.CheckAndPromptMigrations(migrationsFS); !needed || err == nil {
		t.Errorf("database ahead of migrations: needed=%v err=%v", needed, err)
	}
}

func TestDevModeReadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "000007_x.up.sql"), []byte("SELECT 1;"), 0644); err != nil {
		t.Fatal(err)
	}
	origMode, origDir := DevMode, DevMigrationsDir
	DevMode, DevMigrationsDir = true, dir
	defer func() { DevMode, DevMigrationsDir = origMode, origDir }()

	migFS, err := getMigrationsFS()
	if err != nil {
		t.Fatalf("getMigrationsFS: %v", err)
	}
	if v, err := GetLatestMigrationVersion(migFS); err != nil || v != 7 {
		t.Errorf("latest = %d, %v; want 7", v, err)
	}
}

func TestRunMigrateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.db")

	var out bytes.Buffer
	if err := RunMigrateCommand(&out, path, []string{"status"}); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out.String(), "behind") {
		t.Errorf("status on a fresh database should report it is behind:\n%s", out.String())
	}

	out.Reset()
	if err := RunMigrateCommand(&out, path, []string{"up"}); err != nil {
		t.Fatalf("up: %v", err)
	}
	if !strings.Contains(out.String(), "applied successfully") {
		t.Errorf("up output:\n%s", out.String())
	}

	out.Reset()
	if err := RunMigrateCommand(&out, path, []string{"version", "1"}); err != nil {
		t.Fatalf("version 1: %v", err)
	}

	out.Reset()
	if err := RunMigrateCommand(&out, path, []string{"status"}); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out.String(), "Current version: 1") {
		t.Errorf("status output:\n%s", out.String())
	}

	for _, args := range [][]string{nil, {"sideways"}, {"force"}, {"version", "x"}} {
		if err := RunMigrateCommand(&out, path, args); err == nil {
			t.Errorf("RunMigrateCommand(%q) should fail", args)
		}
	}
}
