package database

import (
	"context"
	"testing"
	"testing/fstest"
)

func TestMigrator_Run(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	// Running again is a no-op
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("Second Migrate failed: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("Failed to query schema_migrations: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 applied migration, got %d", count)
	}

	_, err := db.Exec(`INSERT INTO detections (id, detector, role, plate, confidence, candidates, timestamp)
		VALUES ('d1', 'cam1', 'ENTRY', 'AB123', 91.5, '[["AB123",91.5]]', 1000)`)
	if err != nil {
		t.Errorf("Detections table not usable: %v", err)
	}
}

func TestMigrator_Status(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	m := NewMigrator(db)

	before, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if len(before) == 0 {
		t.Fatal("Expected embedded migrations")
	}
	if !before[0].AppliedAt.IsZero() {
		t.Error("Expected migration to be pending")
	}
	if before[0].Version != 1 || before[0].Name != "detections" {
		t.Errorf("Unexpected first migration %d_%s", before[0].Version, before[0].Name)
	}

	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	after, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	for _, migration := range after {
		if migration.AppliedAt.IsZero() {
			t.Errorf("Migration %d not applied", migration.Version)
		}
	}
}

func TestMigrator_Order(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	m := NewMigrator(db)
	m.source = fstest.MapFS{
		"migrations/002_add_note.sql":   {Data: []byte("ALTER TABLE things ADD COLUMN note TEXT;")},
		"migrations/001_things.sql":     {Data: []byte("CREATE TABLE things (id INTEGER PRIMARY KEY);")},
		"migrations/readme.txt":         {Data: []byte("ignored")},
		"migrations/bad_name.sql":       {Data: []byte("SELECT 1;")},
		"migrations/003_broken_sql.sql": {Data: []byte("NOT SQL AT ALL")},
	}

	err := m.Run(ctx)
	if err == nil {
		t.Fatal("Expected the broken migration to fail")
	}

	status, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if len(status) != 3 {
		t.Fatalf("Expected 3 migrations, got %d", len(status))
	}
	for i, want := range []bool{true, true, false} {
		if applied := !status[i].AppliedAt.IsZero(); applied != want {
			t.Errorf("Migration %d applied=%v, want %v", status[i].Version, applied, want)
		}
	}

	if _, err := db.Exec("INSERT INTO things (id, note) VALUES (1, 'x')"); err != nil {
		t.Errorf("Expected migrations 1 and 2 to be applied in order: %v", err)
	}
}

func TestMigrator_ContextCancellation(t *testing.T) {
	db := openTestDB(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := NewMigrator(db).Run(ctx); err == nil {
		t.Error("Expected error with cancelled context")
	}
}
