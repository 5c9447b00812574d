package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/consultant-1379/sc-envoy-sub001/internal/engine"
	"github.com/consultant-1379/sc-envoy-sub001/internal/types"
)

// openTestDB opens a migrated sqlite database in a temp dir.
func openTestDB(t *testing.T) (*sqlx.DB, *Queries) {
	t.Helper()
	ctx := context.Background()

	db, err := Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "sbiscreen.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	q, err := LoadQueries()
	if err != nil {
		t.Fatalf("LoadQueries failed: %v", err)
	}
	if _, err := MigrateUp(ctx, db, q); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	return db, q
}

func TestDataSourceOf(t *testing.T) {
	tests := []struct {
		url        string
		wantDriver string
		wantSource string
		wantErr    bool
	}{
		{"sqlite://data/kvt.db", "sqlite3", "data/kvt.db", false},
		{"sqlite:///var/lib/sbiscreen/kvt.db", "sqlite3", "/var/lib/sbiscreen/kvt.db", false},
		{"sqlite://kvt.db?_busy_timeout=5000", "sqlite3", "kvt.db?_busy_timeout=5000", false},
		{"postgres://u@db:5432/sbi?sslmode=disable", "postgres", "postgres://u@db:5432/sbi?sslmode=disable", false},
		{"postgresql://u@db/sbi", "postgres", "postgresql://u@db/sbi", false},
		{"mysql://u@db/sbi", "", "", true},
		{"::bad", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			driver, source, err := dataSourceOf(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("dataSourceOf(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
			if driver != tt.wantDriver || source != tt.wantSource {
				t.Errorf("dataSourceOf(%q) = %q, %q, want %q, %q", tt.url, driver, source, tt.wantDriver, tt.wantSource)
			}
		})
	}
}

func TestMigrations(t *testing.T) {
	ctx := context.Background()
	db, q := openTestDB(t)

	statuses, err := MigrateStatus(ctx, db, q)
	if err != nil {
		t.Fatalf("MigrateStatus failed: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(statuses))
	}
	for _, s := range statuses {
		if !s.Applied {
			t.Errorf("migration %s not applied", s.ID)
		}
		if s.AppliedAt == nil {
			t.Errorf("migration %s has no applied_at", s.ID)
		}
	}

	// second run is a no-op
	ran, err := MigrateUp(ctx, db, q)
	if err != nil {
		t.Fatalf("second MigrateUp failed: %v", err)
	}
	if len(ran) != 0 {
		t.Errorf("second MigrateUp ran %v", ran)
	}

	// a tampered checksum is refused
	if _, err := db.Exec("UPDATE migrations SET checksum = 'x' WHERE migration_id = '001_initial_schema.sql'"); err != nil {
		t.Fatal(err)
	}
	if _, err := MigrateUp(ctx, db, q); err == nil {
		t.Error("expected checksum mismatch error")
	}
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements(`-- leading comment
CREATE TABLE a (x TEXT);

-- second
CREATE INDEX i ON a (x);
`)
	want := []string{"CREATE TABLE a (x TEXT)", "CREATE INDEX i ON a (x)"}
	if len(got) != len(want) {
		t.Fatalf("splitStatements = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("statement %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestKvtEntries(t *testing.T) {
	ctx := context.Background()
	db, q := openTestDB(t)
	s := NewStore(db, q)

	for _, e := range []struct{ table, key, value string }{
		{"regions", "imsi-1", "region-a"},
		{"regions", "imsi-2", "region-b"},
		{"pools", "nf1.example.com", "pool_1"},
	} {
		if err := s.PutEntry(ctx, e.table, e.key, e.value); err != nil {
			t.Fatalf("PutEntry failed: %v", err)
		}
	}
	// upsert replaces
	if err := s.PutEntry(ctx, "regions", "imsi-2", "region-c"); err != nil {
		t.Fatalf("PutEntry failed: %v", err)
	}

	tables, err := s.LoadTables(ctx)
	if err != nil {
		t.Fatalf("LoadTables failed: %v", err)
	}
	if len(tables) != 2 {
		t.Fatalf("expected 2 tables, got %v", tables)
	}
	if tables["regions"]["imsi-2"] != "region-c" {
		t.Errorf("regions/imsi-2 = %q, want region-c", tables["regions"]["imsi-2"])
	}
	if tables["pools"]["nf1.example.com"] != "pool_1" {
		t.Errorf("pools entry = %q", tables["pools"]["nf1.example.com"])
	}

	entries, err := s.ListEntries(ctx, "regions")
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Key != "imsi-1" || entries[0].UpdatedAt.IsZero() {
		t.Errorf("ListEntries(regions) = %+v", entries)
	}

	if err := s.DeleteEntry(ctx, "regions", "imsi-1"); err != nil {
		t.Fatalf("DeleteEntry failed: %v", err)
	}
	if err := s.DeleteEntry(ctx, "regions", "absent"); err != nil {
		t.Fatalf("DeleteEntry(absent) failed: %v", err)
	}
	entries, _ = s.ListEntries(ctx, "")
	if len(entries) != 2 {
		t.Errorf("expected 2 entries after delete, got %d", len(entries))
	}

	if err := s.PutEntry(ctx, "", "k", "v"); err == nil {
		t.Error("expected error for empty table name")
	}
}

func TestReportEvent(t *testing.T) {
	ctx := context.Background()
	db, q := openTestDB(t)
	s := NewStore(db, q)

	id := types.NewMessageID()
	ev := engine.Event{
		MessageID:  id,
		Time:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Type:       types.EventUserDefined,
		Category:   types.EventCategorySecurity,
		Severity:   types.EventSeverityWarning,
		Action:     types.EventActionRejected,
		Text:       "unexpected supi",
		FilterCase: "fc_screen",
		Network:    "external",
	}
	if err := s.ReportEvent(ctx, ev); err != nil {
		t.Fatalf("ReportEvent failed: %v", err)
	}
	if err := s.ReportEvent(ctx, ev); err != nil {
		t.Fatalf("second ReportEvent failed: %v", err)
	}

	records, err := s.Events(ctx, string(id))
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 events, got %d", len(records))
	}
	r := records[0]
	if r.Type != ev.Type.String() || r.Severity != "warning" || r.Message != "unexpected supi" {
		t.Errorf("unexpected record %+v", r)
	}
	if !r.CreatedAt.Equal(ev.Time) {
		t.Errorf("CreatedAt = %v, want %v", r.CreatedAt, ev.Time)
	}
	if records[0].ID == records[1].ID {
		t.Error("event ids are not unique")
	}

	n, err := s.PruneEvents(ctx, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("PruneEvents failed: %v", err)
	}
	if n != 2 {
		t.Errorf("PruneEvents removed %d, want 2", n)
	}
}
