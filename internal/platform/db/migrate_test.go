package db

import (
	"testing"
	"testing/fstest"
	"time"

	"github.com/clinic/labflow/migrations"
)

func TestLoadMigrations_SortOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"010_views.sql":    {Data: []byte("SELECT 10;")},
		"002_history.sql":  {Data: []byte("SELECT 2;")},
		"001_workflow.sql": {Data: []byte("SELECT 1;")},
		"005_payments.sql": {Data: []byte("SELECT 5;")},
	}

	loaded, err := NewMigrator(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(loaded) != 4 {
		t.Fatalf("expected 4 migrations, got %d", len(loaded))
	}
	for i, want := range []int{1, 2, 5, 10} {
		if loaded[i].Version != want {
			t.Errorf("migration[%d]: expected version %d, got %d", i, want, loaded[i].Version)
		}
	}
	if loaded[0].Name != "001_workflow.sql" || loaded[0].SQL != "SELECT 1;" {
		t.Errorf("unexpected first migration %+v", loaded[0])
	}
}

func TestLoadMigrations_SkipsUnversionedFiles(t *testing.T) {
	fsys := fstest.MapFS{
		"001_valid.sql":      {Data: []byte("SELECT 1;")},
		"readme.sql":         {Data: []byte("-- no version prefix")},
		"notes.txt":          {Data: []byte("not sql")},
		"abc_invalid.sql":    {Data: []byte("-- non-numeric prefix")},
		"002_also_valid.sql": {Data: []byte("SELECT 2;")},
		"sub/003_nested.sql": {Data: []byte("SELECT 3;")},
	}

	loaded, err := NewMigrator(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 valid migrations, got %d", len(loaded))
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_a.sql":  {Data: []byte("SELECT 1;")},
		"0001_b.sql": {Data: []byte("SELECT 1;")},
	}
	if _, err := NewMigrator(nil, fsys).LoadMigrations(); err == nil {
		t.Fatal("expected error for duplicate versions")
	}
}

func TestLoadMigrations_Empty(t *testing.T) {
	loaded, err := NewMigrator(nil, fstest.MapFS{}).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("expected 0 migrations, got %d", len(loaded))
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	loaded, err := NewMigrator(nil, migrations.FS).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(loaded) == 0 {
		t.Fatal("expected embedded migrations")
	}
	if loaded[0].Version != 1 || loaded[0].Name != "001_lab_workflow.sql" {
		t.Errorf("unexpected first migration %s (v%d)", loaded[0].Name, loaded[0].Version)
	}
}

func TestPendingAndStatus(t *testing.T) {
	all := []Migration{
		{Version: 1, Name: "001_workflow.sql"},
		{Version: 2, Name: "002_history.sql"},
		{Version: 3, Name: "003_views.sql"},
	}
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	applied := map[int]time.Time{1: at}

	pending := Pending(all, applied)
	if len(pending) != 2 || pending[0].Version != 2 || pending[1].Version != 3 {
		t.Errorf("unexpected pending set %+v", pending)
	}

	statuses := statusOf(all, applied)
	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected 001 applied at %v, got %+v", at, statuses[0])
	}
	for _, st := range statuses[1:] {
		if st.Applied || st.AppliedAt != nil {
			t.Errorf("expected %s pending, got %+v", st.Name, st)
		}
	}
}
