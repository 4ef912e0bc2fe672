package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShayCichocki/troupe/internal/errs"
	"github.com/ShayCichocki/troupe/pkg/models"
)

// tempDBPath returns a path to a temp database file.
func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// setupTestDB creates a new temporary database for testing.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func testCheckpoint(id string, created time.Time) models.Checkpoint {
	return models.Checkpoint{
		ID: id,
		Agents: map[string]models.AgentStatus{
			"coder":    models.AgentStatusIdle,
			"reviewer": models.AgentStatusBusy,
		},
		Memory: map[string]json.RawMessage{
			"plan":  json.RawMessage(`{"steps":["a","b"]}`),
			"count": json.RawMessage(`3`),
		},
		ActiveWorkflows: []string{"build"},
		CreatedAt:       created,
	}
}

func TestOpen_CreatesParentDirectories(t *testing.T) {
	nested := filepath.Join(t.TempDir(), "a", "b", "c")
	path := filepath.Join(nested, "test.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
	if _, err := os.Stat(nested); os.IsNotExist(err) {
		t.Errorf("parent directories not created: %s", nested)
	}
}

func TestClose(t *testing.T) {
	db, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if _, err := db.Query(context.Background(), "SELECT 1"); err == nil {
		t.Error("query on closed database succeeded")
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	if v, err := db.SchemaVersion(ctx); err == nil {
		t.Errorf("SchemaVersion before Migrate = %d, want error for missing table", v)
	}

	for i := 0; i < 3; i++ {
		if err := db.Migrate(ctx); err != nil {
			t.Fatalf("Migrate pass %d: %v", i+1, err)
		}
	}

	for _, table := range []string{"schema_version", "checkpoints", "checkpoint_agents"} {
		var n int
		err := db.QueryRow(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
		if err != nil || n != 1 {
			t.Errorf("table %s: count=%d err=%v", table, n, err)
		}
	}

	v, err := db.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != len(migrations) {
		t.Errorf("SchemaVersion = %d, want %d", v, len(migrations))
	}

	var applied int
	if err := db.QueryRow(ctx, "SELECT COUNT(*) FROM schema_version").Scan(&applied); err != nil {
		t.Fatalf("count schema_version: %v", err)
	}
	if applied != len(migrations) {
		t.Errorf("schema_version rows = %d, want one per migration", applied)
	}
}

func TestOpen_WALJournal(t *testing.T) {
	db := setupTestDB(t)

	var mode string
	if err := db.QueryRow(context.Background(), "PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestTransaction_Rollback(t *testing.T) {
	db := setupTestDB(t)

	boom := errors.New("boom")
	ctx := context.Background()
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO checkpoints (id, created_at, memory) VALUES ('x', '2024-01-01T00:00:00Z', '{}')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Transaction error = %v, want boom", err)
	}

	var count int
	if err := db.QueryRow(ctx, "SELECT COUNT(*) FROM checkpoints").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d after rollback, want 0", count)
	}
}

func TestSaveAndGetCheckpoint(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	created := time.Date(2024, 5, 1, 12, 30, 0, 123, time.UTC)
	want := testCheckpoint("checkpoint_0a1b2c3d", created)

	if err := db.SaveCheckpoint(ctx, want); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	got, err := db.GetCheckpoint(ctx, want.ID)
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}
	if len(got.Agents) != 2 || got.Agents["reviewer"] != models.AgentStatusBusy {
		t.Errorf("Agents = %v", got.Agents)
	}
	if string(got.Memory["count"]) != "3" {
		t.Errorf("Memory[count] = %s, want 3", got.Memory["count"])
	}
	if string(got.Memory["plan"]) != `{"steps":["a","b"]}` {
		t.Errorf("Memory[plan] = %s", got.Memory["plan"])
	}
	if len(got.ActiveWorkflows) != 1 || got.ActiveWorkflows[0] != "build" {
		t.Errorf("ActiveWorkflows = %v", got.ActiveWorkflows)
	}
}

func TestSaveCheckpoint_Replaces(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	cp := testCheckpoint("checkpoint_1", time.Now())
	if err := db.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	cp.Agents = map[string]models.AgentStatus{"solo": models.AgentStatusError}
	cp.ActiveWorkflows = nil
	if err := db.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint (replace) failed: %v", err)
	}

	got, err := db.GetCheckpoint(ctx, cp.ID)
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	if len(got.Agents) != 1 || got.Agents["solo"] != models.AgentStatusError {
		t.Errorf("Agents = %v, want only solo", got.Agents)
	}
	if len(got.ActiveWorkflows) != 0 {
		t.Errorf("ActiveWorkflows = %v, want none", got.ActiveWorkflows)
	}
}

func TestGetCheckpoint_NotFound(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.GetCheckpoint(context.Background(), "missing")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListCheckpoints(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "mid", "new"} {
		if err := db.SaveCheckpoint(ctx, testCheckpoint(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("SaveCheckpoint(%s) failed: %v", id, err)
		}
	}

	list, err := db.ListCheckpoints(ctx)
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("len = %d, want 3", len(list))
	}
	if list[0].ID != "new" || list[2].ID != "old" {
		t.Errorf("order = %s, %s, %s; want newest first", list[0].ID, list[1].ID, list[2].ID)
	}
	if list[0].Keys != 2 || list[0].Agents != 2 {
		t.Errorf("summary = %+v, want 2 keys and 2 agents", list[0])
	}
}

func TestDeleteCheckpoint(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	cp := testCheckpoint("gone", time.Now())
	if err := db.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	if err := db.DeleteCheckpoint(ctx, cp.ID); err != nil {
		t.Fatalf("DeleteCheckpoint failed: %v", err)
	}
	if _, err := db.GetCheckpoint(ctx, cp.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("GetCheckpoint after delete: err = %v, want ErrNotFound", err)
	}
	if err := db.DeleteCheckpoint(ctx, cp.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("second DeleteCheckpoint: err = %v, want ErrNotFound", err)
	}

	var orphans int
	if err := db.QueryRow(ctx, "SELECT COUNT(*) FROM checkpoint_agents").Scan(&orphans); err != nil {
		t.Fatalf("count agents: %v", err)
	}
	if orphans != 0 {
		t.Errorf("checkpoint_agents rows = %d, want 0", orphans)
	}
}

func TestPurgeCheckpoints(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	if err := db.SaveCheckpoint(ctx, testCheckpoint("stale", now.Add(-48*time.Hour))); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	if err := db.SaveCheckpoint(ctx, testCheckpoint("fresh", now.Add(-time.Hour))); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	n, err := db.PurgeCheckpoints(ctx, now, 24*time.Hour)
	if err != nil {
		t.Fatalf("PurgeCheckpoints failed: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
	if _, err := db.GetCheckpoint(ctx, "fresh"); err != nil {
		t.Errorf("fresh checkpoint missing: %v", err)
	}
}

func TestFormatAndParseTime(t *testing.T) {
	original := time.Date(2024, 3, 15, 10, 30, 45, 500, time.UTC)
	parsed, err := parseTime(formatTime(original))
	if err != nil {
		t.Fatalf("parseTime failed: %v", err)
	}
	if !parsed.Equal(original) {
		t.Errorf("parsed = %v, want %v", parsed, original)
	}
}
