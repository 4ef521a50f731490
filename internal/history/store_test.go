package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ggonzalez94/planexec/internal/plan"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "history.db"), filepath.Join(dir, "history.lock"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleRecord(id string, status RecordStatus, finished time.Time) Record {
	return Record{
		ExecutionID: id,
		ChainID:     1,
		Status:      status,
		StartedAt:   finished.Add(-time.Minute).Format(time.RFC3339),
		FinishedAt:  finished.Format(time.RFC3339),
		TxHashes:    []plan.TxHashEntry{{TxHash: "0xabc", ChainID: 1}},
		Steps: []*plan.Step{{
			ID:    "swap",
			Kind:  plan.KindTransaction,
			Items: []*plan.Item{{Status: plan.StatusComplete}},
		}},
	}
}

func TestSaveAndGetRoundtrip(t *testing.T) {
	store := openTestStore(t)
	rec := sampleRecord("exec-1", RecordStatusCompleted, time.Now().UTC())
	if err := store.Save(rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Get("exec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ExecutionID != "exec-1" || got.Status != RecordStatusCompleted {
		t.Fatalf("unexpected record: %#v", got)
	}
	if len(got.Steps) != 1 || got.Steps[0].ID != "swap" {
		t.Fatalf("plan snapshot lost: %#v", got.Steps)
	}
	if len(got.TxHashes) != 1 || got.TxHashes[0].TxHash != "0xabc" {
		t.Fatalf("hashes lost: %#v", got.TxHashes)
	}
}

func TestSaveUpsertsByExecutionID(t *testing.T) {
	store := openTestStore(t)
	now := time.Now().UTC()
	if err := store.Save(sampleRecord("exec-1", RecordStatusFailed, now)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(sampleRecord("exec-1", RecordStatusCompleted, now.Add(time.Second))); err != nil {
		t.Fatalf("resave: %v", err)
	}
	records, err := store.List("", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 || records[0].Status != RecordStatusCompleted {
		t.Fatalf("expected a single upserted record: %#v", records)
	}
}

func TestSaveRejectsMissingID(t *testing.T) {
	store := openTestStore(t)
	if err := store.Save(Record{Status: RecordStatusCompleted}); err == nil {
		t.Fatalf("expected missing-id error")
	}
}

func TestListFiltersByStatusAndOrdersByFinish(t *testing.T) {
	store := openTestStore(t)
	base := time.Now().UTC()
	if err := store.Save(sampleRecord("exec-old", RecordStatusCompleted, base.Add(-time.Hour))); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(sampleRecord("exec-new", RecordStatusCompleted, base)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(sampleRecord("exec-bad", RecordStatusFailed, base.Add(-time.Minute))); err != nil {
		t.Fatalf("save: %v", err)
	}

	completed, err := store.List(RecordStatusCompleted, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(completed) != 2 || completed[0].ExecutionID != "exec-new" {
		t.Fatalf("unexpected filtered order: %#v", completed)
	}

	all, err := store.List("", 2)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("limit not applied: %d records", len(all))
	}

	missing, err := store.List(RecordStatus("unknown"), 10)
	if err != nil {
		t.Fatalf("list unknown: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("expected no matches, got %#v", missing)
	}
}

func TestGetUnknownExecution(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.Get("nope"); err == nil {
		t.Fatalf("expected not-found error")
	}
}
