package execution

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "journal.db"), filepath.Join(dir, "journal.lock"))
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreSaveGetList(t *testing.T) {
	store := openTestStore(t)

	st, err := Apply(IdleState(), AttemptStarted{
		AttemptID: "attempt-1",
		RouteID:   "route-1",
		Strategy:  StrategySmartAccount,
		Steps:     []ExecutionStep{{ID: "s1", Type: StepTypeBridge}},
		At:        time.Now(),
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := store.Save(st); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Get("attempt-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.RouteID != "route-1" || got.Status != SwapStatusExecuting || len(got.Steps) != 1 {
		t.Fatalf("unexpected attempt %+v", got)
	}

	st = mustApply(t, st, StepActivated{Index: 0})
	st = mustApply(t, st, StepHashed{Index: 0, TxHash: "0xabc", Latest: true})
	st = mustApply(t, st, StepCompleted{Index: 0})
	st = mustApply(t, st, AttemptSucceeded{})
	store.Report(st)

	done, err := store.List(string(SwapStatusSuccess), 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(done) != 1 || done[0].TxHash != "0xabc" {
		t.Fatalf("expected one successful attempt, got %+v", done)
	}
	executing, err := store.List(string(SwapStatusExecuting), 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(executing) != 0 {
		t.Fatalf("expected no executing attempts, got %d", len(executing))
	}
}

func TestStoreKeepsNewestVersion(t *testing.T) {
	store := openTestStore(t)
	st, _ := Apply(IdleState(), AttemptStarted{AttemptID: "attempt-2", Steps: []ExecutionStep{{ID: "s1"}}, At: time.Now()})
	newer := mustApply(t, st, StepActivated{Index: 0})
	if err := store.Save(newer); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Save(st); err != nil {
		t.Fatalf("Save stale failed: %v", err)
	}
	got, err := store.Get("attempt-2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Version != newer.Version || got.Steps[0].Status != StepStatusActive {
		t.Fatalf("stale save overwrote newer state: %+v", got)
	}
}

func TestStoreSkipsIdleReports(t *testing.T) {
	store := openTestStore(t)
	store.Report(IdleState())
	all, err := store.List("", 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("idle state must not be journaled, got %d rows", len(all))
	}
}

func TestStoreGetMissingAttempt(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.Get("missing"); err == nil {
		t.Fatal("expected missing attempt error")
	}
}
