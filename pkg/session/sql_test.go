package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLStore("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	rec := &Record{
		TaskID:     "t1",
		UserID:     "u1",
		DomainID:   "construction",
		Status:     StatusReviewing,
		GraphState: json.RawMessage(`{"current_clause_index":1}`),
		Revision:   1,
	}
	if err := s.Save(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.UserID != "u1" || got.Status != StatusReviewing || got.Revision != 1 {
		t.Errorf("loaded record mismatch: %+v", got)
	}
	if string(got.GraphState) != `{"current_clause_index":1}` {
		t.Errorf("graph state mismatch: %s", got.GraphState)
	}

	if _, err := s.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLStoreConditionalWrite(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	if err := s.Save(ctx, &Record{TaskID: "t1", Status: StatusReviewing, Revision: 2}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, &Record{TaskID: "t1", Status: StatusReviewing, Revision: 2}); !errors.Is(err, ErrStaleRevision) {
		t.Errorf("equal revision should lose, got %v", err)
	}
	if err := s.Save(ctx, &Record{TaskID: "t1", Status: StatusAwaitingApproval, Revision: 3}); err != nil {
		t.Errorf("newer revision should win: %v", err)
	}

	got, _ := s.Load(ctx, "t1")
	if got.Status != StatusAwaitingApproval || got.Revision != 3 {
		t.Errorf("conditional write not applied: %+v", got)
	}
}

func TestSQLStoreUpdateStatusAndListActive(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	for id, status := range map[string]string{
		"t1": StatusReviewing,
		"t2": StatusAwaitingApproval,
	} {
		if err := s.Save(ctx, &Record{TaskID: id, Status: status, Revision: 1}); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.UpdateStatus(ctx, "t1", StatusCompleted, ""); err != nil {
		t.Fatal(err)
	}

	active, err := s.ListActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].TaskID != "t2" {
		t.Fatalf("expected only t2 active, got %+v", active)
	}

	if err := s.UpdateStatus(ctx, "missing", StatusFailed, "boom"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// t1 is terminal now; the status DAG refuses further moves.
	if err := s.UpdateStatus(ctx, "t1", StatusFailed, "late cancel"); err == nil {
		t.Error("terminal status must not transition")
	}
	got, _ := s.Load(ctx, "t1")
	if got.Status != StatusCompleted {
		t.Errorf("terminal record mutated: %+v", got)
	}
}

func TestSQLStoreDelete(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	if err := s.Save(ctx, &Record{TaskID: "t1", Status: StatusCreated, Revision: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, "t1"); err != nil {
		t.Errorf("double delete should be a no-op: %v", err)
	}
}
