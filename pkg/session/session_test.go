package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestValidTransition(t *testing.T) {
	allowed := [][2]string{
		{StatusCreated, StatusReady},
		{StatusReady, StatusReviewing},
		{StatusReviewing, StatusAwaitingApproval},
		{StatusAwaitingApproval, StatusReviewing},
		{StatusReviewing, StatusCompleted},
		{StatusReviewing, StatusFailed},
		{StatusAwaitingApproval, StatusFailed},
		{StatusReviewing, StatusReviewing},
	}
	for _, tr := range allowed {
		if !ValidTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s should be allowed", tr[0], tr[1])
		}
	}

	denied := [][2]string{
		{StatusCreated, StatusReviewing},
		{StatusCompleted, StatusReviewing},
		{StatusFailed, StatusReady},
		{StatusAwaitingApproval, StatusCompleted},
	}
	for _, tr := range denied {
		if ValidTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s should be denied", tr[0], tr[1])
		}
	}
}

func TestMemoryStoreSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec := &Record{
		TaskID:     "t1",
		UserID:     "u1",
		DomainID:   "construction",
		Status:     StatusReviewing,
		GraphState: json.RawMessage(`{"current_clause_index":2}`),
		Revision:   1,
	}
	if err := s.Save(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusReviewing || got.DomainID != "construction" {
		t.Errorf("loaded record mismatch: %+v", got)
	}
	if string(got.GraphState) != `{"current_clause_index":2}` {
		t.Errorf("graph state mismatch: %s", got.GraphState)
	}
}

func TestMemoryStoreConditionalWrite(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Save(ctx, &Record{TaskID: "t1", Revision: 2}); err != nil {
		t.Fatal(err)
	}

	// Same and lower revisions lose.
	if err := s.Save(ctx, &Record{TaskID: "t1", Revision: 2}); !errors.Is(err, ErrStaleRevision) {
		t.Errorf("equal revision: expected ErrStaleRevision, got %v", err)
	}
	if err := s.Save(ctx, &Record{TaskID: "t1", Revision: 1}); !errors.Is(err, ErrStaleRevision) {
		t.Errorf("lower revision: expected ErrStaleRevision, got %v", err)
	}
	if err := s.Save(ctx, &Record{TaskID: "t1", Revision: 3}); err != nil {
		t.Errorf("higher revision should win: %v", err)
	}
}

func TestMemoryStoreUpdateStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Save(ctx, &Record{TaskID: "t1", Status: StatusReviewing, Revision: 1}); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateStatus(ctx, "t1", StatusCompleted, ""); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Load(ctx, "t1")
	if got.Status != StatusCompleted || !got.IsComplete {
		t.Errorf("status update not applied: %+v", got)
	}

	if err := s.UpdateStatus(ctx, "missing", StatusFailed, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreUpdateStatusEnforcesTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Save(ctx, &Record{TaskID: "t1", Status: StatusCompleted, Revision: 1}); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateStatus(ctx, "t1", StatusFailed, "late cancel"); err == nil {
		t.Fatal("terminal status must not transition")
	}
	got, _ := s.Load(ctx, "t1")
	if got.Status != StatusCompleted || !got.IsComplete {
		t.Errorf("terminal record mutated: %+v", got)
	}

	if err := s.Save(ctx, &Record{TaskID: "t2", Status: StatusCreated, Revision: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStatus(ctx, "t2", StatusReviewing, ""); err == nil {
		t.Error("created must not jump straight to reviewing")
	}
}

func TestMemoryStoreListActiveSkipsTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seed := map[string]string{
		"t1": StatusReviewing,
		"t2": StatusCompleted,
		"t3": StatusAwaitingApproval,
		"t4": StatusFailed,
	}
	for id, status := range seed {
		if err := s.Save(ctx, &Record{TaskID: id, Status: status, Revision: 1}); err != nil {
			t.Fatal(err)
		}
	}

	active, err := s.ListActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active sessions, got %d", len(active))
	}
	for _, rec := range active {
		if Terminal(rec.Status) {
			t.Errorf("terminal session listed as active: %+v", rec)
		}
	}
}

func TestEncodeStateSmallPayloadUntouched(t *testing.T) {
	state := map[string]any{"current_clause_index": 1, "findings": map[string]any{}}
	raw, err := EncodeState(state)
	if err != nil {
		t.Fatal(err)
	}
	if !json.Valid(raw) || strings.Contains(string(raw), "gzip") {
		t.Errorf("small payload should persist as plain JSON: %s", raw)
	}

	decoded, err := DecodeState(raw)
	if err != nil {
		t.Fatal(err)
	}
	if string(decoded) != string(raw) {
		t.Error("decode of plain payload should be identity")
	}
}

func TestEncodeStateCompressesOversizePayload(t *testing.T) {
	// Highly compressible filler above the cap.
	state := map[string]any{
		"current_clause_index": 3,
		"transcript":           strings.Repeat("tool output line\n", (MaxStateBytes/17)+1),
	}
	raw, err := EncodeState(state)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) > MaxStateBytes {
		t.Fatalf("encoded payload still oversize: %d bytes", len(raw))
	}

	var env compressedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Encoding != "gzip" {
		t.Fatalf("expected gzip envelope, got %.80s", raw)
	}

	decoded, err := DecodeState(raw)
	if err != nil {
		t.Fatal(err)
	}
	var restored map[string]any
	if err := json.Unmarshal(decoded, &restored); err != nil {
		t.Fatal(err)
	}
	if restored["current_clause_index"] != float64(3) {
		t.Errorf("round trip lost fields: %v", restored["current_clause_index"])
	}
}

func TestStripReproducibleKeepsFindingsAndIndex(t *testing.T) {
	raw := []byte(`{
		"current_clause_index": 2,
		"findings": {
			"14.2": {"risks": [{"level": "high"}], "skill_context": {"get_clause_context": {"big": "blob"}}}
		},
		"pending_diffs": [{"diff_id": "d1"}],
		"transcript": ["long", "tool", "log"]
	}`)

	stripped, err := stripReproducible(raw)
	if err != nil {
		t.Fatal(err)
	}

	var doc map[string]any
	if err := json.Unmarshal(stripped, &doc); err != nil {
		t.Fatal(err)
	}
	if _, ok := doc["transcript"]; ok {
		t.Error("transcript should be dropped")
	}
	if _, ok := doc["pending_diffs"]; !ok {
		t.Error("pending_diffs must survive")
	}
	findings := doc["findings"].(map[string]any)["14.2"].(map[string]any)
	if _, ok := findings["skill_context"]; ok {
		t.Error("nested skill_context should be dropped")
	}
	if _, ok := findings["risks"]; !ok {
		t.Error("risks must survive")
	}
}
