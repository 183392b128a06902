package review

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redlineai/redline/pkg/events"
	"github.com/redlineai/redline/pkg/llms"
	"github.com/redlineai/redline/pkg/quota"
	"github.com/redlineai/redline/pkg/session"
)

func waitEvent(t *testing.T, live <-chan events.Event, kind string) events.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-live:
			if !ok {
				t.Fatalf("event channel closed waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestRunnerFullReview(t *testing.T) {
	provider := &stubProvider{findingsText: highRiskFindings, diffJSON: diffStream, chatText: "summary"}
	bus := events.NewBus(64, nil)
	g := newTestGraph(t, provider, bus)
	taskID := g.State().TaskID

	store := session.NewMemoryStore()
	gate := quota.NewMemoryGate()
	if err := gate.Grant(context.Background(), "alice", 1); err != nil {
		t.Fatal(err)
	}

	r := NewRunner(store, gate, bus, nil)
	defer r.Stop()

	_, live, cancelSub := bus.Subscribe(taskID, 0)
	defer cancelSub()

	if err := r.Start(context.Background(), "alice", g); err != nil {
		t.Fatal(err)
	}

	waitEvent(t, live, events.KindApprovalRequired)

	// Commands are serialized behind the run, so by the time Approve is
	// handled the task is suspended.
	snap, err := r.Status(taskID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if snap.PendingDiffsCount != 1 {
		t.Fatalf("pending diffs = %d, want 1", snap.PendingDiffsCount)
	}

	if err := r.Resume(taskID, "alice"); !errors.Is(err, ErrDecisionsIncomplete) {
		t.Fatalf("resume before decisions: err = %v, want decisions incomplete", err)
	}

	diffs, err := r.PendingDiffs(taskID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Approve(taskID, "alice", diffs[0].DiffID, DecisionApprove, ""); err != nil {
		t.Fatal(err)
	}
	if err := r.Resume(taskID, "alice"); err != nil {
		t.Fatal(err)
	}

	waitEvent(t, live, events.KindDone)

	balance, err := gate.Balance(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if balance != 0 {
		t.Errorf("balance after completion = %d, want 0", balance)
	}
	ledger := gate.Ledger()
	if len(ledger) != 1 || ledger[0].TaskID != taskID {
		t.Errorf("ledger = %+v, want one entry for %s", ledger, taskID)
	}

	rec, err := store.Load(context.Background(), taskID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != session.StatusCompleted {
		t.Errorf("stored status = %s, want completed", rec.Status)
	}
	if rec.Revision == 0 {
		t.Error("no checkpoints persisted")
	}
}

func TestRunnerQuotaGateBlocksStart(t *testing.T) {
	provider := &stubProvider{findingsText: "[]", chatText: "summary"}
	bus := events.NewBus(16, nil)
	g := newTestGraph(t, provider, bus)

	r := NewRunner(session.NewMemoryStore(), quota.NewMemoryGate(), bus, nil)
	defer r.Stop()

	err := r.Start(context.Background(), "broke-user", g)
	if !errors.Is(err, quota.ErrQuotaExhausted) {
		t.Fatalf("err = %v, want quota exhausted", err)
	}
	if r.Active(g.State().TaskID) {
		t.Error("task registered despite failed quota check")
	}
}

func TestRunnerFailedReviewKeepsCredit(t *testing.T) {
	provider := &stubProvider{findingsText: highRiskFindings, streamErr: llms.ErrProviderUnavailable}
	bus := events.NewBus(16, nil)
	g := newTestGraph(t, provider, bus)
	taskID := g.State().TaskID

	gate := quota.NewMemoryGate()
	if err := gate.Grant(context.Background(), "alice", 3); err != nil {
		t.Fatal(err)
	}
	store := session.NewMemoryStore()
	r := NewRunner(store, gate, bus, nil)
	defer r.Stop()

	_, live, cancelSub := bus.Subscribe(taskID, 0)
	defer cancelSub()

	if err := r.Start(context.Background(), "alice", g); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, live, events.KindDone)

	balance, _ := gate.Balance(context.Background(), "alice")
	if balance != 3 {
		t.Errorf("balance after failed review = %d, want 3", balance)
	}
	rec, err := store.Load(context.Background(), taskID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != session.StatusFailed {
		t.Errorf("stored status = %s, want failed", rec.Status)
	}
}

func TestRunnerOwnership(t *testing.T) {
	provider := &stubProvider{findingsText: highRiskFindings, diffJSON: diffStream, chatText: "summary"}
	bus := events.NewBus(64, nil)
	g := newTestGraph(t, provider, bus)
	taskID := g.State().TaskID

	gate := quota.NewMemoryGate()
	gate.Grant(context.Background(), "alice", 1)
	r := NewRunner(session.NewMemoryStore(), gate, bus, nil)
	defer r.Stop()

	_, live, cancelSub := bus.Subscribe(taskID, 0)
	defer cancelSub()
	if err := r.Start(context.Background(), "alice", g); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, live, events.KindApprovalRequired)

	if _, err := r.Status(taskID, "mallory"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("status as non-owner: err = %v, want not owner", err)
	}
	if err := r.Resume(taskID, "mallory"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("resume as non-owner: err = %v, want not owner", err)
	}
	if _, err := r.Status("ghost-task", "alice"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("status of unknown task: err = %v, want not found", err)
	}
}

func TestRunnerRehydration(t *testing.T) {
	provider := &stubProvider{findingsText: highRiskFindings, diffJSON: diffStream, chatText: "summary"}
	bus := events.NewBus(64, nil)
	g := newTestGraph(t, provider, bus)
	taskID := g.State().TaskID

	store := session.NewMemoryStore()
	gate := quota.NewMemoryGate()
	gate.Grant(context.Background(), "alice", 1)

	r1 := NewRunner(store, gate, bus, nil)
	_, live, cancelSub := bus.Subscribe(taskID, 0)
	defer cancelSub()
	if err := r1.Start(context.Background(), "alice", g); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, live, events.KindApprovalRequired)
	r1.Stop()

	// A new runner, as after a process restart. The checkpointed state
	// must rebuild an equivalent graph.
	r2 := NewRunner(store, gate, bus, nil)
	defer r2.Stop()

	var rebuilt *GraphState
	build := func(state *GraphState) (*Graph, error) {
		rebuilt = state
		g2 := newTestGraph(t, provider, bus)
		g2.state = state
		return g2, nil
	}

	if err := r2.Rehydrate(context.Background(), taskID, "mallory", build); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("rehydrate as non-owner: err = %v, want not owner", err)
	}
	if err := r2.Rehydrate(context.Background(), taskID, "alice", build); err != nil {
		t.Fatal(err)
	}

	if rebuilt.Node != NodeHumanApproval {
		t.Errorf("rehydrated node = %s, want human_approval", rebuilt.Node)
	}
	if rebuilt.Working == nil || rebuilt.Working.ClauseID != "14.2" {
		t.Errorf("working findings lost across rehydration: %+v", rebuilt.Working)
	}
	if len(rebuilt.PendingDiffs) != 1 {
		t.Fatalf("rehydrated pending diffs = %d, want 1", len(rebuilt.PendingDiffs))
	}

	if err := r2.Approve(taskID, "alice", rebuilt.PendingDiffs[0].DiffID, DecisionApprove, ""); err != nil {
		t.Fatal(err)
	}
	if err := r2.Resume(taskID, "alice"); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, live, events.KindDone)

	balance, _ := gate.Balance(context.Background(), "alice")
	if balance != 0 {
		t.Errorf("balance = %d, want 0", balance)
	}
}

func TestRunnerCancel(t *testing.T) {
	provider := &stubProvider{findingsText: highRiskFindings, diffJSON: diffStream, chatText: "summary"}
	bus := events.NewBus(64, nil)
	g := newTestGraph(t, provider, bus)
	taskID := g.State().TaskID

	gate := quota.NewMemoryGate()
	gate.Grant(context.Background(), "alice", 1)
	store := session.NewMemoryStore()
	r := NewRunner(store, gate, bus, nil)
	defer r.Stop()

	_, live, cancelSub := bus.Subscribe(taskID, 0)
	defer cancelSub()
	if err := r.Start(context.Background(), "alice", g); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, live, events.KindApprovalRequired)

	if err := r.Cancel(taskID, "alice"); err != nil {
		t.Fatal(err)
	}
	rec, err := store.Load(context.Background(), taskID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != session.StatusFailed {
		t.Errorf("status after cancel = %s, want failed", rec.Status)
	}
	balance, _ := gate.Balance(context.Background(), "alice")
	if balance != 1 {
		t.Errorf("balance after cancel = %d, want 1", balance)
	}
}

func TestRunnerCancelAfterCompletionKeepsStatus(t *testing.T) {
	provider := &stubProvider{findingsText: "[]", chatText: "summary"}
	bus := events.NewBus(64, nil)
	g := newTestGraph(t, provider, bus)
	taskID := g.State().TaskID

	gate := quota.NewMemoryGate()
	gate.Grant(context.Background(), "alice", 1)
	store := session.NewMemoryStore()
	r := NewRunner(store, gate, bus, nil)
	defer r.Stop()

	_, live, cancelSub := bus.Subscribe(taskID, 0)
	defer cancelSub()
	if err := r.Start(context.Background(), "alice", g); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, live, events.KindDone)

	if err := r.Cancel(taskID, "alice"); err != nil {
		t.Fatal(err)
	}

	rec, err := store.Load(context.Background(), taskID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != session.StatusCompleted {
		t.Errorf("status after late cancel = %s, want completed", rec.Status)
	}
	snap, err := r.Status(taskID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != session.StatusCompleted {
		t.Errorf("snapshot status = %s, want completed", snap.Status)
	}

	select {
	case ev := <-live:
		if ev.Kind == events.KindDone {
			t.Error("second terminal event after cancelling a completed task")
		}
	case <-time.After(200 * time.Millisecond):
	}
}

// staleTrackingStore counts conditional writes lost to ErrStaleRevision.
type staleTrackingStore struct {
	session.Store
	mu    sync.Mutex
	stale int
}

func (s *staleTrackingStore) Save(ctx context.Context, rec *session.Record) error {
	err := s.Store.Save(ctx, rec)
	if errors.Is(err, session.ErrStaleRevision) {
		s.mu.Lock()
		s.stale++
		s.mu.Unlock()
	}
	return err
}

func (s *staleTrackingStore) staleSaves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

func TestRunnerCheckpointsContinueStoredRevision(t *testing.T) {
	provider := &stubProvider{findingsText: "[]", chatText: "summary"}
	bus := events.NewBus(64, nil)
	g := newTestGraph(t, provider, bus)
	taskID := g.State().TaskID

	inner := session.NewMemoryStore()
	// The facade persists the created record before the runner ever sees
	// the task.
	if err := inner.Save(context.Background(), &session.Record{
		TaskID:   taskID,
		UserID:   "alice",
		DomainID: "construction",
		Status:   session.StatusCreated,
		Revision: 1,
	}); err != nil {
		t.Fatal(err)
	}
	store := &staleTrackingStore{Store: inner}

	gate := quota.NewMemoryGate()
	gate.Grant(context.Background(), "alice", 1)
	r := NewRunner(store, gate, bus, nil)
	defer r.Stop()

	_, live, cancelSub := bus.Subscribe(taskID, 0)
	defer cancelSub()
	if err := r.Start(context.Background(), "alice", g); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, live, events.KindDone)

	if n := store.staleSaves(); n != 0 {
		t.Errorf("%d checkpoints lost to stale revisions", n)
	}
	rec, err := inner.Load(context.Background(), taskID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Revision <= 1 {
		t.Errorf("revision = %d, want past the pre-run record", rec.Revision)
	}
	if rec.Status != session.StatusCompleted {
		t.Errorf("status = %s, want completed", rec.Status)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	st := NewGraphState("task-rt", testPlugin(), "en")
	st.Node = NodeHumanApproval
	st.CurrentClauseIndex = 0
	st.PendingDiffs = []DocumentDiff{{DiffID: "d1", ClauseID: "14.2", Action: ActionReplace, OriginalText: "a", ProposedText: "b", Status: DiffPending}}
	st.UserDecisions = map[string]string{"d1": DecisionApprove}
	st.Working = &ClauseFindings{ClauseID: "14.2"}
	st.RegenRounds = 1

	payload, err := session.EncodeState(st)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := session.DecodeState(payload)
	if err != nil {
		t.Fatal(err)
	}

	var got GraphState
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got.Node != NodeHumanApproval || got.RegenRounds != 1 {
		t.Errorf("node/rounds = %s/%d", got.Node, got.RegenRounds)
	}
	if got.Working == nil || got.Working.ClauseID != "14.2" {
		t.Errorf("working = %+v", got.Working)
	}
	if got.UserDecisions["d1"] != DecisionApprove {
		t.Errorf("decisions = %v", got.UserDecisions)
	}
	if len(got.PendingDiffs) != 1 || got.PendingDiffs[0].DiffID != "d1" {
		t.Errorf("pending diffs = %+v", got.PendingDiffs)
	}
}
