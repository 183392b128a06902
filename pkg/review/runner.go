package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redlineai/redline/pkg/events"
	"github.com/redlineai/redline/pkg/observability"
	"github.com/redlineai/redline/pkg/quota"
	"github.com/redlineai/redline/pkg/session"
)

// ErrTaskNotFound reports a task absent from the active-graphs table.
var ErrTaskNotFound = errors.New("task not active")

// ErrNotOwner reports an access attempt by a non-owning user.
var ErrNotOwner = errors.New("task owned by another user")

// ErrNotAwaitingApproval reports approve/resume against a task that is
// not suspended.
var ErrNotAwaitingApproval = errors.New("task is not awaiting approval")

type cmdKind int

const (
	cmdRun cmdKind = iota
	cmdApprove
	cmdResume
	cmdCancel
)

type command struct {
	kind     cmdKind
	diffID   string
	decision string
	feedback string
	reply    chan error
}

// taskHandle is one entry of the active-graphs table.
type taskHandle struct {
	taskID string
	userID string
	graph  *Graph
	cmds   chan command
	done   chan struct{}
	cancel context.CancelFunc

	// Guarded by the runner mutex: the task goroutine owns the graph, so
	// queries read this snapshot instead of live state.
	lastAccess time.Time
	revision   int64
	status     string
	snap       StatusSnapshot
	pending    []DocumentDiff
}

// send delivers a command unless the handle has been evicted.
func (h *taskHandle) send(cmd command) error {
	select {
	case h.cmds <- cmd:
		return nil
	case <-h.done:
		return ErrTaskNotFound
	}
}

// Runner owns the active-graphs table: one goroutine per task consuming
// a command channel, so all per-task state mutation is serialized.
type Runner struct {
	store   session.Store
	gate    quota.Gate
	bus     *events.Bus
	metrics *observability.Metrics

	idleTimeout time.Duration

	mu    sync.Mutex
	tasks map[string]*taskHandle

	gcStop chan struct{}
	wg     sync.WaitGroup
}

type RunnerOption func(*Runner)

// WithIdleTimeout sets the idle window after which a suspended or
// finished task is evicted from the table. State stays in the session
// store and can be rehydrated.
func WithIdleTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.idleTimeout = d }
}

func NewRunner(store session.Store, gate quota.Gate, bus *events.Bus, metrics *observability.Metrics, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:       store,
		gate:        gate,
		bus:         bus,
		metrics:     metrics,
		idleTimeout: time.Hour,
		tasks:       make(map[string]*taskHandle),
		gcStop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.wg.Add(1)
	go r.gcLoop()
	return r
}

// Start registers the graph and launches its run. The quota gate is
// consulted before anything starts; exhausted users never launch.
func (r *Runner) Start(ctx context.Context, userID string, g *Graph) error {
	if err := r.gate.Check(ctx, userID); err != nil {
		if errors.Is(err, quota.ErrQuotaExhausted) {
			r.metrics.RecordQuotaDenied()
		}
		return err
	}

	taskID := g.State().TaskID

	// The facade persists a created/ready record before the run starts;
	// checkpoints must continue from its revision or the first conditional
	// write loses to ErrStaleRevision.
	var rev int64
	if rec, err := r.store.Load(ctx, taskID); err == nil {
		rev = rec.Revision
	}

	h, err := r.register(taskID, userID, g)
	if err != nil {
		return err
	}
	r.mu.Lock()
	h.revision = rev
	r.mu.Unlock()
	return h.send(command{kind: cmdRun})
}

// register inserts the handle and spawns the task goroutine.
func (r *Runner) register(taskID, userID string, g *Graph) (*taskHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[taskID]; exists {
		return nil, fmt.Errorf("task %s already active", taskID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &taskHandle{
		taskID:     taskID,
		userID:     userID,
		graph:      g,
		cmds:       make(chan command, 8),
		done:       make(chan struct{}),
		cancel:     cancel,
		lastAccess: time.Now(),
		status:     session.StatusReviewing,
	}
	h.snap = snapshotLocked(h)
	r.tasks[taskID] = h
	r.metrics.AddActiveGraphs(1)

	r.wg.Add(1)
	go r.taskLoop(ctx, h)
	return h, nil
}

func (r *Runner) taskLoop(ctx context.Context, h *taskHandle) {
	defer r.wg.Done()
	for {
		var cmd command
		select {
		case cmd = <-h.cmds:
		case <-h.done:
			return
		}
		switch cmd.kind {
		case cmdRun:
			r.drive(ctx, h)

		case cmdApprove:
			err := r.applyApproval(h, cmd)
			r.checkpoint(ctx, h)
			cmd.reply <- err

		case cmdResume:
			if r.statusOf(h) != session.StatusAwaitingApproval {
				cmd.reply <- ErrNotAwaitingApproval
				continue
			}
			if err := h.graph.State().ValidateDecisions(); err != nil {
				cmd.reply <- err
				continue
			}
			h.graph.Resume()
			cmd.reply <- nil
			r.drive(ctx, h)

		case cmdCancel:
			h.cancel()
			// A terminal task stays terminal; cancelling it again must not
			// flip the status or emit a second done event.
			if !session.Terminal(r.statusOf(h)) {
				r.finish(h, session.StatusFailed, "cancelled")
			}
			cmd.reply <- nil
		}
	}
}

func (r *Runner) applyApproval(h *taskHandle, cmd command) error {
	if r.statusOf(h) != session.StatusAwaitingApproval {
		return ErrNotAwaitingApproval
	}
	if !h.graph.State().ApplyDecision(cmd.diffID, cmd.decision, cmd.feedback) {
		return fmt.Errorf("unknown diff id or decision: %s/%s", cmd.diffID, cmd.decision)
	}
	return nil
}

func (r *Runner) statusOf(h *taskHandle) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return h.status
}

func (r *Runner) setStatus(h *taskHandle, status string) {
	r.mu.Lock()
	h.status = status
	h.snap.Status = status
	h.lastAccess = time.Now()
	r.mu.Unlock()
}

// snapshotLocked builds the query view from live graph state. Callers
// must be on the task goroutine or constructing the handle.
func snapshotLocked(h *taskHandle) StatusSnapshot {
	st := h.graph.State()
	return StatusSnapshot{
		TaskID:             h.taskID,
		Status:             h.status,
		CurrentClauseIndex: st.CurrentClauseIndex,
		TotalClauses:       len(st.Checklist),
		FindingsCount:      len(st.Findings),
		PendingDiffsCount:  len(st.PendingDiffs),
		IsComplete:         st.IsComplete,
	}
}

// drive steps the graph until it suspends, completes, or fails,
// checkpointing after every node.
func (r *Runner) drive(ctx context.Context, h *taskHandle) {
	r.setStatus(h, session.StatusReviewing)

	for {
		outcome, err := h.graph.Step(ctx)
		r.checkpoint(ctx, h)

		switch outcome {
		case OutcomeContinue:
			continue

		case OutcomeSuspend:
			r.setStatus(h, session.StatusAwaitingApproval)
			if serr := r.store.UpdateStatus(ctx, h.taskID, session.StatusAwaitingApproval, ""); serr != nil {
				slog.Warn("Status update failed", "task", h.taskID, "error", serr)
			}
			return

		case OutcomeDone:
			if derr := r.gate.Deduct(ctx, h.userID, h.taskID); derr != nil {
				// The review already completed; a billing failure is
				// logged, never propagated.
				slog.Error("Quota deduction failed after completed review",
					"task", h.taskID, "user", h.userID, "error", derr)
			}
			r.finish(h, session.StatusCompleted, "")
			return

		case OutcomeFailed:
			msg := ""
			if err != nil {
				msg = err.Error()
			}
			r.finish(h, session.StatusFailed, msg)
			return
		}
	}
}

// finish records the terminal status. It runs on a detached context so
// a cancelled task still gets its status persisted.
func (r *Runner) finish(h *taskHandle, status, errMsg string) {
	r.setStatus(h, status)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.UpdateStatus(ctx, h.taskID, status, errMsg); err != nil {
		slog.Warn("Status update failed", "task", h.taskID, "error", err)
	}
	r.bus.Publish(h.taskID, events.KindDone, map[string]any{"status": status})
}

// checkpoint persists the graph state with the next revision and
// refreshes the query snapshot. Persistence failures are logged; the
// in-memory state is authoritative while the process lives.
func (r *Runner) checkpoint(ctx context.Context, h *taskHandle) {
	st := h.graph.State()
	pending := make([]DocumentDiff, len(st.PendingDiffs))
	copy(pending, st.PendingDiffs)

	r.mu.Lock()
	h.lastAccess = time.Now()
	h.revision++
	rev := h.revision
	status := h.status
	h.snap = snapshotLocked(h)
	h.pending = pending
	r.mu.Unlock()

	payload, err := session.EncodeState(st)
	if err != nil {
		slog.Error("Checkpoint encoding failed", "task", h.taskID, "error", err)
		return
	}
	rec := &session.Record{
		TaskID:     h.taskID,
		UserID:     h.userID,
		DomainID:   st.DomainID,
		Status:     status,
		IsComplete: st.IsComplete,
		GraphState: payload,
		Revision:   rev,
	}
	if err := r.store.Save(ctx, rec); err != nil {
		slog.Warn("Checkpoint persistence failed, continuing in memory",
			"task", h.taskID, "revision", rev, "error", err)
	}
}

func (r *Runner) handle(taskID, userID string) (*taskHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if h.userID != userID {
		return nil, ErrNotOwner
	}
	return h, nil
}

// Approve records one decision for a suspended task.
func (r *Runner) Approve(taskID, userID, diffID, decision, feedback string) error {
	h, err := r.handle(taskID, userID)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	if err := h.send(command{kind: cmdApprove, diffID: diffID, decision: decision, feedback: feedback, reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// Resume attempts to leave the approval interrupt. Incomplete decisions
// fail with DecisionsIncompleteError; a valid set resumes the run
// asynchronously.
func (r *Runner) Resume(taskID, userID string) error {
	h, err := r.handle(taskID, userID)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	if err := h.send(command{kind: cmdResume, reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// Cancel stops a task. In-flight model and skill calls receive the
// cancellation; the graph transitions to failed at its next checkpoint
// boundary.
func (r *Runner) Cancel(taskID, userID string) error {
	h, err := r.handle(taskID, userID)
	if err != nil {
		return err
	}
	h.cancel()
	reply := make(chan error, 1)
	if err := h.send(command{kind: cmdCancel, reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// StatusSnapshot is the status-query view of a task.
type StatusSnapshot struct {
	TaskID             string `json:"task_id"`
	Status             string `json:"status"`
	CurrentClauseIndex int    `json:"current_clause_index"`
	TotalClauses       int    `json:"total_clauses"`
	FindingsCount      int    `json:"findings_count"`
	PendingDiffsCount  int    `json:"pending_diffs_count"`
	IsComplete         bool   `json:"is_complete"`
}

// Status reports the last-checkpointed snapshot for an active task.
func (r *Runner) Status(taskID, userID string) (*StatusSnapshot, error) {
	if _, err := r.handle(taskID, userID); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	snap := h.snap
	return &snap, nil
}

// PendingDiffs returns the diffs awaiting decisions, as of the last
// checkpoint.
func (r *Runner) PendingDiffs(taskID, userID string) ([]DocumentDiff, error) {
	if _, err := r.handle(taskID, userID); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	out := make([]DocumentDiff, len(h.pending))
	copy(out, h.pending)
	return out, nil
}

// Active reports whether the task is resident in the table.
func (r *Runner) Active(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[taskID]
	return ok
}

// GraphBuilder rebuilds a graph around rehydrated state; the caller owns
// reconstructing the document context and agent wiring.
type GraphBuilder func(state *GraphState) (*Graph, error)

// Rehydrate reloads a task from the session store and re-registers it in
// the active-graphs table. Terminal sessions are refused.
func (r *Runner) Rehydrate(ctx context.Context, taskID, userID string, build GraphBuilder) error {
	if r.Active(taskID) {
		return nil
	}

	rec, err := r.store.Load(ctx, taskID)
	if err != nil {
		return err
	}
	if rec.UserID != userID {
		return ErrNotOwner
	}
	if session.Terminal(rec.Status) {
		return fmt.Errorf("task %s is %s; nothing to rehydrate", taskID, rec.Status)
	}

	raw, err := session.DecodeState(rec.GraphState)
	if err != nil {
		return err
	}
	var state GraphState
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("rehydrate %s: corrupt graph state: %w", taskID, err)
	}

	g, err := build(&state)
	if err != nil {
		return err
	}
	h, err := r.register(taskID, userID, g)
	if err != nil {
		return err
	}
	r.mu.Lock()
	h.revision = rec.Revision
	h.status = rec.Status
	h.snap = snapshotLocked(h)
	h.pending = append([]DocumentDiff(nil), state.PendingDiffs...)
	r.mu.Unlock()
	if rec.Status == session.StatusReviewing {
		// The process died mid-run; pick the graph back up.
		return h.send(command{kind: cmdRun})
	}
	return nil
}

// gcLoop evicts idle tasks from the table. Their state remains in the
// session store.
func (r *Runner) gcLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-r.gcStop:
			return
		case <-ticker.C:
			r.evictIdle()
		}
	}
}

func (r *Runner) evictIdle() {
	cutoff := time.Now().Add(-r.idleTimeout)

	type evicted struct {
		h      *taskHandle
		status string
	}

	r.mu.Lock()
	var evict []evicted
	for id, h := range r.tasks {
		// Running tasks are never evicted mid-node; idle means suspended
		// or terminal with no recent access.
		if h.lastAccess.Before(cutoff) && h.status != session.StatusReviewing {
			evict = append(evict, evicted{h: h, status: h.status})
			delete(r.tasks, id)
		}
	}
	r.mu.Unlock()

	for _, e := range evict {
		slog.Info("Evicting idle task from active-graphs table",
			"task", e.h.taskID, "status", e.status)
		e.h.cancel()
		close(e.h.done)
		r.bus.Drop(e.h.taskID)
		r.metrics.AddActiveGraphs(-1)
	}
}

// Stop shuts the runner down: cancels every task and waits for the
// goroutines to drain.
func (r *Runner) Stop() {
	close(r.gcStop)

	r.mu.Lock()
	handles := make([]*taskHandle, 0, len(r.tasks))
	for id, h := range r.tasks {
		handles = append(handles, h)
		delete(r.tasks, id)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.cancel()
		close(h.done)
		r.metrics.AddActiveGraphs(-1)
	}
	r.wg.Wait()
}
