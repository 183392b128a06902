// Package session persists task review state: one SessionRecord per task,
// holding metadata plus the latest graph checkpoint as opaque JSON.
//
// Writers from different processes may race; a conditional write keyed on
// a monotonically increasing revision resolves the race in favor of the
// newer checkpoint. Persistence failures never block the review: callers
// log and continue on in-memory state.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound reports an unknown task id.
var ErrNotFound = errors.New("session not found")

// ErrStaleRevision reports a conditional write losing to a newer revision.
var ErrStaleRevision = errors.New("session revision is stale")

// Task status values. Transitions follow
// created → ready → reviewing ↔ awaiting_approval → completed | failed.
const (
	StatusCreated          = "created"
	StatusReady            = "ready"
	StatusReviewing        = "reviewing"
	StatusAwaitingApproval = "awaiting_approval"
	StatusCompleted        = "completed"
	StatusFailed           = "failed"
)

// Terminal reports whether a status admits no further transitions.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// ValidTransition reports whether the status DAG permits from → to.
func ValidTransition(from, to string) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusCreated:
		return to == StatusReady || to == StatusFailed
	case StatusReady:
		return to == StatusReviewing || to == StatusFailed
	case StatusReviewing:
		return to == StatusAwaitingApproval || to == StatusCompleted || to == StatusFailed
	case StatusAwaitingApproval:
		return to == StatusReviewing || to == StatusFailed
	default:
		return false
	}
}

// Record is the persisted form of a task.
type Record struct {
	TaskID     string          `json:"task_id"`
	UserID     string          `json:"user_id"`
	DomainID   string          `json:"domain_id"`
	Status     string          `json:"status"`
	IsComplete bool            `json:"is_complete"`
	Error      string          `json:"error,omitempty"`
	GraphState json.RawMessage `json:"graph_state,omitempty"`
	LastAccess time.Time       `json:"last_access"`
	Revision   int64           `json:"revision"`
}

// Store is the session persistence contract.
type Store interface {
	// Save writes the record conditionally: it succeeds only when the
	// record's revision is greater than the stored one (or the task is
	// new). The graph state must already have passed the size guard.
	Save(ctx context.Context, rec *Record) error

	// Load returns the record or ErrNotFound.
	Load(ctx context.Context, taskID string) (*Record, error)

	// UpdateStatus changes status and error without touching the graph
	// state or revision.
	UpdateStatus(ctx context.Context, taskID, status, errMsg string) error

	// ListActive returns every record in a non-terminal status, for
	// startup recovery.
	ListActive(ctx context.Context) ([]*Record, error)

	// Delete removes the record. Deleting an unknown task is not an error.
	Delete(ctx context.Context, taskID string) error

	Close() error
}
