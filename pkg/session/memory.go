package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory. Used by tests and by
// deployments without a database.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Save(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.TaskID]; ok && rec.Revision <= existing.Revision {
		return ErrStaleRevision
	}
	stored := *rec
	stored.LastAccess = time.Now()
	s.records[rec.TaskID] = &stored
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, taskID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *rec
	return &out, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, taskID, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[taskID]
	if !ok {
		return ErrNotFound
	}
	if !ValidTransition(rec.Status, status) {
		return fmt.Errorf("invalid status transition %s to %s", rec.Status, status)
	}
	rec.Status = status
	rec.Error = errMsg
	rec.IsComplete = Terminal(status)
	rec.LastAccess = time.Now()
	return nil
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, rec := range s.records {
		if Terminal(rec.Status) {
			continue
		}
		copied := *rec
		out = append(out, &copied)
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, taskID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
