package quota

import (
	"context"
	"sync"
	"time"
)

// LedgerEntry records one debit.
type LedgerEntry struct {
	UserID string
	TaskID string
	Time   time.Time
}

// MemoryGate keeps balances in process memory. Tests and single-node
// deployments.
type MemoryGate struct {
	mu       sync.Mutex
	balances map[string]int64
	ledger   []LedgerEntry
}

func NewMemoryGate() *MemoryGate {
	return &MemoryGate{balances: make(map[string]int64)}
}

func (g *MemoryGate) Check(ctx context.Context, userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.balances[userID] <= 0 {
		return ErrQuotaExhausted
	}
	return nil
}

func (g *MemoryGate) Deduct(ctx context.Context, userID, taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balances[userID]--
	g.ledger = append(g.ledger, LedgerEntry{UserID: userID, TaskID: taskID, Time: time.Now()})
	return nil
}

func (g *MemoryGate) Balance(ctx context.Context, userID string) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balances[userID], nil
}

func (g *MemoryGate) Grant(ctx context.Context, userID string, credits int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balances[userID] += credits
	return nil
}

// Ledger returns a copy of the debit history.
func (g *MemoryGate) Ledger() []LedgerEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]LedgerEntry, len(g.ledger))
	copy(out, g.ledger)
	return out
}

func (g *MemoryGate) Close() error { return nil }
