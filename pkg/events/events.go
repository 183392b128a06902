// Package events is the per-task SSE event bus: a bounded ring buffer per
// task with strictly monotonic sequence numbers, live subscriber fanout,
// and replay for reconnecting clients.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/redlineai/redline/pkg/observability"
)

// Event kinds, in emission vocabulary order.
const (
	KindReviewStarted         = "review_started"
	KindReviewProgress        = "review_progress"
	KindToolCall              = "tool_call"
	KindToolResult            = "tool_result"
	KindMessageDelta          = "message_delta"
	KindDiffProposed          = "diff_proposed"
	KindApprovalRequired      = "approval_required"
	KindDocUpdate             = "doc_update"
	KindReviewCompleted       = "review_completed"
	KindRegenerationExhausted = "regeneration_exhausted"
	KindStreamReconciled      = "stream_reconciled"
	KindError                 = "error"
	KindDone                  = "done"
)

// Event is one bus message. Seq is assigned at publish and is strictly
// monotonic per task.
type Event struct {
	TaskID string         `json:"task_id"`
	Seq    uint64         `json:"seq"`
	Kind   string         `json:"-"`
	Data   map[string]any `json:"-"`
	Time   time.Time      `json:"-"`
}

// MarshalJSON flattens Data into the top-level object alongside task_id
// and seq, matching the wire shape clients consume.
func (e Event) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(e.Data)+2)
	for k, v := range e.Data {
		obj[k] = v
	}
	obj["task_id"] = e.TaskID
	obj["seq"] = e.Seq
	return json.Marshal(obj)
}

const defaultBufferSize = 256

// Bus manages one topic (ring buffer plus subscribers) per task.
type Bus struct {
	mu      sync.Mutex
	topics  map[string]*topic
	size    int
	metrics *observability.Metrics
}

type topic struct {
	mu      sync.Mutex
	seq     uint64
	ring    []Event // oldest first, len <= size
	size    int
	subs    map[int]chan Event
	nextSub int
}

func NewBus(bufferSize int, metrics *observability.Metrics) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus{
		topics:  make(map[string]*topic),
		size:    bufferSize,
		metrics: metrics,
	}
}

func (b *Bus) topicFor(taskID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[taskID]
	if !ok {
		t = &topic{size: b.size, subs: make(map[int]chan Event)}
		b.topics[taskID] = t
	}
	return t
}

// Publish assigns the next sequence number, appends to the ring (evicting
// the oldest event when full), and fans out to live subscribers. A slow
// subscriber loses the event from its live channel but can recover it by
// replay while it remains in the ring.
func (b *Bus) Publish(taskID, kind string, data map[string]any) Event {
	t := b.topicFor(taskID)

	t.mu.Lock()
	t.seq++
	ev := Event{
		TaskID: taskID,
		Seq:    t.seq,
		Kind:   kind,
		Data:   data,
		Time:   time.Now(),
	}
	if len(t.ring) == t.size {
		copy(t.ring, t.ring[1:])
		t.ring[len(t.ring)-1] = ev
	} else {
		t.ring = append(t.ring, ev)
	}

	dropped := 0
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	t.mu.Unlock()

	if dropped > 0 {
		b.metrics.RecordDroppedEvents("slow_consumer", dropped)
	}
	return ev
}

// Subscribe returns buffered events with Seq > lastSeq followed by a live
// channel. The replay slice and the channel together never duplicate and
// never reorder: both are produced under the topic lock.
func (b *Bus) Subscribe(taskID string, lastSeq uint64) (replay []Event, live <-chan Event, cancel func()) {
	t := b.topicFor(taskID)

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ev := range t.ring {
		if ev.Seq > lastSeq {
			replay = append(replay, ev)
		}
	}

	ch := make(chan Event, t.size)
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch

	cancel = func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
	}
	return replay, ch, cancel
}

// Drop discards a task's topic, closing all live subscriptions. Called
// when a task is garbage-collected.
func (b *Bus) Drop(taskID string) {
	b.mu.Lock()
	t, ok := b.topics[taskID]
	delete(b.topics, taskID)
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
}

// LastSeq returns the highest sequence number published for a task.
func (b *Bus) LastSeq(taskID string) uint64 {
	b.mu.Lock()
	t, ok := b.topics[taskID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq
}
