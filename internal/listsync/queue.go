package listsync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// QueuedEvent is the unit of work between the webhook boundary and the sync
// workers. Body is the raw event JSON so a durable queue survives schema
// changes; OrderingKey routes all of one user's events through the same
// worker shard.
type QueuedEvent struct {
	Body        json.RawMessage `json:"body"`
	OrderingKey string          `json:"orderingKey"`
	DedupeKey   string          `json:"dedupeKey,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
}

type QueuedResponse struct {
	Status  string `json:"status"`
	EventID string `json:"eventId,omitempty"`
	Depth   int    `json:"depth"`
}

type EventQueue interface {
	TryEnqueue(event QueuedEvent) bool
	Enqueue(ctx context.Context, event QueuedEvent) bool
	Dequeue(ctx context.Context) (QueuedEvent, bool)
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryEventQueue struct {
	ch chan QueuedEvent
}

func NewInMemoryEventQueue(capacity int) EventQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryEventQueue{ch: make(chan QueuedEvent, capacity)}
}

func (q *inMemoryEventQueue) TryEnqueue(event QueuedEvent) bool {
	if q == nil || len(event.Body) == 0 {
		return false
	}
	select {
	case q.ch <- event:
		return true
	default:
		return false
	}
}

func (q *inMemoryEventQueue) Enqueue(ctx context.Context, event QueuedEvent) bool {
	if q == nil || len(event.Body) == 0 {
		return false
	}
	select {
	case q.ch <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryEventQueue) Dequeue(ctx context.Context) (QueuedEvent, bool) {
	if q == nil {
		return QueuedEvent{}, false
	}
	select {
	case event := <-q.ch:
		return event, true
	case <-ctx.Done():
		return QueuedEvent{}, false
	}
}

func (q *inMemoryEventQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryEventQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryEventQueue) Close() error {
	return nil
}

// fileEventQueue persists the pending events as one JSON snapshot rewritten
// on every mutation. Suited to small home-scale backlogs, not high volume.
type fileEventQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []QueuedEvent
}

type fileEventQueueState struct {
	Items []QueuedEvent `json:"items"`
}

func NewFileEventQueue(path string, capacity int) (EventQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileEventQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []QueuedEvent{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileEventQueue) TryEnqueue(event QueuedEvent) bool {
	if len(event.Body) == 0 {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, event)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileEventQueue) Enqueue(ctx context.Context, event QueuedEvent) bool {
	for {
		if q.TryEnqueue(event) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileEventQueue) Dequeue(ctx context.Context) (QueuedEvent, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]QueuedEvent{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return QueuedEvent{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return QueuedEvent{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileEventQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileEventQueue) Capacity() int {
	return q.capacity
}

func (q *fileEventQueue) Close() error {
	return nil
}

func (q *fileEventQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileEventQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]QueuedEvent(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]QueuedEvent(nil), snapshot.Items...)
	return nil
}

func (q *fileEventQueue) saveLocked() error {
	snapshot := fileEventQueueState{Items: append([]QueuedEvent(nil), q.items...)}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
