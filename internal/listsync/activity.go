package listsync

import (
	"sync"
	"time"
)

// Activity is one processed-event record for the live feed.
type Activity struct {
	Time     time.Time `json:"time"`
	Username string    `json:"username"`
	Source   Source    `json:"source"`
	EventID  string    `json:"eventId"`
	Outcome  string    `json:"outcome"`
	Detail   string    `json:"detail,omitempty"`
}

const (
	OutcomeSynced     = "synced"
	OutcomeSuppressed = "suppressed"
	OutcomeFailed     = "failed"
	OutcomeRejected   = "rejected"
)

// ActivityBroadcaster fans processed-event records out to live
// subscribers. Slow subscribers lose records rather than stalling the sync
// workers.
type ActivityBroadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Activity
}

func NewActivityBroadcaster() *ActivityBroadcaster {
	return &ActivityBroadcaster{subs: make(map[int]chan Activity)}
}

func (b *ActivityBroadcaster) Subscribe() (<-chan Activity, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Activity, 64)
	b.subs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (b *ActivityBroadcaster) Publish(activity Activity) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub <- activity:
		default:
		}
	}
}
