package listsync

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DeadLetter captures an event that could not be synced, with enough of the
// original body to replay it after the underlying fault is fixed.
type DeadLetter struct {
	ID          string          `json:"id"`
	Body        json.RawMessage `json:"body"`
	OrderingKey string          `json:"orderingKey"`
	Reason      string          `json:"reason"`
	FailedAt    time.Time       `json:"failedAt"`
}

type suppressionRecord struct {
	Source     Source    `json:"source"`
	RecordedAt time.Time `json:"recordedAt"`
}

type sourceCounter struct {
	AcceptedTotal   uint64 `json:"acceptedTotal"`
	DedupedTotal    uint64 `json:"dedupedTotal"`
	DroppedTotal    uint64 `json:"droppedTotal"`
	SuppressedTotal uint64 `json:"suppressedTotal"`
	SyncedTotal     uint64 `json:"syncedTotal"`
	FailedTotal     uint64 `json:"failedTotal"`
}

type ingressCounters struct {
	AcceptedTotal   uint64                   `json:"acceptedTotal"`
	DedupedTotal    uint64                   `json:"dedupedTotal"`
	DroppedTotal    uint64                   `json:"droppedTotal"`
	SuppressedTotal uint64                   `json:"suppressedTotal"`
	SyncedTotal     uint64                   `json:"syncedTotal"`
	FailedTotal     uint64                   `json:"failedTotal"`
	BySource        map[string]sourceCounter `json:"bySource,omitempty"`
}

type persistedState struct {
	DeliveryIndex map[string]time.Time         `json:"deliveryIndex"`
	Suppressions  map[string]suppressionRecord `json:"suppressions"`
	Counters      ingressCounters              `json:"counters"`
	DeadLetters   map[string]DeadLetter        `json:"deadLetters"`
}

type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot *persistedState
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return cloneState(b.snapshot)
}

func (b *InMemoryStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	clone, err := cloneState(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = clone
	return nil
}

func cloneState(state *persistedState) (*persistedState, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var clone persistedState
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}
