package mealie

import (
	"context"
	"strings"
	"sync"
)

// API is the slice of the shopping list HTTP surface the sync engine needs.
type API interface {
	GetList(ctx context.Context, listID string) (List, error)
	Items(ctx context.Context, listID string, includeChecked bool) ([]Item, error)
	Labels(ctx context.Context) ([]Label, error)
	CreateItems(ctx context.Context, items []Item) ([]Item, error)
	UpdateItems(ctx context.Context, items []Item) error
	DeleteItems(ctx context.Context, ids []string) error
}

// Store is a read-through cache over the canonical system, scoped to one
// reconciliation pass. Every getter returns owned copies so a handler can
// never mutate the cache through an alias; mutation happens only through the
// bulk calls, which invalidate the affected list.
type Store struct {
	api API

	mu     sync.Mutex
	items  map[string][]Item
	labels []Label
}

func NewStore(api API) *Store {
	return &Store{
		api:   api,
		items: map[string][]Item{},
	}
}

func (s *Store) GetList(ctx context.Context, listID string) (List, error) {
	return s.api.GetList(ctx, listID)
}

// AllItems returns every item of the list, lazily populating the cache with
// both open and checked items on first access.
func (s *Store) AllItems(ctx context.Context, listID string, includeChecked bool) ([]Item, error) {
	cached, err := s.cachedItems(ctx, listID)
	if err != nil {
		return nil, err
	}
	out := make([]Item, 0, len(cached))
	for _, item := range cached {
		if !includeChecked && item.Checked {
			continue
		}
		out = append(out, cloneItem(item))
	}
	return out, nil
}

// ItemByExtra scans the cached list for an item whose correlation field
// matches. Lists are small and the scan happens once per pass after the
// cache is warm, so a linear scan is fine.
func (s *Store) ItemByExtra(ctx context.Context, listID, key, value string) (*Item, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	cached, err := s.cachedItems(ctx, listID)
	if err != nil {
		return nil, err
	}
	for _, item := range cached {
		if item.Extras.Field(key) == value {
			clone := cloneItem(item)
			return &clone, nil
		}
	}
	return nil, nil
}

func (s *Store) Labels(ctx context.Context) ([]Label, error) {
	s.mu.Lock()
	cached := s.labels
	s.mu.Unlock()
	if cached == nil {
		fetched, err := s.api.Labels(ctx)
		if err != nil {
			return nil, err
		}
		if fetched == nil {
			fetched = []Label{}
		}
		s.mu.Lock()
		s.labels = fetched
		cached = fetched
		s.mu.Unlock()
	}
	return append([]Label(nil), cached...), nil
}

// LabelByName matches case-insensitively; returns nil when unknown.
func (s *Store) LabelByName(ctx context.Context, name string) (*Label, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	labels, err := s.Labels(ctx)
	if err != nil {
		return nil, err
	}
	for _, label := range labels {
		if strings.EqualFold(label.Name, name) {
			clone := label
			return &clone, nil
		}
	}
	return nil, nil
}

func (s *Store) CreateItems(ctx context.Context, items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, nil
	}
	created, err := s.api.CreateItems(ctx, cloneItems(items))
	if err != nil {
		return nil, err
	}
	s.invalidateLists(items)
	s.invalidateLists(created)
	return created, nil
}

func (s *Store) UpdateItems(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	if err := s.api.UpdateItems(ctx, cloneItems(items)); err != nil {
		return err
	}
	s.invalidateLists(items)
	return nil
}

func (s *Store) DeleteItems(ctx context.Context, listID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.api.DeleteItems(ctx, ids); err != nil {
		return err
	}
	s.Invalidate(listID)
	return nil
}

// BulkHandle applies the three reconciliation buckets, one bulk call per
// bucket. A failed bucket aborts the remaining buckets; the next pass
// re-diffs and retries implicitly.
func (s *Store) BulkHandle(ctx context.Context, listID string, create, update []Item, deleteIDs []string) error {
	if _, err := s.CreateItems(ctx, create); err != nil {
		return err
	}
	if err := s.UpdateItems(ctx, update); err != nil {
		return err
	}
	return s.DeleteItems(ctx, listID, deleteIDs)
}

func (s *Store) Invalidate(listID string) {
	s.mu.Lock()
	delete(s.items, listID)
	s.mu.Unlock()
}

func (s *Store) cachedItems(ctx context.Context, listID string) ([]Item, error) {
	s.mu.Lock()
	cached, ok := s.items[listID]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}
	fetched, err := s.api.Items(ctx, listID, true)
	if err != nil {
		return nil, err
	}
	if fetched == nil {
		fetched = []Item{}
	}
	s.mu.Lock()
	s.items[listID] = fetched
	s.mu.Unlock()
	return fetched, nil
}

func (s *Store) invalidateLists(items []Item) {
	s.mu.Lock()
	for _, item := range items {
		delete(s.items, item.ListID)
	}
	s.mu.Unlock()
}

func cloneItem(item Item) Item {
	return item
}

func cloneItems(items []Item) []Item {
	out := make([]Item, len(items))
	copy(out, items)
	return out
}
