package mealie

import (
	"context"
	"errors"
	"strconv"
	"testing"
)

type fakeAPI struct {
	items      map[string][]Item
	labels     []Label
	itemsCalls int
	createErr  error
	updateErr  error

	created []Item
	updated []Item
	deleted []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{items: map[string][]Item{}}
}

func (f *fakeAPI) GetList(ctx context.Context, listID string) (List, error) {
	return List{ID: listID, Name: "groceries"}, nil
}

func (f *fakeAPI) Items(ctx context.Context, listID string, includeChecked bool) ([]Item, error) {
	f.itemsCalls++
	out := []Item{}
	for _, item := range f.items[listID] {
		if !includeChecked && item.Checked {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func (f *fakeAPI) Labels(ctx context.Context) ([]Label, error) {
	return f.labels, nil
}

func (f *fakeAPI) CreateItems(ctx context.Context, items []Item) ([]Item, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	out := make([]Item, len(items))
	for i, item := range items {
		item.ID = "created-" + strconv.Itoa(len(f.created)+i)
		out[i] = item
	}
	f.created = append(f.created, out...)
	for _, item := range out {
		f.items[item.ListID] = append(f.items[item.ListID], item)
	}
	return out, nil
}

func (f *fakeAPI) UpdateItems(ctx context.Context, items []Item) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updated = append(f.updated, items...)
	for _, item := range items {
		list := f.items[item.ListID]
		for i := range list {
			if list[i].ID == item.ID {
				list[i] = item
			}
		}
	}
	return nil
}

func (f *fakeAPI) DeleteItems(ctx context.Context, ids []string) error {
	f.deleted = append(f.deleted, ids...)
	for listID, list := range f.items {
		kept := list[:0]
		for _, item := range list {
			remove := false
			for _, id := range ids {
				if item.ID == id {
					remove = true
				}
			}
			if !remove {
				kept = append(kept, item)
			}
		}
		f.items[listID] = kept
	}
	return nil
}

func TestStoreCachesItemsPerList(t *testing.T) {
	api := newFakeAPI()
	api.items["L1"] = []Item{
		{ID: "i1", ListID: "L1", Note: "milk"},
		{ID: "i2", ListID: "L1", Note: "eggs", Checked: true},
	}
	store := NewStore(api)
	ctx := context.Background()

	open, err := store.AllItems(ctx, "L1", false)
	if err != nil {
		t.Fatalf("all items failed: %v", err)
	}
	if len(open) != 1 || open[0].ID != "i1" {
		t.Fatalf("expected only the open item, got %+v", open)
	}
	all, err := store.AllItems(ctx, "L1", true)
	if err != nil {
		t.Fatalf("all items failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected both items, got %d", len(all))
	}
	if api.itemsCalls != 1 {
		t.Fatalf("expected one upstream fetch, got %d", api.itemsCalls)
	}
}

func TestStoreItemByExtra(t *testing.T) {
	api := newFakeAPI()
	api.items["L1"] = []Item{
		{ID: "i1", ListID: "L1", Note: "milk", Extras: Correlation{AlexaItemID: "a1"}},
		{ID: "i2", ListID: "L1", Note: "eggs", Extras: Correlation{TodoistTaskID: "t2"}},
	}
	store := NewStore(api)
	ctx := context.Background()

	found, err := store.ItemByExtra(ctx, "L1", ExtraAlexaItemID, "a1")
	if err != nil {
		t.Fatalf("item by extra failed: %v", err)
	}
	if found == nil || found.ID != "i1" {
		t.Fatalf("expected i1, got %+v", found)
	}

	found.Note = "mutated"
	again, err := store.ItemByExtra(ctx, "L1", ExtraAlexaItemID, "a1")
	if err != nil {
		t.Fatalf("item by extra failed: %v", err)
	}
	if again.Note != "milk" {
		t.Fatalf("cache leaked a mutable alias: %+v", again)
	}

	missing, err := store.ItemByExtra(ctx, "L1", ExtraTodoistTaskID, "")
	if err != nil {
		t.Fatalf("item by extra failed: %v", err)
	}
	if missing != nil {
		t.Fatalf("empty correlation value must never match, got %+v", missing)
	}
}

func TestStoreLabelByNameCaseInsensitive(t *testing.T) {
	api := newFakeAPI()
	api.labels = []Label{{ID: "lb1", Name: "Produce"}}
	store := NewStore(api)

	label, err := store.LabelByName(context.Background(), "produce")
	if err != nil {
		t.Fatalf("label by name failed: %v", err)
	}
	if label == nil || label.ID != "lb1" {
		t.Fatalf("expected lb1, got %+v", label)
	}
	unknown, err := store.LabelByName(context.Background(), "dairy")
	if err != nil {
		t.Fatalf("label by name failed: %v", err)
	}
	if unknown != nil {
		t.Fatalf("expected nil for unknown label, got %+v", unknown)
	}
}

func TestStoreBulkHandleAppliesBucketsInOrder(t *testing.T) {
	api := newFakeAPI()
	api.items["L1"] = []Item{
		{ID: "i1", ListID: "L1", Note: "milk"},
		{ID: "i2", ListID: "L1", Note: "eggs"},
	}
	store := NewStore(api)
	ctx := context.Background()

	create := []Item{{ListID: "L1", Note: "bread"}}
	update := []Item{{ID: "i1", ListID: "L1", Note: "oat milk"}}
	if err := store.BulkHandle(ctx, "L1", create, update, []string{"i2"}); err != nil {
		t.Fatalf("bulk handle failed: %v", err)
	}
	if len(api.created) != 1 || api.created[0].Note != "bread" {
		t.Fatalf("expected bread created, got %+v", api.created)
	}
	if len(api.updated) != 1 || api.updated[0].Note != "oat milk" {
		t.Fatalf("expected i1 updated, got %+v", api.updated)
	}
	if len(api.deleted) != 1 || api.deleted[0] != "i2" {
		t.Fatalf("expected i2 deleted, got %+v", api.deleted)
	}

	items, err := store.AllItems(ctx, "L1", true)
	if err != nil {
		t.Fatalf("all items failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected refreshed cache with 2 items, got %+v", items)
	}
}

func TestStoreBulkHandleAbortsAfterFailedBucket(t *testing.T) {
	api := newFakeAPI()
	api.createErr = errors.New("boom")
	store := NewStore(api)

	err := store.BulkHandle(context.Background(), "L1",
		[]Item{{ListID: "L1", Note: "bread"}},
		[]Item{{ID: "i1", ListID: "L1", Note: "milk"}},
		[]string{"i2"})
	if err == nil {
		t.Fatalf("expected bulk handle to fail")
	}
	if len(api.updated) != 0 || len(api.deleted) != 0 {
		t.Fatalf("later buckets must not run after a failure: %+v %+v", api.updated, api.deleted)
	}
}
