package listsync

import (
	"context"
	"fmt"
	"strings"

	"github.com/pantrylabs/listsync/internal/alexa"
	"github.com/pantrylabs/listsync/internal/mealie"
	"github.com/pantrylabs/listsync/internal/todoist"
)

type staticMaps []ListSyncMap

func (m staticMaps) MapsForUser(username string) []ListSyncMap {
	var out []ListSyncMap
	for _, entry := range m {
		if entry.Username == username {
			out = append(out, entry)
		}
	}
	return out
}

// fakeCanonical is an in-memory CanonicalStore tracking every write so
// tests can assert idempotence as "no writes on the second pass".
type fakeCanonical struct {
	items  map[string][]mealie.Item
	labels []mealie.Label
	nextID int

	createCalls int
	updateCalls int
	deleteCalls int
}

func newFakeCanonical() *fakeCanonical {
	return &fakeCanonical{items: map[string][]mealie.Item{}}
}

func (f *fakeCanonical) writes() int {
	return f.createCalls + f.updateCalls + f.deleteCalls
}

func (f *fakeCanonical) AllItems(ctx context.Context, listID string, includeChecked bool) ([]mealie.Item, error) {
	out := []mealie.Item{}
	for _, item := range f.items[listID] {
		if !includeChecked && item.Checked {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func (f *fakeCanonical) ItemByExtra(ctx context.Context, listID, key, value string) (*mealie.Item, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	for _, item := range f.items[listID] {
		if item.Extras.Field(key) == value {
			clone := item
			return &clone, nil
		}
	}
	return nil, nil
}

func (f *fakeCanonical) Labels(ctx context.Context) ([]mealie.Label, error) {
	return append([]mealie.Label(nil), f.labels...), nil
}

func (f *fakeCanonical) LabelByName(ctx context.Context, name string) (*mealie.Label, error) {
	for _, label := range f.labels {
		if strings.EqualFold(label.Name, name) {
			clone := label
			return &clone, nil
		}
	}
	return nil, nil
}

func (f *fakeCanonical) CreateItems(ctx context.Context, items []mealie.Item) ([]mealie.Item, error) {
	if len(items) == 0 {
		return nil, nil
	}
	f.createCalls++
	out := make([]mealie.Item, len(items))
	for i, item := range items {
		f.nextID++
		item.ID = fmt.Sprintf("c%d", f.nextID)
		f.items[item.ListID] = append(f.items[item.ListID], item)
		out[i] = item
	}
	return out, nil
}

func (f *fakeCanonical) UpdateItems(ctx context.Context, items []mealie.Item) error {
	if len(items) == 0 {
		return nil
	}
	f.updateCalls++
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

func (f *fakeCanonical) deleteByID(listID string, ids []string) {
	list := f.items[listID]
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
	f.items[listID] = append([]mealie.Item(nil), kept...)
}

func (f *fakeCanonical) BulkHandle(ctx context.Context, listID string, create, update []mealie.Item, deleteIDs []string) error {
	if _, err := f.CreateItems(ctx, create); err != nil {
		return err
	}
	if err := f.UpdateItems(ctx, update); err != nil {
		return err
	}
	if len(deleteIDs) > 0 {
		f.deleteCalls++
		f.deleteByID(listID, deleteIDs)
	}
	return nil
}

func (f *fakeCanonical) Invalidate(listID string) {}

// fakeAlexa is an in-memory AlexaAPI with write tracking.
type fakeAlexa struct {
	items  map[string][]alexa.Item
	nextID int

	completed []string
	updated   []string
	created   []string
}

func newFakeAlexa() *fakeAlexa {
	return &fakeAlexa{items: map[string][]alexa.Item{}}
}

func (f *fakeAlexa) writes() int {
	return len(f.completed) + len(f.updated) + len(f.created)
}

func (f *fakeAlexa) Items(ctx context.Context, listID string) ([]alexa.Item, error) {
	out := []alexa.Item{}
	for _, item := range f.items[listID] {
		if item.Active() {
			out = append(out, item)
		}
	}
	return out, nil
}

func (f *fakeAlexa) Item(ctx context.Context, listID, itemID string) (alexa.Item, error) {
	for _, item := range f.items[listID] {
		if item.ID == itemID {
			return item, nil
		}
	}
	return alexa.Item{}, fmt.Errorf("%w: %s", alexa.ErrNotFound, itemID)
}

func (f *fakeAlexa) CreateItems(ctx context.Context, listID string, values []string) ([]alexa.Item, error) {
	out := make([]alexa.Item, len(values))
	for i, value := range values {
		f.nextID++
		item := alexa.Item{
			ID:      fmt.Sprintf("a%d", f.nextID),
			ListID:  listID,
			Value:   value,
			Status:  alexa.StatusActive,
			Version: 1,
		}
		f.items[listID] = append(f.items[listID], item)
		f.created = append(f.created, item.ID)
		out[i] = item
	}
	return out, nil
}

func (f *fakeAlexa) UpdateItem(ctx context.Context, listID, itemID, value string, version int) (alexa.Item, error) {
	for i, item := range f.items[listID] {
		if item.ID == itemID {
			item.Value = value
			item.Version = version + 1
			f.items[listID][i] = item
			f.updated = append(f.updated, itemID)
			return item, nil
		}
	}
	return alexa.Item{}, fmt.Errorf("%w: %s", alexa.ErrNotFound, itemID)
}

func (f *fakeAlexa) CompleteItem(ctx context.Context, listID, itemID string) error {
	for i, item := range f.items[listID] {
		if item.ID == itemID {
			item.Status = alexa.StatusCompleted
			item.Version++
			f.items[listID][i] = item
			f.completed = append(f.completed, itemID)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", alexa.ErrNotFound, itemID)
}

// fakeTodoist is an in-memory TodoistAPI with write tracking.
type fakeTodoist struct {
	tasks    map[string][]todoist.Task
	sections map[string][]todoist.Section
	nextID   int

	created []todoist.CreateTaskRequest
	updated []string
	closed  []string
}

func newFakeTodoist() *fakeTodoist {
	return &fakeTodoist{
		tasks:    map[string][]todoist.Task{},
		sections: map[string][]todoist.Section{},
	}
}

func (f *fakeTodoist) writes() int {
	return len(f.created) + len(f.updated) + len(f.closed)
}

func (f *fakeTodoist) Tasks(ctx context.Context, projectID string) ([]todoist.Task, error) {
	out := []todoist.Task{}
	for _, task := range f.tasks[projectID] {
		if !task.IsCompleted {
			out = append(out, task)
		}
	}
	return out, nil
}

func (f *fakeTodoist) Sections(ctx context.Context, projectID string) ([]todoist.Section, error) {
	return append([]todoist.Section(nil), f.sections[projectID]...), nil
}

func (f *fakeTodoist) CreateTask(ctx context.Context, req todoist.CreateTaskRequest) (todoist.Task, error) {
	f.nextID++
	task := todoist.Task{
		ID:        fmt.Sprintf("t%d", f.nextID),
		ProjectID: req.ProjectID,
		Content:   req.Content,
		SectionID: req.SectionID,
		Labels:    append([]string(nil), req.Labels...),
	}
	f.tasks[req.ProjectID] = append(f.tasks[req.ProjectID], task)
	f.created = append(f.created, req)
	return task, nil
}

func (f *fakeTodoist) UpdateTask(ctx context.Context, taskID string, req todoist.UpdateTaskRequest) (todoist.Task, error) {
	for projectID, tasks := range f.tasks {
		for i, task := range tasks {
			if task.ID == taskID {
				if req.Content != "" {
					task.Content = req.Content
				}
				if req.Labels != nil {
					task.Labels = append([]string(nil), req.Labels...)
				}
				f.tasks[projectID][i] = task
				f.updated = append(f.updated, taskID)
				return task, nil
			}
		}
	}
	return todoist.Task{}, fmt.Errorf("task %s not found", taskID)
}

func (f *fakeTodoist) CloseTask(ctx context.Context, taskID string) error {
	for projectID, tasks := range f.tasks {
		for i, task := range tasks {
			if task.ID == taskID {
				task.IsCompleted = true
				f.tasks[projectID][i] = task
				f.closed = append(f.closed, taskID)
				return nil
			}
		}
	}
	// Closing a vanished task is not an error, matching the HTTP client.
	f.closed = append(f.closed, taskID)
	return nil
}
