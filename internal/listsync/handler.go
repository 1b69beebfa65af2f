package listsync

import (
	"context"

	"github.com/pantrylabs/listsync/internal/alexa"
	"github.com/pantrylabs/listsync/internal/mealie"
	"github.com/pantrylabs/listsync/internal/todoist"
)

// SyncHandler is the per-system contract the dispatcher iterates over. Each
// handler recognizes its own inbound events, pushes its system's changes
// into the canonical system, and pulls canonical state back out.
type SyncHandler interface {
	Source() Source
	// CanHandle reports whether the inbound event belongs to this handler's
	// system.
	CanHandle(event SyncEvent) bool
	// CanService reports whether the list map carries this handler's
	// external id.
	CanService(m ListSyncMap) bool
	// MatchesEvent reports whether the map's external id matches the
	// external list/project referenced by the event.
	MatchesEvent(event SyncEvent, m ListSyncMap) bool
	// SuppressFollowUp reports whether a push by this handler should
	// suppress the canonical system's own follow-up notification.
	SuppressFollowUp() bool
	PushToCanonical(ctx context.Context, event SyncEvent, m ListSyncMap) error
	PullFromCanonical(ctx context.Context, event SyncEvent, m ListSyncMap) error
}

// CanonicalStore is the cached canonical-system surface handlers reconcile
// against; *mealie.Store implements it.
type CanonicalStore interface {
	AllItems(ctx context.Context, listID string, includeChecked bool) ([]mealie.Item, error)
	ItemByExtra(ctx context.Context, listID, key, value string) (*mealie.Item, error)
	Labels(ctx context.Context) ([]mealie.Label, error)
	LabelByName(ctx context.Context, name string) (*mealie.Label, error)
	CreateItems(ctx context.Context, items []mealie.Item) ([]mealie.Item, error)
	UpdateItems(ctx context.Context, items []mealie.Item) error
	BulkHandle(ctx context.Context, listID string, create, update []mealie.Item, deleteIDs []string) error
	Invalidate(listID string)
}

// AlexaAPI is the Alexa list surface; *alexa.Client implements it.
type AlexaAPI interface {
	Items(ctx context.Context, listID string) ([]alexa.Item, error)
	Item(ctx context.Context, listID, itemID string) (alexa.Item, error)
	CreateItems(ctx context.Context, listID string, values []string) ([]alexa.Item, error)
	UpdateItem(ctx context.Context, listID, itemID, value string, version int) (alexa.Item, error)
	CompleteItem(ctx context.Context, listID, itemID string) error
}

// TodoistAPI is the Todoist REST surface; *todoist.Client implements it.
type TodoistAPI interface {
	Tasks(ctx context.Context, projectID string) ([]todoist.Task, error)
	Sections(ctx context.Context, projectID string) ([]todoist.Section, error)
	CreateTask(ctx context.Context, req todoist.CreateTaskRequest) (todoist.Task, error)
	UpdateTask(ctx context.Context, taskID string, req todoist.UpdateTaskRequest) (todoist.Task, error)
	CloseTask(ctx context.Context, taskID string) error
}
