package listsync

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pantrylabs/listsync/internal/mealie"
	"github.com/pantrylabs/listsync/internal/todoist"
)

const defaultManagedLabel = "listsync"

// TodoistHandlerOptions tunes the Todoist reconciliation pass.
type TodoistHandlerOptions struct {
	// ManagedLabel marks tasks this service created. Unlinked tasks that
	// already carry it are never re-imported into the canonical list.
	ManagedLabel string
	// SectionLabels maps canonical item labels onto Todoist sections by
	// name, case-insensitively. Off by default.
	SectionLabels bool
	// DefaultSection is where unlabeled items land when SectionLabels is
	// on. Empty means the project root.
	DefaultSection string
}

// TodoistSyncHandler reconciles a Todoist project with the canonical list.
// Todoist has no version counter, so both directions are full structural
// diffs keyed on the todoistTaskId correlation.
type TodoistSyncHandler struct {
	canonical      CanonicalStore
	api            TodoistAPI
	log            zerolog.Logger
	managedLabel   string
	sectionLabels  bool
	defaultSection string
}

func NewTodoistSyncHandler(canonical CanonicalStore, api TodoistAPI, opts TodoistHandlerOptions, log zerolog.Logger) *TodoistSyncHandler {
	managedLabel := strings.TrimSpace(opts.ManagedLabel)
	if managedLabel == "" {
		managedLabel = defaultManagedLabel
	}
	return &TodoistSyncHandler{
		canonical:      canonical,
		api:            api,
		log:            log.With().Str("handler", string(SourceTodoist)).Logger(),
		managedLabel:   managedLabel,
		sectionLabels:  opts.SectionLabels,
		defaultSection: strings.TrimSpace(opts.DefaultSection),
	}
}

func (h *TodoistSyncHandler) Source() Source { return SourceTodoist }

func (h *TodoistSyncHandler) CanHandle(event SyncEvent) bool {
	return event.Source == SourceTodoist && event.Todoist != nil
}

func (h *TodoistSyncHandler) CanService(m ListSyncMap) bool {
	return m.TodoistProjectID != ""
}

func (h *TodoistSyncHandler) MatchesEvent(event SyncEvent, m ListSyncMap) bool {
	return event.Todoist != nil && m.TodoistProjectID != "" && m.TodoistProjectID == event.Todoist.ProjectID
}

func (h *TodoistSyncHandler) SuppressFollowUp() bool { return true }

// PushToCanonical re-diffs the project's active tasks against the canonical
// list. Task payloads in Todoist webhooks are unreliable, so the event only
// names the project and the whole project is reconciled.
func (h *TodoistSyncHandler) PushToCanonical(ctx context.Context, event SyncEvent, m ListSyncMap) error {
	if !h.CanService(m) {
		return fmt.Errorf("%w: no todoist project for canonical list %s", ErrUnlinked, m.CanonicalListID)
	}
	tasks, err := h.api.Tasks(ctx, m.TodoistProjectID)
	if err != nil {
		return fmt.Errorf("list tasks for project %s: %w", m.TodoistProjectID, err)
	}
	sections, labels, err := h.mappingTables(ctx, m)
	if err != nil {
		return err
	}

	var buckets itemBuckets
	activeTaskIDs := make(map[string]struct{}, len(tasks))
	for _, task := range tasks {
		if task.IsCompleted {
			continue
		}
		activeTaskIDs[task.ID] = struct{}{}
		if err := h.pushTask(ctx, m, task, sections, labels, &buckets); err != nil {
			h.log.Error().Err(err).
				Str("user", event.Username).
				Str("task", task.ID).
				Msg("skipping task")
		}
	}

	// Linked canonical items whose task no longer shows up were completed
	// or deleted in Todoist; soft-delete them.
	items, err := h.canonical.AllItems(ctx, m.CanonicalListID, false)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.Extras.TodoistTaskID == "" {
			continue
		}
		if _, ok := activeTaskIDs[item.Extras.TodoistTaskID]; ok {
			continue
		}
		buckets.update = append(buckets.update, checkAndUnlinkTodoist(item))
	}

	if err := h.canonical.BulkHandle(ctx, m.CanonicalListID, buckets.create, buckets.update, buckets.deleteIDs); err != nil {
		return fmt.Errorf("bulk apply for list %s: %w", m.CanonicalListID, err)
	}
	h.canonical.Invalidate(m.CanonicalListID)
	return nil
}

func (h *TodoistSyncHandler) pushTask(ctx context.Context, m ListSyncMap, task todoist.Task, sections []todoist.Section, labels []mealie.Label, buckets *itemBuckets) error {
	linked, err := h.canonical.ItemByExtra(ctx, m.CanonicalListID, mealie.ExtraTodoistTaskID, task.ID)
	if err != nil {
		return err
	}
	if linked == nil {
		if hasLabel(task, h.managedLabel) {
			// A managed task whose canonical item is gone; the pull pass
			// closes it.
			return nil
		}
		item := mealie.Item{
			ListID:   m.CanonicalListID,
			Note:     task.Content,
			Quantity: 1,
			LabelID:  h.labelIDForSection(task.SectionID, sections, labels),
			Extras: mealie.Correlation{
				TodoistTaskID: task.ID,
				OriginalValue: task.Content,
			},
		}
		buckets.create = append(buckets.create, item)
		return nil
	}
	if linked.Checked || linked.Note == task.Content {
		// Section-only drift is repaired by the pull pass on the Todoist
		// side, not by relabeling the canonical item.
		return nil
	}
	// Content changed in Todoist: replace the canonical item so downstream
	// systems see a delete+create, carrying the other correlations forward.
	buckets.deleteIDs = append(buckets.deleteIDs, linked.ID)
	replacement := *linked
	replacement.ID = ""
	replacement.Checked = false
	replacement.Note = task.Content
	replacement.Extras.OriginalValue = task.Content
	buckets.create = append(buckets.create, replacement)
	return nil
}

// PullFromCanonical projects the canonical list onto the Todoist project:
// closes tasks for checked items, creates tasks for unlinked open items, and
// repairs content and section drift on linked ones.
func (h *TodoistSyncHandler) PullFromCanonical(ctx context.Context, event SyncEvent, m ListSyncMap) error {
	if !h.CanService(m) {
		return fmt.Errorf("%w: no todoist project for canonical list %s", ErrUnlinked, m.CanonicalListID)
	}
	tasks, err := h.api.Tasks(ctx, m.TodoistProjectID)
	if err != nil {
		return fmt.Errorf("list tasks for project %s: %w", m.TodoistProjectID, err)
	}
	sections, labels, err := h.mappingTables(ctx, m)
	if err != nil {
		return err
	}
	taskByID := make(map[string]todoist.Task, len(tasks))
	for _, task := range tasks {
		if !task.IsCompleted {
			taskByID[task.ID] = task
		}
	}

	items, err := h.canonical.AllItems(ctx, m.CanonicalListID, true)
	if err != nil {
		return err
	}
	var writebacks []mealie.Item
	for _, item := range items {
		update, err := h.pullItem(ctx, m, item, taskByID, sections, labels)
		if err != nil {
			h.log.Error().Err(err).
				Str("user", event.Username).
				Str("item", item.ID).
				Msg("skipping item")
			continue
		}
		if update != nil {
			writebacks = append(writebacks, *update)
		}
	}
	if err := h.canonical.UpdateItems(ctx, writebacks); err != nil {
		return fmt.Errorf("write correlations back to list %s: %w", m.CanonicalListID, err)
	}
	h.canonical.Invalidate(m.CanonicalListID)
	return nil
}

func (h *TodoistSyncHandler) pullItem(ctx context.Context, m ListSyncMap, item mealie.Item, taskByID map[string]todoist.Task, sections []todoist.Section, labels []mealie.Label) (*mealie.Item, error) {
	if item.Checked {
		if item.Extras.TodoistTaskID == "" {
			return nil, nil
		}
		if err := h.api.CloseTask(ctx, item.Extras.TodoistTaskID); err != nil {
			return nil, err
		}
		unlinked := checkAndUnlinkTodoist(item)
		return &unlinked, nil
	}

	wantSection := h.sectionIDForItem(item, sections, labels)

	if item.Extras.TodoistTaskID == "" {
		task, err := h.api.CreateTask(ctx, todoist.CreateTaskRequest{
			Content:   item.Note,
			ProjectID: m.TodoistProjectID,
			SectionID: wantSection,
			Labels:    []string{h.managedLabel},
		})
		if err != nil {
			return nil, err
		}
		out := item
		out.Extras.TodoistTaskID = task.ID
		out.Extras.OriginalValue = item.Note
		return &out, nil
	}

	task, ok := taskByID[item.Extras.TodoistTaskID]
	if !ok {
		// Completed or deleted on the Todoist side; soft-delete the
		// canonical item rather than resurrecting the task.
		unlinked := checkAndUnlinkTodoist(item)
		return &unlinked, nil
	}

	if h.sectionLabels && task.SectionID != wantSection {
		// Tasks cannot move between sections through the REST API; close
		// the old one and recreate in the right place.
		if err := h.api.CloseTask(ctx, task.ID); err != nil {
			return nil, err
		}
		replacement, err := h.api.CreateTask(ctx, todoist.CreateTaskRequest{
			Content:   item.Note,
			ProjectID: m.TodoistProjectID,
			SectionID: wantSection,
			Labels:    withLabel(task.Labels, h.managedLabel),
		})
		if err != nil {
			return nil, err
		}
		out := item
		out.Extras.TodoistTaskID = replacement.ID
		out.Extras.OriginalValue = item.Note
		return &out, nil
	}

	if task.Content != item.Note || !hasLabel(task, h.managedLabel) {
		if _, err := h.api.UpdateTask(ctx, task.ID, todoist.UpdateTaskRequest{
			Content: item.Note,
			Labels:  withLabel(task.Labels, h.managedLabel),
		}); err != nil {
			return nil, err
		}
		if task.Content != item.Note {
			out := item
			out.Extras.OriginalValue = item.Note
			return &out, nil
		}
	}
	return nil, nil
}

// mappingTables loads the section and label inventories needed for the
// section mapping; both stay nil when the mapping is disabled.
func (h *TodoistSyncHandler) mappingTables(ctx context.Context, m ListSyncMap) ([]todoist.Section, []mealie.Label, error) {
	if !h.sectionLabels {
		return nil, nil, nil
	}
	sections, err := h.api.Sections(ctx, m.TodoistProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("list sections for project %s: %w", m.TodoistProjectID, err)
	}
	labels, err := h.canonical.Labels(ctx)
	if err != nil {
		return nil, nil, err
	}
	return sections, labels, nil
}

// sectionIDForItem resolves the Todoist section an item belongs in from its
// canonical label. Unlabeled items map to the default section, or the
// project root when none is configured; a label without a matching section
// also falls back to the root.
func (h *TodoistSyncHandler) sectionIDForItem(item mealie.Item, sections []todoist.Section, labels []mealie.Label) string {
	if !h.sectionLabels {
		return ""
	}
	name := h.defaultSection
	if item.LabelID != "" {
		for _, label := range labels {
			if label.ID == item.LabelID {
				name = label.Name
				break
			}
		}
	}
	if name == "" {
		return ""
	}
	for _, section := range sections {
		if strings.EqualFold(section.Name, name) {
			return section.ID
		}
	}
	return ""
}

// labelIDForSection is the inverse mapping for tasks flowing into the
// canonical list. The default section and the project root both mean no
// label.
func (h *TodoistSyncHandler) labelIDForSection(sectionID string, sections []todoist.Section, labels []mealie.Label) string {
	if !h.sectionLabels || sectionID == "" {
		return ""
	}
	var name string
	for _, section := range sections {
		if section.ID == sectionID {
			name = section.Name
			break
		}
	}
	if name == "" || strings.EqualFold(name, h.defaultSection) {
		return ""
	}
	for _, label := range labels {
		if strings.EqualFold(label.Name, name) {
			return label.ID
		}
	}
	return ""
}

func checkAndUnlinkTodoist(item mealie.Item) mealie.Item {
	item.Checked = true
	item.Extras.TodoistTaskID = ""
	return item
}

func hasLabel(task todoist.Task, name string) bool {
	for _, label := range task.Labels {
		if strings.EqualFold(label, name) {
			return true
		}
	}
	return false
}

func withLabel(labels []string, name string) []string {
	for _, label := range labels {
		if strings.EqualFold(label, name) {
			return labels
		}
	}
	out := make([]string, 0, len(labels)+1)
	out = append(out, labels...)
	return append(out, name)
}
