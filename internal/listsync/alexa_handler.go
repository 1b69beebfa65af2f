package listsync

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/pantrylabs/listsync/internal/alexa"
	"github.com/pantrylabs/listsync/internal/mealie"
)

// AlexaSyncHandler reconciles an Alexa shopping list with the canonical
// list. The Alexa item version counter (bumped by exactly 1 per update) is
// the only conflict signal; the stored copy in extras.alexaItemVersion only
// ever advances.
type AlexaSyncHandler struct {
	canonical CanonicalStore
	api       AlexaAPI
	log       zerolog.Logger
}

func NewAlexaSyncHandler(canonical CanonicalStore, api AlexaAPI, log zerolog.Logger) *AlexaSyncHandler {
	return &AlexaSyncHandler{
		canonical: canonical,
		api:       api,
		log:       log.With().Str("handler", string(SourceAlexa)).Logger(),
	}
}

func (h *AlexaSyncHandler) Source() Source { return SourceAlexa }

func (h *AlexaSyncHandler) CanHandle(event SyncEvent) bool {
	return event.Source == SourceAlexa && event.Alexa != nil
}

func (h *AlexaSyncHandler) CanService(m ListSyncMap) bool {
	return m.AlexaListID != ""
}

func (h *AlexaSyncHandler) MatchesEvent(event SyncEvent, m ListSyncMap) bool {
	return event.Alexa != nil && m.AlexaListID != "" && m.AlexaListID == event.Alexa.ListID
}

// SuppressFollowUp is true: pushing Alexa changes into the canonical system
// makes it emit its own change notification, which would redundantly re-run
// the pass this handler already completed.
func (h *AlexaSyncHandler) SuppressFollowUp() bool { return true }

type itemBuckets struct {
	create    []mealie.Item
	update    []mealie.Item
	deleteIDs []string
}

// PushToCanonical applies the referenced Alexa item changes to the
// canonical list. Items accumulate into create/update/delete buckets and
// each bucket is applied as one bulk call; a per-item failure skips only
// that item, a bulk failure loses the bucket until the next pass re-diffs.
func (h *AlexaSyncHandler) PushToCanonical(ctx context.Context, event SyncEvent, m ListSyncMap) error {
	if !h.CanService(m) {
		return fmt.Errorf("%w: no alexa list for canonical list %s", ErrUnlinked, m.CanonicalListID)
	}
	if event.Alexa == nil {
		return fmt.Errorf("%w: event %s carries no alexa payload", ErrInvalidInput, event.EventID)
	}

	var buckets itemBuckets
	for _, itemID := range event.Alexa.ItemIDs {
		if err := h.pushItem(ctx, event.Alexa.Operation, m, itemID, &buckets); err != nil {
			h.log.Error().Err(err).
				Str("user", event.Username).
				Str("alexaItem", itemID).
				Msg("skipping item")
		}
	}
	if err := h.canonical.BulkHandle(ctx, m.CanonicalListID, buckets.create, buckets.update, buckets.deleteIDs); err != nil {
		return fmt.Errorf("bulk apply for list %s: %w", m.CanonicalListID, err)
	}
	h.canonical.Invalidate(m.CanonicalListID)
	return nil
}

func (h *AlexaSyncHandler) pushItem(ctx context.Context, op AlexaOperation, m ListSyncMap, itemID string, buckets *itemBuckets) error {
	linked, err := h.canonical.ItemByExtra(ctx, m.CanonicalListID, mealie.ExtraAlexaItemID, itemID)
	if err != nil {
		return err
	}

	switch op {
	case AlexaOpDelete:
		if linked == nil {
			return nil
		}
		buckets.update = append(buckets.update, checkAndUnlinkAlexa(*linked))
		return nil

	case AlexaOpCreate:
		if linked != nil {
			return nil
		}
		item, err := h.api.Item(ctx, m.AlexaListID, itemID)
		if err != nil {
			if errors.Is(err, alexa.ErrNotFound) {
				return nil
			}
			return err
		}
		if !item.Active() {
			return nil
		}
		buckets.create = append(buckets.create, canonicalFromAlexa(m.CanonicalListID, item))
		return nil

	case AlexaOpUpdate:
		item, err := h.api.Item(ctx, m.AlexaListID, itemID)
		if err != nil {
			if errors.Is(err, alexa.ErrNotFound) {
				if linked != nil {
					buckets.update = append(buckets.update, checkAndUnlinkAlexa(*linked))
				}
				return nil
			}
			return err
		}
		if linked == nil {
			if item.Active() {
				buckets.create = append(buckets.create, canonicalFromAlexa(m.CanonicalListID, item))
			}
			return nil
		}
		if !item.Active() {
			buckets.update = append(buckets.update, checkAndUnlinkAlexa(*linked))
			return nil
		}
		stored := storedAlexaVersion(*linked)
		if stored >= item.Version {
			// Canonical already reflects this or a newer state.
			return nil
		}
		if linked.Note != item.Value {
			// Alexa item identity carries no structured fields the canonical
			// system understands, so a content change is a replace, not a
			// patch: the old id churns and the correlation moves to the new
			// item.
			buckets.deleteIDs = append(buckets.deleteIDs, linked.ID)
			replacement := canonicalFromAlexa(m.CanonicalListID, item)
			replacement.Extras.TodoistTaskID = linked.Extras.TodoistTaskID
			buckets.create = append(buckets.create, replacement)
			return nil
		}
		patched := *linked
		patched.Checked = false
		patched.Extras.AlexaItemVersion = strconv.Itoa(item.Version)
		buckets.update = append(buckets.update, patched)
		return nil

	default:
		return fmt.Errorf("%w: alexa operation %q", ErrInvalidInput, op)
	}
}

// PullFromCanonical projects canonical state onto the Alexa list: completes
// items whose canonical counterpart is checked or gone, pushes authoritative
// canonical content, and creates Alexa items for unlinked open canonical
// items, writing the returned ids/versions back into extras.
func (h *AlexaSyncHandler) PullFromCanonical(ctx context.Context, event SyncEvent, m ListSyncMap) error {
	if !h.CanService(m) {
		return fmt.Errorf("%w: no alexa list for canonical list %s", ErrUnlinked, m.CanonicalListID)
	}

	alexaItems, err := h.api.Items(ctx, m.AlexaListID)
	if err != nil {
		return fmt.Errorf("list alexa items for %s: %w", m.AlexaListID, err)
	}

	var writebacks []mealie.Item
	for _, item := range alexaItems {
		if !item.Active() {
			continue
		}
		update, err := h.pullItem(ctx, event, m, item)
		if err != nil {
			h.log.Error().Err(err).
				Str("user", event.Username).
				Str("alexaItem", item.ID).
				Msg("skipping item")
			continue
		}
		if update != nil {
			writebacks = append(writebacks, *update)
		}
	}

	creates, err := h.createMissingAlexaItems(ctx, m)
	if err != nil {
		h.log.Error().Err(err).Str("user", event.Username).Msg("alexa bulk create failed")
	} else {
		writebacks = append(writebacks, creates...)
	}

	if err := h.canonical.UpdateItems(ctx, writebacks); err != nil {
		return fmt.Errorf("write correlations back to list %s: %w", m.CanonicalListID, err)
	}
	h.canonical.Invalidate(m.CanonicalListID)
	return nil
}

func (h *AlexaSyncHandler) pullItem(ctx context.Context, event SyncEvent, m ListSyncMap, item alexa.Item) (*mealie.Item, error) {
	linked, err := h.canonical.ItemByExtra(ctx, m.CanonicalListID, mealie.ExtraAlexaItemID, item.ID)
	if err != nil {
		return nil, err
	}
	if linked == nil {
		if alexaItemPredatesEvent(event, item) {
			// The canonical item was deleted before this Alexa item last
			// existed unlinked, so the Alexa copy is stale.
			if err := h.api.CompleteItem(ctx, m.AlexaListID, item.ID); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
	if linked.Checked {
		if err := h.api.CompleteItem(ctx, m.AlexaListID, item.ID); err != nil {
			return nil, err
		}
		unlinked := checkAndUnlinkAlexa(*linked)
		return &unlinked, nil
	}
	if linked.Note == item.Value {
		return nil, nil
	}
	if storedAlexaVersion(*linked) < item.Version {
		// The Alexa side is ahead; push direction owns this conflict.
		return nil, nil
	}
	updated, err := h.api.UpdateItem(ctx, m.AlexaListID, item.ID, linked.Note, item.Version)
	if err != nil {
		return nil, err
	}
	out := *linked
	out.Extras.AlexaItemVersion = strconv.Itoa(updated.Version)
	out.Extras.OriginalValue = linked.Note
	return &out, nil
}

func (h *AlexaSyncHandler) createMissingAlexaItems(ctx context.Context, m ListSyncMap) ([]mealie.Item, error) {
	items, err := h.canonical.AllItems(ctx, m.CanonicalListID, false)
	if err != nil {
		return nil, err
	}
	var pending []mealie.Item
	for _, item := range items {
		if item.Extras.AlexaItemID == "" {
			pending = append(pending, item)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}
	values := make([]string, len(pending))
	for i, item := range pending {
		values[i] = item.Note
	}
	created, err := h.api.CreateItems(ctx, m.AlexaListID, values)
	if err != nil {
		return nil, err
	}
	if len(created) != len(pending) {
		return nil, fmt.Errorf("alexa created %d items for %d requests", len(created), len(pending))
	}
	for i := range pending {
		pending[i].Extras.AlexaItemID = created[i].ID
		pending[i].Extras.AlexaItemVersion = strconv.Itoa(created[i].Version)
		pending[i].Extras.OriginalValue = pending[i].Note
	}
	return pending, nil
}

func canonicalFromAlexa(listID string, item alexa.Item) mealie.Item {
	return mealie.Item{
		ListID:   listID,
		Note:     item.Value,
		Quantity: 1,
		Extras: mealie.Correlation{
			AlexaItemID:      item.ID,
			AlexaItemVersion: strconv.Itoa(item.Version),
			OriginalValue:    item.Value,
		},
	}
}

// checkAndUnlinkAlexa soft-deletes: the canonical item is checked off, never
// removed, and its Alexa correlation is cleared so pull passes stop
// recreating it.
func checkAndUnlinkAlexa(item mealie.Item) mealie.Item {
	item.Checked = true
	item.Extras.AlexaItemID = ""
	item.Extras.AlexaItemVersion = ""
	return item
}

func storedAlexaVersion(item mealie.Item) int {
	version, err := strconv.Atoi(item.Extras.AlexaItemVersion)
	if err != nil || version < 0 {
		return 0
	}
	return version
}

// alexaItemPredatesEvent is the acknowledged-imprecise heuristic for
// unlinked Alexa items: complete one only when its creation time is known
// and not after the sync event's timestamp (zoneless timestamps are read as
// UTC), meaning the canonical deletion happened after the item existed.
func alexaItemPredatesEvent(event SyncEvent, item alexa.Item) bool {
	if event.Timestamp.IsZero() {
		return false
	}
	created, ok := item.CreatedAt()
	if !ok {
		return false
	}
	return !created.After(event.Timestamp.UTC())
}
