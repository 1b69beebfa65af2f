package listsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// MapSource resolves the configured list maps for one user. Maps are static
// for the duration of a sync pass.
type MapSource interface {
	MapsForUser(username string) []ListSyncMap
}

// FollowUp identifies the canonical follow-up notification a sync pass is
// expected to trigger: the origin of the pass and the canonical list it
// wrote to. The zero value means the pass triggers no follow-up.
type FollowUp struct {
	Source Source
	ListID string
}

// Dispatcher routes one inbound event to exactly one handler (external
// origin) or fans a canonical-origin event out to every linked handler. The
// returned FollowUp, when non-zero, is the loop-suppression tag: the caller
// may skip the canonical-origin follow-up event this pass just produced on
// that list.
type Dispatcher struct {
	handlers []SyncHandler
	maps     MapSource
	log      zerolog.Logger
}

func NewDispatcher(maps MapSource, log zerolog.Logger, handlers ...SyncHandler) *Dispatcher {
	return &Dispatcher{
		handlers: handlers,
		maps:     maps,
		log:      log,
	}
}

func (d *Dispatcher) Handle(ctx context.Context, event SyncEvent) (FollowUp, error) {
	if !event.Source.Valid() {
		return FollowUp{}, fmt.Errorf("%w: unknown event source %q", ErrInvalidInput, event.Source)
	}
	if event.Username == "" {
		return FollowUp{}, fmt.Errorf("%w: event %s has no username", ErrInvalidInput, event.EventID)
	}
	if event.Source == SourceMealie {
		return d.handleCanonical(ctx, event)
	}
	return d.handleExternal(ctx, event)
}

func (d *Dispatcher) handleCanonical(ctx context.Context, event SyncEvent) (FollowUp, error) {
	if event.ListID == "" {
		return FollowUp{}, fmt.Errorf("%w: canonical event %s carries no list id", ErrInvalidInput, event.EventID)
	}
	var match *ListSyncMap
	for _, m := range d.maps.MapsForUser(event.Username) {
		if m.CanonicalListID == event.ListID {
			found := m
			match = &found
			break
		}
	}
	if match == nil {
		return FollowUp{}, nil
	}

	var errs []error
	for _, handler := range d.handlers {
		if !handler.CanService(*match) {
			continue
		}
		if err := handler.PullFromCanonical(ctx, event, *match); err != nil {
			d.log.Error().Err(err).
				Str("user", event.Username).
				Str("event", event.EventID).
				Str("handler", string(handler.Source())).
				Msg("pull from canonical failed")
			errs = append(errs, fmt.Errorf("%s pull: %w", handler.Source(), err))
		}
	}
	// The canonical tag is returned even on partial failure: the burst of
	// canonical notifications this pass reacted to is still the same burst.
	return FollowUp{Source: SourceMealie, ListID: event.ListID}, errors.Join(errs...)
}

func (d *Dispatcher) handleExternal(ctx context.Context, event SyncEvent) (FollowUp, error) {
	var handler SyncHandler
	for _, h := range d.handlers {
		if h.CanHandle(event) {
			handler = h
			break
		}
	}
	if handler == nil {
		return FollowUp{}, fmt.Errorf("%w: no handler accepts event %s from %s", ErrInvalidInput, event.EventID, event.Source)
	}

	var match *ListSyncMap
	for _, m := range d.maps.MapsForUser(event.Username) {
		if handler.MatchesEvent(event, m) {
			found := m
			match = &found
			break
		}
	}
	if match == nil {
		return FollowUp{}, nil
	}

	if err := handler.PushToCanonical(ctx, event, *match); err != nil {
		return FollowUp{}, fmt.Errorf("%s push: %w", handler.Source(), err)
	}
	var tag FollowUp
	if handler.SuppressFollowUp() {
		tag = FollowUp{Source: event.Source, ListID: match.CanonicalListID}
	}

	// One inbound event converges all three systems: fan the refreshed
	// canonical state out to every other linked handler.
	var errs []error
	for _, other := range d.handlers {
		if other == handler || !other.CanService(*match) {
			continue
		}
		if err := other.PullFromCanonical(ctx, event, *match); err != nil {
			d.log.Error().Err(err).
				Str("user", event.Username).
				Str("event", event.EventID).
				Str("handler", string(other.Source())).
				Msg("fan-out pull failed")
			errs = append(errs, fmt.Errorf("%s pull: %w", other.Source(), err))
		}
	}
	return tag, errors.Join(errs...)
}
