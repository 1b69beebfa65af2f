package listsync

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrInvalidState    = errors.New("invalid state")
	ErrQueueFull       = errors.New("queue full")
	ErrUnlinked        = errors.New("handler cannot service list map")
	ErrTooManyRequests = errors.New("too many requests")
	ErrNotImplemented  = errors.New("not implemented")
)

// Source identifies which of the three systems an event originated in.
// SourceMealie is the canonical system; the other two are externally
// authoritative and correlated via the extras bag on each canonical item.
type Source string

const (
	SourceAlexa   Source = "alexa"
	SourceMealie  Source = "mealie"
	SourceTodoist Source = "todoist"
)

func (s Source) Valid() bool {
	switch s {
	case SourceAlexa, SourceMealie, SourceTodoist:
		return true
	}
	return false
}

type AlexaOperation string

const (
	AlexaOpCreate AlexaOperation = "create"
	AlexaOpUpdate AlexaOperation = "update"
	AlexaOpDelete AlexaOperation = "delete"
)

// AlexaEventPayload carries per-item change notifications from the Alexa
// list service.
type AlexaEventPayload struct {
	ListID    string         `json:"listId"`
	Operation AlexaOperation `json:"operation"`
	ItemIDs   []string       `json:"itemIds"`
}

// TodoistEventPayload is deliberately coarse: Todoist only tells us that
// something in a project changed, which forces full-list diffing.
type TodoistEventPayload struct {
	ProjectID string `json:"projectId"`
}

// SyncEvent is one inbound change notification. Exactly one payload field is
// populated, matching Source; mealie-origin events carry the canonical list
// id directly.
type SyncEvent struct {
	EventID   string               `json:"eventId"`
	Username  string               `json:"username"`
	Source    Source               `json:"source"`
	Timestamp time.Time            `json:"timestamp,omitempty"`
	ListID    string               `json:"listId,omitempty"`
	Alexa     *AlexaEventPayload   `json:"alexa,omitempty"`
	Todoist   *TodoistEventPayload `json:"todoist,omitempty"`
}

// ListSyncMap declares which canonical list corresponds to which external
// list/project for one user. It is configuration: the engine consumes it
// and never mutates it. A handler may act only if its id field is present.
type ListSyncMap struct {
	Username         string `json:"username" yaml:"username"`
	CanonicalListID  string `json:"canonicalListId" yaml:"canonicalListId"`
	AlexaListID      string `json:"alexaListId,omitempty" yaml:"alexaListId,omitempty"`
	TodoistProjectID string `json:"todoistProjectId,omitempty" yaml:"todoistProjectId,omitempty"`
}

func (m ListSyncMap) Empty() bool {
	return m.CanonicalListID == ""
}
