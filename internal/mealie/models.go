package mealie

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Correlation is the handler-owned extras bag that rides on every shopping
// list item. Each sync handler reads and writes only its own fields; an empty
// field means the item is not linked to that system.
type Correlation struct {
	AlexaItemID      string `json:"alexaItemId,omitempty"`
	AlexaItemVersion string `json:"alexaItemVersion,omitempty"`
	TodoistTaskID    string `json:"todoistTaskId,omitempty"`
	OriginalValue    string `json:"originalValue,omitempty"`
}

func (c Correlation) Field(key string) string {
	switch key {
	case ExtraAlexaItemID:
		return c.AlexaItemID
	case ExtraAlexaItemVersion:
		return c.AlexaItemVersion
	case ExtraTodoistTaskID:
		return c.TodoistTaskID
	case ExtraOriginalValue:
		return c.OriginalValue
	default:
		return ""
	}
}

const (
	ExtraAlexaItemID      = "alexaItemId"
	ExtraAlexaItemVersion = "alexaItemVersion"
	ExtraTodoistTaskID    = "todoistTaskId"
	ExtraOriginalValue    = "originalValue"
)

// Item is one canonical shopping list item. The canonical system owns the ID;
// sync handlers only ever construct content and Extras.
type Item struct {
	ID       string      `json:"id,omitempty"`
	ListID   string      `json:"shoppingListId"`
	Checked  bool        `json:"checked"`
	Position int         `json:"position"`
	Note     string      `json:"note"`
	Quantity float64     `json:"quantity"`
	LabelID  string      `json:"labelId,omitempty"`
	FoodID   string      `json:"foodId,omitempty"`
	Extras   Correlation `json:"extras"`
}

type List struct {
	ID      string `json:"id"`
	GroupID string `json:"groupId,omitempty"`
	Name    string `json:"name"`
}

type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type itemPage struct {
	Items      []Item `json:"items"`
	Page       int    `json:"page"`
	PerPage    int    `json:"perPage"`
	TotalPages int    `json:"totalPages"`
}

type labelPage struct {
	Items      []Label `json:"items"`
	Page       int     `json:"page"`
	PerPage    int     `json:"perPage"`
	TotalPages int     `json:"totalPages"`
}
