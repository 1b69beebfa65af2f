package alexa

import (
	"strings"
	"time"
)

const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// Item is one entry of an Alexa shopping list. Version starts at 1 and is
// bumped by exactly 1 on every successful update; it is the only conflict
// signal this system exposes.
type Item struct {
	ID          string `json:"id"`
	ListID      string `json:"listId"`
	Value       string `json:"value"`
	Status      string `json:"status"`
	Version     int    `json:"version"`
	CreatedTime string `json:"createdTime,omitempty"`
}

func (i Item) Active() bool {
	return i.Status == StatusActive
}

var createdTimeLayouts = []string{
	time.RFC3339,
	"Mon Jan 2 15:04:05 MST 2006",
	"2006-01-02T15:04:05",
}

// CreatedAt parses the list service's creation timestamp. Timestamps without
// a zone are taken as UTC.
func (i Item) CreatedAt() (time.Time, bool) {
	raw := strings.TrimSpace(i.CreatedTime)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range createdTimeLayouts {
		if ts, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

type ListStub struct {
	ID    string `json:"listId"`
	Name  string `json:"name"`
	State string `json:"state"`
}
