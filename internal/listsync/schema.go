package listsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// syncEventSchema validates inbound sync events before they reach the
// queue. Each source carries its own payload object, enforced with
// per-source conditionals so a malformed event is rejected at the door
// instead of dead-lettering later.
const syncEventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["eventId", "username", "source"],
  "properties": {
    "eventId": {"type": "string", "minLength": 1},
    "username": {"type": "string", "minLength": 1},
    "source": {"enum": ["alexa", "mealie", "todoist"]},
    "timestamp": {"type": "string", "format": "date-time"},
    "listId": {"type": "string"},
    "alexa": {
      "type": "object",
      "required": ["listId", "operation", "itemIds"],
      "properties": {
        "listId": {"type": "string", "minLength": 1},
        "operation": {"enum": ["create", "update", "delete"]},
        "itemIds": {
          "type": "array",
          "items": {"type": "string", "minLength": 1}
        }
      }
    },
    "todoist": {
      "type": "object",
      "required": ["projectId"],
      "properties": {
        "projectId": {"type": "string", "minLength": 1}
      }
    }
  },
  "allOf": [
    {
      "if": {"properties": {"source": {"const": "alexa"}}},
      "then": {"required": ["alexa"]}
    },
    {
      "if": {"properties": {"source": {"const": "mealie"}}},
      "then": {"required": ["listId"], "properties": {"listId": {"minLength": 1}}}
    },
    {
      "if": {"properties": {"source": {"const": "todoist"}}},
      "then": {"required": ["todoist"]}
    }
  ]
}`

var compiledEventSchema = mustCompileEventSchema()

func mustCompileEventSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(syncEventSchema))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("listsync://event.schema.json", doc); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile("listsync://event.schema.json")
	if err != nil {
		panic(err)
	}
	return schema
}

// ParseSyncEvent validates and decodes one inbound event body. Every
// failure wraps ErrInvalidInput so callers can dead-letter without
// inspecting the cause.
func ParseSyncEvent(body []byte) (SyncEvent, error) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return SyncEvent{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := compiledEventSchema.Validate(instance); err != nil {
		return SyncEvent{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var event SyncEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return SyncEvent{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return event, nil
}
