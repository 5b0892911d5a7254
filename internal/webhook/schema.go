package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const eventSchemaURL = "https://gmboard.local/schemas/calendar-event.json"

const eventSchemaDocument = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event_id", "title", "start_datetime"],
  "properties": {
    "event_id": {"type": "string", "minLength": 1},
    "title": {"type": "string"},
    "description": {"type": ["string", "null"]},
    "start_datetime": {"type": "string", "minLength": 10},
    "end_datetime": {"type": ["string", "null"]},
    "duration_minutes": {"type": ["number", "string", "null"]},
    "location": {"type": ["string", "null"]},
    "activity_type": {"type": ["string", "null"]},
    "calendar_source": {"type": ["string", "null"]},
    "last_modified": {"type": ["string", "null"]}
  }
}`

var (
	eventSchemaOnce sync.Once
	eventSchema     *jsonschema.Schema
	eventSchemaErr  error
)

func compiledEventSchema() (*jsonschema.Schema, error) {
	eventSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchemaDocument))
		if err != nil {
			eventSchemaErr = fmt.Errorf("parse event schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(eventSchemaURL, doc); err != nil {
			eventSchemaErr = fmt.Errorf("register event schema: %w", err)
			return
		}
		eventSchema, eventSchemaErr = compiler.Compile(eventSchemaURL)
	})
	return eventSchema, eventSchemaErr
}

// ValidateEvent checks a raw event against the calendar event schema.
func ValidateEvent(raw json.RawMessage) error {
	schema, err := compiledEventSchema()
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("event is not valid JSON: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("event failed schema validation: %w", err)
	}
	return nil
}
