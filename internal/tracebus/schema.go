package tracebus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/Carrerajorge/Hola-sub007/internal/domain"
)

const traceEventSchemaURL = "trace_event.json"

// traceEventSchema describes a well-formed trace event. The event_type enum
// is filled in from the domain enumeration when the schema is compiled.
const traceEventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["run_id", "seq", "trace_id", "span_id", "node_id", "attempt_id", "agent", "event_type", "message", "ts"],
	"properties": {
		"run_id": {"type": "string", "minLength": 1},
		"seq": {"type": "integer", "minimum": 1},
		"trace_id": {"type": "string", "minLength": 1},
		"span_id": {"type": "string", "minLength": 1},
		"parent_span_id": {"type": "string"},
		"node_id": {"type": "string", "minLength": 1},
		"attempt_id": {"type": "string", "minLength": 1},
		"agent": {"type": "string", "minLength": 1},
		"event_type": {"enum": %s},
		"phase": {"enum": ["planning", "signals", "enrichment", "verification", "export", "finalization", "completed"]},
		"message": {"type": "string"},
		"status": {"type": "string"},
		"progress": {"type": "number", "minimum": 0, "maximum": 100},
		"metrics": {"type": "object"},
		"evidence": {"type": "object"},
		"ts": {"type": "integer", "minimum": 0}
	}
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func eventSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		types := make([]string, 0, len(domain.PersistedEventTypes)+1)
		for _, t := range domain.PersistedEventTypes {
			types = append(types, string(t))
		}
		types = append(types, string(domain.EventTypeThought))
		enum, err := json.Marshal(types)
		if err != nil {
			schemaErr = err
			return
		}
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(fmt.Sprintf(traceEventSchema, enum)))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(traceEventSchemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(traceEventSchemaURL)
	})
	return compiledSchema, schemaErr
}

// ValidateEvent checks ev against the trace event schema.
func ValidateEvent(ev domain.TraceEvent) error {
	schema, err := eventSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("unmarshal event: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}
