package event

import (
	"fmt"
	"reflect"
	"regexp"
	"sync"
)

// nameRe matches dot-namespaced event names like "message.received" or
// "vts.hotkey.triggered".
var nameRe = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)+$`)

// Schema binds an event name to its payload contract.
type Schema struct {
	// Name is the dot-namespaced event name.
	Name string

	// Source is the component expected to publish this event.
	Source string

	// Version is the schema version number.
	Version int

	// Description explains the event's purpose.
	Description string

	// Payload is a zero value of the expected payload type.
	// Publish rejects payloads of any other type.
	Payload any

	// Validator is an optional custom validation function, run after the
	// type check.
	Validator func(Event) error

	// Tags enable categorization and lookup.
	Tags []string

	payloadType reflect.Type
}

// PayloadType returns the reflect.Type the schema expects, or nil if the
// schema accepts any payload.
func (s *Schema) PayloadType() reflect.Type { return s.payloadType }

// Validate checks an event against this schema.
func (s *Schema) Validate(evt Event) error {
	if evt.Name() != s.Name {
		return &ContractError{
			EventName: evt.Name(),
			Message:   fmt.Sprintf("schema mismatch: schema is for %s", s.Name),
		}
	}

	if s.payloadType != nil {
		got := reflect.TypeOf(evt.Data())
		if got != s.payloadType {
			return &ContractError{
				EventName: evt.Name(),
				Message:   fmt.Sprintf("payload type %v does not match schema type %v", got, s.payloadType),
			}
		}
	}

	if s.Validator != nil {
		if err := s.Validator(evt); err != nil {
			return &ContractError{
				EventName: evt.Name(),
				Message:   "payload validation failed",
				Err:       err,
			}
		}
	}

	return nil
}

// SchemaRegistry manages the closed set of payload contracts.
//
// There is deliberately no package-level default registry: schemas are
// registered explicitly at the composition root so that registration does
// not depend on import order.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewSchemaRegistry creates an empty schema registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*Schema)}
}

// Register adds a schema. Re-registering the same name replaces the
// previous schema.
func (r *SchemaRegistry) Register(schema *Schema) error {
	if schema.Name == "" {
		return fmt.Errorf("event name is required")
	}
	if !nameRe.MatchString(schema.Name) {
		return fmt.Errorf("event name %q is not dot-namespaced", schema.Name)
	}
	if schema.Version <= 0 {
		schema.Version = 1
	}
	if schema.Payload != nil {
		schema.payloadType = reflect.TypeOf(schema.Payload)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[schema.Name] = schema
	return nil
}

// MustRegister adds a schema, panicking on error.
func (r *SchemaRegistry) MustRegister(schema *Schema) {
	if err := r.Register(schema); err != nil {
		panic(fmt.Sprintf("register event schema: %v", err))
	}
}

// Get returns the schema for an event name.
func (r *SchemaRegistry) Get(name string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[name]
	return s, ok
}

// Has returns true if a schema exists for the event name.
func (r *SchemaRegistry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Validate checks an event against its registered schema.
// An unknown event name is a contract violation.
func (r *SchemaRegistry) Validate(evt Event) error {
	r.mu.RLock()
	schema, ok := r.schemas[evt.Name()]
	r.mu.RUnlock()

	if !ok {
		return &ContractError{
			EventName: evt.Name(),
			Message:   "unknown event name",
		}
	}
	return schema.Validate(evt)
}

// Names returns all registered event names.
func (r *SchemaRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.schemas))
	for n := range r.schemas {
		names = append(names, n)
	}
	return names
}

// ListBySource returns all schemas published by a given source.
func (r *SchemaRegistry) ListBySource(source string) []*Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Schema
	for _, s := range r.schemas {
		if s.Source == source {
			out = append(out, s)
		}
	}
	return out
}

// ListByTag returns all schemas carrying a given tag.
func (r *SchemaRegistry) ListByTag(tag string) []*Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Schema
	for _, s := range r.schemas {
		for _, t := range s.Tags {
			if t == tag {
				out = append(out, s)
				break
			}
		}
	}
	return out
}
