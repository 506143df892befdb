// Package event provides the typed in-process event bus connecting input
// adapters, the decision backend, and output adapters.
//
// The contract has three layers:
//
//   - Event carries a schema-validated payload under a dot-namespaced name
//     (e.g. "message.received").
//   - SchemaRegistry binds each event name to its payload type; Publish
//     validates against it once, centrally, and rejects mismatches.
//   - Bus delivers each published event to all subscribers of its name in
//     (priority, registration order), isolating handler failures from each
//     other and tracking every in-flight publish so shutdown can wait for
//     real completion instead of sleeping a guessed duration.
package event

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is the unit carried by one publish call.
// Events are immutable once created - any modification creates a new event.
type Event interface {
	// Identity
	ID() string   // Unique event identifier
	Name() string // Dot-namespaced event name (e.g. "message.received")
	Source() string

	// Correlation for diagnostics across adapter boundaries
	CorrelationID() string
	CausationID() string

	// Metadata
	Timestamp() time.Time
	Version() int // Schema version

	// Payload
	Data() any
	DataBytes() []byte // Serialized payload for journaling
}

// Metadata contains common event metadata fields.
type Metadata struct {
	EventID       string    `json:"id"`
	EventName     string    `json:"name"`
	EventSource   string    `json:"source"`
	CorrelationID string    `json:"correlation_id"`
	CausationID   string    `json:"causation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	SchemaVersion int       `json:"schema_version"`
}

// BaseEvent is the generic event implementation.
// T is the payload type for type-safe access.
type BaseEvent[T any] struct {
	Meta    Metadata `json:"metadata"`
	Payload T        `json:"payload"`

	// Cached serialization (computed lazily)
	cachedBytes []byte
}

// ID returns the unique event identifier.
func (e *BaseEvent[T]) ID() string { return e.Meta.EventID }

// Name returns the event name.
func (e *BaseEvent[T]) Name() string { return e.Meta.EventName }

// Source returns the publishing component's identity.
func (e *BaseEvent[T]) Source() string { return e.Meta.EventSource }

// CorrelationID returns the correlation ID for diagnostics.
func (e *BaseEvent[T]) CorrelationID() string { return e.Meta.CorrelationID }

// CausationID returns the ID of the event that caused this one.
func (e *BaseEvent[T]) CausationID() string { return e.Meta.CausationID }

// Timestamp returns when the event occurred.
func (e *BaseEvent[T]) Timestamp() time.Time { return e.Meta.Timestamp }

// Version returns the schema version.
func (e *BaseEvent[T]) Version() int { return e.Meta.SchemaVersion }

// Data returns the event payload.
func (e *BaseEvent[T]) Data() any { return e.Payload }

// TypedData returns the strongly-typed payload.
func (e *BaseEvent[T]) TypedData() T { return e.Payload }

// DataBytes returns the serialized payload.
// The result is cached for efficiency.
func (e *BaseEvent[T]) DataBytes() []byte {
	if e.cachedBytes == nil {
		// Best effort - errors are ignored for interface compliance
		e.cachedBytes, _ = json.Marshal(e.Payload)
	}
	return e.cachedBytes
}

// Option configures event creation.
type Option func(*eventConfig)

type eventConfig struct {
	id            string
	correlationID string
	causationID   string
	timestamp     time.Time
	version       int
}

// WithEventID sets a specific event ID (default: auto-generated UUID).
func WithEventID(id string) Option {
	return func(cfg *eventConfig) { cfg.id = id }
}

// WithCorrelationID sets the correlation ID.
func WithCorrelationID(id string) Option {
	return func(cfg *eventConfig) { cfg.correlationID = id }
}

// WithCausationID sets the ID of the causing event.
func WithCausationID(id string) Option {
	return func(cfg *eventConfig) { cfg.causationID = id }
}

// WithTimestamp sets a specific timestamp (default: time.Now()).
func WithTimestamp(t time.Time) Option {
	return func(cfg *eventConfig) { cfg.timestamp = t }
}

// WithSchemaVersion sets the schema version.
func WithSchemaVersion(v int) Option {
	return func(cfg *eventConfig) { cfg.version = v }
}

// New creates a new event with the given name, source, and payload.
func New[T any](name, source string, payload T, opts ...Option) *BaseEvent[T] {
	cfg := &eventConfig{
		id:        uuid.New().String(),
		timestamp: time.Now(),
		version:   1,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	// If no correlation ID, this event is the root of its chain
	if cfg.correlationID == "" {
		cfg.correlationID = cfg.id
	}

	return &BaseEvent[T]{
		Meta: Metadata{
			EventID:       cfg.id,
			EventName:     name,
			EventSource:   source,
			CorrelationID: cfg.correlationID,
			CausationID:   cfg.causationID,
			Timestamp:     cfg.timestamp,
			SchemaVersion: cfg.version,
		},
		Payload: payload,
	}
}

// NewFromParent creates a new event caused by a parent event.
// It inherits the correlation ID and sets the causation ID.
func NewFromParent[T any](parent Event, name, source string, payload T, opts ...Option) *BaseEvent[T] {
	parentOpts := []Option{
		WithCorrelationID(parent.CorrelationID()),
		WithCausationID(parent.ID()),
	}
	return New(name, source, payload, append(parentOpts, opts...)...)
}

// metadataOf extracts Metadata from any Event implementation.
func metadataOf(evt Event) Metadata {
	return Metadata{
		EventID:       evt.ID(),
		EventName:     evt.Name(),
		EventSource:   evt.Source(),
		CorrelationID: evt.CorrelationID(),
		CausationID:   evt.CausationID(),
		Timestamp:     evt.Timestamp(),
		SchemaVersion: evt.Version(),
	}
}

// Handler processes one delivered event.
type Handler func(ctx context.Context, evt Event) error

// decodePayload converts an event payload into the concrete type T.
// Direct assertion is tried first; map payloads (e.g. config-sourced or
// journal-replayed data) go through a JSON round-trip.
func decodePayload[T any](evt Event) (T, error) {
	var payload T

	switch d := evt.Data().(type) {
	case T:
		return d, nil
	case map[string]any:
		raw, err := json.Marshal(d)
		if err != nil {
			return payload, &ContractError{
				EventName: evt.Name(),
				Message:   "failed to marshal event payload",
				Err:       err,
			}
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return payload, &ContractError{
				EventName: evt.Name(),
				Message:   "failed to unmarshal event payload to expected type",
				Err:       err,
			}
		}
		return payload, nil
	default:
		return payload, &ContractError{
			EventName: evt.Name(),
			Message:   "unexpected payload type",
		}
	}
}
