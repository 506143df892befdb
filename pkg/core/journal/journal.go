// Package journal records handler and stage failures for operator
// visibility. It is an observability sink, not a redelivery queue: the bus
// and pipeline never replay journaled work.
package journal

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Origin identifies which subsystem produced a failure record.
type Origin string

// Failure origins.
const (
	OriginHandler Origin = "handler"
	OriginStage   Origin = "stage"
)

// Record is one journaled failure.
type Record struct {
	ID         string    `json:"id"`
	Origin     Origin    `json:"origin"`
	EventID    string    `json:"event_id,omitempty"`
	EventName  string    `json:"event_name,omitempty"`
	Component  string    `json:"component"` // subscriber identity or stage name
	Message    string    `json:"message"`
	Payload    []byte    `json:"payload,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Origin    Origin
	Component string
	EventName string
	Limit     int
}

// Journal stores failure records.
// Implementations must be safe for concurrent use.
type Journal interface {
	// Record persists one failure.
	Record(ctx context.Context, rec *Record) error

	// List returns records matching the filter, newest first.
	List(ctx context.Context, filter Filter) ([]*Record, error)

	// Count returns the total number of records.
	Count(ctx context.Context) (int, error)

	// CountByComponent returns record counts grouped by component.
	CountByComponent(ctx context.Context) (map[string]int, error)

	// Purge removes records older than the cutoff and returns how many
	// were removed.
	Purge(ctx context.Context, before time.Time) (int, error)

	// Close releases any underlying resources.
	Close() error
}

// stamp fills defaulted fields on a record.
func stamp(rec *Record) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now()
	}
}

// Memory is an in-memory Journal, suitable for tests and setups that do
// not persist failures across restarts.
type Memory struct {
	mu      sync.RWMutex
	records []*Record
	maxSize int
}

// NewMemory creates an in-memory journal keeping at most maxSize records.
// Oldest records are evicted first. maxSize <= 0 means 10000.
func NewMemory(maxSize int) *Memory {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &Memory{maxSize: maxSize}
}

// Record persists one failure.
func (m *Memory) Record(_ context.Context, rec *Record) error {
	stamp(rec)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = append(m.records, rec)
	if len(m.records) > m.maxSize {
		m.records = m.records[len(m.records)-m.maxSize:]
	}
	return nil
}

// List returns records matching the filter, newest first.
func (m *Memory) List(_ context.Context, filter Filter) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, rec := range m.records {
		if filter.Origin != "" && rec.Origin != filter.Origin {
			continue
		}
		if filter.Component != "" && rec.Component != filter.Component {
			continue
		}
		if filter.EventName != "" && rec.EventName != filter.EventName {
			continue
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].OccurredAt.After(out[j].OccurredAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Count returns the total number of records.
func (m *Memory) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

// CountByComponent returns record counts grouped by component.
func (m *Memory) CountByComponent(_ context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for _, rec := range m.records {
		counts[rec.Component]++
	}
	return counts, nil
}

// Purge removes records older than the cutoff.
func (m *Memory) Purge(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.records[:0]
	removed := 0
	for _, rec := range m.records {
		if rec.OccurredAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	m.records = kept
	return removed, nil
}

// Close is a no-op for the in-memory journal.
func (m *Memory) Close() error { return nil }
