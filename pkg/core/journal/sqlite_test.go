package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSQLite(t *testing.T) *SQLite {
	t.Helper()
	j, err := NewSQLite(filepath.Join(t.TempDir(), "failures.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

// TestSQLite_RecordAndList tests the persistence round trip.
func TestSQLite_RecordAndList(t *testing.T) {
	j := testSQLite(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, j.Record(ctx, &Record{
		Origin:     OriginHandler,
		EventID:    "evt-1",
		EventName:  "message.received",
		Component:  "obs",
		Message:    "handler failed",
		Payload:    []byte(`{"text":"hi"}`),
		OccurredAt: base,
	}))
	require.NoError(t, j.Record(ctx, &Record{
		Origin:     OriginStage,
		Component:  "dedup",
		Message:    "stage failed",
		OccurredAt: base.Add(time.Minute),
	}))

	all, err := j.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	// Newest first.
	assert.Equal(t, "stage failed", all[0].Message)
	got := all[1]
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, OriginHandler, got.Origin)
	assert.Equal(t, "evt-1", got.EventID)
	assert.Equal(t, "message.received", got.EventName)
	assert.Equal(t, "obs", got.Component)
	assert.Equal(t, []byte(`{"text":"hi"}`), got.Payload)
	assert.True(t, got.OccurredAt.Equal(base))
}

// TestSQLite_Filters tests filtered listing.
func TestSQLite_Filters(t *testing.T) {
	j := testSQLite(t)
	ctx := context.Background()
	now := time.Now()

	for i, rec := range []*Record{
		{Origin: OriginHandler, EventName: "message.received", Component: "obs", Message: "a"},
		{Origin: OriginHandler, EventName: "message.send", Component: "vts", Message: "b"},
		{Origin: OriginStage, Component: "dedup", Message: "c"},
	} {
		rec.OccurredAt = now.Add(time.Duration(i) * time.Second)
		require.NoError(t, j.Record(ctx, rec))
	}

	stage, err := j.List(ctx, Filter{Origin: OriginStage})
	require.NoError(t, err)
	require.Len(t, stage, 1)
	assert.Equal(t, "dedup", stage[0].Component)

	byName, err := j.List(ctx, Filter{EventName: "message.send"})
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, "vts", byName[0].Component)

	limited, err := j.List(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

// TestSQLite_CountByComponent tests grouping.
func TestSQLite_CountByComponent(t *testing.T) {
	j := testSQLite(t)
	ctx := context.Background()

	for _, component := range []string{"obs", "obs", "vts"} {
		require.NoError(t, j.Record(ctx, &Record{
			Origin: OriginHandler, Component: component, Message: "x",
		}))
	}

	counts, err := j.CountByComponent(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"obs": 2, "vts": 1}, counts)
}

// TestSQLite_Purge tests cutoff-based removal.
func TestSQLite_Purge(t *testing.T) {
	j := testSQLite(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, j.Record(ctx, &Record{
		Origin: OriginStage, Component: "dedup", Message: "old", OccurredAt: base,
	}))
	require.NoError(t, j.Record(ctx, &Record{
		Origin: OriginStage, Component: "dedup", Message: "new", OccurredAt: base.Add(time.Hour),
	}))

	removed, err := j.Purge(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	n, err := j.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestSQLite_Closed tests that a closed journal rejects operations.
func TestSQLite_Closed(t *testing.T) {
	j := testSQLite(t)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close()) // idempotent

	ctx := context.Background()
	err := j.Record(ctx, &Record{Origin: OriginStage, Component: "x", Message: "y"})
	assert.ErrorIs(t, err, ErrJournalClosed)

	_, err = j.List(ctx, Filter{})
	assert.ErrorIs(t, err, ErrJournalClosed)

	_, err = j.Count(ctx)
	assert.ErrorIs(t, err, ErrJournalClosed)
}

// TestSQLite_Reopen tests persistence across close and reopen.
func TestSQLite_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failures.db")
	ctx := context.Background()

	j, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, j.Record(ctx, &Record{
		Origin: OriginHandler, Component: "obs", Message: "persisted",
	}))
	require.NoError(t, j.Close())

	j2, err := NewSQLite(path)
	require.NoError(t, err)
	defer j2.Close()

	n, err := j2.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
