package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Mai-with-u/amaidesu/pkg/core/observability"
)

// UndoFunc reverses one side effect a stage made to shared state.
type UndoFunc func(ctx context.Context) error

// undoEntry attributes one undo action to the stage that contributed it.
type undoEntry struct {
	stage string
	name  string
	fn    UndoFunc
}

// Context is the per-traversal rollback ledger. One Context is created per
// item entering the chain and destroyed when the traversal ends; it is
// never reused across items.
//
// The ledger is guarded by a mutex because a timed-out stage goroutine may
// still be running when the manager moves on.
type Context[T any] struct {
	original T
	meta     map[string]any
	logger   *slog.Logger

	mu           sync.Mutex
	entries      []undoEntry
	currentStage string
}

// newContext creates the ledger for one traversal.
func newContext[T any](original T, meta map[string]any, logger *slog.Logger) *Context[T] {
	return &Context[T]{
		original: original,
		meta:     meta,
		logger:   logger,
	}
}

// Original returns the item's value as it entered the chain.
func (c *Context[T]) Original() T { return c.original }

// Meta returns the metadata value for a key.
func (c *Context[T]) Meta(key string) (any, bool) {
	v, ok := c.meta[key]
	return v, ok
}

// OnRollback appends an undo action to the ledger. Stages call this at the
// point of mutation, before returning. Undo actions run in strict reverse
// registration order when a rollback is triggered.
func (c *Context[T]) OnRollback(name string, fn UndoFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, undoEntry{
		stage: c.currentStage,
		name:  name,
		fn:    fn,
	})
}

// Len returns the number of registered undo actions.
func (c *Context[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// setStage records which stage is currently executing, for undo
// attribution.
func (c *Context[T]) setStage(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentStage = name
}

// mark returns the current ledger position. Rolling back from a mark
// undoes only actions registered after it.
func (c *Context[T]) mark() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// rollbackFrom executes undo actions registered at or after the mark, in
// reverse registration order, then truncates the ledger to the mark.
// A failing undo action is logged and swallowed: partial rollback is
// strictly better than none, and a broken undo must not leave every
// earlier mutation un-undone. Returns the number of actions executed.
func (c *Context[T]) rollbackFrom(ctx context.Context, mark int) int {
	c.mu.Lock()
	tail := make([]undoEntry, len(c.entries)-mark)
	copy(tail, c.entries[mark:])
	c.entries = c.entries[:mark]
	c.mu.Unlock()

	for i := len(tail) - 1; i >= 0; i-- {
		entry := tail[i]
		if err := entry.fn(ctx); err != nil {
			observability.LogRollbackError(c.logger, entry.stage, entry.name, err)
		}
	}
	return len(tail)
}
