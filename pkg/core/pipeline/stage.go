// Package pipeline runs one item through an ordered, configurable chain of
// stages, producing either a transformed item or an explicit drop, while
// guaranteeing that a stage's side effects are undone if the stage - or the
// chain as a whole - fails or discards the item.
//
// Each stage declares a failure policy:
//
//   - PolicyContinue: roll back only the failing stage's contributions and
//     resume the chain with the item's pre-chain value.
//   - PolicyStop: roll back everything registered so far and surface a
//     *ChainError to the caller.
//   - PolicyDrop: roll back everything registered so far and discard the
//     item silently.
//
// Stages that mutate shared state append undo actions to the traversal's
// rollback ledger (Context.OnRollback) at the point of mutation. Undo
// actions run in reverse registration order; a failing undo is logged and
// swallowed so the remaining actions still run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var errStageName = errors.New("stage name is required")

// Policy determines chain behavior when a stage fails.
// Declared per stage as configuration, not decided per call.
type Policy string

// Failure policies.
const (
	// PolicyContinue skips the failing stage's effect entirely and keeps
	// the chain flowing. Only PolicyStop surfaces an error to the caller.
	PolicyContinue Policy = "continue"
	PolicyStop     Policy = "stop"
	PolicyDrop     Policy = "drop"
)

// ParsePolicy converts a configuration string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyContinue, PolicyStop, PolicyDrop:
		return Policy(s), nil
	case "":
		return PolicyContinue, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q", s)
	}
}

// DefaultStageTimeout bounds a stage invocation when its configuration
// does not declare a budget.
const DefaultStageTimeout = 10 * time.Second

// Stage is one named processing unit in the chain.
//
// Process returns the transformed item and keep=true to pass it on, or
// keep=false to discard the item without error (an implicit drop, which
// rolls back the whole traversal's contributions). Stages must be
// stateless between invocations except for their own internal bookkeeping,
// which they must guard against concurrent traversals themselves - the
// ledger is item-scoped, a stage's counters are not.
type Stage[T any] interface {
	Name() string
	Process(ctx context.Context, item T, pctx *Context[T]) (T, bool, error)
}

// StageConfig is the externally supplied configuration for one stage.
type StageConfig struct {
	// Priority orders the chain; lower runs earlier. Ties break on
	// registration order.
	Priority int

	// Enabled gates the stage. Disabled stages are skipped entirely.
	Enabled bool

	// Policy is the stage's failure policy.
	Policy Policy

	// Timeout bounds one invocation. Zero means DefaultStageTimeout.
	// A timeout is treated identically to a stage error.
	Timeout time.Duration
}

// DefaultStageConfig provides reasonable defaults.
var DefaultStageConfig = StageConfig{
	Priority: 100,
	Enabled:  true,
	Policy:   PolicyContinue,
	Timeout:  DefaultStageTimeout,
}

// StageFunc adapts a function to the Stage interface.
type StageFunc[T any] struct {
	StageName string
	Fn        func(ctx context.Context, item T, pctx *Context[T]) (T, bool, error)
}

// Name returns the stage name.
func (s StageFunc[T]) Name() string { return s.StageName }

// Process invokes the wrapped function.
func (s StageFunc[T]) Process(ctx context.Context, item T, pctx *Context[T]) (T, bool, error) {
	return s.Fn(ctx, item, pctx)
}

// ChainError is the chain-level failure surfaced to the caller when a
// PolicyStop stage fails. It is the only stage failure callers see as an
// error.
type ChainError struct {
	Stage string
	Err   error
}

// Error implements the error interface.
func (e *ChainError) Error() string {
	return fmt.Sprintf("pipeline stopped at stage %s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying stage error.
func (e *ChainError) Unwrap() error { return e.Err }
