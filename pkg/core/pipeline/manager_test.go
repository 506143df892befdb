package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "github.com/Mai-with-u/amaidesu/pkg/core/errors"
)

func testCtx() context.Context { return context.Background() }

// appendStage appends its own name to the item and registers an undo that
// records the rollback.
func appendStage(name string, rolledBack *[]string) Stage[string] {
	return StageFunc[string]{
		StageName: name,
		Fn: func(ctx context.Context, item string, pctx *Context[string]) (string, bool, error) {
			pctx.OnRollback("append "+name, func(ctx context.Context) error {
				*rolledBack = append(*rolledBack, name)
				return nil
			})
			return item + "+" + name, true, nil
		},
	}
}

func failStage(name string) Stage[string] {
	return StageFunc[string]{
		StageName: name,
		Fn: func(ctx context.Context, item string, pctx *Context[string]) (string, bool, error) {
			return "", false, errors.New(name + " failed")
		},
	}
}

func register(t *testing.T, m *Manager[string], s Stage[string], priority int, policy Policy) {
	t.Helper()
	require.NoError(t, m.Register(s, StageConfig{
		Priority: priority,
		Enabled:  true,
		Policy:   policy,
	}))
}

// TestProcess_LinearChain tests ordered transformation with no failures.
func TestProcess_LinearChain(t *testing.T) {
	m := NewManager[string](ManagerConfig{})
	var rb []string
	register(t, m, appendStage("a", &rb), 10, PolicyContinue)
	register(t, m, appendStage("b", &rb), 20, PolicyContinue)
	register(t, m, appendStage("c", &rb), 30, PolicyContinue)

	out, kept, err := m.Process(testCtx(), "x", nil)
	require.NoError(t, err)
	assert.True(t, kept)
	assert.Equal(t, "x+a+b+c", out)
	assert.Empty(t, rb)
}

// TestRegister_Ordering tests priority ascending with registration order
// breaking ties.
func TestRegister_Ordering(t *testing.T) {
	m := NewManager[string](ManagerConfig{})
	var rb []string
	register(t, m, appendStage("late", &rb), 50, PolicyContinue)
	register(t, m, appendStage("early", &rb), 10, PolicyContinue)
	register(t, m, appendStage("tie1", &rb), 20, PolicyContinue)
	register(t, m, appendStage("tie2", &rb), 20, PolicyContinue)

	assert.Equal(t, []string{"early", "tie1", "tie2", "late"}, m.StageNames())
}

// TestRegister_Invalid tests rejection of unnamed stages and unknown
// policies.
func TestRegister_Invalid(t *testing.T) {
	m := NewManager[string](ManagerConfig{})

	err := m.Register(StageFunc[string]{StageName: ""}, StageConfig{})
	assert.Error(t, err)

	err = m.Register(StageFunc[string]{StageName: "ok"}, StageConfig{Policy: "explode"})
	assert.Error(t, err)
}

// TestProcess_ContinuePolicy tests that a CONTINUE failure unwinds only
// the failing stage and resumes from the pre-chain value.
func TestProcess_ContinuePolicy(t *testing.T) {
	m := NewManager[string](ManagerConfig{})
	var rb []string
	register(t, m, appendStage("a", &rb), 10, PolicyContinue)

	// Mutates, then fails: its own undo must run, a's must not.
	register(t, m, StageFunc[string]{
		StageName: "flaky",
		Fn: func(ctx context.Context, item string, pctx *Context[string]) (string, bool, error) {
			pctx.OnRollback("flaky effect", func(ctx context.Context) error {
				rb = append(rb, "flaky")
				return nil
			})
			return "", false, errors.New("flaky failed")
		},
	}, 20, PolicyContinue)

	var cSaw string
	register(t, m, StageFunc[string]{
		StageName: "c",
		Fn: func(ctx context.Context, item string, pctx *Context[string]) (string, bool, error) {
			cSaw = item
			return item + "+c", true, nil
		},
	}, 30, PolicyContinue)

	out, kept, err := m.Process(testCtx(), "x", nil)
	require.NoError(t, err)
	assert.True(t, kept)
	assert.Equal(t, []string{"flaky"}, rb)
	// Downstream resumes from the item's pre-chain value, never a
	// half-mutated one.
	assert.Equal(t, "x", cSaw)
	assert.Equal(t, "x+c", out)
}

// TestProcess_StopPolicy tests full reverse-order rollback and the
// surfaced chain error.
func TestProcess_StopPolicy(t *testing.T) {
	m := NewManager[string](ManagerConfig{})
	var rb []string
	register(t, m, appendStage("a", &rb), 10, PolicyContinue)
	register(t, m, appendStage("b", &rb), 20, PolicyContinue)
	register(t, m, failStage("fatal"), 30, PolicyStop)

	var after bool
	register(t, m, StageFunc[string]{
		StageName: "after",
		Fn: func(ctx context.Context, item string, pctx *Context[string]) (string, bool, error) {
			after = true
			return item, true, nil
		},
	}, 40, PolicyContinue)

	_, kept, err := m.Process(testCtx(), "x", nil)
	assert.False(t, kept)
	assert.False(t, after)

	var cerr *ChainError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "fatal", cerr.Stage)

	// Everything contributed so far, undone newest first.
	assert.Equal(t, []string{"b", "a"}, rb)
}

// TestProcess_DropPolicy tests silent discard with full rollback.
func TestProcess_DropPolicy(t *testing.T) {
	m := NewManager[string](ManagerConfig{})
	var rb []string
	register(t, m, appendStage("a", &rb), 10, PolicyContinue)
	register(t, m, failStage("dropper"), 20, PolicyDrop)

	out, kept, err := m.Process(testCtx(), "x", nil)
	require.NoError(t, err)
	assert.False(t, kept)
	assert.Empty(t, out)
	assert.Equal(t, []string{"a"}, rb)
}

// TestProcess_ImplicitDrop tests that a stage returning no result discards
// the item and unwinds the whole traversal.
func TestProcess_ImplicitDrop(t *testing.T) {
	m := NewManager[string](ManagerConfig{})
	var rb []string
	register(t, m, appendStage("a", &rb), 10, PolicyContinue)

	register(t, m, StageFunc[string]{
		StageName: "sieve",
		Fn: func(ctx context.Context, item string, pctx *Context[string]) (string, bool, error) {
			return "", false, nil
		},
	}, 20, PolicyContinue)

	_, kept, err := m.Process(testCtx(), "x", nil)
	require.NoError(t, err)
	assert.False(t, kept)
	assert.Equal(t, []string{"a"}, rb)
}

// TestProcess_DisabledStageSkipped tests that disabled stages do not run.
func TestProcess_DisabledStageSkipped(t *testing.T) {
	m := NewManager[string](ManagerConfig{})
	var rb []string
	register(t, m, appendStage("a", &rb), 10, PolicyContinue)
	require.NoError(t, m.Register(appendStage("off", &rb), StageConfig{
		Priority: 20,
		Enabled:  false,
		Policy:   PolicyContinue,
	}))

	out, kept, err := m.Process(testCtx(), "x", nil)
	require.NoError(t, err)
	assert.True(t, kept)
	assert.Equal(t, "x+a", out)
}

// TestProcess_StageTimeout tests that exceeding the budget is treated like
// a stage error, here under STOP to make it observable.
func TestProcess_StageTimeout(t *testing.T) {
	m := NewManager[string](ManagerConfig{})

	require.NoError(t, m.Register(StageFunc[string]{
		StageName: "stuck",
		Fn: func(ctx context.Context, item string, pctx *Context[string]) (string, bool, error) {
			select {
			case <-ctx.Done():
				return "", false, ctx.Err()
			case <-time.After(5 * time.Second):
				return item, true, nil
			}
		},
	}, StageConfig{
		Priority: 10,
		Enabled:  true,
		Policy:   PolicyStop,
		Timeout:  20 * time.Millisecond,
	}))

	start := time.Now()
	_, kept, err := m.Process(testCtx(), "x", nil)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, kept)

	var cerr *ChainError
	require.ErrorAs(t, err, &cerr)
	var terr *coreerrors.TimeoutError
	assert.ErrorAs(t, err, &terr)
}

// TestProcess_StagePanic tests panic containment and policy branching.
func TestProcess_StagePanic(t *testing.T) {
	m := NewManager[string](ManagerConfig{})
	var rb []string
	register(t, m, appendStage("a", &rb), 10, PolicyContinue)

	require.NoError(t, m.Register(StageFunc[string]{
		StageName: "buggy",
		Fn: func(ctx context.Context, item string, pctx *Context[string]) (string, bool, error) {
			panic("stage bug")
		},
	}, StageConfig{Priority: 20, Enabled: true, Policy: PolicyStop}))

	_, kept, err := m.Process(testCtx(), "x", nil)
	assert.False(t, kept)

	var perr *coreerrors.PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, []string{"a"}, rb)
}

// TestProcess_ParentContextCancelled tests that caller cancellation is
// reported as the caller's error, not a stage timeout.
func TestProcess_ParentContextCancelled(t *testing.T) {
	m := NewManager[string](ManagerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Register(StageFunc[string]{
		StageName: "waiting",
		Fn: func(ctx context.Context, item string, pctx *Context[string]) (string, bool, error) {
			cancel()
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return item, true, nil
		},
	}, StageConfig{Priority: 10, Enabled: true, Policy: PolicyStop, Timeout: 5 * time.Second}))

	_, _, err := m.Process(ctx, "x", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	var terr *coreerrors.TimeoutError
	assert.False(t, errors.As(err, &terr))
}

// TestProcess_Meta tests traversal metadata visibility inside stages.
func TestProcess_Meta(t *testing.T) {
	m := NewManager[string](ManagerConfig{})

	var got any
	register(t, m, StageFunc[string]{
		StageName: "reader",
		Fn: func(ctx context.Context, item string, pctx *Context[string]) (string, bool, error) {
			got, _ = pctx.Meta("channel")
			return item, true, nil
		},
	}, 10, PolicyContinue)

	_, _, err := m.Process(testCtx(), "x", map[string]any{"channel": "general"})
	require.NoError(t, err)
	assert.Equal(t, "general", got)
}

// TestStats tests the per-stage counter snapshot.
func TestStats(t *testing.T) {
	m := NewManager[string](ManagerConfig{})
	var rb []string
	register(t, m, appendStage("ok", &rb), 10, PolicyContinue)
	register(t, m, failStage("flaky"), 20, PolicyContinue)

	for i := 0; i < 3; i++ {
		_, _, err := m.Process(testCtx(), "x", nil)
		require.NoError(t, err)
	}

	stats := m.Stats()
	assert.Equal(t, int64(3), stats["ok"].Processed)
	assert.Equal(t, int64(0), stats["ok"].Errors)
	assert.Equal(t, int64(3), stats["flaky"].Errors)
}

// TestOnStageFailure tests the failure hook fires for every policy.
func TestOnStageFailure(t *testing.T) {
	var failures []string
	m := NewManager[string](ManagerConfig{
		OnStageFailure: func(stage string, err error) {
			failures = append(failures, stage+": "+err.Error())
		},
	})
	register(t, m, failStage("flaky"), 10, PolicyContinue)
	register(t, m, failStage("dropper"), 20, PolicyDrop)

	_, kept, err := m.Process(testCtx(), "x", nil)
	require.NoError(t, err)
	assert.False(t, kept)

	require.Len(t, failures, 2)
	assert.True(t, strings.HasPrefix(failures[0], "flaky:"))
	assert.True(t, strings.HasPrefix(failures[1], "dropper:"))
}
