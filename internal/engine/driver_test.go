package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"cluster-modelcheck/internal/config"
)

// storeApply gives the fake system real put/get semantics backed by a map,
// so read results are predictable.
func storeApply() func(cmd Command) Result {
	var mu sync.Mutex
	store := make(map[string]string)
	return func(cmd Command) Result {
		mu.Lock()
		defer mu.Unlock()
		switch cmd.Op {
		case fakeOpPut:
			key, _ := cmd.Args[1].(string)
			value, _ := cmd.Args[2].(string)
			store[key] = value
			return Result{Value: "ok"}
		case fakeOpGet:
			key, _ := cmd.Args[1].(string)
			return Result{Value: store[key]}
		default:
			return Result{Value: "ok"}
		}
	}
}

func TestDriverWriteThenRead(t *testing.T) {
	env := newTestEnv(nil)
	env.system.applyFn = storeApply()
	rc := env.runContext(1)

	seq := Renumber([]Command{
		{Kind: KindSystem, Op: fakeOpPut, Args: []interface{}{"node1", "k", "v1"}},
		{Kind: KindSystem, Op: fakeOpGet, Args: []interface{}{"node2", "k"}},
	})

	report, st := NewDriver(rc).Run(context.Background(), seq)
	require.True(t, report.Passed)
	require.Len(t, report.Steps, 2)
	require.Equal(t, "v1", report.Steps[1].Response)
	require.Equal(t, 2, st.Counter)
	require.Equal(t, map[string]int{fakeOpPut: 1, fakeOpGet: 1}, report.Histogram)
}

func TestDriverCounterMatchesSequenceLength(t *testing.T) {
	env := newTestEnv(nil)
	rc := env.runContext(3)

	seq := NewGenerator(rc, nil).Sequence(18)
	_, st := NewDriver(rc).Run(context.Background(), seq)
	require.Equal(t, len(seq), st.Counter)
}

func TestDriverContinuesAfterFailure(t *testing.T) {
	env := newTestEnv(nil)
	env.system.applyFn = func(cmd Command) Result {
		if cmd.Slot == 2 {
			return Result{Err: errors.New("injected failure")}
		}
		return Result{Value: "ok"}
	}
	rc := env.runContext(1)

	seq := Renumber([]Command{
		{Kind: KindSystem, Op: fakeOpPut, Args: []interface{}{"node1", "k", "v1"}},
		{Kind: KindSystem, Op: fakeOpPut, Args: []interface{}{"node2", "k", "v2"}},
		{Kind: KindSystem, Op: fakeOpPut, Args: []interface{}{"node3", "k", "v3"}},
		{Kind: KindSystem, Op: fakeOpGet, Args: []interface{}{"node1", "k"}},
	})

	report, st := NewDriver(rc).Run(context.Background(), seq)
	require.False(t, report.Passed)
	require.Len(t, report.Steps, 4, "execution must continue past the failure")
	require.Equal(t, 2, report.FailedSlot)
	require.False(t, report.Steps[1].Passed)
	require.True(t, report.Steps[0].Passed)
	require.True(t, report.Steps[2].Passed)
	require.Equal(t, 4, st.Counter)

	// The snapshot reflects the model prior to the failing command.
	require.NotNil(t, report.ModelAtFailure)
	require.Equal(t, 1, report.ModelAtFailure.Counter)
	require.Equal(t, []string{"node1", "node2", "node3", "node4"}, report.ModelAtFailure.Joined)
}

func TestDriverSingleSuccessRun(t *testing.T) {
	env := newTestEnv(func(c *config.Config) {
		c.Engine.Scheduler = config.SchedulerSingleSuccess
	})
	env.system.applyFn = storeApply()
	rc := env.runContext(41)

	seq := Transform(rc, Renumber([]Command{
		{Kind: KindSystem, Op: fakeOpPut, Args: []interface{}{"node1", "k", "v1"}},
	}))

	report, _ := NewDriver(rc).Run(context.Background(), seq)
	require.False(t, report.Passed, "single-success runs terminate failing")

	// The one unit of real work passes; only the forced failure fails.
	require.Equal(t, fakeOpPut, report.Steps[0].Op)
	require.True(t, report.Steps[0].Passed)
	last := report.Steps[len(report.Steps)-1]
	require.Equal(t, OpForcedFailure, last.Op)
	require.False(t, last.Passed)
	require.Equal(t, last.Slot, report.FailedSlot)
	require.Empty(t, last.EvalError)
}

func TestDriverTimeoutIsOrdinaryResult(t *testing.T) {
	env := newTestEnv(nil)
	env.system.applyFn = func(cmd Command) Result {
		return Result{TimedOut: true}
	}
	rc := env.runContext(1)

	seq := Renumber([]Command{
		{Kind: KindSystem, Op: fakeOpPut, Args: []interface{}{"node1", "k", "v1"}},
	})

	report, st := NewDriver(rc).Run(context.Background(), seq)
	require.False(t, report.Passed)
	require.True(t, report.Steps[0].TimedOut)
	require.Empty(t, report.Steps[0].Error)
	require.Empty(t, report.Steps[0].EvalError)
	require.Equal(t, 1, st.Counter, "transition still runs on timeout")
}

func TestDriverAdapterMismatchFailsRun(t *testing.T) {
	env := newTestEnv(nil)
	rc := env.runContext(1)

	seq := Renumber([]Command{
		{Kind: KindSystem, Op: "definitely-not-an-op", Args: []interface{}{"node1"}},
	})

	report, _ := NewDriver(rc).Run(context.Background(), seq)
	require.False(t, report.Passed)
	require.Contains(t, report.Steps[0].EvalError, "matches no adapter")
}

func TestDriverTraceHooks(t *testing.T) {
	env := newTestEnv(nil)
	env.system.applyFn = func(cmd Command) Result {
		if cmd.Op == fakeOpGet {
			return Result{Err: errors.New("down")}
		}
		return Result{Value: "ok"}
	}
	rc := env.runContext(1)

	seq := Renumber([]Command{
		{Kind: KindSystem, Op: fakeOpPut, Args: []interface{}{"node1", "k", "v1"}},
		{Kind: KindSystem, Op: fakeOpGet, Args: []interface{}{"node2", "k"}},
		{Kind: KindSystem, Op: fakeOpSync},
	})

	NewDriver(rc).Run(context.Background(), seq)

	// Both hooks fire around every command, failures included, and global
	// commands are attributed to the cluster.
	require.Equal(t, []string{
		"enter node1 put", "exit node1 put",
		"enter node2 get", "exit node2 get",
		"enter cluster sync", "exit cluster sync",
	}, env.trace.events)
}

func TestDriverForcedFailureSkipsAdapters(t *testing.T) {
	env := newTestEnv(nil)
	rc := env.runContext(1)

	seq := Renumber([]Command{
		{Kind: KindForcedFailure, Op: OpForcedFailure},
	})

	report, _ := NewDriver(rc).Run(context.Background(), seq)
	require.False(t, report.Passed)
	require.Empty(t, env.system.appliedOps(), "forced failure never reaches an adapter")
	require.Equal(t, "forced-failure", report.Steps[0].Response)
}

func TestDriverFaultDispatch(t *testing.T) {
	env := newTestEnv(nil)
	rc := env.runContext(1)

	seq := Renumber([]Command{
		{Kind: KindFault, Op: fakeOpPause, Args: []interface{}{"node2"}},
		{Kind: KindFault, Op: fakeOpHealAll},
	})

	report, st := NewDriver(rc).Run(context.Background(), seq)
	require.True(t, report.Passed)
	require.Len(t, env.fault.applied, 2)
	require.Zero(t, rc.Fault.Resolvable(st.FaultState), "heal-all clears all faults")
}
