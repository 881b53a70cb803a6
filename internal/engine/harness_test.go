package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"cluster-modelcheck/internal/config"
	"cluster-modelcheck/internal/logging"
)

// In-memory adapters and cluster used across the engine tests. They model a
// trivial put/get store so verdicts are fully predictable.

const (
	fakeOpPut   = "put"
	fakeOpGet   = "get"
	fakeOpSync  = "sync"
	fakeOpAudit = "audit"
)

type fakeSysState struct {
	puts int
}

type fakeSystem struct {
	mu      sync.Mutex
	applied []Command

	// applyFn, when set, overrides the default always-OK behavior.
	applyFn func(cmd Command) Result
	// postFn, when set, overrides the default res.OK() verdict.
	postFn func(st SystemState, cmd Command, res Result) bool

	beginPropertyCalls int
	beginCaseCalls     int
	endCaseCalls       int
}

func (f *fakeSystem) Name() string           { return "fakesys" }
func (f *fakeSystem) Operations() []string   { return []string{fakeOpPut, fakeOpGet, fakeOpSync, fakeOpAudit} }
func (f *fakeSystem) GlobalOps() []string    { return []string{fakeOpSync, fakeOpAudit} }
func (f *fakeSystem) AssertionOps() []string { return []string{fakeOpAudit} }

func (f *fakeSystem) GenArgs(rng *rand.Rand, op, node string) []interface{} {
	if node == "" {
		return nil
	}
	return []interface{}{node, fmt.Sprintf("k%d", rng.Intn(4))}
}

func (f *fakeSystem) InitialState() SystemState { return fakeSysState{} }

func (f *fakeSystem) Precondition(st SystemState, cmd Command) bool { return true }

func (f *fakeSystem) Apply(ctx context.Context, rc *RunContext, cmd Command) Result {
	f.mu.Lock()
	f.applied = append(f.applied, cmd)
	f.mu.Unlock()
	if f.applyFn != nil {
		return f.applyFn(cmd)
	}
	return Result{Value: "ok"}
}

func (f *fakeSystem) Postcondition(st SystemState, cmd Command, res Result) bool {
	if f.postFn != nil {
		return f.postFn(st, cmd, res)
	}
	return res.OK()
}

func (f *fakeSystem) NextState(st SystemState, res Result, cmd Command) SystemState {
	s := st.(fakeSysState)
	if cmd.Op == fakeOpPut {
		s.puts++
	}
	return s
}

func (f *fakeSystem) BeginProperty(ctx context.Context, rc *RunContext) error {
	f.beginPropertyCalls++
	return nil
}

func (f *fakeSystem) BeginCase(ctx context.Context, rc *RunContext) error {
	f.beginCaseCalls++
	return nil
}

func (f *fakeSystem) EndCase(ctx context.Context, rc *RunContext) error {
	f.endCaseCalls++
	return nil
}

func (f *fakeSystem) appliedOps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ops := make([]string, 0, len(f.applied))
	for _, cmd := range f.applied {
		ops = append(ops, cmd.Op)
	}
	return ops
}

const (
	fakeOpPause    = "pause"
	fakeOpHealAll  = "heal-all"
	fakeOpCrashAll = "crash-all"
)

type fakeFaultState struct {
	faulted map[string]bool
}

func (s fakeFaultState) clone() fakeFaultState {
	out := fakeFaultState{faulted: make(map[string]bool, len(s.faulted))}
	for k, v := range s.faulted {
		out.faulted[k] = v
	}
	return out
}

type fakeFault struct {
	mu      sync.Mutex
	applied []Command

	applyFn func(cmd Command) Result
}

func (f *fakeFault) Name() string { return "fakefault" }

func (f *fakeFault) Operations(joined []string) []string {
	return []string{fakeOpPause, fakeOpHealAll, fakeOpCrashAll}
}

func (f *fakeFault) GlobalOps() []string { return []string{fakeOpHealAll, fakeOpCrashAll} }

func (f *fakeFault) ResolutionOps() (string, string) { return fakeOpHealAll, fakeOpCrashAll }

func (f *fakeFault) GenArgs(rng *rand.Rand, op, node string) []interface{} {
	if node == "" {
		return nil
	}
	return []interface{}{node}
}

func (f *fakeFault) InitialState() FaultState {
	return fakeFaultState{faulted: make(map[string]bool)}
}

func (f *fakeFault) Precondition(st FaultState, cmd Command) bool {
	s := st.(fakeFaultState)
	switch cmd.Op {
	case fakeOpPause:
		return !s.faulted[cmd.Node()]
	default:
		return true
	}
}

func (f *fakeFault) Apply(ctx context.Context, rc *RunContext, cmd Command) Result {
	f.mu.Lock()
	f.applied = append(f.applied, cmd)
	f.mu.Unlock()
	if f.applyFn != nil {
		return f.applyFn(cmd)
	}
	return Result{Value: "ok"}
}

func (f *fakeFault) Postcondition(st FaultState, cmd Command, res Result) bool {
	return res.OK()
}

func (f *fakeFault) NextState(st FaultState, res Result, cmd Command) FaultState {
	s := st.(fakeFaultState).clone()
	switch cmd.Op {
	case fakeOpPause:
		s.faulted[cmd.Node()] = true
	case fakeOpHealAll, fakeOpCrashAll:
		s.faulted = make(map[string]bool)
	}
	return s
}

func (f *fakeFault) Faulted(st FaultState, node string) bool {
	return st.(fakeFaultState).faulted[node]
}

func (f *fakeFault) Resolvable(st FaultState) int {
	return len(st.(fakeFaultState).faulted)
}

type fakeCluster struct {
	nodes        []string
	prepareCalls int
	resetCalls   int
}

func (c *fakeCluster) Nodes() []string { return c.nodes }

func (c *fakeCluster) Addr(node string) (string, error) {
	for _, n := range c.nodes {
		if n == node {
			return "localhost:0", nil
		}
	}
	return "", fmt.Errorf("unknown node: %s", node)
}

func (c *fakeCluster) ResetFaultFlags(ctx context.Context) error {
	c.resetCalls++
	return nil
}

func (c *fakeCluster) Prepare(ctx context.Context, restartPolicy string, recluster bool) error {
	c.prepareCalls++
	return nil
}

// recordingTrace captures hook invocations in order.
type recordingTrace struct {
	mu     sync.Mutex
	events []string
}

func (t *recordingTrace) Enter(node string, cmd Command) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, fmt.Sprintf("enter %s %s", node, cmd.Op))
}

func (t *recordingTrace) Exit(node string, cmd Command) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, fmt.Sprintf("exit %s %s", node, cmd.Op))
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Engine.SystemModel = "fakesys"
	cfg.Engine.FaultModel = "fakefault"
	cfg.Engine.Seed = 1
	cfg.Engine.Runs = 3
	cfg.Engine.SequenceLength = 20
	cfg.Engine.OpTimeout = time.Second
	cfg.Retry.MaxAttempts = 2
	cfg.Retry.Delay = time.Millisecond
	return cfg
}

func testLogger() *logging.Logger {
	cfg := logging.TestLoggingConfig()
	return logging.NewLogger(&cfg)
}

type testEnv struct {
	cfg     *config.Config
	system  *fakeSystem
	fault   *fakeFault
	cluster *fakeCluster
	trace   *recordingTrace
}

func newTestEnv(mutate func(*config.Config)) *testEnv {
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	return &testEnv{
		cfg:     cfg,
		system:  &fakeSystem{},
		fault:   &fakeFault{},
		cluster: &fakeCluster{nodes: cfg.NodeIDs()},
		trace:   &recordingTrace{},
	}
}

func (e *testEnv) runContext(seed int64) *RunContext {
	return NewRunContext("test-run", e.cfg, testLogger(), e.system, e.fault, e.cluster, e.trace, seed)
}
