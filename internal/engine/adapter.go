package engine

import (
	"context"
	"math/rand"

	"cluster-modelcheck/internal/config"
	"cluster-modelcheck/internal/logging"
	"cluster-modelcheck/internal/retry"
)

// Result is the observed outcome of one command against the live cluster.
// A timeout is a normal result value, not an engine error: postconditions
// decide whether it is acceptable for the command at hand.
type Result struct {
	Value    interface{}
	Err      error
	TimedOut bool
}

// OK reports a clean result: no error and no timeout.
func (r Result) OK() bool {
	return r.Err == nil && !r.TimedOut
}

// SystemModel is the per-SUT capability set. Implementations own the opaque
// SystemState value; the engine never looks inside it.
//
// Apply performs the real operation for system commands and for the engine's
// membership commands (OpJoin/OpLeave), since the adapter owns node
// bring-up. NextState must tolerate a zero Result: the generator threads
// model state through transitions before any real execution happens.
type SystemModel interface {
	Name() string

	// Operations lists the symbolic operations the model contributes.
	// GlobalOps and AssertionOps are subsets of it: global operations are
	// cluster-wide rather than node-targeted, assertion operations are
	// checks with no expected side effect.
	Operations() []string
	GlobalOps() []string
	AssertionOps() []string

	// GenArgs produces the argument list for one generated operation.
	// Node-targeted operations receive their target node as Args[0].
	GenArgs(rng *rand.Rand, op, node string) []interface{}

	InitialState() SystemState
	Precondition(st SystemState, cmd Command) bool
	Apply(ctx context.Context, rc *RunContext, cmd Command) Result
	Postcondition(st SystemState, cmd Command, res Result) bool
	NextState(st SystemState, res Result, cmd Command) SystemState

	// Lifecycle hooks: BeginProperty once per overall property, BeginCase and
	// EndCase around each individual run.
	BeginProperty(ctx context.Context, rc *RunContext) error
	BeginCase(ctx context.Context, rc *RunContext) error
	EndCase(ctx context.Context, rc *RunContext) error
}

// FaultModel is the pluggable fault-injection capability set.
type FaultModel interface {
	Name() string

	// Operations lists the fault operations legal against the given
	// membership. GlobalOps are the cluster-wide resolution operations.
	Operations(joined []string) []string
	GlobalOps() []string

	// ResolutionOps names the two resolution operations used by the
	// finite-fault strategy: heal all faults, and resolve all faults by
	// crash-recovery.
	ResolutionOps() (heal, crash string)

	GenArgs(rng *rand.Rand, op, node string) []interface{}

	InitialState() FaultState
	Precondition(st FaultState, cmd Command) bool
	Apply(ctx context.Context, rc *RunContext, cmd Command) Result
	Postcondition(st FaultState, cmd Command, res Result) bool
	NextState(st FaultState, res Result, cmd Command) FaultState

	// Faulted reports whether the model currently considers node faulted.
	Faulted(st FaultState, node string) bool
	// Resolvable is the count of currently resolvable faults.
	Resolvable(st FaultState) int
}

// Trace is the external deterministic-replay recorder boundary. The driver
// calls both hooks unconditionally around every command, including commands
// whose real effect fails or times out.
type Trace interface {
	Enter(node string, cmd Command)
	Exit(node string, cmd Command)
}

// NopTrace discards all hook calls.
type NopTrace struct{}

func (NopTrace) Enter(string, Command) {}
func (NopTrace) Exit(string, Command)  {}

// Cluster is the slice of the cluster manager the engine itself needs.
// Adapters typically hold the concrete manager for richer control.
type Cluster interface {
	Nodes() []string
	Addr(node string) (string, error)
	// ResetFaultFlags clears process-wide fault-injection state left over
	// from a prior run. Hard precondition for run isolation on node reuse.
	ResetFaultFlags(ctx context.Context) error
	// Prepare applies the between-run node policies: restart per the
	// configured policy and optionally tear the whole cluster down and
	// bring it back up.
	Prepare(ctx context.Context, restartPolicy string, recluster bool) error
}

// RunContext carries everything one run needs, constructed once per run and
// threaded explicitly. There is no global registry of nodes or configuration.
type RunContext struct {
	ID      string
	Config  *config.Config
	Logger  *logging.Logger
	System  SystemModel
	Fault   FaultModel
	Cluster Cluster
	Trace   Trace
	Retry   retry.Policy
	Rand    *rand.Rand
}

// NewRunContext assembles a run context. A nil trace defaults to NopTrace.
func NewRunContext(id string, cfg *config.Config, logger *logging.Logger,
	system SystemModel, fault FaultModel, cluster Cluster, trace Trace, seed int64) *RunContext {
	if trace == nil {
		trace = NopTrace{}
	}
	return &RunContext{
		ID:      id,
		Config:  cfg,
		Logger:  logger.WithRun(id),
		System:  system,
		Fault:   fault,
		Cluster: cluster,
		Trace:   trace,
		Retry: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Delay:       cfg.Retry.Delay,
		},
		Rand: rand.New(rand.NewSource(seed)),
	}
}

// FaultInjection reports whether the fault pool participates in generation.
func (rc *RunContext) FaultInjection() bool {
	return rc.Config.Engine.FaultInjection && rc.Fault != nil
}

// MembershipChanges reports whether the membership pool participates.
func (rc *RunContext) MembershipChanges() bool {
	return rc.Config.Engine.MembershipChanges
}
