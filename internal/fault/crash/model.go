// Package crash is the process-level fault model: it kills, freezes and
// revives node processes through the cluster manager. Crashes stop the
// process outright; partitions freeze it so the node stays alive but stops
// answering in time.
package crash

import (
	"context"
	"fmt"
	"math/rand"

	"cluster-modelcheck/internal/cluster"
	"cluster-modelcheck/internal/engine"
	"cluster-modelcheck/internal/logging"
)

const ModelName = "crash"

// Fault operations contributed by this model.
const (
	OpCrash     = "crash"
	OpRestart   = "restart"
	OpPartition = "partition"
	OpHeal      = "heal"

	// Cluster-wide resolution operations.
	OpHealAll    = "heal-all"
	OpRestartAll = "restart-all"
)

type faultKind int

const (
	faultCrashed faultKind = iota
	faultPartitioned
)

func (k faultKind) String() string {
	if k == faultCrashed {
		return "crashed"
	}
	return "partitioned"
}

// State is this model's opaque share of the composite model state: which
// nodes carry which fault.
type State struct {
	Faults map[string]faultKind
}

func (s State) clone() State {
	out := State{Faults: make(map[string]faultKind, len(s.Faults))}
	for node, kind := range s.Faults {
		out.Faults[node] = kind
	}
	return out
}

// Model implements engine.FaultModel.
type Model struct {
	mgr    *cluster.Manager
	logger *logging.Logger
	// maxFaults caps concurrent faults so a healthy majority survives.
	maxFaults int
}

var _ engine.FaultModel = (*Model)(nil)

func New(mgr *cluster.Manager, logger *logging.Logger) *Model {
	nodes := len(mgr.Nodes())
	return &Model{
		mgr:       mgr,
		logger:    logger.WithComponent("fault-crash"),
		maxFaults: (nodes - 1) / 2,
	}
}

func (m *Model) Name() string { return ModelName }

func (m *Model) Operations(joined []string) []string {
	if len(joined) == 0 {
		return nil
	}
	return []string{OpCrash, OpRestart, OpPartition, OpHeal}
}

func (m *Model) GlobalOps() []string {
	return []string{OpHealAll, OpRestartAll}
}

func (m *Model) ResolutionOps() (heal, crash string) {
	return OpHealAll, OpRestartAll
}

func (m *Model) GenArgs(rng *rand.Rand, op, node string) []interface{} {
	if node == "" {
		return nil
	}
	return []interface{}{node}
}

func (m *Model) InitialState() engine.FaultState {
	return State{Faults: make(map[string]faultKind)}
}

func (m *Model) Precondition(st engine.FaultState, cmd engine.Command) bool {
	s, ok := st.(State)
	if !ok {
		return false
	}
	node := cmd.Node()
	kind, faulted := s.Faults[node]
	switch cmd.Op {
	case OpCrash, OpPartition:
		return !faulted && len(s.Faults) < m.maxFaults
	case OpRestart:
		return faulted && kind == faultCrashed
	case OpHeal:
		return faulted && kind == faultPartitioned
	case OpHealAll, OpRestartAll:
		return true
	default:
		return false
	}
}

func (m *Model) Apply(ctx context.Context, rc *engine.RunContext, cmd engine.Command) engine.Result {
	node := cmd.Node()
	var err error
	switch cmd.Op {
	case OpCrash:
		err = m.mgr.StopNode(node)
	case OpRestart:
		err = m.mgr.RestartNode(ctx, node)
	case OpPartition:
		err = m.mgr.SuspendNode(node)
	case OpHeal:
		err = m.mgr.ResumeNode(node)
	case OpHealAll:
		err = m.healAll(ctx)
	case OpRestartAll:
		err = m.restartAll(ctx)
	default:
		err = fmt.Errorf("unknown fault operation: %s", cmd.Op)
	}
	if err != nil {
		return engine.Result{Err: err}
	}
	return engine.Result{Value: "ok"}
}

// healAll resolves every outstanding fault in place: frozen processes are
// resumed, dead ones restarted.
func (m *Model) healAll(ctx context.Context) error {
	for _, node := range m.mgr.Nodes() {
		state, err := m.mgr.NodeStatus(node)
		if err != nil {
			return err
		}
		switch state {
		case cluster.NodeSuspended:
			if err := m.mgr.ResumeNode(node); err != nil {
				return err
			}
		case cluster.NodeStopped:
			if err := m.mgr.StartNode(ctx, node); err != nil {
				return err
			}
		}
	}
	return nil
}

// restartAll resolves every fault by crash-recovery: all nodes restart from
// scratch whether faulted or not.
func (m *Model) restartAll(ctx context.Context) error {
	for _, node := range m.mgr.Nodes() {
		if err := m.mgr.RestartNode(ctx, node); err != nil {
			return err
		}
	}
	return nil
}

func (m *Model) Postcondition(st engine.FaultState, cmd engine.Command, res engine.Result) bool {
	// Fault injection itself must always succeed; a failed injection means
	// the harness lost control of the cluster.
	return res.OK()
}

func (m *Model) NextState(st engine.FaultState, res engine.Result, cmd engine.Command) engine.FaultState {
	s, ok := st.(State)
	if !ok {
		return st
	}
	out := s.clone()
	node := cmd.Node()
	switch cmd.Op {
	case OpCrash:
		out.Faults[node] = faultCrashed
	case OpPartition:
		out.Faults[node] = faultPartitioned
	case OpRestart, OpHeal:
		delete(out.Faults, node)
	case OpHealAll, OpRestartAll:
		out.Faults = make(map[string]faultKind)
	}
	return out
}

func (m *Model) Faulted(st engine.FaultState, node string) bool {
	s, ok := st.(State)
	if !ok {
		return false
	}
	_, faulted := s.Faults[node]
	return faulted
}

func (m *Model) Resolvable(st engine.FaultState) int {
	s, ok := st.(State)
	if !ok {
		return 0
	}
	return len(s.Faults)
}
