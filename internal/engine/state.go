package engine

import "cluster-modelcheck/internal/config"

// SystemState is the system model adapter's opaque share of the model state.
// The engine stores and threads it but never inspects it.
type SystemState interface{}

// FaultState is the fault model adapter's opaque share of the model state.
type FaultState interface{}

// State is the composite abstract model threaded through one test run. It is
// created fresh per run and treated as immutable: every transition returns a
// copy instead of mutating in place, keeping history replayable.
type State struct {
	// Counter increments once per command whose transition function executes.
	// Ordering and debugging only, never a correctness input.
	Counter int

	// Nodes is fixed at run start.
	Nodes []string

	// Joined is the subset of Nodes the model believes are cluster members,
	// in first-join order.
	Joined []string

	FaultState  FaultState
	SystemState SystemState
}

// InitialState builds the model state for a fresh run. Membership starts as
// all nodes or just the first, per configuration.
func InitialState(rc *RunContext) State {
	nodes := rc.Config.NodeIDs()

	var joined []string
	if rc.Config.Engine.InitialMembership == config.MembershipFirst {
		joined = append(joined, nodes[0])
	} else {
		joined = append(joined, nodes...)
	}

	st := State{
		Counter: 0,
		Nodes:   nodes,
		Joined:  joined,
	}
	if rc.Fault != nil {
		st.FaultState = rc.Fault.InitialState()
	}
	st.SystemState = rc.System.InitialState()
	return st
}

// clone copies the slice-valued fields so a transition cannot alias the
// previous state. Opaque sub-states are copied by their owning adapters.
func (s State) clone() State {
	out := s
	out.Nodes = append([]string(nil), s.Nodes...)
	out.Joined = append([]string(nil), s.Joined...)
	return out
}

// IsJoined reports whether node is currently a member in the model.
func (s State) IsJoined(node string) bool {
	for _, n := range s.Joined {
		if n == node {
			return true
		}
	}
	return false
}

// IsNode reports whether node is part of the fixed node set.
func (s State) IsNode(node string) bool {
	for _, n := range s.Nodes {
		if n == node {
			return true
		}
	}
	return false
}
