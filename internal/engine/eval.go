package engine

import (
	"errors"
	"fmt"
)

// ErrAdapterMismatch marks a command recognized by neither adapter nor the
// engine. It indicates a generator/adapter mismatch bug and fails the run
// instead of being swallowed.
var ErrAdapterMismatch = errors.New("command matches no adapter")

// quorumMin is the minimum number of joined nodes required before
// node-targeted system or fault commands become legal.
const quorumMin = 3

// leaveMin is the joined-node count a leave must strictly exceed, so the
// cluster never drops below a working quorum through membership changes.
const leaveMin = 3

// Evaluator gates command applicability and computes verdicts and state
// transitions against the composite model.
type Evaluator struct {
	rc *RunContext
}

func NewEvaluator(rc *RunContext) *Evaluator {
	return &Evaluator{rc: rc}
}

// Precondition reports whether cmd is legal to select or run in state s.
func (e *Evaluator) Precondition(s State, cmd Command) bool {
	switch cmd.Kind {
	case KindForcedFailure:
		// Always legal; only the single-success strategy emits it.
		return true

	case KindMembership:
		return e.membershipPrecondition(s, cmd)

	case KindSystem:
		if containsStr(e.rc.System.GlobalOps(), cmd.Op) {
			// Recognized cluster-wide command, legal unconditionally.
			return true
		}
		if !containsStr(e.rc.System.Operations(), cmd.Op) {
			return false
		}
		node := cmd.Node()
		if len(s.Joined) < quorumMin || !s.IsJoined(node) {
			return false
		}
		if e.rc.Fault != nil && e.rc.Fault.Faulted(s.FaultState, node) {
			return false
		}
		return e.rc.System.Precondition(s.SystemState, cmd)

	case KindFault:
		if e.rc.Fault == nil {
			return false
		}
		if containsStr(e.rc.Fault.GlobalOps(), cmd.Op) {
			return true
		}
		if !containsStr(e.rc.Fault.Operations(s.Joined), cmd.Op) {
			return false
		}
		node := cmd.Node()
		if len(s.Joined) < quorumMin || !s.IsJoined(node) {
			return false
		}
		return e.rc.Fault.Precondition(s.FaultState, cmd)

	default:
		return false
	}
}

func (e *Evaluator) membershipPrecondition(s State, cmd Command) bool {
	node, via := cmd.Node(), cmd.Via()
	if !s.IsNode(node) || !s.IsJoined(via) {
		// Topology changes always reference an already-stable member as the
		// coordination point.
		return false
	}
	switch cmd.Op {
	case OpJoin:
		return !s.IsJoined(node)
	case OpLeave:
		return s.IsJoined(node) && node != via && len(s.Joined) > leaveMin
	default:
		return false
	}
}

// Postcondition decides whether res is acceptable for cmd given the state
// prior to the command. A command matching neither adapter is an evaluation
// error: the run fails with ErrAdapterMismatch rather than silently passing.
func (e *Evaluator) Postcondition(s State, cmd Command, res Result) (bool, error) {
	switch cmd.Kind {
	case KindForcedFailure:
		return false, nil

	case KindMembership:
		if cmd.Op != OpJoin && cmd.Op != OpLeave {
			return false, fmt.Errorf("%w: %s", ErrAdapterMismatch, cmd)
		}
		return res.OK(), nil

	case KindSystem:
		if !containsStr(e.rc.System.Operations(), cmd.Op) &&
			!containsStr(e.rc.System.GlobalOps(), cmd.Op) {
			return false, fmt.Errorf("%w: %s", ErrAdapterMismatch, cmd)
		}
		return e.rc.System.Postcondition(s.SystemState, cmd, res), nil

	case KindFault:
		if e.rc.Fault == nil {
			return false, fmt.Errorf("%w: %s", ErrAdapterMismatch, cmd)
		}
		if !containsStr(e.rc.Fault.Operations(s.Joined), cmd.Op) &&
			!containsStr(e.rc.Fault.GlobalOps(), cmd.Op) {
			return false, fmt.Errorf("%w: %s", ErrAdapterMismatch, cmd)
		}
		return e.rc.Fault.Postcondition(s.FaultState, cmd, res), nil

	default:
		return false, fmt.Errorf("%w: %s", ErrAdapterMismatch, cmd)
	}
}

// NextState produces the successor model state. The transition runs strictly
// after the real effect has been observed; postconditions were already
// evaluated against the pre-transition state. Counter increments for every
// command, including no-op fallthroughs, so the model never desynchronizes
// from a system that partially applied an effect.
func (e *Evaluator) NextState(s State, res Result, cmd Command) State {
	out := s.clone()
	out.Counter++

	switch cmd.Kind {
	case KindMembership:
		switch cmd.Op {
		case OpJoin:
			if !out.IsJoined(cmd.Node()) {
				out.Joined = append(out.Joined, cmd.Node())
			}
		case OpLeave:
			out.Joined = removeStr(out.Joined, cmd.Node())
		}

	case KindSystem:
		if containsStr(e.rc.System.Operations(), cmd.Op) ||
			containsStr(e.rc.System.GlobalOps(), cmd.Op) {
			out.SystemState = e.rc.System.NextState(s.SystemState, res, cmd)
		}

	case KindFault:
		if e.rc.Fault != nil &&
			(containsStr(e.rc.Fault.Operations(s.Joined), cmd.Op) ||
				containsStr(e.rc.Fault.GlobalOps(), cmd.Op)) {
			out.FaultState = e.rc.Fault.NextState(s.FaultState, res, cmd)
		}
	}

	return out
}

func containsStr(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func removeStr(set []string, s string) []string {
	out := set[:0]
	for _, v := range set {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
