package engine

import (
	"fmt"
	"strings"
)

// Kind identifies which adapter a symbolic command dispatches to.
type Kind int

const (
	KindMembership Kind = iota
	KindFault
	KindSystem
	KindForcedFailure
)

func (k Kind) String() string {
	switch k {
	case KindMembership:
		return "membership"
	case KindFault:
		return "fault"
	case KindSystem:
		return "system"
	case KindForcedFailure:
		return "forced-failure"
	default:
		return "unknown"
	}
}

// Membership operations contributed by the engine itself.
const (
	OpJoin  = "join"
	OpLeave = "leave"
)

// OpForcedFailure is the engine-internal command whose postcondition is
// defined to always fail. Used by the single-success strategy.
const OpForcedFailure = "forced-failure"

// Command is one symbolic operation: a target adapter, an operation name and
// its arguments, tagged with a 1-based sequence slot so the driver can bind
// and reference its result. For node-targeted commands Args[0] is the node
// identity; membership commands additionally carry the coordinating peer in
// Args[1].
type Command struct {
	Kind Kind
	Op   string
	Args []interface{}
	Slot int
}

// Node returns the target node identity, or "" for commands not tied to a
// specific node.
func (c Command) Node() string {
	if len(c.Args) == 0 {
		return ""
	}
	if node, ok := c.Args[0].(string); ok {
		return node
	}
	return ""
}

// Via returns the coordinating peer of a membership command.
func (c Command) Via() string {
	if len(c.Args) < 2 {
		return ""
	}
	if via, ok := c.Args[1].(string); ok {
		return via
	}
	return ""
}

// TraceTarget is the normalized node identity passed to trace hooks. Commands
// without a specific target are attributed to the whole cluster.
func (c Command) TraceTarget() string {
	if node := c.Node(); node != "" {
		return node
	}
	return "cluster"
}

func (c Command) String() string {
	args := make([]string, 0, len(c.Args))
	for _, a := range c.Args {
		args = append(args, fmt.Sprintf("%v", a))
	}
	return fmt.Sprintf("#%d %s/%s(%s)", c.Slot, c.Kind, c.Op, strings.Join(args, ", "))
}

// Renumber rewrites the slots of seq contiguously from 1 so result binding
// stays consistent after a transformation. The input is not modified.
func Renumber(seq []Command) []Command {
	out := make([]Command, len(seq))
	for i, cmd := range seq {
		cmd.Slot = i + 1
		out[i] = cmd
	}
	return out
}
