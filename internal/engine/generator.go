package engine

import (
	"math/rand"

	"github.com/leanovate/gopter"
)

// Relative per-candidate weights of the three operation pools. Application
// operations dominate; membership changes stay rare so runs keep a stable
// topology most of the time.
const (
	weightMembership = 1
	weightFault      = 2
	weightSystem     = 4
)

// Generator produces one finite sequence of symbolic commands per run. It
// threads the model state through transitions while generating, so every
// emitted command satisfies its precondition at its position, and any prefix
// of the output is itself a valid sequence.
type Generator struct {
	rc   *RunContext
	eval *Evaluator
	rng  *rand.Rand
}

// NewGenerator builds a generator drawing randomness from rng. A nil rng
// falls back to the run context's seeded source.
func NewGenerator(rc *RunContext, rng *rand.Rand) *Generator {
	if rng == nil {
		rng = rc.Rand
	}
	return &Generator{
		rc:   rc,
		eval: NewEvaluator(rc),
		rng:  rng,
	}
}

// Sequence generates up to n commands. Generation stops early only if no
// legal command exists in the current model state.
func (g *Generator) Sequence(n int) []Command {
	st := InitialState(g.rc)
	seq := make([]Command, 0, n)
	for i := 0; i < n; i++ {
		cmd, ok := g.next(st)
		if !ok {
			break
		}
		cmd.Slot = len(seq) + 1
		seq = append(seq, cmd)
		st = g.eval.NextState(st, Result{}, cmd)
	}
	return seq
}

type weightedCommand struct {
	cmd    Command
	weight int
}

// next makes one frequency-weighted choice across the membership, fault and
// system pools. Disabled pools contribute zero weight.
func (g *Generator) next(st State) (Command, bool) {
	candidates := make([]weightedCommand, 0, 32)
	candidates = append(candidates, g.membershipCandidates(st)...)
	candidates = append(candidates, g.faultCandidates(st)...)
	candidates = append(candidates, g.systemCandidates(st)...)

	total := 0
	for _, c := range candidates {
		total += c.weight
	}
	if total == 0 {
		return Command{}, false
	}

	pick := g.rng.Intn(total)
	for _, c := range candidates {
		pick -= c.weight
		if pick < 0 {
			return c.cmd, true
		}
	}
	return Command{}, false
}

func (g *Generator) membershipCandidates(st State) []weightedCommand {
	if !g.rc.MembershipChanges() {
		return nil
	}
	out := make([]weightedCommand, 0)
	for _, op := range []string{OpJoin, OpLeave} {
		for _, node := range st.Nodes {
			for _, via := range st.Joined {
				cmd := Command{Kind: KindMembership, Op: op, Args: []interface{}{node, via}}
				if g.eval.Precondition(st, cmd) {
					out = append(out, weightedCommand{cmd: cmd, weight: weightMembership})
				}
			}
		}
	}
	return out
}

func (g *Generator) faultCandidates(st State) []weightedCommand {
	if !g.rc.FaultInjection() {
		return nil
	}
	fault := g.rc.Fault
	out := make([]weightedCommand, 0)
	for _, op := range fault.Operations(st.Joined) {
		if containsStr(fault.GlobalOps(), op) {
			cmd := Command{Kind: KindFault, Op: op, Args: fault.GenArgs(g.rng, op, "")}
			if g.eval.Precondition(st, cmd) {
				out = append(out, weightedCommand{cmd: cmd, weight: weightFault})
			}
			continue
		}
		for _, node := range st.Joined {
			cmd := Command{Kind: KindFault, Op: op, Args: fault.GenArgs(g.rng, op, node)}
			if g.eval.Precondition(st, cmd) {
				out = append(out, weightedCommand{cmd: cmd, weight: weightFault})
			}
		}
	}
	return out
}

func (g *Generator) systemCandidates(st State) []weightedCommand {
	system := g.rc.System
	out := make([]weightedCommand, 0)
	for _, op := range system.Operations() {
		if containsStr(system.GlobalOps(), op) {
			cmd := Command{Kind: KindSystem, Op: op, Args: system.GenArgs(g.rng, op, "")}
			if g.eval.Precondition(st, cmd) {
				out = append(out, weightedCommand{cmd: cmd, weight: weightSystem})
			}
			continue
		}
		for _, node := range st.Joined {
			cmd := Command{Kind: KindSystem, Op: op, Args: system.GenArgs(g.rng, op, node)}
			if g.eval.Precondition(st, cmd) {
				out = append(out, weightedCommand{cmd: cmd, weight: weightSystem})
			}
		}
	}
	return out
}

// GenSequence wraps the generator as a gopter generator of command slices so
// properties get shrinking over sequences for free.
func GenSequence(rc *RunContext, maxLen int) gopter.Gen {
	return func(params *gopter.GenParameters) *gopter.GenResult {
		n := maxLen
		if maxLen > 0 {
			n = 1 + params.Rng.Intn(maxLen)
		}
		seq := NewGenerator(rc, params.Rng).Sequence(n)
		return gopter.NewGenResult(seq, sequenceShrinker)
	}
}

// sequenceShrinker shrinks a command sequence toward shorter prefixes. Every
// prefix of a generated sequence is structurally valid, so shrinking never
// has to re-check preconditions.
func sequenceShrinker(v interface{}) gopter.Shrink {
	seq, ok := v.([]Command)
	if !ok || len(seq) == 0 {
		return gopter.NoShrink
	}

	candidates := make([][]Command, 0, 3)
	candidates = append(candidates, []Command{})
	if half := len(seq) / 2; half > 0 && half < len(seq) {
		candidates = append(candidates, Renumber(seq[:half]))
	}
	candidates = append(candidates, Renumber(seq[:len(seq)-1]))

	i := 0
	return func() (interface{}, bool) {
		if i >= len(candidates) {
			return nil, false
		}
		out := candidates[i]
		i++
		return out, true
	}
}
