package engine

import (
	"cluster-modelcheck/internal/config"
)

// Transform applies the configured scheduler strategy to a freshly generated
// sequence. The default strategy returns the sequence unchanged.
func Transform(rc *RunContext, seq []Command) []Command {
	switch rc.Config.Engine.Scheduler {
	case config.SchedulerFiniteFault:
		return FiniteFault(rc, seq)
	case config.SchedulerSingleSuccess:
		return SingleSuccess(rc, seq)
	default:
		return seq
	}
}

// FiniteFault rewrites a sequence into the finite-fault shape: one resolution
// command up front, then all node-targeted commands in their original order,
// then the global non-assertion commands, then the global assertions.
// Interleaving arbitrary faults with global assertions makes verdicts depend
// on fault timing; deferring every global assertion until after an explicit
// resolution step makes pass/fail depend only on final convergence.
//
// The resolution command is chosen 50/50 between healing all faults and
// crash-resolving them when fault injection is enabled, and is always a heal
// otherwise. Output slots are renumbered contiguously from 1.
func FiniteFault(rc *RunContext, seq []Command) []Command {
	globalOps := rc.System.GlobalOps()
	assertionOps := rc.System.AssertionOps()

	targeted := make([]Command, 0, len(seq))
	settles := make([]Command, 0)
	assertions := make([]Command, 0)
	for _, cmd := range seq {
		switch {
		case cmd.Kind == KindSystem && containsStr(globalOps, cmd.Op):
			if containsStr(assertionOps, cmd.Op) {
				assertions = append(assertions, cmd)
			} else {
				settles = append(settles, cmd)
			}
		case cmd.Node() != "":
			targeted = append(targeted, cmd)
		}
		// Anything else (stray resolution commands, forced failures) is
		// dropped; re-running the transform must not stack resolutions.
	}

	out := make([]Command, 0, len(seq)+1)
	out = append(out, resolutionCommand(rc))
	out = append(out, targeted...)
	out = append(out, settles...)
	out = append(out, assertions...)
	return Renumber(out)
}

func resolutionCommand(rc *RunContext) Command {
	heal, crash := rc.Fault.ResolutionOps()
	op := heal
	if rc.FaultInjection() && rc.Rand.Intn(2) == 0 {
		op = crash
	}
	return Command{Kind: KindFault, Op: op}
}

// SingleSuccess keeps exactly one real unit of application work: the first
// node-targeted, non-assertion system command. It is followed by every
// declared global command in declaration order and a single forced-failure
// command, so the run deliberately terminates failing. This validates that
// one committed operation stays observable by all global checks even on the
// failure path, and that verdict reporting still happens there.
func SingleSuccess(rc *RunContext, seq []Command) []Command {
	globalOps := rc.System.GlobalOps()
	assertionOps := rc.System.AssertionOps()

	out := make([]Command, 0, len(globalOps)+2)
	for _, cmd := range seq {
		if cmd.Kind != KindSystem || cmd.Node() == "" {
			continue
		}
		if containsStr(globalOps, cmd.Op) || containsStr(assertionOps, cmd.Op) {
			continue
		}
		out = append(out, cmd)
		break
	}

	for _, op := range globalOps {
		out = append(out, Command{
			Kind: KindSystem,
			Op:   op,
			Args: rc.System.GenArgs(rc.Rand, op, ""),
		})
	}

	out = append(out, Command{Kind: KindForcedFailure, Op: OpForcedFailure})
	return Renumber(out)
}
