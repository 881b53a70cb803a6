package engine

import (
	"context"
	"fmt"
	"time"
)

// Step records one executed command and its verdict.
type Step struct {
	Slot     int      `json:"slot"`
	Kind     string   `json:"kind"`
	Op       string   `json:"op"`
	Node     string   `json:"node"`
	Args     []string `json:"args,omitempty"`
	Passed   bool     `json:"passed"`
	Response string   `json:"response,omitempty"`
	TimedOut bool     `json:"timed_out,omitempty"`
	Error    string   `json:"error,omitempty"`
	// EvalError is set when the command matched no adapter.
	EvalError string `json:"eval_error,omitempty"`
}

// ModelSnapshot is the engine-owned part of the model state captured at the
// first postcondition failure, for shrinking and diagnosis.
type ModelSnapshot struct {
	Counter int      `json:"counter"`
	Joined  []string `json:"joined"`
}

// RunReport aggregates one run: full command history, per-command verdicts,
// a command-name histogram and the overall pass/fail conjunction.
type RunReport struct {
	ID             string         `json:"id"`
	Seed           int64          `json:"seed"`
	Strategy       string         `json:"strategy"`
	Passed         bool           `json:"passed"`
	Steps          []Step         `json:"steps"`
	Histogram      map[string]int `json:"histogram"`
	FailedSlot     int            `json:"failed_slot,omitempty"`
	ModelAtFailure *ModelSnapshot `json:"model_at_failure,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
}

// Driver executes one command sequence end-to-end against the live cluster.
type Driver struct {
	rc   *RunContext
	eval *Evaluator
}

func NewDriver(rc *RunContext) *Driver {
	return &Driver{rc: rc, eval: NewEvaluator(rc)}
}

// Run executes seq strictly in order. Trace hooks fire around every command,
// postconditions are evaluated against the state prior to the command, and a
// failing postcondition flips the run verdict without aborting execution, so
// the full history survives for diagnosis. The state transition runs
// regardless of the verdict. Returns the report and the final model state.
func (d *Driver) Run(ctx context.Context, seq []Command) (*RunReport, State) {
	rc := d.rc
	report := &RunReport{
		ID:        rc.ID,
		Seed:      rc.Config.Engine.Seed,
		Strategy:  rc.Config.Engine.Scheduler,
		Passed:    true,
		Steps:     make([]Step, 0, len(seq)),
		Histogram: make(map[string]int),
		StartedAt: time.Now(),
	}

	st := InitialState(rc)
	for _, cmd := range seq {
		target := cmd.TraceTarget()

		rc.Trace.Enter(target, cmd)
		res := d.dispatch(ctx, cmd)
		rc.Trace.Exit(target, cmd)

		ok, evalErr := d.eval.Postcondition(st, cmd, res)

		step := Step{
			Slot:     cmd.Slot,
			Kind:     cmd.Kind.String(),
			Op:       cmd.Op,
			Node:     cmd.Node(),
			Args:     stringifyArgs(cmd.Args),
			Passed:   ok,
			TimedOut: res.TimedOut,
		}
		if res.Value != nil {
			step.Response = fmt.Sprintf("%v", res.Value)
		}
		if res.Err != nil {
			step.Error = res.Err.Error()
		}
		if evalErr != nil {
			step.EvalError = evalErr.Error()
			rc.Logger.Error("adapter mismatch", "command", cmd.String(), "error", evalErr)
		}

		if !ok {
			if report.Passed {
				report.FailedSlot = cmd.Slot
				report.ModelAtFailure = &ModelSnapshot{
					Counter: st.Counter,
					Joined:  append([]string(nil), st.Joined...),
				}
			}
			report.Passed = false
			rc.Logger.Warn("postcondition failed",
				"command", cmd.String(),
				"response", step.Response,
				"error", step.Error,
				"timed_out", res.TimedOut)
		}

		st = d.eval.NextState(st, res, cmd)
		report.Histogram[cmd.Op]++
		report.Steps = append(report.Steps, step)
	}

	report.FinishedAt = time.Now()
	rc.Logger.Info("run finished",
		"passed", report.Passed,
		"commands", len(report.Steps),
		"histogram", report.Histogram,
		"duration", report.FinishedAt.Sub(report.StartedAt))
	return report, st
}

// dispatch performs the real operation. Every remote call is bounded by the
// configured operation timeout; expiry surfaces as a timed-out result, not an
// engine error.
func (d *Driver) dispatch(ctx context.Context, cmd Command) Result {
	opCtx, cancel := context.WithTimeout(ctx, d.rc.Config.Engine.OpTimeout)
	defer cancel()

	switch cmd.Kind {
	case KindForcedFailure:
		return Result{Value: "forced-failure"}
	case KindFault:
		if d.rc.Fault == nil {
			return Result{Err: fmt.Errorf("no fault model loaded for %s", cmd)}
		}
		return d.rc.Fault.Apply(opCtx, d.rc, cmd)
	default:
		return d.rc.System.Apply(opCtx, d.rc, cmd)
	}
}

func stringifyArgs(args []interface{}) []string {
	if len(args) == 0 {
		return nil
	}
	out := make([]string, 0, len(args))
	for _, a := range args {
		out = append(out, fmt.Sprintf("%v", a))
	}
	return out
}
