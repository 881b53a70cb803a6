package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cluster-modelcheck/internal/config"
	"cluster-modelcheck/internal/logging"
)

// Summary aggregates a whole property: every run's verdict.
type Summary struct {
	Runs      int           `json:"runs"`
	Passed    int           `json:"passed"`
	Failed    int           `json:"failed"`
	FailedIDs []string      `json:"failed_ids,omitempty"`
	Seed      int64         `json:"seed"`
	Duration  time.Duration `json:"duration"`
}

// Runner drives the generate-transform-execute loop for a configured number
// of runs. Only one runner may execute against a given cluster at a time.
type Runner struct {
	cfg     *config.Config
	logger  *logging.Logger
	system  SystemModel
	fault   FaultModel
	cluster Cluster
	trace   Trace

	// Sink, when set, receives every finished run report.
	Sink func(*RunReport)
}

func NewRunner(cfg *config.Config, logger *logging.Logger,
	system SystemModel, fault FaultModel, cluster Cluster, trace Trace) *Runner {
	return &Runner{
		cfg:     cfg,
		logger:  logger,
		system:  system,
		fault:   fault,
		cluster: cluster,
		trace:   trace,
	}
}

// Run executes the configured number of runs sequentially. Run-level setup
// failures (lifecycle hooks, cluster preparation) abort the whole property;
// per-command failures only flip the affected run's verdict.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	seed := r.cfg.Engine.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	r.logger.Info("starting property",
		"runs", r.cfg.Engine.Runs,
		"seed", seed,
		"scheduler", r.cfg.Engine.Scheduler,
		"system_model", r.system.Name())

	start := time.Now()
	summary := &Summary{Seed: seed}

	propCtx := r.newRunContext("property", seed)
	if err := r.system.BeginProperty(ctx, propCtx); err != nil {
		return nil, fmt.Errorf("begin property: %w", err)
	}

	for i := 0; i < r.cfg.Engine.Runs; i++ {
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		default:
		}

		report, err := r.runOne(ctx, seed+int64(i))
		if err != nil {
			return summary, fmt.Errorf("run %d: %w", i+1, err)
		}

		summary.Runs++
		if report.Passed {
			summary.Passed++
		} else {
			summary.Failed++
			summary.FailedIDs = append(summary.FailedIDs, report.ID)
		}
		if r.Sink != nil {
			r.Sink(report)
		}
	}

	summary.Duration = time.Since(start)
	r.logger.Info("property finished",
		"runs", summary.Runs,
		"passed", summary.Passed,
		"failed", summary.Failed,
		"duration", summary.Duration)
	return summary, nil
}

func (r *Runner) runOne(ctx context.Context, seed int64) (*RunReport, error) {
	rc := r.newRunContext(uuid.NewString(), seed)

	if err := r.cluster.Prepare(ctx, r.cfg.Engine.NodeRestart, r.cfg.Engine.FullRecluster); err != nil {
		return nil, fmt.Errorf("prepare cluster: %w", err)
	}
	if err := r.cluster.ResetFaultFlags(ctx); err != nil {
		return nil, fmt.Errorf("reset fault flags: %w", err)
	}
	if err := r.system.BeginCase(ctx, rc); err != nil {
		return nil, fmt.Errorf("begin case: %w", err)
	}

	seq := NewGenerator(rc, nil).Sequence(r.cfg.Engine.SequenceLength)
	seq = Transform(rc, seq)
	rc.Logger.Debug("sequence generated", "length", len(seq))

	report, _ := NewDriver(rc).Run(ctx, seq)
	report.Seed = seed

	if err := r.system.EndCase(ctx, rc); err != nil {
		rc.Logger.Warn("end case hook failed", "error", err)
	}
	return report, nil
}

func (r *Runner) newRunContext(id string, seed int64) *RunContext {
	return NewRunContext(id, r.cfg, r.logger, r.system, r.fault, r.cluster, r.trace, seed)
}
