package orchestrator

import (
	"context"
	"time"

	"goa.design/clue/log"

	"github.com/mpataki/agentrun/internal/models"
	"github.com/mpataki/agentrun/internal/notify"
)

// Sweep finds running rows whose process is gone and marks them completed.
// A process that disappeared without being observed may have failed or been
// killed; the exit status is unrecoverable, so such rows are flagged as
// reconciled. Runs supervised by this instance are left to their
// supervisor. It returns the ids it corrected.
func (o *Orchestrator) Sweep(ctx context.Context) ([]int64, error) {
	runs, err := o.store.ListRunningRuns(ctx)
	if err != nil {
		return nil, err
	}

	var fixed []int64
	for _, run := range runs {
		if run.PID == nil || o.supervised(run.ID) != nil {
			continue
		}
		if o.alive(*run.PID) {
			continue
		}

		rctx := log.With(ctx, log.KV{K: "run", V: run.ID})
		if o.registry.Release(run.ID) {
			log.Warnf(rctx, "released stale registry entry")
		}
		updated, err := o.store.ReconcileRun(ctx, run.ID)
		if err != nil {
			log.Errorf(rctx, err, "failed to reconcile run")
			continue
		}
		if !updated {
			continue
		}
		log.Infof(rctx, "process %d is gone; marked %s", *run.PID, models.RunStatusCompleted)
		record(ctx, o.metrics.reconciled)
		o.emit(ctx, notify.Complete(run.ID, string(models.RunStatusCompleted), true))
		fixed = append(fixed, run.ID)
	}
	return fixed, nil
}

// RunSweeper sweeps immediately and then every interval until ctx is done.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if fixed, err := o.Sweep(ctx); err != nil {
			log.Errorf(ctx, err, "sweep failed")
		} else if len(fixed) > 0 {
			log.Printf(ctx, "reconciled %d run(s): %v", len(fixed), fixed)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
