package orchestrator

import (
	"context"
	"errors"
	"time"

	"goa.design/clue/log"

	"github.com/mpataki/agentrun/internal/models"
	"github.com/mpataki/agentrun/internal/transcript"
)

// SessionOutput returns the run's full output: the session transcript when
// one can be found, the live buffer otherwise.
func (o *Orchestrator) SessionOutput(ctx context.Context, runID int64) (string, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.SessionID == "" {
		return o.LiveOutput(runID), nil
	}
	content, err := o.transcripts.ReadFull(run.SessionID, run.ProjectPath)
	if err == nil {
		return content, nil
	}
	if !errors.Is(err, transcript.ErrNotFound) {
		log.Warnf(ctx, "read transcript for run %d: %v", runID, err)
	}
	return o.LiveOutput(runID), nil
}

// StreamSessionOutput feeds new transcript content to fn as it is written,
// until the run leaves the running status.
func (o *Orchestrator) StreamSessionOutput(ctx context.Context, runID int64, fn func(chunk string) error) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	active := func(ctx context.Context) (bool, error) {
		status, err := o.store.GetStatus(ctx, runID)
		if err != nil {
			return false, err
		}
		return status == models.RunStatusRunning, nil
	}

	// The session id only shows up with the first output line.
	interval := o.missingInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	for run.SessionID == "" {
		if run.Status.IsTerminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		if run, err = o.store.GetRun(ctx, runID); err != nil {
			return err
		}
	}

	return o.transcripts.Follow(ctx, run.SessionID, run.ProjectPath, transcript.FollowOptions{
		Interval:        o.tailInterval,
		MissingInterval: o.missingInterval,
		Active:          active,
	}, func(chunk []byte) error {
		return fn(string(chunk))
	})
}

// RunWithMetrics returns the run with its output and transcript metrics.
func (o *Orchestrator) RunWithMetrics(ctx context.Context, runID int64) (*models.RunWithMetrics, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	output, err := o.SessionOutput(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &models.RunWithMetrics{
		Run:     run,
		Metrics: transcript.Metrics(output),
		Output:  output,
	}, nil
}

// SessionHistory decodes the run's transcript records.
func (o *Orchestrator) SessionHistory(ctx context.Context, runID int64) ([]map[string]any, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.SessionID == "" {
		return nil, transcript.ErrNotFound
	}
	return o.transcripts.History(run.SessionID, run.ProjectPath)
}
