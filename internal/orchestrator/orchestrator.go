// Package orchestrator launches agent CLI processes for runs, supervises
// them to a terminal status, and serves their output.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/mpataki/agentrun/internal/models"
	"github.com/mpataki/agentrun/internal/notify"
	"github.com/mpataki/agentrun/internal/registry"
	"github.com/mpataki/agentrun/internal/transcript"
	"github.com/mpataki/agentrun/internal/workspace"
)

// RunStore is the durable run record. Every status write is conditional on
// the current status and reports whether it applied.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.Run) (int64, error)
	GetRun(ctx context.Context, id int64) (*models.Run, error)
	GetStatus(ctx context.Context, id int64) (models.RunStatus, error)
	ListRuns(ctx context.Context, limit int) ([]*models.Run, error)
	ListRunsByAgent(ctx context.Context, agentID string) ([]*models.Run, error)
	ListRunningRuns(ctx context.Context) ([]*models.Run, error)
	MarkRunning(ctx context.Context, id int64, pid int, startedAt time.Time) (bool, error)
	SetSessionID(ctx context.Context, id int64, sessionID string) (bool, error)
	FinishRun(ctx context.Context, id int64, status models.RunStatus) (bool, error)
	FailPending(ctx context.Context, id int64) (bool, error)
	ReconcileRun(ctx context.Context, id int64) (bool, error)
	RunningPID(ctx context.Context, id int64) (*int, error)
	DeleteRun(ctx context.Context, id int64) error
}

// AgentSource resolves agent definitions by id.
type AgentSource interface {
	Agent(id string) (*models.Agent, error)
}

type Options struct {
	Store    RunStore
	Agents   AgentSource
	Registry *registry.Registry
	Locator  Locator
	// Transcripts reads session transcripts; defaults to ~/.claude/projects.
	Transcripts *transcript.Reader
	// Notifier receives every event in addition to the in-process hub. It
	// is fed from a queue of NotifyBuffer events so a slow sink never
	// stalls output draining.
	Notifier     notify.Notifier
	NotifyBuffer int

	StartupTimeout  time.Duration
	DrainTimeout    time.Duration
	TailInterval    time.Duration
	MissingInterval time.Duration
}

type Orchestrator struct {
	store       RunStore
	agents      AgentSource
	registry    *registry.Registry
	locator     Locator
	transcripts *transcript.Reader
	hub         *notify.Hub
	sinks       *notify.Async
	notifier    notify.Notifier
	metrics     *instruments
	alive       func(pid int) bool

	startupTimeout  time.Duration
	drainTimeout    time.Duration
	tailInterval    time.Duration
	missingInterval time.Duration

	mu     sync.Mutex
	active map[int64]*supervision
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		store:           opts.Store,
		agents:          opts.Agents,
		registry:        opts.Registry,
		locator:         opts.Locator,
		transcripts:     opts.Transcripts,
		hub:             notify.NewHub(),
		metrics:         newInstruments(),
		alive:           registry.Alive,
		startupTimeout:  opts.StartupTimeout,
		drainTimeout:    opts.DrainTimeout,
		tailInterval:    opts.TailInterval,
		missingInterval: opts.MissingInterval,
		active:          map[int64]*supervision{},
	}
	if o.registry == nil {
		o.registry = registry.New(0)
	}
	if o.locator == nil {
		o.locator = PathLocator{}
	}
	if o.transcripts == nil {
		o.transcripts = &transcript.Reader{}
		if r, err := transcript.NewReader(""); err == nil {
			o.transcripts = r
		}
	}
	if o.startupTimeout <= 0 {
		o.startupTimeout = 30 * time.Second
	}
	if o.drainTimeout <= 0 {
		o.drainTimeout = 5 * time.Second
	}
	o.notifier = notify.Multi{o.hub}
	if opts.Notifier != nil {
		next := opts.Notifier
		if _, ok := next.(notify.Multi); !ok {
			next = notify.Multi{next}
		}
		o.sinks = notify.NewAsync(next, opts.NotifyBuffer)
		o.notifier = notify.Multi{o.hub, o.sinks}
	}
	return o
}

// Close flushes events still queued for the external sinks.
func (o *Orchestrator) Close(ctx context.Context) error {
	if o.sinks == nil {
		return nil
	}
	if n := o.sinks.Dropped(); n > 0 {
		log.Warnf(ctx, "%d event(s) never reached the notification sinks", n)
	}
	return o.sinks.Close(ctx)
}

type Request struct {
	AgentID     string
	ProjectPath string
	// Task and Model fall back to the agent's defaults when empty.
	Task  string
	Model string
}

// Execute starts an agent run and returns its id once the process is up and
// the run is durably recorded as running. Supervision continues in the
// background after Execute returns; a spawn failure marks the run failed
// and is returned to the caller.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (int64, error) {
	agent, err := o.agents.Agent(req.AgentID)
	if err != nil {
		return 0, err
	}
	task := strings.TrimSpace(req.Task)
	if task == "" {
		task = agent.DefaultTask
	}
	if task == "" {
		return 0, fmt.Errorf("agent %q: task is required", agent.ID)
	}
	model := req.Model
	if model == "" {
		model = agent.Model
	}
	ws, err := workspace.Open(req.ProjectPath)
	if err != nil {
		return 0, err
	}

	run := &models.Run{
		AgentID:     agent.ID,
		AgentName:   agent.Name,
		AgentIcon:   agent.Icon,
		Task:        task,
		Model:       model,
		ProjectPath: ws.Path,
	}
	// Hooks go in before the row exists so a project we cannot configure
	// never gets a run.
	wrote, err := ws.WriteHooks(agent.Hooks)
	if err != nil {
		return 0, fmt.Errorf("failed to write agent hooks: %w", err)
	}

	runID, err := o.store.CreateRun(ctx, run)
	if err != nil {
		return 0, fmt.Errorf("failed to create run: %w", err)
	}
	ctx = log.With(ctx, log.KV{K: "run", V: runID}, log.KV{K: "agent", V: agent.ID})
	if wrote {
		log.Debugf(ctx, "wrote hooks to %s", ws.SettingsPath())
	}

	binary, err := o.locator.Locate(ctx)
	if err != nil {
		return 0, o.failSpawn(ctx, runID, err)
	}

	sup, err := o.spawn(ctx, runID, binary, ws.Path, BuildArgs(task, agent.SystemPrompt, model))
	if err != nil {
		return 0, o.failSpawn(ctx, runID, err)
	}

	log.Infof(ctx, "spawned %s (pid %d) model=%s", binary, sup.pid, model)
	record(ctx, o.metrics.spawned)
	go sup.run(context.WithoutCancel(ctx))

	return runID, nil
}

// spawn starts the process and records it as running. On error nothing is
// left behind: the process is killed and reaped, the registry entry is
// released.
func (o *Orchestrator) spawn(ctx context.Context, runID int64, binary, dir string, args []string) (*supervision, error) {
	cmd := exec.Command(binary, args...)
	cmd.Dir = dir
	cmd.Env = CommandEnv(binary, os.Environ())
	registry.ConfigureCommand(cmd)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, err
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdoutR.Close()
		stderrR.Close()
		return nil, fmt.Errorf("failed to spawn agent: %w", err)
	}

	pid := cmd.Process.Pid
	registered := false
	abort := func(cause error) (*supervision, error) {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		stdoutR.Close()
		stderrR.Close()
		if registered {
			o.registry.Release(runID)
		}
		return nil, cause
	}

	if err := o.registry.Register(runID, pid, cmd.Process); err != nil {
		return abort(err)
	}
	registered = true
	ok, err := o.store.MarkRunning(ctx, runID, pid, time.Now())
	if err != nil {
		return abort(fmt.Errorf("failed to record running state: %w", err))
	}
	if !ok {
		return abort(fmt.Errorf("run %d is no longer pending", runID))
	}

	sup := newSupervision(o, runID, cmd, stdoutR, stderrR)
	o.mu.Lock()
	o.active[runID] = sup
	o.mu.Unlock()
	return sup, nil
}

func (o *Orchestrator) failSpawn(ctx context.Context, runID int64, cause error) error {
	log.Errorf(ctx, cause, "spawn failed")
	if _, err := o.store.FailPending(ctx, runID); err != nil {
		log.Errorf(ctx, err, "failed to mark run failed")
	}
	record(ctx, o.metrics.finished, statusAttr(models.RunStatusFailed))
	return cause
}

func (o *Orchestrator) supervised(runID int64) *supervision {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[runID]
}

func (o *Orchestrator) forget(runID int64) {
	o.mu.Lock()
	delete(o.active, runID)
	o.mu.Unlock()
}

// emit fans e out to the hub and the external sinks. Failures are logged
// once by notify.Multi.
func (o *Orchestrator) emit(ctx context.Context, e notify.Event) {
	_ = o.notifier.Notify(ctx, e)
}

// Cancel stops a run. The local process handle is used when this instance
// supervises the run; otherwise the persisted pid is signalled. The status
// write is conditional, so cancelling a finished run is a no-op. It reports
// whether anything was stopped or updated.
func (o *Orchestrator) Cancel(ctx context.Context, runID int64) (bool, error) {
	ctx = log.With(ctx, log.KV{K: "run", V: runID})

	sup := o.supervised(runID)
	if sup != nil {
		select {
		case <-sup.exited:
			return o.settled(ctx, sup)
		default:
		}
		sup.cancelled.Store(true)
	}

	killed, err := o.registry.Kill(ctx, runID)
	if err != nil {
		log.Warnf(ctx, "kill via registry: %v", err)
	}
	if sup != nil && !killed {
		// Reaped between the check above and the signal.
		return o.settled(ctx, sup)
	}

	var updated bool
	if killed {
		if updated, err = o.store.FinishRun(ctx, runID, models.RunStatusCancelled); err != nil {
			return killed, fmt.Errorf("failed to mark run cancelled: %w", err)
		}
	} else {
		// Not ours. Record the cancellation before signalling so the
		// instance that owns the process sees it when the exit lands.
		pid, err := o.store.RunningPID(ctx, runID)
		if err != nil {
			return false, err
		}
		if updated, err = o.store.FinishRun(ctx, runID, models.RunStatusCancelled); err != nil {
			return false, fmt.Errorf("failed to mark run cancelled: %w", err)
		}
		if pid != nil && updated {
			if err := o.registry.KillByPID(ctx, runID, *pid); err != nil {
				log.Warnf(ctx, "kill pid %d: %v", *pid, err)
			}
		}
	}
	// A local supervisor announces the outcome itself once the process is
	// reaped and its output drained.
	if updated && sup == nil {
		o.emit(ctx, notify.Cancelled(runID))
		record(ctx, o.metrics.finished, statusAttr(models.RunStatusCancelled))
	}
	if updated || killed {
		log.Infof(ctx, "run cancelled (killed=%t updated=%t)", killed, updated)
		record(ctx, o.metrics.cancels)
	}
	return updated || killed, nil
}

// settled waits for a supervisor whose process has already exited and
// reports whether the outcome it recorded is a cancellation.
func (o *Orchestrator) settled(ctx context.Context, sup *supervision) (bool, error) {
	select {
	case <-sup.done:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	status, err := o.store.GetStatus(ctx, sup.runID)
	if err != nil {
		return false, err
	}
	return status == models.RunStatusCancelled, nil
}

// Wait blocks until the run reaches a terminal status and returns it.
func (o *Orchestrator) Wait(ctx context.Context, runID int64) (*models.Run, error) {
	if sup := o.supervised(runID); sup != nil {
		select {
		case <-sup.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		run, err := o.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			return run, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Subscribe delivers events for one run, or every run with notify.AllRuns.
func (o *Orchestrator) Subscribe(runID int64) *notify.Subscription {
	return o.hub.Subscribe(runID, 0)
}

func (o *Orchestrator) GetRun(ctx context.Context, id int64) (*models.Run, error) {
	return o.store.GetRun(ctx, id)
}

func (o *Orchestrator) GetStatus(ctx context.Context, id int64) (models.RunStatus, error) {
	return o.store.GetStatus(ctx, id)
}

func (o *Orchestrator) ListRuns(ctx context.Context, limit int) ([]*models.Run, error) {
	return o.store.ListRuns(ctx, limit)
}

func (o *Orchestrator) ListRunsByAgent(ctx context.Context, agentID string) ([]*models.Run, error) {
	return o.store.ListRunsByAgent(ctx, agentID)
}

// ListRunning returns running rows whose process this instance supervises.
func (o *Orchestrator) ListRunning(ctx context.Context) ([]*models.Run, error) {
	runs, err := o.store.ListRunningRuns(ctx)
	if err != nil {
		return nil, err
	}
	live := map[int64]bool{}
	for _, e := range o.registry.Entries() {
		live[e.RunID] = true
	}
	out := runs[:0]
	for _, r := range runs {
		if live[r.ID] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (o *Orchestrator) DeleteRun(ctx context.Context, id int64) error {
	if o.supervised(id) != nil || o.registry.Has(id) {
		return fmt.Errorf("run %d is still supervised; cancel it first", id)
	}
	return o.store.DeleteRun(ctx, id)
}

// LiveOutput returns the stdout captured so far for a supervised run, or ""
// when this instance holds no buffer for it.
func (o *Orchestrator) LiveOutput(runID int64) string {
	out, _ := o.registry.LiveOutput(runID)
	return out
}
