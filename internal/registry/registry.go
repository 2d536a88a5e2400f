// Package registry tracks the agent processes supervised by this instance:
// their handles, their live output, and how to stop them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrNotFound          = errors.New("run not registered")
	ErrAlreadyRegistered = errors.New("run already registered")
)

const defaultGrace = 3 * time.Second

type Registry struct {
	grace time.Duration

	mu      sync.Mutex
	entries map[int64]*entry
}

type entry struct {
	runID   int64
	pid     int
	proc    *os.Process
	started time.Time
	done    chan struct{}
	// exited is set once the process has been reaped. The pid may be
	// reused from then on, so nothing signals it again.
	exited atomic.Bool

	outMu  sync.Mutex
	output strings.Builder
}

// Entry is a snapshot of a registered run.
type Entry struct {
	RunID     int64
	PID       int
	StartedAt time.Time
}

// New returns an empty registry. grace bounds how long Kill waits after the
// polite signal before escalating.
func New(grace time.Duration) *Registry {
	if grace <= 0 {
		grace = defaultGrace
	}
	return &Registry{
		grace:   grace,
		entries: map[int64]*entry{},
	}
}

func (r *Registry) Register(runID int64, pid int, proc *os.Process) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[runID]; ok {
		return fmt.Errorf("run %d: %w", runID, ErrAlreadyRegistered)
	}
	r.entries[runID] = &entry{
		runID:   runID,
		pid:     pid,
		proc:    proc,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	return nil
}

func (r *Registry) lookup(runID int64) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[runID]
	return e, ok
}

// AppendOutput adds one line to the run's live buffer.
func (r *Registry) AppendOutput(runID int64, line string) error {
	e, ok := r.lookup(runID)
	if !ok {
		return fmt.Errorf("run %d: %w", runID, ErrNotFound)
	}
	e.outMu.Lock()
	e.output.WriteString(line)
	e.output.WriteByte('\n')
	e.outMu.Unlock()
	return nil
}

// LiveOutput returns everything appended so far.
func (r *Registry) LiveOutput(runID int64) (string, error) {
	e, ok := r.lookup(runID)
	if !ok {
		return "", fmt.Errorf("run %d: %w", runID, ErrNotFound)
	}
	e.outMu.Lock()
	defer e.outMu.Unlock()
	return e.output.String(), nil
}

// MarkExited records that the run's process has been reaped. From then on
// Kill and Has treat the run as gone while its live output stays readable
// until Release.
func (r *Registry) MarkExited(runID int64) bool {
	e, ok := r.lookup(runID)
	if !ok {
		return false
	}
	return e.exited.CompareAndSwap(false, true)
}

// Kill stops the process owned by runID: a polite signal to its process
// group, then a forceful one if it has not been reaped within the grace
// period. It returns false when the run is not registered here or its
// process has already been reaped. Kill does not remove the entry; the
// supervisor that reaps the process releases it, and Kill waits for that
// (bounded) before returning.
func (r *Registry) Kill(ctx context.Context, runID int64) (bool, error) {
	e, ok := r.lookup(runID)
	if !ok || e.exited.Load() {
		return false, nil
	}

	if err := interrupt(e.pid); err != nil && !isGone(err) {
		if err := e.killHandle(); err != nil {
			return true, fmt.Errorf("signal run %d (pid %d): %w", runID, e.pid, err)
		}
	}
	if waitDone(ctx, e.done, r.grace) {
		return true, nil
	}
	if e.exited.Load() {
		waitDone(ctx, e.done, r.grace)
		return true, nil
	}

	if err := kill(e.pid); err != nil && !isGone(err) {
		if err := e.killHandle(); err != nil {
			return true, fmt.Errorf("kill run %d (pid %d): %w", runID, e.pid, err)
		}
	}
	waitDone(ctx, e.done, r.grace)
	return true, nil
}

func (e *entry) killHandle() error {
	if e.proc == nil {
		return nil
	}
	if err := e.proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// KillByPID stops a process this instance does not own, typically one left
// behind by a previous supervisor. Liveness is polled since there is no
// handle to wait on.
func (r *Registry) KillByPID(ctx context.Context, runID int64, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("run %d: invalid pid %d", runID, pid)
	}
	if err := interrupt(pid); err != nil {
		if isGone(err) {
			return nil
		}
		return fmt.Errorf("signal run %d (pid %d): %w", runID, pid, err)
	}
	if waitExit(ctx, pid, r.grace) {
		return nil
	}
	if err := kill(pid); err != nil && !isGone(err) {
		return fmt.Errorf("kill run %d (pid %d): %w", runID, pid, err)
	}
	return nil
}

// Release removes the entry once its process has been reaped. It reports
// whether an entry was removed.
func (r *Registry) Release(runID int64) bool {
	r.mu.Lock()
	e, ok := r.entries[runID]
	if ok {
		delete(r.entries, runID)
	}
	r.mu.Unlock()
	if ok {
		close(e.done)
	}
	return ok
}

// Has reports whether runID owns a process that has not been reaped yet.
func (r *Registry) Has(runID int64) bool {
	e, ok := r.lookup(runID)
	return ok && !e.exited.Load()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Entries lists runs with a live process, ordered by run id.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.exited.Load() {
			continue
		}
		out = append(out, Entry{RunID: e.runID, PID: e.pid, StartedAt: e.started})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out
}

func waitDone(ctx context.Context, done <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func waitExit(ctx context.Context, pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !Alive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return false
		}
	}
}
