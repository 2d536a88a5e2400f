package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/mpataki/agentrun/internal/models"
	"github.com/mpataki/agentrun/internal/notify"
)

// supervision owns one spawned process from registration to its terminal
// status write.
type supervision struct {
	o      *Orchestrator
	runID  int64
	pid    int
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File

	session   sessionCell
	firstLine chan struct{}
	firstOnce sync.Once
	exited    chan struct{}
	done      chan struct{}

	cancelled atomic.Bool
	timedOut  atomic.Bool
}

func newSupervision(o *Orchestrator, runID int64, cmd *exec.Cmd, stdout, stderr *os.File) *supervision {
	return &supervision{
		o:         o,
		runID:     runID,
		pid:       cmd.Process.Pid,
		cmd:       cmd,
		stdout:    stdout,
		stderr:    stderr,
		firstLine: make(chan struct{}),
		exited:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (s *supervision) run(ctx context.Context) {
	var drains errgroup.Group
	drains.Go(func() error { return s.drainStdout(ctx) })
	drains.Go(func() error { return s.drainStderr(ctx) })
	go s.watchdog(ctx)

	ex := s.wait()
	// The outcome is fixed at reap time. A cancel arriving while output
	// is still draining finds the process gone and changes nothing.
	s.o.registry.MarkExited(s.runID)
	ex.Cancelled = s.cancelled.Load()
	ex.TimedOut = s.timedOut.Load()
	close(s.exited)

	s.joinDrains(ctx, &drains)
	s.finish(ctx, ex)
}

func (s *supervision) wait() *models.Execution {
	err := s.cmd.Wait()
	ex := &models.Execution{PID: s.pid}
	if s.cmd.ProcessState != nil {
		// -1 when the process was killed by a signal.
		if code := s.cmd.ProcessState.ExitCode(); code >= 0 {
			ex.ExitCode = &code
		}
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		ex.Err = err
	}
	return ex
}

// joinDrains waits for both pipes to hit EOF. A grandchild can keep a pipe
// open after the agent exits, so the wait is bounded.
func (s *supervision) joinDrains(ctx context.Context, drains *errgroup.Group) {
	result := make(chan error, 1)
	go func() { result <- drains.Wait() }()

	timer := time.NewTimer(s.o.drainTimeout)
	defer timer.Stop()
	select {
	case err := <-result:
		if err != nil {
			log.Warnf(ctx, "output drain: %v", err)
		}
	case <-timer.C:
		log.Warnf(ctx, "output still open %s after exit; closing", s.o.drainTimeout)
		s.stdout.Close()
		s.stderr.Close()
		<-result
	}
}

func (s *supervision) finish(ctx context.Context, ex *models.Execution) {
	o := s.o
	status := ex.Status()

	updated, err := o.store.FinishRun(ctx, s.runID, status)
	if err != nil {
		log.Errorf(ctx, err, "failed to record terminal status %s", status)
	}
	if !updated {
		// Someone else (cancel, watchdog) got there first; report what stuck.
		if persisted, err := o.store.GetStatus(ctx, s.runID); err == nil {
			status = persisted
		}
	}

	o.registry.Release(s.runID)
	o.forget(s.runID)

	if sid := s.session.Get(); sid != "" {
		ctx = log.With(ctx, log.KV{K: "session", V: sid})
	}

	switch {
	case ex.ExitCode != nil:
		log.Infof(ctx, "agent exited with code %d; run %s", *ex.ExitCode, status)
	case ex.Err != nil:
		log.Errorf(ctx, ex.Err, "agent wait failed; run %s", status)
	default:
		log.Infof(ctx, "agent terminated by signal; run %s", status)
	}
	record(ctx, o.metrics.finished, statusAttr(status))

	if status == models.RunStatusCancelled {
		o.emit(ctx, notify.Cancelled(s.runID))
	} else {
		o.emit(ctx, notify.Complete(s.runID, string(status), status == models.RunStatusCompleted))
	}
	close(s.done)
}

// watchdog kills the process if it prints nothing on stdout within the
// startup timeout.
func (s *supervision) watchdog(ctx context.Context) {
	timer := time.NewTimer(s.o.startupTimeout)
	defer timer.Stop()
	select {
	case <-s.firstLine:
		return
	case <-s.exited:
		return
	case <-timer.C:
	}

	s.timedOut.Store(true)
	log.Warnf(ctx, "no output within %s; killing pid %d", s.o.startupTimeout, s.pid)
	record(ctx, s.o.metrics.timeouts)

	killed, err := s.o.registry.Kill(ctx, s.runID)
	if err != nil {
		log.Errorf(ctx, err, "failed to kill unresponsive agent")
	}
	if !killed {
		// Exited on its own before the signal; the supervisor records that.
		return
	}
	if _, err := s.o.store.FinishRun(ctx, s.runID, models.RunStatusFailed); err != nil {
		log.Errorf(ctx, err, "failed to mark run failed after startup timeout")
	}
}

func (s *supervision) drainStdout(ctx context.Context) error {
	return drainLines(s.stdout, func(line string) {
		s.firstOnce.Do(func() { close(s.firstLine) })

		if sid := parseSessionID(line); sid != "" && s.session.Set(sid) {
			if _, err := s.o.store.SetSessionID(ctx, s.runID, sid); err != nil {
				log.Errorf(ctx, err, "failed to persist session id")
			} else {
				log.Debugf(ctx, "session %s", sid)
			}
		}

		if err := s.o.registry.AppendOutput(s.runID, line); err != nil {
			log.Debugf(ctx, "live buffer: %v", err)
		}
		s.o.emit(ctx, notify.Output(s.runID, line))
	})
}

func (s *supervision) drainStderr(ctx context.Context) error {
	return drainLines(s.stderr, func(line string) {
		log.Warnf(ctx, "agent stderr: %s", line)
		s.o.emit(ctx, notify.Error(s.runID, line))
	})
}

// drainLines calls fn for every line read from f until EOF and closes f.
// Lines are not length-limited so a huge record cannot stall the pipe.
func drainLines(f *os.File, fn func(line string)) error {
	defer f.Close()
	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			fn(strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}
