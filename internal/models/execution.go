package models

// Execution records how a supervised agent process ended. The orchestrator
// fills it from the wait result and the supervision flags, then derives the
// terminal status from it.
type Execution struct {
	PID       int
	ExitCode  *int
	Cancelled bool
	TimedOut  bool
	Err       error
}

// Status resolves the terminal status. A requested cancellation wins over
// every other outcome, and a watchdog kill is a failure regardless of the
// exit code the killed process reported.
func (e *Execution) Status() RunStatus {
	switch {
	case e.Cancelled:
		return RunStatusCancelled
	case e.TimedOut:
		return RunStatusFailed
	case e.ExitCode != nil && *e.ExitCode == 0 && e.Err == nil:
		return RunStatusCompleted
	}
	return RunStatusFailed
}
