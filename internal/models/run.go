package models

import "time"

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a run may move from one status to another.
// Pending runs either start or fail to spawn; running runs end exactly once.
func CanTransition(from, to RunStatus) bool {
	switch from {
	case RunStatusPending:
		return to == RunStatusRunning || to == RunStatusFailed
	case RunStatusRunning:
		return to.IsTerminal()
	}
	return false
}

type Run struct {
	ID               int64
	AgentID          string
	AgentName        string
	AgentIcon        string
	Task             string
	Model            string
	ProjectPath      string
	SessionID        string
	Status           RunStatus
	PID              *int
	ProcessStartedAt *time.Time
	CreatedAt        time.Time
	CompletedAt      *time.Time
	// Reconciled is set when the terminal status was assigned by the
	// liveness sweep rather than by observing the process exit.
	Reconciled bool
}

func (r *Run) Duration() time.Duration {
	start := r.CreatedAt
	if r.ProcessStartedAt != nil {
		start = *r.ProcessStartedAt
	}
	end := time.Now()
	if r.CompletedAt != nil {
		end = *r.CompletedAt
	}
	if end.Before(start) {
		return 0
	}
	return end.Sub(start)
}

// RunMetrics summarizes a session transcript.
type RunMetrics struct {
	DurationMS   *int64
	TotalTokens  *int64
	CostUSD      *float64
	MessageCount *int64
}

type RunWithMetrics struct {
	Run     *Run
	Metrics *RunMetrics
	Output  string
}
