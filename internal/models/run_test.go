package models

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

var allStatuses = []RunStatus{
	RunStatusPending, RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusCancelled,
}

func TestCanTransition(t *testing.T) {
	require.True(t, CanTransition(RunStatusPending, RunStatusRunning))
	require.True(t, CanTransition(RunStatusPending, RunStatusFailed))
	require.False(t, CanTransition(RunStatusPending, RunStatusCompleted))
	require.False(t, CanTransition(RunStatusRunning, RunStatusPending))
	require.True(t, CanTransition(RunStatusRunning, RunStatusCancelled))
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	statusGen := gen.IntRange(0, len(allStatuses)-1).Map(func(i int) RunStatus { return allStatuses[i] })

	properties.Property("terminal statuses have no outgoing edges", prop.ForAll(
		func(from, to RunStatus) bool {
			if from.IsTerminal() {
				return !CanTransition(from, to)
			}
			return true
		},
		statusGen, statusGen,
	))

	properties.Property("no transition leads back to pending", prop.ForAll(
		func(from RunStatus) bool {
			return !CanTransition(from, RunStatusPending)
		},
		statusGen,
	))

	properties.Property("a walk visits running at most once", prop.ForAll(
		func(steps []int) bool {
			cur := RunStatusPending
			seenRunning := 0
			for _, i := range steps {
				next := allStatuses[i]
				if !CanTransition(cur, next) {
					continue
				}
				cur = next
				if cur == RunStatusRunning {
					seenRunning++
				}
			}
			return seenRunning <= 1
		},
		gen.SliceOf(gen.IntRange(0, len(allStatuses)-1)),
	))

	properties.TestingRun(t)
}

func TestExecutionStatus(t *testing.T) {
	zero, one := 0, 1

	cases := []struct {
		name string
		exec Execution
		want RunStatus
	}{
		{"clean exit", Execution{ExitCode: &zero}, RunStatusCompleted},
		{"nonzero exit", Execution{ExitCode: &one}, RunStatusFailed},
		{"no exit code", Execution{Err: errors.New("wait failed")}, RunStatusFailed},
		{"cancel wins over clean exit", Execution{ExitCode: &zero, Cancelled: true}, RunStatusCancelled},
		{"cancel wins over timeout", Execution{TimedOut: true, Cancelled: true}, RunStatusCancelled},
		{"timeout fails", Execution{ExitCode: &zero, TimedOut: true}, RunStatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.exec.Status())
		})
	}
}
