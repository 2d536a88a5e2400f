package lua

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/agentrun/internal/models"
	"github.com/mpataki/agentrun/internal/orchestrator"
)

type fakeRunner struct {
	mu        sync.Mutex
	next      int64
	requests  []orchestrator.Request
	status    map[int64]models.RunStatus
	cancelled []int64
	failAgent string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{status: make(map[int64]models.RunStatus)}
}

func (f *fakeRunner) Execute(_ context.Context, req orchestrator.Request) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.AgentID == "missing" {
		return 0, errors.New("agent not found")
	}
	f.next++
	f.requests = append(f.requests, req)
	f.status[f.next] = models.RunStatusRunning
	return f.next, nil
}

func (f *fakeRunner) Wait(_ context.Context, id int64) (*models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.status[id]
	if !ok {
		return nil, fmt.Errorf("run %d not found", id)
	}
	if st == models.RunStatusRunning {
		st = models.RunStatusCompleted
		if f.requests[id-1].AgentID == f.failAgent {
			st = models.RunStatusFailed
		}
		f.status[id] = st
	}
	return &models.Run{
		ID:        id,
		AgentID:   f.requests[id-1].AgentID,
		Status:    st,
		SessionID: fmt.Sprintf("sess-%d", id),
	}, nil
}

func (f *fakeRunner) Cancel(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status[id] != models.RunStatusRunning {
		return false, nil
	}
	f.status[id] = models.RunStatusCancelled
	f.cancelled = append(f.cancelled, id)
	return true, nil
}

func (f *fakeRunner) GetStatus(_ context.Context, id int64) (models.RunStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.status[id]
	if !ok {
		return "", fmt.Errorf("run %d not found", id)
	}
	return st, nil
}

func TestRunWaitsAndReturnsTable(t *testing.T) {
	runner := newFakeRunner()
	rt := NewRuntime(runner, "/proj")

	res, err := rt.Execute(context.Background(), `
function workflow(project)
  local r = run{agent="reviewer", task="review it"}
  log("status=" .. r.status .. " session=" .. r.session_id)
  if not r.ok then fail("review failed") end
  local second = run{agent="writer", model="opus", project=project .. "/sub"}
  log(tostring(second.id))
end
`)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, res.Runs)
	assert.Equal(t, []string{"status=completed session=sess-1", "2"}, res.Logs)

	require.Len(t, runner.requests, 2)
	assert.Equal(t, orchestrator.Request{AgentID: "reviewer", Task: "review it", ProjectPath: "/proj"}, runner.requests[0])
	assert.Equal(t, orchestrator.Request{AgentID: "writer", Model: "opus", ProjectPath: "/proj/sub"}, runner.requests[1])
}

func TestStartAndWait(t *testing.T) {
	runner := newFakeRunner()
	rt := NewRuntime(runner, "/proj")

	res, err := rt.Execute(context.Background(), `
function workflow(project)
  local a = start{agent="a"}
  local b = start{agent="b"}
  log(status(a))
  local ra = wait(a)
  local rb = wait(b)
  log(ra.status .. "," .. rb.status)
  log(tostring(context().started))
end
`)
	require.NoError(t, err)
	assert.Equal(t, []string{"running", "completed,completed", "2"}, res.Logs)
	assert.Empty(t, runner.cancelled)
}

func TestCancelFromScript(t *testing.T) {
	runner := newFakeRunner()
	rt := NewRuntime(runner, "/proj")

	res, err := rt.Execute(context.Background(), `
function workflow(project)
  local id = start{agent="slow"}
  log(tostring(cancel(id)))
  log(tostring(cancel(id)))
  log(status(id))
end
`)
	require.NoError(t, err)
	assert.Equal(t, []string{"true", "false", "cancelled"}, res.Logs)
}

func TestFailCancelsOutstandingRuns(t *testing.T) {
	runner := newFakeRunner()
	rt := NewRuntime(runner, "/proj")

	_, err := rt.Execute(context.Background(), `
function workflow(project)
  local done = run{agent="first"}
  local pending = start{agent="second"}
  fail("giving up")
end
`)
	require.ErrorIs(t, err, ErrScriptFailed)
	assert.Contains(t, err.Error(), "giving up")
	assert.Equal(t, []int64{2}, runner.cancelled)
}

func TestExecuteErrorRaisesInScript(t *testing.T) {
	runner := newFakeRunner()
	rt := NewRuntime(runner, "/proj")

	_, err := rt.Execute(context.Background(), `
function workflow(project)
  run{agent="missing"}
end
`)
	require.ErrorIs(t, err, ErrScriptFailed)
	assert.Contains(t, err.Error(), "agent not found")
}

func TestScriptCanRecoverWithPcall(t *testing.T) {
	runner := newFakeRunner()
	rt := NewRuntime(runner, "/proj")

	res, err := rt.Execute(context.Background(), `
function workflow(project)
  local ok = pcall(function() run{agent="missing"} end)
  log(tostring(ok))
end
`)
	require.NoError(t, err)
	assert.Equal(t, []string{"false"}, res.Logs)
}

func TestAgentIsRequired(t *testing.T) {
	rt := NewRuntime(newFakeRunner(), "/proj")
	_, err := rt.Execute(context.Background(), `
function workflow(project)
  run{task="no agent"}
end
`)
	require.ErrorIs(t, err, ErrScriptFailed)
	assert.Contains(t, err.Error(), "agent is required")
}

func TestMissingWorkflow(t *testing.T) {
	rt := NewRuntime(newFakeRunner(), "/proj")
	_, err := rt.Execute(context.Background(), `x = 1`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflow")
}

func TestSyntaxError(t *testing.T) {
	rt := NewRuntime(newFakeRunner(), "/proj")
	_, err := rt.Execute(context.Background(), `function workflow(`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load script")
}

func TestSandbox(t *testing.T) {
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "print", "os", "io"} {
		t.Run(name, func(t *testing.T) {
			rt := NewRuntime(newFakeRunner(), "/proj")
			res, err := rt.Execute(context.Background(), fmt.Sprintf(`
function workflow(project)
  log(tostring(%s == nil))
end
`, name))
			require.NoError(t, err)
			assert.Equal(t, []string{"true"}, res.Logs)
		})
	}

	rt := NewRuntime(newFakeRunner(), "/proj")
	res, err := rt.Execute(context.Background(), `
function workflow(project)
  log(tostring(math.random == nil))
  log(string.upper("ok"))
end
`)
	require.NoError(t, err)
	assert.Equal(t, []string{"true", "OK"}, res.Logs)
}

func TestExecuteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.lua")
	require.NoError(t, os.WriteFile(path, []byte(`function workflow(p) log(p) end`), 0644))
	assert.True(t, IsScript(path))
	assert.False(t, IsScript("agent.yaml"))

	res, err := NewRuntime(newFakeRunner(), "/proj").ExecuteFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/proj"}, res.Logs)

	_, err = NewRuntime(newFakeRunner(), "/proj").ExecuteFile(context.Background(), filepath.Join(t.TempDir(), "nope.lua"))
	require.Error(t, err)
}
