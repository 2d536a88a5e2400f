package lua

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"goa.design/clue/log"

	"github.com/mpataki/agentrun/internal/models"
	"github.com/mpataki/agentrun/internal/orchestrator"
)

// ErrScriptFailed is returned when a script calls fail() or raises an error.
var ErrScriptFailed = errors.New("script failed")

// Runner is the slice of the orchestrator a script can drive.
type Runner interface {
	Execute(ctx context.Context, req orchestrator.Request) (int64, error)
	Wait(ctx context.Context, runID int64) (*models.Run, error)
	Cancel(ctx context.Context, runID int64) (bool, error)
	GetStatus(ctx context.Context, runID int64) (models.RunStatus, error)
}

// Result describes a finished script.
type Result struct {
	Runs []int64
	Logs []string
}

// Runtime executes Lua batch scripts in a sandboxed environment. A script
// defines workflow(project) and starts agent runs through run{} and start{}.
type Runtime struct {
	runner  Runner
	project string

	mu      sync.Mutex
	runs    []int64
	waited  map[int64]bool
	logs    []string
	failMsg string
	failed  bool
}

func NewRuntime(runner Runner, project string) *Runtime {
	return &Runtime{
		runner:  runner,
		project: project,
		waited:  make(map[int64]bool),
	}
}

// ExecuteFile reads scriptPath and runs it.
func (r *Runtime) ExecuteFile(ctx context.Context, scriptPath string) (*Result, error) {
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return r.Execute(ctx, string(script))
}

// Execute loads script and calls its workflow function. Runs started with
// start{} that were never waited on are cancelled when the script fails.
func (r *Runtime) Execute(ctx context.Context, script string) (*Result, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	defer L.Close()
	L.SetContext(ctx)

	r.openSafeLibs(L)
	r.registerAPI(ctx, L)

	if err := L.DoString(script); err != nil {
		return r.result(), fmt.Errorf("failed to load script: %w", err)
	}

	workflow := L.GetGlobal("workflow")
	if workflow.Type() != lua.LTFunction {
		return r.result(), fmt.Errorf("script must define a 'workflow' function")
	}

	L.Push(workflow)
	L.Push(lua.LString(r.project))
	err := L.PCall(1, 0, nil)

	if r.failed {
		r.cancelOutstanding(ctx)
		return r.result(), fmt.Errorf("%w: %s", ErrScriptFailed, r.failMsg)
	}
	if err != nil {
		r.cancelOutstanding(ctx)
		return r.result(), fmt.Errorf("%w: %v", ErrScriptFailed, err)
	}

	return r.result(), nil
}

func (r *Runtime) result() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &Result{
		Runs: append([]int64(nil), r.runs...),
		Logs: append([]string(nil), r.logs...),
	}
}

func (r *Runtime) cancelOutstanding(ctx context.Context) {
	// The script context may already be done.
	ctx = context.WithoutCancel(ctx)
	r.mu.Lock()
	var pending []int64
	for _, id := range r.runs {
		if !r.waited[id] {
			pending = append(pending, id)
		}
	}
	r.mu.Unlock()

	for _, id := range pending {
		if _, err := r.runner.Cancel(ctx, id); err != nil {
			log.Errorf(ctx, err, "failed to cancel run %d", id)
		}
	}
}

// openSafeLibs loads only the safe standard libraries
func (r *Runtime) openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	// Remove dangerous base functions
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (r *Runtime) registerAPI(ctx context.Context, L *lua.LState) {
	L.SetGlobal("run", L.NewFunction(func(L *lua.LState) int { return r.luaRun(ctx, L) }))
	L.SetGlobal("start", L.NewFunction(func(L *lua.LState) int { return r.luaStart(ctx, L) }))
	L.SetGlobal("wait", L.NewFunction(func(L *lua.LState) int { return r.luaWait(ctx, L) }))
	L.SetGlobal("cancel", L.NewFunction(func(L *lua.LState) int { return r.luaCancel(ctx, L) }))
	L.SetGlobal("status", L.NewFunction(func(L *lua.LState) int { return r.luaStatus(ctx, L) }))
	L.SetGlobal("fail", L.NewFunction(r.luaFail))
	L.SetGlobal("context", L.NewFunction(r.luaContext))
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int { return r.luaLog(ctx, L) }))
}

// requestFromTable reads {agent=, task=, model=, project=}.
func (r *Runtime) requestFromTable(L *lua.LState) orchestrator.Request {
	tbl := L.CheckTable(1)
	req := orchestrator.Request{
		AgentID:     lua.LVAsString(tbl.RawGetString("agent")),
		Task:        lua.LVAsString(tbl.RawGetString("task")),
		Model:       lua.LVAsString(tbl.RawGetString("model")),
		ProjectPath: lua.LVAsString(tbl.RawGetString("project")),
	}
	if req.AgentID == "" {
		L.ArgError(1, "agent is required")
	}
	if req.ProjectPath == "" {
		req.ProjectPath = r.project
	}
	return req
}

func (r *Runtime) start(ctx context.Context, L *lua.LState) int64 {
	req := r.requestFromTable(L)
	id, err := r.runner.Execute(ctx, req)
	if err != nil {
		L.RaiseError("failed to start agent %s: %v", req.AgentID, err)
		return 0
	}
	r.mu.Lock()
	r.runs = append(r.runs, id)
	r.mu.Unlock()
	log.Infof(ctx, "script started run %d (%s)", id, req.AgentID)
	return id
}

func (r *Runtime) wait(ctx context.Context, L *lua.LState, id int64) *models.Run {
	run, err := r.runner.Wait(ctx, id)
	if err != nil {
		L.RaiseError("failed to wait for run %d: %v", id, err)
		return nil
	}
	r.mu.Lock()
	r.waited[id] = true
	r.mu.Unlock()
	return run
}

// luaRun implements run{...}: start a run and block until it finishes.
func (r *Runtime) luaRun(ctx context.Context, L *lua.LState) int {
	id := r.start(ctx, L)
	run := r.wait(ctx, L, id)
	L.Push(runToTable(L, run))
	return 1
}

// luaStart implements start{...}: start a run and return its id.
func (r *Runtime) luaStart(ctx context.Context, L *lua.LState) int {
	L.Push(lua.LNumber(r.start(ctx, L)))
	return 1
}

func (r *Runtime) luaWait(ctx context.Context, L *lua.LState) int {
	id := L.CheckInt64(1)
	L.Push(runToTable(L, r.wait(ctx, L, id)))
	return 1
}

func (r *Runtime) luaCancel(ctx context.Context, L *lua.LState) int {
	id := L.CheckInt64(1)
	ok, err := r.runner.Cancel(ctx, id)
	if err != nil {
		L.RaiseError("failed to cancel run %d: %v", id, err)
		return 0
	}
	L.Push(lua.LBool(ok))
	return 1
}

func (r *Runtime) luaStatus(ctx context.Context, L *lua.LState) int {
	id := L.CheckInt64(1)
	status, err := r.runner.GetStatus(ctx, id)
	if err != nil {
		L.RaiseError("failed to get status of run %d: %v", id, err)
		return 0
	}
	L.Push(lua.LString(status))
	return 1
}

// luaFail implements fail(reason?)
func (r *Runtime) luaFail(L *lua.LState) int {
	reason := L.OptString(1, "script failed")
	r.failMsg = reason
	r.failed = true
	L.RaiseError("fail: %s", reason)
	return 0
}

// luaContext implements the context() API
func (r *Runtime) luaContext(L *lua.LState) int {
	r.mu.Lock()
	started := len(r.runs)
	r.mu.Unlock()

	tbl := L.NewTable()
	L.SetField(tbl, "project", lua.LString(r.project))
	L.SetField(tbl, "started", lua.LNumber(started))
	L.Push(tbl)
	return 1
}

func (r *Runtime) luaLog(ctx context.Context, L *lua.LState) int {
	message := L.CheckString(1)
	r.mu.Lock()
	r.logs = append(r.logs, message)
	r.mu.Unlock()
	log.Info(ctx, log.KV{K: "script", V: message})
	return 0
}

func runToTable(L *lua.LState, run *models.Run) *lua.LTable {
	tbl := L.NewTable()
	if run == nil {
		return tbl
	}
	L.SetField(tbl, "id", lua.LNumber(run.ID))
	L.SetField(tbl, "agent", lua.LString(run.AgentID))
	L.SetField(tbl, "status", lua.LString(run.Status))
	L.SetField(tbl, "session_id", lua.LString(run.SessionID))
	L.SetField(tbl, "ok", lua.LBool(run.Status == models.RunStatusCompleted))
	L.SetField(tbl, "reconciled", lua.LBool(run.Reconciled))
	return tbl
}

// IsScript checks if a file is a Lua script
func IsScript(path string) bool {
	return filepath.Ext(path) == ".lua"
}
