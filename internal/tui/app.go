package tui

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/mpataki/agentrun/internal/models"
	"github.com/mpataki/agentrun/internal/transcript"
)

type View int

const (
	ViewRunList View = iota
	ViewRunDetail
	ViewOutput
)

// Backend is what the monitor needs from the orchestrator.
type Backend interface {
	ListRuns(ctx context.Context, limit int) ([]*models.Run, error)
	RunWithMetrics(ctx context.Context, runID int64) (*models.RunWithMetrics, error)
	Cancel(ctx context.Context, runID int64) (bool, error)
	DeleteRun(ctx context.Context, runID int64) error
	Sweep(ctx context.Context) ([]int64, error)
}

type App struct {
	ctx     context.Context
	backend Backend
	binary  string

	view        View
	runs        []*models.Run
	selectedIdx int
	detail      *models.RunWithMetrics
	output      viewport.Model
	notice      string

	width  int
	height int
	err    error
}

// NewApp builds the run monitor. binary is used to resume sessions.
func NewApp(ctx context.Context, backend Backend, binary string) *App {
	if binary == "" {
		binary = "claude"
	}
	return &App{
		ctx:     ctx,
		backend: backend,
		binary:  binary,
		view:    ViewRunList,
		output:  viewport.New(80, 20),
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadRuns, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasRunningRuns() bool {
	for _, run := range a.runs {
		if !run.Status.IsTerminal() {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.output.Width = msg.Width
		a.output.Height = max(msg.Height-4, 1)
		if a.view == ViewOutput && a.detail != nil {
			a.output.SetContent(a.renderOutput())
		}
		return a, nil

	case runsLoadedMsg:
		a.runs = msg.runs
		a.err = msg.err
		if a.selectedIdx >= len(a.runs) {
			a.selectedIdx = max(len(a.runs)-1, 0)
		}
		return a, nil

	case tickMsg:
		switch {
		case a.view == ViewRunList && a.hasRunningRuns():
			return a, tea.Batch(a.loadRuns, a.tickCmd())
		case a.view == ViewRunDetail && a.detail != nil && !a.detail.Run.Status.IsTerminal():
			return a, tea.Batch(a.loadRunDetail(a.detail.Run.ID), a.tickCmd())
		}
		// Keep ticking to detect new running runs
		return a, a.tickCmd()

	case runDetailMsg:
		a.err = msg.err
		if msg.err == nil {
			a.detail = msg.detail
			if a.view == ViewRunList {
				a.view = ViewRunDetail
			}
		}
		return a, nil

	case runCancelledMsg:
		a.err = msg.err
		if msg.err == nil {
			if msg.cancelled {
				a.notice = fmt.Sprintf("cancelled run #%d", msg.runID)
			} else {
				a.notice = fmt.Sprintf("run #%d was not running", msg.runID)
			}
		}
		return a, a.loadRuns

	case runDeletedMsg:
		a.err = msg.err
		if a.selectedIdx >= len(a.runs)-1 && a.selectedIdx > 0 {
			a.selectedIdx--
		}
		return a, a.loadRuns

	case sweptMsg:
		a.err = msg.err
		if msg.err == nil {
			a.notice = fmt.Sprintf("reconciled %d run(s)", len(msg.ids))
		}
		return a, a.loadRuns

	case sessionResumedMsg:
		if msg.err != nil {
			a.err = msg.err
		}
		a.view = ViewRunList
		return a, a.loadRuns
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewRunDetail:
		return a.handleRunDetailKey(msg)
	case ViewOutput:
		return a.handleOutputKey(msg)
	}
	return a, nil
}

func (a *App) selected() *models.Run {
	if len(a.runs) == 0 || a.selectedIdx >= len(a.runs) {
		return nil
	}
	return a.runs[a.selectedIdx]
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	a.notice = ""
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.runs)-1 {
			a.selectedIdx++
		}

	case "enter":
		if run := a.selected(); run != nil {
			return a, a.loadRunDetail(run.ID)
		}

	case "r":
		return a, a.loadRuns

	case "s":
		return a, a.sweep

	case "x":
		if run := a.selected(); run != nil {
			return a, a.cancelRun(run.ID)
		}

	case "d":
		if run := a.selected(); run != nil {
			return a, a.deleteRun(run.ID)
		}
	}

	return a, nil
}

func (a *App) handleRunDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList
		a.detail = nil
		return a, a.loadRuns

	case "ctrl+c":
		return a, tea.Quit

	case "x":
		if a.detail != nil {
			return a, a.cancelRun(a.detail.Run.ID)
		}

	case "o":
		if a.detail != nil {
			a.output.SetContent(a.renderOutput())
			a.output.GotoTop()
			a.view = ViewOutput
		}

	case "enter":
		if a.detail != nil && a.detail.Run.SessionID != "" && a.detail.Run.Status.IsTerminal() {
			return a, a.resumeSession(a.detail.Run.SessionID, a.detail.Run.ProjectPath)
		}
	}

	return a, nil
}

func (a *App) handleOutputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunDetail
		return a, nil

	case "ctrl+c":
		return a, tea.Quit
	}

	var cmd tea.Cmd
	a.output, cmd = a.output.Update(msg)
	return a, cmd
}

func (a *App) View() string {
	switch a.view {
	case ViewRunList:
		return a.viewRunList()
	case ViewRunDetail:
		return a.viewRunDetail()
	case ViewOutput:
		return a.viewOutput()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete  = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusCancelled = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	statusPending   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewRunList() string {
	s := titleStyle.Render("Agent Runs") + "\n\n"

	if a.err != nil {
		s += fmt.Sprintf("Error: %v\n", a.err)
	}
	if a.notice != "" {
		s += dimStyle.Render(a.notice) + "\n"
	}

	if len(a.runs) == 0 {
		s += "No runs yet. Start one with 'agentrun run'.\n"
	} else {
		s += "Recent Runs\n"
		s += "───────────\n"

		for i, run := range a.runs {
			line := formatRunLine(run)
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else if run.Status.IsTerminal() {
				line = "  " + dimStyle.Render(line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] view  [x] cancel  [d] delete  [s] sweep  [r] refresh  [q] quit")

	return s
}

func formatRunLine(run *models.Run) string {
	name := run.AgentName
	if run.AgentIcon != "" {
		name = run.AgentIcon + " " + name
	}
	return fmt.Sprintf("#%-3d %-18s %s  %-6s  %s", run.ID, truncate(name, 18), formatStatus(run), formatAge(run.CreatedAt), truncate(run.Task, 35))
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%dd", days)
	}
}

func formatStatus(run *models.Run) string {
	switch run.Status {
	case models.RunStatusRunning:
		return statusRunning.Render("● running")
	case models.RunStatusCompleted:
		if run.Reconciled {
			return statusComplete.Render("✓ completed?")
		}
		return statusComplete.Render("✓ completed")
	case models.RunStatusFailed:
		return statusFailed.Render("✗ failed")
	case models.RunStatusCancelled:
		return statusCancelled.Render("■ cancelled")
	case models.RunStatusPending:
		return statusPending.Render("○ pending")
	default:
		return string(run.Status)
	}
}

func (a *App) viewRunDetail() string {
	if a.detail == nil {
		return "No run selected"
	}

	run := a.detail.Run
	header := fmt.Sprintf("Run #%d: %s", run.ID, run.AgentName)
	s := titleStyle.Render(header) + "  " + formatStatus(run) + "\n\n"

	s += a.wrap(run.Task) + "\n\n"

	s += labelStyle.Render("Project:  ") + dimStyle.Render(run.ProjectPath) + "\n"
	s += labelStyle.Render("Model:    ") + dimStyle.Render(run.Model) + "\n"
	if run.SessionID != "" {
		s += labelStyle.Render("Session:  ") + dimStyle.Render(run.SessionID) + "\n"
	}
	if run.PID != nil {
		s += labelStyle.Render("PID:      ") + dimStyle.Render(fmt.Sprintf("%d", *run.PID)) + "\n"
	}
	if d := run.Duration(); d > 0 {
		label := formatDuration(d)
		if !run.Status.IsTerminal() {
			label = statusRunning.Render(label + "...")
		}
		s += labelStyle.Render("Duration: ") + label + "\n"
	}
	if run.Reconciled {
		s += labelStyle.Render("Note:     ") + dimStyle.Render("process vanished unobserved; marked completed by sweep") + "\n"
	}

	if m := a.detail.Metrics; m != nil {
		s += "\n" + formatMetrics(m) + "\n"
	}

	s += "\nSummary\n"
	s += "───────\n"
	if summary := transcript.LastAssistantText(a.detail.Output); summary != "" {
		s += a.wrap(summary) + "\n"
	} else {
		s += dimStyle.Render("(no output yet)") + "\n"
	}

	s += "\n" + helpStyle.Render("[o] output  [enter] resume  [x] cancel  [esc] back")

	return s
}

func formatMetrics(m *models.RunMetrics) string {
	var parts []string
	if m.DurationMS != nil {
		parts = append(parts, formatDuration(time.Duration(*m.DurationMS)*time.Millisecond))
	}
	if m.TotalTokens != nil {
		parts = append(parts, fmt.Sprintf("%d tokens", *m.TotalTokens))
	}
	if m.CostUSD != nil {
		parts = append(parts, fmt.Sprintf("$%.4f", *m.CostUSD))
	}
	if m.MessageCount != nil {
		parts = append(parts, fmt.Sprintf("%d messages", *m.MessageCount))
	}
	s := ""
	for i, p := range parts {
		if i > 0 {
			s += dimStyle.Render("  ·  ")
		}
		s += p
	}
	return s
}

func (a *App) viewOutput() string {
	title := "Output"
	if a.detail != nil {
		title = fmt.Sprintf("Output #%d", a.detail.Run.ID)
	}
	s := titleStyle.Render(title) + "\n\n"
	s += a.output.View() + "\n"
	s += helpStyle.Render(fmt.Sprintf("%3.f%%  [↑/↓] scroll  [esc] back", a.output.ScrollPercent()*100))
	return s
}

func (a *App) renderOutput() string {
	if a.detail == nil || a.detail.Output == "" {
		return "(no output)"
	}
	return a.wrap(a.detail.Output)
}

func (a *App) wrap(s string) string {
	if a.width <= 0 {
		return s
	}
	return wordwrap.String(s, a.width)
}

// Messages

type runsLoadedMsg struct {
	runs []*models.Run
	err  error
}

type runDetailMsg struct {
	detail *models.RunWithMetrics
	err    error
}

type runCancelledMsg struct {
	runID     int64
	cancelled bool
	err       error
}

type runDeletedMsg struct {
	runID int64
	err   error
}

type sweptMsg struct {
	ids []int64
	err error
}

type sessionResumedMsg struct {
	sessionID string
	err       error
}

// Commands

func (a *App) loadRuns() tea.Msg {
	runs, err := a.backend.ListRuns(a.ctx, 20)
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *App) loadRunDetail(id int64) tea.Cmd {
	return func() tea.Msg {
		detail, err := a.backend.RunWithMetrics(a.ctx, id)
		return runDetailMsg{detail: detail, err: err}
	}
}

func (a *App) cancelRun(id int64) tea.Cmd {
	return func() tea.Msg {
		ok, err := a.backend.Cancel(a.ctx, id)
		return runCancelledMsg{runID: id, cancelled: ok, err: err}
	}
}

func (a *App) deleteRun(id int64) tea.Cmd {
	return func() tea.Msg {
		if err := a.backend.DeleteRun(a.ctx, id); err != nil {
			return runDeletedMsg{err: err}
		}
		return runDeletedMsg{runID: id}
	}
}

func (a *App) sweep() tea.Msg {
	ids, err := a.backend.Sweep(a.ctx)
	return sweptMsg{ids: ids, err: err}
}

func (a *App) resumeSession(sessionID string, workDir string) tea.Cmd {
	cmd := exec.Command(a.binary, "--resume", sessionID)
	cmd.Dir = workDir
	return tea.ExecProcess(cmd, func(err error) tea.Msg {
		return sessionResumedMsg{sessionID: sessionID, err: err}
	})
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
