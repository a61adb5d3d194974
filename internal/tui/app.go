package tui

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/lattice-flow/internal/logbook"
	"github.com/kingrea/lattice-flow/internal/workflow"
	"github.com/kingrea/lattice-flow/internal/workflow/engine"
)

const defaultRefreshInterval = time.Second

// App is the watch model. It polls a persisted state file and renders the
// instance's progress until the workflow reaches a terminal status.
type App struct {
	statePath   string
	journalPath string
	interval    time.Duration

	view     *workflowView
	spinner  spinner.Model
	progress progress.Model
	err      error
	finished bool

	// Window size (we get this from bubbletea)
	width  int
	height int
}

// AppOption customizes the App.
type AppOption func(*App)

// WithWorkflow lets the view list every step, including ones that never ran,
// and show readiness.
func WithWorkflow(wf workflow.Workflow) AppOption {
	return func(a *App) {
		a.view = newWorkflowView(&wf)
	}
}

// WithJournal shows the tail of a run journal under the step list.
func WithJournal(path string) AppOption {
	return func(a *App) {
		a.journalPath = path
	}
}

// WithRefreshInterval overrides how often the state file is re-read.
func WithRefreshInterval(d time.Duration) AppOption {
	return func(a *App) {
		if d > 0 {
			a.interval = d
		}
	}
}

type stateMsg struct {
	state engine.WorkflowState
	err   error
}

type refreshRequest struct{}

// NewApp creates a watch model for the state file at statePath.
func NewApp(statePath string, opts ...AppOption) *App {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = labelStyleRunning
	a := &App{
		statePath: statePath,
		interval:  defaultRefreshInterval,
		view:      newWorkflowView(nil),
		spinner:   s,
		progress:  progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Init starts the spinner and loads the state once.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, a.loadState())
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.progress.Width = min(60, max(10, msg.Width-20))
		return a, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return a, tea.Quit
		case "up", "k":
			a.view.moveSelection(-1)
		case "down", "j":
			a.view.moveSelection(1)
		case "r":
			return a, a.loadState()
		}
		return a, nil

	case stateMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, a.scheduleRefresh()
		}
		a.err = nil
		a.view.apply(msg.state)
		if msg.state.Status.Terminal() {
			a.finished = true
			return a, nil
		}
		return a, a.scheduleRefresh()

	case refreshRequest:
		if a.finished {
			return a, nil
		}
		return a, a.loadState()

	case spinner.TickMsg:
		if a.finished {
			return a, nil
		}
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}
	return a, nil
}

// View renders the header, progress, step list and journal.
func (a *App) View() string {
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		MarginBottom(1).
		Render("⬡ LATTICE FLOW")
	sections := []string{header}
	if a.err != nil {
		sections = append(sections, labelStyleBlocked.Render(fmt.Sprintf("State error: %v", a.err)))
	}
	if a.view.loaded {
		sections = append(sections, a.renderStatusLine(), a.renderProgress(), "")
	}
	sections = append(sections, a.view.View())
	if panel := a.renderLogPanel(); panel != "" {
		sections = append(sections, "", panel)
	}
	sections = append(sections, "", detailTextStyle.Render("↑/↓ select  r refresh  q quit"))
	return strings.Join(sections, "\n")
}

// Finished reports whether the watched workflow reached a terminal status.
func (a *App) Finished() bool {
	return a.finished
}

func (a *App) renderStatusLine() string {
	state := a.view.state
	line := fmt.Sprintf("Workflow: %s · Instance: %s · Status: %s", state.WorkflowID, state.InstanceID, StatusLabel(state.Status))
	if state.Status.Active() && !a.finished {
		line = a.spinner.View() + " " + line
	}
	if state.Reason != "" {
		line += fmt.Sprintf(" · %s", state.Reason)
	}
	if state.AwaitingApproval != "" {
		line += " · " + labelStyleGate.Render("awaiting approval: "+state.AwaitingApproval)
	}
	if !state.StartedAt.IsZero() {
		end := time.Now()
		if state.Status.Terminal() {
			end = state.UpdatedAt
		}
		line += fmt.Sprintf(" · %s elapsed", humanizeDuration(end.Sub(state.StartedAt)))
	}
	return line
}

func (a *App) renderProgress() string {
	percent := a.view.state.Progress(a.view.total())
	return a.progress.ViewAs(float64(percent) / 100)
}

func (a *App) renderLogPanel() string {
	if a.journalPath == "" {
		return ""
	}
	lines, _ := logbook.TailFile(a.journalPath, 8)
	if len(lines) == 0 {
		return ""
	}
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("LOG · %s", filepath.Base(a.journalPath)))
	body := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(strings.Join(lines, "\n"))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Render(fmt.Sprintf("%s\n%s", head, body))
}

func (a *App) loadState() tea.Cmd {
	path := a.statePath
	return func() tea.Msg {
		state, err := engine.LoadState(path)
		return stateMsg{state: state, err: err}
	}
}

func (a *App) scheduleRefresh() tea.Cmd {
	return tea.Tick(a.interval, func(time.Time) tea.Msg {
		return refreshRequest{}
	})
}

func humanizeDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh", int(d.Hours()))
}
