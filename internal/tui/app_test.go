package tui

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/lattice-flow/internal/logbook"
	"github.com/kingrea/lattice-flow/internal/workflow"
	"github.com/kingrea/lattice-flow/internal/workflow/engine"
)

func TestWatchRendersStepsAndStopsWhenTerminal(t *testing.T) {
	wf := testWorkflow()
	dir := t.TempDir()
	state := engine.NewState(wf.ID, time.Now())
	state.Status = engine.StatusRunning
	state.StartedAt = state.UpdatedAt
	state.StepResults["plan"] = engine.StepResult{Status: engine.StepCompleted, Attempts: 1}
	state.CompletedSteps = []string{"plan"}
	state.StepResults["build"] = engine.StepResult{Status: engine.StepRunning, Attempts: 1}
	state.CurrentStep = "build"
	path := writeState(t, dir, state)

	app := NewApp(path, WithWorkflow(wf), WithRefreshInterval(time.Millisecond))
	cmd := deliver(t, app, app.loadState())
	if cmd == nil {
		t.Fatalf("a running workflow should schedule another refresh")
	}
	view := app.View()
	for _, want := range []string{"Plan the release", "Completed", "Running", "Blocked", "Status: Running"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
	if app.Finished() {
		t.Fatalf("running workflow should not be finished")
	}

	state.StepResults["build"] = engine.StepResult{Status: engine.StepCompleted, Attempts: 1}
	state.StepResults["publish"] = engine.StepResult{Status: engine.StepCompleted, Attempts: 1}
	state.CompletedSteps = append(state.CompletedSteps, "build", "publish")
	state.CurrentStep = ""
	state.Status = engine.StatusCompleted
	writeState(t, dir, state)

	if cmd := deliver(t, app, app.loadState()); cmd != nil {
		t.Fatalf("terminal workflow should stop refreshing")
	}
	if !app.Finished() {
		t.Fatalf("expected finished after terminal status")
	}
	if view := app.View(); !strings.Contains(view, "100%") {
		t.Fatalf("expected full progress bar:\n%s", view)
	}
}

func TestWatchShowsPendingApprovalAndReadiness(t *testing.T) {
	wf := testWorkflow()
	state := engine.NewState(wf.ID, time.Now())
	state.Status = engine.StatusWaitingApproval
	state.AwaitingApproval = "plan"
	path := writeState(t, t.TempDir(), state)

	app := NewApp(path, WithWorkflow(wf))
	deliver(t, app, app.loadState())
	view := app.View()
	if !strings.Contains(view, "Gate Pending") || !strings.Contains(view, "awaiting approval: plan") {
		t.Fatalf("approval gate not rendered:\n%s", view)
	}
	if !strings.Contains(view, "Ready") {
		t.Fatalf("root step should be ready:\n%s", view)
	}
}

func TestWatchReportsMissingStateAndKeepsPolling(t *testing.T) {
	app := NewApp(filepath.Join(t.TempDir(), "missing.json"))
	if cmd := deliver(t, app, app.loadState()); cmd == nil {
		t.Fatalf("expected the watcher to retry")
	}
	if view := app.View(); !strings.Contains(view, "state not found") {
		t.Fatalf("expected error in view:\n%s", view)
	}
}

func TestWatchShowsJournalTail(t *testing.T) {
	dir := t.TempDir()
	state := engine.NewState("release", time.Now())
	path := writeState(t, dir, state)
	journal, err := logbook.ForInstance(dir, state.InstanceID)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	journal.Info("step plan started (attempt 1)")

	app := NewApp(path, WithJournal(journal.Path()))
	deliver(t, app, app.loadState())
	if view := app.View(); !strings.Contains(view, "step plan started") {
		t.Fatalf("journal tail missing:\n%s", view)
	}
}

func TestWatchKeys(t *testing.T) {
	wf := testWorkflow()
	state := engine.NewState(wf.ID, time.Now())
	app := NewApp(writeState(t, t.TempDir(), state), WithWorkflow(wf))
	deliver(t, app, app.loadState())

	app.Update(tea.KeyMsg{Type: tea.KeyDown})
	app.Update(tea.KeyMsg{Type: tea.KeyDown})
	app.Update(tea.KeyMsg{Type: tea.KeyDown})
	if app.view.selection != 2 {
		t.Fatalf("selection should stop at the last step, got %d", app.view.selection)
	}
	app.Update(tea.KeyMsg{Type: tea.KeyUp})
	if app.view.selection != 1 {
		t.Fatalf("selection = %d", app.view.selection)
	}

	_, cmd := app.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatalf("q should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected quit message")
	}
}

func TestFriendlyLabel(t *testing.T) {
	cases := map[string]string{
		"waiting_approval": "Waiting Approval",
		"already-running":  "Already Running",
		"  ":               "",
		"completed":        "Completed",
	}
	for in, want := range cases {
		if got := friendlyLabel(in); got != want {
			t.Fatalf("friendlyLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func deliver(t *testing.T, app *App, cmd tea.Cmd) tea.Cmd {
	t.Helper()
	_, next := app.Update(cmd())
	return next
}

func writeState(t *testing.T, dir string, state engine.WorkflowState) string {
	t.Helper()
	path := engine.StatePath(dir, state.InstanceID, engine.EncodingJSON)
	if err := engine.PersistState(state, path, engine.EncodingJSON); err != nil {
		t.Fatalf("persist: %v", err)
	}
	return path
}

func testWorkflow() workflow.Workflow {
	return workflow.Workflow{
		ID:   "release",
		Name: "Release",
		Steps: []workflow.WorkflowStep{
			{ID: "plan", Name: "Plan the release", Type: workflow.AgentStep{AgentID: "planner"}},
			{ID: "build", Type: workflow.CommandStep{Command: "make"}, Dependencies: []string{"plan"}},
			{ID: "publish", Type: workflow.ToolStep{Tool: "registry"}, Dependencies: []string{"build"}},
		},
	}
}
