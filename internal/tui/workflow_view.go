package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/lattice-flow/internal/workflow"
	"github.com/kingrea/lattice-flow/internal/workflow/engine"
	"github.com/kingrea/lattice-flow/internal/workflow/resolver"
)

var (
	labelStyleReady   = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyleBlocked = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStyleGate    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	labelStyleSkipped = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	labelStyleDefault = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	detailTextStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
)

// workflowView renders the steps of one workflow instance.
type workflowView struct {
	definition workflow.Workflow
	resolver   *resolver.Resolver
	state      engine.WorkflowState
	loaded     bool
	selection  int
}

type stepLabel struct {
	text  string
	style lipgloss.Style
}

func newWorkflowView(def *workflow.Workflow) *workflowView {
	v := &workflowView{}
	if def != nil {
		v.definition = *def
		v.resolver = resolver.New(*def)
	}
	return v
}

func (v *workflowView) apply(state engine.WorkflowState) {
	v.state = state
	v.loaded = true
	if n := len(v.stepIDs()); v.selection >= n {
		v.selection = max(0, n-1)
	}
}

// stepIDs lists steps in declaration order when the definition is known,
// otherwise the steps the state has seen.
func (v *workflowView) stepIDs() []string {
	if v.resolver != nil {
		return v.definition.StepIDs()
	}
	ids := make([]string, 0, len(v.state.StepResults))
	for id := range v.state.StepResults {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (v *workflowView) total() int {
	if v.resolver != nil {
		return v.resolver.Len()
	}
	return len(v.state.StepResults)
}

func (v *workflowView) moveSelection(delta int) {
	next := v.selection + delta
	if next < 0 || next >= len(v.stepIDs()) {
		return
	}
	v.selection = next
}

func (v *workflowView) View() string {
	if !v.loaded {
		return "Loading workflow state…"
	}
	ids := v.stepIDs()
	if len(ids) == 0 {
		return detailTextStyle.Render("no steps recorded yet")
	}
	lines := make([]string, 0, len(ids)+1)
	for i, id := range ids {
		lines = append(lines, v.renderStepLine(i, id))
		if i == v.selection {
			lines = append(lines, v.renderStepDetails(id))
		}
	}
	return strings.Join(lines, "\n")
}

func (v *workflowView) renderStepLine(idx int, id string) string {
	indicator := " "
	if idx == v.selection {
		indicator = ">"
	}
	name := id
	if step, ok := v.definition.Step(id); ok {
		name = step.Label()
	}
	specs := v.stepLabelSpecs(id)
	if len(specs) == 0 {
		specs = []stepLabel{{text: "Pending", style: labelStyleDefault}}
	}
	rendered := make([]string, 0, len(specs))
	for _, spec := range specs {
		rendered = append(rendered, spec.style.Render(spec.text))
	}
	return fmt.Sprintf("%s %s · [%s]", indicator, name, strings.Join(rendered, ", "))
}

func (v *workflowView) renderStepDetails(id string) string {
	var details []string
	if step, ok := v.definition.Step(id); ok {
		if step.Type != nil {
			details = append(details, fmt.Sprintf("Kind: %s", step.Type.Kind()))
		}
		if len(step.Dependencies) > 0 {
			details = append(details, fmt.Sprintf("Depends on: %s", strings.Join(step.Dependencies, ", ")))
		}
		if blockers := v.resolver.Blockers(v.state.Completed(), id); len(blockers) > 0 && !v.state.IsStepCompleted(id) {
			details = append(details, fmt.Sprintf("Blocked by: %s", strings.Join(blockers, ", ")))
		}
	}
	if result, ok := v.state.StepResults[id]; ok {
		line := fmt.Sprintf("Last attempt: %s · attempt %d · %dms", result.Status, result.Attempts, result.DurationMS)
		if result.Error != "" {
			line += fmt.Sprintf(" · %s", result.Error)
		}
		details = append(details, line)
		if result.Output != nil {
			details = append(details, "Output: "+truncate(result.Output.Text(), 120))
		}
	}
	if len(details) == 0 {
		return detailTextStyle.Render("  no additional details")
	}
	return detailTextStyle.Render("  " + strings.Join(details, "\n  "))
}

func (v *workflowView) stepLabelSpecs(id string) []stepLabel {
	var specs []stepLabel
	add := func(text string, style lipgloss.Style) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		for _, existing := range specs {
			if existing.text == text {
				return
			}
		}
		specs = append(specs, stepLabel{text: text, style: style})
	}
	if result, ok := v.state.StepResults[id]; ok {
		add(friendlyLabel(string(result.Status)), labelStyleForState(string(result.Status)))
	}
	if v.state.AwaitingApproval == id {
		add("Gate Pending", labelStyleGate)
	}
	if v.resolver == nil || v.state.Status.Terminal() {
		return specs
	}
	if _, started := v.state.StepResults[id]; !started {
		if v.isReady(id) {
			add("Ready", labelStyleReady)
		} else {
			add("Blocked", labelStyleBlocked)
		}
	}
	return specs
}

func (v *workflowView) isReady(id string) bool {
	for _, ready := range v.resolver.ReadySteps(v.state.Completed(), v.state.InProgress()) {
		if ready == id {
			return true
		}
	}
	return false
}

func labelStyleForState(state string) lipgloss.Style {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "ready", "completed":
		return labelStyleReady
	case "blocked", "failed", "cancelled":
		return labelStyleBlocked
	case "running":
		return labelStyleRunning
	case "waiting_approval", "paused":
		return labelStyleGate
	case "skipped":
		return labelStyleSkipped
	default:
		return labelStyleDefault
	}
}

// StatusStyle returns the label style used for a workflow status.
func StatusStyle(status engine.Status) lipgloss.Style {
	return labelStyleForState(string(status))
}

// StatusLabel renders a workflow status the way the watch view does.
func StatusLabel(status engine.Status) string {
	return StatusStyle(status).Render(friendlyLabel(string(status)))
}

func friendlyLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	replacer := strings.NewReplacer("_", " ", "-", " ")
	words := strings.Fields(replacer.Replace(strings.ToLower(value)))
	if len(words) == 0 {
		return ""
	}
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-1]) + "…"
}
