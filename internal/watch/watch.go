// Package watch is the `linecook watch` subcommand: a small bubbletea
// program that polls the Telemetry Writer's status file on a 1-second tick
// and renders it live. This is additive per spec.md §6 ("extras are
// permitted but not contractual") — the loop itself never depends on it
// running. Adapted from
// _examples/Logiraptor-devdashboard/internal/ui/ralph_status.go's
// RalphStatusView, generalized from ralph's single-bead polling to
// linecook's richer status schema (recent iterations, skip list,
// escalation, epic mode).
package watch

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/lipgloss"
)

const (
	colorAccent    = "86"
	colorHighlight = "205"
	colorDanger    = "196"
	colorMuted     = "241"
	colorWarning   = "208"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorAccent))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color(colorHighlight)).Padding(1, 2)
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(colorMuted))
	dangerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(colorDanger))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color(colorWarning))
)

// status mirrors telemetry.Status's JSON shape. Decoded independently
// rather than importing internal/telemetry, so the viewer can read a
// status file written by any version of the loop without a compile-time
// dependency on the writer's package.
type status struct {
	Running          bool   `json:"running"`
	Iteration        int    `json:"iteration"`
	MaxIterations    int    `json:"max_iterations"`
	CurrentTask      string `json:"current_task"`
	CurrentTaskTitle string `json:"current_task_title"`
	LastVerdict      string `json:"last_verdict"`
	TasksCompleted   int    `json:"tasks_completed"`
	TasksRemaining   int    `json:"tasks_remaining"`
	StartedAt        time.Time `json:"started_at"`
	LastUpdate       time.Time `json:"last_update"`
	CurrentPhase     string `json:"current_phase"`
	SkippedTasks     []string `json:"skipped_tasks"`
	StopReason       string `json:"stop_reason"`
	EpicMode         string `json:"epic_mode"`
	CurrentEpic      string `json:"current_epic"`
	RecentIterations []struct {
		Iteration int    `json:"iteration"`
		TaskID    string `json:"task_id"`
		Outcome   string `json:"outcome"`
		Verdict   string `json:"verdict"`
	} `json:"recent_iterations"`
	Escalation *struct {
		RecentFailures   []string `json:"recent_failures"`
		SuggestedActions []string `json:"suggested_actions"`
	} `json:"escalation"`
}

type tickMsg time.Time

type statusMsg struct {
	s   *status
	err error
}

func poll(path string) tea.Cmd {
	return func() tea.Msg {
		data, err := os.ReadFile(path)
		if err != nil {
			return statusMsg{err: err}
		}
		var s status
		if err := json.Unmarshal(data, &s); err != nil {
			return statusMsg{err: err}
		}
		return statusMsg{s: &s}
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

type model struct {
	path    string
	s       *status
	err     error
	spinner spinner.Model
	width   int
}

func newModel(path string) model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color(colorAccent))
	return model{path: path, spinner: sp, width: 60}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(poll(m.path), tick(), m.spinner.Tick)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" || msg.String() == "esc" {
			return m, tea.Quit
		}
		return m, nil
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tickMsg:
		return m, tea.Batch(poll(m.path), tick())
	case statusMsg:
		m.s, m.err = msg.s, msg.err
		return m, nil
	default:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
}

func (m model) View() string {
	if m.err != nil {
		return boxStyle.Render(mutedStyle.Render("waiting for status file: "+m.path)) + "\n"
	}
	if m.s == nil {
		return boxStyle.Render(mutedStyle.Render("loading...")) + "\n"
	}
	s := m.s

	var lines []string
	lines = append(lines, titleStyle.Render("linecook"))

	iterLine := fmt.Sprintf("iteration %d/%d", s.Iteration, s.MaxIterations)
	if s.Running {
		iterLine = m.spinner.View() + " " + iterLine
	} else if s.StopReason != "" {
		iterLine = fmt.Sprintf("stopped: %s (after %d iterations)", s.StopReason, s.Iteration)
	}
	lines = append(lines, iterLine)

	if s.EpicMode != "" && s.EpicMode != "default" {
		epicLine := fmt.Sprintf("epic mode: %s", s.EpicMode)
		if s.CurrentEpic != "" {
			epicLine += fmt.Sprintf(" (%s)", s.CurrentEpic)
		}
		lines = append(lines, epicLine)
	}

	if s.CurrentTask != "" {
		taskLine := fmt.Sprintf("task: %s", s.CurrentTask)
		if s.CurrentTaskTitle != "" {
			taskLine += " - " + s.CurrentTaskTitle
		}
		lines = append(lines, taskLine)
		if s.CurrentPhase != "" {
			lines = append(lines, mutedStyle.Render("phase: "+s.CurrentPhase))
		}
	}

	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("completed %d  remaining %d", s.TasksCompleted, s.TasksRemaining))
	if s.LastVerdict != "" {
		lines = append(lines, "last verdict: "+s.LastVerdict)
	}

	if len(s.RecentIterations) > 0 {
		lines = append(lines, "")
		lines = append(lines, "recent:")
		for _, r := range s.RecentIterations {
			lines = append(lines, fmt.Sprintf("  %d  %-14s %s", r.Iteration, r.TaskID, r.Outcome))
		}
	}

	if len(s.SkippedTasks) > 0 {
		lines = append(lines, "")
		lines = append(lines, warnStyle.Render(fmt.Sprintf("skipped: %v", s.SkippedTasks)))
	}

	if s.Escalation != nil {
		lines = append(lines, "")
		lines = append(lines, dangerStyle.Render("escalation:"))
		for _, f := range s.Escalation.RecentFailures {
			lines = append(lines, "  "+f)
		}
		for _, a := range s.Escalation.SuggestedActions {
			lines = append(lines, mutedStyle.Render("  - "+a))
		}
	}

	lines = append(lines, "", mutedStyle.Render("q to quit"))

	content := lipgloss.JoinVertical(lipgloss.Left, lines...)
	return boxStyle.Width(m.width).Render(content) + "\n"
}

// Run starts the watch TUI against the status file at path, blocking until
// the user quits.
func Run(path string) error {
	if path == "" {
		return fmt.Errorf("watch: empty status file path")
	}
	p := tea.NewProgram(newModel(path))
	_, err := p.Run()
	return err
}
