// Package tui renders a live progress view for a running job: phase,
// completed/failed/pending counts, the agent pool, and checkpoint
// activity.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mkallio/fanout/internal/checkpoint"
	"github.com/mkallio/fanout/internal/coordinator"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle   = lipgloss.NewStyle().Faint(true)
	frameStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 2)
)

// ProgressMsg delivers a fresh coordinator snapshot to the view.
type ProgressMsg coordinator.Progress

// DoneMsg tells the view the job finished; Err is nil on success.
type DoneMsg struct {
	Err error
}

// Model is the bubbletea model for the progress view.
type Model struct {
	jobID    string
	workflow string

	bar     progress.Model
	spin    spinner.Model
	width   int
	started time.Time

	snapshot coordinator.Progress
	done     bool
	doneErr  error
	quitting bool

	// onInterrupt is invoked once when the user asks to quit, so the
	// coordinator can drain before the program exits.
	onInterrupt func()
	interrupted bool
}

// NewModel creates the progress view for a job.
func NewModel(jobID, workflowName string, onInterrupt func()) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return Model{
		jobID:       jobID,
		workflow:    workflowName,
		bar:         progress.New(progress.WithDefaultGradient()),
		spin:        sp,
		started:     time.Now(),
		width:       80,
		onInterrupt: onInterrupt,
	}
}

func (m Model) Init() tea.Cmd {
	return m.spin.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if !m.interrupted {
				m.interrupted = true
				if m.onInterrupt != nil {
					m.onInterrupt()
				}
			}
			// Stay up until the coordinator reports the final state.
			return m, nil
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = min(msg.Width-20, 60)
		return m, nil

	case ProgressMsg:
		m.snapshot = coordinator.Progress(msg)
		cmd := m.bar.SetPercent(m.percent())
		return m, cmd

	case DoneMsg:
		m.done = true
		m.doneErr = msg.Err
		m.quitting = true
		return m, tea.Quit

	case progress.FrameMsg:
		bar, cmd := m.bar.Update(msg)
		m.bar = bar.(progress.Model)
		return m, cmd

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) percent() float64 {
	if m.snapshot.Total == 0 {
		return 0
	}
	settled := m.snapshot.Completed + m.snapshot.Failed
	return float64(settled) / float64(m.snapshot.Total)
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("fanout"))
	b.WriteString(labelStyle.Render("  "+m.workflow) + dimStyle.Render("  job "+m.jobID))
	b.WriteString("\n\n")

	b.WriteString(m.phaseLine())
	b.WriteString("\n\n")

	if m.snapshot.Phase == checkpoint.PhaseMap || m.snapshot.Total > 0 {
		b.WriteString(m.bar.View())
		b.WriteString("\n\n")
		b.WriteString(m.countsLine())
		b.WriteString("\n")
	}

	b.WriteString(m.footer())

	return frameStyle.Width(max(m.width-4, 40)).Render(b.String()) + "\n"
}

func (m Model) phaseLine() string {
	var phase string
	switch m.snapshot.Phase {
	case checkpoint.PhaseSetup:
		phase = "setup"
	case checkpoint.PhaseReduce:
		phase = fmt.Sprintf("reduce (step %d/%d)", m.snapshot.ReduceStep+1, max(m.snapshot.ReduceTotal, 1))
	default:
		phase = fmt.Sprintf("map (%d agents running)", m.snapshot.InProgress)
	}
	line := m.spin.View() + " " + phase
	if m.snapshot.Draining {
		line += "  " + warnStyle.Render("draining — finishing in-flight agents")
	}
	return line
}

func (m Model) countsLine() string {
	parts := []string{
		okStyle.Render(fmt.Sprintf("%d done", m.snapshot.Completed)),
		failStyle.Render(fmt.Sprintf("%d failed", m.snapshot.Failed)),
		labelStyle.Render(fmt.Sprintf("%d pending", m.snapshot.Pending)),
		labelStyle.Render(fmt.Sprintf("%d of %d total", m.snapshot.Completed+m.snapshot.Failed, m.snapshot.Total)),
	}
	if m.snapshot.DeadLettered > 0 {
		parts = append(parts, warnStyle.Render(fmt.Sprintf("%d dead-lettered", m.snapshot.DeadLettered)))
	}
	return strings.Join(parts, dimStyle.Render("  ·  "))
}

func (m Model) footer() string {
	elapsed := time.Since(m.started).Round(time.Second)
	save := "no checkpoint yet"
	if !m.snapshot.LastSave.IsZero() {
		save = "checkpoint " + time.Since(m.snapshot.LastSave).Round(time.Second).String() + " ago"
	}
	return dimStyle.Render(fmt.Sprintf("%s elapsed  ·  %s  ·  press q to interrupt", elapsed, save))
}
