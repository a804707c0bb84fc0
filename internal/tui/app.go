package tui

import (
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/mkallio/fanout/internal/coordinator"
)

// App wraps the bubbletea program for the progress view.
type App struct {
	program *tea.Program
}

// Available reports whether stdout is a terminal the view can render
// to. Piped output falls back to plain logging.
func Available() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// New creates the progress view app. onInterrupt runs once when the
// user presses q; it should start the coordinator's drain.
func New(jobID, workflowName string, onInterrupt func()) *App {
	model := NewModel(jobID, workflowName, onInterrupt)
	return &App{
		program: tea.NewProgram(model),
	}
}

// Run blocks until the view exits.
func (a *App) Run() error {
	_, err := a.program.Run()
	return err
}

// SendProgress delivers a coordinator snapshot to the view. Safe to
// call from any goroutine.
func (a *App) SendProgress(p coordinator.Progress) {
	a.program.Send(ProgressMsg(p))
}

// Done tells the view the job finished and shuts it down.
func (a *App) Done(err error) {
	a.program.Send(DoneMsg{Err: err})
}
