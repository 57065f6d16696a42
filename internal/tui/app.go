// Package tui is the interactive front end: a full-screen status board over
// the fleet with a command line at the bottom and a per-agent inspect view.
package tui

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/fleet/internal/supervisor"
)

type View int

const (
	ViewMain View = iota
	ViewInspect
)

const tickInterval = 200 * time.Millisecond

// Reserved rows below the body: status strip and command input.
const reservedRows = 2

type App struct {
	sup *supervisor.Supervisor

	view    View
	inspect *supervisor.Agent

	body  viewport.Model
	input textinput.Model
	spin  spinner.Model

	width  int
	height int
	ready  bool
	err    error
}

func NewApp(sup *supervisor.Supervisor) *App {
	input := textinput.New()
	input.Prompt = "cmd> "
	input.Focus()

	spin := spinner.New()
	spin.Spinner = spinner.Line

	return &App{
		sup:   sup,
		input: input,
		spin:  spin,
	}
}

// Err reports the error that ended the session, nil on a clean finish.
func (a *App) Err() error {
	return a.err
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.spin.Tick, a.tickCmd())
}

type tickMsg time.Time

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		bodyHeight := msg.Height - reservedRows
		if bodyHeight < 0 {
			bodyHeight = 0
		}
		if !a.ready {
			a.body = viewport.New(msg.Width, bodyHeight)
			a.ready = true
		} else {
			a.body.Width = msg.Width
			a.body.Height = bodyHeight
		}
		a.input.Width = msg.Width - len(a.input.Prompt) - 1
		a.refreshBody()
		return a, nil

	case tickMsg:
		if err := a.sup.Tick(); err != nil {
			a.err = err
			return a, tea.Quit
		}
		for a.sup.PollEvent(0) {
		}
		if a.sup.Finished() {
			return a, tea.Quit
		}
		a.refreshBody()
		return a, a.tickCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spin, cmd = a.spin.Update(msg)
		return a, cmd
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return a, tea.Quit

	case "esc":
		a.input.SetValue("")
		a.view = ViewMain
		a.inspect = nil
		a.refreshBody()
		return a, nil

	case "enter":
		line := strings.TrimSpace(a.input.Value())
		a.input.SetValue("")
		if line == "" {
			return a, nil
		}
		return a.submit(line)

	case "up", "down", "pgup", "pgdown":
		// Scroll the body when nothing is being typed.
		if a.input.Value() == "" {
			var cmd tea.Cmd
			a.body, cmd = a.body.Update(msg)
			return a, cmd
		}
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

// submit dispatches one command line. Bare agent references and "show"
// switch to the inspect view; everything else goes through the shared
// command handler with its output folded into the activity log.
func (a *App) submit(line string) (tea.Model, tea.Cmd) {
	if !strings.ContainsAny(line, " :") {
		switch line {
		case "back", "exit", "quit":
			a.view = ViewMain
			a.inspect = nil
			a.refreshBody()
			return a, nil
		}
		if agent := a.sup.FindAgent(line); agent != nil {
			a.openInspect(agent)
			return a, nil
		}
	}
	if key, ok := strings.CutPrefix(line, "show "); ok {
		if agent := a.sup.FindAgent(key); agent != nil {
			a.openInspect(agent)
			return a, nil
		}
		a.sup.Log(fmt.Sprintf("Unknown agent '%s'", strings.TrimSpace(key)))
		a.refreshBody()
		return a, nil
	}

	err := a.sup.HandleCommand(line, a.sup.Log)
	if errors.Is(err, supervisor.ErrQuit) {
		return a, tea.Quit
	}
	a.refreshBody()
	return a, nil
}

func (a *App) openInspect(agent *supervisor.Agent) {
	a.view = ViewInspect
	a.inspect = agent
	a.refreshBody()
	a.body.GotoBottom()
}

func (a *App) refreshBody() {
	if !a.ready {
		return
	}
	atBottom := a.body.AtBottom()
	if a.view == ViewInspect && a.inspect != nil {
		var b strings.Builder
		fmt.Fprintf(&b, "Inspect %s\n\n", a.inspect.Label())
		history := a.inspect.History()
		if len(history) == 0 {
			b.WriteString("No history yet.\n")
		} else {
			for _, entry := range history {
				b.WriteString(entry)
				b.WriteByte('\n')
			}
		}
		a.body.SetContent(b.String())
	} else {
		a.body.SetContent(strings.Join(a.sup.BuildDisplayLines(a.spin.View()), "\n"))
	}
	if atBottom && a.view == ViewInspect {
		a.body.GotoBottom()
	}
}

var stripStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("229"))

func (a *App) View() string {
	if !a.ready {
		return "starting..."
	}
	if a.height < reservedRows+1 || a.width < 10 {
		// Terminal too small; skip this render.
		return ""
	}
	strip := stripStyle.Render(truncateLine(a.sup.StatusStrip(), a.width))
	return a.body.View() + "\n" + strip + "\n" + a.input.View()
}

func truncateLine(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}

// Run drives the app to completion on the controlling terminal.
func Run(sup *supervisor.Supervisor) error {
	app := NewApp(sup)
	program := tea.NewProgram(app, tea.WithAltScreen())
	model, err := program.Run()
	if err != nil {
		return err
	}
	if final, ok := model.(*App); ok && final.err != nil {
		return final.err
	}
	return nil
}
