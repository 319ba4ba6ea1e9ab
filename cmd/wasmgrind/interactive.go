package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/AFKoffee/wasmgrind/host"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	statStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// runInteractive drives the guest run under a TUI: live event counts while
// the guest executes, an on-demand trace dump ('d') and a final summary.
func runInteractive(ctx context.Context, rt *host.Runtime, wasmFile, funcName string, tracing bool) error {
	m := newInteractiveModel(ctx, rt, wasmFile, funcName, tracing)
	final, err := tea.NewProgram(m).Run()
	if err != nil {
		return err
	}
	if fm, ok := final.(*interactiveModel); ok && fm.runErr != nil {
		return fm.runErr
	}
	return nil
}

type modelState int

const (
	stateRunning modelState = iota
	stateDone
)

type interactiveModel struct {
	ctx      context.Context
	rt       *host.Runtime
	spin     spinner.Model
	wasmFile string
	funcName string
	dumpNote string
	runErr   error
	events   int
	state    modelState
	tracing  bool
}

func newInteractiveModel(ctx context.Context, rt *host.Runtime, wasmFile, funcName string, tracing bool) *interactiveModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return &interactiveModel{
		ctx:      ctx,
		rt:       rt,
		spin:     sp,
		wasmFile: wasmFile,
		funcName: funcName,
		tracing:  tracing,
	}
}

type runDoneMsg struct{ err error }

type tickMsg struct{}

type dumpDoneMsg struct {
	err    error
	events int
}

func (m *interactiveModel) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.startRun, tick())
}

func (m *interactiveModel) startRun() tea.Msg {
	return runDoneMsg{err: m.rt.Run(m.ctx, m.funcName)}
}

func tick() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func (m *interactiveModel) dumpTrace() tea.Msg {
	n := m.rt.Recorder().Len()
	bin, md, err := m.rt.Trace()
	if err != nil {
		return dumpDoneMsg{err: err}
	}
	meta, err := md.JSON()
	if err != nil {
		return dumpDoneMsg{err: err}
	}
	if err := writeFiles(bin, meta); err != nil {
		return dumpDoneMsg{err: err}
	}
	return dumpDoneMsg{events: n}
}

func writeFiles(bin, meta []byte) error {
	if err := os.WriteFile(traceBinFile, bin, 0o644); err != nil {
		return err
	}
	return os.WriteFile(traceJSONFile, meta, 0o644)
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.state == stateDone {
				return m, tea.Quit
			}
		case "d":
			if m.tracing {
				return m, m.dumpTrace
			}
		}

	case runDoneMsg:
		m.state = stateDone
		m.runErr = msg.err
		if m.tracing {
			m.events = m.rt.Recorder().Len()
			return m, m.dumpTrace
		}
		return m, nil

	case tickMsg:
		if m.state == stateRunning {
			if m.tracing {
				m.events = m.rt.Recorder().Len()
			}
			return m, tick()
		}
		return m, nil

	case dumpDoneMsg:
		if msg.err != nil {
			m.dumpNote = errorStyle.Render(fmt.Sprintf("trace dump failed: %v", msg.err))
		} else {
			m.dumpNote = okStyle.Render(fmt.Sprintf(
				"dumped %d events to %s + %s", msg.events, traceBinFile, traceJSONFile))
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *interactiveModel) View() string {
	s := titleStyle.Render("wasmgrind") + "  " + m.wasmFile + " :: " + m.funcName + "\n\n"

	switch m.state {
	case stateRunning:
		s += m.spin.View() + " running"
		if m.tracing {
			s += statStyle.Render(fmt.Sprintf("  %d events", m.events))
		}
		s += "\n"
		if m.tracing {
			s += helpStyle.Render("d: dump trace snapshot") + "\n"
		}
	case stateDone:
		if m.runErr != nil {
			s += errorStyle.Render(fmt.Sprintf("run failed: %v", m.runErr)) + "\n"
		} else {
			s += okStyle.Render("run completed") + "\n"
		}
		if m.tracing {
			s += statStyle.Render(fmt.Sprintf("%d events recorded", m.events)) + "\n"
		}
		s += helpStyle.Render("q: quit") + "\n"
	}

	if m.dumpNote != "" {
		s += m.dumpNote + "\n"
	}
	return s
}
