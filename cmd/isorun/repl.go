package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/isorun/isorun"
	"github.com/isorun/isorun/host"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	moduleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// replModel drives an interactive session against a live worker: each
// entered path is evaluated as a side module in the worker's context.
type replModel struct {
	ctx     context.Context
	worker  *host.MainWorker
	input   textinput.Model
	history []historyEntry
	err     error
	ready   bool
}

type historyEntry struct {
	specifier string
	err       error
}

type setupDoneMsg struct{ err error }

type evalDoneMsg struct {
	specifier string
	err       error
}

func newReplModel(ctx context.Context, worker *host.MainWorker) *replModel {
	ti := textinput.New()
	ti.Placeholder = "path/to/module.wasm"
	ti.Prompt = "> "
	ti.Width = 60
	ti.Focus()
	return &replModel{ctx: ctx, worker: worker, input: ti}
}

func (m *replModel) Init() tea.Cmd {
	return m.setup
}

func (m *replModel) setup() tea.Msg {
	if err := m.worker.ExecuteMainModule(m.ctx); err != nil {
		return setupDoneMsg{err: err}
	}
	return setupDoneMsg{err: m.worker.SetupRepl(m.ctx)}
}

func (m *replModel) evaluate(specifier string) tea.Cmd {
	return func() tea.Msg {
		u, err := url.Parse(specifier)
		if err != nil || u.Scheme == "" {
			var perr error
			u, perr = parseSpecifier(specifier)
			if perr != nil {
				return evalDoneMsg{specifier: specifier, err: perr}
			}
		}
		return evalDoneMsg{specifier: specifier, err: m.worker.ExecuteSideModule(m.ctx, u)}
	}
}

func (m *replModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "ctrl+d":
			return m, tea.Quit
		case "enter":
			if !m.ready {
				return m, nil
			}
			specifier := strings.TrimSpace(m.input.Value())
			if specifier == "" {
				return m, nil
			}
			m.input.SetValue("")
			return m, m.evaluate(specifier)
		}

	case setupDoneMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.ready = true

	case evalDoneMsg:
		m.history = append(m.history, historyEntry{specifier: msg.specifier, err: msg.err})
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *replModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("isorun session"))
	b.WriteString(" ")
	b.WriteString(m.worker.MainModule().String())
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("ctrl+c quit"))
		return b.String()
	}

	if !m.ready {
		return b.String() + "Evaluating main module..."
	}

	for _, entry := range m.history {
		b.WriteString(moduleStyle.Render(entry.specifier))
		b.WriteString(" ")
		if entry.err != nil {
			b.WriteString(errorStyle.Render(entry.err.Error()))
		} else {
			b.WriteString(resultStyle.Render("ok"))
		}
		b.WriteString("\n")
	}
	if len(m.history) > 0 {
		b.WriteString("\n")
	}

	b.WriteString(m.input.View())
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render("enter evaluate module • ctrl+c quit"))
	return b.String()
}

func runInteractive(ctx context.Context, factory *host.Factory, mainModule *url.URL, perms isorun.Permissions) (int, error) {
	worker, err := factory.CreateMainWorker(ctx, mainModule, perms)
	if err != nil {
		return 0, err
	}
	defer worker.Close(context.Background())

	p := tea.NewProgram(newReplModel(ctx, worker), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return 0, err
	}
	return worker.ExitCode(), nil
}
