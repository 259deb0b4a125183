package ui

import (
	"context"
	"errors"
	"io"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ErrInterrupted is returned by Spin when the user presses ctrl+c.
var ErrInterrupted = errors.New("interrupted")

type doneMsg struct{ err error }

type spinModel struct {
	spinner spinner.Model
	label   string
	done    bool
	err     error
	cancel  context.CancelFunc
}

func newSpinModel(label string, cancel context.CancelFunc) spinModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(accent)
	return spinModel{spinner: s, label: label, cancel: cancel}
}

func (m spinModel) Init() tea.Cmd { return m.spinner.Tick }

func (m spinModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case doneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			m.done = true
			m.err = ErrInterrupted
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	return m, cmd
}

func (m spinModel) View() string {
	if m.done {
		return ""
	}
	return m.spinner.View() + " " + labelStyle.Render(m.label) + "\n"
}

// Spin runs fn while a spinner labelled label animates on out, and returns
// fn's error. ctrl+c cancels the context passed to fn.
func Spin(ctx context.Context, out io.Writer, label string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newSpinModel(label, cancel), tea.WithOutput(out), tea.WithContext(ctx))
	go func() {
		p.Send(doneMsg{err: fn(ctx)})
	}()

	final, err := p.Run()
	if m, ok := final.(spinModel); ok && m.done {
		return m.err
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}
