package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/viewport"

	"github.com/pkarath/dirigent/internal/signal"
)

// SignalPaneModel is a scrollable log of every signal the run produced,
// priority and normal alike.
type SignalPaneModel struct {
	lines    []string
	viewport viewport.Model
	width    int
	height   int
	focused  bool
}

// NewSignalPaneModel creates an empty signal pane.
func NewSignalPaneModel() SignalPaneModel {
	return SignalPaneModel{
		viewport: viewport.New(0, 0),
	}
}

// Update handles messages for the signal pane.
func (m SignalPaneModel) Update(msg tea.Msg) (SignalPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.focused {
			m.viewport, cmd = m.viewport.Update(msg)
		}
	case signal.Signal:
		m.Append(msg)
	}
	return m, cmd
}

// Append records one signal in the log.
func (m *SignalPaneModel) Append(s signal.Signal) {
	line := fmt.Sprintf("%s [%s] %s", s.Timestamp.Format("15:04:05"), s.Category, s.Issue)
	switch s.Level {
	case signal.LevelHalt:
		line = StyleSignalHalt.Render("HALT ") + line
	case signal.LevelAlert:
		line = StyleSignalAlert.Render("ALERT ") + line
	default:
		line = StyleSignalNormal.Render(string(s.Level)+" ") + line
	}
	m.lines = append(m.lines, line)
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

// SetSize updates the pane dimensions.
func (m *SignalPaneModel) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.viewport.Width = width - 4
	m.viewport.Height = height - 4
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
}

// SetFocused updates the focus state.
func (m *SignalPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

// View renders the signal log.
func (m SignalPaneModel) View() string {
	content := StyleTitle.Render("Signals") + "\n" + m.viewport.View()
	border := StyleUnfocusedBorder
	if m.focused {
		border = StyleFocusedBorder
	}
	return border.Width(m.width - 2).Height(m.height - 2).Render(content)
}
