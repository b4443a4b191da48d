package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pkarath/dirigent/internal/signal"
)

// TaskState tracks one dispatched unit for display.
type TaskState struct {
	TaskID    string
	Scope     string
	Owner     string
	Status    string // "running", "done", "stalled", "failed", "paused"
	StartTime time.Time
	Duration  time.Duration
}

// TaskPaneModel lists dispatched units and their lifecycle state.
type TaskPaneModel struct {
	tasks       map[string]*TaskState
	order       []string // insertion order
	selectedIdx int
	width       int
	height      int
	focused     bool
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks: make(map[string]*TaskState),
	}
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
			}
		}

	case signal.TaskStartedEvent:
		if _, exists := m.tasks[msg.ID]; !exists {
			m.tasks[msg.ID] = &TaskState{
				TaskID:    msg.ID,
				Scope:     msg.Scope,
				Owner:     msg.Owner,
				Status:    "running",
				StartTime: msg.Timestamp,
			}
			m.order = append(m.order, msg.ID)
		}

	case signal.TaskCompletedEvent:
		if t, exists := m.tasks[msg.ID]; exists {
			t.Duration = msg.Duration
			switch {
			case msg.Stalled:
				t.Status = "stalled"
			case msg.Failed:
				t.Status = "failed"
			default:
				t.Status = "done"
			}
		}
	}
	return m, nil
}

// MarkPaused flags a task paused by an alert.
func (m *TaskPaneModel) MarkPaused(taskID string) {
	if t, ok := m.tasks[taskID]; ok && t.Status == "running" {
		t.Status = "paused"
	}
}

// MarkResumed clears a pause flag.
func (m *TaskPaneModel) MarkResumed(taskID string) {
	if t, ok := m.tasks[taskID]; ok && t.Status == "paused" {
		t.Status = "running"
	}
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(width, height int) {
	m.width = width
	m.height = height
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

// View renders the task list.
func (m TaskPaneModel) View() string {
	var sb strings.Builder
	sb.WriteString(StyleTitle.Render("Units"))
	sb.WriteString("\n")

	visible := m.height - 4
	if visible < 1 {
		visible = 1
	}
	start := 0
	if m.selectedIdx >= visible {
		start = m.selectedIdx - visible + 1
	}

	for i := start; i < len(m.order) && i < start+visible; i++ {
		t := m.tasks[m.order[i]]
		cursor := "  "
		if i == m.selectedIdx && m.focused {
			cursor = "> "
		}
		fmt.Fprintf(&sb, "%s%s %s", cursor, statusBadge(t.Status), truncate(t.Scope, m.width-16))
		if t.Duration > 0 {
			fmt.Fprintf(&sb, " (%s)", t.Duration.Round(time.Second))
		}
		sb.WriteString("\n")
	}

	border := StyleUnfocusedBorder
	if m.focused {
		border = StyleFocusedBorder
	}
	return border.Width(m.width - 2).Height(m.height - 2).Render(sb.String())
}

func statusBadge(status string) string {
	switch status {
	case "running":
		return StyleStatusRunning.Render("●")
	case "done":
		return StyleStatusDone.Render("✓")
	case "stalled", "failed":
		return StyleStatusTrouble.Render("✗")
	case "paused":
		return StyleStatusTrouble.Render("‖")
	default:
		return StyleStatusPending.Render("○")
	}
}

func truncate(s string, max int) string {
	if max < 4 {
		max = 4
	}
	if lipgloss.Width(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max-1 {
		return s
	}
	return string(runes[:max-1]) + "…"
}
