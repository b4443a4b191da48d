// Package tui renders the run monitor: a unit list, a signal log, and a
// modal that blocks on priority signals until the operator decides. HALT
// acknowledgment goes back through the signal router, which is what
// actually releases the dispatch gate.
package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/pkarath/dirigent/internal/signal"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneSignals
)

// prioritySignalMsg delivers a bypass-channel signal to the model.
type prioritySignalMsg struct {
	sig signal.Signal
}

// alertChoice is the operator's answer to an ALERT.
const (
	alertInvestigate = "investigate"
	alertContinue    = "continue"
	alertStop        = "stop"
)

// Model is the root Bubble Tea model for the run monitor.
type Model struct {
	taskPane   TaskPaneModel
	signalPane SignalPaneModel

	router      *signal.Router
	eventSub    <-chan signal.Event
	prioritySub <-chan signal.Signal

	// Modal state for a pending priority signal. Signals arriving while
	// a modal is open queue behind it.
	modal           *huh.Form
	modalSignal     signal.Signal
	pendingPriority []signal.Signal
	haltAck         bool
	alertAnswer     string

	focusedPane PaneID
	width       int
	height      int
	quitting    bool
}

// New creates the monitor model. It subscribes to the lifecycle bus and
// drains the router's priority channel.
func New(bus *signal.Bus, router *signal.Router) Model {
	return Model{
		taskPane:    NewTaskPaneModel(),
		signalPane:  NewSignalPaneModel(),
		router:      router,
		eventSub:    bus.SubscribeAll(256),
		prioritySub: router.Priority(),
		focusedPane: PaneTasks,
	}
}

// Init starts the event and priority listeners.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.eventSub), waitForPriority(m.prioritySub))
}

func waitForEvent(sub <-chan signal.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

func waitForPriority(sub <-chan signal.Signal) tea.Cmd {
	return func() tea.Msg {
		sig, ok := <-sub
		if !ok {
			return nil
		}
		return prioritySignalMsg{sig: sig}
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	// A pending priority signal is modal: every key goes to its form.
	if m.modal != nil {
		switch msg.(type) {
		case prioritySignalMsg, signal.Event:
			// Lifecycle traffic keeps flowing behind the modal.
		default:
			form, cmd := m.modal.Update(msg)
			if f, ok := form.(*huh.Form); ok {
				m.modal = f
			}
			cmds = append(cmds, cmd)
			if m.modal.State == huh.StateCompleted {
				cmds = append(cmds, m.resolveModal())
			}
			return m, tea.Batch(cmds...)
		}
	}

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit
		case KeyTab, KeyShiftTab:
			if m.focusedPane == PaneTasks {
				m.focusedPane = PaneSignals
			} else {
				m.focusedPane = PaneTasks
			}
			m.updateFocusStates()
		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()
		case KeyPane2:
			m.focusedPane = PaneSignals
			m.updateFocusStates()
		default:
			switch m.focusedPane {
			case PaneTasks:
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			case PaneSignals:
				var cmd tea.Cmd
				m.signalPane, cmd = m.signalPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case signal.TaskStartedEvent, signal.TaskCompletedEvent:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case signal.SignalEvent:
		m.signalPane.Append(msg.Signal)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case prioritySignalMsg:
		m.signalPane.Append(msg.sig)
		if m.modal != nil {
			m.pendingPriority = append(m.pendingPriority, msg.sig)
		} else {
			m.openModal(msg.sig)
			cmds = append(cmds, m.modal.Init())
		}
		cmds = append(cmds, waitForPriority(m.prioritySub))
	}

	return m, tea.Batch(cmds...)
}

// openModal builds the decision form for a priority signal.
func (m *Model) openModal(sig signal.Signal) {
	m.modalSignal = sig
	m.haltAck = false
	m.alertAnswer = alertInvestigate

	if sig.Level == signal.LevelHalt {
		m.modal = huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title("HALT: " + sig.Issue).
					Description(sig.Evidence + "\nRecommended: " + sig.RecommendedAction).
					Affirmative("Acknowledge and resume").
					Negative("Keep halted").
					Value(&m.haltAck),
			),
		)
		return
	}

	m.modal = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("ALERT: " + sig.Issue).
				Description(sig.Evidence + "\nRecommended: " + sig.RecommendedAction).
				Options(
					huh.NewOption("Investigate (leave task paused)", alertInvestigate),
					huh.NewOption("Continue (resume the task)", alertContinue),
					huh.NewOption("Stop the run", alertStop),
				).
				Value(&m.alertAnswer),
		),
	)
}

// resolveModal applies the operator's decision through the router and
// opens the next queued priority signal, if any.
func (m *Model) resolveModal() tea.Cmd {
	sig := m.modalSignal
	if sig.Level == signal.LevelHalt {
		if m.haltAck {
			m.router.Acknowledge()
		}
	} else {
		switch m.alertAnswer {
		case alertContinue:
			if sig.OriginTaskID != "" {
				m.router.ResumeTask(sig.OriginTaskID)
				m.taskPane.MarkResumed(sig.OriginTaskID)
			}
		case alertStop:
			m.quitting = true
		case alertInvestigate:
			if sig.OriginTaskID != "" {
				m.taskPane.MarkPaused(sig.OriginTaskID)
			}
		}
	}
	m.modal = nil

	if m.quitting {
		return tea.Quit
	}
	if len(m.pendingPriority) > 0 {
		next := m.pendingPriority[0]
		m.pendingPriority = m.pendingPriority[1:]
		m.openModal(next)
		return m.modal.Init()
	}
	return nil
}

// View renders the monitor.
func (m Model) View() string {
	if m.quitting {
		return "Run monitor closed.\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	if m.modal != nil {
		return m.modal.View()
	}

	leftWidth := (m.width * 45) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.signalPane.SetSize(rightWidth, availableHeight)

	main := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), m.signalPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, main, HelpView())
}

func (m *Model) computeLayout() {
	leftWidth := (m.width * 45) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.signalPane.SetSize(rightWidth, availableHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.signalPane.SetFocused(m.focusedPane == PaneSignals)
}
