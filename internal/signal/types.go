package signal

import (
	"time"
)

// Channel separates ordinary progress reporting from algedonic signals
// that must bypass the hierarchy.
type Channel string

const (
	ChannelNormal   Channel = "normal"
	ChannelPriority Channel = "priority"
)

// Level is the severity of a signal. HALT and ALERT are valid only on the
// priority channel; GREEN/YELLOW/RED only on the normal channel.
type Level string

const (
	LevelHalt  Level = "HALT"
	LevelAlert Level = "ALERT"

	LevelGreen  Level = "GREEN"
	LevelYellow Level = "YELLOW"
	LevelRed    Level = "RED"
)

// Confidence qualifies how sure the originator is about the issue.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// Well-known signal categories.
const (
	CategoryMetaBlock = "META-BLOCK" // Repeated stall on the same task
	CategoryViability = "VIABILITY"  // Work is undermining the project itself
	CategoryProgress  = "PROGRESS"
)

// TargetAuthority is the reserved target for priority signals: the
// top-level authority, never an intermediate coordinator.
const TargetAuthority = "authority"

// Signal is a message about system state that may require interruption.
type Signal struct {
	Channel           Channel    `json:"channel"`
	Level             Level      `json:"level"`
	Category          string     `json:"category"`
	Issue             string     `json:"issue"`
	Evidence          string     `json:"evidence"`
	Confidence        Confidence `json:"confidence"`
	RecommendedAction string     `json:"recommended_action"`
	OriginTaskID      string     `json:"origin_task_id,omitempty"`
	Target            string     `json:"target"`
	Timestamp         time.Time  `json:"timestamp"`
}

// Priority reports whether the signal rides the bypass channel.
func (s Signal) Priority() bool {
	return s.Channel == ChannelPriority
}

// Event is the base interface for lifecycle events on the normal bus.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants for the normal bus.
const (
	TopicTask   = "task"
	TopicSignal = "signal"
)

// Event type constants.
const (
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskCompleted = "task.completed"
	EventTypeSignalRaised  = "signal.raised"
)

// TaskStartedEvent is published when a task transitions to in_progress.
type TaskStartedEvent struct {
	ID        string
	Owner     string
	Scope     string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published for every completion, happy path or not.
type TaskCompletedEvent struct {
	ID        string
	Stalled   bool
	Failed    bool
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// SignalEvent wraps a normal-channel Signal for bus delivery.
type SignalEvent struct {
	Signal Signal
}

func (e SignalEvent) EventType() string { return EventTypeSignalRaised }
func (e SignalEvent) TaskID() string    { return e.Signal.OriginTaskID }
