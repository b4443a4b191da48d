package signal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// priorityBuffer sizes the bypass channel. Sends block rather than drop
// when the buffer fills: a priority signal may be delayed by a slow
// authority but never lost.
const priorityBuffer = 64

// Router delivers signals. Normal signals ride the pub-sub Bus, addressed
// to the origin task's coordinating parent. Priority signals ride a
// dedicated channel consumed only by the top-level authority; they are
// never multiplexed with task events, so backlog cannot starve or reorder
// them.
type Router struct {
	bus      *Bus
	priority chan Signal

	mu        sync.Mutex
	halted    bool
	haltCause Signal
	resume    chan struct{}
	paused    map[string]bool

	// audit, when set, records every routed signal. Audit failures are
	// reported to the caller but never block delivery.
	audit func(Signal) error
}

// NewRouter creates a router publishing normal signals on bus.
func NewRouter(bus *Bus) *Router {
	return &Router{
		bus:      bus,
		priority: make(chan Signal, priorityBuffer),
		paused:   make(map[string]bool),
	}
}

// SetAudit installs a persistence hook invoked for every routed signal.
func (r *Router) SetAudit(fn func(Signal) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit = fn
}

// Raise routes a signal according to its channel. Priority signals are
// retargeted to the top-level authority unconditionally; a HALT also
// engages the dispatch gate before the signal is delivered, so no new
// task can start while the authority is deciding.
func (r *Router) Raise(s Signal) error {
	if err := validate(s); err != nil {
		return err
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}

	if s.Channel == ChannelPriority {
		s.Target = TargetAuthority
		if s.Level == LevelHalt {
			r.engageHalt(s)
		} else {
			r.pause(s.OriginTaskID)
		}
		auditErr := r.recordAudit(s)
		r.priority <- s
		return auditErr
	}

	auditErr := r.recordAudit(s)
	r.bus.Publish(TopicSignal, SignalEvent{Signal: s})
	return auditErr
}

func validate(s Signal) error {
	switch s.Channel {
	case ChannelPriority:
		if s.Level != LevelHalt && s.Level != LevelAlert {
			return fmt.Errorf("level %s is not valid on the priority channel", s.Level)
		}
	case ChannelNormal:
		if s.Level != LevelGreen && s.Level != LevelYellow && s.Level != LevelRed {
			return fmt.Errorf("level %s is not valid on the normal channel", s.Level)
		}
	default:
		return fmt.Errorf("unknown signal channel %q", s.Channel)
	}
	return nil
}

func (r *Router) recordAudit(s Signal) error {
	r.mu.Lock()
	fn := r.audit
	r.mu.Unlock()
	if fn == nil {
		return nil
	}
	if err := fn(s); err != nil {
		return fmt.Errorf("signal audit: %w", err)
	}
	return nil
}

// Priority returns the bypass channel. Exactly one consumer (the top-level
// authority) should read it.
func (r *Router) Priority() <-chan Signal {
	return r.priority
}

func (r *Router) engageHalt(s Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.halted {
		return
	}
	r.halted = true
	r.haltCause = s
	r.resume = make(chan struct{})
}

// Halted reports whether a HALT is pending acknowledgment, and its cause.
func (r *Router) Halted() (bool, Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.halted, r.haltCause
}

// Acknowledge records the authority's acknowledgment of a HALT, releasing
// the dispatch gate. Idempotent.
func (r *Router) Acknowledge() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.halted {
		return
	}
	r.halted = false
	r.haltCause = Signal{}
	close(r.resume)
	r.resume = nil
}

// AwaitResume blocks until any pending HALT is acknowledged or the context
// is cancelled. Returns immediately when not halted.
func (r *Router) AwaitResume(ctx context.Context) error {
	r.mu.Lock()
	if !r.halted {
		r.mu.Unlock()
		return nil
	}
	resume := r.resume
	r.mu.Unlock()

	select {
	case <-resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PauseTask pauses a task without routing a signal, for callers (the
// arbiter's oscillation guard) that pause several tasks under one alert.
func (r *Router) PauseTask(taskID string) {
	r.pause(taskID)
}

func (r *Router) pause(taskID string) {
	if taskID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused[taskID] = true
}

// ResumeTask lifts an ALERT pause from one task.
func (r *Router) ResumeTask(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.paused, taskID)
}

// TaskPaused reports whether an ALERT has paused the given task.
func (r *Router) TaskPaused(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused[taskID]
}
