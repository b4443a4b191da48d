// Package stall detects workers that stop producing progress and drives
// recovery: one automatic retry carrying forward partial output, then a
// priority META-BLOCK alert. Detection is event-driven — executor
// termination events and per-kind timeout timers — never busy polling.
package stall

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkarath/dirigent/internal/signal"
	"github.com/pkarath/dirigent/internal/task"
)

// Verdict is the outcome of a stall check.
type Verdict string

const (
	VerdictHealthy Verdict = "healthy"
	VerdictStalled Verdict = "stalled"
)

// ExitReport describes an executor termination event.
type ExitReport struct {
	TaskID        string
	SawTransition bool   // Executor called Transition before exiting
	SawSignal     bool   // Executor raised a signal before exiting
	Partial       string // Whatever output the executor produced before dying
}

// TaskStore is the slice of the store the monitor needs.
type TaskStore interface {
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	Transition(ctx context.Context, taskID string, newStatus task.Status, metadata map[string]string) error
}

// RetryFunc re-dispatches a stalled task's work as a fresh task, carrying
// partial output as context. Returns the retry task's ID.
type RetryFunc func(ctx context.Context, stalledID, partial string) (string, error)

// Monitor watches in-progress tasks for stalls.
type Monitor struct {
	store    TaskStore
	router   *signal.Router
	retry    RetryFunc
	timeouts map[task.Kind]time.Duration

	mu       sync.Mutex
	timers   map[string]*watchTimer
	progress map[string]time.Time // last progress per task
	handled  map[string]bool      // stall already processed for task
}

type watchTimer struct {
	timer   *time.Timer
	timeout time.Duration
}

// NewMonitor creates a stall monitor. timeouts configures the per-kind
// timeout events; a kind with no entry gets no timer and is only checked
// on executor exit.
func NewMonitor(store TaskStore, router *signal.Router, retry RetryFunc, timeouts map[task.Kind]time.Duration) *Monitor {
	return &Monitor{
		store:    store,
		router:   router,
		retry:    retry,
		timeouts: timeouts,
		timers:   make(map[string]*watchTimer),
		progress: make(map[string]time.Time),
		handled:  make(map[string]bool),
	}
}

// Watch arms the timeout timer for a dispatched task.
func (m *Monitor) Watch(ctx context.Context, taskID string, kind task.Kind) {
	timeout, ok := m.timeouts[kind]
	if !ok || timeout <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if w, exists := m.timers[taskID]; exists {
		w.timer.Stop()
	}
	m.timers[taskID] = &watchTimer{
		timeout: timeout,
		timer: time.AfterFunc(timeout, func() {
			m.onTimeout(ctx, taskID, timeout)
		}),
	}
}

// RecordProgress resets the stall clock for a task.
func (m *Monitor) RecordProgress(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[taskID] = time.Now()

	if w, exists := m.timers[taskID]; exists {
		w.timer.Reset(w.timeout)
	}
}

// Forget disarms monitoring for a task that completed normally.
func (m *Monitor) Forget(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, exists := m.timers[taskID]; exists {
		w.timer.Stop()
		delete(m.timers, taskID)
	}
	delete(m.progress, taskID)
}

// Check inspects a task against the stall definition: in_progress, its
// executor gone with neither a Transition nor a Signal, and no progress
// since dispatch.
func (m *Monitor) Check(t *task.Task, rep ExitReport) Verdict {
	if t.Status != task.StatusInProgress {
		return VerdictHealthy
	}
	if rep.SawTransition || rep.SawSignal {
		return VerdictHealthy
	}
	m.mu.Lock()
	_, progressed := m.progress[t.ID]
	m.mu.Unlock()
	if progressed {
		return VerdictHealthy
	}
	return VerdictStalled
}

// OnExecutorExit runs the stall check at an executor termination event.
func (m *Monitor) OnExecutorExit(ctx context.Context, rep ExitReport) error {
	t, err := m.store.GetTask(ctx, rep.TaskID)
	if err != nil {
		return err
	}
	if m.Check(t, rep) == VerdictHealthy {
		m.Forget(rep.TaskID)
		return nil
	}
	return m.handleStall(ctx, t, rep.Partial, "executor terminated with no transition and no signal")
}

func (m *Monitor) onTimeout(ctx context.Context, taskID string, timeout time.Duration) {
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	if t.Status != task.StatusInProgress {
		m.Forget(taskID)
		return
	}
	reason := fmt.Sprintf("no progress within %s timeout", timeout)
	_ = m.handleStall(ctx, t, "", reason)
}

// handleStall marks the task completed-stalled and either retries once or,
// if the task was itself a retry, emits exactly one META-BLOCK alert.
func (m *Monitor) handleStall(ctx context.Context, t *task.Task, partial, reason string) error {
	m.mu.Lock()
	if m.handled[t.ID] {
		m.mu.Unlock()
		return nil
	}
	m.handled[t.ID] = true
	m.mu.Unlock()

	m.Forget(t.ID)

	md := map[string]string{
		task.MetaStalled: "true",
		task.MetaReason:  reason,
	}
	if err := m.store.Transition(ctx, t.ID, task.StatusCompleted, md); err != nil {
		return fmt.Errorf("marking %s stalled: %w", t.ID, err)
	}

	// Second stall of the same work: escalate instead of retrying again.
	if original, isRetry := t.Metadata[task.MetaRetryOf]; isRetry {
		return m.router.Raise(signal.Signal{
			Channel:           signal.ChannelPriority,
			Level:             signal.LevelAlert,
			Category:          signal.CategoryMetaBlock,
			Issue:             fmt.Sprintf("task %s stalled twice (retry of %s)", t.ID, original),
			Evidence:          reason,
			Confidence:        signal.ConfidenceHigh,
			RecommendedAction: "investigate the work unit before dispatching it again",
			OriginTaskID:      t.ID,
		})
	}

	if m.retry == nil {
		return nil
	}
	retryID, err := m.retry(ctx, t.ID, partial)
	if err != nil {
		return fmt.Errorf("retrying stalled task %s: %w", t.ID, err)
	}
	m.Watch(ctx, retryID, t.Kind)
	return nil
}
