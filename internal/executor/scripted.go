package executor

import (
	"context"
	"sync"

	"github.com/pkarath/dirigent/internal/task"
)

// ScriptedExecutor returns canned outcomes, standing in for a real
// specialist in tests and dry runs. It records the directives it was
// given so propagation can be asserted.
type ScriptedExecutor struct {
	// Script produces the outcome for a unit. Nil scripts produce an
	// empty happy-path handoff.
	Script func(ctx context.Context, unit task.WorkUnit, directives []string) (*Outcome, error)

	mu         sync.Mutex
	directives []string
	executed   []task.WorkUnit
}

// Execute runs the script and records what was asked.
func (s *ScriptedExecutor) Execute(ctx context.Context, unit task.WorkUnit, directives []string) (*Outcome, error) {
	s.mu.Lock()
	s.executed = append(s.executed, unit)
	s.directives = append(s.directives, directives...)
	seen := append([]string(nil), s.directives...)
	s.mu.Unlock()

	if s.Script == nil {
		return &Outcome{Handoff: &task.Handoff{}}, nil
	}
	return s.Script(ctx, unit, seen)
}

// ReceiveConvention records a directive injected after dispatch.
func (s *ScriptedExecutor) ReceiveConvention(directive string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.directives = append(s.directives, directive)
}

// Directives returns every directive seen, at dispatch or injected later.
func (s *ScriptedExecutor) Directives() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.directives...)
}

// Executed returns the units executed so far.
func (s *ScriptedExecutor) Executed() []task.WorkUnit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]task.WorkUnit(nil), s.executed...)
}

// Close is a no-op.
func (s *ScriptedExecutor) Close() error { return nil }
