// Package executor abstracts the specialists that perform delegated work.
// An executor is opaque: given a work unit it eventually returns a
// handoff, a signal, or an error. How it decides what to write is out of
// scope.
package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkarath/dirigent/internal/signal"
	"github.com/pkarath/dirigent/internal/task"
)

// Outcome is what an execution produces: a structured handoff on success,
// or a signal when the specialist judged the situation needed routing
// instead of a report. Raw always carries whatever output was produced,
// so partial work survives a stall.
type Outcome struct {
	Handoff *task.Handoff
	Signal  *signal.Signal
	Raw     string
}

// Executor runs one work unit to completion.
type Executor interface {
	// Execute performs the unit. directives are convention lines
	// ("key=value") the specialist must follow, accumulated from peers
	// that completed earlier.
	Execute(ctx context.Context, unit task.WorkUnit, directives []string) (*Outcome, error)

	// Close terminates the executor and any subprocess it owns.
	Close() error
}

// Factory creates executors per role. The engine uses it so tests can
// substitute scripted executors for real subprocesses.
type Factory func(role string) (Executor, error)

// ConventionReceiver is implemented by executors that can accept
// convention updates after dispatch. Executors without it simply get the
// directives known at dispatch time.
type ConventionReceiver interface {
	ReceiveConvention(directive string)
}

// outcomeEnvelope is the wire format an executor emits as its final JSON
// object: exactly one of the two fields set.
type outcomeEnvelope struct {
	Handoff json.RawMessage `json:"handoff,omitempty"`
	Signal  *signal.Signal  `json:"signal,omitempty"`
}

// ParseOutcome decodes an executor's final output. The payload must be a
// JSON object carrying either a handoff or a signal.
func ParseOutcome(data []byte) (*Outcome, error) {
	var env outcomeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("executor output is not a handoff or signal: %w", err)
	}

	switch {
	case env.Signal != nil:
		return &Outcome{Signal: env.Signal, Raw: string(data)}, nil
	case len(env.Handoff) > 0:
		h, err := task.ParseHandoff(env.Handoff)
		if err != nil {
			return nil, err
		}
		return &Outcome{Handoff: h, Raw: string(data)}, nil
	default:
		return nil, fmt.Errorf("executor output carries neither handoff nor signal")
	}
}

// EncodeOutcome is the inverse of ParseOutcome, used by scripted
// executors and tests.
func EncodeOutcome(o *Outcome) ([]byte, error) {
	env := outcomeEnvelope{Signal: o.Signal}
	if o.Handoff != nil {
		payload, err := o.Handoff.Encode()
		if err != nil {
			return nil, err
		}
		env.Handoff = payload
	}
	return json.Marshal(env)
}
