package convention

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pkarath/dirigent/internal/task"
)

// Injector pushes a convention into the context of a still-running peer.
type Injector func(Convention)

// CollisionHandler arbitrates two valid, different conventions established
// for the same key before propagation reached both workers. It returns
// the winning convention; the bus records the loser as superseded.
type CollisionHandler func(ctx context.Context, scope string, existing, incoming Convention) (Convention, error)

// Recorder persists conventions for audit. Implemented by the task store.
type Recorder interface {
	SaveConvention(ctx context.Context, c Convention) error
	SupersedeConvention(ctx context.Context, scope, key string, replacement Convention) error
}

type peer struct {
	scope   string
	inject  Injector
	applied map[string]string // key -> value already injected
}

// Bus extracts conventions from completed workers' handoffs and propagates
// them to peers still running in the same batch. All announcements happen
// under one mutex, so convention sets are applied strictly in completion
// order and colliding keys are resolved before re-announcement — no peer
// ever observes a convention silently overwritten.
type Bus struct {
	mu          sync.Mutex
	recorder    Recorder
	onCollision CollisionHandler
	active      map[string]map[string]Convention // scope -> key -> current
	peers       map[string]*peer                 // task ID -> running peer
}

// NewBus creates a convention bus. recorder may be nil (no audit);
// onCollision may be nil, in which case the earlier convention wins.
func NewBus(recorder Recorder, onCollision CollisionHandler) *Bus {
	return &Bus{
		recorder:    recorder,
		onCollision: onCollision,
		active:      make(map[string]map[string]Convention),
		peers:       make(map[string]*peer),
	}
}

// RegisterPeer subscribes a running task to announcements in its batch
// scope. Conventions already active for the scope are injected
// immediately, so late joiners start from the current state.
func (b *Bus) RegisterPeer(scope, taskID string, inject Injector) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := &peer{scope: scope, inject: inject, applied: make(map[string]string)}
	b.peers[taskID] = p

	for _, c := range b.sortedActive(scope) {
		p.applied[c.Key] = c.Value
		inject(c)
	}
}

// UnregisterPeer removes a task from propagation, typically on completion.
func (b *Bus) UnregisterPeer(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.peers, taskID)
}

// OnTaskCompleted extracts conventions from a completed task's handoff and
// announces them to running peers in scope. Extraction yielding nothing
// (a vague handoff) is a no-op, not an error. Called as soon as the first
// task in a batch completes — propagation does not wait for the batch.
func (b *Bus) OnTaskCompleted(ctx context.Context, t *task.Task, h *task.Handoff, scope string) ([]Convention, error) {
	if h == nil {
		return nil, nil
	}

	var extracted []Convention
	for _, line := range h.KeyContext {
		if c, ok := Parse(line, t.ID, scope); ok {
			extracted = append(extracted, c)
		}
	}
	if len(extracted) == 0 {
		return nil, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for i, c := range extracted {
		settled, err := b.announceLocked(ctx, c)
		if err != nil {
			return extracted[:i], err
		}
		extracted[i] = settled
	}
	return extracted, nil
}

// Announce publishes a single convention, e.g. an arbiter decision.
func (b *Bus) Announce(ctx context.Context, c Convention) (Convention, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.announceLocked(ctx, c)
}

func (b *Bus) announceLocked(ctx context.Context, c Convention) (Convention, error) {
	scoped := b.active[c.Scope]
	if scoped == nil {
		scoped = make(map[string]Convention)
		b.active[c.Scope] = scoped
	}

	if existing, ok := scoped[c.Key]; ok {
		// Same value re-announced: idempotent no-op.
		if existing.Value == c.Value {
			return existing, nil
		}
		winner, err := b.resolveCollision(ctx, c.Scope, existing, c)
		if err != nil {
			return Convention{}, err
		}
		scoped[c.Key] = winner
		b.injectLocked(winner)
		return winner, nil
	}

	scoped[c.Key] = c
	if b.recorder != nil {
		if err := b.recorder.SaveConvention(ctx, c); err != nil {
			return Convention{}, fmt.Errorf("recording convention %s: %w", c.Key, err)
		}
	}
	b.injectLocked(c)
	return c, nil
}

func (b *Bus) resolveCollision(ctx context.Context, scope string, existing, incoming Convention) (Convention, error) {
	winner := existing
	if b.onCollision != nil {
		w, err := b.onCollision(ctx, scope, existing, incoming)
		if err != nil {
			return Convention{}, fmt.Errorf("arbitrating convention %s: %w", incoming.Key, err)
		}
		winner = w
	}
	if b.recorder == nil {
		return winner, nil
	}

	if winner.Value == incoming.Value {
		// Incoming won: retire the existing row and install the winner.
		if err := b.recorder.SupersedeConvention(ctx, scope, winner.Key, winner); err != nil {
			return Convention{}, fmt.Errorf("recording supersession of %s: %w", winner.Key, err)
		}
		return winner, nil
	}

	// Incoming lost: it still enters the trail, already superseded, so
	// the audit shows both sides of the collision.
	loser := incoming
	loser.Superseded = true
	loser.SupersededBy = winner.EstablishedBy
	if err := b.recorder.SaveConvention(ctx, loser); err != nil {
		return Convention{}, fmt.Errorf("recording losing convention %s: %w", loser.Key, err)
	}
	return winner, nil
}

func (b *Bus) injectLocked(c Convention) {
	for taskID, p := range b.peers {
		if p.scope != c.Scope || taskID == c.EstablishedBy {
			continue
		}
		if p.applied[c.Key] == c.Value {
			continue
		}
		p.applied[c.Key] = c.Value
		p.inject(c)
	}
}

// Impose installs an arbiter decision as the current convention for its
// key, superseding whatever was active, and injects it into running
// peers. Unlike Announce it never consults the collision handler: the
// decision is the resolution.
func (b *Bus) Impose(ctx context.Context, c Convention) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	scoped := b.active[c.Scope]
	if scoped == nil {
		scoped = make(map[string]Convention)
		b.active[c.Scope] = scoped
	}
	scoped[c.Key] = c

	if b.recorder != nil {
		if err := b.recorder.SupersedeConvention(ctx, c.Scope, c.Key, c); err != nil {
			return fmt.Errorf("recording imposed convention %s: %w", c.Key, err)
		}
	}
	b.injectLocked(c)
	return nil
}

// Active returns the non-superseded conventions for a scope, sorted by key.
func (b *Bus) Active(scope string) []Convention {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sortedActive(scope)
}

func (b *Bus) sortedActive(scope string) []Convention {
	scoped := b.active[scope]
	out := make([]Convention, 0, len(scoped))
	for _, c := range scoped {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
