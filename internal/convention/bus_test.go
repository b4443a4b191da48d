package convention

import (
	"context"
	"sync"
	"testing"

	"github.com/pkarath/dirigent/internal/task"
)

type recordingStore struct {
	mu         sync.Mutex
	saved      []Convention
	superseded []Convention
}

func (r *recordingStore) SaveConvention(_ context.Context, c Convention) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, c)
	return nil
}

func (r *recordingStore) SupersedeConvention(_ context.Context, _, _ string, replacement Convention) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.superseded = append(r.superseded, replacement)
	return nil
}

func handoffWith(lines ...string) *task.Handoff {
	return &task.Handoff{KeyContext: lines}
}

func TestOnTaskCompletedExtractsAndPropagates(t *testing.T) {
	rec := &recordingStore{}
	bus := NewBus(rec, nil)
	ctx := context.Background()

	var received []Convention
	bus.RegisterPeer("batch-1", "agent-1-peer0000", func(c Convention) {
		received = append(received, c)
	})

	done := &task.Task{ID: "agent-1-done0000"}
	h := handoffWith(
		"naming.fields=snake_case",
		"this part is free-form context",
		"errors: wrap and return",
	)
	extracted, err := bus.OnTaskCompleted(ctx, done, h, "batch-1")
	if err != nil {
		t.Fatalf("OnTaskCompleted: %v", err)
	}
	if len(extracted) != 2 {
		t.Fatalf("extracted %d conventions, want 2: %v", len(extracted), extracted)
	}
	if len(received) != 2 {
		t.Fatalf("peer received %d injections, want 2", len(received))
	}
	if len(rec.saved) != 2 {
		t.Fatalf("recorder saved %d, want 2", len(rec.saved))
	}
}

func TestVagueHandoffIsNoOp(t *testing.T) {
	bus := NewBus(nil, nil)
	done := &task.Task{ID: "agent-1-done0000"}
	extracted, err := bus.OnTaskCompleted(context.Background(), done, handoffWith("went fine", "nothing notable"), "batch-1")
	if err != nil {
		t.Fatalf("OnTaskCompleted: %v", err)
	}
	if len(extracted) != 0 {
		t.Fatalf("vague handoff extracted %v", extracted)
	}
}

func TestAnnounceIdempotent(t *testing.T) {
	bus := NewBus(nil, nil)
	ctx := context.Background()

	injections := 0
	bus.RegisterPeer("batch-1", "agent-1-peer0000", func(Convention) { injections++ })

	c := Convention{Key: "naming.fields", Value: "snake_case", EstablishedBy: "agent-1-aaaaaaaa", Scope: "batch-1"}
	for i := 0; i < 3; i++ {
		if _, err := bus.Announce(ctx, c); err != nil {
			t.Fatalf("Announce: %v", err)
		}
	}
	if injections != 1 {
		t.Fatalf("re-announcing the same value injected %d times, want 1", injections)
	}
	if got := bus.Active("batch-1"); len(got) != 1 {
		t.Fatalf("Active = %v, want a single convention", got)
	}
}

func TestLateJoinerGetsCurrentState(t *testing.T) {
	bus := NewBus(nil, nil)
	ctx := context.Background()

	for _, c := range []Convention{
		{Key: "naming.fields", Value: "snake_case", EstablishedBy: "agent-1-aaaaaaaa", Scope: "batch-1"},
		{Key: "layout.tests", Value: "alongside source", EstablishedBy: "agent-1-aaaaaaaa", Scope: "batch-1"},
	} {
		if _, err := bus.Announce(ctx, c); err != nil {
			t.Fatalf("Announce: %v", err)
		}
	}

	var received []Convention
	bus.RegisterPeer("batch-1", "agent-1-late0000", func(c Convention) {
		received = append(received, c)
	})
	if len(received) != 2 {
		t.Fatalf("late joiner received %d conventions, want 2", len(received))
	}
	// Injection is sorted by key for determinism.
	if received[0].Key != "layout.tests" || received[1].Key != "naming.fields" {
		t.Fatalf("injection order: %s, %s", received[0].Key, received[1].Key)
	}
}

func TestOriginatorNotReinjected(t *testing.T) {
	bus := NewBus(nil, nil)

	selfInjections := 0
	bus.RegisterPeer("batch-1", "agent-1-self0000", func(Convention) { selfInjections++ })

	c := Convention{Key: "naming.fields", Value: "snake_case", EstablishedBy: "agent-1-self0000", Scope: "batch-1"}
	if _, err := bus.Announce(context.Background(), c); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if selfInjections != 0 {
		t.Fatal("convention injected back into its originator")
	}
}

func TestScopeIsolation(t *testing.T) {
	bus := NewBus(nil, nil)

	crossed := 0
	bus.RegisterPeer("batch-2", "agent-2-peer0000", func(Convention) { crossed++ })

	c := Convention{Key: "naming.fields", Value: "snake_case", EstablishedBy: "agent-1-aaaaaaaa", Scope: "batch-1"}
	if _, err := bus.Announce(context.Background(), c); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if crossed != 0 {
		t.Fatal("convention leaked across batch scopes")
	}
	if got := bus.Active("batch-2"); len(got) != 0 {
		t.Fatalf("Active(batch-2) = %v, want empty", got)
	}
}

func TestCollisionResolvedBeforeReannouncement(t *testing.T) {
	rec := &recordingStore{}
	arbitrations := 0
	bus := NewBus(rec, func(_ context.Context, _ string, existing, incoming Convention) (Convention, error) {
		arbitrations++
		return incoming, nil
	})
	ctx := context.Background()

	var received []Convention
	bus.RegisterPeer("batch-1", "agent-1-peer0000", func(c Convention) {
		received = append(received, c)
	})

	first := Convention{Key: "naming.fields", Value: "snake_case", EstablishedBy: "agent-1-aaaaaaaa", Scope: "batch-1"}
	second := Convention{Key: "naming.fields", Value: "camelCase", EstablishedBy: "agent-1-bbbbbbbb", Scope: "batch-1"}
	if _, err := bus.Announce(ctx, first); err != nil {
		t.Fatalf("Announce first: %v", err)
	}
	settled, err := bus.Announce(ctx, second)
	if err != nil {
		t.Fatalf("Announce second: %v", err)
	}

	if arbitrations != 1 {
		t.Fatalf("collision handler ran %d times, want 1", arbitrations)
	}
	if settled.Value != "camelCase" {
		t.Fatalf("settled value = %q, want arbitrated winner", settled.Value)
	}
	if len(rec.superseded) != 1 {
		t.Fatalf("supersession not recorded: %v", rec.superseded)
	}
	if last := received[len(received)-1]; last.Value != "camelCase" {
		t.Fatalf("peer's last injection = %q, want the winner", last.Value)
	}
}

func TestCollisionLoserEntersAuditTrail(t *testing.T) {
	rec := &recordingStore{}
	bus := NewBus(rec, func(_ context.Context, _ string, existing, _ Convention) (Convention, error) {
		return existing, nil
	})
	ctx := context.Background()

	first := Convention{Key: "naming.fields", Value: "snake_case", EstablishedBy: "agent-1-aaaaaaaa", Scope: "batch-1"}
	second := Convention{Key: "naming.fields", Value: "camelCase", EstablishedBy: "agent-1-bbbbbbbb", Scope: "batch-1"}
	if _, err := bus.Announce(ctx, first); err != nil {
		t.Fatalf("Announce first: %v", err)
	}
	settled, err := bus.Announce(ctx, second)
	if err != nil {
		t.Fatalf("Announce second: %v", err)
	}
	if settled.Value != "snake_case" {
		t.Fatalf("settled value = %q, want the existing convention kept", settled.Value)
	}

	// The losing announcement is persisted too, already superseded and
	// pointing at the winner, so the trail shows both sides.
	if len(rec.saved) != 2 {
		t.Fatalf("recorder saved %d rows, want the winner and the loser", len(rec.saved))
	}
	loser := rec.saved[1]
	if loser.Value != "camelCase" || !loser.Superseded {
		t.Fatalf("losing row = %+v, want camelCase marked superseded", loser)
	}
	if loser.SupersededBy != "agent-1-aaaaaaaa" {
		t.Fatalf("loser superseded by %q, want the winner's establisher", loser.SupersededBy)
	}
	// The active convention is untouched; no supersession of the winner.
	if len(rec.superseded) != 0 {
		t.Fatalf("winner was superseded: %v", rec.superseded)
	}
}

func TestCollisionDefaultKeepsExisting(t *testing.T) {
	bus := NewBus(nil, nil)
	ctx := context.Background()

	first := Convention{Key: "naming.fields", Value: "snake_case", EstablishedBy: "agent-1-aaaaaaaa", Scope: "batch-1"}
	second := Convention{Key: "naming.fields", Value: "camelCase", EstablishedBy: "agent-1-bbbbbbbb", Scope: "batch-1"}
	if _, err := bus.Announce(ctx, first); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	settled, err := bus.Announce(ctx, second)
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if settled.Value != "snake_case" {
		t.Fatalf("without a handler the earlier convention must win, got %q", settled.Value)
	}
}

func TestImposeOverridesWithoutArbitration(t *testing.T) {
	rec := &recordingStore{}
	bus := NewBus(rec, func(context.Context, string, Convention, Convention) (Convention, error) {
		t.Fatal("Impose must not consult the collision handler")
		return Convention{}, nil
	})
	ctx := context.Background()

	existing := Convention{Key: "naming.fields", Value: "snake_case", EstablishedBy: "agent-1-aaaaaaaa", Scope: "batch-1"}
	if _, err := bus.Announce(ctx, existing); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	decision := Convention{Key: "naming.fields", Value: "camelCase", EstablishedBy: "arbiter", Scope: "batch-1"}
	if err := bus.Impose(ctx, decision); err != nil {
		t.Fatalf("Impose: %v", err)
	}

	active := bus.Active("batch-1")
	if len(active) != 1 || active[0].Value != "camelCase" {
		t.Fatalf("Active = %v, want the imposed decision", active)
	}
	if len(rec.superseded) != 1 {
		t.Fatal("imposed decision not recorded as supersession")
	}
}

func TestUnregisteredPeerStopsReceiving(t *testing.T) {
	bus := NewBus(nil, nil)

	injections := 0
	bus.RegisterPeer("batch-1", "agent-1-peer0000", func(Convention) { injections++ })
	bus.UnregisterPeer("agent-1-peer0000")

	c := Convention{Key: "naming.fields", Value: "snake_case", EstablishedBy: "agent-1-aaaaaaaa", Scope: "batch-1"}
	if _, err := bus.Announce(context.Background(), c); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if injections != 0 {
		t.Fatal("unregistered peer still received injections")
	}
}
