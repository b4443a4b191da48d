// Package arbiter resolves the conflicts the analyzer could not prevent:
// simultaneous writes to one file, interface disagreements, naming
// collisions, and resource contention. Every resolution is written back
// as a superseding convention so the losing decision stays in the audit
// trail.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pkarath/dirigent/internal/convention"
	"github.com/pkarath/dirigent/internal/signal"
)

// Kind classifies a conflict.
type Kind string

const (
	SameFileEdit          Kind = "SameFileEdit"
	InterfaceDisagreement Kind = "InterfaceDisagreement"
	NamingCollision       Kind = "NamingCollision"
	ResourceContention    Kind = "ResourceContention"
)

// ErrUnresolvedOscillation marks a conflict that the guard refuses to
// auto-resolve: two workers kept rewriting each other's output and both
// are paused until the authority intervenes.
var ErrUnresolvedOscillation = errors.New("oscillating conflict requires explicit resolution")

// Party is one side of a conflict.
type Party struct {
	TaskID         string
	Value          string    // Proposed convention value or interface contract
	CommittedAt    time.Time // When the party's work landed (first-committer rule)
	CompletedWork  int       // Size of the party's completed work, for tie-breaks
	MatchesProject bool      // Whether the proposal aligns with pre-existing project patterns
	Priority       int       // Allocation priority for resource contention
}

// Conflict is a detected disagreement between two or more parties over a
// shared resource or convention key.
type Conflict struct {
	Kind     Kind
	Scope    string // Batch the conflict arose in
	Key      string // Convention key the resolution settles
	Resource string // File, interface, or resource in contention
	Parties  []Party
}

// Decision is the arbiter's resolution. Losers carry a required follow-up
// action (rebase, refactor, wait).
type Decision struct {
	ID         string
	Winner     Party
	Rule       string
	Action     string
	Convention convention.Convention
}

// Arbiter applies the resolution table and the oscillation guard.
type Arbiter struct {
	bus    *convention.Bus
	router *signal.Router
	esc    *Escalation // nil disables architect escalation

	mu    sync.Mutex
	fixes map[string]map[string]int // resource -> task ID -> times it rewrote another's output
}

// New creates an arbiter that writes decisions back through bus and
// escalates through router. esc may be nil when no architect is available;
// interface disagreements then fall back to the larger body of work.
func New(bus *convention.Bus, router *signal.Router, esc *Escalation) *Arbiter {
	return &Arbiter{
		bus:    bus,
		router: router,
		esc:    esc,
		fixes:  make(map[string]map[string]int),
	}
}

// Resolve picks a winner per the resolution table, records the decision as
// a superseding convention, and returns it. An oscillating resource short
// circuits to the guard instead.
func (a *Arbiter) Resolve(ctx context.Context, c Conflict) (Decision, error) {
	if len(c.Parties) == 0 {
		return Decision{}, fmt.Errorf("conflict %s has no parties", c.Kind)
	}
	if a.Oscillating(c.Resource) {
		return Decision{}, a.escalateOscillation(c)
	}

	var winner Party
	var rule, action string
	var err error

	switch c.Kind {
	case SameFileEdit:
		winner, rule, action = firstCommitter(c.Parties)
	case InterfaceDisagreement:
		winner, rule, action, err = a.architectDecision(ctx, c)
		if err != nil {
			return Decision{}, err
		}
	case NamingCollision:
		winner, rule, action = namingPreference(c.Parties)
	case ResourceContention:
		winner, rule, action = priorityAllocation(c.Parties)
	default:
		return Decision{}, fmt.Errorf("unknown conflict kind %q", c.Kind)
	}

	d := Decision{
		ID:     fmt.Sprintf("arbiter-%s", uuid.NewString()[:8]),
		Winner: winner,
		Rule:   rule,
		Action: action,
	}
	d.Convention = convention.Convention{
		Key:           c.Key,
		Value:         winner.Value,
		EstablishedBy: d.ID,
		Scope:         c.Scope,
		CreatedAt:     time.Now(),
	}

	if err := a.bus.Impose(ctx, d.Convention); err != nil {
		return Decision{}, fmt.Errorf("writing back decision %s: %w", d.ID, err)
	}
	return d, nil
}

// firstCommitter: same file, simultaneous write — first committer wins,
// the other rebases onto the winning state.
func firstCommitter(parties []Party) (Party, string, string) {
	winner := parties[0]
	for _, p := range parties[1:] {
		if p.CommittedAt.Before(winner.CommittedAt) {
			winner = p
		}
	}
	return winner, "first committer wins", "losers rebase onto the committed state"
}

// namingPreference: project-aligned convention first, then the larger body
// of completed work, then either (the earliest party) with a forced
// refactor of the other.
func namingPreference(parties []Party) (Party, string, string) {
	var aligned []Party
	for _, p := range parties {
		if p.MatchesProject {
			aligned = append(aligned, p)
		}
	}
	if len(aligned) == 1 {
		return aligned[0], "aligned with pre-existing project patterns", "losers refactor to the chosen convention"
	}

	pool := parties
	if len(aligned) > 1 {
		pool = aligned
	}
	// A one-party report has nothing to compare against.
	if len(pool) == 1 {
		return pool[0], "unopposed convention", "no follow-up required"
	}
	sort.SliceStable(pool, func(i, j int) bool { return pool[i].CompletedWork > pool[j].CompletedWork })
	if pool[0].CompletedWork > pool[1].CompletedWork {
		return pool[0], "larger body of completed work", "losers refactor to the chosen convention"
	}
	return pool[0], "arbitrary pick between equally valid conventions", "losers refactor to the chosen convention"
}

// DecideNaming applies the naming-collision row and returns the winner
// without writing the decision back. The convention bus calls this from
// inside its announcement critical section, where it records the winner
// itself; going through Resolve there would re-enter the bus.
func DecideNaming(parties []Party) (Party, string) {
	winner, rule, _ := namingPreference(parties)
	return winner, rule
}

// priorityAllocation: the orchestrator allocates by priority order; losers
// wait or are reassigned.
func priorityAllocation(parties []Party) (Party, string, string) {
	winner := parties[0]
	for _, p := range parties[1:] {
		if p.Priority > winner.Priority {
			winner = p
		}
	}
	return winner, "allocated by priority order", "losers wait or are reassigned"
}

// architectDecision escalates an interface disagreement to the architect
// role and documents the chosen contract.
func (a *Arbiter) architectDecision(ctx context.Context, c Conflict) (Party, string, string, error) {
	if a.esc == nil {
		winner, _, action := namingPreference(c.Parties)
		return winner, "no architect available; larger body of work", action, nil
	}

	question := fmt.Sprintf("Conflicting contracts for %s:", c.Resource)
	for _, p := range c.Parties {
		question += fmt.Sprintf("\n- %s proposes: %s", p.TaskID, p.Value)
	}
	chosen, err := a.esc.Ask(ctx, c.Resource, question)
	if err != nil {
		return Party{}, "", "", fmt.Errorf("architect escalation for %s: %w", c.Resource, err)
	}

	winner := c.Parties[0]
	for _, p := range c.Parties {
		if p.Value == chosen {
			winner = p
			break
		}
	}
	// The architect may also dictate a contract nobody proposed.
	winner.Value = chosen
	return winner, "architect decision", "all parties implement the documented contract", nil
}

// RecordFix notes that taskID rewrote resource after another worker had
// already touched it. The oscillation guard fires once two workers have
// each "fixed" the same resource more than once.
func (a *Arbiter) RecordFix(resource, taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fixes[resource] == nil {
		a.fixes[resource] = make(map[string]int)
	}
	a.fixes[resource][taskID]++
}

// Oscillating reports whether the guard has fired for a resource.
func (a *Arbiter) Oscillating(resource string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	repeat := 0
	for _, count := range a.fixes[resource] {
		if count >= 2 {
			repeat++
		}
	}
	return repeat >= 2
}

// escalateOscillation pauses every involved worker and raises a priority
// alert. Neither worker resumes until the authority resolves explicitly.
func (a *Arbiter) escalateOscillation(c Conflict) error {
	var origin string
	for _, p := range c.Parties {
		a.router.PauseTask(p.TaskID)
		origin = p.TaskID
	}

	raiseErr := a.router.Raise(signal.Signal{
		Channel:           signal.ChannelPriority,
		Level:             signal.LevelAlert,
		Category:          "OSCILLATION",
		Issue:             fmt.Sprintf("workers repeatedly rewriting each other's output on %s", c.Resource),
		Evidence:          fmt.Sprintf("%d parties, conflict kind %s", len(c.Parties), c.Kind),
		Confidence:        signal.ConfidenceHigh,
		RecommendedAction: "pause both workers and resolve the conflict explicitly",
		OriginTaskID:      origin,
	})
	if raiseErr != nil {
		return fmt.Errorf("%w (alert failed: %v)", ErrUnresolvedOscillation, raiseErr)
	}
	return fmt.Errorf("%w: %s", ErrUnresolvedOscillation, c.Resource)
}
