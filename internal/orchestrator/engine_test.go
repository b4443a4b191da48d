package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkarath/dirigent/internal/config"
	"github.com/pkarath/dirigent/internal/executor"
	"github.com/pkarath/dirigent/internal/plan"
	"github.com/pkarath/dirigent/internal/signal"
	"github.com/pkarath/dirigent/internal/store"
	"github.com/pkarath/dirigent/internal/task"
	"github.com/pkarath/dirigent/internal/variety"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	// Timer-driven stall detection is covered in the stall package; keep
	// engine tests event-driven.
	cfg.StallTimeouts = map[string]config.Duration{}
	// Short enough that a dead executor exhausts its retries without
	// tripping the role's circuit breaker, so a stall retry can still
	// dispatch through the same role.
	cfg.Retry = config.RetryConfig{
		InitialInterval:     config.Duration(time.Millisecond),
		MaxInterval:         config.Duration(2 * time.Millisecond),
		MaxElapsedTime:      config.Duration(4 * time.Millisecond),
		Multiplier:          1.5,
		RandomizationFactor: 0,
	}
	return cfg
}

// scopeRecorder tracks execution order across concurrently running units.
type scopeRecorder struct {
	mu     sync.Mutex
	scopes []string
}

func (r *scopeRecorder) add(scope string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scopes = append(r.scopes, scope)
}

func (r *scopeRecorder) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.scopes...)
}

func (r *scopeRecorder) indexOf(scope string) int {
	for i, s := range r.order() {
		if s == scope {
			return i
		}
	}
	return -1
}

func newTestEngine(t *testing.T, factory executor.Factory) (*Engine, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	e, err := NewEngine(Options{
		Config:  testConfig(),
		Store:   s,
		Factory: factory,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(e.Close)
	return e, s
}

func happyFactory(rec *scopeRecorder) executor.Factory {
	return func(role string) (executor.Executor, error) {
		return &executor.ScriptedExecutor{
			Script: func(_ context.Context, unit task.WorkUnit, _ []string) (*executor.Outcome, error) {
				rec.add(unit.Scope)
				return &executor.Outcome{Handoff: &task.Handoff{}}, nil
			},
		}, nil
	}
}

func unitOf(scope string, wu task.WorkUnit) plan.Unit {
	wu.Scope = scope
	return plan.Unit{WorkUnit: wu}
}

func TestRunHappyPath(t *testing.T) {
	rec := &scopeRecorder{}
	e, s := newTestEngine(t, happyFactory(rec))
	ctx := context.Background()

	report, err := e.Run(ctx, &plan.Request{
		Title:   "add billing",
		Variety: variety.Rating{Novelty: 2, Scope: 2, Uncertainty: 2, Risk: 2},
		Units: []plan.Unit{
			unitOf("billing API", task.WorkUnit{Role: "coder", MayModify: []string{"api.go"}}),
			unitOf("billing docs", task.WorkUnit{Role: "coder", MayModify: []string{"docs.md"}}),
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.Strategy != variety.ParallelBatch {
		t.Fatalf("strategy = %s", report.Strategy)
	}
	if got := rec.order(); len(got) != 2 {
		t.Fatalf("executed %v, want both units", got)
	}

	// Every task in the hierarchy ended completed on the happy path.
	tasks, err := s.ListTasks(ctx)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("got %d tasks, want feature + 2 agents", len(tasks))
	}
	for _, tk := range tasks {
		if tk.Status != task.StatusCompleted {
			t.Errorf("task %s ended %s", tk.ID, tk.Status)
		}
		if task.NonHappyPath(tk.Metadata) {
			t.Errorf("task %s flagged troubled: %v", tk.ID, tk.Metadata)
		}
	}
}

func TestRunSequencesProducerBeforeConsumer(t *testing.T) {
	rec := &scopeRecorder{}
	e, _ := newTestEngine(t, happyFactory(rec))

	_, err := e.Run(context.Background(), &plan.Request{
		Title:   "schema change",
		Variety: variety.Rating{Novelty: 2, Scope: 2, Uncertainty: 2, Risk: 2},
		Units: []plan.Unit{
			unitOf("migrate callers", task.WorkUnit{Role: "coder", MayModify: []string{"callers.go"}, Consumes: []string{"user.schema"}}),
			unitOf("define schema", task.WorkUnit{Role: "coder", MayModify: []string{"schema.go"}, Produces: []string{"user.schema"}}),
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if p, c := rec.indexOf("define schema"), rec.indexOf("migrate callers"); p < 0 || c < 0 || p > c {
		t.Fatalf("order %v, want producer before consumer", rec.order())
	}
}

func TestRunSingleWorkerRunsInRequestOrder(t *testing.T) {
	rec := &scopeRecorder{}
	e, _ := newTestEngine(t, happyFactory(rec))

	_, err := e.Run(context.Background(), &plan.Request{
		Title:   "tidy up",
		Variety: variety.Rating{Novelty: 1, Scope: 2, Uncertainty: 1, Risk: 1},
		Units: []plan.Unit{
			unitOf("first", task.WorkUnit{Role: "coder", MayModify: []string{"a.go"}}),
			unitOf("second", task.WorkUnit{Role: "coder", MayModify: []string{"b.go"}}),
			unitOf("third", task.WorkUnit{Role: "coder", MayModify: []string{"c.go"}}),
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"first", "second", "third"}
	got := rec.order()
	if len(got) != len(want) {
		t.Fatalf("executed %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order %v, want %v", got, want)
		}
	}
}

func TestRunResearchSpikeGatesTheBatch(t *testing.T) {
	rec := &scopeRecorder{}
	e, _ := newTestEngine(t, happyFactory(rec))

	report, err := e.Run(context.Background(), &plan.Request{
		Title:   "replace the storage engine",
		Variety: variety.Rating{Novelty: 4, Scope: 4, Uncertainty: 4, Risk: 4},
		Units: []plan.Unit{
			unitOf("new engine", task.WorkUnit{Role: "coder", MayModify: []string{"engine.go"}}),
			unitOf("migration", task.WorkUnit{Role: "coder", MayModify: []string{"migrate.go"}}),
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	spike := rec.indexOf("research: replace the storage engine")
	if spike != 0 {
		t.Fatalf("order %v, want the research spike first", rec.order())
	}
	if got := rec.order(); len(got) != 3 {
		t.Fatalf("executed %v, want the spike plus both units", got)
	}
	// The spike resolved the uncertainty; the batch ran on a re-scored
	// strategy, never a second spike.
	if report.Strategy == variety.ResearchSpike {
		t.Fatalf("strategy still %s after the spike", report.Strategy)
	}
}

func TestRunReassessesVarietyAfterGate(t *testing.T) {
	rec := &scopeRecorder{}
	e, _ := newTestEngine(t, happyFactory(rec))

	report, err := e.Run(context.Background(), &plan.Request{
		Title:   "rework billing",
		Variety: variety.Rating{Novelty: 2, Scope: 3, Uncertainty: 4, Risk: 3},
		Units: []plan.Unit{
			unitOf("invoices", task.WorkUnit{Role: "coder", MayModify: []string{"invoice.go"}}),
			unitOf("receipts", task.WorkUnit{Role: "coder", MayModify: []string{"receipt.go"}}),
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if gate := rec.indexOf("plan: rework billing"); gate != 0 {
		t.Fatalf("order %v, want the plan gate first", rec.order())
	}
	// Scored 12 going in; the gate resolves uncertainty to 1, so the
	// batch dispatches at 9 as a parallel batch.
	if report.Score != 9 || report.Strategy != variety.ParallelBatch {
		t.Fatalf("re-assessed to %d/%s, want 9/%s", report.Score, report.Strategy, variety.ParallelBatch)
	}
}

func TestRunHaltGatesRestOfWave(t *testing.T) {
	rec := &scopeRecorder{}
	factory := func(role string) (executor.Executor, error) {
		return &executor.ScriptedExecutor{
			Script: func(_ context.Context, unit task.WorkUnit, _ []string) (*executor.Outcome, error) {
				rec.add(unit.Scope)
				if unit.Scope == "halter" {
					return &executor.Outcome{Signal: &signal.Signal{
						Channel:    signal.ChannelPriority,
						Level:      signal.LevelHalt,
						Category:   signal.CategoryViability,
						Issue:      "two auth systems already exist",
						Confidence: signal.ConfidenceHigh,
					}}, nil
				}
				return &executor.Outcome{Handoff: &task.Handoff{}}, nil
			},
		}, nil
	}
	e, s := newTestEngine(t, factory)
	e.cfg.ConcurrencyLimit = 1

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	// Risk-first ordering dispatches the halter ahead of the follower.
	_, err := e.Run(ctx, &plan.Request{
		Title:   "halting work",
		Variety: variety.Rating{Novelty: 2, Scope: 2, Uncertainty: 2, Risk: 2},
		Units: []plan.Unit{
			unitOf("halter", task.WorkUnit{Role: "coder", MayModify: []string{"a.go"}, Risk: 4}),
			unitOf("follower", task.WorkUnit{Role: "coder", MayModify: []string{"b.go"}, Risk: 1}),
		},
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run = %v, want the unacknowledged gate to hold until the deadline", err)
	}

	// The HALT landed mid-wave; the follower never started.
	if idx := rec.indexOf("follower"); idx != -1 {
		t.Fatalf("executed %v; a unit ran under an unacknowledged HALT", rec.order())
	}

	tasks, listErr := s.ListTasks(context.Background())
	if listErr != nil {
		t.Fatalf("ListTasks: %v", listErr)
	}
	for _, tk := range tasks {
		if tk.Kind != task.KindAgent {
			continue
		}
		unit, unitErr := s.GetUnit(context.Background(), tk.ID)
		if unitErr != nil {
			t.Fatalf("GetUnit: %v", unitErr)
		}
		if unit.Scope == "follower" && tk.Status != task.StatusPending {
			t.Fatalf("follower ended %s, want pending behind the gate", tk.Status)
		}
	}
}

func TestRunPropagatesConventionsToLaterUnits(t *testing.T) {
	var consumerDirectives []string
	var mu sync.Mutex

	factory := func(role string) (executor.Executor, error) {
		return &executor.ScriptedExecutor{
			Script: func(_ context.Context, unit task.WorkUnit, directives []string) (*executor.Outcome, error) {
				if unit.Scope == "define schema" {
					return &executor.Outcome{Handoff: &task.Handoff{
						KeyContext: []string{"naming.fields=snake_case"},
					}}, nil
				}
				mu.Lock()
				consumerDirectives = append(consumerDirectives, directives...)
				mu.Unlock()
				return &executor.Outcome{Handoff: &task.Handoff{}}, nil
			},
		}, nil
	}
	e, _ := newTestEngine(t, factory)

	_, err := e.Run(context.Background(), &plan.Request{
		Title:   "schema change",
		Variety: variety.Rating{Novelty: 2, Scope: 2, Uncertainty: 2, Risk: 2},
		Units: []plan.Unit{
			unitOf("define schema", task.WorkUnit{Role: "coder", MayModify: []string{"schema.go"}, Produces: []string{"user.schema"}}),
			unitOf("use schema", task.WorkUnit{Role: "coder", MayModify: []string{"user.go"}, Consumes: []string{"user.schema"}}),
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, d := range consumerDirectives {
		if d == "naming.fields=snake_case" {
			found = true
		}
	}
	if !found {
		t.Fatalf("consumer directives %v missing the producer's convention", consumerDirectives)
	}
}

func TestRunSignalOutcomeBlocksTaskAndFeature(t *testing.T) {
	factory := func(role string) (executor.Executor, error) {
		return &executor.ScriptedExecutor{
			Script: func(_ context.Context, unit task.WorkUnit, _ []string) (*executor.Outcome, error) {
				return &executor.Outcome{Signal: &signal.Signal{
					Channel:    signal.ChannelPriority,
					Level:      signal.LevelAlert,
					Category:   signal.CategoryViability,
					Issue:      "requested change would break the public API",
					Confidence: signal.ConfidenceHigh,
				}}, nil
			},
		}, nil
	}
	e, s := newTestEngine(t, factory)
	ctx := context.Background()

	report, err := e.Run(ctx, &plan.Request{
		Title:   "risky change",
		Variety: variety.Rating{Novelty: 1, Scope: 1, Uncertainty: 1, Risk: 1},
		Units: []plan.Unit{
			unitOf("the change", task.WorkUnit{Role: "coder", MayModify: []string{"api.go"}}),
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The signal reached the bypass channel, retargeted to the authority.
	select {
	case sig := <-e.Router().Priority():
		if sig.Target != signal.TargetAuthority {
			t.Fatalf("target = %q", sig.Target)
		}
		if sig.OriginTaskID == "" {
			t.Fatal("origin task not stamped on the routed signal")
		}
	default:
		t.Fatal("no signal on the priority channel")
	}

	// The origin task was closed blocked with a reason, and the feature
	// reflects the troubled unit.
	tasks, err := s.ListTasks(ctx)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	for _, tk := range tasks {
		if tk.Status != task.StatusCompleted {
			t.Errorf("task %s ended %s, want completed", tk.ID, tk.Status)
		}
		if tk.Metadata[task.MetaBlocked] != "true" {
			t.Errorf("task %s not flagged blocked: %v", tk.ID, tk.Metadata)
		}
		if tk.Metadata[task.MetaReason] == "" {
			t.Errorf("task %s blocked without reason", tk.ID)
		}
	}

	if report.FeatureID == "" {
		t.Fatal("report missing feature ID")
	}

	// Signals are persisted for audit.
	signals, err := s.ListSignals(ctx)
	if err != nil {
		t.Fatalf("ListSignals: %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("audit holds %d signals, want 1", len(signals))
	}
}

func TestRunRetriesStalledUnitOnce(t *testing.T) {
	var mu sync.Mutex
	factories := 0
	rec := &scopeRecorder{}

	factory := func(role string) (executor.Executor, error) {
		mu.Lock()
		factories++
		failing := factories == 1
		mu.Unlock()

		return &executor.ScriptedExecutor{
			Script: func(_ context.Context, unit task.WorkUnit, _ []string) (*executor.Outcome, error) {
				if failing {
					return nil, fmt.Errorf("specialist died mid-flight")
				}
				rec.add(unit.Scope)
				return &executor.Outcome{Handoff: &task.Handoff{}}, nil
			},
		}, nil
	}
	e, s := newTestEngine(t, factory)
	ctx := context.Background()

	_, err := e.Run(ctx, &plan.Request{
		Title:   "flaky work",
		Variety: variety.Rating{Novelty: 1, Scope: 1, Uncertainty: 1, Risk: 1},
		Units: []plan.Unit{
			unitOf("the unit", task.WorkUnit{Role: "coder", MayModify: []string{"unit.go"}}),
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The retry executed the same scope and succeeded.
	if got := rec.order(); len(got) != 1 || got[0] != "the unit" {
		t.Fatalf("retry executions = %v", got)
	}

	tasks, err := s.ListTasks(ctx)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}

	var stalled, retried *task.Task
	for _, tk := range tasks {
		if tk.Metadata[task.MetaStalled] == "true" {
			stalled = tk
		}
		if tk.Metadata[task.MetaRetryOf] != "" {
			retried = tk
		}
	}
	if stalled == nil {
		t.Fatal("original task not marked stalled")
	}
	if retried == nil {
		t.Fatal("no retry task created")
	}
	if retried.Metadata[task.MetaRetryOf] != stalled.ID {
		t.Fatalf("retry links to %s, want %s", retried.Metadata[task.MetaRetryOf], stalled.ID)
	}
	if retried.Status != task.StatusCompleted || task.NonHappyPath(retried.Metadata) {
		t.Fatalf("retry ended %s %v", retried.Status, retried.Metadata)
	}
}

func TestRunStallRetryCarriesPartialOutput(t *testing.T) {
	var mu sync.Mutex
	factories := 0

	factory := func(role string) (executor.Executor, error) {
		mu.Lock()
		factories++
		failing := factories == 1
		mu.Unlock()

		return &executor.ScriptedExecutor{
			Script: func(_ context.Context, _ task.WorkUnit, _ []string) (*executor.Outcome, error) {
				if failing {
					return &executor.Outcome{Raw: "half a parser"}, fmt.Errorf("specialist died mid-flight")
				}
				return &executor.Outcome{Handoff: &task.Handoff{}}, nil
			},
		}, nil
	}
	e, s := newTestEngine(t, factory)
	ctx := context.Background()

	_, err := e.Run(ctx, &plan.Request{
		Title:   "flaky parser",
		Variety: variety.Rating{Novelty: 1, Scope: 1, Uncertainty: 1, Risk: 1},
		Units: []plan.Unit{
			unitOf("the parser", task.WorkUnit{Role: "coder", MayModify: []string{"parser.go"}}),
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	tasks, err := s.ListTasks(ctx)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	var retried *task.Task
	for _, tk := range tasks {
		if tk.Metadata[task.MetaRetryOf] != "" {
			retried = tk
		}
	}
	if retried == nil {
		t.Fatal("no retry task created")
	}
	if retried.Metadata[task.MetaPartial] != "half a parser" {
		t.Fatalf("retry partial = %q, want the failed attempt's raw output", retried.Metadata[task.MetaPartial])
	}
}

func TestRunRejectsInvalidVariety(t *testing.T) {
	e, _ := newTestEngine(t, happyFactory(&scopeRecorder{}))
	_, err := e.Run(context.Background(), &plan.Request{
		Title:   "bad rating",
		Variety: variety.Rating{},
		Units: []plan.Unit{
			unitOf("unit", task.WorkUnit{MayModify: []string{"a.go"}}),
		},
	})
	if err == nil || !strings.Contains(err.Error(), "out of range") {
		t.Fatalf("got %v, want rating validation error", err)
	}
}
