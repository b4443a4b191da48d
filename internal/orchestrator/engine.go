// Package orchestrator drives a work request end to end: rate its
// variety, analyze the unit batch for sequencing, create the task
// hierarchy, and dispatch waves of specialists with bounded concurrency.
// Dispatch respects the priority channel — a HALT gates every wave until
// acknowledged, and paused tasks are skipped until resumed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pkarath/dirigent/internal/arbiter"
	"github.com/pkarath/dirigent/internal/config"
	"github.com/pkarath/dirigent/internal/convention"
	"github.com/pkarath/dirigent/internal/executor"
	"github.com/pkarath/dirigent/internal/logger"
	"github.com/pkarath/dirigent/internal/plan"
	"github.com/pkarath/dirigent/internal/qdcl"
	"github.com/pkarath/dirigent/internal/resolver"
	"github.com/pkarath/dirigent/internal/signal"
	"github.com/pkarath/dirigent/internal/stall"
	"github.com/pkarath/dirigent/internal/store"
	"github.com/pkarath/dirigent/internal/task"
	"github.com/pkarath/dirigent/internal/variety"
)

// pollInterval is how often the dispatch loop re-checks when every ready
// task is paused and nothing else can run.
const pollInterval = 50 * time.Millisecond

// TaskResult is the outcome of one dispatched unit.
type TaskResult struct {
	TaskID string
	Scope  string
	Err    error
}

// RunReport summarizes a completed run.
type RunReport struct {
	FeatureID string
	Score     int
	Strategy  variety.Strategy
	Plan      qdcl.ExecutionPlan
	Results   []TaskResult
}

// Options configures an Engine.
type Options struct {
	Config     *config.Config
	Store      store.Store
	Factory    executor.Factory    // nil builds CLI executors from Config.Roles
	Escalation *arbiter.Escalation // nil disables architect escalation
	Logger     *logger.Logger      // nil discards
	Processes  *executor.ProcessManager
}

// Engine owns the coordination machinery for one orchestrator process.
// Run dispatches one request at a time; the signal router, convention
// bus, and arbiter live for the engine's lifetime.
type Engine struct {
	cfg      *config.Config
	store    store.Store
	bus      *signal.Bus
	router   *signal.Router
	convs    *convention.Bus
	arb      *arbiter.Arbiter
	monitor  *stall.Monitor
	factory  executor.Factory
	locks    *BoundaryLockManager
	breakers *CircuitBreakerRegistry
	log      *logger.Logger

	mu        sync.Mutex
	featureID string   // scope of the active batch
	batch     []string // agent task IDs for the active request
	risks     map[string]int
	results   []TaskResult
}

// NewEngine wires the engine from its options.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("engine requires a config")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("engine requires a store")
	}

	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}

	e := &Engine{
		cfg:      opts.Config,
		store:    opts.Store,
		bus:      signal.NewBus(),
		locks:    NewBoundaryLockManager(),
		breakers: NewCircuitBreakerRegistry(log),
		log:      log,
		risks:    make(map[string]int),
	}

	e.router = signal.NewRouter(e.bus)
	e.router.SetAudit(func(s signal.Signal) error {
		return e.store.SaveSignal(context.Background(), s)
	})

	e.convs = convention.NewBus(e.store, e.arbitrateCollision)
	e.arb = arbiter.New(e.convs, e.router, opts.Escalation)

	timeouts := make(map[task.Kind]time.Duration, len(opts.Config.StallTimeouts))
	for kind, d := range opts.Config.StallTimeouts {
		timeouts[task.Kind(kind)] = time.Duration(d)
	}
	e.monitor = stall.NewMonitor(e.store, e.router, e.retryStalled, timeouts)

	e.factory = opts.Factory
	if e.factory == nil {
		procs := opts.Processes
		if procs == nil {
			procs = executor.NewProcessManager()
		}
		e.factory = func(role string) (executor.Executor, error) {
			rc, ok := opts.Config.Roles[role]
			if !ok {
				return nil, fmt.Errorf("no role configured for %q", role)
			}
			return executor.NewCLIExecutor(executor.CLIConfig{
				Command:      rc.Command,
				Args:         rc.Args,
				Model:        rc.Model,
				SystemPrompt: rc.SystemPrompt,
			}, procs)
		}
	}

	return e, nil
}

// Router exposes the signal router, for the operator surface that
// consumes the priority channel and acknowledges HALTs.
func (e *Engine) Router() *signal.Router { return e.router }

// Bus exposes the lifecycle event bus, for monitors.
func (e *Engine) Bus() *signal.Bus { return e.bus }

// Conventions exposes the convention bus.
func (e *Engine) Conventions() *convention.Bus { return e.convs }

// Arbiter exposes the conflict arbiter.
func (e *Engine) Arbiter() *arbiter.Arbiter { return e.arb }

// Run executes one work request to completion. Not safe for concurrent
// calls; an engine runs one request at a time.
func (e *Engine) Run(ctx context.Context, req *plan.Request) (*RunReport, error) {
	score, strategy, err := variety.Score(req.Variety)
	if err != nil {
		return nil, err
	}
	e.log.Infof("request %q: variety %d, strategy %s", req.Title, score, strategy)

	eplan, err := qdcl.Analyze(batchUnits(req))
	if err != nil {
		return nil, fmt.Errorf("analyzing %q: %w", req.Title, err)
	}
	e.log.Debugf("execution plan:\n%s", eplan.Describe())

	featureID, err := e.store.CreateTask(ctx, "", task.KindFeature, task.WorkUnit{Scope: req.Title}, store.CreateOptions{})
	if err != nil {
		return nil, err
	}
	if err := e.store.Transition(ctx, featureID, task.StatusInProgress, nil); err != nil {
		return nil, err
	}
	e.monitor.Watch(ctx, featureID, task.KindFeature)

	report := &RunReport{FeatureID: featureID, Score: score, Strategy: strategy, Plan: eplan}

	e.mu.Lock()
	e.featureID = featureID
	e.batch = nil
	e.results = nil
	e.mu.Unlock()

	// High-variety requests run a gating unit first, then re-score: the
	// spike (or plan) exists to reduce uncertainty before the batch
	// strategy is committed.
	if strategy == variety.ResearchSpike || strategy == variety.PlanThenBatch {
		score, strategy, err = e.runGate(ctx, featureID, req, strategy)
		if err != nil {
			return e.finishReport(ctx, report), err
		}
		report.Score = score
		report.Strategy = strategy
		e.log.Infof("request %q re-scored after its gate: variety %d, strategy %s", req.Title, score, strategy)
	}

	if err := e.createBatch(ctx, featureID, eplan, orderEdges(req, strategy)); err != nil {
		return e.finishReport(ctx, report), err
	}

	limit := e.cfg.ConcurrencyLimit
	if strategy == variety.SingleWorker {
		limit = 1
	}

	if err := e.dispatch(ctx, limit, variety.RiskFirst(strategy)); err != nil {
		return e.finishReport(ctx, report), err
	}
	return e.finishReport(ctx, report), nil
}

func batchUnits(req *plan.Request) []task.WorkUnit {
	units := make([]task.WorkUnit, 0, len(req.Units))
	for _, u := range req.Units {
		units = append(units, u.WorkUnit)
	}
	return units
}

// orderEdges derives the explicit ordering edges from the request:
// declared after-dependencies, plus single-worker chaining in request
// order.
func orderEdges(req *plan.Request, strategy variety.Strategy) map[string][]string {
	after := make(map[string][]string, len(req.Units))
	prev := ""
	for _, u := range req.Units {
		deps := append([]string(nil), u.After...)
		if strategy == variety.SingleWorker && prev != "" {
			deps = append(deps, prev)
		}
		after[u.Scope] = deps
		prev = u.Scope
	}
	return after
}

// runGate dispatches the research or plan unit ahead of the batch, then
// re-scores the request with the uncertainty the gate resolved. The
// gate's handoff feeds the batch through the convention bus; a gate that
// produced no handoff leaves some unknowns, but a second gate is never
// dispatched.
func (e *Engine) runGate(ctx context.Context, featureID string, req *plan.Request, strategy variety.Strategy) (int, variety.Strategy, error) {
	role, label := "researcher", "research: "
	if strategy == variety.PlanThenBatch {
		role, label = "architect", "plan: "
	}

	id, err := e.store.CreateTask(ctx, featureID, task.KindAgent, task.WorkUnit{Scope: label + req.Title, Role: role}, store.CreateOptions{})
	if err != nil {
		return 0, "", err
	}
	e.mu.Lock()
	e.batch = append(e.batch, id)
	e.mu.Unlock()

	if err := e.dispatch(ctx, 1, false); err != nil {
		return 0, "", err
	}

	rating := req.Variety
	rating.Uncertainty = 1
	if _, err := e.store.GetHandoff(ctx, id); err != nil {
		rating.Uncertainty = 2
	}
	return variety.Score(rating)
}

// createBatch persists one agent task per planned unit, with blockers
// derived from the analyzer's rationales plus explicit ordering edges.
func (e *Engine) createBatch(ctx context.Context, featureID string, eplan qdcl.ExecutionPlan, after map[string][]string) error {
	deps := make(map[string][]string, len(eplan.Units))
	for _, r := range eplan.Rationales {
		deps[r.Then] = append(deps[r.Then], r.First)
	}
	for scope, extra := range after {
		deps[scope] = append(deps[scope], extra...)
	}

	order, err := creationOrder(eplan.Units, deps)
	if err != nil {
		return err
	}

	idByScope := make(map[string]string, len(eplan.Units))
	for _, i := range order {
		u := eplan.Units[i]
		var blockers []string
		seen := make(map[string]bool)
		for _, dep := range deps[u.Scope] {
			id, ok := idByScope[dep]
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			blockers = append(blockers, id)
		}

		if u.Role == "" {
			// Synthetic define-interface steps go to the architect.
			u.Role = "architect"
		}

		md := map[string]string{}
		if rule := ruleFor(eplan, u.Scope); rule != "" {
			md[task.MetaRule] = rule
		}

		id, err := e.store.CreateTask(ctx, featureID, task.KindAgent, u, store.CreateOptions{
			BlockedBy: blockers,
			Metadata:  md,
		})
		if err != nil {
			return fmt.Errorf("creating task for %q: %w", u.Scope, err)
		}
		idByScope[u.Scope] = id

		e.mu.Lock()
		e.batch = append(e.batch, id)
		e.risks[id] = u.Risk
		e.mu.Unlock()
	}
	return nil
}

// ruleFor returns the rule that sequenced a unit behind a predecessor,
// for the audit trail.
func ruleFor(eplan qdcl.ExecutionPlan, scope string) string {
	for _, r := range eplan.Rationales {
		if r.Then == scope {
			return r.Rule
		}
	}
	return ""
}

// creationOrder topologically sorts units over both rationale and
// explicit edges, so every blocker exists before its dependent task is
// created.
func creationOrder(units []task.WorkUnit, deps map[string][]string) ([]int, error) {
	idx := make(map[string]int, len(units))
	for i, u := range units {
		idx[u.Scope] = i
	}

	indeg := make([]int, len(units))
	succ := make(map[int][]int)
	for scope, preds := range deps {
		to, ok := idx[scope]
		if !ok {
			continue
		}
		for _, p := range preds {
			from, ok := idx[p]
			if !ok {
				continue
			}
			succ[from] = append(succ[from], to)
			indeg[to]++
		}
	}

	var queue []int
	for i := range units {
		if indeg[i] == 0 {
			queue = append(queue, i)
		}
	}

	var order []int
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, s := range succ[n] {
			indeg[s]--
			if indeg[s] == 0 {
				queue = append(queue, s)
			}
		}
	}
	if len(order) != len(units) {
		return nil, fmt.Errorf("ordering cycle across %d units", len(units)-len(order))
	}
	return order, nil
}

// dispatch runs waves of ready tasks until the batch drains. Each wave
// honors the HALT gate, skips paused tasks, and bounds concurrency.
func (e *Engine) dispatch(ctx context.Context, limit int, riskFirst bool) error {
	if limit <= 0 {
		limit = 4
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if halted, _ := e.router.Halted(); halted {
			e.log.Warnf("dispatch gated: HALT pending acknowledgment")
			if err := e.router.AwaitResume(ctx); err != nil {
				return err
			}
		}

		batch, err := e.loadBatch(ctx)
		if err != nil {
			return err
		}

		var ready []string
		if riskFirst {
			ready = resolver.ReadyTasksRiskFirst(batch, e.riskOf)
		} else {
			ready = resolver.ReadyTasks(batch)
		}

		var dispatchable []string
		for _, id := range ready {
			if !e.router.TaskPaused(id) {
				dispatchable = append(dispatchable, id)
			}
		}

		if len(dispatchable) == 0 {
			if batchDrained(batch) {
				return nil
			}
			// Paused or stall-pending work remains; wait for it to move.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		for _, id := range dispatchable {
			taskID := id
			g.Go(func() error {
				e.runUnit(gctx, taskID)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
}

func (e *Engine) loadBatch(ctx context.Context) ([]*task.Task, error) {
	e.mu.Lock()
	ids := append([]string(nil), e.batch...)
	e.mu.Unlock()

	batch := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		t, err := e.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		batch = append(batch, t)
	}
	return batch, nil
}

func (e *Engine) riskOf(taskID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.risks[taskID]
}

func batchDrained(batch []*task.Task) bool {
	for _, t := range batch {
		if !t.Terminal() {
			return false
		}
	}
	return true
}

// runUnit executes one agent task through its specialist. All failure
// paths end in a terminal completion with reason metadata, so the batch
// always drains.
func (e *Engine) runUnit(ctx context.Context, taskID string) {
	start := time.Now()

	unit, err := e.store.GetUnit(ctx, taskID)
	if err != nil {
		e.record(TaskResult{TaskID: taskID, Err: err})
		return
	}
	role := unit.Role
	if role == "" {
		role = "coder"
	}

	// A HALT raised by an earlier unit of this wave gates the rest of it,
	// not just the next wave. Leave the task pending; the dispatch loop
	// blocks on the gate before the next wave.
	if halted, _ := e.router.Halted(); halted {
		return
	}

	if err := e.store.Transition(ctx, taskID, task.StatusInProgress, nil); err != nil {
		if errors.Is(err, store.ErrTaskBlocked) {
			// A blocker landed between the ready query and dispatch;
			// the next wave picks this task up again.
			return
		}
		e.record(TaskResult{TaskID: taskID, Scope: unit.Scope, Err: err})
		return
	}
	if err := e.store.AssignOwner(ctx, taskID, role); err != nil {
		e.log.Warnf("assigning owner for %s: %v", taskID, err)
	}

	e.mu.Lock()
	scope := e.featureID
	e.mu.Unlock()

	e.bus.Publish(signal.TopicTask, signal.TaskStartedEvent{
		ID:        taskID,
		Owner:     role,
		Scope:     unit.Scope,
		Timestamp: start,
	})
	e.monitor.Watch(ctx, taskID, task.KindAgent)

	exec, err := e.factory(role)
	if err != nil {
		e.completeAbnormal(ctx, taskID, task.MetaFailed, err.Error())
		e.record(TaskResult{TaskID: taskID, Scope: unit.Scope, Err: err})
		return
	}
	defer exec.Close()

	// Executors that accept mid-flight injection join the convention bus;
	// the rest get the conventions known at dispatch time.
	var directives []string
	if cr, ok := exec.(executor.ConventionReceiver); ok {
		e.convs.RegisterPeer(scope, taskID, func(c convention.Convention) {
			cr.ReceiveConvention(c.String())
		})
		defer e.convs.UnregisterPeer(taskID)
	} else {
		for _, c := range e.convs.Active(scope) {
			directives = append(directives, c.String())
		}
	}

	e.locks.LockAll(unit.MayModify)
	defer e.locks.UnlockAll(unit.MayModify)

	outcome, err := executeWithRetry(ctx, exec, unit, directives, e.breakers.Get(role), e.cfg.Retry)
	if err != nil {
		// A failed attempt still surrenders whatever raw output it
		// produced; the stall retry carries it forward.
		var partial string
		if outcome != nil {
			partial = outcome.Raw
		}
		if exitErr := e.monitor.OnExecutorExit(ctx, stall.ExitReport{TaskID: taskID, Partial: partial}); exitErr != nil {
			e.log.Errorf("stall handling for %s: %v", taskID, exitErr)
		}
		e.record(TaskResult{TaskID: taskID, Scope: unit.Scope, Err: err})
		return
	}

	switch {
	case outcome.Signal != nil:
		sig := *outcome.Signal
		sig.OriginTaskID = taskID
		if err := e.router.Raise(sig); err != nil {
			e.log.Errorf("routing signal from %s: %v", taskID, err)
		}
		if exitErr := e.monitor.OnExecutorExit(ctx, stall.ExitReport{TaskID: taskID, SawSignal: true, Partial: outcome.Raw}); exitErr != nil {
			e.log.Errorf("stall handling for %s: %v", taskID, exitErr)
		}
		reason := fmt.Sprintf("specialist raised %s %s: %s", sig.Level, sig.Category, sig.Issue)
		e.completeAbnormal(ctx, taskID, task.MetaBlocked, reason)
		e.record(TaskResult{TaskID: taskID, Scope: unit.Scope})

	case outcome.Handoff != nil:
		if err := e.store.SaveHandoff(ctx, taskID, outcome.Handoff); err != nil {
			e.log.Errorf("saving handoff for %s: %v", taskID, err)
		}
		if err := e.store.Transition(ctx, taskID, task.StatusCompleted, nil); err != nil {
			// The stall monitor may have closed the task first.
			e.log.Warnf("completing %s: %v", taskID, err)
			e.record(TaskResult{TaskID: taskID, Scope: unit.Scope, Err: err})
			return
		}
		e.monitor.Forget(taskID)

		t, err := e.store.GetTask(ctx, taskID)
		if err == nil {
			if _, err := e.convs.OnTaskCompleted(ctx, t, outcome.Handoff, scope); err != nil {
				e.log.Errorf("propagating conventions from %s: %v", taskID, err)
			}
		}
		for _, p := range unit.MayModify {
			e.arb.RecordFix(p, taskID)
		}

		e.bus.Publish(signal.TopicTask, signal.TaskCompletedEvent{
			ID:        taskID,
			Duration:  time.Since(start),
			Timestamp: time.Now(),
		})
		e.record(TaskResult{TaskID: taskID, Scope: unit.Scope})
	}
}

// completeAbnormal closes a task on a non-happy path with the required
// reason metadata. Already-terminal tasks are left alone.
func (e *Engine) completeAbnormal(ctx context.Context, taskID, flag, reason string) {
	md := map[string]string{flag: "true", task.MetaReason: reason}
	if err := e.store.Transition(ctx, taskID, task.StatusCompleted, md); err != nil {
		if !errors.Is(err, task.ErrInvalidTransition) {
			e.log.Errorf("closing %s (%s): %v", taskID, flag, err)
		}
		return
	}
	e.monitor.Forget(taskID)
	e.bus.Publish(signal.TopicTask, signal.TaskCompletedEvent{
		ID:        taskID,
		Stalled:   flag == task.MetaStalled,
		Failed:    flag == task.MetaFailed,
		Timestamp: time.Now(),
	})
}

// retryStalled is the stall monitor's retry hook: re-dispatch the work
// as a fresh task carrying the partial output, joined to the live batch.
func (e *Engine) retryStalled(ctx context.Context, stalledID, partial string) (string, error) {
	t, err := e.store.GetTask(ctx, stalledID)
	if err != nil {
		return "", err
	}
	unit, err := e.store.GetUnit(ctx, stalledID)
	if err != nil {
		return "", err
	}

	md := map[string]string{task.MetaRetryOf: stalledID}
	if partial != "" {
		md[task.MetaPartial] = partial
	}
	id, err := e.store.CreateTask(ctx, t.ParentID, t.Kind, unit, store.CreateOptions{Metadata: md})
	if err != nil {
		return "", err
	}
	e.log.Warnf("task %s stalled; retrying as %s", stalledID, id)

	e.mu.Lock()
	e.batch = append(e.batch, id)
	e.risks[id] = unit.Risk
	e.mu.Unlock()
	return id, nil
}

// arbitrateCollision is the convention bus's collision hook: two workers
// established different values for one key before propagation reached
// both. The naming row decides; the bus records the supersession.
func (e *Engine) arbitrateCollision(ctx context.Context, scope string, existing, incoming convention.Convention) (convention.Convention, error) {
	winner, rule := arbiter.DecideNaming([]arbiter.Party{
		{TaskID: existing.EstablishedBy, Value: existing.Value, CommittedAt: existing.CreatedAt},
		{TaskID: incoming.EstablishedBy, Value: incoming.Value, CommittedAt: incoming.CreatedAt},
	})
	e.log.Infof("convention collision on %s/%s: %q wins (%s)", scope, existing.Key, winner.Value, rule)
	if winner.Value == incoming.Value {
		return incoming, nil
	}
	return existing, nil
}

// finishReport closes the feature task and collects the batch results.
func (e *Engine) finishReport(ctx context.Context, report *RunReport) *RunReport {
	e.mu.Lock()
	report.Results = append([]TaskResult(nil), e.results...)
	featureID := e.featureID
	e.mu.Unlock()

	batch, err := e.loadBatch(ctx)
	if err != nil {
		e.log.Errorf("loading batch for feature close: %v", err)
		return report
	}

	var troubled int
	for _, t := range batch {
		if t.Terminal() && task.NonHappyPath(t.Metadata) {
			troubled++
		}
	}

	e.monitor.Forget(featureID)
	if troubled > 0 {
		reason := fmt.Sprintf("%d of %d units completed abnormally", troubled, len(batch))
		e.completeAbnormal(ctx, featureID, task.MetaBlocked, reason)
	} else if err := e.store.Transition(ctx, featureID, task.StatusCompleted, nil); err != nil {
		e.log.Warnf("closing feature %s: %v", featureID, err)
	}
	return report
}

func (e *Engine) record(r TaskResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results = append(e.results, r)
}

// Close shuts down the engine's event bus.
func (e *Engine) Close() {
	e.bus.Close()
}
