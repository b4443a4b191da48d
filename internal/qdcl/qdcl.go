// Package qdcl implements the quick dependency checklist: a pairwise
// analysis over a batch of proposed work units that decides which may run
// in parallel and which must be sequenced. The bias is parallel — a pair
// is sequenced only when a specific rule fires, and every sequencing
// decision carries the rule that fired. A decision without a stated rule
// is invalid and is treated as parallel.
package qdcl

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkarath/dirigent/internal/task"
)

// Sequencing rules. These are the only grounds for ordering two units.
const (
	RuleSameFile           = "same file"
	RuleProducerConsumer   = "producer-consumer"
	RuleUndefinedInterface = "undefined interface"
)

// Rationale records one sequential decision and the rule behind it.
type Rationale struct {
	First string // Scope of the unit that runs first
	Then  string // Scope of the unit that waits
	Rule  string
}

// edge is one sequencing constraint between two unit indexes.
type edge struct{ from, to int }

// ExecutionPlan partitions units into stages. Units within a stage run in
// parallel; stage i completes before stage i+1 is dispatched. Units may
// include synthetic define-interface steps appended after the input batch.
type ExecutionPlan struct {
	Units      []task.WorkUnit
	Stages     [][]int // Indexes into Units
	Rationales []Rationale
}

// Sequenced reports whether the plan orders unit i before unit j
// (directly or through intermediate stages).
func (p ExecutionPlan) Sequenced(i, j int) bool {
	return p.stageOf(i) < p.stageOf(j)
}

// Parallel reports whether units i and j share a stage.
func (p ExecutionPlan) Parallel(i, j int) bool {
	return p.stageOf(i) == p.stageOf(j)
}

func (p ExecutionPlan) stageOf(unit int) int {
	for s, stage := range p.Stages {
		for _, u := range stage {
			if u == unit {
				return s
			}
		}
	}
	return -1
}

// Analyze applies the checklist pairwise over the batch. O(n²) in the
// batch size, which stays small: batches are specialist groups, not
// arbitrary graphs.
func Analyze(units []task.WorkUnit) (ExecutionPlan, error) {
	for _, u := range units {
		if err := u.Validate(); err != nil {
			return ExecutionPlan{}, err
		}
	}

	plan := ExecutionPlan{Units: append([]task.WorkUnit(nil), units...)}

	produced := make(map[string]bool)
	for _, u := range units {
		for _, artifact := range u.Produces {
			produced[artifact] = true
		}
	}

	// Rule 3: units sharing an undefined interface get a synthetic
	// define-interface step sequenced before them; they stay parallel
	// with each other.
	needers := make(map[string][]int)
	for i, u := range units {
		if u.NeedsInterface != "" && !produced[u.NeedsInterface] {
			needers[u.NeedsInterface] = append(needers[u.NeedsInterface], i)
		}
	}
	synthFor := make(map[string]int)
	var ifaces []string
	for iface, idxs := range needers {
		if len(idxs) < 2 {
			continue
		}
		ifaces = append(ifaces, iface)
	}
	sort.Strings(ifaces)
	for _, iface := range ifaces {
		synth := task.WorkUnit{
			Scope:    fmt.Sprintf("define interface %s", iface),
			Produces: []string{iface},
		}
		synthFor[iface] = len(plan.Units)
		plan.Units = append(plan.Units, synth)
	}

	edges := make(map[edge]string)
	addEdge := func(from, to int, rule string) {
		if _, dup := edges[edge{from, to}]; dup {
			return
		}
		edges[edge{from, to}] = rule
		plan.Rationales = append(plan.Rationales, Rationale{
			First: plan.Units[from].Scope,
			Then:  plan.Units[to].Scope,
			Rule:  rule,
		})
	}

	for iface, idxs := range needers {
		synth, ok := synthFor[iface]
		if !ok {
			continue
		}
		for _, i := range idxs {
			addEdge(synth, i, RuleUndefinedInterface)
		}
	}

	for i := 0; i < len(units); i++ {
		for j := i + 1; j < len(units); j++ {
			from, to, rule, fired := decide(units[i], units[j], i, j)
			if !fired {
				continue
			}
			addEdge(from, to, rule)
		}
	}

	stages, err := layer(len(plan.Units), edges)
	if err != nil {
		return ExecutionPlan{}, err
	}
	plan.Stages = stages
	return plan, nil
}

// decide applies the checklist to one pair. Indexes i < j reflect
// creation order. Returns the sequencing edge and the rule that fired, or
// fired=false for parallel.
func decide(a, b task.WorkUnit, i, j int) (from, to int, rule string, fired bool) {
	aFeedsB := len(task.Overlap(a.Produces, b.Consumes)) > 0
	bFeedsA := len(task.Overlap(b.Produces, a.Consumes)) > 0

	// Rule 1: overlapping write sets always sequence. Producer runs first
	// when one feeds the other; otherwise creation order.
	if len(task.Overlap(a.MayModify, b.MayModify)) > 0 {
		switch {
		case aFeedsB && !bFeedsA:
			return i, j, RuleSameFile, true
		case bFeedsA && !aFeedsB:
			return j, i, RuleSameFile, true
		default:
			return i, j, RuleSameFile, true
		}
	}

	// Rule 2: producer before consumer. A mutual feed would be a cycle;
	// fall back to creation order.
	switch {
	case aFeedsB && bFeedsA:
		return i, j, RuleProducerConsumer, true
	case aFeedsB:
		return i, j, RuleProducerConsumer, true
	case bFeedsA:
		return j, i, RuleProducerConsumer, true
	}

	// Rule 4: no rule fired — parallel. Absence of detected dependency is
	// not grounds for sequencing.
	return 0, 0, "", false
}

// layer assigns each unit the earliest stage after all its predecessors.
func layer(n int, edges map[edge]string) ([][]int, error) {
	preds := make(map[int][]int)
	for e := range edges {
		preds[e.to] = append(preds[e.to], e.from)
	}

	levels := make([]int, n)
	for i := range levels {
		levels[i] = -1
	}

	var resolve func(u int, trail []int) (int, error)
	resolve = func(u int, trail []int) (int, error) {
		if levels[u] >= 0 {
			return levels[u], nil
		}
		for _, seen := range trail {
			if seen == u {
				return 0, fmt.Errorf("sequencing cycle involving unit %d", u)
			}
		}
		level := 0
		for _, p := range preds[u] {
			pl, err := resolve(p, append(trail, u))
			if err != nil {
				return 0, err
			}
			if pl+1 > level {
				level = pl + 1
			}
		}
		levels[u] = level
		return level, nil
	}

	maxLevel := 0
	for u := 0; u < n; u++ {
		l, err := resolve(u, nil)
		if err != nil {
			return nil, err
		}
		if l > maxLevel {
			maxLevel = l
		}
	}

	stages := make([][]int, maxLevel+1)
	for u := 0; u < n; u++ {
		stages[levels[u]] = append(stages[levels[u]], u)
	}
	return stages, nil
}

// Describe renders the plan for logs and validate output.
func (p ExecutionPlan) Describe() string {
	var sb strings.Builder
	for i, stage := range p.Stages {
		fmt.Fprintf(&sb, "stage %d:", i+1)
		for _, u := range stage {
			fmt.Fprintf(&sb, " [%s]", p.Units[u].Scope)
		}
		sb.WriteString("\n")
	}
	for _, r := range p.Rationales {
		fmt.Fprintf(&sb, "  %q before %q (%s)\n", r.First, r.Then, r.Rule)
	}
	return sb.String()
}
