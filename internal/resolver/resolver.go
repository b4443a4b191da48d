// Package resolver decides which tasks in a batch are eligible for
// dispatch given their blocking edges. It is a pure query layer: callers
// read task snapshots from the store, ask for the ready set, and perform
// the dispatch themselves.
package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"

	"github.com/pkarath/dirigent/internal/task"
)

// ReadyTasks returns the IDs of pending tasks whose blockers are all
// completed, in creation order. A blocker that is absent from the batch is
// treated as unresolved: the caller's snapshot is the universe.
func ReadyTasks(batch []*task.Task) []string {
	byID := make(map[string]*task.Task, len(batch))
	for _, t := range batch {
		byID[t.ID] = t
	}

	var ready []*task.Task
	for _, t := range batch {
		if t.Status != task.StatusPending {
			continue
		}
		if blockersResolved(t, byID) {
			ready = append(ready, t)
		}
	}

	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].ID < ready[j].ID
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})

	ids := make([]string, len(ready))
	for i, t := range ready {
		ids[i] = t.ID
	}
	return ids
}

// ReadyTasksRiskFirst orders the ready set with high-risk units first
// (risk rating >= 3), so failures surface early. Within each band,
// creation order is preserved. Used under ParallelBatch and PlanThenBatch
// strategies.
func ReadyTasksRiskFirst(batch []*task.Task, riskOf func(taskID string) int) []string {
	ids := ReadyTasks(batch)
	sort.SliceStable(ids, func(i, j int) bool {
		return (riskOf(ids[i]) >= 3) && (riskOf(ids[j]) < 3)
	})
	return ids
}

func blockersResolved(t *task.Task, byID map[string]*task.Task) bool {
	for _, blockerID := range t.BlockedBy {
		blocker, exists := byID[blockerID]
		if !exists || blocker.Status != task.StatusCompleted {
			return false
		}
	}
	return true
}

// ValidateOrder runs a topological sort over the blocking edges and
// returns a valid dispatch order, or an error if the batch contains a
// cycle or references a task outside itself.
func ValidateOrder(batch []*task.Task) ([]string, error) {
	byID := make(map[string]*task.Task, len(batch))
	for _, t := range batch {
		byID[t.ID] = t
	}
	for _, t := range batch {
		for _, blockerID := range t.BlockedBy {
			if _, exists := byID[blockerID]; !exists {
				return nil, fmt.Errorf("task %q blocked by task %q outside the batch", t.ID, blockerID)
			}
		}
	}

	var edges []toposort.Edge
	for _, t := range batch {
		if len(t.BlockedBy) == 0 {
			// Edge from nil keeps root tasks in the sorted output.
			edges = append(edges, toposort.Edge{nil, t.ID})
			continue
		}
		for _, blockerID := range t.BlockedBy {
			edges = append(edges, toposort.Edge{blockerID, t.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("blocking edges contain cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(batch) {
		var missing []string
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		for _, t := range batch {
			if !found[t.ID] {
				missing = append(missing, t.ID)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}
	return order, nil
}
