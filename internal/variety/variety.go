// Package variety scores incoming work complexity and recommends an
// execution strategy. The score is the sum of four dimension ratings,
// each 1-4: novelty, scope, uncertainty, and risk.
package variety

import "fmt"

// Strategy is the recommended way to execute a scored request.
type Strategy string

const (
	SingleWorker  Strategy = "single_worker"   // 4-6: one specialist handles it
	ParallelBatch Strategy = "parallel_batch"  // 7-10: decompose into a concurrent batch
	PlanThenBatch Strategy = "plan_then_batch" // 11-14: explicit plan required before dispatch
	ResearchSpike Strategy = "research_spike"  // 15-16: bounded exploration first, then re-score
)

// Rating holds the four dimension ratings.
type Rating struct {
	Novelty     int `json:"novelty" yaml:"novelty"`
	Scope       int `json:"scope" yaml:"scope"`
	Uncertainty int `json:"uncertainty" yaml:"uncertainty"`
	Risk        int `json:"risk" yaml:"risk"`
}

// Validate checks each dimension is rated 1-4.
func (r Rating) Validate() error {
	for name, v := range map[string]int{
		"novelty": r.Novelty, "scope": r.Scope, "uncertainty": r.Uncertainty, "risk": r.Risk,
	} {
		if v < 1 || v > 4 {
			return fmt.Errorf("%s rating %d out of range 1-4", name, v)
		}
	}
	return nil
}

// Score sums the dimensions and maps the total to a strategy.
func Score(r Rating) (int, Strategy, error) {
	if err := r.Validate(); err != nil {
		return 0, "", err
	}
	total := r.Novelty + r.Scope + r.Uncertainty + r.Risk
	switch {
	case total <= 6:
		return total, SingleWorker, nil
	case total <= 10:
		return total, ParallelBatch, nil
	case total <= 14:
		return total, PlanThenBatch, nil
	default:
		return total, ResearchSpike, nil
	}
}

// RiskFirst reports whether the strategy dispatches high-risk units first
// so failures surface early.
func RiskFirst(s Strategy) bool {
	return s == ParallelBatch || s == PlanThenBatch
}
