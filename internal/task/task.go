package task

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Kind is the hierarchy level of a task.
type Kind string

const (
	KindFeature Kind = "feature" // Top-level deliverable
	KindPhase   Kind = "phase"   // Stage within a feature
	KindAgent   Kind = "agent"   // Single specialist work unit
)

// Status is the lifecycle state of a task.
// Transitions are strictly pending -> in_progress -> completed;
// nothing skips a state and nothing reverses.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Metadata keys. A non-happy-path completion must set one of the first
// three to "true" together with MetaReason.
const (
	MetaStalled = "stalled"
	MetaFailed  = "failed"
	MetaBlocked = "blocked"
	MetaReason  = "reason"

	MetaDepth   = "depth"    // Nesting depth of spawned sub-workflows
	MetaRetryOf = "retry_of" // Task ID this task is the single retry of
	MetaPartial = "partial"  // Partial output carried into a retry
	MetaRule    = "rule"     // Sequencing rule recorded by the analyzer
)

// MaxDepth is the deepest nested sub-workflow a specialist may spawn.
const MaxDepth = 2

var (
	ErrUnknownTask           = errors.New("unknown task")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrMissingReasonMetadata = errors.New("non-happy-path completion requires reason metadata")
	ErrDepthExceeded         = errors.New("nested workflow depth exceeded")
)

// Task is a unit of delegated work. Terminal tasks are retained as audit
// history and are never deleted.
type Task struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	ParentID  string            `json:"parent_id,omitempty"`
	Status    Status            `json:"status"`
	BlockedBy []string          `json:"blocked_by,omitempty"`
	Owner     string            `json:"owner,omitempty"`
	Metadata  map[string]string `json:"metadata"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// NewID generates a task identifier of the form <kind>-<unix_ts>-<suffix>.
// The UUID suffix keeps IDs unique when many tasks are created in the
// same second by the same orchestrator process.
func NewID(kind Kind) string {
	return fmt.Sprintf("%s-%d-%s", kind, time.Now().Unix(), uuid.NewString()[:8])
}

// ValidateTransition checks that from -> to follows the state machine.
func ValidateTransition(from, to Status) error {
	switch {
	case from == StatusPending && to == StatusInProgress:
		return nil
	case from == StatusInProgress && to == StatusCompleted:
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// NonHappyPath reports whether metadata marks a completion as stalled,
// failed, or blocked.
func NonHappyPath(md map[string]string) bool {
	for _, key := range []string{MetaStalled, MetaFailed, MetaBlocked} {
		if md[key] == "true" {
			return true
		}
	}
	return false
}

// ValidateCompletionMetadata enforces the reason invariant: any completion
// flagged stalled/failed/blocked must carry a non-empty reason.
func ValidateCompletionMetadata(md map[string]string) error {
	if NonHappyPath(md) && md[MetaReason] == "" {
		return ErrMissingReasonMetadata
	}
	return nil
}

// Depth returns the nested-workflow depth recorded in metadata (0 if unset).
func (t *Task) Depth() int {
	if t.Metadata == nil {
		return 0
	}
	d, err := strconv.Atoi(t.Metadata[MetaDepth])
	if err != nil {
		return 0
	}
	return d
}

// Terminal reports whether the task has reached its final state.
func (t *Task) Terminal() bool {
	return t.Status == StatusCompleted
}

// Clone returns a deep copy so callers can hand tasks across goroutines
// without sharing the metadata map or blocker slice.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.BlockedBy != nil {
		cp.BlockedBy = append([]string(nil), t.BlockedBy...)
	}
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
