package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/pkarath/dirigent/internal/config"
	"github.com/pkarath/dirigent/internal/executor"
	"github.com/pkarath/dirigent/internal/logger"
	"github.com/pkarath/dirigent/internal/task"
)

// CircuitBreakerRegistry manages per-role circuit breakers. A role whose
// specialists keep failing trips its breaker without taking the other
// roles down with it.
type CircuitBreakerRegistry struct {
	log *logger.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewCircuitBreakerRegistry creates an empty registry.
func NewCircuitBreakerRegistry(log *logger.Logger) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		log:      log,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the breaker for a role, creating it on first use.
func (r *CircuitBreakerRegistry) Get(role string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[role]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        role,
		MaxRequests: 3,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.log.Warnf("circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is not a specialist failure.
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[role] = cb
	return cb
}

// executeWithRetry runs a work unit through its executor with exponential
// backoff and circuit breaker protection.
func executeWithRetry(ctx context.Context, exec executor.Executor, unit task.WorkUnit, directives []string, cb *gobreaker.CircuitBreaker, retryCfg config.RetryConfig) (*executor.Outcome, error) {
	var outcome *executor.Outcome

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := cb.Execute(func() (interface{}, error) {
			return exec.Execute(ctx, unit, directives)
		})
		// Failed attempts may still return an outcome carrying raw
		// partial output; keep the latest one for the caller.
		if o, ok := result.(*executor.Outcome); ok && o != nil {
			outcome = o
		}
		if err != nil {
			// Open circuit: retrying would only hammer a known-bad role.
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Duration(retryCfg.InitialInterval)
	policy.MaxInterval = time.Duration(retryCfg.MaxInterval)
	policy.MaxElapsedTime = time.Duration(retryCfg.MaxElapsedTime)
	policy.Multiplier = retryCfg.Multiplier
	policy.RandomizationFactor = retryCfg.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	return outcome, err
}
