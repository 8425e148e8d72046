package task

import (
	"fmt"
	"time"

	"github.com/jdluna/db-scheduler/internal/store"
	"github.com/jdluna/db-scheduler/pkg/retry"
)

// Action is what the scheduler does with a failed execution.
type Action int

const (
	// ActionRetry releases the execution at Decision.RetryAt.
	ActionRetry Action = iota + 1
	// ActionReschedule gives up on this run: a recurring task moves to its
	// next natural occurrence, a one-time execution is deleted.
	ActionReschedule
	// ActionRemove deletes the execution.
	ActionRemove
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionReschedule:
		return "reschedule"
	case ActionRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Failure describes a failed run.
type Failure struct {
	// Execution is the row as claimed. ConsecutiveFailures does not yet
	// include this failure.
	Execution store.Execution
	Err       error
	Now       time.Time
}

// Attempt is the 1-based number of consecutive failures including this one.
func (f Failure) Attempt() int {
	return f.Execution.ConsecutiveFailures + 1
}

// Decision is a FailurePolicy result.
type Decision struct {
	Action  Action
	RetryAt time.Time
}

// FailurePolicy decides what happens after a handler failure.
type FailurePolicy interface {
	OnFailure(f Failure) Decision
}

// FailurePolicyFunc adapts a function to FailurePolicy.
type FailurePolicyFunc func(f Failure) Decision

func (fn FailurePolicyFunc) OnFailure(f Failure) Decision {
	return fn(f)
}

// ExponentialBackoffPolicy retries after Backoff.Delay(attempt) until more
// than MaxRetries consecutive failures, then reschedules. A negative
// MaxRetries retries forever.
type ExponentialBackoffPolicy struct {
	MaxRetries int
	Backoff    *retry.Backoff
}

// Default retry parameters.
const (
	DefaultMaxRetries   = 3
	DefaultInitialDelay = 10 * time.Second
	DefaultMaxDelay     = time.Hour
	DefaultMultiplier   = 2.0
)

// ExponentialBackoff returns the policy with the given parameters.
func ExponentialBackoff(maxRetries int, initial, maxDelay time.Duration, multiplier float64) *ExponentialBackoffPolicy {
	return &ExponentialBackoffPolicy{
		MaxRetries: maxRetries,
		Backoff: &retry.Backoff{
			Initial:    initial,
			Max:        maxDelay,
			Multiplier: multiplier,
		},
	}
}

// DefaultExponentialBackoff is the policy every task gets unless configured:
// 3 retries after 10s, 20s and 40s.
func DefaultExponentialBackoff() *ExponentialBackoffPolicy {
	return ExponentialBackoff(DefaultMaxRetries, DefaultInitialDelay, DefaultMaxDelay, DefaultMultiplier)
}

func (p *ExponentialBackoffPolicy) OnFailure(f Failure) Decision {
	attempt := f.Attempt()
	if p.MaxRetries >= 0 && attempt > p.MaxRetries {
		return Decision{Action: ActionReschedule}
	}
	return Decision{Action: ActionRetry, RetryAt: f.Now.Add(p.Backoff.Delay(attempt))}
}

func (p *ExponentialBackoffPolicy) String() string {
	return fmt.Sprintf("exponential backoff (max retries %d, initial %s, max %s)", p.MaxRetries, p.Backoff.Initial, p.Backoff.Max)
}

// RetryLater retries every d without limit.
func RetryLater(d time.Duration) FailurePolicy {
	return FailurePolicyFunc(func(f Failure) Decision {
		return Decision{Action: ActionRetry, RetryAt: f.Now.Add(d)}
	})
}

// RescheduleOnFailure gives up on the run immediately.
func RescheduleOnFailure() FailurePolicy {
	return FailurePolicyFunc(func(Failure) Decision {
		return Decision{Action: ActionReschedule}
	})
}

// RemoveOnFailure deletes the execution on the first failure, even for
// recurring tasks.
func RemoveOnFailure() FailurePolicy {
	return FailurePolicyFunc(func(Failure) Decision {
		return Decision{Action: ActionRemove}
	})
}

// DeadDecision is a DeadExecutionPolicy result.
type DeadDecision struct {
	// Remove deletes the execution instead of releasing it.
	Remove bool
	// ExecutionTime is the due time of the released execution.
	ExecutionTime time.Time
}

// DeadExecutionPolicy decides what happens to an execution whose heartbeat
// went stale.
type DeadExecutionPolicy interface {
	OnDead(e store.Execution, now time.Time) DeadDecision
}

// DeadExecutionPolicyFunc adapts a function to DeadExecutionPolicy.
type DeadExecutionPolicyFunc func(e store.Execution, now time.Time) DeadDecision

func (fn DeadExecutionPolicyFunc) OnDead(e store.Execution, now time.Time) DeadDecision {
	return fn(e, now)
}

// ReviveDeadExecution releases the execution with its original due time, so
// it is picked up on the next poll.
func ReviveDeadExecution() DeadExecutionPolicy {
	return DeadExecutionPolicyFunc(func(e store.Execution, _ time.Time) DeadDecision {
		return DeadDecision{ExecutionTime: e.ExecutionTime}
	})
}

// CancelDeadExecution deletes dead executions.
func CancelDeadExecution() DeadExecutionPolicy {
	return DeadExecutionPolicyFunc(func(store.Execution, time.Time) DeadDecision {
		return DeadDecision{Remove: true}
	})
}

// DelayDeadExecution releases the execution due d after detection.
func DelayDeadExecution(d time.Duration) DeadExecutionPolicy {
	return DeadExecutionPolicyFunc(func(_ store.Execution, now time.Time) DeadDecision {
		return DeadDecision{ExecutionTime: now.Add(d)}
	})
}
