package task_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jdluna/db-scheduler/internal/store"
	"github.com/jdluna/db-scheduler/internal/task"
)

func failureAfter(consecutive int) task.Failure {
	return task.Failure{
		Execution: store.Execution{ConsecutiveFailures: consecutive},
		Err:       errors.New("boom"),
		Now:       t0,
	}
}

func TestDefaultExponentialBackoff(t *testing.T) {
	t.Parallel()

	p := task.DefaultExponentialBackoff()

	tests := []struct {
		consecutive int
		want        task.Decision
	}{
		{0, task.Decision{Action: task.ActionRetry, RetryAt: t0.Add(10 * time.Second)}},
		{1, task.Decision{Action: task.ActionRetry, RetryAt: t0.Add(20 * time.Second)}},
		{2, task.Decision{Action: task.ActionRetry, RetryAt: t0.Add(40 * time.Second)}},
		{3, task.Decision{Action: task.ActionReschedule}},
		{10, task.Decision{Action: task.ActionReschedule}},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.OnFailure(failureAfter(tt.consecutive)), "after %d failures", tt.consecutive)
	}
}

func TestExponentialBackoffCapsAndUnlimited(t *testing.T) {
	t.Parallel()

	p := task.ExponentialBackoff(-1, time.Second, 5*time.Second, 3)

	d := p.OnFailure(failureAfter(50))
	assert.Equal(t, task.ActionRetry, d.Action)
	assert.Equal(t, t0.Add(5*time.Second), d.RetryAt)

	none := task.ExponentialBackoff(0, time.Second, time.Minute, 2)
	assert.Equal(t, task.ActionReschedule, none.OnFailure(failureAfter(0)).Action)
}

func TestSimpleFailurePolicies(t *testing.T) {
	t.Parallel()

	d := task.RetryLater(time.Minute).OnFailure(failureAfter(99))
	assert.Equal(t, task.Decision{Action: task.ActionRetry, RetryAt: t0.Add(time.Minute)}, d)

	assert.Equal(t, task.ActionReschedule, task.RescheduleOnFailure().OnFailure(failureAfter(0)).Action)
	assert.Equal(t, task.ActionRemove, task.RemoveOnFailure().OnFailure(failureAfter(0)).Action)
	assert.Equal(t, "retry", task.ActionRetry.String())
	assert.Equal(t, "unknown", task.Action(0).String())
}

func TestDeadExecutionPolicies(t *testing.T) {
	t.Parallel()

	e := store.Execution{ExecutionTime: t0}
	now := t0.Add(time.Hour)

	assert.Equal(t, task.DeadDecision{ExecutionTime: t0}, task.ReviveDeadExecution().OnDead(e, now))
	assert.Equal(t, task.DeadDecision{Remove: true}, task.CancelDeadExecution().OnDead(e, now))
	assert.Equal(t, task.DeadDecision{ExecutionTime: now.Add(time.Minute)}, task.DelayDeadExecution(time.Minute).OnDead(e, now))
}
