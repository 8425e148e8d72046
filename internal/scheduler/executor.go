package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jdluna/db-scheduler/internal/shared"
	"github.com/jdluna/db-scheduler/internal/store"
	"github.com/jdluna/db-scheduler/internal/task"
)

// errOwnershipLost is the cancellation cause handlers observe when their
// execution was reclaimed by another instance.
var errOwnershipLost = fmt.Errorf("execution ownership lost: %w", shared.ErrVersionMismatch)

// errShutdownAbandoned is the cause handlers observe when Stop timed out.
var errShutdownAbandoned = fmt.Errorf("execution abandoned by stop: %w", shared.ErrShutdownTimeout)

// CurrentlyExecuting describes an execution running on this instance.
type CurrentlyExecuting struct {
	Execution store.Execution
	StartedAt time.Time
}

// running tracks the latest known row of a claimed execution. The heartbeat
// goroutine is the only writer while the handler runs.
type running struct {
	mu        sync.Mutex
	exec      store.Execution
	startedAt time.Time
	lost      bool
}

func (r *running) snapshot() (store.Execution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec, r.lost
}

func (s *Scheduler) track(e store.Execution) *running {
	r := &running{exec: e, startedAt: s.clock.Now()}
	s.execMu.Lock()
	s.executing[e.ID] = r
	s.execMu.Unlock()
	s.metrics.executing.Inc()
	return r
}

func (s *Scheduler) untrack(id store.ID) {
	s.execMu.Lock()
	delete(s.executing, id)
	s.execMu.Unlock()
	s.metrics.executing.Dec()
}

// execute runs one claimed execution to completion. It owns the pool permit
// the poller acquired.
func (s *Scheduler) execute(claimed store.Execution) {
	logger := s.logger.With("task", claimed.TaskName, "instance", claimed.InstanceID)

	r := s.track(claimed)
	defer s.untrack(claimed.ID)

	t, ok := s.registry.Lookup(claimed.TaskName)
	if !ok {
		s.completeUnresolved(claimed, logger)
		return
	}

	handlerCtx, cancel := context.WithCancelCause(s.execCtx)
	defer cancel(nil)

	stopHeartbeat := s.startHeartbeat(handlerCtx, cancel, r, logger)

	inst := task.NewInstance(claimed.TaskName, claimed.InstanceID, claimed.TaskData)
	ec := task.ExecutionContext{Execution: claimed, SchedulerName: s.name, Client: s}

	started := time.Now()
	err := runHandler(handlerCtx, t.Handler, inst, ec)
	s.metrics.duration.WithLabelValues(t.Name).Observe(time.Since(started).Seconds())

	stopHeartbeat()

	current, lost := r.snapshot()
	if lost {
		logger.Warn("execution was reclaimed while running, result discarded", "error", err)
		s.metrics.executions.WithLabelValues(t.Name, resultLost).Inc()
		return
	}

	if err != nil && errors.Is(context.Cause(s.execCtx), errShutdownAbandoned) {
		logger.Warn("execution abandoned by stop, left for dead execution detection", "error", err)
		s.metrics.executions.WithLabelValues(t.Name, resultAbandoned).Inc()
		return
	}

	if err != nil {
		logger.Warn("execution failed", "error", err, "consecutive_failures", current.ConsecutiveFailures+1)
		s.onFailure(t, current, err, logger)
		return
	}

	logger.Debug("execution succeeded", "duration", time.Since(started))
	s.onSuccess(t, current, logger)
}

// runHandler invokes h and converts a panic into a *shared.HandlerError.
func runHandler(ctx context.Context, h task.Handler, inst task.Instance, ec task.ExecutionContext) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &shared.HandlerError{
				TaskName:   inst.TaskName,
				InstanceID: inst.ID,
				Err:        fmt.Errorf("%v", rec),
				Panic:      true,
			}
		}
	}()

	if herr := h.Execute(ctx, inst, ec); herr != nil {
		return &shared.HandlerError{TaskName: inst.TaskName, InstanceID: inst.ID, Err: herr}
	}
	return nil
}

// startHeartbeat refreshes the heartbeat every HeartbeatInterval until the
// returned stop func is called or ctx is done. stop waits for an in-flight
// store call, so the version read afterwards is the one the store holds.
func (s *Scheduler) startHeartbeat(ctx context.Context, cancelHandler context.CancelCauseFunc, r *running, logger *slog.Logger) (stop func()) {
	stopCh := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			current, _ := r.snapshot()
			updated, err := s.heartbeat(current)

			r.mu.Lock()
			switch {
			case err == nil:
				r.exec = updated
			case shared.IsVersionMismatch(err):
				r.lost = true
			}
			r.mu.Unlock()

			switch {
			case err == nil:
			case shared.IsVersionMismatch(err):
				logger.Warn("heartbeat lost ownership, cancelling handler")
				cancelHandler(errOwnershipLost)
				return
			default:
				s.metrics.storeError(activityHeartbeat)
				logger.Warn("heartbeat failed, retrying on next tick", "error", err)
			}
		}
	}()

	return func() {
		close(stopCh)
		<-done
	}
}

// heartbeat writes one heartbeat. It is detached from the handler context:
// a write that commits must be seen by the caller, or completion would use
// a stale version.
func (s *Scheduler) heartbeat(e store.Execution) (store.Execution, error) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	return s.store.Heartbeat(ctx, e.ID, e.Version, s.clock.Now())
}

func (s *Scheduler) onSuccess(t task.Task, e store.Execution, logger *slog.Logger) {
	now := s.clock.Now()
	var next *time.Time
	if t.Recurring() {
		if n, ok := t.Schedule.Next(now, e.ExecutionTime); ok {
			next = &n
		} else {
			logger.Info("recurring task schedule ended, removing execution")
		}
	}
	if s.complete(e, store.OutcomeSucceeded, next, now, logger) {
		s.metrics.executions.WithLabelValues(t.Name, resultSucceeded).Inc()
	}
}

func (s *Scheduler) onFailure(t task.Task, e store.Execution, cause error, logger *slog.Logger) {
	now := s.clock.Now()
	decision := t.FailurePolicy.OnFailure(task.Failure{Execution: e, Err: cause, Now: now})

	var next *time.Time
	switch decision.Action {
	case task.ActionRetry:
		next = &decision.RetryAt
	case task.ActionReschedule:
		if t.Recurring() {
			if n, ok := t.Schedule.Next(now, e.ExecutionTime); ok {
				next = &n
			}
		}
	case task.ActionRemove:
	default:
		logger.Error("unknown failure action, removing execution", "action", decision.Action)
	}

	if next != nil {
		logger.Info("execution rescheduled after failure", "action", decision.Action, "next", *next)
	} else {
		logger.Info("execution removed after failure", "action", decision.Action)
	}
	if s.complete(e, store.OutcomeFailed, next, now, logger) {
		s.metrics.executions.WithLabelValues(t.Name, resultFailed).Inc()
	}
}

// completeUnresolved handles executions of tasks not registered here: they
// are pushed back so an instance that knows the task can run them, and
// eventually dropped.
func (s *Scheduler) completeUnresolved(e store.Execution, logger *slog.Logger) {
	now := s.clock.Now()
	var next *time.Time
	if e.ConsecutiveFailures+1 <= s.cfg.MaxUnresolvedFailures {
		n := now.Add(s.cfg.UnresolvedDelay)
		next = &n
	}
	logger.Warn("no handler for execution", "error", shared.ErrUnknownTask,
		"consecutive_failures", e.ConsecutiveFailures+1, "removed", next == nil)

	if s.complete(e, store.OutcomeFailed, next, now, logger) {
		s.metrics.executions.WithLabelValues(e.TaskName, resultUnresolved).Inc()
	}
}

// complete writes the final state. It reports whether the write succeeded.
func (s *Scheduler) complete(e store.Execution, outcome store.Outcome, next *time.Time, now time.Time, logger *slog.Logger) bool {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	err := s.store.Complete(ctx, e.ID, e.Version, outcome, next, now)
	switch {
	case err == nil:
		return true
	case errors.Is(err, shared.ErrVersionMismatch):
		logger.Warn("execution changed while running, completion skipped", "error", err)
		s.metrics.executions.WithLabelValues(e.TaskName, resultLost).Inc()
	default:
		s.metrics.storeError(activityComplete)
		logger.Error("failed to complete execution, it will be recovered as dead", "error", err, "kind", shared.KindOf(err))
	}
	return false
}
