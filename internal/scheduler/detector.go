package scheduler

import (
	"context"
	"fmt"

	"github.com/jdluna/db-scheduler/internal/shared"
	"github.com/jdluna/db-scheduler/internal/task"
)

// detectDead releases or removes executions whose heartbeat is older than
// DeadExecutionThreshold. Losing a race to another detector is skipped.
func (s *Scheduler) detectDead(ctx context.Context) error {
	now := s.clock.Now()
	dead, err := s.store.FindDead(ctx, s.cfg.DeadExecutionThreshold, now)
	if err != nil {
		if shared.IsCanceled(err) {
			return nil
		}
		s.metrics.storeError(activityDetect)
		return fmt.Errorf("find dead executions: %w", err)
	}

	for _, e := range dead {
		policy := task.ReviveDeadExecution()
		if t, ok := s.registry.Lookup(e.TaskName); ok {
			policy = t.DeadExecutionPolicy
		}
		decision := policy.OnDead(e, now)

		logger := s.logger.With("task", e.TaskName, "instance", e.InstanceID)
		if decision.Remove {
			err = s.store.RemoveDead(ctx, e.ID, e.Version)
		} else {
			err = s.store.ReclaimDead(ctx, e.ID, e.Version, decision.ExecutionTime, now)
		}

		switch {
		case err == nil:
			s.metrics.dead.WithLabelValues(e.TaskName).Inc()
			logger.Warn("dead execution recovered",
				"picked_by", e.PickedBy,
				"last_heartbeat", e.LastHeartbeat,
				"removed", decision.Remove,
				"execution_time", decision.ExecutionTime)
		case shared.IsVersionMismatch(err):
			logger.Debug("dead execution already handled elsewhere")
		case shared.IsCanceled(err):
			return nil
		default:
			s.metrics.storeError(activityDetect)
			return fmt.Errorf("recover dead execution %s: %w", e.ID, err)
		}
	}

	if len(dead) > 0 {
		s.logger.Info("dead execution scan finished", "found", len(dead))
	}
	return nil
}
