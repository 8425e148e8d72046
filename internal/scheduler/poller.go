package scheduler

import (
	"context"
	"fmt"

	"github.com/jdluna/db-scheduler/internal/shared"
)

// poll runs one poll cycle: fetch as many due executions as there are free
// slots, claim each and hand the winners to the pool. A lost claim race is
// not an error.
func (s *Scheduler) poll(ctx context.Context) error {
	if !s.acceptingWork() {
		return nil
	}

	capacity := s.pool.freeSlots()
	if capacity == 0 {
		s.logger.Debug("poll skipped, no free slots")
		return nil
	}

	now := s.clock.Now()
	due, err := s.store.FetchDue(ctx, now, capacity)
	if err != nil {
		if shared.IsCanceled(err) {
			return nil
		}
		s.metrics.storeError(activityPoll)
		return fmt.Errorf("fetch due executions: %w", err)
	}

	var claimed, lost int
	for _, e := range due {
		if !s.acceptingWork() || !s.pool.tryAcquire() {
			break
		}

		// a claim that commits while ctx is cancelled is reported as an
		// error; the row then waits for dead execution detection
		c, err := s.store.Claim(ctx, e.ID, e.Version, s.name, now)
		if err != nil {
			s.pool.release()
			if shared.IsVersionMismatch(err) {
				lost++
				s.metrics.claims.WithLabelValues("lost").Inc()
				s.logger.Debug("claim lost to another instance", "task", e.TaskName, "instance", e.InstanceID)
				continue
			}
			if shared.IsCanceled(err) {
				return nil
			}
			s.metrics.claims.WithLabelValues("error").Inc()
			s.metrics.storeError(activityClaim)
			return fmt.Errorf("claim %s: %w", e.ID, err)
		}

		claimed++
		s.metrics.claims.WithLabelValues("claimed").Inc()
		s.pool.run(func() { s.execute(c) })
	}

	s.logger.Debug("poll finished", "due", len(due), "claimed", claimed, "lost", lost, "capacity", capacity)

	// a full batch means more rows are probably waiting
	if claimed > 0 && claimed == capacity {
		s.TriggerCheckForDueExecutions()
	}
	return nil
}
