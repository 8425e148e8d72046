package app

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/jdluna/db-scheduler/internal/config"
	"github.com/jdluna/db-scheduler/internal/schedule"
	"github.com/jdluna/db-scheduler/internal/task"
)

const (
	HourlyTask  = "my-hourly-task"
	OneTimeTask = "my-onetime-task"
	TypedTask   = "my-typed-adhoc-task"

	demoInstance = "1001"
	demoDelay    = 5 * time.Second
)

// TypedTaskData is the payload of TypedTask executions.
type TypedTaskData struct {
	ID      int    `json:"id"`
	Message string `json:"message"`
}

// buildRegistry registers the built-in tasks and one logging task per
// RECURRING_TASKS entry. An entry named like a built-in recurring task
// replaces its schedule.
func buildRegistry(cfg config.Config, log *slog.Logger) (*task.Registry, error) {
	failure := task.ExponentialBackoff(cfg.Retry.MaxRetries, cfg.Retry.InitialDelay, cfg.Retry.MaxDelay, cfg.Retry.Multiplier)

	recurring := map[string]schedule.Schedule{HourlyTask: schedule.FixedDelay(time.Hour)}
	maps.Copy(recurring, cfg.RecurringTasks)

	tasks := []task.Task{
		task.NewOneTime(OneTimeTask, logHandler(log), task.WithFailurePolicy(failure)),
		task.NewOneTime(TypedTask, task.JSON(func(ctx context.Context, inst task.Instance, data TypedTaskData, ec task.ExecutionContext) error {
			log.Info("typed task executed",
				slog.String("instance", inst.ID),
				slog.Int("id", data.ID),
				slog.String("message", data.Message),
				slog.String("scheduler", ec.SchedulerName),
			)
			return nil
		}), task.WithFailurePolicy(failure)),
	}
	for _, name := range slices.Sorted(maps.Keys(recurring)) {
		if name == OneTimeTask || name == TypedTask {
			return nil, fmt.Errorf("recurring task %q clashes with a one-time task", name)
		}
		tasks = append(tasks, task.NewRecurring(name, recurring[name], logHandler(log), task.WithFailurePolicy(failure)))
	}
	return task.NewRegistry(tasks...)
}

func logHandler(log *slog.Logger) task.Handler {
	return task.HandlerFunc(func(ctx context.Context, inst task.Instance, ec task.ExecutionContext) error {
		log.Info("task executed",
			slog.String("task", inst.TaskName),
			slog.String("instance", inst.ID),
			slog.Time("scheduled_for", ec.Execution.ExecutionTime),
		)
		return nil
	})
}

// scheduleDemo queues the sample executions started by SCHEDULER_DEMO.
func scheduleDemo(ctx context.Context, c task.Client, now time.Time) error {
	if _, err := c.ScheduleIfNotExists(ctx, task.NewInstance(OneTimeTask, demoInstance, nil), now.Add(demoDelay)); err != nil {
		return fmt.Errorf("schedule %s/%s: %w", OneTimeTask, demoInstance, err)
	}
	inst, err := task.JSONInstance(TypedTask, demoInstance, TypedTaskData{ID: 1001, Message: "hello"})
	if err != nil {
		return err
	}
	if _, err := c.ScheduleIfNotExists(ctx, inst, now.Add(demoDelay)); err != nil {
		return fmt.Errorf("schedule %s/%s: %w", TypedTask, demoInstance, err)
	}
	return nil
}
