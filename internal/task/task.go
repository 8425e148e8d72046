// Package task defines what the scheduler runs: task definitions, their
// handlers, and the policies applied when an execution fails or dies.
package task

import (
	"context"
	"fmt"
	"time"

	"github.com/jdluna/db-scheduler/internal/schedule"
	"github.com/jdluna/db-scheduler/internal/store"
)

// DefaultRecurringInstance is the instance id of the single execution a
// recurring task keeps in the store.
const DefaultRecurringInstance = "recurring"

// Instance is one schedulable unit of a task.
type Instance struct {
	TaskName string
	ID       string
	Data     []byte
}

// NewInstance returns an instance of task name with id and optional data.
func NewInstance(name, id string, data []byte) Instance {
	return Instance{TaskName: name, ID: id, Data: data}
}

// ExecutionID returns the store identity of the instance.
func (i Instance) ExecutionID() store.ID {
	return store.ID{TaskName: i.TaskName, InstanceID: i.ID}
}

// Client lets handlers schedule follow-up work through the running scheduler.
type Client interface {
	Schedule(ctx context.Context, inst Instance, when time.Time) error
	ScheduleIfNotExists(ctx context.Context, inst Instance, when time.Time) (bool, error)
	Reschedule(ctx context.Context, id store.ID, when time.Time) error
	Cancel(ctx context.Context, id store.ID) error
}

// ExecutionContext carries what a handler may want to know about the run.
type ExecutionContext struct {
	// Execution is the claimed row as read when the run started.
	Execution store.Execution
	// SchedulerName identifies the instance running the handler.
	SchedulerName string
	// Client is the scheduler running the handler.
	Client Client
}

// Handler runs one execution. A returned error or a panic counts as a
// failure. The context is cancelled when the scheduler loses ownership of
// the execution.
type Handler interface {
	Execute(ctx context.Context, inst Instance, ec ExecutionContext) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, inst Instance, ec ExecutionContext) error

func (f HandlerFunc) Execute(ctx context.Context, inst Instance, ec ExecutionContext) error {
	return f(ctx, inst, ec)
}

// Task is a registered task definition. A nil Schedule makes it one-time.
type Task struct {
	Name                string
	Handler             Handler
	Schedule            schedule.Schedule
	FailurePolicy       FailurePolicy
	DeadExecutionPolicy DeadExecutionPolicy
	// InitialData is stored with the first execution of a recurring task.
	InitialData []byte
	// InstanceID is the instance id of a recurring task's execution.
	InstanceID string
}

// Recurring reports whether the task reschedules itself.
func (t Task) Recurring() bool {
	return t.Schedule != nil
}

// Instance returns an instance of the task.
func (t Task) Instance(id string, data []byte) Instance {
	return NewInstance(t.Name, id, data)
}

// Validate checks the definition is usable.
func (t Task) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("task name is empty")
	}
	if t.Handler == nil {
		return fmt.Errorf("task %q has no handler", t.Name)
	}
	if t.Recurring() && t.InstanceID == "" {
		return fmt.Errorf("recurring task %q has no instance id", t.Name)
	}
	return nil
}

// Option configures a Task.
type Option func(*Task)

// WithFailurePolicy replaces the default ExponentialBackoff policy.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(t *Task) { t.FailurePolicy = p }
}

// WithDeadExecutionPolicy replaces the default ReviveDeadExecution policy.
func WithDeadExecutionPolicy(p DeadExecutionPolicy) Option {
	return func(t *Task) { t.DeadExecutionPolicy = p }
}

// WithInitialData sets the data of a recurring task's first execution.
func WithInitialData(data []byte) Option {
	return func(t *Task) { t.InitialData = data }
}

// WithInstanceID overrides DefaultRecurringInstance.
func WithInstanceID(id string) Option {
	return func(t *Task) { t.InstanceID = id }
}

// NewOneTime defines a task whose executions are scheduled explicitly and
// deleted once they succeed.
func NewOneTime(name string, h Handler, opts ...Option) Task {
	t := Task{
		Name:                name,
		Handler:             h,
		FailurePolicy:       DefaultExponentialBackoff(),
		DeadExecutionPolicy: ReviveDeadExecution(),
	}
	for _, opt := range opts {
		opt(&t)
	}
	return t
}

// NewRecurring defines a task that keeps a single execution alive and moves
// it along s after every run.
func NewRecurring(name string, s schedule.Schedule, h Handler, opts ...Option) Task {
	t := Task{
		Name:                name,
		Handler:             h,
		Schedule:            s,
		FailurePolicy:       DefaultExponentialBackoff(),
		DeadExecutionPolicy: ReviveDeadExecution(),
		InstanceID:          DefaultRecurringInstance,
	}
	for _, opt := range opts {
		opt(&t)
	}
	return t
}
