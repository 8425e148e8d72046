package task

import (
	"fmt"
	"slices"
	"sort"

	"github.com/jdluna/db-scheduler/internal/shared"
)

// Registry maps task names to definitions. It is immutable once built.
type Registry struct {
	tasks map[string]Task
	names []string
}

// NewRegistry validates tasks and indexes them by name.
func NewRegistry(tasks ...Task) (*Registry, error) {
	r := &Registry{tasks: make(map[string]Task, len(tasks))}
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", shared.ErrValidation, err)
		}
		if _, dup := r.tasks[t.Name]; dup {
			return nil, fmt.Errorf("%w: task %q registered twice", shared.ErrValidation, t.Name)
		}
		if t.FailurePolicy == nil {
			t.FailurePolicy = DefaultExponentialBackoff()
		}
		if t.DeadExecutionPolicy == nil {
			t.DeadExecutionPolicy = ReviveDeadExecution()
		}
		r.tasks[t.Name] = t
		r.names = append(r.names, t.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Lookup returns the task registered under name.
func (r *Registry) Lookup(name string) (Task, bool) {
	t, ok := r.tasks[name]
	return t, ok
}

// MustLookup is like Lookup but returns shared.ErrUnknownTask on a miss.
func (r *Registry) MustLookup(name string) (Task, error) {
	t, ok := r.tasks[name]
	if !ok {
		return Task{}, fmt.Errorf("%w: %q", shared.ErrUnknownTask, name)
	}
	return t, nil
}

// Recurring returns the recurring tasks in name order.
func (r *Registry) Recurring() []Task {
	var out []Task
	for _, name := range r.names {
		if t := r.tasks[name]; t.Recurring() {
			out = append(out, t)
		}
	}
	return out
}

// Names returns every registered name in order.
func (r *Registry) Names() []string {
	return slices.Clone(r.names)
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	return len(r.tasks)
}
