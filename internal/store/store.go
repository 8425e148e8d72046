// Package store defines the persistent execution model shared by every
// scheduler instance and the contract execution stores implement.
//
// All mutations are single-row compare-and-swap updates on Execution.Version.
// A store never takes a table-wide lock and never updates more than one row
// in a statement, so any number of scheduler processes can share it.
package store

import (
	"context"
	"fmt"
	"time"
)

// TableName is the table every store implementation manages.
const TableName = "scheduled_tasks"

// ID identifies an execution. It is unique while the row exists.
type ID struct {
	TaskName   string
	InstanceID string
}

func (id ID) String() string {
	return id.TaskName + "/" + id.InstanceID
}

// Validate reports whether both parts of the id are set.
func (id ID) Validate() error {
	if id.TaskName == "" {
		return fmt.Errorf("empty task name")
	}
	if id.InstanceID == "" {
		return fmt.Errorf("empty instance id for task %q", id.TaskName)
	}
	return nil
}

// Execution is one persisted (task instance, due time) row.
type Execution struct {
	ID
	ExecutionTime time.Time
	TaskData      []byte

	Picked        bool
	PickedBy      string
	LastHeartbeat *time.Time

	ConsecutiveFailures int
	LastSuccess         *time.Time
	LastFailure         *time.Time

	Version int64
}

// New returns an unpicked execution due at executionTime.
func New(id ID, executionTime time.Time, data []byte) Execution {
	return Execution{
		ID:            id,
		ExecutionTime: executionTime,
		TaskData:      data,
	}
}

// Due reports whether the execution is eligible for polling at now.
func (e Execution) Due(now time.Time) bool {
	return !e.Picked && !e.ExecutionTime.After(now)
}

// Outcome is the result of an execution attempt recorded by Complete.
type Outcome int

const (
	OutcomeSucceeded Outcome = iota + 1
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ListFilter narrows List results. Zero values mean "no filter".
type ListFilter struct {
	TaskName string
	// Picked filters on the claim state when set.
	Picked *bool
	Limit  int
}

// Store is the durable execution store.
//
// Every method taking expectedVersion is a compare-and-swap: it succeeds only
// if the row still carries that version and bumps it by one. A mismatch is
// reported as shared.ErrVersionMismatch (shared.ErrClaimFailed for Claim) and
// leaves the row untouched. Transient I/O failures wrap
// shared.ErrStoreUnavailable.
type Store interface {
	// Insert creates an unpicked execution. shared.ErrDuplicateKey if the id
	// already exists; the existing row is not modified.
	Insert(ctx context.Context, e Execution) error

	// FetchDue returns up to limit executions with picked = false and
	// execution_time <= now, oldest first, ties broken by insertion order.
	FetchDue(ctx context.Context, now time.Time, limit int) ([]Execution, error)

	// Claim marks the execution picked by owner with last_heartbeat = now.
	Claim(ctx context.Context, id ID, expectedVersion int64, owner string, now time.Time) (Execution, error)

	// Heartbeat refreshes last_heartbeat of a picked execution.
	Heartbeat(ctx context.Context, id ID, expectedVersion int64, now time.Time) (Execution, error)

	// Complete finalizes a picked execution. A nil next deletes the row,
	// otherwise the row is released with execution_time = *next.
	Complete(ctx context.Context, id ID, expectedVersion int64, outcome Outcome, next *time.Time, now time.Time) error

	// FindDead returns picked executions whose last heartbeat is strictly
	// older than now - threshold.
	FindDead(ctx context.Context, threshold time.Duration, now time.Time) ([]Execution, error)

	// ReclaimDead releases a dead execution, counting it as a failure, and
	// sets execution_time to executionTime.
	ReclaimDead(ctx context.Context, id ID, expectedVersion int64, executionTime time.Time, now time.Time) error

	// RemoveDead deletes a dead execution instead of releasing it.
	RemoveDead(ctx context.Context, id ID, expectedVersion int64) error

	// Get returns the execution or shared.ErrNotFound.
	Get(ctx context.Context, id ID) (Execution, error)

	// Reschedule moves an unpicked execution to when, replacing its data if
	// data is non-nil. shared.ErrExecutionPicked while it runs.
	Reschedule(ctx context.Context, id ID, expectedVersion int64, when time.Time, data []byte) error

	// Delete removes an unpicked execution. shared.ErrExecutionPicked while
	// it runs.
	Delete(ctx context.Context, id ID, expectedVersion int64) error

	// List returns executions ordered by execution_time.
	List(ctx context.Context, filter ListFilter) ([]Execution, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// VerifySchema returns shared.ErrStoreSchema when the table is missing
	// or lacks expected columns.
	VerifySchema(ctx context.Context) error
}
