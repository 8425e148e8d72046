package task_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdluna/db-scheduler/internal/schedule"
	"github.com/jdluna/db-scheduler/internal/shared"
	"github.com/jdluna/db-scheduler/internal/store"
	"github.com/jdluna/db-scheduler/internal/task"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func noop(context.Context, task.Instance, task.ExecutionContext) error { return nil }

func TestConstructorsApplyDefaults(t *testing.T) {
	t.Parallel()

	once := task.NewOneTime("reminder", task.HandlerFunc(noop))
	assert.False(t, once.Recurring())
	assert.NotNil(t, once.FailurePolicy)
	assert.NotNil(t, once.DeadExecutionPolicy)
	assert.Empty(t, once.InstanceID)

	rec := task.NewRecurring("heartbeat-job", schedule.FixedDelay(time.Minute), task.HandlerFunc(noop),
		task.WithInitialData([]byte("x")),
		task.WithFailurePolicy(task.RemoveOnFailure()),
	)
	assert.True(t, rec.Recurring())
	assert.Equal(t, task.DefaultRecurringInstance, rec.InstanceID)
	assert.Equal(t, []byte("x"), rec.InitialData)
	assert.Equal(t, task.ActionRemove, rec.FailurePolicy.OnFailure(task.Failure{}).Action)

	custom := task.NewRecurring("r", schedule.FixedDelay(time.Minute), task.HandlerFunc(noop), task.WithInstanceID("main"))
	assert.Equal(t, "main", custom.InstanceID)

	inst := once.Instance("42", []byte("d"))
	assert.Equal(t, store.ID{TaskName: "reminder", InstanceID: "42"}, inst.ExecutionID())
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	a := task.NewOneTime("a", task.HandlerFunc(noop))
	b := task.NewRecurring("b", schedule.FixedDelay(time.Minute), task.HandlerFunc(noop))
	c := task.NewRecurring("c", schedule.FixedDelay(time.Hour), task.HandlerFunc(noop))

	r, err := task.NewRegistry(c, a, b)
	require.NoError(t, err)

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []string{"a", "b", "c"}, r.Names())

	got, ok := r.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "a", got.Name)

	_, ok = r.Lookup("missing")
	assert.False(t, ok)

	_, err = r.MustLookup("missing")
	assert.ErrorIs(t, err, shared.ErrUnknownTask)

	recurring := r.Recurring()
	require.Len(t, recurring, 2)
	assert.Equal(t, "b", recurring[0].Name)
	assert.Equal(t, "c", recurring[1].Name)
}

func TestRegistryRejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		tasks []task.Task
	}{
		{"duplicate", []task.Task{task.NewOneTime("a", task.HandlerFunc(noop)), task.NewOneTime("a", task.HandlerFunc(noop))}},
		{"empty name", []task.Task{task.NewOneTime("", task.HandlerFunc(noop))}},
		{"no handler", []task.Task{task.NewOneTime("a", nil)}},
		{"no instance", []task.Task{task.NewRecurring("r", schedule.FixedDelay(time.Minute), task.HandlerFunc(noop), task.WithInstanceID(""))}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := task.NewRegistry(tt.tasks...)
			assert.ErrorIs(t, err, shared.ErrValidation)
		})
	}
}

func TestRegistryFillsMissingPolicies(t *testing.T) {
	t.Parallel()

	r, err := task.NewRegistry(task.Task{Name: "bare", Handler: task.HandlerFunc(noop)})
	require.NoError(t, err)

	got, _ := r.Lookup("bare")
	assert.NotNil(t, got.FailurePolicy)
	assert.NotNil(t, got.DeadExecutionPolicy)
}

func TestJSONHandler(t *testing.T) {
	t.Parallel()

	type payload struct {
		UserID int    `json:"user_id"`
		Text   string `json:"text"`
	}

	var got payload
	h := task.JSON(func(_ context.Context, _ task.Instance, p payload, _ task.ExecutionContext) error {
		got = p
		return nil
	})

	inst, err := task.JSONInstance("reminder", "42", payload{UserID: 7, Text: "hi"})
	require.NoError(t, err)
	require.NoError(t, h.Execute(context.Background(), inst, task.ExecutionContext{}))
	assert.Equal(t, payload{UserID: 7, Text: "hi"}, got)

	bad := task.NewInstance("reminder", "43", []byte("{not json"))
	err = h.Execute(context.Background(), bad, task.ExecutionContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reminder/43")

	got = payload{}
	require.NoError(t, h.Execute(context.Background(), task.NewInstance("reminder", "44", nil), task.ExecutionContext{}))
	assert.Equal(t, payload{}, got)

	data, err := task.MarshalData(nil)
	require.NoError(t, err)
	assert.Nil(t, data)

	_, err = task.MarshalData(make(chan int))
	assert.Error(t, err)
}

func TestHandlerFuncPassesThroughError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	h := task.HandlerFunc(func(context.Context, task.Instance, task.ExecutionContext) error { return boom })
	assert.ErrorIs(t, h.Execute(context.Background(), task.Instance{}, task.ExecutionContext{}), boom)
}
