package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdluna/db-scheduler/internal/config"
	"github.com/jdluna/db-scheduler/internal/schedule"
	"github.com/jdluna/db-scheduler/internal/store"
	"github.com/jdluna/db-scheduler/internal/task"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig(t *testing.T, env map[string]string) config.Config {
	t.Helper()
	cfg, err := config.FromEnv(func(k string) string { return env[k] })
	require.NoError(t, err)
	return cfg
}

func TestBuildRegistry(t *testing.T) {
	cfg := testConfig(t, map[string]string{"RECURRING_TASKS": "nightly-report=0 3 * * *"})

	reg, err := buildRegistry(cfg, discard)
	require.NoError(t, err)
	assert.Equal(t, []string{HourlyTask, OneTimeTask, TypedTask, "nightly-report"}, reg.Names())

	recurring := reg.Recurring()
	require.Len(t, recurring, 2)
	assert.Equal(t, HourlyTask, recurring[0].Name)
	assert.Equal(t, "FIXED_DELAY|1h0m0s", fmt.Sprint(recurring[0].Schedule))

	one, ok := reg.Lookup(OneTimeTask)
	require.True(t, ok)
	assert.False(t, one.Recurring())
}

func TestBuildRegistryOverridesBuiltinSchedule(t *testing.T) {
	cfg := testConfig(t, nil)
	cfg.RecurringTasks = map[string]schedule.Schedule{HourlyTask: schedule.FixedDelay(5 * time.Minute)}

	reg, err := buildRegistry(cfg, discard)
	require.NoError(t, err)
	hourly, ok := reg.Lookup(HourlyTask)
	require.True(t, ok)
	assert.Equal(t, "FIXED_DELAY|5m0s", fmt.Sprint(hourly.Schedule))
}

func TestBuildRegistryRejectsClash(t *testing.T) {
	cfg := testConfig(t, nil)
	cfg.RecurringTasks = map[string]schedule.Schedule{OneTimeTask: schedule.FixedDelay(time.Minute)}

	_, err := buildRegistry(cfg, discard)
	assert.Error(t, err)
}

func TestTypedTaskHandler(t *testing.T) {
	reg, err := buildRegistry(testConfig(t, nil), discard)
	require.NoError(t, err)
	typed, ok := reg.Lookup(TypedTask)
	require.True(t, ok)

	inst, err := task.JSONInstance(TypedTask, "1", TypedTaskData{ID: 1, Message: "hi"})
	require.NoError(t, err)
	assert.NoError(t, typed.Handler.Execute(context.Background(), inst, task.ExecutionContext{}))

	bad := task.NewInstance(TypedTask, "2", []byte("{not json"))
	assert.Error(t, typed.Handler.Execute(context.Background(), bad, task.ExecutionContext{}))
}

type recordingClient struct {
	task.Client
	scheduled map[store.ID]time.Time
	data      map[store.ID][]byte
}

func (c *recordingClient) ScheduleIfNotExists(_ context.Context, inst task.Instance, when time.Time) (bool, error) {
	if _, ok := c.scheduled[inst.ExecutionID()]; ok {
		return false, nil
	}
	c.scheduled[inst.ExecutionID()] = when
	c.data[inst.ExecutionID()] = inst.Data
	return true, nil
}

func TestScheduleDemo(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &recordingClient{scheduled: map[store.ID]time.Time{}, data: map[store.ID][]byte{}}

	require.NoError(t, scheduleDemo(context.Background(), c, now))
	require.NoError(t, scheduleDemo(context.Background(), c, now.Add(time.Hour)))

	oneTime := store.ID{TaskName: OneTimeTask, InstanceID: demoInstance}
	typed := store.ID{TaskName: TypedTask, InstanceID: demoInstance}
	assert.Equal(t, now.Add(demoDelay), c.scheduled[oneTime])
	assert.Equal(t, now.Add(demoDelay), c.scheduled[typed])
	assert.JSONEq(t, `{"id":1001,"message":"hello"}`, string(c.data[typed]))
}

func TestOpenStoreSQLite(t *testing.T) {
	cfg := testConfig(t, map[string]string{"SQLITE_PATH": filepath.Join(t.TempDir(), "nested", "scheduler.db")})

	st, closeStore, err := openStore(context.Background(), cfg, discard)
	require.NoError(t, err)
	defer closeStore()

	ctx := context.Background()
	require.NoError(t, st.VerifySchema(ctx))
	require.NoError(t, st.Ping(ctx))
}

func TestOpenStoreRejectsBadPostgresURL(t *testing.T) {
	cfg := testConfig(t, map[string]string{"DB_DRIVER": "postgres", "DATABASE_URL": "host=localhost dbname=jobs"})

	_, _, err := openStore(context.Background(), cfg, discard)
	assert.ErrorContains(t, err, "DATABASE_URL")
}
