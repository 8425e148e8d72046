package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookup(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestFromEnvDefaults(t *testing.T) {
	c, err := FromEnv(lookup(nil))
	require.NoError(t, err)

	assert.Equal(t, "prod", c.Env)
	assert.Equal(t, "sqlite", c.DB.Driver)
	assert.Equal(t, "data/scheduler.db", c.DB.SQLitePath)
	assert.Equal(t, 10, c.Scheduler.Threads)
	assert.Equal(t, 10*time.Second, c.Scheduler.PollInterval)
	assert.Equal(t, 5*time.Minute, c.Scheduler.HeartbeatInterval)
	assert.Zero(t, c.Scheduler.DeadExecutionThreshold)
	assert.Equal(t, 3, c.Retry.MaxRetries)
	assert.Equal(t, 2.0, c.Retry.Multiplier)
	assert.Empty(t, c.RecurringTasks)
	assert.Equal(t, ":8080", c.HTTP.Addr)
	assert.Equal(t, "info", c.Log.ConsoleLevel)
}

func TestFromEnvOverrides(t *testing.T) {
	c, err := FromEnv(lookup(map[string]string{
		"ENV":                                "dev",
		"DB_DRIVER":                          "Postgres",
		"DATABASE_URL":                       "postgres://u:p@localhost/sched",
		"SCHEDULER_NAME":                     "worker-1",
		"SCHEDULER_THREADS":                  "32",
		"SCHEDULER_POLL_INTERVAL":            "2s",
		"SCHEDULER_HEARTBEAT_INTERVAL":       "30s",
		"SCHEDULER_DEAD_EXECUTION_THRESHOLD": "2m",
		"SCHEDULER_IMMEDIATE_EXECUTION":      "true",
		"RETRY_MAX_RETRIES":                  "-1",
		"RETRY_MULTIPLIER":                   "1.5",
		"RECURRING_TASKS":                    "my-hourly-task=FIXED_DELAY|1h; nightly=0 3 * * *",
		"LOG_CONSOLE_LEVEL":                  "DEBUG",
	}))
	require.NoError(t, err)

	assert.Equal(t, "postgres", c.DB.Driver)
	assert.Equal(t, "worker-1", c.Scheduler.Name)
	assert.Equal(t, 32, c.Scheduler.Threads)
	assert.Equal(t, 2*time.Second, c.Scheduler.PollInterval)
	assert.Equal(t, 2*time.Minute, c.Scheduler.DeadExecutionThreshold)
	assert.True(t, c.Scheduler.ImmediateExecution)
	assert.Equal(t, -1, c.Retry.MaxRetries)
	assert.Equal(t, 1.5, c.Retry.Multiplier)
	assert.Len(t, c.RecurringTasks, 2)
	assert.Contains(t, c.RecurringTasks, "my-hourly-task")
	assert.Equal(t, "debug", c.Log.ConsoleLevel)
}

func TestFromEnvInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad env", map[string]string{"ENV": "staging"}},
		{"bad driver", map[string]string{"DB_DRIVER": "mysql"}},
		{"postgres without url", map[string]string{"DB_DRIVER": "postgres"}},
		{"bad duration", map[string]string{"SCHEDULER_POLL_INTERVAL": "often"}},
		{"bad threads", map[string]string{"SCHEDULER_THREADS": "0"}},
		{"bad bool", map[string]string{"SCHEDULER_IMMEDIATE_EXECUTION": "sometimes"}},
		{"threshold below heartbeat", map[string]string{"SCHEDULER_HEARTBEAT_INTERVAL": "1m", "SCHEDULER_DEAD_EXECUTION_THRESHOLD": "30s"}},
		{"max delay below initial", map[string]string{"RETRY_INITIAL_DELAY": "1m", "RETRY_MAX_DELAY": "10s"}},
		{"bad multiplier", map[string]string{"RETRY_MULTIPLIER": "0.5"}},
		{"bad recurring", map[string]string{"RECURRING_TASKS": "broken"}},
		{"bad log level", map[string]string{"LOG_FILE_LEVEL": "trace"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromEnv(lookup(tt.env))
			assert.Error(t, err)
		})
	}
}

func TestParseRecurringTasks(t *testing.T) {
	got, err := ParseRecurringTasks(" a=FIXED_DELAY|5m ;; b=DAILY|08:00 ")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = ParseRecurringTasks("a=FIXED_DELAY|5m;a=FIXED_DELAY|1m")
	assert.Error(t, err)

	_, err = ParseRecurringTasks("=FIXED_DELAY|5m")
	assert.Error(t, err)

	_, err = ParseRecurringTasks("a=nonsense")
	assert.Error(t, err)
}
