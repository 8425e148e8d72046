package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/jdluna/db-scheduler/internal/schedule"
)

// Config holds application configuration values.
type Config struct {
	Env string `validate:"required,oneof=dev prod"`
	DB  struct {
		Driver     string `validate:"required,oneof=sqlite postgres"`
		SQLitePath string `validate:"required_if=Driver sqlite"`
		URL        string `validate:"required_if=Driver postgres"`
	}
	Scheduler struct {
		Name                      string
		Threads                   int           `validate:"gte=1,lte=1000"`
		PollInterval              time.Duration `validate:"gt=0"`
		HeartbeatInterval         time.Duration `validate:"gt=0"`
		DeadExecutionThreshold    time.Duration `validate:"gte=0"`
		DeadExecutionScanInterval time.Duration `validate:"gte=0"`
		ShutdownTimeout           time.Duration `validate:"gt=0"`
		ImmediateExecution        bool
		Demo                      bool
	}
	Retry struct {
		MaxRetries   int           `validate:"gte=-1"`
		InitialDelay time.Duration `validate:"gt=0"`
		MaxDelay     time.Duration `validate:"gtefield=InitialDelay"`
		Multiplier   float64       `validate:"gte=1"`
	}
	// RecurringTasks maps task names to schedules parsed from RECURRING_TASKS.
	RecurringTasks map[string]schedule.Schedule
	HTTP           struct {
		Addr string
	}
	Log struct {
		ConsoleLevel string `validate:"required,oneof=debug info warn error"`
		FileLevel    string `validate:"required,oneof=debug info warn error"`
		File         string
	}
}

var validate = validator.New()

// Load reads configuration from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds and validates a Config from lookup.
func FromEnv(lookup func(string) string) (Config, error) {
	env := func(k, def string) string {
		if v := strings.TrimSpace(lookup(k)); v != "" {
			return v
		}
		return def
	}

	var (
		c    Config
		errs []error
	)
	duration := func(k string, def time.Duration) time.Duration {
		v := env(k, "")
		if v == "" {
			return def
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
		}
		return d
	}
	integer := func(k string, def int) int {
		v := env(k, "")
		if v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
		}
		return n
	}
	boolean := func(k string, def bool) bool {
		v := env(k, "")
		if v == "" {
			return def
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
		}
		return b
	}

	c.Env = env("ENV", "prod")

	c.DB.Driver = strings.ToLower(env("DB_DRIVER", "sqlite"))
	c.DB.SQLitePath = env("SQLITE_PATH", "data/scheduler.db")
	c.DB.URL = env("DATABASE_URL", "")

	c.Scheduler.Name = env("SCHEDULER_NAME", "")
	c.Scheduler.Threads = integer("SCHEDULER_THREADS", 10)
	c.Scheduler.PollInterval = duration("SCHEDULER_POLL_INTERVAL", 10*time.Second)
	c.Scheduler.HeartbeatInterval = duration("SCHEDULER_HEARTBEAT_INTERVAL", 5*time.Minute)
	c.Scheduler.DeadExecutionThreshold = duration("SCHEDULER_DEAD_EXECUTION_THRESHOLD", 0)
	c.Scheduler.DeadExecutionScanInterval = duration("SCHEDULER_DEAD_EXECUTION_SCAN_INTERVAL", 0)
	c.Scheduler.ShutdownTimeout = duration("SCHEDULER_SHUTDOWN_TIMEOUT", 30*time.Second)
	c.Scheduler.ImmediateExecution = boolean("SCHEDULER_IMMEDIATE_EXECUTION", false)
	c.Scheduler.Demo = boolean("SCHEDULER_DEMO", false)

	c.Retry.MaxRetries = integer("RETRY_MAX_RETRIES", 3)
	c.Retry.InitialDelay = duration("RETRY_INITIAL_DELAY", 10*time.Second)
	c.Retry.MaxDelay = duration("RETRY_MAX_DELAY", time.Hour)
	if v := env("RETRY_MULTIPLIER", ""); v != "" {
		m, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("RETRY_MULTIPLIER: %w", err))
		}
		c.Retry.Multiplier = m
	} else {
		c.Retry.Multiplier = 2
	}

	recurring, err := ParseRecurringTasks(env("RECURRING_TASKS", ""))
	if err != nil {
		errs = append(errs, fmt.Errorf("RECURRING_TASKS: %w", err))
	}
	c.RecurringTasks = recurring

	c.HTTP.Addr = env("HTTP_ADDR", ":8080")
	c.Log.ConsoleLevel = strings.ToLower(env("LOG_CONSOLE_LEVEL", "info"))
	c.Log.FileLevel = strings.ToLower(env("LOG_FILE_LEVEL", "debug"))
	c.Log.File = env("LOG_FILE", "")

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	if err := validate.Struct(c); err != nil {
		return Config{}, err
	}
	if t := c.Scheduler.DeadExecutionThreshold; t != 0 && t <= c.Scheduler.HeartbeatInterval {
		return Config{}, errors.New("SCHEDULER_DEAD_EXECUTION_THRESHOLD must exceed SCHEDULER_HEARTBEAT_INTERVAL")
	}
	return c, nil
}

// ParseRecurringTasks parses "name=schedule;name=schedule". Schedules use
// schedule.Parse syntax.
func ParseRecurringTasks(s string) (map[string]schedule.Schedule, error) {
	out := make(map[string]schedule.Schedule)
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, spec, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("entry %q: want name=schedule", part)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("task %q listed twice", name)
		}
		sched, err := schedule.Parse(spec)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", name, err)
		}
		out[name] = sched
	}
	return out, nil
}
