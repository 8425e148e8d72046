package scheduler

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jdluna/db-scheduler/internal/shared"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultThreads               = 10
	DefaultPollInterval          = 10 * time.Second
	DefaultHeartbeatInterval     = 5 * time.Minute
	DefaultShutdownTimeout       = 30 * time.Minute
	DefaultUnresolvedDelay       = time.Hour
	DefaultMaxUnresolvedFailures = 24

	deadThresholdMultiplier = 4
	finalizeTimeout         = 30 * time.Second
)

// Config configures a Scheduler. Zero fields take defaults.
type Config struct {
	// Name identifies this instance in picked_by. Defaults to hostname plus
	// a random suffix.
	Name string
	// Threads bounds concurrently running executions.
	Threads int
	// PollInterval is the pause between polls for due executions.
	PollInterval time.Duration
	// HeartbeatInterval is how often a running execution refreshes its
	// heartbeat.
	HeartbeatInterval time.Duration
	// DeadExecutionThreshold is how stale a heartbeat must be before the
	// execution is considered dead. Defaults to 4x HeartbeatInterval.
	DeadExecutionThreshold time.Duration
	// DeadExecutionScanInterval is the detector cadence. Defaults to
	// HeartbeatInterval.
	DeadExecutionScanInterval time.Duration
	// ShutdownTimeout bounds Stop when called through StopDefault.
	ShutdownTimeout time.Duration
	// ImmediateExecution triggers a poll when something is scheduled due now.
	ImmediateExecution bool
	// UnresolvedDelay postpones executions of tasks this instance does not know.
	UnresolvedDelay time.Duration
	// MaxUnresolvedFailures deletes unknown-task executions after that many
	// consecutive failures.
	MaxUnresolvedFailures int

	// StoreErrorBackoffInitial and StoreErrorBackoffMax bound the delay of
	// poll and detector cycles after store errors.
	StoreErrorBackoffInitial time.Duration
	StoreErrorBackoffMax     time.Duration

	Logger     *slog.Logger
	Clock      Clock
	Registerer prometheus.Registerer
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = defaultName()
	}
	if c.Threads <= 0 {
		c.Threads = DefaultThreads
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.DeadExecutionThreshold <= 0 {
		c.DeadExecutionThreshold = deadThresholdMultiplier * c.HeartbeatInterval
	}
	if c.DeadExecutionScanInterval <= 0 {
		c.DeadExecutionScanInterval = c.HeartbeatInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.UnresolvedDelay <= 0 {
		c.UnresolvedDelay = DefaultUnresolvedDelay
	}
	if c.MaxUnresolvedFailures <= 0 {
		c.MaxUnresolvedFailures = DefaultMaxUnresolvedFailures
	}
	if c.StoreErrorBackoffInitial <= 0 {
		c.StoreErrorBackoffInitial = time.Second
	}
	if c.StoreErrorBackoffMax <= 0 {
		c.StoreErrorBackoffMax = 10 * c.PollInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.NewRegistry()
	}
	return c
}

func (c Config) validate() error {
	if c.DeadExecutionThreshold <= c.HeartbeatInterval {
		return fmt.Errorf("%w: dead execution threshold %s must exceed heartbeat interval %s",
			shared.ErrValidation, c.DeadExecutionThreshold, c.HeartbeatInterval)
	}
	return nil
}

func defaultName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "scheduler"
	}
	return host + "-" + uuid.NewString()[:8]
}
