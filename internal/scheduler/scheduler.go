// Package scheduler runs persisted task executions across a fleet of
// instances sharing one execution store.
//
// Each instance polls the store for due executions, claims them with a
// per-row compare-and-swap, runs the registered handler on a bounded pool,
// keeps a heartbeat while it runs, and finally reschedules or deletes the
// row. A separate detector releases executions whose owner stopped
// heartbeating. There is no leader and no lock beyond the row version.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jdluna/db-scheduler/internal/platform/periodic"
	"github.com/jdluna/db-scheduler/internal/shared"
	"github.com/jdluna/db-scheduler/internal/store"
	"github.com/jdluna/db-scheduler/internal/task"
	"github.com/jdluna/db-scheduler/pkg/retry"
)

type state int

const (
	stateNew state = iota
	stateRunning
	stateStopping
	stateStopped
)

func (s state) String() string {
	switch s {
	case stateNew:
		return "created"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Scheduler is the facade over poller, worker pool and detector.
type Scheduler struct {
	cfg      Config
	name     string
	store    store.Store
	registry *task.Registry
	logger   *slog.Logger
	clock    Clock
	metrics  *metrics
	pool     *workerPool

	runner *periodic.Runner

	// execCtx is the parent of every handler context. Stop cancels it with
	// errShutdownAbandoned when it gives up waiting.
	execCtx    context.Context
	execCancel context.CancelCauseFunc

	execMu    sync.Mutex
	executing map[store.ID]*running

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	mu        sync.Mutex
	state     state
	startedAt time.Time
	pollJob   *periodic.Handle
}

var _ task.Client = (*Scheduler)(nil)

// New builds a Scheduler. The store schema is checked by Start.
func New(st store.Store, registry *task.Registry, cfg Config) (*Scheduler, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: nil store", shared.ErrValidation)
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: nil task registry", shared.ErrValidation)
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger.With("component", "scheduler", "scheduler", cfg.Name)
	pool := newWorkerPool(cfg.Threads)
	execCtx, execCancel := context.WithCancelCause(context.Background())

	s := &Scheduler{
		cfg:        cfg,
		name:       cfg.Name,
		store:      st,
		registry:   registry,
		logger:     logger,
		clock:      cfg.Clock,
		pool:       pool,
		execCtx:    execCtx,
		execCancel: execCancel,
		executing:  make(map[store.ID]*running),
	}
	s.metrics = newMetrics(cfg.Registerer, func() float64 { return float64(pool.freeSlots()) })
	s.runner = periodic.New(periodic.Config{Logger: logger})
	return s, nil
}

// Name returns the identity written to picked_by.
func (s *Scheduler) Name() string {
	return s.name
}

// Start verifies the schema, creates the first execution of every recurring
// task that has none, and starts polling and dead-execution detection.
// Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	switch s.currentState() {
	case stateRunning:
		return nil
	case stateStopping, stateStopped:
		return errors.New("scheduler: start after stop")
	}

	if err := s.store.VerifySchema(ctx); err != nil {
		s.metrics.storeError(activityStartup)
		return fmt.Errorf("verify store schema: %w", err)
	}

	if err := s.scheduleRecurring(ctx); err != nil {
		return err
	}

	runner, pollJob, err := s.newRunner()
	if err != nil {
		return err
	}
	s.runner = runner

	s.mu.Lock()
	s.pollJob = pollJob
	s.state = stateRunning
	s.startedAt = s.clock.Now()
	s.mu.Unlock()

	s.runner.Start()

	s.logger.Info("scheduler started",
		"threads", s.cfg.Threads,
		"poll_interval", s.cfg.PollInterval,
		"heartbeat_interval", s.cfg.HeartbeatInterval,
		"dead_execution_threshold", s.cfg.DeadExecutionThreshold,
		"tasks", s.registry.Names())
	return nil
}

// newRunner builds the poll and detector loops on a fresh runner, so a
// failed Start leaves nothing registered.
func (s *Scheduler) newRunner() (*periodic.Runner, *periodic.Handle, error) {
	backoff := func() *retry.Backoff {
		return &retry.Backoff{
			Initial:    s.cfg.StoreErrorBackoffInitial,
			Max:        s.cfg.StoreErrorBackoffMax,
			Multiplier: 2,
			Jitter:     0.2,
		}
	}

	runner := periodic.New(periodic.Config{Logger: s.logger})
	pollJob, err := runner.Add(periodic.Job{
		Name:         "poll",
		Interval:     s.cfg.PollInterval,
		Run:          s.poll,
		RunOnStart:   true,
		ErrorBackoff: backoff(),
		TriggerLimit: rate.Every(s.cfg.PollInterval / 10),
		TriggerBurst: 1,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("add poll job: %w", err)
	}
	if _, err := runner.Add(periodic.Job{
		Name:         "detect-dead",
		Interval:     s.cfg.DeadExecutionScanInterval,
		Run:          s.detectDead,
		RunOnStart:   true,
		ErrorBackoff: backoff(),
	}); err != nil {
		runner.Stop()
		return nil, nil, fmt.Errorf("add detector job: %w", err)
	}
	return runner, pollJob, nil
}

func (s *Scheduler) scheduleRecurring(ctx context.Context) error {
	now := s.clock.Now()
	for _, t := range s.registry.Recurring() {
		inst := t.Instance(t.InstanceID, t.InitialData)
		created, err := s.insert(ctx, inst, t.Schedule.Initial(now), false)
		if err != nil {
			s.metrics.storeError(activityStartup)
			return fmt.Errorf("schedule recurring task %q: %w", t.Name, err)
		}
		if created {
			s.logger.Info("recurring task scheduled", "task", t.Name, "instance", t.InstanceID)
		}
	}
	return nil
}

// Stop stops polling and waits up to timeout for running executions. On
// timeout it returns shared.ErrShutdownTimeout and abandons them: their
// contexts are cancelled and a failed result is not recorded, so their rows
// stay picked until a detector revives them.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	prev := s.state
	if prev == stateRunning {
		s.state = stateStopping
	} else {
		s.state = stateStopped
	}
	s.mu.Unlock()

	if prev != stateRunning {
		s.runner.Stop()
		s.execCancel(nil)
		return nil
	}

	s.logger.Info("stopping scheduler", "timeout", timeout, "executing", s.executingCount())

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := s.runner.StopContext(ctx)
	if err == nil {
		err = s.pool.wait(ctx)
	}

	s.mu.Lock()
	s.state = stateStopped
	s.mu.Unlock()

	if err != nil {
		abandoned := s.executingCount()
		s.execCancel(errShutdownAbandoned)
		s.logger.Warn("scheduler stop timed out, abandoning executions", "abandoned", abandoned)
		return fmt.Errorf("stop after %s with %d executions running: %w", timeout, abandoned, shared.ErrShutdownTimeout)
	}

	s.execCancel(nil)
	s.logger.Info("scheduler stopped")
	return nil
}

// StopDefault is Stop with Config.ShutdownTimeout.
func (s *Scheduler) StopDefault() error {
	return s.Stop(s.cfg.ShutdownTimeout)
}

func (s *Scheduler) currentState() state {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) acceptingWork() bool {
	return s.currentState() == stateRunning
}

// Schedule creates a one-time execution of inst due at when.
// shared.ErrDuplicateKey if the instance already exists.
func (s *Scheduler) Schedule(ctx context.Context, inst task.Instance, when time.Time) error {
	if _, err := s.insert(ctx, inst, when, true); err != nil {
		return err
	}
	return nil
}

// ScheduleIfNotExists is Schedule that reports false instead of failing when
// the instance exists.
func (s *Scheduler) ScheduleIfNotExists(ctx context.Context, inst task.Instance, when time.Time) (bool, error) {
	return s.insert(ctx, inst, when, false)
}

func (s *Scheduler) insert(ctx context.Context, inst task.Instance, when time.Time, failOnDuplicate bool) (bool, error) {
	if _, err := s.registry.MustLookup(inst.TaskName); err != nil {
		return false, fmt.Errorf("schedule %s/%s: %w", inst.TaskName, inst.ID, err)
	}

	err := s.store.Insert(ctx, store.New(inst.ExecutionID(), when.UTC(), inst.Data))
	switch {
	case err == nil:
	case errors.Is(err, shared.ErrDuplicateKey) && !failOnDuplicate:
		return false, nil
	default:
		return false, fmt.Errorf("schedule %s/%s: %w", inst.TaskName, inst.ID, err)
	}

	s.logger.Debug("execution scheduled", "task", inst.TaskName, "instance", inst.ID, "execution_time", when)
	s.triggerIfDue(when)
	return true, nil
}

// Reschedule moves an idle execution to when, keeping its data.
func (s *Scheduler) Reschedule(ctx context.Context, id store.ID, when time.Time) error {
	return s.reschedule(ctx, id, when, nil)
}

// RescheduleWithData moves an idle execution to when and replaces its data.
func (s *Scheduler) RescheduleWithData(ctx context.Context, id store.ID, when time.Time, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	return s.reschedule(ctx, id, when, data)
}

func (s *Scheduler) reschedule(ctx context.Context, id store.ID, when time.Time, data []byte) error {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("reschedule %s: %w", id, err)
	}
	if current.Picked {
		return fmt.Errorf("reschedule %s: %w", id, shared.ErrExecutionPicked)
	}
	if err := s.store.Reschedule(ctx, id, current.Version, when.UTC(), data); err != nil {
		return err
	}
	s.logger.Debug("execution rescheduled", "task", id.TaskName, "instance", id.InstanceID, "execution_time", when)
	s.triggerIfDue(when)
	return nil
}

// Cancel deletes an idle execution.
func (s *Scheduler) Cancel(ctx context.Context, id store.ID) error {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	if current.Picked {
		return fmt.Errorf("cancel %s: %w", id, shared.ErrExecutionPicked)
	}
	if err := s.store.Delete(ctx, id, current.Version); err != nil {
		return err
	}
	s.logger.Debug("execution cancelled", "task", id.TaskName, "instance", id.InstanceID)
	return nil
}

// GetScheduledExecution returns the stored execution or shared.ErrNotFound.
func (s *Scheduler) GetScheduledExecution(ctx context.Context, id store.ID) (store.Execution, error) {
	return s.store.Get(ctx, id)
}

// ListScheduledExecutions lists stored executions.
func (s *Scheduler) ListScheduledExecutions(ctx context.Context, filter store.ListFilter) ([]store.Execution, error) {
	return s.store.List(ctx, filter)
}

// CurrentlyExecuting lists executions running on this instance, oldest first.
func (s *Scheduler) CurrentlyExecuting() []CurrentlyExecuting {
	s.execMu.Lock()
	out := make([]CurrentlyExecuting, 0, len(s.executing))
	for _, r := range s.executing {
		e, _ := r.snapshot()
		out = append(out, CurrentlyExecuting{Execution: e, StartedAt: r.startedAt})
	}
	s.execMu.Unlock()

	slices.SortFunc(out, func(a, b CurrentlyExecuting) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return out
}

func (s *Scheduler) executingCount() int {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	return len(s.executing)
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Threads   int       `json:"threads"`
	FreeSlots int       `json:"free_slots"`
	Executing int       `json:"executing"`
	Tasks     []string  `json:"tasks"`
}

// Stats returns the current Stats.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st, startedAt := s.state, s.startedAt
	s.mu.Unlock()

	return Stats{
		Name:      s.name,
		State:     st.String(),
		StartedAt: startedAt,
		Threads:   s.pool.size(),
		FreeSlots: s.pool.freeSlots(),
		Executing: s.executingCount(),
		Tasks:     s.registry.Names(),
	}
}

// Ping checks the store.
func (s *Scheduler) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// TriggerCheckForDueExecutions asks the poller to run as soon as allowed.
func (s *Scheduler) TriggerCheckForDueExecutions() bool {
	s.mu.Lock()
	h, running := s.pollJob, s.state == stateRunning
	s.mu.Unlock()

	if h == nil || !running {
		return false
	}
	return h.Trigger()
}

func (s *Scheduler) triggerIfDue(when time.Time) {
	if s.cfg.ImmediateExecution && !when.After(s.clock.Now()) {
		s.TriggerCheckForDueExecutions()
	}
}
