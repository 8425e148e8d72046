package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jdluna/db-scheduler/internal/platform/sqlite"
	"github.com/jdluna/db-scheduler/internal/store"
	"github.com/jdluna/db-scheduler/internal/store/sqlitestore"
	"github.com/jdluna/db-scheduler/internal/task"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	tdb := sqlite.NewTestDBInMemory(t)
	_, err := sqlitestore.Migrate(tdb.DB)
	require.NoError(t, err)
	return sqlitestore.New(tdb.DB)
}

func testConfig(clock Clock) Config {
	return Config{
		Name:                   "test-instance",
		Threads:                4,
		PollInterval:           time.Hour,
		HeartbeatInterval:      10 * time.Millisecond,
		DeadExecutionThreshold: time.Minute,
		Logger:                 discardLogger(),
		Clock:                  clock,
	}
}

func newTestScheduler(t *testing.T, st store.Store, clock Clock, mutate func(*Config), tasks ...task.Task) *Scheduler {
	t.Helper()

	reg, err := task.NewRegistry(tasks...)
	require.NoError(t, err)

	cfg := testConfig(clock)
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(st, reg, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = s.Stop(5 * time.Second)
	})
	return s
}

// markRunning lets tests drive poll and detectDead by hand without the
// background loops.
func markRunning(s *Scheduler) {
	s.mu.Lock()
	s.state = stateRunning
	s.mu.Unlock()
}

func pollAndWait(t *testing.T, s *Scheduler) {
	t.Helper()
	require.NoError(t, s.poll(context.Background()))
	waitIdle(t, s)
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.pool.wait(ctx))
}

func sid(name, instance string) store.ID {
	return store.ID{TaskName: name, InstanceID: instance}
}
