package periodic

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/jdluna/db-scheduler/pkg/retry"
)

func waitForAtLeast(t *testing.T, counter *int64, expected int64, timeout time.Duration) {
	t.Helper()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(counter) >= expected
	}, timeout, 5*time.Millisecond, "значение счётчика не достигло ожидаемого уровня")
}

func TestRunner_AddValidates(t *testing.T) {
	r := New(Config{})
	defer r.Stop()

	_, err := r.Add(Job{Name: "x", Interval: time.Second})
	assert.Error(t, err)

	_, err = r.Add(Job{Name: "x", Run: func(context.Context) error { return nil }})
	assert.Error(t, err)
}

func TestRunner_RunsOnInterval(t *testing.T) {
	r := New(Config{})
	defer r.Stop()

	var counter int64
	_, err := r.Add(Job{
		Name:     "tick",
		Interval: 10 * time.Millisecond,
		Run: func(context.Context) error {
			atomic.AddInt64(&counter, 1)
			return nil
		},
	})
	require.NoError(t, err)

	r.Start()
	waitForAtLeast(t, &counter, 3, 2*time.Second)
}

func TestRunner_RunOnStartAndTrigger(t *testing.T) {
	r := New(Config{})
	defer r.Stop()

	var counter int64
	h, err := r.Add(Job{
		Name:         "poll",
		Interval:     time.Hour,
		RunOnStart:   true,
		TriggerLimit: rate.Inf,
		Run: func(context.Context) error {
			atomic.AddInt64(&counter, 1)
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "poll", h.Name())

	r.Start()
	waitForAtLeast(t, &counter, 1, time.Second)

	require.Eventually(t, func() bool {
		h.Trigger()
		return atomic.LoadInt64(&counter) >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestRunner_TriggerDisabledWithoutLimit(t *testing.T) {
	r := New(Config{})
	defer r.Stop()

	h, err := r.Add(Job{Name: "x", Interval: time.Hour, Run: func(context.Context) error { return nil }})
	require.NoError(t, err)
	assert.False(t, h.Trigger())
}

func TestRunner_TriggerRateLimited(t *testing.T) {
	r := New(Config{})
	defer r.Stop()

	h, err := r.Add(Job{
		Name:         "x",
		Interval:     time.Hour,
		TriggerLimit: rate.Every(time.Hour),
		TriggerBurst: 1,
		Run:          func(context.Context) error { return nil },
	})
	require.NoError(t, err)

	assert.True(t, h.Trigger())
	assert.False(t, h.Trigger())
}

func TestRunner_NoOverlap(t *testing.T) {
	r := New(Config{})
	defer r.Stop()

	var (
		running int64
		overlap int64
		runs    int64
	)
	h, err := r.Add(Job{
		Name:         "slow",
		Interval:     time.Millisecond,
		TriggerLimit: rate.Inf,
		Run: func(context.Context) error {
			if atomic.AddInt64(&running, 1) > 1 {
				atomic.StoreInt64(&overlap, 1)
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&running, -1)
			atomic.AddInt64(&runs, 1)
			return nil
		},
	})
	require.NoError(t, err)

	r.Start()
	for i := 0; i < 20; i++ {
		h.Trigger()
	}
	waitForAtLeast(t, &runs, 5, 2*time.Second)
	assert.Zero(t, atomic.LoadInt64(&overlap), "прогоны одной задачи не должны перекрываться")
}

func TestRunner_PanicIsRecovered(t *testing.T) {
	var (
		mu   sync.Mutex
		errs []error
	)
	r := New(Config{Hooks: Hooks{
		OnJobFinish: func(_ string, _ time.Duration, err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
	}})
	defer r.Stop()

	var counter int64
	_, err := r.Add(Job{
		Name:     "panicky",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) error {
			atomic.AddInt64(&counter, 1)
			panic("boom")
		},
	})
	require.NoError(t, err)

	r.Start()
	waitForAtLeast(t, &counter, 2, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, errs)
	assert.ErrorContains(t, errs[0], "panic: boom")
}

func TestNextDelay(t *testing.T) {
	job := Job{Interval: time.Second, ErrorBackoff: &retry.Backoff{Initial: 500 * time.Millisecond, Max: 8 * time.Second}}

	assert.Equal(t, time.Second, nextDelay(job, 0))
	assert.Equal(t, time.Second, nextDelay(job, 1), "пауза не короче интервала")
	assert.Equal(t, 2*time.Second, nextDelay(job, 3))
	assert.Equal(t, 8*time.Second, nextDelay(job, 10))

	job.ErrorBackoff = nil
	assert.Equal(t, time.Second, nextDelay(job, 10))
}

func TestRunner_StartHooksAndStop(t *testing.T) {
	var started int64
	r := New(Config{Hooks: Hooks{OnJobStart: func(string) { atomic.AddInt64(&started, 1) }}})

	r.Start()
	// задача, добавленная после Start, запускается сразу
	_, err := r.Add(Job{Name: "late", Interval: 5 * time.Millisecond, Run: func(context.Context) error { return nil }})
	require.NoError(t, err)
	waitForAtLeast(t, &started, 1, time.Second)

	r.Stop()
	assert.False(t, r.IsRunning())

	_, err = r.Add(Job{Name: "after", Interval: time.Second, Run: func(context.Context) error { return nil }})
	assert.Error(t, err)

	// повторная остановка безопасна
	r.Stop()
}

func TestRunner_StopContextDeadline(t *testing.T) {
	r := New(Config{})

	release := make(chan struct{})
	var entered int64
	_, err := r.Add(Job{
		Name:       "stuck",
		Interval:   time.Hour,
		RunOnStart: true,
		Run: func(context.Context) error {
			atomic.StoreInt64(&entered, 1)
			<-release
			return nil
		},
	})
	require.NoError(t, err)

	r.Start()
	waitForAtLeast(t, &entered, 1, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = r.StopContext(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	close(release)
	assert.NoError(t, r.StopContext(context.Background()))
}
