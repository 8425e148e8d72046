package periodic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jdluna/db-scheduler/pkg/retry"
)

// JobFunc представляет один прогон периодической задачи.
type JobFunc func(ctx context.Context) error

// Job описывает периодическую задачу.
type Job struct {
	// Name - имя задачи для логирования и хуков.
	Name string
	// Interval - пауза между завершением прогона и началом следующего.
	Interval time.Duration
	// Run - тело задачи.
	Run JobFunc
	// Timeout - максимальное время одного прогона (необязательно).
	Timeout time.Duration
	// ErrorBackoff удлиняет паузу после подряд идущих ошибок (необязательно).
	// Пауза не бывает короче Interval.
	ErrorBackoff *retry.Backoff
	// RunOnStart - выполнить первый прогон сразу, не дожидаясь Interval.
	RunOnStart bool
	// TriggerLimit и TriggerBurst ограничивают внеплановые прогоны через
	// Handle.Trigger. Нулевой TriggerLimit запрещает их.
	TriggerLimit rate.Limit
	TriggerBurst int
}

// Hooks содержит необязательные хуки для наблюдаемости.
type Hooks struct {
	OnJobStart  func(name string)
	OnJobFinish func(name string, duration time.Duration, err error)
}

// Config содержит конфигурацию Runner.
type Config struct {
	Logger *slog.Logger
	Hooks  Hooks
}

// Handle позволяет запросить внеплановый прогон задачи.
type Handle struct {
	name    string
	trigger chan struct{}
	limiter *rate.Limiter
}

// Trigger запрашивает прогон как можно скорее. Запросы во время прогона
// схлопываются в один. Возвращает false, если запрос отброшен лимитером.
func (h *Handle) Trigger() bool {
	if h.limiter == nil || !h.limiter.Allow() {
		return false
	}
	select {
	case h.trigger <- struct{}{}:
	default:
	}
	return true
}

// Name возвращает имя задачи.
func (h *Handle) Name() string {
	return h.name
}

type entry struct {
	job    Job
	handle *Handle
}

// Runner выполняет периодические задачи, каждую в своей горутине.
// Прогоны одной задачи никогда не перекрываются.
type Runner struct {
	logger *slog.Logger
	hooks  Hooks

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries []*entry
	started bool

	startOnce sync.Once
	stopOnce  sync.Once
}

// New создает Runner с background контекстом.
func New(cfg Config) *Runner {
	return NewWithContext(context.Background(), cfg)
}

// NewWithContext создает Runner с указанным родительским контекстом.
func NewWithContext(parent context.Context, cfg Config) *Runner {
	ctx, cancel := context.WithCancel(parent)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		logger: logger,
		hooks:  cfg.Hooks,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add регистрирует задачу. Если Runner уже запущен, задача стартует сразу.
func (r *Runner) Add(job Job) (*Handle, error) {
	if job.Run == nil {
		return nil, errors.New("periodic: job has no Run func")
	}
	if job.Interval <= 0 {
		return nil, fmt.Errorf("periodic: job %q: interval must be positive", job.Name)
	}
	if job.Name == "" {
		job.Name = "unnamed"
	}

	h := &Handle{name: job.Name, trigger: make(chan struct{}, 1)}
	if job.TriggerLimit > 0 {
		burst := job.TriggerBurst
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(job.TriggerLimit, burst)
	}
	e := &entry{job: job, handle: h}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.IsRunning() {
		return nil, fmt.Errorf("periodic: job %q added after stop", job.Name)
	}
	r.entries = append(r.entries, e)
	if r.started {
		r.launch(e)
	}

	r.logger.Debug("periodic job added", "name", job.Name, "interval", job.Interval)
	return h, nil
}

// Start запускает все зарегистрированные задачи.
func (r *Runner) Start() {
	r.startOnce.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.started = true
		for _, e := range r.entries {
			r.launch(e)
		}
		r.logger.Debug("periodic runner started", "jobs", len(r.entries))
	})
}

// launch вызывается под r.mu.
func (r *Runner) launch(e *entry) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop(e)
	}()
}

// Stop останавливает Runner и ждет завершения текущих прогонов.
func (r *Runner) Stop() {
	r.cancel()
	r.stopOnce.Do(r.wg.Wait)
}

// StopContext останавливает Runner, ожидая не дольше дедлайна ctx.
// При истечении дедлайна возвращает ctx.Err(); прогоны завершатся сами,
// так как их контекст уже отменен.
func (r *Runner) StopContext(ctx context.Context) error {
	r.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.stopOnce.Do(r.wg.Wait)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.logger.Warn("periodic runner stop deadline exceeded")
		return ctx.Err()
	}
}

// IsRunning возвращает true, пока Runner не остановлен.
func (r *Runner) IsRunning() bool {
	select {
	case <-r.ctx.Done():
		return false
	default:
		return true
	}
}

func (r *Runner) loop(e *entry) {
	job := e.job

	first := job.Interval
	if job.RunOnStart {
		first = 0
	}
	timer := time.NewTimer(first)
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-r.ctx.Done():
			r.logger.Debug("periodic job stopped", "name", job.Name)
			return
		case <-timer.C:
		case <-e.handle.trigger:
			// во время backoff внеплановые прогоны игнорируются
			if failures > 0 {
				continue
			}
			timer.Stop()
		}

		if err := r.runOnce(job); err != nil {
			failures++
		} else {
			failures = 0
		}
		timer.Reset(nextDelay(job, failures))
	}
}

func nextDelay(job Job, failures int) time.Duration {
	if failures == 0 || job.ErrorBackoff == nil {
		return job.Interval
	}
	return max(job.Interval, job.ErrorBackoff.Delay(failures))
}

// runOnce выполняет один прогон с таймаутом, хуками и перехватом паники.
func (r *Runner) runOnce(job Job) (err error) {
	if r.hooks.OnJobStart != nil {
		r.hooks.OnJobStart(job.Name)
	}

	ctx := r.ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			r.logger.Error("periodic job panicked", "name", job.Name, "panic", rec)
		}
		duration := time.Since(start)
		if r.hooks.OnJobFinish != nil {
			r.hooks.OnJobFinish(job.Name, duration, err)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("periodic job failed", "name", job.Name, "error", err, "duration", duration)
		}
	}()

	return job.Run(ctx)
}
