// Package admin exposes a read-only HTTP view of a running scheduler:
// health, Prometheus metrics, stored executions and in-flight work.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jdluna/db-scheduler/internal/scheduler"
	"github.com/jdluna/db-scheduler/internal/shared"
	"github.com/jdluna/db-scheduler/internal/store"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	pingTimeout      = 3 * time.Second
)

// Scheduler is the part of the scheduler facade the admin API reads.
type Scheduler interface {
	Ping(ctx context.Context) error
	Stats() scheduler.Stats
	GetScheduledExecution(ctx context.Context, id store.ID) (store.Execution, error)
	ListScheduledExecutions(ctx context.Context, filter store.ListFilter) ([]store.Execution, error)
	CurrentlyExecuting() []scheduler.CurrentlyExecuting
}

// ExecutionView is the JSON form of a stored execution.
type ExecutionView struct {
	Task                string     `json:"task"`
	Instance            string     `json:"instance"`
	ExecutionTime       time.Time  `json:"execution_time"`
	Picked              bool       `json:"picked"`
	PickedBy            string     `json:"picked_by,omitempty"`
	LastHeartbeat       *time.Time `json:"last_heartbeat,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
	Version             int64      `json:"version"`
}

func viewOf(e store.Execution) ExecutionView {
	return ExecutionView{
		Task:                e.TaskName,
		Instance:            e.InstanceID,
		ExecutionTime:       e.ExecutionTime,
		Picked:              e.Picked,
		PickedBy:            e.PickedBy,
		LastHeartbeat:       e.LastHeartbeat,
		ConsecutiveFailures: e.ConsecutiveFailures,
		LastSuccess:         e.LastSuccess,
		LastFailure:         e.LastFailure,
		Version:             e.Version,
	}
}

// RunningView is the JSON form of an execution in flight on this instance.
type RunningView struct {
	ExecutionView
	StartedAt time.Time `json:"started_at"`
}

// NewRouter builds the admin gin engine. gatherer serves /metrics.
func NewRouter(s Scheduler, gatherer prometheus.Gatherer, log *slog.Logger) *gin.Engine {
	if log == nil {
		log = slog.Default()
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLog(log))

	r.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), pingTimeout)
		defer cancel()
		if err := s.Ping(ctx); err != nil {
			log.Warn("health check failed", slog.Any("err", err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "kind": shared.KindOf(err).String()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	r.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Stats())
	})

	r.GET("/executions", func(c *gin.Context) {
		filter, err := parseFilter(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		list, err := s.ListScheduledExecutions(c.Request.Context(), filter)
		if err != nil {
			log.Error("list executions", slog.Any("err", err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "list executions failed"})
			return
		}
		out := make([]ExecutionView, 0, len(list))
		for _, e := range list {
			out = append(out, viewOf(e))
		}
		c.JSON(http.StatusOK, out)
	})

	r.GET("/executions/:task/:instance", func(c *gin.Context) {
		id := store.ID{TaskName: c.Param("task"), InstanceID: c.Param("instance")}
		e, err := s.GetScheduledExecution(c.Request.Context(), id)
		if err != nil {
			status := statusOf(err)
			if status >= http.StatusInternalServerError {
				log.Error("get execution", slog.String("execution", id.String()), slog.Any("err", err))
				c.JSON(status, gin.H{"error": "get execution failed"})
				return
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, viewOf(e))
	})

	r.GET("/executions/current", func(c *gin.Context) {
		running := s.CurrentlyExecuting()
		out := make([]RunningView, 0, len(running))
		for _, ce := range running {
			out = append(out, RunningView{ExecutionView: viewOf(ce.Execution), StartedAt: ce.StartedAt})
		}
		c.JSON(http.StatusOK, out)
	})

	return r
}

func statusOf(err error) int {
	if shared.IsNotFound(err) {
		return http.StatusNotFound
	}
	switch shared.KindOf(err) {
	case shared.KindValidation:
		return http.StatusBadRequest
	case shared.KindConflict:
		return http.StatusConflict
	case shared.KindDependencyFailure, shared.KindTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func parseFilter(c *gin.Context) (store.ListFilter, error) {
	f := store.ListFilter{TaskName: c.Query("task"), Limit: defaultListLimit}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, errors.New("limit must be a positive integer")
		}
		f.Limit = min(n, maxListLimit)
	}
	if v := c.Query("picked"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, errors.New("picked must be true or false")
		}
		f.Picked = &b
	}
	return f, nil
}

func requestLog(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("admin request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("took", time.Since(start)),
		)
	}
}

// Server runs the admin router on addr.
type Server struct {
	srv *http.Server
	log *slog.Logger
}

// NewServer wraps handler in an http.Server listening on addr.
func NewServer(addr string, handler http.Handler, log *slog.Logger) *Server {
	return &Server{
		srv: &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second},
		log: log,
	}
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("admin server", slog.Any("err", err))
		}
	}()
	s.log.Info("admin server listening", slog.String("addr", s.srv.Addr))
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
