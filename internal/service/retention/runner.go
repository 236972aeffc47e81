// Package retention периодически обслуживает накопившиеся данные движка: удаляет тестовые заказы и
// просроченные ключи идемпотентности, возвращает в очередь неотправленные сообщения outbox.
// Каждый вид данных описывается задачей Job.
package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	defaultInterval  = time.Hour
	defaultBatchSize = 500
)

var (
	sweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oe_retention_runs_total",
		Help: "Total number of retention sweeps grouped by job and result.",
	}, []string{"job", "result"})
	sweepDeletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oe_retention_deleted_total",
		Help: "Total number of records removed or requeued by retention jobs.",
	}, []string{"job"})
	sweepLastDeleted = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "oe_retention_last_deleted",
		Help: "Number of records processed by the last sweep of a job.",
	}, []string{"job"})
)

// ErrUnknownJob возвращается SweepOnce для незарегистрированной задачи.
var ErrUnknownJob = errors.New("retention job is not registered")

// SweepFunc удаляет не больше limit записей старше before и возвращает число удалённых.
type SweepFunc func(ctx context.Context, before time.Time, limit int) (int, error)

// Job описывает один вид устаревших данных.
// MaxAge сдвигает границу удаления назад от текущего времени; ноль означает «всё, что истекло к этому моменту».
type Job struct {
	Name      string
	Interval  time.Duration
	MaxAge    time.Duration
	BatchSize int
	Sweep     SweepFunc
}

// Option настраивает Runner.
type Option func(*Runner)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(clock func() time.Time) Option {
	return func(r *Runner) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// Runner запускает зарегистрированные задачи, каждую со своим интервалом.
type Runner struct {
	mu     sync.RWMutex
	jobs   map[string]Job
	order  []string
	logger *log.Entry
	clock  func() time.Time
}

// NewRunner создаёт Runner без задач.
func NewRunner(options ...Option) *Runner {
	r := &Runner{
		jobs:   make(map[string]Job),
		logger: log.WithField("component", "retention"),
		clock:  time.Now,
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Add регистрирует задачу, подставляя значения по умолчанию для интервала и размера порции.
func (r *Runner) Add(job Job) error {
	if job.Name == "" {
		return errors.New("retention job name is required")
	}
	if job.Sweep == nil {
		return fmt.Errorf("retention job %q has no sweep func", job.Name)
	}
	if job.Interval <= 0 {
		job.Interval = defaultInterval
	}
	if job.BatchSize <= 0 {
		job.BatchSize = defaultBatchSize
	}
	if job.MaxAge < 0 {
		job.MaxAge = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.Name]; exists {
		return fmt.Errorf("retention job %q is already registered", job.Name)
	}
	r.jobs[job.Name] = job
	r.order = append(r.order, job.Name)
	return nil
}

// Jobs возвращает имена задач в порядке регистрации.
func (r *Runner) Jobs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Run выполняет каждую задачу сразу и затем по её интервалу до отмены ctx.
func (r *Runner) Run(ctx context.Context) {
	r.mu.RLock()
	jobs := make([]Job, 0, len(r.order))
	for _, name := range r.order {
		jobs = append(jobs, r.jobs[name])
	}
	r.mu.RUnlock()

	if len(jobs) == 0 {
		r.logger.Warn("retention is disabled: no jobs registered")
		return
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		group.Go(func() error {
			r.loop(groupCtx, job)
			return nil
		})
	}
	_ = group.Wait()
}

func (r *Runner) loop(ctx context.Context, job Job) {
	r.report(job, r.sweep(ctx, job))

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.report(job, r.sweep(ctx, job))
		}
	}
}

type sweepResult struct {
	deleted int
	err     error
}

func (r *Runner) report(job Job, result sweepResult) {
	logger := r.logger.WithField("job", job.Name)
	if result.err != nil {
		if errors.Is(result.err, context.Canceled) {
			return
		}
		sweepRunsTotal.WithLabelValues(job.Name, "error").Inc()
		logger.WithError(result.err).WithField("deleted", result.deleted).Warn("retention sweep failed")
		return
	}

	sweepRunsTotal.WithLabelValues(job.Name, "ok").Inc()
	sweepLastDeleted.WithLabelValues(job.Name).Set(float64(result.deleted))
	if result.deleted > 0 {
		logger.WithField("deleted", result.deleted).Info("retention sweep completed")
	}
}

// SweepOnce выполняет задачу один раз, пока очередная порция не окажется неполной.
func (r *Runner) SweepOnce(ctx context.Context, name string) (int, error) {
	r.mu.RLock()
	job, ok := r.jobs[name]
	r.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	result := r.sweep(ctx, job)
	return result.deleted, result.err
}

func (r *Runner) sweep(ctx context.Context, job Job) sweepResult {
	before := r.clock().UTC().Add(-job.MaxAge)

	var result sweepResult
	for {
		if err := ctx.Err(); err != nil {
			result.err = err
			return result
		}

		deleted, err := job.Sweep(ctx, before, job.BatchSize)
		if err != nil {
			result.err = err
			return result
		}
		result.deleted += deleted
		if deleted > 0 {
			sweepDeletedTotal.WithLabelValues(job.Name).Add(float64(deleted))
		}
		if deleted < job.BatchSize {
			return result
		}
	}
}
