// Package health сводит проверки компонентов движка в ответы /healthz, /readyz и gRPC health.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const defaultCheckTimeout = 2 * time.Second

// Status — состояние компонента или движка целиком.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Severity определяет, как отказ компонента влияет на общий статус.
type Severity int

const (
	// Critical — без компонента заказы не принимаются, отказ даёт unhealthy.
	Critical Severity = iota
	// Optional — у компонента есть запасной путь, отказ даёт degraded.
	Optional
)

// Check — результат одной проверки.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Optional   bool   `json:"optional,omitempty"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Report — тело ответа /healthz.
type Report struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Checks        map[string]Check `json:"checks,omitempty"`
}

// Checker проверяет один компонент и должен уважать дедлайн ctx.
type Checker interface {
	Check(ctx context.Context) Check
}

type component struct {
	checker  Checker
	severity Severity
}

// Option настраивает Handler.
type Option func(*Handler)

// WithTimeout ограничивает время одного прогона проверок.
func WithTimeout(timeout time.Duration) Option {
	return func(h *Handler) {
		if timeout > 0 {
			h.timeout = timeout
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// Handler хранит зарегистрированные проверки и отвечает на health-запросы.
type Handler struct {
	mu         sync.RWMutex
	components map[string]component
	version    string
	timeout    time.Duration
	now        func() time.Time
	started    time.Time
}

// NewHandler создаёт Handler для сборки version.
func NewHandler(version string, opts ...Option) *Handler {
	h := &Handler{
		components: make(map[string]component),
		version:    version,
		timeout:    defaultCheckTimeout,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.started = h.now()
	return h
}

// Register добавляет или заменяет проверку компонента name.
func (h *Handler) Register(name string, checker Checker, severity Severity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[name] = component{checker: checker, severity: severity}
}

// Report выполняет проверки параллельно. Отказ Optional-компонента понижается до degraded.
func (h *Handler) Report(ctx context.Context) Report {
	h.mu.RLock()
	names := make([]string, 0, len(h.components))
	for name := range h.components {
		names = append(names, name)
	}
	sort.Strings(names)
	components := make([]component, len(names))
	for i, name := range names {
		components[i] = h.components[name]
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make([]Check, len(components))
	var g errgroup.Group
	for i, c := range components {
		g.Go(func() error {
			check := c.checker.Check(ctx)
			if check.Name == "" {
				check.Name = names[i]
			}
			if c.severity == Optional {
				check.Optional = true
				if check.Status == StatusUnhealthy {
					check.Status = StatusDegraded
				}
			}
			results[i] = check
			return nil
		})
	}
	_ = g.Wait()

	now := h.now()
	report := Report{
		Status:        StatusHealthy,
		Timestamp:     now.UTC(),
		Version:       h.version,
		UptimeSeconds: int64(now.Sub(h.started).Seconds()),
		Checks:        make(map[string]Check, len(results)),
	}
	for i, check := range results {
		report.Checks[names[i]] = check
		report.Status = worse(report.Status, check.Status)
	}
	return report
}

func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// ServeHTTP отдаёт полный отчёт; 503 только для unhealthy.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := h.Report(r.Context())

	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}

// Ready — readiness probe. Degraded движок продолжает принимать заказы.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.Report(r.Context()).Status == StatusUnhealthy {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ready"))
}

// Live — liveness probe, отвечает 200, пока процесс обслуживает HTTP.
func Live(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

// ServingStatus переводит статус отчёта в статус gRPC health.
func ServingStatus(status Status) healthpb.HealthCheckResponse_ServingStatus {
	if status == StatusUnhealthy {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// SyncGRPC периодически переносит общий статус в gRPC health server для services.
// Возвращается после отмены ctx.
func (h *Handler) SyncGRPC(ctx context.Context, server *grpchealth.Server, interval time.Duration, services ...string) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	apply := func() {
		status := ServingStatus(h.Report(ctx).Status)
		for _, service := range services {
			server.SetServingStatus(service, status)
		}
	}

	apply()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			apply()
		}
	}
}

// PingChecker считает компонент здоровым, пока ping возвращает nil.
type PingChecker struct {
	name string
	ping func(ctx context.Context) error
	now  func() time.Time
}

// NewPingChecker создаёт проверку поверх функции ping.
func NewPingChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping, now: time.Now}
}

func (c *PingChecker) Check(ctx context.Context) Check {
	start := c.now()
	err := c.ping(ctx)
	check := Check{Name: c.name, Status: StatusHealthy, DurationMs: c.now().Sub(start).Milliseconds()}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}

// BacklogSource отдаёт число неопубликованных событий outbox.
type BacklogSource interface {
	PendingCount(ctx context.Context) (int, error)
}

// BacklogChecker помечает outbox degraded, когда очередь больше limit. Limit <= 0 отключает порог.
type BacklogChecker struct {
	name   string
	source BacklogSource
	limit  int
}

func NewBacklogChecker(name string, source BacklogSource, limit int) *BacklogChecker {
	return &BacklogChecker{name: name, source: source, limit: limit}
}

func (c *BacklogChecker) Check(ctx context.Context) Check {
	start := time.Now()
	pending, err := c.source.PendingCount(ctx)
	check := Check{Name: c.name, Status: StatusHealthy, DurationMs: time.Since(start).Milliseconds()}

	switch {
	case err != nil:
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	case c.limit > 0 && pending > c.limit:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d pending events exceed limit %d", pending, c.limit)
	}
	return check
}
