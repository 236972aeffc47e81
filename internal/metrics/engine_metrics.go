package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics — метрики сборки заказов, переходов статусов и проекций.
// Методы безопасны для nil-получателя: сервисы могут работать без метрик.
type EngineMetrics struct {
	ordersAssembled  *prometheus.CounterVec
	assemblyRejected *prometheus.CounterVec
	assemblyDuration prometheus.Histogram
	tierFallbacks    prometheus.Counter
	droppedLines     *prometheus.CounterVec
	droppedModifiers prometheus.Counter

	transitions      *prometheus.CounterVec
	versionConflicts *prometheus.CounterVec
	progressChanges  *prometheus.CounterVec
	timelineEvents   prometheus.Counter

	projections *prometheus.CounterVec
}

// NewEngineMetrics регистрирует метрики в DefaultRegisterer.
func NewEngineMetrics() *EngineMetrics {
	return NewEngineMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewEngineMetricsWithRegisterer регистрирует метрики в переданном реестре.
func NewEngineMetricsWithRegisterer(registerer prometheus.Registerer) *EngineMetrics {
	return &EngineMetrics{
		ordersAssembled: RegisterCounterVec(registerer, prometheus.CounterOpts{
			Name: "oe_orders_assembled_total",
			Help: "Total number of orders assembled, by initial status",
		}, []string{"status"}),
		assemblyRejected: RegisterCounterVec(registerer, prometheus.CounterOpts{
			Name: "oe_order_assembly_rejected_total",
			Help: "Total number of carts rejected during assembly, by error kind",
		}, []string{"kind"}),
		assemblyDuration: RegisterHistogram(registerer, prometheus.HistogramOpts{
			Name:    "oe_order_assembly_duration_seconds",
			Help:    "Duration of order assembly in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),
		tierFallbacks: RegisterCounter(registerer, prometheus.CounterOpts{
			Name: "oe_pricing_tier_fallback_total",
			Help: "Total number of cart lines priced with the first tier because the requested tier was unknown",
		}),
		droppedLines: RegisterCounterVec(registerer, prometheus.CounterOpts{
			Name: "oe_pricing_dropped_lines_total",
			Help: "Total number of cart lines dropped during pricing, by reason",
		}, []string{"reason"}),
		droppedModifiers: RegisterCounter(registerer, prometheus.CounterOpts{
			Name: "oe_pricing_dropped_modifiers_total",
			Help: "Total number of modifier selections dropped because they were not found",
		}),
		transitions: RegisterCounterVec(registerer, prometheus.CounterOpts{
			Name: "oe_order_transitions_total",
			Help: "Total number of applied order status transitions",
		}, []string{"from", "to"}),
		versionConflicts: RegisterCounterVec(registerer, prometheus.CounterOpts{
			Name: "oe_order_version_conflicts_total",
			Help: "Total number of optimistic locking conflicts, by operation",
		}, []string{"operation"}),
		progressChanges: RegisterCounterVec(registerer, prometheus.CounterOpts{
			Name: "oe_order_progress_changes_total",
			Help: "Total number of item readiness changes, by operation",
		}, []string{"operation"}),
		timelineEvents: RegisterCounter(registerer, prometheus.CounterOpts{
			Name: "oe_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
		projections: RegisterCounterVec(registerer, prometheus.CounterOpts{
			Name: "oe_projection_events_total",
			Help: "Total number of order events seen by projectors, by consumer and result",
		}, []string{"consumer", "result"}),
	}
}

// RecordOrderAssembled учитывает собранный заказ.
func (m *EngineMetrics) RecordOrderAssembled(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ordersAssembled.WithLabelValues(status).Inc()
	m.assemblyDuration.Observe(duration.Seconds())
}

// RecordAssemblyRejected учитывает отклонённую корзину.
func (m *EngineMetrics) RecordAssemblyRejected(kind string) {
	if m == nil {
		return
	}
	m.assemblyRejected.WithLabelValues(kind).Inc()
}

// RecordTierFallback учитывает подстановку первого ценового варианта.
func (m *EngineMetrics) RecordTierFallback() {
	if m == nil {
		return
	}
	m.tierFallbacks.Inc()
}

// RecordDroppedLine учитывает выброшенную строку корзины.
func (m *EngineMetrics) RecordDroppedLine(reason string) {
	if m == nil {
		return
	}
	m.droppedLines.WithLabelValues(reason).Inc()
}

// RecordDroppedModifiers учитывает ненайденные добавки.
func (m *EngineMetrics) RecordDroppedModifiers(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.droppedModifiers.Add(float64(n))
}

// RecordTransition учитывает применённый переход статуса.
func (m *EngineMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordVersionConflict учитывает конфликт версий.
func (m *EngineMetrics) RecordVersionConflict(operation string) {
	if m == nil {
		return
	}
	m.versionConflicts.WithLabelValues(operation).Inc()
}

// RecordProgressChange учитывает изменение готовности позиции.
func (m *EngineMetrics) RecordProgressChange(operation string) {
	if m == nil {
		return
	}
	m.progressChanges.WithLabelValues(operation).Inc()
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *EngineMetrics) RecordTimelineEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
}

// RecordProjection учитывает событие, увиденное проектором: applied, duplicate, skipped или failed.
func (m *EngineMetrics) RecordProjection(consumer, result string) {
	if m == nil {
		return
	}
	m.projections.WithLabelValues(consumer, result).Inc()
}
