package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Результаты попыток публикации для oe_outbox_publish_attempts_total.
const (
	attemptSent      = "sent"
	attemptError     = "retry_error"
	attemptExhausted = "failed"
	attemptDLQFailed = "dlq_failed"
)

var (
	publishAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oe_outbox_publish_attempts_total",
		Help: "Outbox publish attempts by result.",
	}, []string{"result"})

	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oe_outbox_pending_records",
		Help: "Pending records in the transactional outbox.",
	})

	failedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oe_outbox_failed_records",
		Help: "Outbox records that exhausted publish attempts.",
	})

	oldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oe_outbox_oldest_pending_age_seconds",
		Help: "Age of the oldest pending outbox record in seconds.",
	})

	backlogOverLimit = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oe_outbox_backlog_over_limit",
		Help: "Set to 1 while the pending backlog is above the configured limit.",
	})
)
