package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vladislavdragonenkov/orderengine/internal/version"
)

// register регистрирует коллектор или возвращает уже зарегистрированный с тем же описанием.
// Повторная регистрация нужна тестам и повторной сборке зависимостей в одном процессе.
func register[T prometheus.Collector](registerer prometheus.Registerer, name string, collector T) T {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if err := registerer.Register(collector); err != nil {
		var alreadyRegistered prometheus.AlreadyRegisteredError
		if errors.As(err, &alreadyRegistered) {
			existing, ok := alreadyRegistered.ExistingCollector.(T)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", name))
			}
			return existing
		}
		panic(fmt.Sprintf("register collector %q: %v", name, err))
	}
	return collector
}

// RegisterCounter — register-or-reuse для счётчика.
func RegisterCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	return register[prometheus.Counter](registerer, opts.Name, prometheus.NewCounter(opts))
}

// RegisterCounterVec — register-or-reuse для вектора счётчиков.
func RegisterCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	return register(registerer, opts.Name, prometheus.NewCounterVec(opts, labels))
}

// RegisterGauge — register-or-reuse для gauge.
func RegisterGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	return register[prometheus.Gauge](registerer, opts.Name, prometheus.NewGauge(opts))
}

// RegisterHistogram — register-or-reuse для гистограммы.
func RegisterHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	return register[prometheus.Histogram](registerer, opts.Name, prometheus.NewHistogram(opts))
}

// RegisterHistogramVec — register-or-reuse для вектора гистограмм.
func RegisterHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	return register(registerer, opts.Name, prometheus.NewHistogramVec(opts, labels))
}

// RegisterBuildInfo публикует oe_build_info со сведениями о сборке в метках и значением 1.
func RegisterBuildInfo(registerer prometheus.Registerer, build version.Build) {
	gauge := register(registerer, "oe_build_info", prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "oe_build_info",
		Help: "Build information of the running order engine",
	}, []string{"version", "commit", "go_version"}))
	gauge.WithLabelValues(build.Version, build.ShortCommit(), build.GoVersion).Set(1)
}
