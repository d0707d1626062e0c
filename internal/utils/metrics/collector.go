// internal/utils/metrics/collector.go
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rovshanmuradov/allowance-bot/internal/events"
)

const namespace = "allowance_bot"

const (
	statusSuccess = "success"
	statusFailure = "failure"
)

// Collector управляет метриками пайплайна расчётов
type Collector struct {
	registry      *prometheus.Registry
	stages        *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	legs          *prometheus.CounterVec
	legDuration   prometheus.Histogram
	subs          []events.Subscription
}

// NewCollector создает коллектор на отдельном реестре
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		stages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "settlement_stages_total",
				Help:      "Settlement pipeline transitions by stage and outcome",
			},
			[]string{"stage", "status"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "settlement_stage_duration_seconds",
				Help:      "Time spent in each settlement stage",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"stage"},
		),
		legs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quote_legs_total",
				Help:      "Quote legs by outcome",
			},
			[]string{"status"},
		),
		legDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "quote_leg_duration_seconds",
				Help:      "Quote leg latency including retries",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
			},
		),
	}
	c.registry.MustRegister(c.stages, c.stageDuration, c.legs, c.legDuration)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveLeg records one quote leg outcome.
func (c *Collector) ObserveLeg(_ string, err error, duration time.Duration) {
	c.legs.WithLabelValues(status(err)).Inc()
	c.legDuration.Observe(duration.Seconds())
}

// RecordStage records one pipeline transition.
func (c *Collector) RecordStage(e events.StageEvent) {
	c.stages.WithLabelValues(e.Stage, status(e.Err)).Inc()
	c.stageDuration.WithLabelValues(e.Stage).Observe(e.Duration.Seconds())
}

// Attach subscribes the collector to stage events on the bus.
func (c *Collector) Attach(bus *events.Bus) {
	c.subs = append(c.subs, events.StageFunc(bus, c.RecordStage)...)
}

// Detach removes the bus subscriptions made by Attach.
func (c *Collector) Detach() {
	for _, s := range c.subs {
		s.Unsubscribe()
	}
	c.subs = nil
}

// Reset сбрасывает все метрики (полезно для тестирования)
func (c *Collector) Reset() {
	c.stages.Reset()
	c.stageDuration.Reset()
	c.legs.Reset()
}

func status(err error) string {
	if err != nil {
		return statusFailure
	}
	return statusSuccess
}
