// Package metrics holds the Prometheus collectors for deliveries, the
// rewriter, the item pool and the scheduler. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "factbot"

type Metrics struct {
	Registry *prometheus.Registry

	deliveries       *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	rewriteAttempts  *prometheus.CounterVec
	rewriteDuration  prometheus.Histogram
	poolItems        prometheus.Gauge
	poolResets       prometheus.Counter
	ticks            prometheus.Counter
	dispatch         *prometheus.CounterVec
	activeRecipients prometheus.Gauge
}

// New registers every collector on a fresh registry, together with the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery attempts by trigger and outcome",
		}, []string{"trigger", "outcome"}),
		deliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of a delivery attempt including generation and sending",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"trigger"}),
		rewriteAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rewrite_attempts_total",
			Help:      "Rewriter calls by result",
		}, []string{"result"}),
		rewriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rewrite_duration_seconds",
			Help:      "Duration of a single rewriter call",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		poolItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_items",
			Help:      "Items in the most recently loaded pool",
		}),
		poolResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotation_resets_total",
			Help:      "Times a recipient exhausted the pool and rotation restarted",
		}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_ticks_total",
			Help:      "Scheduler ticks evaluated",
		}),
		dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_dispatch_total",
			Help:      "Due slot deliveries handed to the task engine, by result",
		}, []string{"result"}),
		activeRecipients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_recipients",
			Help:      "Recipients with scheduled delivery enabled",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.deliveries, m.deliveryDuration,
		m.rewriteAttempts, m.rewriteDuration,
		m.poolItems, m.poolResets,
		m.ticks, m.dispatch, m.activeRecipients,
	)
	return m
}

func (m *Metrics) Delivery(trigger, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(trigger, outcome).Inc()
	m.deliveryDuration.WithLabelValues(trigger).Observe(took.Seconds())
}

func (m *Metrics) RewriteAttempt(took time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.rewriteAttempts.WithLabelValues(result).Inc()
	m.rewriteDuration.Observe(took.Seconds())
}

func (m *Metrics) PoolSize(n int) {
	if m == nil {
		return
	}
	m.poolItems.Set(float64(n))
}

func (m *Metrics) RotationReset() {
	if m == nil {
		return
	}
	m.poolResets.Inc()
}

func (m *Metrics) Tick() {
	if m == nil {
		return
	}
	m.ticks.Inc()
}

// Dispatch counts one scheduler hand-off: enqueued, skipped, dropped or error.
func (m *Metrics) Dispatch(result string) {
	if m == nil {
		return
	}
	m.dispatch.WithLabelValues(result).Inc()
}

func (m *Metrics) ActiveRecipients(n int) {
	if m == nil {
		return
	}
	m.activeRecipients.Set(float64(n))
}

// RegisterGaugeFunc exposes a value computed at scrape time.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) error {
	if m == nil {
		return nil
	}
	return m.Registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}
