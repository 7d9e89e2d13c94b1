package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type PrometheusRecorder struct {
	counters  *prometheus.CounterVec
	histogram *prometheus.HistogramVec
}

func NewPrometheusRecorder() Recorder {
	counters := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paysplit",
			Name:      "events_total",
			Help:      "payment engine event counters",
		},
		[]string{"type", "token"},
	)

	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paysplit",
			Name:      "latency_seconds",
			Help:      "payment engine operation latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "token"},
	)

	prometheus.MustRegister(counters, histogram)

	return &PrometheusRecorder{
		counters:  counters,
		histogram: histogram,
	}
}

func (p *PrometheusRecorder) IncCounter(name string, labels map[string]string) {
	p.counters.With(prometheus.Labels{
		"type":  name,
		"token": labels["token"],
	}).Inc()
}

func (p *PrometheusRecorder) ObserveLatency(name string, d time.Duration, labels map[string]string) {
	p.histogram.With(prometheus.Labels{
		"operation": name,
		"token":     labels["token"],
	}).Observe(d.Seconds())
}
