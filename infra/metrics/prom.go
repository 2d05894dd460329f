package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/smartenergy/schedulerd/core/metrics"
)

// PromSink records command lifecycle events in Prometheus metrics.
type PromSink struct {
	events  *prometheus.CounterVec
	latency *prometheus.HistogramVec
	skips   *prometheus.CounterVec
}

// NewPromSink registers command metrics on the default Prometheus registerer.
// The Prometheus server should be started separately using cfg.PrometheusAddr.
func NewPromSink(cfg coremetrics.Config) (coremetrics.MetricsSink, error) {
	return NewPromSinkWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(_ coremetrics.Config, reg prometheus.Registerer) (coremetrics.MetricsSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_command_events_total",
		Help: "Total number of command lifecycle transitions",
	}, []string{"action", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scheduler_ack_latency_seconds",
		Help:    "Time between command publish and acknowledgment",
		Buckets: prometheus.DefBuckets,
	}, []string{"action", "acknowledged"})
	skips := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_skips_total",
		Help: "Due slots evaluated without producing a command",
	}, []string{"reason"})

	if err := reg.Register(events); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			events = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(latency); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			latency = are.ExistingCollector.(*prometheus.HistogramVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(skips); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			skips = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}

	return &PromSink{events: events, latency: latency, skips: skips}, nil
}

// RecordCommandEvent increments the counter for each lifecycle transition.
func (s *PromSink) RecordCommandEvent(ev coremetrics.CommandEvent) error {
	s.events.WithLabelValues(string(ev.Action), string(ev.Status)).Inc()
	return nil
}

// RecordAckLatency records the publish-to-ack latency histogram.
func (s *PromSink) RecordAckLatency(lat coremetrics.AckLatency) error {
	s.latency.WithLabelValues(string(lat.Action), strconv.FormatBool(lat.Acknowledged)).Observe(lat.Latency.Seconds())
	return nil
}

// RecordSkip increments the skip counter for the decision reason.
func (s *PromSink) RecordSkip(ev coremetrics.SkipEvent) error {
	s.skips.WithLabelValues(ev.Reason).Inc()
	return nil
}
