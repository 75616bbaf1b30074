package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yourusername/flowgate/pkg/flowgate"
)

// PromCollector wraps a Collector and mirrors every recorded operation into
// Prometheus metrics. It implements flowgate.Recorder, so it drops in
// wherever a plain Collector would.
type PromCollector struct {
	*Collector

	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	payload    prometheus.Counter
	backoffs   prometheus.Counter
	inBackoff  atomic.Bool
}

var _ flowgate.Recorder = (*PromCollector)(nil)

// NewPromCollector registers flowgate metrics on reg and returns a recorder
// feeding both the in-process collector and Prometheus.
func NewPromCollector(reg prometheus.Registerer) (*PromCollector, error) {
	p := &PromCollector{
		Collector: NewCollector(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgate",
			Name:      "operations_total",
			Help:      "Operations executed, by queue and outcome.",
		}, []string{"queue", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowgate",
			Name:      "operation_duration_seconds",
			Help:      "Operation execution time, by queue.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
		payload: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowgate",
			Name:      "payload_bytes_total",
			Help:      "Request payload bytes sent through flowgate.",
		}),
		backoffs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowgate",
			Name:      "global_backoffs_total",
			Help:      "Times the global backoff paused queue processing.",
		}),
	}

	for _, c := range []prometheus.Collector{p.operations, p.duration, p.payload, p.backoffs} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// RecordOperation records the operation in both backends.
func (p *PromCollector) RecordOperation(queue string, duration time.Duration, err error) {
	p.Collector.RecordOperation(queue, duration, err)

	outcome := "ok"
	switch {
	case flowgate.IsRateLimit(err):
		outcome = "rate_limited"
	case flowgate.IsTimeout(err):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	p.operations.WithLabelValues(queue, outcome).Inc()
	p.duration.WithLabelValues(queue).Observe(duration.Seconds())
}

// RecordPayload adds to both payload counters.
func (p *PromCollector) RecordPayload(bytes int64) {
	p.Collector.RecordPayload(bytes)
	if bytes > 0 {
		p.payload.Add(float64(bytes))
	}
}

// GlobalBackoff consults the wrapped collector. The counter moves only on
// the transition into backoff: the drain loop consults once per queued
// operation, and repeated consults during one pause episode are not new
// pauses.
func (p *PromCollector) GlobalBackoff() (time.Duration, bool) {
	delay, ok := p.Collector.GlobalBackoff()
	if ok {
		if p.inBackoff.CompareAndSwap(false, true) {
			p.backoffs.Inc()
		}
	} else {
		p.inBackoff.Store(false)
	}
	return delay, ok
}
