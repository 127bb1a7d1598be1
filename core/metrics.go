package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Flush triggers used as label values
const (
	FlushSize     = "size"
	FlushTimer    = "timer"
	FlushComplete = "complete"
)

// Metrics holds the Prometheus collectors of a pipeline. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	entriesLogged    prometheus.Counter
	entriesDropped   *prometheus.CounterVec
	entriesOffered   *prometheus.CounterVec
	entriesRejected  *prometheus.CounterVec
	entriesProcessed *prometheus.CounterVec
	entriesFailed    *prometheus.CounterVec
	retries          *prometheus.CounterVec
	batchesFlushed   *prometheus.CounterVec
	batchSize        *prometheus.HistogramVec
	inputDepth       prometheus.Gauge
	queueDepth       *prometheus.GaugeVec
	targetFaults     *prometheus.CounterVec
}

// NewMetrics creates the pipeline collectors and registers them on reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		entriesLogged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logfanout_entries_logged_total",
			Help: "Total number of entries submitted by producers",
		}),
		entriesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logfanout_entries_dropped_total",
			Help: "Entries dropped by the manager, by reason",
		}, []string{"reason"}),
		entriesOffered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logfanout_target_entries_offered_total",
			Help: "Entries accepted into a target queue",
		}, []string{"target"}),
		entriesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logfanout_target_entries_rejected_total",
			Help: "Entries a target refused, by reason",
		}, []string{"target", "reason"}),
		entriesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logfanout_target_entries_processed_total",
			Help: "Entries successfully handed to a sink",
		}, []string{"target"}),
		entriesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logfanout_target_entries_failed_total",
			Help: "Entries whose sink write failed after retries",
		}, []string{"target"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logfanout_target_retries_total",
			Help: "Sink write retries",
		}, []string{"target"}),
		batchesFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logfanout_target_batches_flushed_total",
			Help: "Batches emitted by a batch target, by trigger",
		}, []string{"target", "trigger"}),
		batchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "logfanout_target_batch_size",
			Help:    "Number of entries per emitted batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"target"}),
		inputDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "logfanout_manager_queue_depth",
			Help: "Entries waiting in the manager queue",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "logfanout_target_queue_depth",
			Help: "Entries waiting in a target queue",
		}, []string{"target"}),
		targetFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logfanout_target_faults_total",
			Help: "Targets that settled in the faulted state",
		}, []string{"target"}),
	}

	for _, c := range []prometheus.Collector{
		m.entriesLogged, m.entriesDropped, m.entriesOffered, m.entriesRejected,
		m.entriesProcessed, m.entriesFailed, m.retries, m.batchesFlushed,
		m.batchSize, m.inputDepth, m.queueDepth, m.targetFaults,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) logged() {
	if m != nil {
		m.entriesLogged.Inc()
	}
}

func (m *Metrics) dropped(reason string, n int) {
	if m != nil && n > 0 {
		m.entriesDropped.WithLabelValues(reason).Add(float64(n))
	}
}

func (m *Metrics) offered(target string) {
	if m != nil {
		m.entriesOffered.WithLabelValues(target).Inc()
	}
}

func (m *Metrics) rejected(target, reason string) {
	if m != nil {
		m.entriesRejected.WithLabelValues(target, reason).Inc()
	}
}

func (m *Metrics) processed(target string, n int) {
	if m != nil {
		m.entriesProcessed.WithLabelValues(target).Add(float64(n))
	}
}

func (m *Metrics) failed(target string, n int) {
	if m != nil {
		m.entriesFailed.WithLabelValues(target).Add(float64(n))
	}
}

func (m *Metrics) retried(target string) {
	if m != nil {
		m.retries.WithLabelValues(target).Inc()
	}
}

func (m *Metrics) flushed(target, trigger string, size int) {
	if m != nil {
		m.batchesFlushed.WithLabelValues(target, trigger).Inc()
		m.batchSize.WithLabelValues(target).Observe(float64(size))
	}
}

func (m *Metrics) managerDepth(n int) {
	if m != nil {
		m.inputDepth.Set(float64(n))
	}
}

func (m *Metrics) depth(target string, n int) {
	if m != nil {
		m.queueDepth.WithLabelValues(target).Set(float64(n))
	}
}

func (m *Metrics) faulted(target string) {
	if m != nil {
		m.targetFaults.WithLabelValues(target).Inc()
	}
}
