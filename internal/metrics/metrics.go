// Package metrics holds the Prometheus collectors for stream reconciliation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vkstream"

// Metrics exposes collectors describing stream and reconciler activity.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	batchesApplied   *prometheus.CounterVec
	batchesFailed    *prometheus.CounterVec
	batchesDuplicate *prometheus.CounterVec
	parseErrors      *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	phantomOpens     *prometheus.CounterVec
	connected        *prometheus.GaugeVec
	publishes        *prometheus.CounterVec
}

// MustNewMetrics registers the collectors on reg. Registration errors panic,
// mirroring promauto. Tests should pass a fresh prometheus.NewRegistry().
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(subsystem, name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, []string{"stream"})
	}
	m := &Metrics{
		batchesApplied:   counter("reconcile", "batches_applied_total", "Patch batches applied to a document."),
		batchesFailed:    counter("reconcile", "batches_failed_total", "Patch batches that failed to apply."),
		batchesDuplicate: counter("patchstream", "batches_duplicate_total", "Patch batches dropped because their id was at or below the cursor."),
		parseErrors:      counter("patchstream", "parse_errors_total", "Stream messages dropped because they could not be decoded."),
		reconnects:       counter("patchstream", "reconnects_total", "Scheduled reconnects after a transport failure."),
		phantomOpens:     counter("patchstream", "phantom_opens_total", "Duplicate open signals that forced a connection restart."),
		publishes:        counter("reconcile", "publishes_total", "Documents published to subscribers."),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "patchstream",
			Name:      "connected",
			Help:      "1 while the stream connection is open.",
		}, []string{"stream"}),
	}
	reg.MustRegister(
		m.batchesApplied,
		m.batchesFailed,
		m.batchesDuplicate,
		m.parseErrors,
		m.reconnects,
		m.phantomOpens,
		m.publishes,
		m.connected,
	)
	return m
}

// BatchApplied counts a successfully applied batch.
func (m *Metrics) BatchApplied(stream string) {
	if m == nil {
		return
	}
	m.batchesApplied.WithLabelValues(stream).Inc()
}

// BatchFailed counts a batch that did not apply.
func (m *Metrics) BatchFailed(stream string) {
	if m == nil {
		return
	}
	m.batchesFailed.WithLabelValues(stream).Inc()
}

// BatchDuplicate counts a batch dropped by the cursor.
func (m *Metrics) BatchDuplicate(stream string) {
	if m == nil {
		return
	}
	m.batchesDuplicate.WithLabelValues(stream).Inc()
}

// ParseError counts an undecodable stream message.
func (m *Metrics) ParseError(stream string) {
	if m == nil {
		return
	}
	m.parseErrors.WithLabelValues(stream).Inc()
}

// Reconnect counts a scheduled reconnect.
func (m *Metrics) Reconnect(stream string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(stream).Inc()
}

// PhantomOpen counts a duplicate open signal.
func (m *Metrics) PhantomOpen(stream string) {
	if m == nil {
		return
	}
	m.phantomOpens.WithLabelValues(stream).Inc()
}

// Published counts a document publication.
func (m *Metrics) Published(stream string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(stream).Inc()
}

// SetConnected records the connection state of a stream.
func (m *Metrics) SetConnected(stream string, connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1
	}
	m.connected.WithLabelValues(stream).Set(value)
}

// Forget drops the per-stream series once a stream is torn down.
func (m *Metrics) Forget(stream string) {
	if m == nil {
		return
	}
	m.connected.DeleteLabelValues(stream)
}
