// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package xhash

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aristanetworks/xhash/monotime"
)

// metrics mirrors ocprometheus's MustRegister-a-collector-on-a-registry
// pattern, but scoped to one *Index rather than the process default
// registry, so multiple indexes (or repeated tests) never collide on
// metric registration.
type metrics struct {
	placements  *prometheus.CounterVec
	splits      prometheus.Counter
	doublings   prometheus.Counter
	globalDepth prometheus.Gauge
	segments    prometheus.Gauge
	opLatency   *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer, namespace string) *metrics {
	m := &metrics{
		placements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insert_placements_total",
			Help:      "Count of inserts landing in each placement path.",
		}, []string{"kind"}),
		splits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_splits_total",
			Help:      "Count of segment splits performed.",
		}),
		doublings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_doublings_total",
			Help:      "Count of directory doubling events.",
		}),
		globalDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "directory_global_depth",
			Help:      "Current directory global depth.",
		}),
		segments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "segments",
			Help:      "Current number of live segments.",
		}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "op_latency_seconds",
			Help:      "Latency of Insert/Get/Delete calls.",
			Buckets:   prometheus.ExponentialBuckets(1e-7, 4, 12),
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.placements, m.splits, m.doublings, m.globalDepth, m.segments, m.opLatency)
	}
	return m
}

func (m *metrics) observePlacement(kind placementKind) {
	m.placements.WithLabelValues(kind.String()).Inc()
}

func (m *metrics) observeSplit() {
	m.splits.Inc()
}

func (m *metrics) observeDoubling() {
	m.doublings.Inc()
}

func (m *metrics) setDepth(globalDepth uint8, segments int) {
	m.globalDepth.Set(float64(globalDepth))
	m.segments.Set(float64(segments))
}

// timeOp returns a func to call when op completes, recording its latency
// with monotime rather than time.Now, since monotime.Now is a single
// VDSO-backed clock read instead of time.Now's wall-clock-plus-monotonic
// reading.
func (m *metrics) timeOp(op string) func() {
	start := monotime.Now()
	return func() {
		m.opLatency.WithLabelValues(op).Observe(monotime.Since(start).Seconds())
	}
}
