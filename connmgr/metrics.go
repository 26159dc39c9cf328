// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the prometheus collectors of one connection manager.
type metrics struct {
	peers       *prometheus.GaugeVec
	draining    prometheus.Gauge
	bans        prometheus.Gauge
	evictions   prometheus.Counter
	refusals    *prometheus.CounterVec
	misbehavior prometheus.Counter
	violations  prometheus.Counter
	bytes       []prometheus.Collector
}

// newMetrics creates the collectors and registers them with reg.  Collectors
// that are already registered are reused.
func newMetrics(reg prometheus.Registerer, totals func() (uint64, uint64)) *metrics {
	m := &metrics{
		peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "p2pd",
			Subsystem: "peers",
			Name:      "connected",
			Help:      "Number of live peers by direction.",
		}, []string{"direction"}),
		draining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "p2pd",
			Subsystem: "peers",
			Name:      "draining",
			Help:      "Number of disconnected peers waiting to be freed.",
		}),
		bans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "p2pd",
			Subsystem: "bans",
			Name:      "active",
			Help:      "Number of banned subnets.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "p2pd",
			Subsystem: "peers",
			Name:      "evictions_total",
			Help:      "Inbound peers evicted to admit a new connection.",
		}),
		refusals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "p2pd",
			Subsystem: "peers",
			Name:      "refusals_total",
			Help:      "Connection attempts refused by reason.",
		}, []string{"reason"}),
		misbehavior: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "p2pd",
			Subsystem: "peers",
			Name:      "misbehavior_total",
			Help:      "Ban score increases reported for peers.",
		}),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "p2pd",
			Subsystem: "peers",
			Name:      "protocol_violations_total",
			Help:      "Connections dropped for malformed framing.",
		}),
	}
	m.bytes = []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "p2pd",
			Subsystem: "net",
			Name:      "bytes_received_total",
			Help:      "Bytes received from all peers.",
		}, func() float64 {
			recv, _ := totals()
			return float64(recv)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "p2pd",
			Subsystem: "net",
			Name:      "bytes_sent_total",
			Help:      "Bytes sent to all peers.",
		}, func() float64 {
			_, sent := totals()
			return float64(sent)
		}),
	}

	collectors := []prometheus.Collector{m.peers, m.draining, m.bans,
		m.evictions, m.refusals, m.misbehavior, m.violations}
	collectors = append(collectors, m.bytes...)
	for i, c := range collectors {
		collectors[i] = register(reg, c)
	}
	m.peers = collectors[0].(*prometheus.GaugeVec)
	m.draining = collectors[1].(prometheus.Gauge)
	m.bans = collectors[2].(prometheus.Gauge)
	m.evictions = collectors[3].(prometheus.Counter)
	m.refusals = collectors[4].(*prometheus.CounterVec)
	m.misbehavior = collectors[5].(prometheus.Counter)
	m.violations = collectors[6].(prometheus.Counter)
	return m
}

// register registers c with reg, returning the collector already registered
// under the same descriptor if there is one.
func register(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return are.ExistingCollector
	}
	log.Warnf("Unable to register metric: %v", err)
	return c
}

// observePeers records the live peer counts.
func (m *metrics) observePeers(inbound, outbound, draining int) {
	m.peers.WithLabelValues("inbound").Set(float64(inbound))
	m.peers.WithLabelValues("outbound").Set(float64(outbound))
	m.draining.Set(float64(draining))
}

// recordRefusal counts one refused connection.
func (m *metrics) recordRefusal(code ErrorCode) {
	m.refusals.WithLabelValues(code.metricLabel()).Inc()
}
