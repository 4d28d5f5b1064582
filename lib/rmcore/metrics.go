// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rmcore

import (
	"errors"
	"time"

	"git.arvados.org/rmcore.git/lib/nodesource"
	"git.arvados.org/rmcore.git/lib/selection"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	nodes             *prometheus.GaugeVec
	hostsNeedingNodes prometheus.Gauge
	reservedHosts     prometheus.Gauge
	selections        *prometheus.CounterVec
	selectionDuration *prometheus.SummaryVec
	nodeEvents        *prometheus.CounterVec
}

func newMetrics(reg *prometheus.Registry) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &metrics{
		nodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rmcore",
			Subsystem: "core",
			Name:      "nodes",
			Help:      "Number of nodes in the pool, by state.",
		}, []string{"state"}),
		hostsNeedingNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rmcore",
			Subsystem: "core",
			Name:      "hosts_needing_nodes",
			Help:      "Number of hosts flagged as needing more nodes.",
		}),
		reservedHosts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rmcore",
			Subsystem: "core",
			Name:      "reserved_hosts",
			Help:      "Number of hosts reserved for exclusive use.",
		}),
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rmcore",
			Subsystem: "core",
			Name:      "selections_total",
			Help:      "Number of node selections, by descriptor kind and outcome.",
		}, []string{"kind", "outcome"}),
		selectionDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace: "rmcore",
			Subsystem: "core",
			Name:      "selection_duration_seconds",
			Help:      "Time spent selecting nodes, including waiting for the pool lock.",
		}, []string{"kind"}),
		nodeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rmcore",
			Subsystem: "core",
			Name:      "node_events_total",
			Help:      "Number of node events reported, by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.nodes)
	reg.MustRegister(m.hostsNeedingNodes)
	reg.MustRegister(m.reservedHosts)
	reg.MustRegister(m.selections)
	reg.MustRegister(m.selectionDuration)
	reg.MustRegister(m.nodeEvents)
	return m
}

func selectionOutcome(res selection.Result, count int, err error) string {
	switch {
	case errors.Is(err, selection.ErrInsufficientCapacity):
		return "insufficient_capacity"
	case errors.Is(err, selection.ErrTopologyUnavailable):
		return "topology_unavailable"
	case err != nil:
		return "error"
	case len(res.Nodes) < count:
		return "partial"
	default:
		return "ok"
	}
}

func (m *metrics) observeSelection(kind selection.Kind, outcome string, elapsed time.Duration) {
	m.selections.WithLabelValues(string(kind), outcome).Inc()
	m.selectionDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

func (m *metrics) updatePool(p *pool) {
	free, busy := p.counts()
	m.nodes.WithLabelValues("free").Set(float64(free))
	m.nodes.WithLabelValues("busy").Set(float64(busy))
	m.reservedHosts.Set(float64(len(p.reserved)))
}

func (m *metrics) updateHosts(hosts []*nodesource.Host) {
	n := 0
	for _, h := range hosts {
		if h.NeedsNodes() {
			n++
		}
	}
	m.hostsNeedingNodes.Set(float64(n))
}
