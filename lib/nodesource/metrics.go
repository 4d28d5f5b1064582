// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nodesource

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics is nil-safe: a NodeSource created without a registry
// records nothing.
type metrics struct {
	attempts        *prometheus.CounterVec
	failures        *prometheus.CounterVec
	lostDeployments *prometheus.CounterVec
	deploying       prometheus.Gauge
	lost            prometheus.Gauge
}

func newMetrics(reg *prometheus.Registry, nodeSource string) *metrics {
	if reg == nil {
		return nil
	}
	labels := prometheus.Labels{"node_source": nodeSource}
	m := &metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "rmcore",
			Subsystem:   "nodesource",
			Name:        "provisioning_attempts_total",
			Help:        "Number of attempts to start nodes on a host.",
			ConstLabels: labels,
		}, []string{"host"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "rmcore",
			Subsystem:   "nodesource",
			Name:        "provisioning_failures_total",
			Help:        "Number of failed attempts to start nodes on a host.",
			ConstLabels: labels,
		}, []string{"host"}),
		lostDeployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "rmcore",
			Subsystem:   "nodesource",
			Name:        "lost_deployments_total",
			Help:        "Number of deploying nodes declared lost.",
			ConstLabels: labels,
		}, []string{"host"}),
		deploying: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "rmcore",
			Subsystem:   "nodesource",
			Name:        "deploying_nodes",
			Help:        "Number of nodes being deployed.",
			ConstLabels: labels,
		}),
		lost: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "rmcore",
			Subsystem:   "nodesource",
			Name:        "lost_nodes",
			Help:        "Number of lost node records.",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(m.attempts)
	reg.MustRegister(m.failures)
	reg.MustRegister(m.lostDeployments)
	reg.MustRegister(m.deploying)
	reg.MustRegister(m.lost)
	return m
}

func (m *metrics) observeAttempt(host string) {
	if m != nil {
		m.attempts.WithLabelValues(host).Inc()
	}
}

func (m *metrics) observeFailure(host string) {
	if m != nil {
		m.failures.WithLabelValues(host).Inc()
	}
}

func (m *metrics) observeLost(host string) {
	if m != nil {
		m.lostDeployments.WithLabelValues(host).Inc()
	}
}

func (m *metrics) updateRecords(reg *DeployingNodeRegistry) {
	if m != nil {
		deploying, lost := reg.Count()
		m.deploying.Set(float64(deploying))
		m.lost.Set(float64(lost))
	}
}
