// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package rmcore is the placement and provisioning core of the
// resource manager. A Core keeps the pool of usable nodes, hands
// them out according to placement descriptors, and keeps the node
// source provisioning hosts that fall short of their configured node
// count.
package rmcore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"git.arvados.org/rmcore.git/lib/cloud"
	"git.arvados.org/rmcore.git/lib/nodesource"
	"git.arvados.org/rmcore.git/lib/selection"
	"git.arvados.org/rmcore.git/lib/topology"
	"git.arvados.org/rmcore.git/sdk/go/ctxlog"
	"git.arvados.org/rmcore.git/sdk/go/rm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const defaultAcquireInterval = 10 * time.Second

var ErrTopologyDisabled = errors.New("topology is not enabled")

// Core is the resource manager core. All public methods are goroutine
// safe.
type Core struct {
	Cluster  *rm.Cluster
	Registry *prometheus.Registry

	logger  logrus.FieldLogger
	source  *nodesource.NodeSource
	graph   *topology.Graph
	metrics *metrics

	// mtx protects pool. It is held from the snapshot to the
	// end of marking nodes busy, so two acquisitions never get
	// the same node.
	mtx  sync.Mutex
	pool *pool

	httpHandler http.Handler

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	ctx       context.Context
	stopped   chan struct{}
}

// New returns a Core for the given cluster, starting nodes through
// infra. The acquisition loop does not run until Start is called.
func New(ctx context.Context, cluster *rm.Cluster, infra cloud.Infrastructure, reg *prometheus.Registry) (*Core, error) {
	logger := ctxlog.FromContext(ctx)
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	source, err := nodesource.New(cluster.NodeSource, infra, logger, reg)
	if err != nil {
		return nil, err
	}
	var hosts []string
	for _, h := range source.Hosts.Hosts() {
		hosts = append(hosts, h.Address)
	}
	core := &Core{
		Cluster:  cluster,
		Registry: reg,
		logger:   logger,
		source:   source,
		metrics:  newMetrics(reg),
		pool:     newPool(hosts),
		stopped:  make(chan struct{}),
	}
	if cluster.Topology.Enabled {
		core.graph = topology.NewGraph()
	}
	core.ctx, core.cancel = context.WithCancel(ctx)
	source.Joined = core.nodeJoined
	core.setupAPI()
	return core, nil
}

// Start starts the acquisition loop. Start can be called multiple
// times with no ill effect.
func (core *Core) Start() {
	core.startOnce.Do(func() { go core.run() })
}

// Close stops the acquisition loop, waits for it to finish, and
// stops the infrastructure.
func (core *Core) Close() {
	core.stopOnce.Do(func() {
		core.cancel()
		core.Start()
		<-core.stopped
		core.source.Stop()
	})
}

// Done implements service.Handler.
func (core *Core) Done() <-chan struct{} {
	return core.stopped
}

// CheckHealth implements service.Handler.
func (core *Core) CheckHealth() error {
	select {
	case <-core.stopped:
		return errors.New("resource manager core is stopped")
	default:
		return nil
	}
}

// ServeHTTP implements service.Handler.
func (core *Core) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	core.Start()
	core.httpHandler.ServeHTTP(w, r)
}

func (core *Core) run() {
	defer close(core.stopped)
	interval := core.Cluster.NodeSource.AcquireInterval.Duration()
	if interval <= 0 {
		interval = defaultAcquireInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for core.ctx.Err() == nil {
		core.AcquireNodes(core.ctx)
		select {
		case <-core.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// AcquireNodes runs one provisioning round: nodes are started on
// every host that needs them. It returns when the round's
// provisioning attempts have finished.
func (core *Core) AcquireNodes(ctx context.Context) error {
	err := core.source.AcquireAllNodes(ctx)
	if err != nil && ctx.Err() == nil {
		core.logger.WithError(err).Warn("provisioning round had failures")
	}
	core.metrics.updateHosts(core.source.Hosts.Hosts())
	return err
}

// nodeJoined is called when the infrastructure reports a new node.
func (core *Core) nodeJoined(node rm.Node) error {
	if err := core.source.RegisterAcquiredNode(node); err != nil {
		return err
	}
	core.mtx.Lock()
	defer core.mtx.Unlock()
	core.pool.add(node)
	core.metrics.updatePool(core.pool)
	return nil
}

// Acquire selects count free nodes according to desc and marks them
// busy, along with the extra nodes of any host reserved exclusively.
// The nodes stay busy until they are released.
func (core *Core) Acquire(ctx context.Context, count int, desc selection.Descriptor) (selection.Result, error) {
	if err := ctx.Err(); err != nil {
		return selection.Result{}, err
	}
	t0 := time.Now()
	core.mtx.Lock()
	defer core.mtx.Unlock()
	graph := core.graph
	if graph != nil && desc.UsesDistances() {
		graph = graph.Clone()
	}
	res, err := selection.Select(count, desc, core.pool.snapshot(), graph)
	core.metrics.observeSelection(desc.Kind, selectionOutcome(res, count, err), time.Since(t0))
	logger := core.logger.WithFields(logrus.Fields{
		"Kind":      desc.Kind,
		"Requested": count,
	})
	if err != nil {
		logger.WithError(err).Info("cannot satisfy node request")
		return selection.Result{}, err
	}
	core.pool.take(res)
	core.metrics.updatePool(core.pool)
	logger.WithFields(logrus.Fields{
		"Selected": len(res.Nodes),
		"Extra":    len(res.Extra),
		"Reserved": res.Reserved,
	}).Debug("acquired nodes")
	return res, nil
}

// Release marks the given nodes free. Unknown and already free nodes
// are ignored. It returns the number of nodes released.
func (core *Core) Release(urls []string) int {
	core.mtx.Lock()
	defer core.mtx.Unlock()
	n := core.pool.release(urls)
	core.metrics.updatePool(core.pool)
	return n
}

// ReportNodeEvent records a node state change. An ALIVE node becomes
// usable: it is either a known node coming back, or a newly started
// node, whose deploying record is discarded. DOWN and REMOVED nodes
// are no longer usable. When a host has no usable nodes left, its
// distances are dropped from the topology.
func (core *Core) ReportNodeEvent(ctx context.Context, host, url string, kind rm.NodeEventKind) error {
	core.metrics.nodeEvents.WithLabelValues(string(kind)).Inc()
	switch kind {
	case rm.NodeAlive:
		node, known := core.source.Node(url)
		if known {
			if node.Host != host {
				return fmt.Errorf("node %s is on host %s, not %s", url, node.Host, host)
			}
			if err := core.source.NodeAlive(host, url); err != nil {
				return err
			}
		} else {
			node = rm.Node{URL: url, Name: nodeName(url), Host: host}
			if h := core.source.Hosts.Get(host); h != nil {
				node.HostName = h.Name
			}
			if err := core.source.RegisterAcquiredNode(node); err != nil {
				return err
			}
		}
		core.mtx.Lock()
		core.pool.add(node)
		core.metrics.updatePool(core.pool)
		core.mtx.Unlock()
		return nil
	case rm.NodeDown:
		if err := core.source.NodeDown(ctx, host, url); err != nil {
			return err
		}
	case rm.NodeRemoved:
		if err := core.source.NodeRemoved(ctx, host, url); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown node event kind %q", kind)
	}
	core.mtx.Lock()
	left := core.pool.remove(url)
	core.metrics.updatePool(core.pool)
	core.mtx.Unlock()
	if left == 0 && core.graph != nil && core.graph.RemoveHost(host) {
		core.logger.WithField("Host", host).Info("host has no usable nodes, removed from topology")
	}
	core.metrics.updateHosts(core.source.Hosts.Hosts())
	return nil
}

// nodeName returns the last path element of a node URL.
func nodeName(url string) string {
	return url[strings.LastIndex(url, "/")+1:]
}

// QueryNeededNodes returns the number of nodes the host is missing.
// It returns an error wrapping nodesource.ErrUnknownHost if the host
// is not registered.
func (core *Core) QueryNeededNodes(host string) (int, error) {
	return core.source.NeededNodes(host)
}

// LookupDeployingOrLost returns a copy of the deploying or lost record
// with the given URL, or nil if there is none.
func (core *Core) LookupDeployingOrLost(url string) *nodesource.DeployingView {
	return core.source.LookupDeployingOrLost(url)
}

// SetNeedsNodes overrides the host's needs-nodes flag until its
// nodes change.
func (core *Core) SetNeedsNodes(host string, needs bool) error {
	h := core.source.Hosts.Get(host)
	if h == nil {
		return fmt.Errorf("%w: %s", nodesource.ErrUnknownHost, host)
	}
	h.SetNeedsNodes(needs)
	core.metrics.updateHosts(core.source.Hosts.Hosts())
	return nil
}

// UpdateTopology records the measured distances from the given host
// to other hosts, replacing earlier measurements from that host. It
// returns an error wrapping topology.ErrInvalidDistance if a distance
// is negative and not topology.Unconnected.
func (core *Core) UpdateTopology(name, address string, distances map[string]topology.Distance) error {
	if core.graph == nil {
		return ErrTopologyDisabled
	}
	return core.graph.AddHost(name, address, distances)
}

// RemoveTopologyHost forgets a host and every distance to it. It
// returns false if the host was not known.
func (core *Core) RemoveTopologyHost(address string) (bool, error) {
	if core.graph == nil {
		return false, ErrTopologyDisabled
	}
	return core.graph.RemoveHost(address), nil
}

// TopologyHost is the topology entry of one host.
type TopologyHost struct {
	Name      string                       `json:"name"`
	Address   string                       `json:"address"`
	Distances map[string]topology.Distance `json:"distances"`
}

// Topology returns the known hosts and their recorded distances.
func (core *Core) Topology() ([]TopologyHost, error) {
	if core.graph == nil {
		return nil, ErrTopologyDisabled
	}
	var hosts []TopologyHost
	for _, addr := range core.graph.Hosts() {
		name, _ := core.graph.HostName(addr)
		hosts = append(hosts, TopologyHost{
			Name:      name,
			Address:   addr,
			Distances: core.graph.Edges(addr),
		})
	}
	return hosts, nil
}

// Hosts returns the state of every host of the node source.
func (core *Core) Hosts() []nodesource.HostView {
	return core.source.Hosts.Views()
}

// Deploying returns the deploying and lost node records.
func (core *Core) Deploying() []nodesource.DeployingView {
	return core.source.Deploying.List()
}

// Pool returns the free and busy nodes of every host.
func (core *Core) Pool() []PoolView {
	core.mtx.Lock()
	defer core.mtx.Unlock()
	return core.pool.views()
}
