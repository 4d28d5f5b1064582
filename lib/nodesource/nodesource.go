// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package nodesource tracks the hosts of a node source, the nodes
// being deployed on them, and provisions new nodes when hosts fall
// short of their configured node count.
package nodesource

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"git.arvados.org/rmcore.git/lib/cloud"
	"git.arvados.org/rmcore.git/sdk/go/rm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnknownHost     = errors.New("unknown host")
	ErrUnexpectedNode  = errors.New("node was not deployed by this node source")
	ErrRemovedNode     = errors.New("node was removed")
	ErrInvalidNodeName = errors.New("invalid node name")
	ErrDuplicateNode   = errors.New("deploying node already exists")
)

const (
	defaultMaxDeploymentFailure      = 5
	defaultWaitBetweenDeployFailures = 5 * time.Second
	defaultNodeTimeout               = time.Minute
	defaultMaxConcurrentProvisioning = 8
)

// NodeSource owns the hosts of one configured node source and starts
// nodes on them through an Infrastructure.
//
// All public methods of a NodeSource are goroutine safe.
type NodeSource struct {
	Name      string
	Hosts     *HostRegistry
	Deploying *DeployingNodeRegistry

	// If non-nil, Joined is called instead of
	// RegisterAcquiredNode when the infrastructure reports a new
	// node. It is expected to call RegisterAcquiredNode itself.
	Joined func(rm.Node) error

	config   rm.NodeSourceConfig
	infra    cloud.Infrastructure
	logger   logrus.FieldLogger
	retrier  *Retrier
	throttle throttle
	metrics  *metrics

	mtx       sync.Mutex
	timers    map[string]*time.Timer
	nodes     map[string]rm.Node
	acquiring map[string]bool
	stopped   bool
}

// New returns a NodeSource for the given config, with every
// configured host registered. If reg is nil, metrics are not
// exported.
func New(cfg rm.NodeSourceConfig, infra cloud.Infrastructure, logger logrus.FieldLogger, reg *prometheus.Registry) (*NodeSource, error) {
	if cfg.Name == "" {
		return nil, errors.New("node source has no name")
	}
	if strings.ContainsAny(cfg.Name, "/ \t\n") {
		return nil, fmt.Errorf("invalid node source name %q", cfg.Name)
	}
	if cfg.MaxDeploymentFailure == 0 {
		cfg.MaxDeploymentFailure = defaultMaxDeploymentFailure
	}
	if cfg.ProvisioningRetries == 0 {
		cfg.ProvisioningRetries = cfg.MaxDeploymentFailure
	}
	if cfg.WaitBetweenDeploymentFailures == 0 {
		cfg.WaitBetweenDeploymentFailures = rm.Duration(defaultWaitBetweenDeployFailures)
	}
	if cfg.NodeTimeout == 0 {
		cfg.NodeTimeout = rm.Duration(defaultNodeTimeout)
	}
	if cfg.MaxConcurrentProvisioning <= 0 {
		cfg.MaxConcurrentProvisioning = defaultMaxConcurrentProvisioning
	}
	logger = logger.WithField("NodeSource", cfg.Name)
	ns := &NodeSource{
		Name:      cfg.Name,
		Hosts:     NewHostRegistry(logger),
		Deploying: NewDeployingNodeRegistry(),
		config:    cfg,
		infra:     infra,
		logger:    logger,
		metrics:   newMetrics(reg, cfg.Name),
		timers:    map[string]*time.Timer{},
		nodes:     map[string]rm.Node{},
		acquiring: map[string]bool{},
	}
	for _, hc := range cfg.Hosts {
		if _, err := ns.Hosts.Register(hc.Name, hc.Address, hc.Nodes); err != nil {
			return nil, err
		}
	}
	ns.retrier = &Retrier{
		Infrastructure: infra,
		Registrar:      ns,
		Logger:         logger,
		throttle:       &ns.throttle,
		metrics:        ns.metrics,
	}
	return ns, nil
}

// SetSleep replaces the function used to wait between provisioning
// attempts. Tests use it to avoid real delays.
func (ns *NodeSource) SetSleep(sleep func(context.Context, time.Duration) error) {
	ns.retrier.Sleep = sleep
}

// DeployingURL returns the deploying URL for a node name.
func (ns *NodeSource) DeployingURL(name string) string {
	return "deploying://" + ns.Name + "/" + name
}

// AcquireAllNodes starts nodes on every host that needs them, and
// waits for the provisioning attempts to finish. Hosts are
// provisioned concurrently; a failure on one host does not affect the
// others. The returned error joins the per-host failures.
func (ns *NodeSource) AcquireAllNodes(ctx context.Context) error {
	if err := ns.throttle.Error(); err != nil {
		ns.logger.WithError(err).Debug("skipping acquisition round")
		return nil
	}
	var (
		g       errgroup.Group
		errsMtx sync.Mutex
		errs    []error
	)
	g.SetLimit(ns.config.MaxConcurrentProvisioning)
	for _, h := range ns.Hosts.Hosts() {
		if !h.NeedsNodes() {
			continue
		}
		needed := h.NeededNodeNumber() - ns.Deploying.CountDeployingOn(h.Address)
		if needed <= 0 || !ns.startAcquiring(h.Address) {
			continue
		}
		h := h
		h.SetNeedsNodes(false)
		ns.logger.WithFields(logrus.Fields{
			"Host":      h.Address,
			"NodeCount": needed,
		}).Info("acquiring nodes")
		g.Go(func() error {
			defer ns.doneAcquiring(h.Address)
			err := ns.retrier.Provision(ctx, cloud.Host{Name: h.Name, Address: h.Address}, needed,
				ns.config.ProvisioningRetries, ns.config.WaitBetweenDeploymentFailures.Duration())
			if err != nil {
				errsMtx.Lock()
				errs = append(errs, err)
				errsMtx.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

func (ns *NodeSource) startAcquiring(address string) bool {
	ns.mtx.Lock()
	defer ns.mtx.Unlock()
	if ns.stopped || ns.acquiring[address] {
		return false
	}
	ns.acquiring[address] = true
	return true
}

func (ns *NodeSource) doneAcquiring(address string) {
	ns.mtx.Lock()
	defer ns.mtx.Unlock()
	delete(ns.acquiring, address)
}

// AddDeployingNode implements cloud.Registrar.
func (ns *NodeSource) AddDeployingNode(name, command, description string, host cloud.Host) (string, error) {
	if name == "" || strings.IndexFunc(name, unicode.IsSpace) >= 0 || strings.Contains(name, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidNodeName, name)
	}
	if ns.Hosts.Get(host.Address) == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownHost, host.Address)
	}
	url := ns.DeployingURL(name)
	dn := NewDeployingNode(url, name, host.Address)
	dn.Command = command
	dn.Description = description
	if !ns.Deploying.Create(dn) {
		return "", fmt.Errorf("%w: %s", ErrDuplicateNode, url)
	}
	ns.mtx.Lock()
	if timeout := ns.config.NodeTimeout.Duration(); timeout > 0 && !ns.stopped {
		ns.timers[url] = time.AfterFunc(timeout, func() {
			if ns.DeclareLost(url, fmt.Sprintf("node did not register within %s", timeout)) {
				ns.logger.WithField("DeployingURL", url).Warn("deploying node timed out")
			}
		})
	}
	ns.mtx.Unlock()
	ns.metrics.updateRecords(ns.Deploying)
	ns.logger.WithFields(logrus.Fields{
		"DeployingURL": url,
		"Host":         host.Address,
	}).Debug("added deploying node")
	return url, nil
}

// DeclareLost implements cloud.Registrar.
func (ns *NodeSource) DeclareLost(url, description string) bool {
	dn := ns.Deploying.DeclareLost(url, description)
	if dn == nil {
		return false
	}
	ns.stopTimer(url)
	ns.metrics.updateRecords(ns.Deploying)
	ns.notifyLost(dn)
	return true
}

// RemoveDeployingNode removes the deploying or lost record for url.
// Removing a record that was still deploying counts as a lost
// deployment on its host.
func (ns *NodeSource) RemoveDeployingNode(url string) {
	ns.stopTimer(url)
	dn := ns.Deploying.Remove(url)
	if dn == nil {
		return
	}
	ns.metrics.updateRecords(ns.Deploying)
	if !dn.IsLost() {
		ns.notifyLost(dn)
	}
}

func (ns *NodeSource) notifyLost(dn *DeployingNode) {
	ns.metrics.observeLost(dn.Host)
	h := ns.Hosts.Get(dn.Host)
	if h == nil {
		return
	}
	if h.noteLostDeployment(ns.config.MaxDeploymentFailure) {
		ns.logger.WithField("Host", dn.Host).Info("too many lost deployments, host will be provisioned again")
	}
}

func (ns *NodeSource) stopTimer(url string) {
	ns.mtx.Lock()
	defer ns.mtx.Unlock()
	if t, ok := ns.timers[url]; ok {
		t.Stop()
		delete(ns.timers, url)
	}
}

// NodeAcquired implements cloud.Registrar.
func (ns *NodeSource) NodeAcquired(node rm.Node) error {
	if ns.Joined != nil {
		return ns.Joined(node)
	}
	return ns.RegisterAcquiredNode(node)
}

// RegisterAcquiredNode records a node that has joined: its deploying
// record is discarded and it becomes alive on its host. If the node
// source uses deploying nodes, a node without a deploying record is
// rejected.
func (ns *NodeSource) RegisterAcquiredNode(node rm.Node) error {
	h := ns.Hosts.Get(node.Host)
	if h == nil {
		return fmt.Errorf("%w: %s", ErrUnknownHost, node.Host)
	}
	url := ns.DeployingURL(node.Name)
	if ns.config.UsingDeployingNodes {
		if dn := ns.Deploying.Lookup(url); dn == nil || dn.IsLost() {
			return fmt.Errorf("%w: %s", ErrUnexpectedNode, node.URL)
		}
	}
	ns.stopTimer(url)
	if ns.Deploying.Remove(url) != nil {
		ns.metrics.updateRecords(ns.Deploying)
	}
	if !h.PutAliveNode(node.URL) {
		return fmt.Errorf("%w: %s", ErrRemovedNode, node.URL)
	}
	ns.mtx.Lock()
	ns.nodes[node.URL] = node
	ns.mtx.Unlock()
	ns.logger.WithFields(logrus.Fields{
		"NodeURL": node.URL,
		"Host":    node.Host,
	}).Info("node acquired")
	return nil
}

// NodeAlive records that a known node is alive again, e.g., after
// reconnecting.
func (ns *NodeSource) NodeAlive(address, url string) error {
	h := ns.Hosts.Get(address)
	if h == nil {
		return fmt.Errorf("%w: %s", ErrUnknownHost, address)
	}
	if !h.PutAliveNode(url) {
		return fmt.Errorf("%w: %s", ErrRemovedNode, url)
	}
	ns.logger.WithFields(logrus.Fields{"NodeURL": url, "Host": address}).Info("node is alive")
	return nil
}

// NodeDown records that a node is down. If the host has no alive
// nodes left, the node's process is killed and the host is flagged
// as needing nodes.
func (ns *NodeSource) NodeDown(ctx context.Context, address, url string) error {
	h := ns.Hosts.Get(address)
	if h == nil {
		return fmt.Errorf("%w: %s", ErrUnknownHost, address)
	}
	if !h.PutDownNode(url) {
		return fmt.Errorf("%w: %s", ErrRemovedNode, url)
	}
	ns.logger.WithFields(logrus.Fields{"NodeURL": url, "Host": address}).Info("node is down")
	ns.afterNodeLoss(ctx, h, url)
	return nil
}

// NodeRemoved records that a node was removed. Removal is final. If
// the host has no alive nodes left, the node's process is killed and
// the host is flagged as needing nodes.
func (ns *NodeSource) NodeRemoved(ctx context.Context, address, url string) error {
	h := ns.Hosts.Get(address)
	if h == nil {
		return fmt.Errorf("%w: %s", ErrUnknownHost, address)
	}
	h.PutRemovedNode(url)
	ns.logger.WithFields(logrus.Fields{"NodeURL": url, "Host": address}).Info("node removed")
	ns.afterNodeLoss(ctx, h, url)
	ns.mtx.Lock()
	delete(ns.nodes, url)
	ns.mtx.Unlock()
	return nil
}

func (ns *NodeSource) afterNodeLoss(ctx context.Context, h *Host, url string) {
	if h.HasAliveNodes() {
		return
	}
	ns.mtx.Lock()
	node, known := ns.nodes[url]
	ns.mtx.Unlock()
	if known {
		if err := ns.infra.KillNode(ctx, node); err != nil {
			ns.logger.WithError(err).WithField("NodeURL", url).Warn("error killing node process")
		}
	}
	h.SetNeedsNodes(true)
	ns.logger.WithField("Host", h.Address).Info("host has no more alive nodes, flagged as needing nodes")
}

// LookupDeployingOrLost returns a copy of the deploying or lost
// record with the given URL, or nil.
func (ns *NodeSource) LookupDeployingOrLost(url string) *DeployingView {
	dn := ns.Deploying.Lookup(url)
	if dn == nil {
		return nil
	}
	view := dn.View()
	return &view
}

// NeededNodes returns the number of nodes needed on the host.
func (ns *NodeSource) NeededNodes(address string) (int, error) {
	h := ns.Hosts.Get(address)
	if h == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownHost, address)
	}
	return h.NeededNodeNumber(), nil
}

// Node returns the acquired node with the given URL.
func (ns *NodeSource) Node(url string) (rm.Node, bool) {
	ns.mtx.Lock()
	defer ns.mtx.Unlock()
	node, ok := ns.nodes[url]
	return node, ok
}

// Stop cancels pending deploying timeouts and stops the
// infrastructure.
func (ns *NodeSource) Stop() {
	ns.mtx.Lock()
	ns.stopped = true
	for url, t := range ns.timers {
		t.Stop()
		delete(ns.timers, url)
	}
	ns.mtx.Unlock()
	ns.infra.Stop()
}
