// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nodesource

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Host tracks the nodes of one configured host. A node URL is in at
// most one of the alive, down, and removed sets. Removal is final.
type Host struct {
	Name       string
	Address    string
	Configured int

	logger       logrus.FieldLogger
	mtx          sync.Mutex
	alive        map[string]bool
	down         map[string]bool
	removed      map[string]bool
	needsNodes   *bool
	lostDeployed int
}

// HostView is a point-in-time copy of a Host's state.
type HostView struct {
	Name        string   `json:"name"`
	Address     string   `json:"address"`
	Configured  int      `json:"configured"`
	Alive       []string `json:"alive"`
	Down        []string `json:"down"`
	Removed     []string `json:"removed"`
	NeedsNodes  bool     `json:"needs_nodes"`
	NeededNodes int      `json:"needed_nodes"`
}

func newHost(name, address string, configured int, logger logrus.FieldLogger) *Host {
	return &Host{
		Name:       name,
		Address:    address,
		Configured: configured,
		logger:     logger.WithField("Host", address),
		alive:      map[string]bool{},
		down:       map[string]bool{},
		removed:    map[string]bool{},
	}
}

// NeedsNodes returns true if fewer nodes are alive than configured,
// not counting nodes that were removed. A value set by SetNeedsNodes
// takes precedence until the next change to the host's node sets.
func (h *Host) NeedsNodes() bool {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.needsNodesLocked()
}

func (h *Host) needsNodesLocked() bool {
	if h.needsNodes != nil {
		return *h.needsNodes
	}
	return len(h.alive) < h.Configured-len(h.removed)
}

// SetNeedsNodes overrides NeedsNodes until the next change to the
// host's node sets.
func (h *Host) SetNeedsNodes(needs bool) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.needsNodes = &needs
}

// NeededNodeNumber returns the number of nodes to start on this
// host. Down nodes are counted as needed; removed nodes are not.
func (h *Host) NeededNodeNumber() int {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.neededLocked()
}

func (h *Host) neededLocked() int {
	n := h.Configured - len(h.alive) - len(h.removed)
	if n < 0 {
		return 0
	}
	return n
}

// PutAliveNode records url as alive, moving it out of the down set.
// It returns false if url was removed.
func (h *Host) PutAliveNode(url string) bool {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.removed[url] {
		h.logger.WithField("NodeURL", url).Warn("ignoring alive notification for removed node")
		return false
	}
	delete(h.down, url)
	h.alive[url] = true
	h.needsNodes = nil
	return true
}

// PutDownNode records url as down, moving it out of the alive set.
// It returns false if url was removed.
func (h *Host) PutDownNode(url string) bool {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.removed[url] {
		h.logger.WithField("NodeURL", url).Warn("ignoring down notification for removed node")
		return false
	}
	delete(h.alive, url)
	h.down[url] = true
	h.needsNodes = nil
	return true
}

// PutRemovedNode records url as removed.
func (h *Host) PutRemovedNode(url string) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	delete(h.alive, url)
	delete(h.down, url)
	h.removed[url] = true
	h.needsNodes = nil
}

// HasAliveNodes returns true if at least one node is alive.
func (h *Host) HasAliveNodes() bool {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return len(h.alive) > 0
}

// State returns "alive", "down", "removed", or "" depending on which
// set url is in.
func (h *Host) State(url string) string {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	switch {
	case h.alive[url]:
		return "alive"
	case h.down[url]:
		return "down"
	case h.removed[url]:
		return "removed"
	}
	return ""
}

// noteLostDeployment counts a lost deploying node. When the count
// reaches maxFailure per configured node, the count is reset and the
// host is flagged as needing nodes. It returns true in that case. A
// negative maxFailure disables the check.
func (h *Host) noteLostDeployment(maxFailure int) bool {
	if maxFailure < 0 {
		return false
	}
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.lostDeployed++
	if h.lostDeployed < h.Configured*maxFailure {
		return false
	}
	h.lostDeployed = 0
	needs := true
	h.needsNodes = &needs
	return true
}

// View returns a copy of the host's state.
func (h *Host) View() HostView {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return HostView{
		Name:        h.Name,
		Address:     h.Address,
		Configured:  h.Configured,
		Alive:       sortedKeys(h.alive),
		Down:        sortedKeys(h.down),
		Removed:     sortedKeys(h.removed),
		NeedsNodes:  h.needsNodesLocked(),
		NeededNodes: h.neededLocked(),
	}
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HostRegistry is the set of configured hosts, in registration
// order.
type HostRegistry struct {
	logger logrus.FieldLogger
	mtx    sync.RWMutex
	hosts  map[string]*Host
	order  []*Host
}

func NewHostRegistry(logger logrus.FieldLogger) *HostRegistry {
	return &HostRegistry{
		logger: logger,
		hosts:  map[string]*Host{},
	}
}

// Register adds a host. Registering an address twice is an error.
func (hr *HostRegistry) Register(name, address string, configured int) (*Host, error) {
	if address == "" {
		return nil, fmt.Errorf("host %q has no address", name)
	}
	if configured < 0 {
		return nil, fmt.Errorf("host %q: negative node count %d", address, configured)
	}
	hr.mtx.Lock()
	defer hr.mtx.Unlock()
	if _, ok := hr.hosts[address]; ok {
		return nil, fmt.Errorf("host %q is already registered", address)
	}
	h := newHost(name, address, configured, hr.logger)
	hr.hosts[address] = h
	hr.order = append(hr.order, h)
	return h, nil
}

// Get returns the host with the given address, or nil.
func (hr *HostRegistry) Get(address string) *Host {
	hr.mtx.RLock()
	defer hr.mtx.RUnlock()
	return hr.hosts[address]
}

// Hosts returns all hosts in registration order.
func (hr *HostRegistry) Hosts() []*Host {
	hr.mtx.RLock()
	defer hr.mtx.RUnlock()
	return append([]*Host(nil), hr.order...)
}

// Views returns the state of all hosts in registration order.
func (hr *HostRegistry) Views() []HostView {
	var views []HostView
	for _, h := range hr.Hosts() {
		views = append(views, h.View())
	}
	return views
}
