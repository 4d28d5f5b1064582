// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package topology keeps the measured distances between hosts.
package topology

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidDistance is returned for distances that are negative but
// not Unconnected.
var ErrInvalidDistance = errors.New("invalid distance")

// Graph is a weighted host graph. Hosts are identified by address.
// Edges are stored on the host that reported them; a distance lookup
// checks both directions.
//
// The zero value is an empty graph. A Graph is safe for concurrent
// use.
type Graph struct {
	mtx   sync.RWMutex
	hosts map[string]*host
	order []string
}

type host struct {
	name  string
	edges map[string]Distance
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{hosts: map[string]*host{}}
}

// AddHost adds a host, or replaces its outgoing edges if it is
// already known. Edges are keyed by neighbor address. If any edge is
// negative and not Unconnected, the graph is left unchanged.
func (g *Graph) AddHost(name, address string, edges map[string]Distance) error {
	for addr, d := range edges {
		if d < 0 && d != Unconnected {
			return fmt.Errorf("%w %d from %s to %s", ErrInvalidDistance, d, address, addr)
		}
	}
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if g.hosts == nil {
		g.hosts = map[string]*host{}
	}
	out := make(map[string]Distance, len(edges))
	for addr, d := range edges {
		if addr != address {
			out[addr] = d
		}
	}
	if h, ok := g.hosts[address]; ok {
		h.name = name
		h.edges = out
		return nil
	}
	g.hosts[address] = &host{name: name, edges: out}
	g.order = append(g.order, address)
	return nil
}

// RemoveHost removes the host and every edge pointing at it. It
// returns false if the host was not known.
func (g *Graph) RemoveHost(address string) bool {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if _, ok := g.hosts[address]; !ok {
		return false
	}
	delete(g.hosts, address)
	for i, addr := range g.order {
		if addr == address {
			g.order = append(g.order[:i:i], g.order[i+1:]...)
			break
		}
	}
	for _, h := range g.hosts {
		delete(h.edges, address)
	}
	return true
}

// Distance returns the distance between a and b: 0 if a == b, the
// a->b edge if present, else the b->a edge, else Unconnected.
func (g *Graph) Distance(a, b string) Distance {
	if a == b {
		return 0
	}
	g.mtx.RLock()
	defer g.mtx.RUnlock()
	if h, ok := g.hosts[a]; ok {
		if d, ok := h.edges[b]; ok {
			return d
		}
	}
	if h, ok := g.hosts[b]; ok {
		if d, ok := h.edges[a]; ok {
			return d
		}
	}
	return Unconnected
}

// KnownHost returns true if the host has been added.
func (g *Graph) KnownHost(address string) bool {
	g.mtx.RLock()
	defer g.mtx.RUnlock()
	_, ok := g.hosts[address]
	return ok
}

// HostName returns the name the host was added with.
func (g *Graph) HostName(address string) (string, bool) {
	g.mtx.RLock()
	defer g.mtx.RUnlock()
	h, ok := g.hosts[address]
	if !ok {
		return "", false
	}
	return h.name, true
}

// Hosts returns the known host addresses in the order they were
// first added.
func (g *Graph) Hosts() []string {
	g.mtx.RLock()
	defer g.mtx.RUnlock()
	return append([]string(nil), g.order...)
}

// Edges returns a copy of the edges reported by the given host.
func (g *Graph) Edges(address string) map[string]Distance {
	g.mtx.RLock()
	defer g.mtx.RUnlock()
	h, ok := g.hosts[address]
	if !ok {
		return nil
	}
	out := make(map[string]Distance, len(h.edges))
	for addr, d := range h.edges {
		out[addr] = d
	}
	return out
}

// Clone returns an independent copy of the graph.
func (g *Graph) Clone() *Graph {
	g.mtx.RLock()
	defer g.mtx.RUnlock()
	clone := &Graph{
		hosts: make(map[string]*host, len(g.hosts)),
		order: append([]string(nil), g.order...),
	}
	for addr, h := range g.hosts {
		edges := make(map[string]Distance, len(h.edges))
		for k, v := range h.edges {
			edges[k] = v
		}
		clone.hosts[addr] = &host{name: h.name, edges: edges}
	}
	return clone
}
