// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package selection chooses nodes from a pool of free nodes
// according to a count and a placement constraint.
//
// Selection is a pure function of its inputs: callers take a
// snapshot of the free nodes (and of the topology graph, for
// distance-based constraints) and are responsible for marking the
// selected nodes busy before releasing whatever lock protects the
// snapshot.
package selection

import (
	"errors"
	"fmt"

	"git.arvados.org/rmcore.git/lib/topology"
	"git.arvados.org/rmcore.git/sdk/go/rm"
)

var (
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrTopologyUnavailable  = errors.New("topology information unavailable")
)

// CapacityError is returned when a non-greedy request cannot be
// satisfied in full. It matches ErrInsufficientCapacity.
type CapacityError struct {
	Kind      Kind
	Requested int
	Available int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("insufficient capacity for %s: requested %d nodes, found %d", e.Kind, e.Requested, e.Available)
}

func (e *CapacityError) Is(target error) bool {
	return target == ErrInsufficientCapacity
}

// HostNodes lists the free nodes on one host.
type HostNodes struct {
	Host  string
	Nodes []rm.Node
}

// Snapshot is the pool state a selection works on. Free lists free
// nodes grouped by host, in host registration order. Total is the
// number of nodes (free or busy) on each host; a host missing from
// Total is treated as having no busy nodes.
type Snapshot struct {
	Free  []HostNodes
	Total map[string]int
}

// wholeHost returns true if every node on the host is free.
func (snap Snapshot) wholeHost(hn HostNodes) bool {
	total, ok := snap.Total[hn.Host]
	return !ok || total == len(hn.Nodes)
}

func (snap Snapshot) freeCount() int {
	n := 0
	for _, hn := range snap.Free {
		n += len(hn.Nodes)
	}
	return n
}

// Result is the outcome of a selection. Extra holds the remaining
// nodes of exclusively reserved hosts: they are not part of the
// selection, but they must be handed to the requester along with it
// so nobody else is placed on those hosts. Reserved lists the
// addresses of the exclusively reserved hosts.
type Result struct {
	Nodes    []rm.Node `json:"nodes"`
	Extra    []rm.Node `json:"extra,omitempty"`
	Reserved []string  `json:"reserved,omitempty"`
}

// All returns the selected nodes followed by the extra nodes.
func (r Result) All() []rm.Node {
	return append(append([]rm.Node(nil), r.Nodes...), r.Extra...)
}

// Select chooses count nodes from snap according to desc. The graph
// is only consulted for distance-based descriptors, and may be nil
// otherwise.
//
// If fewer than count nodes satisfy the constraint, Select returns a
// *CapacityError, unless desc.Greedy is set, in which case it returns
// the best smaller selection (possibly empty).
func Select(count int, desc Descriptor, snap Snapshot, graph *topology.Graph) (Result, error) {
	if err := desc.Validate(); err != nil {
		return Result{}, err
	}
	if count <= 0 {
		return Result{}, nil
	}
	var res Result
	var err error
	switch desc.Kind {
	case Arbitrary:
		res = selectArbitrary(count, snap)
	case SingleHost:
		res = selectSingleHost(count, snap)
	case SingleHostExclusive:
		res = selectSingleHostExclusive(count, snap)
	case MultipleHostsExclusive:
		res = selectMultipleHostsExclusive(count, desc.Greedy, snap)
	case DifferentHostsExclusive:
		res = selectDifferentHostsExclusive(count, snap)
	case BestProximity:
		res, err = selectBestProximity(count, desc, snap, graph)
	case ThresholdProximity:
		res, err = selectThresholdProximity(count, desc, snap, graph)
	}
	if err != nil {
		return Result{}, err
	}
	if len(res.Nodes) < count && !desc.Greedy {
		return Result{}, &CapacityError{Kind: desc.Kind, Requested: count, Available: len(res.Nodes)}
	}
	return res, nil
}

func selectArbitrary(count int, snap Snapshot) Result {
	var res Result
	for _, hn := range snap.Free {
		for _, node := range hn.Nodes {
			if len(res.Nodes) == count {
				return res
			}
			res.Nodes = append(res.Nodes, node)
		}
	}
	return res
}

// pickHost returns the index of the host with the smallest capacity
// that is at least count, ties broken by order. If no host is big
// enough, it returns the host with the largest capacity, which is
// the greedy selection and the capacity reported when a non-greedy
// request fails. It returns -1 if no host has free nodes.
func pickHost(count int, hosts []HostNodes) int {
	best, largest := -1, -1
	for i, hn := range hosts {
		n := len(hn.Nodes)
		if n == 0 {
			continue
		}
		if n >= count && (best < 0 || n < len(hosts[best].Nodes)) {
			best = i
		}
		if largest < 0 || n > len(hosts[largest].Nodes) {
			largest = i
		}
	}
	if best >= 0 {
		return best
	}
	return largest
}

func selectSingleHost(count int, snap Snapshot) Result {
	i := pickHost(count, snap.Free)
	if i < 0 {
		return Result{}
	}
	nodes := snap.Free[i].Nodes
	if len(nodes) > count {
		nodes = nodes[:count]
	}
	return Result{Nodes: append([]rm.Node(nil), nodes...)}
}

// exclusiveHosts returns the hosts whose nodes are all free.
func exclusiveHosts(snap Snapshot) []HostNodes {
	var hosts []HostNodes
	for _, hn := range snap.Free {
		if len(hn.Nodes) > 0 && snap.wholeHost(hn) {
			hosts = append(hosts, hn)
		}
	}
	return hosts
}

// reserve splits the nodes of the given hosts into the first want
// selected nodes and the rest as extra nodes.
func reserve(want int, hosts []HostNodes) Result {
	var res Result
	for _, hn := range hosts {
		res.Reserved = append(res.Reserved, hn.Host)
		for _, node := range hn.Nodes {
			if len(res.Nodes) < want {
				res.Nodes = append(res.Nodes, node)
			} else {
				res.Extra = append(res.Extra, node)
			}
		}
	}
	return res
}
