// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rmcore

import (
	"git.arvados.org/rmcore.git/lib/selection"
	"git.arvados.org/rmcore.git/sdk/go/rm"
)

type poolNode struct {
	rm.Node
	busy bool
}

// pool is the set of usable nodes, grouped by host. Hosts keep the
// order in which they were first seen, so selections are
// reproducible. A pool is not goroutine safe; Core serializes access.
type pool struct {
	order    []string
	hosts    map[string][]*poolNode
	byURL    map[string]*poolNode
	reserved map[string]bool
}

func newPool(hosts []string) *pool {
	p := &pool{
		hosts:    map[string][]*poolNode{},
		byURL:    map[string]*poolNode{},
		reserved: map[string]bool{},
	}
	for _, h := range hosts {
		p.addHost(h)
	}
	return p
}

func (p *pool) addHost(address string) {
	if _, ok := p.hosts[address]; !ok {
		p.order = append(p.order, address)
		p.hosts[address] = nil
	}
}

// add inserts a free node. It returns false if the node is already
// in the pool.
func (p *pool) add(node rm.Node) bool {
	if _, ok := p.byURL[node.URL]; ok {
		return false
	}
	p.addHost(node.Host)
	pn := &poolNode{Node: node}
	p.hosts[node.Host] = append(p.hosts[node.Host], pn)
	p.byURL[node.URL] = pn
	return true
}

// remove drops a node from the pool. It returns the number of nodes
// left on the node's host, or -1 if the node was not in the pool.
func (p *pool) remove(url string) int {
	pn, ok := p.byURL[url]
	if !ok {
		return -1
	}
	delete(p.byURL, url)
	nodes := p.hosts[pn.Host]
	for i, n := range nodes {
		if n == pn {
			nodes = append(nodes[:i:i], nodes[i+1:]...)
			break
		}
	}
	p.hosts[pn.Host] = nodes
	if len(nodes) == 0 {
		delete(p.reserved, pn.Host)
	}
	return len(nodes)
}

// snapshot returns the free nodes of unreserved hosts.
func (p *pool) snapshot() selection.Snapshot {
	snap := selection.Snapshot{Total: map[string]int{}}
	for _, h := range p.order {
		if p.reserved[h] {
			continue
		}
		hn := selection.HostNodes{Host: h}
		for _, pn := range p.hosts[h] {
			if !pn.busy {
				hn.Nodes = append(hn.Nodes, pn.Node)
			}
		}
		snap.Total[h] = len(p.hosts[h])
		if len(hn.Nodes) > 0 {
			snap.Free = append(snap.Free, hn)
		}
	}
	return snap
}

// take marks the selected nodes busy and records reservations.
func (p *pool) take(res selection.Result) {
	for _, node := range res.All() {
		if pn, ok := p.byURL[node.URL]; ok {
			pn.busy = true
		}
	}
	for _, h := range res.Reserved {
		p.reserved[h] = true
	}
}

// release marks the given nodes free. A host reservation is dropped
// once none of the host's nodes are busy. It returns the number of
// nodes that were busy.
func (p *pool) release(urls []string) int {
	n := 0
	hosts := map[string]bool{}
	for _, url := range urls {
		pn, ok := p.byURL[url]
		if !ok || !pn.busy {
			continue
		}
		pn.busy = false
		hosts[pn.Host] = true
		n++
	}
	for h := range hosts {
		if !p.reserved[h] {
			continue
		}
		busy := false
		for _, pn := range p.hosts[h] {
			busy = busy || pn.busy
		}
		if !busy {
			delete(p.reserved, h)
		}
	}
	return n
}

// PoolView is a copy of the pool state of one host.
type PoolView struct {
	Host     string    `json:"host"`
	Free     []rm.Node `json:"free"`
	Busy     []rm.Node `json:"busy"`
	Reserved bool      `json:"reserved"`
}

func (p *pool) views() []PoolView {
	var views []PoolView
	for _, h := range p.order {
		v := PoolView{Host: h, Reserved: p.reserved[h]}
		for _, pn := range p.hosts[h] {
			if pn.busy {
				v.Busy = append(v.Busy, pn.Node)
			} else {
				v.Free = append(v.Free, pn.Node)
			}
		}
		views = append(views, v)
	}
	return views
}

func (p *pool) counts() (free, busy int) {
	for _, pn := range p.byURL {
		if pn.busy {
			busy++
		} else {
			free++
		}
	}
	return
}
