// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package selection

import (
	"sort"

	"git.arvados.org/rmcore.git/lib/topology"
	"git.arvados.org/rmcore.git/sdk/go/rm"
)

// proximity holds the inputs shared by the distance-based
// strategies.
type proximity struct {
	graph      *topology.Graph
	candidates []rm.Node
	pivot      []rm.Node
}

func newProximity(desc Descriptor, snap Snapshot, graph *topology.Graph) (*proximity, error) {
	if graph == nil {
		return nil, ErrTopologyUnavailable
	}
	inPivot := make(map[string]bool, len(desc.Pivot))
	for _, node := range desc.Pivot {
		inPivot[node.URL] = true
	}
	p := &proximity{graph: graph, pivot: desc.Pivot}
	known := false
	for _, node := range desc.Pivot {
		known = known || graph.KnownHost(node.Host)
	}
	for _, hn := range snap.Free {
		for _, node := range hn.Nodes {
			if !inPivot[node.URL] {
				p.candidates = append(p.candidates, node)
			}
		}
		if len(hn.Nodes) > 0 {
			known = known || graph.KnownHost(hn.Host)
		}
	}
	if len(p.candidates) > 0 && !known {
		return nil, ErrTopologyUnavailable
	}
	return p, nil
}

func (p *proximity) distance(a, b rm.Node) topology.Distance {
	return p.graph.Distance(a.Host, b.Host)
}

// seed returns the index of the candidate closest to all the others:
// fewest unconnected peers first, then smallest total distance.
func (p *proximity) seed() int {
	type hostCount struct {
		host  string
		first int
		n     int
	}
	var hosts []*hostCount
	byHost := map[string]*hostCount{}
	for i, node := range p.candidates {
		hc, ok := byHost[node.Host]
		if !ok {
			hc = &hostCount{host: node.Host, first: i}
			byHost[node.Host] = hc
			hosts = append(hosts, hc)
		}
		hc.n++
	}
	best := -1
	var bestUnconnected int
	var bestSum topology.Distance
	for _, hc := range hosts {
		unconnected := 0
		var sum topology.Distance
		for _, peer := range hosts {
			n := peer.n
			if peer == hc {
				n--
			}
			d := p.graph.Distance(hc.host, peer.host)
			if d == topology.Unconnected {
				unconnected += n
			} else {
				sum += d * topology.Distance(n)
			}
		}
		if best < 0 || unconnected < bestUnconnected || (unconnected == bestUnconnected && sum < bestSum) {
			best, bestUnconnected, bestSum = hc.first, unconnected, sum
		}
	}
	return best
}

// aggregate accumulates the distances from one candidate to the
// members of a cluster, producing the same value as
// DistanceFunction.Fold over those distances.
type aggregate struct {
	n           int
	sum         topology.Distance
	max         topology.Distance
	min         topology.Distance
	unconnected bool
}

func (a *aggregate) add(d topology.Distance) {
	if a.n == 0 {
		a.min = topology.Unconnected
	}
	a.n++
	if d == topology.Unconnected {
		a.unconnected = true
		return
	}
	a.sum += d
	if d > a.max {
		a.max = d
	}
	if a.min == topology.Unconnected || d < a.min {
		a.min = d
	}
}

func (a *aggregate) value(fn topology.DistanceFunction) topology.Distance {
	switch {
	case a.n == 0:
		return topology.Unconnected
	case fn == topology.Min:
		return a.min
	case a.unconnected:
		return topology.Unconnected
	case fn == topology.Max:
		return a.max
	default:
		return a.sum / topology.Distance(a.n)
	}
}

// selectBestProximity grows a cluster one node at a time, starting
// from the pivot (or from the most central candidate if there is no
// pivot), always adding the candidate whose combined distance to the
// current cluster is smallest. Candidates that are unconnected to the
// cluster are never added. Pivot nodes are not part of the result.
func selectBestProximity(count int, desc Descriptor, snap Snapshot, graph *topology.Graph) (Result, error) {
	p, err := newProximity(desc, snap, graph)
	if err != nil || len(p.candidates) == 0 {
		return Result{}, err
	}
	fn := desc.function()
	aggs := make([]aggregate, len(p.candidates))
	taken := make([]bool, len(p.candidates))
	var res Result

	join := func(member rm.Node) {
		for i, cand := range p.candidates {
			if !taken[i] {
				aggs[i].add(p.distance(cand, member))
			}
		}
	}
	if len(p.pivot) == 0 {
		i := p.seed()
		taken[i] = true
		res.Nodes = append(res.Nodes, p.candidates[i])
		join(p.candidates[i])
	} else {
		for _, member := range p.pivot {
			join(member)
		}
	}
	for len(res.Nodes) < count {
		best := -1
		var bestScore topology.Distance
		for i := range p.candidates {
			if taken[i] {
				continue
			}
			score := aggs[i].value(fn)
			if score == topology.Unconnected {
				continue
			}
			if best < 0 || score < bestScore {
				best, bestScore = i, score
			}
		}
		if best < 0 {
			break
		}
		taken[best] = true
		res.Nodes = append(res.Nodes, p.candidates[best])
		join(p.candidates[best])
	}
	return res, nil
}

// selectThresholdProximity selects candidates within the threshold
// distance of every pivot node, closest first. With no pivot, the
// most central candidate is selected first and acts as the pivot.
func selectThresholdProximity(count int, desc Descriptor, snap Snapshot, graph *topology.Graph) (Result, error) {
	p, err := newProximity(desc, snap, graph)
	if err != nil || len(p.candidates) == 0 {
		return Result{}, err
	}
	var res Result
	pivot := p.pivot
	skip := -1
	if len(pivot) == 0 {
		skip = p.seed()
		pivot = []rm.Node{p.candidates[skip]}
		res.Nodes = append(res.Nodes, p.candidates[skip])
	}

	type eligible struct {
		idx   int
		worst topology.Distance
	}
	var found []eligible
	for i, cand := range p.candidates {
		if i == skip {
			continue
		}
		var worst topology.Distance
		ok := true
		for _, member := range pivot {
			d := p.distance(cand, member)
			if d == topology.Unconnected || d > desc.Threshold {
				ok = false
				break
			}
			if d > worst {
				worst = d
			}
		}
		if ok {
			found = append(found, eligible{idx: i, worst: worst})
		}
	}
	sort.SliceStable(found, func(i, j int) bool {
		return found[i].worst < found[j].worst
	})
	for _, e := range found {
		if len(res.Nodes) >= count {
			break
		}
		res.Nodes = append(res.Nodes, p.candidates[e.idx])
	}
	return res, nil
}
