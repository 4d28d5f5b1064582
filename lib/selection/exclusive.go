// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package selection

import (
	"math"
	"sort"
)

func selectSingleHostExclusive(count int, snap Snapshot) Result {
	hosts := exclusiveHosts(snap)
	i := pickHost(count, hosts)
	if i < 0 {
		return Result{}
	}
	return reserve(count, hosts[i:i+1])
}

// selectMultipleHostsExclusive reserves whole hosts whose capacities
// add up to count. It prefers an exact match using as few hosts as
// possible, then the smallest surplus using as few hosts as
// possible. Among equally good choices, earlier hosts win.
func selectMultipleHostsExclusive(count int, greedy bool, snap Snapshot) Result {
	hosts := exclusiveHosts(snap)
	total, maxCap := 0, 0
	for _, hn := range hosts {
		total += len(hn.Nodes)
		if len(hn.Nodes) > maxCap {
			maxCap = len(hn.Nodes)
		}
	}
	if total < count {
		if greedy {
			return reserve(count, hosts)
		}
		return Result{}
	}

	// A subset with minimal surplus cannot exceed
	// count+maxCap-1: dropping any one host would leave it
	// short.
	limit := count + maxCap
	if total+1 < limit {
		limit = total + 1
	}
	const unreachable = math.MaxInt32
	// fewest[i][s] is the fewest hosts among hosts[i:] whose
	// capacities sum to s.
	fewest := make([][]int, len(hosts)+1)
	fewest[len(hosts)] = make([]int, limit)
	for s := 1; s < limit; s++ {
		fewest[len(hosts)][s] = unreachable
	}
	for i := len(hosts) - 1; i >= 0; i-- {
		size := len(hosts[i].Nodes)
		next := fewest[i+1]
		cur := append([]int(nil), next...)
		for s := size; s < limit; s++ {
			if next[s-size] != unreachable && next[s-size]+1 < cur[s] {
				cur[s] = next[s-size] + 1
			}
		}
		fewest[i] = cur
	}

	target := -1
	for s := count; s < limit; s++ {
		if fewest[0][s] != unreachable {
			target = s
			break
		}
	}
	if target < 0 {
		// Unreachable when total >= count, but be safe.
		return reserve(count, hosts)
	}

	// Walk forward, taking each host whenever an optimal subset
	// still exists with it.
	var chosen []HostNodes
	for i, s := 0, target; i < len(hosts) && s > 0; i++ {
		size := len(hosts[i].Nodes)
		if s >= size && fewest[i+1][s-size] != unreachable && fewest[i+1][s-size]+1 == fewest[i][s] {
			chosen = append(chosen, hosts[i])
			s -= size
		}
	}
	return reserve(count, chosen)
}

// selectDifferentHostsExclusive selects one node on each of count
// distinct hosts, reserving those hosts. Hosts with fewer nodes are
// used first.
func selectDifferentHostsExclusive(count int, snap Snapshot) Result {
	hosts := exclusiveHosts(snap)
	sort.SliceStable(hosts, func(i, j int) bool {
		return len(hosts[i].Nodes) < len(hosts[j].Nodes)
	})
	if len(hosts) > count {
		hosts = hosts[:count]
	}
	var res Result
	for _, hn := range hosts {
		res.Reserved = append(res.Reserved, hn.Host)
		res.Nodes = append(res.Nodes, hn.Nodes[0])
		res.Extra = append(res.Extra, hn.Nodes[1:]...)
	}
	return res
}
