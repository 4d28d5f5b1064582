// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package selection

import (
	"errors"
	"fmt"

	"git.arvados.org/rmcore.git/sdk/go/rm"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&SelectorSuite{})

type SelectorSuite struct{}

type hostState struct {
	host  string
	free  int
	total int // 0 means same as free
}

func makeSnapshot(hosts ...hostState) Snapshot {
	snap := Snapshot{Total: map[string]int{}}
	for _, hs := range hosts {
		hn := HostNodes{Host: hs.host}
		for i := 0; i < hs.free; i++ {
			hn.Nodes = append(hn.Nodes, rm.Node{
				URL:  fmt.Sprintf("stub://%s/n%d", hs.host, i),
				Name: fmt.Sprintf("%s-n%d", hs.host, i),
				Host: hs.host,
			})
		}
		snap.Free = append(snap.Free, hn)
		if hs.total > 0 {
			snap.Total[hs.host] = hs.total
		} else {
			snap.Total[hs.host] = hs.free
		}
	}
	return snap
}

func urls(nodes []rm.Node) []string {
	var out []string
	for _, n := range nodes {
		out = append(out, n.URL)
	}
	return out
}

func hostsOf(nodes []rm.Node) []string {
	var out []string
	for _, n := range nodes {
		out = append(out, n.Host)
	}
	return out
}

func (s *SelectorSuite) TestZeroCount(c *check.C) {
	res, err := Select(0, ArbitraryDescriptor(), makeSnapshot(hostState{"A", 2, 0}), nil)
	c.Check(err, check.IsNil)
	c.Check(res.Nodes, check.HasLen, 0)
	res, err = Select(-1, SingleHostExclusiveDescriptor(), makeSnapshot(), nil)
	c.Check(err, check.IsNil)
	c.Check(res.Nodes, check.HasLen, 0)
}

func (s *SelectorSuite) TestInvalidDescriptor(c *check.C) {
	_, err := Select(1, Descriptor{Kind: "SOMEWHERE"}, makeSnapshot(hostState{"A", 1, 0}), nil)
	c.Check(err, check.ErrorMatches, `unknown descriptor kind "SOMEWHERE"`)
	_, err = Select(1, BestProximityDescriptor("MEDIAN"), makeSnapshot(hostState{"A", 1, 0}), nil)
	c.Check(err, check.ErrorMatches, `unknown distance function "MEDIAN"`)
}

func (s *SelectorSuite) TestArbitrary(c *check.C) {
	snap := makeSnapshot(hostState{"A", 2, 0}, hostState{"B", 3, 0})
	res, err := Select(4, ArbitraryDescriptor(), snap, nil)
	c.Check(err, check.IsNil)
	c.Check(urls(res.Nodes), check.DeepEquals, []string{"stub://A/n0", "stub://A/n1", "stub://B/n0", "stub://B/n1"})
	c.Check(res.Extra, check.HasLen, 0)

	_, err = Select(6, ArbitraryDescriptor(), snap, nil)
	c.Check(errors.Is(err, ErrInsufficientCapacity), check.Equals, true)
	var cerr *CapacityError
	c.Assert(errors.As(err, &cerr), check.Equals, true)
	c.Check(cerr.Requested, check.Equals, 6)
	c.Check(cerr.Available, check.Equals, 5)

	desc := ArbitraryDescriptor()
	desc.Greedy = true
	res, err = Select(6, desc, snap, nil)
	c.Check(err, check.IsNil)
	c.Check(res.Nodes, check.HasLen, 5)
}

func (s *SelectorSuite) TestSelectDoesNotMutateSnapshot(c *check.C) {
	snap := makeSnapshot(hostState{"A", 3, 0}, hostState{"B", 2, 0})
	before := fmt.Sprintf("%v", snap)
	for _, desc := range []Descriptor{
		ArbitraryDescriptor(),
		SingleHostDescriptor(),
		SingleHostExclusiveDescriptor(),
		MultipleHostsExclusiveDescriptor(),
		DifferentHostsExclusiveDescriptor(),
	} {
		_, err := Select(2, desc, snap, nil)
		c.Check(err, check.IsNil, check.Commentf("%s", desc.Kind))
	}
	c.Check(fmt.Sprintf("%v", snap), check.Equals, before)
}

func (s *SelectorSuite) TestSingleHost(c *check.C) {
	snap := makeSnapshot(hostState{"A", 4, 0}, hostState{"B", 2, 0}, hostState{"C", 2, 0})
	res, err := Select(2, SingleHostDescriptor(), snap, nil)
	c.Check(err, check.IsNil)
	// B and C are both exact matches; B was registered first.
	c.Check(hostsOf(res.Nodes), check.DeepEquals, []string{"B", "B"})

	res, err = Select(3, SingleHostDescriptor(), snap, nil)
	c.Check(err, check.IsNil)
	c.Check(hostsOf(res.Nodes), check.DeepEquals, []string{"A", "A", "A"})

	_, err = Select(5, SingleHostDescriptor(), snap, nil)
	c.Check(errors.Is(err, ErrInsufficientCapacity), check.Equals, true)
	c.Check(err, check.ErrorMatches, `insufficient capacity for SINGLE_HOST: requested 5 nodes, found 4`)

	desc := SingleHostDescriptor()
	desc.Greedy = true
	res, err = Select(5, desc, snap, nil)
	c.Check(err, check.IsNil)
	c.Check(hostsOf(res.Nodes), check.DeepEquals, []string{"A", "A", "A", "A"})
}

func (s *SelectorSuite) TestSingleHostUsesBusyHosts(c *check.C) {
	snap := makeSnapshot(hostState{"A", 2, 5})
	res, err := Select(2, SingleHostDescriptor(), snap, nil)
	c.Check(err, check.IsNil)
	c.Check(res.Nodes, check.HasLen, 2)
	c.Check(res.Reserved, check.HasLen, 0)
}

func (s *SelectorSuite) TestSingleHostExclusive(c *check.C) {
	snap := makeSnapshot(hostState{"A", 3, 4}, hostState{"B", 3, 0}, hostState{"C", 5, 0})
	res, err := Select(2, SingleHostExclusiveDescriptor(), snap, nil)
	c.Check(err, check.IsNil)
	c.Check(urls(res.Nodes), check.DeepEquals, []string{"stub://B/n0", "stub://B/n1"})
	c.Check(urls(res.Extra), check.DeepEquals, []string{"stub://B/n2"})
	c.Check(res.Reserved, check.DeepEquals, []string{"B"})

	res, err = Select(4, SingleHostExclusiveDescriptor(), snap, nil)
	c.Check(err, check.IsNil)
	c.Check(res.Reserved, check.DeepEquals, []string{"C"})
	c.Check(res.Nodes, check.HasLen, 4)
	c.Check(res.Extra, check.HasLen, 1)
	c.Check(res.All(), check.HasLen, 5)

	_, err = Select(6, SingleHostExclusiveDescriptor(), snap, nil)
	c.Check(errors.Is(err, ErrInsufficientCapacity), check.Equals, true)
	var cerr *CapacityError
	c.Assert(errors.As(err, &cerr), check.Equals, true)
	c.Check(cerr.Available, check.Equals, 5)

	desc := SingleHostExclusiveDescriptor()
	desc.Greedy = true
	res, err = Select(6, desc, snap, nil)
	c.Check(err, check.IsNil)
	c.Check(res.Reserved, check.DeepEquals, []string{"C"})
	c.Check(res.Nodes, check.HasLen, 5)
	c.Check(res.Extra, check.HasLen, 0)
}

func (s *SelectorSuite) TestMultipleHostsExclusiveExact(c *check.C) {
	snap := makeSnapshot(hostState{"A", 4, 0}, hostState{"B", 3, 0}, hostState{"C", 2, 0}, hostState{"D", 1, 0})
	for _, trial := range []struct {
		count    int
		reserved []string
	}{
		{5, []string{"A", "D"}},
		{6, []string{"A", "C"}},
		{3, []string{"B"}},
		{9, []string{"A", "B", "C"}},
		{10, []string{"A", "B", "C", "D"}},
	} {
		res, err := Select(trial.count, MultipleHostsExclusiveDescriptor(), snap, nil)
		c.Check(err, check.IsNil)
		c.Check(res.Reserved, check.DeepEquals, trial.reserved, check.Commentf("count %d", trial.count))
		c.Check(res.Nodes, check.HasLen, trial.count)
		c.Check(res.Extra, check.HasLen, 0)
	}
}

func (s *SelectorSuite) TestMultipleHostsExclusiveSurplus(c *check.C) {
	snap := makeSnapshot(hostState{"A", 4, 0}, hostState{"B", 4, 0}, hostState{"C", 6, 0})
	res, err := Select(5, MultipleHostsExclusiveDescriptor(), snap, nil)
	c.Check(err, check.IsNil)
	// C alone has surplus 1, better than A+B with surplus 3.
	c.Check(res.Reserved, check.DeepEquals, []string{"C"})
	c.Check(res.Nodes, check.HasLen, 5)
	c.Check(res.Extra, check.HasLen, 1)

	res, err = Select(7, MultipleHostsExclusiveDescriptor(), snap, nil)
	c.Check(err, check.IsNil)
	c.Check(res.Reserved, check.DeepEquals, []string{"A", "B"})
	c.Check(res.Nodes, check.HasLen, 7)
	c.Check(res.Extra, check.HasLen, 1)
}

func (s *SelectorSuite) TestMultipleHostsExclusiveSkipsBusyHosts(c *check.C) {
	snap := makeSnapshot(hostState{"A", 2, 3}, hostState{"B", 2, 0})
	_, err := Select(4, MultipleHostsExclusiveDescriptor(), snap, nil)
	c.Check(errors.Is(err, ErrInsufficientCapacity), check.Equals, true)

	desc := MultipleHostsExclusiveDescriptor()
	desc.Greedy = true
	res, err := Select(4, desc, snap, nil)
	c.Check(err, check.IsNil)
	c.Check(res.Reserved, check.DeepEquals, []string{"B"})
	c.Check(res.Nodes, check.HasLen, 2)
}

func (s *SelectorSuite) TestDifferentHostsExclusive(c *check.C) {
	snap := makeSnapshot(hostState{"A", 3, 0}, hostState{"B", 1, 0}, hostState{"C", 2, 0}, hostState{"D", 1, 2})
	res, err := Select(2, DifferentHostsExclusiveDescriptor(), snap, nil)
	c.Check(err, check.IsNil)
	c.Check(urls(res.Nodes), check.DeepEquals, []string{"stub://B/n0", "stub://C/n0"})
	c.Check(urls(res.Extra), check.DeepEquals, []string{"stub://C/n1"})
	c.Check(res.Reserved, check.DeepEquals, []string{"B", "C"})

	_, err = Select(4, DifferentHostsExclusiveDescriptor(), snap, nil)
	c.Check(errors.Is(err, ErrInsufficientCapacity), check.Equals, true)
}
