// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package topology

import (
	"errors"
	"fmt"
	"sync"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&GraphSuite{})

type GraphSuite struct{}

func (s *GraphSuite) TestDistanceBothDirections(c *check.C) {
	g := NewGraph()
	g.AddHost("a", "10.0.0.1", map[string]Distance{"10.0.0.2": 5})
	g.AddHost("b", "10.0.0.2", nil)
	g.AddHost("c", "10.0.0.3", nil)
	c.Check(g.Distance("10.0.0.1", "10.0.0.2"), check.Equals, Distance(5))
	c.Check(g.Distance("10.0.0.2", "10.0.0.1"), check.Equals, Distance(5))
	c.Check(g.Distance("10.0.0.1", "10.0.0.3"), check.Equals, Unconnected)
	c.Check(g.Distance("10.0.0.3", "10.0.0.3"), check.Equals, Distance(0))
	c.Check(g.Distance("unknown", "unknown"), check.Equals, Distance(0))
	c.Check(g.Distance("unknown", "10.0.0.1"), check.Equals, Unconnected)
}

func (s *GraphSuite) TestAddHostOverwritesEdges(c *check.C) {
	g := NewGraph()
	g.AddHost("a", "A", map[string]Distance{"B": 5, "C": 7})
	g.AddHost("a2", "A", map[string]Distance{"B": 3})
	c.Check(g.Distance("A", "B"), check.Equals, Distance(3))
	c.Check(g.Distance("A", "C"), check.Equals, Unconnected)
	name, ok := g.HostName("A")
	c.Check(ok, check.Equals, true)
	c.Check(name, check.Equals, "a2")
	c.Check(g.Hosts(), check.DeepEquals, []string{"A"})
}

func (s *GraphSuite) TestSelfEdgeIgnored(c *check.C) {
	g := NewGraph()
	g.AddHost("a", "A", map[string]Distance{"A": 9})
	c.Check(g.Edges("A"), check.HasLen, 0)
}

func (s *GraphSuite) TestRemoveHostScrubsEdges(c *check.C) {
	g := NewGraph()
	g.AddHost("a", "A", map[string]Distance{"B": 1, "C": 2})
	g.AddHost("b", "B", map[string]Distance{"C": 3})
	g.AddHost("c", "C", map[string]Distance{"A": 2, "B": 3})
	c.Check(g.RemoveHost("C"), check.Equals, true)
	c.Check(g.RemoveHost("C"), check.Equals, false)
	c.Check(g.KnownHost("C"), check.Equals, false)
	c.Check(g.Hosts(), check.DeepEquals, []string{"A", "B"})
	for _, addr := range g.Hosts() {
		_, dangling := g.Edges(addr)["C"]
		c.Check(dangling, check.Equals, false, check.Commentf("host %s", addr))
	}
	c.Check(g.Distance("A", "C"), check.Equals, Unconnected)
	c.Check(g.Distance("A", "B"), check.Equals, Distance(1))
}

func (s *GraphSuite) TestRejectNegativeDistance(c *check.C) {
	g := NewGraph()
	c.Check(g.AddHost("a", "A", map[string]Distance{"B": 1, "C": Unconnected}), check.IsNil)
	err := g.AddHost("a", "A", map[string]Distance{"B": 2, "C": -5})
	c.Check(errors.Is(err, ErrInvalidDistance), check.Equals, true)
	c.Check(err, check.ErrorMatches, `invalid distance -5 from A to C`)
	c.Check(g.Distance("A", "B"), check.Equals, Distance(1))
	err = g.AddHost("d", "D", map[string]Distance{"A": -2})
	c.Check(errors.Is(err, ErrInvalidDistance), check.Equals, true)
	c.Check(g.KnownHost("D"), check.Equals, false)
}

func (s *GraphSuite) TestCloneIsIndependent(c *check.C) {
	var g Graph
	g.AddHost("a", "A", map[string]Distance{"B": 1})
	clone := g.Clone()
	g.AddHost("a", "A", map[string]Distance{"B": 10})
	g.RemoveHost("A")
	c.Check(clone.Distance("A", "B"), check.Equals, Distance(1))
	c.Check(clone.Hosts(), check.DeepEquals, []string{"A"})
}

func (s *GraphSuite) TestConcurrentAccess(c *check.C) {
	g := NewGraph()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr := fmt.Sprintf("h%d", i)
			for j := 0; j < 100; j++ {
				g.AddHost(addr, addr, map[string]Distance{"h0": Distance(j)})
				g.Distance(addr, "h0")
				g.Clone()
				if j%10 == 9 {
					g.RemoveHost(addr)
				}
			}
		}(i)
	}
	wg.Wait()
	c.Check(len(g.Hosts()) <= 8, check.Equals, true)
}
