// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nodesource

import (
	"git.arvados.org/rmcore.git/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&HostSuite{})

type HostSuite struct {
	registry *HostRegistry
}

func (s *HostSuite) SetUpTest(c *check.C) {
	s.registry = NewHostRegistry(ctxlog.TestLogger(c))
}

func (s *HostSuite) TestNeededNodeNumber(c *check.C) {
	h, err := s.registry.Register("h1", "10.0.0.1", 4)
	c.Assert(err, check.IsNil)
	for _, url := range []string{"n1", "n2", "n3", "n4"} {
		h.PutAliveNode(url)
	}
	c.Check(h.NeededNodeNumber(), check.Equals, 0)
	c.Check(h.NeedsNodes(), check.Equals, false)

	h.PutRemovedNode("n1")
	h.PutRemovedNode("n2")
	c.Check(h.NeededNodeNumber(), check.Equals, 0)
	c.Check(h.NeedsNodes(), check.Equals, false)
}

func (s *HostSuite) TestDownNodesAreNeeded(c *check.C) {
	h, err := s.registry.Register("h1", "10.0.0.1", 4)
	c.Assert(err, check.IsNil)
	for _, url := range []string{"n1", "n2", "n3", "n4"} {
		h.PutAliveNode(url)
	}
	h.PutDownNode("n1")
	h.PutDownNode("n2")
	c.Check(h.NeededNodeNumber(), check.Equals, 2)
	c.Check(h.NeedsNodes(), check.Equals, true)

	// reconnection
	h.PutAliveNode("n1")
	c.Check(h.NeededNodeNumber(), check.Equals, 1)
	c.Check(h.State("n1"), check.Equals, "alive")
	c.Check(h.State("n2"), check.Equals, "down")
}

func (s *HostSuite) TestNeedsNodesOverride(c *check.C) {
	h, err := s.registry.Register("h1", "10.0.0.1", 2)
	c.Assert(err, check.IsNil)
	c.Check(h.NeedsNodes(), check.Equals, true)
	c.Check(h.NeededNodeNumber(), check.Equals, 2)

	h.SetNeedsNodes(false)
	c.Check(h.NeedsNodes(), check.Equals, false)
	h.PutAliveNode("n1")
	c.Check(h.NeedsNodes(), check.Equals, true)
	h.PutAliveNode("n2")
	c.Check(h.NeedsNodes(), check.Equals, false)

	h.SetNeedsNodes(true)
	c.Check(h.NeedsNodes(), check.Equals, true)
	c.Check(h.NeededNodeNumber(), check.Equals, 0)
}

func (s *HostSuite) TestRemovalIsFinal(c *check.C) {
	h, err := s.registry.Register("h1", "10.0.0.1", 2)
	c.Assert(err, check.IsNil)
	h.PutAliveNode("n1")
	h.PutRemovedNode("n1")
	c.Check(h.PutAliveNode("n1"), check.Equals, false)
	c.Check(h.PutDownNode("n1"), check.Equals, false)
	c.Check(h.State("n1"), check.Equals, "removed")
	c.Check(h.HasAliveNodes(), check.Equals, false)
	v := h.View()
	c.Check(v.Alive, check.HasLen, 0)
	c.Check(v.Down, check.HasLen, 0)
	c.Check(v.Removed, check.DeepEquals, []string{"n1"})
}

func (s *HostSuite) TestSetsAreDisjoint(c *check.C) {
	h, err := s.registry.Register("h1", "10.0.0.1", 3)
	c.Assert(err, check.IsNil)
	h.PutAliveNode("n1")
	h.PutDownNode("n1")
	h.PutDownNode("n2")
	h.PutAliveNode("n2")
	h.PutAliveNode("n2")
	v := h.View()
	c.Check(v.Alive, check.DeepEquals, []string{"n2"})
	c.Check(v.Down, check.DeepEquals, []string{"n1"})
	c.Check(v.NeededNodes, check.Equals, 2)
}

func (s *HostSuite) TestRegistry(c *check.C) {
	_, err := s.registry.Register("b", "10.0.0.2", 1)
	c.Check(err, check.IsNil)
	_, err = s.registry.Register("a", "10.0.0.1", 1)
	c.Check(err, check.IsNil)
	_, err = s.registry.Register("a", "10.0.0.1", 3)
	c.Check(err, check.ErrorMatches, `host "10.0.0.1" is already registered`)
	_, err = s.registry.Register("x", "", 1)
	c.Check(err, check.NotNil)
	_, err = s.registry.Register("y", "10.0.0.3", -1)
	c.Check(err, check.NotNil)

	var addrs []string
	for _, h := range s.registry.Hosts() {
		addrs = append(addrs, h.Address)
	}
	c.Check(addrs, check.DeepEquals, []string{"10.0.0.2", "10.0.0.1"})
	c.Check(s.registry.Get("10.0.0.9"), check.IsNil)
	c.Check(s.registry.Views(), check.HasLen, 2)
}

func (s *HostSuite) TestLostDeploymentThreshold(c *check.C) {
	h, err := s.registry.Register("h1", "10.0.0.1", 2)
	c.Assert(err, check.IsNil)
	h.SetNeedsNodes(false)
	for i := 0; i < 3; i++ {
		c.Check(h.noteLostDeployment(2), check.Equals, false)
	}
	c.Check(h.NeedsNodes(), check.Equals, false)
	c.Check(h.noteLostDeployment(2), check.Equals, true)
	c.Check(h.NeedsNodes(), check.Equals, true)
	// counter was reset
	h.SetNeedsNodes(false)
	c.Check(h.noteLostDeployment(2), check.Equals, false)
	c.Check(h.noteLostDeployment(-1), check.Equals, false)
}
