// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rmcore

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"

	"git.arvados.org/rmcore.git/lib/nodesource"
	"git.arvados.org/rmcore.git/lib/rmcore/test"
	"git.arvados.org/rmcore.git/lib/selection"
	"git.arvados.org/rmcore.git/lib/topology"
	"git.arvados.org/rmcore.git/sdk/go/ctxlog"
	"git.arvados.org/rmcore.git/sdk/go/httpserver"
	"git.arvados.org/rmcore.git/sdk/go/rm"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&APISuite{})

type APISuite struct {
	cluster *rm.Cluster
	infra   *test.StubInfrastructure
	core    *Core
}

func (s *APISuite) SetUpTest(c *check.C) {
	s.cluster = &rm.Cluster{
		ClusterID:       "zzzzz",
		ManagementToken: "test-management-token",
		NodeSource:      test.NodeSourceConfig(2, 2),
	}
	s.cluster.Topology.Enabled = true
	s.infra = &test.StubInfrastructure{AutoJoin: true}
	ctx := ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	var err error
	s.core, err = New(ctx, s.cluster, s.infra, prometheus.NewRegistry())
	c.Assert(err, check.IsNil)
	c.Assert(s.core.AcquireNodes(ctx), check.IsNil)
}

func (s *APISuite) TearDownTest(c *check.C) {
	s.core.Close()
}

// do sends a request to the management API without starting the
// acquisition loop, so the pool only changes when the test changes
// it.
func (s *APISuite) do(method, path, body, token string) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	s.core.httpHandler.ServeHTTP(resp, req)
	return resp
}

func (s *APISuite) call(c *check.C, method, path, body string, expectCode int, dst interface{}) {
	resp := s.do(method, path, body, s.cluster.ManagementToken)
	if !c.Check(resp.Code, check.Equals, expectCode) {
		c.Logf("%s %s: %s", method, path, resp.Body.String())
	}
	if dst != nil {
		c.Check(json.Unmarshal(resp.Body.Bytes(), dst), check.IsNil)
	}
}

func (s *APISuite) TestAuth(c *check.C) {
	for _, trial := range []struct {
		token string
		code  int
	}{
		{"", http.StatusUnauthorized},
		{"wrong-token", http.StatusForbidden},
		{s.cluster.ManagementToken, http.StatusOK},
	} {
		resp := s.do("GET", "/rm/v1/hosts", "", trial.token)
		c.Check(resp.Code, check.Equals, trial.code, check.Commentf("token %q", trial.token))
	}
	resp := s.do("GET", "/rm/v1/hosts?api_token="+s.cluster.ManagementToken, "", "")
	c.Check(resp.Code, check.Equals, http.StatusOK)
}

func (s *APISuite) TestEmptyTokenRejectsEverything(c *check.C) {
	s.cluster.ManagementToken = ""
	s.core.setupAPI()
	resp := s.do("GET", "/rm/v1/hosts", "", "anything")
	c.Check(resp.Code, check.Equals, http.StatusForbidden)
	resp = s.do("GET", "/_health/ping", "", "")
	c.Check(resp.Code, check.Equals, http.StatusForbidden)
}

func (s *APISuite) TestNotFound(c *check.C) {
	var resp httpserver.ErrorResponse
	s.call(c, "GET", "/rm/v1/bogus", "", http.StatusNotFound, &resp)
	c.Check(resp.Errors, check.DeepEquals, []string{"not found"})
}

func (s *APISuite) TestHealthAndMetrics(c *check.C) {
	resp := s.do("GET", "/_health/ping", "", s.cluster.ManagementToken)
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Matches, `.*"health":"OK".*\n?`)

	resp = s.do("GET", "/metrics", "", s.cluster.ManagementToken)
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Matches, `(?ms).*\nrmcore_core_nodes{state="free"} 4\n.*`)
	c.Check(resp.Body.String(), check.Matches, `(?ms).*\nrmcore_nodesource_deploying_nodes{node_source="stub"} 0\n.*`)
}

func (s *APISuite) TestHosts(c *check.C) {
	var resp struct {
		Items []nodesource.HostView
	}
	s.call(c, "GET", "/rm/v1/hosts", "", http.StatusOK, &resp)
	c.Assert(resp.Items, check.HasLen, 2)
	c.Check(resp.Items[0].Address, check.Equals, test.HostAddress(0))
	c.Check(resp.Items[0].Name, check.Equals, "host0")
	c.Check(resp.Items[0].Configured, check.Equals, 2)
	c.Check(resp.Items[0].Alive, check.HasLen, 2)

	var needed struct {
		Host   string
		Needed int
	}
	s.call(c, "GET", "/rm/v1/hosts/needed?host="+test.HostAddress(1), "", http.StatusOK, &needed)
	c.Check(needed.Host, check.Equals, test.HostAddress(1))
	c.Check(needed.Needed, check.Equals, 0)

	s.call(c, "GET", "/rm/v1/hosts/needed", "", http.StatusBadRequest, nil)
	s.call(c, "GET", "/rm/v1/hosts/needed?host=10.9.9.9", "", http.StatusNotFound, nil)
}

func (s *APISuite) TestHoldAndResume(c *check.C) {
	s.call(c, "POST", "/rm/v1/hosts/resume?host="+test.HostAddress(0), "", http.StatusOK, nil)
	c.Check(s.core.source.Hosts.Get(test.HostAddress(0)).NeedsNodes(), check.Equals, true)
	s.call(c, "POST", "/rm/v1/hosts/hold?host="+test.HostAddress(0), "", http.StatusOK, nil)
	c.Check(s.core.source.Hosts.Get(test.HostAddress(0)).NeedsNodes(), check.Equals, false)
	s.call(c, "POST", "/rm/v1/hosts/hold?host=10.9.9.9", "", http.StatusNotFound, nil)
	s.call(c, "POST", "/rm/v1/hosts/hold", "", http.StatusBadRequest, nil)
}

func (s *APISuite) TestAcquireAndRelease(c *check.C) {
	var res selection.Result
	s.call(c, "POST", "/rm/v1/nodes/acquire", `{"count":3}`, http.StatusOK, &res)
	c.Check(res.Nodes, check.HasLen, 3)

	var errResp httpserver.ErrorResponse
	s.call(c, "POST", "/rm/v1/nodes/acquire", `{"count":2,"descriptor":{"kind":"ARBITRARY"}}`, http.StatusServiceUnavailable, &errResp)
	c.Check(errResp.Errors, check.DeepEquals, []string{"insufficient capacity for ARBITRARY: requested 2 nodes, found 1"})

	var pool struct {
		Items []PoolView
	}
	s.call(c, "GET", "/rm/v1/nodes", "", http.StatusOK, &pool)
	busy := 0
	for _, pv := range pool.Items {
		busy += len(pv.Busy)
	}
	c.Check(busy, check.Equals, 3)

	body, err := json.Marshal(map[string][]string{"urls": urls(res.Nodes)})
	c.Assert(err, check.IsNil)
	var released struct {
		Released int
	}
	s.call(c, "POST", "/rm/v1/nodes/release", string(body), http.StatusOK, &released)
	c.Check(released.Released, check.Equals, 3)
}

func (s *APISuite) TestAcquireBadRequests(c *check.C) {
	for _, body := range []string{
		`{"count":1,"descriptor":{"kind":"NEAREST"}}`,
		`{"count":1,"descriptor":{"kind":"BEST_PROXIMITY","function":"MEDIAN"}}`,
		`{"count":1,"descriptor":{"kind":"THRESHOLD_PROXIMITY","threshold":-3}}`,
		`{"count":`,
	} {
		s.call(c, "POST", "/rm/v1/nodes/acquire", body, http.StatusBadRequest, nil)
	}
	// No distances recorded yet.
	s.call(c, "POST", "/rm/v1/nodes/acquire", `{"count":1,"descriptor":{"kind":"BEST_PROXIMITY"}}`, http.StatusUnprocessableEntity, nil)
}

func (s *APISuite) TestNodeEvents(c *check.C) {
	node := s.core.Pool()[0].Free[0]
	ev := func(host, nodeURL, kind string) string {
		buf, _ := json.Marshal(map[string]string{"host": host, "node_url": nodeURL, "kind": kind})
		return string(buf)
	}
	s.call(c, "POST", "/rm/v1/nodes/events", ev(node.Host, node.URL, "DOWN"), http.StatusOK, nil)
	c.Check(s.core.Pool()[0].Free, check.HasLen, 1)
	s.call(c, "POST", "/rm/v1/nodes/events", ev(node.Host, node.URL, "ALIVE"), http.StatusOK, nil)
	c.Check(s.core.Pool()[0].Free, check.HasLen, 2)

	s.call(c, "POST", "/rm/v1/nodes/events", ev(node.Host, node.URL, "EXPLODED"), http.StatusBadRequest, nil)
	s.call(c, "POST", "/rm/v1/nodes/events", ev("", node.URL, "DOWN"), http.StatusBadRequest, nil)
	s.call(c, "POST", "/rm/v1/nodes/events", ev("10.9.9.9", node.URL, "DOWN"), http.StatusNotFound, nil)
	s.call(c, "POST", "/rm/v1/nodes/events", ev(node.Host, "stub://"+node.Host+"/stranger", "ALIVE"), http.StatusConflict, nil)
}

func (s *APISuite) TestDeploying(c *check.C) {
	// Replacement nodes stay deploying.
	s.infra.AutoJoin = false
	node := s.core.Pool()[1].Free[0]
	s.call(c, "POST", "/rm/v1/nodes/events", `{"host":"`+node.Host+`","node_url":"`+node.URL+`","kind":"DOWN"}`, http.StatusOK, nil)
	c.Assert(s.core.AcquireNodes(context.Background()), check.IsNil)

	var list struct {
		Items []nodesource.DeployingView
	}
	s.call(c, "GET", "/rm/v1/deploying", "", http.StatusOK, &list)
	c.Assert(list.Items, check.HasLen, 1)
	dv := list.Items[0]
	c.Check(dv.Host, check.Equals, node.Host)
	c.Check(dv.State, check.Equals, nodesource.StateDeploying)
	c.Check(dv.URL, check.Matches, `deploying://stub/host1-stub\d+`)

	var got nodesource.DeployingView
	s.call(c, "GET", "/rm/v1/deploying/lookup?url="+url.QueryEscape(dv.URL), "", http.StatusOK, &got)
	c.Check(got.URL, check.Equals, dv.URL)
	s.call(c, "GET", "/rm/v1/deploying/lookup?url=deploying%3A%2F%2Fstub%2Fnothing", "", http.StatusNotFound, nil)
	s.call(c, "GET", "/rm/v1/deploying/lookup", "", http.StatusBadRequest, nil)
}

func (s *APISuite) TestTopology(c *check.C) {
	a0, a1 := test.HostAddress(0), test.HostAddress(1)
	s.call(c, "PUT", "/rm/v1/topology/hosts/"+a0, `{"name":"host0","distances":{"`+a1+`":3}}`, http.StatusOK, nil)
	s.call(c, "PUT", "/rm/v1/topology/hosts/"+a1, `{"name":"host1","distances":{"`+a0+`":-2}}`, http.StatusBadRequest, nil)
	s.call(c, "PUT", "/rm/v1/topology/hosts/"+a1, `{"name":"host1","distances":{}}`, http.StatusOK, nil)

	var topo struct {
		Items []TopologyHost
	}
	s.call(c, "GET", "/rm/v1/topology", "", http.StatusOK, &topo)
	c.Assert(topo.Items, check.HasLen, 2)
	c.Check(topo.Items[0].Name, check.Equals, "host0")
	c.Check(topo.Items[0].Distances[a1], check.Equals, topology.Distance(3))

	var res selection.Result
	s.call(c, "POST", "/rm/v1/nodes/acquire", `{"count":3,"descriptor":{"kind":"THRESHOLD_PROXIMITY","threshold":3}}`, http.StatusOK, &res)
	c.Check(res.Nodes, check.HasLen, 3)

	s.call(c, "DELETE", "/rm/v1/topology/hosts/"+a1, "", http.StatusOK, nil)
	s.call(c, "DELETE", "/rm/v1/topology/hosts/"+a1, "", http.StatusNotFound, nil)
	s.call(c, "GET", "/rm/v1/topology", "", http.StatusOK, &topo)
	c.Check(topo.Items, check.HasLen, 1)
}

func (s *APISuite) TestTopologyDisabled(c *check.C) {
	s.core.graph = nil
	s.call(c, "GET", "/rm/v1/topology", "", http.StatusUnprocessableEntity, nil)
	s.call(c, "PUT", "/rm/v1/topology/hosts/10.0.0.1", `{"distances":{}}`, http.StatusUnprocessableEntity, nil)
	s.call(c, "DELETE", "/rm/v1/topology/hosts/10.0.0.1", "", http.StatusUnprocessableEntity, nil)
}
