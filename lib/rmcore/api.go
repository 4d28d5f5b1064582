// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rmcore

import (
	"encoding/json"
	"errors"
	"net/http"

	"git.arvados.org/rmcore.git/lib/nodesource"
	"git.arvados.org/rmcore.git/lib/selection"
	"git.arvados.org/rmcore.git/lib/topology"
	"git.arvados.org/rmcore.git/sdk/go/auth"
	"git.arvados.org/rmcore.git/sdk/go/health"
	"git.arvados.org/rmcore.git/sdk/go/httpserver"
	"git.arvados.org/rmcore.git/sdk/go/rm"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (core *Core) setupAPI() {
	mux := httprouter.New()
	mux.HandlerFunc("GET", "/rm/v1/hosts", core.apiHosts)
	mux.HandlerFunc("GET", "/rm/v1/hosts/needed", core.apiHostNeeded)
	mux.HandlerFunc("POST", "/rm/v1/hosts/hold", core.apiHostHold)
	mux.HandlerFunc("POST", "/rm/v1/hosts/resume", core.apiHostResume)
	mux.HandlerFunc("GET", "/rm/v1/deploying", core.apiDeploying)
	mux.HandlerFunc("GET", "/rm/v1/deploying/lookup", core.apiDeployingLookup)
	mux.HandlerFunc("GET", "/rm/v1/nodes", core.apiNodes)
	mux.HandlerFunc("POST", "/rm/v1/nodes/events", core.apiNodeEvent)
	mux.HandlerFunc("POST", "/rm/v1/nodes/acquire", core.apiAcquire)
	mux.HandlerFunc("POST", "/rm/v1/nodes/release", core.apiRelease)
	mux.HandlerFunc("GET", "/rm/v1/topology", core.apiTopology)
	mux.PUT("/rm/v1/topology/hosts/:address", core.apiTopologyPut)
	mux.DELETE("/rm/v1/topology/hosts/:address", core.apiTopologyDelete)
	metricsH := promhttp.HandlerFor(core.Registry, promhttp.HandlerOpts{
		ErrorLog: core.logger,
	})
	mux.Handler("GET", "/metrics", metricsH)
	mux.Handler("GET", "/metrics.json", metricsH)
	mux.Handler("GET", "/_health/:check", &health.Handler{
		Token:  core.Cluster.ManagementToken,
		Prefix: "/_health/",
		Routes: health.Routes{"ping": core.CheckHealth},
	})
	mux.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpserver.Error(w, "not found", http.StatusNotFound)
	})
	core.httpHandler = auth.RequireLiteralToken(core.Cluster.ManagementToken, mux)
}

// errorStatus returns the HTTP status for an error returned by a
// Core method.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, selection.ErrInsufficientCapacity):
		return http.StatusServiceUnavailable
	case errors.Is(err, selection.ErrTopologyUnavailable),
		errors.Is(err, ErrTopologyDisabled):
		return http.StatusUnprocessableEntity
	case errors.Is(err, topology.ErrInvalidDistance):
		return http.StatusBadRequest
	case errors.Is(err, nodesource.ErrUnknownHost):
		return http.StatusNotFound
	case errors.Is(err, nodesource.ErrUnexpectedNode),
		errors.Is(err, nodesource.ErrRemovedNode):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func sendError(w http.ResponseWriter, err error) {
	httpserver.WriteError(w, err, errorStatus(err))
}

func sendJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpserver.Error(w, "error decoding request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func requireParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := r.FormValue(name)
	if v == "" {
		httpserver.Error(w, name+" parameter not provided", http.StatusBadRequest)
		return "", false
	}
	return v, true
}

// Management API: state of every host.
func (core *Core) apiHosts(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []nodesource.HostView `json:"items"`
	}
	resp.Items = core.Hosts()
	sendJSON(w, resp)
}

// Management API: number of nodes the specified host is missing.
func (core *Core) apiHostNeeded(w http.ResponseWriter, r *http.Request) {
	host, ok := requireParam(w, r, "host")
	if !ok {
		return
	}
	n, err := core.QueryNeededNodes(host)
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, map[string]interface{}{"host": host, "needed": n})
}

// Management API: stop provisioning the specified host until its
// nodes change.
func (core *Core) apiHostHold(w http.ResponseWriter, r *http.Request) {
	core.apiHostNeedsNodes(w, r, false)
}

// Management API: provision the specified host in the next round.
func (core *Core) apiHostResume(w http.ResponseWriter, r *http.Request) {
	core.apiHostNeedsNodes(w, r, true)
}

func (core *Core) apiHostNeedsNodes(w http.ResponseWriter, r *http.Request, needs bool) {
	host, ok := requireParam(w, r, "host")
	if !ok {
		return
	}
	if err := core.SetNeedsNodes(host, needs); err != nil {
		sendError(w, err)
	}
}

// Management API: deploying and lost node records.
func (core *Core) apiDeploying(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []nodesource.DeployingView `json:"items"`
	}
	resp.Items = core.Deploying()
	sendJSON(w, resp)
}

// Management API: the deploying or lost record with the specified URL.
func (core *Core) apiDeployingLookup(w http.ResponseWriter, r *http.Request) {
	url, ok := requireParam(w, r, "url")
	if !ok {
		return
	}
	dn := core.LookupDeployingOrLost(url)
	if dn == nil {
		httpserver.Error(w, "no deploying or lost node with that URL", http.StatusNotFound)
		return
	}
	sendJSON(w, dn)
}

// Management API: free and busy nodes by host.
func (core *Core) apiNodes(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []PoolView `json:"items"`
	}
	resp.Items = core.Pool()
	sendJSON(w, resp)
}

// Management API: report a node state change.
func (core *Core) apiNodeEvent(w http.ResponseWriter, r *http.Request) {
	var ev rm.NodeEvent
	if !decodeBody(w, r, &ev) {
		return
	}
	if ev.Host == "" || ev.NodeURL == "" || ev.Kind == "" {
		httpserver.Error(w, "host, node_url, and kind are required", http.StatusBadRequest)
		return
	}
	if err := core.ReportNodeEvent(r.Context(), ev.Host, ev.NodeURL, ev.Kind); err != nil {
		sendError(w, err)
	}
}

// AcquireRequest is the body of a node acquisition request.
type AcquireRequest struct {
	Count      int                  `json:"count"`
	Descriptor selection.Descriptor `json:"descriptor"`
}

// Management API: select and mark busy a set of nodes.
func (core *Core) apiAcquire(w http.ResponseWriter, r *http.Request) {
	var req AcquireRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Descriptor.Kind == "" {
		req.Descriptor.Kind = selection.Arbitrary
	}
	if err := req.Descriptor.Validate(); err != nil {
		httpserver.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := core.Acquire(r.Context(), req.Count, req.Descriptor)
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, res)
}

// Management API: return nodes to the free pool.
func (core *Core) apiRelease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URLs []string `json:"urls"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	sendJSON(w, map[string]int{"released": core.Release(req.URLs)})
}

// Management API: known hosts and recorded distances.
func (core *Core) apiTopology(w http.ResponseWriter, r *http.Request) {
	hosts, err := core.Topology()
	if err != nil {
		sendError(w, err)
		return
	}
	var resp struct {
		Items []TopologyHost `json:"items"`
	}
	resp.Items = hosts
	sendJSON(w, resp)
}

// Management API: replace the distances measured from a host.
func (core *Core) apiTopologyPut(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req struct {
		Name      string                       `json:"name"`
		Distances map[string]topology.Distance `json:"distances"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := core.UpdateTopology(req.Name, params.ByName("address"), req.Distances); err != nil {
		sendError(w, err)
	}
}

// Management API: forget a host and every distance to it.
func (core *Core) apiTopologyDelete(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	found, err := core.RemoveTopologyHost(params.ByName("address"))
	if err != nil {
		sendError(w, err)
	} else if !found {
		httpserver.Error(w, "host not found in topology", http.StatusNotFound)
	}
}
