// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"git.arvados.org/rmcore.git/lib/cloud"
	"git.arvados.org/rmcore.git/sdk/go/rm"
)

// StartCall records one StartNodes invocation.
type StartCall struct {
	Host          cloud.Host
	Count         int
	Attempt       int
	DeployingURLs []string
	Err           error
}

// A StubInfrastructure implements cloud.Infrastructure without
// starting any processes. Each started node is registered as a
// deploying node, and (if AutoJoin is set) reported as acquired right
// away.
type StubInfrastructure struct {
	// If non-nil, StartErr is called for each StartNodes call
	// after the deploying nodes are registered. A non-nil return
	// value fails the call. attempt counts calls per host,
	// starting at 1.
	StartErr func(host cloud.Host, attempt int) error

	// Report started nodes as acquired.
	AutoJoin bool

	mtx      sync.Mutex
	calls    []StartCall
	attempts map[string]int
	killed   []rm.Node
	seq      int
	stopped  bool
}

func (si *StubInfrastructure) StartNodes(ctx context.Context, host cloud.Host, count int, reg cloud.Registrar) error {
	si.mtx.Lock()
	if si.stopped {
		si.mtx.Unlock()
		return errors.New("StubInfrastructure: StartNodes called after Stop")
	}
	if si.attempts == nil {
		si.attempts = map[string]int{}
	}
	si.attempts[host.Address]++
	call := StartCall{Host: host, Count: count, Attempt: si.attempts[host.Address]}
	var names []string
	for i := 0; i < count; i++ {
		si.seq++
		names = append(names, fmt.Sprintf("%s-stub%d", host.Name, si.seq))
	}
	startErr := si.StartErr
	si.mtx.Unlock()

	var err error
	for _, name := range names {
		url, aerr := reg.AddDeployingNode(name, "stub-node "+name, "starting", host)
		if aerr != nil {
			err = aerr
			break
		}
		call.DeployingURLs = append(call.DeployingURLs, url)
	}
	if err == nil && startErr != nil {
		err = startErr(host, call.Attempt)
	}
	if err == nil && si.AutoJoin {
		for _, name := range names {
			if err = reg.NodeAcquired(StubNode(host, name)); err != nil {
				break
			}
		}
	}
	call.Err = err
	si.mtx.Lock()
	si.calls = append(si.calls, call)
	si.mtx.Unlock()
	return err
}

func (si *StubInfrastructure) KillNode(ctx context.Context, node rm.Node) error {
	si.mtx.Lock()
	defer si.mtx.Unlock()
	si.killed = append(si.killed, node)
	return nil
}

func (si *StubInfrastructure) Stop() {
	si.mtx.Lock()
	defer si.mtx.Unlock()
	si.stopped = true
}

// Calls returns the StartNodes calls made so far.
func (si *StubInfrastructure) Calls() []StartCall {
	si.mtx.Lock()
	defer si.mtx.Unlock()
	return append([]StartCall(nil), si.calls...)
}

// Killed returns the nodes passed to KillNode so far.
func (si *StubInfrastructure) Killed() []rm.Node {
	si.mtx.Lock()
	defer si.mtx.Unlock()
	return append([]rm.Node(nil), si.killed...)
}

// StubNode returns the node a StubInfrastructure reports for the
// given host and node name.
func StubNode(host cloud.Host, name string) rm.Node {
	return rm.Node{
		URL:      "stub://" + host.Address + "/" + name,
		Name:     name,
		Host:     host.Address,
		HostName: host.Name,
	}
}

// RateLimitError implements cloud.RateLimitError.
type RateLimitError struct {
	Until time.Time
}

func (e RateLimitError) Error() string            { return "rate limit exceeded" }
func (e RateLimitError) EarliestRetry() time.Time { return e.Until }

// QuotaError implements cloud.QuotaError.
type QuotaError string

func (e QuotaError) Error() string      { return string(e) }
func (e QuotaError) IsQuotaError() bool { return true }

// NoSleep records requested delays without waiting, unless ctx is
// already done.
type NoSleep struct {
	mtx    sync.Mutex
	Delays []time.Duration
}

func (ns *NoSleep) Sleep(ctx context.Context, d time.Duration) error {
	ns.mtx.Lock()
	ns.Delays = append(ns.Delays, d)
	ns.mtx.Unlock()
	return ctx.Err()
}
