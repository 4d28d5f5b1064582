// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"git.arvados.org/rmcore.git/sdk/go/rm"
	"github.com/sirupsen/logrus"
)

// A RateLimitError should be returned by an Infrastructure when the
// provider indicates it is rejecting all calls for some time
// interval.
type RateLimitError interface {
	// Time before which the caller should expect requests to
	// fail.
	EarliestRetry() time.Time
	error
}

// A QuotaError should be returned by an Infrastructure when the
// provider indicates no more nodes can be started until some existing
// nodes are killed.
type QuotaError interface {
	// If true, don't start more nodes until some existing nodes
	// are killed. If false, don't handle the error as a quota
	// error.
	IsQuotaError() bool
	error
}

var ErrNotImplemented = errors.New("not implemented")

// Host is a host on which an Infrastructure can start nodes.
type Host struct {
	Name    string
	Address string
}

// A Registrar keeps track of the nodes an Infrastructure is
// starting. It is supplied to each StartNodes call.
//
// All methods of a Registrar are goroutine safe.
type Registrar interface {
	// AddDeployingNode records a node that is about to be
	// started, and returns its deploying URL. The name must be
	// unique within the node source and contain no whitespace.
	AddDeployingNode(name, command, description string, host Host) (string, error)

	// DeclareLost marks the given deploying node as lost, e.g.,
	// because its process exited before the node registered. It
	// returns false if the URL does not refer to a deploying
	// node.
	DeclareLost(deployingURL, description string) bool

	// NodeAcquired reports that a node has started and is ready
	// to be used. Node.Name must match the name given to
	// AddDeployingNode.
	NodeAcquired(node rm.Node) error
}

// An Infrastructure starts and kills nodes on a set of hosts.
//
// All public methods of an Infrastructure are goroutine safe.
type Infrastructure interface {
	// Start count nodes on the given host. Nodes are registered
	// with reg as they are started. If StartNodes returns an
	// error, the deploying nodes it registered are discarded by
	// the caller. The returned error should implement
	// RateLimitError and QuotaError where applicable.
	StartNodes(ctx context.Context, host Host, count int, reg Registrar) error

	// Kill the given node's process.
	KillNode(ctx context.Context, node rm.Node) error

	// Stop any background tasks and release other resources.
	Stop()
}

// A Driver returns an Infrastructure using the given
// driver-dependent configuration parameters. The nodeSource name is
// used to tag the nodes the driver starts, so two node sources never
// interfere with each other's nodes.
//
// Example:
//
//	type exampleInfrastructure struct {
//		Command string
//	}
//
//	var exampleDriver = cloud.DriverFunc(func(config json.RawMessage, nodeSource string, logger logrus.FieldLogger) (cloud.Infrastructure, error) {
//		var is exampleInfrastructure
//		if err := json.Unmarshal(config, &is); err != nil {
//			return nil, err
//		}
//		return &is, nil
//	})
//
//	var _ = cloud.RegisterDriver("example", exampleDriver)
type Driver interface {
	Infrastructure(config json.RawMessage, nodeSource string, logger logrus.FieldLogger) (Infrastructure, error)
}

// DriverFunc makes a Driver using the provided function as its
// Infrastructure method. This is similar to http.HandlerFunc.
func DriverFunc(fn func(config json.RawMessage, nodeSource string, logger logrus.FieldLogger) (Infrastructure, error)) Driver {
	return driverFunc(fn)
}

type driverFunc func(config json.RawMessage, nodeSource string, logger logrus.FieldLogger) (Infrastructure, error)

func (df driverFunc) Infrastructure(config json.RawMessage, nodeSource string, logger logrus.FieldLogger) (Infrastructure, error) {
	return df(config, nodeSource, logger)
}

var (
	driversMtx sync.Mutex
	drivers    = map[string]Driver{}
)

// RegisterDriver makes a driver available by name. It returns true
// so it can be used in a package-level var declaration.
func RegisterDriver(name string, driver Driver) bool {
	driversMtx.Lock()
	defer driversMtx.Unlock()
	drivers[name] = driver
	return true
}

// NewInfrastructure returns an Infrastructure using the named driver.
func NewInfrastructure(name string, config json.RawMessage, nodeSource string, logger logrus.FieldLogger) (Infrastructure, error) {
	driversMtx.Lock()
	driver, ok := drivers[name]
	driversMtx.Unlock()
	if !ok {
		return nil, fmt.Errorf("unsupported infrastructure driver %q (available: %v)", name, DriverNames())
	}
	if len(config) == 0 {
		config = json.RawMessage("{}")
	}
	return driver.Infrastructure(config, nodeSource, logger)
}

// DriverNames returns the names of the registered drivers.
func DriverNames() []string {
	driversMtx.Lock()
	defer driversMtx.Unlock()
	var names []string
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
