// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package rm

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Config struct {
	Clusters map[string]Cluster
}

// GetCluster returns the cluster ID and config for the given
// cluster, or the default/only configured cluster if clusterID is "".
func (sc *Config) GetCluster(clusterID string) (*Cluster, error) {
	if clusterID == "" {
		if len(sc.Clusters) == 0 {
			return nil, errors.New("no clusters configured")
		} else if len(sc.Clusters) > 1 {
			return nil, errors.New("multiple clusters configured, cannot choose")
		}
		for id, cc := range sc.Clusters {
			cc.ClusterID = id
			return &cc, nil
		}
	}
	cc, ok := sc.Clusters[clusterID]
	if !ok {
		return nil, fmt.Errorf("cluster %q is not configured", clusterID)
	}
	cc.ClusterID = clusterID
	return &cc, nil
}

type Cluster struct {
	ClusterID       string `json:"-"`
	ManagementToken string
	SystemLogs      struct {
		Format   string
		LogLevel string
	}
	Services   Services
	NodeSource NodeSourceConfig
	Topology   TopologyConfig
}

type Services struct {
	RMCore Service
}

type Service struct {
	// Listen is the [addr]:port the management API listens on.
	Listen string
	// RequestTimeout limits each management API request.
	RequestTimeout Duration
}

// NodeSourceConfig describes a set of hosts and the infrastructure
// driver used to start nodes on them.
type NodeSourceConfig struct {
	Name             string
	Driver           string
	DriverParameters json.RawMessage
	Hosts            []HostConfig

	// Number of deploying nodes that may be lost per configured
	// node before a host is flagged for another provisioning
	// round.
	MaxDeploymentFailure int

	// Delay between provisioning attempts on the same host.
	WaitBetweenDeploymentFailures Duration

	// Number of retries after the first failed provisioning
	// attempt. -1 means retry until canceled.
	ProvisioningRetries int

	// A deploying node that has not registered within
	// NodeTimeout is declared lost.
	NodeTimeout Duration

	// Interval between acquisition rounds.
	AcquireInterval Duration

	// Maximum number of hosts provisioned concurrently.
	MaxConcurrentProvisioning int

	// If true, nodes must be registered as deploying nodes
	// before they can join.
	UsingDeployingNodes bool
}

type HostConfig struct {
	Name    string
	Address string
	Nodes   int
}

type TopologyConfig struct {
	Enabled bool
}
