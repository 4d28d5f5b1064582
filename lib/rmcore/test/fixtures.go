// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"fmt"

	"git.arvados.org/rmcore.git/sdk/go/rm"
)

// NodeSourceConfig returns a config with the given number of hosts,
// each configured with nodesPerHost nodes. Host i is named "host<i>"
// with address "10.0.0.<i+1>".
func NodeSourceConfig(hosts, nodesPerHost int) rm.NodeSourceConfig {
	cfg := rm.NodeSourceConfig{
		Name:                          "stub",
		Driver:                        "stub",
		MaxDeploymentFailure:          2,
		ProvisioningRetries:           2,
		WaitBetweenDeploymentFailures: rm.Duration(1),
		MaxConcurrentProvisioning:     4,
		UsingDeployingNodes:           true,
	}
	for i := 0; i < hosts; i++ {
		cfg.Hosts = append(cfg.Hosts, rm.HostConfig{
			Name:    fmt.Sprintf("host%d", i),
			Address: HostAddress(i),
			Nodes:   nodesPerHost,
		})
	}
	return cfg
}

// HostAddress returns the address of host i in NodeSourceConfig.
func HostAddress(i int) string {
	return fmt.Sprintf("10.0.0.%d", i+1)
}
