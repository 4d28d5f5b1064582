// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rmcore

import (
	"context"
	"fmt"

	"git.arvados.org/rmcore.git/lib/cloud"
	_ "git.arvados.org/rmcore.git/lib/cloud/loopback"
	"git.arvados.org/rmcore.git/lib/cmd"
	"git.arvados.org/rmcore.git/lib/service"
	"git.arvados.org/rmcore.git/sdk/go/ctxlog"
	"git.arvados.org/rmcore.git/sdk/go/rm"
	"github.com/prometheus/client_golang/prometheus"
)

var Command cmd.Handler = service.Command("rmcore", newHandler)

func newHandler(ctx context.Context, cluster *rm.Cluster, reg *prometheus.Registry) service.Handler {
	nsc := cluster.NodeSource
	infra, err := cloud.NewInfrastructure(nsc.Driver, nsc.DriverParameters, nsc.Name, ctxlog.FromContext(ctx))
	if err != nil {
		return service.ErrorHandler(ctx, cluster, fmt.Errorf("error initializing %q driver: %w", nsc.Driver, err))
	}
	core, err := New(ctx, cluster, infra, reg)
	if err != nil {
		infra.Stop()
		return service.ErrorHandler(ctx, cluster, err)
	}
	core.Start()
	return core
}
