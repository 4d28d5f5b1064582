// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"net/http"

	"git.arvados.org/rmcore.git/sdk/go/ctxlog"
	"git.arvados.org/rmcore.git/sdk/go/httpserver"
	"git.arvados.org/rmcore.git/sdk/go/rm"
	"github.com/sirupsen/logrus"
)

// ErrorHandler returns a Handler that reports itself as unhealthy and
// responds 500 to all requests. The error is logged once here, and
// again for each incoming request.
func ErrorHandler(ctx context.Context, cluster *rm.Cluster, err error) Handler {
	logger := ctxlog.FromContext(ctx)
	if cluster != nil {
		logger = logger.WithField("NodeSource", cluster.NodeSource.Name)
	}
	logger.WithError(err).Error("unhealthy service")
	return errorHandler{err, logger}
}

type errorHandler struct {
	err    error
	logger logrus.FieldLogger
}

func (eh errorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	eh.logger.WithError(eh.err).Error("unhealthy service")
	httpserver.Error(w, "service is unhealthy", http.StatusInternalServerError)
}

func (eh errorHandler) CheckHealth() error {
	return eh.err
}

// Done returns a closed channel to indicate the service has
// stopped/failed.
func (eh errorHandler) Done() <-chan struct{} {
	return doneChannel
}

var doneChannel = func() <-chan struct{} {
	done := make(chan struct{})
	close(done)
	return done
}()
