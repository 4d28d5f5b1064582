// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package service provides a cmd.Handler that brings up a system service.
package service

import (
	"context"
	"errors"
	"flag"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"

	"git.arvados.org/rmcore.git/lib/cmd"
	"git.arvados.org/rmcore.git/lib/config"
	"git.arvados.org/rmcore.git/sdk/go/ctxlog"
	"git.arvados.org/rmcore.git/sdk/go/httpserver"
	"git.arvados.org/rmcore.git/sdk/go/rm"
	"github.com/coreos/go-systemd/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type Handler interface {
	http.Handler
	CheckHealth() error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens.
	Done() <-chan struct{}
}

type NewHandlerFunc func(_ context.Context, _ *rm.Cluster, registry *prometheus.Registry) Handler

type command struct {
	newHandler NewHandlerFunc
	svcName    string
	ctx        context.Context // enables tests to shutdown service; no public API yet
}

// Command returns a cmd.Handler that loads site config, calls
// newHandler with the current cluster config, and brings up an http
// server with the returned handler.
//
// The handler is wrapped with server middleware (adding X-Request-ID
// headers, logging requests/responses, etc).
func Command(svcName string, newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
		svcName:    svcName,
		ctx:        context.Background(),
	}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			log.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)

	loader := config.NewLoader(stdin, log)
	loader.SetupFlags(flags)

	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	pprofAddr := flags.String("pprof", "", "Serve Go profile data at `[addr]:port`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version.RunCommand(prog, args, stdin, stdout, stderr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	cluster, err := cfg.GetCluster("")
	if err != nil {
		return 1
	}

	// Now that we've read the config, replace the bootstrap
	// logger with a new one according to the logging config.
	log = ctxlog.New(stderr, cluster.SystemLogs.Format, cluster.SystemLogs.LogLevel)
	logger := log.WithFields(logrus.Fields{
		"PID":       os.Getpid(),
		"ClusterID": cluster.ClusterID,
	})
	ctx := ctxlog.Context(c.ctx, logger)

	listenAddr := getListenAddr(cluster.Services.RMCore)
	if listenAddr == "" {
		err = errors.New("Services.RMCore.Listen is not configured")
		return 1
	}

	reg := prometheus.NewRegistry()

	// rmcore_version_running{version="1.2.3~4"} 1.0
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rmcore",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(cmd.Version.String()).Set(1)
	reg.MustRegister(mVersion)

	handler := c.newHandler(ctx, cluster, reg)
	if err = handler.CheckHealth(); err != nil {
		return 1
	}

	srv := &http.Server{
		Handler: httpserver.HandlerWithDeadline(cluster.Services.RMCore.RequestTimeout.Duration(),
			httpserver.AddRequestIDs(
				httpserver.LogRequests(logger, handler))),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return 1
	}
	logger.WithFields(logrus.Fields{
		"Listen":  ln.Addr().String(),
		"Service": c.svcName,
		"Version": cmd.Version.String(),
	}).Info("listening")
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Errorf("error notifying init daemon")
	}
	go func() {
		// Shut down server if caller cancels context
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		// Shut down server if handler dies
		<-handler.Done()
		srv.Close()
	}()
	if loader.Path != "-" {
		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		// Exit when the config changes, so the init system
		// restarts the service with the new config.
		go config.Watch(watchCtx, logger, loader.Path, cfg, func() {
			logger.Info("config file changed, shutting down")
			srv.Close()
		})
	}
	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if err != nil {
		return 1
	}
	return 0
}

// getListenAddr returns the configured listen address, unless
// overridden by $RMCORE_SERVICE_LISTEN.
func getListenAddr(svc rm.Service) string {
	if want := os.Getenv("RMCORE_SERVICE_LISTEN"); want != "" {
		return want
	}
	return svc.Listen
}
