// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package loopback is a cloud.Driver that runs nodes as local
// processes, regardless of the host they are started on.
package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"

	"git.arvados.org/rmcore.git/lib/cloud"
	"git.arvados.org/rmcore.git/sdk/go/rm"
	"github.com/google/shlex"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Driver is the loopback implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newInfrastructure)

var _ = cloud.RegisterDriver("loopback", Driver)

var errStopped = errors.New("loopback driver is stopped")

type quotaError string

func (e quotaError) IsQuotaError() bool { return true }
func (e quotaError) Error() string      { return string(e) }

type config struct {
	// Command that runs one node, split into words with shell
	// quoting rules but not run by a shell. If empty, nodes are
	// reported as acquired without starting a process.
	Command string

	// Maximum number of nodes per host. Zero means no limit.
	MaxNodesPerHost int
}

type infrastructure struct {
	config     config
	argv       []string
	nodeSource string
	logger     logrus.FieldLogger

	mtx     sync.Mutex
	nodes   map[string]*node
	stopped bool
}

type node struct {
	rm.Node
	cmd  *exec.Cmd
	done chan struct{}
}

func newInfrastructure(cfg json.RawMessage, nodeSource string, logger logrus.FieldLogger) (cloud.Infrastructure, error) {
	infra := &infrastructure{
		nodeSource: nodeSource,
		logger:     logger,
		nodes:      map[string]*node{},
	}
	if err := json.Unmarshal(cfg, &infra.config); err != nil {
		return nil, fmt.Errorf("loopback driver config: %w", err)
	}
	if infra.config.MaxNodesPerHost < 0 {
		return nil, fmt.Errorf("loopback driver config: invalid MaxNodesPerHost %d", infra.config.MaxNodesPerHost)
	}
	if infra.config.Command != "" {
		argv, err := shlex.Split(infra.config.Command)
		if err != nil {
			return nil, fmt.Errorf("loopback driver config: cannot parse Command: %w", err)
		} else if len(argv) == 0 {
			return nil, errors.New("loopback driver config: Command has no words")
		}
		infra.argv = argv
	}
	return infra, nil
}

func (infra *infrastructure) StartNodes(ctx context.Context, host cloud.Host, count int, reg cloud.Registrar) error {
	infra.mtx.Lock()
	if infra.stopped {
		infra.mtx.Unlock()
		return errStopped
	}
	if max := infra.config.MaxNodesPerHost; max > 0 && infra.countOn(host.Address)+count > max {
		infra.mtx.Unlock()
		return quotaError(fmt.Sprintf("loopback driver allows %d nodes per host", max))
	}
	infra.mtx.Unlock()

	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := infra.nodeSource + "-" + uuid.NewString()
		url, err := reg.AddDeployingNode(name, infra.config.Command, "starting loopback node", host)
		if err != nil {
			return err
		}
		n := &node{
			Node: rm.Node{
				URL:      "loopback://" + host.Address + "/" + name,
				Name:     name,
				Host:     host.Address,
				HostName: host.Name,
			},
			done: make(chan struct{}),
		}
		infra.mtx.Lock()
		infra.nodes[n.URL] = n
		infra.mtx.Unlock()
		if infra.argv == nil {
			close(n.done)
		} else if err := infra.start(n, host, url, reg); err != nil {
			infra.mtx.Lock()
			delete(infra.nodes, n.URL)
			infra.mtx.Unlock()
			return err
		}
		if err := reg.NodeAcquired(n.Node); err != nil {
			infra.kill(n)
			return err
		}
	}
	return nil
}

func (infra *infrastructure) start(n *node, host cloud.Host, deployingURL string, reg cloud.Registrar) error {
	cmd := exec.Command(infra.argv[0], infra.argv[1:]...)
	cmd.Env = append(cmd.Environ(),
		"RMCORE_NODE_NAME="+n.Name,
		"RMCORE_NODE_URL="+n.URL,
		"RMCORE_HOST="+host.Address,
		"RMCORE_NODE_SOURCE="+infra.nodeSource)
	// Prevent child process from using our tty, and make it
	// possible to kill its whole process group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		reg.DeclareLost(deployingURL, "cannot start node process: "+err.Error())
		return err
	}
	n.cmd = cmd
	logger := infra.logger.WithFields(logrus.Fields{
		"NodeURL": n.URL,
		"PID":     cmd.Process.Pid,
	})
	logger.Debug("started node process")
	go func() {
		err := cmd.Wait()
		close(n.done)
		infra.mtx.Lock()
		delete(infra.nodes, n.URL)
		infra.mtx.Unlock()
		if reg.DeclareLost(deployingURL, fmt.Sprintf("node process exited: %v", err)) {
			logger.WithError(err).Warn("node process exited before registering")
		} else {
			logger.WithError(err).Info("node process exited")
		}
	}()
	return nil
}

func (infra *infrastructure) countOn(address string) int {
	n := 0
	for _, nd := range infra.nodes {
		if nd.Host == address {
			n++
		}
	}
	return n
}

func (infra *infrastructure) KillNode(ctx context.Context, rmnode rm.Node) error {
	infra.mtx.Lock()
	n, ok := infra.nodes[rmnode.URL]
	delete(infra.nodes, rmnode.URL)
	infra.mtx.Unlock()
	if !ok {
		return fmt.Errorf("loopback driver: no such node %s", rmnode.URL)
	}
	infra.kill(n)
	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (infra *infrastructure) kill(n *node) {
	infra.mtx.Lock()
	delete(infra.nodes, n.URL)
	infra.mtx.Unlock()
	if n.cmd == nil || n.cmd.Process == nil {
		return
	}
	if err := unix.Kill(-n.cmd.Process.Pid, unix.SIGTERM); err != nil {
		infra.logger.WithError(err).WithField("NodeURL", n.URL).Debug("kill failed")
	}
}

func (infra *infrastructure) Stop() {
	infra.mtx.Lock()
	infra.stopped = true
	var nodes []*node
	for _, n := range infra.nodes {
		nodes = append(nodes, n)
	}
	infra.mtx.Unlock()
	for _, n := range nodes {
		infra.kill(n)
	}
}
