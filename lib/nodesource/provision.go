// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nodesource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"git.arvados.org/rmcore.git/lib/cloud"
	"github.com/sirupsen/logrus"
)

// ErrProvisioningFailed matches every *ProvisioningFailedError.
var ErrProvisioningFailed = errors.New("provisioning failed")

// ProvisioningFailedError is returned when all provisioning attempts
// on a host have failed. Err is the last attempt's error.
type ProvisioningFailedError struct {
	Host     string
	Attempts int
	Err      error
}

func (e *ProvisioningFailedError) Error() string {
	return fmt.Sprintf("provisioning nodes on %s failed after %d attempts: %s", e.Host, e.Attempts, e.Err)
}

func (e *ProvisioningFailedError) Unwrap() error { return e.Err }

func (e *ProvisioningFailedError) Is(target error) bool { return target == ErrProvisioningFailed }

// InfiniteRetries makes a Retrier try until its context is
// canceled.
const InfiniteRetries = -1

// deployingRegistrar is a cloud.Registrar that can also discard the
// deploying nodes it registered.
type deployingRegistrar interface {
	cloud.Registrar
	RemoveDeployingNode(url string)
}

// A Retrier starts nodes through an Infrastructure, retrying failed
// attempts with a fixed delay.
type Retrier struct {
	Infrastructure cloud.Infrastructure
	Registrar      deployingRegistrar
	Logger         logrus.FieldLogger

	// Sleep waits for d or until ctx is done, whichever comes
	// first, and returns ctx.Err() in the latter case. If nil,
	// a timer is used.
	Sleep func(ctx context.Context, d time.Duration) error

	throttle *throttle
	metrics  *metrics
}

// Provision starts nodeCount nodes on host. A failed attempt is
// retried after interDelay, up to retries times (InfiniteRetries to
// retry until ctx is canceled). The deploying nodes registered by a
// failed attempt are removed before the next attempt.
//
// If the infrastructure reports a rate limit, the delay before the
// next attempt is extended until the limit expires.
func (r *Retrier) Provision(ctx context.Context, host cloud.Host, nodeCount, retries int, interDelay time.Duration) error {
	logger := r.Logger.WithFields(logrus.Fields{
		"Host":      host.Address,
		"NodeCount": nodeCount,
	})
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		ar := &attemptRegistrar{deployingRegistrar: r.Registrar}
		r.metrics.observeAttempt(host.Address)
		err := r.Infrastructure.StartNodes(ctx, host, nodeCount, ar)
		if err == nil {
			if attempt > 1 {
				logger.WithField("Attempt", attempt).Info("provisioning succeeded after retry")
			}
			return nil
		}
		r.metrics.observeFailure(host.Address)
		for _, url := range ar.dependents() {
			r.Registrar.RemoveDeployingNode(url)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		alog := logger.WithField("Attempt", attempt).WithError(err)
		if retries != InfiniteRetries && attempt > retries {
			alog.Error("provisioning failed, giving up")
			return &ProvisioningFailedError{Host: host.Address, Attempts: attempt, Err: err}
		}
		delay := interDelay
		if r.throttle != nil {
			if until := r.throttle.CheckRateLimitError(err, logger, "StartNodes"); !until.IsZero() {
				if d := time.Until(until); d > delay {
					delay = d
				}
			}
		}
		alog.WithField("RetryIn", delay).Warn("provisioning failed, will retry")
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (r *Retrier) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// attemptRegistrar records the deploying URLs registered during one
// provisioning attempt.
type attemptRegistrar struct {
	deployingRegistrar
	mtx  sync.Mutex
	urls []string
}

func (ar *attemptRegistrar) AddDeployingNode(name, command, description string, host cloud.Host) (string, error) {
	url, err := ar.deployingRegistrar.AddDeployingNode(name, command, description, host)
	if err == nil {
		ar.mtx.Lock()
		ar.urls = append(ar.urls, url)
		ar.mtx.Unlock()
	}
	return url, err
}

func (ar *attemptRegistrar) dependents() []string {
	ar.mtx.Lock()
	defer ar.mtx.Unlock()
	return append([]string(nil), ar.urls...)
}
