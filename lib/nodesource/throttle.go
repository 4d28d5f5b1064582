// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nodesource

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"git.arvados.org/rmcore.git/lib/cloud"
	"github.com/sirupsen/logrus"
)

// throttle suspends provisioning while the infrastructure is
// rejecting calls.
type throttle struct {
	err   error
	until time.Time
	mtx   sync.Mutex
}

// CheckRateLimitError checks whether err is (or wraps) a
// cloud.RateLimitError, and if so, ensures Error() returns a non-nil
// error until the holdoff period expires. It returns the end of the
// holdoff period, or the zero time if err is not a rate-limit error
// or its holdoff has already passed.
func (thr *throttle) CheckRateLimitError(err error, logger logrus.FieldLogger, operation string) time.Time {
	var rle cloud.RateLimitError
	if !errors.As(err, &rle) {
		return time.Time{}
	}
	until := rle.EarliestRetry()
	dur := time.Until(until)
	if dur <= 0 {
		return time.Time{}
	}
	logger.WithFields(logrus.Fields{
		"Operation": operation,
		"Duration":  dur,
		"ResumeAt":  until,
	}).Info("suspending provisioning due to rate-limit error")
	thr.ErrorUntil(fmt.Errorf("provisioning is suspended for %s, until %s", dur, until), until)
	return until
}

// ErrorUntil makes Error() return err until the given time. A holdoff
// that ends earlier than the current one does not shorten it.
func (thr *throttle) ErrorUntil(err error, until time.Time) {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	if err != nil && thr.err != nil && until.Before(thr.until) {
		return
	}
	thr.err, thr.until = err, until
}

func (thr *throttle) Error() error {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	if thr.err != nil && time.Now().After(thr.until) {
		thr.err = nil
	}
	return thr.err
}
