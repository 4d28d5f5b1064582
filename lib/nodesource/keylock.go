// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nodesource

import "sync"

// keyLock serializes operations on the same key without making
// operations on different keys wait for each other.
type keyLock struct {
	mtx   sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

// Lock locks key and returns the corresponding unlock func.
func (kl *keyLock) Lock(key string) func() {
	kl.mtx.Lock()
	if kl.locks == nil {
		kl.locks = map[string]*refLock{}
	}
	l, ok := kl.locks[key]
	if !ok {
		l = &refLock{}
		kl.locks[key] = l
	}
	l.refs++
	kl.mtx.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		kl.mtx.Lock()
		l.refs--
		if l.refs == 0 {
			delete(kl.locks, key)
		}
		kl.mtx.Unlock()
	}
}
