/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"sync"
	"sync/atomic"
)

/* Left-right publication

Forwarding state is read on every packet but written only on config reloads.
Readers must never block and never see a half-applied update. The writer
builds a complete replacement off to the side, then swaps a single pointer.
Readers load the pointer once per batch and work off that snapshot for the
whole batch, so a reload taking effect mid-batch cannot mix old and new
state within one packet.

The writer side is serialized with a mutex. Old snapshots are reclaimed by
the garbage collector once the last reader drops its reference.
*/

type LeftRight[T any] struct {
	cur atomic.Pointer[T]
	mtx sync.Mutex // writers only
}

func (lr *LeftRight[T]) load() *T {
	return lr.cur.Load()
}

func (lr *LeftRight[T]) publish(next *T) {

	lr.mtx.Lock()
	lr.cur.Store(next)
	lr.mtx.Unlock()
}

// Build the next snapshot from the current one under the writer lock.
func (lr *LeftRight[T]) update(build func(cur *T) *T) {

	lr.mtx.Lock()
	lr.cur.Store(build(lr.cur.Load()))
	lr.mtx.Unlock()
}
