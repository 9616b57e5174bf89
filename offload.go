/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"fmt"
)

/* Offload requests

Once a connection is established its rewrite is stable, so the flow can be
pushed down to a faster path (hardware or a kernel fast path fed by an
external agent). This layer only emits requests describing the flow and its
action list, it does not program anything itself.

Requests go through a channel so workers never block on the consumer. If
the consumer falls behind, insert requests are dropped: the software path
keeps forwarding the flow correctly, the offload is merely deferred until
the next promotion opportunity. Remove requests matter more, a stale
hardware entry would keep rewriting after the connection is gone, so the
queue is drained for inserts first when full.
*/

const (
	OFF_INSTALL = iota + 1
	OFF_REMOVE
)

type OffloadReq struct {
	op   int
	vni  uint32
	key  Tuple // egress view key
	rkey Tuple // ingress view key
	acts []Action
}

func (req OffloadReq) String() string {

	op := "install"
	if req.op == OFF_REMOVE {
		op = "remove"
	}
	return fmt.Sprintf("offload %v vni(%v) %v", op, req.vni, req.key)
}

var ofchan = make(chan OffloadReq, 256)

func offload_install(e *ConnEntry, acts []Action) {

	if !e.offloaded.CompareAndSwap(false, true) {
		return
	}
	req := OffloadReq{op: OFF_INSTALL, vni: e.vni, key: e.inner, rkey: e.outer,
		acts: append([]Action(nil), acts...)}

	select {
	case ofchan <- req:
		stats.offload_sent.Add(1)
	default:
		e.offloaded.Store(false) // try again on a later packet
	}
}

func offload_remove(e *ConnEntry) {

	req := OffloadReq{op: OFF_REMOVE, vni: e.vni, key: e.inner, rkey: e.outer}

	for {
		select {
		case ofchan <- req:
			stats.offload_rmvd.Add(1)
			return
		default:
		}
		// called from evict callbacks which must not block, so make room
		// by sacrificing the oldest request
		select {
		case old := <-ofchan:
			if old.op == OFF_REMOVE {
				log.err("offload: queue full, lost remove for %v", old.key)
			}
		default:
		}
	}
}

// Drain offload requests. The default consumer just logs them, an
// integration replaces this with a writer toward the offload agent.
func offload_coordinator() {

	for req := range ofchan {
		if req.op == OFF_INSTALL {
			log.debug("offload: %v  %v", req, pp_actions(req.acts))
		} else {
			log.debug("offload: %v", req)
		}
	}
}
