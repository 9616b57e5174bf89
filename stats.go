/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"sync/atomic"
)

/* Counters

Bumped from the workers with atomics, read by the stats reporter. Drop
counters are split by reason so a misbehaving fabric shows up in the logs
as a specific complaint, not a generic drop rate.
*/

var stats struct {
	rcvd           atomic.Uint64
	fwd            atomic.Uint64
	drop_malformed atomic.Uint64
	drop_no_vpc    atomic.Uint64
	drop_no_route  atomic.Uint64
	drop_no_neigh  atomic.Uint64
	drop_ttl       atomic.Uint64
	drop_invalid   atomic.Uint64
	drop_no_bind   atomic.Uint64
	pool_exhausted atomic.Uint64
	conn_created   atomic.Uint64
	conn_expired   atomic.Uint64
	offload_sent   atomic.Uint64
	offload_rmvd   atomic.Uint64
}

func stats_report() {

	log.info("stats: rcvd(%v) fwd(%v) conns(%v/%v) offloads(%v/%v)",
		stats.rcvd.Load(), stats.fwd.Load(),
		stats.conn_created.Load(), stats.conn_expired.Load(),
		stats.offload_sent.Load(), stats.offload_rmvd.Load())

	drops := stats.drop_malformed.Load() + stats.drop_no_vpc.Load() +
		stats.drop_no_route.Load() + stats.drop_no_neigh.Load() +
		stats.drop_ttl.Load() + stats.drop_invalid.Load() +
		stats.drop_no_bind.Load()

	if drops > 0 {
		log.info("stats: drops(%v): malformed(%v) no-vpc(%v) no-route(%v) no-neigh(%v) ttl(%v) invalid(%v) no-binding(%v) exhausted(%v)",
			drops,
			stats.drop_malformed.Load(), stats.drop_no_vpc.Load(),
			stats.drop_no_route.Load(), stats.drop_no_neigh.Load(),
			stats.drop_ttl.Load(), stats.drop_invalid.Load(),
			stats.drop_no_bind.Load(), stats.pool_exhausted.Load())
	}
}
