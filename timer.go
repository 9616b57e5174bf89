/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"crypto/rand"
	prng "math/rand" // we don't need crypto rng for time delays
	"time"
)

const (
	TIMER_TICK = 16811 // [ms] avg  16.811 [s]
	TIMER_FUZZ = 7
)

var rng *prng.Rand

func timer_init() {

	// init prng for non-critical random number use

	creep := make([]byte, 8)
	_, err := rand.Read(creep)
	if err != nil {
		log.fatal("timer: cannot seed pseudo random number generator")
	}
	rng = prng.New(prng.NewSource(int64(be.Uint64(creep))))
}

func sleep(dly, fuzz int) {
	time.Sleep(time.Duration(dly-fuzz/2+rng.Intn(fuzz)) * time.Millisecond)
}

func timer_tick() {

	for {
		sleep(TIMER_TICK, TIMER_TICK/TIMER_FUZZ)

		stats_report()

		if cli.debug["timer"] {

			for _, ct := range all_conn_tabs() {
				log.debug("timer: vni(%v) conns(%v)", ct.vni, ct.num_conns())
			}

			nat_pools.Lock()
			for key, pool := range nat_pools.pools {
				log.debug("timer: pool %v occupancy(%v)", key, pool.occupancy())
			}
			nat_pools.Unlock()
		}
	}
}
