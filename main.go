/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

var goexit chan string

func catch_signals() {

	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, unix.SIGINT, unix.SIGTERM)

	sig := <-sigchan

	signal.Stop(sigchan)
	goexit <- "signal(" + sig.String() + ")"
}

func main() {

	parse_cli() // also initializes log

	log.info("START fabric gateway")

	goexit = make(chan string)
	go catch_signals()

	getbuf = make(chan *PktBuf, 1)
	retbuf = make(chan *PktBuf, cli.maxbuf)

	go pkt_buffers()

	start_db()

	if err := cfg_load(); err != nil {
		log.fatal("cannot load config: %v", err)
	}

	db_restore_bindings()

	timer_init()
	start_pipeline()

	go neigh_resolver()
	go offload_coordinator()
	go cfg_watcher()

	var bk Backend
	if cli.devmode {
		log.info("devmode: using channel backend")
		bk = new_chan_backend()
	} else {
		bk = new_raw_backend()
	}

	go backend_receiver(bk, IFC_ACCESS)
	go backend_receiver(bk, IFC_UPLINK)
	go backend_sender(bk)

	go timer_tick()

	msg := <-goexit
	bk.stop()
	stop_db()
	log.info("STOP fabric gateway: %v", msg)
}
