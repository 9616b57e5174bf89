/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	CFG_DEBOUNCE = time.Duration(2347 * time.Millisecond) // file event debounce time
)

/* Config watcher

We watch the config file for changes, then debounce file events before
reloading. The debounce timer is restarted on every file event, so a series
of rapid events (editors write in bursts) collapses into a single reload.
*/

func cfg_reloader(timer *time.Timer) {

	for range timer.C {
		if err := cfg_load(); err != nil {
			log.err("cfg watcher: reload failed, keeping current view: %v", err)
		}
	}
}

func cfg_watcher() {

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.fatal("cfg watcher: cannot setup file watcher: %v", err)
	}
	defer watcher.Close()

	fname := filepath.Base(cli.config)

	if err := watcher.Add(cli.config); err != nil {
		log.fatal("cfg watcher: cannot watch file %v: %v", fname, err)
	}
	log.info("cfg watcher: watching file: %v", fname)

	timer := time.NewTimer(CFG_DEBOUNCE)
	timer.Stop()
	go cfg_reloader(timer)

	for {
		select {
		case event := <-watcher.Events:
			log.debug("cfg watcher: file changed: %v %v", fname, event.Op)
			timer.Stop()
			if (event.Op & fsnotify.Remove) != 0 {
				// re-install watcher (no need to remove first)
				if err := watcher.Add(cli.config); err != nil {
					log.fatal("cfg watcher: cannot re-watch file: %v", fname)
				}
			}
			timer.Reset(CFG_DEBOUNCE)
		case err := <-watcher.Errors:
			log.err("cfg watcher: file watch: %v", err)
		}
	}
}
