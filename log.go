/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	golog "log"
	"os"
	"runtime"
	"strings"
)

const (
	DEBUG = iota
	INFO
	ERROR
	FATAL
	NONE
)

type Log struct {
	level uint
}

var log = Log{INFO}

// strip directory and extension, leaving the bare source file name
func fname_base(fname string) string {

	if ix := strings.LastIndex(fname, "/"); ix >= 0 {
		fname = fname[ix+1:]
	}
	if ix := strings.LastIndex(fname, "."); ix >= 0 {
		fname = fname[:ix]
	}
	return fname
}

func (l *Log) set(level uint, stamps bool) {

	l.level = level

	if stamps {
		golog.SetFlags(golog.Ltime | golog.Lmicroseconds)
	} else {
		golog.SetFlags(0)
	}
}

func (l *Log) fatal(msg string, params ...interface{}) {

	golog.Printf("F "+msg, params...)
	select {
	case goexit <- "fatal":
		select {}
	default: // if goexit not ready, just exit
		os.Exit(1)
	}
}

func (l *Log) err(msg string, params ...interface{}) {

	if l.level <= ERROR {
		golog.Printf("E "+msg, params...)
	}
}

func (l *Log) info(msg string, params ...interface{}) {

	if l.level <= INFO {
		golog.Printf("I "+msg, params...)
	}
}

// debug is gated per source file via -debug, independently of the level
func (l *Log) debug(msg string, params ...interface{}) {

	if len(cli.debug) == 0 {
		return
	}

	_, fname, line, ok := runtime.Caller(1)
	if !ok {
		return
	}

	if cli.debug[fname_base(fname)] || cli.debug["all"] {
		golog.Printf("D %v(%v): "+msg, append([]interface{}{fname_base(fname), line}, params...)...)
	}
}

// packet traces follow the -trace flag, they are not a log level
func (l *Log) trace(msg string, params ...interface{}) {

	if cli.trace {
		golog.Printf("T "+msg, params...)
	}
}
