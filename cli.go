/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	ddir = "/var/lib/fabgw"
)

var cli struct { // no locks, once setup in cli, never modified thereafter
	debuglist  string
	devmode    bool
	trace      bool
	stamps     bool
	datadir    string
	config     string
	gw         string
	gw_macstr  string
	access_ifc string
	uplink_ifc string
	workers    int
	maxbuf     int
	maxconns   int
	connttl    time.Duration
	mtu        int
	vlan       int
	// derived
	debug      map[string]bool
	gw_ip      IP
	gw_mac     Mac
	outer_vlan uint16
	pktbuflen  int
	log_level  uint
}

func parse_cli() {

	flag.StringVar(&cli.debuglist, "debug", "", "enable debug in listed files, comma separated")
	flag.BoolVar(&cli.trace, "trace", false, "enable packet trace")
	flag.BoolVar(&cli.devmode, "devmode", false, "development mode, use channel backend instead of raw sockets")
	flag.BoolVar(&cli.stamps, "time-stamps", false, "print logs with time stamps")
	flag.StringVar(&cli.datadir, "data", ddir, "data directory")
	flag.StringVar(&cli.config, "config", "/etc/fabgw/fabric.conf", "fabric configuration file")
	flag.StringVar(&cli.gw, "gateway", "", "this gateway's fabric ip address, used as the vxlan outer source")
	flag.StringVar(&cli.gw_macstr, "gateway-mac", "", "this gateway's mac address on the fabric")
	flag.StringVar(&cli.access_ifc, "access-ifc", "", "network interface facing the tenant side")
	flag.StringVar(&cli.uplink_ifc, "uplink-ifc", "", "network interface facing the fabric/public side")
	flag.IntVar(&cli.workers, "workers", 4, "number of pipeline workers")
	flag.IntVar(&cli.maxbuf, "max-buffers", 64, "max number of packet buffers")
	flag.IntVar(&cli.maxconns, "max-conns", 65536, "max number of tracked connections per vpc")
	flag.DurationVar(&cli.connttl, "conn-ttl", 300*time.Second, "idle timeout of tracked connections")
	flag.IntVar(&cli.mtu, "mtu", 9000, "max frame size accepted from the wire")
	flag.IntVar(&cli.vlan, "outer-vlan", 0, "sentinel vlan carrying vxlan frames on the access side")
	flag.Usage = func() {
		toks := strings.Split(os.Args[0], "/")
		prog := toks[len(toks)-1]
		fmt.Println("User space dataplane of a multi-tenant fabric gateway. It classifies,")
		fmt.Println("translates and forwards tenant traffic between vpcs and the outside.")
		fmt.Println("")
		fmt.Println("   ", prog, "[FLAGS]")
		fmt.Println("")
		flag.PrintDefaults()
	}
	flag.Parse()

	var err error

	// initialize logger

	cli.debug = make(map[string]bool)

	for _, fname := range strings.Split(cli.debuglist, ",") {

		if len(fname) == 0 {
			continue
		}
		cli.debug[fname_base(fname)] = true
	}

	cli.log_level = INFO
	log.set(cli.log_level, cli.stamps)

	// gateway addressing

	if cli.devmode {

		if cli.gw == "" {
			cli.gw = "198.51.100.1"
		}
		if cli.gw_macstr == "" {
			cli.gw_macstr = "02:fa:b0:00:00:01"
		}

	} else {

		if cli.gw == "" {
			log.fatal("missing gateway IP address (try -gateway)")
		}
		if cli.gw_macstr == "" {
			log.fatal("missing gateway MAC address (try -gateway-mac)")
		}
		if cli.access_ifc == "" || cli.uplink_ifc == "" {
			log.fatal("missing interface names (try -access-ifc and -uplink-ifc)")
		}
	}

	cli.gw_ip, err = ParseIP(cli.gw)
	if err != nil {
		log.fatal("invalid gateway IP address: %v", cli.gw)
	}
	cli.gw_mac, err = ParseMac(cli.gw_macstr)
	if err != nil {
		log.fatal("invalid gateway MAC address: %v", cli.gw_macstr)
	}

	if cli.vlan != 0 {
		if cli.vlan < 1 || cli.vlan > 4094 {
			log.fatal("invalid outer vlan: %v", cli.vlan)
		}
		cli.outer_vlan = uint16(cli.vlan)
	}

	if cli.workers < 1 {
		cli.workers = 1
	}
	if cli.maxbuf < 8 {
		cli.maxbuf = 8
	}

	cli.pktbuflen = cli.mtu + ENCAP_HDR_MAX_LEN
}
