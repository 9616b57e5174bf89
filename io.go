/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"net"

	"github.com/mdlayher/raw"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

/* Frame I/O

The backend moves raw ether frames between the wire and the pipeline. The
production backend binds AF_PACKET sockets to the access and uplink
interfaces with a socket filter that admits only the ethertypes we parse.
Devmode swaps in a channel based backend so the whole dataplane runs
without privileges, which is also what the tests use.

Receivers load frames with headroom for egress encapsulation. The sender
applies the action list right before transmit.
*/

type Frame struct {
	ifc  IfcID
	data []byte
}

type Backend interface {
	recv(ifc IfcID, buf []byte) (int, error)
	send(ifc IfcID, frame []byte) error
	stop()
}

// admit ipv4, ipv6 and 802.1Q, drop the rest in the kernel
func ether_filter() []bpf.RawInstruction {

	insns, err := bpf.Assemble([]bpf.Instruction{
		bpf.LoadAbsolute{Off: ETHER_TYPE, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: ETHER_IPv4, SkipTrue: 3},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: ETHER_IPv6, SkipTrue: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: ETHER_VLAN, SkipTrue: 1},
		bpf.RetConstant{Val: 0},
		bpf.RetConstant{Val: 0xffff},
	})
	if err != nil {
		log.fatal("io: cannot assemble ether filter: %v", err)
	}
	return insns
}

type RawBackend struct {
	access *raw.Conn
	uplink *raw.Conn
}

func open_raw_conn(ifname string) *raw.Conn {

	ifi, err := net.InterfaceByName(ifname)
	if err != nil {
		log.fatal("io: no such interface: %v: %v", ifname, err)
	}

	con, err := raw.ListenPacket(ifi, uint16(unix.ETH_P_ALL), nil)
	if err != nil {
		log.fatal("io: cannot open raw socket on %v: %v", ifname, err)
	}

	if err := con.SetPromiscuous(true); err != nil {
		log.fatal("io: cannot set promiscuous mode on %v: %v", ifname, err)
	}
	if err := con.SetBPF(ether_filter()); err != nil {
		log.fatal("io: cannot attach filter on %v: %v", ifname, err)
	}

	log.info("io: listening on %v", ifname)
	return con
}

func new_raw_backend() *RawBackend {

	return &RawBackend{
		access: open_raw_conn(cli.access_ifc),
		uplink: open_raw_conn(cli.uplink_ifc),
	}
}

func (bk *RawBackend) conn(ifc IfcID) *raw.Conn {

	if ifc == IFC_UPLINK {
		return bk.uplink
	}
	return bk.access
}

func (bk *RawBackend) recv(ifc IfcID, buf []byte) (int, error) {

	nn, _, err := bk.conn(ifc).ReadFrom(buf)
	return nn, err
}

func (bk *RawBackend) send(ifc IfcID, frame []byte) error {

	if len(frame) < ETHER_HDR_LEN {
		return nil
	}
	addr := &raw.Addr{HardwareAddr: net.HardwareAddr(frame[ETHER_DST_MAC : ETHER_DST_MAC+6])}
	_, err := bk.conn(ifc).WriteTo(frame, addr)
	return err
}

func (bk *RawBackend) stop() {

	bk.access.Close()
	bk.uplink.Close()
}

/* Devmode backend */

type ChanBackend struct {
	in_access chan []byte
	in_uplink chan []byte
	out       chan Frame
}

func new_chan_backend() *ChanBackend {

	return &ChanBackend{
		in_access: make(chan []byte, 64),
		in_uplink: make(chan []byte, 64),
		out:       make(chan Frame, 64),
	}
}

func (bk *ChanBackend) inq(ifc IfcID) chan []byte {

	if ifc == IFC_UPLINK {
		return bk.in_uplink
	}
	return bk.in_access
}

func (bk *ChanBackend) recv(ifc IfcID, buf []byte) (int, error) {

	data, ok := <-bk.inq(ifc)
	if !ok {
		return 0, net.ErrClosed
	}
	return copy(buf, data), nil
}

func (bk *ChanBackend) send(ifc IfcID, frame []byte) error {

	fr := Frame{ifc: ifc, data: append([]byte(nil), frame...)}
	select {
	case bk.out <- fr:
	default: // collector not keeping up, tail drop
	}
	return nil
}

func (bk *ChanBackend) stop() {

	close(bk.in_access)
	close(bk.in_uplink)
	close(bk.out)
}

/* Receive and transmit loops */

func backend_receiver(bk Backend, ifc IfcID) {

	for {
		pb := <-getbuf
		pb.data = ENCAP_HDR_MAX_LEN
		nn, err := bk.recv(ifc, pb.pkt[pb.data:])
		if err != nil {
			log.err("io: recv on %v: %v", ifc_name(ifc), err)
			retbuf <- pb
			return
		}
		if nn < MIN_PKT_LEN {
			stats.drop_malformed.Add(1)
			retbuf <- pb
			continue
		}
		pb.tail = pb.data + nn
		pb.ifc = ifc
		pb.peer = ifc_name(ifc)
		dispatch(pb)
	}
}

func backend_sender(bk Backend) {

	for pb := range txq {

		if !apply_actions(pb) {
			stats.drop_malformed.Add(1)
			retbuf <- pb
			continue
		}

		if cli.debug["io"] {
			log.debug("io out:  %v", pb.pp_pkt())
		}
		if cli.trace {
			pb.pp_raw("io out:  ")
		}

		if err := bk.send(pb.ifc, pb.pkt[pb.data:pb.tail]); err != nil {
			log.err("io: send on %v: %v", ifc_name(pb.ifc), err)
		}
		retbuf <- pb
	}
}
