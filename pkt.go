/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

var be = binary.BigEndian

const ( // packet handling verdicts

	ACCEPT = iota + 1
	DROP
	STOLEN
)

const (
	ICMP   = 1
	TCP    = 6
	UDP    = 17
	ICMPv6 = 58
	// ETHER types
	ETHER_IPv4 = 0x0800
	ETHER_IPv6 = 0x86dd
	ETHER_VLAN = 0x8100
	// ETHER offsets
	ETHER_DST_MAC = 0
	ETHER_SRC_MAC = 6
	ETHER_TYPE    = 12
	ETHER_HDR_LEN = 6 + 6 + 2
	// 802.1Q tag offsets, relative to the end of the ether header
	VLAN_TCI     = 0
	VLAN_ETYPE   = 2
	VLAN_HDR_LEN = 4
	VLAN_VID_MASK = 0x0fff
	// VXLAN over UDP
	VXLAN_PORT     = 4789
	VXLAN_FLAGS    = 0
	VXLAN_VNI      = 4
	VXLAN_HDR_LEN  = 8
	VXLAN_FLAG_VNI = 0x08
	// IPv4 header offsets
	IP_VER          = 0
	IPv4_DSCP       = 1
	IPv4_LEN        = 2
	IPv4_ID         = 4
	IPv4_FRAG       = 6
	IPv4_TTL        = 8
	IPv4_PROTO      = 9
	IPv4_CSUM       = 10
	IPv4_SRC        = 12
	IPv4_DST        = 16
	IPv4_HDR_MIN_LEN = 20
	// IPv6 header offsets
	IPv6_PLD_LEN     = 4
	IPv6_NEXT        = 6
	IPv6_TTL         = 7
	IPv6_SRC         = 8
	IPv6_DST         = 24
	IPv6_HDR_MIN_LEN = 40
	// UDP offsets
	UDP_SPORT   = 0
	UDP_DPORT   = 2
	UDP_LEN     = 4
	UDP_CSUM    = 6
	UDP_HDR_LEN = 8
	// TCP offsets
	TCP_SPORT = 0
	TCP_DPORT = 2
	TCP_FLAGS = 13
	TCP_CSUM  = 16
	TCP_HDR_MIN_LEN = 20
	// TCP flag bits
	TCP_FIN = 0x01
	TCP_SYN = 0x02
	TCP_RST = 0x04
	TCP_ACK = 0x10
	// ICMP offsets
	ICMP_TYPE = 0
	ICMP_CODE = 1
	ICMP_CSUM = 2
	ICMP_HDR_LEN = 8

	MIN_PKT_LEN = ETHER_HDR_LEN + IPv4_HDR_MIN_LEN
	PKTQLEN     = 2
)

type IfcID int32

const (
	IFC_NONE   IfcID = 0
	IFC_UPLINK IfcID = 1 // public/fabric side
	IFC_ACCESS IfcID = 2 // tenant/overlay side
)

func ifc_name(ifc IfcID) string {

	switch ifc {
	case IFC_UPLINK:
		return "uplink"
	case IFC_ACCESS:
		return "access"
	}
	return fmt.Sprintf("ifc(%v)", int32(ifc))
}

type PktBuf struct {
	pkt  []byte
	data int // the beginning of the packet data; all data before should be ignored
	tail int // the end of the packet data; all data after should be ignored
	ifc  IfcID
	peer string   // source name, human readable
	acts []Action // rewrite actions, produced by the pipeline, applied on egress
}

func (pb *PktBuf) len() int {
	return pb.tail - pb.data
}

func (pb *PktBuf) clear() {
	*pb = PktBuf{pkt: pb.pkt}
}

func (pb *PktBuf) copy_from(pbo *PktBuf) {

	if len(pb.pkt) < int(pbo.tail) {
		log.fatal("pkt: buffer too small to copy from another pkt")
	}

	pb.data = pbo.data
	pb.tail = pbo.tail
	pb.ifc = pbo.ifc
	pb.peer = pbo.peer
	pb.acts = append(pb.acts[:0], pbo.acts...)

	copy(pb.pkt[pb.data:pb.tail], pbo.pkt[pb.data:pb.tail])
}

func (pb *PktBuf) load(frame []byte) {

	headroom := ENCAP_HDR_MAX_LEN
	if headroom+len(frame) > len(pb.pkt) {
		headroom = 0
	}
	if len(frame) > len(pb.pkt) {
		log.fatal("pkt: buffer too small to load frame")
	}
	pb.data = headroom
	pb.tail = headroom + len(frame)
	copy(pb.pkt[pb.data:pb.tail], frame)
}

func ip_proto_name(proto byte) string {

	switch proto {
	case TCP:
		return "TCP"
	case UDP:
		return "UDP"
	case ICMP:
		return "ICMP"
	case ICMPv6:
		return "ICMPv6"
	}
	return fmt.Sprintf("%v", proto)
}

// ETHER(0800)  02:00:00:00:00:01  02:00:00:00:00:02  len(64)  data/tail(18/82)
func (pb *PktBuf) pp_pkt() (ss string) {

	pkt := pb.pkt[pb.data:pb.tail]

	if len(pkt) < ETHER_HDR_LEN {
		ss = fmt.Sprintf("PKT  short  data/tail(%v/%v)", pb.data, pb.tail)
		return
	}

	etype := be.Uint16(pkt[ETHER_TYPE : ETHER_TYPE+2])
	ss = fmt.Sprintf("ETHER(%04x)  %v  %v  len(%v)  data/tail(%v/%v)",
		etype,
		MacFromSlice(pkt[ETHER_SRC_MAC:]),
		MacFromSlice(pkt[ETHER_DST_MAC:]),
		len(pkt),
		pb.data, pb.tail)

	if etype == ETHER_IPv4 && len(pkt) >= ETHER_HDR_LEN+IPv4_HDR_MIN_LEN {
		ip := pkt[ETHER_HDR_LEN:]
		ss += fmt.Sprintf("  IPv4(%v) %v -> %v ttl(%v)",
			ip_proto_name(ip[IPv4_PROTO]),
			IPFromSlice(ip[IPv4_SRC:IPv4_SRC+4]),
			IPFromSlice(ip[IPv4_DST:IPv4_DST+4]),
			ip[IPv4_TTL])
	}
	return
}

func (pb *PktBuf) pp_raw(pfx string) {

	// RAW  45 00 00 74 2e 52 40 00 40 11 d0 b6 0a fb 1b 6f c0 a8 54 5e 04 15 ..

	const max = 128 + 32
	var sb strings.Builder

	pkt := pb.pkt[pb.data:pb.tail]
	sb.WriteString(pfx)
	sb.WriteString("RAW ")
	for ii := 0; ii < len(pkt); ii++ {
		if ii < max {
			sb.WriteString(" ")
			sb.WriteString(hex.EncodeToString(pkt[ii : ii+1]))
		} else {
			sb.WriteString("  ..")
			break
		}
	}
	log.trace(sb.String())
}

// Add buffer bytes to csum. Input csum and result are not inverted.
func csum_add(csum uint16, buf []byte) uint16 {

	sum := uint32(csum)

	for ix := 0; ix < len(buf); ix += 2 {
		sum += uint32(be.Uint16(buf[ix : ix+2]))
	}

	for sum > 0xffff {
		sum = (sum & 0xffff) + (sum >> 16)
	}

	return uint16(sum)
}

// Subtract buffer bytes from csum. Input csum and result are not inverted.
func csum_subtract(csum uint16, buf []byte) uint16 {

	sum := uint32(csum)

	for ix := 0; ix < len(buf); ix += 2 {
		sum -= uint32(be.Uint16(buf[ix : ix+2]))
	}

	for sum > 0xffff {
		sum = (sum & 0xffff) - (((sum ^ 0xffff0000) + 0x10000) >> 16)
	}

	return uint16(sum)
}

var getbuf chan (*PktBuf)
var retbuf chan (*PktBuf)

/* Buffer allocator

We use getbuf channel of length 1. As soon as it gets empty we try to put
a packet into it.  We try to get it from the retbuf but if not available we
allocate a new one but no more than maxbuf in total.
*/

func pkt_buffers() {

	var pb *PktBuf
	allocated := 0 // num of allocated buffers

	log.debug("pkt: packet buflen(%v)", cli.pktbuflen)

	for {

		if allocated < cli.maxbuf {
			select {
			case pb = <-retbuf:
				pb.clear()
			default:
				pb = &PktBuf{pkt: make([]byte, cli.pktbuflen, cli.pktbuflen)}
				allocated += 1
				log.debug("pkt: new PktBuf allocated, total(%v)", allocated)
				if allocated%10 == 0 {
					log.info("pkt: buffer allocation: %v of %v", allocated, cli.maxbuf)
				}
			}
		} else {
			log.fatal("pkt: out of buffers, max buffers allocated: %v of %v", allocated, cli.maxbuf)
		}

		pb.pkt[pb.data] = 0xbd // corrupt ether header to detect reuse of freed pkt
		getbuf <- pb
	}
}
