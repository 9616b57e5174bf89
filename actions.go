/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"fmt"
	"strings"
)

/* Rewrite actions

The pipeline never rewrites packet bytes itself. It produces an ordered list
of actions which the egress sender (or a hardware offload) applies to the
original frame. Actions are plain data, which keeps the pipeline testable:
a unit test can inspect the list without any I/O.
*/

const (
	ACT_DECAP_VXLAN = iota + 1 // strip outer ether[+vlan]/ip/udp/vxlan
	ACT_POP_VLAN               // strip single 802.1Q tag
	ACT_SET_ETH                // rewrite inner ether src/dst
	ACT_SET_SRC                // rewrite inner L3 src address
	ACT_SET_DST                // rewrite inner L3 dst address
	ACT_SET_SPORT              // rewrite L4 src port
	ACT_SET_DPORT              // rewrite L4 dst port
	ACT_DEC_TTL                // decrement inner ttl/hop limit
	ACT_PUSH_VLAN              // insert 802.1Q tag
	ACT_ENCAP_VXLAN            // prepend outer ether/ip/udp/vxlan
	ACT_CSUM                   // recompute inner IPv4 header checksum
)

type Action struct {
	op   int
	mac0 Mac    // SET_ETH src mac, ENCAP_VXLAN outer src mac
	mac1 Mac    // SET_ETH dst mac, ENCAP_VXLAN outer dst mac
	ip   IP     // SET_SRC, SET_DST, ENCAP_VXLAN outer src ip
	ip2  IP     // ENCAP_VXLAN outer dst ip
	port uint16 // SET_SPORT, SET_DPORT
	vlan uint16 // PUSH_VLAN
	vni  uint32 // ENCAP_VXLAN
}

const ENCAP_HDR_MAX_LEN = 64 // headroom for push/encap actions, 8 byte aligned

func (act Action) String() string {

	switch act.op {
	case ACT_DECAP_VXLAN:
		return "decap-vxlan"
	case ACT_POP_VLAN:
		return "pop-vlan"
	case ACT_SET_ETH:
		return fmt.Sprintf("set-eth(%v %v)", act.mac0, act.mac1)
	case ACT_SET_SRC:
		return fmt.Sprintf("set-src(%v)", act.ip)
	case ACT_SET_DST:
		return fmt.Sprintf("set-dst(%v)", act.ip)
	case ACT_SET_SPORT:
		return fmt.Sprintf("set-sport(%v)", act.port)
	case ACT_SET_DPORT:
		return fmt.Sprintf("set-dport(%v)", act.port)
	case ACT_DEC_TTL:
		return "dec-ttl"
	case ACT_PUSH_VLAN:
		return fmt.Sprintf("push-vlan(%v)", act.vlan)
	case ACT_ENCAP_VXLAN:
		return fmt.Sprintf("encap-vxlan(%v %v -> %v)", act.vni, act.ip, act.ip2)
	case ACT_CSUM:
		return "csum"
	}
	return fmt.Sprintf("act(%v)", act.op)
}

func pp_actions(acts []Action) string {

	ss := make([]string, len(acts))
	for ii, act := range acts {
		ss[ii] = act.String()
	}
	return strings.Join(ss, "  ")
}

// Egress encapsulation decided by the pipeline.
type EgressEncap struct {
	kind    int // ENCAP_NONE, ENCAP_VLAN, ENCAP_VXLAN
	vlan    uint16
	vni     uint32
	src_ip  IP
	dst_ip  IP
	src_mac Mac
	dst_mac Mac
}

// Produce the ordered rewrite action list for a fully staged frame.
func gen_actions(f EgressNatFrame, out EgressEncap) (acts []Action) {

	in := f.rt.nat.in

	switch in.encap {
	case ENCAP_VXLAN, ENCAP_QINQ_VXLAN:
		acts = append(acts, Action{op: ACT_DECAP_VXLAN})
	case ENCAP_VLAN:
		acts = append(acts, Action{op: ACT_POP_VLAN})
	}

	acts = append(acts, Action{op: ACT_SET_ETH, mac0: f.rt.src_mac, mac1: f.rt.dst_mac})

	if f.rt.nat.tup.dip != in.tup.dip {
		acts = append(acts, Action{op: ACT_SET_DST, ip: f.rt.nat.tup.dip})
	}
	if proto_has_ports(in.tup.proto) && f.rt.nat.tup.dport != in.tup.dport {
		acts = append(acts, Action{op: ACT_SET_DPORT, port: f.rt.nat.tup.dport})
	}

	acts = append(acts, Action{op: ACT_DEC_TTL})

	if f.tup.sip != f.rt.nat.tup.sip {
		acts = append(acts, Action{op: ACT_SET_SRC, ip: f.tup.sip})
	}
	if proto_has_ports(in.tup.proto) && f.tup.sport != f.rt.nat.tup.sport {
		acts = append(acts, Action{op: ACT_SET_SPORT, port: f.tup.sport})
	}

	// recompute the inner header checksum before any encapsulation goes on
	acts = append(acts, Action{op: ACT_CSUM})

	switch out.kind {
	case ENCAP_VLAN:
		acts = append(acts, Action{op: ACT_PUSH_VLAN, vlan: out.vlan})
	case ENCAP_VXLAN:
		acts = append(acts, Action{op: ACT_ENCAP_VXLAN, vni: out.vni,
			ip: out.src_ip, ip2: out.dst_ip, mac0: out.src_mac, mac1: out.dst_mac})
	}

	return
}

/* Action application

Applied by the egress sender right before transmit, and by tests. Assumes the
generated ordering: decap first, then inner rewrites, then egress encap. L4
checksums are maintained incrementally the same way the headers are rewritten,
the IPv4 header checksum is recomputed once at the end.
*/

func apply_actions(pb *PktBuf) bool {

	for _, act := range pb.acts {

		var ok bool

		switch act.op {
		case ACT_DECAP_VXLAN:
			ok = act_decap_vxlan(pb)
		case ACT_POP_VLAN:
			ok = act_pop_vlan(pb)
		case ACT_SET_ETH:
			ok = act_set_eth(pb, act.mac0, act.mac1)
		case ACT_SET_SRC:
			ok = act_set_addr(pb, act.ip, false)
		case ACT_SET_DST:
			ok = act_set_addr(pb, act.ip, true)
		case ACT_SET_SPORT:
			ok = act_set_port(pb, act.port, false)
		case ACT_SET_DPORT:
			ok = act_set_port(pb, act.port, true)
		case ACT_DEC_TTL:
			ok = act_dec_ttl(pb)
		case ACT_PUSH_VLAN:
			ok = act_push_vlan(pb, act.vlan)
		case ACT_ENCAP_VXLAN:
			ok = act_encap_vxlan(pb, act)
		case ACT_CSUM:
			ok = act_csum(pb)
		default:
			log.err("actions: unknown action op(%v), dropping", act.op)
			ok = false
		}

		if !ok {
			return false
		}
	}
	return true
}

// offset of the inner L3 header, relative to pb.data
func (pb *PktBuf) l3_off() int {
	return ETHER_HDR_LEN
}

// offset of the L4 header relative to pb.data, -1 if not available
func (pb *PktBuf) l4_off() int {

	pkt := pb.pkt[pb.data:pb.tail]
	if len(pkt) < ETHER_HDR_LEN+1 {
		return -1
	}
	l3 := pkt[ETHER_HDR_LEN:]

	switch l3[IP_VER] >> 4 {
	case 4:
		if len(l3) < IPv4_HDR_MIN_LEN {
			return -1
		}
		return ETHER_HDR_LEN + int(l3[IP_VER]&0xf)*4
	case 6:
		if len(l3) < IPv6_HDR_MIN_LEN {
			return -1
		}
		return ETHER_HDR_LEN + IPv6_HDR_MIN_LEN
	}
	return -1
}

// offset of the L4 checksum field relative to the L4 header, -1 if none
func l4_csum_off(proto byte) int {

	switch proto {
	case TCP:
		return TCP_CSUM
	case UDP:
		return UDP_CSUM
	}
	return -1
}

func (pb *PktBuf) inner_proto() byte {

	pkt := pb.pkt[pb.data:pb.tail]
	l3 := pkt[ETHER_HDR_LEN:]
	if l3[IP_VER]>>4 == 4 {
		return l3[IPv4_PROTO]
	}
	return l3[IPv6_NEXT]
}

// adjust the L4 checksum after rewriting bytes covered by the pseudo header
func (pb *PktBuf) l4_csum_fixup(old, new []byte) {

	l4 := pb.l4_off()
	if l4 < 0 {
		return
	}
	coff := l4_csum_off(pb.inner_proto())
	if coff < 0 || pb.data+l4+coff+2 > pb.tail {
		return
	}
	pkt := pb.pkt[pb.data:pb.tail]
	csum := be.Uint16(pkt[l4+coff : l4+coff+2])
	if csum == 0 && pb.inner_proto() == UDP {
		return // checksum not in use
	}
	csum = csum_subtract(csum^0xffff, old)
	csum = csum_add(csum, new)
	be.PutUint16(pkt[l4+coff:l4+coff+2], csum^0xffff)
}

func act_decap_vxlan(pb *PktBuf) bool {

	pkt := pb.pkt[pb.data:pb.tail]
	off := ETHER_HDR_LEN
	if len(pkt) < off+2 {
		return false
	}
	etype := be.Uint16(pkt[ETHER_TYPE : ETHER_TYPE+2])
	if etype == ETHER_VLAN {
		if len(pkt) < off+VLAN_HDR_LEN {
			return false
		}
		etype = be.Uint16(pkt[off+VLAN_ETYPE : off+VLAN_ETYPE+2])
		off += VLAN_HDR_LEN
	}
	if etype != ETHER_IPv4 || len(pkt) < off+IPv4_HDR_MIN_LEN {
		return false
	}
	ihl := int(pkt[off+IP_VER]&0xf) * 4
	if pkt[off+IPv4_PROTO] != UDP || len(pkt) < off+ihl+UDP_HDR_LEN {
		return false
	}
	udp := off + ihl
	if be.Uint16(pkt[udp+UDP_DPORT:udp+UDP_DPORT+2]) != VXLAN_PORT {
		return false
	}
	inner := udp + UDP_HDR_LEN + VXLAN_HDR_LEN
	if len(pkt) < inner+ETHER_HDR_LEN {
		return false
	}
	pb.data += inner
	return true
}

func act_pop_vlan(pb *PktBuf) bool {

	pkt := pb.pkt[pb.data:pb.tail]
	if len(pkt) < ETHER_HDR_LEN+VLAN_HDR_LEN {
		return false
	}
	if be.Uint16(pkt[ETHER_TYPE:ETHER_TYPE+2]) != ETHER_VLAN {
		return false
	}
	copy(pb.pkt[pb.data+VLAN_HDR_LEN:], pkt[:ETHER_TYPE]) // move macs back
	pb.data += VLAN_HDR_LEN
	return true
}

func act_push_vlan(pb *PktBuf, vid uint16) bool {

	if pb.data < VLAN_HDR_LEN {
		log.err("actions: no headroom to push vlan tag")
		return false
	}
	pb.data -= VLAN_HDR_LEN
	pkt := pb.pkt[pb.data:pb.tail]
	copy(pkt, pkt[VLAN_HDR_LEN:VLAN_HDR_LEN+ETHER_TYPE]) // move macs forward
	etype := ETHER_HDR_LEN
	be.PutUint16(pkt[ETHER_TYPE:ETHER_TYPE+2], ETHER_VLAN)
	be.PutUint16(pkt[etype+VLAN_TCI:etype+VLAN_TCI+2], vid&VLAN_VID_MASK)
	// inner ethertype already in place after the shift
	return true
}

func act_set_eth(pb *PktBuf, src, dst Mac) bool {

	pkt := pb.pkt[pb.data:pb.tail]
	if len(pkt) < ETHER_HDR_LEN {
		return false
	}
	copy(pkt[ETHER_SRC_MAC:], src[:])
	copy(pkt[ETHER_DST_MAC:], dst[:])
	return true
}

func act_set_addr(pb *PktBuf, ip IP, dst bool) bool {

	pkt := pb.pkt[pb.data:pb.tail]
	l3 := ETHER_HDR_LEN
	if len(pkt) < l3+1 {
		return false
	}

	var off, alen int

	switch pkt[l3+IP_VER] >> 4 {
	case 4:
		if !ip.Is4() || len(pkt) < l3+IPv4_HDR_MIN_LEN {
			return false
		}
		off, alen = IPv4_SRC, 4
		if dst {
			off = IPv4_DST
		}
	case 6:
		if ip.Is4() || len(pkt) < l3+IPv6_HDR_MIN_LEN {
			return false
		}
		off, alen = IPv6_SRC, 16
		if dst {
			off = IPv6_DST
		}
	default:
		return false
	}

	var old [16]byte
	copy(old[:alen], pkt[l3+off:])
	copy(pkt[l3+off:l3+off+alen], ip.AsSlice())
	pb.l4_csum_fixup(old[:alen], pkt[l3+off:l3+off+alen])
	return true
}

func act_set_port(pb *PktBuf, port uint16, dst bool) bool {

	l4 := pb.l4_off()
	if l4 < 0 || !proto_has_ports(pb.inner_proto()) {
		return false
	}
	pkt := pb.pkt[pb.data:pb.tail]
	off := l4 + UDP_SPORT // TCP_SPORT == UDP_SPORT
	if dst {
		off = l4 + UDP_DPORT
	}
	if len(pkt) < off+2 {
		return false
	}
	var old, new [2]byte
	copy(old[:], pkt[off:off+2])
	be.PutUint16(pkt[off:off+2], port)
	copy(new[:], pkt[off:off+2])
	pb.l4_csum_fixup(old[:], new[:])
	return true
}

func act_dec_ttl(pb *PktBuf) bool {

	pkt := pb.pkt[pb.data:pb.tail]
	l3 := ETHER_HDR_LEN
	if len(pkt) < l3+1 {
		return false
	}

	switch pkt[l3+IP_VER] >> 4 {
	case 4:
		if len(pkt) < l3+IPv4_HDR_MIN_LEN || pkt[l3+IPv4_TTL] <= 1 {
			return false
		}
		pkt[l3+IPv4_TTL]--
	case 6:
		if len(pkt) < l3+IPv6_HDR_MIN_LEN || pkt[l3+IPv6_TTL] <= 1 {
			return false
		}
		pkt[l3+IPv6_TTL]--
	default:
		return false
	}
	return true
}

func act_encap_vxlan(pb *PktBuf, act Action) bool {

	const outer = ETHER_HDR_LEN + IPv4_HDR_MIN_LEN + UDP_HDR_LEN + VXLAN_HDR_LEN

	if pb.data < outer {
		log.err("actions: no headroom for vxlan encap")
		return false
	}
	if !act.ip.Is4() || !act.ip2.Is4() {
		log.err("actions: vxlan outer addresses must be IPv4")
		return false
	}

	inner_len := pb.tail - pb.data
	pb.data -= outer
	pkt := pb.pkt[pb.data:pb.tail]

	// outer ether
	copy(pkt[ETHER_DST_MAC:], act.mac1[:])
	copy(pkt[ETHER_SRC_MAC:], act.mac0[:])
	be.PutUint16(pkt[ETHER_TYPE:ETHER_TYPE+2], ETHER_IPv4)

	// outer IPv4
	l3 := ETHER_HDR_LEN
	pkt[l3+IP_VER] = 0x45
	pkt[l3+IPv4_DSCP] = 0
	be.PutUint16(pkt[l3+IPv4_LEN:l3+IPv4_LEN+2],
		uint16(IPv4_HDR_MIN_LEN+UDP_HDR_LEN+VXLAN_HDR_LEN+inner_len))
	be.PutUint16(pkt[l3+IPv4_ID:l3+IPv4_ID+2], 0)
	be.PutUint16(pkt[l3+IPv4_FRAG:l3+IPv4_FRAG+2], 0x4000) // DF
	pkt[l3+IPv4_TTL] = 64
	pkt[l3+IPv4_PROTO] = UDP
	be.PutUint16(pkt[l3+IPv4_CSUM:l3+IPv4_CSUM+2], 0)
	copy(pkt[l3+IPv4_SRC:l3+IPv4_SRC+4], act.ip.AsSlice())
	copy(pkt[l3+IPv4_DST:l3+IPv4_DST+4], act.ip2.AsSlice())
	csum := csum_add(0, pkt[l3:l3+IPv4_HDR_MIN_LEN])
	be.PutUint16(pkt[l3+IPv4_CSUM:l3+IPv4_CSUM+2], csum^0xffff)

	// outer UDP, source port derived from the inner frame for entropy
	udp := l3 + IPv4_HDR_MIN_LEN
	sport := csum_add(0, pkt[outer:outer+ETHER_HDR_LEN]) | 0xc000
	be.PutUint16(pkt[udp+UDP_SPORT:udp+UDP_SPORT+2], sport)
	be.PutUint16(pkt[udp+UDP_DPORT:udp+UDP_DPORT+2], VXLAN_PORT)
	be.PutUint16(pkt[udp+UDP_LEN:udp+UDP_LEN+2], uint16(UDP_HDR_LEN+VXLAN_HDR_LEN+inner_len))
	be.PutUint16(pkt[udp+UDP_CSUM:udp+UDP_CSUM+2], 0) // csum optional for vxlan

	// vxlan
	vx := udp + UDP_HDR_LEN
	be.PutUint32(pkt[vx+VXLAN_FLAGS:vx+VXLAN_FLAGS+4], uint32(VXLAN_FLAG_VNI)<<24)
	be.PutUint32(pkt[vx+VXLAN_VNI:vx+VXLAN_VNI+4], act.vni<<8)

	return true
}

func act_csum(pb *PktBuf) bool {

	pkt := pb.pkt[pb.data:pb.tail]
	l3 := ETHER_HDR_LEN
	if len(pkt) < l3+1 {
		return false
	}
	etype := be.Uint16(pkt[ETHER_TYPE : ETHER_TYPE+2])
	if etype == ETHER_VLAN {
		l3 += VLAN_HDR_LEN
	}
	if len(pkt) < l3+1 || pkt[l3+IP_VER]>>4 != 4 {
		return true // nothing to do for IPv6
	}
	ihl := int(pkt[l3+IP_VER]&0xf) * 4
	if len(pkt) < l3+ihl {
		return false
	}
	be.PutUint16(pkt[l3+IPv4_CSUM:l3+IPv4_CSUM+2], 0)
	csum := csum_add(0, pkt[l3:l3+ihl])
	be.PutUint16(pkt[l3+IPv4_CSUM:l3+IPv4_CSUM+2], csum^0xffff)
	return true
}
