/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"fmt"
)

/* Frame stages

A packet moves through the pipeline as a sequence of typed snapshots. Each
stage is derived from the previous one plus a delta. The underlying bytes in
the PktBuf are not touched until the egress sender applies the action list,
so a half-processed packet never leaks a partial rewrite.

    IngressFrame      parsed fields + ingress interface
    IngressNatFrame   dst ip/port rewritten per ingress side NAT
    RoutedFrame       egress interface, rewritten L2 addresses, decremented ttl
    EgressNatFrame    src ip/port rewritten per egress side NAT
*/

type Tuple struct {
	sip   IP
	dip   IP
	sport uint16
	dport uint16
	proto byte
}

func (t Tuple) reverse() Tuple {
	return Tuple{t.dip, t.sip, t.dport, t.sport, t.proto}
}

func (t Tuple) String() string {
	return fmt.Sprintf("%v(%v:%v -> %v:%v)",
		ip_proto_name(t.proto), t.sip, t.sport, t.dip, t.dport)
}

// ports are meaningful only for TCP and UDP
func proto_has_ports(proto byte) bool {
	return proto == TCP || proto == UDP
}

const ( // ingress encapsulation variants

	ENCAP_NONE = iota + 1 // untagged, uplink side
	ENCAP_VLAN            // single 802.1Q tag
	ENCAP_VXLAN           // VXLAN over UDP/4789
	ENCAP_QINQ_VXLAN      // sentinel outer VLAN tag + VXLAN
)

func encap_name(encap int) string {

	switch encap {
	case ENCAP_NONE:
		return "none"
	case ENCAP_VLAN:
		return "vlan"
	case ENCAP_VXLAN:
		return "vxlan"
	case ENCAP_QINQ_VXLAN:
		return "vlan+vxlan"
	}
	return fmt.Sprintf("encap(%v)", encap)
}

type IngressFrame struct {
	ifc       IfcID
	encap     int
	vlan      uint16 // vlan id for ENCAP_VLAN and ENCAP_QINQ_VXLAN, else 0
	vni       uint32 // vni for ENCAP_VXLAN and ENCAP_QINQ_VXLAN, else 0
	src_mac   Mac
	dst_mac   Mac
	ttl       byte
	tcp_flags byte
	tup       Tuple // inner L3/L4 tuple as received
}

type IngressNatFrame struct {
	in  IngressFrame
	tup Tuple // dst ip/port possibly rewritten
}

type RoutedFrame struct {
	nat     IngressNatFrame
	egress  IfcID
	nhop    IP
	src_mac Mac // gateway mac on the egress interface
	dst_mac Mac // resolved next hop mac
	ttl     byte
}

type EgressNatFrame struct {
	rt  RoutedFrame
	tup Tuple // src ip/port possibly rewritten
}

// Derive the ingress NAT stage. A zero dst leaves the frame untranslated.
func (f IngressFrame) dnat(dst IP, dport uint16) IngressNatFrame {

	tup := f.tup
	if !dst.IsZero() {
		tup.dip = dst
		if proto_has_ports(tup.proto) && dport != 0 {
			tup.dport = dport
		}
	}
	return IngressNatFrame{in: f, tup: tup}
}

// Derive the routed stage. Fails on ttl exhaustion: a frame arriving with
// ttl 1 would decrement to 0 and must not be forwarded.
func (f IngressNatFrame) route(egress IfcID, nhop IP, src_mac, dst_mac Mac) (RoutedFrame, bool) {

	if f.in.ttl <= 1 {
		return RoutedFrame{}, false
	}
	return RoutedFrame{
		nat:     f,
		egress:  egress,
		nhop:    nhop,
		src_mac: src_mac,
		dst_mac: dst_mac,
		ttl:     f.in.ttl - 1,
	}, true
}

// Derive the egress NAT stage. A zero src leaves the frame untranslated.
func (f RoutedFrame) snat(src IP, sport uint16) EgressNatFrame {

	tup := f.nat.tup
	if !src.IsZero() {
		tup.sip = src
		if proto_has_ports(tup.proto) && sport != 0 {
			tup.sport = sport
		}
	}
	return EgressNatFrame{rt: f, tup: tup}
}
