/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"testing"

	"github.com/google/gopacket/layers"
)

func TestActionsVlanPopPush(t *testing.T) {

	frame := mk_udp_frame(t, host_mac, gw_mac, "10.1.0.5", "172.16.9.9", 40000, 53, 64)
	pb := mk_pb(t, vlan_wrap(t, frame, 100), IFC_ACCESS)

	pb.acts = []Action{
		{op: ACT_POP_VLAN},
		{op: ACT_PUSH_VLAN, vlan: 200},
	}
	if !apply_actions(pb) {
		t.Fatal("apply failed")
	}

	pkt := decode_frame(t, pb.pkt[pb.data:pb.tail])
	dot1q := pkt.Layer(layers.LayerTypeDot1Q)
	if dot1q == nil {
		t.Fatal("no vlan tag after push")
	}
	if dot1q.(*layers.Dot1Q).VLANIdentifier != 200 {
		t.Errorf("vlan id: got %v, want 200", dot1q.(*layers.Dot1Q).VLANIdentifier)
	}

	eth := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if MacFromSlice(eth.SrcMAC) != host_mac || MacFromSlice(eth.DstMAC) != gw_mac {
		t.Error("ether addresses damaged by retag")
	}

	udp := pkt.Layer(layers.LayerTypeUDP)
	if udp == nil || uint16(udp.(*layers.UDP).SrcPort) != 40000 {
		t.Error("payload damaged by retag")
	}
}

func TestActionsVxlanEncapDecap(t *testing.T) {

	frame := mk_udp_frame(t, host_mac, gw_mac, "10.1.0.5", "172.16.9.9", 40000, 53, 64)
	pb := mk_pb(t, frame, IFC_ACCESS)

	pb.acts = []Action{{
		op:   ACT_ENCAP_VXLAN,
		vni:  31337,
		ip:   MustParseIP("192.0.2.1"),
		ip2:  MustParseIP("192.0.2.10"),
		mac0: gw_mac,
		mac1: vtep_mac,
	}}
	if !apply_actions(pb) {
		t.Fatal("encap failed")
	}

	pkt := decode_frame(t, pb.pkt[pb.data:pb.tail])
	vxl := pkt.Layer(layers.LayerTypeVXLAN)
	if vxl == nil {
		t.Fatal("no vxlan layer after encap")
	}
	if vxl.(*layers.VXLAN).VNI != 31337 {
		t.Errorf("vni: got %v, want 31337", vxl.(*layers.VXLAN).VNI)
	}
	check_ip4_csum(t, pb.pkt[pb.data+ETHER_HDR_LEN:pb.data+ETHER_HDR_LEN+IPv4_HDR_MIN_LEN])

	// decap recovers the original frame
	pb.acts = []Action{{op: ACT_DECAP_VXLAN}}
	if !apply_actions(pb) {
		t.Fatal("decap failed")
	}
	got := pb.pkt[pb.data:pb.tail]
	if len(got) != len(frame) {
		t.Fatalf("length after round trip: got %v, want %v", len(got), len(frame))
	}
	for ii := range frame {
		if got[ii] != frame[ii] {
			t.Fatalf("byte %v differs after round trip", ii)
		}
	}
}

func TestActionsAddrRewriteCsum(t *testing.T) {

	frame := mk_udp_frame(t, host_mac, gw_mac, "10.1.0.5", "172.16.9.9", 40000, 53, 64)
	pb := mk_pb(t, frame, IFC_ACCESS)

	pb.acts = []Action{
		{op: ACT_SET_SRC, ip: MustParseIP("203.0.113.7")},
		{op: ACT_SET_SPORT, port: 1024},
		{op: ACT_CSUM},
	}
	if !apply_actions(pb) {
		t.Fatal("apply failed")
	}

	out := pb.pkt[pb.data:pb.tail]
	check_ip4_csum(t, out[ETHER_HDR_LEN:ETHER_HDR_LEN+IPv4_HDR_MIN_LEN])

	// verify the incrementally updated udp checksum against the pseudo header
	l3 := out[ETHER_HDR_LEN:]
	udp := l3[IPv4_HDR_MIN_LEN:]
	ulen := be.Uint16(udp[UDP_LEN : UDP_LEN+2])

	var pseudo []byte
	pseudo = append(pseudo, l3[IPv4_SRC:IPv4_SRC+8]...)
	pseudo = append(pseudo, 0, UDP)
	pseudo = be.AppendUint16(pseudo, ulen)

	sum := csum_add(0, pseudo)
	sum = csum_add(sum, udp[:ulen])
	if sum != 0xffff {
		t.Errorf("invalid udp checksum after rewrite: %04x", sum)
	}
}

func TestActionsTtl(t *testing.T) {

	frame := mk_udp_frame(t, host_mac, gw_mac, "10.1.0.5", "172.16.9.9", 40000, 53, 2)
	pb := mk_pb(t, frame, IFC_ACCESS)

	pb.acts = []Action{{op: ACT_DEC_TTL}}
	if !apply_actions(pb) {
		t.Fatal("apply failed")
	}
	if pb.pkt[pb.data+ETHER_HDR_LEN+IPv4_TTL] != 1 {
		t.Error("ttl not decremented")
	}

	// decrementing to zero must refuse
	if apply_actions(pb) {
		t.Error("ttl decremented below one")
	}
}

func TestGenActionsOrdering(t *testing.T) {

	f := IngressFrame{
		ifc:   IFC_ACCESS,
		encap: ENCAP_VLAN,
		vlan:  100,
		ttl:   64,
		tup: Tuple{sip: MustParseIP("10.1.0.5"), dip: MustParseIP("172.16.9.9"),
			sport: 40000, dport: 53, proto: UDP},
	}

	nf := f.dnat(IP{}, 0)
	rf, ok := nf.route(IFC_UPLINK, MustParseIP("198.51.100.1"), gw_mac, vtep_mac)
	if !ok {
		t.Fatal("route stage failed")
	}
	ef := rf.snat(MustParseIP("203.0.113.7"), 1024)

	acts := gen_actions(ef, EgressEncap{kind: ENCAP_NONE})

	want := []int{ACT_POP_VLAN, ACT_SET_ETH, ACT_DEC_TTL, ACT_SET_SRC, ACT_SET_SPORT, ACT_CSUM}
	if len(acts) != len(want) {
		t.Fatalf("got %v actions (%v), want %v", len(acts), pp_actions(acts), len(want))
	}
	for ii, op := range want {
		if acts[ii].op != op {
			t.Errorf("action %v: got %v, want op %v", ii, acts[ii], op)
		}
	}
}
