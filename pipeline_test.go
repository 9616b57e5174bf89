/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const pipeline_cfg = `
gw mac 02:fa:b0:00:00:01
gw ip 192.0.2.1
peer gw 192.0.2.10

vpc blue vni 20100 vlan 300
net blue 10.1.0.0/16
route blue 10.1.0.0/16 local
route blue 10.9.0.0/16 peer 192.0.2.10 vni 20900
route blue 0.0.0.0/0 ext 198.51.100.1
neigh blue 10.1.0.5 02:00:00:00:01:05
neigh blue 10.1.0.9 02:00:00:00:01:09
pool blue peering 100.64.1.0/24 1024 65535
pool blue external 203.0.113.0/28 1024 65535
nat blue static 10.1.0.9:8080 203.0.113.9:80 tcp

uplink neigh 198.51.100.1 02:ee:00:00:00:01
uplink neigh 192.0.2.10 02:ee:00:00:00:10
`

// run one frame through the pipeline and return the rewritten output frame
func run_frame(t *testing.T, view *FabricView, frame []byte, ifc IfcID) []byte {

	t.Helper()

	txq = make(chan *PktBuf, 4)
	pb := mk_pb(t, frame, ifc)

	if verdict := process_frame(view, pb); verdict != STOLEN {
		t.Fatal("frame not forwarded")
	}

	out := <-txq
	if !apply_actions(out) {
		t.Fatal("action application failed")
	}
	return append([]byte(nil), out.pkt[out.data:out.tail]...)
}

func ip4_layer(t *testing.T, pkt gopacket.Packet) *layers.IPv4 {

	t.Helper()
	l := pkt.Layer(layers.LayerTypeIPv4)
	if l == nil {
		t.Fatal("no ipv4 layer in output")
	}
	return l.(*layers.IPv4)
}

// the checksum field itself is included, a valid header sums to 0xffff
func check_ip4_csum(t *testing.T, hdr []byte) {

	t.Helper()
	if csum_add(0, hdr) != 0xffff {
		t.Error("invalid ipv4 header checksum")
	}
}

func TestPipelineRoundTripUdp(t *testing.T) {

	view := test_view(t, pipeline_cfg)
	ext_pfx := netip.MustParsePrefix("203.0.113.0/28")

	// egress: private host to an external destination

	inner := mk_udp_frame(t, host_mac, gw_mac, "10.1.0.5", "172.16.9.9", 40000, 53, 64)
	out := run_frame(t, view, vlan_wrap(t, inner, 300), IFC_ACCESS)

	pkt := decode_frame(t, out)
	if pkt.Layer(layers.LayerTypeDot1Q) != nil {
		t.Error("vlan tag not removed on uplink egress")
	}

	eth := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if MacFromSlice(eth.SrcMAC) != gw_mac || MacFromSlice(eth.DstMAC) != MustParseMac("02:ee:00:00:00:01") {
		t.Errorf("ether rewrite: got %v -> %v", eth.SrcMAC, eth.DstMAC)
	}

	ip := ip4_layer(t, pkt)
	pub_ip := IPFromSlice(ip.SrcIP)
	if !ext_pfx.Contains(pub_ip.Addr()) {
		t.Errorf("source %v not translated into external pool", pub_ip)
	}
	if IPFromSlice(ip.DstIP) != MustParseIP("172.16.9.9") {
		t.Errorf("destination rewritten on egress: %v", ip.DstIP)
	}
	if ip.TTL != 63 {
		t.Errorf("ttl: got %v, want 63", ip.TTL)
	}
	check_ip4_csum(t, out[ETHER_HDR_LEN:ETHER_HDR_LEN+IPv4_HDR_MIN_LEN])

	udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	pub_port := uint16(udp.SrcPort)
	if pub_port < 1024 {
		t.Errorf("translated source port %v outside pool range", pub_port)
	}
	if udp.DstPort != 53 {
		t.Errorf("destination port rewritten on egress: %v", udp.DstPort)
	}

	// the connection is tracked as new until return traffic shows up

	orig := Tuple{sip: MustParseIP("10.1.0.5"), dip: MustParseIP("172.16.9.9"),
		sport: 40000, dport: 53, proto: UDP}
	ct := get_conn_tabs(20100)
	e, ok := ct.lookup_egress(orig)
	if !ok {
		t.Fatal("no connection tracked for egress flow")
	}
	if e.state.Load() != CONN_NEW {
		t.Errorf("state: got %v, want new", conn_state_name(e.state.Load()))
	}

	// ingress: the reply finds the same connection and reverses the rewrite

	reply := mk_udp_frame(t, MustParseMac("02:ee:00:00:00:01"), gw_mac,
		"172.16.9.9", pub_ip.String(), 53, pub_port, 64)
	out = run_frame(t, view, reply, IFC_UPLINK)

	pkt = decode_frame(t, out)
	dot1q := pkt.Layer(layers.LayerTypeDot1Q)
	if dot1q == nil || dot1q.(*layers.Dot1Q).VLANIdentifier != 300 {
		t.Error("reply not tagged with the vpc vlan")
	}

	ip = ip4_layer(t, pkt)
	if IPFromSlice(ip.DstIP) != MustParseIP("10.1.0.5") {
		t.Errorf("reply destination: got %v, want 10.1.0.5", ip.DstIP)
	}
	if IPFromSlice(ip.SrcIP) != MustParseIP("172.16.9.9") {
		t.Errorf("reply source rewritten: %v", ip.SrcIP)
	}

	udp = pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if udp.DstPort != 40000 {
		t.Errorf("reply destination port: got %v, want 40000", udp.DstPort)
	}

	eth = pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if MacFromSlice(eth.DstMAC) != host_mac {
		t.Errorf("reply not addressed to the host: %v", eth.DstMAC)
	}

	// return traffic promoted the connection

	if e.state.Load() != CONN_ESTABLISHED {
		t.Errorf("state after reply: got %v, want established", conn_state_name(e.state.Load()))
	}

	// a second egress packet reuses the same lease

	txq = make(chan *PktBuf, 4)
	pb := mk_pb(t, vlan_wrap(t, inner, 300), IFC_ACCESS)
	if process_frame(view, pb) != STOLEN {
		t.Fatal("second egress packet not forwarded")
	}
	out2 := <-txq
	apply_actions(out2)
	pkt = decode_frame(t, out2.pkt[out2.data:out2.tail])
	if IPFromSlice(ip4_layer(t, pkt).SrcIP) != pub_ip {
		t.Error("second packet drew a different public address")
	}
}

func TestPipelineTtlExpiry(t *testing.T) {

	view := test_view(t, pipeline_cfg)
	txq = make(chan *PktBuf, 4)

	inner := mk_udp_frame(t, host_mac, gw_mac, "10.1.0.5", "172.16.8.8", 40001, 53, 1)
	pb := mk_pb(t, vlan_wrap(t, inner, 300), IFC_ACCESS)

	before := stats.drop_ttl.Load()
	if process_frame(view, pb) == STOLEN {
		t.Fatal("frame with ttl 1 forwarded")
	}
	if stats.drop_ttl.Load() != before+1 {
		t.Error("ttl drop not counted")
	}
}

func TestPipelineHalfNatEgress(t *testing.T) {

	// first gateway of a peered pair: source translated, destination untouched

	view := test_view(t, pipeline_cfg)
	peer_pfx := netip.MustParsePrefix("100.64.1.0/24")

	inner := mk_udp_frame(t, host_mac, gw_mac, "10.1.0.5", "10.9.0.7", 40002, 7777, 64)
	out := run_frame(t, view, vlan_wrap(t, inner, 300), IFC_ACCESS)

	pkt := decode_frame(t, out)

	// outer headers: vxlan to the peer gateway
	ip := ip4_layer(t, pkt)
	if IPFromSlice(ip.SrcIP) != MustParseIP("192.0.2.1") || IPFromSlice(ip.DstIP) != MustParseIP("192.0.2.10") {
		t.Errorf("outer addresses: %v -> %v", ip.SrcIP, ip.DstIP)
	}
	vxl := pkt.Layer(layers.LayerTypeVXLAN)
	if vxl == nil {
		t.Fatal("no vxlan encapsulation toward peer gateway")
	}
	if vxl.(*layers.VXLAN).VNI != 20900 {
		t.Errorf("vni: got %v, want 20900", vxl.(*layers.VXLAN).VNI)
	}

	// inner packet: half translated
	in_pkt := decode_frame(t, vxl.(*layers.VXLAN).LayerPayload())
	in_ip := ip4_layer(t, in_pkt)
	if !peer_pfx.Contains(IPFromSlice(in_ip.SrcIP).Addr()) {
		t.Errorf("inner source %v not in peering pool", in_ip.SrcIP)
	}
	if IPFromSlice(in_ip.DstIP) != MustParseIP("10.9.0.7") {
		t.Errorf("inner destination rewritten by first gateway: %v", in_ip.DstIP)
	}
	in_udp := in_pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if in_udp.DstPort != 7777 {
		t.Errorf("inner destination port rewritten: %v", in_udp.DstPort)
	}
}

func TestPipelineHalfNatIngress(t *testing.T) {

	// second gateway of a peered pair: destination translated, source untouched

	view := test_view(t, pipeline_cfg)

	inner := mk_tcp_frame(t, vtep_mac, gw_mac, "100.64.9.9", "203.0.113.9", 2048, 80, 64, true, false, false)
	frame := vxlan_wrap(t, inner, vtep_mac, gw_mac, "192.0.2.10", "192.0.2.1", 20100)
	out := run_frame(t, view, frame, IFC_UPLINK)

	pkt := decode_frame(t, out)
	dot1q := pkt.Layer(layers.LayerTypeDot1Q)
	if dot1q == nil || dot1q.(*layers.Dot1Q).VLANIdentifier != 300 {
		t.Error("delivery not tagged with the vpc vlan")
	}

	ip := ip4_layer(t, pkt)
	if IPFromSlice(ip.DstIP) != MustParseIP("10.1.0.9") {
		t.Errorf("destination: got %v, want 10.1.0.9", ip.DstIP)
	}
	if IPFromSlice(ip.SrcIP) != MustParseIP("100.64.9.9") {
		t.Errorf("source rewritten by second gateway: %v", ip.SrcIP)
	}

	tcp := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if tcp.DstPort != 8080 {
		t.Errorf("destination port: got %v, want 8080", tcp.DstPort)
	}
	if tcp.SrcPort != 2048 {
		t.Errorf("source port rewritten: %v", tcp.SrcPort)
	}
}

func TestPipelineUnsolicitedIngress(t *testing.T) {

	view := test_view(t, pipeline_cfg)
	txq = make(chan *PktBuf, 4)

	// no connection, no static binding for this public pair
	frame := mk_tcp_frame(t, MustParseMac("02:ee:00:00:00:01"), gw_mac,
		"172.16.9.9", "203.0.113.14", 2048, 443, 64, true, false, false)
	pb := mk_pb(t, frame, IFC_UPLINK)

	before := stats.drop_invalid.Load()
	if process_frame(view, pb) == STOLEN {
		t.Fatal("unsolicited inbound frame forwarded")
	}
	if stats.drop_invalid.Load() != before+1 {
		t.Error("invalid drop not counted")
	}
}

func TestFlowHashStable(t *testing.T) {

	frame := mk_udp_frame(t, host_mac, gw_mac, "10.1.0.5", "172.16.6.6", 40005, 443, 64)
	h := flow_hash(mk_pb(t, frame, IFC_ACCESS))

	// mutable header fields must not move the flow to another worker
	mut := append([]byte(nil), frame...)
	be.PutUint16(mut[ETHER_HDR_LEN+IPv4_ID:], 0x7a7a)
	mut[ETHER_HDR_LEN+IPv4_TTL] = 7
	be.PutUint16(mut[ETHER_HDR_LEN+IPv4_CSUM:], 0xbeef)
	mut[len(mut)-1] ^= 0xff // payload
	if flow_hash(mk_pb(t, mut, IFC_ACCESS)) != h {
		t.Error("hash moved with mutable header fields")
	}

	// same addresses and ports under a vlan tag, still the same flow
	if flow_hash(mk_pb(t, vlan_wrap(t, frame, 300), IFC_ACCESS)) != h {
		t.Error("vlan tag changed the hash")
	}

	// a different destination port is a different flow
	other := mk_udp_frame(t, host_mac, gw_mac, "10.1.0.5", "172.16.6.6", 40005, 444, 64)
	if flow_hash(mk_pb(t, other, IFC_ACCESS)) == h {
		t.Error("different flows hash alike")
	}
}

func TestPipelineInvalidEntryDrop(t *testing.T) {

	view := test_view(t, pipeline_cfg)
	vpc := view.by_vni[20100]

	// open a connection, then have the initiator abort it before completion

	syn := mk_tcp_frame(t, host_mac, gw_mac, "10.1.0.5", "172.16.6.6", 40006, 443, 64, true, false, false)
	run_frame(t, view, vlan_wrap(t, syn, 300), IFC_ACCESS)

	orig := Tuple{sip: MustParseIP("10.1.0.5"), dip: MustParseIP("172.16.6.6"),
		sport: 40006, dport: 443, proto: TCP}
	e, ok := get_conn_tabs(20100).lookup_egress(orig)
	if !ok {
		t.Fatal("no connection tracked")
	}
	occ := vpc.external.occupancy()

	rst := mk_tcp_frame(t, host_mac, gw_mac, "10.1.0.5", "172.16.6.6", 40006, 443, 64, false, false, true)
	run_frame(t, view, vlan_wrap(t, rst, 300), IFC_ACCESS)

	if e.state.Load() != CONN_INVALID {
		t.Fatalf("state after early rst: got %v, want invalid", conn_state_name(e.state.Load()))
	}

	// further packets on the entry drop in both directions and leave the
	// pool alone

	txq = make(chan *PktBuf, 4)

	ack := mk_tcp_frame(t, host_mac, gw_mac, "10.1.0.5", "172.16.6.6", 40006, 443, 64, false, false, false)
	before := stats.drop_invalid.Load()
	if process_frame(view, mk_pb(t, vlan_wrap(t, ack, 300), IFC_ACCESS)) == STOLEN {
		t.Fatal("segment on an invalid connection forwarded")
	}
	if stats.drop_invalid.Load() != before+1 {
		t.Error("invalid drop not counted")
	}

	reply := mk_tcp_frame(t, MustParseMac("02:ee:00:00:00:01"), gw_mac,
		"172.16.6.6", e.outer.dip.String(), 443, e.outer.dport, 64, false, false, false)
	if process_frame(view, mk_pb(t, reply, IFC_UPLINK)) == STOLEN {
		t.Fatal("reply on an invalid connection forwarded")
	}

	if vpc.external.occupancy() != occ {
		t.Errorf("occupancy moved on an invalid connection: got %v, want %v",
			vpc.external.occupancy(), occ)
	}
}

func TestPipelineInvalidTcpEgress(t *testing.T) {

	view := test_view(t, pipeline_cfg)
	txq = make(chan *PktBuf, 4)

	// mid-stream segment without a tracked connection
	inner := mk_tcp_frame(t, host_mac, gw_mac, "10.1.0.5", "172.16.7.7", 40003, 443, 64, false, false, false)
	pb := mk_pb(t, vlan_wrap(t, inner, 300), IFC_ACCESS)

	before := stats.drop_invalid.Load()
	if process_frame(view, pb) == STOLEN {
		t.Fatal("mid-stream segment created a connection")
	}
	if stats.drop_invalid.Load() != before+1 {
		t.Error("invalid drop not counted")
	}
}
