/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

/* Pipeline

Workers pull frames off their queues, classify, consult connection state,
allocate NAT leases for new flows and emit an action list. The rewritten
frame leaves through txq where the backend applies the actions and
transmits. A worker loads the fabric snapshot once per batch: a config
reload taking effect mid-batch never mixes old and new state within one
packet.

Frames are distributed across workers by a hash over flow stable header
fields, so all packets of one flow land on the same worker and keep their
order. Mutable fields (ttl, ip id, checksums, payload) stay out of the
hash.
*/

var rxqs []chan *PktBuf
var txq chan *PktBuf

func start_pipeline() {

	txq = make(chan *PktBuf, cli.maxbuf)
	rxqs = make([]chan *PktBuf, cli.workers)
	for ii := range rxqs {
		rxqs[ii] = make(chan *PktBuf, PKTQLEN)
		go pipeline_worker(ii, rxqs[ii])
	}
	log.info("pipeline: %v worker(s) started", cli.workers)
}

// Hash the outer 5-tuple: addresses, protocol and, for tcp/udp, ports.
// For vxlan frames the outer udp source port already carries the inner
// flow's entropy, so hashing the outer headers keeps inner flows apart
// without a second parse.
func flow_hash(pb *PktBuf) uint {

	pkt := pb.pkt[pb.data:pb.tail]
	if len(pkt) < ETHER_HDR_LEN {
		return 0
	}

	etype := be.Uint16(pkt[ETHER_TYPE : ETHER_TYPE+2])
	off := ETHER_HDR_LEN
	if etype == ETHER_VLAN && len(pkt) >= off+VLAN_HDR_LEN {
		etype = be.Uint16(pkt[off+VLAN_ETYPE : off+VLAN_ETYPE+2])
		off += VLAN_HDR_LEN
	}

	var sum uint16

	switch etype {

	case ETHER_IPv4:

		if len(pkt) < off+IPv4_HDR_MIN_LEN {
			return 0
		}
		proto := pkt[off+IPv4_PROTO]
		sum = csum_add(sum, pkt[off+IPv4_SRC:off+IPv4_DST+4])
		sum = csum_add(sum, []byte{0, proto})
		l4 := off + int(pkt[off+IP_VER]&0xf)*4
		if proto_has_ports(proto) && len(pkt) >= l4+4 {
			sum = csum_add(sum, pkt[l4:l4+4])
		}

	case ETHER_IPv6:

		if len(pkt) < off+IPv6_HDR_MIN_LEN {
			return 0
		}
		proto := pkt[off+IPv6_NEXT]
		sum = csum_add(sum, pkt[off+IPv6_SRC:off+IPv6_DST+16])
		sum = csum_add(sum, []byte{0, proto})
		l4 := off + IPv6_HDR_MIN_LEN
		if proto_has_ports(proto) && len(pkt) >= l4+4 {
			sum = csum_add(sum, pkt[l4:l4+4])
		}

	default:
		sum = csum_add(sum, pkt[:ETHER_TYPE]) // mac addresses
	}

	return uint(sum)
}

func dispatch(pb *PktBuf) {
	rxqs[flow_hash(pb)%uint(len(rxqs))] <- pb
}

func pipeline_worker(id int, rxq chan *PktBuf) {

	log.debug("pipeline: worker(%v) ready", id)

	for pb := range rxq {

		view := fabric.load()

	batch:
		for {
			verdict := DROP
			if view == nil {
				stats.drop_no_vpc.Add(1) // no config published yet
			} else {
				verdict = process_frame(view, pb)
			}
			if verdict != STOLEN {
				retbuf <- pb
			}
			select {
			case pb = <-rxq:
			default:
				break batch
			}
		}
	}
}

func process_frame(view *FabricView, pb *PktBuf) int {

	stats.rcvd.Add(1)

	cf, verdict := classify(view, pb)
	if verdict != ACCEPT {
		return DROP
	}

	log.trace("pipeline: %v %v %v", flow_cat_name(cf.cat), encap_name(cf.frame.encap), cf.frame.tup)

	switch cf.cat {
	case FLOW_VPC_TO_VPC, FLOW_VPC_TO_EXT:
		return fwd_from_vpc(view, pb, cf)
	case FLOW_EXT_TO_VPC:
		return fwd_to_vpc(view, pb, cf, false)
	case FLOW_GW_TO_GW:
		return fwd_to_vpc(view, pb, cf, true)
	}
	return DROP
}

/* Outbound: frames originating within a vpc */

func fwd_from_vpc(view *FabricView, pb *PktBuf, cf Classified) int {

	vpc := cf.vpc
	f := cf.frame

	if !cf.rt_ok || cf.rt.kind == RT_EXT {
		// a destination with no specific route may still be another local
		// vpc's public address, in which case we hairpin through both
		// tables instead of sending it out the uplink
		if tvpc, ok := view.vpc_by_public(f.tup.dip); ok && tvpc != vpc {
			return fwd_hairpin(view, pb, cf, tvpc)
		}
	}

	if e, ok := vpc.conns.lookup_egress(f.tup); ok {
		return fwd_conn_egress(view, pb, cf, e)
	}

	// new flow

	if f.tup.proto == TCP && f.tcp_flags&TCP_SYN == 0 {
		stats.drop_invalid.Add(1)
		return DROP
	}
	if !cf.rt_ok {
		stats.drop_no_route.Add(1)
		return DROP
	}

	var bind *Binding

	switch cf.rt.kind {
	case RT_PEER:
		if bind = alloc_egress_binding(vpc, vpc.peering, f); bind == nil {
			stats.drop_no_bind.Add(1)
			return DROP
		}
	case RT_EXT:
		if bind = alloc_egress_binding(vpc, vpc.external, f); bind == nil {
			stats.drop_no_bind.Add(1)
			return DROP
		}
	}
	// RT_LOCAL and RT_GW forward untranslated

	e := new_conn_entry(vpc.vni, f.tup, egress_outer(f.tup, bind), bind, DIR_EGRESS, CONN_NEW)
	vpc.conns.insert_pair(e)
	register_icmp_expect(vpc.conns, e)

	return fwd_conn_egress(view, pb, cf, e)
}

// The ingress table key for an egress initiated connection: the wire tuple
// after source translation, reversed.
func egress_outer(tup Tuple, bind *Binding) Tuple {

	wt := tup
	if bind != nil {
		wt.sip = bind.pub.ip
		if proto_has_ports(wt.proto) && bind.pub.port != 0 {
			wt.sport = bind.pub.port
		}
	}
	return wt.reverse()
}

// Draw a source binding: static mapping first, then the pool.
func alloc_egress_binding(vpc *Vpc, pool *NatPool, f IngressFrame) *Binding {

	key := NatKey{ip: f.tup.sip, port: f.tup.sport, proto: f.tup.proto}
	if b, ok := vpc.stat_out[key]; ok {
		return b
	}
	if !proto_has_ports(f.tup.proto) {
		if b, ok := vpc.stat_out[NatKey{ip: f.tup.sip, proto: f.tup.proto}]; ok {
			return b
		}
	}
	if pool == nil {
		return nil
	}

	priv := IpPort{ip: f.tup.sip}
	if proto_has_ports(f.tup.proto) {
		priv.port = f.tup.sport
	}

	if b := take_restored(vpc.vni, f.tup.proto, priv); b != nil {
		return b
	}

	var b *Binding
	var ok bool

	if proto_has_ports(f.tup.proto) {
		b, ok = pool.allocate(priv, f.tup.proto)
	} else {
		b, ok = pool.allocate_ip(priv.ip, f.tup.proto)
	}
	if !ok {
		return nil
	}
	db_save_binding(vpc.vni, b)
	return b
}

// Forward a packet traveling in the egress direction of its connection.
func fwd_conn_egress(view *FabricView, pb *PktBuf, cf Classified, e *ConnEntry) int {

	f := cf.frame

	if e.state.Load() == CONN_INVALID {
		stats.drop_invalid.Add(1)
		return DROP
	}

	var reset bool
	if f.tup.proto == TCP {
		_, reset = e.tcp_update(f.tcp_flags)
	}

	promoted := e.saw(DIR_EGRESS)

	if !cf.rt_ok {
		stats.drop_no_route.Add(1)
		return DROP
	}

	nf := f.dnat(IP{}, 0)

	nhop, smac, dmac, out, ok := egress_path(view, cf.vpc, cf.rt, nf.tup.dip)
	if !ok {
		post_resolve(nhop)
		stats.drop_no_neigh.Add(1)
		return DROP
	}

	rf, ok := nf.route(cf.rt.ifc, nhop, smac, dmac)
	if !ok {
		stats.drop_ttl.Add(1)
		return DROP
	}

	ef := rf.snat(e.outer.dip, e.outer.dport)
	pb.acts = gen_actions(ef, out)
	pb.ifc = cf.rt.ifc

	if promoted {
		offload_install(e, pb.acts)
	}
	if reset {
		cf.vpc.conns.remove_pair(e)
	}

	txq <- pb
	stats.fwd.Add(1)
	return STOLEN
}

/* Inbound: frames addressed into a vpc from outside or from a peer gateway */

func fwd_to_vpc(view *FabricView, pb *PktBuf, cf Classified, allow_direct bool) int {

	vpc := cf.vpc
	f := cf.frame

	if e, ok := vpc.conns.lookup_ingress(f.tup); ok {
		return fwd_conn_ingress(view, pb, cf, e)
	}

	e := new_inbound_conn(vpc, f, allow_direct)
	if e == nil {
		stats.drop_invalid.Add(1) // unsolicited
		return DROP
	}
	vpc.conns.insert_pair(e)
	if e.state.Load() == CONN_NEW {
		register_icmp_expect(vpc.conns, e)
	}

	return fwd_conn_ingress(view, pb, cf, e)
}

// Admit a new inbound flow: a static binding, a pending related
// expectation, or (from a peer gateway) a direct vpc address.
func new_inbound_conn(vpc *Vpc, f IngressFrame, allow_direct bool) *ConnEntry {

	b, ok := vpc.stat_in[NatKey{ip: f.tup.dip, port: f.tup.dport, proto: f.tup.proto}]
	if !ok && !proto_has_ports(f.tup.proto) {
		b, ok = vpc.stat_in[NatKey{ip: f.tup.dip, proto: f.tup.proto}]
	}

	if ok {
		if f.tup.proto == TCP && f.tcp_flags&TCP_SYN == 0 {
			return nil
		}
		inner := Tuple{sip: b.priv.ip, dip: f.tup.sip, dport: f.tup.sport, proto: f.tup.proto}
		if proto_has_ports(f.tup.proto) {
			inner.sport = b.priv.port
			if inner.sport == 0 {
				inner.sport = f.tup.dport
			}
		}
		return new_conn_entry(vpc.vni, inner, f.tup, b, DIR_INGRESS, CONN_NEW)
	}

	if parent, ok := vpc.conns.take_expected(f.tup); ok {
		inner := Tuple{sip: parent.bind.priv.ip, dip: f.tup.sip, proto: f.tup.proto}
		return new_conn_entry(vpc.vni, inner, f.tup, parent.bind, DIR_INGRESS, CONN_RELATED)
	}

	if allow_direct && vpc.owns(f.tup.dip) {
		if f.tup.proto == TCP && f.tcp_flags&TCP_SYN == 0 {
			return nil
		}
		return new_conn_entry(vpc.vni, f.tup.reverse(), f.tup, nil, DIR_INGRESS, CONN_NEW)
	}

	return nil
}

// Forward a packet traveling in the ingress direction of its connection.
func fwd_conn_ingress(view *FabricView, pb *PktBuf, cf Classified, e *ConnEntry) int {

	f := cf.frame

	if e.state.Load() == CONN_INVALID {
		stats.drop_invalid.Add(1)
		return DROP
	}

	var reset bool
	if f.tup.proto == TCP {
		_, reset = e.tcp_update(f.tcp_flags)
	}

	promoted := e.saw(DIR_INGRESS)

	nf := f.dnat(e.inner.sip, e.inner.sport)

	rt, ok := cf.vpc.routes.lookup(nf.tup.dip)
	if !ok {
		stats.drop_no_route.Add(1)
		return DROP
	}

	nhop, smac, dmac, out, ok := egress_path(view, cf.vpc, rt, nf.tup.dip)
	if !ok {
		post_resolve(nhop)
		stats.drop_no_neigh.Add(1)
		return DROP
	}

	rf, ok := nf.route(rt.ifc, nhop, smac, dmac)
	if !ok {
		stats.drop_ttl.Add(1)
		return DROP
	}

	ef := rf.snat(IP{}, 0)
	pb.acts = gen_actions(ef, out)
	pb.ifc = rt.ifc

	if promoted {
		offload_install(e, pb.acts)
	}
	if reset {
		cf.vpc.conns.remove_pair(e)
	}

	txq <- pb
	stats.fwd.Add(1)
	return STOLEN
}

/* Hairpin: both endpoints behind this gateway, in different vpcs. The
source vpc's egress table provides the source rewrite and the target vpc's
ingress table the destination rewrite, exactly as if two gateways were
involved, just in one pass. */

func fwd_hairpin(view *FabricView, pb *PktBuf, cf Classified, tvpc *Vpc) int {

	vpc := cf.vpc
	f := cf.frame

	// source side

	e1, ok := vpc.conns.lookup_egress(f.tup)
	if !ok {
		if f.tup.proto == TCP && f.tcp_flags&TCP_SYN == 0 {
			stats.drop_invalid.Add(1)
			return DROP
		}
		bind := alloc_egress_binding(vpc, vpc.peering, f)
		if bind == nil {
			stats.drop_no_bind.Add(1)
			return DROP
		}
		e1 = new_conn_entry(vpc.vni, f.tup, egress_outer(f.tup, bind), bind, DIR_EGRESS, CONN_NEW)
		vpc.conns.insert_pair(e1)
		register_icmp_expect(vpc.conns, e1)
	}

	if e1.state.Load() == CONN_INVALID {
		stats.drop_invalid.Add(1)
		return DROP
	}

	var reset bool
	if f.tup.proto == TCP {
		_, reset = e1.tcp_update(f.tcp_flags)
	}
	promoted := e1.saw(DIR_EGRESS)

	// target side, keyed by the wire tuple after source translation

	wt := e1.outer.reverse()

	e2, ok := tvpc.conns.lookup_ingress(wt)
	if !ok {
		wf := f
		wf.tup = wt
		e2 = new_inbound_conn(tvpc, wf, true)
		if e2 == nil {
			stats.drop_invalid.Add(1)
			return DROP
		}
		tvpc.conns.insert_pair(e2)
	}
	if e2.state.Load() == CONN_INVALID {
		stats.drop_invalid.Add(1)
		return DROP
	}
	e2.saw(DIR_INGRESS)

	// both rewrites in one action list

	nf := f.dnat(e2.inner.sip, e2.inner.sport)

	rt, ok := tvpc.routes.lookup(nf.tup.dip)
	if !ok {
		stats.drop_no_route.Add(1)
		return DROP
	}

	nhop, smac, dmac, out, ok := egress_path(view, tvpc, rt, nf.tup.dip)
	if !ok {
		post_resolve(nhop)
		stats.drop_no_neigh.Add(1)
		return DROP
	}

	rf, ok := nf.route(rt.ifc, nhop, smac, dmac)
	if !ok {
		stats.drop_ttl.Add(1)
		return DROP
	}

	ef := rf.snat(e1.outer.dip, e1.outer.dport)
	pb.acts = gen_actions(ef, out)
	pb.ifc = rt.ifc

	if promoted {
		offload_install(e1, pb.acts)
	}
	if reset {
		vpc.conns.remove_pair(e1)
		tvpc.conns.remove_pair(e2)
	}

	txq <- pb
	stats.fwd.Add(1)
	return STOLEN
}

// Resolve the egress interface, next hop addressing and encapsulation for
// a route. Returns ok false when the next hop's link address is unknown.
func egress_path(view *FabricView, vpc *Vpc, rt RouteEntry, dst IP) (IP, Mac, Mac, EgressEncap, bool) {

	var out EgressEncap

	switch rt.kind {

	case RT_LOCAL:

		ne, ok := vpc.neighs.lookup(dst)
		if !ok {
			return dst, Mac{}, Mac{}, out, false
		}
		if vpc.vlan != 0 {
			out = EgressEncap{kind: ENCAP_VLAN, vlan: vpc.vlan}
		} else {
			out = EgressEncap{kind: ENCAP_NONE}
		}
		return dst, view.gw_mac, ne.mac, out, true

	case RT_GW, RT_PEER:

		ne, ok := view.uplink.lookup(rt.nhop)
		if !ok {
			return rt.nhop, Mac{}, Mac{}, out, false
		}
		out = EgressEncap{
			kind:    ENCAP_VXLAN,
			vni:     rt.vni,
			src_ip:  view.gw_ip,
			dst_ip:  rt.nhop,
			src_mac: view.gw_mac,
			dst_mac: ne.mac,
		}
		return rt.nhop, view.gw_mac, ne.mac, out, true

	case RT_EXT:

		ne, ok := view.uplink.lookup(rt.nhop)
		if !ok {
			return rt.nhop, Mac{}, Mac{}, out, false
		}
		return rt.nhop, view.gw_mac, ne.mac, EgressEncap{kind: ENCAP_NONE}, true
	}

	return IP{}, Mac{}, Mac{}, out, false
}

// Pre-register the related ICMP flow for a translated connection so an
// ICMP error from the far end finds its way back through the NAT.
func register_icmp_expect(ct *ConnTabs, e *ConnEntry) {

	if e.bind == nil {
		return
	}
	proto := byte(ICMP)
	if e.outer.dip.Is6() {
		proto = ICMPv6
	}
	ct.expect_related(Tuple{sip: e.outer.sip, dip: e.outer.dip, proto: proto}, e)
}
