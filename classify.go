/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"fmt"
)

/* Classification

Take raw frame bytes, peel the encapsulation, attribute the frame to a vpc
and decide which of the four flow categories it falls into. The route for
the (possibly not yet translated) destination is looked up here as well so
the pipeline does not parse or probe twice.

    vpc-to-vpc   tenant traffic staying within the fabric
    vpc-to-ext   tenant traffic leaving through the uplink
    ext-to-vpc   return/inbound traffic from outside
    gw-to-gw     traffic pre-translated by a peer gateway
*/

const (
	FLOW_VPC_TO_VPC = iota + 1
	FLOW_VPC_TO_EXT
	FLOW_EXT_TO_VPC
	FLOW_GW_TO_GW
)

func flow_cat_name(cat int) string {

	switch cat {
	case FLOW_VPC_TO_VPC:
		return "vpc-to-vpc"
	case FLOW_VPC_TO_EXT:
		return "vpc-to-ext"
	case FLOW_EXT_TO_VPC:
		return "ext-to-vpc"
	case FLOW_GW_TO_GW:
		return "gw-to-gw"
	}
	return fmt.Sprintf("cat(%v)", cat)
}

type Classified struct {
	vpc   *Vpc
	frame IngressFrame
	cat   int
	rt    RouteEntry
	rt_ok bool
}

func classify(view *FabricView, pb *PktBuf) (Classified, int) {

	var cf Classified

	pkt := pb.pkt[pb.data:pb.tail]
	if len(pkt) < MIN_PKT_LEN {
		stats.drop_malformed.Add(1)
		return cf, DROP
	}

	frame := IngressFrame{ifc: pb.ifc}
	frame.dst_mac = MacFromSlice(pkt[ETHER_DST_MAC:])
	frame.src_mac = MacFromSlice(pkt[ETHER_SRC_MAC:])

	etype := be.Uint16(pkt[ETHER_TYPE : ETHER_TYPE+2])
	off := ETHER_HDR_LEN
	var outer_sip IP

	if etype == ETHER_VLAN {

		if len(pkt) < off+VLAN_HDR_LEN {
			stats.drop_malformed.Add(1)
			return cf, DROP
		}
		frame.vlan = be.Uint16(pkt[off+VLAN_TCI:off+VLAN_TCI+2]) & VLAN_VID_MASK
		etype = be.Uint16(pkt[off+VLAN_ETYPE : off+VLAN_ETYPE+2])
		off += VLAN_HDR_LEN
		frame.encap = ENCAP_VLAN
	} else {
		frame.encap = ENCAP_NONE
	}

	// vxlan detection: IPv4/UDP to port 4789

	if etype == ETHER_IPv4 && len(pkt) >= off+IPv4_HDR_MIN_LEN &&
		pkt[off+IPv4_PROTO] == UDP {

		ihl := int(pkt[off+IP_VER]&0xf) * 4
		udp := off + ihl
		if len(pkt) >= udp+UDP_HDR_LEN+VXLAN_HDR_LEN+ETHER_HDR_LEN &&
			be.Uint16(pkt[udp+UDP_DPORT:udp+UDP_DPORT+2]) == VXLAN_PORT {

			vx := udp + UDP_HDR_LEN
			if pkt[vx+VXLAN_FLAGS]&VXLAN_FLAG_VNI == 0 {
				stats.drop_malformed.Add(1)
				return cf, DROP
			}
			outer_sip = IPFromSlice(pkt[off+IPv4_SRC : off+IPv4_SRC+4])
			frame.vni = be.Uint32(pkt[vx+VXLAN_VNI:vx+VXLAN_VNI+4]) >> 8

			if frame.encap == ENCAP_VLAN {
				if frame.vlan != view.outer_vlan || view.outer_vlan == 0 {
					// a tagged vxlan frame only makes sense on the sentinel vlan
					log.err("classify: vxlan on unexpected vlan(%v), dropping", frame.vlan)
					stats.drop_malformed.Add(1)
					return cf, DROP
				}
				frame.encap = ENCAP_QINQ_VXLAN
			} else {
				frame.encap = ENCAP_VXLAN
			}

			// inner frame
			inner := vx + VXLAN_HDR_LEN
			frame.src_mac = MacFromSlice(pkt[inner+ETHER_SRC_MAC:])
			frame.dst_mac = MacFromSlice(pkt[inner+ETHER_DST_MAC:])
			etype = be.Uint16(pkt[inner+ETHER_TYPE : inner+ETHER_TYPE+2])
			off = inner + ETHER_HDR_LEN
		}
	}

	if !parse_l3(pkt, off, etype, &frame) {
		stats.drop_malformed.Add(1)
		return cf, DROP
	}

	cf.frame = frame

	// attribute to a vpc and categorize

	switch frame.encap {

	case ENCAP_VXLAN, ENCAP_QINQ_VXLAN, ENCAP_VLAN:

		vpc, ok := view.vpc_of(frame)
		if !ok {
			// vpc scoped frame without a vpc is a fabric misconfiguration
			log.err("classify: no vpc for %v vlan(%v) vni(%v), dropping",
				encap_name(frame.encap), frame.vlan, frame.vni)
			stats.drop_no_vpc.Add(1)
			return cf, DROP
		}
		cf.vpc = vpc

		if !outer_sip.IsZero() && view.peer_gws[outer_sip] {
			cf.cat = FLOW_GW_TO_GW
			return cf, ACCEPT
		}

		cf.rt, cf.rt_ok = vpc.routes.lookup(frame.tup.dip)
		if cf.rt_ok && cf.rt.kind == RT_EXT {
			cf.cat = FLOW_VPC_TO_EXT
		} else {
			cf.cat = FLOW_VPC_TO_VPC
		}
		return cf, ACCEPT

	case ENCAP_NONE:

		vpc, ok := view.vpc_by_public(frame.tup.dip)
		if !ok {
			stats.drop_no_vpc.Add(1)
			return cf, DROP
		}
		cf.vpc = vpc
		cf.cat = FLOW_EXT_TO_VPC
		return cf, ACCEPT
	}

	stats.drop_malformed.Add(1)
	return cf, DROP
}

// Parse the inner L3/L4 headers into the frame's tuple.
func parse_l3(pkt []byte, off int, etype uint16, frame *IngressFrame) bool {

	var l4 int

	switch etype {

	case ETHER_IPv4:

		if len(pkt) < off+IPv4_HDR_MIN_LEN || pkt[off+IP_VER]>>4 != 4 {
			return false
		}
		ihl := int(pkt[off+IP_VER]&0xf) * 4
		if ihl < IPv4_HDR_MIN_LEN || len(pkt) < off+ihl {
			return false
		}
		frame.ttl = pkt[off+IPv4_TTL]
		frame.tup.proto = pkt[off+IPv4_PROTO]
		frame.tup.sip = IPFromSlice(pkt[off+IPv4_SRC : off+IPv4_SRC+4])
		frame.tup.dip = IPFromSlice(pkt[off+IPv4_DST : off+IPv4_DST+4])
		l4 = off + ihl

	case ETHER_IPv6:

		if len(pkt) < off+IPv6_HDR_MIN_LEN || pkt[off+IP_VER]>>4 != 6 {
			return false
		}
		frame.ttl = pkt[off+IPv6_TTL]
		frame.tup.proto = pkt[off+IPv6_NEXT]
		frame.tup.sip = IPFromSlice(pkt[off+IPv6_SRC : off+IPv6_SRC+16])
		frame.tup.dip = IPFromSlice(pkt[off+IPv6_DST : off+IPv6_DST+16])
		l4 = off + IPv6_HDR_MIN_LEN

	default:
		return false
	}

	switch frame.tup.proto {

	case TCP:
		if len(pkt) < l4+TCP_HDR_MIN_LEN {
			return false
		}
		frame.tup.sport = be.Uint16(pkt[l4+TCP_SPORT : l4+TCP_SPORT+2])
		frame.tup.dport = be.Uint16(pkt[l4+TCP_DPORT : l4+TCP_DPORT+2])
		frame.tcp_flags = pkt[l4+TCP_FLAGS]

	case UDP:
		if len(pkt) < l4+UDP_HDR_LEN {
			return false
		}
		frame.tup.sport = be.Uint16(pkt[l4+UDP_SPORT : l4+UDP_SPORT+2])
		frame.tup.dport = be.Uint16(pkt[l4+UDP_DPORT : l4+UDP_DPORT+2])

	case ICMP, ICMPv6:
		if len(pkt) < l4+ICMP_HDR_LEN {
			return false
		}

	default:
		// other protocols forward without ports
	}

	return true
}
