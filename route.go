/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"fmt"
	"net/netip"
)

/* Per VPC route table

Longest prefix match over a modest number of routes. Prefixes are bucketed
by length, one map per length, and lookup probes lengths longest first.
Tables are immutable once published inside a FabricView, so no locking.
*/

const (
	RT_LOCAL = iota + 1 // directly attached, deliver to endpoint
	RT_GW               // via next hop within the fabric
	RT_EXT              // default/external, leaves through the uplink
	RT_PEER             // terminates at a peer gateway
)

func rt_kind_name(kind int) string {

	switch kind {
	case RT_LOCAL:
		return "local"
	case RT_GW:
		return "gw"
	case RT_EXT:
		return "ext"
	case RT_PEER:
		return "peer"
	}
	return fmt.Sprintf("rt(%v)", kind)
}

type RouteEntry struct {
	pfx   netip.Prefix
	kind  int
	nhop  IP    // next hop for RT_GW/RT_EXT/RT_PEER, zero for RT_LOCAL
	ifc   IfcID // egress interface
	vni   uint32
}

type RouteTable struct {
	v4    [33]map[netip.Addr]RouteEntry // index is prefix length
	v6    [129]map[netip.Addr]RouteEntry
	lens4 []int // populated lengths, descending
	lens6 []int
}

func new_route_table() *RouteTable {
	return &RouteTable{}
}

// Insert a route. Two routes with the same prefix are a config error.
func (rtb *RouteTable) add(re RouteEntry) error {

	if !re.pfx.IsValid() {
		return fmt.Errorf("invalid prefix")
	}

	pfx := re.pfx.Masked()
	re.pfx = pfx
	bits := pfx.Bits()

	if pfx.Addr().Is4() {

		if rtb.v4[bits] == nil {
			rtb.v4[bits] = make(map[netip.Addr]RouteEntry)
			rtb.lens4 = insert_len(rtb.lens4, bits)
		}
		if _, dup := rtb.v4[bits][pfx.Addr()]; dup {
			return fmt.Errorf("duplicate route %v", pfx)
		}
		rtb.v4[bits][pfx.Addr()] = re

	} else {

		if rtb.v6[bits] == nil {
			rtb.v6[bits] = make(map[netip.Addr]RouteEntry)
			rtb.lens6 = insert_len(rtb.lens6, bits)
		}
		if _, dup := rtb.v6[bits][pfx.Addr()]; dup {
			return fmt.Errorf("duplicate route %v", pfx)
		}
		rtb.v6[bits][pfx.Addr()] = re
	}

	return nil
}

// keep the length list sorted descending
func insert_len(lens []int, bits int) []int {

	ix := 0
	for ix < len(lens) && lens[ix] > bits {
		ix++
	}
	lens = append(lens, 0)
	copy(lens[ix+1:], lens[ix:])
	lens[ix] = bits
	return lens
}

// Longest prefix match. The second return is false on no match.
func (rtb *RouteTable) lookup(dst IP) (RouteEntry, bool) {

	addr := dst.Addr()

	if addr.Is4() {
		for _, bits := range rtb.lens4 {
			pfx, err := addr.Prefix(bits)
			if err != nil {
				continue
			}
			if re, ok := rtb.v4[bits][pfx.Addr()]; ok {
				return re, true
			}
		}
	} else {
		for _, bits := range rtb.lens6 {
			pfx, err := addr.Prefix(bits)
			if err != nil {
				continue
			}
			if re, ok := rtb.v6[bits][pfx.Addr()]; ok {
				return re, true
			}
		}
	}

	return RouteEntry{}, false
}

func (rtb *RouteTable) num_routes() int {

	num := 0
	for _, m := range rtb.v4 {
		num += len(m)
	}
	for _, m := range rtb.v6 {
		num += len(m)
	}
	return num
}
