/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"net/netip"
)

/* Fabric view

The complete forwarding state, published as one immutable snapshot through
the left-right substrate. Workers load it once per batch. Mutable state
with a life of its own (NAT pools, connection tables) is referenced from
here but owned by the registries, a new snapshot reattaches the same
instances.
*/

type NatKey struct {
	ip    IP
	port  uint16
	proto byte
}

type Vpc struct {
	name     string
	vni      uint32
	vlan     uint16 // access side vlan id, 0 if none
	prefixes []netip.Prefix
	routes   *RouteTable
	neighs   *NeighTable
	peering  *NatPool
	external *NatPool
	stat_out map[NatKey]*Binding // private (ip, port) -> fixed public binding
	stat_in  map[NatKey]*Binding // public (ip, port) -> fixed private binding
	conns    *ConnTabs
}

// True if the address belongs to one of the vpc's configured prefixes.
func (vpc *Vpc) owns(ip IP) bool {

	for _, pfx := range vpc.prefixes {
		if pfx.Contains(ip.Addr()) {
			return true
		}
	}
	return false
}

type FabricView struct {
	by_vni     map[uint32]*Vpc
	by_vlan    map[uint16]*Vpc
	vpcs       map[string]*Vpc
	gw_mac     Mac
	gw_ip      IP     // this gateway's fabric address, vxlan outer source
	outer_vlan uint16 // sentinel vlan carrying vxlan on the access side, 0 if unused
	peer_gws   map[IP]bool
	uplink     *NeighTable // next hops reachable through the uplink
}

func new_fabric_view() *FabricView {

	return &FabricView{
		by_vni:   make(map[uint32]*Vpc),
		by_vlan:  make(map[uint16]*Vpc),
		vpcs:     make(map[string]*Vpc),
		peer_gws: make(map[IP]bool),
		uplink:   new_neigh_table(),
	}
}

var fabric LeftRight[FabricView]

// Locate the vpc a frame belongs to from its encapsulation.
func (view *FabricView) vpc_of(f IngressFrame) (*Vpc, bool) {

	switch f.encap {
	case ENCAP_VXLAN, ENCAP_QINQ_VXLAN:
		vpc, ok := view.by_vni[f.vni]
		return vpc, ok
	case ENCAP_VLAN:
		vpc, ok := view.by_vlan[f.vlan]
		return vpc, ok
	}
	return nil, false
}

// Locate the vpc owning a public/ingress destination address. Used for
// frames arriving from the fabric where no encapsulation names the tenant:
// the destination must fall within some vpc's pool or static range.
func (view *FabricView) vpc_by_public(dst IP) (*Vpc, bool) {

	for _, vpc := range view.vpcs {
		if vpc.external != nil && vpc.external.pfx.Contains(dst.Addr()) {
			return vpc, true
		}
		if vpc.peering != nil && vpc.peering.pfx.Contains(dst.Addr()) {
			return vpc, true
		}
		for key := range vpc.stat_in {
			if key.ip == dst {
				return vpc, true
			}
		}
	}
	return nil, false
}
