/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"net/netip"
	"testing"
)

func TestRouteLongestMatch(t *testing.T) {

	rtb := new_route_table()

	routes := []RouteEntry{
		{pfx: netip.MustParsePrefix("10.0.0.0/8"), kind: RT_GW, nhop: MustParseIP("192.0.2.8"), ifc: IFC_UPLINK},
		{pfx: netip.MustParsePrefix("10.1.0.0/16"), kind: RT_LOCAL, ifc: IFC_ACCESS},
		{pfx: netip.MustParsePrefix("10.1.5.0/24"), kind: RT_PEER, nhop: MustParseIP("192.0.2.24"), ifc: IFC_UPLINK},
		{pfx: netip.MustParsePrefix("0.0.0.0/0"), kind: RT_EXT, nhop: MustParseIP("198.51.100.1"), ifc: IFC_UPLINK},
	}

	for _, re := range routes {
		if err := rtb.add(re); err != nil {
			t.Fatalf("add %v: %v", re.pfx, err)
		}
	}

	cases := []struct {
		dst  string
		kind int
		pfx  string
	}{
		{"10.2.3.4", RT_GW, "10.0.0.0/8"},
		{"10.1.3.4", RT_LOCAL, "10.1.0.0/16"},
		{"10.1.5.4", RT_PEER, "10.1.5.0/24"},
		{"172.16.0.1", RT_EXT, "0.0.0.0/0"},
	}

	for _, cs := range cases {
		re, ok := rtb.lookup(MustParseIP(cs.dst))
		if !ok {
			t.Fatalf("lookup %v: no route", cs.dst)
		}
		if re.kind != cs.kind || re.pfx.String() != cs.pfx {
			t.Errorf("lookup %v: got %v %v, want %v %v",
				cs.dst, rt_kind_name(re.kind), re.pfx, rt_kind_name(cs.kind), cs.pfx)
		}
	}
}

func TestRouteNoDefault(t *testing.T) {

	rtb := new_route_table()
	rtb.add(RouteEntry{pfx: netip.MustParsePrefix("10.1.0.0/16"), kind: RT_LOCAL, ifc: IFC_ACCESS})

	if _, ok := rtb.lookup(MustParseIP("172.16.0.1")); ok {
		t.Error("lookup unrelated destination: expected no route")
	}
}

func TestRouteDuplicate(t *testing.T) {

	rtb := new_route_table()

	re := RouteEntry{pfx: netip.MustParsePrefix("10.1.0.0/16"), kind: RT_LOCAL, ifc: IFC_ACCESS}
	if err := rtb.add(re); err != nil {
		t.Fatalf("add: %v", err)
	}
	re.kind = RT_EXT
	if err := rtb.add(re); err == nil {
		t.Error("duplicate prefix accepted")
	}

	// a different mask length of the same network is not a duplicate
	re.pfx = netip.MustParsePrefix("10.1.0.0/24")
	if err := rtb.add(re); err != nil {
		t.Errorf("add /24 alongside /16: %v", err)
	}
}

func TestRouteV6(t *testing.T) {

	rtb := new_route_table()

	rtb.add(RouteEntry{pfx: netip.MustParsePrefix("fd00:1::/32"), kind: RT_LOCAL, ifc: IFC_ACCESS})
	rtb.add(RouteEntry{pfx: netip.MustParsePrefix("fd00:1:2::/48"), kind: RT_PEER, nhop: MustParseIP("192.0.2.24"), ifc: IFC_UPLINK})
	rtb.add(RouteEntry{pfx: netip.MustParsePrefix("::/0"), kind: RT_EXT, nhop: MustParseIP("198.51.100.1"), ifc: IFC_UPLINK})

	re, ok := rtb.lookup(MustParseIP("fd00:1:2::9"))
	if !ok || re.kind != RT_PEER {
		t.Errorf("v6 lookup: got %v, want peer /48", rt_kind_name(re.kind))
	}
	re, ok = rtb.lookup(MustParseIP("fd00:1:3::9"))
	if !ok || re.kind != RT_LOCAL {
		t.Errorf("v6 lookup: got %v, want local /32", rt_kind_name(re.kind))
	}
	re, ok = rtb.lookup(MustParseIP("2001:db8::1"))
	if !ok || re.kind != RT_EXT {
		t.Errorf("v6 lookup: got %v, want ext default", rt_kind_name(re.kind))
	}

	if rtb.num_routes() != 3 {
		t.Errorf("num_routes: got %v, want 3", rtb.num_routes())
	}
}
