/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"bufio"
	"bytes"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
)

/* Fabric configuration

Plain text, one directive per line, '#' starts a comment:

    gw mac 02:fa:b0:00:00:01
    gw ip 192.0.2.1
    outer-vlan 4000
    peer gw 192.0.2.10
    uplink neigh 198.51.100.1 02:ee:00:00:00:01

    vpc blue vni 10100 vlan 100
    net blue 10.1.0.0/16
    route blue 10.1.0.0/16 local
    route blue 10.2.0.0/16 peer 192.0.2.10 vni 10200
    route blue 0.0.0.0/0 ext 198.51.100.1
    neigh blue 10.1.0.5 02:00:00:00:01:05
    pool blue peering 100.64.1.0/24 1024 65535
    pool blue external 203.0.113.0/28 1024 65535
    nat blue static 10.1.0.9:8080 203.0.113.9:80 tcp

A file that fails to parse is rejected as a whole, the previously published
view stays in effect.
*/

func cfg_load() error {

	data, err := os.ReadFile(cli.config)
	if err != nil {
		return fmt.Errorf("cannot read config: %v", err)
	}

	view, err := parse_fabric_cfg(data)
	if err != nil {
		return err
	}

	fabric.publish(view)
	log.info("cfg: published %v vpc(s) from %v", len(view.vpcs), cli.config)
	return nil
}

func parse_fabric_cfg(data []byte) (*FabricView, error) {

	view := new_fabric_view()
	view.gw_mac = cli.gw_mac
	view.gw_ip = cli.gw_ip
	view.outer_vlan = cli.outer_vlan

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lno := 0

	for scanner.Scan() {

		lno++
		line := scanner.Text()
		if ix := strings.IndexByte(line, '#'); ix >= 0 {
			line = line[:ix]
		}
		toks := strings.Fields(line)
		if len(toks) == 0 {
			continue
		}

		var err error

		switch toks[0] {
		case "gw":
			err = parse_gw(view, toks)
		case "outer-vlan":
			err = parse_outer_vlan(view, toks)
		case "peer":
			err = parse_peer(view, toks)
		case "uplink":
			err = parse_uplink(view, toks)
		case "vpc":
			err = parse_vpc(view, toks)
		case "net":
			err = parse_net(view, toks)
		case "route":
			err = parse_route(view, toks)
		case "neigh":
			err = parse_neigh(view, toks)
		case "pool":
			err = parse_pool(view, toks)
		case "nat":
			err = parse_nat(view, toks)
		default:
			err = fmt.Errorf("unknown directive: %v", toks[0])
		}

		if err != nil {
			return nil, fmt.Errorf("line %v: %v", lno, err)
		}
	}

	// reattach long lived state after all vpcs are known

	for _, vpc := range view.vpcs {
		vpc.conns = get_conn_tabs(vpc.vni)
	}

	return view, nil
}

func parse_gw(view *FabricView, toks []string) error {

	if len(toks) != 3 {
		return fmt.Errorf("gw: expecting 'gw mac|ip VALUE'")
	}
	switch toks[1] {
	case "mac":
		mac, err := ParseMac(toks[2])
		if err != nil {
			return err
		}
		view.gw_mac = mac
	case "ip":
		ip, err := ParseIP(toks[2])
		if err != nil {
			return err
		}
		view.gw_ip = ip
	default:
		return fmt.Errorf("gw: unknown attribute: %v", toks[1])
	}
	return nil
}

func parse_outer_vlan(view *FabricView, toks []string) error {

	if len(toks) != 2 {
		return fmt.Errorf("outer-vlan: expecting vlan id")
	}
	vid, err := parse_vid(toks[1])
	if err != nil {
		return err
	}
	view.outer_vlan = vid
	return nil
}

func parse_peer(view *FabricView, toks []string) error {

	if len(toks) != 3 || toks[1] != "gw" {
		return fmt.Errorf("peer: expecting 'peer gw IP'")
	}
	ip, err := ParseIP(toks[2])
	if err != nil {
		return err
	}
	view.peer_gws[ip] = true
	return nil
}

func parse_uplink(view *FabricView, toks []string) error {

	if len(toks) != 4 || toks[1] != "neigh" {
		return fmt.Errorf("uplink: expecting 'uplink neigh IP MAC'")
	}
	ip, err := ParseIP(toks[2])
	if err != nil {
		return err
	}
	mac, err := ParseMac(toks[3])
	if err != nil {
		return err
	}
	view.uplink.add(NeighEntry{ip: ip, mac: mac, ifc: IFC_UPLINK, perm: true})
	return nil
}

func parse_vpc(view *FabricView, toks []string) error {

	if len(toks) < 4 || toks[2] != "vni" {
		return fmt.Errorf("vpc: expecting 'vpc NAME vni VNI [vlan VID]'")
	}
	name := toks[1]
	if _, dup := view.vpcs[name]; dup {
		return fmt.Errorf("vpc: duplicate vpc: %v", name)
	}
	vni, err := parse_vni(toks[3])
	if err != nil {
		return err
	}
	if _, dup := view.by_vni[vni]; dup {
		return fmt.Errorf("vpc: duplicate vni: %v", vni)
	}

	vpc := &Vpc{
		name:     name,
		vni:      vni,
		routes:   new_route_table(),
		neighs:   new_neigh_table(),
		stat_out: make(map[NatKey]*Binding),
		stat_in:  make(map[NatKey]*Binding),
	}

	if len(toks) == 6 && toks[4] == "vlan" {
		vid, err := parse_vid(toks[5])
		if err != nil {
			return err
		}
		if _, dup := view.by_vlan[vid]; dup {
			return fmt.Errorf("vpc: duplicate vlan: %v", vid)
		}
		vpc.vlan = vid
		view.by_vlan[vid] = vpc
	} else if len(toks) != 4 {
		return fmt.Errorf("vpc: expecting 'vpc NAME vni VNI [vlan VID]'")
	}

	view.vpcs[name] = vpc
	view.by_vni[vni] = vpc
	return nil
}

func parse_net(view *FabricView, toks []string) error {

	if len(toks) != 3 {
		return fmt.Errorf("net: expecting 'net VPC PREFIX'")
	}
	vpc, err := find_vpc(view, toks[1])
	if err != nil {
		return err
	}
	pfx, err := netip.ParsePrefix(toks[2])
	if err != nil {
		return err
	}
	vpc.prefixes = append(vpc.prefixes, pfx.Masked())
	return nil
}

func parse_route(view *FabricView, toks []string) error {

	if len(toks) < 4 {
		return fmt.Errorf("route: expecting 'route VPC PREFIX KIND ...'")
	}
	vpc, err := find_vpc(view, toks[1])
	if err != nil {
		return err
	}
	pfx, err := netip.ParsePrefix(toks[2])
	if err != nil {
		return err
	}

	re := RouteEntry{pfx: pfx, vni: vpc.vni}

	switch toks[3] {
	case "local":
		if len(toks) != 4 {
			return fmt.Errorf("route: local takes no arguments")
		}
		re.kind = RT_LOCAL
		re.ifc = IFC_ACCESS
	case "gw", "peer":
		if len(toks) != 5 && len(toks) != 7 {
			return fmt.Errorf("route: expecting '%v NHOP [vni VNI]'", toks[3])
		}
		re.kind = RT_GW
		if toks[3] == "peer" {
			re.kind = RT_PEER
		}
		re.ifc = IFC_UPLINK
		re.nhop, err = ParseIP(toks[4])
		if err != nil {
			return err
		}
		if len(toks) == 7 {
			if toks[5] != "vni" {
				return fmt.Errorf("route: expecting 'vni VNI'")
			}
			re.vni, err = parse_vni(toks[6])
			if err != nil {
				return err
			}
		}
	case "ext":
		if len(toks) != 5 {
			return fmt.Errorf("route: expecting 'ext NHOP'")
		}
		re.kind = RT_EXT
		re.ifc = IFC_UPLINK
		re.nhop, err = ParseIP(toks[4])
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("route: unknown kind: %v", toks[3])
	}

	return vpc.routes.add(re)
}

func parse_neigh(view *FabricView, toks []string) error {

	if len(toks) != 4 {
		return fmt.Errorf("neigh: expecting 'neigh VPC IP MAC'")
	}
	vpc, err := find_vpc(view, toks[1])
	if err != nil {
		return err
	}
	ip, err := ParseIP(toks[2])
	if err != nil {
		return err
	}
	mac, err := ParseMac(toks[3])
	if err != nil {
		return err
	}
	vpc.neighs.add(NeighEntry{ip: ip, mac: mac, ifc: IFC_ACCESS, perm: true})
	return nil
}

func parse_pool(view *FabricView, toks []string) error {

	if len(toks) != 4 && len(toks) != 6 {
		return fmt.Errorf("pool: expecting 'pool VPC KIND PREFIX [LO HI]'")
	}
	vpc, err := find_vpc(view, toks[1])
	if err != nil {
		return err
	}

	var kind int
	switch toks[2] {
	case "peering":
		kind = POOL_PEERING
	case "external":
		kind = POOL_EXTERNAL
	default:
		return fmt.Errorf("pool: unknown kind: %v", toks[2])
	}

	pfx, err := netip.ParsePrefix(toks[3])
	if err != nil {
		return err
	}

	lo, hi := uint16(1024), uint16(65535)
	if len(toks) == 6 {
		l, err := strconv.ParseUint(toks[4], 10, 16)
		if err != nil {
			return fmt.Errorf("pool: invalid port: %v", toks[4])
		}
		h, err := strconv.ParseUint(toks[5], 10, 16)
		if err != nil {
			return fmt.Errorf("pool: invalid port: %v", toks[5])
		}
		lo, hi = uint16(l), uint16(h)
		if lo == 0 || lo > hi {
			return fmt.Errorf("pool: invalid port range: %v %v", lo, hi)
		}
	}

	pool := get_nat_pool(toks[2], kind, vpc.vni, pfx, lo, hi)
	if kind == POOL_PEERING {
		vpc.peering = pool
	} else {
		vpc.external = pool
	}
	return nil
}

func parse_nat(view *FabricView, toks []string) error {

	if len(toks) != 6 || toks[2] != "static" {
		return fmt.Errorf("nat: expecting 'nat VPC static PRIV:PORT PUB:PORT PROTO'")
	}
	vpc, err := find_vpc(view, toks[1])
	if err != nil {
		return err
	}
	priv, err := parse_ipport(toks[3])
	if err != nil {
		return err
	}
	pub, err := parse_ipport(toks[4])
	if err != nil {
		return err
	}
	proto, err := parse_proto(toks[5])
	if err != nil {
		return err
	}

	pkey := NatKey{ip: priv.ip, port: priv.port, proto: proto}
	bkey := NatKey{ip: pub.ip, port: pub.port, proto: proto}
	if _, dup := vpc.stat_out[pkey]; dup {
		return fmt.Errorf("nat: duplicate static binding for %v", priv)
	}
	if _, dup := vpc.stat_in[bkey]; dup {
		return fmt.Errorf("nat: duplicate static binding for %v", pub)
	}

	b := &Binding{priv: priv, pub: pub, proto: proto} // nil pool, never released
	vpc.stat_out[pkey] = b
	vpc.stat_in[bkey] = b
	return nil
}

func find_vpc(view *FabricView, name string) (*Vpc, error) {

	vpc, ok := view.vpcs[name]
	if !ok {
		return nil, fmt.Errorf("unknown vpc: %v", name)
	}
	return vpc, nil
}

func parse_vni(s string) (uint32, error) {

	vni, err := strconv.ParseUint(s, 10, 32)
	if err != nil || vni == 0 || vni > 0xffffff {
		return 0, fmt.Errorf("invalid vni: %v", s)
	}
	return uint32(vni), nil
}

func parse_vid(s string) (uint16, error) {

	vid, err := strconv.ParseUint(s, 10, 16)
	if err != nil || vid == 0 || vid > 4094 {
		return 0, fmt.Errorf("invalid vlan id: %v", s)
	}
	return uint16(vid), nil
}

func parse_ipport(s string) (IpPort, error) {

	ix := strings.LastIndexByte(s, ':')
	if ix < 0 {
		ip, err := ParseIP(s)
		return IpPort{ip: ip}, err
	}
	ip, err := ParseIP(s[:ix])
	if err != nil {
		return IpPort{}, err
	}
	port, err := strconv.ParseUint(s[ix+1:], 10, 16)
	if err != nil {
		return IpPort{}, fmt.Errorf("invalid port: %v", s[ix+1:])
	}
	return IpPort{ip: ip, port: uint16(port)}, nil
}

func parse_proto(s string) (byte, error) {

	switch strings.ToLower(s) {
	case "tcp":
		return TCP, nil
	case "udp":
		return UDP, nil
	case "icmp":
		return ICMP, nil
	}
	return 0, fmt.Errorf("unknown protocol: %v", s)
}
