/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
)

/* NAT pools

A pool hands out public (ip, port) pairs from a configured prefix and port
range. Pairs are never pre-enumerated. A cursor walks fresh pairs and a
freelist recycles released ones, so memory tracks the number of live
bindings, not the size of the address space.

Pools survive config reloads: live bindings must not be invalidated by a
reload, so pools are kept in a registry keyed by vni and name, and a reload
reattaches rather than recreates them.
*/

const (
	POOL_PEERING  = iota + 1 // source rewrite for vpc-to-vpc across gateways
	POOL_EXTERNAL            // source rewrite for vpc-to-external
)

func pool_kind_name(kind int) string {

	switch kind {
	case POOL_PEERING:
		return "peering"
	case POOL_EXTERNAL:
		return "external"
	}
	return fmt.Sprintf("pool(%v)", kind)
}

type IpPort struct {
	ip   IP
	port uint16
}

func (ipp IpPort) String() string {
	return fmt.Sprintf("%v:%v", ipp.ip, ipp.port)
}

// A lease on a public address. Static bindings have a nil pool and are
// never released. The refs count lets related flows share their parent's
// lease, the pool slot goes back only when the last holder lets go.
type Binding struct {
	priv     IpPort
	pub      IpPort
	proto    byte
	pool     *NatPool
	refs     atomic.Int32
	released atomic.Bool
}

func (b *Binding) retain() {
	b.refs.Add(1)
}

// Idempotent. Concurrent or repeated releases free the pool slot once.
func (b *Binding) release() {

	if b == nil || b.pool == nil {
		return
	}
	if b.refs.Add(-1) > 0 {
		return
	}
	if b.released.CompareAndSwap(false, true) {
		b.pool.put_back(b.pub)
	}
}

type NatPool struct {
	name    string
	kind    int
	vni     uint32
	pfx     netip.Prefix
	port_lo uint16
	port_hi uint16

	mtx      sync.Mutex
	cur      netip.Addr // next fresh ip for (ip, port) pairs
	cur_port uint16
	free     []IpPort
	used     map[IpPort]bool

	cur_ip  netip.Addr // next fresh ip for ip-only leases
	free_ip []IP
	used_ip map[IP]bool
}

func new_nat_pool(name string, kind int, vni uint32, pfx netip.Prefix, lo, hi uint16) *NatPool {

	pfx = pfx.Masked()
	return &NatPool{
		name:     name,
		kind:     kind,
		vni:      vni,
		pfx:      pfx,
		port_lo:  lo,
		port_hi:  hi,
		cur:      pfx.Addr(),
		cur_port: lo,
		used:     make(map[IpPort]bool),
		cur_ip:   pfx.Addr(),
		used_ip:  make(map[IP]bool),
	}
}

// Draw a public (ip, port) pair. Returns false when the pool is exhausted.
func (p *NatPool) allocate(priv IpPort, proto byte) (*Binding, bool) {

	p.mtx.Lock()
	defer p.mtx.Unlock()

	var pub IpPort

	if n := len(p.free); n > 0 {
		pub = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		for {
			if !p.pfx.Contains(p.cur) {
				stats.pool_exhausted.Add(1)
				return nil, false
			}
			pub = IpPort{IP(p.cur), p.cur_port}
			if p.cur_port < p.port_hi {
				p.cur_port++
			} else {
				p.cur_port = p.port_lo
				p.cur = p.cur.Next()
			}
			if !p.used[pub] {
				break
			}
		}
	}

	p.used[pub] = true

	b := &Binding{priv: priv, pub: pub, proto: proto, pool: p}
	b.refs.Store(1)
	return b, true
}

// Draw a whole public ip, for protocols without ports.
func (p *NatPool) allocate_ip(priv IP, proto byte) (*Binding, bool) {

	p.mtx.Lock()
	defer p.mtx.Unlock()

	var pub IP

	if n := len(p.free_ip); n > 0 {
		pub = p.free_ip[n-1]
		p.free_ip = p.free_ip[:n-1]
	} else {
		for {
			if !p.pfx.Contains(p.cur_ip) {
				stats.pool_exhausted.Add(1)
				return nil, false
			}
			pub = IP(p.cur_ip)
			p.cur_ip = p.cur_ip.Next()
			if !p.used_ip[pub] {
				break
			}
		}
	}

	p.used_ip[pub] = true

	b := &Binding{priv: IpPort{ip: priv}, pub: IpPort{ip: pub}, proto: proto, pool: p}
	b.refs.Store(1)
	return b, true
}

// Reclaim a restored binding's public pair so the cursor and fresh
// allocations cannot hand it out again.
func (p *NatPool) adopt(b *Binding) {

	p.mtx.Lock()
	defer p.mtx.Unlock()

	if !p.pfx.Contains(b.pub.ip.Addr()) {
		log.err("pool %v: restored binding %v outside prefix %v, ignoring", p.name, b.pub, p.pfx)
		return
	}
	b.pool = p
	if b.pub.port == 0 && !proto_has_ports(b.proto) {
		p.used_ip[b.pub.ip] = true
	} else {
		p.used[b.pub] = true
	}
}

func (p *NatPool) put_back(pub IpPort) {

	p.mtx.Lock()
	defer p.mtx.Unlock()

	if pub.port == 0 {
		if p.used_ip[pub.ip] {
			delete(p.used_ip, pub.ip)
			p.free_ip = append(p.free_ip, pub.ip)
		}
	} else {
		if p.used[pub] {
			delete(p.used, pub)
			p.free = append(p.free, pub)
		}
	}
}

// Number of live leases.
func (p *NatPool) occupancy() int {

	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.used) + len(p.used_ip)
}

/* Pool registry

Keyed by vni and pool name. Config reloads fetch existing pools from here
so bindings handed out before the reload stay valid.
*/

var nat_pools = struct {
	sync.Mutex
	pools map[string]*NatPool
}{pools: make(map[string]*NatPool)}

func pool_key(vni uint32, name string) string {
	return fmt.Sprintf("%v/%v", vni, name)
}

// Fetch or create a pool. A reload that changes a pool's prefix or port
// range gets a fresh pool, old bindings drain back into the abandoned one.
func get_nat_pool(name string, kind int, vni uint32, pfx netip.Prefix, lo, hi uint16) *NatPool {

	nat_pools.Lock()
	defer nat_pools.Unlock()

	key := pool_key(vni, name)
	if p, ok := nat_pools.pools[key]; ok {
		if p.kind == kind && p.pfx == pfx.Masked() && p.port_lo == lo && p.port_hi == hi {
			return p
		}
		log.info("pool %v: definition changed, replacing", key)
	}
	p := new_nat_pool(name, kind, vni, pfx, lo, hi)
	nat_pools.pools[key] = p
	return p
}
