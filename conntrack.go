/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

/* Connection tracking

One logical connection is a single shared entry referenced from two
directional tables: the egress table keyed by the tuple as seen leaving the
vpc (private src) and the ingress table keyed by the tuple as seen arriving
from the fabric (public dst). Either direction finds the same entry, so
state transitions and the NAT binding are always consistent between the
two views.

Tables are per vpc and capped. Idle entries age out via the expirable lru.
The lru invokes evict callbacks with its internal lock held, so a callback
must never remove from either table: it only retires the entry (returns the
NAT lease, asks the offload layer to forget the flow). The counterpart slot
lingers as a retired stub until its own expiry or until a lookup trips over
it and clears it. The gone flag makes retirement race free: whichever path
fires first wins, later ones no-op.

Two workers racing to create the same flow both call insert_pair. The last
writer wins both slots, the earlier entry is displaced and retired so its
lease goes back to the pool.

Tables live in a registry keyed by vni and survive config reloads, a
reload must not reset established connections.
*/

const (
	CONN_NEW = iota + 1
	CONN_ESTABLISHED
	CONN_RELATED
	CONN_CLOSING
	CONN_INVALID
)

func conn_state_name(state int32) string {

	switch state {
	case CONN_NEW:
		return "new"
	case CONN_ESTABLISHED:
		return "established"
	case CONN_RELATED:
		return "related"
	case CONN_CLOSING:
		return "closing"
	case CONN_INVALID:
		return "invalid"
	}
	return fmt.Sprintf("state(%v)", state)
}

const (
	DIR_EGRESS  = iota + 1 // vpc toward fabric/external
	DIR_INGRESS            // fabric/external toward vpc
)

type ConnEntry struct {
	vni       uint32
	proto     byte
	inner     Tuple // egress table key, private source view
	outer     Tuple // ingress table key, public destination view
	state     atomic.Int32
	initiator int // direction that created the entry
	bind      *Binding
	offloaded atomic.Bool
	gone      atomic.Bool
}

func (e *ConnEntry) String() string {
	return fmt.Sprintf("conn vni(%v) %v | %v %v",
		e.vni, e.inner, e.outer, conn_state_name(e.state.Load()))
}

// Record traffic in the given direction. Returns true when the entry was
// just promoted from new/related to established, which is the point where
// the flow becomes eligible for offload.
func (e *ConnEntry) saw(dir int) bool {

	if dir == e.initiator {
		return false
	}
	st := e.state.Load()
	if st == CONN_NEW || st == CONN_RELATED {
		return e.state.CompareAndSwap(st, CONN_ESTABLISHED)
	}
	return false
}

// TCP flag driven transitions. RST on a live connection tears it down at
// once, FIN moves it to closing where it stops being refreshed and ages
// out. Flags that make no sense for the state (RST on a connection that
// never completed, a new SYN midstream) mark the entry invalid: further
// packets on it drop without touching the allocator.
func (e *ConnEntry) tcp_update(flags byte) (closing, reset bool) {

	st := e.state.Load()

	if flags&TCP_RST != 0 {
		if st == CONN_NEW || st == CONN_RELATED {
			e.state.Store(CONN_INVALID)
			return false, false
		}
		return false, true
	}
	if flags&TCP_SYN != 0 && (st == CONN_ESTABLISHED || st == CONN_CLOSING) {
		e.state.Store(CONN_INVALID)
		return false, false
	}
	if flags&TCP_FIN != 0 {
		e.state.Store(CONN_CLOSING)
		return true, false
	}
	return false, false
}

func new_conn_entry(vni uint32, inner, outer Tuple, bind *Binding, initiator int, state int32) *ConnEntry {

	e := &ConnEntry{
		vni:       vni,
		proto:     inner.proto,
		inner:     inner,
		outer:     outer,
		bind:      bind,
		initiator: initiator,
	}
	e.state.Store(state)
	return e
}

type ConnTabs struct {
	vni     uint32
	egress  *expirable.LRU[Tuple, *ConnEntry]
	ingress *expirable.LRU[Tuple, *ConnEntry]
	expect  *lru.Cache[Tuple, *ConnEntry] // tuple -> parent connection
}

func new_conn_tabs(vni uint32, max int, ttl time.Duration) *ConnTabs {

	ct := &ConnTabs{vni: vni}

	// the lru holds its internal lock while running the callback, so the
	// callback must not touch either table or two tables evicting at the
	// same time would deadlock on each other
	ct.egress = expirable.NewLRU[Tuple, *ConnEntry](max,
		func(key Tuple, e *ConnEntry) { ct.retire(e) }, ttl)
	ct.ingress = expirable.NewLRU[Tuple, *ConnEntry](max,
		func(key Tuple, e *ConnEntry) { ct.retire(e) }, ttl)

	expect, err := lru.NewWithEvict[Tuple, *ConnEntry](max/4+1,
		func(key Tuple, parent *ConnEntry) { parent.bind.release() })
	if err != nil {
		log.fatal("conntrack: cannot create expectation table: %v", err)
	}
	ct.expect = expect

	return ct
}

// Finalize an entry: return the NAT lease, forget the offload. Does not
// touch the tables, callers remove the slots where it is safe to do so.
func (ct *ConnTabs) retire(e *ConnEntry) {

	if !e.gone.CompareAndSwap(false, true) {
		return
	}
	if e.bind != nil {
		e.bind.release()
		if e.bind.released.Load() {
			db_del_binding(e.vni, e.bind)
		}
	}
	if e.offloaded.Load() {
		offload_remove(e)
	}
	stats.conn_expired.Add(1)
	log.debug("conntrack: removed %v", e)
}

// Look up by the egress view and refresh the idle timer. Both directional
// slots are refreshed: a flow with sustained one-way traffic is not idle
// and must not lose its reverse slot. Closing entries are left to age out,
// retired stubs are cleared on sight.
func (ct *ConnTabs) lookup_egress(tup Tuple) (*ConnEntry, bool) {

	e, ok := ct.egress.Get(tup)
	if !ok {
		return nil, false
	}
	if e.gone.Load() {
		ct.egress.Remove(tup)
		return nil, false
	}
	if st := e.state.Load(); st != CONN_CLOSING && st != CONN_INVALID {
		ct.egress.Add(tup, e)
		ct.ingress.Add(e.outer, e)
	}
	return e, true
}

func (ct *ConnTabs) lookup_ingress(tup Tuple) (*ConnEntry, bool) {

	e, ok := ct.ingress.Get(tup)
	if !ok {
		return nil, false
	}
	if e.gone.Load() {
		ct.ingress.Remove(tup)
		return nil, false
	}
	if st := e.state.Load(); st != CONN_CLOSING && st != CONN_INVALID {
		ct.ingress.Add(tup, e)
		ct.egress.Add(e.inner, e)
	}
	return e, true
}

// Install the entry under both directional keys. Adding over an existing
// key replaces the value without running the evict callback, so an entry
// already sitting in either slot is displaced explicitly: the last writer
// owns both slots, the displaced entry's lease goes back to its pool.
func (ct *ConnTabs) insert_pair(e *ConnEntry) {

	if old, ok := ct.egress.Peek(e.inner); ok && old != e {
		ct.displace(old)
	}
	if old, ok := ct.ingress.Peek(e.outer); ok && old != e {
		ct.displace(old)
	}
	ct.egress.Add(e.inner, e)
	ct.ingress.Add(e.outer, e)
	stats.conn_created.Add(1)
	log.debug("conntrack: created %v", e)
}

func (ct *ConnTabs) displace(old *ConnEntry) {

	ct.retire(old)
	ct.egress.Remove(old.inner)
	ct.ingress.Remove(old.outer)
}

// Retire the entry and clear both slots, but only the slots it still owns,
// a slot taken over by a newer entry is left alone.
func (ct *ConnTabs) remove_pair(e *ConnEntry) {

	ct.retire(e)
	if oe, ok := ct.egress.Peek(e.inner); ok && oe == e {
		ct.egress.Remove(e.inner)
	}
	if oe, ok := ct.ingress.Peek(e.outer); ok && oe == e {
		ct.ingress.Remove(e.outer)
	}
}

// Register an expected related flow, eg. an ICMP error for an active
// connection. The parent's NAT lease is retained so it cannot be returned
// to the pool while the expectation is pending.
func (ct *ConnTabs) expect_related(tup Tuple, parent *ConnEntry) {

	parent.bind.retain()
	ct.expect.Add(tup, parent)
}

// Claim a pending expectation. The extra retain covers the new connection,
// the expectation's own hold is dropped by the evict callback on Remove.
func (ct *ConnTabs) take_expected(tup Tuple) (*ConnEntry, bool) {

	parent, ok := ct.expect.Get(tup)
	if !ok {
		return nil, false
	}
	parent.bind.retain()
	ct.expect.Remove(tup)
	return parent, true
}

func (ct *ConnTabs) num_conns() int {
	return ct.egress.Len()
}

/* Registry */

var conn_reg = struct {
	sync.Mutex
	tabs map[uint32]*ConnTabs
}{tabs: make(map[uint32]*ConnTabs)}

func get_conn_tabs(vni uint32) *ConnTabs {

	conn_reg.Lock()
	defer conn_reg.Unlock()

	ct, ok := conn_reg.tabs[vni]
	if !ok {
		ct = new_conn_tabs(vni, cli.maxconns, cli.connttl)
		conn_reg.tabs[vni] = ct
	}
	return ct
}

func all_conn_tabs() []*ConnTabs {

	conn_reg.Lock()
	defer conn_reg.Unlock()

	tabs := make([]*ConnTabs, 0, len(conn_reg.tabs))
	for _, ct := range conn_reg.tabs {
		tabs = append(tabs, ct)
	}
	return tabs
}
