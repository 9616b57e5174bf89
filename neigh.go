/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

/* Neighbor table

Maps an IP next hop to its link layer address on the egress interface.
Entries come from config and are published immutably in the FabricView.
A lookup miss does not block the pipeline: the frame is dropped, a counter
bumped, and the address is posted to the resolver queue so the control
plane can try to learn it. Repeated misses for the same address collapse
into one pending request.
*/

type NeighEntry struct {
	ip    IP
	mac   Mac
	ifc   IfcID
	perm  bool // from config, not subject to staleness
}

type NeighTable struct {
	ents map[IP]NeighEntry
}

func new_neigh_table() *NeighTable {
	return &NeighTable{ents: make(map[IP]NeighEntry)}
}

func (nt *NeighTable) add(ne NeighEntry) {
	nt.ents[ne.ip] = ne
}

func (nt *NeighTable) lookup(ip IP) (NeighEntry, bool) {

	ne, ok := nt.ents[ip]
	return ne, ok
}

// Resolver queue. Posting never blocks: if the queue is full the miss
// counter already tells the story and the next packet will retry.
var resolvq = make(chan IP, 64)

func post_resolve(ip IP) {

	select {
	case resolvq <- ip:
	default:
	}
}

// Drain resolver requests. There is no ARP/ND machinery here, resolution
// comes from config reloads, so this goroutine only logs distinct misses.
func neigh_resolver() {

	pending := make(map[IP]bool)

	for ip := range resolvq {
		if !pending[ip] {
			pending[ip] = true
			log.info("neigh: no entry for %v, awaiting config", ip)
		}
		if len(pending) > 1024 {
			pending = make(map[IP]bool)
		}
	}
}
