// Package routing implements the Dijkstra route computation and RIB
// diffing from spec.md §4.5: per-domain best-first expansion over the
// topology graph seeded from NHDP's symmetric one-hop neighbors,
// producing a shadow-and-diff pass that yields an ordered stream of
// kernel route operations.
//
// Grounded on original_source/src/olsrv2/olsrv2_routing.c for the
// working-set relaxation and the `_update_routes` operation-ordering
// discipline (re-expressed here as a plain slice-backed working set
// instead of that file's avl_tree/list_head combination — topologies in
// scope for this daemon are small enough that an O(n) minimum scan per
// pop is not worth a heap).
package routing

import (
	"net/netip"
	"sort"

	"olsrv2d/lib/address"
	"olsrv2d/lib/nhdp"
	"olsrv2d/lib/packet"
	"olsrv2d/lib/topology"

	"github.com/gaissmai/bart"
)

// OpKind is the kernel operation a RouteOp requests (spec.md §6 "Route
// install interface": "{ADD | DEL, ...}" — UPDATE collapses into ADD,
// since rtnetlink installs routes with NLM_F_REPLACE regardless of
// whether a prior route occupied the prefix).
type OpKind int

const (
	OpAdd OpKind = iota
	OpDel
)

func (k OpKind) String() string {
	if k == OpDel {
		return "DEL"
	}
	return "ADD"
}

// RouteOp is one kernel route-table operation, emitted in the ordering
// discipline spec.md §4.5 mandates.
type RouteOp struct {
	Op         OpKind
	Family     address.Family
	Dest       netip.Prefix
	NextHop    address.Address
	OutIfIndex int
	Metric     uint32
	ProtocolID uint8
}

// RoutingEntry is one destination's current best route plus the shadow
// state the diff pass compares against (spec.md §4.5 "Diffing").
type RoutingEntry struct {
	Dest       netip.Prefix
	NextHop    address.Address
	OutIfIndex int
	Metric     uint32
	Distance   uint8
	SingleHop  bool

	updated bool // reached in the round just computed

	shadowValid   bool
	shadowNextHop address.Address
	shadowIfIndex int
}

// DB is the per-domain RIB: a map fronted by a bart.Table index for the
// longest-prefix lookups endpoint targets require (spec.md §3 "Topology
// endpoint" reachability is by prefix, not just host address).
type DB struct {
	domainIdx       int
	protocolID      uint8
	preferredFamily address.Family

	entries map[netip.Prefix]*RoutingEntry
	rib     *bart.Table[*RoutingEntry]
}

// NewDB creates an empty RIB for one domain. preferredFamily is the
// dual-stack tie-break family used by best-link selection (spec.md §4.5
// "ties broken by preferring the dual-stack-preferred family").
func NewDB(domainIdx int, protocolID uint8, preferredFamily address.Family) *DB {
	return &DB{
		domainIdx:       domainIdx,
		protocolID:      protocolID,
		preferredFamily: preferredFamily,
		entries:         make(map[netip.Prefix]*RoutingEntry),
		rib:             new(bart.Table[*RoutingEntry]),
	}
}

// Get returns the routing entry for an exact destination prefix.
func (db *DB) Get(dest netip.Prefix) (*RoutingEntry, bool) {
	return db.rib.Get(dest)
}

// Lookup returns the routing entry whose prefix is the longest match
// for addr.
func (db *DB) Lookup(addr netip.Addr) (*RoutingEntry, bool) {
	return db.rib.Lookup(addr)
}

// Entries returns every current routing entry.
func (db *DB) Entries() []*RoutingEntry {
	out := make([]*RoutingEntry, 0, len(db.entries))
	for _, e := range db.entries {
		out = append(out, e)
	}
	return out
}

func (db *DB) addEntry(prefix netip.Prefix) *RoutingEntry {
	if e, ok := db.entries[prefix]; ok {
		return e
	}
	e := &RoutingEntry{Dest: prefix}
	db.entries[prefix] = e
	db.rib.Insert(prefix, e)
	return e
}

// workItem.target is either a *topology.TCNode or a *topology.TCEndpoint; the
// working set stores these interchangeably per spec.md §4.5 "Working set
// stores tc_target handles (nodes or endpoints)".
type workItem struct {
	target   interface{}
	pathCost uint32
	seq      int
}

func dijkstraOf(target interface{}) *topology.DijkstraState {
	switch t := target.(type) {
	case *topology.TCNode:
		return &t.Dijkstra
	case *topology.TCEndpoint:
		return &t.Dijkstra
	default:
		panic("routing: unknown tc_target type")
	}
}

func addrOf(target interface{}) address.Address {
	switch t := target.(type) {
	case *topology.TCNode:
		return t.Originator
	case *topology.TCEndpoint:
		return t.Addr
	default:
		panic("routing: unknown tc_target type")
	}
}

// Recompute runs one full Dijkstra pass over topo for this domain,
// seeded from nbDB's symmetric one-hop neighbors, and returns the
// ordered kernel operations the diff against the previous round yields
// (spec.md §4.5 steps 1-3 plus "Diffing").
func (db *DB) Recompute(topo *topology.DB, nbDB *nhdp.DB) []RouteOp {
	// Step 1: reset every tc_target's scratch state.
	nodes := topo.Nodes()
	for _, n := range nodes {
		n.Dijkstra = topology.DijkstraState{PathCost: packet.InfiniteMetric}
		for _, ep := range n.Endpoints {
			ep.Dijkstra = topology.DijkstraState{PathCost: packet.InfiniteMetric}
		}
	}

	var working []workItem
	seq := 0
	push := func(target interface{}, cost uint32) {
		working = append(working, workItem{target: target, pathCost: cost, seq: seq})
		seq++
	}
	relax := func(target interface{}, newCost uint32, firstHop *nhdp.Neighbor, singleHop bool, distance uint8) {
		state := dijkstraOf(target)
		if newCost < state.PathCost {
			*state = topology.DijkstraState{FirstHop: firstHop, PathCost: newCost, Distance: distance, SingleHop: singleHop, Reached: true}
			push(target, newCost)
		}
	}

	// Step 2: seed the working set from symmetric one-hop neighbors that
	// are also known tc_nodes.
	for _, nb := range nbDB.Neighbors() {
		if nb.Symmetric < 1 {
			continue
		}
		originator := nb.Originator
		if originator == nil {
			originator = nb.OtherFamilyOriginator
		}
		if originator == nil {
			continue
		}
		node, ok := topo.Node(*originator)
		if !ok {
			continue
		}
		cost := nb.Metric[db.domainIdx]
		if cost >= packet.InfiniteMetric {
			continue
		}
		relax(node, cost, nb, true, 0)
	}

	// Step 3: best-first expansion.
	for len(working) > 0 {
		minIdx := 0
		for i := 1; i < len(working); i++ {
			wi, wm := working[i], working[minIdx]
			if wi.pathCost < wm.pathCost || (wi.pathCost == wm.pathCost && wi.seq < wm.seq) {
				minIdx = i
			}
		}
		item := working[minIdx]
		working = append(working[:minIdx], working[minIdx+1:]...)

		state := dijkstraOf(item.target)
		if state.PathCost != item.pathCost {
			continue // superseded by a cheaper path found after this entry was queued
		}

		db.emit(item.target, *state)

		node, ok := item.target.(*topology.TCNode)
		if !ok {
			continue // endpoints are leaves; nothing to relax onward
		}
		for _, e := range node.Edges {
			cost := e.Cost[db.domainIdx]
			if cost >= packet.InfiniteMetric {
				continue
			}
			firstHop, _ := state.FirstHop.(*nhdp.Neighbor)
			relax(e.To, state.PathCost+cost, firstHop, false, state.Distance+1)
		}
		for _, ep := range node.Endpoints {
			cost := ep.Cost[db.domainIdx]
			if cost >= packet.InfiniteMetric {
				continue
			}
			firstHop, _ := state.FirstHop.(*nhdp.Neighbor)
			relax(ep, state.PathCost+cost, firstHop, false, state.Distance+ep.Distance[db.domainIdx])
		}
	}

	return db.diff()
}

// emit materializes target's winning path into a RoutingEntry, deriving
// next-hop/outgoing-interface from the winning first_hop's best_link
// (spec.md §4.5 step 3).
func (db *DB) emit(target interface{}, state topology.DijkstraState) {
	nb, ok := state.FirstHop.(*nhdp.Neighbor)
	if !ok {
		return
	}
	link, ok := nb.BestLink(db.domainIdx, db.preferredFamily)
	if !ok {
		return // no symmetric link survived to emission time; treated as unreached this round
	}

	entry := db.addEntry(addrOf(target).Prefix())
	entry.NextHop = link.RemoteAddr
	entry.OutIfIndex = link.LocalIface.Index
	entry.Metric = state.PathCost
	entry.Distance = state.Distance
	entry.SingleHop = state.SingleHop
	entry.updated = true
}

// diff implements spec.md §4.5's "Diffing" and operation-ordering
// discipline: single-hop INSERT/UPDATE, multi-hop INSERT/UPDATE,
// multi-hop REMOVE, single-hop REMOVE — so a next hop is always
// installed before anything that depends on it, and torn down only
// after nothing depends on it any more.
func (db *DB) diff() []RouteOp {
	var singleUp, multiUp, singleDown, multiDown []RouteOp

	for prefix, e := range db.entries {
		if e.updated {
			changed := !e.shadowValid || !e.shadowNextHop.Equal(e.NextHop) || e.shadowIfIndex != e.OutIfIndex
			if changed {
				op := db.routeOp(OpAdd, prefix, e)
				if e.SingleHop {
					singleUp = append(singleUp, op)
				} else {
					multiUp = append(multiUp, op)
				}
			}
			e.shadowValid = true
			e.shadowNextHop = e.NextHop
			e.shadowIfIndex = e.OutIfIndex
			e.updated = false
			continue
		}

		op := db.routeOp(OpDel, prefix, e)
		if e.SingleHop {
			singleDown = append(singleDown, op)
		} else {
			multiDown = append(multiDown, op)
		}
		db.rib.Delete(prefix)
		delete(db.entries, prefix)
	}

	sortOps(singleUp)
	sortOps(multiUp)
	sortOps(multiDown)
	sortOps(singleDown)

	ops := make([]RouteOp, 0, len(singleUp)+len(multiUp)+len(multiDown)+len(singleDown))
	ops = append(ops, singleUp...)
	ops = append(ops, multiUp...)
	ops = append(ops, multiDown...)
	ops = append(ops, singleDown...)
	return ops
}

// sortOps gives each ordering bucket a deterministic internal order
// (by destination) so repeated recomputes over unchanged state produce
// byte-identical op streams — useful for tests and idempotence checks.
func sortOps(ops []RouteOp) {
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].Dest.String() < ops[j].Dest.String()
	})
}

func (db *DB) routeOp(op OpKind, prefix netip.Prefix, e *RoutingEntry) RouteOp {
	fam := address.FamilyV6
	if prefix.Addr().Is4() {
		fam = address.FamilyV4
	}
	return RouteOp{
		Op:         op,
		Family:     fam,
		Dest:       prefix,
		NextHop:    e.NextHop,
		OutIfIndex: e.OutIfIndex,
		Metric:     e.Metric,
		ProtocolID: db.protocolID,
	}
}
