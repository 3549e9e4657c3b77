// Package topology implements the TC (Topology Control) engine from
// spec.md §4.4: the tc_node / tc_edge / tc_endpoint database built from
// received TC messages, feeding lib/routing's Dijkstra pass.
//
// Grounded on original_source/src/olsrv2/olsrv2_tc.c for the ANSN
// refresh/stale-prune algorithm and the virtual-edge rule, re-expressed
// here as plain Go maps instead of that file's avl_tree-based node/edge
// sets.
package topology

import (
	"encoding/binary"
	"fmt"
	"time"

	"olsrv2d/lib/address"
	"olsrv2d/lib/domain"
	"olsrv2d/lib/dup"
	"olsrv2d/lib/packet"
)

// TCNode is a remote node learned via TC messages (spec.md §3 "tc_node").
type TCNode struct {
	Originator address.Address
	ANSN       uint16
	HasANSN    bool
	Deadline   time.Time

	Edges     map[[18]byte]*TCEdge     // keyed by the target node's originator
	Endpoints map[[18]byte]*TCEndpoint // keyed by prefix address

	// Dijkstra is scratch state lib/routing owns during a recompute pass
	// (spec.md §4.5 "tc_target._dijkstra"); kept here since every
	// tc_target is a *TCNode or *TCEndpoint and the router needs somewhere
	// cheap to stash it without a parallel map.
	Dijkstra DijkstraState
}

// TCEndpoint is a prefix reachable via a TCNode (spec.md §3 "Topology endpoint").
type TCEndpoint struct {
	Node     *TCNode
	Addr     address.Address
	Cost     [domain.MaxDomains]uint32
	Distance [domain.MaxDomains]uint8
	ANSN     uint16

	Dijkstra DijkstraState
}

// TCEdge is a directed edge between two TCNodes (spec.md §3 "Topology edge").
type TCEdge struct {
	From, To *TCNode
	Cost     [domain.MaxDomains]uint32
	ANSN     uint16
	Virtual  bool
}

// DijkstraState is the per-target scratch the router's best-first
// expansion maintains (spec.md §4.5 step 1). FirstHop is an opaque handle
// to the one-hop neighbor that started the winning path — lib/routing
// stashes its own *nhdp.Neighbor here and type-asserts it back on
// emission, so this package stays independent of lib/nhdp.
type DijkstraState struct {
	FirstHop  interface{}
	PathCost  uint32
	Distance  uint8
	SingleHop bool
	Reached   bool
}

func newNode(originator address.Address) *TCNode {
	return &TCNode{
		Originator: originator,
		Edges:      make(map[[18]byte]*TCEdge),
		Endpoints:  make(map[[18]byte]*TCEndpoint),
	}
}

func newCost() [domain.MaxDomains]uint32 {
	var c [domain.MaxDomains]uint32
	for i := range c {
		c[i] = packet.InfiniteMetric
	}
	return c
}

// DB is the single-goroutine-owned topology database.
type DB struct {
	nodes    map[[18]byte]*TCNode
	registry *domain.Registry
}

// NewDB creates an empty topology database bound to reg for resolving a
// TC's per-domain link-metric TLV extension bytes to domain indices.
func NewDB(reg *domain.Registry) *DB {
	return &DB{nodes: make(map[[18]byte]*TCNode), registry: reg}
}

// Node returns the tc_node for originator, if known.
func (db *DB) Node(originator address.Address) (*TCNode, bool) {
	n, ok := db.nodes[originator.Key()]
	return n, ok
}

// Nodes returns every known tc_node.
func (db *DB) Nodes() []*TCNode {
	out := make([]*TCNode, 0, len(db.nodes))
	for _, n := range db.nodes {
		out = append(out, n)
	}
	return out
}

func (db *DB) findOrCreateNode(originator address.Address) *TCNode {
	if n, ok := db.nodes[originator.Key()]; ok {
		return n
	}
	n := newNode(originator)
	db.nodes[originator.Key()] = n
	return n
}

// IngestTC applies one received TC message to the database, implementing
// spec.md §4.4's five-step algorithm. localOriginators are this node's own
// originator addresses, used to reject self-originated loops.
func (db *DB) IngestTC(msg *packet.Message, localOriginators []address.Address, now time.Time) (bool, error) {
	if msg.Originator == nil {
		return false, fmt.Errorf("%w: TC missing originator", packet.ErrUnknownField)
	}
	for _, lo := range localOriginators {
		if lo.EqualAddr(*msg.Originator) {
			return false, nil // (b) loop: silently ignored, not an error
		}
	}

	var ansn uint16
	var validity time.Duration
	haveANSN, haveValidity := false, false
	for _, t := range msg.TLVs {
		switch t.Type {
		case packet.MTLVContentSeqNum:
			if len(t.Value) != 2 {
				return false, fmt.Errorf("%w: ANSN TLV", packet.ErrTLVLengthMismatch)
			}
			ansn = binary.BigEndian.Uint16(t.Value)
			haveANSN = true
		case packet.MTLVValidityTime:
			if len(t.Value) != 1 {
				return false, fmt.Errorf("%w: validity-time TLV", packet.ErrTLVLengthMismatch)
			}
			validity = time.Duration(packet.DecodeTime(t.Value[0])) * time.Millisecond
			haveValidity = true
		}
	}
	if !haveANSN {
		return false, fmt.Errorf("%w: TC missing ANSN", packet.ErrUnknownField)
	}
	if !haveValidity {
		return false, fmt.Errorf("%w: TC missing validity-time", packet.ErrUnknownField)
	}

	node := db.findOrCreateNode(*msg.Originator)
	if node.HasANSN && !dup.SeqNewerOrEqual(node.ANSN, ansn) {
		return false, nil // stale TC: dropped per spec.md §4.4 step 2
	}

	changed := !node.HasANSN || node.ANSN != ansn
	node.ANSN = ansn
	node.HasANSN = true
	node.Deadline = now.Add(validity)

	for _, ab := range msg.Addresses {
		var isOriginator, isRoutable bool
		var gateway *uint8
		cost := newCost()
		touched := false

		for _, t := range ab.TLVs {
			switch t.Type {
			case packet.ATLVNbrAddrType:
				if len(t.Value) != 1 {
					return false, fmt.Errorf("%w: NBR_ADDR_TYPE TLV", packet.ErrTLVLengthMismatch)
				}
				isOriginator = t.Value[0]&packet.NbrAddrOriginator != 0
				isRoutable = t.Value[0]&packet.NbrAddrRoutable != 0
			case packet.ATLVGateway:
				if len(t.Value) != 1 {
					return false, fmt.Errorf("%w: GATEWAY TLV", packet.ErrTLVLengthMismatch)
				}
				v := t.Value[0]
				gateway = &v
			case packet.ATLVLinkMetric:
				if len(t.Value) != 2 {
					return false, fmt.Errorf("%w: link-metric TLV", packet.ErrTLVLengthMismatch)
				}
				dir, metric := packet.SplitMetricTLVValue(binary.BigEndian.Uint16(t.Value))
				if dir&packet.DirOutgoingNeighbor == 0 {
					continue
				}
				if d, ok := db.registry.ByExt(t.ExtType); ok {
					cost[d.Index] = metric
					touched = true
				}
			}
		}

		switch {
		case isOriginator:
			target := db.findOrCreateNode(ab.Addr)
			ek := target.Originator.Key()
			edge, ok := node.Edges[ek]
			if !ok {
				edge = &TCEdge{From: node, To: target}
				node.Edges[ek] = edge
			}
			edge.Cost = cost
			edge.ANSN = ansn
			changed = true
		case isRoutable && gateway != nil:
			epk := ab.Addr.Key()
			ep, ok := node.Endpoints[epk]
			if !ok {
				ep = &TCEndpoint{Node: node, Addr: ab.Addr}
				node.Endpoints[epk] = ep
			}
			ep.Cost = cost
			ep.ANSN = ansn
			if touched {
				for idx, c := range cost {
					if c != packet.InfiniteMetric {
						ep.Distance[idx] = *gateway
					}
				}
			} else {
				ep.Distance[0] = *gateway
			}
			changed = true
		}
	}

	for k, e := range node.Edges {
		if e.ANSN != ansn {
			delete(node.Edges, k)
			changed = true
		}
	}
	for k, e := range node.Endpoints {
		if e.ANSN != ansn {
			delete(node.Endpoints, k)
			changed = true
		}
	}

	db.recomputeVirtualEdges()
	return changed, nil
}

// recomputeVirtualEdges applies spec.md §4.4 step 5: an edge is virtual
// unless the target node has advertised the reverse direction.
func (db *DB) recomputeVirtualEdges() {
	for _, n := range db.nodes {
		for _, e := range n.Edges {
			_, reverse := e.To.Edges[e.From.Originator.Key()]
			e.Virtual = !reverse
		}
	}
}

// Tick expires tc_nodes whose validity has elapsed, along with their
// owned edges/endpoints and any other node's edge pointing at them.
func (db *DB) Tick(now time.Time) bool {
	changed := false
	for k, n := range db.nodes {
		if !now.Before(n.Deadline) {
			delete(db.nodes, k)
			changed = true
		}
	}
	if !changed {
		return false
	}
	for _, n := range db.nodes {
		for k, e := range n.Edges {
			if _, ok := db.nodes[e.To.Originator.Key()]; !ok {
				delete(n.Edges, k)
			}
		}
	}
	db.recomputeVirtualEdges()
	return true
}
