package nhdp

import (
	"sort"
	"time"

	"olsrv2d/lib/address"
	"olsrv2d/lib/domain"
)

// Neighbor aggregates every Link sharing the same sender identity
// (spec.md §3 "Neighbor": "a shared originator aggregates links from
// several local interfaces, and an address heard on more than one
// interface without an originator aggregates the same way").
type Neighbor struct {
	// Originator is the neighbor's node-wide address, when known (the
	// message Originator field of a HELLO it sent us). nil until a HELLO
	// carrying one arrives; until then the neighbor is keyed by one of
	// its link addresses (see DB.findOrCreateNeighbor).
	Originator *address.Address

	// OtherFamilyOriginator is the peer's other-family node address,
	// learned from an IPv4-originator/IPv6-originator message-TLV on a
	// HELLO of the opposite family (spec.md §3 "dual-stack partner").
	OtherFamilyOriginator *address.Address

	addresses map[[18]byte]address.Address
	Links     []*Link

	Willingness [domain.MaxDomains]uint8
	// Metric is a representative outgoing-link cost per domain, used as
	// the two-hop cost approximation for this neighbor (spec.md §4.2 is
	// NHDP-only here; exact per-path costing belongs to lib/topology/lib/routing).
	Metric [domain.MaxDomains]uint32

	Symmetric int

	IsMPR         [domain.MaxDomains]bool // we selected this neighbor as an MPR
	IsMPRSelector [domain.MaxDomains]bool // this neighbor selected us as its MPR

	twoHop map[[18]byte]twoHopEntry
}

type twoHopEntry struct {
	Addr     address.Address
	Deadline time.Time
}

func newNeighbor() *Neighbor {
	n := &Neighbor{
		addresses: make(map[[18]byte]address.Address),
		twoHop:    make(map[[18]byte]twoHopEntry),
	}
	for i := range n.Willingness {
		n.Willingness[i] = iface_DefaultWillingness
		n.Metric[i] = 0xFFFFFF // mirrors packet.InfiniteMetric until a HELLO supplies a real link metric
	}
	return n
}

// iface_DefaultWillingness mirrors iface.DefaultWillingness without an
// import cycle concern (none exists, but keeping the literal local avoids
// depending on lib/iface for a single constant used before any HELLO has
// been parsed).
const iface_DefaultWillingness = 7

func (n *Neighbor) addAddress(a address.Address) {
	n.addresses[a.Key()] = a
}

func (n *Neighbor) hasAddress(a address.Address) bool {
	_, ok := n.addresses[a.Key()]
	return ok
}

// Addresses returns every address known for this neighbor.
func (n *Neighbor) Addresses() []address.Address {
	out := make([]address.Address, 0, len(n.addresses))
	for _, a := range n.addresses {
		out = append(out, a)
	}
	return out
}

func (n *Neighbor) recomputeSymmetric() {
	count := 0
	for _, l := range n.Links {
		if l.Status == StatusSymmetric {
			count++
		}
	}
	n.Symmetric = count
}

// recomputeMetric refreshes the per-domain representative outgoing
// metric (the minimum over this neighbor's symmetric links, mirroring
// BestLink's own ordering) whenever a link is added, updated, or lost.
func (n *Neighbor) recomputeMetric() {
	for d := 0; d < domain.MaxDomains; d++ {
		best := uint32(0xFFFFFF) // mirrors packet.InfiniteMetric; see iface_DefaultWillingness for why this package avoids importing packet/iface here
		for _, l := range n.Links {
			if l.Status != StatusSymmetric {
				continue
			}
			if l.OutMetric[d] < best {
				best = l.OutMetric[d]
			}
		}
		n.Metric[d] = best
	}
}

func (n *Neighbor) addTwoHop(a address.Address, deadline time.Time) {
	n.twoHop[a.Key()] = twoHopEntry{Addr: a, Deadline: deadline}
}

func (n *Neighbor) expireTwoHop(now time.Time) {
	for k, e := range n.twoHop {
		if !now.Before(e.Deadline) {
			delete(n.twoHop, k)
		}
	}
}

// BestLink picks the symmetric link to use as this neighbor's next hop
// for domainIdx (spec.md §4.5 "Best link selection"): minimum outgoing
// metric, ties broken by preferring preferredFamily and then by
// interface name.
func (n *Neighbor) BestLink(domainIdx int, preferredFamily address.Family) (*Link, bool) {
	var candidates []*Link
	for _, l := range n.Links {
		if l.Status == StatusSymmetric {
			candidates = append(candidates, l)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.OutMetric[domainIdx] != b.OutMetric[domainIdx] {
			return a.OutMetric[domainIdx] < b.OutMetric[domainIdx]
		}
		ap, bp := a.RemoteAddr.Family == preferredFamily, b.RemoteAddr.Family == preferredFamily
		if ap != bp {
			return ap
		}
		return a.LocalIface.Name < b.LocalIface.Name
	})
	return candidates[0], true
}

func (n *Neighbor) removeLink(l *Link) {
	for i, x := range n.Links {
		if x == l {
			n.Links = append(n.Links[:i], n.Links[i+1:]...)
			return
		}
	}
}
