package nhdp

import (
	"encoding/binary"
	"fmt"
	"time"

	"olsrv2d/lib/address"
	"olsrv2d/lib/domain"
	"olsrv2d/lib/iface"
	"olsrv2d/lib/packet"
)

type linkKey struct {
	ifaceName string
	addr      [18]byte
}

// DB is the single-goroutine-owned NHDP link/neighbor table (spec.md
// §4.2). It holds every Link keyed by (local interface, remote address)
// and every Neighbor those links aggregate into.
//
// Grounded on original_source/src/nhdp/nhdp_interfaces.c and
// nhdp_writer.c for the link/neighbor lifecycle this reproduces, and on
// spec.md §4.2 for the exact per-HELLO update algorithm.
type DB struct {
	links         map[linkKey]*Link
	neighbors     map[[18]byte]*Neighbor // keyed by originator addr, or a link addr for anonymous neighbors
	neighborByAddr map[[18]byte]*Neighbor
	registry      *domain.Registry
}

// NewDB creates an empty NHDP database bound to reg for mapping a
// HELLO's per-domain willingness TLVs (keyed by extension byte) onto
// domain indices.
func NewDB(reg *domain.Registry) *DB {
	return &DB{
		links:          make(map[linkKey]*Link),
		neighbors:      make(map[[18]byte]*Neighbor),
		neighborByAddr: make(map[[18]byte]*Neighbor),
		registry:       reg,
	}
}

// helloSignals is everything extracted from a HELLO message before any
// state is mutated, so a malformed message can be rejected with zero
// side effects (spec.md §4.2 "a malformed HELLO is dropped without
// mutating any state").
type helloSignals struct {
	validity     time.Duration
	sig          symSignal
	localIfAddrs []address.Address // sender's addresses on this/other interfaces (LOCAL_IF)
	twoHop       []address.Address // sender's other symmetric one-hop neighbors (2-hop for us)
	willingness  map[int]uint8     // domain index -> willingness
	otherFamily  *address.Address

	// outMetric is this link's per-domain outgoing cost, read off the
	// sender's link-metric TLV on the address entry describing us
	// (spec.md §4.6 "per-domain metric TLVs"): the sender's DirIncomingLink
	// value is what it measured receiving from us, i.e. our cost sending
	// to it. The reverse direction is never taken on trust — our own
	// incoming cost is always recomputed locally, never from a peer's TLV.
	outMetric [domain.MaxDomains]uint32
	sawMetric bool
}

// IngestHello applies one received HELLO to the database. localAddrs is
// the full set of this node's own addresses (across every interface) the
// sender's LINK_STATUS/OTHER_NEIGHB entries are matched against. Returns
// whether any link/neighbor state actually changed.
func (db *DB) IngestHello(li *iface.Interface, sender address.Address, msg *packet.Message, localAddrs []address.Address, now time.Time) (bool, error) {
	sig, err := db.parseHello(msg, localAddrs)
	if err != nil {
		return false, err
	}

	lk := linkKey{ifaceName: li.Name, addr: sender.Key()}
	l, ok := db.links[lk]
	if !ok {
		l = newLink(li, sender, li.LinkHoldTime)
		db.links[lk] = l
	}

	changed := l.observe(sig.validity, sig.sig, now)

	// Every received HELLO is itself a fresh local observation of this
	// link, so the registered metric plugin gets a chance to refresh our
	// own incoming cost regardless of what the sender's TLVs say (spec.md
	// §4.3 "set by an external plugin via set_incoming_metric").
	for _, d := range db.registry.All() {
		l.InMetric[d.Index] = d.Metric.ComputeIncomingMetric(l.InMetric[d.Index])
	}
	if sig.sawMetric {
		for i := range l.OutMetric {
			if sig.outMetric[i] != packet.InfiniteMetric {
				l.OutMetric[i] = sig.outMetric[i]
			}
		}
	}

	nb := db.findOrCreateNeighbor(msg.Originator, sender)
	if l.Neighbor != nb {
		if l.Neighbor != nil {
			l.Neighbor.removeLink(l)
		}
		l.Neighbor = nb
		nb.Links = append(nb.Links, l)
		changed = true
	}
	if msg.Originator != nil && nb.Originator == nil {
		o := *msg.Originator
		nb.Originator = &o
		db.neighbors[o.Key()] = nb
		changed = true
	}
	nb.addAddress(sender)
	db.neighborByAddr[sender.Key()] = nb
	for _, a := range sig.localIfAddrs {
		nb.addAddress(a)
		db.neighborByAddr[a.Key()] = nb
	}
	if sig.otherFamily != nil {
		nb.OtherFamilyOriginator = sig.otherFamily
		if other, ok := db.neighborByAddr[sig.otherFamily.Key()]; ok && other != nb {
			db.mergeNeighbors(nb, other)
		}
	}
	for idx, w := range sig.willingness {
		if nb.Willingness[idx] != w {
			nb.Willingness[idx] = w
			changed = true
		}
	}
	for _, a := range sig.twoHop {
		nb.addTwoHop(a, now.Add(sig.validity))
	}

	nb.recomputeSymmetric()
	nb.recomputeMetric()
	db.pairDualStack(l)

	return changed, nil
}

func (db *DB) parseHello(msg *packet.Message, localAddrs []address.Address) (helloSignals, error) {
	var out helloSignals
	out.willingness = map[int]uint8{}
	for i := range out.outMetric {
		out.outMetric[i] = packet.InfiniteMetric
	}

	foundValidity := false
	for _, t := range msg.TLVs {
		switch t.Type {
		case packet.MTLVValidityTime:
			if len(t.Value) != 1 {
				return out, fmt.Errorf("%w: validity-time TLV", packet.ErrTLVLengthMismatch)
			}
			out.validity = time.Duration(packet.DecodeTime(t.Value[0])) * time.Millisecond
			foundValidity = true
		case packet.MTLVWillingness:
			if len(t.Value) != 1 {
				return out, fmt.Errorf("%w: willingness TLV", packet.ErrTLVLengthMismatch)
			}
			d, ok := db.registry.ByExt(t.ExtType)
			if ok {
				out.willingness[d.Index] = t.Value[0]
			}
		case packet.MTLVOtherOriginator:
			if len(t.Value) != 4 && len(t.Value) != 16 {
				return out, fmt.Errorf("%w: other-originator TLV", packet.ErrBadAddressLength)
			}
			fam := address.FamilyV4
			if len(t.Value) == 16 {
				fam = address.FamilyV6
			}
			var a address.Address
			a.Family = fam
			copy(a.Bytes[:], t.Value)
			a.PrefixLen = uint8(len(t.Value)) * 8
			out.otherFamily = &a
		}
	}
	if !foundValidity {
		return out, fmt.Errorf("%w: HELLO missing validity-time", packet.ErrUnknownField)
	}

	isLocal := func(a address.Address) bool {
		for _, la := range localAddrs {
			if la.EqualAddr(a) {
				return true
			}
		}
		return false
	}

	for _, ab := range msg.Addresses {
		for _, t := range ab.TLVs {
			switch t.Type {
			case packet.ATLVLocalIface:
				out.localIfAddrs = append(out.localIfAddrs, ab.Addr)
			case packet.ATLVLinkStatus, packet.ATLVOtherNeighb:
				if len(t.Value) != 1 {
					return out, fmt.Errorf("%w: link-status TLV", packet.ErrTLVLengthMismatch)
				}
				if isLocal(ab.Addr) {
					switch t.Value[0] {
					case packet.LinkStatusSymmetric, packet.LinkStatusHeard:
						out.sig = symHeardOrSym
					case packet.LinkStatusLost:
						if out.sig == symNone {
							out.sig = symLost
						}
					}
				} else if t.Value[0] == packet.LinkStatusSymmetric {
					out.twoHop = append(out.twoHop, ab.Addr)
				}
			case packet.ATLVLinkMetric:
				if !isLocal(ab.Addr) {
					continue
				}
				if len(t.Value) != 2 {
					return out, fmt.Errorf("%w: link-metric TLV", packet.ErrTLVLengthMismatch)
				}
				d, ok := db.registry.ByExt(t.ExtType)
				if !ok {
					continue
				}
				dir, metric := packet.SplitMetricTLVValue(binary.BigEndian.Uint16(t.Value))
				if dir&packet.DirIncomingLink != 0 {
					out.outMetric[d.Index] = metric
					out.sawMetric = true
				}
			}
		}
	}
	return out, nil
}

// findOrCreateNeighbor looks a neighbor up by originator (when present)
// or by one of its known link addresses, creating one if none matches.
func (db *DB) findOrCreateNeighbor(originator *address.Address, linkAddr address.Address) *Neighbor {
	if originator != nil {
		if nb, ok := db.neighbors[originator.Key()]; ok {
			return nb
		}
	}
	if nb, ok := db.neighborByAddr[linkAddr.Key()]; ok {
		return nb
	}
	nb := newNeighbor()
	key := linkAddr.Key()
	if originator != nil {
		o := *originator
		nb.Originator = &o
		key = o.Key()
	}
	db.neighbors[key] = nb
	db.neighborByAddr[linkAddr.Key()] = nb
	return nb
}

// mergeNeighbors folds drop into keep: this is how two Neighbor records
// created independently for a peer's IPv4 and IPv6 Originator addresses
// get unified once an IPv4-originator/IPv6-originator TLV links them
// (spec.md §3 "a shared originator aggregates links... An address heard
// on more than one interface without an originator aggregates the same
// way" — the dual-stack case is the same idea applied across families).
func (db *DB) mergeNeighbors(keep, drop *Neighbor) {
	for _, l := range drop.Links {
		l.Neighbor = keep
		keep.Links = append(keep.Links, l)
	}
	drop.Links = nil

	for k, a := range drop.addresses {
		keep.addresses[k] = a
		db.neighborByAddr[k] = keep
	}
	for k, e := range drop.twoHop {
		keep.twoHop[k] = e
	}

	if drop.Originator != nil {
		delete(db.neighbors, drop.Originator.Key())
		if keep.Originator == nil {
			keep.Originator = drop.Originator
			db.neighbors[drop.Originator.Key()] = keep
		}
	}
	for idx, w := range drop.Willingness {
		if keep.Willingness[idx] == iface_DefaultWillingness && w != iface_DefaultWillingness {
			keep.Willingness[idx] = w
		}
	}
}

// pairDualStack links l with its IPv4/IPv6 twin over the same local
// interface and neighbor, once both sides are known (spec.md §3
// "dual-stack partner link").
func (db *DB) pairDualStack(l *Link) {
	if l.Neighbor == nil || l.DualStackPartner != nil {
		return
	}
	for _, other := range l.Neighbor.Links {
		if other == l || other.LocalIface != l.LocalIface {
			continue
		}
		if other.RemoteAddr.Family == l.RemoteAddr.Family {
			continue
		}
		l.DualStackPartner = other
		other.DualStackPartner = l
		return
	}
}

// Tick drives timer-based expiry across every link (heard/symmetric
// validity, link-hold) and every neighbor's two-hop set, deleting
// whatever has expired. Call periodically from the core event loop.
func (db *DB) Tick(now time.Time) bool {
	changed := false
	for k, l := range db.links {
		prev := l.Status
		l.recompute(now)
		if l.Status != prev {
			changed = true
		}
		if l.expired(now) {
			delete(db.links, k)
			if l.Neighbor != nil {
				l.Neighbor.removeLink(l)
				l.Neighbor.recomputeSymmetric()
				l.Neighbor.recomputeMetric()
			}
			if l.DualStackPartner != nil {
				l.DualStackPartner.DualStackPartner = nil
			}
			changed = true
		}
	}
	for addr, nb := range db.neighborByAddr {
		nb.expireTwoHop(now)
		if len(nb.Links) == 0 {
			delete(db.neighborByAddr, addr)
		}
	}
	for key, nb := range db.neighbors {
		if len(nb.Links) == 0 {
			delete(db.neighbors, key)
		}
	}
	return changed
}

// Link returns the link for (local interface name, remote address), if any.
func (db *DB) Link(ifaceName string, remote address.Address) (*Link, bool) {
	l, ok := db.links[linkKey{ifaceName: ifaceName, addr: remote.Key()}]
	return l, ok
}

// Neighbors returns every known neighbor, in no particular order.
func (db *DB) Neighbors() []*Neighbor {
	seen := make(map[*Neighbor]bool)
	out := make([]*Neighbor, 0, len(db.neighbors))
	for _, nb := range db.neighbors {
		if !seen[nb] {
			seen[nb] = true
			out = append(out, nb)
		}
	}
	for _, nb := range db.neighborByAddr {
		if !seen[nb] {
			seen[nb] = true
			out = append(out, nb)
		}
	}
	return out
}

// Links returns every link, in no particular order.
func (db *DB) Links() []*Link {
	out := make([]*Link, 0, len(db.links))
	for _, l := range db.links {
		out = append(out, l)
	}
	return out
}

// NeighborhoodFor returns the domain.Neighborhood view of this database
// for the given domain index, for use by that domain's MPRHandler.
func (db *DB) NeighborhoodFor(domainIdx int) domain.Neighborhood {
	return &neighborhoodView{db: db, domainIdx: domainIdx}
}

type neighborhoodView struct {
	db        *DB
	domainIdx int
}

func (v *neighborhoodView) OneHop() []domain.OneHopNeighbor {
	var out []domain.OneHopNeighbor
	for _, nb := range v.db.Neighbors() {
		if nb.Symmetric == 0 {
			continue
		}
		out = append(out, domain.OneHopNeighbor{ID: nb, Willingness: nb.Willingness[v.domainIdx]})
	}
	return out
}

// TwoHop reports every two-hop address learned through id. Each entry's
// Cost is id's own representative link metric (Neighbor.Metric), not a
// per-two-hop metric: HELLO ingest does not record the metric the sender
// advertises towards each of its own neighbors.
func (v *neighborhoodView) TwoHop(id domain.NeighborID) []domain.TwoHop {
	nb, ok := id.(*Neighbor)
	if !ok {
		return nil
	}
	var out []domain.TwoHop
	for key := range nb.twoHop {
		if _, isOneHop := v.db.neighborByAddr[key]; isOneHop {
			continue // already a direct symmetric neighbor, not genuinely two-hop
		}
		out = append(out, domain.TwoHop{ID: key, Cost: nb.Metric[v.domainIdx]})
	}
	return out
}
