package routing

import (
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"olsrv2d/lib/address"
	"olsrv2d/lib/domain"
	"olsrv2d/lib/iface"
	"olsrv2d/lib/nhdp"
	"olsrv2d/lib/packet"
	"olsrv2d/lib/topology"
)

func a(s string) address.Address {
	return address.FromNetIP(netip.MustParseAddr(s))
}

func metricTLV(ext byte, dir uint8, metric uint32) packet.TLV {
	var v [2]byte
	binary.BigEndian.PutUint16(v[:], packet.MetricTLVValue(dir, metric))
	return packet.TLV{Type: packet.ATLVLinkMetric, ExtType: ext, Value: v[:]}
}

func timeTLV(d time.Duration) packet.TLV {
	return packet.TLV{Type: packet.MTLVValidityTime, Value: []byte{packet.EncodeTime(uint64(d / time.Millisecond))}}
}

// symmetricHello builds a HELLO originated by `from` reporting `me` as
// SYMMETRIC, with a reciprocal link-metric TLV: the advertiser's
// DirIncomingLink is our outgoing cost, DirOutgoingLink is our incoming
// cost.
func symmetricHello(from, me address.Address, outCost, inCost uint32) *packet.Message {
	return &packet.Message{
		Type:       packet.MsgTypeHello,
		AddrFamily: me.Family,
		Originator: &from,
		TLVs:       []packet.TLV{timeTLV(2 * time.Second)},
		Addresses: []packet.AddressBlockEntry{{
			Addr: me,
			TLVs: []packet.TLV{
				{Type: packet.ATLVLinkStatus, Value: []byte{packet.LinkStatusSymmetric}},
				metricTLV(0, packet.DirIncomingLink, outCost),
				metricTLV(0, packet.DirOutgoingLink, inCost),
			},
		}},
	}
}

func tcNeighborAddr(addr address.Address, metric uint32) packet.AddressBlockEntry {
	return packet.AddressBlockEntry{
		Addr: addr,
		TLVs: []packet.TLV{
			{Type: packet.ATLVNbrAddrType, Value: []byte{packet.NbrAddrOriginator | packet.NbrAddrRoutable}},
			metricTLV(0, packet.DirOutgoingNeighbor, metric),
		},
	}
}

func ansnTLV(ansn uint16) packet.TLV {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], ansn)
	return packet.TLV{Type: packet.MTLVContentSeqNum, Value: b[:]}
}

func tcMessage(originator address.Address, ansn uint16, addrs ...packet.AddressBlockEntry) *packet.Message {
	o := originator
	return &packet.Message{
		Type:       packet.MsgTypeTC,
		AddrFamily: originator.Family,
		Originator: &o,
		TLVs:       []packet.TLV{timeTLV(2 * time.Second), ansnTLV(ansn)},
		Addresses:  addrs,
	}
}

type fixture struct {
	reg   *domain.Registry
	nh    *nhdp.DB
	topo  *topology.DB
	eth0  *iface.Interface
	now   time.Time
}

func newFixture() *fixture {
	reg := domain.NewRegistry(domain.ConstantMetricHandler{}, domain.DefaultMPRHandler{})
	tbl := iface.NewTable()
	tbl.Configure(iface.Config{Name: "eth0", FloodV4: true, LinkHoldTime: time.Second})
	eth0, _ := tbl.Resolve("eth0")
	eth0.Index = 7
	return &fixture{
		reg:  reg,
		nh:   nhdp.NewDB(reg),
		topo: topology.NewDB(reg),
		eth0: eth0,
		now:  time.Now(),
	}
}

// TestS3ThreeNodeRoute is spec.md §8 scenario S3: linear A-B-C, 100-cost
// links each way, A must compute a 200-cost route to C via B.
func TestS3ThreeNodeRoute(t *testing.T) {
	f := newFixture()
	myAddr := a("10.0.0.1")
	b := a("10.0.0.2")
	c := a("10.0.0.3")

	if _, err := f.nh.IngestHello(f.eth0, b, symmetricHello(b, myAddr, 100, 100), []address.Address{myAddr}, f.now); err != nil {
		t.Fatalf("IngestHello: %v", err)
	}
	if _, err := f.topo.IngestTC(tcMessage(b, 1, tcNeighborAddr(c, 100)), nil, f.now); err != nil {
		t.Fatalf("IngestTC: %v", err)
	}

	db := NewDB(0, 4, address.FamilyV4)
	ops := db.Recompute(f.topo, f.nh)

	entryB, ok := db.Get(b.Prefix())
	if !ok {
		t.Fatalf("expected a route to B")
	}
	if entryB.Metric != 100 || !entryB.SingleHop || entryB.NextHop != b {
		t.Fatalf("unexpected B entry: %+v", entryB)
	}

	entryC, ok := db.Get(c.Prefix())
	if !ok {
		t.Fatalf("expected a route to C")
	}
	if entryC.Metric != 200 {
		t.Fatalf("expected cost 200 to C, got %d", entryC.Metric)
	}
	if entryC.SingleHop {
		t.Fatalf("expected C to be multi-hop")
	}
	if entryC.NextHop != b || entryC.OutIfIndex != f.eth0.Index {
		t.Fatalf("expected next-hop B on eth0, got %+v", entryC)
	}

	var addB, addC bool
	for _, op := range ops {
		if op.Op != OpAdd {
			t.Fatalf("expected only ADD ops on first recompute, got %v", op.Op)
		}
		switch op.Dest {
		case b.Prefix():
			addB = true
		case c.Prefix():
			addC = true
		}
	}
	if !addB || !addC {
		t.Fatalf("expected ADD ops for both B and C, got %+v", ops)
	}

	// Single-hop ADD (B) must precede multi-hop ADD (C) in the op stream.
	var idxB, idxC int = -1, -1
	for i, op := range ops {
		if op.Dest == b.Prefix() {
			idxB = i
		}
		if op.Dest == c.Prefix() {
			idxC = i
		}
	}
	if idxB == -1 || idxC == -1 || idxB > idxC {
		t.Fatalf("expected single-hop ADD before multi-hop ADD, got %+v", ops)
	}
}

// TestDiffIdempotence is invariant 5: recomputing over unchanged input
// yields no ops the second time.
func TestDiffIdempotence(t *testing.T) {
	f := newFixture()
	myAddr := a("10.0.0.1")
	b := a("10.0.0.2")

	if _, err := f.nh.IngestHello(f.eth0, b, symmetricHello(b, myAddr, 50, 50), []address.Address{myAddr}, f.now); err != nil {
		t.Fatalf("IngestHello: %v", err)
	}
	if _, err := f.topo.IngestTC(tcMessage(b, 1), nil, f.now); err != nil {
		t.Fatalf("IngestTC: %v", err)
	}

	db := NewDB(0, 4, address.FamilyV4)
	first := db.Recompute(f.topo, f.nh)
	if len(first) != 1 || first[0].Op != OpAdd {
		t.Fatalf("expected exactly one ADD on first recompute, got %+v", first)
	}

	second := db.Recompute(f.topo, f.nh)
	if len(second) != 0 {
		t.Fatalf("expected no ops on an idempotent recompute, got %+v", second)
	}
}

// TestRouteRemovedWhenNeighborLost is invariant 4/5's counterpart: once a
// symmetric neighbor disappears, the router must emit a REMOVE.
func TestRouteRemovedWhenNeighborLost(t *testing.T) {
	f := newFixture()
	myAddr := a("10.0.0.1")
	b := a("10.0.0.2")

	if _, err := f.nh.IngestHello(f.eth0, b, symmetricHello(b, myAddr, 50, 50), []address.Address{myAddr}, f.now); err != nil {
		t.Fatalf("IngestHello: %v", err)
	}
	if _, err := f.topo.IngestTC(tcMessage(b, 1), nil, f.now); err != nil {
		t.Fatalf("IngestTC: %v", err)
	}
	db := NewDB(0, 4, address.FamilyV4)
	db.Recompute(f.topo, f.nh)

	// Peer reports LOST, then its heard-validity expires outright.
	lost := &packet.Message{
		Type:       packet.MsgTypeHello,
		AddrFamily: myAddr.Family,
		TLVs:       []packet.TLV{timeTLV(2 * time.Second)},
		Addresses: []packet.AddressBlockEntry{{
			Addr: myAddr,
			TLVs: []packet.TLV{{Type: packet.ATLVLinkStatus, Value: []byte{packet.LinkStatusLost}}},
		}},
	}
	if _, err := f.nh.IngestHello(f.eth0, b, lost, []address.Address{myAddr}, f.now.Add(time.Second)); err != nil {
		t.Fatalf("IngestHello: %v", err)
	}
	f.nh.Tick(f.now.Add(5 * time.Second))

	ops := db.Recompute(f.topo, f.nh)
	if len(ops) != 1 || ops[0].Op != OpDel || ops[0].Dest != b.Prefix() {
		t.Fatalf("expected a single DEL for B, got %+v", ops)
	}
	if _, ok := db.Get(b.Prefix()); ok {
		t.Fatalf("expected B's entry removed from the RIB")
	}
}
