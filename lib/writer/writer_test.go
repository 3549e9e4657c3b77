package writer

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
)

func a(s string) address.Address {
	return address.FromNetIP(netip.MustParseAddr(s))
}

func prefix(s string) address.Address {
	return address.FromPrefix(netip.MustParsePrefix(s))
}

func findNeighbor(nh *nhdp.DB, addr address.Address) (*nhdp.Neighbor, bool) {
	for _, nb := range nh.Neighbors() {
		for _, known := range nb.Addresses() {
			if known.EqualAddr(addr) {
				return nb, true
			}
		}
	}
	return nil, false
}

func metricTLV(dir uint8, metric uint32) packet.TLV {
	var v [2]byte
	binary.BigEndian.PutUint16(v[:], packet.MetricTLVValue(dir, metric))
	return packet.TLV{Type: packet.ATLVLinkMetric, Value: v[:]}
}

func symmetricHello(me address.Address, outCost, inCost uint32) *packet.Message {
	return &packet.Message{
		Type:       packet.MsgTypeHello,
		AddrFamily: me.Family,
		TLVs:       []packet.TLV{{Type: packet.MTLVValidityTime, Value: []byte{packet.EncodeTime(2000)}}},
		Addresses: []packet.AddressBlockEntry{{
			Addr: me,
			TLVs: []packet.TLV{
				{Type: packet.ATLVLinkStatus, Value: []byte{packet.LinkStatusSymmetric}},
				metricTLV(packet.DirIncomingLink, outCost),
				metricTLV(packet.DirOutgoingLink, inCost),
			},
		}},
	}
}

func tlvValue(tlvs []packet.TLV, typ byte) ([]byte, bool) {
	for _, t := range tlvs {
		if t.Type == typ {
			return t.Value, true
		}
	}
	return nil, false
}

func addrEntry(entries []packet.AddressBlockEntry, want address.Address) (packet.AddressBlockEntry, bool) {
	for _, e := range entries {
		if e.Addr.EqualAddr(want) {
			return e, true
		}
	}
	return packet.AddressBlockEntry{}, false
}

func newFixture(t *testing.T) (*Writer, *iface.Interface, *nhdp.DB) {
	t.Helper()
	reg := domain.NewRegistry(domain.ConstantMetricHandler{}, domain.DefaultMPRHandler{})
	tbl := iface.NewTable()
	tbl.Configure(iface.Config{
		Name:            "eth0",
		FloodV4:         true,
		RefreshInterval: 2 * time.Second,
		HelloValidity:   6 * time.Second,
	})
	eth0, _ := tbl.Resolve("eth0")
	eth0.Index = 7
	eth0.SyncLocalAddresses([]address.Address{a("10.0.0.1")}, time.Now())

	myAddr := a("10.0.0.1")
	orig := myAddr
	w := &Writer{
		Codec:       &packet.Writer{},
		Registry:    reg,
		NHDP:        nhdp.NewDB(reg),
		Ifaces:      tbl,
		OriginatorV4: &orig,
		TCValidity:  6 * time.Second,
		TCInterval:  2 * time.Second,
	}
	return w, eth0, w.NHDP
}

func TestHelloAdvertisesLocalAndLinkStatus(t *testing.T) {
	w, eth0, nh := newFixture(t)
	myAddr := *w.OriginatorV4
	peer := a("10.0.0.2")

	if _, err := nh.IngestHello(eth0, peer, symmetricHello(myAddr, 50, 50), []address.Address{myAddr}, time.Now()); err != nil {
		t.Fatalf("IngestHello: %v", err)
	}

	msgs, err := w.Hello(eth0, address.FamilyV4, time.Now())
	if err != nil {
		t.Fatalf("Hello: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one HELLO fragment, got %d", len(msgs))
	}
	msg := msgs[0]
	if msg.Type != packet.MsgTypeHello {
		t.Fatalf("expected HELLO type, got %d", msg.Type)
	}
	if _, ok := tlvValue(msg.TLVs, packet.MTLVValidityTime); !ok {
		t.Fatalf("expected a VALIDITY_TIME message-TLV")
	}
	if _, ok := tlvValue(msg.TLVs, packet.MTLVIntervalTime); !ok {
		t.Fatalf("expected an INTERVAL_TIME message-TLV")
	}

	local, ok := addrEntry(msg.Addresses, myAddr)
	if !ok {
		t.Fatalf("expected a LOCAL_IF entry for this node's own address")
	}
	if v, ok := tlvValue(local.TLVs, packet.ATLVLocalIface); !ok || v[0] != packet.LocalIfThisIf {
		t.Fatalf("expected THIS_IF on the local address entry, got %+v", local)
	}

	link, ok := addrEntry(msg.Addresses, peer)
	if !ok {
		t.Fatalf("expected a LINK_STATUS entry for the symmetric peer")
	}
	v, ok := tlvValue(link.TLVs, packet.ATLVLinkStatus)
	if !ok || v[0] != packet.LinkStatusSymmetric {
		t.Fatalf("expected SYMMETRIC link status for peer, got %+v", link)
	}
	if _, ok := tlvValue(link.TLVs, packet.ATLVLinkMetric); !ok {
		t.Fatalf("expected a link-metric TLV on the peer entry")
	}
}

func TestHelloSkipsNonFloodingFamily(t *testing.T) {
	w, eth0, _ := newFixture(t)
	msgs, err := w.Hello(eth0, address.FamilyV6, time.Now())
	if err != nil {
		t.Fatalf("Hello: %v", err)
	}
	if msgs != nil {
		t.Fatalf("expected no HELLO for a non-flooding family, got %+v", msgs)
	}
}

func TestTCAdvertisesMPRSelectorsAndAttachedPrefix(t *testing.T) {
	w, eth0, nh := newFixture(t)
	myAddr := *w.OriginatorV4
	peer := a("10.0.0.2")

	if _, err := nh.IngestHello(eth0, peer, symmetricHello(myAddr, 50, 50), []address.Address{myAddr}, time.Now()); err != nil {
		t.Fatalf("IngestHello: %v", err)
	}
	nb, ok := findNeighbor(nh, peer)
	if !ok {
		t.Fatalf("expected a neighbor for %v", peer)
	}
	nb.IsMPR[0] = true

	attachedPrefix := prefix("192.168.1.0/24")
	w.LocalPrefixes = []LocalPrefix{{Prefix: attachedPrefix, Distance: 1}}
	w.BumpANSN()

	msgs, err := w.TC(address.FamilyV4, time.Now())
	if err != nil {
		t.Fatalf("TC: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one TC fragment, got %d", len(msgs))
	}
	msg := msgs[0]

	seq, ok := tlvValue(msg.TLVs, packet.MTLVContentSeqNum)
	if !ok {
		t.Fatalf("expected an ANSN TLV")
	}
	if binary.BigEndian.Uint16(seq) != 1 {
		t.Fatalf("expected ANSN 1, got %d", binary.BigEndian.Uint16(seq))
	}

	nbrEntry, ok := addrEntry(msg.Addresses, peer)
	if !ok {
		t.Fatalf("expected an MPR-selector neighbor entry for %v", peer)
	}
	if _, ok := tlvValue(nbrEntry.TLVs, packet.ATLVNbrAddrType); !ok {
		t.Fatalf("expected NBR_ADDR_TYPE on the neighbor entry")
	}

	gwEntry, ok := addrEntry(msg.Addresses, attachedPrefix)
	if !ok {
		t.Fatalf("expected a GATEWAY entry for the attached prefix")
	}
	if _, ok := tlvValue(gwEntry.TLVs, packet.ATLVGateway); !ok {
		t.Fatalf("expected a GATEWAY TLV on the attached-prefix entry")
	}
}

func TestTCOmittedWithoutOriginator(t *testing.T) {
	w, _, _ := newFixture(t)
	w.OriginatorV4 = nil
	msgs, err := w.TC(address.FamilyV4, time.Now())
	if err != nil {
		t.Fatalf("TC: %v", err)
	}
	if msgs != nil {
		t.Fatalf("expected no TC without an originator, got %+v", msgs)
	}
}
