package packet

import (
	"net/netip"
	"testing"

	"olsrv2d/lib/address"
)

func a4(s string) address.Address {
	return address.FromNetIP(netip.MustParseAddr(s))
}

func TestHelloRoundTrip(t *testing.T) {
	orig := a4("10.0.0.1")
	msg := Message{
		Type:        MsgTypeHello,
		AddrFamily:  address.FamilyV4,
		Originator:  &orig,
		HasHopLimit: true,
		HopLimit:    1,
		TLVs: []TLV{
			{Type: MTLVValidityTime, Value: []byte{EncodeTime(30000)}},
		},
		Addresses: []AddressBlockEntry{
			{Addr: a4("10.0.0.2"), TLVs: []TLV{{Type: ATLVLinkStatus, Value: []byte{LinkStatusSymmetric}}}},
			{Addr: a4("10.0.0.3"), TLVs: []TLV{{Type: ATLVLinkStatus, Value: []byte{LinkStatusHeard}}}},
		},
	}
	pkt := &Packet{Messages: []Message{msg}}

	raw, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := ParsePacket(raw)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	if len(got.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got.Messages))
	}
	gm := got.Messages[0]
	if gm.Type != msg.Type || gm.AddrFamily != msg.AddrFamily {
		t.Fatalf("header mismatch: %+v", gm)
	}
	if gm.Originator == nil || !gm.Originator.EqualAddr(orig) {
		t.Fatalf("originator mismatch: %+v", gm.Originator)
	}
	if len(gm.Addresses) != 2 {
		t.Fatalf("expected 2 addresses, got %d", len(gm.Addresses))
	}
	if !gm.Addresses[0].Addr.EqualAddr(a4("10.0.0.2")) {
		t.Fatalf("address 0 mismatch: %v", gm.Addresses[0].Addr)
	}
}

func TestParsePacketTruncated(t *testing.T) {
	if _, err := ParsePacket([]byte{0x00, 0x01}); err == nil {
		t.Fatalf("expected error on truncated packet")
	}
}

func TestParsePacketBadAddressLength(t *testing.T) {
	raw := []byte{0x00 /*pkt flags*/, MsgTypeHello, 0x00 /*msg flags*/, 5 /*bad addr len*/, 0x00, 0x00}
	if _, err := ParsePacket(raw); err == nil {
		t.Fatalf("expected error for address length not in {4,16}")
	}
}

func TestMetricEncodeDecodeMonotone(t *testing.T) {
	prev := uint32(0)
	for _, v := range []uint32{16, 17, 100, 1000, 50000, 1000000, InfiniteMetric - 1} {
		enc := EncodeMetric(v)
		dec := DecodeMetric(enc)
		if dec > v {
			t.Fatalf("decode(encode(%d))=%d exceeds input", v, dec)
		}
		if v >= prev {
			prevEnc := EncodeMetric(prev)
			if enc < prevEnc {
				t.Fatalf("encode not monotone: encode(%d)=%d < encode(%d)=%d", v, enc, prev, prevEnc)
			}
		}
		prev = v
	}
}

func TestMetricEncodeDecodeRepresentableSet(t *testing.T) {
	for c := 0; c < 256; c++ {
		canonical := DecodeME(byte(c))
		if canonical >= uint64(InfiniteMetric) {
			continue
		}
		got := DecodeME(EncodeME(canonical))
		if got != canonical {
			t.Fatalf("code %d: decode(encode(%d)) = %d", c, canonical, got)
		}
	}
}

func TestMetricInfiniteSentinel(t *testing.T) {
	if DecodeMetric(EncodeMetric(InfiniteMetric)) != InfiniteMetric {
		t.Fatalf("infinite metric must round-trip to InfiniteMetric")
	}
}

func TestCompressExpandMetricTLVs(t *testing.T) {
	in := [4]uint32{100, 100, 200, InfiniteMetric}
	tlvs := CompressMetricTLVs(in)
	// same encoded value for first two directions -> merged into one TLV
	if len(tlvs) != 2 {
		t.Fatalf("expected 2 merged TLVs, got %d: %v", len(tlvs), tlvs)
	}
	out := ExpandMetricTLVs(tlvs)
	if DecodeMetric(EncodeMetric(out[0])) != DecodeMetric(EncodeMetric(in[0])) {
		t.Fatalf("direction 0 mismatch: got %d want %d", out[0], in[0])
	}
	if out[3] != InfiniteMetric {
		t.Fatalf("omitted infinite direction must expand back to InfiniteMetric, got %d", out[3])
	}
}

func TestReaderDispatchOrderAndUnknownType(t *testing.T) {
	var seen []byte
	r := NewReader()
	r.Register(MsgTypeHello, ConsumerFunc(func(m Message) error {
		seen = append(seen, m.Type)
		return nil
	}))

	orig := a4("10.0.0.1")
	pkt := &Packet{Messages: []Message{
		{Type: MsgTypeHello, AddrFamily: address.FamilyV4, Originator: &orig},
		{Type: MsgTypeTC, AddrFamily: address.FamilyV4, Originator: &orig}, // no consumer registered
		{Type: MsgTypeHello, AddrFamily: address.FamilyV4, Originator: &orig},
	}}
	raw, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := r.Dispatch(raw); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(seen) != 2 || seen[0] != MsgTypeHello || seen[1] != MsgTypeHello {
		t.Fatalf("expected 2 HELLO dispatches in order, got %v", seen)
	}
}

func TestWriterFragmentsAtMTU(t *testing.T) {
	w := &Writer{MTU: 120}
	var entries []AddressBlockEntry
	for i := 0; i < 50; i++ {
		entries = append(entries, AddressBlockEntry{Addr: a4("10.0.0.1")})
	}
	src := &SliceAddressSource{Entries: entries}
	hdr := MessageHeader{Type: MsgTypeTC, Family: address.FamilyV4, HasSeqNum: true, SeqNum: 7}

	var completes []bool
	msgs, err := w.WriteMessage(hdr, nil, src, func(complete bool) []TLV {
		completes = append(completes, complete)
		return nil
	})
	if err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if len(msgs) < 2 {
		t.Fatalf("expected fragmentation to produce >1 message, got %d", len(msgs))
	}
	total := 0
	for i, m := range msgs {
		total += len(m.Addresses)
		wantComplete := i == len(msgs)-1
		if completes[i] != wantComplete {
			t.Fatalf("fragment %d: complete=%v want %v", i, completes[i], wantComplete)
		}
	}
	if total != len(entries) {
		t.Fatalf("fragments carry %d addresses total, want %d", total, len(entries))
	}
}
