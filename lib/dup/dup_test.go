package dup

import (
	"net/netip"
	"testing"
	"time"

	"olsrv2d/lib/address"
)

func originator(s string) address.Address {
	return address.FromNetIP(netip.MustParseAddr(s))
}

func TestRecordThenCheckWithinWindow(t *testing.T) {
	s := NewSet(5 * time.Second)
	o := originator("10.0.0.1")

	if s.Check(o, 1, 42) {
		t.Fatalf("unseen tuple must not be a duplicate")
	}
	s.Record(o, 1, 42)
	if !s.Check(o, 1, 42) {
		t.Fatalf("recorded tuple must be reported as duplicate")
	}
}

func TestReacceptedAfterWindow(t *testing.T) {
	s := NewSet(10 * time.Millisecond)
	o := originator("10.0.0.1")

	now := time.Now()
	s.now = func() time.Time { return now }
	s.Record(o, 1, 42)
	if !s.Check(o, 1, 42) {
		t.Fatalf("expected duplicate inside window")
	}

	now = now.Add(20 * time.Millisecond)
	if s.Check(o, 1, 42) {
		t.Fatalf("expected re-acceptance after the window expired")
	}
}

func TestSeqNewerHalfRangeWraparound(t *testing.T) {
	if !SeqNewer(65530, 5) {
		t.Fatalf("5 should be considered newer than 65530 across wraparound")
	}
	if SeqNewer(5, 65530) {
		t.Fatalf("65530 should not be newer than 5 (wrong direction across wraparound)")
	}
	if !SeqNewer(10, 20) {
		t.Fatalf("20 should be newer than 10 in the non-wrapping case")
	}
	if SeqNewer(20, 10) {
		t.Fatalf("10 should not be newer than 20")
	}
}

func TestDistinctOriginatorsDoNotCollide(t *testing.T) {
	s := NewSet(time.Second)
	a := originator("10.0.0.1")
	b := originator("10.0.0.2")
	s.Record(a, 1, 1)
	if s.Check(b, 1, 1) {
		t.Fatalf("different originators must not collide")
	}
}
