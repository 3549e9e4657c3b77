// Package dup implements the forwarded-message duplicate filter from
// spec.md §4.7: it remembers (originator, msg-type, seq) tuples for a
// validity window to suppress reprocessing and forwarding loops.
//
// Set is not safe for concurrent use — like every other core package it
// is owned and driven exclusively from the single event-loop goroutine
// (spec.md §5), the way the teacher's NDPStats is the one structure in
// the retrieval pack that *does* need its own mutex because it is read
// from a second (TUI) goroutine. Nothing here has a second reader, so no
// lock is taken.
package dup

import (
	"time"

	"olsrv2d/lib/address"
)

// seqWindow is the half-range used to compare 16-bit sequence numbers
// across wraparound (spec.md §9 Open Questions: "pick 2^15 (half-range)
// per standard practice").
const seqWindow = 1 << 15

type key struct {
	originator address.Address
	msgType    byte
	seq        uint16
}

type entry struct {
	deadline time.Time
}

// Set is the duplicate-message filter.
type Set struct {
	holdTime time.Duration
	entries  map[key]entry
	now      func() time.Time
}

// NewSet creates a duplicate set that remembers entries for at least
// holdTime (dup_hold_time).
func NewSet(holdTime time.Duration) *Set {
	return &Set{
		holdTime: holdTime,
		entries:  make(map[key]entry),
		now:      time.Now,
	}
}

// SeqNewer reports whether b is "newer than" a using half-range window
// comparison around wraparound, per spec.md §9.
func SeqNewer(a, b uint16) bool {
	return uint16(b-a) != 0 && uint16(b-a) < seqWindow
}

// SeqNewerOrEqual reports b >= a in window-comparison terms.
func SeqNewerOrEqual(a, b uint16) bool {
	return a == b || SeqNewer(a, b)
}

// Check reports whether (originator, msgType, seq) has already been
// recorded within the validity window. It does not record the tuple —
// call Record separately once the message is accepted for processing
// (spec.md §4.7 "For every received forwarded message, remember
// ... Drop on second observation").
func (s *Set) Check(originator address.Address, msgType byte, seq uint16) bool {
	s.evictExpired()
	k := key{originator, msgType, seq}
	_, ok := s.entries[k]
	return ok
}

// Record stores the tuple, refreshing its deadline if already present.
func (s *Set) Record(originator address.Address, msgType byte, seq uint16) {
	k := key{originator, msgType, seq}
	s.entries[k] = entry{deadline: s.now().Add(s.holdTime)}
}

// evictExpired performs the "lazy at lookup" eviction spec.md §4.7
// describes; Prune additionally performs the periodic sweep.
func (s *Set) evictExpired() {
	now := s.now()
	for k, e := range s.entries {
		if !now.Before(e.deadline) {
			delete(s.entries, k)
		}
	}
}

// Prune removes every expired entry; intended to be called periodically
// from the event loop's timer wheel in addition to the lazy eviction
// Check performs.
func (s *Set) Prune() {
	s.evictExpired()
}

// Len reports the number of currently-held (possibly not-yet-evicted)
// entries; exposed for tests.
func (s *Set) Len() int {
	return len(s.entries)
}
