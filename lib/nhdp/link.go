// Package nhdp implements the RFC 6130 Neighborhood Discovery Protocol
// link/neighbor state machine from spec.md §4.2: the per-(local
// interface, sender) link table, its HEARD/SYMMETRIC/LOST/PENDING state
// machine, and neighbor aggregation across links including dual-stack
// pairing.
package nhdp

import (
	"time"

	"olsrv2d/lib/address"
	"olsrv2d/lib/domain"
	"olsrv2d/lib/iface"
)

// Status is a link's position in the NHDP state machine (spec.md §3).
type Status int

const (
	StatusPending Status = iota
	StatusHeard
	StatusSymmetric
	StatusLost
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusHeard:
		return "HEARD"
	case StatusSymmetric:
		return "SYMMETRIC"
	case StatusLost:
		return "LOST"
	default:
		return "UNKNOWN"
	}
}

// Link is a directed adjacency from one local interface to one remote
// node, keyed by local interface plus one remote interface address
// (spec.md §3 "Link").
type Link struct {
	LocalIface *iface.Interface
	RemoteAddr address.Address

	Status Status

	heardDeadline     time.Time
	symmetricDeadline time.Time
	lostDeadline      time.Time
	everSymmetric     bool

	LinkHoldTime time.Duration

	// DualStackPartner is the IPv4/IPv6 twin link to the same neighbor
	// over the same local interface (spec.md §3 "optional dual-stack
	// partner link").
	DualStackPartner *Link

	InMetric  [domain.MaxDomains]uint32
	OutMetric [domain.MaxDomains]uint32

	LastSeqNum    uint16
	HasLastSeqNum bool

	Neighbor *Neighbor
}

func newLink(li *iface.Interface, remote address.Address, linkHold time.Duration) *Link {
	l := &Link{LocalIface: li, RemoteAddr: remote, Status: StatusPending, LinkHoldTime: linkHold}
	for i := range l.InMetric {
		l.InMetric[i] = ^uint32(0) >> 8 // 24-bit infinite, see lib/packet.InfiniteMetric
		l.OutMetric[i] = l.InMetric[i]
	}
	return l
}

// symSignal is the tri-state result of scanning a HELLO's LINK_STATUS /
// OTHER_NEIGHB address-TLVs for this link's own address: heardOrSym
// means the peer reported SYMMETRIC or HEARD for us, lost means the peer
// reported LOST, none means the address wasn't mentioned at all.
type symSignal int

const (
	symNone symSignal = iota
	symHeardOrSym
	symLost
)

// observe applies one HELLO's effect on this link (spec.md §4.2 "Link
// state machine"): refresh heard-validity unconditionally, update
// symmetric-validity per sig, then re-derive Status. Returns whether
// Status changed.
func (l *Link) observe(validity time.Duration, sig symSignal, now time.Time) bool {
	prev := l.Status
	l.heardDeadline = now.Add(validity)

	switch sig {
	case symHeardOrSym:
		l.symmetricDeadline = now.Add(validity)
	case symLost:
		l.symmetricDeadline = time.Time{}
	}

	l.recompute(now)
	return l.Status != prev
}

// recompute re-derives Status from the current deadlines relative to
// now; it is also called from the periodic timer tick to drive
// heard/symmetric-validity expiry independent of new HELLO arrivals.
func (l *Link) recompute(now time.Time) {
	switch {
	case !l.symmetricDeadline.IsZero() && now.Before(l.symmetricDeadline):
		l.Status = StatusSymmetric
		l.everSymmetric = true
	case now.Before(l.heardDeadline):
		if l.Status == StatusSymmetric {
			l.Status = StatusHeard // "symmetric-validity expiry with heard-validity still alive"
		} else if l.Status == StatusPending {
			l.Status = StatusHeard
		}
		// else: stays HEARD, or stays LOST until its own lostDeadline (see below)
	default:
		// heard-validity expired
		if l.Status == StatusLost {
			if now.After(l.lostDeadline) {
				l.Status = StatusLost // deletion is the DB's job; see expired()
			}
			return
		}
		if l.everSymmetric {
			l.Status = StatusLost
			l.lostDeadline = now.Add(l.LinkHoldTime)
		} else {
			l.Status = StatusLost
			l.lostDeadline = now // no hold grace: never reached symmetric
		}
	}
}

// expired reports whether this link should be deleted outright: its
// heard-validity has lapsed and, if it ever reached SYMMETRIC, its
// link-hold timer has also lapsed (spec.md §3 "Link: ... destroyed when
// validity expires").
func (l *Link) expired(now time.Time) bool {
	if l.Status != StatusLost {
		return false
	}
	return !now.Before(l.lostDeadline)
}
