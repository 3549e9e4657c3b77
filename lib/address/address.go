// Package address implements the tagged IPv4/IPv6 address-with-prefix
// union that every other package in olsrv2d builds on.
package address

import (
	"bytes"
	"fmt"
	"net/netip"
)

// Family identifies which address family an Address holds.
type Family uint8

const (
	FamilyUnspec Family = iota
	FamilyV4
	FamilyV6
)

func (f Family) String() string {
	switch f {
	case FamilyV4:
		return "ipv4"
	case FamilyV6:
		return "ipv6"
	default:
		return "unspec"
	}
}

// Len returns the address length in bytes for the family (4 or 16), or 0
// for FamilyUnspec.
func (f Family) Len() int {
	switch f {
	case FamilyV4:
		return 4
	case FamilyV6:
		return 16
	default:
		return 0
	}
}

// Address is a tagged union of {IPv4, IPv6} with an attached prefix
// length, per spec.md §3 "Addresses". The zero value is the unspecified
// address and compares unequal to every valid Address.
type Address struct {
	Family    Family
	Bytes     [16]byte // only the first Family.Len() bytes are meaningful
	PrefixLen uint8
}

// FromNetIP builds an Address from a netip.Addr, using the family's full
// bit-length as the prefix length (a host address).
func FromNetIP(a netip.Addr) Address {
	a = a.Unmap()
	var out Address
	if a.Is4() {
		out.Family = FamilyV4
		b := a.As4()
		copy(out.Bytes[:4], b[:])
		out.PrefixLen = 32
	} else if a.Is6() {
		out.Family = FamilyV6
		b := a.As16()
		copy(out.Bytes[:16], b[:])
		out.PrefixLen = 128
	}
	return out
}

// FromPrefix builds an Address carrying an explicit prefix length.
func FromPrefix(p netip.Prefix) Address {
	a := FromNetIP(p.Addr())
	a.PrefixLen = uint8(p.Bits())
	return a
}

// NetIP converts back to a netip.Addr, discarding the prefix length.
func (a Address) NetIP() netip.Addr {
	switch a.Family {
	case FamilyV4:
		var b [4]byte
		copy(b[:], a.Bytes[:4])
		return netip.AddrFrom4(b)
	case FamilyV6:
		return netip.AddrFrom16(a.Bytes)
	default:
		return netip.Addr{}
	}
}

// Prefix converts to a netip.Prefix using PrefixLen, masked to canonical
// form (host bits zeroed).
func (a Address) Prefix() netip.Prefix {
	p := netip.PrefixFrom(a.NetIP(), int(a.PrefixLen))
	return p.Masked()
}

// IsHost reports whether the prefix length covers the whole address
// (a plain host address, not a network).
func (a Address) IsHost() bool {
	return int(a.PrefixLen) == a.Family.Len()*8
}

// Equal compares family, address bytes (up to Family.Len()) and prefix
// length — "Equality is family-then-bytes" per spec.md §3.
func (a Address) Equal(b Address) bool {
	if a.Family != b.Family {
		return false
	}
	n := a.Family.Len()
	return bytes.Equal(a.Bytes[:n], b.Bytes[:n]) && a.PrefixLen == b.PrefixLen
}

// EqualAddr compares only family + address bytes, ignoring prefix length.
func (a Address) EqualAddr(b Address) bool {
	if a.Family != b.Family {
		return false
	}
	n := a.Family.Len()
	return bytes.Equal(a.Bytes[:n], b.Bytes[:n])
}

// Less gives a total order over Address values (family, then bytes, then
// prefix length) so Addresses can key sorted maps/slices deterministically.
func (a Address) Less(b Address) bool {
	if a.Family != b.Family {
		return a.Family < b.Family
	}
	n := a.Family.Len()
	if c := bytes.Compare(a.Bytes[:n], b.Bytes[:n]); c != 0 {
		return c < 0
	}
	return a.PrefixLen < b.PrefixLen
}

// Key returns a value usable as a comparable map key.
func (a Address) Key() [18]byte {
	var k [18]byte
	k[0] = byte(a.Family)
	k[1] = a.PrefixLen
	copy(k[2:], a.Bytes[:])
	return k
}

func (a Address) String() string {
	if a.Family == FamilyUnspec {
		return "<unspec>"
	}
	if a.IsHost() {
		return a.NetIP().String()
	}
	return fmt.Sprintf("%s/%d", a.NetIP(), a.PrefixLen)
}

// Zero reports whether this is the zero-value unspecified address.
func (a Address) Zero() bool {
	return a.Family == FamilyUnspec
}
