// Package iface implements the interface table from spec.md §3: local
// network attachments identified by OS name, carrying per-interface
// NHDP timers, flooding flags, an address ACL and the set of local
// addresses (with the removed-address grace period).
//
// Grounded on original_source/src/nhdp/nhdp_interfaces.c: the wildcard
// "*" default-section lookup, the per-interface hello timer and the
// removed-address hold timer are all present there (as an avl_tree of
// sections plus a timer-driven removal callback); re-expressed here as
// plain Go maps and explicit Deadline fields driven by the core's timer
// wheel instead of an intrusive AVL tree + callback table.
package iface

import (
	"time"

	"olsrv2d/lib/address"
	"olsrv2d/lib/domain"
)

// WildcardName is the default-section interface name (spec.md §3).
const WildcardName = "*"

// Config is the per-interface (or wildcard-default) configuration
// surface from spec.md §6.
type Config struct {
	Name           string
	FloodV4        bool
	FloodV6        bool
	RefreshInterval time.Duration // hello_interval
	HelloValidity   time.Duration // hello_validity
	LinkHoldTime    time.Duration
	NeighborHoldTime time.Duration
	AddrHoldTime    time.Duration // i_hold_time
	ACL             ACL
}

// ACL restricts which local source addresses (bindto) an interface may
// use. An empty ACL accepts everything.
type ACL struct {
	Allow []address.Address
	Deny  []address.Address
}

// Allowed reports whether addr passes the ACL: denied prefixes always
// lose; when an allow-list is present the address must match one of its
// entries.
func (a ACL) Allowed(addr address.Address) bool {
	for _, d := range a.Deny {
		if prefixContains(d, addr) {
			return false
		}
	}
	if len(a.Allow) == 0 {
		return true
	}
	for _, al := range a.Allow {
		if prefixContains(al, addr) {
			return true
		}
	}
	return false
}

func prefixContains(prefix, addr address.Address) bool {
	if prefix.Family != addr.Family {
		return false
	}
	return prefix.Prefix().Contains(addr.NetIP())
}

// RemovedAddress is a local address no longer configured on the OS
// interface but still announced as LOST until Deadline, per spec.md §3
// "Interface address: on change notification, addresses absent from the
// new list enter a 'removed' grace period (i_hold_time) before
// deletion".
type RemovedAddress struct {
	Addr     address.Address
	Deadline time.Time
}

// Interface is one local network attachment's protocol state.
type Interface struct {
	Config
	Index int // OS interface index, set by the glue layer

	addrs   map[[18]byte]address.Address
	removed []RemovedAddress

	// OriginatorV4/V6 optionally override the node-global originator for
	// this interface's HELLOs, per spec.md §4.2 "a configured
	// per-interface originator hint".
	OriginatorV4 *address.Address
	OriginatorV6 *address.Address
}

func newInterface(cfg Config) *Interface {
	return &Interface{Config: cfg, addrs: make(map[[18]byte]address.Address)}
}

// Flooding reports whether this interface floods the given family.
func (i *Interface) Flooding(fam address.Family) bool {
	switch fam {
	case address.FamilyV4:
		return i.FloodV4
	case address.FamilyV6:
		return i.FloodV6
	default:
		return false
	}
}

// SetFlooding is how §7(f) "interface-down" is modeled: the interface
// stops flooding that family but existing link/neighbor state is left to
// age out naturally through its own timers.
func (i *Interface) SetFlooding(fam address.Family, enabled bool) {
	switch fam {
	case address.FamilyV4:
		i.FloodV4 = enabled
	case address.FamilyV6:
		i.FloodV6 = enabled
	}
}

// AddLocalAddress registers addr as currently assigned to this
// interface, cancelling any pending removal grace period for it.
func (i *Interface) AddLocalAddress(addr address.Address) {
	i.addrs[addr.Key()] = addr
	for idx, r := range i.removed {
		if r.Addr.EqualAddr(addr) {
			i.removed = append(i.removed[:idx], i.removed[idx+1:]...)
			break
		}
	}
}

// SyncLocalAddresses reconciles the interface's address set with a fresh
// OS-reported list: addresses no longer present enter the removal grace
// period (deadline now+AddrHoldTime); newly-seen ones are added
// immediately.
func (i *Interface) SyncLocalAddresses(current []address.Address, now time.Time) {
	seen := make(map[[18]byte]bool, len(current))
	for _, a := range current {
		seen[a.Key()] = true
		i.AddLocalAddress(a)
	}
	for k, a := range i.addrs {
		if !seen[k] {
			delete(i.addrs, k)
			i.removed = append(i.removed, RemovedAddress{Addr: a, Deadline: now.Add(i.AddrHoldTime)})
		}
	}
}

// ExpireRemovedAddresses drops removed addresses whose grace period has
// elapsed; call periodically from the timer wheel.
func (i *Interface) ExpireRemovedAddresses(now time.Time) {
	kept := i.removed[:0]
	for _, r := range i.removed {
		if now.Before(r.Deadline) {
			kept = append(kept, r)
		}
	}
	i.removed = kept
}

// HasLocalAddress reports whether addr is one of this interface's
// currently-assigned addresses (not counting ones in the removal grace
// period).
func (i *Interface) HasLocalAddress(addr address.Address) bool {
	_, ok := i.addrs[addr.Key()]
	return ok
}

// IsRemovedAddress reports whether addr is within its removal grace
// period on this interface (still advertised as LOST in HELLOs).
func (i *Interface) IsRemovedAddress(addr address.Address) bool {
	for _, r := range i.removed {
		if r.Addr.EqualAddr(addr) {
			return true
		}
	}
	return false
}

// LocalAddresses returns a snapshot slice of currently-assigned local
// addresses, for a given family (FamilyUnspec returns all).
func (i *Interface) LocalAddresses(fam address.Family) []address.Address {
	out := make([]address.Address, 0, len(i.addrs))
	for _, a := range i.addrs {
		if fam == address.FamilyUnspec || a.Family == fam {
			out = append(out, a)
		}
	}
	return out
}

// Willingness holds the per-domain advertised willingness values for one
// interface's originating node (spec.md §4.3). Interfaces share a single
// node-level willingness array in practice, but keeping it alongside the
// interface config mirrors where the teacher/original keeps per-section
// tunables.
type Willingness [domain.MaxDomains]uint8

// DefaultWillingness is the default value when unset (spec.md §4.3 "0..15,
// default 7").
const DefaultWillingness uint8 = 7

// Table owns every configured Interface, keyed by OS name, plus the
// wildcard default used when no named section applies.
type Table struct {
	byName map[string]*Interface
}

// NewTable creates an empty interface table.
func NewTable() *Table {
	return &Table{byName: make(map[string]*Interface)}
}

// Configure creates or reconfigures the interface named cfg.Name
// (including the wildcard "*" default section).
func (t *Table) Configure(cfg Config) *Interface {
	if existing, ok := t.byName[cfg.Name]; ok {
		existing.Config = cfg
		return existing
	}
	i := newInterface(cfg)
	t.byName[cfg.Name] = i
	return i
}

// Configured reports whether name has its own section (as opposed to
// only matching through the wildcard fallback in Resolve).
func (t *Table) Configured(name string) bool {
	_, ok := t.byName[name]
	return ok
}

// Resolve returns the interface configuration for name, falling back to
// the wildcard "*" section if no named section was configured
// (spec.md §3 "A wildcard interface name '*' denotes a default
// configuration matched when no named section applies").
func (t *Table) Resolve(name string) (*Interface, bool) {
	if i, ok := t.byName[name]; ok {
		return i, true
	}
	if i, ok := t.byName[WildcardName]; ok {
		return i, true
	}
	return nil, false
}

// All returns every configured interface except the wildcard "*"
// section, for iteration by the timer wheel / writer.
func (t *Table) All() []*Interface {
	out := make([]*Interface, 0, len(t.byName))
	for name, i := range t.byName {
		if name == WildcardName {
			continue
		}
		out = append(out, i)
	}
	return out
}

// Remove deletes a named interface (not the wildcard).
func (t *Table) Remove(name string) {
	if name == WildcardName {
		return
	}
	delete(t.byName, name)
}
