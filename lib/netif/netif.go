// Package netif is the glue between the OS interface/address table and
// the core: it enumerates interfaces and their addresses at startup and
// watches for address changes afterward, reporting both as
// core.IfaceSync values. Like lib/transport, it never touches Core
// state directly — only writes to its channel (spec.md §5, §3
// "Interface address... on change notification").
//
// Grounded on other_examples' vishvananda/netlink addr_linux.go
// (AddrList/AddrSubscribe/AddrUpdate shape); re-expressed here as a
// poll-then-subscribe Watcher instead of that file's raw subscribe-only
// helper, since the core also needs the interfaces' addresses at boot.
package netif

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/vishvananda/netlink"

	"olsrv2d/lib/address"
	"olsrv2d/lib/core"
)

// Watcher reports OS interface state to sink (normally a Core's
// IfaceSyncs channel).
type Watcher struct {
	log  *slog.Logger
	sink chan<- core.IfaceSync
}

// New builds a Watcher that reports to sink.
func New(log *slog.Logger, sink chan<- core.IfaceSync) *Watcher {
	return &Watcher{log: log, sink: sink}
}

// SyncAll enumerates every OS interface and its current addresses once,
// pushing one IfaceSync per interface. Call before Run so the core has
// an initial address set before any HELLO is due.
func (w *Watcher) SyncAll() error {
	links, err := netlink.LinkList()
	if err != nil {
		return fmt.Errorf("netif: list links: %w", err)
	}
	for _, link := range links {
		if err := w.syncLink(link); err != nil {
			w.log.Warn("address enumeration failed", "iface", link.Attrs().Name, "err", err)
		}
	}
	return nil
}

func (w *Watcher) syncLink(link netlink.Link) error {
	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return err
	}
	w.sink <- core.IfaceSync{
		Name:      link.Attrs().Name,
		Index:     link.Attrs().Index,
		Addresses: toAddresses(addrs),
	}
	return nil
}

func toAddresses(addrs []netlink.Addr) []address.Address {
	out := make([]address.Address, 0, len(addrs))
	for _, a := range addrs {
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}
		ones, _ := a.Mask.Size()
		out = append(out, address.FromPrefix(netip.PrefixFrom(ip.Unmap(), ones)))
	}
	return out
}

// Run subscribes to address-change notifications and reports a fresh
// full sync for the affected interface on every event, until ctx is
// cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	ch := make(chan netlink.AddrUpdate, 64)
	done := make(chan struct{})
	defer close(done)
	if err := netlink.AddrSubscribe(ch, done); err != nil {
		return fmt.Errorf("netif: subscribe: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd, ok := <-ch:
			if !ok {
				return fmt.Errorf("netif: address subscription closed")
			}
			link, err := netlink.LinkByIndex(upd.LinkIndex)
			if err != nil {
				w.log.Warn("address update for unknown link", "ifindex", upd.LinkIndex, "err", err)
				continue
			}
			if err := w.syncLink(link); err != nil {
				w.log.Warn("address resync failed", "iface", link.Attrs().Name, "err", err)
			}
		}
	}
}
