// Package transport is the only package in this module that opens a
// socket. It runs a per-family multicast UDP listener shared across all
// configured interfaces, demultiplexes inbound datagrams back to the
// iface.Interface they arrived on, and implements core.Sender for
// outbound HELLO/TC delivery (spec.md §4.9 "transport ... kept in its
// own package so the core never imports net").
//
// Grounded on lib/ndp_listener.go's ipv6.PacketConn/ControlMessage
// read-loop idiom, generalized to dual-stack and to fanning the two
// per-family read loops out with an errgroup instead of one goroutine,
// following mdlayher/ndp's internal/ndpcmd/run.go shape.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sync/errgroup"

	"olsrv2d/lib/address"
	"olsrv2d/lib/core"
	"olsrv2d/lib/iface"
	"olsrv2d/lib/packet"
)

const (
	// Port is the UDP port OLSRv2/NHDP traffic is exchanged on
	// (IANA "manet" port, spec.md §4.9).
	Port = 269

	MulticastV4 = "224.0.0.109"
	MulticastV6 = "ff02::6d"

	readTimeout = 800 * time.Millisecond
)

// Transport owns the two multicast sockets (one per family) shared by
// every interface. Interfaces opt in to a family by joining its
// multicast group.
type Transport struct {
	log    *slog.Logger
	ifaces *iface.Table
	sink   chan<- core.InboundPacket

	conn4 net.PacketConn
	conn6 net.PacketConn
	pc4   *ipv4.PacketConn
	pc6   *ipv6.PacketConn
}

// New builds a Transport bound to tbl for interface lookups, delivering
// every received datagram to sink (normally a Core's Inbound channel).
func New(log *slog.Logger, tbl *iface.Table, sink chan<- core.InboundPacket) *Transport {
	return &Transport{log: log, ifaces: tbl, sink: sink}
}

// Open binds both multicast sockets. Call once before JoinInterface/Run.
func (t *Transport) Open() error {
	conn4, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", Port))
	if err != nil {
		return fmt.Errorf("transport: listen udp4: %w", err)
	}
	t.conn4 = conn4
	t.pc4 = ipv4.NewPacketConn(conn4)
	if err := t.pc4.SetControlMessage(ipv4.FlagInterface|ipv4.FlagTTL, true); err != nil {
		t.log.Warn("ipv4 control messages unavailable; interface demux degraded", "err", err)
	}

	conn6, err := net.ListenPacket("udp6", fmt.Sprintf(":%d", Port))
	if err != nil {
		conn4.Close()
		return fmt.Errorf("transport: listen udp6: %w", err)
	}
	t.conn6 = conn6
	t.pc6 = ipv6.NewPacketConn(conn6)
	if err := t.pc6.SetControlMessage(ipv6.FlagInterface|ipv6.FlagHopLimit, true); err != nil {
		t.log.Warn("ipv6 control messages unavailable; interface demux degraded", "err", err)
	}
	return nil
}

// JoinInterface joins li's OS interface to whichever multicast groups it
// floods, so HELLO/TC from neighbors on li are received (spec.md §4.9).
func (t *Transport) JoinInterface(li *iface.Interface) error {
	ifi, err := net.InterfaceByName(li.Name)
	if err != nil {
		return fmt.Errorf("transport: interface %s: %w", li.Name, err)
	}
	if li.Flooding(address.FamilyV4) {
		grp := &net.UDPAddr{IP: net.ParseIP(MulticastV4)}
		if err := t.pc4.JoinGroup(ifi, grp); err != nil {
			return fmt.Errorf("transport: join v4 group on %s: %w", li.Name, err)
		}
	}
	if li.Flooding(address.FamilyV6) {
		grp := &net.UDPAddr{IP: net.ParseIP(MulticastV6)}
		if err := t.pc6.JoinGroup(ifi, grp); err != nil {
			return fmt.Errorf("transport: join v6 group on %s: %w", li.Name, err)
		}
	}
	return nil
}

// Run fans the two per-family read loops out with an errgroup and blocks
// until ctx is cancelled or either loop fails (spec.md §4.9 "never touch
// Core state directly": Run only ever writes to t.sink).
func (t *Transport) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.readLoop4(ctx) })
	g.Go(func() error { return t.readLoop6(ctx) })
	return g.Wait()
}

func (t *Transport) readLoop4(ctx context.Context) error {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_ = t.conn4.SetReadDeadline(time.Now().Add(readTimeout))
		n, cm, src, err := t.pc4.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("transport: read udp4: %w", err)
		}
		ifIndex := 0
		if cm != nil {
			ifIndex = cm.IfIndex
		}
		t.deliver(ifIndex, src, buf[:n])
	}
}

func (t *Transport) readLoop6(ctx context.Context) error {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_ = t.conn6.SetReadDeadline(time.Now().Add(readTimeout))
		n, cm, src, err := t.pc6.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("transport: read udp6: %w", err)
		}
		ifIndex := 0
		if cm != nil {
			ifIndex = cm.IfIndex
		}
		t.deliver(ifIndex, src, buf[:n])
	}
}

func (t *Transport) deliver(ifIndex int, src net.Addr, raw []byte) {
	if ifIndex == 0 {
		return
	}
	ifi, err := net.InterfaceByIndex(ifIndex)
	if err != nil {
		return
	}
	li, ok := t.ifaces.Resolve(ifi.Name)
	if !ok {
		return // datagram on an interface we never configured
	}
	from, ok := addrFromNetAddr(src)
	if !ok {
		return
	}
	cp := append([]byte(nil), raw...)
	t.sink <- core.InboundPacket{Iface: li, From: from, Raw: cp}
}

func addrFromNetAddr(a net.Addr) (address.Address, bool) {
	udp, ok := a.(*net.UDPAddr)
	if !ok || udp.IP == nil {
		return address.Address{}, false
	}
	ip, ok := netip.AddrFromSlice(udp.IP)
	if !ok {
		return address.Address{}, false
	}
	return address.FromNetIP(ip), true
}

// Send implements core.Sender: marshal pkt and multicast it once on li's
// group for fam, with a hop limit/TTL of 255; the link-local multicast
// groups keep the datagram on li's link (spec.md §4.9).
func (t *Transport) Send(li *iface.Interface, fam address.Family, pkt *packet.Packet) error {
	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("transport: marshal: %w", err)
	}
	ifi, err := net.InterfaceByName(li.Name)
	if err != nil {
		return fmt.Errorf("transport: interface %s: %w", li.Name, err)
	}
	switch fam {
	case address.FamilyV4:
		if err := t.pc4.SetMulticastInterface(ifi); err != nil {
			return fmt.Errorf("transport: set v4 egress %s: %w", li.Name, err)
		}
		_ = t.pc4.SetMulticastTTL(255)
		dst := &net.UDPAddr{IP: net.ParseIP(MulticastV4), Port: Port}
		_, err = t.pc4.WriteTo(raw, nil, dst)
		return err
	case address.FamilyV6:
		if err := t.pc6.SetMulticastInterface(ifi); err != nil {
			return fmt.Errorf("transport: set v6 egress %s: %w", li.Name, err)
		}
		_ = t.pc6.SetMulticastHopLimit(255)
		dst := &net.UDPAddr{IP: net.ParseIP(MulticastV6), Port: Port}
		_, err = t.pc6.WriteTo(raw, nil, dst)
		return err
	default:
		return fmt.Errorf("transport: unknown family %v", fam)
	}
}

// Close releases both sockets.
func (t *Transport) Close() error {
	var err error
	if t.conn4 != nil {
		if e := t.conn4.Close(); e != nil {
			err = e
		}
	}
	if t.conn6 != nil {
		if e := t.conn6.Close(); e != nil {
			err = e
		}
	}
	return err
}
