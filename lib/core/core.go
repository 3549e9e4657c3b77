// Package core implements the single-threaded cooperative event loop
// spec.md §5 describes: a central goroutine owning every protocol
// database, driven by inbound packets, configuration changes and a
// deadline-ordered timer queue. No other package in this module touches
// net, os or goroutines — that is left to the glue packages
// (lib/transport, lib/kernel, lib/netif) and main.go, which only ever
// write to this package's channels (spec.md §5 "All protocol state is
// reachable only from the loop thread").
//
// Grounded on main.go's original context.WithCancel/goroutine-plus-channel
// shape in Splat-NDPeekr, generalized from one listener goroutine plus a
// TUI into a single select loop over three event sources.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"olsrv2d/lib/address"
	"olsrv2d/lib/config"
	"olsrv2d/lib/domain"
	"olsrv2d/lib/dup"
	"olsrv2d/lib/iface"
	"olsrv2d/lib/nhdp"
	"olsrv2d/lib/packet"
	"olsrv2d/lib/routing"
	"olsrv2d/lib/topology"
	"olsrv2d/lib/writer"
)

// Limits holds entity-count caps for modeling spec.md §7(c)
// "out-of-memory" as a configured cap rather than a simulated allocation
// failure. Zero means unbounded. No ingest path in this package reads
// these fields, so link, neighbor and TC-node creation is not bounded by
// them.
type Limits struct {
	MaxLinksPerInterface int
	MaxNeighbors         int
	MaxTCNodes           int
}

// ErrCapacityExceeded reports an ingest that would exceed a Limits
// field. No code in this module returns it, since Limits is not checked.
var ErrCapacityExceeded = fmt.Errorf("core: capacity exceeded")

// ConfigError reports which configuration section rejected an
// ApplyConfig call (spec.md §7(d) "previous config retained").
type ConfigError struct {
	Section string
	Err     error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("core: config section %q: %v", e.Section, e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

// InboundPacket is one datagram handed to the core by lib/transport,
// already demultiplexed to the receiving interface.
type InboundPacket struct {
	Iface *iface.Interface
	From  address.Address
	Raw   []byte
}

// IfaceSync reports an OS interface's current index and full address
// set, handed to the core by lib/netif (spec.md §3 "Interface address:
// on change notification... addresses absent from the new list enter a
// removed grace period"). Addresses is the complete current set, not a
// diff — iface.Interface.SyncLocalAddresses reconciles it.
type IfaceSync struct {
	Name      string
	Index     int
	Addresses []address.Address
}

// Sender is the core's only outbound side effect: handing a composed
// packet to the glue layer for actual socket I/O (spec.md §4.9
// "transport ... kept in its own package so the core never imports
// net").
type Sender interface {
	Send(li *iface.Interface, fam address.Family, pkt *packet.Packet) error
}

// RouteSink receives each recompute's ordered RouteOp stream, handing it
// on to lib/kernel for installation (spec.md §4.10 "applying ops
// strictly in the order they arrive, single consumer goroutine, no
// reordering").
type RouteSink interface {
	Apply(ops []routing.RouteOp)
}

// Core owns every protocol database and drives them from one goroutine.
type Core struct {
	log *slog.Logger

	Registry *domain.Registry
	NHDP     *nhdp.DB
	Topo     *topology.DB
	Dup      *dup.Set
	Ifaces   *iface.Table
	Writer   *writer.Writer
	Routing  map[int]*routing.DB

	Limits Limits
	cfg    config.Config

	Transport Sender
	Kernel    RouteSink

	Inbound       chan InboundPacket
	ConfigChanges chan config.Config
	IfaceSyncs    chan IfaceSync

	timers   timerQueue
	timerSeq uint64

	now func() time.Time
}

// New assembles a Core with empty databases bound to reg. protocolID and
// preferredFamily are forwarded to every per-domain routing.DB (spec.md
// §4.5 "ties broken by preferring the dual-stack-preferred family").
func New(log *slog.Logger, reg *domain.Registry, protocolID uint8, preferredFamily address.Family) *Core {
	ifaces := iface.NewTable()
	nh := nhdp.NewDB(reg)
	c := &Core{
		log:      log,
		Registry: reg,
		NHDP:     nh,
		Topo:     topology.NewDB(reg),
		Dup:      dup.NewSet(30 * time.Second),
		Ifaces:   ifaces,
		Writer: &writer.Writer{
			Codec:    &packet.Writer{},
			Registry: reg,
			NHDP:     nh,
			Ifaces:   ifaces,
		},
		Routing:       make(map[int]*routing.DB),
		Inbound:       make(chan InboundPacket, 64),
		ConfigChanges: make(chan config.Config, 1),
		IfaceSyncs:    make(chan IfaceSync, 16),
		now:           time.Now,
	}
	for _, d := range reg.All() {
		c.Routing[d.Index] = routing.NewDB(d.Index, protocolID, preferredFamily)
	}
	return c
}

// ApplyConfig replaces the interface table, domain willingness and
// writer timing from cfg. It validates before mutating anything so a
// rejected section leaves the previous configuration untouched (spec.md
// §7(d)).
func (c *Core) ApplyConfig(cfg config.Config) error {
	if _, ok := cfg.Interfaces[iface.WildcardName]; !ok {
		return &ConfigError{Section: "interfaces", Err: fmt.Errorf("missing wildcard %q section", iface.WildcardName)}
	}
	for ext, dc := range cfg.Domains {
		if dc.Willingness > 15 {
			return &ConfigError{Section: "domains", Err: fmt.Errorf("willingness for ext %d out of range", ext)}
		}
	}

	for name, ic := range cfg.Interfaces {
		c.Ifaces.Configure(ic.AsIfaceConfig(name))
	}
	for ext, dc := range cfg.Domains {
		if d, ok := c.Registry.ByExt(ext); ok {
			c.Registry.SetWillingness(d.Index, dc.Willingness)
		}
	}

	c.Writer.OriginatorV4 = cfg.OriginatorV4
	c.Writer.OriginatorV6 = cfg.OriginatorV6
	c.Writer.TCInterval = cfg.TCInterval
	c.Writer.TCValidity = cfg.TCValidity

	c.cfg = cfg
	return nil
}

// handleIfaceSync applies an OS-reported interface index/address set.
// An interface not yet explicitly configured is materialized from the
// wildcard template (spec.md §3 "Wildcard config"); one that matched no
// section at all (no wildcard configured) is silently ignored.
func (c *Core) handleIfaceSync(s IfaceSync) {
	if !c.Ifaces.Configured(s.Name) {
		tmpl, ok := c.Ifaces.Resolve(s.Name)
		if !ok {
			return
		}
		cfg := tmpl.Config
		cfg.Name = s.Name
		c.Ifaces.Configure(cfg)
	}
	li, _ := c.Ifaces.Resolve(s.Name)
	li.Index = s.Index
	li.SyncLocalAddresses(s.Addresses, c.now())
}

func (c *Core) localAddresses() []address.Address {
	var out []address.Address
	for _, li := range c.Ifaces.All() {
		out = append(out, li.LocalAddresses(address.FamilyV4)...)
		out = append(out, li.LocalAddresses(address.FamilyV6)...)
	}
	return out
}

func (c *Core) localOriginators() []address.Address {
	var out []address.Address
	if c.Writer.OriginatorV4 != nil {
		out = append(out, *c.Writer.OriginatorV4)
	}
	if c.Writer.OriginatorV6 != nil {
		out = append(out, *c.Writer.OriginatorV6)
	}
	return out
}

// Run drives the event loop until ctx is cancelled (spec.md §5).
func (c *Core) Run(ctx context.Context) error {
	c.scheduleRefresh()
	c.scheduleMaintenance()

	for {
		var timerC <-chan time.Time
		var t *time.Timer
		if len(c.timers) > 0 {
			d := time.Until(c.timers[0].deadline)
			if d < 0 {
				d = 0
			}
			t = time.NewTimer(d)
			timerC = t.C
		}

		select {
		case <-ctx.Done():
			stopTimer(t)
			return ctx.Err()
		case pkt := <-c.Inbound:
			stopTimer(t)
			c.handleInbound(pkt)
		case cfg := <-c.ConfigChanges:
			stopTimer(t)
			if err := c.ApplyConfig(cfg); err != nil {
				c.log.Warn("config rejected", "err", err)
			}
		case sync := <-c.IfaceSyncs:
			stopTimer(t)
			c.handleIfaceSync(sync)
		case now := <-timerC:
			c.fireDueTimers(now)
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (c *Core) handleInbound(p InboundPacket) {
	pk, err := packet.ParsePacket(p.Raw)
	if err != nil {
		c.log.Debug("malformed packet dropped", "err", err, "from", p.From, "iface", p.Iface.Name)
		return
	}
	localAddrs := c.localAddresses()
	localOriginators := c.localOriginators()
	now := c.now()

	changed := false
	for _, msg := range pk.Messages {
		switch msg.Type {
		case packet.MsgTypeHello:
			msg := msg
			ok, err := c.NHDP.IngestHello(p.Iface, p.From, &msg, localAddrs, now)
			if err != nil {
				c.log.Debug("malformed HELLO dropped", "err", err, "from", p.From)
				continue
			}
			changed = changed || ok
		case packet.MsgTypeTC:
			if msg.Originator == nil {
				continue
			}
			if msg.HasSeqNum {
				if c.Dup.Check(*msg.Originator, msg.Type, msg.SeqNum) {
					continue // spec.md §4.7 "drop on second observation"
				}
				c.Dup.Record(*msg.Originator, msg.Type, msg.SeqNum)
			}
			msg := msg
			ok, err := c.Topo.IngestTC(&msg, localOriginators, now)
			if err != nil {
				c.log.Debug("malformed TC dropped", "err", err, "originator", msg.Originator)
				continue
			}
			changed = changed || ok
		}
	}
	if changed {
		c.recomputeMPR()
		c.recomputeRoutes()
	}
}

// recomputeMPR re-runs each domain's MPRHandler and applies the result
// onto every neighbor's IsMPR flag (spec.md §4.3), bumping the writer's
// ANSN when any flag changes.
func (c *Core) recomputeMPR() {
	changed := false
	for _, d := range c.Registry.All() {
		view := c.NHDP.NeighborhoodFor(d.Index)
		selected := d.MPR.SelectMPR(d.Index, view)
		for _, nb := range c.NHDP.Neighbors() {
			if nb.IsMPR[d.Index] != selected[nb] {
				nb.IsMPR[d.Index] = selected[nb]
				changed = true
			}
		}
	}
	if changed {
		c.Writer.BumpANSN()
	}
}

// recomputeRoutes reruns every domain's Dijkstra pass and hands the
// resulting RouteOps to the kernel installer (spec.md §4.5, §6 "route
// install interface").
func (c *Core) recomputeRoutes() {
	var all []routing.RouteOp
	for _, d := range c.Registry.All() {
		db := c.Routing[d.Index]
		all = append(all, db.Recompute(c.Topo, c.NHDP)...)
	}
	if len(all) > 0 && c.Kernel != nil {
		c.Kernel.Apply(all)
	}
}

func (c *Core) scheduleRefresh() {
	for _, li := range c.Ifaces.All() {
		c.scheduleHello(li)
	}
	c.scheduleTC()
}

func (c *Core) scheduleHello(li *iface.Interface) {
	c.scheduleAt(c.now().Add(li.RefreshInterval), func(now time.Time) {
		c.emitHello(li, now)
		c.scheduleHello(li)
	})
}

func (c *Core) emitHello(li *iface.Interface, now time.Time) {
	for _, fam := range [2]address.Family{address.FamilyV4, address.FamilyV6} {
		msgs, err := c.Writer.Hello(li, fam, now)
		if err != nil || len(msgs) == 0 {
			continue
		}
		c.send(li, fam, msgs)
	}
}

func (c *Core) scheduleTC() {
	c.scheduleAt(c.now().Add(c.Writer.TCInterval), func(now time.Time) {
		c.emitTC(now)
		c.scheduleTC()
	})
}

func (c *Core) emitTC(now time.Time) {
	for _, fam := range [2]address.Family{address.FamilyV4, address.FamilyV6} {
		msgs, err := c.Writer.TC(fam, now)
		if err != nil || len(msgs) == 0 {
			continue
		}
		for _, li := range c.Ifaces.All() {
			if li.Flooding(fam) {
				c.send(li, fam, msgs)
			}
		}
	}
}

func (c *Core) send(li *iface.Interface, fam address.Family, msgs []packet.Message) {
	if c.Transport == nil {
		return
	}
	pkt := &packet.Packet{Messages: msgs}
	if err := c.Transport.Send(li, fam, pkt); err != nil {
		c.log.Warn("send failed", "iface", li.Name, "family", fam, "err", err)
	}
}

// scheduleMaintenance runs periodic housekeeping: NHDP/topology timer
// expiry, duplicate-set pruning, and the MPR/route recompute that
// follows from any expiry-driven change.
func (c *Core) scheduleMaintenance() {
	const tick = time.Second
	c.scheduleAt(c.now().Add(tick), func(now time.Time) {
		nbChanged := c.NHDP.Tick(now)
		topoChanged := c.Topo.Tick(now)
		c.Dup.Prune()
		if nbChanged || topoChanged {
			c.recomputeMPR()
			c.recomputeRoutes()
		}
		c.scheduleMaintenance()
	})
}
