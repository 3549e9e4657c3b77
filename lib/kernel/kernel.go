// Package kernel installs the RouteOps lib/routing computes into the OS
// routing table over rtnetlink, one dedicated consumer goroutine reading
// an ordered channel so operations are never reordered or run
// concurrently (spec.md §4.10 "applying ops strictly in the order they
// arrive, single consumer goroutine, no reordering").
//
// Grounded on other_examples/jsimonetti-rtnetlink's RouteService
// (Replace/Delete over a *rtnetlink.Conn, RouteMessage/RouteAttributes
// wire shape) for the kernel call surface itself; the single-consumer
// channel idiom generalizes lib/core's own select-loop discipline.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/jsimonetti/rtnetlink"
	"golang.org/x/sys/unix"

	"olsrv2d/lib/address"
	"olsrv2d/lib/routing"
)

// Installer consumes RouteOp batches and installs them via rtnetlink.
// It implements core.RouteSink without importing lib/core, keeping the
// dependency direction glue-package -> core free of a cycle.
type Installer struct {
	log        *slog.Logger
	conn       *rtnetlink.Conn
	table      uint8
	protocolID uint8

	ops chan []routing.RouteOp
}

// Dial opens the rtnetlink socket and returns an Installer ready to Run.
func Dial(log *slog.Logger, protocolID uint8) (*Installer, error) {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("kernel: dial rtnetlink: %w", err)
	}
	return &Installer{
		log:        log,
		conn:       conn,
		table:      unix.RT_TABLE_MAIN,
		protocolID: protocolID,
		ops:        make(chan []routing.RouteOp, 8),
	}, nil
}

// Apply implements core.RouteSink: hand ops to the consumer goroutine,
// preserving arrival order (spec.md §4.10).
func (in *Installer) Apply(ops []routing.RouteOp) {
	in.ops <- ops
}

// Run services queued RouteOp batches until ctx is cancelled. Each batch
// is applied strictly in order; a failed operation is logged and
// skipped rather than aborting the batch. The failure is not reported
// back to lib/routing, whose shadow state already records the route as
// installed, so a later recompute does not retry it; the route is only
// emitted again once its next hop or interface changes.
func (in *Installer) Run(ctx context.Context) error {
	defer in.conn.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch := <-in.ops:
			for _, op := range batch {
				if err := in.applyOne(op); err != nil {
					in.log.Warn("route install failed", "op", op.Op, "dest", op.Dest, "err", err)
				}
			}
		}
	}
}

func (in *Installer) applyOne(op routing.RouteOp) error {
	msg := in.message(op)
	switch op.Op {
	case routing.OpAdd:
		return in.conn.Route.Replace(msg)
	case routing.OpDel:
		return in.conn.Route.Delete(msg)
	default:
		return fmt.Errorf("kernel: unknown op %v", op.Op)
	}
}

func (in *Installer) message(op routing.RouteOp) *rtnetlink.RouteMessage {
	fam := uint8(unix.AF_INET)
	if op.Family == address.FamilyV6 {
		fam = unix.AF_INET6
	}
	protocolID := op.ProtocolID
	if protocolID == 0 {
		protocolID = in.protocolID
	}
	return &rtnetlink.RouteMessage{
		Family:   fam,
		DstLength: uint8(op.Dest.Bits()),
		Table:    in.table,
		Protocol: protocolID,
		Scope:    unix.RT_SCOPE_UNIVERSE,
		Type:     unix.RTN_UNICAST,
		Attributes: rtnetlink.RouteAttributes{
			Dst:      net.IP(op.Dest.Addr().AsSlice()),
			Gateway:  net.IP(op.NextHop.NetIP().AsSlice()),
			OutIface: uint32(op.OutIfIndex),
			Priority: op.Metric,
			Table:    uint32(in.table),
		},
	}
}
