package core

import (
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"olsrv2d/lib/address"
	"olsrv2d/lib/config"
	"olsrv2d/lib/domain"
	"olsrv2d/lib/iface"
	"olsrv2d/lib/nhdp"
	"olsrv2d/lib/packet"
)

func a(s string) address.Address {
	return address.FromNetIP(netip.MustParseAddr(s))
}

// node wires a fresh Core with a single flooding interface and an
// originator, mirroring how main.go assembles one (spec.md §8 "S1-S6 as
// scenario tests ... wiring lib/nhdp + lib/topology + lib/routing +
// lib/writer together without real sockets").
func node(t *testing.T, name string, originator address.Address) (*Core, *iface.Interface) {
	t.Helper()
	reg := domain.NewRegistry(domain.ConstantMetricHandler{}, domain.DefaultMPRHandler{})
	c := New(slog.New(slog.NewTextHandler(io.Discard, nil)), reg, 100, address.FamilyV4)
	cfg := config.Config{
		TCInterval: 5 * time.Second,
		TCValidity: 15 * time.Second,
		Interfaces: map[string]config.InterfaceConfig{
			iface.WildcardName: {
				FloodV4:          true,
				RefreshInterval:  2 * time.Second,
				HelloValidity:    6 * time.Second,
				LinkHoldTime:     6 * time.Second,
				NeighborHoldTime: 6 * time.Second,
				AddrHoldTime:     6 * time.Second,
			},
		},
		Domains: map[domain.ExtensionByte]config.DomainConfig{0: {Willingness: 7}},
	}
	orig := originator
	cfg.OriginatorV4 = &orig
	if err := c.ApplyConfig(cfg); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	li, ok := c.Ifaces.Resolve(name)
	if !ok {
		t.Fatalf("expected wildcard-resolved interface %q", name)
	}
	cfg2 := li.Config
	cfg2.Name = name
	li = c.Ifaces.Configure(cfg2)
	li.Index = 1
	li.SyncLocalAddresses([]address.Address{originator}, time.Now())
	return c, li
}

// exchange hands every message one Core wrote to the other, as if
// delivered over the wire (spec.md §4.9's contract: raw bytes in,
// demultiplexed to the receiving interface).
func exchange(t *testing.T, from *Core, fromIface *iface.Interface, fromAddr address.Address, to *Core, toIface *iface.Interface, msgs []packet.Message) {
	t.Helper()
	if len(msgs) == 0 {
		return
	}
	raw, err := (&packet.Packet{Messages: msgs}).Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	to.handleInbound(InboundPacket{Iface: toIface, From: fromAddr, Raw: raw})
}

// TestTwoNodeHelloReachesSymmetricAndRoutes covers S1 (link/neighbor
// state machine reaches SYMMETRIC after bidirectional HELLO) end to end,
// and checks that a single-hop route to the peer appears once both sides
// have also exchanged a TC.
func TestTwoNodeHelloReachesSymmetricAndRoutes(t *testing.T) {
	now := time.Now()
	addrA := a("10.0.0.1")
	addrB := a("10.0.0.2")
	nodeA, ifA := node(t, "eth0", addrA)
	nodeB, ifB := node(t, "eth0", addrB)

	// Round 1: B hears A (HEARD); B's reply lists A as HEARD, so A's link
	// to B is already SYMMETRIC.
	helloA, err := nodeA.Writer.Hello(ifA, address.FamilyV4, now)
	if err != nil {
		t.Fatalf("A Hello: %v", err)
	}
	exchange(t, nodeA, ifA, addrA, nodeB, ifB, helloA)

	helloB, err := nodeB.Writer.Hello(ifB, address.FamilyV4, now)
	if err != nil {
		t.Fatalf("B Hello: %v", err)
	}
	exchange(t, nodeB, ifB, addrB, nodeA, ifA, helloB)

	// Round 2: A's HELLO now lists B as SYMMETRIC, flipping B's side to
	// SYMMETRIC as well.
	helloA2, _ := nodeA.Writer.Hello(ifA, address.FamilyV4, now)
	exchange(t, nodeA, ifA, addrA, nodeB, ifB, helloA2)
	helloB2, _ := nodeB.Writer.Hello(ifB, address.FamilyV4, now)
	exchange(t, nodeB, ifB, addrB, nodeA, ifA, helloB2)

	nbOfB, ok := findNeighborByAddr(nodeA, addrB)
	if !ok || nbOfB.Symmetric < 1 {
		t.Fatalf("expected A to have a symmetric neighbor for B")
	}
	nbOfA, ok := findNeighborByAddr(nodeB, addrA)
	if !ok || nbOfA.Symmetric < 1 {
		t.Fatalf("expected B to have a symmetric neighbor for A")
	}

	// Each node also floods a TC describing itself so the other side's
	// Dijkstra pass has a tc_node to seed from (routing.DB.Recompute
	// step 2 looks up topo.Node(originator)).
	tcA, err := nodeA.Writer.TC(address.FamilyV4, now)
	if err != nil {
		t.Fatalf("A TC: %v", err)
	}
	exchange(t, nodeA, ifA, addrA, nodeB, ifB, tcA)
	tcB, err := nodeB.Writer.TC(address.FamilyV4, now)
	if err != nil {
		t.Fatalf("B TC: %v", err)
	}
	exchange(t, nodeB, ifB, addrB, nodeA, ifA, tcB)

	nodeA.recomputeRoutes()
	nodeB.recomputeRoutes()

	domainDB := nodeA.Routing[0]
	entry, ok := domainDB.Get(addrB.Prefix())
	if !ok {
		t.Fatalf("expected A to have a route to B's originator %v", addrB)
	}
	if !entry.NextHop.EqualAddr(addrB) {
		t.Fatalf("expected A's next hop to B to be B itself (one hop), got %v", entry.NextHop)
	}
	if !entry.SingleHop {
		t.Fatalf("expected a single-hop route to a direct neighbor")
	}
}

func findNeighborByAddr(c *Core, addr address.Address) (*nhdp.Neighbor, bool) {
	for _, n := range c.NHDP.Neighbors() {
		for _, known := range n.Addresses() {
			if known.EqualAddr(addr) {
				return n, true
			}
		}
	}
	return nil, false
}
