// Package writer composes the HELLO and TC messages this node
// originates (spec.md §4.6), binding lib/packet's generic codec to
// lib/nhdp (link/neighbor state), lib/domain (willingness/MPR) and
// lib/iface (local addresses) for HELLO, and to the same neighbor/domain
// state plus a locally-attached-prefix list for TC.
//
// Grounded on original_source/src/nhdp/nhdp_writer.c and
// src/olsrv2/olsrv2_writer.c for which TLVs accompany which addresses;
// re-expressed here atop lib/packet.Writer's fragmenting AddressSource
// instead of that file's rfc5444 writer-plugin callback chain.
package writer

import (
	"encoding/binary"
	"time"

	"olsrv2d/lib/address"
	"olsrv2d/lib/domain"
	"olsrv2d/lib/iface"
	"olsrv2d/lib/nhdp"
	"olsrv2d/lib/packet"
)

// LocalPrefix is a network this node is a gateway for (spec.md §4.6 TC
// "(b) every locally-attached network prefix, with metric TLV and
// GATEWAY TLV carrying the hop distance").
type LocalPrefix struct {
	Prefix   address.Address
	Cost     [domain.MaxDomains]uint32
	Distance uint8
}

// Writer composes this node's own HELLO and TC messages from current
// protocol state. It owns no state other than the two sequence
// counters; everything else is read fresh from the databases passed to
// Hello/TC on every call.
type Writer struct {
	Codec    *packet.Writer
	Registry *domain.Registry
	NHDP     *nhdp.DB
	Ifaces   *iface.Table

	// OriginatorV4/V6 are this node's advertised originators, nil if this
	// node has none yet for that family (spec.md §6 "originator (per
	// family)").
	OriginatorV4, OriginatorV6 *address.Address

	TCValidity, TCInterval time.Duration
	LocalPrefixes          []LocalPrefix

	ansn     uint16
	protoSeq uint16
}

// BumpANSN increments the advertised-neighbor-set sequence number,
// called by the core whenever an MPR recomputation changes a neighbor's
// IsMPR flag, which selects the neighbors a TC lists; a change to
// LocalPrefixes does not bump it (spec.md §3 "tc_node... ANSN").
func (w *Writer) BumpANSN() {
	w.ansn++
}

func (w *Writer) nextSeq() uint16 {
	w.protoSeq++
	return w.protoSeq
}

func (w *Writer) originatorFor(fam address.Family) *address.Address {
	if fam == address.FamilyV4 {
		return w.OriginatorV4
	}
	return w.OriginatorV6
}

// Hello composes the HELLO li should emit for fam this refresh, or nil
// if li does not flood fam (spec.md §4.6 "the writer refuses to emit on
// loopback interfaces and on non-multicast targets").
func (w *Writer) Hello(li *iface.Interface, fam address.Family, now time.Time) ([]packet.Message, error) {
	if li.Name == "lo" || !li.Flooding(fam) {
		return nil, nil
	}

	hdr := packet.MessageHeader{
		Type:       packet.MsgTypeHello,
		Family:     fam,
		Originator: w.interfaceOriginator(li, fam),
	}

	msgTLVs := []packet.TLV{
		{Type: packet.MTLVValidityTime, Value: []byte{packet.EncodeTime(uint64(li.HelloValidity / time.Millisecond))}},
		{Type: packet.MTLVIntervalTime, Value: []byte{packet.EncodeTime(uint64(li.RefreshInterval / time.Millisecond))}},
	}
	for _, d := range w.Registry.All() {
		msgTLVs = append(msgTLVs, packet.TLV{Type: packet.MTLVWillingness, ExtType: d.Ext, Value: []byte{d.Willingness}})
	}
	if fam == address.FamilyV6 && w.OriginatorV4 != nil {
		msgTLVs = append(msgTLVs, packet.TLV{Type: packet.MTLVOtherOriginator, Value: append([]byte(nil), w.OriginatorV4.Bytes[:4]...)})
	}

	entries := w.localIfaceEntries(li, fam)
	entries = append(entries, w.neighborLinkEntries(li, fam)...)

	return w.Codec.WriteMessage(hdr, msgTLVs, &packet.SliceAddressSource{Entries: entries}, nil)
}

// interfaceOriginator prefers a per-interface originator hint over the
// node-wide default (spec.md §4.2 "a configured per-interface originator
// hint").
func (w *Writer) interfaceOriginator(li *iface.Interface, fam address.Family) *address.Address {
	if fam == address.FamilyV4 && li.OriginatorV4 != nil {
		return li.OriginatorV4
	}
	if fam == address.FamilyV6 && li.OriginatorV6 != nil {
		return li.OriginatorV6
	}
	return w.originatorFor(fam)
}

func (w *Writer) localIfaceEntries(li *iface.Interface, fam address.Family) []packet.AddressBlockEntry {
	var out []packet.AddressBlockEntry
	for _, other := range w.Ifaces.All() {
		status := byte(packet.LocalIfOtherIf)
		if other == li {
			status = packet.LocalIfThisIf
		}
		for _, a := range other.LocalAddresses(fam) {
			out = append(out, packet.AddressBlockEntry{
				Addr: a,
				TLVs: []packet.TLV{{Type: packet.ATLVLocalIface, Value: []byte{status}}},
			})
		}
	}
	return out
}

func linkStatusByte(s nhdp.Status) (byte, bool) {
	switch s {
	case nhdp.StatusSymmetric:
		return packet.LinkStatusSymmetric, true
	case nhdp.StatusHeard:
		return packet.LinkStatusHeard, true
	case nhdp.StatusLost:
		return packet.LinkStatusLost, true
	default:
		return 0, false // PENDING links are not yet advertiseable
	}
}

func (w *Writer) neighborLinkEntries(li *iface.Interface, fam address.Family) []packet.AddressBlockEntry {
	var out []packet.AddressBlockEntry
	for _, nb := range w.NHDP.Neighbors() {
		for _, l := range nb.Links {
			if l.LocalIface != li || l.RemoteAddr.Family != fam {
				continue
			}
			status, ok := linkStatusByte(l.Status)
			if !ok {
				continue
			}
			tlvs := []packet.TLV{{Type: packet.ATLVLinkStatus, Value: []byte{status}}}
			for idx, d := range w.Registry.All() {
				if nb.IsMPR[idx] {
					tlvs = append(tlvs, packet.TLV{Type: packet.ATLVMPR, ExtType: d.Ext, Value: []byte{packet.MPRFlagged}})
				}
				metrics := [4]uint32{l.InMetric[idx], l.OutMetric[idx], packet.InfiniteMetric, packet.InfiniteMetric}
				for _, v := range packet.CompressMetricTLVs(metrics) {
					var b [2]byte
					binary.BigEndian.PutUint16(b[:], v)
					tlvs = append(tlvs, packet.TLV{Type: packet.ATLVLinkMetric, ExtType: d.Ext, Value: b[:]})
				}
			}
			out = append(out, packet.AddressBlockEntry{Addr: l.RemoteAddr, TLVs: tlvs})
		}
	}
	return out
}

// TC composes the global TC for fam, or nil if this node has no
// originator of that family yet (spec.md §4.6 "TC is emitted globally
// ... per address family if an originator of that family exists").
func (w *Writer) TC(fam address.Family, now time.Time) ([]packet.Message, error) {
	originator := w.originatorFor(fam)
	if originator == nil {
		return nil, nil
	}

	hdr := packet.MessageHeader{
		Type:        packet.MsgTypeTC,
		Family:      fam,
		Originator:  originator,
		HopLimit:    255,
		HasHopLimit: true,
		HopCount:    0,
		HasHopCount: true,
		SeqNum:      w.nextSeq(),
		HasSeqNum:   true,
	}
	msgTLVs := []packet.TLV{
		{Type: packet.MTLVValidityTime, Value: []byte{packet.EncodeTime(uint64(w.TCValidity / time.Millisecond))}},
		{Type: packet.MTLVIntervalTime, Value: []byte{packet.EncodeTime(uint64(w.TCInterval / time.Millisecond))}},
	}

	ansn := w.ansn
	finish := func(complete bool) []packet.TLV {
		flag := packet.CSNFlagIncomplete
		if complete {
			flag = packet.CSNFlagComplete
		}
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], ansn)
		return []packet.TLV{{Type: packet.MTLVContentSeqNum, ExtType: flag, Value: b[:]}}
	}

	entries := w.mprSelectorEntries(fam)
	entries = append(entries, w.attachedPrefixEntries(fam)...)

	return w.Codec.WriteMessage(hdr, msgTLVs, &packet.SliceAddressSource{Entries: entries}, finish)
}

func (w *Writer) mprSelectorEntries(fam address.Family) []packet.AddressBlockEntry {
	var out []packet.AddressBlockEntry
	for _, nb := range w.NHDP.Neighbors() {
		if nb.Symmetric < 1 {
			continue
		}
		isMPRForAny := false
		for _, on := range nb.IsMPR {
			if on {
				isMPRForAny = true
				break
			}
		}
		if !isMPRForAny {
			continue
		}
		for _, a := range nb.Addresses() {
			if a.Family != fam {
				continue
			}
			nat := byte(packet.NbrAddrRoutable)
			if (nb.Originator != nil && nb.Originator.EqualAddr(a)) ||
				(nb.OtherFamilyOriginator != nil && nb.OtherFamilyOriginator.EqualAddr(a)) {
				nat |= packet.NbrAddrOriginator
			}
			tlvs := []packet.TLV{{Type: packet.ATLVNbrAddrType, Value: []byte{nat}}}
			for idx, d := range w.Registry.All() {
				if !nb.IsMPR[idx] {
					continue
				}
				var mv [2]byte
				binary.BigEndian.PutUint16(mv[:], packet.MetricTLVValue(packet.DirOutgoingNeighbor, nb.Metric[idx]))
				tlvs = append(tlvs, packet.TLV{Type: packet.ATLVLinkMetric, ExtType: d.Ext, Value: mv[:]})
			}
			out = append(out, packet.AddressBlockEntry{Addr: a, TLVs: tlvs})
		}
	}
	return out
}

func (w *Writer) attachedPrefixEntries(fam address.Family) []packet.AddressBlockEntry {
	var out []packet.AddressBlockEntry
	for _, lp := range w.LocalPrefixes {
		if lp.Prefix.Family != fam {
			continue
		}
		tlvs := []packet.TLV{{Type: packet.ATLVGateway, Value: []byte{lp.Distance}}}
		for idx, d := range w.Registry.All() {
			if lp.Cost[idx] >= packet.InfiniteMetric {
				continue
			}
			var mv [2]byte
			binary.BigEndian.PutUint16(mv[:], packet.MetricTLVValue(packet.DirOutgoingNeighbor, lp.Cost[idx]))
			tlvs = append(tlvs, packet.TLV{Type: packet.ATLVLinkMetric, ExtType: d.Ext, Value: mv[:]})
		}
		out = append(out, packet.AddressBlockEntry{Addr: lp.Prefix, TLVs: tlvs})
	}
	return out
}
