package packet

import (
	"encoding/binary"
	"fmt"

	"olsrv2d/lib/address"
)

// DefaultMTU is used when a Writer is constructed with MTU 0. It leaves
// generous headroom under the common 1500-byte Ethernet MTU once UDP/IP
// headers are accounted for.
const DefaultMTU = 1400

// MessageHeader carries the fixed fields of one RFC 5444 message, set by
// the caller of Writer.WriteMessage (spec.md §4.1 "Contract (writer): a
// consumer declares (a) per-target message-header callback").
type MessageHeader struct {
	Type        byte
	Family      address.Family
	Originator  *address.Address
	HopLimit    uint8
	HasHopLimit bool
	HopCount    uint8
	HasHopCount bool
	SeqNum      uint16
	HasSeqNum   bool
}

// AddressSource supplies the (address, TLVs) pairs a message should carry.
// Next returns ok=false once exhausted.
type AddressSource interface {
	Next() (addr address.Address, tlvs []TLV, ok bool)
}

// SliceAddressSource adapts a plain slice to AddressSource.
type SliceAddressSource struct {
	Entries []AddressBlockEntry
	idx     int
}

func (s *SliceAddressSource) Next() (address.Address, []TLV, bool) {
	if s.idx >= len(s.Entries) {
		return address.Address{}, nil, false
	}
	e := s.Entries[s.idx]
	s.idx++
	return e.Addr, e.TLVs, true
}

// Writer builds one or more messages from a single message's content,
// fragmenting at address-block boundaries when the content would exceed MTU (spec.md
// §4.1 "if the content exceeds MTU, it produces multiple messages that
// together carry all addresses").
type Writer struct {
	MTU int
}

func (w *Writer) mtu() int {
	if w.MTU <= 0 {
		return DefaultMTU
	}
	return w.MTU
}

// WriteMessage builds one or more Messages (fragments) carrying msgTLVs
// and every address addrs yields. finish, if non-nil, is called once per
// fragment with complete=true only for the last fragment; its return
// value is appended to that fragment's message-TLVs (used to back-patch
// a content-sequence-number TLV, spec.md §4.1).
func (w *Writer) WriteMessage(hdr MessageHeader, msgTLVs []TLV, addrs AddressSource,
	finish func(complete bool) []TLV) ([]Message, error) {

	if hdr.Family != address.FamilyV4 && hdr.Family != address.FamilyV6 {
		return nil, fmt.Errorf("%w: family %v", ErrBadAddressLength, hdr.Family)
	}

	var all []AddressBlockEntry
	for {
		a, tlvs, ok := addrs.Next()
		if !ok {
			break
		}
		all = append(all, AddressBlockEntry{Addr: a, TLVs: tlvs})
	}

	budget := w.mtu()
	fixedOverhead := fixedMessageOverhead(hdr) + encodedTLVListSize(msgTLVs) + 2 /*addrcount*/
	perAddrBudget := budget - fixedOverhead
	if perAddrBudget < 32 {
		perAddrBudget = 32 // degrade gracefully rather than infinite-loop on pathological MTUs
	}

	var fragments [][]AddressBlockEntry
	var cur []AddressBlockEntry
	curSize := 0
	for _, e := range all {
		sz := encodedAddressEntrySize(hdr.Family, e)
		if curSize+sz > perAddrBudget && len(cur) > 0 {
			fragments = append(fragments, cur)
			cur = nil
			curSize = 0
		}
		cur = append(cur, e)
		curSize += sz
	}
	if len(cur) > 0 || len(fragments) == 0 {
		fragments = append(fragments, cur)
	}

	msgs := make([]Message, 0, len(fragments))
	for i, frag := range fragments {
		complete := i == len(fragments)-1
		tlvs := append([]TLV(nil), msgTLVs...)
		if finish != nil {
			tlvs = append(tlvs, finish(complete)...)
		}
		msgs = append(msgs, Message{
			Type:        hdr.Type,
			AddrFamily:  hdr.Family,
			Originator:  hdr.Originator,
			HopLimit:    hdr.HopLimit,
			HasHopLimit: hdr.HasHopLimit,
			HopCount:    hdr.HopCount,
			HasHopCount: hdr.HasHopCount,
			SeqNum:      hdr.SeqNum,
			HasSeqNum:   hdr.HasSeqNum,
			TLVs:        tlvs,
			Addresses:   frag,
		})
	}
	return msgs, nil
}

func fixedMessageOverhead(hdr MessageHeader) int {
	n := 3 + 2 // type+flags+addrlen, msgsize
	if hdr.Originator != nil {
		n += hdr.Family.Len()
	}
	if hdr.HasHopLimit {
		n++
	}
	if hdr.HasHopCount {
		n++
	}
	if hdr.HasSeqNum {
		n += 2
	}
	return n
}

func encodedTLVSize(t TLV) int {
	n := 2 + len(t.Value) // type+flags, value length field folded below
	n += 2                // value length field
	if t.ExtType != 0 {
		n++
	}
	return n
}

func encodedTLVListSize(tlvs []TLV) int {
	n := 0
	for _, t := range tlvs {
		n += encodedTLVSize(t)
	}
	return n
}

func encodedAddressEntrySize(family address.Family, e AddressBlockEntry) int {
	return family.Len() + 1 /*prefixlen*/ + 2 /*ntlvs*/ + 2 /*tlvblocklen*/ + encodedTLVListSize(e.TLVs)
}

// Marshal serializes a full Packet to wire bytes.
func (p *Packet) Marshal() ([]byte, error) {
	buf := make([]byte, 0, 256)
	var flags byte
	if p.HasSeqNum {
		flags |= pktFlagHasSeqNum
	}
	buf = append(buf, flags)
	if p.HasSeqNum {
		buf = appendUint16(buf, p.SeqNum)
	}
	for _, m := range p.Messages {
		body, err := marshalMessageBody(m)
		if err != nil {
			return nil, err
		}
		addrLen := m.AddrFamily.Len()
		if addrLen != 4 && addrLen != 16 {
			return nil, fmt.Errorf("%w: family %v", ErrBadAddressLength, m.AddrFamily)
		}
		buf = append(buf, m.Type, messageFlags(m), byte(addrLen))
		buf = appendUint16(buf, uint16(len(body)))
		buf = append(buf, body...)
	}
	return buf, nil
}

func messageFlags(m Message) byte {
	var f byte
	if m.Originator != nil {
		f |= msgFlagHasOriginator
	}
	if m.HasHopLimit {
		f |= msgFlagHasHopLimit
	}
	if m.HasHopCount {
		f |= msgFlagHasHopCount
	}
	if m.HasSeqNum {
		f |= msgFlagHasSeqNum
	}
	return f
}

func marshalMessageBody(m Message) ([]byte, error) {
	addrLen := m.AddrFamily.Len()
	buf := make([]byte, 0, 128)
	if m.Originator != nil {
		buf = append(buf, m.Originator.Bytes[:addrLen]...)
	}
	if m.HasHopLimit {
		buf = append(buf, m.HopLimit)
	}
	if m.HasHopCount {
		buf = append(buf, m.HopCount)
	}
	if m.HasSeqNum {
		buf = appendUint16(buf, m.SeqNum)
	}

	tlvBlock := marshalTLVs(m.TLVs)
	buf = appendUint16(buf, uint16(len(tlvBlock)))
	buf = append(buf, tlvBlock...)

	addrBlock, err := marshalAddressBlock(m.Addresses, addrLen)
	if err != nil {
		return nil, err
	}
	buf = appendUint16(buf, uint16(len(addrBlock)))
	buf = append(buf, addrBlock...)
	return buf, nil
}

func marshalTLVs(tlvs []TLV) []byte {
	buf := make([]byte, 0, 16*len(tlvs))
	for _, t := range tlvs {
		var flags byte
		if t.ExtType != 0 {
			flags |= tlvFlagHasExtType
		}
		buf = append(buf, t.Type, flags)
		if t.ExtType != 0 {
			buf = append(buf, t.ExtType)
		}
		buf = appendUint16(buf, uint16(len(t.Value)))
		buf = append(buf, t.Value...)
	}
	return buf
}

func marshalAddressBlock(entries []AddressBlockEntry, addrLen int) ([]byte, error) {
	buf := make([]byte, 0, 32*len(entries)+2)
	buf = appendUint16(buf, uint16(len(entries)))
	for _, e := range entries {
		if e.Addr.Family.Len() != addrLen {
			return nil, fmt.Errorf("%w: address family mismatch in block", ErrBadAddressLength)
		}
		buf = append(buf, e.Addr.Bytes[:addrLen]...)
		buf = append(buf, e.Addr.PrefixLen)
		buf = appendUint16(buf, uint16(len(e.TLVs)))
		tlvBlock := marshalTLVs(e.TLVs)
		buf = appendUint16(buf, uint16(len(tlvBlock)))
		buf = append(buf, tlvBlock...)
	}
	return buf, nil
}

func appendUint16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}
