// Package packet implements the RFC 5444 generalized packet/TLV format
// this daemon carries HELLO (RFC 6130) and TC (RFC 7181) messages in.
//
// It is a pure encode/decode library over []byte: it knows nothing about
// NHDP or OLSRv2 semantics (spec.md §4.1 "pure function over bytes").
// Higher layers (lib/nhdp, lib/topology, lib/writer) attach meaning to
// message types and TLV type/ext-type codes.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"olsrv2d/lib/address"
)

// Well-known message types (RFC 6130 / RFC 7181).
const (
	MsgTypeHello byte = 0
	MsgTypeTC    byte = 1
)

// Errors the reader returns on malformed input (spec.md §4.1 "Contract
// (reader): ... fails without side effects on ...").
var (
	ErrTruncated          = errors.New("packet: truncated input")
	ErrUnknownField       = errors.New("packet: unknown mandatory field")
	ErrTLVLengthMismatch  = errors.New("packet: TLV length disagreement")
	ErrBadAddressLength   = errors.New("packet: message address length not in {4,16}")
)

// TLV is a single RFC 5444 type-length-value attribute. Exttype extends
// Type into a 16-bit space (0 when unused).
type TLV struct {
	Type    byte
	ExtType byte
	Value   []byte
}

func (t TLV) equal(o TLV) bool {
	if t.Type != o.Type || t.ExtType != o.ExtType || len(t.Value) != len(o.Value) {
		return false
	}
	for i := range t.Value {
		if t.Value[i] != o.Value[i] {
			return false
		}
	}
	return true
}

// AddressBlockEntry is one address carried by a message, with the
// address-TLVs attached to it (spec.md §3 "An address block is a
// run-length-compressed list of addresses with attached address-TLVs" —
// compression is an on-wire size optimization; the decoded model here is
// simply one TLV list per address).
type AddressBlockEntry struct {
	Addr address.Address
	TLVs []TLV
}

// Message is one decoded RFC 5444 message: header, message-TLVs and an
// address block.
type Message struct {
	Type       byte
	AddrFamily address.Family
	Originator *address.Address // nil if the message carries none
	HopLimit   uint8
	HasHopLimit bool
	HopCount   uint8
	HasHopCount bool
	SeqNum     uint16
	HasSeqNum  bool
	TLVs       []TLV
	Addresses  []AddressBlockEntry
}

// Packet is a full RFC 5444 packet: an optional packet sequence number
// and one or more messages.
type Packet struct {
	SeqNum    uint16
	HasSeqNum bool
	Messages  []Message
}

const (
	pktFlagHasSeqNum = 1 << 7

	msgFlagHasOriginator = 1 << 7
	msgFlagHasHopLimit   = 1 << 6
	msgFlagHasHopCount   = 1 << 5
	msgFlagHasSeqNum     = 1 << 4

	tlvFlagHasExtType = 1 << 0
)

// ParsePacket decodes a single RFC 5444 packet from b. It fails without
// side effects: on error the returned Packet is always nil.
func ParsePacket(b []byte) (*Packet, error) {
	r := &reader{buf: b}

	flags, err := r.byte()
	if err != nil {
		return nil, fmt.Errorf("packet header: %w", err)
	}
	p := &Packet{}
	if flags&pktFlagHasSeqNum != 0 {
		seq, err := r.uint16()
		if err != nil {
			return nil, fmt.Errorf("packet seqnum: %w", err)
		}
		p.SeqNum = seq
		p.HasSeqNum = true
	}

	for !r.empty() {
		m, err := parseMessage(r)
		if err != nil {
			return nil, err
		}
		p.Messages = append(p.Messages, *m)
	}
	return p, nil
}

func parseMessage(r *reader) (*Message, error) {
	msgType, err := r.byte()
	if err != nil {
		return nil, fmt.Errorf("message type: %w", err)
	}
	flags, err := r.byte()
	if err != nil {
		return nil, fmt.Errorf("message flags: %w", err)
	}
	addrLen, err := r.byte()
	if err != nil {
		return nil, fmt.Errorf("message addr-length: %w", err)
	}
	var family address.Family
	switch addrLen {
	case 4:
		family = address.FamilyV4
	case 16:
		family = address.FamilyV6
	default:
		return nil, fmt.Errorf("%w: got %d", ErrBadAddressLength, addrLen)
	}

	msgSize, err := r.uint16()
	if err != nil {
		return nil, fmt.Errorf("message size: %w", err)
	}
	body, err := r.take(int(msgSize))
	if err != nil {
		return nil, fmt.Errorf("message body: %w", err)
	}
	mr := &reader{buf: body}

	m := &Message{Type: msgType, AddrFamily: family}

	if flags&msgFlagHasOriginator != 0 {
		raw, err := mr.take(int(addrLen))
		if err != nil {
			return nil, fmt.Errorf("originator: %w", err)
		}
		a := addrFromBytes(family, raw, uint8(addrLen)*8)
		m.Originator = &a
	}
	if flags&msgFlagHasHopLimit != 0 {
		v, err := mr.byte()
		if err != nil {
			return nil, fmt.Errorf("hop-limit: %w", err)
		}
		m.HopLimit = v
		m.HasHopLimit = true
	}
	if flags&msgFlagHasHopCount != 0 {
		v, err := mr.byte()
		if err != nil {
			return nil, fmt.Errorf("hop-count: %w", err)
		}
		m.HopCount = v
		m.HasHopCount = true
	}
	if flags&msgFlagHasSeqNum != 0 {
		v, err := mr.uint16()
		if err != nil {
			return nil, fmt.Errorf("message seqnum: %w", err)
		}
		m.SeqNum = v
		m.HasSeqNum = true
	}

	tlvBlockLen, err := mr.uint16()
	if err != nil {
		return nil, fmt.Errorf("message tlv block size: %w", err)
	}
	tlvBlock, err := mr.take(int(tlvBlockLen))
	if err != nil {
		return nil, fmt.Errorf("message tlv block: %w", err)
	}
	tlvs, err := parseTLVs(tlvBlock)
	if err != nil {
		return nil, fmt.Errorf("message tlvs: %w", err)
	}
	m.TLVs = tlvs

	addrBlockLen, err := mr.uint16()
	if err != nil {
		return nil, fmt.Errorf("address block size: %w", err)
	}
	addrBlock, err := mr.take(int(addrBlockLen))
	if err != nil {
		return nil, fmt.Errorf("address block: %w", err)
	}
	addrs, err := parseAddressBlock(addrBlock, family, int(addrLen))
	if err != nil {
		return nil, fmt.Errorf("address entries: %w", err)
	}
	m.Addresses = addrs

	if !mr.empty() {
		return nil, fmt.Errorf("%w: trailing message bytes", ErrUnknownField)
	}
	return m, nil
}

func parseTLVs(b []byte) ([]TLV, error) {
	r := &reader{buf: b}
	var out []TLV
	for !r.empty() {
		typ, err := r.byte()
		if err != nil {
			return nil, err
		}
		flags, err := r.byte()
		if err != nil {
			return nil, err
		}
		var ext byte
		if flags&tlvFlagHasExtType != 0 {
			ext, err = r.byte()
			if err != nil {
				return nil, err
			}
		}
		vlen, err := r.uint16()
		if err != nil {
			return nil, err
		}
		val, err := r.take(int(vlen))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTLVLengthMismatch, err)
		}
		out = append(out, TLV{Type: typ, ExtType: ext, Value: val})
	}
	return out, nil
}

func parseAddressBlock(b []byte, family address.Family, addrLen int) ([]AddressBlockEntry, error) {
	r := &reader{buf: b}
	count, err := r.uint16()
	if err != nil {
		return nil, err
	}
	out := make([]AddressBlockEntry, 0, count)
	for i := 0; i < int(count); i++ {
		raw, err := r.take(addrLen)
		if err != nil {
			return nil, err
		}
		plen, err := r.byte()
		if err != nil {
			return nil, err
		}
		ntlvs, err := r.uint16()
		if err != nil {
			return nil, err
		}
		tlvBlockLen, err := r.uint16()
		if err != nil {
			return nil, err
		}
		tlvBlock, err := r.take(int(tlvBlockLen))
		if err != nil {
			return nil, err
		}
		tlvs, err := parseTLVs(tlvBlock)
		if err != nil {
			return nil, err
		}
		if len(tlvs) != int(ntlvs) {
			return nil, ErrTLVLengthMismatch
		}
		out = append(out, AddressBlockEntry{
			Addr: addrFromBytes(family, raw, plen),
			TLVs: tlvs,
		})
	}
	return out, nil
}

func addrFromBytes(family address.Family, raw []byte, prefixLen uint8) address.Address {
	var a address.Address
	a.Family = family
	copy(a.Bytes[:], raw)
	a.PrefixLen = prefixLen
	return a
}

// --- reader: small cursor over a byte slice ---

type reader struct {
	buf []byte
	pos int
}

func (r *reader) empty() bool { return r.pos >= len(r.buf) }

func (r *reader) byte() (byte, error) {
	if r.pos+1 > len(r.buf) {
		return 0, ErrTruncated
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) uint16() (uint16, error) {
	if r.pos+2 > len(r.buf) {
		return 0, ErrTruncated
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, ErrTruncated
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}
