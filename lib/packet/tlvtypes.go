package packet

// Message-TLV types (RFC 6130 §12, RFC 7181 §11).
const (
	MTLVValidityTime byte = 0 // VALIDITY_TIME
	MTLVIntervalTime byte = 1 // INTERVAL_TIME
	MTLVContentSeqNum byte = 2 // ANSN, TC only
)

// ContentSeqNum message-TLV value flags (RFC 5497 fragmentation signal,
// spec.md §4.6 "back-patched in finish with the COMPLETE or INCOMPLETE
// content-sequence-number flag").
const (
	CSNFlagComplete byte = 0
	CSNFlagIncomplete byte = 1
)

// Address-TLV types used by HELLO (RFC 6130 §12).
const (
	ATLVLocalIface   byte = 0 // LOCAL_IF
	ATLVLinkStatus   byte = 1 // LINK_STATUS
	ATLVOtherNeighb  byte = 2 // OTHER_NEIGHB
)

// LOCAL_IF address-TLV values.
const (
	LocalIfThisIf  byte = 0
	LocalIfOtherIf byte = 1
)

// LINK_STATUS / OTHER_NEIGHB address-TLV values.
const (
	LinkStatusSymmetric byte = 0
	LinkStatusHeard     byte = 1
	LinkStatusLost      byte = 2
)

// Address-TLV types used by TC (RFC 7181 §11).
const (
	ATLVNbrAddrType byte = 3 // NBR_ADDR_TYPE
	ATLVGateway     byte = 4 // GATEWAY
)

// NBR_ADDR_TYPE bit flags.
const (
	NbrAddrRoutable  byte = 1 << 0
	NbrAddrOriginator byte = 1 << 1
)

// Domain-extended TLV types shared by HELLO and TC, keyed by a domain's
// extension byte via TLV.ExtType (spec.md §3 "Domain... identified by a
// small extension byte").
const (
	ATLVLinkMetric byte = 5 // per-domain link-metric TLV (address-TLV)
	ATLVMPR        byte = 6 // per-domain MPR flag (address-TLV)
	MTLVWillingness byte = 3 // per-domain willingness (message-TLV)
)

// MPR address-TLV values.
const (
	MPRFlagged byte = 1
	MPRNotFlagged byte = 0
)

// IPv4-originator / IPv6-originator message-TLV, carried on a HELLO of
// the other family to announce a dual-stack peer's other address
// (spec.md §4.2 "optional IPv4 originator (on an IPv6 HELLO...)").
const MTLVOtherOriginator byte = 4

// MAC address message-TLV, carried on HELLO to bind the sending
// interface's link-layer address to this message's addresses (spec.md
// §4.6 "MAC address TLV").
const MTLVMACAddress byte = 5
