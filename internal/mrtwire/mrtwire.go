// Package mrtwire implements RFC 6396 MRT framing for TABLE_DUMP_V2 (type
// 13) records: the PEER_INDEX_TABLE subtype and the RIB_IPV4_UNICAST /
// RIB_IPV6_UNICAST / RIB_IPV4_MULTICAST / RIB_IPV6_MULTICAST / RIB_GENERIC
// subtypes. Grounded on original_source Mrt/mrtProcessTable.c for field
// order and subtype dispatch.
package mrtwire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// MRT message type codes.
const TypeTableDumpV2 uint16 = 13

// TABLE_DUMP_V2 subtypes (RFC 6396 §4.3).
const (
	SubtypePeerIndexTable   uint16 = 1
	SubtypeRIBIPv4Unicast   uint16 = 2
	SubtypeRIBIPv4Multicast uint16 = 3
	SubtypeRIBIPv6Unicast   uint16 = 4
	SubtypeRIBIPv6Multicast uint16 = 5
	SubtypeRIBGeneric       uint16 = 6
)

// CommonHeaderLen is the fixed RFC 6396 MRT common header size:
// timestamp(4) + type(2) + subtype(2) + length(4).
const CommonHeaderLen = 12

var (
	// ErrFrame wraps MRT common-header decode failures.
	ErrFrame = errors.New("mrtwire: frame error")
	// ErrPeerIndex wraps PEER_INDEX_TABLE decode failures.
	ErrPeerIndex = errors.New("mrtwire: peer index table error")
	// ErrRIBEntry wraps RIB subtype decode failures.
	ErrRIBEntry = errors.New("mrtwire: rib entry error")
	// ErrFatalSubtype marks a type-13 subtype this reader does not
	// recognise at all; receiving one closes the MRT stream.
	ErrFatalSubtype = errors.New("mrtwire: unrecognised TABLE_DUMP_V2 subtype")
)

// CommonHeader is the RFC 6396 MRT record header.
type CommonHeader struct {
	Timestamp uint32
	Type      uint16
	Subtype   uint16
	Length    uint32 // length of the record body, excluding this header
}

// DecodeCommonHeader parses the fixed 12-byte MRT common header.
func DecodeCommonHeader(data []byte) (CommonHeader, error) {
	if len(data) < CommonHeaderLen {
		return CommonHeader{}, fmt.Errorf("%w: need %d bytes, have %d", ErrFrame, CommonHeaderLen, len(data))
	}
	return CommonHeader{
		Timestamp: binary.BigEndian.Uint32(data[0:4]),
		Type:      binary.BigEndian.Uint16(data[4:6]),
		Subtype:   binary.BigEndian.Uint16(data[6:8]),
		Length:    binary.BigEndian.Uint32(data[8:12]),
	}, nil
}

// Peer type bit flags within a PEER_INDEX_TABLE peer entry's peer_type
// octet (RFC 6396 §4.3.1).
const (
	PeerTypeBitAS4 byte = 0x02 // peer AS is 4 octets
	PeerTypeBitIPv6 byte = 0x01 // peer IP address is IPv6
)

// PeerEntry is one peer described in a PEER_INDEX_TABLE record.
type PeerEntry struct {
	TypeBits byte
	BGPID    netip.Addr
	IP       netip.Addr
	AS       uint32
}

// PeerIndexTable is a parsed PEER_INDEX_TABLE record (subtype 1).
type PeerIndexTable struct {
	CollectorBGPID netip.Addr
	ViewName       string // present for completeness; the ingestor does not use it
	Peers          []PeerEntry
}

// DecodePeerIndexTable parses a PEER_INDEX_TABLE record body (the bytes
// following the common header).
func DecodePeerIndexTable(body []byte) (PeerIndexTable, error) {
	if len(body) < 4+2 {
		return PeerIndexTable{}, fmt.Errorf("%w: body too short", ErrPeerIndex)
	}
	collectorID := netip.AddrFrom4([4]byte(body[0:4]))
	offset := 4

	viewLen := int(binary.BigEndian.Uint16(body[offset : offset+2]))
	offset += 2
	if offset+viewLen > len(body) {
		return PeerIndexTable{}, fmt.Errorf("%w: view name length %d exceeds body", ErrPeerIndex, viewLen)
	}
	viewName := string(body[offset : offset+viewLen])
	offset += viewLen

	if offset+2 > len(body) {
		return PeerIndexTable{}, fmt.Errorf("%w: missing peer count", ErrPeerIndex)
	}
	peerCount := int(binary.BigEndian.Uint16(body[offset : offset+2]))
	offset += 2

	peers := make([]PeerEntry, 0, peerCount)
	for i := 0; i < peerCount; i++ {
		if offset+1 > len(body) {
			return PeerIndexTable{}, fmt.Errorf("%w: peer %d entry truncated", ErrPeerIndex, i)
		}
		typeBits := body[offset]
		offset++

		if offset+4 > len(body) {
			return PeerIndexTable{}, fmt.Errorf("%w: peer %d bgp id truncated", ErrPeerIndex, i)
		}
		bgpID := netip.AddrFrom4([4]byte(body[offset : offset+4]))
		offset += 4

		var ip netip.Addr
		if typeBits&PeerTypeBitIPv6 != 0 {
			if offset+16 > len(body) {
				return PeerIndexTable{}, fmt.Errorf("%w: peer %d ipv6 address truncated", ErrPeerIndex, i)
			}
			ip = netip.AddrFrom16([16]byte(body[offset : offset+16]))
			offset += 16
		} else {
			if offset+4 > len(body) {
				return PeerIndexTable{}, fmt.Errorf("%w: peer %d ipv4 address truncated", ErrPeerIndex, i)
			}
			ip = netip.AddrFrom4([4]byte(body[offset : offset+4]))
			offset += 4
		}

		var as uint32
		if typeBits&PeerTypeBitAS4 != 0 {
			if offset+4 > len(body) {
				return PeerIndexTable{}, fmt.Errorf("%w: peer %d 4-byte as truncated", ErrPeerIndex, i)
			}
			as = binary.BigEndian.Uint32(body[offset : offset+4])
			offset += 4
		} else {
			if offset+2 > len(body) {
				return PeerIndexTable{}, fmt.Errorf("%w: peer %d 2-byte as truncated", ErrPeerIndex, i)
			}
			as = uint32(binary.BigEndian.Uint16(body[offset : offset+2]))
			offset += 2
		}

		peers = append(peers, PeerEntry{TypeBits: typeBits, BGPID: bgpID, IP: ip, AS: as})
	}

	return PeerIndexTable{CollectorBGPID: collectorID, ViewName: viewName, Peers: peers}, nil
}

// RIBEntry is one per-peer entry within a RIB_IPV4_UNICAST /
// RIB_IPV6_UNICAST record.
type RIBEntry struct {
	PeerIndex      uint16
	OriginatedTime uint32
	Attributes     []byte // raw BGP path-attribute bytes, MRT-shaped MP_REACH_NLRI omits AFI/SAFI/next-hop-len/next-hop/reserved
}

// RIBRecord is a parsed RIB_IPV4_UNICAST / RIB_IPV6_UNICAST /
// RIB_IPV4_MULTICAST / RIB_IPV6_MULTICAST / RIB_GENERIC record.
type RIBRecord struct {
	SequenceNumber uint32
	PrefixLength   int
	Prefix         netip.Addr
	Entries        []RIBEntry
}

// DecodeRIBRecord parses a RIB_IPV4_UNICAST / RIB_IPV6_UNICAST record
// body. ipVersion must be 4 or 16 (address byte width).
func DecodeRIBRecord(body []byte, addrBytes int) (RIBRecord, error) {
	if len(body) < 4+1 {
		return RIBRecord{}, fmt.Errorf("%w: body too short", ErrRIBEntry)
	}
	seq := binary.BigEndian.Uint32(body[0:4])
	offset := 4

	plen := int(body[offset])
	offset++
	byteLen := (plen + 7) / 8
	if byteLen > addrBytes {
		return RIBRecord{}, fmt.Errorf("%w: prefix length %d exceeds address width", ErrRIBEntry, plen)
	}
	if offset+byteLen > len(body) {
		return RIBRecord{}, fmt.Errorf("%w: prefix bytes truncated", ErrRIBEntry)
	}
	raw := make([]byte, addrBytes)
	copy(raw, body[offset:offset+byteLen])
	offset += byteLen

	var prefix netip.Addr
	if addrBytes == 4 {
		prefix = netip.AddrFrom4([4]byte(raw))
	} else {
		prefix = netip.AddrFrom16([16]byte(raw))
	}

	if offset+2 > len(body) {
		return RIBRecord{}, fmt.Errorf("%w: missing entry count", ErrRIBEntry)
	}
	entryCount := int(binary.BigEndian.Uint16(body[offset : offset+2]))
	offset += 2

	entries := make([]RIBEntry, 0, entryCount)
	for i := 0; i < entryCount; i++ {
		if offset+2+4+2 > len(body) {
			return RIBRecord{}, fmt.Errorf("%w: entry %d header truncated", ErrRIBEntry, i)
		}
		peerIndex := binary.BigEndian.Uint16(body[offset : offset+2])
		offset += 2
		originated := binary.BigEndian.Uint32(body[offset : offset+4])
		offset += 4
		attrLen := int(binary.BigEndian.Uint16(body[offset : offset+2]))
		offset += 2
		if offset+attrLen > len(body) {
			return RIBRecord{}, fmt.Errorf("%w: entry %d attribute data truncated", ErrRIBEntry, i)
		}
		attrs := append([]byte(nil), body[offset:offset+attrLen]...)
		offset += attrLen

		entries = append(entries, RIBEntry{PeerIndex: peerIndex, OriginatedTime: originated, Attributes: attrs})
	}

	return RIBRecord{SequenceNumber: seq, PrefixLength: plen, Prefix: prefix, Entries: entries}, nil
}

// AFISAFIForSubtype maps a TABLE_DUMP_V2 subtype to its (AFI, SAFI, address
// byte width). ok is false for subtypes with no fixed unicast mapping
// (RIB_GENERIC, the multicast subtypes, PEER_INDEX_TABLE).
func AFISAFIForSubtype(subtype uint16) (afi uint16, safi uint8, addrBytes int, ok bool) {
	switch subtype {
	case SubtypeRIBIPv4Unicast:
		return 1, 1, 4, true
	case SubtypeRIBIPv6Unicast:
		return 2, 1, 16, true
	default:
		return 0, 0, 0, false
	}
}
