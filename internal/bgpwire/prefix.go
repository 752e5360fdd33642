package bgpwire

import (
	"fmt"
	"net/netip"
)

// AFI/SAFI codes (RFC 4760).
const (
	AFIIPv4 uint16 = 1
	AFIIPv6 uint16 = 2

	SAFIUnicast   uint8 = 1
	SAFIMulticast uint8 = 2
	SAFIMPLSLabel uint8 = 4
)

// Prefix is one NLRI entry: an address family, a prefix length, and
// (optionally) an Add-Path path identifier.
type Prefix struct {
	Addr      netip.Addr
	Length    int
	PathID    uint32
	HasPathID bool
}

func (p Prefix) String() string {
	if p.HasPathID {
		return fmt.Sprintf("%s/%d (path %d)", p.Addr, p.Length, p.PathID)
	}
	return fmt.Sprintf("%s/%d", p.Addr, p.Length)
}

// decodePrefixes walks a packed NLRI byte string: optionally a 4-byte
// Add-Path identifier, then a 1-byte prefix length, then
// ceil(length/8) bytes of prefix. ipVersion selects 4 or 16 max bytes.
func decodePrefixes(data []byte, ipVersion int, hasAddPath bool) ([]Prefix, error) {
	var out []Prefix
	maxBytes := 4
	if ipVersion == 6 {
		maxBytes = 16
	}
	offset := 0
	for offset < len(data) {
		var pathID uint32
		if hasAddPath {
			if offset+4 > len(data) {
				return out, fmt.Errorf("%w: add-path id truncated at offset %d", ErrUpdate, offset)
			}
			pathID = beUint32(data[offset : offset+4])
			offset += 4
		}
		if offset >= len(data) {
			return out, fmt.Errorf("%w: prefix length byte missing at offset %d", ErrUpdate, offset)
		}
		plen := int(data[offset])
		offset++
		if plen > maxBytes*8 {
			return out, fmt.Errorf("%w: prefix length %d exceeds AFI maximum", ErrUpdate, plen)
		}
		byteLen := (plen + 7) / 8
		if offset+byteLen > len(data) {
			return out, fmt.Errorf("%w: prefix data truncated at offset %d", ErrUpdate, offset)
		}
		raw := make([]byte, maxBytes)
		copy(raw, data[offset:offset+byteLen])
		offset += byteLen

		var addr netip.Addr
		if ipVersion == 4 {
			addr = netip.AddrFrom4([4]byte(raw))
		} else {
			addr = netip.AddrFrom16([16]byte(raw))
		}
		out = append(out, Prefix{Addr: addr, Length: plen, PathID: pathID, HasPathID: hasAddPath})
	}
	return out, nil
}

// encodePrefixes is the inverse of decodePrefixes.
func encodePrefixes(prefixes []Prefix, ipVersion int) []byte {
	var out []byte
	for _, p := range prefixes {
		if p.HasPathID {
			out = appendUint32(out, p.PathID)
		}
		out = append(out, uint8(p.Length))
		byteLen := (p.Length + 7) / 8
		var raw []byte
		if ipVersion == 4 {
			b := p.Addr.As4()
			raw = b[:]
		} else {
			b := p.Addr.As16()
			raw = b[:]
		}
		out = append(out, raw[:byteLen]...)
	}
	return out
}

func afiToIPVersion(afi uint16) int {
	switch afi {
	case AFIIPv4:
		return 4
	case AFIIPv6:
		return 6
	default:
		return 0
	}
}
