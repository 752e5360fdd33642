package bgpwire

import "fmt"

// MPReach is a decoded MP_REACH_NLRI attribute (RFC 4760 §3). NextHop is
// kept as the raw length-prefixed byte string exactly as it appeared on
// the wire rather than parsed into a single net.IP: the wire encoding
// carries one of three shapes (a v4 address, a v6 global address, or a
// v6 global + link-local pair) and interpretation is deferred to the
// subscriber, per the design note on next-hop representation.
type MPReach struct {
	AFI      uint16
	SAFI     uint8
	NextHop  []byte // length-prefixed: len(NextHop) bytes, no length byte stored separately
	NLRI     []Prefix
}

// MPUnreach is a decoded MP_UNREACH_NLRI attribute.
type MPUnreach struct {
	AFI  uint16
	SAFI uint8
	NLRI []Prefix
}

// DecodeMPReach parses an MP_REACH_NLRI attribute value.
func DecodeMPReach(value []byte, hasAddPath bool) (MPReach, error) {
	if len(value) < 5 {
		return MPReach{}, fmt.Errorf("%w: mp_reach_nlri too short", ErrUpdate)
	}
	afi := beUint16(value[0:2])
	safi := value[2]
	nhLen := int(value[3])
	offset := 4
	if offset+nhLen > len(value) {
		return MPReach{}, fmt.Errorf("%w: mp_reach_nlri next-hop truncated", ErrUpdate)
	}
	nextHop := append([]byte(nil), value[offset:offset+nhLen]...)
	offset += nhLen

	if offset >= len(value) {
		return MPReach{}, fmt.Errorf("%w: mp_reach_nlri missing snpa count", ErrUpdate)
	}
	snpaCount := int(value[offset])
	offset++
	for i := 0; i < snpaCount; i++ {
		if offset >= len(value) {
			return MPReach{}, fmt.Errorf("%w: mp_reach_nlri snpa truncated", ErrUpdate)
		}
		snpaLen := int(value[offset])
		offset++
		byteLen := (snpaLen + 1) / 2
		if offset+byteLen > len(value) {
			return MPReach{}, fmt.Errorf("%w: mp_reach_nlri snpa data truncated", ErrUpdate)
		}
		offset += byteLen
	}

	var nlri []Prefix
	if v := afiToIPVersion(afi); v != 0 && safi == SAFIUnicast {
		var err error
		nlri, err = decodePrefixes(value[offset:], v, hasAddPath)
		if err != nil {
			return MPReach{}, err
		}
	}
	return MPReach{AFI: afi, SAFI: safi, NextHop: nextHop, NLRI: nlri}, nil
}

// Encode serializes an MP_REACH_NLRI value (no SNPA entries — the core
// never originates routes with SNPA data, and MRT synthesis never
// produces any).
func (m MPReach) Encode() []byte {
	out := make([]byte, 0, 5+len(m.NextHop)+16)
	out = appendUint16(out, m.AFI)
	out = append(out, m.SAFI, uint8(len(m.NextHop)))
	out = append(out, m.NextHop...)
	out = append(out, 0) // SNPA count
	out = append(out, encodePrefixes(m.NLRI, afiToIPVersion(m.AFI))...)
	return out
}

// DecodeMPUnreach parses an MP_UNREACH_NLRI attribute value.
func DecodeMPUnreach(value []byte, hasAddPath bool) (MPUnreach, error) {
	if len(value) < 3 {
		return MPUnreach{}, fmt.Errorf("%w: mp_unreach_nlri too short", ErrUpdate)
	}
	afi := beUint16(value[0:2])
	safi := value[2]
	var nlri []Prefix
	if v := afiToIPVersion(afi); v != 0 && safi == SAFIUnicast {
		var err error
		nlri, err = decodePrefixes(value[3:], v, hasAddPath)
		if err != nil {
			return MPUnreach{}, err
		}
	}
	return MPUnreach{AFI: afi, SAFI: safi, NLRI: nlri}, nil
}

// Encode serializes an MP_UNREACH_NLRI value.
func (m MPUnreach) Encode() []byte {
	out := make([]byte, 0, 3+8)
	out = appendUint16(out, m.AFI)
	out = append(out, m.SAFI)
	out = append(out, encodePrefixes(m.NLRI, afiToIPVersion(m.AFI))...)
	return out
}
