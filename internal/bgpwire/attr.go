package bgpwire

import "fmt"

// Path attribute type codes (RFC 4271 §5, RFC 4760, RFC 6793, RFC 1997/4360/8092).
const (
	AttrOrigin         uint8 = 1
	AttrASPath         uint8 = 2
	AttrNextHop        uint8 = 3
	AttrMultiExitDisc  uint8 = 4
	AttrLocalPref      uint8 = 5
	AttrAtomicAggr     uint8 = 6
	AttrAggregator     uint8 = 7
	AttrCommunity      uint8 = 8
	AttrMPReachNLRI    uint8 = 14
	AttrMPUnreachNLRI  uint8 = 15
	AttrExtCommunity   uint8 = 16
	AttrAS4Path        uint8 = 17
	AttrAS4Aggregator  uint8 = 18
	AttrLargeCommunity uint8 = 32
)

// Attribute flag bits (RFC 4271 §4.3).
const (
	AttrFlagOptional   uint8 = 0x80
	AttrFlagTransitive uint8 = 0x40
	AttrFlagPartial    uint8 = 0x20
	AttrFlagExtLength  uint8 = 0x10
)

// ASPathSegment types.
const (
	ASPathSet      uint8 = 1
	ASPathSequence uint8 = 2
)

// PathAttr is one raw path attribute as it appeared on the wire.
type PathAttr struct {
	Flags uint8
	Code  uint8
	Value []byte
}

// ASPathSegment is one AS_PATH segment (a SET or a SEQUENCE of ASNs).
type ASPathSegment struct {
	Type uint8
	ASNs []uint32
}

// decodePathAttrs walks the raw path-attribute block of an UPDATE, splitting
// it into (flags, code, value) triples. Values are not interpreted here;
// AS_PATH ASNs are decoded separately by DecodeASPath at the session's width.
func decodePathAttrs(data []byte) ([]PathAttr, error) {
	var attrs []PathAttr
	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return attrs, fmt.Errorf("%w: attribute header truncated at offset %d", ErrUpdate, offset)
		}
		flags := data[offset]
		code := data[offset+1]
		offset += 2

		var length int
		if flags&AttrFlagExtLength != 0 {
			if offset+2 > len(data) {
				return attrs, fmt.Errorf("%w: extended attribute length truncated", ErrUpdate)
			}
			length = int(beUint16(data[offset : offset+2]))
			offset += 2
		} else {
			if offset+1 > len(data) {
				return attrs, fmt.Errorf("%w: attribute length truncated", ErrUpdate)
			}
			length = int(data[offset])
			offset++
		}

		if offset+length > len(data) {
			return attrs, fmt.Errorf("%w: attribute %d data truncated (need %d, have %d)", ErrUpdate, code, length, len(data)-offset)
		}
		value := data[offset : offset+length]
		offset += length

		attrs = append(attrs, PathAttr{Flags: flags, Code: code, Value: append([]byte(nil), value...)})
	}
	return attrs, nil
}

// encodePathAttrs is the inverse of decodePathAttrs.
func encodePathAttrs(attrs []PathAttr) []byte {
	var out []byte
	for _, a := range attrs {
		flags := a.Flags
		if len(a.Value) > 255 {
			flags |= AttrFlagExtLength
		} else {
			flags &^= AttrFlagExtLength
		}
		out = append(out, flags, a.Code)
		if flags&AttrFlagExtLength != 0 {
			out = appendUint16(out, uint16(len(a.Value)))
		} else {
			out = append(out, uint8(len(a.Value)))
		}
		out = append(out, a.Value...)
	}
	return out
}

// DecodePathAttrs parses a raw path-attribute block standalone, for
// callers that have attribute bytes without a surrounding UPDATE body
// (the MRT ingestor's RIB-entry attribute blob).
func DecodePathAttrs(data []byte) ([]PathAttr, error) {
	return decodePathAttrs(data)
}

// Find returns the first attribute with the given type code, if present.
func Find(attrs []PathAttr, code uint8) (PathAttr, bool) {
	for _, a := range attrs {
		if a.Code == code {
			return a, true
		}
	}
	return PathAttr{}, false
}

// DecodeASPath decodes an AS_PATH (or AS4_PATH) attribute value using the
// given AS width (2 or 4 bytes per ASN).
func DecodeASPath(value []byte, asWidth int) ([]ASPathSegment, error) {
	stride := asWidth
	if stride != 2 && stride != 4 {
		stride = 4
	}
	var segs []ASPathSegment
	offset := 0
	for offset+2 <= len(value) {
		segType := value[offset]
		segLen := int(value[offset+1])
		offset += 2
		need := segLen * stride
		if offset+need > len(value) {
			return segs, fmt.Errorf("%w: as_path segment truncated", ErrUpdate)
		}
		asns := make([]uint32, segLen)
		for i := 0; i < segLen; i++ {
			off := offset + i*stride
			if stride == 2 {
				asns[i] = uint32(beUint16(value[off : off+2]))
			} else {
				asns[i] = beUint32(value[off : off+4])
			}
		}
		offset += need
		segs = append(segs, ASPathSegment{Type: segType, ASNs: asns})
	}
	return segs, nil
}

// EncodeASPath is the inverse of DecodeASPath.
func EncodeASPath(segs []ASPathSegment, asWidth int) []byte {
	stride := asWidth
	if stride != 2 && stride != 4 {
		stride = 4
	}
	var out []byte
	for _, s := range segs {
		out = append(out, s.Type, uint8(len(s.ASNs)))
		for _, asn := range s.ASNs {
			if stride == 2 {
				out = appendUint16(out, uint16(asn))
			} else {
				out = appendUint32(out, asn)
			}
		}
	}
	return out
}

// OriginASN returns the origin (rightmost) ASN of a decoded AS_PATH, or
// (0, false) if the path is empty or the final segment is an AS_SET
// (ambiguous origin).
func OriginASN(segs []ASPathSegment) (uint32, bool) {
	if len(segs) == 0 {
		return 0, false
	}
	last := segs[len(segs)-1]
	if last.Type == ASPathSet || len(last.ASNs) == 0 {
		return 0, false
	}
	return last.ASNs[len(last.ASNs)-1], true
}

// ASPathEqual reports whether two decoded AS paths are identical, comparing
// segment types and ASNs segment by segment.
func ASPathEqual(a, b []ASPathSegment) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != b[i].Type || len(a[i].ASNs) != len(b[i].ASNs) {
			return false
		}
		for j := range a[i].ASNs {
			if a[i].ASNs[j] != b[i].ASNs[j] {
				return false
			}
		}
	}
	return true
}
