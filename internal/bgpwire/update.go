package bgpwire

import "fmt"

// NLRIOp is one (AFI, SAFI, prefix, direction) tuple synthesized from an
// UPDATE's legacy NLRI and/or MP_REACH/MP_UNREACH attributes, in on-wire
// order: withdrawn routes, then the MP_REACH_NLRI prefixes, then the
// MP_UNREACH_NLRI prefixes, then the trailing NLRI (when both MP
// attributes are present, MP_REACH_NLRI's prefixes come first whatever
// their attribute order). The labeler applies these in order and, for a
// labeled message, appends one label per op in the same order.
type NLRIOp struct {
	AFI      uint16
	SAFI     uint8
	Prefix   Prefix
	Withdraw bool
}

// Update is a fully parsed BGP UPDATE message.
type Update struct {
	Attrs []PathAttr
	Ops   []NLRIOp

	// Cached lookups into Attrs, populated by DecodeUpdate for labeling
	// convenience; both are nil if the corresponding attribute was absent.
	ASPath    []ASPathSegment
	NextHop   []byte
	MPReach   *MPReach
	MPUnreach *MPUnreach
}

// DecodeUpdate parses an UPDATE message body. asWidth is the session's
// negotiated AS width (2 or 4) and hasAddPath reports whether Add-Path
// was negotiated for the session's unicast AFI/SAFIs.
func DecodeUpdate(body []byte, asWidth int, hasAddPath bool) (Update, error) {
	if len(body) < 4 {
		return Update{}, fmt.Errorf("%w: body too short (%d bytes)", ErrUpdate, len(body))
	}

	withdrawnLen := int(beUint16(body[0:2]))
	offset := 2
	if offset+withdrawnLen > len(body) {
		return Update{}, fmt.Errorf("%w: withdrawn routes length %d exceeds body", ErrUpdate, withdrawnLen)
	}
	withdrawn, err := decodePrefixes(body[offset:offset+withdrawnLen], 4, hasAddPath)
	if err != nil {
		return Update{}, err
	}
	offset += withdrawnLen

	if offset+2 > len(body) {
		return Update{}, fmt.Errorf("%w: missing total path attribute length", ErrUpdate)
	}
	attrsLen := int(beUint16(body[offset : offset+2]))
	offset += 2
	if offset+attrsLen > len(body) {
		return Update{}, fmt.Errorf("%w: path attribute length %d exceeds body", ErrUpdate, attrsLen)
	}
	attrs, err := decodePathAttrs(body[offset : offset+attrsLen])
	if err != nil {
		return Update{}, err
	}
	offset += attrsLen

	nlri, err := decodePrefixes(body[offset:], 4, hasAddPath)
	if err != nil {
		return Update{}, err
	}

	u := Update{Attrs: attrs}

	for _, w := range withdrawn {
		u.Ops = append(u.Ops, NLRIOp{AFI: AFIIPv4, SAFI: SAFIUnicast, Prefix: w, Withdraw: true})
	}

	if a, ok := Find(attrs, AttrASPath); ok {
		segs, err := DecodeASPath(a.Value, asWidth)
		if err != nil {
			return Update{}, err
		}
		u.ASPath = segs
	}
	if a, ok := Find(attrs, AttrNextHop); ok {
		u.NextHop = a.Value
	}
	if a, ok := Find(attrs, AttrMPReachNLRI); ok {
		mp, err := DecodeMPReach(a.Value, hasAddPath)
		if err != nil {
			return Update{}, err
		}
		u.MPReach = &mp
		if len(u.NextHop) == 0 {
			u.NextHop = mp.NextHop
		}
		for _, p := range mp.NLRI {
			u.Ops = append(u.Ops, NLRIOp{AFI: mp.AFI, SAFI: mp.SAFI, Prefix: p, Withdraw: false})
		}
	}
	if a, ok := Find(attrs, AttrMPUnreachNLRI); ok {
		mp, err := DecodeMPUnreach(a.Value, hasAddPath)
		if err != nil {
			return Update{}, err
		}
		u.MPUnreach = &mp
		for _, p := range mp.NLRI {
			u.Ops = append(u.Ops, NLRIOp{AFI: mp.AFI, SAFI: mp.SAFI, Prefix: p, Withdraw: true})
		}
	}
	for _, a := range nlri {
		u.Ops = append(u.Ops, NLRIOp{AFI: AFIIPv4, SAFI: SAFIUnicast, Prefix: a, Withdraw: false})
	}

	return u, nil
}

// withdrawnOf/nlriOf split Ops back into the two legacy (AFI=1) lists
// expected by Encode.
func (u Update) withdrawnOf() []Prefix {
	var out []Prefix
	for _, op := range u.Ops {
		if op.Withdraw && op.AFI == AFIIPv4 && op.SAFI == SAFIUnicast {
			out = append(out, op.Prefix)
		}
	}
	return out
}

func (u Update) nlriOf() []Prefix {
	var out []Prefix
	for _, op := range u.Ops {
		if !op.Withdraw && op.AFI == AFIIPv4 && op.SAFI == SAFIUnicast {
			out = append(out, op.Prefix)
		}
	}
	return out
}

// Encode serializes the UPDATE into a complete BGP message.
func (u Update) Encode() ([]byte, error) {
	withdrawnBytes := encodePrefixes(u.withdrawnOf(), 4)
	attrBytes := encodePathAttrs(u.Attrs)
	nlriBytes := encodePrefixes(u.nlriOf(), 4)

	body := make([]byte, 0, 4+len(withdrawnBytes)+len(attrBytes)+len(nlriBytes))
	body = appendUint16(body, uint16(len(withdrawnBytes)))
	body = append(body, withdrawnBytes...)
	body = appendUint16(body, uint16(len(attrBytes)))
	body = append(body, attrBytes...)
	body = append(body, nlriBytes...)

	total := HeaderLen + len(body)
	if total > MaxMessageLen {
		return nil, fmt.Errorf("%w: encoded update %d bytes exceeds max message length", ErrUpdate, total)
	}
	buf := EncodeHeader(MsgUpdate, uint16(total))
	buf = append(buf, body...)
	return buf, nil
}

// CanonicalAttrBytes returns the path-attribute bytes normalized for use
// as an attribute-table key: the PARTIAL flag bit does not affect
// semantics for labeling purposes (it records whether an optional
// transitive attribute traversed a non-supporting AS, not the route's
// content) and is masked out before comparison/storage.
func CanonicalAttrBytes(attrs []PathAttr) []byte {
	normalized := make([]PathAttr, len(attrs))
	for i, a := range attrs {
		normalized[i] = PathAttr{Flags: a.Flags &^ AttrFlagPartial, Code: a.Code, Value: a.Value}
	}
	return encodePathAttrs(normalized)
}
