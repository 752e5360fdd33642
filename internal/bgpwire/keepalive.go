package bgpwire

// EncodeKeepalive returns the fixed 19-byte KEEPALIVE message (header only,
// empty body), per RFC 4271 §4.4.
func EncodeKeepalive() []byte {
	return EncodeHeader(MsgKeepalive, HeaderLen)
}

// RouteRefresh is a parsed ROUTE-REFRESH message body (RFC 2918). The same
// shape is used for the pre-standard type-128 variant; callers select the
// wire message type via Old.
type RouteRefresh struct {
	AFI  uint16
	SAFI uint8
	Old  bool // true selects the pre-standard Cisco message type (128)
}

// MsgRouteRefreshOld is the pre-standard (Cisco) ROUTE-REFRESH message
// type; the standards-track value is bgpwire.MsgRouteRefresh (5).
const MsgRouteRefreshOld uint8 = 128

// DecodeRouteRefresh parses a ROUTE-REFRESH body. msgType distinguishes
// the standard (5) and pre-standard (128) wire encodings, which share a
// body layout.
func DecodeRouteRefresh(body []byte, msgType uint8) (RouteRefresh, error) {
	if len(body) < 4 {
		return RouteRefresh{}, ErrUpdate
	}
	return RouteRefresh{
		AFI:  beUint16(body[0:2]),
		SAFI: body[3],
		Old:  msgType == MsgRouteRefreshOld,
	}, nil
}

// Encode serializes the ROUTE-REFRESH into a complete BGP message.
func (r RouteRefresh) Encode() []byte {
	body := make([]byte, 4)
	body[0], body[1] = uint8(r.AFI>>8), uint8(r.AFI)
	body[2] = 0 // reserved
	body[3] = r.SAFI

	msgType := MsgRouteRefresh
	if r.Old {
		msgType = MsgRouteRefreshOld
	}
	buf := EncodeHeader(msgType, uint16(HeaderLen+len(body)))
	return append(buf, body...)
}
