package bgpwire

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// OPEN optional parameter type codes.
const (
	OptParamCapability uint8 = 2
)

// Capability codes (RFC 5492 and friends).
const (
	CapMultiprotocol   uint8 = 1
	CapRouteRefresh    uint8 = 2
	CapFourOctetAS     uint8 = 65
	CapRouteRefreshOld uint8 = 128 // pre-standard Cisco route-refresh
)

// Capability is one parsed OPEN capability parameter.
type Capability struct {
	Code  uint8
	Value []byte
}

// MultiprotocolAFISAFI decodes a CapMultiprotocol capability's 4-byte
// value into (AFI, SAFI). Returns false if Value is not 4 bytes.
func (c Capability) MultiprotocolAFISAFI() (afi uint16, safi uint8, ok bool) {
	if c.Code != CapMultiprotocol || len(c.Value) != 4 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint16(c.Value[0:2]), c.Value[3], true
}

// Open is a parsed BGP OPEN message body.
type Open struct {
	Version      uint8
	MyAS         uint16 // 2-byte wire AS field; see Capability CapFourOctetAS for the real AS
	HoldTime     uint16
	Identifier   netip.Addr
	Capabilities []Capability
	// raw capability parameter bytes, preserved so NewUnsupportedCapability
	// can echo exactly what was advertised.
	rawCapParams []byte
}

// DecodeOpen parses an OPEN message body (excludes the 19-byte header).
func DecodeOpen(body []byte) (Open, error) {
	if len(body) < 10 {
		return Open{}, fmt.Errorf("%w: body too short (%d bytes)", ErrOpen, len(body))
	}
	o := Open{
		Version:    body[0],
		MyAS:       binary.BigEndian.Uint16(body[1:3]),
		HoldTime:   binary.BigEndian.Uint16(body[3:5]),
		Identifier: netip.AddrFrom4([4]byte(body[5:9])),
	}
	optParamLen := int(body[9])
	offset := 10
	if offset+optParamLen > len(body) {
		return Open{}, fmt.Errorf("%w: optional parameters length %d exceeds body", ErrOpen, optParamLen)
	}
	params := body[offset : offset+optParamLen]
	o.rawCapParams = append([]byte(nil), params...)

	poff := 0
	for poff < len(params) {
		if poff+2 > len(params) {
			return Open{}, fmt.Errorf("%w: optional parameter header truncated", ErrOpen)
		}
		ptype := params[poff]
		plen := int(params[poff+1])
		poff += 2
		if poff+plen > len(params) {
			return Open{}, fmt.Errorf("%w: optional parameter data truncated", ErrOpen)
		}
		pdata := params[poff : poff+plen]
		poff += plen

		if ptype != OptParamCapability {
			continue
		}
		caps, err := decodeCapabilities(pdata)
		if err != nil {
			return Open{}, err
		}
		o.Capabilities = append(o.Capabilities, caps...)
	}
	return o, nil
}

func decodeCapabilities(data []byte) ([]Capability, error) {
	var caps []Capability
	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return nil, fmt.Errorf("%w: capability header truncated", ErrOpen)
		}
		code := data[offset]
		length := int(data[offset+1])
		offset += 2
		if offset+length > len(data) {
			return nil, fmt.Errorf("%w: capability value truncated", ErrOpen)
		}
		caps = append(caps, Capability{Code: code, Value: append([]byte(nil), data[offset:offset+length]...)})
		offset += length
	}
	return caps, nil
}

// FourOctetAS returns the real AS number if the peer advertised
// CapFourOctetAS, else (0, false).
func (o Open) FourOctetAS() (uint32, bool) {
	for _, c := range o.Capabilities {
		if c.Code == CapFourOctetAS && len(c.Value) == 4 {
			return binary.BigEndian.Uint32(c.Value), true
		}
	}
	return 0, false
}

// HasCapability reports whether the peer advertised the given capability code.
func (o Open) HasCapability(code uint8) bool {
	for _, c := range o.Capabilities {
		if c.Code == code {
			return true
		}
	}
	return false
}

// RawCapabilityParams returns the raw optional-parameters bytes as
// advertised, for echoing back in an unsupported-capability NOTIFICATION.
func (o Open) RawCapabilityParams() []byte { return o.rawCapParams }

// Encode serializes the OPEN into a complete BGP message.
func (o Open) Encode() []byte {
	var params []byte
	var capBytes []byte
	for _, c := range o.Capabilities {
		capBytes = append(capBytes, c.Code, uint8(len(c.Value)))
		capBytes = append(capBytes, c.Value...)
	}
	if len(capBytes) > 0 {
		params = append(params, OptParamCapability, uint8(len(capBytes)))
		params = append(params, capBytes...)
	}

	body := make([]byte, 10)
	body[0] = o.Version
	binary.BigEndian.PutUint16(body[1:3], o.MyAS)
	binary.BigEndian.PutUint16(body[3:5], o.HoldTime)
	id4 := o.Identifier.As4()
	copy(body[5:9], id4[:])
	body[9] = uint8(len(params))
	body = append(body, params...)

	total := HeaderLen + len(body)
	buf := EncodeHeader(MsgOpen, uint16(total))
	buf = append(buf, body...)
	return buf
}

// NewFourOctetASCapability builds the CapFourOctetAS capability value.
func NewFourOctetASCapability(asn uint32) Capability {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, asn)
	return Capability{Code: CapFourOctetAS, Value: v}
}

// NewMultiprotocolCapability builds the CapMultiprotocol capability value.
func NewMultiprotocolCapability(afi uint16, safi uint8) Capability {
	v := make([]byte, 4)
	binary.BigEndian.PutUint16(v[0:2], afi)
	v[3] = safi
	return Capability{Code: CapMultiprotocol, Value: v}
}
