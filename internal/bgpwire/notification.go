package bgpwire

import (
	"encoding/binary"
	"fmt"
)

// Notification error codes and subcodes used by the session FSM.
const (
	NotifCodeMessageHeader   uint8 = 1
	NotifCodeOpenMessage     uint8 = 2
	NotifCodeUpdateMessage   uint8 = 3
	NotifCodeHoldTimerExpire uint8 = 4
	NotifCodeFSMError        uint8 = 5
	NotifCodeCease           uint8 = 6
)

// OPEN message error subcodes (RFC 4271 §6.2).
const (
	OpenSubcodeVersion          uint8 = 1
	OpenSubcodeBadPeerAS        uint8 = 2
	OpenSubcodeBadBGPIdentifier uint8 = 3
	OpenSubcodeUnsupportedParam uint8 = 4
	OpenSubcodeUnacceptableHold uint8 = 6
	OpenSubcodeUnsupportedCap   uint8 = 7
)

// Notification is a parsed BGP NOTIFICATION message body (excludes the
// 19-byte header).
type Notification struct {
	Code    uint8
	Subcode uint8
	Data    []byte
}

// DecodeNotification parses a NOTIFICATION message body.
func DecodeNotification(body []byte) (Notification, error) {
	if len(body) < 2 {
		return Notification{}, fmt.Errorf("%w: body too short (%d bytes)", ErrNotification, len(body))
	}
	return Notification{
		Code:    body[0],
		Subcode: body[1],
		Data:    append([]byte(nil), body[2:]...),
	}, nil
}

// Encode serializes the NOTIFICATION into a complete BGP message
// (header + body), per RFC 4271 §4.5.
func (n Notification) Encode() []byte {
	bodyLen := 2 + len(n.Data)
	total := HeaderLen + bodyLen
	buf := EncodeHeader(MsgNotification, uint16(total))
	buf = append(buf, n.Code, n.Subcode)
	buf = append(buf, n.Data...)
	return buf
}

// NewVersionError builds the (2,1) notification data field: the highest
// locally-supported version, per RFC 4271 §6.2.
func NewVersionError(supportedVersion uint8) Notification {
	data := make([]byte, 2)
	binary.BigEndian.PutUint16(data, uint16(supportedVersion))
	return Notification{Code: NotifCodeOpenMessage, Subcode: OpenSubcodeVersion, Data: data}
}

// NewUnsupportedCapability builds the (2,7) notification, echoing the
// refused capability parameters verbatim in the data field.
func NewUnsupportedCapability(refused []byte) Notification {
	return Notification{Code: NotifCodeOpenMessage, Subcode: OpenSubcodeUnsupportedCap, Data: refused}
}
