// Package bmf defines the envelope format carried by every message that
// flows through the publication fabric (internal/queue): one per BGP
// message observed on the wire, one per MRT-synthesized update, one per
// FSM state change, and one per periodic status sample.
package bmf

import "time"

// Type is the envelope's type tag. The tag values below are the contract
// with downstream consumers and must not be renumbered once assigned.
type Type uint8

const (
	TypeMsgFromPeer Type = iota + 1
	TypeMsgToPeer
	TypeMsgLabeled
	TypeTableStart
	TypeTableTransfer
	TypeTableStop
	TypeFSMStateChange
	TypeChainsStatus
	TypeQueuesStatus
	TypeSessionStatus
	TypeMRTStatus
	TypeBGPMonStart
	TypeBGPMonStop
)

func (t Type) String() string {
	switch t {
	case TypeMsgFromPeer:
		return "msg-from-peer"
	case TypeMsgToPeer:
		return "msg-to-peer"
	case TypeMsgLabeled:
		return "msg-labeled"
	case TypeTableStart:
		return "table-start"
	case TypeTableTransfer:
		return "table-transfer"
	case TypeTableStop:
		return "table-stop"
	case TypeFSMStateChange:
		return "fsm-state-change"
	case TypeChainsStatus:
		return "chains-status"
	case TypeQueuesStatus:
		return "queues-status"
	case TypeSessionStatus:
		return "session-status"
	case TypeMRTStatus:
		return "mrt-status"
	case TypeBGPMonStart:
		return "bgpmon-start"
	case TypeBGPMonStop:
		return "bgpmon-stop"
	default:
		return "unknown"
	}
}

// Label classifies how a single NLRI changed the owning session's RIB.
type Label uint8

const (
	LabelNull Label = iota
	LabelWithdraw
	LabelWithdrawDuplicate
	LabelAnnounceNew
	LabelAnnounceDuplicate
	LabelAnnounceDifferentPath
	LabelAnnounceSamePath
)

func (l Label) String() string {
	switch l {
	case LabelWithdraw:
		return "withdraw"
	case LabelWithdrawDuplicate:
		return "duplicate-withdraw"
	case LabelAnnounceNew:
		return "new-announce"
	case LabelAnnounceDuplicate:
		return "duplicate-announce"
	case LabelAnnounceDifferentPath:
		return "different-path"
	case LabelAnnounceSamePath:
		return "same-path"
	default:
		return "null"
	}
}

// Envelope is the unit of transport through internal/queue. For
// TypeMsgLabeled, Labels holds one entry per NLRI in Payload, in the same
// order the NLRI appeared on the wire.
type Envelope struct {
	SessionID int
	Wall      time.Time
	Monotonic int64 // time.Now().UnixNano()-derived monotonic reading at capture time
	Type      Type
	Payload   []byte
	Labels    []Label
}

// Len reports the on-wire payload length, matching the northbound
// {length: u32} field of the BMF contract.
func (e Envelope) Len() int { return len(e.Payload) }
