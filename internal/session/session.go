// Package session defines the central Session entity: one
// logical BGP peering, live or MRT-synthetic, plus its counters and state.
package session

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/route-beacon/bgpmon/internal/label"
	"github.com/route-beacon/bgpmon/internal/queue"
)

// Direction distinguishes a live TCP peering from one synthesized by the
// MRT ingestor.
type Direction uint8

const (
	DirectionLive Direction = iota
	DirectionMRTSynthetic
)

// State is the peer session FSM state. Defined here rather than in
// internal/fsm so that session has no dependency on fsm, avoiding an
// import cycle (fsm depends on session, not the reverse).
type State uint8

const (
	StateError State = iota
	StateIdle
	StateConnect
	StateActive
	StateOpenSent
	StateOpenConfirm
	StateEstablished
	StateMrtEstablished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnect:
		return "Connect"
	case StateActive:
		return "Active"
	case StateOpenSent:
		return "OpenSent"
	case StateOpenConfirm:
		return "OpenConfirm"
	case StateEstablished:
		return "Established"
	case StateMrtEstablished:
		return "MrtEstablished"
	default:
		return "Error"
	}
}

// ASWidth is the AS-number width negotiated for a session: 2 bytes until
// a 4-byte-AS capability is advertised and accepted. Once promoted to 4,
// a session never switches back within its lifetime.
type ASWidth int

const (
	ASWidthUnknown ASWidth = 0
	ASWidth2       ASWidth = 2
	ASWidth4       ASWidth = 4
)

// SixTuple identifies a peering's endpoints.
type SixTuple struct {
	LocalAddr  netip.Addr
	LocalPort  uint16
	LocalAS    uint32
	RemoteAddr netip.Addr
	RemotePort uint16
	RemoteAS   uint32
}

// LabelAction mirrors config.LabelAction; duplicated here as a plain value
// (not imported from internal/config) to keep session free of a
// dependency on the config package, which instead depends on session only
// indirectly through the control plane wiring layer.
type LabelAction uint8

const (
	LabelActionNoAction LabelAction = iota
	LabelActionLabel
	LabelActionStoreRibOnly
)

// Counters are the per-session statistics tracked for the lifetime of a
// Session.
type Counters struct {
	MessagesReceived   uint64
	AnnouncementsNew   uint64
	AnnouncementsDup   uint64
	PathsSame          uint64
	PathsDifferent     uint64
	WithdrawsNew       uint64
	WithdrawsDuplicate uint64
	DownCount          uint64
	LastDownTime       time.Time
	EstablishTime      time.Time
}

// RIB is the minimal interface the session holds onto for its owning
// Adj-RIB-In, satisfied by *rib.Tables. Defined here (rather than
// importing internal/rib) to avoid session depending on rib; rib instead
// depends on session's exported types where needed.
type RIB interface {
	Destroy()
}

// Session is the central entity of one logical BGP peering. Exactly one
// goroutine (the owning FSM driver or the MRT ingestor) writes to a
// Session's mutable
// fields at a time; concurrent readers (the supervisor, the status
// sampler) only ever read Counters/State through the accessor methods
// below, which take the mutex.
type Session struct {
	ID        int
	Direction Direction
	Tuple     SixTuple
	ASWidth   ASWidth

	LabelAction LabelAction

	mu       sync.Mutex
	state    State
	counters Counters
	rib      RIB

	// Cursor is this session's single-writer handle into the peer
	// publication: exactly one producer thread writes on behalf of a
	// session at a time.
	Cursor *queue.Writer

	lastAction atomic.Int64 // unix nanos, read lock-free by the supervisor
}

// New constructs a Session in the given initial state.
func New(id int, dir Direction, tuple SixTuple, initial State) *Session {
	s := &Session{
		ID:        id,
		Direction: dir,
		Tuple:     tuple,
		ASWidth:   ASWidthUnknown,
		state:     initial,
	}
	s.Touch()
	return s
}

// Touch records the current time as this session's lastAction, read
// lock-free by the supervisor's dead-thread check.
func (s *Session) Touch() { s.lastAction.Store(time.Now().UnixNano()) }

// LastAction returns the last time this session's owning thread made
// progress.
func (s *Session) LastAction() time.Time {
	return time.Unix(0, s.lastAction.Load())
}

// State returns the current FSM state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState transitions the session to newState. It does not itself emit a
// state-change record; callers (internal/fsm) are responsible for that.
func (s *Session) SetState(newState State) {
	s.mu.Lock()
	s.state = newState
	if newState == StateEstablished && s.counters.EstablishTime.IsZero() {
		s.counters.EstablishTime = time.Now()
	}
	s.mu.Unlock()
}

// PromoteASWidth upgrades the session's AS width. Width is monotone
// non-decreasing: a request to downgrade is ignored.
func (s *Session) PromoteASWidth(w ASWidth) {
	s.mu.Lock()
	if w > s.ASWidth {
		s.ASWidth = w
	}
	s.mu.Unlock()
}

// CurrentASWidth returns the session's negotiated AS width under lock, for
// callers outside the owning FSM driver (the MRT ingestor's live-session
// confirmation wait).
func (s *Session) CurrentASWidth() ASWidth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ASWidth
}

// Counters returns a copy of the session's current counters.
func (s *Session) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// RIB returns the session's owning RIB handle, or nil if none is attached.
func (s *Session) RIB() RIB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rib
}

// AttachRIB installs a RIB handle. A session in Established with
// LabelAction != NoAction must have a non-null RIB.
func (s *Session) AttachRIB(r RIB) {
	s.mu.Lock()
	s.rib = r
	s.mu.Unlock()
}

// DestroyRIB tears down and detaches the session's RIB. Called on
// transition into Idle from any state other than Connect.
func (s *Session) DestroyRIB() {
	s.mu.Lock()
	r := s.rib
	s.rib = nil
	s.mu.Unlock()
	if r != nil {
		r.Destroy()
	}
}

// RecordDown marks the session down, incrementing DownCount and stamping
// LastDownTime.
func (s *Session) RecordDown(now time.Time) {
	s.mu.Lock()
	s.counters.DownCount++
	s.counters.LastDownTime = now
	s.mu.Unlock()
}

// IncrementLabel adds one UPDATE's per-NLRI label tally to the session's
// counters. Every field of c is added independently, since a single
// UPDATE can carry any mix of announcements and withdrawals and every one
// of them must be counted, not just the first kind seen.
func (s *Session) IncrementLabel(c label.Counts) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.MessagesReceived++
	s.counters.AnnouncementsNew += uint64(c.AnnounceNew)
	s.counters.AnnouncementsDup += uint64(c.AnnounceDup)
	s.counters.PathsSame += uint64(c.PathSame)
	s.counters.PathsDifferent += uint64(c.PathDiff)
	s.counters.WithdrawsNew += uint64(c.WithdrawNew)
	s.counters.WithdrawsDuplicate += uint64(c.WithdrawDup)
}
