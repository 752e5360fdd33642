// Package fsm implements the per-peer session state machine: the
// outbound connect loop, OPEN negotiation, timers, and the reset policy
// that returns a torn-down session to Idle for the next connect attempt.
package fsm

import (
	"context"
	"io"
	"net"
	"net/netip"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgpmon/internal/bgpwire"
	"github.com/route-beacon/bgpmon/internal/bmf"
	"github.com/route-beacon/bgpmon/internal/config"
	"github.com/route-beacon/bgpmon/internal/label"
	"github.com/route-beacon/bgpmon/internal/queue"
	"github.com/route-beacon/bgpmon/internal/rib"
	"github.com/route-beacon/bgpmon/internal/session"
)

// dumpBudget bounds how long the initial RIB snapshot emitted on entry to
// Established is allowed to take; large tables pace themselves within it.
const dumpBudget = 30 * time.Second

// Identity is the local speaker identity a Driver presents in its OPEN
// message; shared across all peer sessions of one process.
type Identity struct {
	BGPID [4]byte
}

// Driver owns one peer session's TCP connection and is the single writer
// to the peer publication on that session's behalf. One Driver runs on
// its own goroutine for the session's lifetime. A reset keeps the same
// Session value: it records the down event on it (DownCount,
// LastDownTime) and moves it to Idle; no replacement Session is
// constructed and Resolved is not re-read between attempts.
type Driver struct {
	Peer     *config.Peer
	Resolved config.Resolved
	Identity Identity

	Sess *session.Session
	RIB  *rib.Tables

	// Pub/Writer are this driver's single-writer handle onto the peer
	// publication, which internal/labeler reads to apply and relabel
	// raw UPDATEs.
	Pub    *queue.Publication
	Writer *queue.Writer

	// LabeledPub/labeledWriter are used only for the already-applied RIB
	// snapshot this driver's own dump produces (Emit, below), which
	// bypasses the labeler entirely and writes straight onto the
	// labeled publication, mirroring original_source sendRibTable
	// writing directly to labeledQueueWriter.
	LabeledPub    *queue.Publication
	labeledWriter *queue.Writer

	Log *zap.Logger

	state      session.State
	timers     *timerSet
	retryCount int

	conn         *net.TCPConn
	negHold      time.Duration
	negKeepalive time.Duration
	remoteOpen   bgpwire.Open

	msgCh chan wireMsg
}

type wireMsg struct {
	typ  uint8
	body []byte
	err  error
}

// NewDriver constructs a Driver in the Idle state. pub is the peer
// publication this driver writes raw traffic onto; labeledPub is the
// publication its own RIB-dump writer targets directly.
func NewDriver(peer *config.Peer, resolved config.Resolved, id Identity, sess *session.Session, tbl *rib.Tables, pub, labeledPub *queue.Publication) *Driver {
	return &Driver{
		Peer:          peer,
		Resolved:      resolved,
		Identity:      id,
		Sess:          sess,
		RIB:           tbl,
		Pub:           pub,
		Writer:        pub.NewWriter(),
		LabeledPub:    labeledPub,
		labeledWriter: labeledPub.NewWriter(),
		Log:           zap.NewNop(),
		state:         session.StateIdle,
		timers:        newTimerSet(),
	}
}

// Run drives the session until ctx is cancelled, reconnecting with a
// jittered, linearly-growing backoff between attempts.
func (d *Driver) Run(ctx context.Context) {
	d.transition(session.StateConnect, EventManualStart)

	for {
		if ctx.Err() != nil {
			d.teardown()
			return
		}

		if err := d.connect(ctx); err != nil {
			d.Log.Warn("connect failed", zap.Error(err), zap.String("remote", d.Peer.RemoteAddr))
			d.transition(session.StateActive, EventTCPConnectionFails)
			if !d.sleepBackoff(ctx) {
				return
			}
			continue
		}

		d.runConnection(ctx)

		if ctx.Err() != nil {
			return
		}
		if !d.sleepBackoff(ctx) {
			return
		}
		d.transition(session.StateConnect, EventConnectRetryTimerExpires)
	}
}

func (d *Driver) sleepBackoff(ctx context.Context) bool {
	d.retryCount++
	wait := jitter(connectRetryInterval(time.Duration(d.Resolved.ConnectRetrySeconds)*time.Second, d.retryCount))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(wait):
		return true
	}
}

func (d *Driver) connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: 30 * time.Second}
	addr := net.JoinHostPort(d.Peer.RemoteAddr, strconv.Itoa(d.Peer.RemotePort))
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	tcpConn, ok := rawConn.(*net.TCPConn)
	if !ok {
		rawConn.Close()
		return errNotTCP
	}
	if d.Resolved.MD5Key != "" {
		remoteIP := tcpConn.RemoteAddr().(*net.TCPAddr).IP
		if err := setMD5Key(tcpConn, remoteIP, d.Resolved.MD5Key); err != nil {
			d.Log.Warn("failed to install TCP_MD5SIG key", zap.Error(err))
		}
	}
	d.conn = tcpConn
	d.transition(session.StateOpenSent, EventTCPConnectionValid)

	hold := time.Duration(d.Resolved.HoldTimeSeconds) * time.Second
	reset(d.timers.hold, largeHold(hold))

	open := d.buildLocalOpen()
	return d.writeRaw(open.Encode(), bmf.TypeMsgToPeer)
}

func (d *Driver) buildLocalOpen() bgpwire.Open {
	asn := uint32(d.Resolved.LocalAS)
	myAS := uint16(asn)
	if asn > 0xFFFF {
		myAS = 23456 // AS_TRANS, RFC 6793, when the real ASN needs four bytes
	}
	return bgpwire.Open{
		Version:    4,
		MyAS:       myAS,
		HoldTime:   uint16(d.Resolved.HoldTimeSeconds),
		Identifier: netip.AddrFrom4(d.Identity.BGPID),
		Capabilities: []bgpwire.Capability{
			bgpwire.NewFourOctetASCapability(asn),
			bgpwire.NewMultiprotocolCapability(bgpwire.AFIIPv4, bgpwire.SAFIUnicast),
		},
	}
}

// runConnection handles the read/timer loop for one live TCP connection,
// from OpenSent through teardown. Returns once the connection resets or
// ctx is cancelled.
func (d *Driver) runConnection(ctx context.Context) {
	d.msgCh = make(chan wireMsg, 16)
	readerDone := make(chan struct{})
	go d.readLoop(readerDone)
	defer func() {
		d.conn.Close()
		<-readerDone
	}()

	for {
		select {
		case <-ctx.Done():
			d.sendNotification(bgpwire.NotifCodeCease, 0, nil)
			return

		case <-d.timers.hold.C:
			d.Log.Info("hold timer expired", zap.Int("session_id", d.Sess.ID))
			d.sendNotification(bgpwire.NotifCodeHoldTimerExpire, 0, nil)
			d.resetToIdle(EventHoldTimerExpires)
			return

		case <-d.timers.keepalive.C:
			d.writeRaw(bgpwire.EncodeKeepalive(), bmf.TypeMsgToPeer)
			reset(d.timers.keepalive, jitter(d.negKeepalive))

		case <-d.timers.routeRefresh.C:
			d.emitRouteRefresh()

		case m, ok := <-d.msgCh:
			if !ok {
				d.resetToIdle(EventTCPConnectionFails)
				return
			}
			if m.err != nil {
				if m.err == io.EOF {
					d.resetToIdle(EventTCPConnectionFails)
				} else {
					d.resetToIdle(EventBGPHeaderErr)
				}
				return
			}
			if done := d.handleMessage(m); done {
				return
			}
		}
	}
}

func (d *Driver) readLoop(done chan struct{}) {
	defer close(done)
	defer close(d.msgCh)
	for {
		d.conn.SetReadDeadline(time.Now().Add(d.keepaliveIntervalOrDefault()))
		hdr := make([]byte, bgpwire.HeaderLen)
		if _, err := io.ReadFull(d.conn, hdr); err != nil {
			if isTimeout(err) {
				continue
			}
			d.msgCh <- wireMsg{err: err}
			return
		}
		h, err := bgpwire.DecodeHeader(hdr)
		if err != nil {
			d.msgCh <- wireMsg{err: err}
			return
		}
		bodyLen := int(h.Length) - bgpwire.HeaderLen
		body := make([]byte, bodyLen)
		if bodyLen > 0 {
			if _, err := io.ReadFull(d.conn, body); err != nil {
				d.msgCh <- wireMsg{err: err}
				return
			}
		}
		d.msgCh <- wireMsg{typ: h.Type, body: body}
	}
}

func (d *Driver) keepaliveIntervalOrDefault() time.Duration {
	if d.negKeepalive > 0 {
		return d.negKeepalive + 5*time.Second
	}
	return 90 * time.Second
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// handleMessage dispatches one decoded wire message per the current
// state, returning true if the connection should be torn down.
func (d *Driver) handleMessage(m wireMsg) bool {
	d.Sess.Touch()
	switch m.typ {
	case bgpwire.MsgOpen:
		return d.handleOpen(m.body)
	case bgpwire.MsgKeepalive:
		return d.handleKeepalive()
	case bgpwire.MsgUpdate:
		return d.handleUpdate(m.body)
	case bgpwire.MsgNotification:
		n, err := bgpwire.DecodeNotification(m.body)
		if err != nil {
			d.resetToIdle(EventNotificationMessageVerErr)
			return true
		}
		d.Log.Info("received NOTIFICATION",
			zap.Int("session_id", d.Sess.ID), zap.Uint8("code", n.Code), zap.Uint8("subcode", n.Subcode))
		d.resetToIdle(EventNotificationMessage)
		return true
	case bgpwire.MsgRouteRefresh, bgpwire.MsgRouteRefreshOld:
		d.forwardRaw(m, bmf.TypeMsgFromPeer)
		return false
	default:
		d.sendNotification(bgpwire.NotifCodeMessageHeader, 0, nil)
		d.resetToIdle(EventBGPHeaderErr)
		return true
	}
}

func (d *Driver) handleOpen(body []byte) bool {
	open, err := bgpwire.DecodeOpen(body)
	if err != nil {
		d.sendNotification(bgpwire.NotifCodeOpenMessage, 0, nil)
		d.resetToIdle(EventBGPOpenMsgErr)
		return true
	}
	d.remoteOpen = open

	if open.Version != 4 {
		d.Log.Info("rejecting OPEN with unsupported version", zap.Uint8("version", open.Version))
		n := bgpwire.NewVersionError(4)
		d.writeRaw(n.Encode(), bmf.TypeMsgToPeer)
		d.resetToIdle(EventBGPOpenMsgErr)
		return true
	}

	advertisedAS := uint32(open.MyAS)
	if real, ok := open.FourOctetAS(); ok {
		advertisedAS = real
	}
	if d.Peer.RemoteAS != config.Unset && d.Peer.RemoteAS != 0 && advertisedAS != uint32(d.Peer.RemoteAS) {
		d.sendNotification(bgpwire.NotifCodeOpenMessage, bgpwire.OpenSubcodeBadPeerAS, nil)
		d.resetToIdle(EventBGPOpenMsgErr)
		return true
	}

	if refused := d.refusedCapabilities(open); len(refused) > 0 {
		n := bgpwire.NewUnsupportedCapability(refused)
		d.writeRaw(n.Encode(), bmf.TypeMsgToPeer)
		d.resetToIdle(EventBGPUnsupportedCapability)
		return true
	}

	if _, ok := open.FourOctetAS(); ok {
		d.Sess.PromoteASWidth(session.ASWidth4)
	} else {
		d.Sess.PromoteASWidth(session.ASWidth2)
	}

	remoteHold := time.Duration(open.HoldTime) * time.Second
	localHold := time.Duration(d.Resolved.HoldTimeSeconds) * time.Second
	d.negHold, d.negKeepalive = negotiatedTimers(localHold, remoteHold)
	reset(d.timers.hold, d.negHold)

	d.writeRaw(bgpwire.EncodeKeepalive(), bmf.TypeMsgToPeer)
	d.transition(session.StateOpenConfirm, EventBGPOpen)
	return false
}

// refusedCapabilities checks the peer's advertised OPEN capabilities
// against the resolved receive-requirement set, most-specific match
// wins. Required capabilities the peer never advertised are refused too.
func (d *Driver) refusedCapabilities(open bgpwire.Open) []byte {
	var refused []byte
	for _, cap := range open.Capabilities {
		kind, ok := config.Resolve(d.Resolved.ReceiveRequirements, cap.Code, cap.Value)
		if ok && kind == config.Refuse {
			refused = append(refused, cap.Code, uint8(len(cap.Value)))
			refused = append(refused, cap.Value...)
		}
	}
	for _, req := range d.Resolved.ReceiveRequirements {
		if req.Kind != config.Require {
			continue
		}
		if open.HasCapability(req.Code) {
			continue
		}
		refused = append(refused, req.Code, 0)
	}
	return refused
}

func (d *Driver) handleKeepalive() bool {
	if d.state == session.StateOpenConfirm {
		d.transition(session.StateEstablished, EventKeepaliveMsg)
		reset(d.timers.keepalive, jitter(d.negKeepalive))
		if d.Resolved.RouteRefreshAction == config.RouteRefreshEnabled {
			reset(d.timers.routeRefresh, time.Millisecond)
		}
		if d.Resolved.LabelAction != config.LabelActionNoAction && d.RIB != nil {
			d.Sess.AttachRIB(d.RIB)
			go d.dumpInitialTable()
		}
		return false
	}
	reset(d.timers.hold, d.negHold)
	return false
}

// dumpInitialTable walks the session's RIB under its per-bucket locks and
// emits table-start/table-transfer/table-stop, run on its own goroutine so
// it never blocks the read/timer select loop.
func (d *Driver) dumpInitialTable() {
	alive := func() bool { return d.Sess.State() == session.StateEstablished }
	logBehind := func(behind time.Duration) {
		d.Log.Warn("rib dump falling behind schedule", zap.Duration("behind", behind), zap.Int("session_id", d.Sess.ID))
	}
	if err := label.Dump(d.Sess.ID, d.RIB, dumpBudget, alive, d, logBehind); err != nil {
		d.Log.Warn("rib dump failed", zap.Error(err), zap.Int("session_id", d.Sess.ID))
	}
}

// Emit satisfies label.DumpSink, publishing a dump-produced envelope
// directly onto the labeled publication. A dump's table-transfer records
// are already-applied RIB snapshot rows, not raw UPDATE bytes, so they
// must bypass internal/labeler rather than going through the peer
// publication where it would try (and fail) to decode them as an UPDATE.
func (d *Driver) Emit(env bmf.Envelope) error {
	return d.LabeledPub.Write(context.Background(), d.labeledWriter, env)
}

// handleUpdate validates the UPDATE's header framing and forwards it
// unlabeled onto the peer publication; internal/labeler is the sole
// place that applies a session's RIB and relabels the envelope, so every
// UPDATE this driver sees is tagged msg-from-peer regardless of the
// session's configured label action.
func (d *Driver) handleUpdate(body []byte) bool {
	reset(d.timers.hold, d.negHold)

	asWidth := int(d.Sess.ASWidth)
	if asWidth == 0 {
		asWidth = 2
	}
	if _, err := bgpwire.DecodeUpdate(body, asWidth, false); err != nil {
		d.Log.Warn("malformed UPDATE", zap.Error(err), zap.Int("session_id", d.Sess.ID))
		d.sendNotification(bgpwire.NotifCodeUpdateMessage, 0, nil)
		d.resetToIdle(EventUpdateMsgErr)
		return true
	}

	msg := append(bgpwire.EncodeHeader(bgpwire.MsgUpdate, uint16(bgpwire.HeaderLen+len(body))), body...)
	env := bmf.Envelope{SessionID: d.Sess.ID, Wall: time.Now(), Monotonic: time.Now().UnixNano(), Type: bmf.TypeMsgFromPeer, Payload: msg}
	if err := d.Pub.Write(context.Background(), d.Writer, env); err != nil {
		d.Log.Warn("failed to publish inbound UPDATE", zap.Error(err))
	}
	return false
}

func (d *Driver) forwardRaw(m wireMsg, typ bmf.Type) {
	env := bmf.Envelope{SessionID: d.Sess.ID, Wall: time.Now(), Type: typ, Payload: m.body}
	d.Pub.Write(context.Background(), d.Writer, env)
}

func (d *Driver) emitRouteRefresh() {
	rr := bgpwire.RouteRefresh{AFI: bgpwire.AFIIPv4, SAFI: bgpwire.SAFIUnicast}
	d.writeRaw(rr.Encode(), bmf.TypeMsgToPeer)
}

func (d *Driver) writeRaw(msg []byte, typ bmf.Type) error {
	if d.conn != nil {
		if _, err := d.conn.Write(msg); err != nil {
			return err
		}
	}
	env := bmf.Envelope{SessionID: d.Sess.ID, Wall: time.Now(), Type: typ, Payload: msg}
	return d.Pub.Write(context.Background(), d.Writer, env)
}

func (d *Driver) sendNotification(code, subcode uint8, data []byte) {
	n := bgpwire.Notification{Code: code, Subcode: subcode, Data: data}
	d.writeRaw(n.Encode(), bmf.TypeMsgToPeer)
}

// resetToIdle implements the session reset policy: drop the connection,
// zero the negotiated timers, record the session down, and move to Idle.
// The caller's outer Run loop owns backing off and retrying Connect.
func (d *Driver) resetToIdle(reason Event) {
	stop(d.timers.hold)
	stop(d.timers.keepalive)
	stop(d.timers.routeRefresh)
	d.negHold, d.negKeepalive = 0, 0
	d.Sess.RecordDown(time.Now())
	d.transition(session.StateIdle, reason)
	if d.conn != nil {
		d.conn.Close()
	}
}

func (d *Driver) teardown() {
	if d.state == session.StateEstablished {
		d.sendNotification(bgpwire.NotifCodeCease, 0, nil)
	}
	d.resetToIdle(EventManualStop)
}

// transition moves the FSM to newState, updates the session, and emits a
// state-change envelope. The RIB is destroyed on any transition into
// Idle that did not originate from Connect (a connect-retry never had a
// RIB to tear down).
func (d *Driver) transition(newState session.State, reason Event) {
	old := d.state
	d.state = newState
	d.Sess.SetState(newState)
	d.Sess.Touch()

	payload := []byte{uint8(old), uint8(newState), uint8(reason)}
	env := bmf.Envelope{SessionID: d.Sess.ID, Wall: time.Now(), Type: bmf.TypeFSMStateChange, Payload: payload}
	d.Pub.Write(context.Background(), d.Writer, env)

	if newState == session.StateIdle && old != session.StateConnect {
		d.Sess.DestroyRIB()
	}
}

type errNotTCPType struct{}

func (errNotTCPType) Error() string { return "fsm: dialed connection is not a *net.TCPConn" }

var errNotTCP error = errNotTCPType{}
