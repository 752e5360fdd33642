package labeler

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgpmon/internal/bgpwire"
	"github.com/route-beacon/bgpmon/internal/bmf"
	"github.com/route-beacon/bgpmon/internal/queue"
	"github.com/route-beacon/bgpmon/internal/rib"
	"github.com/route-beacon/bgpmon/internal/session"
)

type fakeRegistry struct {
	byID map[int]*session.Session
}

func (f *fakeRegistry) SessionByID(id int) *session.Session { return f.byID[id] }

func announceBytes(t *testing.T, prefix string, asPath []uint32) []byte {
	t.Helper()
	p := netip.MustParsePrefix(prefix)
	upd := bgpwire.Update{
		Attrs: []bgpwire.PathAttr{
			{Code: bgpwire.AttrOrigin, Value: []byte{0}},
			{Code: bgpwire.AttrASPath, Value: bgpwire.EncodeASPath([]bgpwire.ASPathSegment{{Type: bgpwire.ASPathSequence, ASNs: asPath}}, 4)},
			{Code: bgpwire.AttrNextHop, Value: []byte{192, 0, 2, 1}},
		},
		Ops: []bgpwire.NLRIOp{
			{AFI: bgpwire.AFIIPv4, SAFI: bgpwire.SAFIUnicast, Prefix: bgpwire.Prefix{Addr: p.Addr(), Length: p.Bits()}},
		},
	}
	raw, err := upd.Encode()
	if err != nil {
		t.Fatalf("encode update: %v", err)
	}
	return raw
}

func newTestPubs() (peer, mrt, labeled *queue.Publication) {
	opts := queue.DefaultOptions()
	return queue.New("peer", opts), queue.New("mrt", opts), queue.New("labeled", opts)
}

func readOne(t *testing.T, pub *queue.Publication, r *queue.Reader, timeout time.Duration) bmf.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for {
		envs, err := pub.Read(ctx, r, 1)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if len(envs) > 0 {
			return envs[0]
		}
	}
}

func TestLabelerRelabelsUpdateForLabelActionSession(t *testing.T) {
	peer, mrt, labeled := newTestPubs()
	tbl := rib.New(rib.DefaultOptions())
	sess := session.New(1, session.DirectionLive, session.SixTuple{}, session.StateEstablished)
	sess.LabelAction = session.LabelActionLabel
	sess.AttachRIB(tbl)
	sess.PromoteASWidth(session.ASWidth4)

	reg := &fakeRegistry{byID: map[int]*session.Session{1: sess}}
	l := New(peer, mrt, labeled, reg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	labeledR := labeled.NewReader()
	w := peer.NewWriter()
	env := bmf.Envelope{SessionID: 1, Wall: time.Now(), Type: bmf.TypeMsgFromPeer, Payload: announceBytes(t, "10.0.0.0/24", []uint32{65001})}
	if err := peer.Write(context.Background(), w, env); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := readOne(t, labeled, labeledR, 2*time.Second)
	if got.Type != bmf.TypeMsgLabeled {
		t.Fatalf("Type = %v, want msg-labeled", got.Type)
	}
	if len(got.Labels) != 1 || got.Labels[0] != bmf.LabelAnnounceNew {
		t.Fatalf("Labels = %v, want [new-announce]", got.Labels)
	}
	if c := sess.Counters(); c.AnnouncementsNew != 1 {
		t.Fatalf("AnnouncementsNew = %d, want 1", c.AnnouncementsNew)
	}
}

func TestLabelerForwardsUnrelabeledForStoreRibOnlySession(t *testing.T) {
	peer, mrt, labeled := newTestPubs()
	tbl := rib.New(rib.DefaultOptions())
	sess := session.New(2, session.DirectionLive, session.SixTuple{}, session.StateEstablished)
	sess.LabelAction = session.LabelActionStoreRibOnly
	sess.AttachRIB(tbl)
	sess.PromoteASWidth(session.ASWidth4)

	reg := &fakeRegistry{byID: map[int]*session.Session{2: sess}}
	l := New(peer, mrt, labeled, reg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	labeledR := labeled.NewReader()
	w := peer.NewWriter()
	env := bmf.Envelope{SessionID: 2, Wall: time.Now(), Type: bmf.TypeMsgFromPeer, Payload: announceBytes(t, "10.0.1.0/24", []uint32{65002})}
	if err := peer.Write(context.Background(), w, env); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := readOne(t, labeled, labeledR, 2*time.Second)
	if got.Type != bmf.TypeMsgFromPeer {
		t.Fatalf("Type = %v, want msg-from-peer (unrelabeled)", got.Type)
	}
	if got.Labels != nil {
		t.Fatalf("Labels = %v, want nil for a store-rib-only session", got.Labels)
	}
	if c := sess.Counters(); c.AnnouncementsNew != 1 {
		t.Fatalf("AnnouncementsNew = %d, want 1 (rib must still be updated)", c.AnnouncementsNew)
	}
}

func TestLabelerAppliesTableTransferButNeverForwardsIt(t *testing.T) {
	peer, mrt, labeled := newTestPubs()
	tbl := rib.New(rib.DefaultOptions())
	sess := session.New(3, session.DirectionMRTSynthetic, session.SixTuple{}, session.StateMrtEstablished)
	sess.LabelAction = session.LabelActionLabel
	sess.AttachRIB(tbl)
	sess.PromoteASWidth(session.ASWidth4)

	reg := &fakeRegistry{byID: map[int]*session.Session{3: sess}}
	l := New(peer, mrt, labeled, reg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	w := mrt.NewWriter()
	env := bmf.Envelope{SessionID: 3, Wall: time.Now(), Type: bmf.TypeTableTransfer, Payload: announceBytes(t, "10.0.2.0/24", []uint32{65003})}
	if err := mrt.Write(context.Background(), w, env); err != nil {
		t.Fatalf("write: %v", err)
	}

	// No forwarded copy: wait for the RIB side-effect instead of racing a read.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess.Counters().AnnouncementsNew == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if c := sess.Counters(); c.AnnouncementsNew != 1 {
		t.Fatalf("AnnouncementsNew = %d, want 1 (table-transfer must still seed the rib)", c.AnnouncementsNew)
	}

	labeledR := labeled.NewReader()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	envs, err := labeled.Read(ctx2, labeledR, 1)
	if err != nil && err != context.DeadlineExceeded {
		t.Fatalf("read: %v", err)
	}
	if len(envs) != 0 {
		t.Fatalf("expected no envelope forwarded for a table-transfer, got %v", envs)
	}
}

func TestLabelerPassesThroughNonSessionEnvelopes(t *testing.T) {
	peer, mrt, labeled := newTestPubs()
	reg := &fakeRegistry{byID: map[int]*session.Session{}}
	l := New(peer, mrt, labeled, reg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	labeledR := labeled.NewReader()
	w := peer.NewWriter()
	env := bmf.Envelope{SessionID: 9, Wall: time.Now(), Type: bmf.TypeFSMStateChange, Payload: []byte{1, 2, 3}}
	if err := peer.Write(context.Background(), w, env); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := readOne(t, labeled, labeledR, 2*time.Second)
	if got.Type != bmf.TypeFSMStateChange {
		t.Fatalf("Type = %v, want fsm-state-change passed through unchanged", got.Type)
	}
}
