// Package control is the supervisor: it owns the dense peer, peer-group,
// and session slot arrays, drives peer-group resolution for every
// configured peer, starts and tracks one fsm.Driver goroutine per live
// peer, and implements the mrt.Registry surface the MRT ingestor depends
// on. Construction follows the same shape as the rest of this codebase's
// long-running services: build the pipelines, start their goroutines,
// wait on a sync.WaitGroup, and shut down in reverse dependency order
// against a timeout context.
package control

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgpmon/internal/bmf"
	"github.com/route-beacon/bgpmon/internal/config"
	"github.com/route-beacon/bgpmon/internal/fsm"
	"github.com/route-beacon/bgpmon/internal/queue"
	"github.com/route-beacon/bgpmon/internal/rib"
	"github.com/route-beacon/bgpmon/internal/session"
)

// peerSlot is one entry in the dense peer slot array: the static peer
// description, its resolved view, and the live session/driver pair once
// started (nil until Start runs it).
type peerSlot struct {
	peer     *config.Peer
	resolved config.Resolved
	sess     *session.Session
	driver   *fsm.Driver
}

// Supervisor owns every peer session for one process: the resolved
// peer/peer-group model, the shared publication fabric, and the
// supervisor loop that watches for stalled session threads.
type Supervisor struct {
	cfg   *config.Config
	model *config.Model
	log   *zap.Logger

	identity fsm.Identity

	// Three publications, one per original_source queue: peerPub carries
	// raw per-peer traffic, mrtPub carries MRT-synthesized UPDATEs, and
	// labeledPub carries the labeler's (and each driver's RIB-dump
	// writer's) output — the only publication downstream subscribers
	// read from.
	peerPub    *queue.Publication
	mrtPub     *queue.Publication
	labeledPub *queue.Publication
	ctrlW      *queue.Writer

	mu       sync.Mutex
	peers    []*peerSlot
	sessions []*session.Session         // dense slot array; index == Session.ID-1
	byRemote map[netip.Addr]*session.Session

	wg sync.WaitGroup
}

// New constructs a Supervisor against the ambient config and peer model.
// It does not start anything; call Start to launch peer sessions.
func New(cfg *config.Config, model *config.Model, log *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		model:    model,
		log:      log,
		byRemote: make(map[netip.Addr]*session.Session),
	}
}

// Publication returns the MRT publication the ingestor writes
// synthesized UPDATEs onto, satisfying mrt.Registry.
func (sup *Supervisor) Publication() *queue.Publication { return sup.mrtPub }

// PeerPublication returns the publication every live fsm.Driver writes
// its raw per-peer traffic onto. Read only by internal/labeler.
func (sup *Supervisor) PeerPublication() *queue.Publication { return sup.peerPub }

// LabeledPublication returns the publication internal/labeler (and each
// driver's RIB-dump writer) writes its labeled output onto. This is the
// publication every downstream subscriber — status sampler, history
// sink, Kafka export — reads from.
func (sup *Supervisor) LabeledPublication() *queue.Publication { return sup.labeledPub }

// SessionByID returns the session with the given ID, or nil if none has
// been assigned that ID yet. Exploits the dense, append-only slot array:
// a session's ID is always its 1-based index. Satisfies
// internal/labeler's Registry.
func (sup *Supervisor) SessionByID(id int) *session.Session {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	if id < 1 || id > len(sup.sessions) {
		return nil
	}
	return sup.sessions[id-1]
}

// Start builds the publication fabric, resolves and launches every
// enabled configured peer, and starts the supervisor's dead-thread check.
// A peer whose address fails to parse or whose group chain cycles is
// logged and skipped rather than aborting the whole process.
func (sup *Supervisor) Start(ctx context.Context) error {
	opts := queue.DefaultOptions()
	opts.Capacity = sup.cfg.Queue.Capacity
	opts.PacingOnThreshold = sup.cfg.Queue.PacingOnThreshold
	opts.PacingOffThreshold = sup.cfg.Queue.PacingOffThreshold
	opts.Alpha = sup.cfg.Queue.Alpha
	opts.MinimumWritesLimit = sup.cfg.Queue.MinimumWritesLimit
	opts.SlowReaderLag = sup.cfg.Queue.SlowReaderLag
	if sup.cfg.Queue.PacingIntervalSeconds > 0 {
		opts.PacingInterval = time.Duration(sup.cfg.Queue.PacingIntervalSeconds) * time.Second
	}
	sup.peerPub = queue.New("bgpmon-peer", opts)
	sup.mrtPub = queue.New("bgpmon-mrt", opts)
	sup.labeledPub = queue.New("bgpmon-labeled", opts)
	sup.ctrlW = sup.labeledPub.NewWriter()

	routerID, err := netip.ParseAddr(sup.cfg.Service.RouterID)
	if err != nil || !routerID.Is4() {
		routerID = netip.IPv4Unspecified()
	}
	sup.identity = fsm.Identity{BGPID: routerID.As4()}

	sup.emitControl(bmf.TypeBGPMonStart)

	names := make([]string, 0, len(sup.model.Peers))
	for name := range sup.model.Peers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := sup.startPeer(ctx, name); err != nil {
			sup.log.Warn("skipping peer", zap.String("peer", name), zap.Error(err))
		}
	}

	sup.wg.Add(1)
	go func() {
		defer sup.wg.Done()
		sup.superviseLoop(ctx)
	}()

	return nil
}

func (sup *Supervisor) startPeer(ctx context.Context, name string) error {
	resolved, err := sup.model.ResolvePeer(name)
	if err != nil {
		return fmt.Errorf("resolving peer %s: %w", name, err)
	}
	if !resolved.Enabled {
		sup.log.Info("peer disabled, skipping", zap.String("peer", name))
		return nil
	}
	peer := sup.model.Peers[name]

	var localAddr netip.Addr
	if peer.LocalAddr != "" {
		localAddr, err = netip.ParseAddr(peer.LocalAddr)
		if err != nil {
			return fmt.Errorf("peer %s local_addr: %w", name, err)
		}
	}
	remoteAddr, err := netip.ParseAddr(peer.RemoteAddr)
	if err != nil {
		return fmt.Errorf("peer %s remote_addr: %w", name, err)
	}

	tuple := session.SixTuple{
		LocalAddr:  localAddr,
		LocalPort:  uint16(peer.LocalPort),
		LocalAS:    uint32(resolved.LocalAS),
		RemoteAddr: remoteAddr,
		RemotePort: uint16(peer.RemotePort),
		RemoteAS:   uint32(peer.RemoteAS),
	}

	sup.mu.Lock()
	if sup.cfg.Service.MaxSessions > 0 && len(sup.sessions) >= sup.cfg.Service.MaxSessions {
		sup.mu.Unlock()
		return fmt.Errorf("max_sessions (%d) reached", sup.cfg.Service.MaxSessions)
	}
	id := len(sup.sessions) + 1
	sess := session.New(id, session.DirectionLive, tuple, session.StateIdle)
	sess.Cursor = sup.peerPub.NewWriter()
	sess.LabelAction = toSessionLabelAction(resolved.LabelAction)
	sup.sessions = append(sup.sessions, sess)
	sup.byRemote[remoteAddr] = sess
	sup.mu.Unlock()

	var tbl *rib.Tables
	if resolved.LabelAction != config.LabelActionNoAction {
		tbl = rib.New(rib.DefaultOptions())
	}

	driver := fsm.NewDriver(peer, resolved, sup.identity, sess, tbl, sup.peerPub, sup.labeledPub)
	driver.Log = sup.log.Named("fsm").With(zap.String("peer", name))

	sup.mu.Lock()
	sup.peers = append(sup.peers, &peerSlot{peer: peer, resolved: resolved, sess: sess, driver: driver})
	sup.mu.Unlock()

	sup.wg.Add(1)
	go func() {
		defer sup.wg.Done()
		driver.Run(ctx)
	}()

	sup.log.Info("peer session started", zap.String("peer", name), zap.Int("session_id", id))
	return nil
}

func toSessionLabelAction(a config.LabelAction) session.LabelAction {
	switch a {
	case config.LabelActionLabel:
		return session.LabelActionLabel
	case config.LabelActionStoreRibOnly:
		return session.LabelActionStoreRibOnly
	default:
		return session.LabelActionNoAction
	}
}

// superviseLoop periodically checks every session's lastAction timestamp
// (read lock-free) and logs any thread stalled past the configured dead
// interval. It never restarts a session itself; each fsm.Driver owns its
// own reconnect/backoff loop.
func (sup *Supervisor) superviseLoop(ctx context.Context) {
	interval := time.Duration(sup.cfg.Service.SupervisorIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadAfter := time.Duration(sup.cfg.Service.DeadIntervalSeconds) * time.Second

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sup.checkStalled(deadAfter)
		}
	}
}

func (sup *Supervisor) checkStalled(deadAfter time.Duration) {
	if deadAfter <= 0 {
		return
	}
	sup.mu.Lock()
	sessions := append([]*session.Session(nil), sup.sessions...)
	sup.mu.Unlock()

	now := time.Now()
	for _, sess := range sessions {
		if now.Sub(sess.LastAction()) > deadAfter {
			sup.log.Warn("session thread stalled past dead interval",
				zap.Int("session_id", sess.ID),
				zap.Duration("since_last_action", now.Sub(sess.LastAction())))
		}
	}
}

// Shutdown waits for every peer driver and the supervisor loop to finish,
// bounded by ctx, emits the closing BGPmon-stop record, and tears down the
// publication fabric. Callers cancel the context passed to Start before
// calling Shutdown.
func (sup *Supervisor) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		sup.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.log.Warn("shutdown timeout reached, some peer threads may not have finished")
	}

	sup.emitControl(bmf.TypeBGPMonStop)
	sup.peerPub.Close()
	sup.mrtPub.Close()
	sup.labeledPub.Close()
	return nil
}

func (sup *Supervisor) emitControl(typ bmf.Type) {
	env := bmf.Envelope{SessionID: 0, Wall: time.Now(), Type: typ}
	if err := sup.labeledPub.Write(context.Background(), sup.ctrlW, env); err != nil {
		sup.log.Warn("failed to publish control record", zap.String("type", typ.String()), zap.Error(err))
	}
}

// Ready reports how many peers are configured and how many sessions have
// reached Established, satisfying httpapi.SessionSummary.
func (sup *Supervisor) Ready() (configured, established int) {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	configured = len(sup.peers)
	for _, sess := range sup.sessions {
		if sess.State() == session.StateEstablished {
			established++
		}
	}
	return configured, established
}

// PeerSnapshot is one peer session's point-in-time status, for the status
// sampler's periodic BMF emission.
type PeerSnapshot struct {
	SessionID int
	Peer      string
	State     session.State
	RIB       *rib.Tables // nil if this peer's LabelAction attaches no table
}

// Snapshot returns a point-in-time view of every live peer session.
// MRT-synthetic sessions (no configured peer name) are excluded; the MRT
// ingestor reports its own status separately.
func (sup *Supervisor) Snapshot() []PeerSnapshot {
	sup.mu.Lock()
	defer sup.mu.Unlock()

	out := make([]PeerSnapshot, 0, len(sup.peers))
	for _, ps := range sup.peers {
		var tbl *rib.Tables
		if r, ok := ps.sess.RIB().(*rib.Tables); ok {
			tbl = r
		}
		out = append(out, PeerSnapshot{
			SessionID: ps.sess.ID,
			Peer:      ps.peer.Name,
			State:     ps.sess.State(),
			RIB:       tbl,
		})
	}
	return out
}

// SyntheticSession returns the session a MRT RIB entry should be queued
// against: the already-registered live session for this peer's remote
// address if one is configured, or a newly created MRT-only synthetic
// session otherwise. A freshly created synthetic session is given its
// own RIB and a Label action, same as a live peer would get, so that
// MRT-ingested routes flow through the labeler exactly like live
// UPDATEs instead of bypassing the RIB entirely. Satisfies mrt.Registry.
func (sup *Supervisor) SyntheticSession(tuple session.SixTuple) *session.Session {
	sup.mu.Lock()
	defer sup.mu.Unlock()

	if sess, ok := sup.byRemote[tuple.RemoteAddr]; ok {
		return sess
	}

	id := len(sup.sessions) + 1
	sess := session.New(id, session.DirectionMRTSynthetic, tuple, session.StateError)
	sess.Cursor = sup.mrtPub.NewWriter()
	sess.LabelAction = session.LabelActionLabel
	sess.AttachRIB(rib.New(rib.DefaultOptions()))
	sup.sessions = append(sup.sessions, sess)
	sup.byRemote[tuple.RemoteAddr] = sess
	return sess
}

// AwaitMrtEstablished confirms sess's AS width is known before the MRT
// ingestor trusts it to decode AS_PATH/AGGREGATOR widths correctly. A
// live configured session already knows its width once its OPEN exchange
// completes; a pure MRT-only synthetic session never negotiates one on
// its own, so this only succeeds for it if a live session for the same
// remote address appears before maxPolls elapses. Satisfies mrt.Registry.
func (sup *Supervisor) AwaitMrtEstablished(ctx context.Context, sess *session.Session, pollInterval time.Duration, maxPolls int) bool {
	confirm := func() bool {
		if sess.CurrentASWidth() == session.ASWidthUnknown {
			return false
		}
		if sess.Direction == session.DirectionMRTSynthetic {
			sess.SetState(session.StateMrtEstablished)
		}
		return true
	}
	if confirm() {
		return true
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for i := 0; i < maxPolls; i++ {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
		if confirm() {
			return true
		}
	}
	return false
}
