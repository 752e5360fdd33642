// Package labeler runs the dedicated labeling thread: it reads the union
// of the peer publication and the MRT publication, applies each raw
// UPDATE to its owning session's RIB, and forwards a labeled copy onto
// the labeled publication. Grounded on original_source
// Labeling/label.c's labelingThread (a reader over {peerQueue, mrtQueue}
// writing labeledQueue) and on the poll-a-source/hand-batches-to-a-
// channel/run-the-loop-on-its-own-goroutine shape used elsewhere in this
// codebase for long-running consumers.
package labeler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgpmon/internal/bgpwire"
	"github.com/route-beacon/bgpmon/internal/bmf"
	"github.com/route-beacon/bgpmon/internal/label"
	"github.com/route-beacon/bgpmon/internal/queue"
	"github.com/route-beacon/bgpmon/internal/rib"
	"github.com/route-beacon/bgpmon/internal/session"
)

// Registry resolves an envelope's owning session, satisfied by
// control.Supervisor.
type Registry interface {
	SessionByID(id int) *session.Session
}

// Labeler owns the labeled publication's write side and the read
// cursors it holds open against the peer and MRT publications.
type Labeler struct {
	peer    *queue.Publication
	mrt     *queue.Publication
	labeled *queue.Publication
	reg     Registry

	w   *queue.Writer
	log *zap.Logger

	readBatch int
}

// New constructs a Labeler. peer and mrt are read-only from this
// goroutine's perspective; labeled is written to exclusively by it (and
// by each fsm.Driver's own dump writer for already-applied RIB
// snapshots, which bypass labeling entirely).
func New(peer, mrt, labeled *queue.Publication, reg Registry, log *zap.Logger) *Labeler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Labeler{
		peer:      peer,
		mrt:       mrt,
		labeled:   labeled,
		reg:       reg,
		w:         labeled.NewWriter(),
		log:       log,
		readBatch: 64,
	}
}

// Run drains both source publications until ctx is cancelled. Each
// source is pumped on its own goroutine into a shared channel so that a
// burst on one publication never starves processing of the other.
func (l *Labeler) Run(ctx context.Context) {
	peerR := l.peer.NewReader()
	mrtR := l.mrt.NewReader()
	defer l.peer.RemoveReader(peerR)
	defer l.mrt.RemoveReader(mrtR)

	envCh := make(chan bmf.Envelope, l.readBatch*4)
	var wg sync.WaitGroup
	wg.Add(2)
	go l.pump(ctx, l.peer, peerR, envCh, &wg)
	go l.pump(ctx, l.mrt, mrtR, envCh, &wg)
	go func() {
		wg.Wait()
		close(envCh)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-envCh:
			if !ok {
				return
			}
			l.process(ctx, env)
		}
	}
}

func (l *Labeler) pump(ctx context.Context, pub *queue.Publication, r *queue.Reader, out chan<- bmf.Envelope, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		envs, err := pub.Read(ctx, r, l.readBatch)
		if err != nil {
			return
		}
		for _, e := range envs {
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}
}

// process applies labeling to raw-UPDATE envelope types and passes
// everything else straight through to the labeled publication.
func (l *Labeler) process(ctx context.Context, env bmf.Envelope) {
	switch env.Type {
	case bmf.TypeMsgFromPeer, bmf.TypeTableTransfer:
		l.label(ctx, env)
	default:
		l.forward(ctx, env)
	}
}

// label applies env's UPDATE to its owning session's RIB (if any is
// attached) and forwards a relabeled copy, matching original_source
// processBMF's handling of BMF_TYPE_MSG_FROM_PEER / BMF_TYPE_TABLE_TRANSFER:
// a Label-action session is relabeled to msg-labeled; a StoreRibOnly
// session is still applied to the RIB but forwarded unrelabeled; a
// table-transfer envelope only ever seeds the RIB and is never
// forwarded, labeled or not.
func (l *Labeler) label(ctx context.Context, env bmf.Envelope) {
	sess := l.reg.SessionByID(env.SessionID)
	if sess == nil || sess.LabelAction == session.LabelActionNoAction {
		if env.Type != bmf.TypeTableTransfer {
			l.forward(ctx, env)
		}
		return
	}

	tbl, ok := sess.RIB().(*rib.Tables)
	if !ok || tbl == nil {
		l.log.Warn("labeler: no rib attached for session, skipping labeling", zap.Int("session_id", env.SessionID))
		if env.Type != bmf.TypeTableTransfer {
			l.forward(ctx, env)
		}
		return
	}

	asWidth := int(sess.CurrentASWidth())
	if asWidth == 0 {
		asWidth = 2
	}
	if len(env.Payload) < bgpwire.HeaderLen {
		l.log.Warn("labeler: update shorter than a bgp header, dropping", zap.Int("session_id", env.SessionID))
		return
	}
	upd, err := bgpwire.DecodeUpdate(env.Payload[bgpwire.HeaderLen:], asWidth, false)
	if err != nil {
		l.log.Warn("labeler: malformed update, dropping", zap.Error(err), zap.Int("session_id", env.SessionID))
		return
	}

	wall := env.Wall
	if wall.IsZero() {
		wall = time.Now()
	}
	labels, err := label.Apply(tbl, upd, wall)
	if err != nil {
		l.log.Warn("labeler: labeling error, continuing with partial result", zap.Error(err), zap.Int("session_id", env.SessionID))
	}
	sess.IncrementLabel(label.Tally(labels))

	if env.Type == bmf.TypeTableTransfer {
		return
	}

	if sess.LabelAction == session.LabelActionLabel {
		env.Type = bmf.TypeMsgLabeled
		env.Labels = labels
	}
	l.forward(ctx, env)
}

func (l *Labeler) forward(ctx context.Context, env bmf.Envelope) {
	if err := l.labeled.Write(ctx, l.w, env); err != nil {
		l.log.Warn("labeler: failed to forward envelope", zap.Error(err), zap.String("type", env.Type.String()))
	}
}
