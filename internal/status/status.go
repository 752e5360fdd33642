// Package status is the periodic status sampler: on a fixed interval it
// reads every live peer session's state and RIB occupancy plus the shared
// publication fabric's occupancy/pacing state, and both updates the
// Prometheus gauges in internal/metrics and enqueues a status BMF onto the
// control writer so a downstream consumer has the same view without
// scraping /metrics.
package status

import (
	"context"
	"encoding/binary"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgpmon/internal/bmf"
	"github.com/route-beacon/bgpmon/internal/control"
	"github.com/route-beacon/bgpmon/internal/metrics"
	"github.com/route-beacon/bgpmon/internal/queue"
	"github.com/route-beacon/bgpmon/internal/session"
)

// Sampler periodically snapshots the supervisor and publication fabric.
type Sampler struct {
	sup      *control.Supervisor
	pub      *queue.Publication
	w        *queue.Writer
	interval time.Duration
	log      *zap.Logger
}

// New constructs a Sampler. interval is clamped to a 1-second floor.
func New(sup *control.Supervisor, pub *queue.Publication, interval time.Duration, log *zap.Logger) *Sampler {
	if interval < time.Second {
		interval = time.Second
	}
	return &Sampler{sup: sup, pub: pub, w: pub.NewWriter(), interval: interval, log: log}
}

// Run samples on a ticker until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample(ctx)
		}
	}
}

func (s *Sampler) sample(ctx context.Context) {
	// SessionStateTotal carries one series per (session, state) pair; a
	// session that has since transitioned leaves its old state's series
	// stale otherwise, so the whole vec is cleared before this tick's set.
	metrics.SessionStateTotal.Reset()

	for _, snap := range s.sup.Snapshot() {
		id := strconv.Itoa(snap.SessionID)
		metrics.SessionStateTotal.WithLabelValues(id, snap.Peer, snap.State.String()).Set(1)

		var ribTotal, ribMax int
		if snap.RIB != nil {
			ribTotal, ribMax = snap.RIB.Occupancy()
			metrics.RIBBucketOccupancy.WithLabelValues(id).Set(float64(ribTotal))
			for _, rc := range snap.RIB.AttrRefCounts() {
				metrics.RIBAttrRefCount.WithLabelValues(id).Observe(float64(rc))
			}
		}

		s.emit(ctx, bmf.TypeSessionStatus, encodeSessionStatus(snap.SessionID, snap.State, ribTotal, ribMax))
	}

	occ, capacity := s.pub.Occupancy(), s.pub.Capacity()
	pacing := s.pub.Pacing()
	metrics.QueueOccupancy.WithLabelValues(s.pub.Name()).Set(float64(occ))
	if pacing {
		metrics.QueuePacing.WithLabelValues(s.pub.Name()).Set(1)
	} else {
		metrics.QueuePacing.WithLabelValues(s.pub.Name()).Set(0)
	}

	s.emit(ctx, bmf.TypeQueuesStatus, encodeQueueStatus(occ, capacity, pacing))
}

func (s *Sampler) emit(ctx context.Context, typ bmf.Type, payload []byte) {
	env := bmf.Envelope{SessionID: 0, Wall: time.Now(), Type: typ, Payload: payload}
	if err := s.pub.Write(ctx, s.w, env); err != nil {
		s.log.Warn("status sampler: failed to publish", zap.String("type", typ.String()), zap.Error(err))
	}
}

// encodeSessionStatus packs a fixed-width status record: session ID (4),
// FSM state (1, session.State's own numbering), RIB total entries (4),
// longest bucket chain (4).
func encodeSessionStatus(sessionID int, state session.State, ribTotal, ribMax int) []byte {
	b := make([]byte, 13)
	binary.BigEndian.PutUint32(b[0:4], uint32(sessionID))
	b[4] = byte(state)
	binary.BigEndian.PutUint32(b[5:9], uint32(ribTotal))
	binary.BigEndian.PutUint32(b[9:13], uint32(ribMax))
	return b
}

// encodeQueueStatus packs the publication fabric's occupancy (4),
// capacity (4), and pacing flag (1).
func encodeQueueStatus(occupancy, capacity int, pacing bool) []byte {
	b := make([]byte, 9)
	binary.BigEndian.PutUint32(b[0:4], uint32(occupancy))
	binary.BigEndian.PutUint32(b[4:8], uint32(capacity))
	if pacing {
		b[8] = 1
	}
	return b
}
