// Package store is the optional append-only session-history sink: a
// Postgres-backed batch writer for state-change and status BMF envelopes,
// daily-partitioned and retention-swept via internal/maintenance. Never
// stores live RIB state (a session's Adj-RIB-In stays entirely
// in-process) — only the audit trail of what happened and when, for
// post-hoc operator queries after a restart.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/route-beacon/bgpmon/internal/bmf"
	"github.com/route-beacon/bgpmon/internal/metrics"
)

var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("store: zstd encoder init: %v", err))
	}
}

// Writer batches state-change and status envelopes into session_events.
type Writer struct {
	pool        *pgxpool.Pool
	logger      *zap.Logger
	compressRaw bool
}

func NewWriter(pool *pgxpool.Pool, logger *zap.Logger, compressRaw bool) *Writer {
	return &Writer{pool: pool, logger: logger, compressRaw: compressRaw}
}

// Eligible reports whether an envelope type belongs in the history sink.
// Live RIB traffic (msg-from-peer, msg-labeled, table-transfer) never
// lands here; only the small, infrequent bookkeeping types do.
func Eligible(t bmf.Type) bool {
	switch t {
	case bmf.TypeFSMStateChange, bmf.TypeSessionStatus, bmf.TypeChainsStatus,
		bmf.TypeQueuesStatus, bmf.TypeMRTStatus, bmf.TypeBGPMonStart, bmf.TypeBGPMonStop,
		bmf.TypeTableStart, bmf.TypeTableStop:
		return true
	default:
		return false
	}
}

const insertSQL = `
	INSERT INTO session_events (session_id, wall_time, event_type, payload)
	VALUES ($1, $2, $3, $4)`

// FlushBatch inserts a batch of envelopes into session_events, skipping
// any envelope Eligible rejects.
func (w *Writer) FlushBatch(ctx context.Context, envs []bmf.Envelope) (int64, error) {
	rows := make([]bmf.Envelope, 0, len(envs))
	for _, e := range envs {
		if Eligible(e.Type) {
			rows = append(rows, e)
		}
	}
	if len(rows) == 0 {
		return 0, nil
	}

	start := time.Now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, e := range rows {
		payload := e.Payload
		if w.compressRaw && len(payload) > 0 {
			payload = zstdEncoder.EncodeAll(payload, nil)
		}
		batch.Queue(insertSQL, e.SessionID, e.Wall, e.Type.String(), payload)
	}

	results := tx.SendBatch(ctx, batch)
	var inserted int64
	for i := range rows {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return 0, fmt.Errorf("insert session_event[%d]: %w", i, err)
		}
		inserted++
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("closing batch results: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	metrics.StoreWriteDuration.WithLabelValues("session_events").Observe(time.Since(start).Seconds())
	metrics.StoreRowsWrittenTotal.WithLabelValues("session_events").Add(float64(inserted))
	metrics.StoreBatchSize.WithLabelValues("session_events").Observe(float64(len(rows)))
	return inserted, nil
}
