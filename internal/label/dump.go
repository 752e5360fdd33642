package label

import (
	"time"

	"github.com/route-beacon/bgpmon/internal/bmf"
	"github.com/route-beacon/bgpmon/internal/rib"
)

// DumpSink receives the envelopes produced by Dump; satisfied by a
// queue.Writer-backed adapter in the control-plane wiring layer.
type DumpSink interface {
	Emit(env bmf.Envelope) error
}

// Dump walks every bucket of tbl under its per-bucket read lock and emits
// table-start, one table-transfer envelope per prefix entry, then
// table-stop carrying the total count. budget is the wall-clock time the
// dump is expected to take; alive is polled at every bucket boundary and,
// once it returns false, the walk stops early but still emits table-stop
// (the session was torn down concurrently).
func Dump(sessionID int, tbl *rib.Tables, budget time.Duration, alive func() bool, sink DumpSink, logBehind func(behindBy time.Duration)) error {
	if err := sink.Emit(bmf.Envelope{SessionID: sessionID, Wall: time.Now(), Type: bmf.TypeTableStart}); err != nil {
		return err
	}

	buckets := tbl.BucketCount()
	budgetSeconds := budget.Seconds()
	if budgetSeconds <= 0 {
		budgetSeconds = 1
	}
	indexesPerSecond := float64(buckets) / budgetSeconds
	if indexesPerSecond < 1 {
		indexesPerSecond = 1
	}

	start := time.Now()
	count := 0
	for i := 0; i < buckets; i++ {
		if !alive() {
			break
		}

		tbl.WalkBucket(i, func(k rib.Key, entry rib.PrefixEntry) {
			if entry.Withdrawn {
				return
			}
			count++
			_ = sink.Emit(bmf.Envelope{
				SessionID: sessionID,
				Wall:      time.Now(),
				Type:      bmf.TypeTableTransfer,
				Payload:   encodeDumpKey(k),
			})
		})

		scheduled := start.Add(time.Duration(float64(i+1) / indexesPerSecond * float64(time.Second)))
		elapsed := time.Now()
		if elapsed.Before(scheduled) {
			time.Sleep(scheduled.Sub(elapsed))
		} else if behind := elapsed.Sub(scheduled); behind > 2*time.Second && logBehind != nil {
			logBehind(behind)
		}
	}

	return sink.Emit(bmf.Envelope{SessionID: sessionID, Wall: time.Now(), Type: bmf.TypeTableStop, Payload: encodeCount(count)})
}

func encodeCount(n int) []byte {
	return []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
}

// encodeDumpKey renders a prefix-table key into a compact wire form for
// the table-transfer payload: AFI(2) SAFI(1) Length(1) Addr(16, left-justified).
func encodeDumpKey(k rib.Key) []byte {
	out := make([]byte, 0, 20)
	out = append(out, byte(k.AFI>>8), byte(k.AFI), k.SAFI, byte(k.Length))
	out = append(out, k.Addr[:]...)
	return out
}
