// Package label implements the per-NLRI labeling algorithm: applying a
// decoded UPDATE to a session's Adj-RIB-In and producing the label vector
// appended to a msg-labeled BMF envelope.
package label

import (
	"time"

	"github.com/route-beacon/bgpmon/internal/bgpwire"
	"github.com/route-beacon/bgpmon/internal/bmf"
	"github.com/route-beacon/bgpmon/internal/rib"
)

// keyFor builds a rib.Key from one NLRI op.
func keyFor(op bgpwire.NLRIOp) rib.Key {
	var addr [16]byte
	b := op.Prefix.Addr.AsSlice()
	copy(addr[:], b)
	return rib.Key{AFI: op.AFI, SAFI: op.SAFI, Addr: addr, Length: op.Prefix.Length}
}

// Apply runs the per-NLRI labeling algorithm over every op in upd
// against tbl, returning one bmf.Label per op in on-wire order. Counter
// increments are the caller's responsibility (via session.IncrementLabel)
// since this package does not depend on internal/session, to keep the
// dependency direction label -> rib/bgpwire/bmf only.
func Apply(tbl *rib.Tables, upd bgpwire.Update, now time.Time) ([]bmf.Label, error) {
	labels := make([]bmf.Label, len(upd.Ops))

	canon := bgpwire.CanonicalAttrBytes(upd.Attrs)
	fields := rib.AttrFields{
		NextHop: upd.NextHop,
	}
	if upd.ASPath != nil {
		fields.ASPathBytes = bgpwire.EncodeASPath(upd.ASPath, 4)
	}
	if origin, ok := bgpwire.Find(upd.Attrs, bgpwire.AttrOrigin); ok && len(origin.Value) == 1 {
		fields.Origin = origin.Value[0]
	}

	var firstErr error
	for i, op := range upd.Ops {
		k := keyFor(op)
		if op.Withdraw {
			res, err := tbl.ApplyWithdraw(k, now)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				labels[i] = bmf.LabelNull
				continue
			}
			switch res {
			case rib.WithdrawApplied:
				labels[i] = bmf.LabelWithdraw
			case rib.WithdrawDuplicate:
				labels[i] = bmf.LabelWithdrawDuplicate
			}
			continue
		}

		res, err := tbl.ApplyAnnounce(k, canon, fields, now)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			labels[i] = bmf.LabelNull
			continue
		}
		switch res {
		case rib.AnnounceNew:
			labels[i] = bmf.LabelAnnounceNew
		case rib.AnnounceDuplicate:
			labels[i] = bmf.LabelAnnounceDuplicate
		case rib.AnnounceSamePath:
			labels[i] = bmf.LabelAnnounceSamePath
		case rib.AnnounceDifferentPath:
			labels[i] = bmf.LabelAnnounceDifferentPath
		}
	}

	// A local-resource error (bucket overflow) on one NLRI must not abort
	// the rest of the message; the caller logs firstErr and continues with
	// the remaining per-op labels that did succeed.
	return labels, firstErr
}

// Counts tallies the per-session counter deltas for a batch of labels, for
// the caller to apply to session.Counters via IncrementLabel without this
// package depending on internal/session.
type Counts struct {
	AnnounceNew, AnnounceDup, PathSame, PathDiff, WithdrawNew, WithdrawDup int
}

// Tally summarizes a label batch.
func Tally(labels []bmf.Label) Counts {
	var c Counts
	for _, l := range labels {
		switch l {
		case bmf.LabelAnnounceNew:
			c.AnnounceNew++
		case bmf.LabelAnnounceDuplicate:
			c.AnnounceDup++
		case bmf.LabelAnnounceSamePath:
			c.PathSame++
		case bmf.LabelAnnounceDifferentPath:
			c.PathDiff++
		case bmf.LabelWithdraw:
			c.WithdrawNew++
		case bmf.LabelWithdrawDuplicate:
			c.WithdrawDup++
		}
	}
	return c
}
