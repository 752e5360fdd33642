// Package mrt ingests RFC 6396 TABLE_DUMP_V2 MRT streams: a
// PEER_INDEX_TABLE record establishes one synthetic session per listed
// peer, and each following RIB_IPV4_UNICAST/RIB_IPV6_UNICAST record is
// exploded into one synthesized, table-transfer-tagged BGP UPDATE per
// peer entry and queued onto the MRT publication, where internal/labeler
// applies it to the synthetic session's RIB the same way it would a live
// UPDATE. Grounded on original_source Mrt/mrtProcessTable.c for the
// subtype dispatch and synthetic-session scheme, and on internal/bmp's
// framed-stream parsing shape (validate against slice bounds, build a
// derived struct per record).
package mrt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgpmon/internal/bgpwire"
	"github.com/route-beacon/bgpmon/internal/bmf"
	"github.com/route-beacon/bgpmon/internal/mrtwire"
	"github.com/route-beacon/bgpmon/internal/queue"
	"github.com/route-beacon/bgpmon/internal/session"
)

// Registry is the control-plane surface the ingestor needs: creating (or
// finding) the synthetic session for one peer-index entry, and confirming
// that a live session on the same tuple has reached Established so the
// synthetic session's AS width can be trusted before its RIB entries are
// emitted.
type Registry interface {
	SyntheticSession(tuple session.SixTuple) *session.Session
	AwaitMrtEstablished(ctx context.Context, sess *session.Session, pollInterval time.Duration, maxPolls int) bool
	Publication() *queue.Publication
}

// Options configures draining pace and the live-session confirmation wait.
type Options struct {
	ChunkFraction float64 // fraction of publication capacity drained per chunk
	YieldPause    time.Duration
	PollInterval  time.Duration
	MaxPolls      int
}

// DefaultOptions returns reasonable pacing for a single MRT stream.
func DefaultOptions() Options {
	return Options{
		ChunkFraction: 0.25,
		YieldPause:    10 * time.Millisecond,
		PollInterval:  500 * time.Millisecond,
		MaxPolls:      20,
	}
}

// Ingestor drains one MRT stream (a file or a live collector connection).
type Ingestor struct {
	reg  Registry
	log  *zap.Logger
	opts Options

	// w is the ingestor's own writer handle on the MRT publication. A
	// reused live session's Cursor belongs to the peer publication, not
	// the MRT one, so publishing synthesized envelopes must go through a
	// writer registered against the publication they're written to
	// rather than through sess.Cursor.
	w *queue.Writer

	peers   map[uint16]*session.Session
	pending map[int][]bmf.Envelope
}

// New constructs an Ingestor against reg.
func New(reg Registry, opts Options) *Ingestor {
	return &Ingestor{
		reg:     reg,
		log:     zap.NewNop(),
		opts:    opts,
		w:       reg.Publication().NewWriter(),
		peers:   make(map[uint16]*session.Session),
		pending: make(map[int][]bmf.Envelope),
	}
}

// Run drains r to EOF or until ctx is cancelled, dispatching each
// TABLE_DUMP_V2 record in turn. Any type-13 subtype this reader does not
// recognize at all is fatal and closes the stream; unsupported-but-known
// subtypes are logged and skipped record-by-record.
func (ing *Ingestor) Run(ctx context.Context, r io.Reader) error {
	br := bufio.NewReaderSize(r, 64*1024)

	for {
		if err := ctx.Err(); err != nil {
			ing.flushAll(ctx)
			return err
		}

		hdr, body, err := readRecord(br)
		if err == io.EOF {
			ing.flushAll(ctx)
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Type != mrtwire.TypeTableDumpV2 {
			continue
		}

		switch hdr.Subtype {
		case mrtwire.SubtypePeerIndexTable:
			if err := ing.handlePeerIndexTable(body); err != nil {
				return err
			}
		case mrtwire.SubtypeRIBIPv4Unicast, mrtwire.SubtypeRIBIPv6Unicast:
			ing.handleRIBRecord(ctx, hdr.Subtype, body)
		case mrtwire.SubtypeRIBIPv4Multicast, mrtwire.SubtypeRIBIPv6Multicast:
			ing.log.Warn("mrt: multicast RIB subtype not supported, skipping record", zap.Uint16("subtype", hdr.Subtype))
		case mrtwire.SubtypeRIBGeneric:
			ing.log.Warn("mrt: RIB_GENERIC record skipped")
		default:
			return fmt.Errorf("%w: %d", mrtwire.ErrFatalSubtype, hdr.Subtype)
		}
	}
}

func readRecord(br *bufio.Reader) (mrtwire.CommonHeader, []byte, error) {
	raw := make([]byte, mrtwire.CommonHeaderLen)
	if _, err := io.ReadFull(br, raw); err != nil {
		return mrtwire.CommonHeader{}, nil, err
	}
	hdr, err := mrtwire.DecodeCommonHeader(raw)
	if err != nil {
		return mrtwire.CommonHeader{}, nil, err
	}
	body := make([]byte, hdr.Length)
	if _, err := io.ReadFull(br, body); err != nil {
		return mrtwire.CommonHeader{}, nil, err
	}
	return hdr, body, nil
}

func (ing *Ingestor) handlePeerIndexTable(body []byte) error {
	pit, err := mrtwire.DecodePeerIndexTable(body)
	if err != nil {
		return fmt.Errorf("%w", err)
	}
	collector := pit.CollectorBGPID
	ing.peers = make(map[uint16]*session.Session, len(pit.Peers))
	for i, p := range pit.Peers {
		tuple := session.SixTuple{
			LocalAddr:  collector,
			RemoteAddr: p.IP,
			RemoteAS:   p.AS,
		}
		ing.peers[uint16(i)] = ing.reg.SyntheticSession(tuple)
	}
	return nil
}

func (ing *Ingestor) handleRIBRecord(ctx context.Context, subtype uint16, body []byte) {
	afi, safi, addrBytes, ok := mrtwire.AFISAFIForSubtype(subtype)
	if !ok {
		return
	}
	rec, err := mrtwire.DecodeRIBRecord(body, addrBytes)
	if err != nil {
		ing.log.Warn("mrt: malformed rib record, skipping", zap.Error(err))
		return
	}
	prefix := bgpwire.Prefix{Addr: rec.Prefix, Length: rec.PrefixLength}

	for _, e := range rec.Entries {
		sess, ok := ing.peers[e.PeerIndex]
		if !ok {
			continue
		}
		env, err := synthesizeEnvelope(sess.ID, afi, safi, prefix, e)
		if err != nil {
			ing.log.Warn("mrt: could not synthesize update from rib entry", zap.Error(err), zap.Int("session_id", sess.ID))
			continue
		}
		ing.pending[sess.ID] = append(ing.pending[sess.ID], env)

		pub := ing.reg.Publication()
		chunkSize := int(float64(pub.Capacity()) * ing.opts.ChunkFraction)
		if chunkSize < 1 {
			chunkSize = 1
		}
		if len(ing.pending[sess.ID]) >= chunkSize {
			ing.flushSession(ctx, sess)
			time.Sleep(ing.opts.YieldPause)
		}
	}
}

// flushSession waits, bounded, for a live session on the same tuple to
// confirm this synthetic session's AS width before draining its buffered
// envelopes. A timed-out wait clears the RIB and drops the synthetic
// session back to StateError rather than emitting under an unconfirmed
// AS width.
func (ing *Ingestor) flushSession(ctx context.Context, sess *session.Session) {
	envs := ing.pending[sess.ID]
	delete(ing.pending, sess.ID)
	if len(envs) == 0 {
		return
	}

	if sess.State() != session.StateMrtEstablished {
		if !ing.reg.AwaitMrtEstablished(ctx, sess, ing.opts.PollInterval, ing.opts.MaxPolls) {
			ing.log.Warn("mrt: timed out waiting for live session confirmation, dropping buffered entries", zap.Int("session_id", sess.ID))
			sess.DestroyRIB()
			sess.SetState(session.StateError)
			return
		}
	}

	pub := ing.reg.Publication()
	for _, env := range envs {
		if err := pub.Write(ctx, ing.w, env); err != nil {
			ing.log.Warn("mrt: failed to publish synthesized update", zap.Error(err), zap.Int("session_id", sess.ID))
			return
		}
	}
}

func (ing *Ingestor) flushAll(ctx context.Context) {
	for _, sess := range ing.peers {
		if len(ing.pending[sess.ID]) > 0 {
			ing.flushSession(ctx, sess)
		}
	}
}

// synthesizeEnvelope reinserts the AFI/SAFI/NLRI the MRT RIB entry omits
// from its MP_REACH_NLRI attribute (RFC 6396 keeps only next-hop-length
// and next-hop, since AFI/SAFI/NLRI are already implied by context) and
// encodes a standalone UPDATE message carrying this one prefix.
func synthesizeEnvelope(sessionID int, afi uint16, safi uint8, prefix bgpwire.Prefix, e mrtwire.RIBEntry) (bmf.Envelope, error) {
	attrs, err := bgpwire.DecodePathAttrs(e.Attributes)
	if err != nil {
		return bmf.Envelope{}, err
	}

	hasMPReach := false
	for i, a := range attrs {
		if a.Code != bgpwire.AttrMPReachNLRI {
			continue
		}
		hasMPReach = true
		val, err := reinsertMPReach(a.Value, afi, safi, prefix)
		if err != nil {
			return bmf.Envelope{}, err
		}
		attrs[i].Value = val
	}

	upd := bgpwire.Update{Attrs: attrs}
	if !hasMPReach {
		upd.Ops = []bgpwire.NLRIOp{{AFI: afi, SAFI: safi, Prefix: prefix}}
	}
	raw, err := upd.Encode()
	if err != nil {
		return bmf.Envelope{}, err
	}

	wall := time.Unix(int64(e.OriginatedTime), 0)
	return bmf.Envelope{SessionID: sessionID, Wall: wall, Type: bmf.TypeTableTransfer, Payload: raw}, nil
}

func reinsertMPReach(raw []byte, afi uint16, safi uint8, prefix bgpwire.Prefix) ([]byte, error) {
	if len(raw) < 1 {
		return nil, fmt.Errorf("mrt: mp_reach_nlri attribute empty")
	}
	nhLen := int(raw[0])
	if 1+nhLen > len(raw) {
		return nil, fmt.Errorf("mrt: mp_reach_nlri next-hop truncated")
	}
	mp := bgpwire.MPReach{
		AFI:     afi,
		SAFI:    safi,
		NextHop: append([]byte(nil), raw[1:1+nhLen]...),
		NLRI:    []bgpwire.Prefix{prefix},
	}
	return mp.Encode(), nil
}
