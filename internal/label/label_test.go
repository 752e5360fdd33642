package label

import (
	"net/netip"
	"testing"
	"time"

	"github.com/route-beacon/bgpmon/internal/bgpwire"
	"github.com/route-beacon/bgpmon/internal/bmf"
	"github.com/route-beacon/bgpmon/internal/rib"
)

func announceUpdate(prefix string, asPath []uint32) bgpwire.Update {
	p := netip.MustParsePrefix(prefix)
	return bgpwire.Update{
		Attrs: []bgpwire.PathAttr{
			{Code: bgpwire.AttrOrigin, Value: []byte{0}},
			{Code: bgpwire.AttrASPath, Value: bgpwire.EncodeASPath([]bgpwire.ASPathSegment{{Type: bgpwire.ASPathSequence, ASNs: asPath}}, 4)},
			{Code: bgpwire.AttrNextHop, Value: []byte{192, 0, 2, 1}},
		},
		Ops: []bgpwire.NLRIOp{
			{AFI: bgpwire.AFIIPv4, SAFI: bgpwire.SAFIUnicast, Prefix: bgpwire.Prefix{Addr: p.Addr(), Length: p.Bits()}},
		},
		ASPath:  []bgpwire.ASPathSegment{{Type: bgpwire.ASPathSequence, ASNs: asPath}},
		NextHop: []byte{192, 0, 2, 1},
	}
}

func withdrawUpdate(prefix string) bgpwire.Update {
	p := netip.MustParsePrefix(prefix)
	return bgpwire.Update{
		Ops: []bgpwire.NLRIOp{
			{AFI: bgpwire.AFIIPv4, SAFI: bgpwire.SAFIUnicast, Prefix: bgpwire.Prefix{Addr: p.Addr(), Length: p.Bits()}, Withdraw: true},
		},
	}
}

func TestApplyNewThenDuplicateThenDifferentPath(t *testing.T) {
	tbl := rib.New(rib.DefaultOptions())

	labels, err := Apply(tbl, announceUpdate("10.0.0.0/24", []uint32{65001}), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(labels) != 1 || labels[0] != bmf.LabelAnnounceNew {
		t.Fatalf("labels = %v, want [new-announce]", labels)
	}

	labels, err = Apply(tbl, announceUpdate("10.0.0.0/24", []uint32{65001}), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if labels[0] != bmf.LabelAnnounceDuplicate {
		t.Fatalf("labels = %v, want [duplicate-announce]", labels)
	}

	labels, err = Apply(tbl, announceUpdate("10.0.0.0/24", []uint32{65001, 65003}), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if labels[0] != bmf.LabelAnnounceDifferentPath {
		t.Fatalf("labels = %v, want [different-path]", labels)
	}
}

func TestApplyWithdrawThenDuplicateWithdraw(t *testing.T) {
	tbl := rib.New(rib.DefaultOptions())
	if _, err := Apply(tbl, announceUpdate("10.0.0.0/24", []uint32{65001}), time.Now()); err != nil {
		t.Fatal(err)
	}

	labels, err := Apply(tbl, withdrawUpdate("10.0.0.0/24"), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if labels[0] != bmf.LabelWithdraw {
		t.Fatalf("labels = %v, want [withdraw]", labels)
	}

	labels, err = Apply(tbl, withdrawUpdate("10.0.0.0/24"), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if labels[0] != bmf.LabelWithdrawDuplicate {
		t.Fatalf("labels = %v, want [duplicate-withdraw]", labels)
	}
}

func TestTallyCounts(t *testing.T) {
	labels := []bmf.Label{bmf.LabelAnnounceNew, bmf.LabelAnnounceNew, bmf.LabelWithdraw, bmf.LabelAnnounceDuplicate}
	c := Tally(labels)
	if c.AnnounceNew != 2 || c.WithdrawNew != 1 || c.AnnounceDup != 1 {
		t.Fatalf("unexpected tally: %+v", c)
	}
}

type fakeSink struct {
	envelopes []bmf.Envelope
}

func (f *fakeSink) Emit(env bmf.Envelope) error {
	f.envelopes = append(f.envelopes, env)
	return nil
}

func TestDumpEmitsStartTransferStop(t *testing.T) {
	tbl := rib.New(rib.Options{BucketCount: 4, MaxCollisionLen: 8})
	if _, err := Apply(tbl, announceUpdate("10.0.0.0/24", []uint32{65001}), time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := Apply(tbl, announceUpdate("10.0.1.0/24", []uint32{65001}), time.Now()); err != nil {
		t.Fatal(err)
	}

	sink := &fakeSink{}
	if err := Dump(1, tbl, 10*time.Millisecond, func() bool { return true }, sink, nil); err != nil {
		t.Fatal(err)
	}
	if sink.envelopes[0].Type != bmf.TypeTableStart {
		t.Fatalf("first envelope = %v, want table-start", sink.envelopes[0].Type)
	}
	last := sink.envelopes[len(sink.envelopes)-1]
	if last.Type != bmf.TypeTableStop {
		t.Fatalf("last envelope = %v, want table-stop", last.Type)
	}
	transferCount := 0
	for _, e := range sink.envelopes {
		if e.Type == bmf.TypeTableTransfer {
			transferCount++
		}
	}
	if transferCount != 2 {
		t.Fatalf("transferCount = %d, want 2", transferCount)
	}
}
