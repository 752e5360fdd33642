package bgpwire

import (
	"net/netip"
	"testing"
)

func TestOpenRoundTrip(t *testing.T) {
	want := Open{
		Version:    4,
		MyAS:       65002,
		HoldTime:   180,
		Identifier: netip.MustParseAddr("192.0.2.1"),
		Capabilities: []Capability{
			NewFourOctetASCapability(65002),
			NewMultiprotocolCapability(AFIIPv4, SAFIUnicast),
		},
	}

	encoded := want.Encode()
	hdr, err := DecodeHeader(encoded)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.Type != MsgOpen {
		t.Fatalf("type = %d, want MsgOpen", hdr.Type)
	}

	got, err := DecodeOpen(encoded[HeaderLen:hdr.Length])
	if err != nil {
		t.Fatalf("DecodeOpen: %v", err)
	}
	if got.Version != want.Version || got.MyAS != want.MyAS || got.HoldTime != want.HoldTime {
		t.Fatalf("scalar fields mismatch: got %+v want %+v", got, want)
	}
	if got.Identifier != want.Identifier {
		t.Fatalf("identifier mismatch: got %s want %s", got.Identifier, want.Identifier)
	}
	if asn, ok := got.FourOctetAS(); !ok || asn != 65002 {
		t.Fatalf("FourOctetAS = %d, %v", asn, ok)
	}
	if !got.HasCapability(CapMultiprotocol) {
		t.Fatalf("missing multiprotocol capability after round-trip")
	}
}

func TestUpdateRoundTrip(t *testing.T) {
	orig := Update{
		Attrs: []PathAttr{
			{Flags: AttrFlagTransitive, Code: AttrOrigin, Value: []byte{0}},
			{Flags: AttrFlagTransitive, Code: AttrASPath, Value: EncodeASPath(
				[]ASPathSegment{{Type: ASPathSequence, ASNs: []uint32{65001}}}, 4)},
			{Flags: AttrFlagTransitive, Code: AttrNextHop, Value: netip.MustParseAddr("192.0.2.1").AsSlice()},
		},
		Ops: []NLRIOp{
			{AFI: AFIIPv4, SAFI: SAFIUnicast, Prefix: Prefix{Addr: netip.MustParseAddr("10.0.0.0"), Length: 24}},
		},
	}

	encoded, err := orig.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	hdr, err := DecodeHeader(encoded)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.Type != MsgUpdate {
		t.Fatalf("type = %d, want MsgUpdate", hdr.Type)
	}

	got, err := DecodeUpdate(encoded[HeaderLen:hdr.Length], 4, false)
	if err != nil {
		t.Fatalf("DecodeUpdate: %v", err)
	}
	if len(got.Ops) != 1 || got.Ops[0].Prefix.Length != 24 {
		t.Fatalf("ops mismatch: %+v", got.Ops)
	}
	if !got.Ops[0].Prefix.Addr.Is4() || got.Ops[0].Prefix.Addr.String() != "10.0.0.0" {
		t.Fatalf("prefix addr mismatch: %s", got.Ops[0].Prefix.Addr)
	}
	asn, ok := OriginASN(got.ASPath)
	if !ok || asn != 65001 {
		t.Fatalf("OriginASN = %d, %v", asn, ok)
	}
}

func TestNotificationVersionError(t *testing.T) {
	n := NewVersionError(4)
	if n.Code != NotifCodeOpenMessage || n.Subcode != OpenSubcodeVersion {
		t.Fatalf("unexpected code/subcode: %d/%d", n.Code, n.Subcode)
	}
	encoded := n.Encode()
	hdr, err := DecodeHeader(encoded)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	got, err := DecodeNotification(encoded[HeaderLen:hdr.Length])
	if err != nil {
		t.Fatalf("DecodeNotification: %v", err)
	}
	if got.Code != NotifCodeOpenMessage || got.Subcode != OpenSubcodeVersion {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
	if len(got.Data) != 2 || got.Data[1] != 4 {
		t.Fatalf("supported version not echoed in data: %v", got.Data)
	}
}

func TestKeepaliveRoundTrip(t *testing.T) {
	encoded := EncodeKeepalive()
	hdr, err := DecodeHeader(encoded)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.Type != MsgKeepalive || hdr.Length != HeaderLen {
		t.Fatalf("unexpected keepalive header: %+v", hdr)
	}
}

func TestRouteRefreshRoundTrip(t *testing.T) {
	for _, old := range []bool{false, true} {
		rr := RouteRefresh{AFI: AFIIPv6, SAFI: SAFIUnicast, Old: old}
		encoded := rr.Encode()
		hdr, err := DecodeHeader(encoded)
		if err != nil {
			t.Fatalf("DecodeHeader: %v", err)
		}
		wantType := MsgRouteRefresh
		if old {
			wantType = MsgRouteRefreshOld
		}
		if hdr.Type != wantType {
			t.Fatalf("type = %d, want %d", hdr.Type, wantType)
		}
		got, err := DecodeRouteRefresh(encoded[HeaderLen:hdr.Length], hdr.Type)
		if err != nil {
			t.Fatalf("DecodeRouteRefresh: %v", err)
		}
		if got.AFI != rr.AFI || got.SAFI != rr.SAFI || got.Old != old {
			t.Fatalf("round-trip mismatch: got %+v want %+v", got, rr)
		}
	}
}

func TestHeaderRejectsBadMarker(t *testing.T) {
	data := make([]byte, HeaderLen)
	data[0] = 0x00
	if _, err := DecodeHeader(data); err == nil {
		t.Fatal("expected error for bad marker")
	}
}

func TestHeaderRejectsTruncatedLength(t *testing.T) {
	data := EncodeHeader(MsgKeepalive, 5) // shorter than HeaderLen
	if _, err := DecodeHeader(data); err == nil {
		t.Fatal("expected error for undersized declared length")
	}
}
