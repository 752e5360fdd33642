package mrtwire

import (
	"encoding/binary"
	"testing"
)

func buildPeerIndexTable(collector [4]byte, peerIP [4]byte, peerAS uint32, peerBGPID [4]byte) []byte {
	var body []byte
	body = append(body, collector[:]...)
	body = binary.BigEndian.AppendUint16(body, 0) // view name length = 0
	body = binary.BigEndian.AppendUint16(body, 1) // peer count = 1

	body = append(body, PeerTypeBitAS4) // 4-byte AS, IPv4 peer
	body = append(body, peerBGPID[:]...)
	body = append(body, peerIP[:]...)
	body = binary.BigEndian.AppendUint32(body, peerAS)
	return body
}

func TestDecodePeerIndexTable(t *testing.T) {
	body := buildPeerIndexTable([4]byte{198, 51, 100, 1}, [4]byte{192, 0, 2, 1}, 65010, [4]byte{192, 0, 2, 1})
	pit, err := DecodePeerIndexTable(body)
	if err != nil {
		t.Fatalf("DecodePeerIndexTable: %v", err)
	}
	if len(pit.Peers) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(pit.Peers))
	}
	p := pit.Peers[0]
	if p.AS != 65010 {
		t.Fatalf("AS = %d, want 65010", p.AS)
	}
	if p.IP.String() != "192.0.2.1" {
		t.Fatalf("IP = %s, want 192.0.2.1", p.IP)
	}
	if pit.CollectorBGPID.String() != "198.51.100.1" {
		t.Fatalf("collector = %s, want 198.51.100.1", pit.CollectorBGPID)
	}
}

func TestDecodeRIBRecordIPv4(t *testing.T) {
	attrs := []byte{0x01, 0x02, 0x03} // opaque stand-in attribute bytes
	var body []byte
	body = binary.BigEndian.AppendUint32(body, 1) // sequence number
	body = append(body, 24)                       // prefix length
	body = append(body, 203, 0, 113)              // prefix bytes: exactly (24+7)/8 = 3
	body = binary.BigEndian.AppendUint16(body, 1) // entry count

	body = binary.BigEndian.AppendUint16(body, 0) // peer index
	body = binary.BigEndian.AppendUint32(body, 0) // originated time
	body = binary.BigEndian.AppendUint16(body, uint16(len(attrs)))
	body = append(body, attrs...)

	rec, err := DecodeRIBRecord(body, 4)
	if err != nil {
		t.Fatalf("DecodeRIBRecord: %v", err)
	}
	if rec.Prefix.String() != "203.0.113.0" || rec.PrefixLength != 24 {
		t.Fatalf("prefix mismatch: %s/%d", rec.Prefix, rec.PrefixLength)
	}
	if len(rec.Entries) != 1 || string(rec.Entries[0].Attributes) != string(attrs) {
		t.Fatalf("entries mismatch: %+v", rec.Entries)
	}
}

func TestAFISAFIForSubtype(t *testing.T) {
	if afi, safi, bytes, ok := AFISAFIForSubtype(SubtypeRIBIPv4Unicast); !ok || afi != 1 || safi != 1 || bytes != 4 {
		t.Fatalf("ipv4 unicast mapping wrong: %d %d %d %v", afi, safi, bytes, ok)
	}
	if afi, safi, bytes, ok := AFISAFIForSubtype(SubtypeRIBIPv6Unicast); !ok || afi != 2 || safi != 1 || bytes != 16 {
		t.Fatalf("ipv6 unicast mapping wrong: %d %d %d %v", afi, safi, bytes, ok)
	}
	if _, _, _, ok := AFISAFIForSubtype(SubtypeRIBGeneric); ok {
		t.Fatal("expected RIB_GENERIC to have no fixed mapping")
	}
}
