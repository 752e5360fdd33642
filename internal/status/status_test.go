package status

import (
	"testing"

	"github.com/route-beacon/bgpmon/internal/session"
)

func TestEncodeSessionStatus_FieldLayout(t *testing.T) {
	b := encodeSessionStatus(7, session.StateEstablished, 100, 12)
	if len(b) != 13 {
		t.Fatalf("expected 13 bytes, got %d", len(b))
	}
	if b[4] != byte(session.StateEstablished) {
		t.Errorf("expected state byte %d, got %d", session.StateEstablished, b[4])
	}
}

func TestEncodeQueueStatus_PacingFlag(t *testing.T) {
	on := encodeQueueStatus(10, 100, true)
	off := encodeQueueStatus(10, 100, false)
	if len(on) != 9 || len(off) != 9 {
		t.Fatalf("expected 9 bytes, got %d and %d", len(on), len(off))
	}
	if on[8] != 1 {
		t.Errorf("expected pacing byte 1, got %d", on[8])
	}
	if off[8] != 0 {
		t.Errorf("expected pacing byte 0, got %d", off[8])
	}
}
