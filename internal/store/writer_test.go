package store

import (
	"testing"

	"github.com/route-beacon/bgpmon/internal/bmf"
)

func TestEligible_StatusAndStateChangeTypesAccepted(t *testing.T) {
	accepted := []bmf.Type{
		bmf.TypeFSMStateChange,
		bmf.TypeSessionStatus,
		bmf.TypeChainsStatus,
		bmf.TypeQueuesStatus,
		bmf.TypeMRTStatus,
		bmf.TypeBGPMonStart,
		bmf.TypeBGPMonStop,
		bmf.TypeTableStart,
		bmf.TypeTableStop,
	}
	for _, typ := range accepted {
		if !Eligible(typ) {
			t.Errorf("expected %s to be eligible for the history sink", typ)
		}
	}
}

func TestEligible_LiveRIBTrafficRejected(t *testing.T) {
	rejected := []bmf.Type{
		bmf.TypeMsgFromPeer,
		bmf.TypeMsgToPeer,
		bmf.TypeMsgLabeled,
		bmf.TypeTableTransfer,
	}
	for _, typ := range rejected {
		if Eligible(typ) {
			t.Errorf("expected %s to be rejected from the history sink (live RIB traffic)", typ)
		}
	}
}

func TestFlushBatch_EmptyEligibleSetReturnsZeroWithoutTouchingPool(t *testing.T) {
	w := NewWriter(nil, nil, false)
	n, err := w.FlushBatch(nil, []bmf.Envelope{
		{Type: bmf.TypeMsgLabeled},
		{Type: bmf.TypeMsgFromPeer},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 rows inserted, got %d", n)
	}
}
