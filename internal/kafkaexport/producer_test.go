package kafkaexport

import "testing"

func TestSessionKey_DistinctSessionsDistinctKeys(t *testing.T) {
	a := sessionKey(7)
	b := sessionKey(8)
	if len(a) != 8 || len(b) != 8 {
		t.Fatalf("expected 8-byte keys, got %d and %d", len(a), len(b))
	}
	if string(a) == string(b) {
		t.Fatal("expected distinct session IDs to produce distinct keys")
	}
}

func TestSessionKey_Deterministic(t *testing.T) {
	a := sessionKey(42)
	b := sessionKey(42)
	if string(a) != string(b) {
		t.Fatal("expected the same session ID to produce the same key")
	}
}
