package fsm

import (
	"testing"
	"time"
)

func TestJitter_WithinBounds(t *testing.T) {
	base := 30 * time.Second
	for i := 0; i < 200; i++ {
		got := jitter(base)
		if got < base*3/4 || got > base {
			t.Fatalf("jitter(%v) = %v, want within [0.75, 1.0] of base", base, got)
		}
	}
}

func TestJitter_ZeroStaysZero(t *testing.T) {
	if got := jitter(0); got != 0 {
		t.Fatalf("jitter(0) = %v, want 0", got)
	}
}

func TestConnectRetryInterval_GrowsLinearly(t *testing.T) {
	base := 5 * time.Second
	if got := connectRetryInterval(base, 0); got != base {
		t.Fatalf("first attempt: got %v, want %v", got, base)
	}
	if got := connectRetryInterval(base, 1); got != 2*base {
		t.Fatalf("second attempt: got %v, want %v", got, 2*base)
	}
	if got := connectRetryInterval(base, 3); got != 4*base {
		t.Fatalf("fourth attempt: got %v, want %v", got, 4*base)
	}
}

func TestConnectRetryInterval_ClampsAt60s(t *testing.T) {
	got := connectRetryInterval(10*time.Second, 50)
	if got != connectRetryMax {
		t.Fatalf("got %v, want clamp at %v", got, connectRetryMax)
	}
}

func TestNegotiatedTimers_TakesLowerHold(t *testing.T) {
	hold, keepalive := negotiatedTimers(90*time.Second, 60*time.Second)
	if hold != 60*time.Second {
		t.Fatalf("hold = %v, want 60s (the lower of the two)", hold)
	}
	if keepalive != 20*time.Second {
		t.Fatalf("keepalive = %v, want hold/3 = 20s", keepalive)
	}
}

func TestNegotiatedTimers_ZeroDisablesBoth(t *testing.T) {
	hold, keepalive := negotiatedTimers(0, 60*time.Second)
	if hold != 0 || keepalive != 0 {
		t.Fatalf("hold=%v keepalive=%v, want both 0 when either side offers 0", hold, keepalive)
	}
}

func TestLargeHold_IsTripleConfigured(t *testing.T) {
	got := largeHold(30 * time.Second)
	if got != 90*time.Second {
		t.Fatalf("largeHold(30s) = %v, want 90s", got)
	}
}
