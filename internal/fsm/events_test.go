package fsm

import "testing"

func TestEventString_KnownValues(t *testing.T) {
	cases := map[Event]string{
		EventManualStart: "eventManualStart",
		EventBGPOpen:      "eventBGPOpen",
		EventUpdateMsg:    "eventUpdateMsg",
	}
	for ev, want := range cases {
		if got := ev.String(); got != want {
			t.Fatalf("%d.String() = %q, want %q", ev, got, want)
		}
	}
}

func TestEventString_UnknownFallsBackToNone(t *testing.T) {
	if got := Event(255).String(); got != "eventNone" {
		t.Fatalf("unknown event String() = %q, want %q", got, "eventNone")
	}
}
