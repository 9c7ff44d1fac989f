package chat

import (
	"testing"
	"time"
)

func TestPollPolicy_Backoff(t *testing.T) {
	p := PollPolicy{Interval: time.Second, Multiplier: 2, MaxInterval: 5 * time.Second}.withDefaults()
	d := p.Interval
	var got []time.Duration
	for i := 0; i < 4; i++ {
		d = p.next(d)
		got = append(got, d)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("step %d: got %v, want %v", i, got[i], want[i])
		}
	}

	fixed := FixedPollPolicy().withDefaults()
	if fixed.next(fixed.Interval) != 3*time.Second {
		t.Fatalf("fixed policy drifted: %v", fixed.next(fixed.Interval))
	}
	if fixed.MaxAttempts != 0 {
		t.Fatalf("fixed policy should poll until cancelled")
	}
}

func TestState_Terminal(t *testing.T) {
	for s := StateComposed; s <= StateFailed; s++ {
		want := s == StateFinalized || s == StateFailed
		if s.Terminal() != want {
			t.Fatalf("%s: Terminal() = %v", s, s.Terminal())
		}
	}
	if State(42).String() != "state(42)" {
		t.Fatalf("unexpected name %q", State(42).String())
	}
}
