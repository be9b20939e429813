package ratelimit

import "testing"

func TestLimiterAllowsUpToBurstThenBlocks(t *testing.T) {
	l := New(1, 3)
	for i := 0; i < 3; i++ {
		if !l.Allow("sensor-a") {
			t.Fatalf("expected burst token %d to be allowed", i)
		}
	}
	if l.Allow("sensor-a") {
		t.Fatal("expected 4th immediate call to be denied")
	}
}

func TestLimiterIsPerSensor(t *testing.T) {
	l := New(1, 1)
	if !l.Allow("sensor-a") {
		t.Fatal("expected first sensor-a call to be allowed")
	}
	if !l.Allow("sensor-b") {
		t.Fatal("expected sensor-b to have its own independent bucket")
	}
	if l.Allow("sensor-a") {
		t.Fatal("expected second immediate sensor-a call to be denied")
	}
}
