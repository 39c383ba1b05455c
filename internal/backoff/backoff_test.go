package backoff

import "testing"

func TestDelay_CapsAtMax(t *testing.T) {
	p := Policy{Base: 1, Cap: 8}
	// 2^(attempt-1): 1, 2, 4, 8, 8 (capped), 8 (capped)...
	for attempt, want := range map[int]int64{1: 1, 2: 2, 3: 4, 4: 8, 5: 8, 10: 8} {
		d := p.Delay(attempt)
		// jitter is uniform in [0, base); base=1 here so jitter is always 0.
		if int64(d) != want {
			t.Errorf("Delay(%d) = %v, want base delay %d (base=1 jitter=0)", attempt, d, want)
		}
	}
}

func TestDelay_AttemptBelowOneTreatedAsOne(t *testing.T) {
	p := Policy{Base: 1, Cap: 8}
	if p.Delay(0) != p.Delay(1) {
		t.Error("Delay(0) should behave like Delay(1)")
	}
	if p.Delay(-5) != p.Delay(1) {
		t.Error("Delay(-5) should behave like Delay(1)")
	}
}

func TestDelay_JitterWithinBase(t *testing.T) {
	p := Policy{Base: 100, Cap: 1000}
	for i := 0; i < 50; i++ {
		d := p.Delay(1)
		if d < 100 || d >= 200 {
			t.Fatalf("Delay(1) = %v, want in [100, 200)", d)
		}
	}
}

func TestDefault(t *testing.T) {
	if Default.Base <= 0 || Default.Cap <= 0 {
		t.Error("Default policy must have positive base and cap")
	}
	if Default.Cap < Default.Base {
		t.Error("Default cap must be >= base")
	}
}
