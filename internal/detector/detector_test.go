package detector

import "testing"

// feed runs a sample sequence through a fresh detector. nil entries are
// no-face frames. It returns the final count and the tick indices on which
// a blink registered.
func feed(t *testing.T, samples []*float64) (int, []int) {
	t.Helper()
	d := New(0.21, 2)
	var ticks []int
	count := 0
	for i, s := range samples {
		var blinked bool
		if s == nil {
			count, blinked = d.Tick(0, false)
		} else {
			count, blinked = d.Tick(*s, true)
		}
		if blinked {
			ticks = append(ticks, i)
		}
	}
	return count, ticks
}

func f(v float64) *float64 { return &v }

func TestBlinkOnReopen(t *testing.T) {
	count, ticks := feed(t, []*float64{f(0.3), f(0.15), f(0.14), f(0.3)})
	if count != 1 {
		t.Fatalf("count: got %d, want 1", count)
	}
	if len(ticks) != 1 || ticks[0] != 3 {
		t.Fatalf("blink must register on the reopening frame, got ticks %v", ticks)
	}
}

func TestShortClosureIsNoise(t *testing.T) {
	count, ticks := feed(t, []*float64{f(0.3), f(0.15), f(0.3)})
	if count != 0 || len(ticks) != 0 {
		t.Fatalf("single below-threshold frame must not count, got count=%d ticks=%v", count, ticks)
	}
}

func TestFaceLossBreaksRun(t *testing.T) {
	// The no-face tick breaks the run; since the run already met the
	// debounce floor, the blink registers on that tick, and the later
	// reopening frame adds nothing.
	count, ticks := feed(t, []*float64{f(0.15), f(0.15), nil, f(0.3)})
	if count != 1 {
		t.Fatalf("count: got %d, want 1", count)
	}
	if len(ticks) != 1 || ticks[0] != 2 {
		t.Fatalf("blink must register on the run-breaking tick, got %v", ticks)
	}
}

func TestFaceLossBeforeFloorDiscardsRun(t *testing.T) {
	count, _ := feed(t, []*float64{f(0.15), nil, f(0.15), f(0.3)})
	if count != 0 {
		t.Fatalf("run broken below the floor must not count, got %d", count)
	}
}

func TestCountIsMonotonic(t *testing.T) {
	d := New(0.21, 2)
	seq := []*float64{
		f(0.3), f(0.1), f(0.1), f(0.3), // blink 1
		f(0.3), f(0.05), f(0.08), f(0.12), f(0.4), // blink 2
		f(0.3), f(0.1), f(0.3), // run of 1: noise
	}
	prev := 0
	for _, s := range seq {
		var count int
		if s == nil {
			count, _ = d.Tick(0, false)
		} else {
			count, _ = d.Tick(*s, true)
		}
		if count < prev {
			t.Fatalf("count decreased: %d -> %d", prev, count)
		}
		prev = count
	}
	if d.Count() != 2 {
		t.Fatalf("count: got %d, want 2", d.Count())
	}
}

func TestBoundaryValueIsOpen(t *testing.T) {
	// A sample exactly at the threshold counts as "eye open".
	count, ticks := feed(t, []*float64{f(0.15), f(0.15), f(0.21)})
	if count != 1 || len(ticks) != 1 || ticks[0] != 2 {
		t.Fatalf("threshold-equal sample must close the run, got count=%d ticks=%v", count, ticks)
	}
}

func TestDefaultsApplied(t *testing.T) {
	d := New(0, 0)
	if d.Threshold() != DefaultEARThreshold || d.ConsecFrames() != DefaultConsecFrames {
		t.Fatalf("defaults not applied: %v %v", d.Threshold(), d.ConsecFrames())
	}
}
