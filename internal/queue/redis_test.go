package queue

import (
	"testing"
	"time"
)

func TestScoreOrdersByPriorityThenTime(t *testing.T) {
	t0 := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(5 * time.Second)

	highEarly := score(10, t0)
	lowEarly := score(5, t0)
	lowLate := score(5, t1)

	if !(highEarly < lowEarly) {
		t.Fatalf("higher priority must score lower: %v >= %v", highEarly, lowEarly)
	}
	if !(lowEarly < lowLate) {
		t.Fatalf("earlier enqueue must score lower within a tier: %v >= %v", lowEarly, lowLate)
	}
	// A later high-priority job still beats any earlier low-priority job.
	if !(score(10, t1) < lowEarly) {
		t.Fatal("priority must dominate enqueue time")
	}
}

func TestScoreTimestampFitsUnderStride(t *testing.T) {
	// The millisecond offset must stay below priorityStride so adjacent
	// priority tiers can never overlap.
	far := time.Date(2045, time.January, 1, 0, 0, 0, 0, time.UTC)
	if off := float64(far.Sub(scoreEpoch).Milliseconds()); off >= priorityStride {
		t.Fatalf("timestamp offset %v exceeds stride %v", off, float64(priorityStride))
	}
}
