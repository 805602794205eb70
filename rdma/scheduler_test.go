package rdma

import "testing"

func sumAndCheckAscending(t *testing.T, segs []Segment, size uint64) {
	t.Helper()
	var sum uint64
	var lastOffset int64 = -1
	for _, seg := range segs {
		if int64(seg.Offset) <= lastOffset {
			t.Fatalf("offsets not strictly ascending: %+v", segs)
		}
		lastOffset = int64(seg.Offset)
		sum += seg.Length
	}
	if sum != size {
		t.Fatalf("segment lengths sum to %d, want %d (%+v)", sum, size, segs)
	}
}

func TestScheduleBelowThresholdSingleSegment(t *testing.T) {
	s := NewScheduler(8192)
	segs, err := s.Schedule(100, 4)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment below threshold, got %d", len(segs))
	}
	sumAndCheckAscending(t, segs, 100)
}

func TestScheduleBelowThresholdRoundRobins(t *testing.T) {
	s := NewScheduler(8192)
	seen := map[int]bool{}
	for i := 0; i < 4; i++ {
		segs, err := s.Schedule(16, 4)
		if err != nil {
			t.Fatalf("Schedule: %v", err)
		}
		seen[segs[0].RailID] = true
	}
	if len(seen) != 4 {
		t.Fatalf("expected round robin to visit all 4 rails, saw %v", seen)
	}
}

func TestScheduleAtOrAboveThresholdStripes(t *testing.T) {
	s := NewScheduler(8192)
	segs, err := s.Schedule(1<<20, 2)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segs))
	}
	if segs[0].Length != 524288 || segs[1].Length != 524288 {
		t.Fatalf("unexpected segment lengths: %+v", segs)
	}
	sumAndCheckAscending(t, segs, 1<<20)
}

func TestScheduleStripedUnevenRemainder(t *testing.T) {
	for size := uint64(8192); size < 8192+16; size++ {
		segs := scheduleStriped(size, 3)
		sumAndCheckAscending(t, segs, size)
	}
}

func TestScheduleRejectsZeroRails(t *testing.T) {
	s := NewScheduler(8192)
	if _, err := s.Schedule(100, 0); err == nil {
		t.Fatalf("expected error for zero rails")
	}
}

func TestScheduleSingleRailForFlush(t *testing.T) {
	segs := ScheduleSingleRail(4)
	if len(segs) != 1 || segs[0].RailID != 0 || segs[0].Length != 4 {
		t.Fatalf("unexpected flush schedule: %+v", segs)
	}
}
