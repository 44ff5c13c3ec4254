package framecache

import (
	"testing"
	"time"
)

func TestEnqueueDequeueFIFOOrder(t *testing.T) {
	c := New()
	c.Enqueue(Entry{FrameNumber: 1})
	c.Enqueue(Entry{FrameNumber: 2})
	e, ok := c.Dequeue()
	if !ok || e.FrameNumber != 1 {
		t.Fatalf("expected frame 1 first, got %+v ok=%v", e, ok)
	}
	e, ok = c.Dequeue()
	if !ok || e.FrameNumber != 2 {
		t.Fatalf("expected frame 2 second, got %+v ok=%v", e, ok)
	}
}

// TestEnqueueEvictsOldestAtCapacity covers spec.md §8 property 6/scenario
// S5: once the cache holds Capacity frames, enqueueing a new one evicts the
// oldest rather than rejecting the new arrival.
func TestEnqueueEvictsOldestAtCapacity(t *testing.T) {
	c := New()
	for i := uint32(0); i < Capacity; i++ {
		if evicted := c.Enqueue(Entry{FrameNumber: i}); evicted {
			t.Fatalf("unexpected eviction before reaching capacity at frame %d", i)
		}
	}
	evicted := c.Enqueue(Entry{FrameNumber: Capacity})
	if !evicted {
		t.Fatalf("expected eviction once capacity exceeded")
	}
	if c.QueueDepth() != Capacity {
		t.Fatalf("expected queue depth to stay at capacity, got %d", c.QueueDepth())
	}
	e, _ := c.Dequeue()
	if e.FrameNumber != 1 {
		t.Fatalf("expected oldest frame (0) evicted, frame 1 now at head, got %d", e.FrameNumber)
	}
}

func TestDequeueForPresentationLatestDropsBuffered(t *testing.T) {
	c := New()
	c.Enqueue(Entry{FrameNumber: 1})
	c.Enqueue(Entry{FrameNumber: 2})
	c.Enqueue(Entry{FrameNumber: 3})

	e, ok := c.DequeueForPresentation(Latest, 0)
	if !ok || e.FrameNumber != 3 {
		t.Fatalf("expected latest frame 3, got %+v ok=%v", e, ok)
	}
	if c.QueueDepth() != 0 {
		t.Fatalf("expected Latest policy to drop all buffered frames, depth=%d", c.QueueDepth())
	}
}

// TestDequeueForPresentationBufferedDropsToDepth covers the Buffered(d)
// rule from spec.md §4.4: when queue depth exceeds d, drop the oldest
// entries until depth = d+1, then present the oldest remaining entry.
func TestDequeueForPresentationBufferedDropsToDepth(t *testing.T) {
	c := New()
	for i := uint32(1); i <= 4; i++ {
		c.Enqueue(Entry{FrameNumber: i})
	}
	// depth=4 > d=2, so frames are dropped until depth=3 (d+1), then the
	// oldest remaining (frame 2) is returned.
	e, ok := c.DequeueForPresentation(Buffered, 2)
	if !ok || e.FrameNumber != 2 {
		t.Fatalf("expected frame 2 after dropping to depth+1, got %+v ok=%v", e, ok)
	}
	if c.QueueDepth() != 2 {
		t.Fatalf("expected depth 2 remaining, got %d", c.QueueDepth())
	}
}

// TestDequeueForPresentationBufferedUnderDepthReturnsOldest covers the
// "otherwise returns oldest" branch when queue depth does not exceed d.
func TestDequeueForPresentationBufferedUnderDepthReturnsOldest(t *testing.T) {
	c := New()
	c.Enqueue(Entry{FrameNumber: 1})
	c.Enqueue(Entry{FrameNumber: 2})
	e, ok := c.DequeueForPresentation(Buffered, 5)
	if !ok || e.FrameNumber != 1 {
		t.Fatalf("expected oldest frame 1 without drops, got %+v ok=%v", e, ok)
	}
	if c.QueueDepth() != 1 {
		t.Fatalf("expected depth 1 remaining, got %d", c.QueueDepth())
	}
}

func TestTypingBurstActiveWithinWindow(t *testing.T) {
	c := New()
	clock := time.Unix(0, 0)
	c.Now = func() time.Time { return clock }

	if c.IsTypingBurstActive() {
		t.Fatalf("expected no typing burst before any activity")
	}
	c.NoteTypingBurstActivity()
	if !c.IsTypingBurstActive() {
		t.Fatalf("expected typing burst active immediately after activity")
	}
	clock = clock.Add(DefaultTypingBurstWindow + time.Millisecond)
	if c.IsTypingBurstActive() {
		t.Fatalf("expected typing burst to expire after window elapses")
	}
}

func TestPresentationSnapshotReportsConsistentState(t *testing.T) {
	c := New()
	clock := time.Unix(0, 0)
	c.Now = func() time.Time { return clock }

	c.Enqueue(Entry{FrameNumber: 1})
	c.MarkPresented(1)
	snap := c.PresentationSnapshot()
	if snap.QueueDepth != 1 || !snap.HasPresented || snap.LastPresented != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestFlushDiscardsAllBufferedFrames(t *testing.T) {
	c := New()
	c.Enqueue(Entry{FrameNumber: 1})
	c.Enqueue(Entry{FrameNumber: 2})
	c.Flush()
	if c.QueueDepth() != 0 {
		t.Fatalf("expected empty cache after flush, got depth %d", c.QueueDepth())
	}
	if _, ok := c.Dequeue(); ok {
		t.Fatalf("expected no frames to dequeue after flush")
	}
}
