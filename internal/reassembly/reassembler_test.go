package reassembly

import (
	"testing"
	"time"

	"github.com/corvid-labs/airlink/internal/wire"
)

func fragment(frameNumber uint32, idx, count uint16, keyframe, eof bool, byteCount uint32, payload []byte) wire.Header {
	var flags uint16
	if keyframe {
		flags |= wire.FlagKeyframe
	}
	if eof {
		flags |= wire.FlagEndOfFrame
	}
	return wire.Header{
		StreamID:       1,
		FrameNumber:    frameNumber,
		FragmentIndex:  idx,
		FragmentCount:  count,
		FrameByteCount: byteCount,
		DimensionToken: 1,
		Epoch:          1,
		Flags:          flags,
	}
}

func singleFragmentFrame(n uint32, keyframe bool, payload []byte) wire.Header {
	return fragment(n, 0, 1, keyframe, true, uint32(len(payload)), payload)
}

// TestInOrderDeliverySingleFragmentFrames covers spec.md §8 property 3:
// frames are delivered in strictly increasing frameNumber order.
func TestInOrderDeliverySingleFragmentFrames(t *testing.T) {
	r := New(1, 60)
	clock := time.Unix(0, 0)
	r.Now = func() time.Time { return clock }

	var delivered []uint32
	for n := uint32(0); n < 5; n++ {
		res := r.Ingest(singleFragmentFrame(n, n == 0, []byte("f")))
		for _, d := range res.Delivered {
			delivered = append(delivered, d.FrameNumber)
		}
	}
	if len(delivered) != 5 {
		t.Fatalf("expected 5 frames delivered, got %d: %v", len(delivered), delivered)
	}
	for i, n := range delivered {
		if n != uint32(i) {
			t.Fatalf("expected frames in order, got %v", delivered)
		}
	}
}

// TestMultiFragmentFrameDeliversOnlyWhenComplete covers the reassembly of a
// frame split into multiple fragments, mirroring the Packetizer's output.
func TestMultiFragmentFrameDeliversOnlyWhenComplete(t *testing.T) {
	r := New(1, 60)
	clock := time.Unix(0, 0)
	r.Now = func() time.Time { return clock }

	h0 := fragment(0, 0, 3, true, false, 9, []byte("fragfrag"))
	h1 := fragment(0, 1, 3, true, false, 9, []byte("fragfrag"))
	h2 := fragment(0, 2, 3, true, true, 9, []byte("c"))

	res := r.Ingest(h0)
	if len(res.Delivered) != 0 {
		t.Fatalf("expected no delivery before frame complete")
	}
	res = r.Ingest(h1)
	if len(res.Delivered) != 0 {
		t.Fatalf("expected no delivery before frame complete")
	}
	res = r.Ingest(h2)
	if len(res.Delivered) != 1 || res.Delivered[0].FrameNumber != 0 {
		t.Fatalf("expected frame 0 delivered on completion, got %+v", res)
	}
}

// TestDuplicateFramesSilentlyDropped covers spec.md §8 property: duplicates
// (frameNumber <= last delivered) are dropped and never reported as loss.
func TestDuplicateFramesSilentlyDropped(t *testing.T) {
	r := New(1, 60)
	clock := time.Unix(0, 0)
	r.Now = func() time.Time { return clock }

	r.Ingest(singleFragmentFrame(0, true, []byte("a")))
	res := r.Ingest(singleFragmentFrame(0, true, []byte("a")))
	if !res.Dropped || len(res.LossReports) != 0 {
		t.Fatalf("expected duplicate dropped without loss report, got %+v", res)
	}
}

// TestStaleKeyframeDuplicateDropped covers scenario S4: a duplicate
// keyframe retransmission after it was already delivered is dropped
// silently with no loss report.
func TestStaleKeyframeDuplicateDropped(t *testing.T) {
	r := New(1, 60)
	clock := time.Unix(0, 0)
	r.Now = func() time.Time { return clock }

	r.Ingest(singleFragmentFrame(0, true, []byte("key")))
	r.Ingest(singleFragmentFrame(1, false, []byte("p")))

	// Stale retransmit of the original keyframe arrives late.
	res := r.Ingest(singleFragmentFrame(0, true, []byte("key")))
	if !res.Dropped || res.DropReason != "duplicate" {
		t.Fatalf("expected stale keyframe dropped as duplicate, got %+v", res)
	}
	if len(res.LossReports) != 0 {
		t.Fatalf("stale keyframe must not produce a loss report")
	}
}

// TestGapAbandonedAfterWindowElapses covers property 4: a missing frame is
// abandoned and loss-reported once the gap-tolerance window elapses,
// provided later fragments have arrived.
func TestGapAbandonedAfterWindowElapses(t *testing.T) {
	r := New(1, 60)
	clock := time.Unix(0, 0)
	r.Now = func() time.Time { return clock }

	r.Ingest(singleFragmentFrame(0, true, []byte("a")))
	// Frame 1 never arrives. Frame 2 arrives, proving the stream moved on.
	clock = clock.Add(100 * time.Millisecond)
	res := r.Ingest(singleFragmentFrame(2, false, []byte("c")))

	foundLoss := false
	for _, n := range res.LossReports {
		if n == 1 {
			foundLoss = true
		}
	}
	if !foundLoss {
		t.Fatalf("expected loss report for abandoned frame 1, got %+v", res)
	}
	foundDeliver2 := false
	for _, d := range res.Delivered {
		if d.FrameNumber == 2 {
			foundDeliver2 = true
		}
	}
	if !foundDeliver2 {
		t.Fatalf("expected frame 2 delivered after frame 1 abandoned, got %+v", res)
	}
}

// TestKeyframeClearsGapWithoutLossReport covers property 5: a keyframe
// completing ahead of the expected frame clears the gap without emitting
// loss reports for the frames it skips.
func TestKeyframeClearsGapWithoutLossReport(t *testing.T) {
	r := New(1, 60)
	clock := time.Unix(0, 0)
	r.Now = func() time.Time { return clock }

	r.Ingest(singleFragmentFrame(0, true, []byte("a")))
	// Frames 1 and 2 never arrive; frame 3 is a keyframe and should clear
	// the gap immediately, without waiting for the gap window.
	res := r.Ingest(singleFragmentFrame(3, true, []byte("key2")))

	if len(res.LossReports) != 0 {
		t.Fatalf("expected no loss reports on keyframe-cleared gap, got %+v", res.LossReports)
	}
	if len(res.Delivered) != 1 || res.Delivered[0].FrameNumber != 3 {
		t.Fatalf("expected frame 3 delivered, got %+v", res.Delivered)
	}
}

// TestDimensionTokenChangePending covers the resolution-change handshake:
// a fragment carrying a new epoch/dimensionToken is reported as pending
// rather than silently merged into the current stream.
func TestDimensionTokenChangePending(t *testing.T) {
	r := New(1, 60)
	clock := time.Unix(0, 0)
	r.Now = func() time.Time { return clock }

	r.Ingest(singleFragmentFrame(0, true, []byte("a")))

	h := fragment(1, 0, 1, true, true, 1, []byte("b"))
	h.DimensionToken = 2
	h.Epoch = 2
	res := r.Ingest(h)
	if !res.DimensionPending || !res.Dropped {
		t.Fatalf("expected dimension-change pending result, got %+v", res)
	}

	r.SetExpectedDimensionToken(2)
	res = r.Ingest(h)
	if len(res.Delivered) != 1 {
		t.Fatalf("expected delivery after accepting new dimension token, got %+v", res)
	}
}

func TestSnapshotMetrics(t *testing.T) {
	r := New(1, 60)
	clock := time.Unix(0, 0)
	r.Now = func() time.Time { return clock }

	r.Ingest(singleFragmentFrame(0, true, []byte("a")))
	r.Ingest(singleFragmentFrame(1, false, []byte("b")))
	m := r.SnapshotMetrics()
	if m.FramesDelivered != 2 {
		t.Fatalf("expected 2 frames delivered, got %+v", m)
	}
}

// TestFlushLossReportBatchHoldsUntilIntervalElapses covers the §4.14
// loss-report batching supplement: Ingest still reports loss immediately
// via Result.LossReports, but FlushLossReportBatch withholds the batch
// handed to the control plane until LossReportInterval has passed.
func TestFlushLossReportBatchHoldsUntilIntervalElapses(t *testing.T) {
	r := New(1, 60)
	clock := time.Unix(0, 0)
	r.Now = func() time.Time { return clock }

	r.Ingest(singleFragmentFrame(0, true, []byte("a")))
	// Frame 1 never arrives; frame 2 arrives after the gap window, so
	// Ingest's own Result.LossReports already carries frame 1.
	clock = clock.Add(100 * time.Millisecond)
	res := r.Ingest(singleFragmentFrame(2, false, []byte("c")))
	if len(res.LossReports) != 1 || res.LossReports[0] != 1 {
		t.Fatalf("expected immediate loss report for frame 1, got %+v", res.LossReports)
	}

	batch, ok := r.FlushLossReportBatch(clock)
	if !ok || len(batch) != 1 || batch[0] != 1 {
		t.Fatalf("expected the first flush to hand back the pending batch, got %v ok=%v", batch, ok)
	}

	batch, ok = r.FlushLossReportBatch(clock)
	if ok || batch != nil {
		t.Fatalf("expected no flush before LossReportInterval elapses, got %v ok=%v", batch, ok)
	}

	clock = clock.Add(LossReportInterval)
	batch, ok = r.FlushLossReportBatch(clock)
	if ok || batch != nil {
		t.Fatalf("expected no flush when nothing new has been abandoned, got %v ok=%v", batch, ok)
	}
}
