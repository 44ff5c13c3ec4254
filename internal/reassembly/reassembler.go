// Package reassembly turns an unordered stream of wire fragments back into
// ordered, complete frames (spec.md §4.2). It mirrors the stateful,
// per-stream bookkeeping the teacher's chunk reader keeps for RTMP message
// reassembly, generalized from CSID-keyed partial messages to
// frameNumber-keyed partial frames over an unreliable transport.
package reassembly

import (
	"time"

	"github.com/corvid-labs/airlink/internal/wire"
)

// MinGapWindow is the floor on how long the Reassembler waits for a missing
// frame before abandoning it, regardless of frame rate.
const MinGapWindow = 60 * time.Millisecond

// GapWindowFrames is the gap tolerance expressed in frame intervals.
const GapWindowFrames = 3

// LossReportInterval is how often accumulated loss reports are flushed to
// the control plane (spec.md §4.14 supplement: "lossReportInterval"
// batching). Detection itself stays real-time via Result.LossReports;
// this only governs how often the batch is handed to the sender so a
// burst of drops doesn't produce a control message per frame.
const LossReportInterval = 50 * time.Millisecond

// DeliveredFrame is a fully reassembled frame, ready for the decoder.
type DeliveredFrame struct {
	FrameNumber    uint32
	Timestamp      uint64
	Keyframe       bool
	ContentRect    wire.ContentRect
	DimensionToken uint16
	Payload        []byte
}

// Result reports everything one Ingest call produced. A single fragment can
// trigger zero or more deliveries (cascaded, in frameNumber order) and zero
// or more loss reports (abandoned frames).
type Result struct {
	Delivered        []DeliveredFrame
	LossReports      []uint32
	Dropped          bool
	DropReason       string
	DimensionPending bool // a new dimensionToken was observed but not yet accepted
}

type partialFrame struct {
	firstSeen      time.Time
	frameByteCount uint32
	fragmentCount  uint16
	received       uint16
	haveFragment   []bool
	payloads       [][]byte
	keyframe       bool
	timestamp      uint64
	dimensionToken uint16
	contentRect    wire.ContentRect
	complete       bool
}

func (p *partialFrame) totalBytes() int {
	n := 0
	for _, b := range p.payloads {
		n += len(b)
	}
	return n
}

func (p *partialFrame) assemble() []byte {
	out := make([]byte, 0, p.frameByteCount)
	for _, b := range p.payloads {
		out = append(out, b...)
	}
	return out
}

// Metrics is the snapshot returned by SnapshotMetrics.
type Metrics struct {
	FramesDelivered      uint64
	DroppedFrames        uint64
	PacketsDiscardedCRC  uint64
	InProgress           int
}

// Reassembler holds the partial-frame state for a single incoming stream.
// It is not safe for concurrent use; each stream's datagram receive loop
// owns exactly one Reassembler.
type Reassembler struct {
	streamID uint32
	fps      float64

	expectedDimensionToken uint16
	dimensionTokenSet      bool
	currentEpoch           uint16

	expectedNext   uint32
	haveDelivered  bool
	lastDeliveredAt time.Time

	inProgress map[uint32]*partialFrame

	framesDelivered     uint64
	droppedFrames       uint64
	packetsDiscardedCRC uint64

	pendingBatch   []uint32
	lastBatchFlush time.Time
	haveBatchFlush bool

	// Now is the clock used for gap-window evaluation. Defaults to
	// time.Now; tests substitute a deterministic clock.
	Now func() time.Time
}

// New creates a Reassembler for streamID, targeting fps frames per second
// (used to size the gap-tolerance window).
func New(streamID uint32, fps float64) *Reassembler {
	if fps <= 0 {
		fps = 60
	}
	return &Reassembler{
		streamID:   streamID,
		fps:        fps,
		inProgress: make(map[uint32]*partialFrame),
		Now:        time.Now,
	}
}

func (r *Reassembler) gapWindow() time.Duration {
	interval := time.Duration(float64(time.Second) / r.fps)
	w := GapWindowFrames * interval
	if w < MinGapWindow {
		w = MinGapWindow
	}
	return w
}

// SetExpectedDimensionToken accepts a new resolution epoch, discarding any
// in-progress frames from the prior epoch. Callers invoke this once they
// decide (from a DimensionPending result, or an out-of-band resize signal)
// to adopt the new token.
func (r *Reassembler) SetExpectedDimensionToken(token uint16) {
	r.expectedDimensionToken = token
	r.dimensionTokenSet = true
	r.currentEpoch++
	r.inProgress = make(map[uint32]*partialFrame)
}

// Ingest processes one received fragment. header and payload must already
// be authenticated/decoded by wire.Codec.Deserialize.
func (r *Reassembler) Ingest(header wire.Header, payload []byte) Result {
	now := r.Now()

	if !r.dimensionTokenSet {
		r.expectedDimensionToken = header.DimensionToken
		r.dimensionTokenSet = true
		r.currentEpoch = header.Epoch
	}

	if header.Epoch < r.currentEpoch {
		r.packetsDiscardedCRC++
		return Result{Dropped: true, DropReason: "stale epoch"}
	}
	if header.Epoch > r.currentEpoch && header.DimensionToken != r.expectedDimensionToken {
		return Result{Dropped: true, DropReason: "dimension token change pending", DimensionPending: true}
	}

	if header.FrameNumber < r.expectedNext {
		return Result{Dropped: true, DropReason: "duplicate"}
	}

	pf, ok := r.inProgress[header.FrameNumber]
	if !ok {
		pf = &partialFrame{
			firstSeen:      now,
			frameByteCount: header.FrameByteCount,
			fragmentCount:  header.FragmentCount,
			haveFragment:   make([]bool, header.FragmentCount),
			payloads:       make([][]byte, header.FragmentCount),
			dimensionToken: header.DimensionToken,
			contentRect:    header.ContentRect,
		}
		r.inProgress[header.FrameNumber] = pf
	}
	if header.IsKeyframe() {
		pf.keyframe = true
	}
	if header.IsEndOfFrame() {
		pf.timestamp = header.Timestamp
	}

	if int(header.FragmentIndex) < len(pf.haveFragment) && !pf.haveFragment[header.FragmentIndex] {
		pf.haveFragment[header.FragmentIndex] = true
		pf.payloads[header.FragmentIndex] = payload
		pf.received++
	}

	if pf.received == pf.fragmentCount && pf.totalBytes() == int(pf.frameByteCount) {
		pf.complete = true
	}

	var res Result

	if pf.complete && header.FrameNumber == r.expectedNext {
		r.deliverCascade(&res, now)
	} else if pf.complete && header.FrameNumber > r.expectedNext && pf.keyframe {
		// Keyframe completion clears the gap without a loss report for the
		// frames it skips.
		for n := r.expectedNext; n < header.FrameNumber; n++ {
			delete(r.inProgress, n)
		}
		r.expectedNext = header.FrameNumber
		r.deliverCascade(&res, now)
	}
	// Otherwise: completed-but-not-yet-due P-frame, or still partial; leave
	// buffered in r.inProgress until expectedNext catches up or the gap
	// window forces an abandon on the next Ingest/Reap.

	r.reap(&res, now)
	return res
}

// deliverCascade delivers r.inProgress[r.expectedNext] and every
// consecutively-completed frame that follows it.
func (r *Reassembler) deliverCascade(res *Result, now time.Time) {
	for {
		pf, ok := r.inProgress[r.expectedNext]
		if !ok || !pf.complete {
			return
		}
		res.Delivered = append(res.Delivered, DeliveredFrame{
			FrameNumber:    r.expectedNext,
			Timestamp:      pf.timestamp,
			Keyframe:       pf.keyframe,
			ContentRect:    pf.contentRect,
			DimensionToken: pf.dimensionToken,
			Payload:        pf.assemble(),
		})
		delete(r.inProgress, r.expectedNext)
		r.framesDelivered++
		r.haveDelivered = true
		r.lastDeliveredAt = now
		r.expectedNext++
	}
}

// reap abandons the expected frame once the gap-tolerance window has
// elapsed, provided later fragments prove the stream has moved on.
func (r *Reassembler) reap(res *Result, now time.Time) {
	if !r.haveDelivered && len(r.inProgress) == 0 {
		return
	}
	window := r.gapWindow()
	for {
		if pf, ok := r.inProgress[r.expectedNext]; ok && pf.complete {
			r.deliverCascade(res, now)
			continue
		}
		reference := r.lastDeliveredAt
		if reference.IsZero() {
			if pf, ok := r.inProgress[r.expectedNext]; ok {
				reference = pf.firstSeen
			} else if earliest, ok := r.earliestBeyond(r.expectedNext); ok {
				reference = earliest
			} else {
				return
			}
		}
		if now.Sub(reference) <= window {
			return
		}
		if !r.hasFragmentBeyond(r.expectedNext) {
			return
		}
		delete(r.inProgress, r.expectedNext)
		res.LossReports = append(res.LossReports, r.expectedNext)
		r.pendingBatch = append(r.pendingBatch, r.expectedNext)
		r.droppedFrames++
		r.expectedNext++
		r.lastDeliveredAt = now
	}
}

func (r *Reassembler) hasFragmentBeyond(n uint32) bool {
	for k := range r.inProgress {
		if k > n {
			return true
		}
	}
	return false
}

func (r *Reassembler) earliestBeyond(n uint32) (time.Time, bool) {
	var best time.Time
	found := false
	for k, pf := range r.inProgress {
		if k > n && (!found || pf.firstSeen.Before(best)) {
			best = pf.firstSeen
			found = true
		}
	}
	return best, found
}

// FlushLossReportBatch drains the accumulated loss reports if at least
// LossReportInterval has elapsed since the last flush, reporting false
// (with a nil slice) otherwise. Callers on a ticker drive this to batch
// loss reports onto the control plane at a bounded rate, independent of
// how often Ingest itself observes abandoned frames.
func (r *Reassembler) FlushLossReportBatch(now time.Time) ([]uint32, bool) {
	if r.haveBatchFlush && now.Sub(r.lastBatchFlush) < LossReportInterval {
		return nil, false
	}
	r.haveBatchFlush = true
	r.lastBatchFlush = now
	if len(r.pendingBatch) == 0 {
		return nil, false
	}
	batch := r.pendingBatch
	r.pendingBatch = nil
	return batch, true
}

// SnapshotMetrics reports cumulative counters for telemetry export.
func (r *Reassembler) SnapshotMetrics() Metrics {
	return Metrics{
		FramesDelivered:     r.framesDelivered,
		DroppedFrames:       r.droppedFrames,
		PacketsDiscardedCRC: r.packetsDiscardedCRC,
		InProgress:          len(r.inProgress),
	}
}
