// Package renderloop implements the display-clock-pulsed presenter that
// drains a FrameCache onto a GPU-backed surface under policy-derived
// admission limits (spec.md §4.7). Like the teacher's single write-loop
// goroutine draining conn.go's outboundQueue, RenderLoop is a single
// consumer goroutine driven by an external pulse source; it generalizes
// that pattern from "drain a channel until closed" to "drain the cache once
// per tick, honoring slot/drawable/sequence gates."
package renderloop

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/corvid-labs/airlink/internal/framecache"
	"github.com/corvid-labs/airlink/internal/renderpolicy"
)

// MaxDrawablesHardCap bounds the drawable surface pool regardless of policy.
const MaxDrawablesHardCap = 3

// DecodeDrivenLateThreshold is the display-clock lateness fraction that
// permits a decode-driven pulse to substitute for a late display pulse
// (spec.md §9 open question, pinned to 1.1x).
const DecodeDrivenLateThreshold = 1.1

// MicroRetryDelay is the scheduled retry delay after an in-flight cap skip.
const MicroRetryDelay = 1 * time.Millisecond

// DrawableRetryDelay is the scheduled retry delay after a drawable
// acquisition failure.
const DrawableRetryDelay = 4 * time.Millisecond

// Presenter abstracts the GPU-facing draw submission RenderLoop drives.
// Drawable-slot admission is enforced by RenderLoop itself (a bounded
// counting semaphore up to MaxDrawablesHardCap); Presenter only issues
// the draw and invokes release once the submission is scheduled or
// completed, per decision.AdmissionReleaseMode.
type Presenter interface {
	Draw(entry framecache.Entry, release func())
}

// Stats accumulates per-tick counters for telemetry.
type Stats struct {
	Ticks          uint64
	CapSkips       uint64
	DrawableSkips  uint64
	Presented      uint64
	StaleDropped   uint64
	SecondaryDraws uint64
}

// RenderLoop presents frames from a FrameCache at display-clock cadence.
// A single goroutine calls Tick; it is not safe to call Tick concurrently
// with itself.
type RenderLoop struct {
	cache     *framecache.FrameCache
	presenter Presenter

	inFlight  int32
	drawables int32

	lastSeqBits uint64

	statsMu sync.Mutex
	stats   Stats
}

// New creates a RenderLoop presenting from cache via presenter.
func New(cache *framecache.FrameCache, presenter Presenter) *RenderLoop {
	return &RenderLoop{
		cache:     cache,
		presenter: presenter,
	}
}

// IsLate reports whether the elapsed time since the last display pulse
// exceeds the decode-driven fallback threshold for the given target
// frame rate.
func IsLate(elapsed time.Duration, targetFPS int) bool {
	if targetFPS <= 0 {
		targetFPS = 60
	}
	interval := time.Duration(float64(time.Second) / float64(targetFPS))
	return float64(elapsed) > DecodeDrivenLateThreshold*float64(interval)
}

// Tick runs one presentation attempt under decision. It returns true if a
// frame was presented.
func (r *RenderLoop) Tick(decision renderpolicy.PolicyDecision) bool {
	r.statsMu.Lock()
	r.stats.Ticks++
	r.statsMu.Unlock()

	if !r.tryAcquireSlot(decision.InFlightCap) {
		r.statsMu.Lock()
		r.stats.CapSkips++
		r.statsMu.Unlock()
		return false
	}

	maxDrawable := int32(decision.MaxDrawables)
	if maxDrawable > MaxDrawablesHardCap {
		maxDrawable = MaxDrawablesHardCap
	}
	if !r.tryAcquireDrawable(maxDrawable) {
		r.releaseSlot()
		r.statsMu.Lock()
		r.stats.DrawableSkips++
		r.statsMu.Unlock()
		return false
	}

	entry, ok := r.cache.DequeueForPresentation(presentationKind(decision.PresentationPolicy.Kind), decision.PresentationPolicy.Depth)
	if !ok {
		r.releaseDrawable()
		r.releaseSlot()
		return false
	}

	if r.isStale(uint64(entry.FrameNumber)) {
		r.releaseDrawable()
		r.releaseSlot()
		r.statsMu.Lock()
		r.stats.StaleDropped++
		r.statsMu.Unlock()
		return false
	}

	if decision.AdmissionReleaseMode == renderpolicy.OnScheduled {
		r.releaseSlot()
	}

	released := decision.AdmissionReleaseMode == renderpolicy.OnScheduled
	r.presenter.Draw(entry, func() {
		r.onPresentComplete(entry, !released)
	})

	if decision.AllowsSecondaryCatchUpDraw && r.cache.QueueDepth() >= 3 {
		if entry2, ok := r.cache.DequeueForPresentation(framecache.Latest, 0); ok && !r.isStale(uint64(entry2.FrameNumber)) {
			r.statsMu.Lock()
			r.stats.SecondaryDraws++
			r.statsMu.Unlock()
			r.presenter.Draw(entry2, func() {})
			r.notePresented(uint64(entry2.FrameNumber))
			r.cache.MarkPresented(entry2.FrameNumber)
		}
	}

	return true
}

func (r *RenderLoop) onPresentComplete(entry framecache.Entry, releaseSlot bool) {
	if releaseSlot {
		r.releaseSlot()
	}
	r.releaseDrawable()
	r.notePresented(uint64(entry.FrameNumber))
	r.cache.MarkPresented(entry.FrameNumber)
	r.statsMu.Lock()
	r.stats.Presented++
	r.statsMu.Unlock()
}

func presentationKind(k renderpolicy.PresentationKind) framecache.Policy {
	if k == renderpolicy.Latest {
		return framecache.Latest
	}
	return framecache.Buffered
}

func (r *RenderLoop) tryAcquireSlot(cap int) bool {
	for {
		cur := atomic.LoadInt32(&r.inFlight)
		if cur >= int32(cap) {
			return false
		}
		if atomic.CompareAndSwapInt32(&r.inFlight, cur, cur+1) {
			return true
		}
	}
}

func (r *RenderLoop) releaseSlot() {
	for {
		cur := atomic.LoadInt32(&r.inFlight)
		if cur == 0 {
			return
		}
		if atomic.CompareAndSwapInt32(&r.inFlight, cur, cur-1) {
			return
		}
	}
}

func (r *RenderLoop) tryAcquireDrawable(max int32) bool {
	for {
		cur := atomic.LoadInt32(&r.drawables)
		if cur >= max {
			return false
		}
		if atomic.CompareAndSwapInt32(&r.drawables, cur, cur+1) {
			return true
		}
	}
}

func (r *RenderLoop) releaseDrawable() {
	for {
		cur := atomic.LoadInt32(&r.drawables)
		if cur == 0 {
			return
		}
		if atomic.CompareAndSwapInt32(&r.drawables, cur, cur-1) {
			return
		}
	}
}

// notePresented records the sequence of a frame that has begun (or
// completed) presentation, for the stale-drop gate.
func (r *RenderLoop) notePresented(seq uint64) {
	for {
		cur := atomic.LoadUint64(&r.lastSeqBits)
		if seq <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&r.lastSeqBits, cur, seq) {
			return
		}
	}
}

// isStale reports whether seq is older than or equal to the most recently
// presented sequence (spec.md §8 property 10).
func (r *RenderLoop) isStale(seq uint64) bool {
	return seq <= atomic.LoadUint64(&r.lastSeqBits)
}

// InFlight reports the current number of admitted in-flight submissions.
func (r *RenderLoop) InFlight() int { return int(atomic.LoadInt32(&r.inFlight)) }

// SnapshotStats reports cumulative tick counters.
func (r *RenderLoop) SnapshotStats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}
