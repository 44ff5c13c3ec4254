// Package streamcontroller drives the per-stream state machine that ties
// frame delivery, decode health, and queue pressure into a single recovery
// decision (spec.md §4.6). It follows the explicit, mutex-guarded FSM shape
// the teacher uses for handshake state (internal/rtmp/handshake/server.go),
// generalized from a one-shot handshake sequence to a long-lived,
// re-entrant stream lifecycle.
package streamcontroller

import (
	"sync"
	"time"

	"github.com/corvid-labs/airlink/internal/decoder"
)

// State is one of the StreamController's lifecycle states.
type State int

const (
	Starting State = iota
	Running
	Recovering
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Recovering:
		return "recovering"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// KeyframeRequestCooldown bounds how often the controller asks the host to
// send a fresh keyframe while recovering.
const KeyframeRequestCooldown = 250 * time.Millisecond

// SustainedDecodeErrorThreshold is the consecutive-decode-error count that
// escalates a decode-error storm from soft recovery to a FrameCache flush
// plus keyframe request, per spec.md §4.6.
const SustainedDecodeErrorThreshold = 2

// Decoded-FPS window thresholds for the submission-limit scheduler
// (spec.md §4.6).
const (
	DecodedFPSStressThreshold  = 45.0
	DecodedFPSHealthyThreshold = 58.0

	// NStressWindows is the number of consecutive low-fps windows required
	// before the submission limit escalates to decoder.StressSubmissionLimit.
	NStressWindows = 3
	// NHealthyWindows is the number of consecutive high-fps windows
	// required before the submission limit reverts to
	// decoder.BaseSubmissionLimit. Set higher than NStressWindows so a
	// recovering stream proves itself before the safety margin is removed.
	NHealthyWindows = 5
)

// Observer receives controller side effects the caller must act on.
type Observer interface {
	// RequestKeyframe asks the host to send a fresh keyframe.
	RequestKeyframe()
	// ClearInFlightSubmissions discards decoder submissions in flight, the
	// soft-recovery response to an isolated decode error.
	ClearInFlightSubmissions()
	// FlushFrameCache discards buffered, not-yet-presented frames, the
	// escalated response to a sustained decode-error storm.
	FlushFrameCache()
}

// Controller is the per-stream state machine.
type Controller struct {
	mu sync.Mutex

	state State

	// decoded is set once any frame has completed decoding.
	decoded bool

	consecutiveLoss  int
	consecutiveDrops int

	submissionLimit int
	stressWindows   int
	healthyWindows  int

	lastKeyframeRequestAt time.Time

	observer Observer

	// Now is the clock used for keyframe-request cooldown. Defaults to
	// time.Now; tests substitute a deterministic clock.
	Now func() time.Time
}

// New creates a Controller in the Starting state.
func New(observer Observer) *Controller {
	return &Controller{
		state:           Starting,
		observer:        observer,
		submissionLimit: decoder.BaseSubmissionLimit,
		Now:             time.Now,
	}
}

// State reports the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// FrameCompleted notifies the controller that a frame was decoded and
// presented. A keyframe always resolves a Recovering state back to
// Running.
func (c *Controller) FrameCompleted(keyframe bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Stopped {
		return
	}
	c.decoded = true
	c.consecutiveLoss = 0
	c.consecutiveDrops = 0
	if c.state == Starting {
		c.state = Running
		return
	}
	if c.state == Recovering && keyframe {
		c.state = Running
	}
}

// FrameLost notifies the controller that the reassembler abandoned a
// frame. Before the first frame has ever been decoded, this requests a
// keyframe immediately (bootstrap); once a frame has been decoded,
// P-frame gaps are tolerated and only counted toward the decode-health
// metric (LossStreak), per spec.md §4.6.
func (c *Controller) FrameLost() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Stopped {
		return
	}
	c.consecutiveLoss++
	if !c.decoded {
		c.enterRecoveringLocked()
	}
}

// DecodeError notifies the controller that a decode submission failed.
// streak is the decoder's current consecutive-error count
// (Decoder.SnapshotHealth().ErrorStreak). Per spec.md §4.6's two-tier
// decode-threshold-storm handling: the first event in a streak triggers
// soft recovery (clear in-flight submissions) only; sustained events
// escalate to a FrameCache flush plus cooldown-gated keyframe request.
func (c *Controller) DecodeError(streak int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Stopped || streak <= 0 {
		return
	}
	if streak < SustainedDecodeErrorThreshold {
		if c.observer != nil {
			c.observer.ClearInFlightSubmissions()
		}
		return
	}
	if c.observer != nil {
		c.observer.FlushFrameCache()
	}
	c.enterRecoveringLocked()
}

// QueueDropped notifies the controller that the FrameCache evicted a
// frame before it was presented (backpressure). Per spec.md §4.6 this
// never requests a keyframe; it only counts toward backpressure
// telemetry (DropStreak).
func (c *Controller) QueueDropped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Stopped {
		return
	}
	c.consecutiveDrops++
}

// AdaptiveFallbackNeeded notifies the controller that the encoder control
// loop is staging a fallback (e.g. chroma downgrade) that requires a
// fresh keyframe to take effect cleanly on the client.
func (c *Controller) AdaptiveFallbackNeeded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Stopped {
		return
	}
	c.enterRecoveringLocked()
}

// NoteDecodedFPSWindow feeds one decodedFPS measurement window into the
// submission-limit scheduler (spec.md §4.6): sustained stress escalates
// the limit to decoder.StressSubmissionLimit, sustained health reverts it
// to decoder.BaseSubmissionLimit, and the mid-band holds whatever limit
// is already in effect.
func (c *Controller) NoteDecodedFPSWindow(decodedFPS float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case decodedFPS <= DecodedFPSStressThreshold:
		c.stressWindows++
		c.healthyWindows = 0
	case decodedFPS >= DecodedFPSHealthyThreshold:
		c.healthyWindows++
		c.stressWindows = 0
	default:
		c.stressWindows = 0
		c.healthyWindows = 0
	}
	if c.stressWindows >= NStressWindows {
		c.submissionLimit = decoder.StressSubmissionLimit
	}
	if c.healthyWindows >= NHealthyWindows {
		c.submissionLimit = decoder.BaseSubmissionLimit
	}
}

// SubmissionLimit reports the decoder submission limit the scheduler
// currently wants, per spec.md §4.5/§4.6.
func (c *Controller) SubmissionLimit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submissionLimit
}

// LossStreak reports the current consecutive FrameLost count.
func (c *Controller) LossStreak() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveLoss
}

// DropStreak reports the current consecutive QueueDropped count.
func (c *Controller) DropStreak() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveDrops
}

// Stop transitions the controller to its terminal state.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Stopped
}

func (c *Controller) enterRecoveringLocked() {
	c.state = Recovering
	now := c.now()
	if now.Sub(c.lastKeyframeRequestAt) < KeyframeRequestCooldown {
		return
	}
	c.lastKeyframeRequestAt = now
	if c.observer != nil {
		c.observer.RequestKeyframe()
	}
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
