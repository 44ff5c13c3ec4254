// Package encodercontrol maps a target bitrate to an encoder quality
// setting and manages the per-stream typing-burst override and adaptive
// fallback staging (spec.md §4.9). The piecewise-linear interpolation
// follows the same table-driven shape as the teacher's chunk fixed-size
// header field layout (internal/rtmp/chunk/header.go): a small ordered
// table of breakpoints walked linearly, rather than a closed-form curve.
package encodercontrol

import (
	"sync"
	"time"
)

// bppPoint is one breakpoint in the bits-per-pixel → quality table.
type bppPoint struct {
	bpp     float64
	quality float64
}

// qualityTable is the fixed piecewise-linear table from spec.md §4.9.
var qualityTable = []bppPoint{
	{bpp: 0.015, quality: 0.08},
	{bpp: 0.25, quality: 0.80},
}

// TypingBurstDeadline is how long the typing-burst override holds after
// the most recent input event. The Controller has no notion of latency
// mode: the override applies after every NoteTypingInput call, in any mode.
const TypingBurstDeadline = 150 * time.Millisecond

// FallbackCooldown is the minimum quiet window between adaptive fallback
// stage transitions.
const FallbackCooldown = 15 * time.Second

// ChromaFormat is the adaptive fallback's chroma staging dimension.
type ChromaFormat int

const (
	Chroma10Bit ChromaFormat = iota
	ChromaP010
	Chroma8BitNV12
)

// FallbackStage describes the current adaptive degradation state.
type FallbackStage struct {
	Chroma      ChromaFormat
	StreamScale float64
}

// interpolateQuality walks qualityTable and linearly interpolates quality
// for bpp, clamping to the table's endpoints outside its domain.
func interpolateQuality(bpp float64) float64 {
	if bpp <= qualityTable[0].bpp {
		return qualityTable[0].quality
	}
	last := len(qualityTable) - 1
	if bpp >= qualityTable[last].bpp {
		return qualityTable[last].quality
	}
	for i := 0; i < last; i++ {
		a, b := qualityTable[i], qualityTable[i+1]
		if bpp >= a.bpp && bpp <= b.bpp {
			t := (bpp - a.bpp) / (b.bpp - a.bpp)
			return a.quality + t*(b.quality-a.quality)
		}
	}
	return qualityTable[last].quality
}

// frameRateScale applies the per-fps derating factor from spec.md §4.9.
func frameRateScale(fps int) float64 {
	switch {
	case fps >= 120:
		return 0.85
	case fps >= 90:
		return 0.90
	default:
		return 1.0
	}
}

// highBitrateCeiling scales quality up toward a 0.94 ceiling for bitrates
// above 400 Mbps, reaching the ceiling at 700 Mbps.
func highBitrateCeiling(quality float64, bitrateBps float64) float64 {
	const (
		thresholdBps = 400_000_000
		ceilingBps   = 700_000_000
		ceiling      = 0.94
	)
	if bitrateBps <= thresholdBps {
		return quality
	}
	t := (bitrateBps - thresholdBps) / (ceilingBps - thresholdBps)
	if t > 1 {
		t = 1
	}
	return quality + t*(ceiling-quality)
}

// clamp bounds v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// FrameQuality computes the steady-state per-frame encoder quality for a
// target bitrate, resolution, and frame rate (spec.md §4.9).
func FrameQuality(bitrateBps float64, width, height, fps int) float64 {
	if width <= 0 || height <= 0 || fps <= 0 {
		return qualityTable[0].quality
	}
	bpp := bitrateBps / (float64(width) * float64(height) * float64(fps))
	q := interpolateQuality(bpp)
	q *= frameRateScale(fps)
	q = highBitrateCeiling(q, bitrateBps)
	return clamp(q, qualityTable[0].quality, 0.94)
}

// KeyframeQuality derives the keyframe quality from the steady-state frame
// quality, per spec.md §4.9: clamp(0.05, min(frameQuality, frameQuality*0.72)).
func KeyframeQuality(frameQuality float64) float64 {
	v := frameQuality
	if frameQuality*0.72 < v {
		v = frameQuality * 0.72
	}
	if v < 0.05 {
		v = 0.05
	}
	return v
}

// Controller manages one stream's typing-burst override and adaptive
// fallback staging on top of the pure quality functions above.
type Controller struct {
	mu sync.Mutex

	bitrateBps          float64
	width, height, fps  int
	typingBurstCap      float64

	typingDeadline time.Time

	stage       FallbackStage
	lastStageAt time.Time

	Now func() time.Time
}

// New creates a Controller for one stream with its initial target
// parameters. typingBurstCap bounds quality while a typing burst is
// active.
func New(bitrateBps float64, width, height, fps int, typingBurstCap float64) *Controller {
	return &Controller{
		bitrateBps:     bitrateBps,
		width:          width,
		height:         height,
		fps:            fps,
		typingBurstCap: typingBurstCap,
		stage:          FallbackStage{Chroma: Chroma10Bit, StreamScale: 1.0},
		Now:            time.Now,
	}
}

// NoteTypingInput extends the typing-burst deadline from now.
func (c *Controller) NoteTypingInput() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typingDeadline = c.now().Add(TypingBurstDeadline)
}

// IsTypingBurstActive reports whether the typing-burst override is
// currently in effect.
func (c *Controller) IsTypingBurstActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.typingDeadline.IsZero() && c.now().Before(c.typingDeadline)
}

// CurrentQuality returns the frame quality and in-flight cap that should
// be used right now, honoring the typing-burst override when active.
func (c *Controller) CurrentQuality() (frameQuality float64, inFlightCap int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	base := FrameQuality(c.bitrateBps, c.width, c.height, c.fps)
	if !c.typingDeadline.IsZero() && c.now().Before(c.typingDeadline) {
		if c.typingBurstCap < base {
			return c.typingBurstCap, 1
		}
		return base, 1
	}
	return base, 2
}

// Stage reports the current adaptive fallback stage.
func (c *Controller) Stage() FallbackStage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage
}

// NoteDecodeStorm advances the adaptive fallback stage when the client has
// reported sustained decode stress, honoring the cooldown between stage
// transitions.
func (c *Controller) NoteDecodeStorm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if !c.lastStageAt.IsZero() && now.Sub(c.lastStageAt) < FallbackCooldown {
		return
	}
	c.lastStageAt = now

	switch c.stage.Chroma {
	case Chroma10Bit:
		c.stage.Chroma = ChromaP010
	case ChromaP010:
		c.stage.Chroma = Chroma8BitNV12
	default:
		next := c.stage.StreamScale * 0.9
		if next < 0.6 {
			next = 0.6
		}
		c.stage.StreamScale = next
	}
}

// NoteQuietWindow signals a window with no decode storms, allowing the
// fallback stage to begin restoring toward baseline.
func (c *Controller) NoteQuietWindow() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.lastStageAt.IsZero() || now.Sub(c.lastStageAt) < FallbackCooldown {
		return
	}
	switch {
	case c.stage.StreamScale < 1.0:
		c.stage.StreamScale = clamp(c.stage.StreamScale/0.9, c.stage.StreamScale, 1.0)
	case c.stage.Chroma == Chroma8BitNV12:
		c.stage.Chroma = ChromaP010
	case c.stage.Chroma == ChromaP010:
		c.stage.Chroma = Chroma10Bit
	}
	c.lastStageAt = now
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
