// Package renderpolicy implements the pure decision functions that turn
// latency-mode configuration and pressure signals into a PolicyDecision
// (spec.md §4.8). Decide itself holds no state across calls — the stateful
// render-scale ladder and recovery gate live in separate types below so
// that the core mapping stays referentially transparent and trivially
// testable, in the same spirit as the teacher's pure chunk-header codec.
package renderpolicy

import "time"

// LatencyMode selects the overall latency/smoothness tradeoff.
type LatencyMode int

const (
	LowestLatency LatencyMode = iota
	Auto
	Smoothest
)

// PresentationKind distinguishes the two FrameCache dequeue strategies.
type PresentationKind int

const (
	Latest PresentationKind = iota
	Buffered
)

// PresentationPolicy pairs the dequeue strategy with its buffered depth
// (meaningless for Latest).
type PresentationPolicy struct {
	Kind  PresentationKind
	Depth int
}

// AdmissionReleaseMode controls when the RenderLoop frees an in-flight slot.
type AdmissionReleaseMode int

const (
	OnScheduled AdmissionReleaseMode = iota
	OnCompleted
)

// Input is the full set of signals Decide consumes. It carries no history:
// callers that need stepped recovery entry/exit compute RecoveryActive
// themselves (see RecoveryGate) and pass the result in. Input has no
// render-scale field; Decide always reports RenderScale 1.0, and the
// stepped scale is tracked separately by Ladder.
type Input struct {
	LatencyMode               LatencyMode
	TargetFPS                 int
	TypingBurstActive         bool
	RecoveryActive            bool
	SmoothestPromotionActive  bool
	PressureActive            bool
}

// PolicyDecision is the immutable output of one Decide evaluation.
type PolicyDecision struct {
	InFlightCap                int
	MaxDrawables               int
	PresentationPolicy         PresentationPolicy
	RenderScale                float64
	AdmissionReleaseMode       AdmissionReleaseMode
	AllowsSecondaryCatchUpDraw bool
	Reason                     string
}

// Decide computes the PolicyDecision for one evaluation. It is pure: equal
// inputs always produce equal outputs (spec.md §8 property 8).
func Decide(in Input) PolicyDecision {
	switch in.LatencyMode {
	case LowestLatency:
		return PolicyDecision{
			InFlightCap:                1,
			MaxDrawables:               2,
			PresentationPolicy:         PresentationPolicy{Kind: Latest},
			RenderScale:                1.0,
			AdmissionReleaseMode:       OnScheduled,
			AllowsSecondaryCatchUpDraw: false,
			Reason:                     "lowest-latency",
		}

	case Smoothest:
		if in.SmoothestPromotionActive {
			return PolicyDecision{
				InFlightCap:                3,
				MaxDrawables:               3,
				PresentationPolicy:         PresentationPolicy{Kind: Buffered, Depth: 3},
				RenderScale:                1.0,
				AdmissionReleaseMode:       OnCompleted,
				AllowsSecondaryCatchUpDraw: true,
				Reason:                     "smoothest-promoted",
			}
		}
		return PolicyDecision{
			InFlightCap:                2,
			MaxDrawables:               3,
			PresentationPolicy:         PresentationPolicy{Kind: Buffered, Depth: 3},
			RenderScale:                1.0,
			AdmissionReleaseMode:       OnCompleted,
			AllowsSecondaryCatchUpDraw: false,
			Reason:                     "smoothest",
		}

	default: // Auto
		if in.TypingBurstActive {
			return PolicyDecision{
				InFlightCap:                1,
				MaxDrawables:               2,
				PresentationPolicy:         PresentationPolicy{Kind: Latest},
				RenderScale:                1.0,
				AdmissionReleaseMode:       OnScheduled,
				AllowsSecondaryCatchUpDraw: false,
				Reason:                     "typing",
			}
		}
		if in.RecoveryActive {
			return PolicyDecision{
				InFlightCap:                2,
				MaxDrawables:               3,
				PresentationPolicy:         PresentationPolicy{Kind: Buffered, Depth: 1},
				RenderScale:                1.0,
				AdmissionReleaseMode:       OnCompleted,
				AllowsSecondaryCatchUpDraw: false,
				Reason:                     "recovery",
			}
		}
		return PolicyDecision{
			InFlightCap:                2,
			MaxDrawables:               3,
			PresentationPolicy:         PresentationPolicy{Kind: Buffered, Depth: 3},
			RenderScale:                1.0,
			AdmissionReleaseMode:       OnCompleted,
			AllowsSecondaryCatchUpDraw: true,
			Reason:                     "steady",
		}
	}
}

// ---- Render-scale ladder (spec.md §4.8, property 12) ----

// ScaleRungs is the fixed render-scale ladder, highest first.
var ScaleRungs = []float64{1.0, 0.9, 0.8, 0.7, 0.6}

// StepHoldDuration is the minimum time between an upward step and the
// previous step, beyond the two-consecutive-healthy-window requirement.
const StepHoldDuration = 2 * time.Second

// Ladder tracks the render-scale gate's stepped state across window
// evaluations. Gate is OFF (scale pinned to 1.0) unless explicitly enabled
// — Auto/Smoothest enable it; LowestLatency only enables it under sustained
// drawable-wait pressure (spec.md §4.8).
type Ladder struct {
	gateOn bool

	rung            int // index into ScaleRungs
	degradedStreak  int
	healthyStreak   int
	lastStepAt      time.Time
	typingSuppress  bool

	Now func() time.Time
}

// NewLadder creates a Ladder pinned at full scale with the gate disabled.
func NewLadder() *Ladder {
	return &Ladder{Now: time.Now}
}

// SetGate enables or disables the render-scale gate.
func (l *Ladder) SetGate(on bool) {
	l.gateOn = on
	if !on {
		l.rung = 0
		l.degradedStreak = 0
		l.healthyStreak = 0
	}
}

// Scale reports the current render scale.
func (l *Ladder) Scale() float64 {
	if !l.gateOn {
		return 1.0
	}
	return ScaleRungs[l.rung]
}

// Observe feeds one window's health verdict into the ladder, stepping down
// on two consecutive degraded windows and up on two consecutive healthy
// windows held for at least StepHoldDuration. Typing-burst blocks upward
// steps but never blocks downward steps.
func (l *Ladder) Observe(degraded bool, typingBurstActive bool) float64 {
	if !l.gateOn {
		return 1.0
	}
	now := l.now()
	if degraded {
		l.healthyStreak = 0
		l.degradedStreak++
		if l.degradedStreak >= 2 && l.rung < len(ScaleRungs)-1 {
			l.rung++
			l.degradedStreak = 0
			l.lastStepAt = now
		}
		return l.Scale()
	}

	l.degradedStreak = 0
	l.healthyStreak++
	if typingBurstActive {
		return l.Scale()
	}
	if l.healthyStreak >= 2 && l.rung > 0 && now.Sub(l.lastStepAt) >= StepHoldDuration {
		l.rung--
		l.healthyStreak = 0
		l.lastStepAt = now
	}
	return l.Scale()
}

func (l *Ladder) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// ---- Recovery gate (spec.md §4.8, property 13) ----

// RecoveryCooldown is the minimum time after exiting recovery before
// re-entry is permitted.
const RecoveryCooldown = 2 * time.Second

// RecoveryHold is the minimum time recovery must be held before exit is
// considered.
const RecoveryHold = 2 * time.Second

// RecoveryGate tracks recovery entry/exit/cooldown across window
// evaluations.
type RecoveryGate struct {
	active bool

	degradedStreak int
	healthyStreak  int

	enteredAt time.Time
	exitedAt  time.Time
	hasExited bool

	Now func() time.Time
}

// NewRecoveryGate creates a RecoveryGate starting outside recovery.
func NewRecoveryGate() *RecoveryGate {
	return &RecoveryGate{Now: time.Now}
}

// Active reports whether recovery is currently engaged.
func (g *RecoveryGate) Active() bool { return g.active }

// Observe feeds one window's metrics in and returns the (possibly updated)
// recovery-active state. capPressure indicates inFlight-cap skips were
// observed or drawableWaitAvgMs crossed the 1.5x-frame-budget threshold.
// degraded additionally requires renderedFPS <= 0.7*target, matched by the
// caller before invoking Observe.
func (g *RecoveryGate) Observe(degradedWithPressure, healthy, typingBurstActive bool) bool {
	now := g.now()

	if g.active {
		if healthy {
			g.healthyStreak++
		} else {
			g.healthyStreak = 0
		}
		if g.healthyStreak >= 2 && now.Sub(g.enteredAt) >= RecoveryHold {
			g.active = false
			g.exitedAt = now
			g.hasExited = true
			g.healthyStreak = 0
		}
		return g.active
	}

	if typingBurstActive {
		g.degradedStreak = 0
		return false
	}

	if g.hasExited && now.Sub(g.exitedAt) < RecoveryCooldown {
		return false
	}

	if degradedWithPressure {
		g.degradedStreak++
	} else {
		g.degradedStreak = 0
	}
	if g.degradedStreak >= 2 {
		g.active = true
		g.enteredAt = now
		g.degradedStreak = 0
		g.healthyStreak = 0
	}
	return g.active
}

func (g *RecoveryGate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}
