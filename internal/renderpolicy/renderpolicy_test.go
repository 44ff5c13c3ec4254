package renderpolicy

import (
	"testing"
	"time"
)

// TestS1AutoBaselineAt60 reproduces scenario S1 verbatim.
func TestS1AutoBaselineAt60(t *testing.T) {
	d := Decide(Input{LatencyMode: Auto, TargetFPS: 60})
	if d.InFlightCap != 2 || d.MaxDrawables != 3 {
		t.Fatalf("unexpected caps: %+v", d)
	}
	if d.PresentationPolicy.Kind != Buffered || d.PresentationPolicy.Depth != 3 {
		t.Fatalf("expected Buffered(3), got %+v", d.PresentationPolicy)
	}
	if !d.AllowsSecondaryCatchUpDraw {
		t.Fatalf("expected secondary catch-up draw allowed")
	}
}

// TestS2TypingBurstCap reproduces scenario S2 verbatim.
func TestS2TypingBurstCap(t *testing.T) {
	d := Decide(Input{LatencyMode: Auto, TargetFPS: 60, TypingBurstActive: true, PressureActive: true})
	if d.InFlightCap != 1 {
		t.Fatalf("expected inFlightCap=1, got %d", d.InFlightCap)
	}
	if d.PresentationPolicy.Kind != Latest {
		t.Fatalf("expected Latest policy, got %+v", d.PresentationPolicy)
	}
	if d.Reason != "typing" {
		t.Fatalf("expected reason=typing, got %q", d.Reason)
	}
}

// TestS3SmoothestPromotion reproduces scenario S3 verbatim.
func TestS3SmoothestPromotion(t *testing.T) {
	d := Decide(Input{LatencyMode: Smoothest, TargetFPS: 60, SmoothestPromotionActive: true})
	if d.InFlightCap != 3 || d.MaxDrawables != 3 {
		t.Fatalf("unexpected caps: %+v", d)
	}
	if d.PresentationPolicy.Kind != Buffered || d.PresentationPolicy.Depth != 3 {
		t.Fatalf("expected Buffered(3), got %+v", d.PresentationPolicy)
	}
	if !d.AllowsSecondaryCatchUpDraw {
		t.Fatalf("expected secondary catch-up draw allowed under promotion")
	}
}

// TestDecidePurity covers property 8: decision(x) == decision(x).
func TestDecidePurity(t *testing.T) {
	in := Input{LatencyMode: Smoothest, TargetFPS: 120, SmoothestPromotionActive: true}
	a := Decide(in)
	b := Decide(in)
	if a != b {
		t.Fatalf("expected identical decisions for identical input: %+v vs %+v", a, b)
	}
}

func TestLowestLatencyAlwaysLatest(t *testing.T) {
	d := Decide(Input{LatencyMode: LowestLatency, PressureActive: true, RecoveryActive: true})
	if d.PresentationPolicy.Kind != Latest || d.InFlightCap != 1 || d.AllowsSecondaryCatchUpDraw {
		t.Fatalf("unexpected lowest-latency decision: %+v", d)
	}
}

// TestRenderScaleGateOffStaysFull covers property 11: with the gate
// disabled, scale stays 1.0 regardless of observed metrics.
func TestRenderScaleGateOffStaysFull(t *testing.T) {
	l := NewLadder()
	for i := 0; i < 10; i++ {
		if s := l.Observe(true, false); s != 1.0 {
			t.Fatalf("expected scale 1.0 with gate off, got %v", s)
		}
	}
}

// TestRenderScaleLadderSteps covers property 12.
func TestRenderScaleLadderSteps(t *testing.T) {
	l := NewLadder()
	l.SetGate(true)
	clock := time.Unix(0, 0)
	l.Now = func() time.Time { return clock }

	if s := l.Observe(true, false); s != 1.0 {
		t.Fatalf("expected no step on first degraded window, got %v", s)
	}
	s := l.Observe(true, false)
	if s != 0.9 {
		t.Fatalf("expected step down to 0.9 after 2 consecutive degraded windows, got %v", s)
	}

	// Healthy windows with insufficient hold shouldn't step up yet.
	l.Observe(false, false)
	s = l.Observe(false, false)
	if s != 0.9 {
		t.Fatalf("expected no step up before hold duration elapses, got %v", s)
	}

	clock = clock.Add(StepHoldDuration + time.Second)
	l.Observe(false, false)
	s = l.Observe(false, false)
	if s != 1.0 {
		t.Fatalf("expected step up to 1.0 after hold duration, got %v", s)
	}
}

func TestRenderScaleLadderLowerBound(t *testing.T) {
	l := NewLadder()
	l.SetGate(true)
	for i := 0; i < 20; i++ {
		l.Observe(true, false)
	}
	if l.Scale() != ScaleRungs[len(ScaleRungs)-1] {
		t.Fatalf("expected scale clamped at floor %v, got %v", ScaleRungs[len(ScaleRungs)-1], l.Scale())
	}
}

func TestRenderScaleLadderTypingBlocksUpwardOnly(t *testing.T) {
	l := NewLadder()
	l.SetGate(true)
	clock := time.Unix(0, 0)
	l.Now = func() time.Time { return clock }

	l.Observe(true, false)
	l.Observe(true, false) // step down to 0.9
	clock = clock.Add(StepHoldDuration + time.Second)
	l.Observe(false, true)
	s := l.Observe(false, true)
	if s != 0.9 {
		t.Fatalf("expected typing burst to block upward step, got %v", s)
	}
	// Downward steps still allowed during typing burst.
	s = l.Observe(true, true)
	s = l.Observe(true, true)
	if s != 0.8 {
		t.Fatalf("expected downward step allowed during typing burst, got %v", s)
	}
}

// TestRecoveryEntryExitCooldown covers property 13.
func TestRecoveryEntryExitCooldown(t *testing.T) {
	g := NewRecoveryGate()
	clock := time.Unix(0, 0)
	g.Now = func() time.Time { return clock }

	if g.Observe(true, false, false) {
		t.Fatalf("expected no entry on first degraded window")
	}
	if !g.Observe(true, false, false) {
		t.Fatalf("expected entry on second consecutive degraded-with-pressure window")
	}

	clock = clock.Add(RecoveryHold + time.Second)
	g.Observe(false, true, false)
	if !g.Active() {
		t.Fatalf("expected recovery to still be active after only one healthy window")
	}
	if g.Observe(false, true, false) {
		t.Fatalf("expected recovery to exit on second healthy window after hold elapsed")
	}

	// Re-entry within cooldown must be impossible.
	if g.Observe(true, false, false) || g.Observe(true, false, false) {
		t.Fatalf("expected re-entry blocked within cooldown window")
	}

	clock = clock.Add(RecoveryCooldown + time.Second)
	if !g.Observe(true, false, false) {
		// first post-cooldown degraded window shouldn't enter alone
	}
	if !g.Observe(true, false, false) {
		t.Fatalf("expected re-entry permitted after cooldown elapses")
	}
}
