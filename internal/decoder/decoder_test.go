package decoder

import (
	"context"
	"testing"
	"time"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	d := New(2)
	ctx := context.Background()
	if err := d.AcquireSlot(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if d.InFlight() != 1 {
		t.Fatalf("expected 1 in flight, got %d", d.InFlight())
	}
	d.ReleaseSlot(nil)
	if d.InFlight() != 0 {
		t.Fatalf("expected 0 in flight after release, got %d", d.InFlight())
	}
}

func TestAcquireBlocksAtLimit(t *testing.T) {
	d := New(1)
	ctx := context.Background()
	if err := d.AcquireSlot(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		d.AcquireSlot(context.Background())
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatalf("second acquire should have blocked at limit 1")
	case <-time.After(50 * time.Millisecond):
	}

	d.ReleaseSlot(nil)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("second acquire should have proceeded after release")
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	d := New(1)
	ctx := context.Background()
	if err := d.AcquireSlot(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.AcquireSlot(cctx); err == nil {
		t.Fatalf("expected context cancellation error")
	}
}

func TestSetLimitWakesWaiters(t *testing.T) {
	d := New(1)
	ctx := context.Background()
	d.AcquireSlot(ctx)

	acquired := make(chan struct{})
	go func() {
		d.AcquireSlot(context.Background())
		close(acquired)
	}()

	time.Sleep(20 * time.Millisecond)
	d.SetLimit(2)

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("expected waiter to proceed after limit raised")
	}
}

func TestErrorStreakTracksConsecutiveFailures(t *testing.T) {
	d := New(2)
	ctx := context.Background()
	d.AcquireSlot(ctx)
	d.ReleaseSlot(errFake)
	d.AcquireSlot(ctx)
	d.ReleaseSlot(errFake)
	if !d.IsElevatedErrorRate(2) {
		t.Fatalf("expected elevated error rate after 2 consecutive errors")
	}
	d.AcquireSlot(ctx)
	d.ReleaseSlot(nil)
	if d.IsElevatedErrorRate(1) {
		t.Fatalf("expected error streak reset after a successful decode")
	}
}

func TestResetInFlightAdmitsFreshSubmissions(t *testing.T) {
	d := New(1)
	ctx := context.Background()
	if err := d.AcquireSlot(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	d.ResetInFlight()
	if d.InFlight() != 0 {
		t.Fatalf("expected 0 in flight after reset, got %d", d.InFlight())
	}
	if err := d.AcquireSlot(ctx); err != nil {
		t.Fatalf("acquire after reset should not block: %v", err)
	}
}

var errFake = errFakeType{}

type errFakeType struct{}

func (errFakeType) Error() string { return "fake decode error" }
