// Package decoder provides a bounded-concurrency façade in front of the
// platform video decoder (spec.md §4.5). It generalizes the teacher's
// bufpool size-classed allocator pattern (internal/bufpool) from buffer
// reuse to slot reuse: a fixed number of submission tickets are checked
// out and returned, with the limit itself adjustable at runtime.
package decoder

import (
	"context"
	"sync"
)

// BaseSubmissionLimit is the default number of frames allowed in flight to
// the decoder at 60Hz.
const BaseSubmissionLimit = 2

// StressSubmissionLimit is the elevated limit permitted under sustained
// decode pressure, per spec.md §4.5.
const StressSubmissionLimit = 3

// Health summarizes recent decode outcomes for the stream controller.
type Health struct {
	Submitted   uint64
	Completed   uint64
	Errored     uint64
	ErrorStreak int
}

// Decoder gates concurrent submissions to the underlying decode backend
// and tracks a rolling error signal used to drive recovery decisions.
type Decoder struct {
	mu   sync.Mutex
	cond *sync.Cond

	limit   int
	inFlight int

	submitted   uint64
	completed   uint64
	errored     uint64
	errorStreak int
}

// New creates a Decoder with the given initial submission limit.
func New(limit int) *Decoder {
	if limit <= 0 {
		limit = BaseSubmissionLimit
	}
	d := &Decoder{limit: limit}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// AcquireSlot blocks until a submission slot is available or ctx is
// canceled. Each successful AcquireSlot must be paired with ReleaseSlot.
func (d *Decoder) AcquireSlot(ctx context.Context) error {
	d.mu.Lock()
	for d.inFlight >= d.limit {
		if waitErr := d.waitOrCancel(ctx); waitErr != nil {
			d.mu.Unlock()
			return waitErr
		}
	}
	d.inFlight++
	d.submitted++
	d.mu.Unlock()
	return nil
}

// waitOrCancel blocks on d.cond until woken, or returns ctx.Err() once the
// context is canceled. Callers hold d.mu on entry and on return.
func (d *Decoder) waitOrCancel(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.cond.Broadcast()
			d.mu.Unlock()
		case <-stopped:
		}
		close(done)
	}()
	d.cond.Wait()
	close(stopped)
	<-done
	return ctx.Err()
}

// ReleaseSlot returns a slot acquired via AcquireSlot and records the
// decode outcome for the rolling health signal.
func (d *Decoder) ReleaseSlot(decodeErr error) {
	d.mu.Lock()
	d.inFlight--
	if decodeErr != nil {
		d.errored++
		d.errorStreak++
	} else {
		d.completed++
		d.errorStreak = 0
	}
	d.cond.Broadcast()
	d.mu.Unlock()
}

// ResetInFlight discards the in-flight submission count without touching
// the cumulative health counters. This is the soft-recovery response to
// an isolated decode error (spec.md §4.6): any submissions still pending
// are treated as abandoned so fresh ones are admitted immediately.
func (d *Decoder) ResetInFlight() {
	d.mu.Lock()
	d.inFlight = 0
	d.cond.Broadcast()
	d.mu.Unlock()
}

// SetLimit adjusts the submission limit, immediately waking any waiters
// that can now proceed under the new (presumably higher) limit.
func (d *Decoder) SetLimit(limit int) {
	d.mu.Lock()
	d.limit = limit
	d.cond.Broadcast()
	d.mu.Unlock()
}

// Limit reports the current submission limit.
func (d *Decoder) Limit() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.limit
}

// InFlight reports the number of outstanding submissions.
func (d *Decoder) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight
}

// SnapshotHealth reports the cumulative decode outcome counters.
func (d *Decoder) SnapshotHealth() Health {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Health{
		Submitted:   d.submitted,
		Completed:   d.completed,
		Errored:     d.errored,
		ErrorStreak: d.errorStreak,
	}
}

// IsElevatedErrorRate reports whether the rolling error streak has reached
// a level the stream controller should treat as decode pressure.
func (d *Decoder) IsElevatedErrorRate(threshold int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errorStreak >= threshold
}
