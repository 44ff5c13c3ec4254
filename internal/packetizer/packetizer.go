// Package packetizer slices an encoded frame into header-prefixed
// fragments with stable sequence/frame numbering (spec.md §4.3).
package packetizer

import (
	"fmt"
	"sync"
	"time"

	"github.com/corvid-labs/airlink/internal/wire"
)

const maxFragmentCount = 1<<16 - 1

// FrameFlags carries the caller-supplied, per-frame attributes that become
// header flags on every fragment of the frame.
type FrameFlags struct {
	Keyframe bool
}

// Packetizer maintains the monotone frameNumber/sequenceNumber counters for
// one outbound stream. Every method holds an internal mutex, so concurrent
// calls on the same instance are serialized.
type Packetizer struct {
	mu             sync.Mutex
	streamID       uint32
	maxPayload     int
	frameNumber    uint32
	sequenceNumber uint32
	dimensionToken uint16
	epoch          uint16
	pendingReset   bool
	codec          wire.Codec
}

// New creates a Packetizer for streamID with the given maximum fragment
// payload size (must fit comfortably under path MTU; callers typically
// pass ~1200 bytes to stay under typical Ethernet/Wi-Fi MTUs after IP/UDP
// overhead).
func New(streamID uint32, maxPayload int) *Packetizer {
	return &Packetizer{
		streamID:     streamID,
		maxPayload:   maxPayload,
		pendingReset: true, // first frame always carries discontinuity
	}
}

// Reset clears the frame/sequence counters and arms the discontinuity flag
// for the next frame, per spec.md §4.3: "discontinuity flag is set on the
// first fragment of the first frame after reset." It also advances the
// wire epoch so a receiving Reassembler can distinguish fragments from the
// generation before the reset from fragments after it.
func (p *Packetizer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frameNumber = 0
	p.sequenceNumber = 0
	p.pendingReset = true
	p.epoch++
}

// SetDimensionToken updates the epoch tag stamped on subsequent fragments,
// incrementing the wire epoch counter so receivers can detect the change.
func (p *Packetizer) SetDimensionToken(token uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if token == p.dimensionToken {
		return
	}
	p.dimensionToken = token
	p.epoch++
}

// Packetize slices encodedFrame into wire datagrams for streamID, advancing
// the frame and sequence counters. key, when non-nil, enables AEAD
// encryption per wire.Codec.Serialize. contentRect is the visible subregion
// reported in every fragment's header.
func (p *Packetizer) Packetize(encodedFrame []byte, flags FrameFlags, contentRect wire.ContentRect, key *wire.Key) ([][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	byteCount := len(encodedFrame)
	fragmentCount := (byteCount + p.maxPayload - 1) / p.maxPayload
	if fragmentCount == 0 {
		fragmentCount = 1 // zero-byte frames still produce one (empty) fragment
	}
	if fragmentCount > maxFragmentCount {
		return nil, fmt.Errorf("packetizer: frame requires %d fragments, exceeds uint16 capacity", fragmentCount)
	}

	frameNumber := p.frameNumber
	p.frameNumber++

	discontinuity := p.pendingReset
	p.pendingReset = false

	out := make([][]byte, 0, fragmentCount)
	for idx := 0; idx < fragmentCount; idx++ {
		start := idx * p.maxPayload
		end := start + p.maxPayload
		if end > byteCount {
			end = byteCount
		}
		payload := encodedFrame[start:end]

		var flagBits uint16
		if flags.Keyframe {
			flagBits |= wire.FlagKeyframe
		}
		if idx == fragmentCount-1 {
			flagBits |= wire.FlagEndOfFrame
		}
		if discontinuity && idx == 0 {
			flagBits |= wire.FlagDiscontinuity
		}

		h := wire.Header{
			StreamID:       p.streamID,
			SequenceNumber: p.sequenceNumber,
			Timestamp:      uint64(time.Now().UnixNano()),
			FrameNumber:    frameNumber,
			FragmentIndex:  uint16(idx),
			FragmentCount:  uint16(fragmentCount),
			FrameByteCount: uint32(byteCount),
			ContentRect:    contentRect,
			DimensionToken: p.dimensionToken,
			Epoch:          p.epoch,
			Flags:          flagBits,
		}
		p.sequenceNumber++

		datagram, err := p.codec.Serialize(h, payload, key, wire.DirectionHostToClient)
		if err != nil {
			return nil, fmt.Errorf("packetizer: serialize fragment %d/%d: %w", idx, fragmentCount, err)
		}
		out = append(out, datagram)
	}
	return out, nil
}

// FrameNumber reports the next frame number that will be assigned,
// primarily for tests and diagnostics.
func (p *Packetizer) FrameNumber() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frameNumber
}
