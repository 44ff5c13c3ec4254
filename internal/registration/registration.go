// Package registration implements the client side of UDP data-socket
// registration (spec.md §6): the client's return address is learned by
// the host only once its first registration datagram arrives, and UDP
// gives no delivery guarantee, so the datagram is resent on a backoff
// until the host's first media fragment proves it got through.
package registration

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/corvid-labs/airlink/internal/hostserver"
	"github.com/corvid-labs/airlink/internal/logger"
)

// InitialBackoff and MaxBackoff are the production backoff bounds named
// in spec.md §4.14: 100ms, 200ms, 400ms, capped at 1s.
const (
	InitialBackoff = 100 * time.Millisecond
	MaxBackoff     = 1 * time.Second
)

// BuildDatagram assembles one registration datagram: magic || streamID
// (LE) || deviceID, matching what hostserver.handleDatagram expects.
func BuildDatagram(streamID uint32, deviceID [16]byte) []byte {
	datagram := make([]byte, hostserver.RegistrationDatagramSize)
	copy(datagram[0:4], hostserver.RegistrationMagic[:])
	binary.LittleEndian.PutUint32(datagram[4:8], streamID)
	copy(datagram[8:24], deviceID[:])
	return datagram
}

// Sender transmits one registration datagram attempt to the host.
type Sender func(datagram []byte) error

// Retry resends the stream's registration datagram via send on an
// exponential backoff until acked reports true or ctx is cancelled.
// initialBackoff/maxBackoff <= 0 fall back to the production defaults;
// tests substitute small values so they don't block on real time.
func Retry(ctx context.Context, streamID uint32, deviceID [16]byte, send Sender, acked func() bool, initialBackoff, maxBackoff time.Duration) error {
	if initialBackoff <= 0 {
		initialBackoff = InitialBackoff
	}
	if maxBackoff <= 0 {
		maxBackoff = MaxBackoff
	}
	datagram := BuildDatagram(streamID, deviceID)
	log := logger.Logger().With("component", "registration", "stream_id", streamID)

	backoff := initialBackoff
	attempt := 0
	for {
		if acked() {
			return nil
		}
		if err := send(datagram); err != nil {
			return err
		}
		attempt++
		log.Debug("registration datagram sent, awaiting host's first fragment", "attempt", attempt, "backoff", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}
