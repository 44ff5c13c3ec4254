// Package datasender writes packetizer output to the per-client UDP data
// socket (spec.md §4.1's "Packetizer → UDP send" pipeline stage). Each
// fragment is staged through internal/bufpool's size-classed buffers
// before the write syscall, so the packetizer's own per-call allocations
// are released back to the caller immediately instead of living until
// the UDP write completes.
package datasender

import (
	"fmt"
	"net"

	"github.com/corvid-labs/airlink/internal/bufpool"
)

// Sender writes fragmented frames to a single client's registered UDP
// return address.
type Sender struct {
	conn *net.UDPConn
	pool *bufpool.Pool
}

// New builds a Sender that writes through conn. A nil pool uses the
// package-level default pool.
func New(conn *net.UDPConn, pool *bufpool.Pool) *Sender {
	return &Sender{conn: conn, pool: pool}
}

// SendFragments writes every fragment to addr in order, staging each
// through a pooled buffer.
func (s *Sender) SendFragments(addr *net.UDPAddr, fragments [][]byte) error {
	for i, frag := range fragments {
		buf := s.get(len(frag))
		copy(buf, frag)
		_, err := s.conn.WriteToUDP(buf, addr)
		s.put(buf)
		if err != nil {
			return fmt.Errorf("datasender: write fragment %d/%d: %w", i, len(fragments), err)
		}
	}
	return nil
}

func (s *Sender) get(size int) []byte {
	if s.pool != nil {
		return s.pool.Get(size)
	}
	return bufpool.Get(size)
}

func (s *Sender) put(buf []byte) {
	if s.pool != nil {
		s.pool.Put(buf)
		return
	}
	bufpool.Put(buf)
}
