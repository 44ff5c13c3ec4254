// Package session models one host↔client relation: its negotiated
// credentials, per-stream transport state, and the registry of active
// streams shared between the datagram-receive path and control-plane
// handlers. The registry follows the teacher's stream registry
// (internal/rtmp/server/registry.go) in spirit — a keyed, concurrency-safe
// collection of per-stream state created once per key — but per
// spec.md §9's redesign note, reads go through an atomically-swapped
// immutable snapshot instead of a per-lookup RWMutex, so the
// datagram-receive path never allocates or contends with control-plane
// writers.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/corvid-labs/airlink/internal/encodercontrol"
	"github.com/corvid-labs/airlink/internal/framecache"
	"github.com/corvid-labs/airlink/internal/reassembly"
	"github.com/corvid-labs/airlink/internal/streamcontroller"
)

// Session holds the negotiated state of one host↔client relation
// (spec.md §3).
type Session struct {
	SessionID            [16]byte
	PeerIdentityKeyID     [32]byte
	MediaKey              [32]byte
	UDPRegistrationToken  [32]byte
	NegotiatedFeatures    []string
	ProtocolVersion       uint32

	CreatedAt time.Time

	Streams *ActiveStreams
}

// New creates a Session from negotiated handshake state.
func New(sessionID [16]byte, peerIdentityKeyID [32]byte, mediaKey [32]byte, registrationToken [32]byte, features []string, protocolVersion uint32) *Session {
	return &Session{
		SessionID:            sessionID,
		PeerIdentityKeyID:    peerIdentityKeyID,
		MediaKey:             mediaKey,
		UDPRegistrationToken: registrationToken,
		NegotiatedFeatures:   features,
		ProtocolVersion:      protocolVersion,
		CreatedAt:            time.Now(),
		Streams:              NewActiveStreams(),
	}
}

// Stream bundles one StreamID's transport and presentation state: the
// Reassembler feeding it, the Controller tracking its health, the
// FrameCache buffering decoded output, and its EncoderControl (host
// side only; nil on the client).
type Stream struct {
	StreamID   uint32
	Reassembly *reassembly.Reassembler
	Controller *streamcontroller.Controller
	Cache      *framecache.FrameCache
	Encoder    *encodercontrol.Controller
}

// streamSet is the immutable snapshot swapped atomically by
// ActiveStreams. Never mutated in place after publication.
type streamSet map[uint32]*Stream

// ActiveStreams is a read-mostly registry of a session's live streams.
// Lookups read an atomically-loaded immutable map and perform no
// locking and no allocation; mutations (Create/Delete) build a new map
// and swap it in under a mutex that serializes writers only.
type ActiveStreams struct {
	writeMu sync.Mutex
	current atomic.Pointer[streamSet]
}

// NewActiveStreams creates an empty registry.
func NewActiveStreams() *ActiveStreams {
	a := &ActiveStreams{}
	empty := make(streamSet)
	a.current.Store(&empty)
	return a
}

// Get returns the stream for id, or nil if absent. Safe to call from the
// datagram-receive path: it performs one atomic pointer load and one map
// read, no locks, no allocation.
func (a *ActiveStreams) Get(id uint32) *Stream {
	snapshot := *a.current.Load()
	return snapshot[id]
}

// Snapshot returns the current immutable map for iteration. Callers must
// not mutate it.
func (a *ActiveStreams) Snapshot() map[uint32]*Stream {
	return *a.current.Load()
}

// Create registers a new stream, returning it and true, or the existing
// stream and false if id was already present.
func (a *ActiveStreams) Create(s *Stream) (*Stream, bool) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	old := *a.current.Load()
	if existing, ok := old[s.StreamID]; ok {
		return existing, false
	}
	next := make(streamSet, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[s.StreamID] = s
	a.current.Store(&next)
	return s, true
}

// Delete removes id from the registry, returning true if it was present.
func (a *ActiveStreams) Delete(id uint32) bool {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	old := *a.current.Load()
	if _, ok := old[id]; !ok {
		return false
	}
	next := make(streamSet, len(old))
	for k, v := range old {
		if k != id {
			next[k] = v
		}
	}
	a.current.Store(&next)
	return true
}

// Len reports the number of currently active streams.
func (a *ActiveStreams) Len() int {
	return len(*a.current.Load())
}
