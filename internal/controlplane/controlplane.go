// Package controlplane implements the framed, bidirectional control
// channel (spec.md §4.11): a length-prefixed message stream with a
// lock-free fast path for input events, a bounded coalescing queue for
// everything else, and sequential single-message dispatch. The envelope
// shape and handler-registration style follow the teacher's command
// dispatcher (internal/rtmp/rpc/dispatcher.go), generalized from named
// AMF0 commands to a typed, length-prefixed binary envelope.
package controlplane

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	rerrors "github.com/corvid-labs/airlink/internal/errors"
	"github.com/corvid-labs/airlink/internal/logger"
)

// MessageType tags the payload carried by an envelope.
type MessageType uint8

const (
	TypeHello MessageType = iota + 1
	TypeHelloResponse
	TypeInputEvent
	TypeResolutionChange
	TypeStreamScaleChange
	TypeRefreshRateChange
	TypeEncoderSettings
	TypeKeyframeRequest
	TypePing
	TypePong
)

// PeriodicPingInterval is how long the control channel may sit idle
// before a keepalive Ping goes out, a supplement (SPEC_FULL.md §4.14)
// that detects a silently-dead reliable channel before the transient-
// error timeout would catch it.
const PeriodicPingInterval = 100 * time.Millisecond

// coalescedTypes is the set of message types for which only the newest
// pending instance is kept in the queue (spec.md §4.11).
var coalescedTypes = map[MessageType]bool{
	TypeResolutionChange:  true,
	TypeStreamScaleChange: true,
	TypeRefreshRateChange: true,
	TypeEncoderSettings:   true,
}

// DefaultQueueCapacity is the bounded control queue's default size.
const DefaultQueueCapacity = 256

// DefaultTransientErrorTimeout is how long transient read errors are
// tolerated before the session is torn down.
const DefaultTransientErrorTimeout = 2 * time.Second

const envelopeHeaderSize = 1 + 4 // type tag + uint32 length

// Envelope is one framed control message: a type tag, a length prefix,
// and an opaque payload that handlers interpret per type.
type Envelope struct {
	Type      MessageType
	Payload   []byte
	EnqueuedAt time.Time
}

// WriteEnvelope frames and writes one envelope to w.
func WriteEnvelope(w io.Writer, typ MessageType, payload []byte) error {
	var header [envelopeHeaderSize]byte
	header[0] = byte(typ)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return rerrors.NewTransportError("write-envelope-header", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return rerrors.NewTransportError("write-envelope-payload", err)
	}
	return nil
}

// ReadEnvelope reassembles one whole envelope from r, blocking until the
// full frame has arrived.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	var header [envelopeHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Envelope{}, classifyReadErr("read-envelope-header", err)
	}
	typ := MessageType(header[0])
	n := binary.BigEndian.Uint32(header[1:])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Envelope{}, classifyReadErr("read-envelope-payload", err)
		}
	}
	return Envelope{Type: typ, Payload: payload}, nil
}

func classifyReadErr(op string, err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return rerrors.NewTransportError(op, err)
	}
	return rerrors.NewTransportError(op, err)
}

// Handler processes one dispatched envelope.
type Handler func(Envelope) error

// InputEventHandler processes input events on the dedicated fast path.
type InputEventHandler func(payload []byte)

// Queue is the bounded coalescing control-message queue. Non-coalesced
// entries are kept in arrival order; coalesced types retain only their
// newest instance, which keeps the queue position of the first arrival
// of that type still pending.
type Queue struct {
	mu       sync.Mutex
	capacity int
	order    []*Envelope
	latest   map[MessageType]*Envelope
}

// NewQueue creates a Queue bounded to capacity entries.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{capacity: capacity, latest: make(map[MessageType]*Envelope)}
}

// Push enqueues env, coalescing it with any pending entry of the same
// type if that type is coalesced. Reports false if the queue is full and
// env could not be coalesced into a pending entry (the caller should treat
// this as backpressure).
func (q *Queue) Push(env Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if coalescedTypes[env.Type] {
		if existing, ok := q.latest[env.Type]; ok {
			*existing = env
			return true
		}
		if len(q.order) >= q.capacity {
			return false
		}
		stored := env
		q.latest[env.Type] = &stored
		q.order = append(q.order, &stored)
		return true
	}

	if len(q.order) >= q.capacity {
		return false
	}
	stored := env
	q.order = append(q.order, &stored)
	return true
}

// Pop removes and returns the oldest queued entry, in arrival order.
func (q *Queue) Pop() (Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return Envelope{}, false
	}
	head := q.order[0]
	q.order = q.order[1:]
	if coalescedTypes[head.Type] {
		delete(q.latest, head.Type)
	}
	return *head, true
}

// Len reports the number of entries currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Dispatcher owns the receive loop for one control connection: it
// reassembles envelopes, routes input events to the lock-free fast
// path, coalesces everything else into a Queue, and dispatches queued
// messages one at a time.
type Dispatcher struct {
	conn  io.ReadWriter
	queue *Queue

	OnInputEvent InputEventHandler
	Handlers     map[MessageType]Handler

	// OnQueueLenChange, if set, is called after every push/pop with the
	// queue's new length (telemetry hook).
	OnQueueLenChange func(int)

	transientTimeout time.Duration
	errMu            sync.Mutex
	firstErrorAt     time.Time
	haveFirstError   bool

	writeMu    sync.Mutex
	lastSendAt time.Time

	// Now is the clock keepalive scheduling reads against; overridable in
	// tests.
	Now func() time.Time

	log *slog.Logger

	stopped atomic.Bool
}

// NewDispatcher creates a Dispatcher reading/writing conn.
func NewDispatcher(conn io.ReadWriter, queueCapacity int) *Dispatcher {
	return &Dispatcher{
		conn:             conn,
		queue:            NewQueue(queueCapacity),
		Handlers:         make(map[MessageType]Handler),
		transientTimeout: DefaultTransientErrorTimeout,
		Now:              time.Now,
		log:              logger.Logger().With("component", "controlplane"),
	}
}

// SetTransientErrorTimeout overrides the default transient-error budget.
func (d *Dispatcher) SetTransientErrorTimeout(timeout time.Duration) {
	d.transientTimeout = timeout
}

// Run reads envelopes from the connection until a fatal error occurs or
// Stop is called. InputEvent messages are dispatched immediately on the
// fast path; everything else is coalesced into the queue and drained by
// DrainOne.
func (d *Dispatcher) Run() error {
	r := bufio.NewReader(d.conn)
	for !d.stopped.Load() {
		env, err := ReadEnvelope(r)
		if err != nil {
			if rerrors.IsTimeout(err) || isTransient(err) {
				if d.noteTransientError() {
					continue
				}
				return rerrors.NewTransportError("run", fmt.Errorf("transient error budget exceeded: %w", err))
			}
			return err
		}
		d.clearTransientError()

		if env.Type == TypeInputEvent {
			if d.OnInputEvent != nil {
				d.OnInputEvent(env.Payload)
			}
			continue
		}
		if env.Type == TypePing {
			if err := d.writeLocked(TypePong, nil); err != nil {
				return err
			}
			continue
		}
		if env.Type == TypePong {
			continue
		}
		env.EnqueuedAt = time.Now()
		if !d.queue.Push(env) {
			d.log.Warn("control queue full, dropping message", "type", env.Type)
		}
		if d.OnQueueLenChange != nil {
			d.OnQueueLenChange(d.queue.Len())
		}
	}
	return nil
}

// DrainOne dispatches exactly one queued message, if any is pending.
// Per spec.md §4.11, exactly one control message is ever in flight at a
// time; callers schedule the next DrainOne on completion.
func (d *Dispatcher) DrainOne() error {
	env, ok := d.queue.Pop()
	if !ok {
		return nil
	}
	if d.OnQueueLenChange != nil {
		d.OnQueueLenChange(d.queue.Len())
	}
	handler, ok := d.Handlers[env.Type]
	if !ok {
		d.log.Warn("no handler registered for control message type", "type", env.Type)
		return nil
	}
	return handler(env)
}

// Stop halts the receive loop at its next iteration.
func (d *Dispatcher) Stop() {
	d.stopped.Store(true)
}

// QueueLen reports the number of control messages currently queued.
func (d *Dispatcher) QueueLen() int {
	return d.queue.Len()
}

// MaybeSendKeepalive sends a Ping if the connection has had no outbound
// traffic for at least PeriodicPingInterval, reporting whether it sent
// one. Callers drive this from a ticker; it is a no-op between idle
// windows.
func (d *Dispatcher) MaybeSendKeepalive(now time.Time) (bool, error) {
	d.writeMu.Lock()
	idle := d.lastSendAt.IsZero() || now.Sub(d.lastSendAt) >= PeriodicPingInterval
	d.writeMu.Unlock()
	if !idle {
		return false, nil
	}
	if err := d.writeLocked(TypePing, nil); err != nil {
		return false, err
	}
	return true, nil
}

// writeLocked serializes writes to conn against MaybeSendKeepalive and the
// inbound-Ping auto-reply, both of which can fire from different
// goroutines than whatever else is writing responses to this connection.
func (d *Dispatcher) writeLocked(typ MessageType, payload []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := WriteEnvelope(d.conn, typ, payload); err != nil {
		return err
	}
	d.lastSendAt = d.now()
	return nil
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) noteTransientError() bool {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	now := time.Now()
	if !d.haveFirstError {
		d.haveFirstError = true
		d.firstErrorAt = now
		return true
	}
	return now.Sub(d.firstErrorAt) < d.transientTimeout
}

func (d *Dispatcher) clearTransientError() {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	d.haveFirstError = false
}

func isTransient(err error) bool {
	return rerrors.IsTimeout(err)
}
