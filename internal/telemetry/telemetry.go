// Package telemetry exposes Prometheus metrics for every component's
// snapshot (reassembly.Metrics, decoder.Health, renderloop.Stats, and
// the rest). It follows the teacher/pack's escrow metrics package
// (Generativebots-ocx-backend-go-svc/internal/escrow/metrics.go) in
// shape — a struct of Prometheus vectors built once and updated from
// snapshot calls — but registers explicitly against an injected
// *prometheus.Registry instead of promauto's global default registry,
// so a nil registry yields a no-op recorder instead of panicking on
// double registration across tests and multiple streams.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder publishes per-stream snapshot metrics. A Recorder created
// with a nil *prometheus.Registry performs no-op recording, so callers
// need not special-case metrics-disabled configurations. Each
// component's SnapshotMetrics()/SnapshotHealth()/SnapshotStats() call
// returns an already-cumulative total, so every metric here is a Gauge
// set to that total rather than a Counter incremented by a delta.
type Recorder struct {
	reg *prometheus.Registry

	framesDelivered      *prometheus.GaugeVec
	droppedFrames        *prometheus.GaugeVec
	packetsDiscardedCRC  *prometheus.GaugeVec
	reassemblyInProgress *prometheus.GaugeVec

	decodeSubmitted   *prometheus.GaugeVec
	decodeCompleted   *prometheus.GaugeVec
	decodeErrored     *prometheus.GaugeVec
	decodeErrorStreak *prometheus.GaugeVec

	renderTicks          *prometheus.GaugeVec
	renderCapSkips       *prometheus.GaugeVec
	renderDrawableSkips  *prometheus.GaugeVec
	renderPresented      *prometheus.GaugeVec
	renderStaleDropped   *prometheus.GaugeVec
	renderSecondaryDraws *prometheus.GaugeVec

	controlQueueDepth *prometheus.GaugeVec
}

// NewRecorder builds a Recorder that registers its collectors against
// reg. Pass nil for metrics-disabled operation.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	r := &Recorder{reg: reg}
	if reg == nil {
		return r
	}

	r.framesDelivered = registerGaugeVec(reg, "airlink_reassembly_frames_delivered", "Frames fully reassembled and delivered to the decoder.", "stream_id")
	r.droppedFrames = registerGaugeVec(reg, "airlink_reassembly_dropped_frames", "Frames abandoned by the reassembler (loss/gap/duplicate).", "stream_id")
	r.packetsDiscardedCRC = registerGaugeVec(reg, "airlink_reassembly_packets_discarded_crc", "Fragments discarded for integrity check failure.", "stream_id")
	r.reassemblyInProgress = registerGaugeVec(reg, "airlink_reassembly_in_progress", "Frames currently being reassembled.", "stream_id")

	r.decodeSubmitted = registerGaugeVec(reg, "airlink_decoder_submitted", "Frames submitted to the decode backend.", "stream_id")
	r.decodeCompleted = registerGaugeVec(reg, "airlink_decoder_completed", "Frames the decode backend finished successfully.", "stream_id")
	r.decodeErrored = registerGaugeVec(reg, "airlink_decoder_errored", "Frames the decode backend failed.", "stream_id")
	r.decodeErrorStreak = registerGaugeVec(reg, "airlink_decoder_error_streak", "Current consecutive decode-error count.", "stream_id")

	r.renderTicks = registerGaugeVec(reg, "airlink_renderloop_ticks", "RenderLoop ticks processed.", "stream_id")
	r.renderCapSkips = registerGaugeVec(reg, "airlink_renderloop_cap_skips", "Ticks skipped for lack of an in-flight admission slot.", "stream_id")
	r.renderDrawableSkips = registerGaugeVec(reg, "airlink_renderloop_drawable_skips", "Ticks skipped for lack of a drawable slot.", "stream_id")
	r.renderPresented = registerGaugeVec(reg, "airlink_renderloop_presented", "Frames handed to the presenter.", "stream_id")
	r.renderStaleDropped = registerGaugeVec(reg, "airlink_renderloop_stale_dropped", "Frames dropped as stale relative to the last presented sequence.", "stream_id")
	r.renderSecondaryDraws = registerGaugeVec(reg, "airlink_renderloop_secondary_draws", "Secondary catch-up draws issued within one tick.", "stream_id")

	r.controlQueueDepth = registerGaugeVec(reg, "airlink_controlplane_queue_depth", "Pending entries in the control-message coalescing queue.", "session_id")

	return r
}

func registerGaugeVec(reg *prometheus.Registry, name, help string, labels ...string) *prometheus.GaugeVec {
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	reg.MustRegister(v)
	return v
}

// ReassemblySnapshot matches reassembly.Metrics's field shape without
// importing that package, keeping telemetry a leaf dependency.
type ReassemblySnapshot struct {
	FramesDelivered     uint64
	DroppedFrames       uint64
	PacketsDiscardedCRC uint64
	InProgress          int
}

// RecordReassembly publishes one stream's reassembler snapshot.
func (r *Recorder) RecordReassembly(streamID string, snap ReassemblySnapshot) {
	if r.reg == nil {
		return
	}
	r.framesDelivered.WithLabelValues(streamID).Set(float64(snap.FramesDelivered))
	r.droppedFrames.WithLabelValues(streamID).Set(float64(snap.DroppedFrames))
	r.packetsDiscardedCRC.WithLabelValues(streamID).Set(float64(snap.PacketsDiscardedCRC))
	r.reassemblyInProgress.WithLabelValues(streamID).Set(float64(snap.InProgress))
}

// DecodeHealthSnapshot matches decoder.Health's field shape.
type DecodeHealthSnapshot struct {
	Submitted   uint64
	Completed   uint64
	Errored     uint64
	ErrorStreak int
}

// RecordDecodeHealth publishes one stream's decoder health snapshot.
func (r *Recorder) RecordDecodeHealth(streamID string, snap DecodeHealthSnapshot) {
	if r.reg == nil {
		return
	}
	r.decodeSubmitted.WithLabelValues(streamID).Set(float64(snap.Submitted))
	r.decodeCompleted.WithLabelValues(streamID).Set(float64(snap.Completed))
	r.decodeErrored.WithLabelValues(streamID).Set(float64(snap.Errored))
	r.decodeErrorStreak.WithLabelValues(streamID).Set(float64(snap.ErrorStreak))
}

// RenderStatsSnapshot matches renderloop.Stats's field shape.
type RenderStatsSnapshot struct {
	Ticks          uint64
	CapSkips       uint64
	DrawableSkips  uint64
	Presented      uint64
	StaleDropped   uint64
	SecondaryDraws uint64
}

// RecordRenderStats publishes one stream's render-loop snapshot.
func (r *Recorder) RecordRenderStats(streamID string, snap RenderStatsSnapshot) {
	if r.reg == nil {
		return
	}
	r.renderTicks.WithLabelValues(streamID).Set(float64(snap.Ticks))
	r.renderCapSkips.WithLabelValues(streamID).Set(float64(snap.CapSkips))
	r.renderDrawableSkips.WithLabelValues(streamID).Set(float64(snap.DrawableSkips))
	r.renderPresented.WithLabelValues(streamID).Set(float64(snap.Presented))
	r.renderStaleDropped.WithLabelValues(streamID).Set(float64(snap.StaleDropped))
	r.renderSecondaryDraws.WithLabelValues(streamID).Set(float64(snap.SecondaryDraws))
}

// RecordControlQueueDepth publishes one session's control-queue depth.
func (r *Recorder) RecordControlQueueDepth(sessionID string, depth int) {
	if r.reg == nil {
		return
	}
	r.controlQueueDepth.WithLabelValues(sessionID).Set(float64(depth))
}
