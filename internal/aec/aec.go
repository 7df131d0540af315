// Package aec removes the assistant's own synthesized speech from the
// microphone signal so the user can interrupt naturally. The canceller is a
// single full-band NLMS adaptive filter fed by a delay-compensated speaker
// reference, wrapped in a per-frame manager that tracks ERLE, double-talk
// and noise statistics.
package aec

import "time"

// State is the lifecycle state of an echo cancellation session.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateActive
	StateResizing
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateInitializing:
		return "Initializing"
	case StateActive:
		return "Active"
	case StateResizing:
		return "Resizing"
	case StateDisposed:
		return "Disposed"
	default:
		return "Unknown"
	}
}

// EventType identifies manager notifications pushed to subscribers.
type EventType int

const (
	EventTypeInitialized EventType = iota
	EventTypeError
	EventTypeStateChanged
	EventTypeDoubleTalkStart
	EventTypeDoubleTalkEnd
	EventTypeDelayUpdated
)

func (t EventType) String() string {
	switch t {
	case EventTypeInitialized:
		return "initialized"
	case EventTypeError:
		return "error"
	case EventTypeStateChanged:
		return "state_change"
	case EventTypeDoubleTalkStart:
		return "double_talk_start"
	case EventTypeDoubleTalkEnd:
		return "double_talk_end"
	case EventTypeDelayUpdated:
		return "delay_updated"
	default:
		return "unknown"
	}
}

// Event is a manager notification.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// EventHandler receives manager notifications. Handlers run on their own
// goroutines and must not assume delivery order.
type EventHandler func(event Event)

// Result is the per-frame output of Process. Audio may alias internal
// scratch buffers and is only valid until the next Process call.
type Result struct {
	Audio       []float32
	EchoRemoved bool
	Suppression float64 // attenuation applied by the noise gate, dB
	DoubleTalk  bool
	LatencyMs   float64
}

// Metrics is a read-only snapshot of canceller state.
type Metrics struct {
	Active          bool
	ERLE            float64 // smoothed echo return loss enhancement, dB
	DoubleTalk      bool
	DelaySamples    int
	NoiseFloor      float64 // dB
	FramesProcessed uint64
	AvgFrameMs      float64 // rolling average over recent frames
	Converged       bool
}

// DelayEstimate is one cross-correlation measurement. Confidence is the
// normalized correlation peak in [0,1].
type DelayEstimate struct {
	DelaySamples int
	DelayMs      float64
	Confidence   float64
}
