package audio

import "context"

// FrameProcessor consumes one captured microphone frame and returns the
// processed frame. Implemented by the echo cancellation manager; the returned
// slice may alias processor-owned scratch and is only valid until the next
// call.
type FrameProcessor interface {
	ProcessCaptureFrame(mic []float32) []float32
}

// RealtimeSink is the host audio node the canceller binds to. Captured frames
// flow through the attached FrameProcessor inside the node's own delivery
// mechanism; everything else on this interface is control-plane and stays off
// the audio path.
type RealtimeSink interface {
	// Attach binds the processor. Must be called before Start.
	Attach(p FrameProcessor) error
	Start(ctx context.Context) error
	// Configure updates sample rate and frame size. Only legal while the
	// sink is not running.
	Configure(sampleRate, frameSize int) error
	Reset() error
	State() SinkState
	// QueuePlayback enqueues far-end audio for the output half. Oldest
	// samples are dropped when the queue is full.
	QueuePlayback(samples []float32)
	Close() error
}

// SinkState reports the lifecycle of a RealtimeSink.
type SinkState int

const (
	SinkIdle SinkState = iota
	SinkRunning
	SinkClosed
)

func (s SinkState) String() string {
	switch s {
	case SinkIdle:
		return "Idle"
	case SinkRunning:
		return "Running"
	case SinkClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// SinkStats counts delivery-side anomalies. Counters only grow while the
// sink lives; Reset zeroes them.
type SinkStats struct {
	FramesProcessed   uint64
	PlaybackUnderruns uint64
	PlaybackDrops     uint64
	DeliverySkips     uint64
}
