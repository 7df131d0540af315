package audio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
	"github.com/mohammednazmy/VoiceAssist-sub012/internal/logging"
	"go.uber.org/multierr"
)

const deliverQueueFrames = 8

// PortAudioSink runs a duplex portaudio stream. The capture half of each
// callback is pushed through the attached FrameProcessor and the cleaned
// frame is handed to the delivery callback on a separate goroutine, so the
// audio callback never blocks on downstream consumers. The playback half
// drains the queue fed by QueuePlayback.
type PortAudioSink struct {
	sampleRate int
	frameSize  int
	queueCap   int

	deliver   func([]float32)
	deliverCh chan []float32

	mu        sync.Mutex
	processor FrameProcessor
	stream    *portaudio.Stream
	state     SinkState
	play      []float32
	playHead  int
	stopCh    chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once

	framesProcessed   atomic.Uint64
	playbackUnderruns atomic.Uint64
	playbackDrops     atomic.Uint64
	deliverySkips     atomic.Uint64
}

// NewPortAudioSink prepares a duplex sink. deliver receives each cleaned
// capture frame and may be nil when the caller only wants playback.
// maxQueuedFrames bounds the playback queue; older audio is dropped first
// when a burst overflows it.
func NewPortAudioSink(sampleRate, frameSize, maxQueuedFrames int, deliver func([]float32)) (*PortAudioSink, error) {
	if sampleRate <= 0 || frameSize <= 0 {
		return nil, errors.New("sample rate and frame size must be positive")
	}
	if maxQueuedFrames <= 0 {
		maxQueuedFrames = 16
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}
	return &PortAudioSink{
		sampleRate: sampleRate,
		frameSize:  frameSize,
		queueCap:   maxQueuedFrames * frameSize,
		deliver:    deliver,
		deliverCh:  make(chan []float32, deliverQueueFrames),
		state:      SinkIdle,
		closeCh:    make(chan struct{}),
	}, nil
}

// Attach installs the processor invoked on every capture frame. May be
// called before Start or between Reset and Start.
func (s *PortAudioSink) Attach(p FrameProcessor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SinkClosed {
		return errors.New("sink is closed")
	}
	s.processor = p
	return nil
}

// Configure changes the stream geometry. Only legal while the sink is idle.
func (s *PortAudioSink) Configure(sampleRate, frameSize int) error {
	if sampleRate <= 0 || frameSize <= 0 {
		return errors.New("sample rate and frame size must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case SinkRunning:
		return errors.New("cannot configure a running sink")
	case SinkClosed:
		return errors.New("sink is closed")
	}
	s.sampleRate = sampleRate
	if frameSize != s.frameSize {
		frames := s.queueCap / s.frameSize
		s.frameSize = frameSize
		s.queueCap = frames * frameSize
		s.play = nil
		s.playHead = 0
	}
	return nil
}

// Start opens the duplex stream and begins processing. The delivery goroutine
// runs until ctx is canceled or the sink is reset or closed.
func (s *PortAudioSink) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.state == SinkClosed {
		s.mu.Unlock()
		return errors.New("sink is closed")
	}
	if s.state == SinkRunning {
		s.mu.Unlock()
		return errors.New("sink already running")
	}

	stream, err := portaudio.OpenDefaultStream(1, 1, float64(s.sampleRate), s.frameSize, s.duplexCallback)
	if err != nil {
		s.mu.Unlock()
		logging.Errorf("PortAudioSink: failed to open duplex stream: %v", err)
		return err
	}
	if err := stream.Start(); err != nil {
		s.mu.Unlock()
		stream.Close()
		logging.Errorf("PortAudioSink: failed to start duplex stream: %v", err)
		return err
	}
	s.stream = stream
	s.state = SinkRunning
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	s.mu.Unlock()

	if s.deliver != nil {
		go s.deliveryLoop(ctx, stopCh)
	}

	logging.Infof("PortAudioSink: started duplex stream (rate=%d, frame=%d)", s.sampleRate, s.frameSize)
	return nil
}

func (s *PortAudioSink) deliveryLoop(ctx context.Context, stopCh chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeCh:
			return
		case <-stopCh:
			return
		case frame := <-s.deliverCh:
			s.deliver(frame)
		}
	}
}

// QueuePlayback appends samples to the playback queue. The oldest queued
// audio is dropped when the queue is full, so a stalled device cannot grow
// memory without bound.
func (s *PortAudioSink) QueuePlayback(samples []float32) {
	if len(samples) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SinkClosed {
		return
	}

	live := len(s.play) - s.playHead
	if excess := live + len(samples) - s.queueCap; excess > 0 {
		if excess >= live {
			s.play = s.play[:0]
			s.playHead = 0
			s.playbackDrops.Add(uint64(live))
		} else {
			s.playHead += excess
			s.playbackDrops.Add(uint64(excess))
		}
		if len(samples) > s.queueCap {
			s.playbackDrops.Add(uint64(len(samples) - s.queueCap))
			samples = samples[len(samples)-s.queueCap:]
		}
	}

	if s.playHead > 0 && s.playHead >= len(s.play)/2 {
		n := copy(s.play, s.play[s.playHead:])
		s.play = s.play[:n]
		s.playHead = 0
	}
	s.play = append(s.play, samples...)
}

func (s *PortAudioSink) duplexCallback(in, out []float32) {
	s.mu.Lock()
	processor := s.processor

	live := len(s.play) - s.playHead
	n := live
	if n > len(out) {
		n = len(out)
	}
	copy(out, s.play[s.playHead:s.playHead+n])
	s.playHead += n
	if s.playHead == len(s.play) {
		s.play = s.play[:0]
		s.playHead = 0
	}
	s.mu.Unlock()

	for i := n; i < len(out); i++ {
		out[i] = 0
	}
	if n > 0 && n < len(out) {
		s.playbackUnderruns.Add(1)
	}

	if processor == nil {
		return
	}
	cleaned := processor.ProcessCaptureFrame(in)
	s.framesProcessed.Add(1)

	if s.deliver == nil || len(cleaned) == 0 {
		return
	}
	cp := make([]float32, len(cleaned))
	copy(cp, cleaned)
	select {
	case s.deliverCh <- cp:
	default:
		s.deliverySkips.Add(1)
	}
}

// Reset stops the stream and discards queued playback. The sink returns to
// idle and may be reconfigured and started again. Counters are preserved.
func (s *PortAudioSink) Reset() error {
	s.mu.Lock()
	if s.state == SinkClosed {
		s.mu.Unlock()
		return errors.New("sink is closed")
	}
	stream := s.stream
	s.stream = nil
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	s.state = SinkIdle
	s.play = s.play[:0]
	s.playHead = 0
	s.mu.Unlock()

	s.drainDeliveries()

	var err error
	if stream != nil {
		if stopErr := stream.Stop(); stopErr != nil {
			err = multierr.Append(err, stopErr)
		}
		if closeErr := stream.Close(); closeErr != nil {
			err = multierr.Append(err, closeErr)
		}
	}
	return err
}

// Close tears down the stream and releases portaudio. Idempotent.
func (s *PortAudioSink) Close() error {
	var err error

	s.mu.Lock()
	if s.state == SinkClosed {
		s.mu.Unlock()
		return nil
	}
	stream := s.stream
	s.stream = nil
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	s.state = SinkClosed
	s.play = nil
	s.playHead = 0
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		close(s.closeCh)
	})
	s.drainDeliveries()

	if stream != nil {
		if stopErr := stream.Stop(); stopErr != nil {
			err = multierr.Append(err, stopErr)
		}
		if closeErr := stream.Close(); closeErr != nil {
			err = multierr.Append(err, closeErr)
		}
	}

	err = multierr.Append(err, portaudio.Terminate())
	return err
}

func (s *PortAudioSink) drainDeliveries() {
	for {
		select {
		case <-s.deliverCh:
		default:
			return
		}
	}
}

// State reports the current lifecycle state.
func (s *PortAudioSink) State() SinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot of the sink counters.
func (s *PortAudioSink) Stats() SinkStats {
	return SinkStats{
		FramesProcessed:   s.framesProcessed.Load(),
		PlaybackUnderruns: s.playbackUnderruns.Load(),
		PlaybackDrops:     s.playbackDrops.Load(),
		DeliverySkips:     s.deliverySkips.Load(),
	}
}
