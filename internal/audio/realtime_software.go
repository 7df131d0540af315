package audio

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/mohammednazmy/VoiceAssist-sub012/internal/logging"
	"go.uber.org/multierr"
)

// SoftwareSink drives a Source through the attached FrameProcessor on its own
// goroutine. It exists for headless runs and diagnostics where no duplex
// device is available: playback is forwarded to an optional handler instead
// of a device, and cleaned capture frames go straight to the delivery
// callback.
type SoftwareSink struct {
	source   Source
	deliver  func([]float32)
	playback func([]float32)

	mu        sync.Mutex
	processor FrameProcessor
	state     SinkState
	cancel    context.CancelFunc
	doneCh    chan struct{}
	closed    bool

	framesProcessed atomic.Uint64
	playbackDrops   atomic.Uint64
}

// NewSoftwareSink wires a capture source to delivery and playback callbacks.
// Either callback may be nil; playback samples are discarded when no handler
// is installed.
func NewSoftwareSink(source Source, deliver, playback func([]float32)) *SoftwareSink {
	return &SoftwareSink{
		source:   source,
		deliver:  deliver,
		playback: playback,
		state:    SinkIdle,
	}
}

func (s *SoftwareSink) Attach(p FrameProcessor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SinkClosed {
		return errors.New("sink is closed")
	}
	s.processor = p
	return nil
}

// Configure is accepted for interface compatibility. Frame geometry follows
// whatever the source produces.
func (s *SoftwareSink) Configure(sampleRate, frameSize int) error {
	if sampleRate <= 0 || frameSize <= 0 {
		return errors.New("sample rate and frame size must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SinkRunning {
		return errors.New("cannot configure a running sink")
	}
	if s.state == SinkClosed {
		return errors.New("sink is closed")
	}
	return nil
}

// Start begins pumping the source. The pump stops when ctx is canceled, the
// source is exhausted, or the sink is reset or closed.
func (s *SoftwareSink) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SinkClosed {
		return errors.New("sink is closed")
	}
	if s.state == SinkRunning {
		return errors.New("sink already running")
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.doneCh = done
	s.state = SinkRunning

	go s.pump(pumpCtx, done)
	return nil
}

func (s *SoftwareSink) pump(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		s.mu.Lock()
		if s.state == SinkRunning {
			s.state = SinkIdle
		}
		s.mu.Unlock()
	}()

	for {
		frame, err := s.source.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			logging.Errorf("SoftwareSink: source read failed: %v", err)
			return
		}

		s.mu.Lock()
		processor := s.processor
		s.mu.Unlock()

		if processor == nil {
			continue
		}
		cleaned := processor.ProcessCaptureFrame(frame)
		s.framesProcessed.Add(1)
		if s.deliver != nil && len(cleaned) > 0 {
			s.deliver(cleaned)
		}
	}
}

// QueuePlayback hands samples to the playback handler. Samples are dropped
// when no handler is installed.
func (s *SoftwareSink) QueuePlayback(samples []float32) {
	if len(samples) == 0 {
		return
	}
	if s.playback == nil {
		s.playbackDrops.Add(uint64(len(samples)))
		return
	}
	s.playback(samples)
}

// Reset stops the pump and returns the sink to idle.
func (s *SoftwareSink) Reset() error {
	s.mu.Lock()
	if s.state == SinkClosed {
		s.mu.Unlock()
		return errors.New("sink is closed")
	}
	cancel := s.cancel
	done := s.doneCh
	s.cancel = nil
	s.doneCh = nil
	s.state = SinkIdle
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return nil
}

// Close stops the pump and closes the source. Idempotent.
func (s *SoftwareSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	done := s.doneCh
	s.cancel = nil
	s.doneCh = nil
	s.state = SinkClosed
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	var err error
	if s.source != nil {
		err = multierr.Append(err, s.source.Close())
	}
	return err
}

func (s *SoftwareSink) State() SinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *SoftwareSink) Stats() SinkStats {
	return SinkStats{
		FramesProcessed: s.framesProcessed.Load(),
		PlaybackDrops:   s.playbackDrops.Load(),
	}
}
