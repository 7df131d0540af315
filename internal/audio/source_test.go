package audio

import (
	"context"
	"errors"
	"testing"
	"time"
)

// blockingStream simulates a portaudio stream whose Read blocks until
// Abort is called, mirroring real blocking-read behavior.
type blockingStream struct {
	readStarted chan struct{}
	abortCalled chan struct{}
	readErr     chan error
}

func newBlockingStream() *blockingStream {
	return &blockingStream{
		readStarted: make(chan struct{}),
		abortCalled: make(chan struct{}),
		readErr:     make(chan error, 1),
	}
}

func (s *blockingStream) Start() error { return nil }

func (s *blockingStream) Read() error {
	close(s.readStarted)
	return <-s.readErr
}

func (s *blockingStream) Abort() error {
	close(s.abortCalled)
	s.readErr <- errors.New("aborted")
	return nil
}

func (s *blockingStream) Stop() error  { return nil }
func (s *blockingStream) Close() error { return nil }

func TestMicrophoneSourceReadCanceled(t *testing.T) {
	stream := newBlockingStream()
	buffer := make([]int16, 256)
	source := newMicrophoneSourceWithStream(stream, 16000, len(buffer), buffer)

	ctx, cancel := context.WithCancel(context.Background())

	readDone := make(chan error, 1)
	go func() {
		_, err := source.ReadFrame(ctx)
		readDone <- err
	}()

	select {
	case <-stream.readStarted:
	case <-time.After(time.Second):
		t.Fatal("stream.Read was never called")
	}

	cancel()

	select {
	case err := <-readDone:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("ReadFrame error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ReadFrame did not return after cancel")
	}

	select {
	case <-stream.abortCalled:
	case <-time.After(time.Second):
		t.Fatal("stream.Abort was never called on cancel")
	}
}

// fixedStream returns immediately with whatever is in the shared buffer.
type fixedStream struct {
	buffer []int16
	fill   []int16
}

func (s *fixedStream) Start() error { return nil }

func (s *fixedStream) Read() error {
	copy(s.buffer, s.fill)
	return nil
}

func (s *fixedStream) Abort() error { return nil }
func (s *fixedStream) Stop() error  { return nil }
func (s *fixedStream) Close() error { return nil }

func TestMicrophoneSourceReadFrameConverts(t *testing.T) {
	buffer := make([]int16, 4)
	stream := &fixedStream{
		buffer: buffer,
		fill:   []int16{0, 16384, -16384, 32767},
	}
	source := newMicrophoneSourceWithStream(stream, 16000, len(buffer), buffer)

	frame, err := source.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if len(frame) != len(buffer) {
		t.Fatalf("frame length = %d, want %d", len(frame), len(buffer))
	}

	want := []float32{0, 0.5, -0.5, 32767.0 / 32768.0}
	for i, v := range want {
		if diff := frame[i] - v; diff > 1e-6 || diff < -1e-6 {
			t.Errorf("frame[%d] = %v, want %v", i, frame[i], v)
		}
	}
}

func TestMicrophoneSourceCloseUnblocksRead(t *testing.T) {
	stream := newBlockingStream()
	buffer := make([]int16, 256)
	source := newMicrophoneSourceWithStream(stream, 16000, len(buffer), buffer)

	readDone := make(chan error, 1)
	go func() {
		_, err := source.ReadFrame(context.Background())
		readDone <- err
	}()

	select {
	case <-stream.readStarted:
	case <-time.After(time.Second):
		t.Fatal("stream.Read was never called")
	}

	if err := source.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case err := <-readDone:
		if err == nil {
			t.Fatal("ReadFrame returned nil error after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("ReadFrame did not return after Close")
	}
}
