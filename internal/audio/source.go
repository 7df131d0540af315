package audio

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/mohammednazmy/VoiceAssist-sub012/internal/logging"
)

// Source delivers captured microphone frames to the software-polled path.
// Returned frames may alias source-owned scratch, valid until the next call.
type Source interface {
	ReadFrame(ctx context.Context) ([]float32, error)
	Close() error
}

// MicrophoneSource captures mono frames from a portaudio input stream.
type MicrophoneSource struct {
	stream     audioStream
	sampleRate int
	frameSize  int
	buffer     []int16
	frame      []float32
	closeCh    chan struct{}
	closeOnce  sync.Once

	started   bool
	startOnce sync.Once
	startErr  error

	totalReads   int64
	blockedReads int64
	lastLogTime  time.Time
	mu           sync.Mutex
}

type audioStream interface {
	Start() error
	Read() error
	Abort() error
	Stop() error
	Close() error
}

// NewMicrophoneSource opens the default input device. The stream is not
// started until the first ReadFrame, which avoids input overflow when there
// is a gap between construction and the first read.
func NewMicrophoneSource(sampleRate, frameSize int) (*MicrophoneSource, error) {
	return NewMicrophoneSourceWithDevice(sampleRate, frameSize, false, "")
}

// NewMicrophoneSourceWithDevice opens a named input device (partial match,
// empty means default). highLatency selects the device's high-latency profile,
// which Bluetooth headsets tend to need.
func NewMicrophoneSourceWithDevice(sampleRate, frameSize int, highLatency bool, deviceName string) (*MicrophoneSource, error) {
	logging.Infof("MicrophoneSource: creating source (highLatency=%v, deviceName=%q)...", highLatency, deviceName)

	buffer := make([]int16, frameSize)

	var inputDevice *portaudio.DeviceInfo
	var err error

	if deviceName != "" {
		inputDevice, err = findInputDeviceByName(deviceName)
		if err != nil {
			logging.Warnf("MicrophoneSource: device %q not found, falling back to default: %v", deviceName, err)
			inputDevice = nil
		}
	}

	if inputDevice == nil {
		inputDevice, err = portaudio.DefaultInputDevice()
		if err != nil {
			logging.Errorf("MicrophoneSource: failed to get default input device: %v", err)
			stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), len(buffer), &buffer)
			if err != nil {
				return nil, err
			}
			return newMicrophoneSourceWithStream(stream, sampleRate, frameSize, buffer), nil
		}
	}

	latency := inputDevice.DefaultLowInputLatency
	latencyMode := "low"
	if highLatency {
		latency = inputDevice.DefaultHighInputLatency
		latencyMode = "high"
	}

	logging.Infof("MicrophoneSource: device=%s, %s latency=%.1fms",
		inputDevice.Name, latencyMode, latency.Seconds()*1000)

	streamParams := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   inputDevice,
			Channels: 1,
			Latency:  latency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: frameSize,
	}

	stream, err := portaudio.OpenStream(streamParams, &buffer)
	if err != nil {
		logging.Errorf("MicrophoneSource: failed to open stream with params: %v, falling back to default", err)
		stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), len(buffer), &buffer)
		if err != nil {
			return nil, err
		}
		return newMicrophoneSourceWithStream(stream, sampleRate, frameSize, buffer), nil
	}

	logging.Infof("MicrophoneSource: created with sampleRate=%d, frameSize=%d, latency=%s (stream not started yet)",
		sampleRate, frameSize, latencyMode)

	return newMicrophoneSourceWithStream(stream, sampleRate, frameSize, buffer), nil
}

func findInputDeviceByName(name string) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}

	nameLower := strings.ToLower(name)
	for _, dev := range devices {
		if dev.MaxInputChannels > 0 && strings.Contains(strings.ToLower(dev.Name), nameLower) {
			logging.Infof("MicrophoneSource: found device %q matching %q", dev.Name, name)
			return dev, nil
		}
	}

	return nil, fmt.Errorf("no input device found matching %q", name)
}

func newMicrophoneSourceWithStream(stream audioStream, sampleRate, frameSize int, buffer []int16) *MicrophoneSource {
	return &MicrophoneSource{
		stream:     stream,
		sampleRate: sampleRate,
		frameSize:  frameSize,
		buffer:     buffer,
		frame:      make([]float32, frameSize),
		closeCh:    make(chan struct{}),
	}
}

// Start starts the stream. Called automatically on first ReadFrame.
func (m *MicrophoneSource) Start() error {
	m.startOnce.Do(func() {
		if err := m.stream.Start(); err != nil {
			logging.Errorf("MicrophoneSource: failed to start stream: %v", err)
			m.startErr = err
			return
		}
		m.started = true
		logging.Infof("MicrophoneSource: stream started")
	})
	return m.startErr
}

// ReadFrame blocks for one device buffer and returns it as normalized floats.
func (m *MicrophoneSource) ReadFrame(ctx context.Context) ([]float32, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := m.Start(); err != nil {
		return nil, err
	}

	readStart := time.Now()
	readErr := make(chan error, 1)
	go func() {
		readErr <- m.stream.Read()
	}()

	select {
	case <-ctx.Done():
		m.abortStream("context canceled")
		return nil, ctx.Err()
	case <-m.closeCh:
		m.abortStream("source closed")
		return nil, io.EOF
	case err := <-readErr:
		m.recordReadMetrics(time.Since(readStart))

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			select {
			case <-m.closeCh:
				return nil, io.EOF
			default:
			}
			return nil, err
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	select {
	case <-m.closeCh:
		return nil, io.EOF
	default:
	}

	n := Int16ToFloat32(m.buffer, m.frame)
	return m.frame[:n], nil
}

func (m *MicrophoneSource) Close() error {
	logging.Infof("MicrophoneSource: closing...")

	m.closeOnce.Do(func() {
		close(m.closeCh)
	})

	if err := m.stream.Stop(); err != nil {
		logging.Errorf("MicrophoneSource: error stopping stream: %v", err)
	}

	if err := m.stream.Close(); err != nil {
		logging.Errorf("MicrophoneSource: error closing stream: %v", err)
	}

	// Portaudio termination is owned by the process, not the source.
	return nil
}

func (m *MicrophoneSource) abortStream(reason string) {
	if err := m.stream.Abort(); err != nil {
		logging.Errorf("MicrophoneSource: error aborting stream (%s): %v", reason, err)
	}
}

func (m *MicrophoneSource) recordReadMetrics(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalReads++

	expectedDuration := time.Duration(float64(m.frameSize)/float64(m.sampleRate)*1000) * time.Millisecond
	threshold := expectedDuration * 3

	if duration > threshold {
		m.blockedReads++
		logging.Warnf("MicrophoneSource: read blocked for %v (expected ~%v), blocked count: %d/%d",
			duration, expectedDuration, m.blockedReads, m.totalReads)
	}

	now := time.Now()
	if now.Sub(m.lastLogTime) >= 10*time.Second {
		m.lastLogTime = now
		blockRate := float64(m.blockedReads) / float64(m.totalReads) * 100
		logging.Infof("MicrophoneSource: metrics - total reads: %d, blocked: %d (%.1f%%)",
			m.totalReads, m.blockedReads, blockRate)
	}
}
