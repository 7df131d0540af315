package aec

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/mohammednazmy/VoiceAssist-sub012/internal/audio"
	"github.com/mohammednazmy/VoiceAssist-sub012/internal/logging"
	"github.com/mohammednazmy/VoiceAssist-sub012/internal/privacy"
	"go.uber.org/multierr"
)

const (
	delayEstimationInterval  = 10 // frames
	delayEstimationMinFill   = 0.1
	delayAdoptConfidence     = 0.5
	doubleTalkErrorThreshold = 0.2
	erleSmoothing            = 0.9
	latencyWindowFrames      = 100
)

// Config is the top-level echo cancellation configuration. Zero values in
// the Reference section are derived from the session geometry: capacity
// defaults to two seconds of audio and the searchable delay range to
// MaxEchoDelayMs.
type Config struct {
	Enabled        bool `json:"enabled"`
	SampleRate     int  `json:"sample_rate"`
	FrameSize      int  `json:"frame_size"`
	MaxEchoDelayMs int  `json:"max_echo_delay_ms"`

	Filter    FilterConfig    `json:"filter"`
	Reference ReferenceConfig `json:"reference"`

	NoiseSuppression      bool    `json:"noise_suppression"`
	NoiseSuppressionLevel float64 `json:"noise_suppression_level"`
	ComfortNoise          bool    `json:"comfort_noise"`
	ComfortNoiseLevel     float64 `json:"comfort_noise_level"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		SampleRate:     16000,
		FrameSize:      256,
		MaxEchoDelayMs: 250,
		Filter:         DefaultFilterConfig(),
		Reference: ReferenceConfig{
			AGCEnabled:      true,
			AGCTargetDb:     -18,
			DelayEstimation: true,
		},
		NoiseSuppression:      true,
		NoiseSuppressionLevel: 0.5,
		ComfortNoise:          true,
		ComfortNoiseLevel:     -60,
	}
}

func (c *Config) normalize() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.FrameSize <= 0 {
		return fmt.Errorf("frame size must be positive, got %d", c.FrameSize)
	}
	if c.MaxEchoDelayMs < 0 {
		return fmt.Errorf("max echo delay must be non-negative, got %d ms", c.MaxEchoDelayMs)
	}
	if c.NoiseSuppressionLevel < 0 || c.NoiseSuppressionLevel > 1 {
		return fmt.Errorf("noise suppression level must be in [0,1], got %v", c.NoiseSuppressionLevel)
	}
	if err := c.Filter.Validate(); err != nil {
		return err
	}

	if c.Reference.SampleRate == 0 {
		c.Reference.SampleRate = c.SampleRate
	}
	if c.Reference.Capacity == 0 {
		c.Reference.Capacity = 2 * c.SampleRate
	}
	if c.Reference.MaxDelay == 0 {
		c.Reference.MaxDelay = c.MaxEchoDelayMs * c.SampleRate / 1000
	}
	return c.Reference.Validate()
}

// Calibration is a one-shot tuning recommendation derived from the
// currently measured echo path. It is reported, never applied
// automatically.
type Calibration struct {
	MeasuredDelaySamples    int
	MeasuredDelayMs         float64
	Confidence              float64
	RecommendedMaxDelayMs   int
	RecommendedFilterLength int
}

// Manager owns one canceller session: the adaptive filter, the speaker
// reference, the privacy filter and all per-frame statistics. One Manager
// serves one voice session and is never shared across sessions.
type Manager struct {
	mu     sync.Mutex
	config Config

	sm        *StateMachine
	filter    *AdaptiveFilter
	reference *SpeakerReference
	privacy   *privacy.Filter
	noise     *noiseShaper
	registry  *eventRegistry

	sink             audio.RealtimeSink
	realtimeAttached bool

	erle         float64
	doubleTalk   bool
	doubleTalkAt time.Time
	delaySamples int
	frames       uint64

	latencies    [latencyWindowFrames]float64
	latencyIdx   int
	latencyCount int
	latencySum   float64
}

func NewManager(config Config, privacyConfig privacy.Config) (*Manager, error) {
	if err := config.normalize(); err != nil {
		return nil, err
	}

	filter, err := NewAdaptiveFilter(config.Filter)
	if err != nil {
		return nil, err
	}
	reference, err := NewSpeakerReference(config.Reference)
	if err != nil {
		return nil, err
	}
	priv, err := privacy.New(privacyConfig)
	if err != nil {
		return nil, err
	}

	return &Manager{
		config:    config,
		sm:        NewStateMachine(),
		filter:    filter,
		reference: reference,
		privacy:   priv,
		noise: newNoiseShaper(config.NoiseSuppression, config.NoiseSuppressionLevel,
			config.ComfortNoise, config.ComfortNoiseLevel),
		registry: newEventRegistry(),
	}, nil
}

// Initialize prepares the privacy filter and attaches to the host's
// real-time sink. A missing or failing sink is never fatal: the manager
// falls back to software-path processing and still goes active, reporting
// the attachment outcome through the initialized event.
func (m *Manager) Initialize(ctx context.Context, sink audio.RealtimeSink) error {
	m.mu.Lock()
	if !m.transitionToLocked(StateInitializing) {
		state := m.sm.GetCurrentState()
		m.mu.Unlock()
		return fmt.Errorf("cannot initialize from state %s", state)
	}
	m.mu.Unlock()

	if err := m.privacy.Initialize(ctx); err != nil {
		m.mu.Lock()
		m.transitionToLocked(StateUninitialized)
		m.mu.Unlock()
		return fmt.Errorf("initialize privacy filter: %w", err)
	}

	attached := false
	if sink != nil {
		if err := sink.Attach(m); err != nil {
			logging.Warnf("EchoCancellation: realtime sink attach failed, using software path: %v", err)
			m.registry.publish(NewErrorEvent("attach realtime sink", err))
		} else {
			attached = true
		}
	}

	m.mu.Lock()
	if attached {
		m.sink = sink
	}
	m.realtimeAttached = attached
	m.transitionToLocked(StateActive)
	m.mu.Unlock()

	m.registry.publish(NewInitializedEvent(attached))
	logging.Infof("EchoCancellation: initialized (realtime=%v, filterLength=%d, sampleRate=%d, frameSize=%d)",
		attached, m.config.Filter.Length, m.config.SampleRate, m.config.FrameSize)
	return nil
}

// ProcessCaptureFrame implements audio.FrameProcessor.
func (m *Manager) ProcessCaptureFrame(mic []float32) []float32 {
	return m.Process(mic).Audio
}

// Process runs one microphone frame through the canceller and returns the
// cleaned frame with per-frame flags. It never fails: when the session is
// inactive or disabled the frame passes through unmodified, and filter
// divergence surfaces as an error event alongside a pass-through result.
// Result.Audio may alias internal scratch, valid until the next call.
func (m *Manager) Process(mic []float32) Result {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.config.Enabled || m.sm.GetCurrentState() != StateActive || len(mic) == 0 {
		return Result{Audio: mic}
	}

	m.frames++

	if m.config.Reference.DelayEstimation &&
		m.frames%delayEstimationInterval == 0 &&
		m.reference.Fill() >= delayEstimationMinFill {
		if est, ok := m.reference.EstimateDelay(mic); ok && est.Confidence >= delayAdoptConfidence {
			if d := m.reference.Delay(); d != m.delaySamples {
				m.delaySamples = d
				m.registry.publish(NewDelayUpdatedEvent(
					d, float64(d)*1000/float64(m.config.SampleRate), est.Confidence))
				logging.Debugf("EchoCancellation: delay updated to %d samples (confidence %.2f)", d, est.Confidence)
			}
		}
	}

	ref := m.reference.Read(len(mic))

	residual, err := m.filter.Process(mic, ref)
	if err != nil {
		logging.Warnf("EchoCancellation: %v", err)
		m.registry.publish(NewErrorEvent("adaptive filter", err))
		elapsed := elapsedMs(start)
		m.recordLatencyLocked(elapsed)
		return Result{Audio: mic, LatencyMs: elapsed}
	}

	inPower := meanPower(mic)
	outPower := meanPower(residual)
	if inPower > 1e-10 {
		if outPower < 1e-10 {
			outPower = 1e-10
		}
		m.erle = erleSmoothing*m.erle + (1-erleSmoothing)*10*math.Log10(inPower/outPower)
	}

	doubleTalk := m.filter.SmoothedError() > doubleTalkErrorThreshold
	if doubleTalk != m.doubleTalk {
		m.doubleTalk = doubleTalk
		if doubleTalk {
			m.doubleTalkAt = start
			m.registry.publish(NewDoubleTalkStartEvent())
		} else {
			m.registry.publish(NewDoubleTalkEndEvent(time.Since(m.doubleTalkAt)))
		}
	}

	suppressionDb := m.noise.process(residual)

	elapsed := elapsedMs(start)
	m.recordLatencyLocked(elapsed)

	return Result{
		Audio:       residual,
		EchoRemoved: true,
		Suppression: suppressionDb,
		DoubleTalk:  doubleTalk,
		LatencyMs:   elapsed,
	}
}

// FeedSpeakerReference records far-end audio about to be played. When a
// real-time sink is attached the samples are also queued for playback, so
// the playback path only needs this one call.
func (m *Manager) FeedSpeakerReference(samples []float32) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()

	m.reference.Write(samples)
	if sink != nil {
		sink.QueuePlayback(samples)
	}
}

// Calibrate derives a tuning recommendation from the measured delay: the
// searchable range doubles the observed delay and the filter should cover
// the delay plus one frame.
func (m *Manager) Calibrate() Calibration {
	m.mu.Lock()
	defer m.mu.Unlock()

	delay := m.reference.Delay()
	delayMs := float64(delay) * 1000 / float64(m.config.SampleRate)

	recMaxMs := int(math.Round(2 * delayMs))
	if recMaxMs < 50 {
		recMaxMs = 50
	} else if recMaxMs > 500 {
		recMaxMs = 500
	}

	recLen := delay + m.config.FrameSize
	if recLen < 128 {
		recLen = 128
	} else if recLen > 2048 {
		recLen = 2048
	}

	return Calibration{
		MeasuredDelaySamples:    delay,
		MeasuredDelayMs:         delayMs,
		Confidence:              m.reference.Confidence(),
		RecommendedMaxDelayMs:   recMaxMs,
		RecommendedFilterLength: recLen,
	}
}

// UpdateConfig applies a new configuration atomically relative to frame
// processing: the session passes through Resizing, so no frame can observe
// half-resized buffers. Only legal while active.
func (m *Manager) UpdateConfig(config Config) error {
	if err := config.normalize(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.transitionToLocked(StateResizing) {
		return fmt.Errorf("cannot update config in state %s", m.sm.GetCurrentState())
	}

	if err := m.filter.UpdateConfig(config.Filter); err != nil {
		m.transitionToLocked(StateActive)
		return err
	}
	if err := m.reference.UpdateConfig(config.Reference); err != nil {
		m.transitionToLocked(StateActive)
		return err
	}

	m.noise.suppression = config.NoiseSuppression
	m.noise.suppressionLevel = config.NoiseSuppressionLevel
	m.noise.comfort = config.ComfortNoise
	m.noise.comfortLevel = config.ComfortNoiseLevel

	m.config = config
	m.transitionToLocked(StateActive)
	logging.Infof("EchoCancellation: configuration updated (filterLength=%d, maxDelay=%dms)",
		config.Filter.Length, config.MaxEchoDelayMs)
	return nil
}

// Reset zeroes all learned state and statistics without reallocating or
// changing lifecycle state. Safe to call repeatedly.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.filter.Reset()
	m.reference.Reset()
	m.noise.reset()
	m.erle = 0
	m.doubleTalk = false
	m.delaySamples = 0
	m.frames = 0
	m.latencyIdx = 0
	m.latencyCount = 0
	m.latencySum = 0
	logging.Infof("EchoCancellation: reset")
}

// Dispose detaches from the host sink, destroys key material and drops all
// subscribers. Safe to call multiple times.
func (m *Manager) Dispose() error {
	m.mu.Lock()
	if m.sm.GetCurrentState() == StateDisposed {
		m.mu.Unlock()
		return nil
	}
	sink := m.sink
	m.sink = nil
	m.realtimeAttached = false
	m.transitionToLocked(StateDisposed)
	m.mu.Unlock()

	var err error
	if sink != nil {
		if detachErr := sink.Attach(nil); detachErr != nil {
			err = multierr.Append(err, fmt.Errorf("detach sink: %w", detachErr))
		}
	}
	err = multierr.Append(err, m.privacy.Dispose())
	m.registry.clear()
	logging.Infof("EchoCancellation: disposed")
	return err
}

// Metrics returns a snapshot of the running statistics.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	avg := 0.0
	if m.latencyCount > 0 {
		avg = m.latencySum / float64(m.latencyCount)
	}
	return Metrics{
		Active:          m.sm.GetCurrentState() == StateActive,
		ERLE:            m.erle,
		DoubleTalk:      m.doubleTalk,
		DelaySamples:    m.delaySamples,
		NoiseFloor:      m.noise.noiseFloor(),
		FramesProcessed: m.frames,
		AvgFrameMs:      avg,
		Converged:       m.filter.Converged(),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sm.GetCurrentState()
}

// Privacy exposes the session's privacy filter for the transport layer.
func (m *Manager) Privacy() *privacy.Filter {
	return m.privacy
}

func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// Subscribe registers an event handler and returns its subscription id.
func (m *Manager) Subscribe(handler EventHandler) int {
	return m.registry.subscribe(handler)
}

// Unsubscribe removes the handler registered under id.
func (m *Manager) Unsubscribe(id int) {
	m.registry.unsubscribe(id)
}

// transitionToLocked moves the state machine and publishes the change.
// Callers hold m.mu.
func (m *Manager) transitionToLocked(to State) bool {
	from := m.sm.GetCurrentState()
	if !m.sm.Transition(to) {
		return false
	}
	m.registry.publish(NewStateChangedEvent(from, to))
	return true
}

func (m *Manager) recordLatencyLocked(ms float64) {
	if m.latencyCount == latencyWindowFrames {
		m.latencySum -= m.latencies[m.latencyIdx]
	} else {
		m.latencyCount++
	}
	m.latencies[m.latencyIdx] = ms
	m.latencySum += ms
	m.latencyIdx = (m.latencyIdx + 1) % latencyWindowFrames
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

func meanPower(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return sum / float64(len(frame))
}
