package aec

import (
	"fmt"
	"math"
	"sync"
)

const (
	agcAttack  = 0.99
	agcRelease = 1.0001
	agcGainMin = 0.1
	agcGainMax = 10.0

	delaySmoothing     = 0.9
	delayMinConfidence = 0.3
	coarseDelayStep    = 8
)

// ReferenceConfig configures the far-end reference buffer.
type ReferenceConfig struct {
	Capacity        int     `json:"capacity"` // samples
	SampleRate      int     `json:"sample_rate"`
	AGCEnabled      bool    `json:"agc_enabled"`
	AGCTargetDb     float64 `json:"agc_target_db"`
	DelayEstimation bool    `json:"delay_estimation"`
	MaxDelay        int     `json:"max_delay"` // samples
}

func (c ReferenceConfig) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("reference capacity must be positive, got %d", c.Capacity)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.MaxDelay < 0 || c.MaxDelay >= c.Capacity {
		return fmt.Errorf("max delay must be in [0, capacity), got %d with capacity %d", c.MaxDelay, c.Capacity)
	}
	return nil
}

// SpeakerReference buffers played far-end audio so a time-aligned reference
// can be handed to the adaptive filter. Writes arrive from the playback
// path and reads from the capture path, so all access is serialized with an
// internal mutex.
type SpeakerReference struct {
	config ReferenceConfig

	mu       sync.Mutex
	buf      []float32
	writePos int
	readPos  int
	live     int

	gain       float64
	delay      float64 // smoothed delay estimate, samples
	confidence float64
	playing    bool

	overruns  uint64
	underruns uint64

	readScratch []float32
}

func NewSpeakerReference(config ReferenceConfig) (*SpeakerReference, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &SpeakerReference{
		config: config,
		buf:    make([]float32, config.Capacity),
		gain:   1.0,
	}, nil
}

// Write gain-controls the samples and appends them to the ring, dropping
// the oldest unread audio on overflow. The AGC is asymmetric: gain backs
// off quickly when a sample would exceed the target level and recovers
// slowly otherwise, clamped to [0.1, 10].
func (r *SpeakerReference) Write(samples []float32) {
	if len(samples) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	capLen := len(r.buf)
	target := dbToLinear(r.config.AGCTargetDb)

	for _, s := range samples {
		v := s
		if r.config.AGCEnabled {
			if math.Abs(float64(s))*r.gain > target {
				r.gain *= agcAttack
			} else {
				r.gain *= agcRelease
			}
			if r.gain < agcGainMin {
				r.gain = agcGainMin
			} else if r.gain > agcGainMax {
				r.gain = agcGainMax
			}
			v = float32(float64(s) * r.gain)
		}

		if r.live == capLen {
			r.readPos++
			if r.readPos == capLen {
				r.readPos = 0
			}
			r.live--
			r.overruns++
		}

		r.buf[r.writePos] = v
		r.writePos++
		if r.writePos == capLen {
			r.writePos = 0
		}
		r.live++
	}

	r.playing = true
}

// Read returns length samples starting at the delay-compensated cursor,
// zero-filling any shortfall past the live count. The cursor advances by
// what was actually consumed, never past the write cursor. The returned
// slice is reused across calls.
func (r *SpeakerReference) Read(length int) []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cap(r.readScratch) < length {
		r.readScratch = make([]float32, length)
	}
	out := r.readScratch[:length]

	capLen := len(r.buf)
	consumed := length
	if consumed > r.live {
		consumed = r.live
	}

	idx := r.readPos - r.delaySamples()
	for idx < 0 {
		idx += capLen
	}
	for i := 0; i < consumed; i++ {
		out[i] = r.buf[idx]
		idx++
		if idx == capLen {
			idx = 0
		}
	}
	for i := consumed; i < length; i++ {
		out[i] = 0
	}
	if consumed < length {
		r.underruns += uint64(length - consumed)
	}

	r.readPos += consumed
	if r.readPos >= capLen {
		r.readPos -= capLen
	}
	r.live -= consumed
	if r.live == 0 {
		r.playing = false
	}

	return out
}

// EstimateDelay measures the echo-path delay by maximizing normalized
// cross-correlation between the microphone frame and delayed reference
// segments. The search is two-pass: a coarse scan at 8-sample steps over
// the full range, then a single-step refinement around the coarse peak.
// The internal smoothed delay only adopts peaks above the confidence floor,
// so silence and babble cannot drag the estimate around. Returns false when
// estimation is disabled or the buffer holds less than one frame.
func (r *SpeakerReference) EstimateDelay(mic []float32) (DelayEstimate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.config.DelayEstimation || len(mic) == 0 || r.live < len(mic) {
		return DelayEstimate{}, false
	}

	var micEnergy float64
	for _, s := range mic {
		micEnergy += float64(s) * float64(s)
	}
	if micEnergy == 0 {
		return DelayEstimate{}, false
	}

	bestDelay := 0
	bestCorr := math.Inf(-1)
	for d := 0; d <= r.config.MaxDelay; d += coarseDelayStep {
		if corr := r.correlationAt(mic, micEnergy, d); corr > bestCorr {
			bestCorr = corr
			bestDelay = d
		}
	}

	fineLo := bestDelay - coarseDelayStep
	if fineLo < 0 {
		fineLo = 0
	}
	fineHi := bestDelay + coarseDelayStep
	if fineHi > r.config.MaxDelay {
		fineHi = r.config.MaxDelay
	}
	for d := fineLo; d < fineHi; d++ {
		if corr := r.correlationAt(mic, micEnergy, d); corr > bestCorr {
			bestCorr = corr
			bestDelay = d
		}
	}

	if bestCorr > delayMinConfidence {
		r.delay = delaySmoothing*r.delay + (1-delaySmoothing)*float64(bestDelay)
		r.confidence = bestCorr
	}

	return DelayEstimate{
		DelaySamples: bestDelay,
		DelayMs:      float64(bestDelay) * 1000 / float64(r.config.SampleRate),
		Confidence:   bestCorr,
	}, true
}

func (r *SpeakerReference) correlationAt(mic []float32, micEnergy float64, delay int) float64 {
	capLen := len(r.buf)
	idx := r.readPos - delay
	for idx < 0 {
		idx += capLen
	}

	var cross, refEnergy float64
	for _, m := range mic {
		ref := float64(r.buf[idx])
		cross += float64(m) * ref
		refEnergy += ref * ref
		idx++
		if idx == capLen {
			idx = 0
		}
	}
	if refEnergy == 0 {
		return 0
	}
	return cross / math.Sqrt(refEnergy*micEnergy)
}

func (r *SpeakerReference) delaySamples() int {
	return int(math.Round(r.delay))
}

// Delay returns the current smoothed delay estimate in samples.
func (r *SpeakerReference) Delay() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delaySamples()
}

// Confidence returns the correlation confidence of the last adopted delay.
func (r *SpeakerReference) Confidence() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confidence
}

// Gain returns the current AGC gain.
func (r *SpeakerReference) Gain() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gain
}

// Live returns the number of unread samples.
func (r *SpeakerReference) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

// Fill returns the live fraction of the buffer in [0,1].
func (r *SpeakerReference) Fill() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return float64(r.live) / float64(len(r.buf))
}

// IsPlaying reports whether unread far-end audio remains.
func (r *SpeakerReference) IsPlaying() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playing
}

func (r *SpeakerReference) Overruns() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overruns
}

func (r *SpeakerReference) Underruns() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.underruns
}

func (r *SpeakerReference) Config() ReferenceConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config
}

// UpdateConfig applies a new configuration. A capacity change resizes the
// ring while keeping the most recent samples in chronological order.
func (r *SpeakerReference) UpdateConfig(config ReferenceConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if config.Capacity != len(r.buf) {
		keep := r.live
		if keep > config.Capacity {
			keep = config.Capacity
		}

		old := r.buf
		oldCap := len(old)
		start := r.writePos - keep
		for start < 0 {
			start += oldCap
		}

		buf := make([]float32, config.Capacity)
		for i := 0; i < keep; i++ {
			buf[i] = old[(start+i)%oldCap]
		}

		r.buf = buf
		r.readPos = 0
		r.writePos = keep % config.Capacity
		r.live = keep
	}

	if r.delay > float64(config.MaxDelay) {
		r.delay = float64(config.MaxDelay)
	}
	r.config = config
	return nil
}

// Reset clears the buffer, cursors, gain and counters without reallocating.
func (r *SpeakerReference) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.buf {
		r.buf[i] = 0
	}
	r.writePos = 0
	r.readPos = 0
	r.live = 0
	r.gain = 1.0
	r.delay = 0
	r.confidence = 0
	r.playing = false
	r.overruns = 0
	r.underruns = 0
}

func dbToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}
