package aec

import (
	"errors"
	"fmt"
	"math"
)

// ErrFilterDiverged reports that coefficient energy went non-finite or past
// the sanity bound. The filter resets itself before returning it, so the
// caller only needs to surface the condition.
var ErrFilterDiverged = errors.New("adaptive filter coefficients diverged")

const (
	powerSmoothing      = 0.95
	errorSmoothing      = 0.9
	doubleTalkRateScale = 0.1

	convergedMinUpdates = 100
	convergedMaxError   = 0.1
	convergedMinEnergy  = 1e-4

	// Echo paths are lossy, so learned coefficient energy stays small.
	// Anything past this bound means the update loop went unstable.
	coeffEnergyBound = 1e4
)

// FilterConfig configures the NLMS adaptive filter.
type FilterConfig struct {
	Length              int     `json:"length"`
	StepSize            float64 `json:"step_size"`
	Regularization      float64 `json:"regularization"`
	DoubleTalkDetection bool    `json:"double_talk_detection"`
	DoubleTalkThreshold float64 `json:"double_talk_threshold"`
}

func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		Length:              512,
		StepSize:            0.5,
		Regularization:      1e-6,
		DoubleTalkDetection: true,
		DoubleTalkThreshold: 0.5,
	}
}

func (c FilterConfig) Validate() error {
	if c.Length <= 0 {
		return fmt.Errorf("filter length must be positive, got %d", c.Length)
	}
	if c.StepSize <= 0 || c.StepSize > 1 {
		return fmt.Errorf("step size must be in (0,1], got %v", c.StepSize)
	}
	if c.Regularization <= 0 {
		return fmt.Errorf("regularization must be positive, got %v", c.Regularization)
	}
	return nil
}

// AdaptiveFilter models the acoustic echo path as an N-tap linear filter.
// It is not safe for concurrent use; the owning manager serializes access.
type AdaptiveFilter struct {
	config FilterConfig

	coeffs  []float64
	history []float64
	cursor  int

	power float64 // reference power EMA

	updates       uint64
	smoothedError float64
	coeffEnergy   float64

	estimate []float32
	residual []float32
}

func NewAdaptiveFilter(config FilterConfig) (*AdaptiveFilter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AdaptiveFilter{
		config:  config,
		coeffs:  make([]float64, config.Length),
		history: make([]float64, config.Length),
	}, nil
}

// Filter pushes the reference block into the history ring and returns the
// echo estimate, the dot product of the coefficients with the most recent
// N samples at each step. The returned slice is reused across calls.
func (f *AdaptiveFilter) Filter(reference []float32) []float32 {
	if cap(f.estimate) < len(reference) {
		f.estimate = make([]float32, len(reference))
	}
	f.estimate = f.estimate[:len(reference)]

	n := len(f.coeffs)
	for i, sample := range reference {
		f.history[f.cursor] = float64(sample)

		var acc float64
		idx := f.cursor
		for j := 0; j < n; j++ {
			acc += f.coeffs[j] * f.history[idx]
			idx--
			if idx < 0 {
				idx = n - 1
			}
		}
		f.estimate[i] = float32(acc)

		f.cursor++
		if f.cursor == n {
			f.cursor = 0
		}
	}
	return f.estimate
}

// Update adapts the coefficients from the residual error of the block just
// pushed by Filter. The NLMS step size is normalized by the reference power
// EMA; samples whose error-to-reference power ratio exceeds the double-talk
// threshold adapt at a tenth of the rate, so near-end speech does not get
// learned as echo.
func (f *AdaptiveFilter) Update(reference, errSamples []float32) error {
	blockLen := len(errSamples)
	if blockLen > len(reference) {
		blockLen = len(reference)
	}
	if blockLen == 0 {
		return nil
	}

	var refPower float64
	for _, s := range reference[:blockLen] {
		refPower += float64(s) * float64(s)
	}
	refPower /= float64(blockLen)
	f.power = powerSmoothing*f.power + (1-powerSmoothing)*refPower

	n := len(f.coeffs)
	rate := f.config.StepSize / (f.power*float64(n) + f.config.Regularization)
	// The power EMA lags the signal, so early in a session it can undershoot
	// the true block power and push the step past the stability bound.
	if maxRate := 1 / (refPower*float64(blockLen) + f.config.Regularization); rate > maxRate {
		rate = maxRate
	}

	var errSum float64
	for i := 0; i < blockLen; i++ {
		e := float64(errSamples[i])
		errSum += math.Abs(e)

		effRate := rate
		if f.config.DoubleTalkDetection {
			indicator := e * e / (f.power + f.config.Regularization)
			if indicator > 1 {
				indicator = 1
			}
			if indicator > f.config.DoubleTalkThreshold {
				effRate *= doubleTalkRateScale
			}
		}

		step := effRate * e
		if step == 0 {
			continue
		}

		// history index of reference sample i within the block
		idx := f.cursor - blockLen + i
		for idx < 0 {
			idx += n
		}
		for j := 0; j < n; j++ {
			f.coeffs[j] += step * f.history[idx]
			idx--
			if idx < 0 {
				idx = n - 1
			}
		}
	}

	f.updates++
	f.smoothedError = errorSmoothing*f.smoothedError + (1-errorSmoothing)*errSum/float64(blockLen)

	var energy float64
	for _, c := range f.coeffs {
		energy += c * c
	}
	f.coeffEnergy = energy
	if math.IsNaN(energy) || math.IsInf(energy, 0) || energy > coeffEnergyBound {
		f.Reset()
		return ErrFilterDiverged
	}
	return nil
}

// Process is the per-frame entry point: estimate the echo from the speaker
// reference, subtract it from the microphone block, then adapt on the
// residual. Mismatched lengths process only the overlapping samples. The
// returned slice is reused across calls.
func (f *AdaptiveFilter) Process(mic, speaker []float32) ([]float32, error) {
	blockLen := len(mic)
	if len(speaker) < blockLen {
		blockLen = len(speaker)
	}

	estimate := f.Filter(speaker[:blockLen])

	if cap(f.residual) < blockLen {
		f.residual = make([]float32, blockLen)
	}
	f.residual = f.residual[:blockLen]
	for i := 0; i < blockLen; i++ {
		f.residual[i] = mic[i] - estimate[i]
	}

	err := f.Update(speaker[:blockLen], f.residual)
	return f.residual, err
}

// Converged reports whether the filter has settled on an echo path. Used
// for diagnostics and calibration only.
func (f *AdaptiveFilter) Converged() bool {
	return f.updates > convergedMinUpdates &&
		f.smoothedError < convergedMaxError &&
		f.coeffEnergy > convergedMinEnergy
}

// SmoothedError returns the exponentially smoothed mean absolute residual.
func (f *AdaptiveFilter) SmoothedError() float64 {
	return f.smoothedError
}

// Updates returns the number of adaptation blocks processed.
func (f *AdaptiveFilter) Updates() uint64 {
	return f.updates
}

func (f *AdaptiveFilter) Config() FilterConfig {
	return f.config
}

// UpdateConfig applies a new configuration. A length change reallocates the
// coefficient and history buffers, preserving the overlapping prefix so the
// already-learned portion of the echo path survives.
func (f *AdaptiveFilter) UpdateConfig(config FilterConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}

	if config.Length != len(f.coeffs) {
		coeffs := make([]float64, config.Length)
		history := make([]float64, config.Length)
		copy(coeffs, f.coeffs)
		copy(history, f.history)
		f.coeffs = coeffs
		f.history = history
		if f.cursor >= config.Length {
			f.cursor = 0
		}
	}

	f.config = config
	return nil
}

// Reset clears coefficients, history and statistics without reallocating.
func (f *AdaptiveFilter) Reset() {
	for i := range f.coeffs {
		f.coeffs[i] = 0
	}
	for i := range f.history {
		f.history[i] = 0
	}
	f.cursor = 0
	f.power = 0
	f.updates = 0
	f.smoothedError = 0
	f.coeffEnergy = 0
}
