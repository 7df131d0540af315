package audio

import (
	"fmt"
	"math"
)

// LinearResampler converts mono audio between sample rates using linear
// interpolation. Quality is adequate for speech reference signals, which is
// all the playback path needs; the returned slice is reused across calls and
// valid until the next Resample.
type LinearResampler struct {
	inputRate  int
	outputRate int
	out        []float32
}

func NewLinearResampler(inputRate, outputRate int) (*LinearResampler, error) {
	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate: input=%d, output=%d", inputRate, outputRate)
	}
	return &LinearResampler{inputRate: inputRate, outputRate: outputRate}, nil
}

// Resample converts one block of samples. For each output position the two
// neighbouring input samples are blended by the fractional offset; the final
// positions clamp to the last input sample.
func (r *LinearResampler) Resample(input []float32) []float32 {
	if len(input) == 0 {
		return nil
	}

	if r.inputRate == r.outputRate {
		r.out = append(r.out[:0], input...)
		return r.out
	}

	ratio := float64(r.inputRate) / float64(r.outputRate)
	outputFrames := int(math.Ceil(float64(len(input)) / ratio))
	if cap(r.out) < outputFrames {
		r.out = make([]float32, outputFrames)
	}
	r.out = r.out[:outputFrames]

	for outFrame := 0; outFrame < outputFrames; outFrame++ {
		position := float64(outFrame) * ratio
		inFrame := int(position)
		frac := position - float64(inFrame)

		if inFrame >= len(input)-1 {
			inFrame = len(input) - 2
			if inFrame < 0 {
				inFrame = 0
			}
			frac = 1.0
		}

		next := inFrame + 1
		if next >= len(input) {
			next = inFrame
		}

		s1 := float64(input[inFrame])
		s2 := float64(input[next])
		r.out[outFrame] = float32(s1*(1.0-frac) + s2*frac)
	}

	return r.out
}
