package audio

// FrameSamples returns the number of samples in a frame of the given duration.
func FrameSamples(sampleRate, frameMs int) int {
	if sampleRate <= 0 || frameMs <= 0 {
		return 0
	}
	return sampleRate * frameMs / 1000
}

// FrameBytes returns the size of a 16-bit PCM frame in bytes.
func FrameBytes(sampleRate, channels, frameMs int) int {
	if sampleRate <= 0 || channels <= 0 || frameMs <= 0 {
		return 0
	}
	return FrameSamples(sampleRate, frameMs) * channels * 2
}

// Int16ToFloat32 converts device samples to normalized [-1, 1] floats.
// Returns the number of samples converted.
func Int16ToFloat32(src []int16, dst []float32) int {
	n := len(src)
	if len(dst) < n {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = float32(src[i]) / 32768.0
	}
	return n
}

// EncodePCM16 encodes normalized samples as little-endian 16-bit PCM,
// clamping to the int16 range.
func EncodePCM16(samples []float32) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		v := int16(s * 32767.0)
		data[i*2] = byte(v)
		data[i*2+1] = byte(v >> 8)
	}
	return data
}
