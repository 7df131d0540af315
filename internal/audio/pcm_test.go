package audio

import "testing"

func TestFrameSizing(t *testing.T) {
	if got := FrameSamples(16000, 16); got != 256 {
		t.Fatalf("FrameSamples(16000, 16) = %d, want 256", got)
	}
	if got := FrameBytes(16000, 1, 10); got != 320 {
		t.Fatalf("FrameBytes(16000, 1, 10) = %d, want 320", got)
	}
	if got := FrameBytes(0, 1, 10); got != 0 {
		t.Fatalf("FrameBytes with zero rate = %d, want 0", got)
	}
}

func TestInt16ToFloat32(t *testing.T) {
	src := []int16{-32768, 0, 16384, 32767}
	dst := make([]float32, len(src))
	if n := Int16ToFloat32(src, dst); n != len(src) {
		t.Fatalf("converted %d samples, want %d", n, len(src))
	}
	if dst[0] != -1.0 {
		t.Errorf("min sample: got %v, want -1.0", dst[0])
	}
	if dst[1] != 0 {
		t.Errorf("zero sample: got %v, want 0", dst[1])
	}
	if dst[2] != 0.5 {
		t.Errorf("half sample: got %v, want 0.5", dst[2])
	}

	short := make([]float32, 2)
	if n := Int16ToFloat32(src, short); n != 2 {
		t.Fatalf("short dst converted %d samples, want 2", n)
	}
}

func TestEncodePCM16_Clamps(t *testing.T) {
	data := EncodePCM16([]float32{2.0, -2.0, 0})
	if len(data) != 6 {
		t.Fatalf("expected 6 bytes, got %d", len(data))
	}
	hi := int16(data[0]) | int16(data[1])<<8
	lo := int16(data[2]) | int16(data[3])<<8
	if hi != 32767 {
		t.Errorf("positive clamp: got %d, want 32767", hi)
	}
	if lo != -32767 {
		t.Errorf("negative clamp: got %d, want -32767", lo)
	}
}
