package privacy

import (
	"context"
	"errors"
	"math"
	"testing"
)

func testKey() []byte {
	key := make([]byte, keySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func newInitializedFilter(t *testing.T, config Config) *Filter {
	t.Helper()
	f, err := New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := f.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return f
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	f := newInitializedFilter(t, Config{EncryptInTransit: true, Key: testKey()})

	samples := []float32{0, 1, -1, 0.5, -0.5, 1e-42, -3.4028235e38, math.Pi}

	cipher, err := f.EncryptAudioChunk(samples)
	if err != nil {
		t.Fatalf("EncryptAudioChunk failed: %v", err)
	}
	if want := nonceSize + 4*len(samples) + 16; len(cipher) != want {
		t.Errorf("ciphertext length = %d, want %d", len(cipher), want)
	}

	got, err := f.DecryptAudioChunk(cipher)
	if err != nil {
		t.Fatalf("DecryptAudioChunk failed: %v", err)
	}
	if len(got) != len(samples) {
		t.Fatalf("decrypted %d samples, want %d", len(got), len(samples))
	}
	for i := range samples {
		if math.Float32bits(got[i]) != math.Float32bits(samples[i]) {
			t.Errorf("sample %d = %v (bits %x), want %v (bits %x)",
				i, got[i], math.Float32bits(got[i]), samples[i], math.Float32bits(samples[i]))
		}
	}

	// A fresh nonce per chunk means equal plaintext never repeats on the wire.
	again, err := f.EncryptAudioChunk(samples)
	if err != nil {
		t.Fatalf("EncryptAudioChunk failed: %v", err)
	}
	if string(again) == string(cipher) {
		t.Error("two encryptions of the same chunk produced identical ciphertext")
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	sender := newInitializedFilter(t, Config{EncryptInTransit: true, Key: testKey()})

	otherKey := testKey()
	otherKey[0] ^= 0xff
	receiver := newInitializedFilter(t, Config{EncryptInTransit: true, Key: otherKey})

	cipher, err := sender.EncryptAudioChunk([]float32{0.1, 0.2})
	if err != nil {
		t.Fatalf("EncryptAudioChunk failed: %v", err)
	}
	if _, err := receiver.DecryptAudioChunk(cipher); !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("DecryptAudioChunk error = %v, want ErrDecryptFailed", err)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	f := newInitializedFilter(t, Config{EncryptInTransit: true, Key: testKey()})

	cipher, err := f.EncryptAudioChunk([]float32{0.1, 0.2, 0.3})
	if err != nil {
		t.Fatalf("EncryptAudioChunk failed: %v", err)
	}
	cipher[len(cipher)-1] ^= 0x01

	if _, err := f.DecryptAudioChunk(cipher); !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("DecryptAudioChunk error = %v, want ErrDecryptFailed", err)
	}
}

func TestDecryptRejectsShortCiphertext(t *testing.T) {
	f := newInitializedFilter(t, Config{EncryptInTransit: true, Key: testKey()})

	if _, err := f.DecryptAudioChunk(make([]byte, nonceSize-1)); !errors.Is(err, ErrCiphertextTooShort) {
		t.Errorf("DecryptAudioChunk error = %v, want ErrCiphertextTooShort", err)
	}
}

func TestDisabledEncryptionPassesRawBytes(t *testing.T) {
	f := newInitializedFilter(t, Config{EncryptInTransit: false})

	samples := []float32{0.25, -0.75}
	data, err := f.EncryptAudioChunk(samples)
	if err != nil {
		t.Fatalf("EncryptAudioChunk failed: %v", err)
	}
	if want := 4 * len(samples); len(data) != want {
		t.Errorf("payload length = %d, want raw %d", len(data), want)
	}

	got, err := f.DecryptAudioChunk(data)
	if err != nil {
		t.Fatalf("DecryptAudioChunk failed: %v", err)
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], samples[i])
		}
	}

	if _, err := f.DecryptAudioChunk(make([]byte, 5)); err == nil {
		t.Error("DecryptAudioChunk accepted a payload not divisible by 4")
	}
}

func TestEncryptRequiresInitialize(t *testing.T) {
	f, err := New(Config{EncryptInTransit: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := f.EncryptAudioChunk([]float32{1}); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("EncryptAudioChunk error = %v, want ErrNotInitialized", err)
	}
	if _, err := f.DecryptAudioChunk(make([]byte, 32)); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("DecryptAudioChunk error = %v, want ErrNotInitialized", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Config{HashAlgorithm: "md5"}); err == nil {
		t.Error("New accepted an unsupported hash algorithm")
	}
	if _, err := New(Config{Key: []byte("short")}); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("New error = %v, want ErrInvalidKey", err)
	}
}

func TestInitializeIdempotentAndContextAware(t *testing.T) {
	f := newInitializedFilter(t, Config{EncryptInTransit: true, Key: testKey()})

	cipher, err := f.EncryptAudioChunk([]float32{0.5})
	if err != nil {
		t.Fatalf("EncryptAudioChunk failed: %v", err)
	}
	if err := f.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize failed: %v", err)
	}
	if _, err := f.DecryptAudioChunk(cipher); err != nil {
		t.Errorf("DecryptAudioChunk failed after repeat Initialize: %v", err)
	}

	fresh, err := New(Config{EncryptInTransit: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := fresh.Initialize(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Initialize with canceled context = %v, want context.Canceled", err)
	}
}

func TestHashAudioForTelemetry(t *testing.T) {
	f := newInitializedFilter(t, DefaultConfig())

	samples := make([]float32, 512)
	for i := range samples {
		samples[i] = float32(math.Sin(float64(i) / 7))
	}

	h1, err := f.HashAudioForTelemetry(samples)
	if err != nil {
		t.Fatalf("HashAudioForTelemetry failed: %v", err)
	}
	h2, err := f.HashAudioForTelemetry(samples)
	if err != nil {
		t.Fatalf("HashAudioForTelemetry failed: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hash not deterministic: %q vs %q", h1, h2)
	}
	if len(h1) != defaultMaxHashLength {
		t.Errorf("hash length = %d, want %d", len(h1), defaultMaxHashLength)
	}

	// Scaling changes per-bin energy, so the fingerprint and hash move.
	louder := make([]float32, len(samples))
	for i := range samples {
		louder[i] = samples[i] * 2
	}
	h3, err := f.HashAudioForTelemetry(louder)
	if err != nil {
		t.Fatalf("HashAudioForTelemetry failed: %v", err)
	}
	if h3 == h1 {
		t.Error("hash identical for different amplitude, fingerprint not applied")
	}

	if _, err := f.HashAudioForTelemetry(nil); !errors.Is(err, ErrEmptyChunk) {
		t.Errorf("HashAudioForTelemetry(nil) error = %v, want ErrEmptyChunk", err)
	}

	wide := newInitializedFilter(t, Config{HashAlgorithm: "sha512", MaxHashLength: 64})
	h4, err := wide.HashAudioForTelemetry(samples)
	if err != nil {
		t.Fatalf("HashAudioForTelemetry failed: %v", err)
	}
	if len(h4) != 64 {
		t.Errorf("sha512 hash length = %d, want 64", len(h4))
	}
}

func TestStripMetadata(t *testing.T) {
	f := newInitializedFilter(t, DefaultConfig())

	event := map[string]any{
		"patient_id":    "p-1042",
		"mrn":           "88-1234",
		"date_of_birth": "1961-02-17",
		"frame_count":   42,
		"erle_db":       12.5,
		"nested": map[string]any{
			"email":  "someone@example.org",
			"metric": "ok",
		},
	}

	got := f.StripMetadata(event)

	for _, key := range []string{"patient_id", "mrn", "date_of_birth"} {
		if got[key] != redactedMarker {
			t.Errorf("%s = %v, want %q", key, got[key], redactedMarker)
		}
	}
	if got["frame_count"] != 42 || got["erle_db"] != 12.5 {
		t.Error("non-sensitive fields were altered")
	}
	nested := got["nested"].(map[string]any)
	if nested["email"] != redactedMarker {
		t.Errorf("nested email = %v, want %q", nested["email"], redactedMarker)
	}
	if nested["metric"] != "ok" {
		t.Errorf("nested metric = %v, want untouched", nested["metric"])
	}

	// The input event is copied, not mutated.
	if event["patient_id"] != "p-1042" {
		t.Error("StripMetadata mutated the input event")
	}

	if f.StripMetadata(nil) != nil {
		t.Error("StripMetadata(nil) should return nil")
	}

	off := newInitializedFilter(t, Config{StripMetadata: false})
	if got := off.StripMetadata(event); got["patient_id"] != "p-1042" {
		t.Error("StripMetadata redacted with stripping disabled")
	}
}

func TestCreateTelemetryEvent(t *testing.T) {
	f := newInitializedFilter(t, DefaultConfig())

	audio := []float32{0.1, 0.2, 0.3, 0.4}
	event, err := f.CreateTelemetryEvent("frame_stats", map[string]any{
		"session_id": "s-9",
		"erle_db":    14.2,
	}, audio)
	if err != nil {
		t.Fatalf("CreateTelemetryEvent failed: %v", err)
	}

	if event.Type != "frame_stats" {
		t.Errorf("Type = %q, want frame_stats", event.Type)
	}
	if event.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
	if event.Data["session_id"] != redactedMarker {
		t.Errorf("session_id = %v, want redacted", event.Data["session_id"])
	}
	if event.Data["erle_db"] != 14.2 {
		t.Errorf("erle_db = %v, want preserved", event.Data["erle_db"])
	}
	if event.AudioHash == "" {
		t.Error("AudioHash empty with audio supplied and anonymization on")
	}

	noAudio, err := f.CreateTelemetryEvent("state", nil, nil)
	if err != nil {
		t.Fatalf("CreateTelemetryEvent failed: %v", err)
	}
	if noAudio.AudioHash != "" {
		t.Errorf("AudioHash = %q without audio, want empty", noAudio.AudioHash)
	}

	plain := newInitializedFilter(t, Config{AnonymizeTelemetry: false})
	unhashed, err := plain.CreateTelemetryEvent("frame_stats", nil, audio)
	if err != nil {
		t.Fatalf("CreateTelemetryEvent failed: %v", err)
	}
	if unhashed.AudioHash != "" {
		t.Errorf("AudioHash = %q with anonymization off, want empty", unhashed.AudioHash)
	}
}

func TestRotateKey(t *testing.T) {
	f := newInitializedFilter(t, Config{EncryptInTransit: true, Key: testKey()})

	old, err := f.EncryptAudioChunk([]float32{0.5, 0.6})
	if err != nil {
		t.Fatalf("EncryptAudioChunk failed: %v", err)
	}

	if err := f.RotateKey(); err != nil {
		t.Fatalf("RotateKey failed: %v", err)
	}

	if _, err := f.DecryptAudioChunk(old); !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("old ciphertext decrypted after rotation, err = %v", err)
	}

	fresh, err := f.EncryptAudioChunk([]float32{0.7})
	if err != nil {
		t.Fatalf("EncryptAudioChunk failed after rotation: %v", err)
	}
	if got, err := f.DecryptAudioChunk(fresh); err != nil || got[0] != 0.7 {
		t.Errorf("round trip after rotation = %v, %v", got, err)
	}

	disabled := newInitializedFilter(t, Config{EncryptInTransit: false})
	if err := disabled.RotateKey(); !errors.Is(err, ErrEncryptionDisabled) {
		t.Errorf("RotateKey with encryption disabled = %v, want ErrEncryptionDisabled", err)
	}

	uninit, err := New(Config{EncryptInTransit: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := uninit.RotateKey(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("RotateKey before Initialize = %v, want ErrNotInitialized", err)
	}
}

func TestDisposeIdempotent(t *testing.T) {
	f := newInitializedFilter(t, Config{EncryptInTransit: true, Key: testKey()})

	if err := f.Dispose(); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}
	if err := f.Dispose(); err != nil {
		t.Fatalf("second Dispose failed: %v", err)
	}
	if f.Initialized() {
		t.Error("Initialized() = true after Dispose")
	}
	if _, err := f.EncryptAudioChunk([]float32{1}); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("EncryptAudioChunk after Dispose = %v, want ErrNotInitialized", err)
	}

	// A disposed filter can start a new session.
	if err := f.Initialize(context.Background()); err != nil {
		t.Fatalf("re-Initialize failed: %v", err)
	}
	if _, err := f.EncryptAudioChunk([]float32{1}); err != nil {
		t.Errorf("EncryptAudioChunk after re-Initialize failed: %v", err)
	}
}
