// Package privacy keeps raw audio and identifying metadata from crossing a
// trust boundary. Audio leaving the process is AES-256-GCM encrypted,
// telemetry carries only a spectral fingerprint hash, and logged events have
// their identifying fields redacted.
package privacy

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/mohammednazmy/VoiceAssist-sub012/internal/logging"
)

const (
	keySize         = 32
	nonceSize       = 12
	fingerprintBins = 32

	defaultMaxHashLength = 16

	redactedMarker = "[REDACTED]"
)

var (
	ErrNotInitialized     = errors.New("privacy filter not initialized")
	ErrEncryptionDisabled = errors.New("encryption is disabled")
	ErrInvalidKey         = errors.New("encryption key must be 32 bytes")
	ErrCiphertextTooShort = errors.New("ciphertext shorter than nonce")
	ErrDecryptFailed      = errors.New("decryption failed")
	ErrEmptyChunk         = errors.New("audio chunk is empty")
)

// sensitiveKeys are redacted from telemetry and log events. The clinical
// identifiers matter as much as the technical ones here.
var sensitiveKeys = map[string]struct{}{
	"user_id":       {},
	"session_id":    {},
	"device_id":     {},
	"ip_address":    {},
	"location":      {},
	"raw_audio":     {},
	"audio_data":    {},
	"transcript":    {},
	"text":          {},
	"name":          {},
	"email":         {},
	"phone":         {},
	"patient_id":    {},
	"mrn":           {},
	"date_of_birth": {},
}

// Config configures the privacy filter. A nil Key with encryption enabled
// means Initialize generates a fresh session key.
type Config struct {
	EncryptInTransit   bool
	Key                []byte
	AnonymizeTelemetry bool
	StripMetadata      bool
	HashAlgorithm      string // "sha256" (default) or "sha512"
	MaxHashLength      int
}

func DefaultConfig() Config {
	return Config{
		EncryptInTransit:   true,
		AnonymizeTelemetry: true,
		StripMetadata:      true,
		HashAlgorithm:      "sha256",
		MaxHashLength:      defaultMaxHashLength,
	}
}

// TelemetryEvent is the only shape in which audio-derived data may leave
// the module for analytics: stripped fields plus a fingerprint hash, never
// samples.
type TelemetryEvent struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	AudioHash string         `json:"audio_hash,omitempty"`
}

// Filter implements the privacy boundary for one voice session.
type Filter struct {
	config Config

	mu          sync.RWMutex
	key         []byte
	aead        cipher.AEAD
	initialized bool
}

func New(config Config) (*Filter, error) {
	switch config.HashAlgorithm {
	case "":
		config.HashAlgorithm = "sha256"
	case "sha256", "sha512":
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", config.HashAlgorithm)
	}
	if config.MaxHashLength <= 0 {
		config.MaxHashLength = defaultMaxHashLength
	}
	if config.Key != nil && len(config.Key) != keySize {
		return nil, ErrInvalidKey
	}
	return &Filter{config: config}, nil
}

// Initialize prepares the cipher, generating a session key when none was
// supplied. Idempotent.
func (f *Filter) Initialize(ctx context.Context) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.initialized {
		return nil
	}
	if !f.config.EncryptInTransit {
		f.initialized = true
		logging.Infof("PrivacyFilter: initialized (encryption disabled)")
		return nil
	}

	key := f.config.Key
	if key == nil {
		generated, err := generateKey()
		if err != nil {
			return fmt.Errorf("generate session key: %w", err)
		}
		key = generated
	} else {
		key = append([]byte(nil), key...)
	}

	aead, err := newAEAD(key)
	if err != nil {
		return err
	}

	f.key = key
	f.aead = aead
	f.initialized = true
	logging.Infof("PrivacyFilter: initialized (encryption enabled, hash=%s)", f.config.HashAlgorithm)
	return nil
}

// EncryptAudioChunk returns the wire form of one audio chunk. With
// encryption disabled that is the raw little-endian float32 bytes;
// otherwise a fresh 96-bit nonce followed by the AES-GCM ciphertext. The
// per-chunk nonce is mandatory, GCM is broken by nonce reuse.
func (f *Filter) EncryptAudioChunk(samples []float32) ([]byte, error) {
	plain := encodeSamples(samples)

	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.config.EncryptInTransit {
		return plain, nil
	}
	if !f.initialized || f.aead == nil {
		return nil, ErrNotInitialized
	}

	out := make([]byte, nonceSize, nonceSize+len(plain)+f.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out[:nonceSize]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return f.aead.Seal(out, out[:nonceSize], plain, nil), nil
}

// DecryptAudioChunk inverts EncryptAudioChunk. Tampered or wrong-key
// ciphertext fails with ErrDecryptFailed, never with silently corrupted
// samples.
func (f *Filter) DecryptAudioChunk(data []byte) ([]float32, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.config.EncryptInTransit {
		return decodeSamples(data)
	}
	if !f.initialized || f.aead == nil {
		return nil, ErrNotInitialized
	}
	if len(data) < nonceSize {
		return nil, ErrCiphertextTooShort
	}

	plain, err := f.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return decodeSamples(plain)
}

// HashAudioForTelemetry reduces the chunk to a 32-bin spectral fingerprint
// and returns a truncated hex digest of it. The fingerprint captures
// per-bin energy and zero-crossing rate, enough for pattern correlation but
// not reversible to speech.
func (f *Filter) HashAudioForTelemetry(samples []float32) (string, error) {
	if len(samples) == 0 {
		return "", ErrEmptyChunk
	}

	fp := fingerprint(samples)
	buf := make([]byte, 8*len(fp))
	for i, v := range fp {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}

	digest := f.digest(buf)
	full := hex.EncodeToString(digest)
	if len(full) > f.config.MaxHashLength {
		full = full[:f.config.MaxHashLength]
	}
	return full, nil
}

func (f *Filter) digest(data []byte) []byte {
	if f.config.HashAlgorithm == "sha512" {
		sum := sha512.Sum512(data)
		return sum[:]
	}
	sum := sha256.Sum256(data)
	return sum[:]
}

// StripMetadata returns a copy of the event with sensitive values replaced
// by a redaction marker. Nested maps are redacted recursively; all other
// fields pass through untouched.
func (f *Filter) StripMetadata(event map[string]any) map[string]any {
	if event == nil {
		return nil
	}
	if !f.config.StripMetadata {
		return event
	}
	return redactMap(event)
}

func redactMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, sensitive := sensitiveKeys[k]; sensitive {
			out[k] = redactedMarker
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = redactMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// CreateTelemetryEvent builds the outbound analytics record: stripped data
// plus, when anonymization is enabled and audio was supplied, the
// fingerprint hash. Raw audio never rides along in any configuration.
func (f *Filter) CreateTelemetryEvent(eventType string, data map[string]any, audio []float32) (TelemetryEvent, error) {
	event := TelemetryEvent{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      f.StripMetadata(data),
	}

	if len(audio) > 0 && f.config.AnonymizeTelemetry {
		hash, err := f.HashAudioForTelemetry(audio)
		if err != nil {
			return TelemetryEvent{}, err
		}
		event.AudioHash = hash
	}
	return event, nil
}

// RotateKey replaces the active encryption key. Already-transmitted chunks
// stay decryptable only by holders of the old key; this is forward
// security, not re-encryption.
func (f *Filter) RotateKey() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.config.EncryptInTransit {
		return ErrEncryptionDisabled
	}
	if !f.initialized {
		return ErrNotInitialized
	}

	key, err := generateKey()
	if err != nil {
		return fmt.Errorf("generate rotated key: %w", err)
	}
	aead, err := newAEAD(key)
	if err != nil {
		return err
	}

	zero(f.key)
	f.key = key
	f.aead = aead
	logging.Infof("PrivacyFilter: rotated encryption key")
	return nil
}

// Dispose zeroes the key material. Safe to call multiple times; the filter
// must be re-initialized before further crypto use.
func (f *Filter) Dispose() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	zero(f.key)
	f.key = nil
	f.aead = nil
	f.initialized = false
	return nil
}

// Initialized reports whether Initialize has completed.
func (f *Filter) Initialized() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.initialized
}

// EncryptionEnabled reports whether audio chunks are encrypted on the wire.
func (f *Filter) EncryptionEnabled() bool {
	return f.config.EncryptInTransit
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func generateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// fingerprint computes sqrt(mean energy) + zero-crossing rate per bin. The
// last bin absorbs the remainder so every sample contributes.
func fingerprint(samples []float32) []float64 {
	bins := fingerprintBins
	if len(samples) < bins {
		bins = len(samples)
	}
	binSize := len(samples) / bins

	fp := make([]float64, bins)
	for b := 0; b < bins; b++ {
		start := b * binSize
		end := start + binSize
		if b == bins-1 {
			end = len(samples)
		}
		sub := samples[start:end]

		var energy float64
		crossings := 0
		for i, s := range sub {
			energy += float64(s) * float64(s)
			if i > 0 && (sub[i-1] >= 0) != (s >= 0) {
				crossings++
			}
		}
		fp[b] = math.Sqrt(energy/float64(len(sub))) + float64(crossings)/float64(len(sub))
	}
	return fp
}

// encodeSamples is the plaintext wire codec: little-endian float32 bits.
// The round trip through encrypt/decrypt is bit-exact.
func encodeSamples(samples []float32) []byte {
	out := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

func decodeSamples(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("audio payload length %d is not a multiple of 4", len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}
