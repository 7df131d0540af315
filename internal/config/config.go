package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const DefaultPath = "config/voiceassist.json"

type AppConfig struct {
	Logging LoggingConfig `json:"logging"`
	Audio   AudioConfig   `json:"audio"`
	AEC     AECConfig     `json:"aec"`
	Privacy PrivacyConfig `json:"privacy"`
	Uplink  UplinkConfig  `json:"uplink"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type AudioConfig struct {
	SampleRate   int    `json:"sample_rate"`
	FrameSize    int    `json:"frame_size"`
	Channels     int    `json:"channels"`
	PlaybackRate int    `json:"playback_rate"`
	BufferSize   int    `json:"buffer_size"`
	HighLatency  bool   `json:"high_latency"`
	InputDevice  string `json:"input_device"`
}

type AECConfig struct {
	Enabled               bool            `json:"enabled"`
	MaxEchoDelayMs        int             `json:"max_echo_delay_ms"`
	Filter                FilterConfig    `json:"filter"`
	Reference             ReferenceConfig `json:"reference"`
	NoiseSuppression      bool            `json:"noise_suppression"`
	NoiseSuppressionLevel float64         `json:"noise_suppression_level"`
	ComfortNoise          bool            `json:"comfort_noise"`
	ComfortNoiseLevelDB   float64         `json:"comfort_noise_level_db"`
}

type FilterConfig struct {
	Length              int     `json:"length"`
	StepSize            float64 `json:"step_size"`
	Regularization      float64 `json:"regularization"`
	DoubleTalkDetection bool    `json:"double_talk_detection"`
	DoubleTalkThreshold float64 `json:"double_talk_threshold"`
}

type ReferenceConfig struct {
	BufferSeconds   float64 `json:"buffer_seconds"`
	AGC             bool    `json:"agc"`
	AGCTargetDB     float64 `json:"agc_target_db"`
	DelayEstimation bool    `json:"delay_estimation"`
}

type PrivacyConfig struct {
	EncryptInTransit   bool   `json:"encrypt_in_transit"`
	KeyHex             string `json:"key_hex,omitempty"`
	AnonymizeTelemetry bool   `json:"anonymize_telemetry"`
	StripMetadata      bool   `json:"strip_metadata"`
	HashAlgorithm      string `json:"hash_algorithm"`
	MaxHashLength      int    `json:"max_hash_length"`
	KeyRotationMinutes int    `json:"key_rotation_minutes"`
}

type UplinkConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Token   string `json:"token"`
}

func DefaultConfig() *AppConfig {
	return &AppConfig{
		Logging: LoggingConfig{},
		Audio: AudioConfig{
			SampleRate:   16000,
			FrameSize:    256,
			Channels:     1,
			PlaybackRate: 24000,
			BufferSize:   3200,
		},
		AEC: AECConfig{
			Enabled:        true,
			MaxEchoDelayMs: 250,
			Filter: FilterConfig{
				Length:              512,
				StepSize:            0.5,
				Regularization:      1e-6,
				DoubleTalkDetection: true,
				DoubleTalkThreshold: 0.5,
			},
			Reference: ReferenceConfig{
				BufferSeconds:   2.0,
				AGC:             true,
				AGCTargetDB:     -18,
				DelayEstimation: true,
			},
			NoiseSuppression:      true,
			NoiseSuppressionLevel: 0.5,
			ComfortNoise:          true,
			ComfortNoiseLevelDB:   -60,
		},
		Privacy: PrivacyConfig{
			EncryptInTransit:   true,
			AnonymizeTelemetry: true,
			StripMetadata:      true,
			HashAlgorithm:      "sha256",
			MaxHashLength:      16,
		},
		Uplink: UplinkConfig{},
	}
}

func Load(path string) (*AppConfig, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultPath
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg.ApplyEnv()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.ApplyEnv()
	return cfg, cfg.Validate()
}

func (c *AppConfig) ApplyEnv() {
	if level := strings.TrimSpace(os.Getenv("LOG_LEVEL")); level != "" {
		c.Logging.Level = level
	}
	if format := strings.TrimSpace(os.Getenv("LOG_FORMAT")); format != "" {
		c.Logging.Format = format
	}

	if url := strings.TrimSpace(os.Getenv("VOICEASSIST_UPLINK_URL")); url != "" {
		c.Uplink.URL = url
		c.Uplink.Enabled = true
	}
	if token := strings.TrimSpace(os.Getenv("VOICEASSIST_UPLINK_TOKEN")); token != "" {
		c.Uplink.Token = token
	}
	if key := strings.TrimSpace(os.Getenv("VOICEASSIST_PRIVACY_KEY")); key != "" {
		c.Privacy.KeyHex = key
	}
	if rate := strings.TrimSpace(os.Getenv("VOICEASSIST_SAMPLE_RATE")); rate != "" {
		if v, err := strconv.Atoi(rate); err == nil && v > 0 {
			c.Audio.SampleRate = v
		}
	}
}

func (c *AppConfig) Validate() error {
	if c.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if c.Audio.FrameSize <= 0 {
		return errors.New("audio.frame_size must be positive")
	}
	if c.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if c.Audio.PlaybackRate <= 0 {
		return errors.New("audio.playback_rate must be positive")
	}

	if c.AEC.MaxEchoDelayMs < 0 {
		return errors.New("aec.max_echo_delay_ms must be non-negative")
	}
	if c.AEC.Filter.Length <= 0 {
		return errors.New("aec.filter.length must be positive")
	}
	if c.AEC.Filter.StepSize <= 0 || c.AEC.Filter.StepSize > 1 {
		return errors.New("aec.filter.step_size must be in (0, 1]")
	}
	if c.AEC.Filter.Regularization < 0 {
		return errors.New("aec.filter.regularization must be non-negative")
	}
	if c.AEC.Reference.BufferSeconds <= 0 {
		return errors.New("aec.reference.buffer_seconds must be positive")
	}
	if c.AEC.NoiseSuppressionLevel < 0 || c.AEC.NoiseSuppressionLevel > 1 {
		return errors.New("aec.noise_suppression_level must be in [0, 1]")
	}

	switch strings.ToLower(strings.TrimSpace(c.Privacy.HashAlgorithm)) {
	case "", "sha256", "sha512":
	default:
		return fmt.Errorf("invalid privacy.hash_algorithm: %s", c.Privacy.HashAlgorithm)
	}
	if c.Privacy.MaxHashLength < 0 {
		return errors.New("privacy.max_hash_length must be non-negative")
	}
	if key := strings.TrimSpace(c.Privacy.KeyHex); key != "" {
		raw, err := hex.DecodeString(key)
		if err != nil {
			return fmt.Errorf("invalid privacy.key_hex: %w", err)
		}
		if len(raw) != 32 {
			return fmt.Errorf("privacy.key_hex must decode to 32 bytes, got %d", len(raw))
		}
	}
	if c.Privacy.KeyRotationMinutes < 0 {
		return errors.New("privacy.key_rotation_minutes must be non-negative")
	}

	return nil
}

// PrivacyKey decodes the configured hex key, or returns nil when a session
// key should be generated instead.
func (c *AppConfig) PrivacyKey() []byte {
	key := strings.TrimSpace(c.Privacy.KeyHex)
	if key == "" {
		return nil
	}
	raw, err := hex.DecodeString(key)
	if err != nil {
		return nil
	}
	return raw
}

func (c *AppConfig) ValidateUplink(require bool) error {
	if require && strings.TrimSpace(c.Uplink.URL) == "" {
		return errors.New("uplink.url is required")
	}
	return nil
}
