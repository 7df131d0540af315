package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_MergesDefaultsAndEnv(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "voiceassist.json")
	data := `{
		"logging": {"level": "debug"},
		"audio": {"sample_rate": 8000},
		"aec": {"filter": {"length": 256}}
	}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("VOICEASSIST_UPLINK_URL", "wss://uplink.example/session")
	t.Setenv("VOICEASSIST_UPLINK_TOKEN", "uplink-token")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Logging.Level != "warn" {
		t.Fatalf("expected LOG_LEVEL to override config, got %q", cfg.Logging.Level)
	}
	if cfg.Audio.SampleRate != 8000 {
		t.Fatalf("expected sample rate to be 8000, got %d", cfg.Audio.SampleRate)
	}
	if cfg.AEC.Filter.Length != 256 {
		t.Fatalf("expected filter length to be 256, got %d", cfg.AEC.Filter.Length)
	}
	if cfg.AEC.Filter.StepSize != 0.5 {
		t.Fatalf("expected default step size to be preserved, got %v", cfg.AEC.Filter.StepSize)
	}
	if !cfg.Uplink.Enabled || cfg.Uplink.URL != "wss://uplink.example/session" {
		t.Fatalf("expected uplink from env, got %+v", cfg.Uplink)
	}
	if cfg.Uplink.Token != "uplink-token" {
		t.Fatalf("expected uplink token from env")
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.Audio.FrameSize != 256 {
		t.Fatalf("unexpected audio defaults: %+v", cfg.Audio)
	}
	if !cfg.AEC.Enabled || !cfg.Privacy.EncryptInTransit {
		t.Fatalf("expected AEC and encryption enabled by default")
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*AppConfig)
		want   string
	}{
		{"sample rate", func(c *AppConfig) { c.Audio.SampleRate = 0 }, "sample_rate"},
		{"frame size", func(c *AppConfig) { c.Audio.FrameSize = -1 }, "frame_size"},
		{"filter length", func(c *AppConfig) { c.AEC.Filter.Length = 0 }, "filter.length"},
		{"step size", func(c *AppConfig) { c.AEC.Filter.StepSize = 1.5 }, "step_size"},
		{"suppression level", func(c *AppConfig) { c.AEC.NoiseSuppressionLevel = 2 }, "noise_suppression_level"},
		{"hash algorithm", func(c *AppConfig) { c.Privacy.HashAlgorithm = "md5" }, "hash_algorithm"},
		{"key hex", func(c *AppConfig) { c.Privacy.KeyHex = "abcd" }, "key_hex"},
	}

	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(cfg)
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}

func TestPrivacyKey(t *testing.T) {
	cfg := DefaultConfig()
	if key := cfg.PrivacyKey(); key != nil {
		t.Fatalf("expected nil key when unset, got %v", key)
	}

	cfg.Privacy.KeyHex = strings.Repeat("ab", 32)
	key := cfg.PrivacyKey()
	if len(key) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(key))
	}
}

func TestValidateUplink(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.ValidateUplink(true); err == nil {
		t.Fatalf("expected error when uplink url is missing")
	}
	cfg.Uplink.URL = "wss://uplink.example/session"
	if err := cfg.ValidateUplink(true); err != nil {
		t.Fatalf("unexpected uplink validation error: %v", err)
	}
}
