package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":    {"deepgram", "mock"},
	"tts":    {"elevenlabs", "mock"},
	"vad":    {"energy", "mock"},
	"policy": {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Pipeline.SampleRate != 8000 && cfg.Pipeline.SampleRate != 16000 &&
		cfg.Pipeline.SampleRate != 24000 && cfg.Pipeline.SampleRate != 48000 {
		errs = append(errs, fmt.Errorf("pipeline.sample_rate %d is unsupported; valid values: 8000, 16000, 24000, 48000", cfg.Pipeline.SampleRate))
	}
	if cfg.Pipeline.FrameDurationMs < 10 || cfg.Pipeline.FrameDurationMs > 60 {
		errs = append(errs, fmt.Errorf("pipeline.frame_duration_ms %d is out of range [10, 60]", cfg.Pipeline.FrameDurationMs))
	}
	if cfg.Pipeline.VADAggressiveness < 0 || cfg.Pipeline.VADAggressiveness > 3 {
		errs = append(errs, fmt.Errorf("pipeline.vad_aggressiveness %d is out of range [0, 3]", cfg.Pipeline.VADAggressiveness))
	}
	if cfg.Pipeline.VADHangoverMs < 0 {
		errs = append(errs, fmt.Errorf("pipeline.vad_hangover_ms %d must not be negative", cfg.Pipeline.VADHangoverMs))
	}

	if !cfg.Dialog.ResponseMode.IsValid() {
		errs = append(errs, fmt.Errorf("dialog.response_mode %q is invalid; valid values: echo, scripted, provider", cfg.Dialog.ResponseMode))
	}
	if cfg.Dialog.ResponseMode == ResponseScripted && cfg.Dialog.Script == "" {
		errs = append(errs, fmt.Errorf("dialog.script is required when dialog.response_mode is scripted"))
	}
	if cfg.Dialog.ResponseMode == ResponseProvider && cfg.Providers.Policy.Name == "" {
		errs = append(errs, fmt.Errorf("providers.policy is required when dialog.response_mode is provider"))
	}
	if cfg.Dialog.PartialConfidence < 0 || cfg.Dialog.PartialConfidence > 1 {
		errs = append(errs, fmt.Errorf("dialog.partial_confidence %.2f is out of range [0, 1]", cfg.Dialog.PartialConfidence))
	}

	if cfg.Telemetry.MetricsWindowSec <= 0 {
		errs = append(errs, fmt.Errorf("telemetry.metrics_window_sec %d must be positive", cfg.Telemetry.MetricsWindowSec))
	}

	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("policy", cfg.Providers.Policy.Name)

	if cfg.Providers.STT.Name == "" {
		slog.Warn("providers.stt is not configured; calls will run transcription against the mock provider")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("providers.tts is not configured; calls will run synthesis against the mock provider")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
