// Command turnline runs the voice turn-taking pipeline and its latency
// telemetry service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/turnline-ai/turnline/internal/app"
	"github.com/turnline-ai/turnline/internal/call"
	"github.com/turnline-ai/turnline/internal/config"
	"github.com/turnline-ai/turnline/internal/dialog"
	"github.com/turnline-ai/turnline/internal/resilience"
	"github.com/turnline-ai/turnline/pkg/provider/stt"
	"github.com/turnline-ai/turnline/pkg/provider/stt/deepgram"
	sttmock "github.com/turnline-ai/turnline/pkg/provider/stt/mock"
	"github.com/turnline-ai/turnline/pkg/provider/tts"
	"github.com/turnline-ai/turnline/pkg/provider/tts/elevenlabs"
	ttsmock "github.com/turnline-ai/turnline/pkg/provider/tts/mock"
	"github.com/turnline-ai/turnline/pkg/provider/vad"
	"github.com/turnline-ai/turnline/pkg/provider/vad/energy"
	vadmock "github.com/turnline-ai/turnline/pkg/provider/vad/mock"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	watch := flag.Bool("watch", true, "hot-reload safe settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(os.Stderr, "turnline: config file %q not found\n", *configPath)
			} else {
				fmt.Fprintf(os.Stderr, "turnline: %v\n", err)
			}
			return 1
		}
		cfg = loaded
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("turnline starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, providers,
		app.WithLogger(logger),
		app.WithLevelVar(levelVar),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch && *configPath != "" {
		if err := application.WatchConfig(*configPath); err != nil {
			slog.Error("failed to watch config", "err", err)
			return 1
		}
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages. The mock providers are registered
// too so the pipeline can run end to end without external credentials.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, deepgram.WithLanguage(entry.Language))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("mock", func(config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{}, nil
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpoint(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("mock", func(config.ProviderEntry) (tts.Provider, error) {
		return &ttsmock.Provider{}, nil
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	reg.RegisterVAD("mock", func(config.ProviderEntry) (vad.Engine, error) {
		return &vadmock.Engine{}, nil
	})

	// ── Dialog policy ─────────────────────────────────────────────────────────

	reg.RegisterPolicy("openai", func(entry config.ProviderEntry, _ config.DialogConfig) (dialog.Policy, error) {
		var opts []dialog.OpenAIOption
		if entry.BaseURL != "" {
			opts = append(opts, dialog.WithBaseURL(entry.BaseURL))
		}
		return dialog.NewOpenAIPolicy(entry.APIKey, entry.Model, opts...)
	})
}

// buildProviders instantiates the pipeline stages named in cfg. Unconfigured
// STT and TTS slots fall back to the mock providers so a bare config still
// yields a working local pipeline. Remote-backed STT and TTS are wrapped in a
// circuit-breaking fallback group with a silent local tier, so a provider
// outage degrades the turn instead of failing session setup.
func buildProviders(cfg *config.Config, reg *config.Registry) (call.Providers, error) {
	var ps call.Providers

	sttEntry := cfg.Providers.STT
	if sttEntry.Name == "" {
		sttEntry.Name = "mock"
	}
	p, err := reg.CreateSTT(sttEntry)
	if err != nil {
		return ps, fmt.Errorf("create stt provider %q: %w", sttEntry.Name, err)
	}
	ps.STT = p
	if sttEntry.Name != "mock" {
		fb := resilience.NewSTTFallback(p, sttEntry.Name, resilience.FallbackConfig{})
		fb.AddFallback("silent", &sttmock.Provider{})
		ps.STT = fb
	}
	slog.Info("provider created", "kind", "stt", "name", sttEntry.Name)

	ttsEntry := cfg.Providers.TTS
	if ttsEntry.Name == "" {
		ttsEntry.Name = "mock"
	}
	tp, err := reg.CreateTTS(ttsEntry)
	if err != nil {
		return ps, fmt.Errorf("create tts provider %q: %w", ttsEntry.Name, err)
	}
	ps.TTS = tp
	if ttsEntry.Name != "mock" {
		fb := resilience.NewTTSFallback(tp, ttsEntry.Name, resilience.FallbackConfig{})
		fb.AddFallback("silent", &ttsmock.Provider{})
		ps.TTS = fb
	}
	slog.Info("provider created", "kind", "tts", "name", ttsEntry.Name)

	vp, err := reg.CreateVAD(cfg.Providers.VAD)
	if err != nil {
		return ps, fmt.Errorf("create vad engine %q: %w", cfg.Providers.VAD.Name, err)
	}
	ps.VAD = vp
	slog.Info("provider created", "kind", "vad", "name", cfg.Providers.VAD.Name)

	ps.Policy, err = buildPolicy(cfg, reg)
	if err != nil {
		return ps, err
	}
	slog.Info("dialog policy ready", "response_mode", cfg.Dialog.ResponseMode)

	return ps, nil
}

// buildPolicy maps the configured response mode to a dialog policy. A
// provider-backed policy is wrapped with the echo policy as its last-resort
// tier, so an LLM outage still produces a reply.
func buildPolicy(cfg *config.Config, reg *config.Registry) (dialog.Policy, error) {
	switch cfg.Dialog.ResponseMode {
	case config.ResponseScripted:
		return dialog.NewScriptedPolicy(cfg.Dialog.Script)
	case config.ResponseProvider:
		p, err := reg.CreatePolicy(cfg.Providers.Policy, cfg.Dialog)
		if err != nil {
			return nil, fmt.Errorf("create dialog policy %q: %w", cfg.Providers.Policy.Name, err)
		}
		fb := resilience.NewPolicyFallback(p, cfg.Providers.Policy.Name, resilience.FallbackConfig{})
		fb.AddFallback("echo", dialog.EchoPolicy{})
		return fb, nil
	default:
		return dialog.EchoPolicy{}, nil
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
