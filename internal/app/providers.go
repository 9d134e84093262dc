package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/vocaform/internal/config"
	"github.com/MrWong99/vocaform/internal/observe"
	"github.com/MrWong99/vocaform/internal/resilience"
	"github.com/MrWong99/vocaform/pkg/provider/stt"
	"github.com/MrWong99/vocaform/pkg/provider/tts"
	"github.com/MrWong99/vocaform/pkg/provider/vad"
)

// Providers holds the speech providers used in pcm mode. Nil means the
// provider is not configured.
type Providers struct {
	STT stt.Provider
	TTS tts.Provider
	VAD vad.Engine
}

// BuildProviders instantiates the providers named in cfg. STT and TTS
// entries with fallbacks are wrapped in a circuit-broken fallback chain.
// A VAD that is not registered is skipped with a warning; missing STT or TTS
// factories are errors in pcm mode.
func BuildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*Providers, error) {
	ps := &Providers{}
	if cfg.Speech.Mode != config.SpeechPCM {
		return ps, nil
	}

	primarySTT, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("app: create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	if fbs := cfg.Providers.STT.Fallbacks; len(fbs) > 0 {
		chain := resilience.NewSTTFallback(primarySTT, cfg.Providers.STT.Name, resilience.FallbackConfig{Kind: "stt", Metrics: m})
		for _, fb := range fbs {
			p, err := reg.CreateSTT(fb)
			if err != nil {
				return nil, fmt.Errorf("app: create stt fallback %q: %w", fb.Name, err)
			}
			chain.AddFallback(fb.Name, p)
		}
		ps.STT = chain
	} else {
		ps.STT = primarySTT
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name, "fallbacks", len(cfg.Providers.STT.Fallbacks))

	primaryTTS, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("app: create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	if fbs := cfg.Providers.TTS.Fallbacks; len(fbs) > 0 {
		chain := resilience.NewTTSFallback(primaryTTS, cfg.Providers.TTS.Name, resilience.FallbackConfig{Kind: "tts", Metrics: m})
		for _, fb := range fbs {
			p, err := reg.CreateTTS(fb)
			if err != nil {
				return nil, fmt.Errorf("app: create tts fallback %q: %w", fb.Name, err)
			}
			chain.AddFallback(fb.Name, p)
		}
		ps.TTS = chain
	} else {
		ps.TTS = primaryTTS
	}
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name, "fallbacks", len(cfg.Providers.TTS.Fallbacks))

	if name := cfg.Providers.VAD.Name; name != "" {
		v, err := reg.CreateVAD(cfg.Providers.VAD)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered):
			slog.Warn("provider not registered, using volume detection", "kind", "vad", "name", name)
		case err != nil:
			return nil, fmt.Errorf("app: create vad provider %q: %w", name, err)
		default:
			ps.VAD = v
			slog.Info("provider created", "kind", "vad", "name", name)
		}
	}
	return ps, nil
}
