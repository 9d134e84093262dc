package resilience

import (
	"context"

	"github.com/MrWong99/vocaform/pkg/provider/tts"
)

// TTSFallback is a [tts.Provider] that fails over between synthesisers.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback returns a failover provider with primary tried first.
func NewTTSFallback(primary tts.Provider, name string, cfg FallbackConfig) *TTSFallback {
	if cfg.Kind == "" {
		cfg.Kind = "tts"
	}
	return &TTSFallback{group: NewFallbackGroup(primary, name, cfg)}
}

// AddFallback registers another synthesiser.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) { f.group.AddFallback(name, p) }

// SynthesizeStream implements [tts.Provider]. The text channel can only be
// consumed once, so failover applies to providers that reject the request
// up front.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) (<-chan []byte, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
}

// ListVoices implements [tts.Provider].
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}
