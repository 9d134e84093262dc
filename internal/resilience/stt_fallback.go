package resilience

import (
	"context"

	"github.com/MrWong99/vocaform/pkg/provider/stt"
)

// STTFallback is an [stt.Provider] that fails over between recognisers. Only
// stream setup is covered; a stream that breaks mid-capture surfaces to the
// caller.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback returns a failover provider with primary tried first.
func NewSTTFallback(primary stt.Provider, name string, cfg FallbackConfig) *STTFallback {
	if cfg.Kind == "" {
		cfg.Kind = "stt"
	}
	return &STTFallback{group: NewFallbackGroup(primary, name, cfg)}
}

// AddFallback registers another recogniser.
func (f *STTFallback) AddFallback(name string, p stt.Provider) { f.group.AddFallback(name, p) }

// Group exposes the underlying group for inspection.
func (f *STTFallback) Group() *FallbackGroup[stt.Provider] { return f.group }

// StartStream implements [stt.Provider].
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(ctx, f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}
