// Package mock provides a test double for [tts.Provider].
//
// The mock reads the full text stream, records it, then emits Chunks.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/MrWong99/vocaform/pkg/provider/tts"
)

// SynthesizeCall records one completed SynthesizeStream call.
type SynthesizeCall struct {
	Text  string
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of [tts.Provider].
type Provider struct {
	mu sync.Mutex

	// Chunks are emitted, in order, for every synthesis.
	Chunks [][]byte

	// SynthesizeErr, if non-nil, is returned by SynthesizeStream.
	SynthesizeErr error

	ListVoicesResult []tts.VoiceProfile
	ListVoicesErr    error

	calls []SynthesizeCall
}

var _ tts.Provider = (*Provider)(nil)

// SynthesizeStream implements [tts.Provider].
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	err := p.SynthesizeErr
	chunks := append([][]byte(nil), p.Chunks...)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		var sb strings.Builder
		for frag := range text {
			sb.WriteString(frag)
		}
		p.mu.Lock()
		p.calls = append(p.calls, SynthesizeCall{Text: sb.String(), Voice: voice})
		p.mu.Unlock()
		for _, c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ListVoices implements [tts.Provider].
func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ListVoicesResult, p.ListVoicesErr
}

// Calls returns the recorded syntheses.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeCall(nil), p.calls...)
}

// Spoken returns the synthesised texts in order.
func (p *Provider) Spoken() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	for i, c := range p.calls {
		out[i] = c.Text
	}
	return out
}

// Reset clears recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}
