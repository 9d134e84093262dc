package speech

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/vocaform/internal/observe"
	"github.com/MrWong99/vocaform/pkg/audio"
	"github.com/MrWong99/vocaform/pkg/provider/stt"
	"github.com/MrWong99/vocaform/pkg/provider/tts"
	"github.com/MrWong99/vocaform/pkg/provider/vad"
)

// Config tunes an [Engine].
type Config struct {
	// SampleRate of the audio sent to recognition. Default 16000.
	SampleRate int

	// PlaybackRate of the PCM produced by the synthesiser. Default 24000.
	PlaybackRate int

	// Language is the default recognition language.
	Language string

	// Voice selects the synthesiser voice.
	Voice tts.VoiceProfile

	// KeywordBoost is applied to every hint keyword. Zero leaves the
	// backend default.
	KeywordBoost float64

	Recorder RecorderConfig
}

// Engine implements [Voice] on top of streaming providers. Calls must not
// overlap; a form session speaks and listens strictly in turn.
type Engine struct {
	stt     stt.Provider
	tts     tts.Provider
	source  audio.Source
	sink    audio.Sink
	vad     vad.Engine
	metrics *observe.Metrics
	cfg     Config
}

var _ Voice = (*Engine)(nil)

// Option configures an [Engine].
type Option func(*Engine)

// WithVAD lets a voice activity detector decide between speech and silence
// instead of frame volume.
func WithVAD(v vad.Engine) Option {
	return func(e *Engine) { e.vad = v }
}

// WithMetrics records speech latencies on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine returns an engine that captures from source, plays on sink and
// uses the given providers.
func NewEngine(recognizer stt.Provider, synthesizer tts.Provider, source audio.Source, sink audio.Sink, cfg Config, opts ...Option) *Engine {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.PlaybackRate <= 0 {
		cfg.PlaybackRate = 24000
	}
	cfg.Recorder = cfg.Recorder.withDefaults()
	e := &Engine{
		stt:    recognizer,
		tts:    synthesizer,
		source: source,
		sink:   sink,
		cfg:    cfg,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Speak synthesises text and blocks until the sink has played it. Blank text
// is a no-op.
func (e *Engine) Speak(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	ctx, span := observe.StartSpan(ctx, "speech.speak", trace.WithAttributes(attribute.Int("text.length", len(text))))
	defer span.End()
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)
	chunks, err := e.tts.SynthesizeStream(ctx, textCh, e.cfg.Voice)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: synthesize: %w", ErrSpeech, err)
	}

	frames := make(chan audio.Frame)
	go func() {
		defer close(frames)
		var ts time.Duration
		for chunk := range chunks {
			f := audio.Frame{Data: chunk, SampleRate: e.cfg.PlaybackRate, Channels: 1, Timestamp: ts}
			ts += f.Duration()
			select {
			case frames <- f:
			case <-ctx.Done():
				audio.Drain(chunks)
				return
			}
		}
	}()

	err = e.sink.Play(ctx, frames)
	interrupted := ctx.Err()
	cancel()
	if e.metrics != nil {
		e.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	}
	switch {
	case interrupted != nil:
		return fmt.Errorf("speech: speak: %w", interrupted)
	case err != nil:
		span.RecordError(err)
		return fmt.Errorf("%w: play: %w", ErrSpeech, err)
	}
	return nil
}

// Listen captures one answer and returns its transcription. A user who
// never speaks yields an empty Text once MaxDuration has passed.
func (e *Engine) Listen(ctx context.Context, hints Hints) (Transcription, error) {
	ctx, span := observe.StartSpan(ctx, "speech.listen", trace.WithAttributes(attribute.Int("hints", len(hints.Keywords))))
	defer span.End()
	start := time.Now()

	lang := hints.Language
	if lang == "" {
		lang = e.cfg.Language
	}
	sess, err := e.stt.StartStream(ctx, stt.StreamConfig{
		SampleRate: e.cfg.SampleRate,
		Channels:   1,
		Language:   lang,
		Keywords:   e.boosts(hints.Keywords),
	})
	if err != nil {
		span.RecordError(err)
		return Transcription{}, fmt.Errorf("%w: start recognition: %w", ErrSpeech, err)
	}

	collected := make(chan []stt.Transcript, 1)
	go func() {
		var out []stt.Transcript
		for t := range sess.Finals() {
			if strings.TrimSpace(t.Text) != "" {
				out = append(out, t)
			}
		}
		collected <- out
	}()
	go audio.Drain(sess.Partials())

	rec, pumpErr := e.capture(ctx, sess)
	closeErr := sess.Close()

	var finals []stt.Transcript
	select {
	case finals = <-collected:
	case <-ctx.Done():
	}
	if e.metrics != nil {
		e.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	}

	if err := ctx.Err(); err != nil {
		return Transcription{}, fmt.Errorf("speech: listen: %w", err)
	}
	if pumpErr != nil {
		span.RecordError(pumpErr)
		return Transcription{}, pumpErr
	}
	if closeErr != nil {
		observe.Logger(ctx).Warn("speech: closing recognition stream", "err", closeErr)
	}

	out := Transcription{Duration: rec.Elapsed()}
	texts := make([]string, 0, len(finals))
	var conf float64
	for _, t := range finals {
		texts = append(texts, strings.TrimSpace(t.Text))
		conf += t.Confidence
	}
	if len(finals) > 0 {
		out.Text = strings.Join(texts, " ")
		out.Confidence = conf / float64(len(finals))
	}
	span.SetAttributes(attribute.Int("transcript.length", len(out.Text)))
	return out, nil
}

// capture pumps converted frames from the source into sess until the
// recorder stops it, the source ends or ctx is done.
func (e *Engine) capture(ctx context.Context, sess stt.SessionHandle) (*Recorder, error) {
	capCtx, stop := context.WithTimeout(ctx, e.cfg.Recorder.MaxDuration)
	defer stop()

	var vadSess vad.SessionHandle
	if e.vad != nil {
		s, err := e.vad.NewSession(vad.Config{
			SampleRate:       e.cfg.SampleRate,
			FrameSizeMs:      20,
			SpeechThreshold:  0.5,
			SilenceThreshold: 0.35,
		})
		if err != nil {
			observe.Logger(ctx).Warn("speech: vad unavailable, using volume", "err", err)
		} else {
			vadSess = s
			defer vadSess.Close()
		}
	}
	rec := NewRecorder(e.cfg.Recorder, vadSess)

	frames, err := e.source.Capture(capCtx)
	if err != nil {
		return rec, fmt.Errorf("%w: capture: %w", ErrSpeech, err)
	}
	conv := &audio.Converter{Target: audio.Format{SampleRate: e.cfg.SampleRate, Channels: 1}}
	log := observe.Logger(ctx)

	for {
		select {
		case <-capCtx.Done():
			log.Debug("speech: capture stopped", "reason", StopMaxDuration, "heard", rec.Heard())
			return rec, nil
		case f, ok := <-frames:
			if !ok {
				log.Debug("speech: capture stopped", "reason", StopEnded, "heard", rec.Heard())
				return rec, nil
			}
			f = conv.Convert(f)
			if len(f.Data) == 0 {
				continue
			}
			if err := sess.SendAudio(f.Data); err != nil {
				return rec, fmt.Errorf("%w: send audio: %w", ErrSpeech, err)
			}
			if reason := rec.Observe(f); reason != StopNone {
				log.Debug("speech: capture stopped", "reason", reason, "audio", rec.Elapsed())
				return rec, nil
			}
		}
	}
}

func (e *Engine) boosts(keywords []string) []stt.KeywordBoost {
	if len(keywords) == 0 {
		return nil
	}
	out := make([]stt.KeywordBoost, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, stt.KeywordBoost{Keyword: k, Boost: e.cfg.KeywordBoost})
		}
	}
	return out
}
