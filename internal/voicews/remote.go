package voicews

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/vocaform/internal/speech"
)

// Remote is a [speech.Voice] for clients that synthesise and recognise
// speech themselves. Speak sends a speak request and waits for the client
// to report it spoken; Listen sends a listen request and waits for the
// transcript.
type Remote struct {
	conn *Conn
}

var _ speech.Voice = (*Remote)(nil)

// NewRemote returns a remote voice on c.
func NewRemote(c *Conn) *Remote {
	return &Remote{conn: c}
}

// Speak implements [speech.Voice].
func (r *Remote) Speak(ctx context.Context, text string) error {
	r.conn.clearReplies()
	if err := r.conn.Send(ctx, Message{Type: TypeSpeak, Text: text}); err != nil {
		return r.wrap(ctx, "speak", err)
	}
	if _, err := r.conn.awaitReply(ctx, TypeSpoken); err != nil {
		return r.wrap(ctx, "speak", err)
	}
	return nil
}

// Listen implements [speech.Voice].
func (r *Remote) Listen(ctx context.Context, hints speech.Hints) (speech.Transcription, error) {
	r.conn.clearReplies()
	if err := r.conn.Send(ctx, Message{Type: TypeListen, Hints: hints.Keywords, Language: hints.Language}); err != nil {
		return speech.Transcription{}, r.wrap(ctx, "listen", err)
	}
	msg, err := r.conn.awaitReply(ctx, TypeTranscript)
	if err != nil {
		return speech.Transcription{}, r.wrap(ctx, "listen", err)
	}
	return speech.Transcription{Text: msg.Text, Confidence: msg.Confidence}, nil
}

// wrap marks transport failures as speech errors and leaves cancellation
// recognisable.
func (r *Remote) wrap(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return fmt.Errorf("voicews: %s: %w", op, err)
	}
	return fmt.Errorf("%w: remote %s: %w", speech.ErrSpeech, op, err)
}
