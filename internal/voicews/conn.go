// Package voicews bridges a browser or softphone WebSocket to the speech
// layer.
//
// One connection carries two kinds of messages. Binary messages are raw
// 16-bit little-endian PCM: inbound while the server captures, outbound
// while it plays a prompt. Text messages are JSON [Message] values used for
// control and for clients that run speech recognition and synthesis
// themselves.
//
// A [Conn] serves as [audio.Source] and [audio.Sink] for a server-side
// [speech.Engine]. [Remote] implements [speech.Voice] by delegating speaking
// and listening to the client.
package voicews

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/vocaform/pkg/audio"
)

// ErrClosed is returned once the connection has gone away.
var ErrClosed = errors.New("voicews: connection closed")

// Message types.
const (
	// Client to server.
	TypeFormat     = "format"
	TypeTranscript = "transcript"
	TypeSpoken     = "spoken"
	TypePause      = "pause"
	TypeResume     = "resume"
	TypeCancel     = "cancel"

	// Server to client.
	TypeSpeak        = "speak"
	TypeListen       = "listen"
	TypeCaptureStart = "capture_start"
	TypeCaptureStop  = "capture_stop"
	TypePlaybackEnd  = "playback_end"
	TypeEvent        = "event"
)

// Message is a JSON control message.
type Message struct {
	Type string `json:"type"`

	// Text of a speak request or a transcript.
	Text       string  `json:"text,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	// Hints and Language accompany a listen request.
	Hints    []string `json:"hints,omitempty"`
	Language string   `json:"language,omitempty"`

	// SampleRate and Channels describe inbound PCM (format messages).
	SampleRate int `json:"sampleRate,omitempty"`
	Channels   int `json:"channels,omitempty"`

	// Event carries a session event to the client.
	Event any `json:"event,omitempty"`
}

// Command is a session control request from the client.
type Command string

// Client commands.
const (
	CommandPause  Command = TypePause
	CommandResume Command = TypeResume
	CommandCancel Command = TypeCancel
)

// Conn is a voice connection. Writes are serialised; reads happen on an
// internal goroutine started by [NewConn].
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	capMu    sync.Mutex
	capture  chan audio.Frame
	format   audio.Format
	captured time.Duration

	replies  chan Message
	commands chan Command

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

var (
	_ audio.Source = (*Conn)(nil)
	_ audio.Sink   = (*Conn)(nil)
)

// Accept upgrades an HTTP request and returns the connection.
func Accept(ctx context.Context, w http.ResponseWriter, r *http.Request, opts *websocket.AcceptOptions) (*Conn, error) {
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		return nil, fmt.Errorf("voicews: accept: %w", err)
	}
	return NewConn(ctx, ws), nil
}

// NewConn wraps ws and starts reading from it until ctx is cancelled or the
// peer disconnects. Inbound PCM is assumed to be 16 kHz mono until the
// client sends a format message.
func NewConn(ctx context.Context, ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:       ws,
		format:   audio.Format{SampleRate: 16000, Channels: 1},
		replies:  make(chan Message, 1),
		commands: make(chan Command, 8),
		done:     make(chan struct{}),
	}
	go c.readLoop(ctx)
	return c
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil while it is open.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Commands delivers pause, resume and cancel requests from the client.
func (c *Conn) Commands() <-chan Command { return c.commands }

// Close closes the connection with a normal status.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "session closed")
}

// CloseStatus closes the connection with the given status and reason.
func (c *Conn) CloseStatus(code websocket.StatusCode, reason string) error {
	return c.ws.Close(code, reason)
}

func (c *Conn) finish(err error) {
	c.closeOnce.Do(func() {
		c.err = fmt.Errorf("%w: %w", ErrClosed, err)
		close(c.done)
	})
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			c.finish(err)
			return
		}
		if typ == websocket.MessageBinary {
			c.deliverAudio(data)
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("voicews: ignoring malformed message", "err", err)
			continue
		}
		switch msg.Type {
		case TypeFormat:
			c.capMu.Lock()
			if msg.SampleRate > 0 {
				c.format.SampleRate = msg.SampleRate
			}
			if msg.Channels > 0 {
				c.format.Channels = msg.Channels
			}
			c.capMu.Unlock()
		case TypeTranscript, TypeSpoken:
			// Only the latest reply matters; a stale one is replaced.
			select {
			case <-c.replies:
			default:
			}
			c.replies <- msg
		case TypePause, TypeResume, TypeCancel:
			select {
			case c.commands <- Command(msg.Type):
			default:
				slog.Warn("voicews: command dropped, queue full", "command", msg.Type)
			}
		default:
			slog.Debug("voicews: ignoring message", "type", msg.Type)
		}
	}
}

func (c *Conn) deliverAudio(data []byte) {
	c.capMu.Lock()
	defer c.capMu.Unlock()
	if c.capture == nil {
		return
	}
	f := audio.Frame{Data: data, SampleRate: c.format.SampleRate, Channels: c.format.Channels, Timestamp: c.captured}
	select {
	case c.capture <- f:
		c.captured += f.Duration()
	default:
		slog.Debug("voicews: capture buffer full, dropping frame", "bytes", len(data))
	}
}

// writeTimeout bounds a single write. Writes ignore caller cancellation:
// an interrupted write closes the whole socket.
const writeTimeout = 10 * time.Second

// Send writes a control message.
func (c *Conn) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsjson.Write(wctx, c.ws, msg); err != nil {
		return fmt.Errorf("voicews: send %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Conn) writeAudio(ctx context.Context, pcm []byte) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(wctx, websocket.MessageBinary, pcm)
}

// SendEvent pushes a session event to the client.
func (c *Conn) SendEvent(ctx context.Context, ev any) error {
	return c.Send(ctx, Message{Type: TypeEvent, Event: ev})
}

// Capture implements [audio.Source]. The client is told to start streaming
// microphone audio and to stop once ctx is done. A new capture supersedes a
// previous one that is still running.
func (c *Conn) Capture(ctx context.Context) (<-chan audio.Frame, error) {
	c.capMu.Lock()
	defer c.capMu.Unlock()
	select {
	case <-c.done:
		return nil, c.err
	default:
	}
	if c.capture != nil {
		c.stopCaptureLocked()
	}
	ch := make(chan audio.Frame, 64)
	c.capture = ch
	c.captured = 0
	if err := c.Send(ctx, Message{Type: TypeCaptureStart}); err != nil {
		c.capture = nil
		close(ch)
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
		}
		c.capMu.Lock()
		defer c.capMu.Unlock()
		if c.capture == ch {
			c.stopCaptureLocked()
		}
	}()
	return ch, nil
}

// stopCaptureLocked closes the running capture and tells the client. The
// caller holds capMu, so the stop message always precedes the next start.
func (c *Conn) stopCaptureLocked() {
	close(c.capture)
	c.capture = nil
	select {
	case <-c.done:
		return
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Send(ctx, Message{Type: TypeCaptureStop}); err != nil {
		slog.Debug("voicews: capture stop not delivered", "err", err)
	}
}

// Play implements [audio.Sink]. Frames are written as binary messages
// followed by a playback_end message; Play returns once the last frame has
// been handed to the transport.
func (c *Conn) Play(ctx context.Context, frames <-chan audio.Frame) error {
	for {
		select {
		case <-ctx.Done():
			go audio.Drain(frames)
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return c.Send(ctx, Message{Type: TypePlaybackEnd})
			}
			if err := c.writeAudio(ctx, f.Data); err != nil {
				go audio.Drain(frames)
				return fmt.Errorf("voicews: play: %w", err)
			}
		}
	}
}

// awaitReply waits for the next reply of the given type.
func (c *Conn) awaitReply(ctx context.Context, typ string) (Message, error) {
	for {
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-c.done:
			return Message{}, c.err
		case msg := <-c.replies:
			if msg.Type == typ {
				return msg, nil
			}
			slog.Debug("voicews: unexpected reply", "want", typ, "got", msg.Type)
		}
	}
}

// clearReplies discards a reply left over from an earlier request.
func (c *Conn) clearReplies() {
	select {
	case <-c.replies:
	default:
	}
}
