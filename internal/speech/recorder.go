package speech

import (
	"log/slog"
	"time"

	"github.com/MrWong99/vocaform/pkg/audio"
	"github.com/MrWong99/vocaform/pkg/provider/vad"
)

// StopReason tells why a capture ended.
type StopReason int

const (
	// StopNone means capture continues.
	StopNone StopReason = iota

	// StopSilence: the user spoke and then stayed quiet for SilenceDuration.
	StopSilence

	// StopMaxDuration: the hard capture limit was reached.
	StopMaxDuration

	// StopEnded: the audio source closed its stream.
	StopEnded
)

func (r StopReason) String() string {
	switch r {
	case StopNone:
		return "none"
	case StopSilence:
		return "silence"
	case StopMaxDuration:
		return "max_duration"
	case StopEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// RecorderConfig bounds one capture.
type RecorderConfig struct {
	// SilenceThreshold is the normalised RMS level under which a frame counts
	// as silence when no VAD is attached. Default 0.01.
	SilenceThreshold float64

	// SilenceDuration of continuous silence after speech ends the capture.
	// Default 1.5s.
	SilenceDuration time.Duration

	// MaxDuration always ends the capture. Default 30s.
	MaxDuration time.Duration
}

func (c RecorderConfig) withDefaults() RecorderConfig {
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = 0.01
	}
	if c.SilenceDuration <= 0 {
		c.SilenceDuration = 1500 * time.Millisecond
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 30 * time.Second
	}
	return c
}

// Recorder decides when a capture is over. It measures time by the audio it
// has observed, not by the wall clock, so a slow transport never cuts an
// answer short. A Recorder is not safe for concurrent use.
type Recorder struct {
	cfg RecorderConfig
	vad vad.SessionHandle

	heard   bool
	silent  time.Duration
	elapsed time.Duration
}

// NewRecorder returns a recorder. v may be nil, in which case frame volume
// decides between speech and silence.
func NewRecorder(cfg RecorderConfig, v vad.SessionHandle) *Recorder {
	return &Recorder{cfg: cfg.withDefaults(), vad: v}
}

// Observe accounts for one frame and reports whether capture should stop.
func (r *Recorder) Observe(f audio.Frame) StopReason {
	d := f.Duration()
	r.elapsed += d

	if r.isSpeech(f) {
		r.heard = true
		r.silent = 0
	} else if r.heard {
		r.silent += d
	}

	switch {
	case r.elapsed >= r.cfg.MaxDuration:
		return StopMaxDuration
	case r.heard && r.silent >= r.cfg.SilenceDuration:
		return StopSilence
	default:
		return StopNone
	}
}

func (r *Recorder) isSpeech(f audio.Frame) bool {
	if r.vad != nil {
		ev, err := r.vad.ProcessFrame(f.Data)
		if err == nil {
			return ev.Type.IsSpeech()
		}
		slog.Debug("speech: vad failed, using volume", "err", err)
	}
	return audio.RMS(f.Data) >= r.cfg.SilenceThreshold
}

// Heard reports whether any speech has been observed.
func (r *Recorder) Heard() bool { return r.heard }

// Elapsed returns the amount of audio observed.
func (r *Recorder) Elapsed() time.Duration { return r.elapsed }
