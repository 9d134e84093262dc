package audio

import (
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
)

// Converter normalises frames to a target format. Create one per stream.
type Converter struct {
	Target Format

	warnOnce sync.Once
}

// Convert resamples and remixes frame to c.Target. Frames with an odd byte
// count cannot be valid 16-bit PCM and come back empty.
func (c *Converter) Convert(frame Frame) Frame {
	out := Frame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	if len(frame.Data)%2 != 0 {
		c.warnOnce.Do(func() {
			slog.Warn("audio: dropping frame with odd byte count", "bytes", len(frame.Data))
		})
		return out
	}
	if frame.Format() == c.Target {
		return frame
	}

	pcm := frame.Data
	channels := frame.Channels
	if channels < 1 {
		channels = 1
	}
	if frame.SampleRate > 0 && frame.SampleRate != c.Target.SampleRate {
		pcm = Resample(pcm, channels, frame.SampleRate, c.Target.SampleRate)
	}
	switch {
	case channels == 2 && c.Target.Channels == 1:
		pcm = StereoToMono(pcm)
	case channels == 1 && c.Target.Channels == 2:
		pcm = MonoToStereo(pcm)
	}
	out.Data = pcm
	return out
}

func sample(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

func putSample(pcm []byte, i int, v int16) {
	binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
}

// Resample converts interleaved PCM with the given channel count from
// srcRate to dstRate by linear interpolation.
func Resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || channels < 1 {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return nil
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	out := make([]byte, dstFrames*channels*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := range channels {
			a := float64(sample(pcm, idx*channels+ch))
			b := float64(sample(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int16(a+(b-a)*frac))
		}
	}
	return out
}

// StereoToMono averages each left/right pair.
func StereoToMono(pcm []byte) []byte {
	n := len(pcm) / 4
	out := make([]byte, n*2)
	for i := range n {
		l := int32(sample(pcm, 2*i))
		r := int32(sample(pcm, 2*i+1))
		putSample(out, i, int16((l+r)/2))
	}
	return out
}

// MonoToStereo duplicates every sample into both channels.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := range n {
		s := sample(pcm, i)
		putSample(out, 2*i, s)
		putSample(out, 2*i+1, s)
	}
	return out
}

// RMS returns the root-mean-square amplitude of pcm normalised to [0, 1].
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(sample(pcm, i)) / math.MaxInt16
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Tone returns n mono samples of a constant amplitude, useful as synthetic
// "speech" in tests and health checks.
func Tone(n int, amplitude int16) []byte {
	out := make([]byte, n*2)
	for i := range n {
		v := amplitude
		if i%2 == 1 {
			v = -amplitude
		}
		putSample(out, i, v)
	}
	return out
}
