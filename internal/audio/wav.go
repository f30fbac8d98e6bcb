// Package audio turns WAV files into the mono 16 kHz float32 samples the
// whisper engine consumes.
package audio

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-audio/wav"
)

// SampleRate is the only rate whisper accepts.
const SampleRate = 16000

// ErrNotWAV is returned for files that do not carry a RIFF/WAVE header.
var ErrNotWAV = errors.New("not a WAV file")

// LoadSamples decodes the PCM WAV file at path into mono float32 samples
// normalized to [-1.0, 1.0]. Multi-channel audio is averaged down to mono.
func LoadSamples(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audio: open %q: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("audio: %q: %w", path, ErrNotWAV)
	}
	if dec.SampleRate != SampleRate {
		return nil, fmt.Errorf("audio: %q: sample rate %d Hz, want %d Hz", path, dec.SampleRate, SampleRate)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("audio: decode %q: %w", path, err)
	}

	channels := int(dec.NumChans)
	if buf.Format != nil && buf.Format.NumChannels > 0 {
		channels = buf.Format.NumChannels
	}
	if channels < 1 {
		channels = 1
	}
	return toMono(buf.Data, channels, int(dec.BitDepth)), nil
}

// toMono averages interleaved integer samples into normalized mono floats.
func toMono(data []int, channels, bitDepth int) []float32 {
	scale, offset := normalization(bitDepth)
	frames := len(data) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(data[i*channels+c]) - offset
		}
		v := sum / float64(channels) / scale
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		out[i] = float32(v)
	}
	return out
}

// normalization returns the divisor and zero offset for a PCM bit depth.
// 8-bit WAV is unsigned.
func normalization(bitDepth int) (scale, offset float64) {
	switch bitDepth {
	case 8:
		return 128, 128
	case 24:
		return 1 << 23, 0
	case 32:
		return 1 << 31, 0
	default:
		return 32768, 0
	}
}
