// Package audio holds helpers for 8 kHz mono mu-law telephony audio.
package audio

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	SampleRate = 8000
	// FrameSize is one 20ms mu-law frame.
	FrameSize = 160
	// MulawSilence is the mu-law encoding of a zero sample.
	MulawSilence byte = 0xFF
)

// Silence returns d worth of mu-law silence, rounded up to whole frames.
func Silence(d time.Duration) []byte {
	n := int(d.Milliseconds()) * SampleRate / 1000
	if rem := n % FrameSize; rem != 0 {
		n += FrameSize - rem
	}
	return bytes.Repeat([]byte{MulawSilence}, n)
}

// Duration is the playback length of mu-law audio.
func Duration(mulaw []byte) time.Duration {
	return time.Duration(len(mulaw)) * time.Second / SampleRate
}

// Frames splits audio into FrameSize chunks; the last chunk may be short.
func Frames(mulaw []byte) [][]byte {
	var out [][]byte
	for i := 0; i < len(mulaw); i += FrameSize {
		end := min(i+FrameSize, len(mulaw))
		out = append(out, mulaw[i:end])
	}
	return out
}

// LoadClip reads a raw mu-law clip. Files ending in .b64 hold base64 text.
func LoadClip(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load clip %s: %w", path, err)
	}
	if strings.HasSuffix(path, ".b64") {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(b)))
		if err != nil {
			return nil, fmt.Errorf("decode clip %s: %w", path, err)
		}
		b = decoded
	}
	if len(b) < FrameSize {
		return nil, fmt.Errorf("clip %s: %d bytes is shorter than one frame", path, len(b))
	}
	return b, nil
}

// FallbackClip loads path, or returns a short silence when path is empty or
// unreadable so there is always something to play.
func FallbackClip(path string) []byte {
	if path != "" {
		if clip, err := LoadClip(path); err == nil {
			return clip
		}
	}
	return Silence(800 * time.Millisecond)
}
