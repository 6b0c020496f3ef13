package stt

import (
	"context"
	"time"
)

// TranscriptEvent is one recognition hypothesis from the vendor. Partial
// events carry the full current hypothesis, not a delta.
type TranscriptEvent struct {
	Text       string
	IsFinal    bool
	Confidence float64
	Timestamp  time.Time
}

// Stream is one open transcription channel for a call.
type Stream interface {
	// Write sends caller audio to the vendor.
	Write(audio []byte) error
	// Events yields transcript events; it is closed when the stream ends.
	Events() <-chan TranscriptEvent
	// Close ends the stream and releases the vendor connection.
	Close() error
}

// Streamer opens transcription streams; one per call.
type Streamer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	Open(ctx context.Context, cfg Config) (Stream, error)
}

// Config contains vendor-agnostic STT configuration.
type Config struct {
	CallID     string
	Language   string
	SampleRate int
	Encoding   string
}
