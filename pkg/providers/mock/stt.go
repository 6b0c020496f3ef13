package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/sawt/pkg/adapters/stt"
)

type STTConfig struct {
	// Transcript, when set, is emitted as a partial then a final after the
	// first audio write of each stream.
	Transcript string
	Confidence float64
}

// Streamer hands out scriptable in-memory streams, one per call.
type Streamer struct {
	cfg STTConfig

	mu      sync.Mutex
	streams map[string]*Stream
}

func NewStreamer(cfg STTConfig) *Streamer {
	if cfg.Confidence == 0 {
		cfg.Confidence = 0.95
	}
	return &Streamer{cfg: cfg, streams: make(map[string]*Stream)}
}

func (s *Streamer) Name() string { return "mock_stt" }

func (s *Streamer) Open(ctx context.Context, cfg stt.Config) (stt.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st := &Stream{cfg: s.cfg, out: make(chan stt.TranscriptEvent, 16)}
	s.mu.Lock()
	s.streams[cfg.CallID] = st
	s.mu.Unlock()
	return st, nil
}

// Stream returns the stream opened for callID, if any.
func (s *Streamer) Stream(callID string) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[callID]
}

type Stream struct {
	cfg STTConfig

	mu      sync.Mutex
	out     chan stt.TranscriptEvent
	bytes   int
	emitted bool
	closed  bool
}

func (s *Stream) Write(audio []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("mock_stt: stream closed")
	}
	s.bytes += len(audio)
	script := s.cfg.Transcript != "" && !s.emitted
	s.emitted = true
	s.mu.Unlock()
	if script {
		s.Emit(stt.TranscriptEvent{Text: s.cfg.Transcript, Confidence: s.cfg.Confidence})
		s.Emit(stt.TranscriptEvent{Text: s.cfg.Transcript, IsFinal: true, Confidence: s.cfg.Confidence})
	}
	return nil
}

// Emit pushes a transcript event as if the vendor had sent it.
func (s *Stream) Emit(ev stt.TranscriptEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.out <- ev
}

func (s *Stream) Events() <-chan stt.TranscriptEvent { return s.out }

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}

// BytesWritten reports how much audio reached the stream.
func (s *Stream) BytesWritten() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ stt.Streamer = (*Streamer)(nil)
