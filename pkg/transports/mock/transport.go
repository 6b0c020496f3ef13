package mock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/sawt/pkg/audio"
	"github.com/harunnryd/sawt/pkg/transports"
)

// Transport is an in-memory telephony transport for local testing and
// integration. Calls are driven by the test through StartCall, SendAudio and
// Hangup; playback and hang-up requests are recorded.
type Transport struct {
	// RealTime makes PlayAudio take as long as the audio would on a phone.
	RealTime bool

	handler atomic.Value
	closed  atomic.Bool

	mu      sync.Mutex
	played  map[string][][]byte
	ended   map[string]bool
	cleared map[string]int
}

func New() *Transport {
	return &Transport{
		played:  make(map[string][][]byte),
		ended:   make(map[string]bool),
		cleared: make(map[string]int),
	}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context, h transports.CallHandler) error {
	if h == nil {
		return errors.New("mock transport: nil handler")
	}
	t.handler.Store(h)
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.closed.Store(true)
	return nil
}

func (t *Transport) h() transports.CallHandler {
	h, _ := t.handler.Load().(transports.CallHandler)
	return h
}

// StartCall simulates an inbound call connecting.
func (t *Transport) StartCall(callID, from string, cfg transports.CallConfig) error {
	h := t.h()
	if h == nil || t.closed.Load() {
		return errors.New("mock transport: not running")
	}
	return h.OnCallStart(callID, from, cfg)
}

// SendAudio injects one inbound audio frame.
func (t *Transport) SendAudio(callID string, chunk []byte) {
	if h := t.h(); h != nil && !t.closed.Load() {
		h.OnAudioFrame(callID, chunk, time.Now())
	}
}

// Hangup simulates the caller hanging up.
func (t *Transport) Hangup(callID string) {
	if h := t.h(); h != nil {
		h.OnCallEnd(callID)
	}
}

func (t *Transport) PlayAudio(ctx context.Context, callID string, mulaw []byte) error {
	t.mu.Lock()
	t.played[callID] = append(t.played[callID], append([]byte(nil), mulaw...))
	t.mu.Unlock()
	if !t.RealTime {
		return ctx.Err()
	}
	timer := time.NewTimer(audio.Duration(mulaw))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		t.mu.Lock()
		t.cleared[callID]++
		t.mu.Unlock()
		return ctx.Err()
	}
}

// EndCall records the hang-up and, like a carrier would, reports the call
// ended back to the handler.
func (t *Transport) EndCall(_ context.Context, callID string) error {
	t.mu.Lock()
	t.ended[callID] = true
	t.mu.Unlock()
	if h := t.h(); h != nil {
		go h.OnCallEnd(callID)
	}
	return nil
}

// Played returns every clip played on callID, oldest first.
func (t *Transport) Played(callID string) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.played[callID]...)
}

func (t *Transport) Ended(callID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended[callID]
}

// Cleared counts playbacks interrupted by cancellation.
func (t *Transport) Cleared(callID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cleared[callID]
}

var _ transports.Transport = (*Transport)(nil)
