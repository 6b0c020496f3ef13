package transports

import (
	"context"
	"time"
)

// CallConfig is the per-call configuration the telephony layer may pass on
// call start. Empty fields fall back to service defaults.
type CallConfig struct {
	Language     string
	VoiceProfile string
}

// CallHandler receives call lifecycle and audio from the telephony layer.
type CallHandler interface {
	// OnCallStart registers a call. A non-nil error means the call must be
	// rejected (no session could be allocated).
	OnCallStart(callID, fromNumber string, cfg CallConfig) error
	OnAudioFrame(callID string, audio []byte, ts time.Time)
	OnCallEnd(callID string)
}

// Telephony is the outbound side: playback and hang-up instructions.
type Telephony interface {
	// PlayAudio plays audio on the call and returns once playback finished.
	// Cancelling ctx stops playback and flushes queued audio.
	PlayAudio(ctx context.Context, callID string, audio []byte) error
	// EndCall hangs up.
	EndCall(ctx context.Context, callID string) error
}

// Transport is a telephony integration with its own network lifecycle.
type Transport interface {
	Telephony
	Name() string
	// Start begins serving and routes inbound calls to h.
	Start(ctx context.Context, h CallHandler) error
	Stop() error
}

// OutboundDialer allows transports to initiate outbound calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callSID string, err error)
}

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}

// DialOptions carries optional parameters for outbound calls.
type DialOptions struct {
	// SendDigits is played as DTMF once the callee answers.
	SendDigits string
}
