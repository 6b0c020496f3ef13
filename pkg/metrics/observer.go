package metrics

import "time"

// Conversation events recorded by the orchestrator and turn controller.
const (
	EventCallStarted       = "call_started"
	EventCallEnded         = "call_ended"
	EventCallRejected      = "call_rejected"
	EventAudioFrame        = "audio_frame"
	EventStateChange       = "state_change"
	EventUtterance         = "utterance"
	EventReplyReady        = "reply_ready"
	EventReplyFailed       = "reply_failed"
	EventSynthesisDone     = "synthesis_done"
	EventSynthesisFallback = "synthesis_fallback"
	EventPlaybackStarted   = "playback_started"
	EventBargeIn           = "barge_in"
	EventSessionReaped     = "session_reaped"
)

// Tag keys shared by events.
const (
	TagCallID = "call_id"
	TagKind   = "kind"
	TagReason = "reason"
	TagFrom   = "from_state"
	TagTo     = "to_state"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Record builds an event stamped with the current time and hands it to obs.
// A nil observer is ignored.
func Record(obs Observer, name, callID string, value float64, tags map[string]string) {
	if obs == nil {
		return
	}
	t := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		t[k] = v
	}
	if callID != "" {
		t[TagCallID] = callID
	}
	obs.RecordEvent(MetricsEvent{Name: name, Time: time.Now(), Value: value, Tags: t})
}
