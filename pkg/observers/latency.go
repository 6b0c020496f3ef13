package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/sawt/pkg/metrics"
)

// LatencyObserver logs per-turn latency: caller utterance to reply ready to
// first playback.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	utterance time.Time
	reply     time.Time
	synth     time.Time
	playback  time.Time
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	callID := ev.Tags[metrics.TagCallID]
	if callID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	switch ev.Name {
	case metrics.EventUtterance:
		o.traces[callID] = &trace{utterance: ev.Time}
		return
	case metrics.EventCallEnded, metrics.EventSessionReaped:
		delete(o.traces, callID)
		return
	}

	t := o.traces[callID]
	if t == nil {
		return
	}
	switch ev.Name {
	case metrics.EventReplyReady:
		t.reply = ev.Time
	case metrics.EventSynthesisDone:
		t.synth = ev.Time
	case metrics.EventPlaybackStarted:
		t.playback = ev.Time
		o.logTurnLocked(callID, t)
		delete(o.traces, callID)
	case metrics.EventBargeIn, metrics.EventReplyFailed:
		delete(o.traces, callID)
	}
}

// Pending reports how many turns are awaiting playback.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}

func (o *LatencyObserver) logTurnLocked(callID string, t *trace) {
	o.log.Info("turn_latency",
		"call_id", callID,
		"reply_ms", durationMs(t.utterance, t.reply),
		"synthesis_ms", durationMs(t.reply, t.synth),
		"turn_ms", durationMs(t.utterance, t.playback),
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
