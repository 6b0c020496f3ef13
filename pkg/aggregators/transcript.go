package aggregators

import (
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/sawt/pkg/adapters/stt"
	"github.com/harunnryd/sawt/pkg/session"
)

// Utterance is one finished unit of caller speech.
type Utterance struct {
	Text          string
	Confidence    float64
	DurationMs    int64
	LowConfidence bool
	// Fallback marks utterances synthesized from a partial after silence.
	Fallback bool
}

// Outcome tells the caller what a pushed event did.
type Outcome int

const (
	OutcomeNone Outcome = iota
	// OutcomePartial means a hypothesis is now pending.
	OutcomePartial
	// OutcomeUtterance means an Utterance was emitted and the buffer cleared.
	OutcomeUtterance
)

type Config struct {
	// ConfidenceThreshold is the minimum final confidence accepted without a
	// low-confidence tag. Nil selects DefaultConfidenceThreshold; zero accepts
	// every final.
	ConfidenceThreshold *float64
	SilenceTimeout      time.Duration
}

// Threshold returns v as a ConfidenceThreshold.
func Threshold(v float64) *float64 { return &v }

const (
	DefaultConfidenceThreshold = 0.6
	DefaultSilenceTimeout      = 1200 * time.Millisecond
)

// TranscriptAggregator turns a stream of transcript events for one session
// into Utterances. Pending text lives in the session so that emission and
// clearing happen under the session lock.
//
// Push, SilenceElapsed and Close must be called from the session's worker.
// The silence timer only calls onSilence, which is expected to enqueue a
// tick for the worker.
type TranscriptAggregator struct {
	cfg       Config
	threshold float64
	sess      *session.Session
	onSilence func(gen uint64)
	now       func() time.Time

	mu     sync.Mutex
	timer  *time.Timer
	gen    uint64
	closed bool
}

func NewTranscriptAggregator(sess *session.Session, cfg Config, onSilence func(gen uint64)) *TranscriptAggregator {
	threshold := DefaultConfidenceThreshold
	if cfg.ConfidenceThreshold != nil {
		threshold = *cfg.ConfidenceThreshold
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = DefaultSilenceTimeout
	}
	if onSilence == nil {
		onSilence = func(uint64) {}
	}
	return &TranscriptAggregator{cfg: cfg, threshold: threshold, sess: sess, onSilence: onSilence, now: time.Now}
}

// Push applies one transcript event.
func (a *TranscriptAggregator) Push(ev stt.TranscriptEvent) (Utterance, Outcome) {
	if a.isClosed() {
		return Utterance{}, OutcomeNone
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = a.now()
	}
	text := strings.TrimSpace(ev.Text)

	if !ev.IsFinal {
		if text == "" {
			return Utterance{}, OutcomeNone
		}
		p := a.sess.Pending()
		if p.Empty() {
			p.StartedAt = ts
		}
		p.Text = text
		p.Confidence = ev.Confidence
		p.UpdatedAt = ts
		a.sess.SetPending(p)
		a.armTimer()
		return Utterance{}, OutcomePartial
	}

	a.stopTimer()
	p := a.sess.TakePending()
	if text == "" {
		text = p.Text
	}
	if text == "" {
		return Utterance{}, OutcomeNone
	}
	start := p.StartedAt
	if start.IsZero() {
		start = ts
	}
	return Utterance{
		Text:          text,
		Confidence:    ev.Confidence,
		DurationMs:    ts.Sub(start).Milliseconds(),
		LowConfidence: ev.Confidence < a.threshold,
	}, OutcomeUtterance
}

// SilenceElapsed is called when a silence tick for gen reaches the worker.
// Stale ticks (a newer partial re-armed the timer) are ignored.
func (a *TranscriptAggregator) SilenceElapsed(gen uint64) (Utterance, bool) {
	a.mu.Lock()
	if a.closed || gen != a.gen {
		a.mu.Unlock()
		return Utterance{}, false
	}
	a.timer = nil
	a.mu.Unlock()

	p := a.sess.TakePending()
	if p.Empty() {
		return Utterance{}, false
	}
	return Utterance{
		Text:          p.Text,
		Confidence:    p.Confidence,
		DurationMs:    p.UpdatedAt.Sub(p.StartedAt).Milliseconds(),
		LowConfidence: p.Confidence < a.threshold,
		Fallback:      true,
	}, true
}

// Reset drops any pending partial without emitting it.
func (a *TranscriptAggregator) Reset() {
	a.stopTimer()
	a.sess.TakePending()
}

// Close ends aggregation; a pending partial is discarded, never emitted.
func (a *TranscriptAggregator) Close() {
	a.mu.Lock()
	a.closed = true
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()
	a.sess.TakePending()
}

func (a *TranscriptAggregator) armTimer() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.gen++
	gen := a.gen
	a.timer = time.AfterFunc(a.cfg.SilenceTimeout, func() { a.onSilence(gen) })
}

func (a *TranscriptAggregator) stopTimer() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *TranscriptAggregator) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}
