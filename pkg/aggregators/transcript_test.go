package aggregators

import (
	"testing"
	"time"

	"github.com/harunnryd/sawt/pkg/adapters/stt"
	"github.com/harunnryd/sawt/pkg/session"
)

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	store := session.NewStore(session.StoreOptions{})
	sess, _, err := store.Create("CA-agg", "", session.Config{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func partial(text string) stt.TranscriptEvent {
	return stt.TranscriptEvent{Text: text, Confidence: 0.5, Timestamp: time.Now()}
}

func final(text string, conf float64) stt.TranscriptEvent {
	return stt.TranscriptEvent{Text: text, IsFinal: true, Confidence: conf, Timestamp: time.Now()}
}

func TestFinalAboveThresholdEmitsAndClears(t *testing.T) {
	sess := newTestSession(t)
	agg := NewTranscriptAggregator(sess, Config{ConfidenceThreshold: Threshold(0.7), SilenceTimeout: time.Hour}, nil)

	if _, out := agg.Push(partial("hel")); out != OutcomePartial {
		t.Fatalf("expected partial outcome")
	}
	if _, out := agg.Push(partial("hello the")); out != OutcomePartial {
		t.Fatalf("expected partial outcome")
	}
	if got := sess.Pending().Text; got != "hello the" {
		t.Fatalf("partials must replace, got %q", got)
	}
	u, out := agg.Push(final("hello there", 0.95))
	if out != OutcomeUtterance || u.Text != "hello there" || u.LowConfidence {
		t.Fatalf("unexpected utterance %+v %v", u, out)
	}
	if !sess.Pending().Empty() {
		t.Fatalf("pending must be empty after emission")
	}
}

func TestFinalBelowThresholdIsTagged(t *testing.T) {
	sess := newTestSession(t)
	agg := NewTranscriptAggregator(sess, Config{ConfidenceThreshold: Threshold(0.7), SilenceTimeout: time.Hour}, nil)
	u, out := agg.Push(final("mumble", 0.3))
	if out != OutcomeUtterance || !u.LowConfidence {
		t.Fatalf("expected low-confidence utterance, got %+v", u)
	}
}

func TestEmptyFinalFallsBackToPendingText(t *testing.T) {
	sess := newTestSession(t)
	agg := NewTranscriptAggregator(sess, Config{SilenceTimeout: time.Hour}, nil)
	agg.Push(partial("book a table"))
	u, out := agg.Push(final("", 0.9))
	if out != OutcomeUtterance || u.Text != "book a table" {
		t.Fatalf("expected pending text to be used, got %+v", u)
	}
	if _, out := agg.Push(final("   ", 0.9)); out != OutcomeNone {
		t.Fatalf("empty final with nothing pending must be ignored")
	}
}

func TestSilenceFallbackEmitsLastPartial(t *testing.T) {
	sess := newTestSession(t)
	ticks := make(chan uint64, 4)
	agg := NewTranscriptAggregator(sess, Config{SilenceTimeout: 20 * time.Millisecond}, func(gen uint64) { ticks <- gen })

	agg.Push(partial("I was wondering"))
	var gen uint64
	select {
	case gen = <-ticks:
	case <-time.After(time.Second):
		t.Fatalf("silence timer never fired")
	}
	u, ok := agg.SilenceElapsed(gen)
	if !ok || !u.Fallback || u.Text != "I was wondering" {
		t.Fatalf("unexpected fallback utterance %+v %v", u, ok)
	}
	if !sess.Pending().Empty() {
		t.Fatalf("pending must be cleared by fallback")
	}
	if _, ok := agg.SilenceElapsed(gen); ok {
		t.Fatalf("a tick must not emit twice")
	}
}

func TestStaleSilenceTickIgnored(t *testing.T) {
	sess := newTestSession(t)
	ticks := make(chan uint64, 4)
	agg := NewTranscriptAggregator(sess, Config{SilenceTimeout: time.Hour}, func(gen uint64) { ticks <- gen })
	agg.Push(partial("first"))
	agg.Push(partial("first second"))
	if _, ok := agg.SilenceElapsed(1); ok {
		t.Fatalf("tick from a superseded partial must be ignored")
	}
	if _, out := agg.Push(final("first second third", 0.9)); out != OutcomeUtterance {
		t.Fatalf("expected final to still emit")
	}
	if _, ok := agg.SilenceElapsed(2); ok {
		t.Fatalf("tick after final must be ignored")
	}
}

func TestCloseDiscardsPending(t *testing.T) {
	sess := newTestSession(t)
	ticks := make(chan uint64, 1)
	agg := NewTranscriptAggregator(sess, Config{SilenceTimeout: 10 * time.Millisecond}, func(gen uint64) { ticks <- gen })
	agg.Push(partial("never mind"))
	agg.Close()
	if !sess.Pending().Empty() {
		t.Fatalf("close must discard pending partial")
	}
	select {
	case gen := <-ticks:
		if _, ok := agg.SilenceElapsed(gen); ok {
			t.Fatalf("closed aggregator must not emit")
		}
	case <-time.After(50 * time.Millisecond):
	}
	if _, out := agg.Push(final("late", 0.9)); out != OutcomeNone {
		t.Fatalf("closed aggregator must ignore events")
	}
}

func TestUtteranceCountMatchesFinalsPlusOneFallback(t *testing.T) {
	sess := newTestSession(t)
	ticks := make(chan uint64, 8)
	agg := NewTranscriptAggregator(sess, Config{SilenceTimeout: 15 * time.Millisecond}, func(gen uint64) { ticks <- gen })

	events := []stt.TranscriptEvent{
		partial("a"), partial("a b"), final("a b c", 0.9),
		partial("d"), final("d e", 0.2),
		final("f", 0.8),
		partial("g h"),
	}
	utterances, finals := 0, 0
	for _, ev := range events {
		if ev.IsFinal {
			finals++
		}
		if _, out := agg.Push(ev); out == OutcomeUtterance {
			utterances++
			if !sess.Pending().Empty() {
				t.Fatalf("pending must be empty after each utterance")
			}
		}
	}
	deadline := time.After(time.Second)
	for fired := false; !fired; {
		select {
		case gen := <-ticks:
			if _, ok := agg.SilenceElapsed(gen); ok {
				utterances++
				fired = true
			}
		case <-deadline:
			t.Fatalf("expected trailing partial to trigger fallback")
		}
	}
	if utterances != finals+1 {
		t.Fatalf("expected %d utterances, got %d", finals+1, utterances)
	}
}

func TestSilenceFallbackCarriesConfidenceTag(t *testing.T) {
	sess := newTestSession(t)
	ticks := make(chan uint64, 4)
	agg := NewTranscriptAggregator(sess, Config{SilenceTimeout: 10 * time.Millisecond}, func(gen uint64) { ticks <- gen })

	agg.Push(stt.TranscriptEvent{Text: "uh", Confidence: 0.1, Timestamp: time.Now()})
	var gen uint64
	select {
	case gen = <-ticks:
	case <-time.After(time.Second):
		t.Fatalf("silence timer never fired")
	}
	u, ok := agg.SilenceElapsed(gen)
	if !ok || !u.Fallback {
		t.Fatalf("expected fallback utterance, got %+v %v", u, ok)
	}
	if !u.LowConfidence {
		t.Fatalf("a 0.1 partial must be tagged low confidence")
	}
}

func TestZeroThresholdAcceptsEveryFinal(t *testing.T) {
	sess := newTestSession(t)
	agg := NewTranscriptAggregator(sess, Config{ConfidenceThreshold: Threshold(0), SilenceTimeout: time.Hour}, nil)
	u, out := agg.Push(final("anything", 0.01))
	if out != OutcomeUtterance || u.LowConfidence {
		t.Fatalf("zero threshold must accept the final, got %+v", u)
	}

	def := NewTranscriptAggregator(newTestSession(t), Config{SilenceTimeout: time.Hour}, nil)
	if u, _ := def.Push(final("anything", 0.5)); !u.LowConfidence {
		t.Fatalf("unset threshold must fall back to %v", DefaultConfidenceThreshold)
	}
}
