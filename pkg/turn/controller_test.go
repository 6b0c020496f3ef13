package turn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/sawt/pkg/aggregators"
	"github.com/harunnryd/sawt/pkg/logging"
	"github.com/harunnryd/sawt/pkg/metrics"
	"github.com/harunnryd/sawt/pkg/session"
)

type stubGenerator struct {
	mu        sync.Mutex
	calls     []string
	cancelled int
	reply     func(ctx context.Context, text string) (string, error)
}

func (g *stubGenerator) Name() string { return "stub" }

func (g *stubGenerator) GenerateReply(ctx context.Context, _ []session.Turn, text string) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, text)
	g.mu.Unlock()
	out, err := g.reply(ctx, text)
	if errors.Is(err, context.Canceled) {
		g.mu.Lock()
		g.cancelled++
		g.mu.Unlock()
	}
	return out, err
}

func (g *stubGenerator) stats() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls), g.cancelled
}

type stubSynth struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *stubSynth) Name() string { return "stub" }

func (s *stubSynth) Synthesize(_ context.Context, text, _ string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("tts down")
	}
	return []byte("audio:" + text), nil
}

type stubTelephony struct {
	mu     sync.Mutex
	played []string
	ended  []string
}

func (t *stubTelephony) PlayAudio(_ context.Context, _ string, audio []byte) error {
	t.mu.Lock()
	t.played = append(t.played, string(audio))
	t.mu.Unlock()
	return nil
}

func (t *stubTelephony) EndCall(_ context.Context, callID string) error {
	t.mu.Lock()
	t.ended = append(t.ended, callID)
	t.mu.Unlock()
	return nil
}

func (t *stubTelephony) snapshot() ([]string, []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.played...), append([]string(nil), t.ended...)
}

type harness struct {
	ctrl   *Controller
	sess   *session.Session
	tel    *stubTelephony
	synth  *stubSynth
	gen    *stubGenerator
	obs    *metrics.MemoryObserver
	events chan Event
	closed chan struct{}
}

func newHarness(t *testing.T, opts Options, gen *stubGenerator) *harness {
	t.Helper()
	store := session.NewStore(session.StoreOptions{MaxSessions: 4})
	sess, _, err := store.Create("CA100", "+15550001111", session.Config{Language: "en"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	h := &harness{
		sess:   sess,
		tel:    &stubTelephony{},
		synth:  &stubSynth{},
		gen:    gen,
		obs:    metrics.NewMemoryObserver(),
		events: make(chan Event, 64),
		closed: make(chan struct{}),
	}
	if opts.FallbackClip == nil {
		opts.FallbackClip = []byte("fallback")
	}
	post := func(ev Event) {
		select {
		case h.events <- ev:
		case <-sess.Context().Done():
		}
	}
	h.ctrl = NewController(sess, opts, Deps{
		Generator:   gen,
		Synthesizer: h.synth,
		Telephony:   h.tel,
		Observer:    h.obs,
		Logger:      logging.Discard(),
	}, post)
	var once sync.Once
	h.ctrl.OnClosed(func() { once.Do(func() { close(h.closed) }) })

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev := <-h.events:
				_ = h.ctrl.Handle(ev)
			case <-done:
				return
			}
		}
	}()
	t.Cleanup(func() {
		close(done)
		store.Remove(sess.ID)
	})
	return h
}

func (h *harness) send(ev Event) { h.events <- ev }

func (h *harness) utter(text string, conf float64) {
	u := aggregators.Utterance{Text: text, Confidence: conf}
	h.send(Event{Type: h.ctrl.Classify(u), Utterance: u})
}

// started sends CallStarted and waits for the greeting to finish.
func (h *harness) started(t *testing.T) {
	t.Helper()
	h.send(Event{Type: EventCallStarted})
	waitFor(t, "greeting played", func() bool {
		played, _ := h.tel.snapshot()
		return len(played) == 1 && h.sess.State() == session.StateListening
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func echo(reply string) func(context.Context, string) (string, error) {
	return func(context.Context, string) (string, error) { return reply, nil }
}

func TestControllerGreetsThenReplies(t *testing.T) {
	h := newHarness(t, Options{Phrases: PhrasesFor("en", Phrases{})}, &stubGenerator{reply: echo("hi there")})
	h.started(t)

	h.utter("hello", 0.95)
	waitFor(t, "reply played", func() bool {
		played, _ := h.tel.snapshot()
		return len(played) == 2 && h.sess.State() == session.StateListening
	})

	history := h.sess.History()
	if len(history) != 2 {
		t.Fatalf("expected 2 turns, got %+v", history)
	}
	if history[0].Speaker != session.SpeakerCaller || history[0].Text != "hello" {
		t.Fatalf("unexpected caller turn %+v", history[0])
	}
	if history[1].Speaker != session.SpeakerAssistant || history[1].Text != "hi there" {
		t.Fatalf("unexpected assistant turn %+v", history[1])
	}
	played, _ := h.tel.snapshot()
	if played[0] != "audio:"+PhrasesFor("en", Phrases{}).Welcome || played[1] != "audio:hi there" {
		t.Fatalf("unexpected playback %v", played)
	}
}

func TestControllerThinkingDeadlineApologizes(t *testing.T) {
	slow := &stubGenerator{reply: func(ctx context.Context, _ string) (string, error) {
		select {
		case <-time.After(time.Second):
			return "too late", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}}
	h := newHarness(t, Options{Phrases: PhrasesFor("en", Phrases{}), ThinkingDeadline: 30 * time.Millisecond}, slow)
	h.started(t)

	h.utter("what's the weather", 0.9)
	waitFor(t, "apology played", func() bool {
		played, _ := h.tel.snapshot()
		return len(played) == 2 && h.sess.State() == session.StateListening
	})

	played, _ := h.tel.snapshot()
	if played[1] != "audio:"+PhrasesFor("en", Phrases{}).Apology {
		t.Fatalf("expected apology, got %q", played[1])
	}
	history := h.sess.History()
	if len(history) != 1 || history[0].Speaker != session.SpeakerCaller {
		t.Fatalf("apology must not enter history: %+v", history)
	}
	if h.obs.Count(metrics.EventReplyFailed) != 1 {
		t.Fatalf("expected one reply_failed metric")
	}
}

func TestControllerFarewellClosesCall(t *testing.T) {
	h := newHarness(t, Options{Phrases: PhrasesFor("en", Phrases{})}, &stubGenerator{reply: echo("unused")})
	h.started(t)

	h.utter("okay, goodbye!", 0.9)
	select {
	case <-h.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("session never closed")
	}
	if h.sess.State() != session.StateClosed {
		t.Fatalf("expected closed, got %s", h.sess.State())
	}
	waitFor(t, "call ended", func() bool {
		_, ended := h.tel.snapshot()
		return len(ended) == 1 && ended[0] == "CA100"
	})
	played, _ := h.tel.snapshot()
	if played[len(played)-1] != "audio:"+PhrasesFor("en", Phrases{}).Farewell {
		t.Fatalf("expected farewell last, got %v", played)
	}
	if n, _ := h.gen.stats(); n != 0 {
		t.Fatalf("farewell must not reach the generator")
	}

	before := len(h.sess.History())
	reply := make(chan Reply, 1)
	err := h.ctrl.Handle(Event{Type: EventUtterance, Utterance: aggregators.Utterance{Text: "hello?"}, Reply: reply})
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected invalid transition after close, got %v", err)
	}
	if r := <-reply; r.Err == nil || r.State != session.StateClosed {
		t.Fatalf("waiter must see the rejection, got %+v", r)
	}
	if len(h.sess.History()) != before || h.sess.State() != session.StateClosed {
		t.Fatalf("closed session mutated")
	}
}

func TestControllerBargeInDiscardsStaleReply(t *testing.T) {
	release := make(chan struct{})
	gen := &stubGenerator{reply: func(ctx context.Context, text string) (string, error) {
		if text == "first" {
			// Ignores cancellation so its result arrives after the barge-in.
			<-release
			return "stale", nil
		}
		return "fresh", nil
	}}
	h := newHarness(t, Options{Phrases: PhrasesFor("en", Phrases{})}, gen)
	h.started(t)

	h.utter("first", 0.9)
	waitFor(t, "first generate", func() bool {
		n, _ := gen.stats()
		return n == 1 && h.sess.State() == session.StateThinking
	})
	h.utter("second", 0.9)
	waitFor(t, "second reply", func() bool {
		played, _ := h.tel.snapshot()
		return len(played) == 2 && h.sess.State() == session.StateListening
	})
	close(release)
	time.Sleep(20 * time.Millisecond)

	history := h.sess.History()
	want := []string{"first", "second", "fresh"}
	if len(history) != len(want) {
		t.Fatalf("unexpected history %+v", history)
	}
	for i, w := range want {
		if history[i].Text != w {
			t.Fatalf("turn %d = %q, want %q", i, history[i].Text, w)
		}
	}
	played, _ := h.tel.snapshot()
	for _, p := range played {
		if p == "audio:stale" {
			t.Fatalf("stale reply was spoken")
		}
	}
}

func TestControllerBargeInCancelsGenerator(t *testing.T) {
	gen := &stubGenerator{reply: func(ctx context.Context, text string) (string, error) {
		if text == "first" {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "ok", nil
	}}
	h := newHarness(t, Options{Phrases: PhrasesFor("en", Phrases{})}, gen)
	h.started(t)

	h.utter("first", 0.9)
	waitFor(t, "first generate", func() bool { n, _ := gen.stats(); return n == 1 })
	h.utter("second", 0.9)
	waitFor(t, "cancellation", func() bool { _, c := gen.stats(); return c == 1 })
	waitFor(t, "second reply", func() bool {
		return h.sess.State() == session.StateListening && len(h.sess.History()) == 3
	})
	if h.obs.Count(metrics.EventBargeIn) != 1 {
		t.Fatalf("expected one barge-in metric, got %d", h.obs.Count(metrics.EventBargeIn))
	}
}

func TestControllerPoliteStrategyDropsBargeIn(t *testing.T) {
	release := make(chan struct{})
	gen := &stubGenerator{reply: func(ctx context.Context, _ string) (string, error) {
		<-release
		return "done", nil
	}}
	h := newHarness(t, Options{Phrases: PhrasesFor("en", Phrases{}), Strategy: PoliteStrategy{}}, gen)
	h.started(t)

	h.utter("first", 0.9)
	waitFor(t, "thinking", func() bool { return h.sess.State() == session.StateThinking })
	h.utter("second", 0.9)
	time.Sleep(20 * time.Millisecond)
	close(release)
	waitFor(t, "reply", func() bool { return len(h.sess.History()) == 2 })

	history := h.sess.History()
	if history[0].Text != "first" || history[1].Text != "done" {
		t.Fatalf("polite strategy must ignore utterances while thinking: %+v", history)
	}
	if n, _ := gen.stats(); n != 1 {
		t.Fatalf("expected one generate, got %d", n)
	}
}

func TestControllerSilenceUtteranceDoesNotPreempt(t *testing.T) {
	release := make(chan struct{})
	gen := &stubGenerator{reply: func(ctx context.Context, _ string) (string, error) {
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}}
	h := newHarness(t, Options{Phrases: PhrasesFor("en", Phrases{})}, gen)
	h.started(t)

	h.utter("first", 0.9)
	waitFor(t, "thinking", func() bool { return h.sess.State() == session.StateThinking })
	u := aggregators.Utterance{Text: "book a table", Confidence: 0.9, Fallback: true}
	h.send(Event{Type: h.ctrl.Classify(u), Utterance: u})
	time.Sleep(20 * time.Millisecond)
	close(release)
	waitFor(t, "reply", func() bool { return len(h.sess.History()) == 2 })

	if n, cancelled := gen.stats(); n != 1 || cancelled != 0 {
		t.Fatalf("silence utterance must not cancel the reply: calls=%d cancelled=%d", n, cancelled)
	}
	if h.obs.Count(metrics.EventBargeIn) != 0 {
		t.Fatalf("unexpected barge-in")
	}
}

func TestControllerSynthesisRetryThenFallback(t *testing.T) {
	h := newHarness(t, Options{Phrases: PhrasesFor("en", Phrases{})}, &stubGenerator{reply: echo("hi")})
	h.started(t)

	h.synth.mu.Lock()
	h.synth.failures = 1
	h.synth.mu.Unlock()
	h.utter("one", 0.9)
	waitFor(t, "retried reply", func() bool {
		played, _ := h.tel.snapshot()
		return len(played) == 2 && h.sess.State() == session.StateListening
	})
	played, _ := h.tel.snapshot()
	if played[1] != "audio:hi" {
		t.Fatalf("single failure must be retried, got %q", played[1])
	}

	h.synth.mu.Lock()
	h.synth.failures = 2
	h.synth.mu.Unlock()
	h.utter("two", 0.9)
	waitFor(t, "fallback clip", func() bool {
		played, _ := h.tel.snapshot()
		return len(played) == 3 && h.sess.State() == session.StateListening
	})
	played, _ = h.tel.snapshot()
	if played[2] != "fallback" {
		t.Fatalf("expected fallback clip, got %q", played[2])
	}
	if h.obs.Count(metrics.EventSynthesisFallback) != 1 {
		t.Fatalf("expected one fallback metric")
	}
}

func TestControllerLowConfidenceReprompts(t *testing.T) {
	gen := &stubGenerator{reply: echo("unused")}
	h := newHarness(t, Options{Phrases: PhrasesFor("en", Phrases{})}, gen)
	h.started(t)

	u := aggregators.Utterance{Text: "mumble", Confidence: 0.2, LowConfidence: true}
	h.send(Event{Type: h.ctrl.Classify(u), Utterance: u})
	waitFor(t, "reprompt", func() bool {
		played, _ := h.tel.snapshot()
		return len(played) == 2 && h.sess.State() == session.StateListening
	})
	played, _ := h.tel.snapshot()
	if played[1] != "audio:"+PhrasesFor("en", Phrases{}).Reprompt {
		t.Fatalf("expected reprompt, got %q", played[1])
	}
	if len(h.sess.History()) != 0 {
		t.Fatalf("low confidence input must not enter history")
	}
	if n, _ := gen.stats(); n != 0 {
		t.Fatalf("generator must not be called")
	}
}

func TestControllerCallEndedCancelsWork(t *testing.T) {
	gen := &stubGenerator{reply: func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	h := newHarness(t, Options{Phrases: PhrasesFor("en", Phrases{})}, gen)
	h.started(t)

	h.utter("are you there", 0.9)
	waitFor(t, "thinking", func() bool { n, _ := gen.stats(); return n == 1 })
	h.send(Event{Type: EventCallEnded})
	select {
	case <-h.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("session never closed")
	}
	waitFor(t, "generator cancelled", func() bool { _, c := gen.stats(); return c == 1 })
	time.Sleep(10 * time.Millisecond)
	if _, ended := h.tel.snapshot(); len(ended) != 0 {
		t.Fatalf("caller hang-up must not trigger EndCall")
	}
}

func TestControllerIdleTimeoutForcesHangup(t *testing.T) {
	h := newHarness(t, Options{Phrases: PhrasesFor("en", Phrases{})}, &stubGenerator{reply: echo("x")})
	h.started(t)

	h.send(Event{Type: EventIdleTimeout})
	select {
	case <-h.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("session never closed")
	}
	waitFor(t, "end call", func() bool { _, ended := h.tel.snapshot(); return len(ended) == 1 })
}

func TestControllerTextWaiterReceivesReply(t *testing.T) {
	h := newHarness(t, Options{Phrases: PhrasesFor("en", Phrases{})}, &stubGenerator{reply: echo("sure thing")})
	h.started(t)

	reply := make(chan Reply, 1)
	u := aggregators.Utterance{Text: "can you help", Confidence: 1}
	h.send(Event{Type: EventUtterance, Utterance: u, Reply: reply})
	select {
	case r := <-reply:
		if r.Err != nil || r.Text != "sure thing" || r.State != session.StateSpeaking {
			t.Fatalf("unexpected reply %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply")
	}
}

func TestCallWithDeadlineIgnoresStubbornCallee(t *testing.T) {
	start := time.Now()
	_, err := callWithDeadline(context.Background(), 20*time.Millisecond, func(context.Context) (string, error) {
		time.Sleep(500 * time.Millisecond)
		return "late", nil
	})
	if err == nil || time.Since(start) > 300*time.Millisecond {
		t.Fatalf("expected deadline error promptly, got %v after %s", err, time.Since(start))
	}
}
