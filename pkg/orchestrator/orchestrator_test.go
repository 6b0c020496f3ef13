package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/sawt/pkg/adapters/stt"
	"github.com/harunnryd/sawt/pkg/aggregators"
	"github.com/harunnryd/sawt/pkg/errorsx"
	"github.com/harunnryd/sawt/pkg/logging"
	"github.com/harunnryd/sawt/pkg/metrics"
	"github.com/harunnryd/sawt/pkg/providers/mock"
	"github.com/harunnryd/sawt/pkg/session"
	"github.com/harunnryd/sawt/pkg/transports"
	mocktransport "github.com/harunnryd/sawt/pkg/transports/mock"
	"github.com/harunnryd/sawt/pkg/turn"
)

type fixture struct {
	orch     *Orchestrator
	store    *session.Store
	streamer *mock.Streamer
	gen      *mock.Generator
	synth    *mock.Synthesizer
	tr       *mocktransport.Transport
	obs      *metrics.MemoryObserver
}

func newFixture(t *testing.T, maxSessions int, cfg Config, llmCfg mock.LLMConfig) *fixture {
	t.Helper()
	f := &fixture{
		store:    session.NewStore(session.StoreOptions{MaxSessions: maxSessions}),
		streamer: mock.NewStreamer(mock.STTConfig{}),
		gen:      mock.NewGenerator(llmCfg),
		synth:    mock.NewSynthesizer(mock.TTSConfig{}),
		tr:       mocktransport.New(),
		obs:      metrics.NewMemoryObserver(),
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	orch, err := New(cfg, Deps{
		Store:       f.store,
		STT:         f.streamer,
		Generator:   f.gen,
		Synthesizer: f.synth,
		Observer:    f.obs,
		Logger:      logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	orch.SetTelephony(f.tr)
	ctx, cancel := context.WithCancel(context.Background())
	if err := f.tr.Start(ctx, orch); err != nil {
		t.Fatalf("start transport: %v", err)
	}
	f.orch = orch
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = orch.Shutdown(sctx)
		cancel()
	})
	return f
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

func (f *fixture) startCall(t *testing.T, callID string) *mock.Stream {
	t.Helper()
	if err := f.tr.StartCall(callID, "+15550001111", transports.CallConfig{}); err != nil {
		t.Fatalf("start call: %v", err)
	}
	waitFor(t, "greeting", func() bool { return len(f.tr.Played(callID)) == 1 })
	st := f.streamer.Stream(callID)
	if st == nil {
		t.Fatalf("no transcription stream for %s", callID)
	}
	return st
}

func TestHelloGetsReply(t *testing.T) {
	f := newFixture(t, 0, Config{}, mock.LLMConfig{ResponseText: "hi there"})
	st := f.startCall(t, "CA1")

	f.tr.SendAudio("CA1", make([]byte, 160))
	waitFor(t, "audio forwarded", func() bool { return st.BytesWritten() == 160 })

	st.Emit(stt.TranscriptEvent{Text: "hel", Confidence: 0.5})
	st.Emit(stt.TranscriptEvent{Text: "hello", IsFinal: true, Confidence: 0.95})
	waitFor(t, "reply played", func() bool { return len(f.tr.Played("CA1")) == 2 })

	sess, err := f.store.Get("CA1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	waitFor(t, "listening", func() bool { return sess.State() == session.StateListening })
	history := sess.History()
	if len(history) != 2 || history[0].Text != "hello" || history[1].Text != "hi there" {
		t.Fatalf("unexpected history %+v", history)
	}
	texts := f.synth.Texts()
	if texts[len(texts)-1] != "hi there" {
		t.Fatalf("unexpected synthesis %v", texts)
	}
}

func TestDuplicateCallStartIsIdempotent(t *testing.T) {
	f := newFixture(t, 0, Config{}, mock.LLMConfig{})
	f.startCall(t, "CA1")
	if err := f.tr.StartCall("CA1", "+15550001111", transports.CallConfig{}); err != nil {
		t.Fatalf("duplicate start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if f.store.Count() != 1 || f.orch.Count() != 1 {
		t.Fatalf("expected one session, store=%d workers=%d", f.store.Count(), f.orch.Count())
	}
	if n := len(f.tr.Played("CA1")); n != 1 {
		t.Fatalf("greeting played %d times", n)
	}
}

func TestCallEndDiscardsPendingPartial(t *testing.T) {
	f := newFixture(t, 0, Config{Aggregator: aggregators.Config{SilenceTimeout: time.Hour}}, mock.LLMConfig{})
	st := f.startCall(t, "CA1")

	st.Emit(stt.TranscriptEvent{Text: "I was going to say", Confidence: 0.9})
	f.tr.Hangup("CA1")
	waitFor(t, "session removed", func() bool { return f.store.Count() == 0 && f.orch.Count() == 0 })
	waitFor(t, "stream closed", st.Closed)
	if f.gen.Calls() != 0 {
		t.Fatalf("pending partial must not be dispatched")
	}
	if f.tr.Ended("CA1") {
		t.Fatalf("caller hang-up must not trigger EndCall")
	}
	if f.obs.Count(metrics.EventCallEnded) != 1 {
		t.Fatalf("expected call_ended metric")
	}
}

func TestFarewellHangsUp(t *testing.T) {
	f := newFixture(t, 0, Config{}, mock.LLMConfig{})
	st := f.startCall(t, "CA1")

	st.Emit(stt.TranscriptEvent{Text: "thanks, goodbye", IsFinal: true, Confidence: 0.9})
	waitFor(t, "hang-up", func() bool { return f.tr.Ended("CA1") })
	waitFor(t, "session removed", func() bool { return f.store.Count() == 0 })
	played := f.tr.Played("CA1")
	if len(played) != 2 {
		t.Fatalf("expected greeting and farewell, got %d clips", len(played))
	}
	texts := f.synth.Texts()
	if texts[len(texts)-1] != turn.PhrasesFor("en", turn.Phrases{}).Farewell {
		t.Fatalf("unexpected farewell %q", texts[len(texts)-1])
	}
}

func TestSilenceFallbackDispatchesPartial(t *testing.T) {
	f := newFixture(t, 0, Config{Aggregator: aggregators.Config{SilenceTimeout: 30 * time.Millisecond}}, mock.LLMConfig{ResponseText: "table booked"})
	st := f.startCall(t, "CA1")

	st.Emit(stt.TranscriptEvent{Text: "book a table", Confidence: 0.8})
	waitFor(t, "reply", func() bool { return len(f.tr.Played("CA1")) == 2 })
	sess, err := f.store.Get("CA1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if h := sess.History(); len(h) < 1 || h[0].Text != "book a table" {
		t.Fatalf("unexpected history %+v", h)
	}
}

func TestCapacityRejectsCall(t *testing.T) {
	f := newFixture(t, 1, Config{}, mock.LLMConfig{})
	f.startCall(t, "CA1")
	err := f.tr.StartCall("CA2", "+15550002222", transports.CallConfig{})
	if !errors.Is(err, errorsx.ErrCapacityExhausted) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if f.obs.Count(metrics.EventCallRejected) != 1 {
		t.Fatalf("expected call_rejected metric")
	}
}

func TestCloseForcesHangup(t *testing.T) {
	f := newFixture(t, 0, Config{}, mock.LLMConfig{})
	f.startCall(t, "CA1")
	if err := f.orch.Close("CA1", "idle"); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitFor(t, "hang-up", func() bool { return f.tr.Ended("CA1") && f.store.Count() == 0 })
	if err := f.orch.Close("CA1", "idle"); !errors.Is(err, errorsx.ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConverseTextSession(t *testing.T) {
	f := newFixture(t, 0, Config{}, mock.LLMConfig{ResponseText: "hi there"})
	ctx := context.Background()

	res, err := f.orch.Converse(ctx, "", "hello")
	if err != nil {
		t.Fatalf("converse: %v", err)
	}
	if res.SessionID == "" || res.Reply != "hi there" || res.State != session.StateListening {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := f.orch.Converse(ctx, res.SessionID, "and again"); err != nil {
		t.Fatalf("second turn: %v", err)
	}
	sess, err := f.store.Get(res.SessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !sess.TextOnly() || len(sess.History()) != 4 {
		t.Fatalf("unexpected session: text_only=%v history=%d", sess.TextOnly(), len(sess.History()))
	}

	bye, err := f.orch.Converse(ctx, res.SessionID, "goodbye")
	if err != nil {
		t.Fatalf("farewell: %v", err)
	}
	if bye.Reply != turn.PhrasesFor("en", turn.Phrases{}).Farewell || bye.State != session.StateClosed {
		t.Fatalf("unexpected farewell %+v", bye)
	}
	waitFor(t, "session removed", func() bool { return f.store.Count() == 0 })
	if len(f.synth.Texts()) != 0 {
		t.Fatalf("text sessions must not synthesize")
	}
}

func TestConverseRejectsEmptyText(t *testing.T) {
	f := newFixture(t, 0, Config{}, mock.LLMConfig{})
	if _, err := f.orch.Converse(context.Background(), "", "   "); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
}

func TestShutdownClosesSessionsAndRefusesNew(t *testing.T) {
	f := newFixture(t, 0, Config{}, mock.LLMConfig{})
	f.startCall(t, "CA1")
	f.startCall(t, "CA2")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.orch.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if f.orch.Count() != 0 || f.store.Count() != 0 {
		t.Fatalf("sessions left after shutdown")
	}
	if !f.tr.Ended("CA1") || !f.tr.Ended("CA2") {
		t.Fatalf("live calls must be hung up")
	}
	if err := f.tr.StartCall("CA3", "+1", transports.CallConfig{}); !errors.Is(err, errorsx.ErrCapacityExhausted) {
		t.Fatalf("expected draining rejection, got %v", err)
	}
}

func TestSessionsDoNotBlockEachOther(t *testing.T) {
	f := newFixture(t, 0, Config{}, mock.LLMConfig{ResponseText: "ok", Delay: 150 * time.Millisecond})
	a := f.startCall(t, "CA1")
	b := f.startCall(t, "CA2")

	start := time.Now()
	a.Emit(stt.TranscriptEvent{Text: "first caller", IsFinal: true, Confidence: 0.9})
	b.Emit(stt.TranscriptEvent{Text: "second caller", IsFinal: true, Confidence: 0.9})
	waitFor(t, "both replies", func() bool {
		return len(f.tr.Played("CA1")) == 2 && len(f.tr.Played("CA2")) == 2
	})
	if elapsed := time.Since(start); elapsed > 290*time.Millisecond {
		t.Fatalf("sessions ran serially: %s", elapsed)
	}
}

func TestQueueDropsAudioWhenFull(t *testing.T) {
	q := newEventQueue(1)
	if !q.TryPush(item{kind: itemAudio}) || q.TryPush(item{kind: itemAudio}) {
		t.Fatalf("expected second push to drop")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if q.Push(ctx, item{kind: itemTurn}) {
		t.Fatalf("push must give up when ctx is done")
	}
	if s := q.Stats(); s.Pushed != 1 || s.Dropped != 2 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestQuietPartialWhileThinkingKeepsReply(t *testing.T) {
	f := newFixture(t, 0, Config{Aggregator: aggregators.Config{SilenceTimeout: 30 * time.Millisecond}},
		mock.LLMConfig{ResponseText: "ok", Delay: 200 * time.Millisecond})
	st := f.startCall(t, "CA1")
	sess, err := f.store.Get("CA1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	st.Emit(stt.TranscriptEvent{Text: "hello", IsFinal: true, Confidence: 0.95})
	waitFor(t, "thinking", func() bool { return f.gen.Calls() == 1 && sess.State() == session.StateThinking })
	st.Emit(stt.TranscriptEvent{Text: "uh", Confidence: 0.1})
	time.Sleep(80 * time.Millisecond)

	if n := f.gen.Calls(); n != 1 {
		t.Fatalf("noise must not start another reply, got %d calls", n)
	}
	if h := sess.History(); len(h) != 1 || h[0].Text != "hello" {
		t.Fatalf("history changed by noise: %+v", h)
	}
	waitFor(t, "reply", func() bool { return len(f.tr.Played("CA1")) == 2 })
	if h := sess.History(); len(h) != 2 || h[1].Text != "ok" {
		t.Fatalf("unexpected history %+v", h)
	}
	if f.obs.Count(metrics.EventBargeIn) != 0 {
		t.Fatalf("unexpected barge-in")
	}
}

func TestAudioAfterClosingDoesNotRefreshActivity(t *testing.T) {
	f := newFixture(t, 0, Config{}, mock.LLMConfig{})
	st := f.startCall(t, "CA1")
	sess, err := f.store.Get("CA1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	w := f.orch.worker("CA1")

	sess.SetState(session.StateClosing)
	before := sess.LastActivity()
	time.Sleep(5 * time.Millisecond)
	w.apply(item{kind: itemAudio, audio: make([]byte, 160)})

	if got := sess.LastActivity(); !got.Equal(before) {
		t.Fatalf("rejected audio refreshed activity: %v -> %v", before, got)
	}
	if st.BytesWritten() != 0 {
		t.Fatalf("rejected audio reached transcription")
	}
}

// parkedWorker registers a worker that never drains its queue, standing in
// for a session stuck behind a slow collaborator. It exits once the session
// is removed.
func parkedWorker(t *testing.T, f *fixture, callID string) *worker {
	t.Helper()
	sess, _, err := f.store.Create(callID, "+1", session.Config{Language: "en"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	stream, err := f.streamer.Open(context.Background(), stt.Config{CallID: callID})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	w := &worker{
		o:      f.orch,
		sess:   sess,
		agg:    aggregators.NewTranscriptAggregator(sess, aggregators.Config{}, nil),
		stream: stream,
		queue:  newEventQueue(1),
		done:   make(chan struct{}),
		log:    logging.Discard(),
	}
	f.orch.mu.Lock()
	f.orch.workers[callID] = w
	f.orch.mu.Unlock()
	f.orch.wg.Add(1)
	go func() {
		defer f.orch.wg.Done()
		defer close(w.done)
		<-sess.Context().Done()
	}()
	return w
}

func TestCloseDoesNotWaitOnFullQueue(t *testing.T) {
	f := newFixture(t, 0, Config{}, mock.LLMConfig{})
	w := parkedWorker(t, f, "CA9")
	defer f.orch.Evict("CA9")
	if !w.queue.TryPush(item{kind: itemAudio}) {
		t.Fatalf("fill queue")
	}

	done := make(chan error, 1)
	go func() { done <- f.orch.Close("CA9", "idle_timeout") }()
	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueFull) {
			t.Fatalf("expected ErrQueueFull, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("close blocked on a full queue")
	}
}

func TestEvictRunsSessionCleanup(t *testing.T) {
	f := newFixture(t, 0, Config{}, mock.LLMConfig{})
	w := parkedWorker(t, f, "CA9")
	st := f.streamer.Stream("CA9")
	w.agg.Push(stt.TranscriptEvent{Text: "half a sen", Confidence: 0.9})

	f.orch.Evict("CA9")
	f.orch.Evict("CA9")

	if !w.sess.Pending().Empty() {
		t.Fatalf("pending partial must be dropped")
	}
	if f.orch.Count() != 0 || f.store.Count() != 0 {
		t.Fatalf("evicted session left behind: workers=%d sessions=%d", f.orch.Count(), f.store.Count())
	}
	waitFor(t, "stream closed", st.Closed)
	if n := f.obs.Count(metrics.EventCallEnded); n != 1 {
		t.Fatalf("expected one call_ended, got %d", n)
	}
}

func TestShutdownEvictsStuckSessions(t *testing.T) {
	f := newFixture(t, 0, Config{}, mock.LLMConfig{})
	w := parkedWorker(t, f, "CA9")
	w.queue.TryPush(item{kind: itemAudio})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := f.orch.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if f.orch.Count() != 0 || f.store.Count() != 0 {
		t.Fatalf("stuck session survived shutdown")
	}
}
