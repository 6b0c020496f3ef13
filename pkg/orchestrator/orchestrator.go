// Package orchestrator routes telephony callbacks to per-session workers.
// Each live session owns one goroutine and one ordered queue; everything that
// touches the session's turn state is funneled through that queue.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/sawt/pkg/adapters/stt"
	"github.com/harunnryd/sawt/pkg/adapters/tts"
	"github.com/harunnryd/sawt/pkg/aggregators"
	"github.com/harunnryd/sawt/pkg/errorsx"
	"github.com/harunnryd/sawt/pkg/llm"
	"github.com/harunnryd/sawt/pkg/metrics"
	"github.com/harunnryd/sawt/pkg/session"
	"github.com/harunnryd/sawt/pkg/transports"
	"github.com/harunnryd/sawt/pkg/turn"
)

var (
	// ErrEmptyText rejects operator input with nothing to say.
	ErrEmptyText = errors.New("empty text")
	// ErrQueueFull means a session's queue had no room for a control event.
	ErrQueueFull = errors.New("session queue full")
)

// OperatorCaller is the from-number recorded on operator text sessions.
const OperatorCaller = "operator"

type Config struct {
	Language     string
	VoiceProfile string
	SampleRate   int
	Encoding     string
	// QueueSize bounds each session's inbox.
	QueueSize  int
	Aggregator aggregators.Config
	Turn       turn.Options
	// Phrases overrides built-in phrases per language tag ("ar", "en-US").
	Phrases map[string]turn.Phrases
}

type Deps struct {
	Store       *session.Store
	STT         stt.Streamer
	Generator   llm.Generator
	Synthesizer tts.Synthesizer
	Telephony   transports.Telephony
	Observer    metrics.Observer
	Logger      *slog.Logger
}

// ConverseResult is the answer to one operator utterance.
type ConverseResult struct {
	SessionID string
	Reply     string
	State     session.State
}

// Orchestrator implements transports.CallHandler. It owns no conversation
// state: sessions live in the store and belong to their workers.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	mu      sync.Mutex
	workers map[string]*worker
	wg      sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("orchestrator: session store is required")
	}
	if deps.Generator == nil || deps.Synthesizer == nil {
		return nil, errors.New("orchestrator: generator and synthesizer are required")
	}
	if deps.Observer == nil {
		deps.Observer = metrics.NoopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.Language == "" {
		cfg.Language = "ar-SA"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 8000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "mulaw"
	}
	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Logger,
		workers: make(map[string]*worker),
	}, nil
}

// SetTelephony wires the playback side after construction; transports need
// the orchestrator as their handler, so one of the two is built first.
func (o *Orchestrator) SetTelephony(t transports.Telephony) {
	o.mu.Lock()
	o.deps.Telephony = t
	o.mu.Unlock()
}

// OnCallStart creates the session and its worker and plays the greeting.
// Duplicate start events for a live call are no-ops.
func (o *Orchestrator) OnCallStart(callID, fromNumber string, cc transports.CallConfig) error {
	cfg := session.Config{
		Language:     firstNonEmpty(cc.Language, o.cfg.Language),
		VoiceProfile: firstNonEmpty(cc.VoiceProfile, o.cfg.VoiceProfile),
	}
	sess, created, err := o.deps.Store.Create(callID, fromNumber, cfg)
	if err != nil {
		o.log.Warn("call_rejected", "call_id", callID, "reason", errorsx.Reason(err), "error", err)
		metrics.Record(o.deps.Observer, metrics.EventCallRejected, callID, 0, map[string]string{
			metrics.TagReason: string(errorsx.Reason(err)),
		})
		return err
	}
	if !created {
		o.log.Debug("duplicate_call_start", "call_id", callID)
		return nil
	}
	w, err := o.startWorker(sess)
	if err != nil {
		o.deps.Store.Remove(callID)
		metrics.Record(o.deps.Observer, metrics.EventCallRejected, callID, 0, map[string]string{
			metrics.TagReason: string(errorsx.Reason(err)),
		})
		return err
	}
	o.log.Info("session_created", "call_id", callID, "language", cfg.Language, "active", o.deps.Store.Count())
	metrics.Record(o.deps.Observer, metrics.EventCallStarted, callID, 0, nil)
	w.post(turn.Event{Type: turn.EventCallStarted})
	return nil
}

// OnAudioFrame queues caller audio. Frames for unknown calls and frames that
// do not fit in the queue are dropped.
func (o *Orchestrator) OnAudioFrame(callID string, audio []byte, _ time.Time) {
	w := o.worker(callID)
	if w == nil {
		return
	}
	if !w.queue.TryPush(item{kind: itemAudio, audio: audio}) {
		metrics.Record(o.deps.Observer, metrics.EventAudioFrame, callID, 0, map[string]string{metrics.TagReason: "queue_full"})
	}
}

// OnCallEnd tells the session the caller hung up.
func (o *Orchestrator) OnCallEnd(callID string) {
	w := o.worker(callID)
	if w == nil {
		o.log.Debug("call_end_unknown", "call_id", callID)
		return
	}
	w.post(turn.Event{Type: turn.EventCallEnded})
}

// Close asks a session whose caller went quiet to hang up and close. It never
// waits on the session's queue: a worker too backed up to take the request
// gets an error, and the caller is expected to Evict it. A session without a
// worker is removed directly.
func (o *Orchestrator) Close(callID, reason string) error {
	w := o.worker(callID)
	if w == nil {
		if o.deps.Store.Remove(callID) {
			return nil
		}
		return fmt.Errorf("close %s: %w", callID, errorsx.ErrSessionNotFound)
	}
	o.log.Info("session_force_close", "call_id", callID, "reason", reason)
	if !w.queue.TryPush(item{kind: itemTurn, event: turn.Event{Type: turn.EventIdleTimeout}}) {
		return fmt.Errorf("close %s: %w", callID, ErrQueueFull)
	}
	return nil
}

// Evict tears a session down without going through its worker: the
// transcription stream is closed, the silence timer stopped and the session
// removed. It is for sessions that did not close when asked.
func (o *Orchestrator) Evict(callID string) {
	w := o.worker(callID)
	if w == nil {
		o.deps.Store.Remove(callID)
		return
	}
	o.log.Warn("session_evicted", "call_id", callID, "state", w.sess.State().String())
	w.finish()
}

// Converse feeds one line of text into a text-only session, creating it when
// sessionID is empty or unknown, and waits for the reply.
func (o *Orchestrator) Converse(ctx context.Context, sessionID, text string) (ConverseResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return ConverseResult{}, ErrEmptyText
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	w, err := o.textWorker(sessionID)
	if err != nil {
		return ConverseResult{SessionID: sessionID}, err
	}

	u := aggregators.Utterance{Text: text, Confidence: 1}
	reply := make(chan turn.Reply, 1)
	if !w.post(turn.Event{Type: w.ctrl.Classify(u), Utterance: u, Reply: reply}) {
		return ConverseResult{SessionID: sessionID}, errorsx.ErrCallTerminated
	}
	result := func(r turn.Reply) (ConverseResult, error) {
		return ConverseResult{SessionID: sessionID, Reply: r.Text, State: r.State}, r.Err
	}
	select {
	case r := <-reply:
		return result(r)
	case <-w.done:
		// The reply to a farewell is sent just before the worker exits.
		select {
		case r := <-reply:
			return result(r)
		default:
		}
		return ConverseResult{SessionID: sessionID, State: session.StateClosed}, errorsx.ErrCallTerminated
	case <-ctx.Done():
		return ConverseResult{SessionID: sessionID}, ctx.Err()
	}
}

func (o *Orchestrator) textWorker(sessionID string) (*worker, error) {
	if w := o.worker(sessionID); w != nil {
		return w, nil
	}
	sess, created, err := o.deps.Store.Create(sessionID, OperatorCaller, session.Config{
		Language:     o.cfg.Language,
		VoiceProfile: o.cfg.VoiceProfile,
		TextOnly:     true,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		// Lost a creation race or the session is on its way out.
		if w := o.worker(sessionID); w != nil {
			return w, nil
		}
		return nil, fmt.Errorf("converse %s: %w", sessionID, errorsx.ErrSessionNotFound)
	}
	w, err := o.startWorker(sess)
	if err != nil {
		o.deps.Store.Remove(sessionID)
		return nil, err
	}
	o.log.Info("session_created", "call_id", sessionID, "text_only", true, "active", o.deps.Store.Count())
	w.post(turn.Event{Type: turn.EventCallStarted})
	return w, nil
}

// Count reports live workers.
func (o *Orchestrator) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.workers)
}

// Shutdown refuses new sessions, force-closes live ones and waits for their
// workers to exit. Sessions still open when ctx ends are evicted.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.deps.Store.SetDraining(true)
	o.mu.Lock()
	live := make([]*worker, 0, len(o.workers))
	for _, w := range o.workers {
		live = append(live, w)
	}
	o.mu.Unlock()
	for _, w := range live {
		w.queue.Push(ctx, item{kind: itemTurn, event: turn.Event{Type: turn.EventIdleTimeout}})
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		open := o.Count()
		for _, w := range live {
			w.finish()
		}
		return fmt.Errorf("orchestrator shutdown: %d sessions still open: %w", open, ctx.Err())
	}
}

func (o *Orchestrator) worker(callID string) *worker {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.workers[callID]
}

func (o *Orchestrator) telephony() transports.Telephony {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deps.Telephony
}

func (o *Orchestrator) phrasesFor(language string) turn.Phrases {
	override, ok := o.cfg.Phrases[language]
	if !ok {
		override, ok = o.cfg.Phrases[strings.ToLower(language)]
	}
	if !ok {
		base, _, _ := strings.Cut(language, "-")
		override = o.cfg.Phrases[strings.ToLower(base)]
	}
	return turn.PhrasesFor(language, override)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
