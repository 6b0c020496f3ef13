package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/sawt/pkg/adapters/tts"
	"github.com/harunnryd/sawt/pkg/aggregators"
	"github.com/harunnryd/sawt/pkg/errorsx"
	"github.com/harunnryd/sawt/pkg/llm"
	"github.com/harunnryd/sawt/pkg/metrics"
	"github.com/harunnryd/sawt/pkg/redact"
	"github.com/harunnryd/sawt/pkg/resilience"
	"github.com/harunnryd/sawt/pkg/session"
	"github.com/harunnryd/sawt/pkg/transports"
)

// ErrSuperseded is delivered to a text waiter whose utterance was pre-empted
// by a newer one before a reply was chosen.
var ErrSuperseded = errors.New("utterance superseded by newer input")

const (
	DefaultThinkingDeadline  = 8 * time.Second
	DefaultSynthesisDeadline = 5 * time.Second
	DefaultHistoryWindow     = 20
	hangupTimeout            = 5 * time.Second
)

// Reply is what a text-only caller gets back for one utterance.
type Reply struct {
	Text  string
	State session.State
	Err   error
}

// Event is one input to the controller. Gen ties job results to the cycle
// that started them; results from older cycles are stale.
type Event struct {
	Type      EventType
	Gen       uint64
	Utterance aggregators.Utterance
	Text      string
	Err       error
	Latency   time.Duration
	// Reply, when set on an utterance, receives the text chosen in response.
	Reply chan<- Reply
}

type Options struct {
	ThinkingDeadline  time.Duration
	SynthesisDeadline time.Duration
	// HistoryWindow is how many prior turns the generator sees.
	HistoryWindow int
	Phrases       Phrases
	Farewell      *FarewellDetector
	Strategy      Strategy
	// FallbackClip is played when synthesis fails twice.
	FallbackClip []byte
	// Limiter shortens model replies before they are spoken; nil keeps them whole.
	Limiter *ReplyLimiter
}

type Deps struct {
	Generator   llm.Generator
	Synthesizer tts.Synthesizer
	Telephony   transports.Telephony
	Observer    metrics.Observer
	Logger      *slog.Logger
}

// Controller runs the turn-taking state machine for one session. Handle must
// only be called from the session's worker; collaborator calls run in
// goroutines that report back through post.
type Controller struct {
	sess *session.Session
	opts Options
	deps Deps
	post func(Event)
	log  *slog.Logger

	retry resilience.RetryPolicy

	gen       uint64
	cancel    context.CancelFunc
	waiter    chan<- Reply
	listeners []StateListener
	onClosed  func()
}

func NewController(sess *session.Session, opts Options, deps Deps, post func(Event)) *Controller {
	if opts.ThinkingDeadline <= 0 {
		opts.ThinkingDeadline = DefaultThinkingDeadline
	}
	if opts.SynthesisDeadline <= 0 {
		opts.SynthesisDeadline = DefaultSynthesisDeadline
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = DefaultHistoryWindow
	}
	if opts.Farewell == nil {
		opts.Farewell = NewFarewellDetector(nil)
	}
	if opts.Strategy == nil {
		opts.Strategy = AggressiveStrategy{}
	}
	if deps.Observer == nil {
		deps.Observer = metrics.NoopObserver{}
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		sess:  sess,
		opts:  opts,
		deps:  deps,
		post:  post,
		log:   log.With("call_id", sess.ID),
		retry: resilience.NewRetryPolicy(1, 0),
	}
}

// AddListener registers a listener for state change events.
func (c *Controller) AddListener(l StateListener) {
	c.listeners = append(c.listeners, l)
}

// OnClosed registers a hook that runs once the session reaches Closed.
func (c *Controller) OnClosed(fn func()) {
	c.onClosed = fn
}

// Classify maps an aggregated utterance onto the event it represents.
func (c *Controller) Classify(u aggregators.Utterance) EventType {
	switch {
	case u.LowConfidence:
		return EventLowConfidence
	case c.opts.Farewell.Match(u.Text):
		return EventFarewellIntent
	default:
		return EventUtterance
	}
}

// Handle applies one event. Ignored events return an *InvalidTransitionError
// for the caller to log; nothing here is fatal.
func (c *Controller) Handle(ev Event) error {
	state := c.sess.State()
	if c.stale(ev) {
		return nil
	}
	rule := Lookup(state, ev.Type)
	if rule.Action == ActBargeIn && !c.canBargeIn(ev.Utterance) {
		rule = ignore
	}
	if rule.Action == ActIgnore {
		if ev.Reply != nil {
			ev.Reply <- Reply{State: state, Err: &InvalidTransitionError{State: state, Event: ev.Type}}
		}
		return &InvalidTransitionError{State: state, Event: ev.Type}
	}

	switch rule.Action {
	case ActNone, ActForwardAudio:
		c.transition(rule.Next, ev.Type.String())
	case ActGreet:
		c.speak(c.opts.Phrases.Welcome, "greeting")
	case ActThink:
		c.think(ev, rule.Next)
	case ActBargeIn:
		c.log.Info("barge_in", "state", state.String(), "text", redact.Text(ev.Utterance.Text))
		metrics.Record(c.deps.Observer, metrics.EventBargeIn, c.sess.ID, 0, nil)
		c.think(ev, rule.Next)
	case ActReprompt:
		c.recordUtterance(ev.Utterance, "low_confidence")
		c.log.Info("low_confidence_input", "confidence", ev.Utterance.Confidence)
		c.transition(rule.Next, string(errorsx.ReasonLowConfidenceInput))
		c.speak(c.opts.Phrases.Reprompt, "reprompt")
		c.respondWith(ev.Reply, c.opts.Phrases.Reprompt)
	case ActSpeakReply:
		c.sess.Append(session.SpeakerAssistant, ev.Text)
		metrics.Record(c.deps.Observer, metrics.EventReplyReady, c.sess.ID, float64(ev.Latency.Milliseconds()), nil)
		c.transition(rule.Next, "reply ready")
		c.speak(ev.Text, "reply")
		c.respond(ev.Text, nil)
	case ActApology:
		reason := errorsx.Reason(ev.Err)
		c.log.Warn("reply_failed", "reason", reason, "error", ev.Err)
		metrics.Record(c.deps.Observer, metrics.EventReplyFailed, c.sess.ID, 0, map[string]string{
			metrics.TagKind:   "llm",
			metrics.TagReason: string(reason),
		})
		c.transition(rule.Next, string(reason))
		c.speak(c.opts.Phrases.Apology, "apology")
		c.respond(c.opts.Phrases.Apology, nil)
	case ActResume:
		next := rule.Next
		if !c.sess.Pending().Empty() {
			next = session.StateAggregating
		}
		c.transition(next, "playback done")
	case ActFarewell:
		c.cancelInFlight()
		c.supersede()
		c.sess.Append(session.SpeakerCaller, ev.Utterance.Text)
		c.recordUtterance(ev.Utterance, "farewell")
		c.transition(rule.Next, "farewell intent")
		c.speak(c.opts.Phrases.Farewell, "farewell")
		c.respondWith(ev.Reply, c.opts.Phrases.Farewell)
	case ActHangup:
		c.hangup()
		c.close(rule.Next, "farewell played")
	case ActTerminate:
		c.cancelInFlight()
		c.transition(session.StateClosing, string(errorsx.ReasonCallTerminatedUnexpectedly))
		c.close(rule.Next, "call ended")
	case ActForceClose:
		c.cancelInFlight()
		c.transition(session.StateClosing, "idle timeout")
		c.hangup()
		c.close(rule.Next, "idle timeout")
	}
	return nil
}

// Generation returns the current job cycle number.
func (c *Controller) Generation() uint64 { return c.gen }

// canBargeIn reports whether u may pre-empt in-flight work. Only a confident
// final does; text recovered from a partial after silence never does.
func (c *Controller) canBargeIn(u aggregators.Utterance) bool {
	return c.opts.Strategy.BargeInEnabled() && !u.Fallback && !u.LowConfidence
}

func (c *Controller) stale(ev Event) bool {
	switch ev.Type {
	case EventReplyReady, EventReplyFailed, EventPlaybackDone:
		return ev.Gen != c.gen
	}
	return false
}

func (c *Controller) think(ev Event, next session.State) {
	c.cancelInFlight()
	u := ev.Utterance
	c.sess.Append(session.SpeakerCaller, u.Text)
	kind := "final"
	if u.Fallback {
		kind = "silence"
	}
	c.recordUtterance(u, kind)
	c.supersede()
	c.waiter = ev.Reply
	c.transition(next, "utterance")

	history := c.sess.RecentHistory(c.opts.HistoryWindow + 1)
	history = history[:len(history)-1]
	ctx, gen := c.startJob()
	generator, deadline, text, limiter := c.deps.Generator, c.opts.ThinkingDeadline, u.Text, c.opts.Limiter
	go func() {
		start := time.Now()
		reply, err := callWithDeadline(ctx, deadline, func(ctx context.Context) (string, error) {
			return generator.GenerateReply(ctx, history, text)
		})
		if err == nil && strings.TrimSpace(reply) == "" {
			err = errorsx.Wrap(errors.New("empty reply"), errorsx.ReasonProviderError)
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		if err != nil {
			c.post(Event{Type: EventReplyFailed, Gen: gen, Err: err, Latency: time.Since(start)})
			return
		}
		reply, cut := limiter.Apply(reply)
		if cut {
			c.log.Debug("reply_shortened", "chars", len([]rune(reply)))
		}
		c.post(Event{Type: EventReplyReady, Gen: gen, Text: reply, Latency: time.Since(start)})
	}()
}

// speak synthesizes and plays text, retrying synthesis once and falling back
// to the pre-recorded clip. Text-only sessions have nothing to play, so
// playback completes inline.
func (c *Controller) speak(text, kind string) {
	if c.sess.TextOnly() {
		c.cancelInFlight()
		c.gen++
		_ = c.Handle(Event{Type: EventPlaybackDone, Gen: c.gen})
		return
	}
	ctx, gen := c.startJob()
	callID := c.sess.ID
	voice := c.sess.VoiceProfile()
	go func() {
		start := time.Now()
		var audio []byte
		err := c.retry.Do(ctx, func(ctx context.Context) error {
			out, err := callWithDeadline(ctx, c.opts.SynthesisDeadline, func(ctx context.Context) ([]byte, error) {
				return c.deps.Synthesizer.Synthesize(ctx, text, voice)
			})
			if err == nil && len(out) == 0 {
				err = errorsx.Wrap(errors.New("empty audio"), errorsx.ReasonProviderError)
			}
			audio = out
			return err
		})
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		if err != nil {
			c.log.Warn("synthesis_fallback", "kind", kind, "reason", errorsx.Reason(err), "error", err)
			metrics.Record(c.deps.Observer, metrics.EventSynthesisFallback, callID, 0, map[string]string{metrics.TagKind: kind})
			audio = c.opts.FallbackClip
		} else {
			metrics.Record(c.deps.Observer, metrics.EventSynthesisDone, callID, float64(time.Since(start).Milliseconds()), map[string]string{metrics.TagKind: kind})
		}
		var playErr error
		if len(audio) > 0 {
			metrics.Record(c.deps.Observer, metrics.EventPlaybackStarted, callID, 0, map[string]string{metrics.TagKind: kind})
			playErr = c.deps.Telephony.PlayAudio(ctx, callID, audio)
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		if playErr != nil {
			c.log.Warn("playback_failed", "kind", kind, "error", playErr)
		}
		c.post(Event{Type: EventPlaybackDone, Gen: gen, Err: playErr})
	}()
}

func (c *Controller) hangup() {
	if c.sess.TextOnly() || c.deps.Telephony == nil {
		return
	}
	callID := c.sess.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
		defer cancel()
		if err := c.deps.Telephony.EndCall(ctx, callID); err != nil {
			c.log.Warn("end_call_failed", "error", err)
		}
	}()
}

func (c *Controller) close(next session.State, reason string) {
	c.cancelInFlight()
	c.transition(next, reason)
	c.respond("", errorsx.ErrCallTerminated)
	if c.onClosed != nil {
		c.onClosed()
	}
}

// startJob cancels whatever is in flight and opens a new cycle.
func (c *Controller) startJob() (context.Context, uint64) {
	c.cancelInFlight()
	c.gen++
	ctx, cancel := context.WithCancel(c.sess.Context())
	c.cancel = cancel
	return ctx, c.gen
}

func (c *Controller) cancelInFlight() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// supersede fails the pending text waiter, if any; its utterance lost to newer input.
func (c *Controller) supersede() {
	if c.waiter != nil {
		c.waiter <- Reply{State: c.sess.State(), Err: ErrSuperseded}
		c.waiter = nil
	}
}

func (c *Controller) respond(text string, err error) {
	if c.waiter == nil {
		return
	}
	c.waiter <- Reply{Text: text, State: c.sess.State(), Err: err}
	c.waiter = nil
}

// respondWith answers a waiter attached to the current event directly.
func (c *Controller) respondWith(ch chan<- Reply, text string) {
	if ch != nil {
		ch <- Reply{Text: text, State: c.sess.State()}
	}
}

func (c *Controller) transition(next session.State, reason string) {
	prev := c.sess.SetState(next)
	if prev == next {
		return
	}
	change := StateChange{
		CallID:    c.sess.ID,
		FromState: prev,
		ToState:   next,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	c.log.Debug("state_changed", "from", prev.String(), "to", next.String(), "reason", reason)
	metrics.Record(c.deps.Observer, metrics.EventStateChange, c.sess.ID, 0, map[string]string{
		metrics.TagFrom: prev.String(),
		metrics.TagTo:   next.String(),
	})
	for _, l := range c.listeners {
		l.OnStateChange(change)
	}
}

func (c *Controller) recordUtterance(u aggregators.Utterance, kind string) {
	c.log.Info("utterance", "kind", kind, "confidence", u.Confidence, "duration_ms", u.DurationMs, "text", redact.Text(u.Text))
	metrics.Record(c.deps.Observer, metrics.EventUtterance, c.sess.ID, u.Confidence, map[string]string{metrics.TagKind: kind})
}

// callWithDeadline races fn against a timer. The timer wins whenever fn has
// not returned yet, even if fn ignores its context.
func callWithDeadline[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.val, errorsx.Provider(r.err)
	case <-ctx.Done():
		var zero T
		return zero, errorsx.Provider(fmt.Errorf("deadline %s: %w", d, ctx.Err()))
	}
}
