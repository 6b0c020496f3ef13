package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/sawt/pkg/adapters/stt"
	"github.com/harunnryd/sawt/pkg/aggregators"
	"github.com/harunnryd/sawt/pkg/errorsx"
	"github.com/harunnryd/sawt/pkg/logging"
	"github.com/harunnryd/sawt/pkg/metrics"
	"github.com/harunnryd/sawt/pkg/session"
	"github.com/harunnryd/sawt/pkg/turn"
)

// worker is the single writer for one session.
type worker struct {
	o      *Orchestrator
	sess   *session.Session
	ctrl   *turn.Controller
	agg    *aggregators.TranscriptAggregator
	stream stt.Stream
	queue  *eventQueue
	done   chan struct{}
	log    *slog.Logger

	finishOnce sync.Once
}

func (o *Orchestrator) startWorker(sess *session.Session) (*worker, error) {
	w := &worker{
		o:     o,
		sess:  sess,
		queue: newEventQueue(o.cfg.QueueSize),
		done:  make(chan struct{}),
		log:   logging.NewComponentLogger(o.log, "session").With("call_id", sess.ID),
	}
	ctx := sess.Context()

	tel := o.telephony()
	if !sess.TextOnly() {
		if tel == nil {
			return nil, errors.New("start session: no telephony configured")
		}
		if o.deps.STT == nil {
			return nil, errors.New("start session: no transcription configured")
		}
		stream, err := o.deps.STT.Open(ctx, stt.Config{
			CallID:     sess.ID,
			Language:   sess.Language(),
			SampleRate: o.cfg.SampleRate,
			Encoding:   o.cfg.Encoding,
		})
		if err != nil {
			return nil, fmt.Errorf("start session %s: open transcription: %w", sess.ID, errorsx.Provider(err))
		}
		w.stream = stream
	}

	w.agg = aggregators.NewTranscriptAggregator(sess, o.cfg.Aggregator, func(gen uint64) {
		w.queue.Push(ctx, item{kind: itemSilence, silenceGen: gen})
	})

	opts := o.cfg.Turn
	opts.Phrases = o.phrasesFor(sess.Language())
	w.ctrl = turn.NewController(sess, opts, turn.Deps{
		Generator:   o.deps.Generator,
		Synthesizer: o.deps.Synthesizer,
		Telephony:   tel,
		Observer:    o.deps.Observer,
		Logger:      logging.NewComponentLogger(o.log, "turn"),
	}, func(ev turn.Event) {
		w.queue.Push(ctx, item{kind: itemTurn, event: ev})
	})
	w.ctrl.OnClosed(w.finish)

	o.mu.Lock()
	o.workers[sess.ID] = w
	o.mu.Unlock()

	o.wg.Add(1)
	go w.run()
	if w.stream != nil {
		go w.pumpTranscripts()
	}
	return w, nil
}

// post queues a control event, blocking until the worker has room. It
// reports false once the session is gone.
func (w *worker) post(ev turn.Event) bool {
	return w.queue.Push(w.sess.Context(), item{kind: itemTurn, event: ev})
}

func (w *worker) run() {
	defer w.o.wg.Done()
	defer close(w.done)
	ctx := w.sess.Context()
	for {
		it, ok := w.queue.Pop(ctx)
		if !ok {
			return
		}
		w.apply(it)
	}
}

// apply runs one queued item. Activity is only refreshed for inbound events
// the session actually accepts.
func (w *worker) apply(it item) {
	switch it.kind {
	case itemAudio:
		if err := w.ctrl.Handle(turn.Event{Type: turn.EventAudio}); err != nil {
			return
		}
		w.sess.Touch()
		if w.stream == nil {
			return
		}
		if err := w.stream.Write(it.audio); err != nil {
			w.log.Debug("stt_write_failed", "error", err)
		}
	case itemTranscript:
		if !w.sess.State().Active() {
			return
		}
		w.sess.Touch()
		u, outcome := w.agg.Push(it.transcript)
		switch outcome {
		case aggregators.OutcomePartial:
			w.handle(turn.Event{Type: turn.EventPartial})
		case aggregators.OutcomeUtterance:
			w.handle(turn.Event{Type: w.ctrl.Classify(u), Utterance: u})
		}
	case itemSilence:
		if u, ok := w.agg.SilenceElapsed(it.silenceGen); ok {
			w.handle(turn.Event{Type: w.ctrl.Classify(u), Utterance: u})
		}
	case itemTurn:
		switch it.event.Type {
		case turn.EventUtterance, turn.EventFarewellIntent, turn.EventLowConfidence:
			if w.handle(it.event) {
				w.sess.Touch()
			}
		default:
			w.handle(it.event)
		}
	}
}

func (w *worker) handle(ev turn.Event) bool {
	err := w.ctrl.Handle(ev)
	var ite *turn.InvalidTransitionError
	if errors.As(err, &ite) {
		w.log.Debug("event_ignored", "state", ite.State.String(), "event", ite.Event.String())
	}
	return err == nil
}

func (w *worker) pumpTranscripts() {
	ctx := w.sess.Context()
	for ev := range w.stream.Events() {
		if !w.queue.Push(ctx, item{kind: itemTranscript, transcript: ev}) {
			return
		}
	}
	if ctx.Err() == nil {
		w.log.Warn("stt_stream_closed")
	}
}

// finish runs on the worker once the controller reaches Closed, or from
// Evict when the worker never got there. Removing the session cancels its
// context, which stops the worker loop. Only the first call does anything.
func (w *worker) finish() {
	w.finishOnce.Do(w.cleanup)
}

func (w *worker) cleanup() {
	w.agg.Close()
	if w.stream != nil {
		stream := w.stream
		go func() {
			if err := stream.Close(); err != nil {
				w.log.Debug("stt_close_failed", "error", err)
			}
		}()
	}
	o := w.o
	o.mu.Lock()
	if o.workers[w.sess.ID] == w {
		delete(o.workers, w.sess.ID)
	}
	o.mu.Unlock()
	o.deps.Store.Remove(w.sess.ID)

	duration := time.Since(w.sess.CreatedAt)
	stats := w.queue.Stats()
	w.log.Info("session_closed",
		"duration_ms", duration.Milliseconds(),
		"turns", len(w.sess.History()),
		"dropped_events", stats.Dropped,
	)
	metrics.Record(o.deps.Observer, metrics.EventCallEnded, w.sess.ID, float64(duration.Milliseconds()), nil)
}
