package orchestrator

import (
	"context"
	"sync/atomic"

	"github.com/harunnryd/sawt/pkg/adapters/stt"
	"github.com/harunnryd/sawt/pkg/turn"
)

type itemKind int

const (
	itemAudio itemKind = iota
	itemTranscript
	itemSilence
	itemTurn
)

// item is one entry in a session's queue. Exactly one payload field is set,
// chosen by kind.
type item struct {
	kind       itemKind
	audio      []byte
	transcript stt.TranscriptEvent
	silenceGen uint64
	event      turn.Event
}

type QueueStats struct {
	Pushed  int64
	Dropped int64
	Popped  int64
}

// eventQueue is the single ordered inbox of a session worker. Audio is
// pushed without blocking and dropped when the worker falls behind; control
// items wait for room.
type eventQueue struct {
	ch      chan item
	pushed  int64
	dropped int64
	popped  int64
}

func newEventQueue(capacity int) *eventQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &eventQueue{ch: make(chan item, capacity)}
}

func (q *eventQueue) TryPush(it item) bool {
	select {
	case q.ch <- it:
		atomic.AddInt64(&q.pushed, 1)
		return true
	default:
		atomic.AddInt64(&q.dropped, 1)
		return false
	}
}

// Push blocks until there is room or ctx is done.
func (q *eventQueue) Push(ctx context.Context, it item) bool {
	select {
	case q.ch <- it:
		atomic.AddInt64(&q.pushed, 1)
		return true
	case <-ctx.Done():
		atomic.AddInt64(&q.dropped, 1)
		return false
	}
}

func (q *eventQueue) Pop(ctx context.Context) (item, bool) {
	select {
	case it := <-q.ch:
		atomic.AddInt64(&q.popped, 1)
		return it, true
	case <-ctx.Done():
		return item{}, false
	}
}

func (q *eventQueue) Stats() QueueStats {
	return QueueStats{
		Pushed:  atomic.LoadInt64(&q.pushed),
		Dropped: atomic.LoadInt64(&q.dropped),
		Popped:  atomic.LoadInt64(&q.popped),
	}
}
