// Package reaper evicts sessions whose caller has gone quiet.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/harunnryd/sawt/pkg/metrics"
	"github.com/harunnryd/sawt/pkg/session"
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultIdleTimeout = 5 * time.Minute
)

// Closer force-closes a live session so its cleanup hooks run. Evict is the
// last resort for a session that did not close when asked.
type Closer interface {
	Close(callID, reason string) error
	Evict(callID string)
}

type Config struct {
	Interval    time.Duration
	IdleTimeout time.Duration
	Now         func() time.Time
}

type Reaper struct {
	cfg    Config
	store  *session.Store
	closer Closer
	obs    metrics.Observer
	log    *slog.Logger

	// asked holds sessions already sent a close; if one is still in the
	// store on the next sweep its worker is stuck and it is dropped.
	asked map[string]struct{}
}

func New(cfg Config, store *session.Store, closer Closer, obs metrics.Observer, log *slog.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{cfg: cfg, store: store, closer: closer, obs: obs, log: log, asked: make(map[string]struct{})}
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	r.log.Info("reaper_started", "interval", r.cfg.Interval.String(), "idle_timeout", r.cfg.IdleTimeout.String())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep closes every session idle for longer than the timeout and returns
// how many it acted on.
func (r *Reaper) Sweep() int {
	now := r.cfg.Now()
	reaped := 0
	live := make(map[string]struct{})
	for _, sess := range r.store.Snapshot() {
		live[sess.ID] = struct{}{}
		idle := sess.IdleFor(now)
		if idle <= r.cfg.IdleTimeout {
			delete(r.asked, sess.ID)
			continue
		}
		reaped++
		if _, ok := r.asked[sess.ID]; ok {
			r.log.Warn("session_reaped_forcibly", "call_id", sess.ID, "idle_ms", idle.Milliseconds())
			r.closer.Evict(sess.ID)
			delete(r.asked, sess.ID)
			continue
		}
		r.log.Info("session_idle", "call_id", sess.ID, "idle_ms", idle.Milliseconds(), "state", sess.State().String())
		metrics.Record(r.obs, metrics.EventSessionReaped, sess.ID, float64(idle.Milliseconds()), nil)
		if err := r.closer.Close(sess.ID, "idle_timeout"); err != nil {
			r.log.Warn("session_close_failed", "call_id", sess.ID, "error", err)
			r.closer.Evict(sess.ID)
			continue
		}
		r.asked[sess.ID] = struct{}{}
	}
	for id := range r.asked {
		if _, ok := live[id]; !ok {
			delete(r.asked, id)
		}
	}
	return reaped
}
