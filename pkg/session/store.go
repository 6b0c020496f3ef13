package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/sawt/pkg/errorsx"
)

// StoreOptions tunes the Store.
type StoreOptions struct {
	// MaxSessions caps concurrent sessions; zero means unlimited.
	MaxSessions int
	Now         func() time.Time
}

// Store holds exactly one Session per live call id. Every method only takes
// the map lock; no I/O happens while it is held.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	max      int
	now      func() time.Time
	draining atomic.Bool
}

func NewStore(opts StoreOptions) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		sessions: make(map[string]*Session),
		max:      opts.MaxSessions,
		now:      opts.Now,
	}
}

// Create returns the session for callID, creating it if needed. The boolean is
// true only for the call that actually created it; duplicate start events get
// the existing session back.
func (s *Store) Create(callID, fromNumber string, cfg Config) (*Session, bool, error) {
	if callID == "" {
		return nil, false, fmt.Errorf("create session: empty call id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[callID]; ok {
		return existing, false, nil
	}
	if s.draining.Load() {
		return nil, false, fmt.Errorf("create session %s: draining: %w", callID, errorsx.ErrCapacityExhausted)
	}
	if s.max > 0 && len(s.sessions) >= s.max {
		return nil, false, fmt.Errorf("create session %s: %d active: %w", callID, len(s.sessions), errorsx.ErrCapacityExhausted)
	}
	sess := newSession(callID, fromNumber, cfg, s.now)
	s.sessions[callID] = sess
	return sess, true, nil
}

// Get looks up a live session.
func (s *Store) Get(callID string) (*Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[callID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("get session %s: %w", callID, errorsx.ErrSessionNotFound)
	}
	return sess, nil
}

// Remove evicts the session and cancels its context. It reports whether a
// session was removed.
func (s *Store) Remove(callID string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[callID]
	if ok {
		delete(s.sessions, callID)
	}
	s.mu.Unlock()
	if ok {
		sess.cancel()
	}
	return ok
}

func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Snapshot returns the live sessions at the time of the call.
func (s *Store) Snapshot() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// SetDraining makes Create refuse new calls while existing ones finish.
func (s *Store) SetDraining(v bool) {
	s.draining.Store(v)
}

func (s *Store) Draining() bool {
	return s.draining.Load()
}

// WaitForEmpty polls until no sessions remain or ctx is done.
func (s *Store) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if s.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
