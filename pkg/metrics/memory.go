package metrics

import "sync"

// MemoryObserver keeps every event; used by tests.
type MemoryObserver struct {
	mu     sync.Mutex
	events []MetricsEvent
}

func NewMemoryObserver() *MemoryObserver {
	return &MemoryObserver{}
}

func (m *MemoryObserver) RecordEvent(ev MetricsEvent) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (m *MemoryObserver) Events() []MetricsEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MetricsEvent, len(m.events))
	copy(out, m.events)
	return out
}

// Count returns how many events with the given name were recorded.
func (m *MemoryObserver) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}
