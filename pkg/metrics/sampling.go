package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver forwards roughly rate of the events it sees for the names
// it is configured with; all other events pass through untouched.
type SamplingObserver struct {
	inner       Observer
	names       map[string]struct{}
	rate        float64
	sampleEvery uint64
	counter     uint64
}

func NewSamplingObserver(inner Observer, rate float64, names ...string) *SamplingObserver {
	if rate > 1 {
		rate = 1
	}
	if rate < 0 {
		rate = 0
	}
	var every uint64
	switch {
	case rate == 0:
		every = 0
	case rate == 1:
		every = 1
	default:
		every = uint64(math.Round(1.0 / rate))
		if every == 0 {
			every = 1
		}
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return &SamplingObserver{inner: inner, names: set, rate: rate, sampleEvery: every}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if _, sampled := s.names[ev.Name]; !sampled && len(s.names) > 0 {
		s.inner.RecordEvent(ev)
		return
	}
	if s.rate == 0 {
		return
	}
	if s.sampleEvery <= 1 {
		s.inner.RecordEvent(ev)
		return
	}
	n := atomic.AddUint64(&s.counter, 1)
	if n%s.sampleEvery == 0 {
		s.inner.RecordEvent(ev)
	}
}
