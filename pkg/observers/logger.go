package observers

import (
	"context"
	"log/slog"
	"sort"

	"github.com/harunnryd/sawt/pkg/metrics"
)

// LoggerObserver writes every conversation event as a debug line keyed by
// call. It does nothing unless the logger has debug enabled.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log.With("component", "events")}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	ctx := context.Background()
	if !o.log.Enabled(ctx, slog.LevelDebug) {
		return
	}
	attrs := make([]slog.Attr, 0, len(ev.Tags)+len(ev.Fields)+3)
	attrs = append(attrs,
		slog.String("event", ev.Name),
		slog.String(metrics.TagCallID, ev.Tags[metrics.TagCallID]),
	)
	if ev.Value != 0 {
		attrs = append(attrs, slog.Float64("value", ev.Value))
	}
	keys := make([]string, 0, len(ev.Tags))
	for k := range ev.Tags {
		if k != metrics.TagCallID {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, ev.Tags[k]))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	o.log.LogAttrs(ctx, slog.LevelDebug, "conversation_event", attrs...)
}

// MultiObserver fans an event out to several observers in order.
type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	m := &MultiObserver{}
	for _, obs := range list {
		if obs != nil {
			m.list = append(m.list, obs)
		}
	}
	return m
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		obs.RecordEvent(ev)
	}
}
