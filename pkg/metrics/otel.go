package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for every sawt instrument.
const meterName = "github.com/harunnryd/sawt"

// latencyBuckets are histogram boundaries in seconds sized for conversational turns.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5, 8, 12,
}

// Instruments holds the OpenTelemetry instruments fed from conversation events.
type Instruments struct {
	ReplyDuration     metric.Float64Histogram
	SynthesisDuration metric.Float64Histogram

	Utterances     metric.Int64Counter
	BargeIns       metric.Int64Counter
	ProviderErrors metric.Int64Counter
	Fallbacks      metric.Int64Counter
	Reaped         metric.Int64Counter
	Rejected       metric.Int64Counter
	AudioFrames    metric.Int64Counter

	ActiveSessions metric.Int64UpDownCounter
}

// NewInstruments creates all instruments on the given provider.
func NewInstruments(mp metric.MeterProvider) (*Instruments, error) {
	m := mp.Meter(meterName)
	var err error
	in := &Instruments{}

	if in.ReplyDuration, err = m.Float64Histogram("sawt.reply.duration",
		metric.WithDescription("Latency of response generation per turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if in.SynthesisDuration, err = m.Float64Histogram("sawt.synthesis.duration",
		metric.WithDescription("Latency of speech synthesis per reply."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if in.Utterances, err = m.Int64Counter("sawt.utterances",
		metric.WithDescription("Caller utterances by kind (final, low_confidence, silence)."),
	); err != nil {
		return nil, err
	}
	if in.BargeIns, err = m.Int64Counter("sawt.barge_ins",
		metric.WithDescription("In-flight replies pre-empted by the caller."),
	); err != nil {
		return nil, err
	}
	if in.ProviderErrors, err = m.Int64Counter("sawt.provider.errors",
		metric.WithDescription("Collaborator failures by kind and reason."),
	); err != nil {
		return nil, err
	}
	if in.Fallbacks, err = m.Int64Counter("sawt.fallbacks",
		metric.WithDescription("Scripted fallback audio played instead of a reply."),
	); err != nil {
		return nil, err
	}
	if in.Reaped, err = m.Int64Counter("sawt.sessions.reaped",
		metric.WithDescription("Sessions evicted for inactivity."),
	); err != nil {
		return nil, err
	}
	if in.Rejected, err = m.Int64Counter("sawt.calls.rejected",
		metric.WithDescription("Calls rejected because no session could be allocated."),
	); err != nil {
		return nil, err
	}
	if in.AudioFrames, err = m.Int64Counter("sawt.audio.frames",
		metric.WithDescription("Inbound audio frames routed to sessions."),
	); err != nil {
		return nil, err
	}
	if in.ActiveSessions, err = m.Int64UpDownCounter("sawt.active_sessions",
		metric.WithDescription("Live call sessions."),
	); err != nil {
		return nil, err
	}
	return in, nil
}

// OTelObserver translates MetricsEvents into OpenTelemetry measurements.
type OTelObserver struct {
	in *Instruments
}

func NewOTelObserver(in *Instruments) *OTelObserver {
	return &OTelObserver{in: in}
}

func (o *OTelObserver) RecordEvent(ev MetricsEvent) {
	if o == nil || o.in == nil {
		return
	}
	ctx := context.Background()
	kind := metric.WithAttributes(attribute.String(TagKind, ev.Tags[TagKind]))
	switch ev.Name {
	case EventCallStarted:
		o.in.ActiveSessions.Add(ctx, 1)
	case EventCallEnded:
		o.in.ActiveSessions.Add(ctx, -1)
	case EventCallRejected:
		o.in.Rejected.Add(ctx, 1)
	case EventAudioFrame:
		o.in.AudioFrames.Add(ctx, 1)
	case EventUtterance:
		o.in.Utterances.Add(ctx, 1, kind)
	case EventReplyReady:
		o.in.ReplyDuration.Record(ctx, msToSeconds(ev.Value))
	case EventSynthesisDone:
		o.in.SynthesisDuration.Record(ctx, msToSeconds(ev.Value))
	case EventReplyFailed:
		o.in.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String(TagKind, ev.Tags[TagKind]),
			attribute.String(TagReason, ev.Tags[TagReason]),
		))
	case EventSynthesisFallback:
		o.in.Fallbacks.Add(ctx, 1, kind)
	case EventBargeIn:
		o.in.BargeIns.Add(ctx, 1)
	case EventSessionReaped:
		o.in.Reaped.Add(ctx, 1)
	}
}

func msToSeconds(ms float64) float64 {
	return (time.Duration(ms * float64(time.Millisecond))).Seconds()
}
