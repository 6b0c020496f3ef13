package turn

import (
	"fmt"
	"time"

	"github.com/harunnryd/sawt/pkg/errorsx"
	"github.com/harunnryd/sawt/pkg/session"
)

// EventType enumerates everything that can reach a session's controller.
type EventType int

const (
	EventCallStarted EventType = iota
	EventAudio
	EventPartial
	EventUtterance
	EventLowConfidence
	EventFarewellIntent
	EventReplyReady
	EventReplyFailed
	EventPlaybackDone
	EventCallEnded
	EventIdleTimeout
)

// EventTypes lists every event type in declaration order.
var EventTypes = []EventType{
	EventCallStarted,
	EventAudio,
	EventPartial,
	EventUtterance,
	EventLowConfidence,
	EventFarewellIntent,
	EventReplyReady,
	EventReplyFailed,
	EventPlaybackDone,
	EventCallEnded,
	EventIdleTimeout,
}

func (e EventType) String() string {
	switch e {
	case EventCallStarted:
		return "call_started"
	case EventAudio:
		return "audio"
	case EventPartial:
		return "partial"
	case EventUtterance:
		return "utterance"
	case EventLowConfidence:
		return "low_confidence"
	case EventFarewellIntent:
		return "farewell_intent"
	case EventReplyReady:
		return "reply_ready"
	case EventReplyFailed:
		return "reply_failed"
	case EventPlaybackDone:
		return "playback_done"
	case EventCallEnded:
		return "call_ended"
	case EventIdleTimeout:
		return "idle_timeout"
	default:
		return "unknown"
	}
}

// Action is the side effect bound to a transition.
type Action int

const (
	// ActIgnore leaves state untouched and does nothing.
	ActIgnore Action = iota
	// ActNone changes state without side effects.
	ActNone
	ActForwardAudio
	ActGreet
	ActThink
	ActBargeIn
	ActReprompt
	ActSpeakReply
	ActApology
	ActResume
	ActFarewell
	ActHangup
	ActTerminate
	ActForceClose
)

func (a Action) String() string {
	names := [...]string{
		"ignore", "none", "forward_audio", "greet", "think", "barge_in", "reprompt",
		"speak_reply", "apology", "resume", "farewell", "hangup", "terminate", "force_close",
	}
	if int(a) < len(names) {
		return names[a]
	}
	return "unknown"
}

// Rule is one cell of the transition table.
type Rule struct {
	Next   session.State
	Action Action
}

var ignore = Rule{Action: ActIgnore}

// transitions is the complete [state][event] table. Every pair is listed so
// that a missing cell is a test failure rather than a silent default.
var transitions = map[session.State]map[EventType]Rule{
	session.StateGreeting: {
		EventCallStarted:    {session.StateGreeting, ActGreet},
		EventAudio:          {session.StateGreeting, ActForwardAudio},
		EventPartial:        {session.StateGreeting, ActNone},
		EventUtterance:      {session.StateThinking, ActBargeIn},
		EventLowConfidence:  ignore,
		EventFarewellIntent: {session.StateClosing, ActFarewell},
		EventReplyReady:     ignore,
		EventReplyFailed:    ignore,
		EventPlaybackDone:   {session.StateListening, ActResume},
		EventCallEnded:      {session.StateClosed, ActTerminate},
		EventIdleTimeout:    {session.StateClosed, ActForceClose},
	},
	session.StateListening: {
		EventCallStarted:    ignore,
		EventAudio:          {session.StateListening, ActForwardAudio},
		EventPartial:        {session.StateAggregating, ActNone},
		EventUtterance:      {session.StateThinking, ActThink},
		EventLowConfidence:  {session.StateSpeaking, ActReprompt},
		EventFarewellIntent: {session.StateClosing, ActFarewell},
		EventReplyReady:     ignore,
		EventReplyFailed:    ignore,
		EventPlaybackDone:   ignore,
		EventCallEnded:      {session.StateClosed, ActTerminate},
		EventIdleTimeout:    {session.StateClosed, ActForceClose},
	},
	session.StateAggregating: {
		EventCallStarted:    ignore,
		EventAudio:          {session.StateAggregating, ActForwardAudio},
		EventPartial:        {session.StateAggregating, ActNone},
		EventUtterance:      {session.StateThinking, ActThink},
		EventLowConfidence:  {session.StateSpeaking, ActReprompt},
		EventFarewellIntent: {session.StateClosing, ActFarewell},
		EventReplyReady:     ignore,
		EventReplyFailed:    ignore,
		EventPlaybackDone:   ignore,
		EventCallEnded:      {session.StateClosed, ActTerminate},
		EventIdleTimeout:    {session.StateClosed, ActForceClose},
	},
	session.StateThinking: {
		EventCallStarted:    ignore,
		EventAudio:          {session.StateThinking, ActForwardAudio},
		EventPartial:        {session.StateThinking, ActNone},
		EventUtterance:      {session.StateThinking, ActBargeIn},
		EventLowConfidence:  ignore,
		EventFarewellIntent: {session.StateClosing, ActFarewell},
		EventReplyReady:     {session.StateSpeaking, ActSpeakReply},
		EventReplyFailed:    {session.StateSpeaking, ActApology},
		EventPlaybackDone:   ignore,
		EventCallEnded:      {session.StateClosed, ActTerminate},
		EventIdleTimeout:    {session.StateClosed, ActForceClose},
	},
	session.StateSpeaking: {
		EventCallStarted:    ignore,
		EventAudio:          {session.StateSpeaking, ActForwardAudio},
		EventPartial:        {session.StateSpeaking, ActNone},
		EventUtterance:      {session.StateThinking, ActBargeIn},
		EventLowConfidence:  ignore,
		EventFarewellIntent: {session.StateClosing, ActFarewell},
		EventReplyReady:     ignore,
		EventReplyFailed:    ignore,
		EventPlaybackDone:   {session.StateListening, ActResume},
		EventCallEnded:      {session.StateClosed, ActTerminate},
		EventIdleTimeout:    {session.StateClosed, ActForceClose},
	},
	session.StateClosing: {
		EventCallStarted:    ignore,
		EventAudio:          ignore,
		EventPartial:        ignore,
		EventUtterance:      ignore,
		EventLowConfidence:  ignore,
		EventFarewellIntent: ignore,
		EventReplyReady:     ignore,
		EventReplyFailed:    ignore,
		EventPlaybackDone:   {session.StateClosed, ActHangup},
		EventCallEnded:      {session.StateClosed, ActTerminate},
		EventIdleTimeout:    {session.StateClosed, ActForceClose},
	},
	session.StateClosed: {
		EventCallStarted:    ignore,
		EventAudio:          ignore,
		EventPartial:        ignore,
		EventUtterance:      ignore,
		EventLowConfidence:  ignore,
		EventFarewellIntent: ignore,
		EventReplyReady:     ignore,
		EventReplyFailed:    ignore,
		EventPlaybackDone:   ignore,
		EventCallEnded:      ignore,
		EventIdleTimeout:    ignore,
	},
}

// Lookup returns the rule for (state, event). It never fails: an unknown pair
// resolves to ignore.
func Lookup(state session.State, ev EventType) Rule {
	if row, ok := transitions[state]; ok {
		if rule, ok := row[ev]; ok {
			return rule
		}
	}
	return ignore
}

// StateChange represents a state transition event.
type StateChange struct {
	CallID    string
	FromState session.State
	ToState   session.State
	Timestamp time.Time
	Reason    string
}

// StateListener observes turn state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// StateListenerFunc adapts a function to StateListener.
type StateListenerFunc func(StateChange)

func (f StateListenerFunc) OnStateChange(ev StateChange) { f(ev) }

// InvalidTransitionError reports an event that has no meaningful action in
// the current state. It is logged and dropped, never fatal.
type InvalidTransitionError struct {
	State session.State
	Event EventType
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("event %s ignored in state %s", e.Event, e.State)
}

// Unwrap exposes the taxonomy reason.
func (e *InvalidTransitionError) Unwrap() error {
	return errorsx.ReasonedError{Reason: errorsx.ReasonInvalidStateTransition}
}
