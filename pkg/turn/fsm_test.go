package turn

import (
	"errors"
	"testing"

	"github.com/harunnryd/sawt/pkg/errorsx"
	"github.com/harunnryd/sawt/pkg/session"
)

func TestTransitionTableIsTotal(t *testing.T) {
	for _, state := range session.States {
		row, ok := transitions[state]
		if !ok {
			t.Fatalf("state %s has no row", state)
		}
		for _, ev := range EventTypes {
			rule, ok := row[ev]
			if !ok {
				t.Fatalf("missing cell (%s, %s)", state, ev)
			}
			if rule.Action != ActIgnore && rule.Action.String() == "unknown" {
				t.Fatalf("cell (%s, %s) has unnamed action %d", state, ev, rule.Action)
			}
		}
		if len(row) != len(EventTypes) {
			t.Fatalf("state %s lists %d events, want %d", state, len(row), len(EventTypes))
		}
	}
}

func TestClosedIgnoresEverything(t *testing.T) {
	for _, ev := range EventTypes {
		if rule := Lookup(session.StateClosed, ev); rule.Action != ActIgnore {
			t.Fatalf("closed must ignore %s, got %s", ev, rule.Action)
		}
	}
}

func TestLookupUnknownPairIsIgnore(t *testing.T) {
	if rule := Lookup(session.State(99), EventUtterance); rule.Action != ActIgnore {
		t.Fatalf("expected ignore for unknown state")
	}
	if rule := Lookup(session.StateListening, EventType(99)); rule.Action != ActIgnore {
		t.Fatalf("expected ignore for unknown event")
	}
}

func TestActiveStatesAcceptBargeIn(t *testing.T) {
	for _, state := range []session.State{session.StateThinking, session.StateSpeaking} {
		rule := Lookup(state, EventUtterance)
		if rule.Action != ActBargeIn || rule.Next != session.StateThinking {
			t.Fatalf("%s: expected barge-in to thinking, got %+v", state, rule)
		}
	}
}

func TestInvalidTransitionCarriesReason(t *testing.T) {
	err := error(&InvalidTransitionError{State: session.StateClosed, Event: EventAudio})
	if errorsx.Reason(err) != errorsx.ReasonInvalidStateTransition {
		t.Fatalf("expected invalid_state_transition, got %s", errorsx.Reason(err))
	}
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) || ite.Event != EventAudio {
		t.Fatalf("expected errors.As to recover the event")
	}
}
