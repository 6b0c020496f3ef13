package session

// State is the conversational phase of a call.
type State int

const (
	StateGreeting State = iota
	StateListening
	StateAggregating
	StateThinking
	StateSpeaking
	StateClosing
	StateClosed
)

// States lists every state in declaration order.
var States = []State{
	StateGreeting,
	StateListening,
	StateAggregating,
	StateThinking,
	StateSpeaking,
	StateClosing,
	StateClosed,
}

func (s State) String() string {
	switch s {
	case StateGreeting:
		return "GREETING"
	case StateListening:
		return "LISTENING"
	case StateAggregating:
		return "AGGREGATING"
	case StateThinking:
		return "THINKING"
	case StateSpeaking:
		return "SPEAKING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Active reports whether the call can still take conversational input.
func (s State) Active() bool {
	return s != StateClosing && s != StateClosed
}
