package call

import "fmt"

// State is the lifecycle phase of one call.
type State int

const (
	// StateIdle is the initial state before the media stream starts.
	StateIdle State = iota

	// StateGreeting plays the opening line.
	StateGreeting

	// StateListening waits for caller speech.
	StateListening

	// StateThinking runs the reasoning turn for the latest utterance.
	StateThinking

	// StateSpeaking streams the reply audio to the caller.
	StateSpeaking

	// StateEnding tears the call down: outcome analysis and persistence.
	StateEnding

	// StateEnded is terminal.
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGreeting:
		return "greeting"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// validNext lists the allowed transitions. Ending is reachable from every
// live state; Ended only from Ending.
var validNext = map[State][]State{
	StateIdle:      {StateGreeting, StateEnding},
	StateGreeting:  {StateListening, StateEnding},
	StateListening: {StateThinking, StateSpeaking, StateEnding},
	StateThinking:  {StateSpeaking, StateListening, StateEnding},
	StateSpeaking:  {StateListening, StateEnding},
	StateEnding:    {StateEnded},
	StateEnded:     {},
}

// CanTransition reports whether from → to is a legal state change.
func CanTransition(from, to State) bool {
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}
