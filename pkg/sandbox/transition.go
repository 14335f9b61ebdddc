package sandbox

// legalTransitions enumerates the closed transition table of spec.md §4.1.
// Creating and Unknown are reachable from the runtime observing the
// workload; client-intent transitions (pause/resume/delete/renew) are
// checked against this same table before any runtime call is made.
var legalTransitions = map[State]map[State]bool{
	StateCreating: {StateRunning: true, StateFailed: true, StateTerminated: true},
	StateRunning:  {StatePausing: true, StateStopping: true, StateFailed: true, StateUnknown: true},
	StatePausing:  {StatePaused: true, StateFailed: true, StateRunning: true},
	StatePaused:   {StateResuming: true, StateStopping: true, StateFailed: true},
	StateResuming: {StateRunning: true, StateFailed: true, StatePaused: true},
	StateStopping: {StateTerminated: true, StateFailed: true},
	StateUnknown:  {StateRunning: true, StateStopping: true, StateFailed: true, StateTerminated: true},
}

// IsTerminal reports whether a sandbox in this state accepts no further
// transitions and all mutating operations must fail with Conflict.
func IsTerminal(s State) bool {
	return s == StateFailed || s == StateTerminated
}

// CanTransition reports whether moving from 'from' to 'to' is legal per the
// spec's transition table. A self-transition is never legal: callers must
// reject no-op intents (e.g. pausing an already-Paused sandbox) explicitly.
func CanTransition(from, to State) bool {
	targets, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// intents map each client-facing mutating call to the state it requires the
// sandbox to currently be in, so the service façade can reject invalid
// requests without touching the runtime.
const (
	IntentPause  = "pause"
	IntentResume = "resume"
	IntentDelete = "delete"
	IntentRenew  = "renew"
)

// ValidateIntent reports whether the named client intent is legal given the
// sandbox's current state. Terminal states reject everything. Renew is
// legal from any non-terminal state since it only touches the expiry label.
func ValidateIntent(intent string, current State) bool {
	if IsTerminal(current) {
		return false
	}
	switch intent {
	case IntentPause:
		return current == StateRunning
	case IntentResume:
		return current == StatePaused
	case IntentDelete:
		return current != StateStopping
	case IntentRenew:
		return true
	default:
		return false
	}
}
