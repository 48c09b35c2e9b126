package tunnel

// State is the lifecycle state of a tunnel
type State string

const (
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateRetrying   State = "retrying"
	StateError      State = "error"
	StateClosed     State = "closed"
)

// transitions lists the states each state may move to.
// Closed is terminal; closed entries are only swept.
var transitions = map[State][]State{
	StateConnecting: {StateConnected, StateRetrying, StateError, StateClosed},
	StateRetrying:   {StateConnecting, StateError, StateClosed},
	StateConnected:  {StateClosed},
	StateError:      {StateConnecting, StateClosed},
	StateClosed:     nil,
}

// CanTransition reports whether s may move to next
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Active reports whether the tunnel still holds or is acquiring a forward
func (s State) Active() bool {
	return s == StateConnecting || s == StateConnected || s == StateRetrying
}
