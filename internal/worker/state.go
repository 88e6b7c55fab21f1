package worker

// State is the phase a run is in. A run moves Connecting -> Authorizing ->
// Running, alternates Running and Sleeping, and ends in exactly one of the
// three terminal states.
type State string

const (
	StateConnecting  State = "connecting"
	StateAuthorizing State = "authorizing"
	StateRunning     State = "running"
	StateSleeping    State = "sleeping"
	StateCompleted   State = "completed"
	StateCancelled   State = "cancelled"
	StateFailed      State = "failed"
)

// Terminal reports whether the state ends the run.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed:
		return true
	}
	return false
}
