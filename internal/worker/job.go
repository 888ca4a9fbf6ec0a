// Package worker drives the fetch, execute and record loop over a queue
// table.
//
// A Runner processes one job per transaction, strictly in sequence. A Pool
// runs several Runners against the same queue; they share nothing in
// process and coordinate only through FOR UPDATE SKIP LOCKED row locks.
package worker

// State is the lifecycle state of a Runner.
type State int32

const (
	// StateStopped is the initial and terminal state.
	StateStopped State = iota
	// StateRunning is held for the duration of Run.
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}
