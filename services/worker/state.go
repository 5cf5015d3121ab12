package worker

// State is a lifecycle state of the worker loop.
type State int32

const (
	StateIdle State = iota
	StateAcquiring
	StateActive
	StateDemoted
	StateDraining
	StateTerminated
)

var stateNames = []string{"idle", "acquiring", "active", "demoted", "draining", "terminated"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
