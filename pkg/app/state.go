package app

import "fmt"

type State int

const (
	StateUnknown State = iota
	StateAvailable
	StateAvailableLocal
	StateInstalling
	StateInstalled
	StateUpdatable
	StateUpdatableLive
	StateRemoving
	StateUnavailable
	StateQueuedForInstall
	StatePendingInstall
)

var stateNames = map[State]string{
	StateUnknown:          "unknown",
	StateAvailable:        "available",
	StateAvailableLocal:   "available-local",
	StateInstalling:       "installing",
	StateInstalled:        "installed",
	StateUpdatable:        "updatable",
	StateUpdatableLive:    "updatable-live",
	StateRemoving:         "removing",
	StateUnavailable:      "unavailable",
	StateQueuedForInstall: "queued-for-install",
	StatePendingInstall:   "pending-install",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state-%d", int(s))
}

// transitions lists the states reachable with SetState. Installing and removing each
// have one success state; leaving them any other way requires SetStateRecover.
var transitions = map[State][]State{
	StateUnknown: {
		StateInstalled, StateQueuedForInstall, StateAvailable, StateAvailableLocal,
		StateUpdatable, StateUpdatableLive, StateUnavailable, StatePendingInstall,
	},
	StateInstalled:        {StateUnknown, StateRemoving, StateUnavailable, StateUpdatable, StateUpdatableLive},
	StateQueuedForInstall: {StateUnknown, StateInstalling, StateAvailable},
	StateAvailable:        {StateUnknown, StateQueuedForInstall, StateInstalling, StatePendingInstall},
	StateInstalling:       {StateInstalled},
	StateRemoving:         {StateUnavailable},
	StateUpdatable:        {StateUnknown, StateAvailable, StateRemoving, StateInstalling},
	StateUpdatableLive:    {StateUnknown, StateRemoving, StateInstalling, StateInstalled},
	StateUnavailable:      {StateUnknown, StateAvailable},
	StateAvailableLocal:   {StateUnknown, StateInstalling},
	StatePendingInstall:   {StateUnknown, StateInstalled, StateAvailable},
}

// CanTransition reports whether SetState may move from s to to.
func (s State) CanTransition(to State) bool {
	if s == to {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transient states are never remembered as the recovery target.
func (s State) transient() bool {
	switch s {
	case StateInstalling, StateRemoving, StateQueuedForInstall:
		return true
	default:
		return false
	}
}

func (s State) IsInstalled() bool {
	switch s {
	case StateInstalled, StateUpdatable, StateUpdatableLive, StateRemoving:
		return true
	default:
		return false
	}
}

type TransitionError struct {
	ID       string
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: invalid state transition %s -> %s", e.ID, e.From, e.To)
}
