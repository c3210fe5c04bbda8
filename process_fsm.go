package prefork

import "fmt"

// lifecycleState represents a small finite state machine. It has the following transitions:
// ∅       → Created
// Created → Running
// Created → Exited
// Running → Exiting
// Running → Exited
// Exiting → Exited
//
// Detached is tracked separately on Process since it is orthogonal to the
// lifecycle.
type lifecycleState string

const (
	// Created is the state of a process object which has not yet been
	// confirmed by the OS, or whose role has not yet entered its run-loop.
	lifecycleCreated lifecycleState = "created"
	// Running is the state of a live process.
	lifecycleRunning lifecycleState = "running"
	// Exiting is the state of a process that has been asked to shut down,
	// gracefully or otherwise, but whose termination has not been observed.
	lifecycleExiting lifecycleState = "exiting"
	// Exited is terminal. The OS has reported the process as gone.
	lifecycleExited lifecycleState = "exited"
)

var validTransitions = map[lifecycleState][]lifecycleState{
	lifecycleCreated: {
		lifecycleRunning,
		lifecycleExited,
	},
	lifecycleRunning: {
		lifecycleExiting,
		lifecycleExited,
	},
	lifecycleExiting: {
		lifecycleExiting,
		lifecycleExited,
	},
	lifecycleExited: {},
}

func (s *lifecycleState) canTransitionTo(state lifecycleState) error {
	for _, target := range validTransitions[*s] {
		if target == state {
			return nil
		}
	}
	return fmt.Errorf("unable to transition from %s to %s", *s, state)
}

func (s *lifecycleState) transitionTo(state lifecycleState) error {
	if err := s.canTransitionTo(state); err != nil {
		return err
	}
	*s = state
	return nil
}
