package aec

import "slices"

// StateMachine guards session lifecycle transitions. Resizing is a distinct
// state so buffer reallocation can never interleave with frame processing.
type StateMachine struct {
	currentState State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{
		currentState: StateUninitialized,
	}
}

// CanTransition reports whether the transition is allowed.
func (sm *StateMachine) CanTransition(to State) bool {
	from := sm.currentState

	validTransitions := map[State][]State{
		StateUninitialized: {StateInitializing, StateDisposed},
		StateInitializing:  {StateActive, StateUninitialized, StateDisposed},
		StateActive:        {StateResizing, StateDisposed},
		StateResizing:      {StateActive, StateDisposed},
		StateDisposed:      {},
	}

	validTo, ok := validTransitions[from]
	if !ok {
		return false
	}

	return slices.Contains(validTo, to)
}

// Transition moves to the target state if allowed.
func (sm *StateMachine) Transition(to State) bool {
	if sm.CanTransition(to) {
		sm.currentState = to
		return true
	}
	return false
}

// GetCurrentState returns the current state.
func (sm *StateMachine) GetCurrentState() State {
	return sm.currentState
}
