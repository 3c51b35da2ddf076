package engine

import (
	"errors"
)

var (
	// ErrMissingContext means a handler needed the active run or selected
	// character but the session carried none. This is a state-consistency
	// bug, never silently defaulted.
	ErrMissingContext = errors.New("engine: missing session context")
	// ErrAlreadyCompleted means an operation targeted a terminal run.
	ErrAlreadyCompleted = errors.New("engine: story run already completed")
)
