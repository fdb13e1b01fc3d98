package harvest

import (
	"fmt"

	"go.uber.org/zap"
)

var (
	ErrInvalidTransition = fmt.Errorf("invalid state transition")
)

// FSM is the transition table of a harvest job. The current state lives on
// the Job; the table is read-only once built.
type FSM struct {
	Transitions map[Status]map[Status]struct{}

	logger *zap.Logger
}

type FSMOption func(*FSM)

func FSMWithLogger(logger *zap.Logger) FSMOption {
	return func(f *FSM) {
		f.logger = logger
	}
}

func NewFSM(opts ...FSMOption) *FSM {
	f := &FSM{
		logger: zap.NewNop(),

		Transitions: map[Status]map[Status]struct{}{
			StatusWaiting: {
				StatusRunning:   {},
				StatusCancelled: {}, // Cancelled before it started
			},
			StatusRunning: {
				StatusFinished:    {},
				StatusFailed:      {},
				StatusInterrupted: {}, // Shutdown or run cancellation
				StatusCancelled:   {}, // Aborted by the user
			},
			StatusFailed: {
				StatusWaiting: {}, // Retry
			},
			StatusInterrupted: {
				StatusWaiting: {}, // Explicit re-trigger only
			},
			StatusFinished:  {},
			StatusCancelled: {},
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *FSM) CanTransition(from, to Status) bool {
	if _, ok := f.Transitions[from][to]; ok {
		return true
	}
	return false
}

// Check returns ErrInvalidTransition when from -> to is not in the table.
func (f *FSM) Check(from, to Status) error {
	if !f.CanTransition(from, to) {
		f.logger.Error("Invalid state transition",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
