package cfi

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownProcess is returned by mutating events for an address space
	// the engine has never seen.
	ErrUnknownProcess = errors.New("unknown process")

	// ErrFarCall is returned when the guest executes a far call (9A).
	ErrFarCall = errors.New("far call not supported")

	// ErrHalted is returned by every event after an invariant violation.
	ErrHalted = errors.New("engine halted")
)

// InvariantError describes the event that halted the engine.
type InvariantError struct {
	Event string
	ASID  uint32
	Addr  uint32
	Err   error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: asid=0x%x addr=0x%08x: %v", e.Event, e.ASID, e.Addr, e.Err)
}

func (e *InvariantError) Unwrap() error {
	return e.Err
}
