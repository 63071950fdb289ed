package contract

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidState signals the attempted operation is not allowed from the current status.
	ErrInvalidState = errors.New("contract: invalid state")
	// ErrAlreadyFinalized is returned for actions against a contract in a terminal status.
	ErrAlreadyFinalized = fmt.Errorf("%w: this contract is already finalized", ErrInvalidState)
	// ErrNotFound is returned when no contract or signer row exists for the identifier.
	ErrNotFound = errors.New("contract: not found")
	// ErrConflict marks the loser of a concurrent transition; the winner already reached the end state.
	ErrConflict = errors.New("contract: concurrent transition conflict")
	// ErrDuplicateSigner signals a second signer with the same email on one contract.
	ErrDuplicateSigner = errors.New("contract: duplicate signer email")
	// ErrForbidden is returned when the actor does not own the contract.
	ErrForbidden = errors.New("contract: forbidden")
	// ErrInvalidInput marks a request rejected before any state was read.
	ErrInvalidInput = errors.New("contract: invalid input")
)

// StateError describes a rejected operation with the status it found.
type StateError struct {
	Op   string
	From Status
	Want []Status
}

func (e *StateError) Error() string {
	if e.From.Terminal() {
		return fmt.Sprintf("contract: %s: contract is %s: this contract is already finalized", e.Op, e.From)
	}
	want := make([]string, len(e.Want))
	for i, s := range e.Want {
		want[i] = string(s)
	}
	return fmt.Sprintf("contract: %s: status %s, want one of [%s]", e.Op, e.From, strings.Join(want, ", "))
}

func (e *StateError) Unwrap() error {
	if e.From.Terminal() {
		return ErrAlreadyFinalized
	}
	return ErrInvalidState
}

// Require returns a *StateError unless current is one of want.
func Require(op string, current Status, want ...Status) error {
	for _, s := range want {
		if s == current {
			return nil
		}
	}
	return &StateError{Op: op, From: current, Want: want}
}
