package domain

import (
	"errors"
	"fmt"
)

type TupleStatus string

const (
	// Some parents of the tuple are not done yet.
	Waiting TupleStatus = "waiting"

	// The tuple can be run by its worker.
	Todo TupleStatus = "todo"

	// A traintuple is running in its sandbox.
	Training TupleStatus = "training"

	// A testtuple is running in its sandbox.
	Testing TupleStatus = "testing"

	// The tuple has been done, successfully.
	Done TupleStatus = "done"

	// The tuple stopped with error, or will never run because a parent failed.
	Failed TupleStatus = "failed"
)

func (s TupleStatus) String() string {
	return string(s)
}

func AsTupleStatus(s string) (TupleStatus, error) {
	switch st := TupleStatus(s); st {
	case Waiting, Todo, Training, Testing, Done, Failed:
		return st, nil
	}
	return "", fmt.Errorf(`unknown tuple status: "%s"`, s)
}

// Terminal reports whether no transition leaves s.
func (s TupleStatus) Terminal() bool {
	return s == Done || s == Failed
}

// Rank orders statuses along the lifecycle. Unknown statuses rank -1.
func (s TupleStatus) Rank() int {
	switch s {
	case Waiting:
		return 0
	case Todo:
		return 1
	case Training, Testing:
		return 2
	case Done, Failed:
		return 3
	}
	return -1
}

var ErrInvalidTransition = errors.New("cannot change tuple status")

func NewErrInvalidTransition(from, to TupleStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Regresses reports whether moving from one status to another goes backward,
// or leaves a terminal status.
func Regresses(from, to TupleStatus) bool {
	if from == to {
		return false
	}
	return from.Terminal() || to.Rank() < from.Rank()
}
