// Package tuple drives the lifecycle of traintuples and testtuples.
//
//	waiting -> todo -> training (traintuple) -> done | failed
//	                   testing  (testtuple)  -> done | failed
//	waiting -> failed (a parent failed)
//
// A tuple never goes back, and nothing leaves done or failed.
package tuple

import (
	"github.com/opst/tuplefab/pkg/domain"
)

var transitions = map[domain.AssetKind]map[domain.TupleStatus][]domain.TupleStatus{
	domain.KindTraintuple: {
		domain.Waiting:  {domain.Todo, domain.Failed},
		domain.Todo:     {domain.Training},
		domain.Training: {domain.Done, domain.Failed},
	},
	domain.KindTesttuple: {
		domain.Waiting: {domain.Todo, domain.Failed},
		domain.Todo:    {domain.Testing},
		domain.Testing: {domain.Done, domain.Failed},
	},
}

// Validate checks that a tuple of kind can move from one status to another.
//
// It returns domain.ErrInvalidTransition if it cannot,
// and domain.ErrUnknownKind if kind is not a tuple.
func Validate(kind domain.AssetKind, from, to domain.TupleStatus) error {
	table, ok := transitions[kind]
	if !ok {
		return domain.NewErrInvalidTransition(from, to)
	}
	for _, next := range table[from] {
		if next == to {
			return nil
		}
	}
	return domain.NewErrInvalidTransition(from, to)
}

// Running is the status a tuple of kind has while its sandbox runs.
func Running(kind domain.AssetKind) domain.TupleStatus {
	if kind == domain.KindTesttuple {
		return domain.Testing
	}
	return domain.Training
}

// InitialStatus is the status of a new tuple whose parents have the statuses.
//
// A tuple without parents is todo.
func InitialStatus(parents ...domain.TupleStatus) domain.TupleStatus {
	st := domain.Todo
	for _, p := range parents {
		switch p {
		case domain.Failed:
			return domain.Failed
		case domain.Done:
		default:
			st = domain.Waiting
		}
	}
	return st
}

// Observe merges a status read back from the ledger into the known one.
//
// Ledger reads may lag behind what this node has reported,
// so an earlier status never replaces a later one.
func Observe(current, incoming domain.TupleStatus) domain.TupleStatus {
	if current == "" {
		return incoming
	}
	if domain.Regresses(current, incoming) {
		return current
	}
	return incoming
}
