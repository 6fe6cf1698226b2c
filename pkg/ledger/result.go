package ledger

import (
	"fmt"

	"github.com/opst/tuplefab/pkg/queue"
)

type Mode string

const (
	// Sync blocks until the write is committed, or the deadline passes.
	Sync Mode = "sync"

	// Async enqueues the write and returns immediately.
	Async Mode = "async"
)

func (m Mode) String() string {
	return string(m)
}

func AsMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case Sync, Async:
		return m, nil
	}
	return "", fmt.Errorf("unknown ledger mode: %s (should be one of -- sync|async)", s)
}

type resultKind int

const (
	created resultKind = iota + 1
	alreadyExists
)

// Result is the key a write settled on.
//
// The zero Result is neither created nor existing.
type Result struct {
	kind resultKind
	key  string
}

// Created is a Result of a write which made a new asset.
func Created(key string) Result {
	return Result{kind: created, key: key}
}

// AlreadyExists is a Result of a write of an asset which exists already.
// key is the key of the existing asset.
func AlreadyExists(key string) Result {
	return Result{kind: alreadyExists, key: key}
}

func (r Result) Key() string { return r.key }

func (r Result) IsCreated() bool { return r.kind == created }

func (r Result) IsAlreadyExists() bool { return r.kind == alreadyExists }

func (r Result) String() string {
	switch r.kind {
	case created:
		return fmt.Sprintf("Created(%s)", r.key)
	case alreadyExists:
		return fmt.Sprintf("AlreadyExists(%s)", r.key)
	}
	return "Unsettled"
}

// Outcome of Invoke.
type Outcome struct {
	Result Result

	// Validated is true when the write is observed to be committed.
	// Writes in Async mode are not validated when Invoke returns.
	Validated bool

	TxID TxID

	// Payload is the response of the chaincode.
	Payload []byte

	// Handle tracks the background write, in Async mode.
	Handle *queue.Handle[Outcome]

	pendingKey string
}

// Key returns the key the write settled on, or the expected key while it is pending.
func (o Outcome) Key() string {
	if k := o.Result.Key(); k != "" {
		return k
	}
	return o.pendingKey
}

// Request is a chaincode invocation.
type Request struct {
	Fcn string

	// Args are marshalled into JSON and passed as the only argument.
	Args any

	// Key is the key the asset is expected to have, when it can be known in advance.
	// It is used when the chaincode does not tell the key.
	Key string
}
