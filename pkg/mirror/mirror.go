// Package mirror is the node-local cache of ledger records.
//
// Writes made speculatively before the ledger confirms them are kept as
// unvalidated records. A validated record is never overwritten by an
// unvalidated one, and a tuple status never goes backward.
package mirror

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opst/tuplefab/pkg/domain"
)

type Record struct {
	Asset domain.Asset

	// Validated is true when the record is confirmed by the ledger.
	Validated bool

	UpdatedAt time.Time
}

func (r Record) Key() string {
	return r.Asset.AssetKey()
}

// Status returns the status of a tuple record, or "" for other assets.
func (r Record) Status() domain.TupleStatus {
	if t, ok := domain.AsTuple(r.Asset); ok {
		return t.Header().Status
	}
	return ""
}

type Interface interface {
	// Get returns records of keys found. Keys not found are absent in the map.
	Get(ctx context.Context, keys ...string) (map[string]Record, error)

	// Upsert stores rec following Merge. It returns whether rec is applied.
	//
	// rec.UpdatedAt is stored as the time of the record. The zero time means now.
	Upsert(ctx context.Context, rec Record) (bool, error)

	// Delete removes an unvalidated record, rolling back a speculative write.
	// Validated records are kept. It returns whether a record is removed.
	Delete(ctx context.Context, key string) (bool, error)

	// Unvalidated returns up to limit unvalidated records updated before olderThan,
	// oldest first.
	Unvalidated(ctx context.Context, olderThan time.Time, limit int) ([]Record, error)

	// Dependents returns tuple records having parent in their parents.
	Dependents(ctx context.Context, parent string) ([]Record, error)

	Close() error
}

// Merge tells whether incoming should replace existing (nil when there is no record).
func Merge(existing *Record, incoming Record) bool {
	if existing == nil {
		return true
	}
	if existing.Validated && !incoming.Validated {
		return false
	}
	if existing.Asset.Kind() != incoming.Asset.Kind() {
		return false
	}
	if existing.Asset.Kind().IsTuple() && domain.Regresses(existing.Status(), incoming.Status()) {
		return false
	}
	return true
}

// Encode serializes the asset of rec.
func Encode(rec Record) ([]byte, error) {
	return json.Marshal(rec.Asset)
}

// Decode restores a record serialized by Encode.
func Decode(kind domain.AssetKind, body []byte, validated bool, updatedAt time.Time) (Record, error) {
	a, err := domain.DecodeAsset(kind, body)
	if err != nil {
		return Record{}, err
	}
	return Record{Asset: a, Validated: validated, UpdatedAt: updatedAt}, nil
}

// GetOne returns the record of key, or domain.ErrMissing.
func GetOne(ctx context.Context, m Interface, key string) (Record, error) {
	found, err := m.Get(ctx, key)
	if err != nil {
		return Record{}, err
	}
	rec, ok := found[key]
	if !ok {
		return Record{}, &MissingError{Key: key}
	}
	return rec, nil
}

type MissingError struct {
	Key string
}

func (e *MissingError) Error() string {
	return "mirror: record is not found: " + e.Key
}

func (e *MissingError) Unwrap() error {
	return domain.ErrMissing
}
