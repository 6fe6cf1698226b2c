// Package memory is an in-process mirror.Interface.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/opst/tuplefab/pkg/domain"
	"github.com/opst/tuplefab/pkg/mirror"
)

type entry struct {
	kind      domain.AssetKind
	body      []byte
	parents   []string
	validated bool
	updatedAt time.Time
}

type Mirror struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

var _ mirror.Interface = &Mirror{}

type Option func(*Mirror)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Mirror) { m.now = now }
}

func New(options ...Option) *Mirror {
	m := &Mirror{entries: map[string]entry{}, now: time.Now}
	for _, opt := range options {
		opt(m)
	}
	return m
}

func (m *Mirror) Get(_ context.Context, keys ...string) (map[string]mirror.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	found := make(map[string]mirror.Record, len(keys))
	for _, k := range keys {
		e, ok := m.entries[k]
		if !ok {
			continue
		}
		rec, err := e.record()
		if err != nil {
			return nil, err
		}
		found[k] = rec
	}
	return found, nil
}

func (m *Mirror) Upsert(_ context.Context, rec mirror.Record) (bool, error) {
	body, err := mirror.Encode(rec)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := rec.Key()
	if e, ok := m.entries[key]; ok {
		existing, err := e.record()
		if err != nil {
			return false, err
		}
		if !mirror.Merge(&existing, rec) {
			return false, nil
		}
	}

	var parents []string
	if t, ok := domain.AsTuple(rec.Asset); ok {
		parents = slices.Clone(t.Parents())
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = m.now()
	}
	m.entries[key] = entry{
		kind:      rec.Asset.Kind(),
		body:      body,
		parents:   parents,
		validated: rec.Validated,
		updatedAt: updatedAt,
	}
	return true, nil
}

func (m *Mirror) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.validated {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

func (m *Mirror) Unvalidated(_ context.Context, olderThan time.Time, limit int) ([]mirror.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found []mirror.Record
	for _, e := range m.entries {
		if e.validated || !e.updatedAt.Before(olderThan) {
			continue
		}
		rec, err := e.record()
		if err != nil {
			return nil, err
		}
		found = append(found, rec)
	}
	slices.SortFunc(found, func(a, b mirror.Record) int {
		if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Key(), b.Key())
	})
	if 0 < limit && limit < len(found) {
		found = found[:limit]
	}
	return found, nil
}

func (m *Mirror) Dependents(_ context.Context, parent string) ([]mirror.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found []mirror.Record
	for _, e := range m.entries {
		if !slices.Contains(e.parents, parent) {
			continue
		}
		rec, err := e.record()
		if err != nil {
			return nil, err
		}
		found = append(found, rec)
	}
	slices.SortFunc(found, func(a, b mirror.Record) int { return strings.Compare(a.Key(), b.Key()) })
	return found, nil
}

func (m *Mirror) Close() error {
	return nil
}

func (e entry) record() (mirror.Record, error) {
	return mirror.Decode(e.kind, e.body, e.validated, e.updatedAt)
}
