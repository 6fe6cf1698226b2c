// Package slots hands out CPU sets to sandboxes.
//
// Each slot owns a fixed cpuset. A sandbox runs only while it holds a slot, so
// sandboxes never share CPUs.
package slots

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/opst/tuplefab/pkg/domain"
	"github.com/opst/tuplefab/pkg/metrics"
)

type Slot struct {
	cpuset string
	pool   *Pool
	once   sync.Once
}

// Cpuset returns CPUs of the slot, like "2-3".
func (s *Slot) Cpuset() string {
	return s.cpuset
}

// Release returns the slot to its pool. Releasing twice is a no-op.
func (s *Slot) Release() {
	s.once.Do(func() {
		s.pool.put(s.cpuset)
	})
}

type Pool struct {
	free    chan string
	size    int
	metrics *metrics.Collector
}

// New splits cpus into slots of perSlot CPUs each. Leftover CPUs are not used.
func New(cpus []int, perSlot int, m *metrics.Collector) (*Pool, error) {
	if perSlot < 1 {
		return nil, domain.Validation("cpus per slot should be positive, but %d", perSlot)
	}
	n := len(cpus) / perSlot
	if n == 0 {
		return nil, domain.Validation("%d cpus are too few for slots of %d cpus", len(cpus), perSlot)
	}
	p := &Pool{free: make(chan string, n), size: n, metrics: m}
	for i := range n {
		p.free <- FormatCPUs(cpus[i*perSlot : (i+1)*perSlot])
	}
	return p, nil
}

func (p *Pool) Size() int {
	return p.size
}

// Take blocks until a slot is free or ctx is done.
func (p *Pool) Take(ctx context.Context) (*Slot, error) {
	select {
	case c := <-p.free:
		return p.taken(c), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryTake returns a free slot, or false when all slots are in use.
func (p *Pool) TryTake() (*Slot, bool) {
	select {
	case c := <-p.free:
		return p.taken(c), true
	default:
		return nil, false
	}
}

func (p *Pool) taken(cpuset string) *Slot {
	p.metrics.SlotsInUse(p.size - len(p.free))
	return &Slot{cpuset: cpuset, pool: p}
}

func (p *Pool) put(cpuset string) {
	p.free <- cpuset
	p.metrics.SlotsInUse(p.size - len(p.free))
}

// ParseCPUs parses a cpuset like "0-3,6".
func ParseCPUs(s string) ([]int, error) {
	cpus := []int{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		from, err := strconv.Atoi(lo)
		if err != nil || from < 0 {
			return nil, domain.Validation("bad cpuset %q", s)
		}
		to := from
		if isRange {
			if to, err = strconv.Atoi(hi); err != nil || to < from {
				return nil, domain.Validation("bad cpuset %q", s)
			}
		}
		for c := from; c <= to; c++ {
			if !slices.Contains(cpus, c) {
				cpus = append(cpus, c)
			}
		}
	}
	if len(cpus) == 0 {
		return nil, domain.Validation("empty cpuset %q", s)
	}
	slices.Sort(cpus)
	return cpus, nil
}

// FormatCPUs formats cpus as a cpuset, folding runs into ranges.
func FormatCPUs(cpus []int) string {
	cpus = slices.Clone(cpus)
	slices.Sort(cpus)
	parts := []string{}
	for i := 0; i < len(cpus); {
		j := i
		for j+1 < len(cpus) && cpus[j+1] == cpus[j]+1 {
			j++
		}
		if i == j {
			parts = append(parts, strconv.Itoa(cpus[i]))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", cpus[i], cpus[j]))
		}
		i = j + 1
	}
	return strings.Join(parts, ",")
}
