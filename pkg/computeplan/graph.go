package computeplan

import (
	"container/heap"
	"slices"
	"strings"

	"github.com/opst/tuplefab/pkg/domain"
)

// graph of traintuples in a plan. Nodes are indices in Plan.Traintuples.
type graph struct {
	ids      []string
	outgoing [][]int
	indeg    []int
}

func newGraph(specs []TraintupleSpec, index map[string]int) *graph {
	g := &graph{
		ids:      make([]string, len(specs)),
		outgoing: make([][]int, len(specs)),
		indeg:    make([]int, len(specs)),
	}
	for i, s := range specs {
		g.ids[i] = s.ID
		seen := map[int]struct{}{}
		for _, p := range s.InModels {
			j, ok := index[p]
			if !ok {
				continue
			}
			if _, dup := seen[j]; dup {
				continue
			}
			seen[j] = struct{}{}
			g.outgoing[j] = append(g.outgoing[j], i)
			g.indeg[i] += 1
		}
	}
	for i := range g.outgoing {
		slices.Sort(g.outgoing[i])
	}
	return g
}

type minHeap []int

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// order returns node indices in a topological order.
// Among ready nodes, earlier ones in the plan come first.
//
// If the graph has a cycle, it returns the path of one cycle as the error.
func (g *graph) order() ([]int, error) {
	indeg := slices.Clone(g.indeg)

	ready := &minHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, len(indeg))
	for 0 < ready.Len() {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.outgoing[n] {
			indeg[m] -= 1
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	if len(out) == len(g.ids) {
		return out, nil
	}
	return nil, domain.Validation("compute plan has a cycle: %s", strings.Join(g.cycle(), " -> "))
}

// cycle finds one cycle by depth first search from lower indices.
func (g *graph) cycle() []string {
	const (
		unvisited = iota
		visiting
		visited
	)
	color := make([]int, len(g.ids))
	parent := make([]int, len(g.ids))
	for i := range parent {
		parent[i] = -1
	}

	var found []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = visiting
		for _, v := range g.outgoing[u] {
			switch color[v] {
			case unvisited:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case visiting:
				// back edge u -> v: walk back from u to v.
				found = append(found, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					found = append(found, cur)
				}
				found = append(found, v)
				return true
			}
		}
		color[u] = visited
		return false
	}
	for i := range g.ids {
		if color[i] == unvisited && dfs(i) {
			break
		}
	}

	path := make([]string, 0, len(found))
	for i := len(found) - 1; 0 <= i; i-- {
		path = append(path, g.ids[found[i]])
	}
	return path
}

func sortedStrings(s []string) []string {
	s = slices.Clone(s)
	slices.Sort(s)
	return s
}
