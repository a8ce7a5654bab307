package algorithms

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/athapong/abn/pkg/graph"
)

// ErrCycle is returned when an ordering is requested for a cyclic graph.
var ErrCycle = errors.New("graph contains a cycle")

// Cycle is a detected cycle as a sequence of node ids.
type Cycle []graph.NodeID

func (c Cycle) String() string {
	parts := make([]string, 0, len(c)+1)
	for _, id := range c {
		parts = append(parts, fmt.Sprint(id))
	}
	if len(c) > 0 {
		parts = append(parts, fmt.Sprint(c[0]))
	}
	return strings.Join(parts, " -> ")
}

// FindCycle returns one cycle of g, or nil when g is acyclic.
//
// Depth-first search with three colours: a GRAY successor is on the current
// recursion stack, so the edge into it closes a cycle.
func FindCycle(g Digraph) Cycle {
	const (
		white = iota
		gray
		black
	)

	color := make(map[graph.NodeID]int)
	parent := make(map[graph.NodeID]graph.NodeID)

	var visit func(id graph.NodeID) Cycle
	visit = func(id graph.NodeID) Cycle {
		color[id] = gray
		for _, next := range g.Successors(id) {
			switch color[next] {
			case white:
				parent[next] = id
				if c := visit(next); c != nil {
					return c
				}
			case gray:
				return extractCycle(next, id, parent)
			}
		}
		color[id] = black
		return nil
	}

	for _, id := range g.NodeIDs() {
		if color[id] == white {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

// extractCycle walks parent pointers back from end to start.
func extractCycle(start, end graph.NodeID, parent map[graph.NodeID]graph.NodeID) Cycle {
	path := Cycle{end}
	for current := end; current != start; {
		p, ok := parent[current]
		if !ok {
			break
		}
		path = append(path, p)
		current = p
	}

	// reverse so the cycle reads in edge direction starting at start
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// IsDAG reports whether g has no directed cycle.
func IsDAG(g Digraph) bool {
	return FindCycle(g) == nil
}

// TopologicalSort orders nodes so that every edge u->v has u before v, using
// Kahn's algorithm. Ties are broken by the graph's node order, which keeps the
// result reproducible.
func TopologicalSort(g Digraph) ([]graph.NodeID, error) {
	if c := FindCycle(g); c != nil {
		return nil, errors.Wrapf(ErrCycle, "%s", c)
	}

	ids := g.NodeIDs()
	inDegree := make(map[graph.NodeID]int, len(ids))
	for _, id := range ids {
		inDegree[id] = len(g.Predecessors(id))
	}

	queue := make([]graph.NodeID, 0)
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	sorted := make([]graph.NodeID, 0, len(ids))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		sorted = append(sorted, current)

		for _, next := range g.Successors(current) {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(sorted) != len(ids) {
		return nil, errors.Wrap(ErrCycle, "unexpected cycle detected during sort")
	}
	return sorted, nil
}
