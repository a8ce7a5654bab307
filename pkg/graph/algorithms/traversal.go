package algorithms

import (
	"slices"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/athapong/abn/pkg/graph"
)

// Digraph is the read-only view the algorithms need.
type Digraph interface {
	NodeIDs() []graph.NodeID
	Predecessors(id graph.NodeID) []graph.NodeID
	Successors(id graph.NodeID) []graph.NodeID
}

// Direction selects which edges a traversal follows.
type Direction string

const (
	// Upstream follows edges towards preconditions.
	Upstream Direction = "upstream"
	// Downstream follows edges towards postconditions.
	Downstream Direction = "downstream"
)

type GraphTraversal struct {
	graph     Digraph
	direction Direction
}

func NewGraphTraversal(g Digraph, direction Direction) *GraphTraversal {
	return &GraphTraversal{graph: g, direction: direction}
}

func (t *GraphTraversal) next(id graph.NodeID) []graph.NodeID {
	if t.direction == Upstream {
		return t.graph.Predecessors(id)
	}
	return t.graph.Successors(id)
}

// Traverse visits nodes reachable from startID in breadth-first order, up to
// maxDepth hops away. A negative maxDepth means unlimited.
func (t *GraphTraversal) Traverse(startID graph.NodeID, maxDepth int) []graph.NodeID {
	visited := mapset.NewThreadUnsafeSet[graph.NodeID]()
	queue := []graph.NodeID{startID}
	result := make([]graph.NodeID, 0)
	depth := 0

	for len(queue) > 0 && (maxDepth < 0 || depth <= maxDepth) {
		levelSize := len(queue)
		for i := 0; i < levelSize; i++ {
			current := queue[0]
			queue = queue[1:]

			if !visited.Add(current) {
				continue
			}
			result = append(result, current)

			for _, r := range t.next(current) {
				if !visited.Contains(r) {
					queue = append(queue, r)
				}
			}
		}
		depth++
	}

	return result
}

// ShortestPath returns a fewest-hop path from any of sources to target,
// sources first. Ties go to the source listed first. It returns nil when
// target cannot be reached.
func (t *GraphTraversal) ShortestPath(sources []graph.NodeID, target graph.NodeID) []graph.NodeID {
	via := make(map[graph.NodeID]graph.NodeID)
	visited := mapset.NewThreadUnsafeSet[graph.NodeID]()
	queue := make([]graph.NodeID, 0, len(sources))
	for _, s := range sources {
		if visited.Add(s) {
			queue = append(queue, s)
		}
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if current == target {
			path := []graph.NodeID{current}
			for {
				prev, ok := via[current]
				if !ok {
					break
				}
				path = append(path, prev)
				current = prev
			}
			slices.Reverse(path)
			return path
		}

		for _, r := range t.next(current) {
			if visited.Add(r) {
				via[r] = current
				queue = append(queue, r)
			}
		}
	}
	return nil
}

// Roots returns the nodes of g without predecessors, in g's order.
func Roots(g Digraph) []graph.NodeID {
	var roots []graph.NodeID
	for _, id := range g.NodeIDs() {
		if len(g.Predecessors(id)) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Terminals returns the nodes of g without successors, in g's order.
func Terminals(g Digraph) []graph.NodeID {
	var terminals []graph.NodeID
	for _, id := range g.NodeIDs() {
		if len(g.Successors(id)) == 0 {
			terminals = append(terminals, id)
		}
	}
	return terminals
}

// CriticalPath returns the shortest attack path from a parentless node to
// target, or nil when target is not in g.
func CriticalPath(g Digraph, target graph.NodeID) []graph.NodeID {
	return NewGraphTraversal(g, Downstream).ShortestPath(Roots(g), target)
}

// Ancestors returns the given nodes together with every node that has a
// directed path into one of them.
func Ancestors(g Digraph, ids ...graph.NodeID) mapset.Set[graph.NodeID] {
	closure := mapset.NewThreadUnsafeSet[graph.NodeID]()
	traversal := NewGraphTraversal(g, Upstream)
	for _, id := range ids {
		if closure.Contains(id) {
			continue
		}
		closure.Append(traversal.Traverse(id, -1)...)
	}
	return closure
}
