package inference

import (
	"slices"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/athapong/abn/pkg/graph"
)

// Heuristic chooses the next variable to eliminate.
type Heuristic string

const (
	// MinFill picks the variable whose elimination adds the fewest new edges
	// to the interaction graph.
	MinFill Heuristic = "min-fill"
	// MinDegree picks the variable with the fewest neighbours.
	MinDegree Heuristic = "min-degree"
)

// ParseHeuristic accepts "min-fill" and "min-degree"; empty means MinFill.
func ParseHeuristic(s string) (Heuristic, bool) {
	switch Heuristic(s) {
	case "", MinFill:
		return MinFill, true
	case MinDegree:
		return MinDegree, true
	}
	return "", false
}

// eliminationOrder returns the variables of eliminate in greedy heuristic
// order over the interaction graph of factors. Ties go to the smaller NodeID
// so the order is deterministic.
func eliminationOrder(factors []*factor, eliminate mapset.Set[graph.NodeID], h Heuristic) []graph.NodeID {
	adjacent := make(map[graph.NodeID]mapset.Set[graph.NodeID])
	neighbours := func(v graph.NodeID) mapset.Set[graph.NodeID] {
		s, ok := adjacent[v]
		if !ok {
			s = mapset.NewThreadUnsafeSet[graph.NodeID]()
			adjacent[v] = s
		}
		return s
	}
	for _, f := range factors {
		for _, u := range f.vars {
			n := neighbours(u)
			for _, v := range f.vars {
				if u != v {
					n.Add(v)
				}
			}
		}
	}

	remaining := eliminate.ToSlice()
	slices.Sort(remaining)

	order := make([]graph.NodeID, 0, len(remaining))
	for len(remaining) > 0 {
		best, bestCost := 0, -1
		for i, v := range remaining {
			c := eliminationCost(neighbours(v), adjacent, h)
			if bestCost < 0 || c < bestCost {
				best, bestCost = i, c
			}
		}

		v := remaining[best]
		remaining = slices.Delete(remaining, best, best+1)
		order = append(order, v)

		// connect v's neighbours, then drop v
		ns := neighbours(v).ToSlice()
		for _, a := range ns {
			na := neighbours(a)
			na.Remove(v)
			for _, b := range ns {
				if a != b {
					na.Add(b)
				}
			}
		}
		delete(adjacent, v)
	}
	return order
}

func eliminationCost(ns mapset.Set[graph.NodeID], adjacent map[graph.NodeID]mapset.Set[graph.NodeID], h Heuristic) int {
	if h == MinDegree {
		return ns.Cardinality()
	}
	fill := 0
	list := ns.ToSlice()
	for i := 0; i < len(list); i++ {
		for j := i + 1; j < len(list); j++ {
			if a, ok := adjacent[list[i]]; !ok || !a.Contains(list[j]) {
				fill++
			}
		}
	}
	return fill
}
