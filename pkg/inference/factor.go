package inference

import (
	"fmt"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/athapong/abn/pkg/bayes"
	"github.com/athapong/abn/pkg/graph"
)

// factor is a non-negative table over binary variables. vars[0] is the most
// significant bit of the value index.
type factor struct {
	vars   []graph.NodeID
	values []float64
}

// factorFromCPD turns a CPD into a factor over (parents..., node). The CPD
// column index already uses parent 0 as the high bit, so the node state is
// appended as the lowest bit.
func factorFromCPD(cpd *bayes.CPD) *factor {
	vars := make([]graph.NodeID, 0, len(cpd.Parents)+1)
	vars = append(vars, cpd.Parents...)
	vars = append(vars, cpd.Node)

	columns := cpd.Columns()
	values := make([]float64, columns*2)
	for c := 0; c < columns; c++ {
		values[c<<1] = cpd.Values[0][c]
		values[c<<1|1] = cpd.Values[1][c]
	}
	return &factor{vars: vars, values: values}
}

func (f *factor) scope() mapset.Set[graph.NodeID] {
	return mapset.NewThreadUnsafeSet(f.vars...)
}

func (f *factor) position(v graph.NodeID) int {
	for i, x := range f.vars {
		if x == v {
			return i
		}
	}
	return -1
}

// bit returns the state of vars[pos] within index.
func (f *factor) bit(index, pos int) int {
	return (index >> (len(f.vars) - 1 - pos)) & 1
}

// reduce fixes every evidence variable in the scope and drops it.
func (f *factor) reduce(evidence Evidence) *factor {
	keep := make([]graph.NodeID, 0, len(f.vars))
	for _, v := range f.vars {
		if _, fixed := evidence[v]; !fixed {
			keep = append(keep, v)
		}
	}
	if len(keep) == len(f.vars) {
		return f
	}

	out := &factor{vars: keep, values: make([]float64, 1<<len(keep))}
	for src, value := range f.values {
		consistent := true
		dst := 0
		for pos, v := range f.vars {
			b := f.bit(src, pos)
			if state, fixed := evidence[v]; fixed {
				if b != state {
					consistent = false
					break
				}
				continue
			}
			dst = dst<<1 | b
		}
		if consistent {
			out.values[dst] = value
		}
	}
	return out
}

// product multiplies two factors over the union of their scopes.
func product(a, b *factor) *factor {
	vars := append([]graph.NodeID(nil), a.vars...)
	for _, v := range b.vars {
		if a.position(v) < 0 {
			vars = append(vars, v)
		}
	}

	out := &factor{vars: vars, values: make([]float64, 1<<len(vars))}
	aPos := make([]int, len(a.vars))
	for i, v := range a.vars {
		aPos[i] = out.position(v)
	}
	bPos := make([]int, len(b.vars))
	for i, v := range b.vars {
		bPos[i] = out.position(v)
	}

	for index := range out.values {
		ai, bi := 0, 0
		for _, p := range aPos {
			ai = ai<<1 | out.bit(index, p)
		}
		for _, p := range bPos {
			bi = bi<<1 | out.bit(index, p)
		}
		out.values[index] = a.values[ai] * b.values[bi]
	}
	return out
}

// sumOut marginalises v away. A factor without v is returned unchanged.
func (f *factor) sumOut(v graph.NodeID) *factor {
	pos := f.position(v)
	if pos < 0 {
		return f
	}

	keep := make([]graph.NodeID, 0, len(f.vars)-1)
	keep = append(keep, f.vars[:pos]...)
	keep = append(keep, f.vars[pos+1:]...)

	out := &factor{vars: keep, values: make([]float64, 1<<len(keep))}
	low := len(f.vars) - 1 - pos
	lowMask := (1 << low) - 1
	for index, value := range f.values {
		dst := (index>>(low+1))<<low | index&lowMask
		out.values[dst] += value
	}
	return out
}

func (f *factor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "factor%v", f.vars)
	for _, v := range f.values {
		fmt.Fprintf(&b, " %.4f", v)
	}
	return b.String()
}

// multiplyAll folds factors into one. The empty product is the scalar 1.
func multiplyAll(factors []*factor) *factor {
	result := &factor{values: []float64{1}}
	for _, f := range factors {
		result = product(result, f)
	}
	return result
}
