package bayes

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"

	"github.com/athapong/abn/pkg/graph"
)

// Tolerance is the slack allowed when checking that a column sums to one.
const Tolerance = 1e-6

// CPD is the conditional probability table of a binary node.
//
// Values[0] holds P(false | column) and Values[1] holds P(true | column).
// Column c encodes a parent assignment with Parents[0] as the most significant
// bit, so columns run 00..0, 00..1, ..., 11..1.
type CPD struct {
	Node    graph.NodeID
	Parents []graph.NodeID
	Values  [2][]float64
}

// newCPD enumerates all 2^k parent assignments and asks pTrue for each.
func newCPD(node graph.NodeID, parents []graph.NodeID, pTrue func(assignment []int) float64) *CPD {
	k := len(parents)
	columns := 1 << k

	cpd := &CPD{
		Node:    node,
		Parents: append([]graph.NodeID(nil), parents...),
		Values:  [2][]float64{make([]float64, columns), make([]float64, columns)},
	}

	assignment := make([]int, k)
	for c := 0; c < columns; c++ {
		for i := 0; i < k; i++ {
			assignment[i] = (c >> (k - 1 - i)) & 1
		}
		p := pTrue(assignment)
		cpd.Values[0][c] = 1 - p
		cpd.Values[1][c] = p
	}
	return cpd
}

// Clone returns a deep copy of the table.
func (c *CPD) Clone() *CPD {
	return &CPD{
		Node:    c.Node,
		Parents: append([]graph.NodeID(nil), c.Parents...),
		Values: [2][]float64{
			append([]float64(nil), c.Values[0]...),
			append([]float64(nil), c.Values[1]...),
		},
	}
}

// Columns returns the number of parent assignments.
func (c *CPD) Columns() int {
	return len(c.Values[1])
}

// ColumnIndex returns the column for the given parent states, one per parent
// in Parents order.
func (c *CPD) ColumnIndex(parentStates ...int) (int, error) {
	if len(parentStates) != len(c.Parents) {
		return 0, errors.Errorf("node %d: got %d parent states, want %d", c.Node, len(parentStates), len(c.Parents))
	}
	index := 0
	for _, s := range parentStates {
		if s != 0 && s != 1 {
			return 0, errors.Errorf("node %d: state %d is not binary", c.Node, s)
		}
		index = index<<1 | s
	}
	return index, nil
}

// Column returns [P(false), P(true)] for the given parent states.
func (c *CPD) Column(parentStates ...int) ([2]float64, error) {
	index, err := c.ColumnIndex(parentStates...)
	if err != nil {
		return [2]float64{}, err
	}
	return [2]float64{c.Values[0][index], c.Values[1][index]}, nil
}

// check verifies the table shape and that every column is a distribution.
func (c *CPD) check() error {
	want := 1 << len(c.Parents)
	if len(c.Values[0]) != want || len(c.Values[1]) != want {
		return errors.Errorf("node %d: table has %d/%d columns, want %d", c.Node, len(c.Values[0]), len(c.Values[1]), want)
	}
	for col := 0; col < want; col++ {
		f, t := c.Values[0][col], c.Values[1][col]
		if !validProbability(f) || !validProbability(t) {
			return errors.Errorf("node %d column %d: values %v/%v outside [0,1]", c.Node, col, f, t)
		}
		if math.Abs(f+t-1) > Tolerance {
			return errors.Errorf("node %d column %d: sums to %v", c.Node, col, f+t)
		}
	}
	return nil
}

// MarshalBinary encodes the table in a fixed little-endian layout; equal
// tables always produce equal bytes.
func (c *CPD) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	write := func(v interface{}) {
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}

	write(int64(c.Node))
	write(uint32(len(c.Parents)))
	for _, p := range c.Parents {
		write(int64(p))
	}
	for _, row := range c.Values {
		write(uint32(len(row)))
		for _, v := range row {
			write(math.Float64bits(v))
		}
	}
	return buf.Bytes(), nil
}

func (c *CPD) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CPD(%d | %v)\n", c.Node, c.Parents)
	for state, row := range c.Values {
		fmt.Fprintf(&b, "  %d:", state)
		for _, v := range row {
			fmt.Fprintf(&b, " %.4f", v)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func validProbability(p float64) bool {
	return !math.IsNaN(p) && p >= 0 && p <= 1
}
