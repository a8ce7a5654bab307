package bayes

import (
	"slices"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/athapong/abn/pkg/graph"
	"github.com/athapong/abn/pkg/graph/algorithms"
)

// ErrInconsistentModel is returned when nodes, edges and CPDs do not form a
// valid Bayesian network.
var ErrInconsistentModel = errors.New("inconsistent model")

// Model is a validated Bayesian network over binary compromise variables.
// It is never mutated after NewModel returns and is safe for concurrent use.
type Model struct {
	id       uuid.UUID
	nodes    map[graph.NodeID]graph.Node
	order    []graph.NodeID
	edges    []graph.Edge
	parents  map[graph.NodeID][]graph.NodeID
	children map[graph.NodeID][]graph.NodeID
	cpds     map[graph.NodeID]*CPD
	warnings []graph.Warning
}

// NewModel validates nodes, edges and cpds and returns the model. Every edge
// endpoint must be a node; every node needs exactly one CPD whose parents match
// its in-edges in order; every column must sum to one; the graph must be
// acyclic. Any violation returns ErrInconsistentModel. The tables are copied,
// so later changes to cpds do not reach the model.
func NewModel(nodes []graph.Node, edges []graph.Edge, cpds []*CPD, warnings ...graph.Warning) (*Model, error) {
	m := &Model{
		id:       uuid.New(),
		nodes:    make(map[graph.NodeID]graph.Node, len(nodes)),
		order:    make([]graph.NodeID, 0, len(nodes)),
		parents:  make(map[graph.NodeID][]graph.NodeID),
		children: make(map[graph.NodeID][]graph.NodeID),
		cpds:     make(map[graph.NodeID]*CPD, len(cpds)),
		warnings: append([]graph.Warning(nil), warnings...),
	}

	for _, n := range nodes {
		if _, exists := m.nodes[n.ID]; exists {
			return nil, inconsistent("node %d listed twice", n.ID)
		}
		m.nodes[n.ID] = n
		m.order = append(m.order, n.ID)
	}

	for _, e := range edges {
		if _, ok := m.nodes[e.Parent]; !ok {
			return nil, inconsistent("edge %s: unknown parent", e)
		}
		if _, ok := m.nodes[e.Child]; !ok {
			return nil, inconsistent("edge %s: unknown child", e)
		}
		m.edges = append(m.edges, e)
		m.parents[e.Child] = append(m.parents[e.Child], e.Parent)
		m.children[e.Parent] = append(m.children[e.Parent], e.Child)
	}

	for _, cpd := range cpds {
		if cpd == nil {
			return nil, inconsistent("nil CPD")
		}
		if _, ok := m.nodes[cpd.Node]; !ok {
			return nil, inconsistent("CPD for unknown node %d", cpd.Node)
		}
		if _, dup := m.cpds[cpd.Node]; dup {
			return nil, inconsistent("node %d has more than one CPD", cpd.Node)
		}
		m.cpds[cpd.Node] = cpd.Clone()
	}

	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Model) validate() error {
	for _, id := range m.order {
		cpd, ok := m.cpds[id]
		if !ok {
			return inconsistent("node %d has no CPD", id)
		}
		if !slices.Equal(cpd.Parents, m.parents[id]) {
			return inconsistent("node %d: CPD parents %v do not match graph parents %v", id, cpd.Parents, m.parents[id])
		}
		if err := cpd.check(); err != nil {
			return errors.Wrap(ErrInconsistentModel, err.Error())
		}
	}

	sorted, err := algorithms.TopologicalSort(m)
	if err != nil {
		return errors.Wrap(ErrInconsistentModel, err.Error())
	}
	m.order = sorted
	return nil
}

func inconsistent(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInconsistentModel, format, args...)
}

// ID identifies this model instance.
func (m *Model) ID() uuid.UUID {
	return m.id
}

// Len returns the number of nodes.
func (m *Model) Len() int {
	return len(m.order)
}

// NodeIDs returns the node ids in topological order.
func (m *Model) NodeIDs() []graph.NodeID {
	return append([]graph.NodeID(nil), m.order...)
}

// Nodes returns the nodes in topological order.
func (m *Model) Nodes() []graph.Node {
	out := make([]graph.Node, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.nodes[id])
	}
	return out
}

// Node returns the node with the given id.
func (m *Model) Node(id graph.NodeID) (graph.Node, bool) {
	n, ok := m.nodes[id]
	return n, ok
}

// Has reports whether id is a model variable.
func (m *Model) Has(id graph.NodeID) bool {
	_, ok := m.nodes[id]
	return ok
}

// Predecessors returns the parents of id in CPD order.
func (m *Model) Predecessors(id graph.NodeID) []graph.NodeID {
	return append([]graph.NodeID(nil), m.parents[id]...)
}

// Successors returns the children of id.
func (m *Model) Successors(id graph.NodeID) []graph.NodeID {
	return append([]graph.NodeID(nil), m.children[id]...)
}

// Edges returns the model edges.
func (m *Model) Edges() []graph.Edge {
	return append([]graph.Edge(nil), m.edges...)
}

// CPD returns a copy of the table of id, or nil.
func (m *Model) CPD(id graph.NodeID) *CPD {
	cpd, ok := m.cpds[id]
	if !ok {
		return nil
	}
	return cpd.Clone()
}

// CPDs returns copies of all tables in topological order.
func (m *Model) CPDs() []*CPD {
	out := make([]*CPD, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.cpds[id].Clone())
	}
	return out
}

// Warnings returns everything skipped or defaulted while assembling the model.
func (m *Model) Warnings() []graph.Warning {
	return append([]graph.Warning(nil), m.warnings...)
}
