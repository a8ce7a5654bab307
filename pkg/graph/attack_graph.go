package graph

import (
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var validate = validator.New()

// AttackGraph stores typed nodes keyed by id and the edges between them.
// Nodes are kept in insertion order so every derived artefact is reproducible.
type AttackGraph struct {
	nodes    map[NodeID]*Node
	order    []NodeID
	edges    []Edge
	edgeSet  map[Edge]struct{}
	parents  map[NodeID][]NodeID
	children map[NodeID][]NodeID
	warnings []Warning
	mutex    sync.RWMutex
	logger   logrus.FieldLogger
}

// Option configures an AttackGraph.
type Option func(*AttackGraph)

// WithLogger sets the logger used for skipped edges.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(g *AttackGraph) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// New creates an empty attack graph.
func New(opts ...Option) *AttackGraph {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	g := &AttackGraph{
		nodes:    make(map[NodeID]*Node),
		order:    make([]NodeID, 0),
		edges:    make([]Edge, 0),
		edgeSet:  make(map[Edge]struct{}),
		parents:  make(map[NodeID][]NodeID),
		children: make(map[NodeID][]NodeID),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Build loads every vertex first and only then validates arcs against the
// complete node set.
func Build(vertices []Vertex, arcs []Arc, opts ...Option) (*AttackGraph, error) {
	g := New(opts...)

	for _, v := range vertices {
		if err := validate.Struct(v); err != nil {
			return nil, errors.Wrapf(err, "vertex %d", v.ID)
		}
		nodeType, err := ParseNodeType(v.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "vertex %d", v.ID)
		}
		if err := g.AddNode(Node{
			ID:           v.ID,
			Label:        v.Label,
			Type:         nodeType,
			InitialValue: v.InitialValue,
		}); err != nil {
			return nil, err
		}
	}

	for _, a := range arcs {
		g.AddEdge(a.Precondition, a.Postcondition)
	}

	return g, nil
}

// AddNode inserts a node. Ids are unique.
func (g *AttackGraph) AddNode(node Node) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if _, exists := g.nodes[node.ID]; exists {
		return errors.Wrapf(ErrDuplicateNode, "node %d", node.ID)
	}

	n := node
	g.nodes[node.ID] = &n
	g.order = append(g.order, node.ID)
	return nil
}

// AddEdge links parent to child. An edge with a missing endpoint is skipped and
// recorded as a warning; the return value reports whether the edge was added.
func (g *AttackGraph) AddEdge(parent, child NodeID) bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	edge := Edge{Parent: parent, Child: child}

	_, parentExists := g.nodes[parent]
	_, childExists := g.nodes[child]
	if !parentExists || !childExists {
		g.warnLocked(Warning{
			Kind:    WarnInvalidEdge,
			Message: fmt.Sprintf("skipped edge %s: endpoint not in graph", edge),
			Edge:    &edge,
		})
		return false
	}

	if _, exists := g.edgeSet[edge]; exists {
		g.warnLocked(Warning{
			Kind:    WarnDuplicateEdge,
			Message: fmt.Sprintf("ignored repeated edge %s", edge),
			Edge:    &edge,
		})
		return false
	}

	g.edgeSet[edge] = struct{}{}
	g.edges = append(g.edges, edge)
	g.parents[child] = append(g.parents[child], parent)
	g.children[parent] = append(g.children[parent], child)
	return true
}

func (g *AttackGraph) warnLocked(w Warning) {
	g.warnings = append(g.warnings, w)
	fields := logrus.Fields{"kind": w.Kind}
	if w.Edge != nil {
		fields["parent"] = w.Edge.Parent
		fields["child"] = w.Edge.Child
	}
	g.logger.WithFields(fields).Warn(w.Message)
}

// HasNode reports whether id is part of the graph.
func (g *AttackGraph) HasNode(id NodeID) bool {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	_, exists := g.nodes[id]
	return exists
}

// NodeInfo returns the node record for id.
func (g *AttackGraph) NodeInfo(id NodeID) (Node, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	node, exists := g.nodes[id]
	if !exists {
		return Node{}, errors.Wrapf(ErrNodeNotFound, "node %d", id)
	}
	return *node, nil
}

// Predecessors returns the parents of id in edge insertion order.
func (g *AttackGraph) Predecessors(id NodeID) []NodeID {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	return append([]NodeID(nil), g.parents[id]...)
}

// PredecessorSet returns the parents of id as a set.
func (g *AttackGraph) PredecessorSet(id NodeID) mapset.Set[NodeID] {
	return mapset.NewThreadUnsafeSet(g.Predecessors(id)...)
}

// Successors returns the children of id in edge insertion order.
func (g *AttackGraph) Successors(id NodeID) []NodeID {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	return append([]NodeID(nil), g.children[id]...)
}

// Nodes returns every node in insertion order.
func (g *AttackGraph) Nodes() []Node {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	nodes := make([]Node, 0, len(g.order))
	for _, id := range g.order {
		nodes = append(nodes, *g.nodes[id])
	}
	return nodes
}

// NodeIDs returns every node id in insertion order.
func (g *AttackGraph) NodeIDs() []NodeID {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	return append([]NodeID(nil), g.order...)
}

// Edges returns every accepted edge in insertion order.
func (g *AttackGraph) Edges() []Edge {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	return append([]Edge(nil), g.edges...)
}

// Warnings returns the edges and entries dropped while building the graph.
func (g *AttackGraph) Warnings() []Warning {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	return append([]Warning(nil), g.warnings...)
}

// Len returns the number of nodes.
func (g *AttackGraph) Len() int {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	return len(g.order)
}

// Data returns the graph in its serialisable record form.
func (g *AttackGraph) Data() *Data {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	data := &Data{
		Vertices: make([]Vertex, 0, len(g.order)),
		Arcs:     make([]Arc, 0, len(g.edges)),
	}
	for _, id := range g.order {
		n := g.nodes[id]
		data.Vertices = append(data.Vertices, Vertex{
			ID:           n.ID,
			Label:        n.Label,
			Type:         n.Type.String(),
			InitialValue: n.InitialValue,
		})
	}
	for _, e := range g.edges {
		data.Arcs = append(data.Arcs, Arc{Precondition: e.Parent, Postcondition: e.Child})
	}
	return data
}
