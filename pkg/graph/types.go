package graph

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrDuplicateNode is returned when a node id is inserted twice.
	ErrDuplicateNode = errors.New("duplicate node")
	// ErrNodeNotFound is returned when a node id is not part of the graph.
	ErrNodeNotFound = errors.New("node not found")
	// ErrUnknownNodeType is returned when a vertex type cannot be mapped.
	ErrUnknownNodeType = errors.New("unknown node type")
)

// NodeID identifies a vertex of the attack graph.
type NodeID int64

// NodeType is the closed set of vertex kinds produced by MulVAL-style generators.
type NodeType int

const (
	Leaf NodeType = iota
	And
	Or
	Root
)

func (t NodeType) String() string {
	switch t {
	case Leaf:
		return "LEAF"
	case And:
		return "AND"
	case Or:
		return "OR"
	case Root:
		return "ROOT"
	default:
		return fmt.Sprintf("NodeType(%d)", int(t))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t NodeType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *NodeType) UnmarshalText(text []byte) error {
	parsed, err := ParseNodeType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseNodeType maps a vertex type string onto one of the four node types.
func ParseNodeType(s string) (NodeType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LEAF":
		return Leaf, nil
	case "AND":
		return And, nil
	case "OR":
		return Or, nil
	case "ROOT":
		return Root, nil
	}
	return 0, errors.Wrapf(ErrUnknownNodeType, "%q", s)
}

// Node is an attacker precondition or postcondition.
type Node struct {
	ID           NodeID   `json:"id"`
	Label        string   `json:"label"`
	Type         NodeType `json:"type"`
	InitialValue float64  `json:"initial_value"`
}

// Edge points from a precondition to the postcondition it enables.
type Edge struct {
	Parent NodeID `json:"parent"`
	Child  NodeID `json:"child"`
}

func (e Edge) String() string {
	return fmt.Sprintf("%d -> %d", e.Parent, e.Child)
}

// Vertex is a parsed row of a vertex file.
type Vertex struct {
	ID           NodeID  `json:"id" validate:"gte=0"`
	Label        string  `json:"label"`
	Type         string  `json:"type" validate:"required"`
	InitialValue float64 `json:"initial_value"`
}

// Arc is a parsed row of an arc file. Weight is carried for round-tripping only.
type Arc struct {
	Precondition  NodeID  `json:"precondition"`
	Postcondition NodeID  `json:"postcondition"`
	Weight        float64 `json:"weight"`
}

// Data is the serialisable form of an attack graph.
type Data struct {
	Vertices []Vertex `json:"vertices"`
	Arcs     []Arc    `json:"arcs"`
}

// WarningKind classifies a non-fatal problem met while building a model.
type WarningKind string

const (
	WarnInvalidEdge    WarningKind = "invalid_edge"
	WarnDuplicateEdge  WarningKind = "duplicate_edge"
	WarnParseSkip      WarningKind = "parse_skip"
	WarnLookupFallback WarningKind = "lookup_fallback"
	WarnAmbiguousRule  WarningKind = "ambiguous_rule"
)

// Warning records something that was dropped or defaulted instead of failing.
type Warning struct {
	Kind    WarningKind `json:"kind"`
	Message string      `json:"message"`
	Node    *NodeID     `json:"node,omitempty"`
	Edge    *Edge       `json:"edge,omitempty"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Kind, w.Message)
}
