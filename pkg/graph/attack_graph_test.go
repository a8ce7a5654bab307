package graph

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestAddNode_Duplicate(t *testing.T) {
	g := New(WithLogger(quietLogger()))

	require.NoError(t, g.AddNode(Node{ID: 1, Label: "execCode(web,root)", Type: Or}))
	err := g.AddNode(Node{ID: 1, Label: "other", Type: Leaf})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateNode))

	info, err := g.NodeInfo(1)
	require.NoError(t, err)
	assert.Equal(t, "execCode(web,root)", info.Label, "first insert must win")
}

func TestNodeInfo_NotFound(t *testing.T) {
	g := New(WithLogger(quietLogger()))

	_, err := g.NodeInfo(42)
	assert.True(t, errors.Is(err, ErrNodeNotFound))
}

func TestAddEdge_SkipsMissingEndpoint(t *testing.T) {
	g := New(WithLogger(quietLogger()))
	require.NoError(t, g.AddNode(Node{ID: 1, Type: Leaf}))
	require.NoError(t, g.AddNode(Node{ID: 2, Type: And}))

	assert.True(t, g.AddEdge(1, 2))
	assert.False(t, g.AddEdge(3, 2))
	assert.False(t, g.AddEdge(2, 99))

	assert.Equal(t, []Edge{{Parent: 1, Child: 2}}, g.Edges())
	assert.Equal(t, []NodeID{1}, g.Predecessors(2))

	warnings := g.Warnings()
	require.Len(t, warnings, 2)
	for _, w := range warnings {
		assert.Equal(t, WarnInvalidEdge, w.Kind)
		require.NotNil(t, w.Edge)
	}
	assert.Equal(t, NodeID(3), warnings[0].Edge.Parent)
}

func TestAddEdge_Duplicate(t *testing.T) {
	g := New(WithLogger(quietLogger()))
	require.NoError(t, g.AddNode(Node{ID: 1, Type: Leaf}))
	require.NoError(t, g.AddNode(Node{ID: 2, Type: Or}))

	assert.True(t, g.AddEdge(1, 2))
	assert.False(t, g.AddEdge(1, 2))

	assert.Len(t, g.Edges(), 1)
	assert.Equal(t, []NodeID{1}, g.Predecessors(2))
	require.Len(t, g.Warnings(), 1)
	assert.Equal(t, WarnDuplicateEdge, g.Warnings()[0].Kind)
}

func TestPredecessors_InsertionOrder(t *testing.T) {
	g := New(WithLogger(quietLogger()))
	for _, id := range []NodeID{5, 3, 9, 1} {
		require.NoError(t, g.AddNode(Node{ID: id, Type: Leaf}))
	}
	g.AddEdge(9, 1)
	g.AddEdge(3, 1)
	g.AddEdge(5, 1)

	assert.Equal(t, []NodeID{9, 3, 5}, g.Predecessors(1))
	assert.True(t, g.PredecessorSet(1).Contains(3, 5, 9))
	assert.Equal(t, []NodeID{1}, g.Successors(3))
	assert.Empty(t, g.Predecessors(9))
}

func TestBuild(t *testing.T) {
	vertices := []Vertex{
		{ID: 1, Label: "execCode(workStation,root)", Type: "OR", InitialValue: 0},
		{ID: 2, Label: "RULE 4 (Trojan horse installation)", Type: "AND", InitialValue: 0},
		{ID: 3, Label: "accessFile(workStation,write,'/usr/local/share')", Type: "LEAF", InitialValue: 1},
	}
	arcs := []Arc{
		{Precondition: 2, Postcondition: 1, Weight: -1},
		{Precondition: 3, Postcondition: 2, Weight: -1},
		{Precondition: 7, Postcondition: 2, Weight: -1},
	}

	g, err := Build(vertices, arcs, WithLogger(quietLogger()))
	require.NoError(t, err)

	assert.Equal(t, 3, g.Len())
	assert.Equal(t, []NodeID{2}, g.Predecessors(1))
	assert.Equal(t, []NodeID{3}, g.Predecessors(2))
	require.Len(t, g.Warnings(), 1)

	info, err := g.NodeInfo(3)
	require.NoError(t, err)
	assert.Equal(t, Leaf, info.Type)
	assert.Equal(t, 1.0, info.InitialValue)

	data := g.Data()
	assert.Len(t, data.Vertices, 3)
	assert.Len(t, data.Arcs, 2)
	assert.Equal(t, "LEAF", data.Vertices[2].Type)
}

func TestBuild_RejectsBadRecords(t *testing.T) {
	_, err := Build([]Vertex{{ID: 1, Label: "x", Type: "XOR"}}, nil, WithLogger(quietLogger()))
	assert.True(t, errors.Is(err, ErrUnknownNodeType), "got %v", err)

	_, err = Build([]Vertex{{ID: -1, Label: "x", Type: "LEAF"}}, nil, WithLogger(quietLogger()))
	assert.Error(t, err)

	_, err = Build([]Vertex{{ID: 1, Label: "x"}}, nil, WithLogger(quietLogger()))
	assert.Error(t, err, "type is required")

	_, err = Build([]Vertex{
		{ID: 1, Label: "a", Type: "LEAF"},
		{ID: 1, Label: "b", Type: "LEAF"},
	}, nil, WithLogger(quietLogger()))
	assert.True(t, errors.Is(err, ErrDuplicateNode))
}

func TestBuild_UnlabelledVertex(t *testing.T) {
	g, err := Build([]Vertex{{ID: 1, Type: " leaf "}}, nil, WithLogger(quietLogger()))
	require.NoError(t, err)

	info, err := g.NodeInfo(1)
	require.NoError(t, err)
	assert.Equal(t, Leaf, info.Type)
	assert.Empty(t, info.Label)
}

func TestParseNodeType(t *testing.T) {
	tests := []struct {
		in   string
		want NodeType
	}{
		{"LEAF", Leaf},
		{"and", And},
		{" Or ", Or},
		{"ROOT", Root},
	}
	for _, tt := range tests {
		got, err := ParseNodeType(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseNodeType("NAND")
	assert.True(t, errors.Is(err, ErrUnknownNodeType))
}

func TestNodeType_TextRoundTrip(t *testing.T) {
	text, err := Or.MarshalText()
	require.NoError(t, err)

	var nt NodeType
	require.NoError(t, nt.UnmarshalText(text))
	assert.Equal(t, Or, nt)
}
