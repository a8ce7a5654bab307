package query

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/athapong/abn/pkg/graph"
	"github.com/athapong/abn/pkg/inference"
)

func TestParse(t *testing.T) {
	q, err := Parse("1, 4,7", "3=1, 5=0")
	require.NoError(t, err)

	assert.Equal(t, []graph.NodeID{1, 4, 7}, q.Targets)
	assert.Equal(t, map[graph.NodeID]int{3: 1, 5: 0}, q.Evidence)
	assert.Equal(t, "3=1,5=0", q.EvidenceString())
}

func TestParse_Empty(t *testing.T) {
	q, err := Parse("", " ")
	require.NoError(t, err)
	assert.Empty(t, q.Targets)
	assert.Empty(t, q.Evidence)
	assert.Equal(t, "", q.EvidenceString())
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name     string
		targets  string
		evidence string
	}{
		{"bad target", "1,x", ""},
		{"missing state", "", "3"},
		{"bad id", "", "a=1"},
		{"state out of range", "", "3=2"},
		{"contradicting evidence", "", "3=1,3=0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.targets, tt.evidence)
			assert.True(t, errors.Is(err, ErrSyntax), "got %v", err)
		})
	}
}

func TestQuery_Builder(t *testing.T) {
	q := NewQuery(2).AddTarget(3, 4).Observe(1, 1)

	req := q.Request()
	assert.Equal(t, []graph.NodeID{2, 3, 4}, req.Targets)
	assert.Equal(t, inference.Evidence{1: 1}, req.Evidence)

	// the request owns its evidence
	req.Evidence[1] = 0
	assert.Equal(t, 1, q.Evidence[1])

	assert.Contains(t, q.String(), `"targets"`)
}
