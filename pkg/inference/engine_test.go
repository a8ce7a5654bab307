package inference

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/athapong/abn/pkg/bayes"
	"github.com/athapong/abn/pkg/graph"
	"github.com/athapong/abn/pkg/rules"
	"github.com/athapong/abn/pkg/severity"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func assemble(t *testing.T, vertices []graph.Vertex, arcs []graph.Arc, set *rules.Set, sev severity.Lookup) *bayes.Model {
	t.Helper()
	g, err := graph.Build(vertices, arcs, graph.WithLogger(quietLogger()))
	require.NoError(t, err)
	m, err := bayes.Assemble(g, set, sev, bayes.WithLogger(quietLogger()))
	require.NoError(t, err)
	return m
}

// chainEngine is ROOT(1) -> AND(2) -> LEAF(3) with severity 6.0.
func chainEngine(t *testing.T) *Engine {
	m := assemble(t,
		[]graph.Vertex{
			{ID: 1, Label: "attackerLocated(internet)", Type: "ROOT"},
			{ID: 2, Label: "RULE 2 (remote exploit of a server program)", Type: "AND"},
			{ID: 3, Label: "vulExists(webServer,'CVE-2002-0392',httpd,remoteExploit,privEscalation)", Type: "LEAF"},
		},
		[]graph.Arc{
			{Precondition: 1, Postcondition: 2},
			{Precondition: 2, Postcondition: 3},
		},
		nil, severity.Constant(6),
	)
	return NewEngine(m, WithLogger(quietLogger()))
}

func TestQuery_ChainMarginals(t *testing.T) {
	e := chainEngine(t)

	res, err := e.QueryAll(nil)
	require.NoError(t, err)
	assert.Empty(t, res.Failures)

	root := res.Distributions[1]
	assert.InDelta(t, 0.8, root.False(), 1e-9)
	assert.InDelta(t, 0.2, root.True(), 1e-9)

	p, ok := res.Probability(2)
	require.True(t, ok)
	assert.InDelta(t, 0.26, p, 1e-9)

	p, ok = res.Probability(3)
	require.True(t, ok)
	assert.InDelta(t, 0.6, p, 1e-9)
}

func TestQuery_EvidenceOnRoot(t *testing.T) {
	e := chainEngine(t)

	res, err := e.Query([]graph.NodeID{2}, Evidence{1: 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.1, res.Distributions[2].False(), 1e-9)
	assert.InDelta(t, 0.9, res.Distributions[2].True(), 1e-9)

	res, err = e.Query([]graph.NodeID{2}, Evidence{1: 0})
	require.NoError(t, err)
	assert.InDelta(t, 0.1, res.Distributions[2].True(), 1e-9)
}

func TestQuery_EvidenceOnChild(t *testing.T) {
	e := chainEngine(t)

	// P(root=1 | and=1) = 0.2*0.9 / 0.26
	res, err := e.Query([]graph.NodeID{1}, Evidence{2: 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.18/0.26, res.Distributions[1].True(), 1e-9)
}

func TestQuery_EvidenceReproducesColumn(t *testing.T) {
	m := assemble(t,
		[]graph.Vertex{
			{ID: 1, Label: "attackerLocated(internet)", Type: "ROOT"},
			{ID: 2, Label: "hacl(internet,web,tcp,80)", Type: "LEAF", InitialValue: 0.4},
			{ID: 3, Label: "netAccess(web,tcp,80)", Type: "OR"},
			{ID: 4, Label: "execCode(web,apache)", Type: "AND"},
		},
		[]graph.Arc{
			{Precondition: 1, Postcondition: 3},
			{Precondition: 2, Postcondition: 3},
			{Precondition: 3, Postcondition: 4},
			{Precondition: 2, Postcondition: 4},
		},
		rules.NewSet(rules.Rule{Head: "netAccess(H, P, Port)", Probability: 0.8}), nil,
	)
	e := NewEngine(m, WithLogger(quietLogger()))
	cpd := m.CPD(3)

	for _, a := range []int{0, 1} {
		for _, b := range []int{0, 1} {
			res, err := e.Query([]graph.NodeID{3}, Evidence{1: a, 2: b})
			require.NoError(t, err)
			want, err := cpd.Column(a, b)
			require.NoError(t, err)
			assert.InDelta(t, want[0], res.Distributions[3].False(), 1e-9, "parents %d%d", a, b)
			assert.InDelta(t, want[1], res.Distributions[3].True(), 1e-9, "parents %d%d", a, b)
		}
	}
}

func TestNewEngine_ModelTablesCannotBeRewritten(t *testing.T) {
	m := chainEngine(t).Model()

	cpd := m.CPD(1)
	cpd.Values[0][0], cpd.Values[1][0] = 0.3, 0.7

	res, err := NewEngine(m, WithLogger(quietLogger())).Query([]graph.NodeID{1}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, res.Distributions[1].False(), 1e-12)
	assert.InDelta(t, 0.2, res.Distributions[1].True(), 1e-12)
}

func TestQuery_UnknownTargetIsIsolated(t *testing.T) {
	e := chainEngine(t)

	res, err := e.Query([]graph.NodeID{2, 42}, nil)
	require.NoError(t, err)

	assert.Contains(t, res.Distributions, graph.NodeID(2))
	assert.NotContains(t, res.Distributions, graph.NodeID(42))
	require.Contains(t, res.Failures, graph.NodeID(42))
	assert.True(t, errors.Is(res.Failures[42], ErrUnknownVariable))

	_, ok := res.Probability(42)
	assert.False(t, ok)
}

func TestQuery_InvalidEvidence(t *testing.T) {
	e := chainEngine(t)

	_, err := e.Query([]graph.NodeID{2}, Evidence{42: 1})
	assert.True(t, errors.Is(err, ErrInvalidEvidence), "unknown node: %v", err)

	_, err = e.Query([]graph.NodeID{2}, Evidence{1: 2})
	assert.True(t, errors.Is(err, ErrInvalidEvidence), "bad state: %v", err)
}

func TestQuery_ImpossibleEvidence(t *testing.T) {
	m := assemble(t,
		[]graph.Vertex{
			{ID: 1, Label: "hacl(internet,web,tcp,80)", Type: "LEAF", InitialValue: 1},
			{ID: 2, Label: "netAccess(web,tcp,80)", Type: "OR"},
			{ID: 3, Label: "attackerLocated(internet)", Type: "ROOT"},
		},
		[]graph.Arc{{Precondition: 1, Postcondition: 2}},
		nil, nil,
	)
	e := NewEngine(m, WithLogger(quietLogger()))

	res, err := e.Query([]graph.NodeID{2, 3}, Evidence{1: 0})
	require.NoError(t, err)
	require.Contains(t, res.Failures, graph.NodeID(2))
	assert.True(t, errors.Is(res.Failures[2], ErrImpossibleEvidence))
	require.Contains(t, res.Failures, graph.NodeID(3))
	assert.True(t, errors.Is(res.Failures[3], ErrImpossibleEvidence))
}

func TestQuery_TargetIsEvidence(t *testing.T) {
	e := chainEngine(t)

	res, err := e.Query([]graph.NodeID{2}, Evidence{2: 1})
	require.NoError(t, err)
	assert.Equal(t, Distribution{0, 1}, res.Distributions[2])

	res, err = e.Query([]graph.NodeID{2}, Evidence{2: 0})
	require.NoError(t, err)
	assert.Equal(t, Distribution{1, 0}, res.Distributions[2])
}

func TestQuery_Deterministic(t *testing.T) {
	e := chainEngine(t)

	first, err := e.QueryAll(Evidence{3: 1})
	require.NoError(t, err)
	second, err := e.QueryAll(Evidence{3: 1})
	require.NoError(t, err)

	if diff := cmp.Diff(first.Distributions, second.Distributions); diff != "" {
		t.Errorf("repeated query differs (-first +second):\n%s", diff)
	}
}

func TestQuery_HeuristicsAgree(t *testing.T) {
	m := chainEngine(t).Model()
	fill, err := NewEngine(m, WithHeuristic(MinFill), WithLogger(quietLogger())).QueryAll(Evidence{3: 0})
	require.NoError(t, err)
	degree, err := NewEngine(m, WithHeuristic(MinDegree), WithLogger(quietLogger())).QueryAll(Evidence{3: 0})
	require.NoError(t, err)

	if diff := cmp.Diff(fill.Distributions, degree.Distributions, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("heuristics disagree (-min-fill +min-degree):\n%s", diff)
	}
}

func TestQueryBatch(t *testing.T) {
	e := chainEngine(t)

	requests := []Request{
		{Targets: []graph.NodeID{2}},
		{Targets: []graph.NodeID{2}, Evidence: Evidence{1: 1}},
		{Targets: []graph.NodeID{1, 3}, Evidence: Evidence{2: 1}},
	}
	results, err := e.QueryBatch(context.Background(), requests, 2)
	require.NoError(t, err)
	require.Len(t, results, len(requests))

	for i, req := range requests {
		want, err := e.Query(req.Targets, req.Evidence)
		require.NoError(t, err)
		if diff := cmp.Diff(want.Distributions, results[i].Distributions); diff != "" {
			t.Errorf("request %d (-serial +batch):\n%s", i, diff)
		}
	}
}

func TestQueryBatch_Errors(t *testing.T) {
	e := chainEngine(t)

	_, err := e.QueryBatch(context.Background(), []Request{
		{Targets: []graph.NodeID{2}},
		{Targets: []graph.NodeID{2}, Evidence: Evidence{1: 7}},
	}, 0)
	assert.True(t, errors.Is(err, ErrInvalidEvidence), "got %v", err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.QueryBatch(ctx, []Request{{Targets: []graph.NodeID{2}}}, 1)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

// randomModel builds a random DAG of n nodes whose edges only run from lower
// to higher ids. Every label has its own rule so probabilities vary.
func randomModel(seed int64, n int) (*bayes.Model, error) {
	r := rand.New(rand.NewSource(seed))

	vertices := make([]graph.Vertex, 0, n)
	arcs := make([]graph.Arc, 0)
	rulesList := make([]rules.Rule, 0, n)

	for i := 0; i < n; i++ {
		var parents []int
		for j := 0; j < i; j++ {
			if r.Float64() < 0.4 && len(parents) < 3 {
				parents = append(parents, j)
			}
		}

		var kind string
		switch {
		case len(parents) == 0 && r.Intn(2) == 0:
			kind = "ROOT"
		case len(parents) == 0:
			kind = "LEAF"
		default:
			kind = []string{"AND", "OR", "LEAF"}[r.Intn(3)]
		}

		label := fmt.Sprintf("n%c(x)", 'a'+i)
		vertices = append(vertices, graph.Vertex{ID: graph.NodeID(i), Label: label, Type: kind})
		rulesList = append(rulesList, rules.Rule{
			Head:        fmt.Sprintf("n%c(X)", 'a'+i),
			Probability: 0.05 + 0.9*r.Float64(),
		})
		for _, p := range parents {
			arcs = append(arcs, graph.Arc{Precondition: graph.NodeID(p), Postcondition: graph.NodeID(i)})
		}
	}
	g, err := graph.Build(vertices, arcs, graph.WithLogger(quietLogger()))
	if err != nil {
		return nil, err
	}
	return bayes.Assemble(g, rules.NewSet(rulesList...), nil, bayes.WithLogger(quietLogger()))
}

// enumerate computes P(target = 1 | evidence) from the full joint.
func enumerate(m *bayes.Model, target graph.NodeID, evidence Evidence) (float64, error) {
	ids := m.NodeIDs()
	index := make(map[graph.NodeID]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	var numerator, denominator float64
	for a := 0; a < 1<<len(ids); a++ {
		state := func(id graph.NodeID) int { return (a >> index[id]) & 1 }

		consistent := true
		for id, s := range evidence {
			if state(id) != s {
				consistent = false
				break
			}
		}
		if !consistent {
			continue
		}

		joint := 1.0
		for _, id := range ids {
			cpd := m.CPD(id)
			parentStates := make([]int, len(cpd.Parents))
			for i, p := range cpd.Parents {
				parentStates[i] = state(p)
			}
			col, err := cpd.Column(parentStates...)
			if err != nil {
				return 0, err
			}
			joint *= col[state(id)]
		}

		denominator += joint
		if state(target) == 1 {
			numerator += joint
		}
	}
	return numerator / denominator, nil
}

func TestQueryMatchesEnumeration(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)

	properties.Property("variable elimination equals brute-force enumeration", prop.ForAll(
		func(seed int64, n int, observe int, state int) bool {
			m, err := randomModel(seed, n)
			if err != nil {
				t.Logf("assemble: %v", err)
				return false
			}

			evidence := Evidence{}
			if observe < n {
				evidence[graph.NodeID(observe)] = state
			}

			res, err := NewEngine(m, WithLogger(quietLogger())).QueryAll(evidence)
			if err != nil || len(res.Failures) > 0 {
				t.Logf("query: %v %v", err, res.Failures)
				return false
			}
			for _, id := range m.NodeIDs() {
				want, err := enumerate(m, id, evidence)
				if err != nil {
					return false
				}
				got := res.Distributions[id]
				if math.Abs(got.True()-want) > 1e-9 || math.Abs(got.True()+got.False()-1) > 1e-9 {
					t.Logf("node %d: got %v want %v", id, got, want)
					return false
				}
			}
			return true
		},
		gen.Int64(),
		gen.IntRange(1, 7),
		gen.IntRange(0, 9),
		gen.IntRange(0, 1),
	))

	properties.TestingRun(t)
}
