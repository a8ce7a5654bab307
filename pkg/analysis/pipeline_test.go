package analysis

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/athapong/abn/pkg/config"
	"github.com/athapong/abn/pkg/graph"
	"github.com/athapong/abn/pkg/graph/storage"
	"github.com/athapong/abn/pkg/inference"
	"github.com/athapong/abn/pkg/severity"
)

const vertices = `1,"attackerLocated(internet)","ROOT",0
2,"RULE 2 (remote exploit of a server program)","AND",0
3,"vulExists(webServer,'CAN-2002-0392',httpd,remoteExploit,privEscalation)","LEAF",0
4,"vulExists(webServer,'CVE-1999-9999',ftpd,remoteExploit,privEscalation)","LEAF",0
`

const arcs = `2,1,-1
3,2,-1
8,1,-1
`

const ruleText = `
interaction_rule(
  (unrelatedPredicate(H) :- other(H)),
  rule_desc('never matches a label', 0.7)).
`

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func writeFixture(t *testing.T) (verticesPath, arcsPath, rulesPath string) {
	t.Helper()
	dir := t.TempDir()
	verticesPath = filepath.Join(dir, "VERTICES.CSV")
	arcsPath = filepath.Join(dir, "ARCS.CSV")
	rulesPath = filepath.Join(dir, "running_rules.P")
	require.NoError(t, os.WriteFile(verticesPath, []byte(vertices), 0644))
	require.NoError(t, os.WriteFile(arcsPath, []byte(arcs), 0644))
	require.NoError(t, os.WriteFile(rulesPath, []byte(ruleText), 0644))
	return verticesPath, arcsPath, rulesPath
}

func newPipeline(t *testing.T) *Pipeline {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Severity.Scores = map[string]float64{"CAN-2002-0392": 6}

	p, err := NewPipeline(context.Background(), cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func warningKinds(ws []graph.Warning) map[graph.WarningKind]int {
	kinds := make(map[graph.WarningKind]int)
	for _, w := range ws {
		kinds[w.Kind]++
	}
	return kinds
}

func TestCompile(t *testing.T) {
	v, a, r := writeFixture(t)
	p := newPipeline(t)

	analysis, err := p.Compile(context.Background(), storage.NewMulVALStore(v, a), r)
	require.NoError(t, err)

	assert.Equal(t, 4, analysis.Model.Len())
	assert.Equal(t, 1, analysis.Rules.Len())

	kinds := warningKinds(analysis.Warnings)
	assert.Equal(t, 1, kinds[graph.WarnInvalidEdge], "edge from missing node 8")
	assert.Equal(t, 1, kinds[graph.WarnLookupFallback], "CVE-1999-9999 is unknown")

	res, err := analysis.Engine.QueryAll(nil)
	require.NoError(t, err)
	want := map[graph.NodeID]float64{1: 0.2, 2: 0.26, 3: 0.6, 4: 0.5}
	for id, prob := range want {
		got, ok := res.Probability(id)
		require.True(t, ok, "node %d", id)
		assert.InDelta(t, prob, got, 1e-9, "node %d", id)
	}
}

func TestCompile_Errors(t *testing.T) {
	v, a, _ := writeFixture(t)
	p := newPipeline(t)
	ctx := context.Background()

	_, err := p.Compile(ctx, nil, "")
	assert.Error(t, err)

	_, err = p.Compile(ctx, storage.NewMulVALStore(filepath.Join(t.TempDir(), "none"), a), "")
	assert.Error(t, err)

	_, err = p.Compile(ctx, storage.NewMulVALStore(v, a), filepath.Join(t.TempDir(), "none.P"))
	assert.Error(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = p.Compile(cancelled, storage.NewMulVALStore(v, a), "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompile_JSONStore(t *testing.T) {
	v, a, _ := writeFixture(t)
	ctx := context.Background()

	data, err := storage.NewMulVALStore(v, a).LoadGraph(ctx)
	require.NoError(t, err)
	jsonStore := storage.NewJSONGraphStore(filepath.Join(t.TempDir(), "graph.json"))
	require.NoError(t, jsonStore.StoreGraph(ctx, data))

	analysis, err := newPipeline(t).Compile(ctx, jsonStore, "")
	require.NoError(t, err)
	assert.Equal(t, 0, analysis.Rules.Len())
	assert.Equal(t, 4, analysis.Model.Len())
}

func TestWithSeveritySource(t *testing.T) {
	v, a, _ := writeFixture(t)
	cfg := config.DefaultConfig()
	cfg.Severity.Cache = false

	p, err := NewPipeline(context.Background(), cfg,
		WithLogger(quietLogger()),
		WithSeveritySource(severity.Static{"CVE-2002-0392": 10, "CVE-1999-9999": 2}),
	)
	require.NoError(t, err)
	defer p.Close()

	analysis, err := p.Compile(context.Background(), storage.NewMulVALStore(v, a), "")
	require.NoError(t, err)
	assert.Zero(t, warningKinds(analysis.Warnings)[graph.WarnLookupFallback])

	res, err := analysis.Engine.Query([]graph.NodeID{3, 4}, nil)
	require.NoError(t, err)
	p3, _ := res.Probability(3)
	p4, _ := res.Probability(4)
	assert.InDelta(t, 1.0, p3, 1e-9)
	assert.InDelta(t, 0.2, p4, 1e-9)
}

func TestNewPipeline_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Inference.Workers = 0
	_, err := NewPipeline(context.Background(), cfg)
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	v, a, r := writeFixture(t)
	p := newPipeline(t)
	ctx := context.Background()

	analysis, err := p.Compile(ctx, storage.NewMulVALStore(v, a), r)
	require.NoError(t, err)

	report, err := p.Run(ctx, analysis, []inference.Request{
		{Targets: []graph.NodeID{2, 42}},
		{Targets: []graph.NodeID{2}, Evidence: inference.Evidence{1: 1}},
	})
	require.NoError(t, err)

	assert.Equal(t, analysis.Model.ID().String(), report.ModelID)
	assert.Equal(t, 4, report.Nodes)
	assert.Equal(t, 2, report.Edges)
	require.Len(t, report.Queries, 2)

	first := report.Queries[0]
	assert.Equal(t, []graph.NodeID{2, 42}, first.Targets)
	assert.InDelta(t, 0.26, first.Probabilities[2], 1e-9)
	assert.Contains(t, first.Failures[42], "unknown variable")
	assert.Equal(t, map[graph.NodeID][]graph.NodeID{2: {1, 2}}, first.Paths)

	second := report.Queries[1]
	assert.InDelta(t, 0.9, second.Probabilities[2], 1e-9)
	assert.Empty(t, second.Failures)

	encoded, err := json.Marshal(report)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"model_id"`)
	assert.Contains(t, string(encoded), `"probabilities":{"2":`)
	assert.Contains(t, string(encoded), `"paths":{"2":[1,2]}`)
}

func TestRun_DefaultsAndErrors(t *testing.T) {
	v, a, _ := writeFixture(t)
	p := newPipeline(t)
	ctx := context.Background()

	analysis, err := p.Compile(ctx, storage.NewMulVALStore(v, a), "")
	require.NoError(t, err)

	report, err := p.Run(ctx, analysis, nil)
	require.NoError(t, err)
	require.Len(t, report.Queries, 1)
	terminal := report.Queries[0]
	assert.Equal(t, []graph.NodeID{3, 4}, terminal.Targets, "nothing depends on 3 or 4")
	assert.InDelta(t, 0.6, terminal.Probabilities[3], 1e-9)
	assert.InDelta(t, 0.5, terminal.Probabilities[4], 1e-9)
	assert.Equal(t, map[graph.NodeID][]graph.NodeID{3: {1, 2, 3}, 4: {4}}, terminal.Paths)

	_, err = p.Run(ctx, analysis, []inference.Request{{Targets: []graph.NodeID{1}, Evidence: inference.Evidence{99: 1}}})
	assert.ErrorIs(t, err, inference.ErrInvalidEvidence)

	_, err = p.Run(ctx, nil, nil)
	assert.Error(t, err)
}
