package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/athapong/abn/pkg/analysis"
	"github.com/athapong/abn/pkg/graph"
	"github.com/athapong/abn/pkg/graph/query"
	"github.com/athapong/abn/pkg/graph/storage"
	"github.com/athapong/abn/pkg/graph/visualizer"
	"github.com/athapong/abn/pkg/inference"
)

// AttackModelTools keeps the models compiled during a session, keyed by
// model id.
type AttackModelTools struct {
	pipeline *analysis.Pipeline
	models   map[string]*analysis.Analysis
	latest   string
	mutex    sync.RWMutex
	logger   logrus.FieldLogger
}

func NewAttackModelTools(pipeline *analysis.Pipeline, logger logrus.FieldLogger) *AttackModelTools {
	if logger == nil {
		l := logrus.New()
		l.SetFormatter(&logrus.JSONFormatter{})
		logger = l
	}
	return &AttackModelTools{
		pipeline: pipeline,
		models:   make(map[string]*analysis.Analysis),
		logger:   logger,
	}
}

func RegisterAttackModelTools(s *server.MCPServer, t *AttackModelTools) {
	loadTool := mcp.NewTool("attack_model_load",
		mcp.WithDescription("Compile a MulVAL attack graph into a Bayesian risk model"),
		mcp.WithString("vertices", mcp.Required(), mcp.Description("Path to VERTICES.CSV")),
		mcp.WithString("arcs", mcp.Required(), mcp.Description("Path to ARCS.CSV")),
		mcp.WithString("rules", mcp.Description("Path to the interaction rules file (running_rules.P)")),
	)
	s.AddTool(loadTool, t.loadHandler)

	probabilityTool := mcp.NewTool("attack_probability",
		mcp.WithDescription("Compute compromise probabilities of attack graph nodes, optionally given observed nodes. Each answer carries the shortest attack path from an entry point"),
		mcp.WithString("targets", mcp.Description("Comma separated node ids, e.g. 1,4,7. Empty means every node")),
		mcp.WithString("evidence", mcp.Description("Observed node states, e.g. 3=1,5=0")),
		mcp.WithString("model_id", mcp.Description("Model to query. Defaults to the last loaded model")),
	)
	s.AddTool(probabilityTool, t.probabilityHandler)

	riskMapTool := mcp.NewTool("attack_risk_map",
		mcp.WithDescription("Render an HTML risk map of a loaded model"),
		mcp.WithString("output", mcp.Required(), mcp.Description("Path of the HTML file to write")),
		mcp.WithString("evidence", mcp.Description("Observed node states, e.g. 3=1,5=0")),
		mcp.WithString("model_id", mcp.Description("Model to draw. Defaults to the last loaded model")),
	)
	s.AddTool(riskMapTool, t.riskMapHandler)
}

func (t *AttackModelTools) loadHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	vertices, err := request.RequireString("vertices")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	arcs, err := request.RequireString("arcs")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rulesPath := request.GetString("rules", "")

	a, err := t.pipeline.Compile(ctx, storage.NewMulVALStore(vertices, arcs), rulesPath)
	if err != nil {
		return mcp.NewToolResultErrorf("failed to compile attack graph: %v", err), nil
	}

	id := a.Model.ID().String()
	t.mutex.Lock()
	t.models[id] = a
	t.latest = id
	t.mutex.Unlock()

	summary := struct {
		ModelID  string          `json:"model_id"`
		Nodes    int             `json:"nodes"`
		Edges    int             `json:"edges"`
		Rules    int             `json:"rules"`
		Warnings []graph.Warning `json:"warnings,omitempty"`
	}{
		ModelID:  id,
		Nodes:    a.Model.Len(),
		Edges:    len(a.Model.Edges()),
		Rules:    a.Rules.Len(),
		Warnings: a.Warnings,
	}
	return jsonResult(summary)
}

func (t *AttackModelTools) probabilityHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a, err := t.lookup(request.GetString("model_id", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	q, err := query.Parse(request.GetString("targets", ""), request.GetString("evidence", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	req := q.Request()
	if len(req.Targets) == 0 {
		req.Targets = a.Model.NodeIDs()
	}

	report, err := t.pipeline.Run(ctx, a, []inference.Request{req})
	if err != nil {
		return mcp.NewToolResultErrorf("query failed: %v", err), nil
	}
	return jsonResult(report.Queries[0])
}

func (t *AttackModelTools) riskMapHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	output, err := request.RequireString("output")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	a, err := t.lookup(request.GetString("model_id", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	q, err := query.Parse("", request.GetString("evidence", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	evidence := q.Request().Evidence
	result, err := a.Engine.QueryAll(evidence)
	if err != nil {
		return mcp.NewToolResultErrorf("query failed: %v", err), nil
	}

	rm := visualizer.NewRiskMap(a.Model, result, evidence)
	if err := visualizer.NewD3Visualizer(output).Visualize(rm); err != nil {
		return mcp.NewToolResultErrorf("failed to write risk map: %v", err), nil
	}

	t.logger.WithField("output", output).Info("Wrote risk map")
	return mcp.NewToolResultText(fmt.Sprintf("Risk map with %d nodes written to %s", len(rm.Nodes), output)), nil
}

// lookup returns the model with the given id, or the latest one when id is
// empty.
func (t *AttackModelTools) lookup(id string) (*analysis.Analysis, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	if id == "" {
		id = t.latest
	}
	if id == "" {
		return nil, fmt.Errorf("no model loaded; call attack_model_load first")
	}
	a, ok := t.models[id]
	if !ok {
		return nil, fmt.Errorf("unknown model %s", id)
	}
	return a, nil
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultErrorf("failed to encode result: %v", err), nil
	}
	return mcp.NewToolResultText(string(encoded)), nil
}
