// Package analysis wires the stages of a risk analysis together: load an
// attack graph, extract rules, resolve severities, assemble the model and
// answer queries against it.
package analysis

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/athapong/abn/pkg/bayes"
	"github.com/athapong/abn/pkg/config"
	"github.com/athapong/abn/pkg/graph"
	"github.com/athapong/abn/pkg/graph/algorithms"
	"github.com/athapong/abn/pkg/graph/metrics"
	"github.com/athapong/abn/pkg/graph/storage"
	"github.com/athapong/abn/pkg/inference"
	"github.com/athapong/abn/pkg/rules"
	"github.com/athapong/abn/pkg/severity"
)

var (
	pipelineStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "abn_pipeline_stage_duration_seconds",
			Help: "Time spent in each analysis pipeline stage",
		},
		[]string{"stage"},
	)

	pipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abn_pipeline_runs_total",
			Help: "Total number of pipeline runs",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(pipelineStageDuration)
	prometheus.MustRegister(pipelineRunsTotal)
}

// Analysis is a compiled attack graph ready to be queried.
type Analysis struct {
	Graph    *graph.AttackGraph
	Rules    *rules.Set
	Model    *bayes.Model
	Engine   *inference.Engine
	Warnings []graph.Warning
}

// QueryReport is the outcome of one request.
type QueryReport struct {
	Targets       []graph.NodeID           `json:"targets"`
	Evidence      inference.Evidence       `json:"evidence,omitempty"`
	Probabilities map[graph.NodeID]float64 `json:"probabilities"`
	Failures      map[graph.NodeID]string  `json:"failures,omitempty"`

	// Paths holds, per answered target, the shortest attack path from a
	// parentless node.
	Paths map[graph.NodeID][]graph.NodeID `json:"paths,omitempty"`
}

// Report summarises an analysis and its query answers.
type Report struct {
	ModelID  string          `json:"model_id"`
	Nodes    int             `json:"nodes"`
	Edges    int             `json:"edges"`
	Rules    int             `json:"rules"`
	Queries  []QueryReport   `json:"queries"`
	Warnings []graph.Warning `json:"warnings,omitempty"`
}

// Pipeline compiles and queries attack graphs under one configuration.
type Pipeline struct {
	cfg     *config.Config
	source  severity.Source
	closers []io.Closer
	mutex   sync.Mutex
	logger  logrus.FieldLogger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger. It is handed down to every stage.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithSeveritySource replaces the source described by the configuration.
func WithSeveritySource(src severity.Source) Option {
	return func(p *Pipeline) { p.source = src }
}

// NewPipeline creates a pipeline. Unless WithSeveritySource is given, the
// severity source is built from cfg, connecting to Neo4j when it is used.
func NewPipeline(ctx context.Context, cfg *config.Config, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:    cfg,
		logger: cfg.NewLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.source == nil {
		src, err := p.buildSource(ctx)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.source = src
	}
	if cfg.Severity.Cache {
		p.source = severity.NewCached(p.source)
	}
	return p, nil
}

func (p *Pipeline) buildSource(ctx context.Context) (severity.Source, error) {
	static := make(severity.Static, len(p.cfg.Severity.Scores))
	for id, score := range p.cfg.Severity.Scores {
		static[severity.NormalizeID(id)] = score
	}

	switch p.cfg.Severity.Source {
	case config.SourceNeo4j:
		return p.neo4jSource(ctx)
	case config.SourceNVD:
		return p.nvdSource(), nil
	case config.SourceChain:
		chain := severity.Chain{static}
		if p.cfg.Neo4j.URI != "" {
			store, err := p.neo4jSource(ctx)
			if err != nil {
				return nil, err
			}
			chain = append(chain, store)
		}
		return append(chain, p.nvdSource()), nil
	default:
		return static, nil
	}
}

func (p *Pipeline) neo4jSource(ctx context.Context) (*severity.Neo4jStore, error) {
	store, err := severity.NewNeo4jStore(p.cfg.Neo4j.URI, p.cfg.Neo4j.User, p.cfg.Neo4j.Password)
	if err != nil {
		return nil, err
	}
	if err := store.Connect(ctx); err != nil {
		store.Close()
		return nil, err
	}
	p.closers = append(p.closers, store)
	p.logger.WithField("uri", p.cfg.Neo4j.URI).Info("Connected severity store")
	return store, nil
}

func (p *Pipeline) nvdSource() *severity.NVDClient {
	opts := []severity.NVDOption{
		severity.WithRetries(p.cfg.NVD.Retries),
		severity.WithTimeout(p.cfg.NVD.Timeout),
	}
	if p.cfg.NVD.BaseURL != "" {
		opts = append(opts, severity.WithBaseURL(p.cfg.NVD.BaseURL))
	}
	if p.cfg.NVD.APIKey != "" {
		opts = append(opts, severity.WithAPIKey(p.cfg.NVD.APIKey))
	}
	return severity.NewNVDClient(opts...)
}

// Close releases database connections held by the severity source.
func (p *Pipeline) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	var first error
	for _, c := range p.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	p.closers = nil
	return first
}

// Compile loads the graph held by store and assembles it with the rules in
// rulesPath. An empty rulesPath uses the configured path; if that is empty
// too, every node falls back to its built-in default.
func (p *Pipeline) Compile(ctx context.Context, store storage.GraphStore, rulesPath string) (*Analysis, error) {
	analysis, err := p.compile(ctx, store, rulesPath)
	if err != nil {
		pipelineRunsTotal.WithLabelValues("error").Inc()
		p.logger.WithError(err).Error("Failed to compile attack graph")
		return nil, err
	}
	pipelineRunsTotal.WithLabelValues("success").Inc()
	return analysis, nil
}

func (p *Pipeline) compile(ctx context.Context, store storage.GraphStore, rulesPath string) (*Analysis, error) {
	if store == nil {
		return nil, errors.New("no graph store")
	}
	var warnings []graph.Warning

	timer := prometheus.NewTimer(pipelineStageDuration.WithLabelValues("load"))
	data, err := store.LoadGraph(ctx)
	timer.ObserveDuration()
	if err != nil {
		return nil, errors.Wrap(err, "load graph")
	}
	if w, ok := store.(interface{ Warnings() []graph.Warning }); ok {
		warnings = append(warnings, w.Warnings()...)
	}

	g, err := graph.Build(data.Vertices, data.Arcs, graph.WithLogger(p.logger))
	if err != nil {
		return nil, errors.Wrap(err, "build graph")
	}

	if rulesPath == "" {
		rulesPath = p.cfg.Rules.Path
	}
	ruleSet := rules.NewSet()
	if rulesPath != "" {
		timer = prometheus.NewTimer(pipelineStageDuration.WithLabelValues("rules"))
		ruleSet, err = rules.ExtractFile(rulesPath)
		timer.ObserveDuration()
		if err != nil {
			return nil, err
		}
	}
	ruleSet.Log(p.logger)

	var fallbacks []graph.Warning
	lookup := severity.Absorb(ctx, p.source,
		severity.WithFallback(p.cfg.Severity.Fallback),
		severity.WithLogger(p.logger),
		severity.WithWarnings(func(w graph.Warning) { fallbacks = append(fallbacks, w) }),
	)

	timer = prometheus.NewTimer(pipelineStageDuration.WithLabelValues("assemble"))
	model, err := bayes.Assemble(g, ruleSet, lookup, bayes.WithLogger(p.logger))
	timer.ObserveDuration()
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, model.Warnings()...)
	warnings = append(warnings, fallbacks...)

	heuristic, ok := inference.ParseHeuristic(p.cfg.Inference.Heuristic)
	if !ok {
		return nil, errors.Errorf("unknown elimination heuristic %q", p.cfg.Inference.Heuristic)
	}

	p.logger.WithFields(logrus.Fields{
		"model_id": model.ID().String(),
		"rules":    ruleSet.Len(),
		"warnings": len(warnings),
	}).Info("Compiled attack graph")

	return &Analysis{
		Graph:    g,
		Rules:    ruleSet,
		Model:    model,
		Engine:   inference.NewEngine(model, inference.WithHeuristic(heuristic), inference.WithLogger(p.logger)),
		Warnings: warnings,
	}, nil
}

// Run answers requests against a compiled analysis. With no requests, the
// terminal nodes (those nothing depends on) are queried without evidence.
func (p *Pipeline) Run(ctx context.Context, a *Analysis, requests []inference.Request) (*Report, error) {
	if a == nil {
		return nil, errors.New("no analysis")
	}
	if len(requests) == 0 {
		requests = []inference.Request{{Targets: algorithms.Terminals(a.Model)}}
	}

	start := time.Now()
	timer := prometheus.NewTimer(pipelineStageDuration.WithLabelValues("query"))
	results, err := a.Engine.QueryBatch(ctx, requests, p.cfg.Inference.Workers)
	timer.ObserveDuration()
	if err != nil {
		p.logger.WithError(err).Error("Query batch failed")
		return nil, err
	}

	report := &Report{
		ModelID:  a.Model.ID().String(),
		Nodes:    a.Model.Len(),
		Edges:    len(a.Model.Edges()),
		Rules:    a.Rules.Len(),
		Queries:  make([]QueryReport, 0, len(results)),
		Warnings: a.Warnings,
	}
	for i, res := range results {
		qr := NewQueryReport(requests[i], res)
		qr.Paths = criticalPaths(a.Model, qr.Probabilities)
		report.Queries = append(report.Queries, qr)
	}

	metrics.UpdateSystemMetrics()
	p.logger.WithFields(logrus.Fields{
		"requests": len(requests),
		"duration": time.Since(start),
	}).Info("Analysis completed")
	return report, nil
}

// NewQueryReport flattens a result for serialisation. Targets are sorted.
func NewQueryReport(req inference.Request, res inference.Result) QueryReport {
	targets := append([]graph.NodeID(nil), req.Targets...)
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })

	qr := QueryReport{
		Targets:       targets,
		Evidence:      req.Evidence,
		Probabilities: make(map[graph.NodeID]float64, len(res.Distributions)),
	}
	for id, d := range res.Distributions {
		qr.Probabilities[id] = d.True()
	}
	if len(res.Failures) > 0 {
		qr.Failures = make(map[graph.NodeID]string, len(res.Failures))
		for id, err := range res.Failures {
			qr.Failures[id] = err.Error()
		}
	}
	return qr
}

func criticalPaths(model *bayes.Model, answered map[graph.NodeID]float64) map[graph.NodeID][]graph.NodeID {
	if len(answered) == 0 {
		return nil
	}
	paths := make(map[graph.NodeID][]graph.NodeID, len(answered))
	for id := range answered {
		if path := algorithms.CriticalPath(model, id); path != nil {
			paths[id] = path
		}
	}
	return paths
}
