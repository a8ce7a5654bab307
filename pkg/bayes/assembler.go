package bayes

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/athapong/abn/pkg/graph"
	"github.com/athapong/abn/pkg/graph/metrics"
	"github.com/athapong/abn/pkg/rules"
	"github.com/athapong/abn/pkg/severity"
)

type assembleOptions struct {
	logger logrus.FieldLogger
}

// Option configures Assemble.
type Option func(*assembleOptions)

// WithLogger sets the assembly logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *assembleOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// ruleMatcher is implemented by rule sets that can list every candidate match.
type ruleMatcher interface {
	Matches(label string) []rules.Rule
}

// ruleWarner is implemented by rule sets that report skipped clauses.
type ruleWarner interface {
	Warnings() []graph.Warning
}

// Assemble compiles an attack graph into a validated Model. Either the whole
// model is returned or an error wrapping ErrMissingCPD or ErrInconsistentModel.
func Assemble(g *graph.AttackGraph, ruleSet RuleLookup, sev severity.Lookup, opts ...Option) (*Model, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	o := &assembleOptions{logger: logger}
	for _, opt := range opts {
		opt(o)
	}

	start := time.Now()
	model, err := assemble(g, ruleSet, sev, o.logger)
	elapsed := time.Since(start)

	if err != nil {
		reason := "inconsistent_model"
		if errors.Is(err, ErrMissingCPD) {
			reason = "missing_cpd"
		}
		metrics.AssemblyFailures.WithLabelValues(reason).Inc()
		metrics.AssemblyDuration.WithLabelValues("error").Observe(elapsed.Seconds())
		o.logger.WithError(err).Error("Model assembly failed")
		return nil, err
	}

	metrics.AssemblyDuration.WithLabelValues("success").Observe(elapsed.Seconds())
	recordModelMetrics(model)

	o.logger.WithFields(logrus.Fields{
		"model_id": model.ID().String(),
		"nodes":    model.Len(),
		"edges":    len(model.Edges()),
		"warnings": len(model.Warnings()),
		"duration": elapsed,
	}).Info("Model assembled")
	return model, nil
}

func assemble(g *graph.AttackGraph, ruleSet RuleLookup, sev severity.Lookup, logger logrus.FieldLogger) (*Model, error) {
	if g == nil {
		return nil, errors.Wrap(ErrInconsistentModel, "nil graph")
	}

	warnings := g.Warnings()
	if w, ok := ruleSet.(ruleWarner); ok {
		warnings = append(warnings, w.Warnings()...)
	}

	nodes := g.Nodes()
	present := make(map[graph.NodeID]bool, len(nodes))
	for _, n := range nodes {
		present[n.ID] = true
	}

	edges := make([]graph.Edge, 0)
	for _, e := range g.Edges() {
		if !present[e.Parent] || !present[e.Child] {
			edge := e
			warnings = append(warnings, graph.Warning{
				Kind:    graph.WarnInvalidEdge,
				Message: fmt.Sprintf("skipped edge %s: endpoint not in model", e),
				Edge:    &edge,
			})
			continue
		}
		edges = append(edges, e)
	}
	for _, w := range warnings {
		if w.Kind == graph.WarnInvalidEdge {
			metrics.SkippedEdges.Inc()
		}
	}

	synth := NewSynthesizer(ruleSet, sev)
	matcher, canMatch := ruleSet.(ruleMatcher)

	cpds := make([]*CPD, 0, len(nodes))
	for _, n := range nodes {
		parents := make([]graph.NodeID, 0)
		for _, p := range g.Predecessors(n.ID) {
			if present[p] {
				parents = append(parents, p)
			}
		}

		cpd, err := synth.Synthesize(n, parents)
		if err != nil {
			return nil, err
		}
		cpds = append(cpds, cpd)

		if canMatch {
			if matches := matcher.Matches(n.Label); len(matches) > 1 {
				id := n.ID
				warnings = append(warnings, graph.Warning{
					Kind:    graph.WarnAmbiguousRule,
					Message: fmt.Sprintf("node %d matches %d rules, using %q", n.ID, len(matches), matches[0].Head),
					Node:    &id,
				})
			}
		}

		logger.WithFields(logrus.Fields{
			"node":    n.ID,
			"type":    n.Type.String(),
			"parents": len(parents),
		}).Debug("Synthesized CPD")
	}

	return NewModel(nodes, edges, cpds, warnings...)
}

func recordModelMetrics(m *Model) {
	counts := map[graph.NodeType]int{graph.Leaf: 0, graph.And: 0, graph.Or: 0, graph.Root: 0}
	for _, n := range m.Nodes() {
		counts[n.Type]++
	}
	for t, c := range counts {
		metrics.ModelNodeCount.With(prometheus.Labels{"node_type": t.String()}).Set(float64(c))
	}
	metrics.ModelEdgeCount.Set(float64(len(m.Edges())))
}
