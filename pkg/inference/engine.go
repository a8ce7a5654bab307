// Package inference answers exact marginal and conditional queries over an
// assembled model by variable elimination.
package inference

import (
	"fmt"
	"math"
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/athapong/abn/pkg/bayes"
	"github.com/athapong/abn/pkg/graph"
	"github.com/athapong/abn/pkg/graph/algorithms"
	"github.com/athapong/abn/pkg/graph/metrics"
)

var (
	// ErrUnknownVariable is reported for a target that is not a model node.
	ErrUnknownVariable = errors.New("unknown variable")
	// ErrImpossibleEvidence is reported when the evidence has probability zero.
	ErrImpossibleEvidence = errors.New("impossible evidence")
	// ErrInvalidEvidence is returned when evidence names an unknown node or a
	// state other than 0 or 1.
	ErrInvalidEvidence = errors.New("invalid evidence")
)

// Evidence fixes observed nodes to a state: 0 not compromised, 1 compromised.
type Evidence map[graph.NodeID]int

// Distribution is [P(false), P(true)] of one node.
type Distribution [2]float64

// True returns P(node = 1).
func (d Distribution) True() float64 { return d[1] }

// False returns P(node = 0).
func (d Distribution) False() float64 { return d[0] }

func (d Distribution) String() string {
	return fmt.Sprintf("{0:%.4f, 1:%.4f}", d[0], d[1])
}

// Result holds one distribution per answered target and the error of every
// target that could not be answered.
type Result struct {
	Distributions map[graph.NodeID]Distribution `json:"distributions"`
	Failures      map[graph.NodeID]error        `json:"-"`
}

// Probability returns P(id = 1) if id was answered.
func (r Result) Probability(id graph.NodeID) (float64, bool) {
	d, ok := r.Distributions[id]
	return d.True(), ok
}

type engineOptions struct {
	heuristic Heuristic
	logger    logrus.FieldLogger
}

// Option configures an Engine.
type Option func(*engineOptions)

// WithHeuristic selects the elimination ordering heuristic.
func WithHeuristic(h Heuristic) Option {
	return func(o *engineOptions) {
		if h == MinFill || h == MinDegree {
			o.heuristic = h
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *engineOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Engine runs queries against one model. It never mutates the model and is
// safe for concurrent use; every query builds its own factors.
type Engine struct {
	model     *bayes.Model
	heuristic Heuristic
	logger    logrus.FieldLogger
	factors   map[graph.NodeID]*factor
}

// NewEngine prepares an engine for model.
func NewEngine(model *bayes.Model, opts ...Option) *Engine {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	o := &engineOptions{heuristic: MinFill, logger: logger}
	for _, opt := range opts {
		opt(o)
	}

	factors := make(map[graph.NodeID]*factor, model.Len())
	for _, cpd := range model.CPDs() {
		factors[cpd.Node] = factorFromCPD(cpd)
	}
	return &Engine{
		model:     model,
		heuristic: o.heuristic,
		logger:    o.logger,
		factors:   factors,
	}
}

// Model returns the model the engine queries.
func (e *Engine) Model() *bayes.Model {
	return e.model
}

// Query computes P(target | evidence) for each target independently. Invalid
// evidence fails the whole call; unknown targets and zero-probability evidence
// are recorded per target in Result.Failures.
func (e *Engine) Query(targets []graph.NodeID, evidence Evidence) (Result, error) {
	start := time.Now()
	defer func() {
		metrics.QueryDuration.Observe(time.Since(start).Seconds())
	}()

	if err := e.checkEvidence(evidence); err != nil {
		metrics.QueryTargets.WithLabelValues("invalid_evidence").Add(float64(len(targets)))
		e.logger.WithError(err).Warn("Rejected query")
		return Result{}, err
	}

	result := Result{
		Distributions: make(map[graph.NodeID]Distribution, len(targets)),
		Failures:      make(map[graph.NodeID]error),
	}
	for _, target := range targets {
		if _, done := result.Distributions[target]; done {
			continue
		}
		d, err := e.marginal(target, evidence)
		if err != nil {
			result.Failures[target] = err
			metrics.QueryTargets.WithLabelValues(failureStatus(err)).Inc()
			e.logger.WithFields(logrus.Fields{
				"target": target,
				"error":  err.Error(),
			}).Warn("Query target failed")
			continue
		}
		result.Distributions[target] = d
		metrics.QueryTargets.WithLabelValues("ok").Inc()
	}

	e.logger.WithFields(logrus.Fields{
		"targets":  len(targets),
		"evidence": len(evidence),
		"failures": len(result.Failures),
		"duration": time.Since(start),
	}).Debug("Query answered")
	return result, nil
}

// QueryAll computes the distribution of every model node.
func (e *Engine) QueryAll(evidence Evidence) (Result, error) {
	return e.Query(e.model.NodeIDs(), evidence)
}

func (e *Engine) checkEvidence(evidence Evidence) error {
	ids := make([]graph.NodeID, 0, len(evidence))
	for id := range evidence {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		if !e.model.Has(id) {
			return errors.Wrapf(ErrInvalidEvidence, "node %d is not in the model", id)
		}
		if s := evidence[id]; s != 0 && s != 1 {
			return errors.Wrapf(ErrInvalidEvidence, "node %d: state %d is not 0 or 1", id, s)
		}
	}
	return nil
}

func (e *Engine) marginal(target graph.NodeID, evidence Evidence) (Distribution, error) {
	if !e.model.Has(target) {
		return Distribution{}, errors.Wrapf(ErrUnknownVariable, "node %d", target)
	}
	if state, observed := evidence[target]; observed {
		var d Distribution
		d[state] = 1
		return d, nil
	}

	seeds := []graph.NodeID{target}
	observed := mapset.NewThreadUnsafeSet[graph.NodeID]()
	for id := range evidence {
		seeds = append(seeds, id)
		observed.Add(id)
	}

	// Nodes outside the ancestral set of target and evidence sum to one.
	relevant := algorithms.Ancestors(e.model, seeds...)

	factors := make([]*factor, 0, relevant.Cardinality())
	for _, id := range e.model.NodeIDs() {
		if relevant.Contains(id) {
			factors = append(factors, e.factors[id].reduce(evidence))
		}
	}

	eliminate := relevant.Difference(observed)
	eliminate.Remove(target)
	order := eliminationOrder(factors, eliminate, e.heuristic)

	for _, v := range order {
		var touching, rest []*factor
		for _, f := range factors {
			if f.position(v) >= 0 {
				touching = append(touching, f)
			} else {
				rest = append(rest, f)
			}
		}
		factors = append(rest, multiplyAll(touching).sumOut(v))
	}

	joint := multiplyAll(factors)
	for _, v := range joint.vars {
		if v != target {
			joint = joint.sumOut(v)
		}
	}

	z := joint.values[0] + joint.values[1]
	if z <= 0 || math.IsNaN(z) {
		return Distribution{}, errors.Wrapf(ErrImpossibleEvidence, "target %d", target)
	}
	return Distribution{joint.values[0] / z, joint.values[1] / z}, nil
}

func failureStatus(err error) string {
	switch {
	case errors.Is(err, ErrUnknownVariable):
		return "unknown_variable"
	case errors.Is(err, ErrImpossibleEvidence):
		return "impossible_evidence"
	}
	return "error"
}
