// Package severity provides vulnerability severity scores (0-10) for the
// attack model. Sources may fail; Absorb turns any source into a Lookup that
// never does.
package severity

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/athapong/abn/pkg/graph"
	"github.com/athapong/abn/pkg/graph/metrics"
)

const (
	// DefaultScore is used whenever a score cannot be obtained.
	DefaultScore = 5.0
	// MaxScore is the top of the CVSS range.
	MaxScore = 10.0
)

// ErrNotFound is returned by sources that have no record for an identifier.
var ErrNotFound = errors.New("severity not found")

// Source returns the severity score of a vulnerability identifier.
type Source interface {
	Severity(ctx context.Context, vulnID string) (float64, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, vulnID string) (float64, error)

func (f SourceFunc) Severity(ctx context.Context, vulnID string) (float64, error) {
	return f(ctx, vulnID)
}

// Lookup is the synchronous, infallible form the model assembler consumes.
type Lookup func(vulnID string) float64

// Constant returns a Lookup that always answers score.
func Constant(score float64) Lookup {
	return func(string) float64 { return score }
}

// Static is an in-memory table of scores.
type Static map[string]float64

func (s Static) Severity(_ context.Context, vulnID string) (float64, error) {
	score, ok := s[vulnID]
	if !ok {
		return 0, errors.Wrap(ErrNotFound, vulnID)
	}
	return score, nil
}

// Chain asks each source in turn and returns the first answer.
type Chain []Source

func (c Chain) Severity(ctx context.Context, vulnID string) (float64, error) {
	err := errors.Wrap(ErrNotFound, vulnID)
	for _, src := range c {
		score, srcErr := src.Severity(ctx, vulnID)
		if srcErr == nil {
			return score, nil
		}
		err = srcErr
	}
	return 0, err
}

// NormalizeID rewrites legacy CAN- candidate identifiers to CVE-.
func NormalizeID(vulnID string) string {
	vulnID = strings.TrimSpace(vulnID)
	if strings.HasPrefix(vulnID, "CAN-") {
		return "CVE-" + strings.TrimPrefix(vulnID, "CAN-")
	}
	return vulnID
}

type absorbOptions struct {
	fallback float64
	logger   logrus.FieldLogger
	sink     func(graph.Warning)
}

// AbsorbOption configures Absorb.
type AbsorbOption func(*absorbOptions)

// WithFallback overrides DefaultScore.
func WithFallback(score float64) AbsorbOption {
	return func(o *absorbOptions) { o.fallback = score }
}

// WithLogger sets where fallbacks are reported.
func WithLogger(logger logrus.FieldLogger) AbsorbOption {
	return func(o *absorbOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithWarnings receives a lookup_fallback warning for every failed lookup.
func WithWarnings(sink func(graph.Warning)) AbsorbOption {
	return func(o *absorbOptions) { o.sink = sink }
}

// Absorb wraps src so that errors, NaN and scores outside [0,10] resolve to
// the fallback score. A nil src always yields the fallback.
func Absorb(ctx context.Context, src Source, opts ...AbsorbOption) Lookup {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	o := &absorbOptions{fallback: DefaultScore, logger: logger}
	for _, opt := range opts {
		opt(o)
	}

	return func(vulnID string) float64 {
		if src == nil {
			return o.fallback
		}

		score, err := src.Severity(ctx, vulnID)
		if err == nil && (math.IsNaN(score) || math.IsInf(score, 0) || score < 0 || score > MaxScore) {
			err = errors.Errorf("score %v outside [0,%v]", score, MaxScore)
		}
		if err != nil {
			metrics.SeverityFallbacks.Inc()
			o.logger.WithFields(logrus.Fields{
				"kind":     "lookup_fallback",
				"vuln_id":  vulnID,
				"fallback": o.fallback,
			}).WithError(err).Warn("Severity lookup failed, using fallback")
			if o.sink != nil {
				o.sink(graph.Warning{
					Kind:    graph.WarnLookupFallback,
					Message: fmt.Sprintf("severity of %s: %v; using %v", vulnID, err, o.fallback),
				})
			}
			return o.fallback
		}
		return score
	}
}

// Cached memoises successful answers of an underlying source.
type Cached struct {
	src    Source
	scores sync.Map
}

// NewCached wraps src with a cache.
func NewCached(src Source) *Cached {
	return &Cached{src: src}
}

func (c *Cached) Severity(ctx context.Context, vulnID string) (float64, error) {
	if score, ok := c.scores.Load(vulnID); ok {
		metrics.CacheHits.WithLabelValues("severity").Inc()
		return score.(float64), nil
	}
	metrics.CacheMisses.WithLabelValues("severity").Inc()

	score, err := c.src.Severity(ctx, vulnID)
	if err != nil {
		return 0, err
	}
	c.scores.Store(vulnID, score)
	return score, nil
}
