package bayes

import (
	"math"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/athapong/abn/pkg/graph"
	"github.com/athapong/abn/pkg/severity"
)

// ErrMissingCPD is returned when no probability table can be derived for a node.
var ErrMissingCPD = errors.New("missing CPD")

const (
	// DefaultGateProbability is used for AND/OR nodes without a matching rule.
	DefaultGateProbability = 0.9
	// DefaultRootProbability is used for parentless non-leaf nodes without a rule.
	DefaultRootProbability = 0.2
	// DefaultVulnerabilityProbability is used for vulExists labels whose
	// identifier cannot be read and that match no rule.
	DefaultVulnerabilityProbability = 0.5
	// GateFloor is P(true) of a gate whose condition is not met. A gate whose
	// rule probability s is below it uses s instead, so a met condition is
	// never less likely than an unmet one.
	GateFloor = 0.1
	// OrBase is P(true) of an OR gate as its first parent becomes true, before scaling.
	OrBase = 0.3
	// MaxParents bounds table size at 2^MaxParents columns.
	MaxParents = 20
)

const vulnPredicate = "vulExists"

var vulnPattern = regexp.MustCompile(`vulExists\([^,]+,'([^']+)'`)

// RuleLookup returns the rule probability matching a node label.
type RuleLookup interface {
	Lookup(label string) (float64, bool)
}

type noRules struct{}

func (noRules) Lookup(string) (float64, bool) { return 0, false }

// Synthesizer derives a node's CPD from its type, its parents, the rule set,
// and severity scores. It holds no mutable state.
type Synthesizer struct {
	rules    RuleLookup
	severity severity.Lookup
}

// NewSynthesizer creates a synthesizer. A nil rules or severity argument
// behaves like an empty rule set and a constant DefaultScore respectively.
func NewSynthesizer(rules RuleLookup, sev severity.Lookup) *Synthesizer {
	if rules == nil {
		rules = noRules{}
	}
	if sev == nil {
		sev = severity.Constant(severity.DefaultScore)
	}
	return &Synthesizer{rules: rules, severity: sev}
}

// Synthesize builds the CPD of node over parents, which must already be
// restricted to nodes present in the model.
func (s *Synthesizer) Synthesize(node graph.Node, parents []graph.NodeID) (*CPD, error) {
	if len(parents) > MaxParents {
		return nil, errors.Wrapf(ErrMissingCPD, "node %d: %d parents exceeds %d", node.ID, len(parents), MaxParents)
	}

	var pTrue func(assignment []int) float64

	switch node.Type {
	case graph.Leaf:
		p := s.leafProbability(node)
		pTrue = func([]int) float64 { return p }

	case graph.And:
		if len(parents) == 0 {
			pTrue = s.root(node)
			break
		}
		success := s.ruleOr(node.Label, DefaultGateProbability)
		floor := math.Min(GateFloor, success)
		pTrue = func(assignment []int) float64 {
			if countTrue(assignment) == len(assignment) {
				return success
			}
			return floor
		}

	case graph.Or:
		if len(parents) == 0 {
			pTrue = s.root(node)
			break
		}
		ceiling := s.ruleOr(node.Label, DefaultGateProbability)
		floor := math.Min(GateFloor, ceiling)
		k := float64(len(parents))
		pTrue = func(assignment []int) float64 {
			t := countTrue(assignment)
			if t == 0 {
				return floor
			}
			return math.Min(ceiling, OrBase+(ceiling-OrBase)*float64(t)/k)
		}

	case graph.Root:
		if len(parents) > 0 {
			return nil, errors.Wrapf(ErrMissingCPD, "node %d: ROOT node has %d parents", node.ID, len(parents))
		}
		pTrue = s.root(node)

	default:
		return nil, errors.Wrapf(ErrMissingCPD, "node %d: unsupported type %s", node.ID, node.Type)
	}

	cpd := newCPD(node.ID, parents, pTrue)
	for _, p := range cpd.Values[1] {
		if !validProbability(p) {
			return nil, errors.Wrapf(ErrMissingCPD, "node %d: derived probability %v outside [0,1]", node.ID, p)
		}
	}
	return cpd, nil
}

// leafProbability applies the leaf rules in priority order: vulnerability
// severity, explicit fact, rule, initial value.
func (s *Synthesizer) leafProbability(node graph.Node) float64 {
	if strings.Contains(node.Label, vulnPredicate) {
		if match := vulnPattern.FindStringSubmatch(node.Label); match != nil {
			return s.severity(severity.NormalizeID(match[1])) / severity.MaxScore
		}
		return s.ruleOr(node.Label, DefaultVulnerabilityProbability)
	}
	if node.InitialValue == 1 {
		return 1
	}
	return s.ruleOr(node.Label, node.InitialValue)
}

func (s *Synthesizer) root(node graph.Node) func([]int) float64 {
	p := s.ruleOr(node.Label, DefaultRootProbability)
	return func([]int) float64 { return p }
}

func (s *Synthesizer) ruleOr(label string, fallback float64) float64 {
	if p, ok := s.rules.Lookup(label); ok {
		return p
	}
	return fallback
}

func countTrue(assignment []int) int {
	n := 0
	for _, v := range assignment {
		n += v
	}
	return n
}
