// Package rules extracts per-rule success probabilities from MulVAL
// interaction-rule text and matches them against attack graph labels.
package rules

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/athapong/abn/pkg/graph"
)

// clausePattern matches
//
//	interaction_rule(
//	  (head(X) :- body(X), ...),
//	  rule_desc('description', 0.8)).
var clausePattern = regexp.MustCompile(`(?s)interaction_rule\(\s*\((.*?)\),\s*rule_desc\('(.*?)',\s*([\d.]+)\)\)`)

const bodySeparator = ":-"

// Rule is one extracted interaction rule.
type Rule struct {
	Head        string  `json:"head"`
	Description string  `json:"description"`
	Probability float64 `json:"probability"`
}

// Predicate returns the predicate name of the rule head, e.g. "execCode" for
// "execCode(H, Perm)".
func (r Rule) Predicate() string {
	name, _, _ := strings.Cut(r.Head, "(")
	return strings.TrimSpace(name)
}

// Set holds rules keyed by head, in first-insertion order. It is read-only
// once Extract returns.
type Set struct {
	rules    map[string]Rule
	order    []string
	warnings []graph.Warning
}

// NewSet builds a Set from rules in the given order. A repeated head replaces
// the earlier value but keeps its position.
func NewSet(rules ...Rule) *Set {
	s := &Set{rules: make(map[string]Rule)}
	for _, r := range rules {
		s.put(r)
	}
	return s
}

func (s *Set) put(r Rule) {
	if _, exists := s.rules[r.Head]; !exists {
		s.order = append(s.order, r.Head)
	}
	s.rules[r.Head] = r
}

// Extract scans text for interaction rules. Clauses that do not parse are
// skipped and reported through Warnings; extraction itself never fails.
func Extract(text string) *Set {
	s := NewSet()

	for _, match := range clausePattern.FindAllStringSubmatch(text, -1) {
		head, _, _ := strings.Cut(match[1], bodySeparator)
		head = strings.TrimSpace(head)
		if head == "" || strings.TrimSpace(strings.Split(head, "(")[0]) == "" {
			s.skip(fmt.Sprintf("rule %q has no head predicate", match[0]))
			continue
		}

		probability, err := strconv.ParseFloat(match[3], 64)
		if err != nil {
			s.skip(fmt.Sprintf("rule %q: bad probability %q", head, match[3]))
			continue
		}
		if probability < 0 || probability > 1 {
			s.skip(fmt.Sprintf("rule %q: probability %v outside [0,1]", head, probability))
			continue
		}

		s.put(Rule{
			Head:        head,
			Description: match[2],
			Probability: probability,
		})
	}

	return s
}

// ExtractFile reads a rules file and extracts it. Only I/O errors are returned.
func ExtractFile(path string) (*Set, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read rules file %s", path)
	}
	return Extract(string(content)), nil
}

func (s *Set) skip(msg string) {
	s.warnings = append(s.warnings, graph.Warning{Kind: graph.WarnParseSkip, Message: msg})
}

// Len returns the number of distinct rule heads.
func (s *Set) Len() int {
	return len(s.order)
}

// Rules returns the rules in insertion order.
func (s *Set) Rules() []Rule {
	out := make([]Rule, 0, len(s.order))
	for _, head := range s.order {
		out = append(out, s.rules[head])
	}
	return out
}

// Get returns the rule stored under an exact head.
func (s *Set) Get(head string) (Rule, bool) {
	r, ok := s.rules[head]
	return r, ok
}

// Warnings returns the clauses skipped during extraction.
func (s *Set) Warnings() []graph.Warning {
	if s == nil {
		return nil
	}
	return append([]graph.Warning(nil), s.warnings...)
}

// Matches returns every rule whose head predicate name occurs in label, in
// insertion order.
func (s *Set) Matches(label string) []Rule {
	var out []Rule
	if s == nil {
		return out
	}
	for _, head := range s.order {
		r := s.rules[head]
		if strings.Contains(label, r.Predicate()) {
			out = append(out, r)
		}
	}
	return out
}

// Lookup returns the probability of the first rule, in insertion order, whose
// head predicate name is a substring of label.
func (s *Set) Lookup(label string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	for _, head := range s.order {
		r := s.rules[head]
		if strings.Contains(label, r.Predicate()) {
			return r.Probability, true
		}
	}
	return 0, false
}

// Log writes a summary of the set and its skipped clauses.
func (s *Set) Log(logger logrus.FieldLogger) {
	for _, w := range s.warnings {
		logger.WithField("kind", w.Kind).Warn(w.Message)
	}
	logger.WithFields(logrus.Fields{
		"rules":   s.Len(),
		"skipped": len(s.warnings),
	}).Info("Extracted interaction rules")
}
