package query

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/athapong/abn/pkg/graph"
	"github.com/athapong/abn/pkg/inference"
)

// ErrSyntax is returned for target or evidence text that does not parse.
var ErrSyntax = errors.New("query syntax error")

type Query struct {
	Targets  []graph.NodeID       `json:"targets"`
	Evidence map[graph.NodeID]int `json:"evidence,omitempty"`
}

func NewQuery(targets ...graph.NodeID) *Query {
	return &Query{
		Targets:  append(make([]graph.NodeID, 0, len(targets)), targets...),
		Evidence: make(map[graph.NodeID]int),
	}
}

func (q *Query) AddTarget(ids ...graph.NodeID) *Query {
	q.Targets = append(q.Targets, ids...)
	return q
}

// Observe fixes id to state (0 or 1). Validation happens at query time.
func (q *Query) Observe(id graph.NodeID, state int) *Query {
	if q.Evidence == nil {
		q.Evidence = make(map[graph.NodeID]int)
	}
	q.Evidence[id] = state
	return q
}

// Request converts the query for the inference engine.
func (q *Query) Request() inference.Request {
	evidence := make(inference.Evidence, len(q.Evidence))
	for id, s := range q.Evidence {
		evidence[id] = s
	}
	return inference.Request{
		Targets:  append([]graph.NodeID(nil), q.Targets...),
		Evidence: evidence,
	}
}

// Parse reads targets such as "1,4,7" and evidence such as "3=1,5=0".
// Either string may be empty.
func Parse(targets, evidence string) (*Query, error) {
	q := NewQuery()

	for _, field := range splitList(targets) {
		id, err := parseID(field)
		if err != nil {
			return nil, err
		}
		q.AddTarget(id)
	}

	for _, field := range splitList(evidence) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return nil, errors.Wrapf(ErrSyntax, "evidence %q: want id=state", field)
		}
		id, err := parseID(key)
		if err != nil {
			return nil, err
		}
		state, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || (state != 0 && state != 1) {
			return nil, errors.Wrapf(ErrSyntax, "evidence %q: state must be 0 or 1", field)
		}
		if prev, dup := q.Evidence[id]; dup && prev != state {
			return nil, errors.Wrapf(ErrSyntax, "evidence for node %d given twice", id)
		}
		q.Observe(id, state)
	}

	return q, nil
}

func splitList(s string) []string {
	var out []string
	for _, field := range strings.Split(s, ",") {
		if field = strings.TrimSpace(field); field != "" {
			out = append(out, field)
		}
	}
	return out
}

func parseID(s string) (graph.NodeID, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrSyntax, "node id %q", s)
	}
	return graph.NodeID(id), nil
}

// EvidenceString renders evidence in Parse form, ordered by node id.
func (q *Query) EvidenceString() string {
	ids := make([]graph.NodeID, 0, len(q.Evidence))
	for id := range q.Evidence {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%d=%d", id, q.Evidence[id]))
	}
	return strings.Join(parts, ",")
}

func (q *Query) String() string {
	bytes, _ := json.MarshalIndent(q, "", "  ")
	return fmt.Sprintf("%s", bytes)
}
