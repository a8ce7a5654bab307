package storage

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v4/neo4j"
	"github.com/pkg/errors"

	"github.com/athapong/abn/pkg/graph"
)

// Neo4jStorage implements GraphStore using Neo4j. Conditions are stored as
// (:Condition {graph, id, label, type, initial}) nodes and arcs as
// [:ENABLES {weight}] relationships from precondition to postcondition.
type Neo4jStorage struct {
	driver  neo4j.Driver
	uri     string
	graphID string
}

// NewNeo4jStorage creates a new Neo4j storage instance. graphID scopes every
// node so several attack graphs can share a database.
func NewNeo4jStorage(uri, username, password, graphID string) (*Neo4jStorage, error) {
	auth := neo4j.BasicAuth(username, password, "")
	driver, err := neo4j.NewDriver(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create Neo4j driver: %v", err)
	}

	return &Neo4jStorage{
		driver:  driver,
		uri:     uri,
		graphID: graphID,
	}, nil
}

// Connect verifies the database is reachable.
func (s *Neo4jStorage) Connect(ctx context.Context) error {
	return errors.Wrapf(s.driver.VerifyConnectivity(), "connect %s", s.uri)
}

// Close releases the driver.
func (s *Neo4jStorage) Close() error {
	if s.driver != nil {
		return s.driver.Close()
	}
	return nil
}

// StoreGraph replaces the stored graph with data in one transaction.
func (s *Neo4jStorage) StoreGraph(ctx context.Context, data *graph.Data) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	session := s.driver.NewSession(neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close()

	_, err := session.WriteTransaction(func(tx neo4j.Transaction) (interface{}, error) {
		if _, err := tx.Run(`
			MATCH (c:Condition {graph: $graph})
			DETACH DELETE c
		`, map[string]interface{}{"graph": s.graphID}); err != nil {
			return nil, err
		}

		// Add conditions
		for _, v := range data.Vertices {
			params := map[string]interface{}{
				"graph":   s.graphID,
				"id":      int64(v.ID),
				"label":   v.Label,
				"type":    v.Type,
				"initial": v.InitialValue,
			}

			if _, err := tx.Run(`
				CREATE (c:Condition {
					graph: $graph,
					id: $id,
					label: $label,
					type: $type,
					initial: $initial
				})
			`, params); err != nil {
				return nil, err
			}
		}

		// Add arcs
		for _, a := range data.Arcs {
			params := map[string]interface{}{
				"graph":  s.graphID,
				"pre":    int64(a.Precondition),
				"post":   int64(a.Postcondition),
				"weight": a.Weight,
			}

			if _, err := tx.Run(`
				MATCH (pre:Condition {graph: $graph, id: $pre})
				MATCH (post:Condition {graph: $graph, id: $post})
				CREATE (pre)-[:ENABLES {weight: $weight}]->(post)
			`, params); err != nil {
				return nil, err
			}
		}

		return nil, nil
	})

	return errors.Wrapf(err, "store graph %s", s.graphID)
}

// LoadGraph reads the stored graph back, vertices ordered by id.
func (s *Neo4jStorage) LoadGraph(ctx context.Context) (*graph.Data, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	session := s.driver.NewSession(neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close()

	out, err := session.ReadTransaction(func(tx neo4j.Transaction) (interface{}, error) {
		data := &graph.Data{}

		result, err := tx.Run(`
			MATCH (c:Condition {graph: $graph})
			RETURN c.id AS id, c.label AS label, c.type AS type, c.initial AS initial
			ORDER BY c.id
		`, map[string]interface{}{"graph": s.graphID})
		if err != nil {
			return nil, err
		}
		for result.Next() {
			record := result.Record()
			v := graph.Vertex{}
			if id, ok := record.Get("id"); ok {
				v.ID = graph.NodeID(toInt64(id))
			}
			if label, ok := record.Get("label"); ok && label != nil {
				v.Label = label.(string)
			}
			if nodeType, ok := record.Get("type"); ok && nodeType != nil {
				v.Type = nodeType.(string)
			}
			if initial, ok := record.Get("initial"); ok {
				v.InitialValue = toFloat64(initial)
			}
			data.Vertices = append(data.Vertices, v)
		}
		if err := result.Err(); err != nil {
			return nil, err
		}

		result, err = tx.Run(`
			MATCH (pre:Condition {graph: $graph})-[r:ENABLES]->(post:Condition {graph: $graph})
			RETURN pre.id AS pre, post.id AS post, r.weight AS weight
			ORDER BY post.id, pre.id
		`, map[string]interface{}{"graph": s.graphID})
		if err != nil {
			return nil, err
		}
		for result.Next() {
			record := result.Record()
			pre, _ := record.Get("pre")
			post, _ := record.Get("post")
			weight, _ := record.Get("weight")
			data.Arcs = append(data.Arcs, graph.Arc{
				Precondition:  graph.NodeID(toInt64(pre)),
				Postcondition: graph.NodeID(toInt64(post)),
				Weight:        toFloat64(weight),
			})
		}
		return data, result.Err()
	})
	if err != nil {
		return nil, errors.Wrapf(err, "load graph %s", s.graphID)
	}
	return out.(*graph.Data), nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

func toFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}
