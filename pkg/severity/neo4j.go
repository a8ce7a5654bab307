package severity

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v4/neo4j"
	"github.com/pkg/errors"
)

// Neo4jStore reads CVE weights from a graph database holding (:CVE {id, weight})
// nodes, the layout of a BRON-style vulnerability graph.
type Neo4jStore struct {
	driver neo4j.Driver
	uri    string
	label  string
}

// NewNeo4jStore creates a store backed by the database at uri.
func NewNeo4jStore(uri, username, password string) (*Neo4jStore, error) {
	auth := neo4j.BasicAuth(username, password, "")
	driver, err := neo4j.NewDriver(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create Neo4j driver: %v", err)
	}

	return &Neo4jStore{
		driver: driver,
		uri:    uri,
		label:  "CVE",
	}, nil
}

// Connect verifies the database is reachable.
func (s *Neo4jStore) Connect(ctx context.Context) error {
	return errors.Wrapf(s.driver.VerifyConnectivity(), "connect %s", s.uri)
}

// Close releases the driver.
func (s *Neo4jStore) Close() error {
	if s.driver != nil {
		return s.driver.Close()
	}
	return nil
}

// Severity implements Source.
func (s *Neo4jStore) Severity(ctx context.Context, vulnID string) (float64, error) {
	session := s.driver.NewSession(neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close()

	query := fmt.Sprintf(`
		MATCH (c:%s {id: $id})
		RETURN c.weight AS weight
	`, s.label)

	weight, err := session.ReadTransaction(func(tx neo4j.Transaction) (interface{}, error) {
		result, err := tx.Run(query, map[string]interface{}{"id": vulnID})
		if err != nil {
			return nil, err
		}
		if !result.Next() {
			return nil, errors.Wrap(ErrNotFound, vulnID)
		}
		value, ok := result.Record().Get("weight")
		if !ok || value == nil {
			return nil, errors.Wrapf(ErrNotFound, "%s has no weight", vulnID)
		}
		return value, nil
	})
	if err != nil {
		return 0, err
	}

	switch w := weight.(type) {
	case float64:
		return w, nil
	case int64:
		return float64(w), nil
	default:
		return 0, errors.Errorf("%s: unexpected weight type %T", vulnID, weight)
	}
}

// StoreSeverities upserts scores in a single write transaction.
func (s *Neo4jStore) StoreSeverities(ctx context.Context, scores map[string]float64) error {
	session := s.driver.NewSession(neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close()

	rows := make([]interface{}, 0, len(scores))
	for id, weight := range scores {
		rows = append(rows, map[string]interface{}{"id": id, "weight": weight})
	}

	query := fmt.Sprintf(`
		UNWIND $rows AS row
		MERGE (c:%s {id: row.id})
		SET c.weight = row.weight
	`, s.label)

	_, err := session.WriteTransaction(func(tx neo4j.Transaction) (interface{}, error) {
		_, err := tx.Run(query, map[string]interface{}{"rows": rows})
		return nil, err
	})
	return err
}
