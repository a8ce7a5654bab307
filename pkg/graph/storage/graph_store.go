package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/athapong/abn/pkg/graph"
)

// GraphStore defines an interface for storing attack graphs
type GraphStore interface {
	// StoreGraph persists an attack graph
	StoreGraph(ctx context.Context, data *graph.Data) error

	// LoadGraph loads an attack graph from storage
	LoadGraph(ctx context.Context) (*graph.Data, error)
}

// JSONGraphStore implements GraphStore using JSON files
type JSONGraphStore struct {
	filePath string
}

// NewJSONGraphStore creates a new JSON graph store
func NewJSONGraphStore(filePath string) *JSONGraphStore {
	return &JSONGraphStore{
		filePath: filePath,
	}
}

// StoreGraph stores the attack graph as JSON
func (s *JSONGraphStore) StoreGraph(ctx context.Context, data *graph.Data) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Create directory if it doesn't exist
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "create %s", dir)
	}

	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode graph")
	}

	return errors.Wrapf(os.WriteFile(s.filePath, encoded, 0644), "write %s", s.filePath)
}

// LoadGraph loads an attack graph from a JSON file
func (s *JSONGraphStore) LoadGraph(ctx context.Context) (*graph.Data, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", s.filePath)
	}

	var data graph.Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Wrapf(err, "decode %s", s.filePath)
	}

	return &data, nil
}
