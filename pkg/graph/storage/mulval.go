package storage

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/athapong/abn/pkg/graph"
)

// MulVAL writes headerless files:
//
//	VERTICES.CSV: id,label,type,initial value
//	ARCS.CSV:     postcondition,precondition,weight
const (
	vertexColumns = 4
	arcColumns    = 3
)

// MulVALStore reads a VERTICES.CSV / ARCS.CSV pair. It implements GraphStore;
// rows that cannot be parsed are skipped and kept in Warnings.
type MulVALStore struct {
	verticesPath string
	arcsPath     string
	warnings     []graph.Warning
}

// NewMulVALStore creates a store over the given vertex and arc files.
func NewMulVALStore(verticesPath, arcsPath string) *MulVALStore {
	return &MulVALStore{verticesPath: verticesPath, arcsPath: arcsPath}
}

// LoadGraph reads both files.
func (s *MulVALStore) LoadGraph(ctx context.Context) (*graph.Data, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vertices, err := os.Open(s.verticesPath)
	if err != nil {
		return nil, errors.Wrapf(err, "open vertices %s", s.verticesPath)
	}
	defer vertices.Close()

	arcs, err := os.Open(s.arcsPath)
	if err != nil {
		return nil, errors.Wrapf(err, "open arcs %s", s.arcsPath)
	}
	defer arcs.Close()

	data, warnings, err := ReadMulVAL(vertices, arcs)
	if err != nil {
		return nil, err
	}
	s.warnings = warnings
	return data, nil
}

// StoreGraph writes data back in MulVAL column order.
func (s *MulVALStore) StoreGraph(ctx context.Context, data *graph.Data) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	vertices, err := os.Create(s.verticesPath)
	if err != nil {
		return errors.Wrapf(err, "create vertices %s", s.verticesPath)
	}
	defer vertices.Close()

	arcs, err := os.Create(s.arcsPath)
	if err != nil {
		return errors.Wrapf(err, "create arcs %s", s.arcsPath)
	}
	defer arcs.Close()

	return WriteMulVAL(vertices, arcs, data)
}

// Warnings returns the rows skipped by the last LoadGraph.
func (s *MulVALStore) Warnings() []graph.Warning {
	return append([]graph.Warning(nil), s.warnings...)
}

// ReadMulVAL parses vertex and arc records. Only I/O and CSV syntax errors are
// returned; rows with bad fields become parse_skip warnings.
func ReadMulVAL(vertices, arcs io.Reader) (*graph.Data, []graph.Warning, error) {
	data := &graph.Data{}
	var warnings []graph.Warning
	skip := func(file string, line int, format string, args ...interface{}) {
		warnings = append(warnings, graph.Warning{
			Kind:    graph.WarnParseSkip,
			Message: fmt.Sprintf("%s line %d: %s", file, line, fmt.Sprintf(format, args...)),
		})
	}

	rows, err := readRecords(vertices)
	if err != nil {
		return nil, nil, errors.Wrap(err, "read vertices")
	}
	for i, row := range rows {
		if len(row) < vertexColumns {
			skip("vertices", i+1, "want %d columns, got %d", vertexColumns, len(row))
			continue
		}
		id, err := parseID(row[0])
		if err != nil {
			skip("vertices", i+1, "bad id %q", row[0])
			continue
		}
		initial, err := strconv.ParseFloat(strings.TrimSpace(row[3]), 64)
		if err != nil {
			skip("vertices", i+1, "bad initial value %q", row[3])
			continue
		}
		data.Vertices = append(data.Vertices, graph.Vertex{
			ID:           id,
			Label:        strings.TrimSpace(row[1]),
			Type:         strings.TrimSpace(row[2]),
			InitialValue: initial,
		})
	}

	rows, err = readRecords(arcs)
	if err != nil {
		return nil, nil, errors.Wrap(err, "read arcs")
	}
	for i, row := range rows {
		if len(row) < arcColumns-1 {
			skip("arcs", i+1, "want %d columns, got %d", arcColumns, len(row))
			continue
		}
		post, err := parseID(row[0])
		if err != nil {
			skip("arcs", i+1, "bad postcondition %q", row[0])
			continue
		}
		pre, err := parseID(row[1])
		if err != nil {
			skip("arcs", i+1, "bad precondition %q", row[1])
			continue
		}
		var weight float64
		if len(row) >= arcColumns && strings.TrimSpace(row[2]) != "" {
			if weight, err = strconv.ParseFloat(strings.TrimSpace(row[2]), 64); err != nil {
				skip("arcs", i+1, "bad weight %q", row[2])
				continue
			}
		}
		data.Arcs = append(data.Arcs, graph.Arc{
			Precondition:  pre,
			Postcondition: post,
			Weight:        weight,
		})
	}

	return data, warnings, nil
}

// WriteMulVAL writes data as headerless MulVAL CSV.
func WriteMulVAL(vertices, arcs io.Writer, data *graph.Data) error {
	vw := csv.NewWriter(vertices)
	for _, v := range data.Vertices {
		if err := vw.Write([]string{
			strconv.FormatInt(int64(v.ID), 10),
			v.Label,
			v.Type,
			strconv.FormatFloat(v.InitialValue, 'g', -1, 64),
		}); err != nil {
			return errors.Wrap(err, "write vertex")
		}
	}
	vw.Flush()
	if err := vw.Error(); err != nil {
		return errors.Wrap(err, "flush vertices")
	}

	aw := csv.NewWriter(arcs)
	for _, a := range data.Arcs {
		if err := aw.Write([]string{
			strconv.FormatInt(int64(a.Postcondition), 10),
			strconv.FormatInt(int64(a.Precondition), 10),
			strconv.FormatFloat(a.Weight, 'g', -1, 64),
		}); err != nil {
			return errors.Wrap(err, "write arc")
		}
	}
	aw.Flush()
	return errors.Wrap(aw.Error(), "flush arcs")
}

func readRecords(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	return reader.ReadAll()
}

func parseID(s string) (graph.NodeID, error) {
	s = strings.TrimSpace(s)
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return graph.NodeID(id), nil
	}
	// pandas writes integral columns as floats once a value was missing
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int64(f)) {
		return 0, errors.Errorf("not an integer id: %q", s)
	}
	return graph.NodeID(f), nil
}
