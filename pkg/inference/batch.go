package inference

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/athapong/abn/pkg/graph"
)

// DefaultWorkers bounds QueryBatch when workers <= 0.
const DefaultWorkers = 4

// Request is one independent query in a batch.
type Request struct {
	Targets  []graph.NodeID `json:"targets"`
	Evidence Evidence       `json:"evidence,omitempty"`
}

// QueryBatch answers requests in parallel with at most workers in flight.
// Results are returned in request order. The first rejected request or a
// cancelled ctx stops the batch.
func (e *Engine) QueryBatch(ctx context.Context, requests []Request, workers int) ([]Result, error) {
	if workers <= 0 {
		workers = DefaultWorkers
	}

	results := make([]Result, len(requests))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, req := range requests {
		i, req := i, req
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := e.Query(req.Targets, req.Evidence)
			if err != nil {
				return errors.Wrapf(err, "request %d", i)
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
