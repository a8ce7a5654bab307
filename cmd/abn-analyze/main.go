package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/athapong/abn/pkg/analysis"
	"github.com/athapong/abn/pkg/config"
	"github.com/athapong/abn/pkg/graph"
	"github.com/athapong/abn/pkg/graph/query"
	"github.com/athapong/abn/pkg/graph/storage"
	"github.com/athapong/abn/pkg/graph/visualizer"
	"github.com/athapong/abn/pkg/inference"
)

var (
	verticesFile    = flag.String("vertices", "VERTICES.CSV", "MulVAL vertex file")
	arcsFile        = flag.String("arcs", "ARCS.CSV", "MulVAL arc file")
	graphFile       = flag.String("graph", "", "Read the attack graph from this JSON file instead of MulVAL CSV")
	fromNeo4j       = flag.Bool("from-neo4j", false, "Read the attack graph from Neo4j (NEO4J_URI, NEO4J_GRAPH_ID)")
	saveGraph       = flag.String("save-graph", "", "Write the loaded attack graph as JSON to this path")
	rulesFile       = flag.String("rules", "", "Interaction rules file (running_rules.P)")
	configFile      = flag.String("config", "", "YAML configuration file")
	envFile         = flag.String("env", "", "Environment file to load before reading configuration")
	targets         = flag.String("target", "", "Comma separated node ids to query; empty queries every node")
	evidence        = flag.String("evidence", "", "Observed node states, e.g. 3=1,5=0")
	outputFile      = flag.String("output", "", "Write the JSON report to this path")
	visualize       = flag.Bool("visualize", false, "Generate an HTML risk map")
	visualizeOutput = flag.String("viz-output", "risk_map.html", "Output file for the risk map")
	logLevel        = flag.String("log-level", "", "Logging level (debug, info, warn, error); overrides the configuration")
)

func main() {
	flag.Parse()

	if *envFile != "" {
		if err := config.LoadDotEnv(*envFile); err != nil {
			logrus.Fatalf("Failed to load env file: %v", err)
		}
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	// Configure logging
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Fatalf("Invalid log level: %v", err)
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	q, err := query.Parse(*targets, *evidence)
	if err != nil {
		logger.Fatalf("Invalid query: %v", err)
	}

	ctx := context.Background()
	pipeline, err := analysis.NewPipeline(ctx, cfg, analysis.WithLogger(logger))
	if err != nil {
		logger.Fatalf("Failed to create pipeline: %v", err)
	}
	defer pipeline.Close()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatalf("Failed to open graph source: %v", err)
	}
	defer closeStore()

	a, err := pipeline.Compile(ctx, store, *rulesFile)
	if err != nil {
		logger.Fatalf("Failed to compile attack graph: %v", err)
	}
	for _, w := range a.Warnings {
		logger.WithField("kind", w.Kind).Warn(w.Message)
	}

	if *saveGraph != "" {
		if err := storage.NewJSONGraphStore(*saveGraph).StoreGraph(ctx, a.Graph.Data()); err != nil {
			logger.Errorf("Failed to save attack graph: %v", err)
		} else {
			logger.Infof("Attack graph saved to %s", *saveGraph)
		}
	}

	req := q.Request()
	if len(req.Targets) == 0 {
		req.Targets = a.Model.NodeIDs()
	}
	report, err := pipeline.Run(ctx, a, []inference.Request{req})
	if err != nil {
		logger.Fatalf("Query failed: %v", err)
	}

	printReport(a, report)

	if *outputFile != "" {
		if err := writeReport(*outputFile, report); err != nil {
			logger.Fatalf("Failed to write report: %v", err)
		}
		logger.Infof("Report saved to %s", *outputFile)
	}

	// Visualize the model if requested
	if *visualize {
		result, err := a.Engine.QueryAll(req.Evidence)
		if err != nil {
			logger.Fatalf("Query failed: %v", err)
		}
		viz := visualizer.NewD3Visualizer(*visualizeOutput)
		if err := viz.Visualize(visualizer.NewRiskMap(a.Model, result, req.Evidence)); err != nil {
			logger.Errorf("Failed to visualize risk map: %v", err)
		} else {
			logger.Infof("Visualization saved to %s", *visualizeOutput)
		}
	}
}

// openStore picks the graph source named by the flags.
func openStore(ctx context.Context, cfg *config.Config) (storage.GraphStore, func(), error) {
	noop := func() {}
	switch {
	case *fromNeo4j:
		if cfg.Neo4j.URI == "" {
			return nil, noop, fmt.Errorf("-from-neo4j needs neo4j.uri or NEO4J_URI")
		}
		store, err := storage.NewNeo4jStorage(cfg.Neo4j.URI, cfg.Neo4j.User, cfg.Neo4j.Password, cfg.Neo4j.GraphID)
		if err != nil {
			return nil, noop, err
		}
		if err := store.Connect(ctx); err != nil {
			store.Close()
			return nil, noop, err
		}
		return store, func() { store.Close() }, nil
	case *graphFile != "":
		return storage.NewJSONGraphStore(*graphFile), noop, nil
	default:
		return storage.NewMulVALStore(*verticesFile, *arcsFile), noop, nil
	}
}

func printReport(a *analysis.Analysis, report *analysis.Report) {
	fmt.Printf("Model %s: %d nodes, %d edges, %d rules, %d warnings\n",
		report.ModelID, report.Nodes, report.Edges, report.Rules, len(report.Warnings))

	for _, qr := range report.Queries {
		ids := make([]graph.NodeID, 0, len(qr.Probabilities)+len(qr.Failures))
		for id := range qr.Probabilities {
			ids = append(ids, id)
		}
		for id := range qr.Failures {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, id := range ids {
			label := ""
			if n, ok := a.Model.Node(id); ok {
				label = n.Label
			}
			if msg, failed := qr.Failures[id]; failed {
				fmt.Printf("%6d  %-8s  %s\n", id, "error", msg)
				continue
			}
			fmt.Printf("%6d  %.6f  %s\n", id, qr.Probabilities[id], label)
			if path := qr.Paths[id]; len(path) > 1 {
				hops := make([]string, len(path))
				for i, hop := range path {
					hops[i] = fmt.Sprint(hop)
				}
				fmt.Printf("%6s  %-8s  path %s\n", "", "", strings.Join(hops, " -> "))
			}
		}
	}
}

func writeReport(path string, report *analysis.Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, encoded, 0644)
}
