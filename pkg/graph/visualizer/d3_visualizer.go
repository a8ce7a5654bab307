package visualizer

import (
	"bytes"
	"html/template"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/athapong/abn/pkg/bayes"
	"github.com/athapong/abn/pkg/inference"
)

// The HTML template for the D3.js risk map
const d3Template = `<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <title>{{.Title}}</title>
    <script src="https://d3js.org/d3.v7.min.js"></script>
    <style>
        body {
            margin: 0;
            font-family: Arial, sans-serif;
        }
        #graph {
            width: 100%;
            height: 100vh;
            background-color: #f5f5f5;
        }
        .node {
            stroke: #333;
            stroke-width: 1px;
        }
        .node.evidence {
            stroke: #1f77b4;
            stroke-width: 3px;
        }
        .link {
            stroke: #999;
            stroke-opacity: 0.6;
        }
        .node-label {
            font-size: 10px;
            pointer-events: none;
        }
        .controls {
            position: absolute;
            top: 10px;
            left: 10px;
            background-color: rgba(255,255,255,0.8);
            padding: 10px;
            border-radius: 5px;
            box-shadow: 0 0 10px rgba(0,0,0,0.1);
        }
    </style>
</head>
<body>
    <div id="graph"></div>
    <div class="controls">
        <h3>{{.Title}}</h3>
        <p>Nodes: {{.NodeCount}}, Edges: {{.EdgeCount}}</p>
        <div>
            <label for="node-type-filter">Filter by node type:</label>
            <select id="node-type-filter">
                <option value="all">All Types</option>
            </select>
        </div>
        <div>
            <label for="risk-threshold">Hide below P(compromise):</label>
            <input id="risk-threshold" type="range" min="0" max="1" step="0.05" value="0">
        </div>
    </div>

    <script>
        const graphData = {{.GraphData}};

        const simulation = d3.forceSimulation(graphData.nodes)
            .force("link", d3.forceLink(graphData.edges).id(d => d.id).distance(90))
            .force("charge", d3.forceManyBody().strength(-300))
            .force("center", d3.forceCenter(window.innerWidth / 2, window.innerHeight / 2));

        const svg = d3.select("#graph")
            .append("svg")
            .attr("width", "100%")
            .attr("height", "100%")
            .call(d3.zoom().on("zoom", (event) => {
                g.attr("transform", event.transform);
            }));

        svg.append("defs").append("marker")
            .attr("id", "arrow")
            .attr("viewBox", "0 -5 10 10")
            .attr("refX", 18)
            .attr("markerWidth", 6)
            .attr("markerHeight", 6)
            .attr("orient", "auto")
            .append("path")
            .attr("d", "M0,-5L10,0L0,5")
            .attr("fill", "#999");

        const g = svg.append("g");

        // Risk colour: white (0) to dark red (1); unanswered nodes are grey
        const riskColor = d3.scaleSequential(d3.interpolateReds).domain([0, 1]);
        const shape = {LEAF: d3.symbolCircle, AND: d3.symbolSquare, OR: d3.symbolDiamond, ROOT: d3.symbolTriangle};

        const nodeTypes = [...new Set(graphData.nodes.map(node => node.type))];
        nodeTypes.forEach(type => {
            d3.select("#node-type-filter")
                .append("option")
                .attr("value", type)
                .text(type);
        });

        const link = g.append("g")
            .selectAll("line")
            .data(graphData.edges)
            .enter()
            .append("line")
            .attr("class", "link")
            .attr("marker-end", "url(#arrow)");

        const node = g.append("g")
            .selectAll("path")
            .data(graphData.nodes)
            .enter()
            .append("path")
            .attr("class", d => d.evidence === undefined ? "node" : "node evidence")
            .attr("d", d => d3.symbol().type(shape[d.type] || d3.symbolCircle).size(220)())
            .attr("fill", d => d.probability === undefined ? "#ccc" : riskColor(d.probability))
            .call(d3.drag()
                .on("start", dragstarted)
                .on("drag", dragged)
                .on("end", dragended));

        const label = g.append("g")
            .selectAll("text")
            .data(graphData.nodes)
            .enter()
            .append("text")
            .attr("class", "node-label")
            .attr("dx", 12)
            .attr("dy", ".35em")
            .text(d => d.id + (d.probability === undefined ? "" : " (" + d.probability.toFixed(3) + ")"));

        node.append("title")
            .text(d => d.label + " [" + d.type + "]" +
                (d.probability === undefined ? "" : "\nP(compromise) = " + d.probability.toFixed(4)) +
                (d.evidence === undefined ? "" : "\nobserved = " + d.evidence));

        simulation.on("tick", () => {
            link
                .attr("x1", d => d.source.x)
                .attr("y1", d => d.source.y)
                .attr("x2", d => d.target.x)
                .attr("y2", d => d.target.y);

            node.attr("transform", d => "translate(" + d.x + "," + d.y + ")");

            label
                .attr("x", d => d.x)
                .attr("y", d => d.y);
        });

        function visible(d) {
            const type = d3.select("#node-type-filter").property("value");
            const threshold = +d3.select("#risk-threshold").property("value");
            const typeOK = type === "all" || d.type === type;
            const riskOK = d.probability === undefined || d.probability >= threshold;
            return typeOK && riskOK;
        }

        function applyFilters() {
            node.style("visibility", d => visible(d) ? "visible" : "hidden");
            label.style("visibility", d => visible(d) ? "visible" : "hidden");
            link.style("visibility", d => visible(d.source) && visible(d.target) ? "visible" : "hidden");
        }

        d3.select("#node-type-filter").on("change", applyFilters);
        d3.select("#risk-threshold").on("input", applyFilters);

        function dragstarted(event, d) {
            if (!event.active) simulation.alphaTarget(0.3).restart();
            d.fx = d.x;
            d.fy = d.y;
        }

        function dragged(event, d) {
            d.fx = event.x;
            d.fy = event.y;
        }

        function dragended(event, d) {
            if (!event.active) simulation.alphaTarget(0);
            d.fx = null;
            d.fy = null;
        }
    </script>
</body>
</html>
`

var riskTemplate = template.Must(template.New("d3").Parse(d3Template))

// Node is one vertex of the rendered risk map.
type Node struct {
	ID          int64    `json:"id"`
	Label       string   `json:"label"`
	Type        string   `json:"type"`
	Probability *float64 `json:"probability,omitempty"`
	Evidence    *int     `json:"evidence,omitempty"`
}

// Edge is one arc of the rendered risk map.
type Edge struct {
	Source int64 `json:"source"`
	Target int64 `json:"target"`
}

// RiskMap is the data handed to the page.
type RiskMap struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// NewRiskMap joins a model with query results. Nodes without a distribution
// in result are drawn grey.
func NewRiskMap(model *bayes.Model, result inference.Result, evidence inference.Evidence) *RiskMap {
	rm := &RiskMap{
		Nodes: make([]Node, 0, model.Len()),
		Edges: make([]Edge, 0, len(model.Edges())),
	}
	for _, n := range model.Nodes() {
		node := Node{ID: int64(n.ID), Label: n.Label, Type: n.Type.String()}
		if d, ok := result.Distributions[n.ID]; ok {
			p := d.True()
			node.Probability = &p
		}
		if s, ok := evidence[n.ID]; ok {
			state := s
			node.Evidence = &state
		}
		rm.Nodes = append(rm.Nodes, node)
	}
	for _, e := range model.Edges() {
		rm.Edges = append(rm.Edges, Edge{Source: int64(e.Parent), Target: int64(e.Child)})
	}
	return rm
}

// D3Visualizer creates D3.js-based risk maps of assembled models
type D3Visualizer struct {
	outputPath string
	title      string
}

// NewD3Visualizer creates a new D3.js visualizer
func NewD3Visualizer(outputPath string) *D3Visualizer {
	return &D3Visualizer{
		outputPath: outputPath,
		title:      "Attack Graph Risk Map",
	}
}

// Render writes the HTML page for rm to w.
func (v *D3Visualizer) Render(w io.Writer, rm *RiskMap) error {
	data := struct {
		Title     string
		GraphData *RiskMap
		NodeCount int
		EdgeCount int
	}{
		Title:     v.title,
		GraphData: rm,
		NodeCount: len(rm.Nodes),
		EdgeCount: len(rm.Edges),
	}
	return errors.Wrap(riskTemplate.Execute(w, data), "render risk map")
}

// Visualize writes the risk map to the configured output path.
func (v *D3Visualizer) Visualize(rm *RiskMap) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(v.outputPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "create %s", dir)
	}

	var buf bytes.Buffer
	if err := v.Render(&buf, rm); err != nil {
		return err
	}

	return errors.Wrapf(os.WriteFile(v.outputPath, buf.Bytes(), 0644), "write %s", v.outputPath)
}
