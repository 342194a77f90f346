// Package layout computes a top-down tree layout for the concept graph.
//
// Ranking and placement are done by Graphviz's dot engine. Edges are first
// filtered through an acyclic directed graph so that dangling, self, duplicate
// and cycle-closing edges are reported instead of handed to dot.
package layout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dominikbraun/graph"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// dot works in points; widths, heights and separations are given in inches.
const pointsPerInch = 72.0

// Node is a layout input vertex.
type Node struct {
	ID       string
	HasImage bool
}

// Edge is a directed parent -> child relation.
type Edge struct {
	Source string
	Target string
}

// Placed is a node with its computed box. X and Y are the top-left corner.
type Placed struct {
	ID     string  `json:"id"`
	Rank   int     `json:"rank"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Result is the output of a layout pass.
type Result struct {
	Nodes   []Placed `json:"nodes"`
	Width   float64  `json:"width"`
	Height  float64  `json:"height"`
	Ignored []Edge   `json:"ignored,omitempty"`
}

// Options controls spacing and node boxes.
type Options struct {
	NodeSep         float64
	RankSep         float64
	NodeWidth       float64
	NodeHeight      float64
	ImageNodeWidth  float64
	ImageNodeHeight float64
}

func DefaultOptions() Options {
	return Options{
		NodeSep:         50,
		RankSep:         100,
		NodeWidth:       220,
		NodeHeight:      90,
		ImageNodeWidth:  260,
		ImageNodeHeight: 240,
	}
}

func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.NodeSep < 0 {
		o.NodeSep = 0
	}
	if o.RankSep < 0 {
		o.RankSep = 0
	}
	if o.NodeWidth <= 0 {
		o.NodeWidth = d.NodeWidth
	}
	if o.NodeHeight <= 0 {
		o.NodeHeight = d.NodeHeight
	}
	if o.ImageNodeWidth <= 0 {
		o.ImageNodeWidth = d.ImageNodeWidth
	}
	if o.ImageNodeHeight <= 0 {
		o.ImageNodeHeight = d.ImageNodeHeight
	}
	return o
}

func (o Options) box(n Node) (float64, float64) {
	if n.HasImage {
		return o.ImageNodeWidth, o.ImageNodeHeight
	}
	return o.NodeWidth, o.NodeHeight
}

// Engine runs layout passes on a single Graphviz instance. It is safe for
// concurrent use; passes are serialised.
type Engine struct {
	mu   sync.Mutex
	gv   *graphviz.Graphviz
	opts Options
}

func New(ctx context.Context, opts Options) (*Engine, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("start graphviz: %w", err)
	}
	return &Engine{gv: gv, opts: opts.normalized()}, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gv.Close()
}

// Compute lays out nodes and edges. Nodes with an empty or repeated ID are
// dropped; edges that cannot be used are returned in Result.Ignored.
func (e *Engine) Compute(ctx context.Context, nodes []Node, edges []Edge) (Result, error) {
	kept, usable, ignored := filter(nodes, edges)
	if len(kept) == 0 {
		return Result{Nodes: []Placed{}, Ignored: ignored}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	out, err := e.render(ctx, kept, usable)
	if err != nil {
		return Result{}, err
	}
	result, err := e.place(kept, out)
	if err != nil {
		return Result{}, err
	}
	result.Ignored = ignored
	return result, nil
}

// filter keeps the first occurrence of each node and every edge that keeps the
// graph acyclic, in input order.
func filter(nodes []Node, edges []Edge) ([]Node, []Edge, []Edge) {
	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())
	kept := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			continue
		}
		if err := g.AddVertex(n.ID); err != nil {
			continue
		}
		kept = append(kept, n)
	}

	var usable, ignored []Edge
	for _, edge := range edges {
		if err := g.AddEdge(edge.Source, edge.Target); err != nil {
			ignored = append(ignored, edge)
			continue
		}
		usable = append(usable, edge)
	}
	return kept, usable, ignored
}

func (e *Engine) render(ctx context.Context, nodes []Node, edges []Edge) ([]byte, error) {
	g, err := e.gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("create graph: %w", err)
	}
	defer g.Close()

	g.SetLayout("dot")
	graphAttrs := [][2]string{
		{"rankdir", "TB"},
		{"ordering", "out"},
		{"splines", "false"},
		{"nodesep", inches(e.opts.NodeSep)},
		{"ranksep", inches(e.opts.RankSep)},
	}
	for _, attr := range graphAttrs {
		if _, err := g.Attr(int(cgraph.GRAPH), attr[0], attr[1]); err != nil {
			return nil, fmt.Errorf("set graph %s: %w", attr[0], err)
		}
	}
	nodeAttrs := [][2]string{
		{"shape", "box"},
		{"fixedsize", "true"},
		{"label", ""},
		{"width", inches(e.opts.NodeWidth)},
		{"height", inches(e.opts.NodeHeight)},
	}
	for _, attr := range nodeAttrs {
		if _, err := g.Attr(int(cgraph.NODE), attr[0], attr[1]); err != nil {
			return nil, fmt.Errorf("set node %s: %w", attr[0], err)
		}
	}

	byID := make(map[string]*graphviz.Node, len(nodes))
	for i, n := range nodes {
		gn, err := g.CreateNodeByName(dotName(i))
		if err != nil {
			return nil, fmt.Errorf("create node %s: %w", n.ID, err)
		}
		if n.HasImage {
			gn.SetWidth(e.opts.ImageNodeWidth / pointsPerInch)
			gn.SetHeight(e.opts.ImageNodeHeight / pointsPerInch)
		}
		byID[n.ID] = gn
	}
	for _, edge := range edges {
		if _, err := g.CreateEdgeByName("", byID[edge.Source], byID[edge.Target]); err != nil {
			return nil, fmt.Errorf("create edge %s->%s: %w", edge.Source, edge.Target, err)
		}
	}

	var buf bytes.Buffer
	if err := e.gv.Render(ctx, g, "dot", &buf); err != nil {
		return nil, fmt.Errorf("render layout: %w", err)
	}
	return buf.Bytes(), nil
}

var (
	nodeStmt  = regexp.MustCompile(`(?m)^\s*(n\d+)\s*\[([^\]]*)\]`)
	posAttr   = regexp.MustCompile(`\bpos="([^"]+)"`)
	boundsRaw = regexp.MustCompile(`\bbb="([^"]+)"`)
)

var errNoPosition = errors.New("layout output has no position")

// place reads node centres and the bounding box back from dot output and
// converts them to top-left coordinates with Y growing downward.
func (e *Engine) place(nodes []Node, out []byte) (Result, error) {
	m := boundsRaw.FindSubmatch(out)
	if m == nil {
		return Result{}, fmt.Errorf("%w: bounding box", errNoPosition)
	}
	bb, err := floats(string(m[1]), 4)
	if err != nil {
		return Result{}, fmt.Errorf("parse bounding box: %w", err)
	}

	centers := make(map[string][2]float64, len(nodes))
	for _, stmt := range nodeStmt.FindAllSubmatch(out, -1) {
		pm := posAttr.FindSubmatch(stmt[2])
		if pm == nil {
			continue
		}
		xy, err := floats(string(pm[1]), 2)
		if err != nil {
			return Result{}, fmt.Errorf("parse position of %s: %w", stmt[1], err)
		}
		centers[string(stmt[1])] = [2]float64{xy[0], xy[1]}
	}

	placed := make([]Placed, len(nodes))
	levels := make([]float64, 0, len(nodes))
	for i, n := range nodes {
		c, ok := centers[dotName(i)]
		if !ok {
			return Result{}, fmt.Errorf("%w: node %s", errNoPosition, n.ID)
		}
		w, h := e.opts.box(n)
		placed[i] = Placed{
			ID:     n.ID,
			X:      c[0] - w/2 - bb[0],
			Y:      bb[3] - c[1] - h/2,
			Width:  w,
			Height: h,
		}
		levels = append(levels, c[1])
	}

	// dot centres every node of a rank on the same line
	sort.Sort(sort.Reverse(sort.Float64Slice(levels)))
	rankOf := make(map[float64]int, len(levels))
	for _, y := range levels {
		if _, ok := rankOf[y]; !ok {
			rankOf[y] = len(rankOf)
		}
	}
	for i := range placed {
		placed[i].Rank = rankOf[centers[dotName(i)][1]]
	}

	return Result{
		Nodes:  placed,
		Width:  bb[2] - bb[0],
		Height: bb[3] - bb[1],
	}, nil
}

func dotName(i int) string {
	return "n" + strconv.Itoa(i)
}

func inches(points float64) string {
	return strconv.FormatFloat(points/pointsPerInch, 'f', 4, 64)
}

func floats(raw string, want int) ([]float64, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != want {
		return nil, fmt.Errorf("want %d values, got %q", want, raw)
	}
	out := make([]float64, want)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
