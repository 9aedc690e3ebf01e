// Package graph builds and searches the media conversion graph: a directed
// graph where nodes are MediaSpec ids and edges are the caps that convert
// between them.
package graph

import (
	"sort"

	"github.com/filegrind/capns-go/cap"
	"github.com/filegrind/capns-go/urn"
)

// specAccepts reports whether a request spec is accepted by a graph edge's
// from-spec pattern, per the MediaURN accepts/conformsTo semantics (§4.A).
// An unparseable operand falls back to exact string equality.
func specAccepts(pattern, request string) bool {
	if pattern == request {
		return true
	}
	patternUrn, err1 := urn.NewMediaUrnFromString(pattern)
	requestUrn, err2 := urn.NewMediaUrnFromString(request)
	if err1 != nil || err2 != nil {
		return false
	}
	return patternUrn.Accepts(requestUrn)
}

// Edge represents one conversion step: a cap that turns FromSpec into
// ToSpec, annotated with the registry it came from and its specificity
// (used to rank parallel edges between the same pair of specs).
type Edge struct {
	FromSpec     string
	ToSpec       string
	Cap          *cap.Cap
	RegistryName string
	Specificity  int
}

// Stats summarizes the shape of a MediaGraph.
type Stats struct {
	NodeCount       int
	EdgeCount       int
	InputSpecCount  int
	OutputSpecCount int
}

// MediaGraph is a directed graph over MediaSpec ids, built by inserting one
// edge per cap (cap.in-spec -> cap.out-spec).
type MediaGraph struct {
	edges    []Edge
	outgoing map[string][]int
	incoming map[string][]int
	nodes    map[string]bool
}

// NewMediaGraph creates an empty graph.
func NewMediaGraph() *MediaGraph {
	return &MediaGraph{
		outgoing: make(map[string][]int),
		incoming: make(map[string][]int),
		nodes:    make(map[string]bool),
	}
}

// AddCap inserts one edge for the given cap, keyed by its registration
// source (registry-name, specificity) per §4.D.
func (g *MediaGraph) AddCap(c *cap.Cap, registryName string) {
	fromSpec := c.Urn.InSpec()
	toSpec := c.Urn.OutSpec()

	g.nodes[fromSpec] = true
	g.nodes[toSpec] = true

	idx := len(g.edges)
	g.edges = append(g.edges, Edge{
		FromSpec:     fromSpec,
		ToSpec:       toSpec,
		Cap:          c,
		RegistryName: registryName,
		Specificity:  c.Urn.Specificity(),
	})

	g.outgoing[fromSpec] = append(g.outgoing[fromSpec], idx)
	g.incoming[toSpec] = append(g.incoming[toSpec], idx)
}

// Nodes returns every spec that appears as an edge endpoint.
func (g *MediaGraph) Nodes() []string {
	nodes := make([]string, 0, len(g.nodes))
	for n := range g.nodes {
		nodes = append(nodes, n)
	}
	return nodes
}

// Edges returns every edge in the graph.
func (g *MediaGraph) Edges() []Edge {
	return g.edges
}

func specificityDesc(edges []*Edge) {
	sort.SliceStable(edges, func(i, j int) bool {
		return edges[i].Specificity > edges[j].Specificity
	})
}

// Outgoing returns every edge whose FromSpec is satisfied by spec, sorted
// by specificity descending.
func (g *MediaGraph) Outgoing(spec string) []*Edge {
	var edges []*Edge
	for i := range g.edges {
		e := &g.edges[i]
		if specAccepts(e.FromSpec, spec) {
			edges = append(edges, e)
		}
	}
	specificityDesc(edges)
	return edges
}

// Incoming returns every edge targeting spec exactly.
func (g *MediaGraph) Incoming(spec string) []*Edge {
	indices := g.incoming[spec]
	edges := make([]*Edge, len(indices))
	for i, idx := range indices {
		edges[i] = &g.edges[idx]
	}
	return edges
}

// HasDirectEdge reports whether some cap converts from directly to to.
func (g *MediaGraph) HasDirectEdge(from, to string) bool {
	for _, e := range g.Outgoing(from) {
		if e.ToSpec == to {
			return true
		}
	}
	return false
}

// DirectEdges returns every edge from from to to, sorted by specificity
// descending.
func (g *MediaGraph) DirectEdges(from, to string) []*Edge {
	var edges []*Edge
	for _, e := range g.Outgoing(from) {
		if e.ToSpec == to {
			edges = append(edges, e)
		}
	}
	specificityDesc(edges)
	return edges
}

// CanConvert reports whether any path (direct or through intermediates)
// connects from to to.
func (g *MediaGraph) CanConvert(from, to string) bool {
	if from == to {
		return true
	}
	if !g.nodes[from] || !g.nodes[to] {
		return false
	}

	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, e := range g.Outgoing(current) {
			if e.ToSpec == to {
				return true
			}
			if !visited[e.ToSpec] {
				visited[e.ToSpec] = true
				queue = append(queue, e.ToSpec)
			}
		}
	}
	return false
}

// FindPath returns the shortest path from from to to, selecting the
// highest-specificity edge whenever several parallel edges tie for the
// next hop. Returns nil if no path exists, and an empty (non-nil) slice
// if from == to.
func (g *MediaGraph) FindPath(from, to string) []*Edge {
	if from == to {
		return []*Edge{}
	}
	if !g.nodes[from] || !g.nodes[to] {
		return nil
	}

	type backtrack struct {
		prevSpec string
		edge     *Edge
	}
	visited := map[string]*backtrack{from: nil}
	queue := []string{from}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, e := range g.Outgoing(current) {
			if _, seen := visited[e.ToSpec]; seen {
				continue
			}
			visited[e.ToSpec] = &backtrack{prevSpec: current, edge: e}
			if e.ToSpec == to {
				var path []*Edge
				spec := to
				for visited[spec] != nil {
					info := visited[spec]
					path = append([]*Edge{info.edge}, path...)
					spec = info.prevSpec
				}
				return path
			}
			queue = append(queue, e.ToSpec)
		}
	}
	return nil
}

// FindAllPaths enumerates every simple path from from to to within
// maxDepth hops, deduplicated by edge sequence, sorted ascending by length
// then descending by summed specificity.
func (g *MediaGraph) FindAllPaths(from, to string, maxDepth int) [][]*Edge {
	if !g.nodes[from] || !g.nodes[to] {
		return nil
	}

	var all [][]*Edge
	seen := make(map[string]bool)
	visitedNodes := map[string]bool{from: true}

	var dfs func(current string, depth int, path []*Edge)
	dfs = func(current string, depth int, path []*Edge) {
		if depth >= maxDepth {
			return
		}
		for _, e := range g.Outgoing(current) {
			if visitedNodes[e.ToSpec] {
				continue
			}
			next := append(path, e)
			if e.ToSpec == to {
				key := pathKey(next)
				if !seen[key] {
					seen[key] = true
					cp := make([]*Edge, len(next))
					copy(cp, next)
					all = append(all, cp)
				}
				continue
			}
			visitedNodes[e.ToSpec] = true
			dfs(e.ToSpec, depth+1, next)
			delete(visitedNodes, e.ToSpec)
		}
	}
	dfs(from, 0, nil)

	sort.SliceStable(all, func(i, j int) bool {
		if len(all[i]) != len(all[j]) {
			return len(all[i]) < len(all[j])
		}
		return pathSpecificity(all[i]) > pathSpecificity(all[j])
	})
	return all
}

// FindBestPath returns the path maximizing summed specificity, tie-broken
// by shorter length, then by lexicographic order of the path's cap URNs.
func (g *MediaGraph) FindBestPath(from, to string, maxDepth int) []*Edge {
	all := g.FindAllPaths(from, to, maxDepth)
	if len(all) == 0 {
		return nil
	}

	best := all[0]
	bestScore := pathSpecificity(best)
	for _, path := range all[1:] {
		score := pathSpecificity(path)
		switch {
		case score > bestScore:
			best, bestScore = path, score
		case score == bestScore && len(path) < len(best):
			best, bestScore = path, score
		case score == bestScore && len(path) == len(best) && pathKey(path) < pathKey(best):
			best, bestScore = path, score
		}
	}
	return best
}

func pathSpecificity(path []*Edge) int {
	total := 0
	for _, e := range path {
		total += e.Specificity
	}
	return total
}

func pathKey(path []*Edge) string {
	key := ""
	for _, e := range path {
		key += e.Cap.Urn.String() + "|"
	}
	return key
}

// InputSpecs returns every spec with at least one outgoing edge.
func (g *MediaGraph) InputSpecs() []string {
	specs := make([]string, 0, len(g.outgoing))
	for s := range g.outgoing {
		specs = append(specs, s)
	}
	return specs
}

// OutputSpecs returns every spec with at least one incoming edge.
func (g *MediaGraph) OutputSpecs() []string {
	specs := make([]string, 0, len(g.incoming))
	for s := range g.incoming {
		specs = append(specs, s)
	}
	return specs
}

// StatsOf returns summary statistics for the graph.
func (g *MediaGraph) StatsOf() Stats {
	return Stats{
		NodeCount:       len(g.nodes),
		EdgeCount:       len(g.edges),
		InputSpecCount:  len(g.outgoing),
		OutputSpecCount: len(g.incoming),
	}
}
