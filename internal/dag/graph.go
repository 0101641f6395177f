// Package dag builds the execution graph for a pipeline version: cycle
// detection, topological layering, and upstream/downstream queries.
package dag

import (
	"sort"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
)

// Graph is the immutable dependency structure of one pipeline version.
// Build it once per run; all query methods are safe for concurrent use.
type Graph struct {
	version *core.PipelineVersion
	nodes   map[string]*core.Node
	from    map[string][]string // node -> downstream node ids
	to      map[string][]string // node -> upstream node ids
	inEdges map[string][]core.Edge
	layers  [][]string
	order   []string
}

// Build constructs the graph for a version, validating structural invariants
// and acyclicity. A cycle is surfaced as a classified ErrCycle error.
func Build(version *core.PipelineVersion) (*Graph, error) {
	if err := version.Validate(); err != nil {
		return nil, err
	}

	g := &Graph{
		version: version,
		nodes:   make(map[string]*core.Node, len(version.Nodes)),
		from:    make(map[string][]string),
		to:      make(map[string][]string),
		inEdges: make(map[string][]core.Edge),
	}
	for i := range version.Nodes {
		n := &version.Nodes[i]
		g.nodes[n.ID] = n
	}
	for _, e := range version.Edges {
		g.from[e.From] = append(g.from[e.From], e.To)
		g.to[e.To] = append(g.to[e.To], e.From)
		g.inEdges[e.To] = append(g.inEdges[e.To], e)
	}

	layers, order, err := g.layer()
	if err != nil {
		return nil, err
	}
	g.layers = layers
	g.order = order
	return g, nil
}

// layer partitions nodes into ordered layers so that every edge points from a
// strictly lower layer to a higher one (Kahn's algorithm over in-degrees).
// Ties within a layer break by order_index ascending, then node id. The
// resulting layering depends only on the edge set, never on edge order.
func (g *Graph) layer() ([][]string, []string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = len(g.to[id])
	}

	var frontier []string
	for id, deg := range inDegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}

	var (
		layers  [][]string
		order   []string
		visited int
	)
	for len(frontier) > 0 {
		g.sortLayer(frontier)
		layer := make([]string, len(frontier))
		copy(layer, frontier)
		layers = append(layers, layer)
		order = append(order, layer...)
		visited += len(layer)

		var next []string
		for _, id := range layer {
			for _, downstream := range g.from[id] {
				inDegree[downstream]--
				if inDegree[downstream] == 0 {
					next = append(next, downstream)
				}
			}
		}
		frontier = next
	}

	if visited != len(g.nodes) {
		return nil, nil, core.NewError(core.ErrCycle,
			"pipeline version %s contains a cycle", g.version.ID)
	}
	return layers, order, nil
}

func (g *Graph) sortLayer(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := g.nodes[ids[i]], g.nodes[ids[j]]
		if a.OrderIndex != b.OrderIndex {
			return a.OrderIndex < b.OrderIndex
		}
		return a.ID < b.ID
	})
}

// TopologicalSort returns all node ids in an order where every edge's source
// precedes its target.
func (g *Graph) TopologicalSort() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// ExecutionLayers returns the ordered layer partition. Nodes within one layer
// have no dependencies among themselves and may run concurrently.
func (g *Graph) ExecutionLayers() [][]string {
	out := make([][]string, len(g.layers))
	for i, layer := range g.layers {
		out[i] = make([]string, len(layer))
		copy(out[i], layer)
	}
	return out
}

// Node returns the node definition for an id, or nil.
func (g *Graph) Node(id string) *core.Node {
	return g.nodes[id]
}

// Size returns the number of nodes.
func (g *Graph) Size() int {
	return len(g.nodes)
}

// Upstream returns the direct upstream node ids of a node, sorted.
func (g *Graph) Upstream(id string) []string {
	return sortedCopy(g.to[id])
}

// Downstream returns the direct downstream node ids of a node, sorted.
func (g *Graph) Downstream(id string) []string {
	return sortedCopy(g.from[id])
}

// Descendants returns every node reachable from the given node.
func (g *Graph) Descendants(id string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		for _, next := range g.from[cur] {
			if !seen[next] {
				seen[next] = true
				walk(next)
			}
		}
	}
	walk(id)
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// IncomingEdges returns the inbound edge metadata for a node, including any
// condition expressions, ordered by source node id.
func (g *Graph) IncomingEdges(id string) []core.Edge {
	edges := make([]core.Edge, len(g.inEdges[id]))
	copy(edges, g.inEdges[id])
	sort.Slice(edges, func(i, j int) bool { return edges[i].From < edges[j].From })
	return edges
}

func sortedCopy(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	sort.Strings(out)
	return out
}
