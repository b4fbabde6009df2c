// Package graph holds the module dependency graph supplied by the bundler.
package graph

import (
	"fmt"
	"slices"
	"strings"
)

// Edge means "From imports To".
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph is a directed import graph. It is treated as read-only once published
// with a change event.
type Graph struct {
	imports   map[string][]string
	importers map[string][]string
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		imports:   make(map[string][]string),
		importers: make(map[string][]string),
	}
}

// FromEdges builds a graph from edges and standalone nodes.
func FromEdges(edges []Edge, nodes ...string) *Graph {
	g := New()
	for _, n := range nodes {
		g.AddNode(n)
	}
	for _, e := range edges {
		g.AddEdge(e.From, e.To)
	}
	return g
}

// AddNode records a module without edges.
func (g *Graph) AddNode(id string) {
	if _, ok := g.imports[id]; !ok {
		g.imports[id] = nil
	}
	if _, ok := g.importers[id]; !ok {
		g.importers[id] = nil
	}
}

// AddEdge records that from imports to. Duplicate edges are ignored.
func (g *Graph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	if slices.Contains(g.imports[from], to) {
		return
	}
	g.imports[from] = append(g.imports[from], to)
	g.importers[to] = append(g.importers[to], from)
}

// Has reports whether id is a node of the graph.
func (g *Graph) Has(id string) bool {
	if g == nil {
		return false
	}
	_, ok := g.imports[id]
	return ok
}

// Imports returns the modules id imports.
func (g *Graph) Imports(id string) []string {
	return slices.Clone(g.imports[id])
}

// Importers returns the modules importing id.
func (g *Graph) Importers(id string) []string {
	return slices.Clone(g.importers[id])
}

// Nodes returns every module identifier, sorted.
func (g *Graph) Nodes() []string {
	nodes := make([]string, 0, len(g.imports))
	for id := range g.imports {
		nodes = append(nodes, id)
	}
	slices.Sort(nodes)
	return nodes
}

// Edges returns every edge sorted by importer then imported.
func (g *Graph) Edges() []Edge {
	var edges []Edge
	for _, from := range g.Nodes() {
		tos := slices.Clone(g.imports[from])
		slices.Sort(tos)
		for _, to := range tos {
			edges = append(edges, Edge{From: from, To: to})
		}
	}
	return edges
}

// Reachable returns the set of modules reachable from root, root included.
// The set is empty when root is not in the graph.
func (g *Graph) Reachable(root string) map[string]bool {
	seen := make(map[string]bool)
	if !g.Has(root) {
		return seen
	}
	stack := []string{root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, g.imports[id]...)
	}
	return seen
}

// DependencyOrder orders ids so that dependencies come before their importers.
// Only edges between members of ids are considered. Members of a cycle are
// emitted in identifier order once nothing else can progress.
func (g *Graph) DependencyOrder(ids []string) []string {
	members := make(map[string]bool, len(ids))
	for _, id := range ids {
		members[id] = true
	}
	pending := make(map[string]int, len(members))
	for id := range members {
		n := 0
		for _, dep := range g.imports[id] {
			if members[dep] && dep != id {
				n++
			}
		}
		pending[id] = n
	}

	order := make([]string, 0, len(members))
	done := make(map[string]bool, len(members))
	for len(order) < len(members) {
		var ready []string
		for id, n := range pending {
			if !done[id] && n == 0 {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			// Cycle: release the smallest remaining identifier.
			for id := range pending {
				if !done[id] && (len(ready) == 0 || id < ready[0]) {
					ready = []string{id}
				}
			}
		}
		slices.Sort(ready)
		for _, id := range ready {
			done[id] = true
			order = append(order, id)
			for _, importer := range g.importers[id] {
				if members[importer] && importer != id && !done[importer] {
					pending[importer]--
				}
			}
		}
	}
	return order
}

// Clone returns an independent copy.
func (g *Graph) Clone() *Graph {
	c := New()
	for id := range g.imports {
		c.AddNode(id)
	}
	for _, e := range g.Edges() {
		c.AddEdge(e.From, e.To)
	}
	return c
}

// DOT exports Graphviz DOT text.
func (g *Graph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph modules {\n")
	b.WriteString("  rankdir=LR;\n")

	aliases := make(map[string]string, len(g.imports))
	for i, id := range g.Nodes() {
		alias := fmt.Sprintf("n%d", i)
		aliases[id] = alias
		b.WriteString(fmt.Sprintf("  %s [label=\"%s\"];\n", alias, strings.ReplaceAll(id, "\"", "\\\"")))
	}
	for _, e := range g.Edges() {
		b.WriteString(fmt.Sprintf("  %s -> %s;\n", aliases[e.From], aliases[e.To]))
	}
	b.WriteString("}\n")
	return b.String()
}
