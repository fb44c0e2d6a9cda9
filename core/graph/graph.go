// Package graph maintains the factor graph registry: node identity, typed
// parent/child edges, cycle validation and sweep observers.
package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	coreerrors "github.com/adalundhe/meanfield/core/errors"
)

// Meta is the identity handle every node carries: a unique ID, the node
// kind and a display name.
type Meta struct {
	id   string
	kind string
	name string
}

// ID returns the unique node identifier.
func (m *Meta) ID() string { return m.id }

// Kind returns the node kind, e.g. "gaussian", "gamma", "markov_chain".
func (m *Meta) Kind() string { return m.kind }

// Name returns the display name.
func (m *Meta) Name() string { return m.name }

// Graph is the registry of nodes and edges for one model. Construction is
// guarded by a mutex; topology freezes after the first successful
// validation.
type Graph struct {
	mu        sync.RWMutex
	nodes     map[string]*Meta
	names     map[string]string
	parents   map[string][]string
	children  map[string][]string
	validated bool
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes:    make(map[string]*Meta),
		names:    make(map[string]string),
		parents:  make(map[string][]string),
		children: make(map[string][]string),
	}
}

// Register adds a node of the given kind and returns its identity. Display
// names are deduplicated with a numeric suffix.
func (g *Graph) Register(kind, name string) (*Meta, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.validated {
		return nil, coreerrors.Model("register", name, "graph is frozen after validation")
	}

	unique := name
	for suffix := 2; ; suffix++ {
		if _, taken := g.names[unique]; !taken {
			break
		}
		unique = fmt.Sprintf("%s-%d", name, suffix)
	}

	m := &Meta{
		id:   uuid.New().String(),
		kind: kind,
		name: unique,
	}
	g.nodes[m.id] = m
	g.names[unique] = m.id
	return m, nil
}

// AddEdge records a parent → child dependency.
func (g *Graph) AddEdge(parent, child *Meta) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.validated {
		return coreerrors.Model("add_edge", child.name, "graph is frozen after validation")
	}
	if _, ok := g.nodes[parent.id]; !ok {
		return coreerrors.Model("add_edge", parent.name, "parent is not registered")
	}
	if _, ok := g.nodes[child.id]; !ok {
		return coreerrors.Model("add_edge", child.name, "child is not registered")
	}

	g.parents[child.id] = append(g.parents[child.id], parent.id)
	g.children[parent.id] = append(g.children[parent.id], child.id)
	return nil
}

// Validate checks the graph is a non-empty DAG and freezes the topology.
// Cycle detection is Kahn's algorithm; on failure the error names the
// nodes left unprocessed.
func (g *Graph) Validate() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.validated {
		return nil
	}
	if len(g.nodes) == 0 {
		return coreerrors.Model("validate", "", "graph has no nodes")
	}

	order := g.topoOrder()
	if len(order) != len(g.nodes) {
		return coreerrors.Model("validate", "", "graph contains a cycle through %v", g.leftoverNames(order))
	}

	g.validated = true
	return nil
}

// Validated reports whether the topology is frozen.
func (g *Graph) Validated() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.validated
}

// TopoOrder returns node names in a parent-before-child order.
func (g *Graph) TopoOrder() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	order := g.topoOrder()
	if len(order) != len(g.nodes) {
		return nil, coreerrors.Model("topo_order", "", "graph contains a cycle through %v", g.leftoverNames(order))
	}

	names := make([]string, len(order))
	for i, id := range order {
		names[i] = g.nodes[id].name
	}
	return names, nil
}

func (g *Graph) topoOrder() []string {
	inDegree := g.buildInDegreeMap()
	queue := g.collectZeroInDegree(inDegree)
	return g.processTopoQueue(inDegree, queue)
}

func (g *Graph) buildInDegreeMap() map[string]int {
	inDegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = len(g.parents[id])
	}
	return inDegree
}

func (g *Graph) collectZeroInDegree(inDegree map[string]int) []string {
	queue := make([]string, 0)
	for id, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}
	// Deterministic order for reproducible diagnostics.
	sort.Slice(queue, func(i, j int) bool {
		return g.nodes[queue[i]].name < g.nodes[queue[j]].name
	})
	return queue
}

func (g *Graph) processTopoQueue(inDegree map[string]int, queue []string) []string {
	result := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		result = append(result, id)
		for _, childID := range g.children[id] {
			inDegree[childID]--
			if inDegree[childID] == 0 {
				queue = append(queue, childID)
			}
		}
	}
	return result
}

func (g *Graph) leftoverNames(order []string) []string {
	processed := make(map[string]bool, len(order))
	for _, id := range order {
		processed[id] = true
	}
	var left []string
	for id, m := range g.nodes {
		if !processed[id] {
			left = append(left, m.name)
		}
	}
	sort.Strings(left)
	return left
}

// NodeCount returns the number of registered nodes.
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// ByName returns the node with the given display name, or nil.
func (g *Graph) ByName(name string) *Meta {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if id, ok := g.names[name]; ok {
		return g.nodes[id]
	}
	return nil
}

// Parents returns the display names of a node's parents.
func (g *Graph) Parents(m *Meta) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.parents[m.id]))
	for _, id := range g.parents[m.id] {
		out = append(out, g.nodes[id].name)
	}
	return out
}
