package restore

import (
	"sort"
	"strings"

	"github.com/maxpert/marmot-restore/schema"
)

// Graph records which tables depend on which. It is not safe for concurrent
// use; the restorer guards it with its own mutex.
type Graph struct {
	dependencies map[schema.QualifiedName]map[schema.QualifiedName]struct{}
	dependents   map[schema.QualifiedName]map[schema.QualifiedName]struct{}
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		dependencies: make(map[schema.QualifiedName]map[schema.QualifiedName]struct{}),
		dependents:   make(map[schema.QualifiedName]map[schema.QualifiedName]struct{}),
	}
}

func (g *Graph) addNode(name schema.QualifiedName) {
	if _, ok := g.dependencies[name]; !ok {
		g.dependencies[name] = make(map[schema.QualifiedName]struct{})
	}
	if _, ok := g.dependents[name]; !ok {
		g.dependents[name] = make(map[schema.QualifiedName]struct{})
	}
}

// AddDependencies adds table and the tables it depends on.
func (g *Graph) AddDependencies(table schema.QualifiedName, dependencies []schema.QualifiedName) {
	g.addNode(table)
	for _, dep := range dependencies {
		if dep == table {
			continue
		}
		g.addNode(dep)
		g.dependencies[table][dep] = struct{}{}
		g.dependents[dep][table] = struct{}{}
	}
}

// Contains reports whether the graph has a node for name.
func (g *Graph) Contains(name schema.QualifiedName) bool {
	_, ok := g.dependencies[name]
	return ok
}

// Len returns the number of tables in the graph.
func (g *Graph) Len() int {
	return len(g.dependencies)
}

// Tables returns every table in the graph, sorted.
func (g *Graph) Tables() []schema.QualifiedName {
	return sortedNames(g.dependencies)
}

// Dependencies returns the tables name depends on, sorted.
func (g *Graph) Dependencies(name schema.QualifiedName) []schema.QualifiedName {
	return sortedSet(g.dependencies[name])
}

// Dependents returns the tables depending on name, sorted.
func (g *Graph) Dependents(name schema.QualifiedName) []schema.QualifiedName {
	return sortedSet(g.dependents[name])
}

// RemoveTablesIf removes every table matching pred along with its edges and
// returns the removed names.
func (g *Graph) RemoveTablesIf(pred func(schema.QualifiedName) bool) []schema.QualifiedName {
	var removed []schema.QualifiedName
	for _, name := range g.Tables() {
		if pred(name) {
			removed = append(removed, name)
		}
	}
	for _, name := range removed {
		for dep := range g.dependencies[name] {
			delete(g.dependents[dep], name)
		}
		for dependent := range g.dependents[name] {
			delete(g.dependencies[dependent], name)
		}
		delete(g.dependencies, name)
		delete(g.dependents, name)
	}
	return removed
}

// Levels splits the tables so that every table comes after the tables it
// depends on. Tables on or behind a cycle cannot be ordered; they form the
// last level together.
func (g *Graph) Levels() [][]schema.QualifiedName {
	remaining := make(map[schema.QualifiedName]int, len(g.dependencies))
	for name, deps := range g.dependencies {
		remaining[name] = len(deps)
	}

	var levels [][]schema.QualifiedName
	for len(remaining) > 0 {
		var level []schema.QualifiedName
		for name, n := range remaining {
			if n == 0 {
				level = append(level, name)
			}
		}
		if len(level) == 0 {
			rest := make([]schema.QualifiedName, 0, len(remaining))
			for name := range remaining {
				rest = append(rest, name)
			}
			sortNames(rest)
			return append(levels, rest)
		}

		sortNames(level)
		for _, name := range level {
			delete(remaining, name)
		}
		for _, name := range level {
			for dependent := range g.dependents[name] {
				if _, ok := remaining[dependent]; ok {
					remaining[dependent]--
				}
			}
		}
		levels = append(levels, level)
	}
	return levels
}

// HasCycles reports whether some tables depend on each other.
func (g *Graph) HasCycles() bool {
	return len(g.CyclicTables()) > 0
}

// CyclicTables returns the tables lying on a dependency cycle, sorted.
func (g *Graph) CyclicTables() []schema.QualifiedName {
	var cyclic []schema.QualifiedName
	for _, comp := range g.components() {
		if len(comp) > 1 {
			cyclic = append(cyclic, comp...)
		}
	}
	sortNames(cyclic)
	return cyclic
}

// DescribeCycles formats each cycle as "a -> b -> a" for logging.
func (g *Graph) DescribeCycles() string {
	var parts []string
	for _, comp := range g.components() {
		if len(comp) < 2 {
			continue
		}
		names := make([]string, 0, len(comp)+1)
		for _, name := range comp {
			names = append(names, name.String())
		}
		names = append(names, comp[0].String())
		parts = append(parts, strings.Join(names, " -> "))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

// components returns the strongly connected components (Tarjan).
func (g *Graph) components() [][]schema.QualifiedName {
	index := 0
	indices := make(map[schema.QualifiedName]int)
	lowlink := make(map[schema.QualifiedName]int)
	onStack := make(map[schema.QualifiedName]bool)
	var stack []schema.QualifiedName
	var result [][]schema.QualifiedName

	var visit func(v schema.QualifiedName)
	visit = func(v schema.QualifiedName) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.Dependencies(v) {
			if _, seen := indices[w]; !seen {
				visit(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] && indices[w] < lowlink[v] {
				lowlink[v] = indices[w]
			}
		}

		if lowlink[v] == indices[v] {
			var comp []schema.QualifiedName
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			sortNames(comp)
			result = append(result, comp)
		}
	}

	for _, v := range g.Tables() {
		if _, seen := indices[v]; !seen {
			visit(v)
		}
	}
	return result
}

func sortNames(names []schema.QualifiedName) {
	sort.Slice(names, func(i, j int) bool { return names[i].Less(names[j]) })
}

func sortedSet(set map[schema.QualifiedName]struct{}) []schema.QualifiedName {
	names := make([]schema.QualifiedName, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sortNames(names)
	return names
}

func sortedNames(m map[schema.QualifiedName]map[schema.QualifiedName]struct{}) []schema.QualifiedName {
	names := make([]schema.QualifiedName, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sortNames(names)
	return names
}
