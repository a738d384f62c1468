package element

import (
	"sort"
	"sync"

	"github.com/pmengelbert/stack"
	"golang.org/x/exp/constraints"
	"k8s.io/apimachinery/pkg/util/sets"
)

// graph is the working dependency graph over LoadElements used by the
// loader to detect cycles and compute the deterministic dependency sort,
// §4.2 steps 6-7. It is built and consumed once per load_targets call.
type graph struct {
	m        *sync.Mutex
	elements map[string]*LoadElement // keyed by FullName
	edges    sets.Set[edge]
}

type edge struct {
	from string // FullName
	to   string
}

type vertex struct {
	name    string
	index   *int
	lowlink int
	onStack bool
}

func newGraph() *graph {
	return &graph{
		m:        new(sync.Mutex),
		elements: make(map[string]*LoadElement),
		edges:    sets.New[edge](),
	}
}

func (g *graph) addElement(le *LoadElement) {
	g.m.Lock()
	defer g.m.Unlock()
	g.elements[le.FullName] = le
}

func (g *graph) addEdge(from, to string) {
	g.m.Lock()
	defer g.m.Unlock()
	g.edges.Insert(edge{from: from, to: to})
}

// checkCycles runs Tarjan's strongly-connected-components algorithm over
// the graph, grounded on dalec's graph.go topSort/verify. Any component of
// size greater than one, or a vertex with a self-edge, is a dependency
// cycle; the returned error carries a full provenance chain per §4.2 step
// 7.
func (g *graph) checkCycles() error {
	names := make([]string, 0, len(g.elements))
	for name := range g.elements {
		names = append(names, name)
	}
	sort.Strings(names)

	vertices := make(map[string]*vertex, len(names))
	for _, n := range names {
		vertices[n] = &vertex{name: n}
	}

	index := 0
	s := stack.New[*vertex]()
	var components [][]*vertex

	var strongConnect func(v *vertex)
	strongConnect = func(v *vertex) {
		v.index = new(int)
		*v.index = index
		v.lowlink = index
		index++

		s.Push(v)
		v.onStack = true

		for e := range g.edges {
			if e.from != v.name {
				continue
			}
			w, ok := vertices[e.to]
			if !ok {
				// dependency resolved outside this graph (shouldn't
				// happen once loading is complete, but be defensive).
				continue
			}
			if w.index == nil {
				strongConnect(w)
				v.lowlink = minInt(v.lowlink, w.lowlink)
			} else if w.onStack {
				v.lowlink = minInt(v.lowlink, *w.index)
			}
		}

		if v.lowlink == *v.index {
			var component []*vertex
			for {
				opt := s.Pop()
				if !opt.IsSome() {
					break
				}
				w := opt.Unwrap()
				w.onStack = false
				component = append(component, w)
				if w == v {
					break
				}
			}
			components = append(components, component)
		}
	}

	for _, n := range names {
		if vertices[n].index == nil {
			strongConnect(vertices[n])
		}
	}

	for _, c := range components {
		if len(c) > 1 {
			return &CircularDependencyError{Chain: cycleChain(c)}
		}
		// a single-vertex component with a self-edge is also a cycle
		if len(c) == 1 && g.edges.Has(edge{from: c[0].name, to: c[0].name}) {
			return &CircularDependencyError{Chain: []string{c[0].name, c[0].name}}
		}
	}
	return nil
}

func cycleChain(c []*vertex) []string {
	out := make([]string, 0, len(c)+1)
	for i := len(c) - 1; i >= 0; i-- {
		out = append(out, c[i].name)
	}
	out = append(out, out[0])
	return out
}

func minInt[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// transitiveClosure returns, for each element, the set of full-names
// reachable via build-or-runtime edges. Used by the dependency sort (§4.2
// rule 6a) to decide "A depends on B transitively".
func (g *graph) transitiveClosure() map[string]sets.Set[string] {
	closure := make(map[string]sets.Set[string], len(g.elements))
	var visit func(name string) sets.Set[string]
	visit = func(name string) sets.Set[string] {
		if c, ok := closure[name]; ok {
			return c
		}
		c := sets.New[string]()
		closure[name] = c // break recursion on cycles; checkCycles runs first in practice
		for e := range g.edges {
			if e.from != name {
				continue
			}
			c.Insert(e.to)
			c = c.Union(visit(e.to))
		}
		closure[name] = c
		return c
	}
	for name := range g.elements {
		visit(name)
	}
	return closure
}
