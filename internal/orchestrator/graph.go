package orchestrator

import "sort"

// graph maps each module to the modules it depends on.
type graph struct {
	deps map[string][]string
}

func newGraph(m Manifest) *graph {
	g := &graph{deps: make(map[string][]string, len(m.Modules))}
	for _, spec := range m.Modules {
		g.deps[spec.Name] = append([]string(nil), spec.Dependencies...)
	}
	return g
}

// cyclic returns every module that sits on a dependency cycle, sorted.
// It runs Tarjan's strongly connected components over the graph; a
// component with more than one member is a cycle.
func (g *graph) cyclic() []string {
	names := make([]string, 0, len(g.deps))
	for n := range g.deps {
		names = append(names, n)
	}
	sort.Strings(names)

	index := 0
	indices := make(map[string]int, len(names))
	lowlink := make(map[string]int, len(names))
	onStack := make(map[string]bool, len(names))
	var stack []string
	var out []string

	var visit func(n string)
	visit = func(n string) {
		indices[n] = index
		lowlink[n] = index
		index++
		stack = append(stack, n)
		onStack[n] = true

		for _, d := range g.deps[n] {
			if _, seen := indices[d]; !seen {
				visit(d)
				lowlink[n] = min(lowlink[n], lowlink[d])
			} else if onStack[d] {
				lowlink[n] = min(lowlink[n], indices[d])
			}
		}

		if lowlink[n] != indices[n] {
			return
		}
		var component []string
		for {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[top] = false
			component = append(component, top)
			if top == n {
				break
			}
		}
		if len(component) > 1 {
			out = append(out, component...)
		}
	}

	for _, n := range names {
		if _, seen := indices[n]; !seen {
			visit(n)
		}
	}
	sort.Strings(out)
	return out
}
