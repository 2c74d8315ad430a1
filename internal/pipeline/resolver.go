package pipeline

import (
	"slices"
	"sort"

	"molorch/internal/apperrors"
	"molorch/internal/catalog"
)

// Plan is a validated, topologically ordered execution plan for a template.
// It is immutable after Resolve; the coordinator only reads it.
type Plan struct {
	Template *Template
	Order    []string // deterministic topological order of node IDs

	upstream   map[string][]string // node -> direct producers, sorted
	downstream map[string][]string // node -> direct consumers, sorted
	incoming   map[string][]Edge   // node -> edges feeding it
}

// Upstream returns the direct producers of a node.
func (p *Plan) Upstream(nodeID string) []string { return p.upstream[nodeID] }

// Downstream returns the direct consumers of a node.
func (p *Plan) Downstream(nodeID string) []string { return p.downstream[nodeID] }

// EdgesInto returns the edges feeding a node's inputs.
func (p *Plan) EdgesInto(nodeID string) []Edge { return p.incoming[nodeID] }

// Descendants returns every node reachable downstream of a node, sorted.
func (p *Plan) Descendants(nodeID string) []string {
	seen := map[string]bool{}
	var walk func(id string)
	walk = func(id string) {
		for _, next := range p.downstream[id] {
			if !seen[next] {
				seen[next] = true
				walk(next)
			}
		}
	}
	walk(nodeID)
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Resolve validates a template against the task catalog and produces an
// execution plan. Cycles fail with a circular-dependency error carrying a
// witness path; schema violations fail with validation errors. A template
// that does not resolve is never persisted.
func Resolve(cat *catalog.Catalog, tpl *Template) (*Plan, error) {
	if err := validateStructure(cat, tpl); err != nil {
		return nil, err
	}

	p := &Plan{
		Template:   tpl,
		upstream:   make(map[string][]string, len(tpl.Nodes)),
		downstream: make(map[string][]string, len(tpl.Nodes)),
		incoming:   make(map[string][]Edge, len(tpl.Nodes)),
	}
	for _, e := range tpl.Edges {
		p.incoming[e.To] = append(p.incoming[e.To], e)
		if !slices.Contains(p.upstream[e.To], e.From) {
			p.upstream[e.To] = append(p.upstream[e.To], e.From)
		}
		if !slices.Contains(p.downstream[e.From], e.To) {
			p.downstream[e.From] = append(p.downstream[e.From], e.To)
		}
	}
	for _, lists := range []map[string][]string{p.upstream, p.downstream} {
		for _, l := range lists {
			sort.Strings(l)
		}
	}

	order, err := topoSort(tpl, p.upstream, p.downstream)
	if err != nil {
		return nil, err
	}
	p.Order = order
	return p, nil
}

// validateStructure checks identifiers, task references, edge endpoints and
// input satisfaction. Pure graph shape (cycles) is left to topoSort.
func validateStructure(cat *catalog.Catalog, tpl *Template) error {
	if tpl.ID == "" || !nodeIDPattern.MatchString(tpl.ID) {
		return validationErr("id", "template id %q is missing or invalid", tpl.ID)
	}
	if len(tpl.Nodes) == 0 {
		return validationErr("nodes", "template %s has no nodes", tpl.ID)
	}
	if len(tpl.Nodes) > maxNodes {
		return validationErr("nodes", "template %s exceeds %d nodes", tpl.ID, maxNodes)
	}

	pipelineInputs := map[string]bool{}
	for _, name := range tpl.Inputs {
		pipelineInputs[name] = true
	}

	defs := make(map[string]*catalog.TaskDefinition, len(tpl.Nodes))
	for i := range tpl.Nodes {
		n := &tpl.Nodes[i]
		if !nodeIDPattern.MatchString(n.ID) {
			return validationErr("nodes", "node id %q is invalid", n.ID)
		}
		if _, dup := defs[n.ID]; dup {
			return validationErr("nodes", "duplicate node id %q", n.ID)
		}
		def, err := cat.Resolve(n.TaskRef)
		if err != nil {
			return validationErr("nodes", "node %q references unknown task %q", n.ID, n.TaskRef)
		}
		defs[n.ID] = def

		for param, pipelineInput := range n.Inputs {
			if _, ok := def.Inputs[param]; !ok {
				return validationErr("nodes", "node %q maps unknown task parameter %q", n.ID, param)
			}
			if !pipelineInputs[pipelineInput] {
				return validationErr("nodes", "node %q reads undeclared pipeline input %q", n.ID, pipelineInput)
			}
		}
	}

	// fed tracks how every consumer parameter is satisfied; a parameter fed
	// twice is ambiguous and rejected.
	fed := map[string]bool{}
	for i := range tpl.Nodes {
		n := &tpl.Nodes[i]
		for param := range n.Inputs {
			fed[n.ID+"/"+param] = true
		}
	}
	for _, e := range tpl.Edges {
		producer, ok := defs[e.From]
		if !ok {
			return validationErr("edges", "edge references unknown node %q", e.From)
		}
		consumer, ok := defs[e.To]
		if !ok {
			return validationErr("edges", "edge references unknown node %q", e.To)
		}
		if e.From == e.To {
			return apperrors.Circular([]string{e.From, e.To})
		}
		if _, ok := producer.Outputs[e.Output]; !ok {
			return validationErr("edges", "node %q has no output %q", e.From, e.Output)
		}
		if _, ok := consumer.Inputs[e.Input]; !ok {
			return validationErr("edges", "node %q has no input %q", e.To, e.Input)
		}
		key := e.To + "/" + e.Input
		if fed[key] {
			return validationErr("edges", "input %q of node %q is fed more than once", e.Input, e.To)
		}
		fed[key] = true
	}

	for i := range tpl.Nodes {
		n := &tpl.Nodes[i]
		def := defs[n.ID]
		for param, spec := range def.Inputs {
			if spec.Required && spec.Default == nil && !fed[n.ID+"/"+param] {
				return validationErr("nodes",
					"required input %q of node %q is satisfied by neither an edge, a pipeline input, nor a default", param, n.ID)
			}
		}
	}
	return nil
}

// topoSort runs Kahn's algorithm with a sorted ready set for deterministic
// order. When nodes remain unprocessed the graph has a cycle and a witness
// path is extracted for the error.
func topoSort(tpl *Template, upstream, downstream map[string][]string) ([]string, error) {
	indegree := make(map[string]int, len(tpl.Nodes))
	for _, n := range tpl.Nodes {
		indegree[n.ID] = len(upstream[n.ID])
	}

	var ready []string
	for _, n := range tpl.Nodes {
		if indegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(tpl.Nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, next := range downstream[id] {
			indegree[next]--
			if indegree[next] == 0 {
				pos := sort.SearchStrings(ready, next)
				ready = slices.Insert(ready, pos, next)
			}
		}
	}

	if len(order) != len(tpl.Nodes) {
		return nil, apperrors.Circular(cycleWitness(tpl, downstream, indegree))
	}
	return order, nil
}

// cycleWitness finds one concrete cycle among the nodes Kahn could not
// order, so the error names the offending path instead of just "has cycle".
func cycleWitness(tpl *Template, downstream map[string][]string, indegree map[string]int) []string {
	remaining := map[string]bool{}
	var start []string
	for _, n := range tpl.Nodes {
		if indegree[n.ID] > 0 {
			remaining[n.ID] = true
			start = append(start, n.ID)
		}
	}
	sort.Strings(start)

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var path []string

	var dfs func(id string) []string
	dfs = func(id string) []string {
		color[id] = gray
		path = append(path, id)
		for _, next := range downstream[id] {
			if !remaining[next] {
				continue
			}
			if color[next] == gray {
				// Close the loop: slice the path from the repeated node.
				idx := slices.Index(path, next)
				witness := append(slices.Clone(path[idx:]), next)
				return witness
			}
			if color[next] == white {
				if w := dfs(next); w != nil {
					return w
				}
			}
		}
		color[id] = black
		path = path[:len(path)-1]
		return nil
	}

	for _, id := range start {
		if color[id] == white {
			path = path[:0]
			if w := dfs(id); w != nil {
				return w
			}
		}
	}
	return start // unreachable for a true cycle, but never return nil
}
