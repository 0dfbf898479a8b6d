package pipeline

import (
	"fmt"
	"sort"
)

// Linearize orders the pipeline's agent nodes into the sequence the executor
// walks. Edges define data dependencies and are resolved with Kahn's
// algorithm; when several orders are valid, the category rank (trigger before
// data before analysis before risk before execution before reporting) breaks
// the tie so runs are deterministic. Tool nodes and edges touching them are
// configuration attachments, not execution steps, and are ignored here.
func Linearize(p *Pipeline) ([]Node, error) {
	agentNodes := p.AgentNodes()
	if len(agentNodes) == 0 {
		return nil, fmt.Errorf("pipeline %s has no agent nodes", p.Name)
	}

	byID := make(map[string]Node, len(agentNodes))
	indegree := make(map[string]int, len(agentNodes))
	adjacent := make(map[string][]string)
	for _, n := range agentNodes {
		byID[n.ID] = n
		indegree[n.ID] = 0
	}

	for _, e := range p.Edges {
		if _, ok := byID[e.From]; !ok {
			continue // tool attachment or dangling reference
		}
		if _, ok := byID[e.To]; !ok {
			continue
		}
		adjacent[e.From] = append(adjacent[e.From], e.To)
		indegree[e.To]++
	}

	// Ready set kept sorted by (category rank, node id)
	ready := make([]string, 0, len(agentNodes))
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	ordered := make([]Node, 0, len(agentNodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			ri := CategoryRank(byID[ready[i]].Type)
			rj := CategoryRank(byID[ready[j]].Type)
			if ri != rj {
				return ri < rj
			}
			return ready[i] < ready[j]
		})

		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byID[id])

		for _, next := range adjacent[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(ordered) != len(agentNodes) {
		return nil, fmt.Errorf("pipeline %s contains a dependency cycle", p.Name)
	}

	return ordered, nil
}
