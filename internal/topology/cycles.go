package topology

import (
	"golang.org/x/sync/errgroup"

	"github.com/exo-explore/exo/internal/exoids"
)

// Cycles returns every simple directed cycle in the topology, as ordered
// node lists (ring order; the last node has an edge back to the first).
// A self-loop (node with an edge to itself) counts as a length-1 cycle.
//
// Enumeration strongly-connects the graph with Tarjan's algorithm first,
// then backtracks for simple cycles within each non-trivial component
// independently; independent components are searched concurrently via
// errgroup, since a cluster's device topology is typically a handful of
// small connected components rather than one dense graph.
func (t *Topology) Cycles() [][]exoids.NodeId {
	t.mu.RLock()
	nodes := make([]exoids.NodeId, 0, t.vertices.Len())
	t.vertices.Ascend(func(v vertexItem) bool {
		nodes = append(nodes, exoids.NodeId(v))
		return true
	})
	adjacency := make(map[exoids.NodeId][]exoids.NodeId, len(nodes))
	for _, n := range nodes {
		for _, e := range t.out[n] {
			adjacency[n] = append(adjacency[n], e.To)
		}
	}
	t.mu.RUnlock()

	components := tarjanSCC(nodes, adjacency)

	var (
		g       errgroup.Group
		results = make([][][]exoids.NodeId, len(components))
	)
	for i, comp := range components {
		i, comp := i, comp
		if len(comp) == 1 && !hasSelfLoop(comp[0], adjacency) {
			continue // singleton with no self-loop contributes no cycle
		}
		g.Go(func() error {
			results[i] = simpleCycles(comp, adjacency)
			return nil
		})
	}
	_ = g.Wait() // cycle search never errors; Wait only joins goroutines

	var all [][]exoids.NodeId
	for _, r := range results {
		all = append(all, r...)
	}
	return all
}

func hasSelfLoop(node exoids.NodeId, adjacency map[exoids.NodeId][]exoids.NodeId) bool {
	for _, to := range adjacency[node] {
		if to == node {
			return true
		}
	}
	return false
}

// tarjanSCC partitions nodes into strongly connected components.
func tarjanSCC(nodes []exoids.NodeId, adjacency map[exoids.NodeId][]exoids.NodeId) [][]exoids.NodeId {
	index := 0
	indices := make(map[exoids.NodeId]int)
	lowlink := make(map[exoids.NodeId]int)
	onStack := make(map[exoids.NodeId]bool)
	var stack []exoids.NodeId
	var components [][]exoids.NodeId

	var strongconnect func(v exoids.NodeId)
	strongconnect = func(v exoids.NodeId) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adjacency[v] {
			if _, seen := indices[w]; !seen {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] {
				if indices[w] < lowlink[v] {
					lowlink[v] = indices[w]
				}
			}
		}

		if lowlink[v] == indices[v] {
			var component []exoids.NodeId
			for {
				n := len(stack) - 1
				w := stack[n]
				stack = stack[:n]
				onStack[w] = false
				component = append(component, w)
				if w == v {
					break
				}
			}
			components = append(components, component)
		}
	}

	for _, n := range nodes {
		if _, seen := indices[n]; !seen {
			strongconnect(n)
		}
	}
	return components
}

// simpleCycles enumerates all simple directed cycles within component via
// DFS backtracking started from every node of the component in turn; each
// cycle is found once per rotation, and the caller's dedupeCycles keeps
// only the first rotation found.
func simpleCycles(component []exoids.NodeId, adjacency map[exoids.NodeId][]exoids.NodeId) [][]exoids.NodeId {
	inComponent := make(map[exoids.NodeId]bool, len(component))
	for _, n := range component {
		inComponent[n] = true
	}

	var cycles [][]exoids.NodeId
	for _, start := range component {
		var path []exoids.NodeId
		visited := make(map[exoids.NodeId]bool)

		var dfs func(node exoids.NodeId)
		dfs = func(node exoids.NodeId) {
			path = append(path, node)
			visited[node] = true
			for _, next := range adjacency[node] {
				if !inComponent[next] {
					continue
				}
				if next == start {
					cycles = append(cycles, append([]exoids.NodeId(nil), path...))
					continue
				}
				if !visited[next] {
					dfs(next)
				}
			}
			visited[node] = false
			path = path[:len(path)-1]
		}
		dfs(start)
	}
	return dedupeCycles(cycles)
}

// dedupeCycles removes rotation-duplicate cycles (the same ring discovered
// from two different start nodes).
func dedupeCycles(cycles [][]exoids.NodeId) [][]exoids.NodeId {
	seen := make(map[string]bool)
	var out [][]exoids.NodeId
	for _, c := range cycles {
		key := canonicalRotationKey(c)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

func canonicalRotationKey(cycle []exoids.NodeId) string {
	minIdx := 0
	for i, n := range cycle {
		if n < cycle[minIdx] {
			minIdx = i
		}
	}
	key := ""
	for i := range cycle {
		key += string(cycle[(minIdx+i)%len(cycle)]) + ","
	}
	return key
}
