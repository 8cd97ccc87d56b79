package topic

import (
	"container/heap"
	"fmt"
	"math"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Graph maps a topic to its neighbors and the non-negative cost of moving there.
type Graph map[string]map[string]float64

// ParseGraph decodes a YAML weighted graph and rejects negative weights.
func ParseGraph(data []byte) (Graph, error) {
	var g Graph
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to parse topic graph: %w", err)
	}
	for from, edges := range g {
		for to, w := range edges {
			if w < 0 || math.IsNaN(w) {
				return nil, fmt.Errorf("negative weight %v on edge %q -> %q", w, from, to)
			}
		}
	}
	return g, nil
}

var (
	defaultGraphOnce sync.Once
	defaultGraph     Graph
)

// DefaultGraph returns the embedded client-side topic graph.
func DefaultGraph() Graph {
	defaultGraphOnce.Do(func() {
		g, err := ParseGraph(weightsYAML)
		if err != nil {
			panic(fmt.Sprintf("embedded topic graph is invalid: %v", err))
		}
		defaultGraph = g
	})
	return defaultGraph
}

// Nodes returns every topic that appears in the graph, as source or target, sorted.
func (g Graph) Nodes() []string {
	seen := make(map[string]bool)
	for from, edges := range g {
		seen[from] = true
		for to := range edges {
			seen[to] = true
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

type distItem struct {
	node string
	dist float64
}

type distMinHeap []distItem

func (h distMinHeap) Len() int { return len(h) }
func (h distMinHeap) Less(i, j int) bool {
	if h[i].dist == h[j].dist {
		return h[i].node < h[j].node
	}
	return h[i].dist < h[j].dist
}
func (h distMinHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *distMinHeap) Push(x interface{}) { *h = append(*h, x.(distItem)) }
func (h *distMinHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// ShortestPath returns the minimum total weight of a path from source to target.
// Unknown or unreachable targets yield +Inf.
func ShortestPath(g Graph, source, target string) float64 {
	if source == target {
		return 0
	}
	if _, ok := g[source]; !ok {
		return math.Inf(1)
	}

	dist := map[string]float64{source: 0}
	done := make(map[string]bool)
	h := &distMinHeap{{node: source, dist: 0}}
	heap.Init(h)

	for h.Len() > 0 {
		cur := heap.Pop(h).(distItem)
		if done[cur.node] {
			continue
		}
		if cur.node == target {
			return cur.dist
		}
		done[cur.node] = true
		for next, w := range g[cur.node] {
			if done[next] {
				continue
			}
			nd := cur.dist + w
			if d, ok := dist[next]; !ok || nd < d {
				dist[next] = nd
				heap.Push(h, distItem{node: next, dist: nd})
			}
		}
	}
	return math.Inf(1)
}
