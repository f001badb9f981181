// Package network is the NetworkAnalyzer (spec §4.I): builds a directed
// mention graph from GroupRelationship edges, computes in-degree centrality
// and PageRank, and writes the combined priority back to each
// DiscoveredGroup.
package network

import (
	"context"
	"sort"

	"github.com/go-faster/errors"

	"spectra/internal/infra/logger"
	"spectra/internal/model"
	"spectra/internal/store"
)

// damping is PageRank's alpha (spec §4.I).
const damping = 0.85

// maxIterations and convergenceDelta bound the PageRank power iteration
// (spec §4.I: "until convergence (L1 delta < 1e-6 or 100 iterations)").
const (
	maxIterations    = 100
	convergenceDelta = 1e-6
)

// pagerankWeight and centralityWeight combine into the final priority score
// (spec §4.I: "0.7 * pagerank + 0.3 * inDegreeCentrality").
const (
	pagerankWeight   = 0.7
	centralityWeight = 0.3
)

// Analyzer computes and persists DiscoveredGroup priorities from the
// current GroupRelationship edge set.
type Analyzer struct {
	st *store.Store
}

// New builds an Analyzer over st.
func New(st *store.Store) *Analyzer {
	return &Analyzer{st: st}
}

// graph is the in-memory adjacency this package builds fresh on every
// Recompute call; spec §9 leaves the data structure to the implementer.
type graph struct {
	nodes   []string
	index   map[string]int
	outAdj  map[string][]edge // source -> outgoing edges
	inEdges map[string]float64 // target -> sum of incoming weights
	outSum  map[string]float64 // source -> sum of outgoing weights
}

type edge struct {
	target string
	weight float64
}

func buildGraph(edges []model.GroupRelationship) *graph {
	g := &graph{
		index:   make(map[string]int),
		outAdj:  make(map[string][]edge),
		inEdges: make(map[string]float64),
		outSum:  make(map[string]float64),
	}

	ensure := func(link string) {
		if _, ok := g.index[link]; !ok {
			g.index[link] = len(g.nodes)
			g.nodes = append(g.nodes, link)
		}
	}

	for _, e := range edges {
		ensure(e.SourceLink)
		ensure(e.TargetLink)
		g.outAdj[e.SourceLink] = append(g.outAdj[e.SourceLink], edge{target: e.TargetLink, weight: e.Weight})
		g.inEdges[e.TargetLink] += e.Weight
		g.outSum[e.SourceLink] += e.Weight
	}

	sort.Strings(g.nodes)
	for i, n := range g.nodes {
		g.index[n] = i
	}
	return g
}

// pageRank runs the weighted power-iteration PageRank spec §4.I fixes:
// damping alpha=0.85, until L1 delta < 1e-6 or 100 iterations.
func (g *graph) pageRank() map[string]float64 {
	n := len(g.nodes)
	if n == 0 {
		return map[string]float64{}
	}

	rank := make([]float64, n)
	for i := range rank {
		rank[i] = 1.0 / float64(n)
	}

	for iter := 0; iter < maxIterations; iter++ {
		next := make([]float64, n)
		base := (1 - damping) / float64(n)
		for i := range next {
			next[i] = base
		}

		var danglingMass float64
		for i, node := range g.nodes {
			outSum := g.outSum[node]
			if outSum <= 0 {
				danglingMass += rank[i]
				continue
			}
			for _, e := range g.outAdj[node] {
				j := g.index[e.target]
				next[j] += damping * rank[i] * (e.weight / outSum)
			}
		}
		if danglingMass > 0 {
			share := damping * danglingMass / float64(n)
			for i := range next {
				next[i] += share
			}
		}

		delta := 0.0
		for i := range next {
			d := next[i] - rank[i]
			if d < 0 {
				d = -d
			}
			delta += d
		}
		rank = next
		if delta < convergenceDelta {
			break
		}
	}

	out := make(map[string]float64, n)
	for i, node := range g.nodes {
		out[node] = rank[i]
	}
	return out
}

// inDegreeCentrality normalizes each node's incoming edge weight sum by the
// maximum observed, so the result lies in [0,1] like pagerank does.
func (g *graph) inDegreeCentrality() map[string]float64 {
	out := make(map[string]float64, len(g.nodes))
	maxIn := 0.0
	for _, v := range g.inEdges {
		if v > maxIn {
			maxIn = v
		}
	}
	for _, node := range g.nodes {
		if maxIn <= 0 {
			out[node] = 0
			continue
		}
		out[node] = g.inEdges[node] / maxIn
	}
	return out
}

// Recompute rebuilds the graph from the current GroupRelationship set,
// computes pagerank + in-degree centrality, and writes the combined
// priority to every touched DiscoveredGroup (spec §4.I).
func (a *Analyzer) Recompute(ctx context.Context) error {
	edges, err := a.st.ListGroupRelationships(ctx)
	if err != nil {
		return errors.Wrap(err, "network: list relationships")
	}

	g := buildGraph(edges)
	pr := g.pageRank()
	centrality := g.inDegreeCentrality()

	for _, node := range g.nodes {
		priority := pagerankWeight*pr[node] + centralityWeight*centrality[node]
		if priority < 0 {
			priority = 0
		}
		if priority > 1 {
			priority = 1
		}

		existing, ok, err := a.st.GetDiscoveredGroup(ctx, node)
		if err != nil {
			logger.Warnf("network: load discovered group %s: %v", node, err)
			continue
		}
		if !ok {
			// A node only seen as an edge endpoint (never independently
			// discovered) has no DiscoveredGroup row to update.
			continue
		}
		existing.Priority = priority
		if err := a.st.UpsertDiscoveredGroup(ctx, existing); err != nil {
			logger.Warnf("network: persist priority for %s: %v", node, err)
		}
	}
	return nil
}

// TopPriorityTargets returns the n highest-priority discovered groups with
// status != archived and priority >= minPriority (spec §4.I).
func (a *Analyzer) TopPriorityTargets(ctx context.Context, n int, minPriority float64) ([]model.DiscoveredGroup, error) {
	all, err := a.st.ListDiscoveredGroups(ctx, "")
	if err != nil {
		return nil, errors.Wrap(err, "network: list discovered groups")
	}

	// ListDiscoveredGroups already orders by priority DESC, so a single
	// pass keeps the n highest-priority matches in order.
	var out []model.DiscoveredGroup
	for _, g := range all {
		if g.Status == model.DiscoveredGroupArchived {
			continue
		}
		if g.Priority < minPriority {
			continue
		}
		out = append(out, g)
		if len(out) >= n {
			break
		}
	}
	return out, nil
}
