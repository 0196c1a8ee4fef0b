package graph

import (
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
)

const (
	DefaultCentralitySample = 100
	DefaultCentralitySeed   = 42
)

// CentralityOptions controls source sampling for betweenness
type CentralityOptions struct {
	SampleSize int   // k; <= 0 means DefaultCentralitySample
	Seed       int64 // PRNG seed used when sampling
}

// AccountCentrality computes normalised betweenness for the given accounts on
// the subgraph induced by those accounts plus every transaction node.
// Accounts outside the list are absent from the result.
func (p *Projection) AccountCentrality(accounts []string, opts CentralityOptions) map[string]float64 {
	nodes := p.TransactionNodes()
	for _, addr := range accounts {
		if n, ok := p.Account(addr); ok {
			nodes = append(nodes, n)
		}
	}

	scores := Betweenness(p.Induced(nodes), opts)

	out := make(map[string]float64, len(accounts))
	for _, addr := range accounts {
		n, ok := p.Account(addr)
		if !ok {
			continue
		}
		out[addr] = scores[n.id]
	}
	return out
}

// Betweenness returns directed, unweighted betweenness for every node of g,
// normalised by 1/((n-1)(n-2)). With more than k nodes only k sampled
// sources are used and the result is scaled by n/k.
func Betweenness(g *simple.DirectedGraph, opts CentralityOptions) map[int64]float64 {
	nodes := graph.NodesOf(g.Nodes())
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID() < nodes[j].ID() })

	n := len(nodes)
	out := make(map[int64]float64, n)
	for _, nd := range nodes {
		out[nd.ID()] = 0
	}
	if n <= 2 {
		return out
	}

	k := opts.SampleSize
	if k <= 0 {
		k = DefaultCentralitySample
	}

	// sources are visited in id order so sums are reproducible
	scale := 1.0 / float64((n-1)*(n-2))
	sources := nodes
	if n > k {
		rng := rand.New(rand.NewPCG(uint64(opts.Seed), 0))
		perm := rng.Perm(n)[:k]
		sort.Ints(perm)
		sources = make([]graph.Node, k)
		for i, p := range perm {
			sources[i] = nodes[p]
		}
		scale *= float64(n) / float64(k)
	}
	raw := brandes(g, nodes, sources)

	for id, v := range raw {
		out[id] = v * scale
	}
	return out
}

// brandes accumulates pair dependencies from the given sources only
func brandes(g *simple.DirectedGraph, nodes, sources []graph.Node) map[int64]float64 {
	index := make(map[int64]int, len(nodes))
	for i, nd := range nodes {
		index[nd.ID()] = i
	}
	adj := make([][]int, len(nodes))
	for i, nd := range nodes {
		succ := g.From(nd.ID())
		for succ.Next() {
			adj[i] = append(adj[i], index[succ.Node().ID()])
		}
		sort.Ints(adj[i])
	}

	cb := make([]float64, len(nodes))
	sigma := make([]float64, len(nodes))
	dist := make([]int, len(nodes))
	delta := make([]float64, len(nodes))
	preds := make([][]int, len(nodes))

	for _, src := range sources {
		s := index[src.ID()]
		for i := range nodes {
			sigma[i] = 0
			dist[i] = -1
			delta[i] = 0
			preds[i] = preds[i][:0]
		}
		sigma[s] = 1
		dist[s] = 0

		stack := make([]int, 0, len(nodes))
		queue := []int{s}
		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			stack = append(stack, v)
			for _, w := range adj[v] {
				if dist[w] < 0 {
					dist[w] = dist[v] + 1
					queue = append(queue, w)
				}
				if dist[w] == dist[v]+1 {
					sigma[w] += sigma[v]
					preds[w] = append(preds[w], v)
				}
			}
		}

		for len(stack) > 0 {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, v := range preds[w] {
				delta[v] += sigma[v] / sigma[w] * (1 + delta[w])
			}
			if w != s {
				cb[w] += delta[w]
			}
		}
	}

	out := make(map[int64]float64, len(nodes))
	for i, nd := range nodes {
		if cb[i] != 0 {
			out[nd.ID()] = cb[i]
		}
	}
	return out
}
