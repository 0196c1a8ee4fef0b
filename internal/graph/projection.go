package graph

import (
	"sort"

	"github.com/rawblock/btn-forensics/internal/ledger"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/multi"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Transaction Graph Projection
//
// Mirrors the ledger's arcs as a directed multigraph with one line per arc:
//
//   account ──▶ tx ──▶ account
//
// Accounts and transactions live in separate id namespaces, so an address
// that happens to equal a transaction id still maps to two distinct nodes.
// Degrees are line counts, tracked on insertion.

// NodeKind tells accounts and transactions apart
type NodeKind int

const (
	AccountNode NodeKind = iota
	TransactionNode
)

func (k NodeKind) String() string {
	if k == TransactionNode {
		return "transaction"
	}
	return "account"
}

// Node is a gonum node carrying its ledger identity
type Node struct {
	id   int64
	Kind NodeKind
	Name string
}

// ID implements graph.Node
func (n Node) ID() int64 { return n.id }

// Projection is the graph view over a ledger
type Projection struct {
	g *multi.WeightedDirectedGraph

	accounts map[string]int64
	txs      map[string]int64
	nodes    []Node // indexed by node id

	inDeg  map[int64]int
	outDeg map[int64]int
	lines  int
}

// NewProjection creates an empty projection
func NewProjection() *Projection {
	return &Projection{
		g:        multi.NewWeightedDirectedGraph(),
		accounts: make(map[string]int64),
		txs:      make(map[string]int64),
		inDeg:    make(map[int64]int),
		outDeg:   make(map[int64]int),
	}
}

func (p *Projection) addNode(kind NodeKind, name string) Node {
	index := p.accounts
	if kind == TransactionNode {
		index = p.txs
	}
	if id, ok := index[name]; ok {
		return p.nodes[id]
	}

	n := Node{id: int64(len(p.nodes)), Kind: kind, Name: name}
	p.nodes = append(p.nodes, n)
	index[name] = n.id
	p.g.AddNode(n)
	return n
}

// AddAccount returns the account's node, creating it on first reference
func (p *Projection) AddAccount(addr string) Node {
	return p.addNode(AccountNode, addr)
}

// AddTransaction returns the transaction's node, creating it on first reference
func (p *Projection) AddTransaction(txID string) Node {
	return p.addNode(TransactionNode, txID)
}

// AddArc mirrors one ledger arc as a weighted line
func (p *Projection) AddArc(arc ledger.Arc) {
	acct := p.AddAccount(arc.Account)
	tx := p.AddTransaction(arc.Transaction)

	from, to := acct, tx
	if arc.Kind == ledger.ArcOutput {
		from, to = tx, acct
	}
	p.g.SetWeightedLine(p.g.NewWeightedLine(from, to, arc.Weight))
	p.outDeg[from.id]++
	p.inDeg[to.id]++
	p.lines++
}

// Account looks up an account node without creating it
func (p *Projection) Account(addr string) (Node, bool) {
	id, ok := p.accounts[addr]
	if !ok {
		return Node{}, false
	}
	return p.nodes[id], true
}

// Transaction looks up a transaction node without creating it
func (p *Projection) Transaction(txID string) (Node, bool) {
	id, ok := p.txs[txID]
	if !ok {
		return Node{}, false
	}
	return p.nodes[id], true
}

// InDegree counts lines ending at n
func (p *Projection) InDegree(n Node) int { return p.inDeg[n.id] }

// OutDegree counts lines leaving n
func (p *Projection) OutDegree(n Node) int { return p.outDeg[n.id] }

// NodeCount returns the number of account and transaction nodes
func (p *Projection) NodeCount() int { return len(p.nodes) }

// LineCount returns the number of arcs mirrored so far
func (p *Projection) LineCount() int { return p.lines }

// TransactionNodes returns every transaction node in insertion order
func (p *Projection) TransactionNodes() []Node {
	out := make([]Node, 0, len(p.txs))
	for _, n := range p.nodes {
		if n.Kind == TransactionNode {
			out = append(out, n)
		}
	}
	return out
}

// Induced builds the simple directed subgraph spanned by nodes.
// Parallel lines collapse into a single edge.
func (p *Projection) Induced(nodes []Node) *simple.DirectedGraph {
	sub := simple.NewDirectedGraph()
	keep := make(map[int64]bool, len(nodes))
	for _, n := range nodes {
		if keep[n.id] {
			continue
		}
		keep[n.id] = true
		sub.AddNode(n)
	}

	for _, n := range nodes {
		succ := p.g.From(n.id)
		for succ.Next() {
			to := succ.Node()
			if !keep[to.ID()] || sub.HasEdgeFromTo(n.id, to.ID()) {
				continue
			}
			sub.SetEdge(sub.NewEdge(n, to))
		}
	}
	return sub
}

// WeakComponents returns the weakly connected components of the subgraph
// induced by nodes. Members of each component are ordered by node id and the
// components by their smallest member.
func (p *Projection) WeakComponents(nodes []Node) [][]Node {
	sub := p.Induced(nodes)
	raw := topo.ConnectedComponents(graph.Undirect{G: sub})

	comps := make([][]Node, 0, len(raw))
	for _, c := range raw {
		comp := make([]Node, 0, len(c))
		for _, gn := range c {
			comp = append(comp, p.nodes[gn.ID()])
		}
		sort.Slice(comp, func(i, j int) bool { return comp[i].id < comp[j].id })
		comps = append(comps, comp)
	}
	sort.Slice(comps, func(i, j int) bool { return comps[i][0].id < comps[j][0].id })
	return comps
}
