package cluster

import "sort"

// Address Cluster Tracker (Union-Find)
//
// Groups addresses that co-spend as inputs of one transaction. Clusters carry
// a stable integer id handed out by a monotonically increasing counter, so
// each set is tracked twice:
//
//   parent/rank   union-find forest over addresses, path compression on Find
//   rootID/idRoot root address <-> public cluster id
//   members       cluster id -> addresses, insertion order, for reporting
//
// Clusters only merge, never split. When two clusters merge the target id
// survives and the absorbed id is retired for good.

// Tracker implements the co-spend clustering index
type Tracker struct {
	parent map[string]string
	rank   map[string]int

	rootID  map[string]int // root address -> cluster id
	idRoot  map[int]string // cluster id -> root address
	members map[int][]string

	nextID int
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		parent:  make(map[string]string),
		rank:    make(map[string]int),
		rootID:  make(map[string]int),
		idRoot:  make(map[int]string),
		members: make(map[int][]string),
	}
}

// find returns the root of addr, or "" when addr is unclustered
func (t *Tracker) find(addr string) string {
	p, ok := t.parent[addr]
	if !ok {
		return ""
	}
	if p != addr {
		t.parent[addr] = t.find(p)
	}
	return t.parent[addr]
}

// Lookup returns the cluster id of addr without allocating one
func (t *Tracker) Lookup(addr string) (int, bool) {
	root := t.find(addr)
	if root == "" {
		return 0, false
	}
	id, ok := t.rootID[root]
	return id, ok
}

// ClusterOf returns addr's cluster id, or allocates a fresh id.
// A fresh id has no members until Merge places an address in it.
func (t *Tracker) ClusterOf(addr string) int {
	if id, ok := t.Lookup(addr); ok {
		return id
	}
	t.nextID++
	return t.nextID
}

// Merge places addr in cluster target. If addr already belongs to another
// cluster, that whole cluster is absorbed into target.
func (t *Tracker) Merge(addr string, target int) {
	targetRoot, targetLive := t.idRoot[target]
	oldID, clustered := t.Lookup(addr)

	switch {
	case clustered && oldID == target:
		return

	case clustered && !targetLive:
		// rename: the old cluster becomes target
		root := t.idRoot[oldID]
		t.retire(oldID)
		t.rootID[root] = target
		t.idRoot[target] = root
		t.members[target] = append(t.members[target], t.members[oldID]...)
		delete(t.members, oldID)

	case clustered:
		oldRoot := t.idRoot[oldID]
		root := t.union(targetRoot, oldRoot)
		t.retire(oldID)
		delete(t.rootID, targetRoot)
		t.rootID[root] = target
		t.idRoot[target] = root
		t.members[target] = append(t.members[target], t.members[oldID]...)
		delete(t.members, oldID)

	case !targetLive:
		t.parent[addr] = addr
		t.rank[addr] = 0
		t.rootID[addr] = target
		t.idRoot[target] = addr
		t.members[target] = []string{addr}

	default:
		t.parent[addr] = targetRoot
		t.members[target] = append(t.members[target], addr)
	}

	if target > t.nextID {
		t.nextID = target
	}
}

// CoSpend applies the multi-input heuristic to one transaction's inputs.
// The first input's cluster is the target for every input, in order.
func (t *Tracker) CoSpend(inputs []string) (int, bool) {
	if len(inputs) < 2 {
		return 0, false
	}
	target := t.ClusterOf(inputs[0])
	for _, addr := range inputs {
		t.Merge(addr, target)
	}
	return target, true
}

func (t *Tracker) retire(id int) {
	root := t.idRoot[id]
	delete(t.idRoot, id)
	if t.rootID[root] == id {
		delete(t.rootID, root)
	}
}

// union by rank, returns the surviving root
func (t *Tracker) union(a, b string) string {
	if t.rank[a] < t.rank[b] {
		a, b = b, a
	}
	t.parent[b] = a
	if t.rank[a] == t.rank[b] {
		t.rank[a]++
	}
	return a
}

// Members returns the addresses of a cluster in insertion order
func (t *Tracker) Members(id int) ([]string, bool) {
	m, ok := t.members[id]
	if !ok {
		return nil, false
	}
	return append([]string(nil), m...), true
}

// Clusters returns every live cluster id in ascending order
func (t *Tracker) Clusters() []int {
	ids := make([]int, 0, len(t.members))
	for id := range t.members {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Partition maps every clustered address to its cluster id
func (t *Tracker) Partition() map[string]int {
	out := make(map[string]int, len(t.parent))
	for id, addrs := range t.members {
		for _, a := range addrs {
			out[a] = id
		}
	}
	return out
}

// TotalClusters returns the number of live clusters
func (t *Tracker) TotalClusters() int {
	return len(t.members)
}

// TotalAddresses returns the number of clustered addresses
func (t *Tracker) TotalAddresses() int {
	return len(t.parent)
}
