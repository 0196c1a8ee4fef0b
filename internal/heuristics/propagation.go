package heuristics

import (
	"github.com/rawblock/btn-forensics/internal/graph"
	"github.com/rawblock/btn-forensics/pkg/models"
)

// Cluster Suspicion Propagation
//
// One-shot expansion: every cluster referenced by a finding pulls its
// unflagged members in as low-confidence findings. Newly added addresses do
// not propagate further, so second-order cluster links stay undiscovered.
//
//   flagged A ∈ cluster 7 = {A, B, C, D}  →  B, C, D get score 30

const (
	ReasonRelatedCluster = "Related to suspicious address in same cluster"
	RelatedRiskScore     = 30.0
)

// ClusterIndex is the read side of the cluster tracker
type ClusterIndex interface {
	Members(id int) ([]string, bool)
}

// Expansion is the outcome of one propagation pass
type Expansion struct {
	Findings          []models.Finding
	Related           int
	ComponentCount    int
	SuspectedClusters []int
}

// Propagate extends findings with related cluster members and counts the
// weakly connected components spanned by the result plus every transaction.
// The input slice is not modified.
func Propagate(findings []models.Finding, clusters ClusterIndex, features map[string]models.AddressFeatures, proj *graph.Projection) Expansion {
	flagged := make(map[string]bool, len(findings))
	var suspected []int
	seenCluster := make(map[int]bool)
	for _, f := range findings {
		flagged[f.Address] = true
		if f.ClusterID != nil && !seenCluster[*f.ClusterID] {
			seenCluster[*f.ClusterID] = true
			suspected = append(suspected, *f.ClusterID)
		}
	}

	out := make([]models.Finding, len(findings), len(findings)+8)
	copy(out, findings)

	related := 0
	for _, id := range suspected {
		members, ok := clusters.Members(id)
		if !ok {
			continue
		}
		for _, addr := range members {
			if flagged[addr] {
				continue
			}
			flagged[addr] = true

			cid := id
			rf := models.Finding{
				Address:   addr,
				Reasons:   []string{ReasonRelatedCluster},
				RiskScore: RelatedRiskScore,
				ClusterID: &cid,
			}
			if feat, ok := features[addr]; ok {
				snapshot := feat.Clone()
				rf.Features = &snapshot
			}
			out = append(out, rf)
			related++
		}
	}
	SortFindings(out)

	exp := Expansion{
		Findings:          out,
		Related:           related,
		SuspectedClusters: suspected,
	}
	if proj != nil {
		nodes := proj.TransactionNodes()
		for _, f := range out {
			if n, ok := proj.Account(f.Address); ok {
				nodes = append(nodes, n)
			}
		}
		exp.ComponentCount = len(proj.WeakComponents(nodes))
	}
	return exp
}
